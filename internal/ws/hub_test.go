package ws

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"team_chat/internal/config"
	"team_chat/pkg/logger"
)

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		MaxConnectionsPerUser: 5,
		PingInterval:          54 * time.Second,
		PongTimeout:           60 * time.Second,
		WriteTimeout:          10 * time.Second,
		SendBufferSize:        256,
	}
}

func newTestHub(maxPerUser int) *Hub {
	return NewHub(maxPerUser, nil, logger.NewNop())
}

// Клиент без реального соединения: Close это переживает,
// а trySend работает только с буфером.
func newTestClient(h *Hub, userID uuid.UUID, bufferSize int) *Client {
	cfg := testWSConfig()
	cfg.SendBufferSize = bufferSize
	return NewClient(h, nil, userID, cfg, logger.NewNop())
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data := <-c.send:
		var event Event
		require.NoError(t, json.Unmarshal(data, &event))
		return event
	default:
		t.Fatal("expected a buffered event")
		return Event{}
	}
}

func TestRegisterEvictsOldestBeyondLimit(t *testing.T) {
	hub := newTestHub(5)
	userID := uuid.New()

	clients := make([]*Client, 0, 6)
	for i := 0; i < 5; i++ {
		c := newTestClient(hub, userID, 8)
		hub.Register(c)
		clients = append(clients, c)
	}
	require.Equal(t, 5, hub.ConnectionCount(userID))

	sixth := newTestClient(hub, userID, 8)
	hub.Register(sixth)

	assert.Equal(t, 5, hub.ConnectionCount(userID))

	// Самое старое соединение закрыто, его контекст отменен
	select {
	case <-clients[0].Context().Done():
	default:
		t.Fatal("evicted client context must be canceled")
	}

	// Остальные живы
	for _, c := range clients[1:] {
		select {
		case <-c.Context().Done():
			t.Fatal("surviving client must not be closed")
		default:
		}
	}
}

func TestDeregisterIsIdempotentAndCleansTopics(t *testing.T) {
	hub := newTestHub(5)
	userID := uuid.New()
	topicID := uuid.New()

	client := newTestClient(hub, userID, 8)
	hub.Register(client)
	hub.JoinTopic(client, topicID)
	require.Equal(t, 1, hub.TopicSubscriberCount(topicID))

	hub.Deregister(client)
	assert.Equal(t, 0, hub.ConnectionCount(userID))
	assert.Equal(t, 0, hub.TopicSubscriberCount(topicID))

	// Повторный вызов ничего не ломает
	hub.Deregister(client)
	assert.Equal(t, 0, hub.ConnectionCount(userID))
}

func TestEmitToTopicReachesSubscribersOnly(t *testing.T) {
	hub := newTestHub(5)
	topicID := uuid.New()

	subscriber := newTestClient(hub, uuid.New(), 8)
	bystander := newTestClient(hub, uuid.New(), 8)
	hub.Register(subscriber)
	hub.Register(bystander)
	hub.JoinTopic(subscriber, topicID)

	hub.EmitToTopic(topicID, "message:new", map[string]string{"content": "hello"})

	event := receive(t, subscriber)
	assert.Equal(t, "message:new", event.Event)
	assert.False(t, event.Timestamp.IsZero())

	select {
	case <-bystander.send:
		t.Fatal("bystander must not receive topic events")
	default:
	}
}

func TestLeaveTopicStopsDelivery(t *testing.T) {
	hub := newTestHub(5)
	topicID := uuid.New()

	client := newTestClient(hub, uuid.New(), 8)
	hub.Register(client)
	hub.JoinTopic(client, topicID)
	hub.LeaveTopic(client, topicID)

	hub.EmitToTopic(topicID, "message:new", nil)

	select {
	case <-client.send:
		t.Fatal("client left the topic and must not receive events")
	default:
	}
}

func TestSlowClientIsDisconnected(t *testing.T) {
	hub := newTestHub(5)
	topicID := uuid.New()
	userID := uuid.New()

	slow := newTestClient(hub, userID, 1)
	hub.Register(slow)
	hub.JoinTopic(slow, topicID)

	// Первый кадр занимает весь буфер, второй его переполняет
	hub.EmitToTopic(topicID, "message:new", nil)
	hub.EmitToTopic(topicID, "message:new", nil)

	assert.Equal(t, 0, hub.ConnectionCount(userID))
	assert.Equal(t, 0, hub.TopicSubscriberCount(topicID))
	select {
	case <-slow.Context().Done():
	default:
		t.Fatal("slow client must be closed")
	}
}

// Рассылка в топик гонится с отключениями его подписчиков: emit не должен
// ни паниковать, ни писать в буфер уже закрытого соединения
func TestEmitRacesDisconnect(t *testing.T) {
	hub := newTestHub(5)
	topicID := uuid.New()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					hub.EmitToTopic(topicID, "message:new", nil)
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		client := newTestClient(hub, uuid.New(), 1)
		hub.Register(client)
		hub.JoinTopic(client, topicID)
		hub.Deregister(client)
		assert.False(t, client.trySend([]byte("late")))
	}

	close(stop)
	wg.Wait()

	assert.Equal(t, 0, hub.TopicSubscriberCount(topicID))
}

func TestEmitToUserReachesAllConnections(t *testing.T) {
	hub := newTestHub(5)
	userID := uuid.New()

	first := newTestClient(hub, userID, 8)
	second := newTestClient(hub, userID, 8)
	hub.Register(first)
	hub.Register(second)

	hub.EmitToUser(userID, "message:read", map[string]string{"message_id": uuid.NewString()})

	for _, c := range []*Client{first, second} {
		event := receive(t, c)
		assert.Equal(t, "message:read", event.Event)
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	hub := newTestHub(5)
	topicID := uuid.New()

	first := newTestClient(hub, uuid.New(), 8)
	second := newTestClient(hub, uuid.New(), 8)
	hub.Register(first)
	hub.Register(second)
	hub.JoinTopic(first, topicID)

	hub.Shutdown()

	assert.Equal(t, 0, hub.ConnectionCount(first.UserID()))
	assert.Equal(t, 0, hub.TopicSubscriberCount(topicID))
	for _, c := range []*Client{first, second} {
		select {
		case <-c.Context().Done():
		default:
			t.Fatal("shutdown must close every client")
		}
	}
}
