package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"team_chat/internal/metrics"
	"team_chat/pkg/logger"
)

// Event — конверт исходящего сообщения для клиента
type Event struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"ts"`
}

// Hub ведет два индекса живых соединений: по пользователю и по топику (беседе).
// Оба индекса изменяются конкурентно из множества соединений.
type Hub struct {
	users    map[uuid.UUID][]*Client // от старых к новым
	usersMu  sync.RWMutex
	topics   map[uuid.UUID]map[*Client]bool
	topicsMu sync.RWMutex

	maxPerUser int
	metrics    *metrics.Metrics
	log        logger.Logger
}

func NewHub(maxPerUser int, m *metrics.Metrics, log logger.Logger) *Hub {
	return &Hub{
		users:      make(map[uuid.UUID][]*Client),
		topics:     make(map[uuid.UUID]map[*Client]bool),
		maxPerUser: maxPerUser,
		metrics:    m,
		log:        log,
	}
}

// Register добавляет соединение пользователю. При превышении лимита
// принудительно закрывается самое старое соединение.
func (h *Hub) Register(client *Client) {
	var evicted []*Client

	h.usersMu.Lock()
	conns := h.users[client.userID]
	for len(conns) >= h.maxPerUser {
		evicted = append(evicted, conns[0])
		conns = conns[1:]
	}
	h.users[client.userID] = append(conns, client)
	h.usersMu.Unlock()

	for _, old := range evicted {
		h.log.Info("Evicting oldest connection", "user_id", old.userID)
		h.removeFromTopics(old)
		old.Close()
		if h.metrics != nil {
			h.metrics.ActiveConnections.Dec()
		}
	}

	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
	}
	h.log.Debug("Client registered", "user_id", client.userID)
}

// Deregister убирает соединение из реестра пользователя и всех его топиков.
// Повторный вызов безопасен.
func (h *Hub) Deregister(client *Client) {
	h.usersMu.Lock()
	conns := h.users[client.userID]
	found := false
	for i, c := range conns {
		if c == client {
			h.users[client.userID] = append(conns[:i], conns[i+1:]...)
			found = true
			break
		}
	}
	if len(h.users[client.userID]) == 0 {
		delete(h.users, client.userID)
	}
	h.usersMu.Unlock()

	if !found {
		return
	}

	h.removeFromTopics(client)
	client.Close()

	if h.metrics != nil {
		h.metrics.ActiveConnections.Dec()
	}
	h.log.Debug("Client deregistered", "user_id", client.userID)
}

func (h *Hub) JoinTopic(client *Client, topicID uuid.UUID) {
	h.topicsMu.Lock()
	if h.topics[topicID] == nil {
		h.topics[topicID] = make(map[*Client]bool)
	}
	h.topics[topicID][client] = true
	subscribers := len(h.topics[topicID])
	h.topicsMu.Unlock()

	client.addTopic(topicID)

	if h.metrics != nil {
		h.metrics.TopicSubscribers.WithLabelValues(topicID.String()).Set(float64(subscribers))
	}
}

func (h *Hub) LeaveTopic(client *Client, topicID uuid.UUID) {
	client.removeTopic(topicID)

	h.topicsMu.Lock()
	subscribers := 0
	if clients, ok := h.topics[topicID]; ok {
		delete(clients, client)
		subscribers = len(clients)
		if subscribers == 0 {
			delete(h.topics, topicID)
		}
	}
	h.topicsMu.Unlock()

	if h.metrics != nil {
		h.metrics.TopicSubscribers.WithLabelValues(topicID.String()).Set(float64(subscribers))
	}
}

func (h *Hub) removeFromTopics(client *Client) {
	for _, topicID := range client.topicList() {
		h.LeaveTopic(client, topicID)
	}
}

// EmitToTopic рассылает событие всем подписчикам топика.
// Клиент с переполненным буфером отправки отключается.
func (h *Hub) EmitToTopic(topicID uuid.UUID, event string, payload any) {
	data, err := json.Marshal(Event{Event: event, Data: payload, Timestamp: time.Now()})
	if err != nil {
		h.log.Error("Failed to marshal event", "error", err, "event", event)
		return
	}

	h.topicsMu.RLock()
	clients := make([]*Client, 0, len(h.topics[topicID]))
	for client := range h.topics[topicID] {
		clients = append(clients, client)
	}
	h.topicsMu.RUnlock()

	for _, client := range clients {
		if !client.trySend(data) {
			h.log.Warn("Client send buffer full, disconnecting", "user_id", client.userID)
			h.Deregister(client)
		}
	}
}

// EmitToConnection отправляет событие одному соединению
func (h *Hub) EmitToConnection(client *Client, event string, payload any) {
	data, err := json.Marshal(Event{Event: event, Data: payload, Timestamp: time.Now()})
	if err != nil {
		h.log.Error("Failed to marshal event", "error", err, "event", event)
		return
	}

	if !client.trySend(data) {
		h.log.Warn("Client send buffer full, disconnecting", "user_id", client.userID)
		h.Deregister(client)
	}
}

// EmitToUser отправляет событие всем соединениям пользователя
func (h *Hub) EmitToUser(userID uuid.UUID, event string, payload any) {
	h.usersMu.RLock()
	clients := make([]*Client, len(h.users[userID]))
	copy(clients, h.users[userID])
	h.usersMu.RUnlock()

	for _, client := range clients {
		h.EmitToConnection(client, event, payload)
	}
}

func (h *Hub) ConnectionCount(userID uuid.UUID) int {
	h.usersMu.RLock()
	defer h.usersMu.RUnlock()
	return len(h.users[userID])
}

func (h *Hub) TopicSubscriberCount(topicID uuid.UUID) int {
	h.topicsMu.RLock()
	defer h.topicsMu.RUnlock()
	return len(h.topics[topicID])
}

// Shutdown закрывает все соединения
func (h *Hub) Shutdown() {
	h.usersMu.Lock()
	var all []*Client
	for _, conns := range h.users {
		all = append(all, conns...)
	}
	h.users = make(map[uuid.UUID][]*Client)
	h.usersMu.Unlock()

	for _, client := range all {
		h.removeFromTopics(client)
		client.Close()
	}
}
