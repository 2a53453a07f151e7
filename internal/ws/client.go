package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"team_chat/internal/config"
	"team_chat/pkg/logger"
)

// Client — одно websocket-соединение пользователя
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	log  logger.Logger

	userID      uuid.UUID
	connectedAt time.Time

	send      chan []byte
	closeOnce sync.Once

	topics   map[uuid.UUID]bool
	topicsMu sync.RWMutex

	// ctx живет, пока живо соединение
	ctx    context.Context
	cancel context.CancelFunc

	cfg config.WebSocketConfig
}

func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, cfg config.WebSocketConfig, log logger.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ctx:         ctx,
		cancel:      cancel,
		hub:         hub,
		conn:        conn,
		log:         log,
		userID:      userID,
		connectedAt: time.Now(),
		send:        make(chan []byte, cfg.SendBufferSize),
		topics:      make(map[uuid.UUID]bool),
		cfg:         cfg,
	}
}

func (c *Client) UserID() uuid.UUID {
	return c.userID
}

// Context отменяется при закрытии соединения
func (c *Client) Context() context.Context {
	return c.ctx
}

func (c *Client) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *Client) addTopic(topicID uuid.UUID) {
	c.topicsMu.Lock()
	c.topics[topicID] = true
	c.topicsMu.Unlock()
}

func (c *Client) removeTopic(topicID uuid.UUID) {
	c.topicsMu.Lock()
	delete(c.topics, topicID)
	c.topicsMu.Unlock()
}

func (c *Client) topicList() []uuid.UUID {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	topics := make([]uuid.UUID, 0, len(c.topics))
	for topicID := range c.topics {
		topics = append(topics, topicID)
	}
	return topics
}

// trySend кладет данные в буфер отправки; false означает переполнение
// либо закрытое соединение
func (c *Client) trySend(data []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close останавливает насосы и закрывает соединение. Идемпотентен.
// Канал отправки не закрывается: по нему может идти конкурентный emit,
// сигналом остановки служит контекст.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// ReadPump читает входящие кадры и передает их обработчику.
// Pong от клиента продлевает дедлайн чтения; молчащее соединение
// отваливается по таймауту и снимается с регистрации.
func (c *Client) ReadPump(onMessage func(*Client, []byte)) {
	defer c.hub.Deregister(c)

	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Unexpected close", "error", err, "user_id", c.userID)
			}
			return
		}
		onMessage(c, data)
	}
}

// WritePump пишет исходящие кадры и шлет ping с фиксированным интервалом
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		if c.conn != nil {
			c.conn.Close()
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
