package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"team_chat/internal/config"
	"team_chat/internal/dispatcher"
	"team_chat/internal/domain"
	"team_chat/internal/middleware"
	"team_chat/internal/service"
	"team_chat/internal/ws"
	"team_chat/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin проверяет вышестоящий шлюз
	},
}

type WebSocketHandler struct {
	hub                 *ws.Hub
	dispatcher          *dispatcher.Dispatcher
	conversationService service.ConversationService
	cfg                 *config.Config
	log                 logger.Logger
}

func NewWebSocketHandler(
	hub *ws.Hub,
	d *dispatcher.Dispatcher,
	conversationService service.ConversationService,
	cfg *config.Config,
	log logger.Logger,
) *WebSocketHandler {
	return &WebSocketHandler{
		hub:                 hub,
		dispatcher:          d,
		conversationService: conversationService,
		cfg:                 cfg,
		log:                 log,
	}
}

// clientEnvelope — входящий кадр от клиента
type clientEnvelope struct {
	Event          string         `json:"event"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Content        string         `json:"content,omitempty"`
	Type           string         `json:"type,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ReplyToID      *uuid.UUID     `json:"reply_to_id,omitempty"`
	Mentions       []uuid.UUID    `json:"mentions,omitempty"`
}

// HandleChat апгрейдит соединение и гоняет его через hub до разрыва.
// User id берется из заголовка шлюза либо из query (для браузерных клиентов).
func (h *WebSocketHandler) HandleChat(c *gin.Context) {
	raw := c.GetHeader(middleware.UserIDHeader)
	if raw == "" {
		raw = c.Query("user_id")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid user id"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := ws.NewClient(h.hub, conn, userID, h.cfg.WebSocket, h.log)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(h.onMessage)
}

func (h *WebSocketHandler) onMessage(client *ws.Client, data []byte) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.hub.EmitToConnection(client, "error", gin.H{"message": "malformed envelope"})
		return
	}

	switch env.Event {
	case "join":
		// Подписка только на беседы, где пользователь участник
		if _, err := h.conversationService.GetByID(client.Context(), env.ConversationID, client.UserID()); err != nil {
			h.hub.EmitToConnection(client, "error", gin.H{"message": err.Error()})
			return
		}
		h.hub.JoinTopic(client, env.ConversationID)
		h.hub.EmitToConnection(client, "joined", gin.H{"conversation_id": env.ConversationID})

	case "leave":
		h.hub.LeaveTopic(client, env.ConversationID)
		h.hub.EmitToConnection(client, "left", gin.H{"conversation_id": env.ConversationID})

	case "message":
		h.dispatcher.Enqueue(dispatcher.Item{
			Input: service.SendMessageInput{
				ConversationID: env.ConversationID,
				SenderID:       client.UserID(),
				Content:        env.Content,
				Type:           domain.MessageType(env.Type),
				Metadata:       env.Metadata,
				ReplyToID:      env.ReplyToID,
				Mentions:       env.Mentions,
			},
			EnqueuedAt: time.Now(),
		})

	case "typing":
		// Эфемерное событие, не персистится
		h.hub.EmitToTopic(env.ConversationID, "typing", gin.H{
			"conversation_id": env.ConversationID,
			"user_id":         client.UserID(),
		})

	default:
		h.hub.EmitToConnection(client, "error", gin.H{"message": "unknown event: " + env.Event})
	}
}
