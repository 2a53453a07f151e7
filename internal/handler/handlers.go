package handler

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"team_chat/internal/config"
	"team_chat/internal/dispatcher"
	"team_chat/internal/service"
	"team_chat/internal/ws"
	"team_chat/pkg/logger"
)

type Handlers struct {
	Chat         *ChatHandler
	Conversation *ConversationHandler
	WebSocket    *WebSocketHandler
	Health       *HealthHandler
}

func NewHandlers(
	services *service.Services,
	hub *ws.Hub,
	d *dispatcher.Dispatcher,
	db *pgxpool.Pool,
	rdb *redis.Client,
	cfg *config.Config,
	log logger.Logger,
) *Handlers {
	return &Handlers{
		Chat:         NewChatHandler(services.Chat, log),
		Conversation: NewConversationHandler(services.Conversation, log),
		WebSocket:    NewWebSocketHandler(hub, d, services.Conversation, cfg, log),
		Health:       NewHealthHandler(db, rdb),
	}
}
