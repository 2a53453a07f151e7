package service

import (
	"team_chat/internal/config"
	"team_chat/internal/metrics"
	"team_chat/internal/repository"
	"team_chat/pkg/logger"
)

type Services struct {
	Chat         ChatService
	Conversation ConversationService
	RateLimit    RateLimitService
}

func NewServices(repos *repository.Repositories, broadcaster Broadcaster, cfg *config.Config, m *metrics.Metrics, log logger.Logger) *Services {
	return &Services{
		Chat:         NewChatService(repos, broadcaster, cfg, m, log),
		Conversation: NewConversationService(repos, cfg, log),
		RateLimit:    NewRateLimitService(repos.RateLimit, cfg, log),
	}
}
