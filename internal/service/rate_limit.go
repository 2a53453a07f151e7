package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"team_chat/internal/config"
	"team_chat/internal/repository"
	"team_chat/pkg/logger"
)

type RateLimitService interface {
	AllowSend(ctx context.Context, userID uuid.UUID) (bool, error)
}

type rateLimitService struct {
	repo repository.RateLimitRepository
	cfg  *config.Config
	log  logger.Logger
}

func NewRateLimitService(repo repository.RateLimitRepository, cfg *config.Config, log logger.Logger) RateLimitService {
	return &rateLimitService{repo: repo, cfg: cfg, log: log}
}

func (s *rateLimitService) AllowSend(ctx context.Context, userID uuid.UUID) (bool, error) {
	key := fmt.Sprintf("ratelimit:send:%s", userID)
	allowed, err := s.repo.Allow(ctx, key, s.cfg.Chat.RateLimit, s.cfg.Chat.RateLimitWindow)
	if err != nil {
		// Redis недоступен — лимитер не должен ронять отправку
		s.log.Warn("Rate limiter unavailable, allowing request", "error", err)
		return true, nil
	}
	return allowed, nil
}
