package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"team_chat/pkg/logger"
)

type Repositories struct {
	Message      MessageRepository
	Conversation ConversationRepository
	Cache        CacheRepository
	RateLimit    RateLimitRepository
}

func NewRepositories(db *pgxpool.Pool, rdb *redis.Client, log logger.Logger) *Repositories {
	return &Repositories{
		Message:      NewMessageRepository(db, log),
		Conversation: NewConversationRepository(db, log),
		Cache:        NewCacheRepository(rdb, log),
		RateLimit:    NewRateLimitRepository(rdb, log),
	}
}
