package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"team_chat/pkg/logger"
)

type RateLimitRepository interface {
	// Allow инкрементирует счетчик окна и сообщает, уложился ли вызов в лимит
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type rateLimitRepository struct {
	rdb *redis.Client
	log logger.Logger
}

func NewRateLimitRepository(rdb *redis.Client, log logger.Logger) RateLimitRepository {
	return &rateLimitRepository{rdb: rdb, log: log}
}

func (r *rateLimitRepository) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		r.log.Error("Failed to increment rate limit", "error", err, "key", key)
		return false, err
	}

	if count == 1 {
		if err := r.rdb.Expire(ctx, key, window).Err(); err != nil {
			r.log.Warn("Failed to set rate limit window", "error", err, "key", key)
		}
	}

	return count <= int64(limit), nil
}
