package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"team_chat/pkg/logger"
)

// ErrCacheMiss возвращается при отсутствии ключа (в т.ч. redis.Nil)
var ErrCacheMiss = errors.New("cache miss")

type CacheRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPattern(ctx context.Context, prefix string) error
}

type cacheRepository struct {
	rdb *redis.Client
	log logger.Logger
}

func NewCacheRepository(rdb *redis.Client, log logger.Logger) CacheRepository {
	return &cacheRepository{rdb: rdb, log: log}
}

func (r *cacheRepository) Get(ctx context.Context, key string) (string, error) {
	value, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	if err != nil {
		r.log.Error("Failed to get cache key", "error", err, "key", key)
		return "", err
	}
	return value, nil
}

func (r *cacheRepository) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		r.log.Error("Failed to set cache key", "error", err, "key", key)
		return err
	}
	return nil
}

func (r *cacheRepository) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		r.log.Error("Failed to delete cache keys", "error", err, "keys", keys)
		return err
	}
	return nil
}

// DeleteByPattern удаляет все ключи с данным префиксом через SCAN,
// чтобы не блокировать Redis командой KEYS
func (r *cacheRepository) DeleteByPattern(ctx context.Context, prefix string) error {
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()

	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := r.rdb.Del(ctx, batch...).Err(); err != nil {
				r.log.Error("Failed to delete cache batch", "error", err, "prefix", prefix)
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		r.log.Error("Failed to scan cache keys", "error", err, "prefix", prefix)
		return err
	}
	if len(batch) > 0 {
		if err := r.rdb.Del(ctx, batch...).Err(); err != nil {
			r.log.Error("Failed to delete cache batch", "error", err, "prefix", prefix)
			return err
		}
	}
	return nil
}
