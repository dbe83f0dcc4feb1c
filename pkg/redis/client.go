package redis

import (
	"github.com/redis/go-redis/v9"

	"github.com/agenticmail/agenticmail/pkg/config"
)

// NewClient builds a redis client from config. Callers should Ping it
// before relying on it; the dispatch deduper is fail-open either way.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
