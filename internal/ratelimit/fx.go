package ratelimit

import (
	"github.com/careledger/careledger/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the shared token bucket. Without REDIS_ADDR the bucket is
// nil and the HTTP layer skips rate limiting entirely.
var Module = fx.Module("ratelimit",
	fx.Provide(func(cfg config.Config, log *zap.Logger) *TokenBucket {
		if cfg.RedisAddr == "" {
			log.Info("rate limiting disabled, no redis address configured")
			return nil
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		return NewTokenBucket(client)
	}),
)
