package redis

import (
	"context"

	"github.com/cobranzalabs/cobranza/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(NewClient),
)

// NewClient returns nil when no address is configured; callers treat a nil
// client as "cache disabled" and read through to the database.
func NewClient(cfg config.Config, log *zap.Logger) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		log.Info("redis disabled, rollout flags read straight from the database")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
