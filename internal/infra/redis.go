package infra

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.uber.org/fx"

	"ikh/hippovolume/internal/config"
)

// Redis returns a nil client when no URL is configured.
func Redis(lc fx.Lifecycle, conf *config.Config) (*redis.Client, error) {
	if conf.Infra.RedisURL == "" {
		log.Warn().Msg("infra: redis: study locks are process-local due to missing URL")
		return nil, nil
	}

	u, err := redis.ParseURL(conf.Infra.RedisURL)
	if err != nil {
		log.Error().Err(err).Msg("infra: redis: failed to parse redis url")
		return nil, err
	}

	client := redis.NewClient(u)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Msg("infra: redis: failed to ping database")
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client, nil
}
