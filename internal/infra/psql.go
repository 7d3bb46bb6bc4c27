package infra

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	"go.uber.org/fx"

	"ikh/hippovolume/internal/config"
)

// Postgres returns a nil *bun.DB when no DSN is configured.
func Postgres(lc fx.Lifecycle, conf *config.Config) (*bun.DB, error) {
	if conf.Infra.PostgresDSN == "" {
		log.Warn().Msg("infra: postgres: measurement history is disabled due to missing DSN")
		return nil, nil
	}

	pgdb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(conf.Infra.PostgresDSN)))
	db := bun.NewDB(pgdb, pgdialect.New())
	if conf.Log.Level == "debug" || conf.Log.Level == "trace" {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Error().Err(err).Msg("infra: postgres: failed to ping database")
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return db.Close()
		},
	})

	return db, nil
}
