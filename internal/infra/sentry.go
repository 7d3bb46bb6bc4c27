package infra

import (
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"ikh/hippovolume/internal/bininfo"
	"ikh/hippovolume/internal/config"
)

// SentryInit initializes sentry with side-effect
func SentryInit(conf *config.Config) error {
	if conf.Infra.SentryDSN == "" {
		log.Warn().Msg("Sentry is disabled due to missing DSN.")
		return nil
	}
	log.Info().Msg("Initializing Sentry...")

	return sentry.Init(sentry.ClientOptions{
		Dsn:              conf.Infra.SentryDSN,
		Release:          "hippovolume@" + bininfo.Version,
		AttachStacktrace: true,
		TracesSampleRate: 0.01,
	})
}
