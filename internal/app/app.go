// Package app assembles the long-running watch service.
package app

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"ikh/hippovolume/internal/archive"
	"ikh/hippovolume/internal/config"
	"ikh/hippovolume/internal/events"
	"ikh/hippovolume/internal/inference"
	"ikh/hippovolume/internal/infra"
	"ikh/hippovolume/internal/lock"
	"ikh/hippovolume/internal/logger"
	"ikh/hippovolume/internal/pacs"
	"ikh/hippovolume/internal/pipeline"
	"ikh/hippovolume/internal/repo"
	"ikh/hippovolume/internal/server"
	"ikh/hippovolume/internal/watcher"
)

func Options(conf *config.Config, additionalOpts ...fx.Option) []fx.Option {
	baseOpts := []fx.Option{
		// fx meta
		fx.WithLogger(logger.Fx),

		// Misc
		fx.Supply(conf),

		// Infrastructures
		infra.Module(),

		// Domain
		fx.Provide(
			NewPredictor,
			NewAgent,
			NewSender,
			NewArchiver,
			NewMeasurementRepo,
			NewHistory,
			NewPipeline,
			NewWatcher,
			server.Create,
		),

		// Global Singleton Inits
		fx.Invoke(infra.SentryInit),
		fx.Invoke(EnsureSchema),
		fx.Invoke(CheckModel),

		// Servers and workers
		fx.Invoke(server.Run),
		fx.Invoke(StartWatcher),

		fx.StartTimeout(15 * time.Second),
		// bounds the wait for cancelled studies to unwind
		fx.StopTimeout(5 * time.Minute),
	}

	return append(baseOpts, additionalOpts...)
}

func New(conf *config.Config, additionalOpts ...fx.Option) *fx.App {
	return fx.New(Options(conf, additionalOpts...)...)
}

func NewPredictor(conf *config.Config) *inference.RemotePredictor {
	return inference.NewRemotePredictor(conf.Model.URL, conf.Model.Name, conf.Model.Timeout, conf.Model.RetryAttempts)
}

func NewAgent(conf *config.Config, predictor *inference.RemotePredictor) inference.Agent {
	return inference.NewUNetAgent(predictor, conf.Model.PatchSize)
}

func NewSender(conf *config.Config) (pacs.Sender, error) {
	return pacs.NewSender(conf.PACS)
}

func NewArchiver(conf *config.Config) (*archive.Archiver, error) {
	return archive.New(context.Background(), conf.Archive)
}

func NewMeasurementRepo(db *bun.DB) *repo.Measurement {
	if db == nil {
		return nil
	}
	return repo.NewMeasurement(db)
}

func NewHistory(r *repo.Measurement) server.History {
	if r == nil {
		return nil
	}
	return r
}

type PipelineDeps struct {
	fx.In

	Conf      *config.Config
	Agent     inference.Agent
	Sender    pacs.Sender
	RedSync   *redsync.Redsync
	Archiver  *archive.Archiver
	Repo      *repo.Measurement
	JetStream nats.JetStreamContext
}

// NewPipeline leaves optional collaborators unset rather than passing typed
// nil pointers through the interfaces.
func NewPipeline(d PipelineDeps) *pipeline.Pipeline {
	deps := pipeline.Deps{
		Agent:  d.Agent,
		Sender: d.Sender,
		Locker: lock.New(d.RedSync),
	}
	if d.Archiver != nil {
		deps.Archiver = d.Archiver
	}
	if d.Repo != nil {
		deps.Store = d.Repo
	}
	if d.JetStream != nil {
		deps.Publisher = events.NewMeasurements(d.JetStream)
	}
	return pipeline.New(d.Conf, deps)
}

func NewWatcher(conf *config.Config, p *pipeline.Pipeline) *watcher.Watcher {
	return watcher.NewWatcher(conf, p.HandleStudy)
}

func EnsureSchema(lc fx.Lifecycle, r *repo.Measurement) {
	if r == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return r.EnsureSchema(ctx)
		},
	})
}

// CheckModel only warns: the model server may come up after us.
func CheckModel(lc fx.Lifecycle, predictor *inference.RemotePredictor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := predictor.Ready(ctx); err != nil {
				log.Warn().Err(err).Str("model", predictor.ModelName).Msg("model server is not ready yet")
			}
			return nil
		},
	})
}

func StartWatcher(lc fx.Lifecycle, conf *config.Config, w *watcher.Watcher) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info().
				Str("root", conf.DirectoryPath).
				Dur("pollInterval", conf.PollInterval).
				Dur("timeout", conf.Timeout).
				Msg("starting the watcher")
			w.Start(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			done := make(chan struct{})
			go func() {
				w.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
