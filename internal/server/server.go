// Package server is the devops HTTP surface of the watch service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/felixge/fgprof"
	"github.com/gofiber/contrib/fibersentry"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/helmet/v2"
	"github.com/rs/zerolog/log"
	"go.uber.org/fx"

	"ikh/hippovolume/internal/bininfo"
	"ikh/hippovolume/internal/config"
	"ikh/hippovolume/internal/models"
	"ikh/hippovolume/internal/observability"
	"ikh/hippovolume/internal/repo"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// History is the read side of the measurement repository.
type History interface {
	ListByPatient(ctx context.Context, patientID string, limit int) ([]*models.Measurement, error)
}

var (
	promOnce sync.Once
	prom     *fiberprometheus.FiberPrometheus
)

// metrics registers the HTTP collectors with the default registry only once,
// so several apps can share them.
func metrics() *fiberprometheus.FiberPrometheus {
	promOnce.Do(func() {
		prom = fiberprometheus.New(observability.ServiceName)
	})
	return prom
}

// Create builds the app. history may be nil, in which case the measurement
// route answers 503.
func Create(history History) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "HippoVolume",
		ServerHeader:          fmt.Sprintf("HippoVolume/%s", bininfo.Version),
		ReadTimeout:           time.Second * 20,
		WriteTimeout:          time.Second * 20,
		DisableStartupMessage: true,
		ErrorHandler:          ErrorHandler,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e any) {
			buf := make([]byte, 4096)
			buf = buf[:runtime.Stack(buf, false)]
			log.Error().Msgf("panic: %v\n%s\n", e, buf)
		},
	}))
	app.Use(fibersentry.New(fibersentry.Config{
		Repanic: true,
		Timeout: time.Second * 5,
	}))
	app.Use(helmet.New())
	fiberprom := metrics()
	fiberprom.RegisterAt(app, "/metrics")
	app.Use(fiberprom.Middleware)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/bininfo", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version": bininfo.Version,
			"build":   bininfo.BuildTime,
		})
	})

	app.Get("/debug/fgprof", adaptor.HTTPHandler(fgprof.Handler()))

	h := &measurements{history: history}
	app.Get("/api/v1/patients/:id/measurements", h.list)

	return app
}

func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	} else {
		log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(code).JSON(fiber.Map{
		"code":    code,
		"message": err.Error(),
	})
}

type measurements struct {
	history History
}

func (h *measurements) list(c *fiber.Ctx) error {
	if h.history == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "measurement history is not configured")
	}

	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return fiber.NewError(fiber.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxHistoryLimit)
	}

	list, err := h.history.ListByPatient(c.UserContext(), c.Params("id"), limit)
	if errors.Is(err, repo.ErrNotFound) {
		list = []*models.Measurement{}
	} else if err != nil {
		return err
	}
	return c.JSON(list)
}

// Run listens on the devops address for the lifetime of the fx app. An empty
// address disables the server.
func Run(app *fiber.App, conf *config.Config, lc fx.Lifecycle) {
	if conf.DevOps.Address == "" {
		log.Info().Msg("devops server is disabled due to missing address")
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", conf.DevOps.Address)
			if err != nil {
				return err
			}

			go func() {
				if err := app.Listener(ln); err != nil {
					log.Error().Err(err).Msg("server terminated unexpectedly")
				}
			}()

			log.Info().Str("address", ln.Addr().String()).Msg("devops server listening")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return app.ShutdownWithContext(ctx)
		},
	})
}
