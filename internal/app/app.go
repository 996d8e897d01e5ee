// Package app wires configuration into concrete dependencies and runs the
// selected application mode.
package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bobjiang/bitcoindca-sub000/internal/config"
	"github.com/bobjiang/bitcoindca-sub000/internal/server"
	"github.com/bobjiang/bitcoindca-sub000/internal/server/handler"
	"github.com/bobjiang/bitcoindca-sub000/internal/server/ws"
)

// App is the top-level application. It owns the wired dependencies and runs
// the long-lived loops for the configured mode.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	deps   *Dependencies
	clean  func()
}

// New wires all dependencies for the given configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	deps, clean, err := Wire(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
		deps:   deps,
		clean:  clean,
	}, nil
}

// Run starts the loops for the configured mode and blocks until the context
// is canceled or a loop fails.
func (a *App) Run(ctx context.Context) error {
	runServer := a.cfg.Server.Enabled && (a.cfg.Mode == "server" || a.cfg.Mode == "full")
	runScheduler := a.cfg.Scheduler.Enabled && (a.cfg.Mode == "scheduler" || a.cfg.Mode == "full")

	a.logger.Info("starting",
		slog.String("mode", a.cfg.Mode),
		slog.Bool("server", runServer),
		slog.Bool("scheduler", runScheduler),
	)

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Oracle.WSURL != "" {
		g.Go(func() error {
			return a.deps.OracleFeed.Run(ctx)
		})
	} else {
		a.logger.Warn("oracle feed disabled, no ws_url configured")
	}

	if a.deps.Alerts != nil {
		g.Go(func() error {
			return a.deps.Alerts.Run(ctx)
		})
	}

	if runScheduler {
		g.Go(func() error {
			return a.deps.Scheduler.Run(ctx)
		})
	}

	if runServer {
		hub := ws.NewHub(a.deps.SignalBus, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})

		srv := server.NewServer(
			server.Config{
				Port:            a.cfg.Server.Port,
				CORSOrigins:     a.cfg.Server.CORSOrigins,
				APIKey:          a.cfg.Server.APIKey,
				RateLimit:       a.cfg.Server.RateLimit,
				RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
			},
			server.Handlers{
				Health:     handler.NewHealthHandler(a.logger),
				Positions:  handler.NewPositionHandler(a.deps.Positions, a.deps.LedgerStore, a.logger),
				Executions: handler.NewExecuteHandler(a.deps.Orchestrator, a.deps.ExecutionStore, a.logger),
			},
			hub,
			a.deps.RateLimiter,
			a.logger,
		)

		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Close releases all wired resources in reverse acquisition order.
func (a *App) Close() {
	a.clean()
}
