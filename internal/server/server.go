// Package server exposes the position lifecycle and execution trigger over
// HTTP, plus a WebSocket stream of execution events.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
	"github.com/bobjiang/bitcoindca-sub000/internal/server/handler"
	"github.com/bobjiang/bitcoindca-sub000/internal/server/middleware"
	"github.com/bobjiang/bitcoindca-sub000/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // if empty, authentication is disabled
	RateLimit       int    // requests per window per client; 0 disables
	RateLimitWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health     *handler.HealthHandler
	Positions  *handler.PositionHandler
	Executions *handler.ExecuteHandler
}

// Server is the headless HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and builds the middleware chain. limiter may
// be nil when rate limiting is disabled.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Position lifecycle.
	mux.HandleFunc("POST /api/positions", handlers.Positions.Create)
	mux.HandleFunc("GET /api/positions", handlers.Positions.List)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.Get)
	mux.HandleFunc("PATCH /api/positions/{id}", handlers.Positions.Modify)
	mux.HandleFunc("POST /api/positions/{id}/deposit", handlers.Positions.Deposit)
	mux.HandleFunc("POST /api/positions/{id}/withdraw", handlers.Positions.Withdraw)
	mux.HandleFunc("POST /api/positions/{id}/pause", handlers.Positions.Pause)
	mux.HandleFunc("POST /api/positions/{id}/resume", handlers.Positions.Resume)
	mux.HandleFunc("POST /api/positions/{id}/cancel", handlers.Positions.Cancel)
	mux.HandleFunc("POST /api/positions/{id}/emergency-withdraw", handlers.Positions.EmergencyWithdraw)
	mux.HandleFunc("GET /api/positions/{id}/eligibility", handlers.Positions.Eligibility)
	mux.HandleFunc("GET /api/positions/{id}/ledger", handlers.Positions.Ledger)
	mux.HandleFunc("GET /api/positions/{id}/quote", handlers.Executions.Quote)
	mux.HandleFunc("GET /api/positions/{id}/executions", handlers.Executions.ByPosition)

	// Execution trigger. Anyone may call; guards and bounds decide.
	mux.HandleFunc("POST /api/executions/execute", handlers.Executions.Execute)
	mux.HandleFunc("POST /api/executions/batch", handlers.Executions.Batch)
	mux.HandleFunc("GET /api/executions/recent", handlers.Executions.Recent)

	// WebSocket stream of execution events.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, logger: logger}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
