package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

// SchedulerConfig drives the due-position polling loop.
type SchedulerConfig struct {
	PollInterval time.Duration
	BatchLimit   int
}

// Scheduler periodically sweeps for due positions and pushes them through the
// orchestrator. Execution stays permissionless; the scheduler is just one
// caller among any number of external keepers.
type Scheduler struct {
	store        domain.PositionStore
	orchestrator *Orchestrator
	cfg          SchedulerConfig
	logger       *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(store domain.PositionStore, orchestrator *Orchestrator, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	return &Scheduler{
		store:        store,
		orchestrator: orchestrator,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "scheduler")),
	}
}

// Run polls until ctx is cancelled. Each sweep is independent; a failed sweep
// is logged and the next tick proceeds.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Int("batch_limit", s.cfg.BatchLimit),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	due, err := s.store.ListDue(ctx, time.Now().UTC(), s.cfg.BatchLimit)
	if err != nil {
		s.logger.Error("list due positions failed", slog.String("error", err.Error()))
		return
	}
	if len(due) == 0 {
		return
	}

	ids := make([]string, 0, len(due))
	for _, pos := range due {
		ids = append(ids, pos.ID)
	}

	results, err := s.orchestrator.BatchExecute(ctx, ids)
	if err != nil {
		s.logger.Error("sweep batch failed", slog.String("error", err.Error()))
		return
	}

	var committed, skipped int
	for _, res := range results {
		if res.Outcome == domain.OutcomeCommitted {
			committed++
		} else {
			skipped++
		}
	}
	s.logger.Info("sweep complete",
		slog.Int("due", len(due)),
		slog.Int("committed", committed),
		slog.Int("skipped", skipped),
	)
}
