package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

// executionEvent mirrors the payload the orchestrator publishes on the
// executions channel.
type executionEvent struct {
	Event      string `json:"event"`
	PositionID string `json:"position_id"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason"`
	Venue      string `json:"venue"`
	AmountOut  string `json:"amount_out"`
}

// ExecutionAlerts subscribes to the execution event channel and raises a
// notification for every skipped attempt. Committed trades stay quiet; the
// interesting signal for an operator is a position that stopped trading.
type ExecutionAlerts struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewExecutionAlerts creates the alert consumer.
func NewExecutionAlerts(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *ExecutionAlerts {
	return &ExecutionAlerts{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "execution_alerts")),
	}
}

// Run consumes events until ctx is cancelled.
func (a *ExecutionAlerts) Run(ctx context.Context) error {
	ch, err := a.bus.Subscribe(ctx, "executions")
	if err != nil {
		return fmt.Errorf("notify: subscribe executions: %w", err)
	}
	a.logger.Info("execution alerts started")
	defer a.logger.Info("execution alerts stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			a.handle(ctx, data)
		}
	}
}

func (a *ExecutionAlerts) handle(ctx context.Context, data []byte) {
	var ev executionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		a.logger.Debug("malformed execution event",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(data)),
		)
		return
	}
	if ev.Outcome != string(domain.OutcomeSkipped) {
		return
	}

	title := "Execution skipped"
	message := fmt.Sprintf("position %s skipped: %s", ev.PositionID, ev.Reason)
	if err := a.notifier.Notify(ctx, "execution_skipped", title, message); err != nil {
		a.logger.Warn("alert delivery failed",
			slog.String("position_id", ev.PositionID),
			slog.String("error", err.Error()),
		)
	}
}
