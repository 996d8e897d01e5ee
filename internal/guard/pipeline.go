// Package guard evaluates the ordered pre-execution safety checks. The
// pipeline is read-only: it inspects one immutable price snapshot and the
// position's configured bounds, and reports the first violated check.
package guard

import (
	"time"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

// Config holds the deployment-wide guard thresholds. Per-position bounds
// (deviation, floor/cap, gas caps) live on the Position itself.
type Config struct {
	MaxOracleStaleness time.Duration
	MinTWAPWindow      time.Duration
	DepegThresholdBps  int64
}

// Guard is a single named precondition evaluated against the snapshot.
// A violation is reported as a *domain.SkipError; any other error means the
// guard itself could not run and is also treated as a skip by the caller.
type Guard interface {
	Name() string
	Check(snap domain.PriceSnapshot, pos domain.Position) error
}

// Pipeline runs guards in a fixed order; the first failure wins and
// short-circuits the rest. The order is part of the contract: callers rely on
// the reported reason being deterministic when several guards would fail.
type Pipeline struct {
	guards []Guard
}

// NewPipeline builds the standard pipeline:
// oracle freshness, TWAP window, price deviation, quote peg, direction
// bound, network fee caps.
func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{
		guards: []Guard{
			freshnessGuard{maxStaleness: cfg.MaxOracleStaleness},
			twapWindowGuard{minWindow: cfg.MinTWAPWindow},
			deviationGuard{},
			pegGuard{thresholdBps: cfg.DepegThresholdBps},
			priceBoundGuard{},
			networkFeeGuard{},
		},
	}
}

// Evaluate checks every guard in order against the snapshot. It returns nil
// when all pass, or the first guard's *domain.SkipError.
func (p *Pipeline) Evaluate(snap domain.PriceSnapshot, pos domain.Position) error {
	for _, g := range p.guards {
		if err := g.Check(snap, pos); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the guard names in evaluation order.
func (p *Pipeline) Names() []string {
	names := make([]string, 0, len(p.guards))
	for _, g := range p.guards {
		names = append(names, g.Name())
	}
	return names
}
