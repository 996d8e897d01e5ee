// Package fee computes protocol and execution fees for one period's trade.
// Everything here is pure: the engine holds configuration and never touches
// stores or venues.
package fee

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

var bpsDenominator = decimal.NewFromInt(10_000)

// Tier is one step of the protocol fee schedule: notionals at or above
// MinNotional pay Bps.
type Tier struct {
	MinNotional decimal.Decimal
	Bps         int64
}

// Config drives the fee engine. The tier table is policy, not code: it comes
// from deployment configuration.
type Config struct {
	// Tiers must be sorted ascending by MinNotional with non-decreasing Bps
	// and must start at notional zero.
	Tiers []Tier
	// FixedExecutionFee is a flat amount in quote units compensating
	// whoever triggers the execution.
	FixedExecutionFee decimal.Decimal
	// GasPremiumBps is the notional-proportional part of the execution fee.
	GasPremiumBps int64
}

// Validate checks the tier table shape.
func (c Config) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("fee: %w: at least one tier required", domain.ErrValidation)
	}
	if !sort.SliceIsSorted(c.Tiers, func(i, j int) bool {
		return c.Tiers[i].MinNotional.LessThan(c.Tiers[j].MinNotional)
	}) {
		return fmt.Errorf("fee: %w: tiers not sorted by min notional", domain.ErrValidation)
	}
	if !c.Tiers[0].MinNotional.IsZero() {
		return fmt.Errorf("fee: %w: first tier must start at zero notional", domain.ErrValidation)
	}
	for i, t := range c.Tiers {
		if t.Bps < 0 {
			return fmt.Errorf("fee: %w: tier %d has negative bps", domain.ErrValidation, i)
		}
		if i > 0 && t.Bps < c.Tiers[i-1].Bps {
			return fmt.Errorf("fee: %w: tier bps must be non-decreasing (tier %d)", domain.ErrValidation, i)
		}
	}
	if c.FixedExecutionFee.IsNegative() {
		return fmt.Errorf("fee: %w: negative fixed execution fee", domain.ErrValidation)
	}
	if c.GasPremiumBps < 0 {
		return fmt.Errorf("fee: %w: negative gas premium bps", domain.ErrValidation)
	}
	return nil
}

// Breakdown is the exact split of one period's input amount.
// Input == ProtocolFee + ExecutionFee + NetInput always holds exactly; the
// net amount is derived by subtraction, never by rounding.
type Breakdown struct {
	Notional     decimal.Decimal // USD-equivalent basis used for tier lookup
	ProtocolFee  decimal.Decimal // in input asset units
	ExecutionFee decimal.Decimal // in input asset units
	NetInput     decimal.Decimal // routed to the venue, in input asset units
}

// Engine computes fees from a validated Config.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg and returns an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// TierBps returns the protocol fee rate for the given notional.
func (e *Engine) TierBps(notional decimal.Decimal) int64 {
	bps := e.cfg.Tiers[0].Bps
	for _, t := range e.cfg.Tiers {
		if notional.GreaterThanOrEqual(t.MinNotional) {
			bps = t.Bps
		} else {
			break
		}
	}
	return bps
}

// Compute splits the gross input of one period into protocol fee, execution
// fee, and the net amount routed to the venue. refPrice is the reference
// price in quote units per base unit and converts the input to its USD
// notional for SELL positions (whose input is the base asset).
func (e *Engine) Compute(direction domain.Direction, input, refPrice decimal.Decimal) (Breakdown, error) {
	if input.Sign() <= 0 {
		return Breakdown{}, fmt.Errorf("fee: %w: non-positive input", domain.ErrValidation)
	}
	if refPrice.Sign() <= 0 {
		return Breakdown{}, fmt.Errorf("fee: %w: non-positive reference price", domain.ErrValidation)
	}

	notional := input
	fixed := e.cfg.FixedExecutionFee
	if direction == domain.DirectionSell {
		notional = input.Mul(refPrice)
		fixed = fixed.Div(refPrice)
	}

	bps := decimal.NewFromInt(e.TierBps(notional))
	protocol := input.Mul(bps).Div(bpsDenominator)
	execution := fixed.Add(input.Mul(decimal.NewFromInt(e.cfg.GasPremiumBps)).Div(bpsDenominator))

	net := input.Sub(protocol).Sub(execution)
	if net.Sign() <= 0 {
		return Breakdown{}, fmt.Errorf("fee: %w: fees %s consume entire input %s",
			domain.ErrInsufficientBalance, protocol.Add(execution), input)
	}

	return Breakdown{
		Notional:     notional,
		ProtocolFee:  protocol,
		ExecutionFee: execution,
		NetInput:     net,
	}, nil
}

// MinAmountOut derives the minimum acceptable venue output from the reference
// price and the position's slippage tolerance. The result is always positive;
// a venue returning less is a hard failure, never a partial success.
func MinAmountOut(direction domain.Direction, netInput, refPrice decimal.Decimal, slippageBps int64) (decimal.Decimal, error) {
	if netInput.Sign() <= 0 || refPrice.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("fee: %w: non-positive net input or price", domain.ErrValidation)
	}
	if slippageBps < 0 || slippageBps >= 10_000 {
		return decimal.Zero, fmt.Errorf("fee: %w: slippage bps out of range", domain.ErrValidation)
	}

	var expected decimal.Decimal
	if direction == domain.DirectionSell {
		expected = netInput.Mul(refPrice)
	} else {
		expected = netInput.Div(refPrice)
	}

	minOut := expected.Mul(bpsDenominator.Sub(decimal.NewFromInt(slippageBps))).Div(bpsDenominator)
	if minOut.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("fee: %w: derived minimum output is zero", domain.ErrValidation)
	}
	return minOut, nil
}
