package venue

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

// SimAdapter is a paper-trading venue: it fills at the oracle cross rate
// minus a fixed spread. One instance per venue kind gives the router a full
// candidate set without touching a chain.
type SimAdapter struct {
	kind         domain.VenueKind
	partialFills bool
	spreadBps    int64
	oracle       domain.Oracle
}

// NewSimAdapter creates a simulated venue of the given kind. spreadBps is the
// price penalty applied to every fill.
func NewSimAdapter(kind domain.VenueKind, partialFills bool, spreadBps int64, oracle domain.Oracle) *SimAdapter {
	return &SimAdapter{
		kind:         kind,
		partialFills: partialFills,
		spreadBps:    spreadBps,
		oracle:       oracle,
	}
}

// SimAdapters returns one simulated adapter per venue kind with spreads that
// keep AUTO routing interesting: the AMM is cheapest for small orders, the
// batch auction for large ones.
func SimAdapters(oracle domain.Oracle) []*SimAdapter {
	return []*SimAdapter{
		NewSimAdapter(domain.VenueAMM, false, 10, oracle),
		NewSimAdapter(domain.VenueAggregator, false, 15, oracle),
		NewSimAdapter(domain.VenueBatchAuction, true, 5, oracle),
	}
}

// Kind reports which venue this adapter simulates.
func (a *SimAdapter) Kind() domain.VenueKind { return a.kind }

// PartialFills reports whether the simulated venue can fill partially.
func (a *SimAdapter) PartialFills() bool { return a.partialFills }

// Quote prices the swap at the oracle cross rate minus the spread.
func (a *SimAdapter) Quote(ctx context.Context, inAsset, outAsset string, amountIn decimal.Decimal) (domain.VenueQuote, error) {
	out, err := a.fill(ctx, inAsset, outAsset, amountIn)
	if err != nil {
		return domain.VenueQuote{}, err
	}
	return domain.VenueQuote{AmountOut: out, Feasible: out.IsPositive()}, nil
}

// Execute fills at the quoted rate. A simulated fill never reverts, so the
// quote and the fill agree exactly.
func (a *SimAdapter) Execute(ctx context.Context, params domain.SwapParams) (domain.TradeResult, error) {
	out, err := a.fill(ctx, params.InAsset, params.OutAsset, params.AmountIn)
	if err != nil {
		return domain.TradeResult{}, err
	}
	return domain.TradeResult{
		AmountOut:      out,
		Venue:          a.kind,
		PriceImpactBps: a.spreadBps,
	}, nil
}

func (a *SimAdapter) fill(ctx context.Context, inAsset, outAsset string, amountIn decimal.Decimal) (decimal.Decimal, error) {
	inPrice, _, err := a.oracle.GetPrice(ctx, inAsset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("venue: sim %s: price %s: %w", a.kind, inAsset, err)
	}
	outPrice, _, err := a.oracle.GetPrice(ctx, outAsset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("venue: sim %s: price %s: %w", a.kind, outAsset, err)
	}
	if outPrice.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("venue: sim %s: non-positive price for %s", a.kind, outAsset)
	}

	gross := amountIn.Mul(inPrice).Div(outPrice)
	haircut := decimal.NewFromInt(10000 - a.spreadBps).Div(decimal.NewFromInt(10000))
	return gross.Mul(haircut), nil
}

var _ domain.VenueAdapter = (*SimAdapter)(nil)
