package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// VenueKind tags the capability class of a trade venue.
type VenueKind string

const (
	VenueAMM          VenueKind = "AMM"
	VenueBatchAuction VenueKind = "BATCH_AUCTION"
	VenueAggregator   VenueKind = "AGGREGATOR"
)

// VenueQuote is a read-only estimate from a venue adapter.
type VenueQuote struct {
	AmountOut decimal.Decimal
	Feasible  bool
}

// SwapParams describes one swap request to a venue adapter.
type SwapParams struct {
	InAsset      string
	OutAsset     string
	AmountIn     decimal.Decimal
	MinAmountOut decimal.Decimal
	// Private requests MEV-protected submission where the venue supports it.
	Private bool
}

// VenueAdapter is the uniform capability interface behind which concrete
// venue protocols live. Implementations must be side-effect free in Quote.
//
// Adapters that report PartialFills() == false must treat any shortfall
// against MinAmountOut as a hard failure: either the full minimum is met or
// the swap fails, never a partial credit.
type VenueAdapter interface {
	Kind() VenueKind
	PartialFills() bool
	Quote(ctx context.Context, inAsset, outAsset string, amountIn decimal.Decimal) (VenueQuote, error)
	Execute(ctx context.Context, params SwapParams) (TradeResult, error)
}

// Route is the router's selection: the adapter to use plus its quote at
// selection time.
type Route struct {
	Adapter VenueAdapter
	Venue   VenueKind
	Quote   VenueQuote
	// Private is propagated to Execute for MEV-protected positions.
	Private bool
}
