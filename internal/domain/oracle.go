package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Oracle provides the external price reference. How prices are sourced is a
// collaborator concern; this core only consumes staleness and deviation.
type Oracle interface {
	// GetPrice returns the latest spot price for asset (in quote units per
	// asset unit) together with its observation timestamp.
	GetPrice(ctx context.Context, asset string) (decimal.Decimal, time.Time, error)

	// GetTWAP returns the time-weighted average price for the pair over the
	// given window, plus the actual window covered by samples. The covered
	// window may be shorter than requested when samples are sparse.
	GetTWAP(ctx context.Context, baseAsset, quoteAsset string, window time.Duration) (decimal.Decimal, time.Duration, error)
}

// GasOracle reports current network fee conditions in wei.
type GasOracle interface {
	SuggestFees(ctx context.Context) (baseFee, priorityFee *big.Int, err error)
}
