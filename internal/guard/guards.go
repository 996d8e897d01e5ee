package guard

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

var bpsDenominator = decimal.NewFromInt(10_000)

// deviationBps returns |a-b| relative to reference, in basis points.
func deviationBps(a, b, reference decimal.Decimal) decimal.Decimal {
	if reference.Sign() == 0 {
		return bpsDenominator // degenerate reference counts as maximal deviation
	}
	return a.Sub(b).Abs().Div(reference.Abs()).Mul(bpsDenominator)
}

// freshnessGuard rejects snapshots whose oracle observation is older than the
// configured maximum.
type freshnessGuard struct {
	maxStaleness time.Duration
}

func (freshnessGuard) Name() string { return "oracle_freshness" }

func (g freshnessGuard) Check(snap domain.PriceSnapshot, _ domain.Position) error {
	if snap.OraclePrice.Sign() <= 0 {
		return domain.Skip(domain.SkipOracleStale)
	}
	if snap.CapturedAt.Sub(snap.OracleAt) > g.maxStaleness {
		return domain.Skip(domain.SkipOracleStale)
	}
	return nil
}

// twapWindowGuard requires the TWAP to cover at least the configured minimum
// sample window.
type twapWindowGuard struct {
	minWindow time.Duration
}

func (twapWindowGuard) Name() string { return "twap_window" }

func (g twapWindowGuard) Check(snap domain.PriceSnapshot, _ domain.Position) error {
	if snap.TWAPPrice.Sign() <= 0 || snap.TWAPWindow < g.minWindow {
		return domain.Skip(domain.SkipTWAPWindow)
	}
	return nil
}

// deviationGuard bounds both |route-TWAP| and |TWAP-oracle| by the position's
// max deviation tolerance.
type deviationGuard struct{}

func (deviationGuard) Name() string { return "price_deviation" }

func (deviationGuard) Check(snap domain.PriceSnapshot, pos domain.Position) error {
	if pos.MaxPriceDeviationBps <= 0 {
		return nil
	}
	limit := decimal.NewFromInt(pos.MaxPriceDeviationBps)
	if deviationBps(snap.RoutePrice, snap.TWAPPrice, snap.TWAPPrice).GreaterThan(limit) {
		return domain.Skip(domain.SkipPriceDeviation)
	}
	if deviationBps(snap.TWAPPrice, snap.OraclePrice, snap.OraclePrice).GreaterThan(limit) {
		return domain.Skip(domain.SkipPriceDeviation)
	}
	return nil
}

// pegGuard requires the quote asset to hold within the depeg threshold of its
// reference unit.
type pegGuard struct {
	thresholdBps int64
}

func (pegGuard) Name() string { return "quote_peg" }

func (g pegGuard) Check(snap domain.PriceSnapshot, _ domain.Position) error {
	if g.thresholdBps <= 0 {
		return nil
	}
	one := decimal.NewFromInt(1)
	if deviationBps(snap.QuotePeg, one, one).GreaterThan(decimal.NewFromInt(g.thresholdBps)) {
		return domain.Skip(domain.SkipDepeg)
	}
	return nil
}

// priceBoundGuard enforces the direction-specific user bound: BUY stops above
// the price cap, SELL stops below the price floor.
type priceBoundGuard struct{}

func (priceBoundGuard) Name() string { return "price_bound" }

func (priceBoundGuard) Check(snap domain.PriceSnapshot, pos domain.Position) error {
	switch pos.Direction {
	case domain.DirectionBuy:
		if pos.PriceCap != nil && snap.OraclePrice.GreaterThan(*pos.PriceCap) {
			return domain.Skip(domain.SkipPriceCap)
		}
	case domain.DirectionSell:
		if pos.PriceFloor != nil && snap.OraclePrice.LessThan(*pos.PriceFloor) {
			return domain.Skip(domain.SkipPriceFloor)
		}
	}
	return nil
}

// networkFeeGuard enforces the position's optional gas fee caps.
type networkFeeGuard struct{}

func (networkFeeGuard) Name() string { return "network_fee" }

func (networkFeeGuard) Check(snap domain.PriceSnapshot, pos domain.Position) error {
	if pos.MaxBaseFeeWei != nil && snap.BaseFeeWei != nil &&
		snap.BaseFeeWei.Cmp(pos.MaxBaseFeeWei) > 0 {
		return domain.Skip(domain.SkipBaseFeeCap)
	}
	if pos.MaxPriorityFeeWei != nil && snap.PriorityFeeWei != nil &&
		snap.PriorityFeeWei.Cmp(pos.MaxPriorityFeeWei) > 0 {
		return domain.Skip(domain.SkipPriorityFeeCap)
	}
	return nil
}
