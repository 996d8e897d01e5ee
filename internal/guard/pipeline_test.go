package guard

import (
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func testConfig() Config {
	return Config{
		MaxOracleStaleness: 5 * time.Minute,
		MinTWAPWindow:      30 * time.Minute,
		DepegThresholdBps:  100,
	}
}

func healthySnapshot(now time.Time) domain.PriceSnapshot {
	return domain.PriceSnapshot{
		BaseAsset:      "WBTC",
		QuoteAsset:     "USDC",
		OraclePrice:    dec("40000"),
		OracleAt:       now.Add(-time.Minute),
		TWAPPrice:      dec("40050"),
		TWAPWindow:     time.Hour,
		RoutePrice:     dec("40100"),
		QuotePeg:       dec("1.0002"),
		BaseFeeWei:     big.NewInt(30_000_000_000),
		PriorityFeeWei: big.NewInt(2_000_000_000),
		CapturedAt:     now,
	}
}

func buyPosition() domain.Position {
	return domain.Position{
		ID:                   "pos-1",
		Direction:            domain.DirectionBuy,
		QuoteAsset:           "USDC",
		BaseAsset:            "WBTC",
		MaxPriceDeviationBps: 200,
	}
}

func TestPipelinePassesHealthySnapshot(t *testing.T) {
	p := NewPipeline(testConfig())
	now := time.Now().UTC()
	require.NoError(t, p.Evaluate(healthySnapshot(now), buyPosition()))
}

func TestPipelineIndividualFailures(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name   string
		snap   func(domain.PriceSnapshot) domain.PriceSnapshot
		pos    func(domain.Position) domain.Position
		reason domain.SkipReason
	}{
		{
			name: "stale oracle",
			snap: func(s domain.PriceSnapshot) domain.PriceSnapshot {
				s.OracleAt = now.Add(-10 * time.Minute)
				return s
			},
			reason: domain.SkipOracleStale,
		},
		{
			name: "short twap window",
			snap: func(s domain.PriceSnapshot) domain.PriceSnapshot {
				s.TWAPWindow = 10 * time.Minute
				return s
			},
			reason: domain.SkipTWAPWindow,
		},
		{
			name: "route deviates from twap",
			snap: func(s domain.PriceSnapshot) domain.PriceSnapshot {
				s.RoutePrice = dec("41000")
				return s
			},
			reason: domain.SkipPriceDeviation,
		},
		{
			name: "twap deviates from oracle",
			snap: func(s domain.PriceSnapshot) domain.PriceSnapshot {
				s.TWAPPrice = dec("41000")
				s.RoutePrice = dec("41010")
				return s
			},
			reason: domain.SkipPriceDeviation,
		},
		{
			name: "quote depeg",
			snap: func(s domain.PriceSnapshot) domain.PriceSnapshot {
				s.QuotePeg = dec("0.97")
				return s
			},
			reason: domain.SkipDepeg,
		},
		{
			name: "buy above price cap",
			pos: func(p domain.Position) domain.Position {
				p.PriceCap = decPtr("39000")
				return p
			},
			reason: domain.SkipPriceCap,
		},
		{
			name: "base fee above cap",
			pos: func(p domain.Position) domain.Position {
				p.MaxBaseFeeWei = big.NewInt(20_000_000_000)
				return p
			},
			reason: domain.SkipBaseFeeCap,
		},
		{
			name: "priority fee above cap",
			pos: func(p domain.Position) domain.Position {
				p.MaxPriorityFeeWei = big.NewInt(1_000_000_000)
				return p
			},
			reason: domain.SkipPriorityFeeCap,
		},
	}

	p := NewPipeline(testConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := healthySnapshot(now)
			if tt.snap != nil {
				snap = tt.snap(snap)
			}
			pos := buyPosition()
			if tt.pos != nil {
				pos = tt.pos(pos)
			}

			err := p.Evaluate(snap, pos)
			require.Error(t, err)
			assert.Equal(t, tt.reason, domain.SkipReasonOf(err))
		})
	}
}

func TestPipelineSellFloor(t *testing.T) {
	now := time.Now().UTC()
	pos := buyPosition()
	pos.Direction = domain.DirectionSell
	pos.PriceFloor = decPtr("41000")

	err := NewPipeline(testConfig()).Evaluate(healthySnapshot(now), pos)
	require.Error(t, err)
	assert.Equal(t, domain.SkipPriceFloor, domain.SkipReasonOf(err))
}

// With several simultaneously failing guards the reported reason is always
// the earliest in the fixed order.
func TestPipelineFirstFailureWins(t *testing.T) {
	now := time.Now().UTC()
	snap := healthySnapshot(now)
	snap.OracleAt = now.Add(-time.Hour)  // guard 1 fails
	snap.TWAPWindow = time.Minute        // guard 2 would fail
	snap.QuotePeg = dec("0.5")           // guard 4 would fail

	pos := buyPosition()
	pos.PriceCap = decPtr("1") // guard 5 would fail

	err := NewPipeline(testConfig()).Evaluate(snap, pos)
	require.Error(t, err)
	assert.Equal(t, domain.SkipOracleStale, domain.SkipReasonOf(err))
}

func TestPipelineOrder(t *testing.T) {
	assert.Equal(t, []string{
		"oracle_freshness", "twap_window", "price_deviation",
		"quote_peg", "price_bound", "network_fee",
	}, NewPipeline(testConfig()).Names())
}

func TestPipelineIsReadOnly(t *testing.T) {
	now := time.Now().UTC()
	snap := healthySnapshot(now)
	pos := buyPosition()
	before := pos

	_ = NewPipeline(testConfig()).Evaluate(snap, pos)
	assert.Equal(t, before, pos)
}
