package fee

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testConfig() Config {
	return Config{
		Tiers: []Tier{
			{MinNotional: decimal.Zero, Bps: 30},
			{MinNotional: dec("10000"), Bps: 50},
			{MinNotional: dec("100000"), Bps: 80},
		},
		FixedExecutionFee: dec("0.5"),
		GasPremiumBps:     5,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty tiers", func(c *Config) { c.Tiers = nil }, true},
		{"first tier not zero", func(c *Config) { c.Tiers[0].MinNotional = dec("1") }, true},
		{"unsorted", func(c *Config) { c.Tiers[1].MinNotional = dec("200000") }, true},
		{"decreasing bps", func(c *Config) { c.Tiers[2].Bps = 10 }, true},
		{"negative fixed fee", func(c *Config) { c.FixedExecutionFee = dec("-1") }, true},
		{"negative premium", func(c *Config) { c.GasPremiumBps = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrValidation)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestTierBps(t *testing.T) {
	eng, err := NewEngine(testConfig())
	require.NoError(t, err)

	assert.Equal(t, int64(30), eng.TierBps(dec("1")))
	assert.Equal(t, int64(30), eng.TierBps(dec("9999.99")))
	assert.Equal(t, int64(50), eng.TierBps(dec("10000")))
	assert.Equal(t, int64(80), eng.TierBps(dec("250000")))
}

func TestComputeConservation(t *testing.T) {
	eng, err := NewEngine(testConfig())
	require.NoError(t, err)

	inputs := []string{"100", "0.0001", "10000", "123456.789", "99999.999999"}
	for _, in := range inputs {
		input := dec(in)
		bd, err := eng.Compute(domain.DirectionBuy, input, dec("40000"))
		require.NoError(t, err, "input %s", in)

		// Exact, not approximate: the three parts must reassemble the input.
		sum := bd.ProtocolFee.Add(bd.ExecutionFee).Add(bd.NetInput)
		assert.True(t, sum.Equal(input), "input %s: %s + %s + %s = %s",
			in, bd.ProtocolFee, bd.ExecutionFee, bd.NetInput, sum)
		assert.True(t, bd.NetInput.IsPositive())
	}
}

func TestComputeSellNotionalBasis(t *testing.T) {
	eng, err := NewEngine(testConfig())
	require.NoError(t, err)

	// 0.5 BTC at 40k = 20k notional, landing in the 50 bps tier.
	bd, err := eng.Compute(domain.DirectionSell, dec("0.5"), dec("40000"))
	require.NoError(t, err)
	assert.True(t, bd.Notional.Equal(dec("20000")))
	assert.True(t, bd.ProtocolFee.Equal(dec("0.5").Mul(dec("50")).Div(dec("10000"))))

	sum := bd.ProtocolFee.Add(bd.ExecutionFee).Add(bd.NetInput)
	assert.True(t, sum.Equal(dec("0.5")))
}

func TestComputeFeesConsumeInput(t *testing.T) {
	eng, err := NewEngine(testConfig())
	require.NoError(t, err)

	// Input smaller than the fixed execution fee.
	_, err = eng.Compute(domain.DirectionBuy, dec("0.4"), dec("40000"))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestMinAmountOut(t *testing.T) {
	// BUY: spend 100 quote at price 40000 with 50 bps tolerance.
	minOut, err := MinAmountOut(domain.DirectionBuy, dec("100"), dec("40000"), 50)
	require.NoError(t, err)
	expected := dec("100").Div(dec("40000")).Mul(dec("9950")).Div(dec("10000"))
	assert.True(t, minOut.Equal(expected))
	assert.True(t, minOut.IsPositive())

	// SELL: 0.01 base at 40000.
	minOut, err = MinAmountOut(domain.DirectionSell, dec("0.01"), dec("40000"), 100)
	require.NoError(t, err)
	assert.True(t, minOut.Equal(dec("396")))

	_, err = MinAmountOut(domain.DirectionBuy, decimal.Zero, dec("40000"), 50)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = MinAmountOut(domain.DirectionBuy, dec("100"), dec("40000"), 10_000)
	require.ErrorIs(t, err, domain.ErrValidation)
}
