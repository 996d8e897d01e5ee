package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
	"github.com/bobjiang/bitcoindca-sub000/internal/fee"
	"github.com/bobjiang/bitcoindca-sub000/internal/guard"
	"github.com/bobjiang/bitcoindca-sub000/internal/service"
	"github.com/bobjiang/bitcoindca-sub000/internal/store/memory"
	"github.com/bobjiang/bitcoindca-sub000/internal/venue"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeOracle struct {
	price     decimal.Decimal
	staleness time.Duration
}

func (f *fakeOracle) GetPrice(_ context.Context, asset string) (decimal.Decimal, time.Time, error) {
	if asset == "USDC" {
		return dec("1.0001"), time.Now().UTC(), nil
	}
	return f.price, time.Now().UTC().Add(-f.staleness), nil
}

func (f *fakeOracle) GetTWAP(_ context.Context, _, _ string, window time.Duration) (decimal.Decimal, time.Duration, error) {
	return f.price, window, nil
}

// scriptedAdapter executes at a fixed price, optionally failing or invoking a
// hook before returning (to model untrusted venue behavior).
type scriptedAdapter struct {
	kind     domain.VenueKind
	partial  bool
	price    decimal.Decimal
	execErr  error
	preExec  func(ctx context.Context, params domain.SwapParams)
	fillMult decimal.Decimal // scales the quoted output on execute; 1 when zero
	calls    atomic.Int64
}

func (a *scriptedAdapter) Kind() domain.VenueKind { return a.kind }
func (a *scriptedAdapter) PartialFills() bool     { return a.partial }

func (a *scriptedAdapter) convert(amountIn decimal.Decimal, in string) decimal.Decimal {
	if in == "USDC" {
		return amountIn.Div(a.price)
	}
	return amountIn.Mul(a.price)
}

func (a *scriptedAdapter) Quote(_ context.Context, in, _ string, amountIn decimal.Decimal) (domain.VenueQuote, error) {
	return domain.VenueQuote{AmountOut: a.convert(amountIn, in), Feasible: true}, nil
}

func (a *scriptedAdapter) Execute(ctx context.Context, params domain.SwapParams) (domain.TradeResult, error) {
	a.calls.Add(1)
	if a.preExec != nil {
		a.preExec(ctx, params)
	}
	if a.execErr != nil {
		return domain.TradeResult{}, a.execErr
	}
	out := a.convert(params.AmountIn, params.InAsset)
	if !a.fillMult.IsZero() {
		out = out.Mul(a.fillMult)
	}
	return domain.TradeResult{AmountOut: out, Venue: a.kind}, nil
}

type env struct {
	orch       *Orchestrator
	svc        *service.PositionService
	store      *memory.PositionStore
	executions *memory.ExecutionStore
	amm        *scriptedAdapter
	agg        *scriptedAdapter
	oracle     *fakeOracle
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.Default()

	e := &env{
		store:      memory.NewPositionStore(),
		executions: memory.NewExecutionStore(),
		oracle:     &fakeOracle{price: dec("40000")},
		amm:        &scriptedAdapter{kind: domain.VenueAMM, price: dec("40000")},
		agg:        &scriptedAdapter{kind: domain.VenueAggregator, price: dec("40000")},
	}

	e.svc = service.NewPositionService(e.store, e.oracle, nil, service.NewKeyedLock(),
		service.PositionConfig{
			MaxPositions:   100,
			MaxPerOwner:    10,
			MinNotional:    dec("10"),
			EmergencyDelay: 72 * time.Hour,
		}, logger)

	reg := venue.NewRegistry()
	reg.Register(e.amm)
	reg.Register(e.agg)
	router := venue.NewRouter(reg, venue.RouterConfig{LargeOrderThreshold: dec("50000")}, logger)

	fees, err := fee.NewEngine(fee.Config{
		Tiers:             []fee.Tier{{MinNotional: decimal.Zero, Bps: 30}},
		FixedExecutionFee: dec("0.5"),
		GasPremiumBps:     5,
	})
	require.NoError(t, err)

	guards := guard.NewPipeline(guard.Config{
		MaxOracleStaleness: 5 * time.Minute,
		MinTWAPWindow:      30 * time.Minute,
		DepegThresholdBps:  100,
	})

	prices := service.NewPriceService(e.oracle, nil, logger)

	e.orch = New(e.svc, prices, guards, router, fees, e.executions, nil, nil,
		Config{MaxBatchSize: 5, Parallelism: 2, VenueTimeout: time.Second}, logger)
	return e
}

func (e *env) funded(t *testing.T, mutate func(*domain.CreateParams)) domain.Position {
	t.Helper()
	ctx := context.Background()

	params := domain.CreateParams{
		Owner:                "alice",
		Direction:            domain.DirectionBuy,
		QuoteAsset:           "USDC",
		BaseAsset:            "WBTC",
		AmountPerPeriod:      dec("100"),
		Cadence:              domain.CadenceDaily,
		SlippageBps:          50,
		TWAPWindow:           time.Hour,
		MaxPriceDeviationBps: 200,
		Venue:                domain.VenuePolicy{Mode: domain.VenueModeAuto},
	}
	if mutate != nil {
		mutate(&params)
	}
	pos, err := e.svc.Create(ctx, params)
	require.NoError(t, err)
	pos, err = e.svc.Deposit(ctx, pos.ID, "alice", "USDC", dec("500"))
	require.NoError(t, err)
	return pos
}

func TestExecuteHappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := e.funded(t, nil)

	res, err := e.orch.Execute(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCommitted, res.Outcome)
	assert.Equal(t, domain.VenueAMM, res.Record.Venue)

	got, err := e.svc.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.QuoteBalance.Equal(dec("400")), "quote decreases by the gross amount, got %s", got.QuoteBalance)
	assert.True(t, got.BaseBalance.IsPositive())
	assert.Equal(t, int64(1), got.PeriodsExecuted)
	assert.True(t, got.NextExecutionAt.After(pos.NextExecutionAt))

	// Conservation: fees plus the net venue input reassemble the input.
	sum := res.Record.ProtocolFee.Add(res.Record.ExecutionFee)
	net := res.Record.InputAmount.Sub(sum)
	assert.True(t, net.Add(sum).Equal(res.Record.InputAmount))
	assert.True(t, got.BaseBalance.Equal(res.Record.AmountOut))
}

func TestQuoteDryRun(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := e.funded(t, nil)

	pv, err := e.orch.Quote(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, pv.Eligible)
	assert.Equal(t, domain.VenueAMM, pv.Venue)
	assert.True(t, pv.QuotedOut.IsPositive())
	assert.True(t, pv.NetInput.Add(pv.ProtocolFee).Add(pv.ExecutionFee).Equal(pv.InputAmount))

	// Nothing traded, nothing advanced.
	got, err := e.svc.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, pos.Generation, got.Generation)
	assert.Equal(t, int64(0), got.PeriodsExecuted)
	assert.True(t, got.QuoteBalance.Equal(pos.QuoteBalance))
}

func TestQuoteReportsGuardSkip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.oracle.staleness = time.Hour
	pos := e.funded(t, nil)

	pv, err := e.orch.Quote(ctx, pos.ID)
	require.NoError(t, err)
	assert.False(t, pv.Eligible)
	assert.Equal(t, domain.SkipOracleStale, pv.Reason)
}

func TestExecuteStaleOracleSkips(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.oracle.staleness = time.Hour
	pos := e.funded(t, nil)

	res, err := e.orch.Execute(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, res.Outcome)
	assert.Equal(t, domain.SkipOracleStale, res.SkipReason)

	got, err := e.svc.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.QuoteBalance.Equal(dec("500")))
	assert.Equal(t, int64(0), got.PeriodsExecuted)
	assert.Equal(t, pos.NextExecutionAt, got.NextExecutionAt, "skip never advances the schedule")
	assert.Equal(t, int64(0), e.amm.calls.Load(), "no venue call on guard failure")
}

func TestExecutePriceCapSkips(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := e.funded(t, func(p *domain.CreateParams) {
		cap := dec("39000")
		p.PriceCap = &cap
	})

	res, err := e.orch.Execute(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SkipPriceCap, res.SkipReason)

	got, err := e.svc.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.QuoteBalance.Equal(dec("500")))
}

func TestExecuteIneligibleIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := e.funded(t, func(p *domain.CreateParams) {
		p.StartAt = time.Now().UTC().Add(24 * time.Hour)
	})

	for i := 0; i < 3; i++ {
		res, err := e.orch.Execute(ctx, pos.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeSkipped, res.Outcome)
		assert.Equal(t, domain.SkipReason(service.ReasonNotDue), res.SkipReason)
	}

	got, err := e.svc.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.QuoteBalance.Equal(dec("500")))
	assert.Equal(t, pos.Generation, got.Generation)
	entries, err := e.store.ListByPosition(ctx, pos.ID, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the funding deposit")
}

func TestExecuteGenerationBumpMidFlight(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := e.funded(t, nil)

	// An out-of-band writer (another node) bumps the generation while the
	// venue call is in flight; the commit must be rejected.
	e.amm.preExec = func(context.Context, domain.SwapParams) {
		current, err := e.store.Get(ctx, pos.ID)
		require.NoError(t, err)
		prev := current.Generation
		current.Generation++
		current.Paused = true
		require.NoError(t, e.store.Update(ctx, current, prev))
	}

	res, err := e.orch.Execute(ctx, pos.ID)
	require.ErrorIs(t, err, domain.ErrStaleGeneration)
	assert.Equal(t, domain.SkipStaleGeneration, res.SkipReason)

	got, err := e.svc.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.QuoteBalance.Equal(dec("500")), "ledger untouched")
	assert.True(t, got.BaseBalance.IsZero())
	assert.True(t, got.Paused, "out-of-band pause preserved")
}

func TestExecuteShortFillIsSlippage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.amm.fillMult = dec("0.9") // 10% short, outside the 50 bps tolerance
	pos := e.funded(t, nil)

	res, err := e.orch.Execute(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SkipSlippage, res.SkipReason)

	got, err := e.svc.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.QuoteBalance.Equal(dec("500")))
	assert.Equal(t, int64(0), e.agg.calls.Load(), "a short fill is terminal, not a fallback trigger")
}

func TestExecuteFallbackToAggregator(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.amm.execErr = errors.New("pool reverted")
	pos := e.funded(t, nil)

	res, err := e.orch.Execute(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCommitted, res.Outcome)
	assert.Equal(t, domain.VenueAggregator, res.Record.Venue)
	assert.Equal(t, int64(1), e.amm.calls.Load())
	assert.Equal(t, int64(1), e.agg.calls.Load())
}

func TestExecuteAllVenuesFailNoRoute(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.amm.execErr = errors.New("pool reverted")
	e.agg.execErr = errors.New("no liquidity")
	pos := e.funded(t, nil)

	res, err := e.orch.Execute(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SkipNoRoute, res.SkipReason)

	got, err := e.svc.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.QuoteBalance.Equal(dec("500")))
}

func TestExecuteReentrancyRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := e.funded(t, nil)

	// The venue adapter tries to re-enter the orchestrator for the same
	// position mid-swap.
	var reentryErr error
	e.amm.preExec = func(ctx context.Context, _ domain.SwapParams) {
		_, reentryErr = e.orch.Execute(ctx, pos.ID)
	}

	res, err := e.orch.Execute(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCommitted, res.Outcome)
	require.ErrorIs(t, reentryErr, domain.ErrExecutionInFlight)

	// Exactly one settlement happened.
	got, err := e.svc.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.PeriodsExecuted)
	assert.True(t, got.QuoteBalance.Equal(dec("400")))
}

func TestBatchExecuteIndependence(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	healthy := e.funded(t, nil)
	capped := e.funded(t, func(p *domain.CreateParams) {
		cap := dec("39000")
		p.PriceCap = &cap
	})

	results, err := e.orch.BatchExecute(ctx, []string{healthy.ID, capped.ID})
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]Result{}
	for _, r := range results {
		byID[r.PositionID] = r
	}
	assert.Equal(t, domain.OutcomeCommitted, byID[healthy.ID].Outcome)
	assert.Equal(t, domain.SkipPriceCap, byID[capped.ID].SkipReason)
}

func TestBatchExecuteBounded(t *testing.T) {
	e := newEnv(t)

	ids := make([]string, 6) // limit is 5
	for i := range ids {
		ids[i] = "pos"
	}
	_, err := e.orch.BatchExecute(context.Background(), ids)
	require.ErrorIs(t, err, domain.ErrBatchTooLarge)
}

func TestExecuteRecordsPersisted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := e.funded(t, nil)

	_, err := e.orch.Execute(ctx, pos.ID)
	require.NoError(t, err)

	records, err := e.executions.ListByPosition(ctx, pos.ID, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.OutcomeCommitted, records[0].Outcome)
	assert.True(t, records[0].OraclePrice.Equal(dec("40000")))
}
