package venue

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

type fakeAdapter struct {
	kind     domain.VenueKind
	partial  bool
	quote    domain.VenueQuote
	quoteErr error
}

func (f *fakeAdapter) Kind() domain.VenueKind { return f.kind }
func (f *fakeAdapter) PartialFills() bool     { return f.partial }

func (f *fakeAdapter) Quote(_ context.Context, _, _ string, _ decimal.Decimal) (domain.VenueQuote, error) {
	return f.quote, f.quoteErr
}

func (f *fakeAdapter) Execute(_ context.Context, _ domain.SwapParams) (domain.TradeResult, error) {
	return domain.TradeResult{AmountOut: f.quote.AmountOut, Venue: f.kind}, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func goodQuote() domain.VenueQuote {
	return domain.VenueQuote{AmountOut: dec("0.0025"), Feasible: true}
}

func fullRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(&fakeAdapter{kind: domain.VenueAMM, quote: goodQuote()})
	reg.Register(&fakeAdapter{kind: domain.VenueBatchAuction, partial: true, quote: goodQuote()})
	reg.Register(&fakeAdapter{kind: domain.VenueAggregator, quote: goodQuote()})
	return reg
}

func testRouter(reg *Registry) *Router {
	return NewRouter(reg, RouterConfig{LargeOrderThreshold: dec("50000")}, slog.Default())
}

func autoPosition() domain.Position {
	return domain.Position{
		ID:            "pos-1",
		Direction:     domain.DirectionBuy,
		QuoteAsset:    "USDC",
		BaseAsset:     "WBTC",
		Venue:         domain.VenuePolicy{Mode: domain.VenueModeAuto},
		MEVProtection: true,
	}
}

func TestSelectAutoSmallOrder(t *testing.T) {
	routes, err := testRouter(fullRegistry()).Select(context.Background(), autoPosition(), dec("100"), dec("100"))
	require.NoError(t, err)
	require.Len(t, routes, 2)

	assert.Equal(t, domain.VenueAMM, routes[0].Venue)
	assert.True(t, routes[0].Private, "MEV-protected position should use private AMM submission")
	assert.Equal(t, domain.VenueAggregator, routes[1].Venue)
	assert.False(t, routes[1].Private)
}

func TestSelectAutoLargeOrder(t *testing.T) {
	routes, err := testRouter(fullRegistry()).Select(context.Background(), autoPosition(), dec("75000"), dec("75000"))
	require.NoError(t, err)
	require.Len(t, routes, 2)

	assert.Equal(t, domain.VenueBatchAuction, routes[0].Venue)
	assert.Equal(t, domain.VenueAggregator, routes[1].Venue)
}

func TestSelectPinnedNoFallback(t *testing.T) {
	pos := autoPosition()
	pos.Venue = domain.VenuePolicy{Mode: domain.VenueModePinned, Pinned: domain.VenueAggregator}

	routes, err := testRouter(fullRegistry()).Select(context.Background(), pos, dec("100"), dec("100"))
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, domain.VenueAggregator, routes[0].Venue)
}

func TestSelectSkipsInfeasibleQuotes(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeAdapter{kind: domain.VenueAMM, quote: domain.VenueQuote{Feasible: false}})
	reg.Register(&fakeAdapter{kind: domain.VenueAggregator, quote: goodQuote()})

	routes, err := testRouter(reg).Select(context.Background(), autoPosition(), dec("100"), dec("100"))
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, domain.VenueAggregator, routes[0].Venue)
}

func TestSelectSkipsQuoteErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeAdapter{kind: domain.VenueAMM, quoteErr: errors.New("pool drained")})
	reg.Register(&fakeAdapter{kind: domain.VenueAggregator, quote: goodQuote()})

	routes, err := testRouter(reg).Select(context.Background(), autoPosition(), dec("100"), dec("100"))
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, domain.VenueAggregator, routes[0].Venue)
}

func TestSelectNoRoute(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeAdapter{kind: domain.VenueAMM, quoteErr: errors.New("pool drained")})

	_, err := testRouter(reg).Select(context.Background(), autoPosition(), dec("100"), dec("100"))
	require.Error(t, err)
	assert.Equal(t, domain.SkipNoRoute, domain.SkipReasonOf(err))
	assert.ErrorIs(t, err, domain.ErrNoRoute)
}

func TestSelectPinnedUnregisteredVenue(t *testing.T) {
	pos := autoPosition()
	pos.Venue = domain.VenuePolicy{Mode: domain.VenueModePinned, Pinned: domain.VenueBatchAuction}

	reg := NewRegistry()
	reg.Register(&fakeAdapter{kind: domain.VenueAMM, quote: goodQuote()})

	_, err := testRouter(reg).Select(context.Background(), pos, dec("100"), dec("100"))
	require.Error(t, err)
	assert.Equal(t, domain.SkipNoRoute, domain.SkipReasonOf(err))
}

func TestRegistryKinds(t *testing.T) {
	reg := fullRegistry()
	assert.Equal(t, []domain.VenueKind{
		domain.VenueAMM, domain.VenueAggregator, domain.VenueBatchAuction,
	}, reg.Kinds())

	_, err := NewRegistry().Get(domain.VenueAMM)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
