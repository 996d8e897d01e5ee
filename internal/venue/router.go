package venue

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

// RouterConfig holds the routing policy thresholds.
type RouterConfig struct {
	// LargeOrderThreshold is the USD notional at which AUTO routing prefers
	// the partial-fill-capable batch auction venue.
	LargeOrderThreshold decimal.Decimal
}

// Router maps (position, notional, amount) to an ordered list of candidate
// routes. Selection is read-only: only Quote is called here.
type Router struct {
	registry *Registry
	cfg      RouterConfig
	logger   *slog.Logger
}

// NewRouter creates a Router over the given adapter registry.
func NewRouter(registry *Registry, cfg RouterConfig, logger *slog.Logger) *Router {
	return &Router{
		registry: registry,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "venue_router")),
	}
}

// Select returns the candidate routes for one execution, in attempt order.
//
// AUTO policy: notionals at or above the large-order threshold prefer the
// batch auction venue, everything else the AMM via private submission; the
// aggregator is the single fallback. PINNED policy targets exactly the
// user-chosen venue with no fallback.
//
// Venues that fail to quote or report infeasible are dropped. An empty
// result is reported as a NO_ROUTE skip.
func (r *Router) Select(ctx context.Context, pos domain.Position, notional, amountIn decimal.Decimal) ([]domain.Route, error) {
	var kinds []domain.VenueKind
	private := false

	if pos.Venue.Mode == domain.VenueModePinned {
		kinds = []domain.VenueKind{pos.Venue.Pinned}
	} else {
		if notional.GreaterThanOrEqual(r.cfg.LargeOrderThreshold) {
			kinds = []domain.VenueKind{domain.VenueBatchAuction, domain.VenueAggregator}
		} else {
			kinds = []domain.VenueKind{domain.VenueAMM, domain.VenueAggregator}
			private = pos.MEVProtection
		}
	}

	routes := make([]domain.Route, 0, len(kinds))
	for _, kind := range kinds {
		adapter, err := r.registry.Get(kind)
		if err != nil {
			r.logger.WarnContext(ctx, "venue not registered",
				slog.String("position_id", pos.ID),
				slog.String("venue", string(kind)),
			)
			continue
		}

		quote, err := adapter.Quote(ctx, pos.InputAsset(), pos.OutputAsset(), amountIn)
		if err != nil {
			r.logger.WarnContext(ctx, "venue quote failed",
				slog.String("position_id", pos.ID),
				slog.String("venue", string(kind)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !quote.Feasible || quote.AmountOut.Sign() <= 0 {
			continue
		}

		routes = append(routes, domain.Route{
			Adapter: adapter,
			Venue:   kind,
			Quote:   quote,
			Private: private && kind == domain.VenueAMM,
		})
	}

	if len(routes) == 0 {
		return nil, domain.SkipWith(domain.SkipNoRoute, domain.ErrNoRoute)
	}
	return routes, nil
}
