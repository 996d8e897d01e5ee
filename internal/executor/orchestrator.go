// Package executor runs the per-position execution choreography: eligibility,
// guard validation, venue routing, the swap itself, and the ledger commit.
// Every invocation is atomic: any failure before the commit leaves the
// ledger byte-for-byte unchanged.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
	"github.com/bobjiang/bitcoindca-sub000/internal/fee"
	"github.com/bobjiang/bitcoindca-sub000/internal/guard"
	"github.com/bobjiang/bitcoindca-sub000/internal/service"
	"github.com/bobjiang/bitcoindca-sub000/internal/venue"
)

// Config bounds the orchestrator's resource use.
type Config struct {
	// MaxBatchSize caps BatchExecute; exceeding it is a caller error, the
	// batch is never silently truncated.
	MaxBatchSize int
	// Parallelism bounds concurrent executions within one batch.
	Parallelism int
	// VenueTimeout bounds each venue Execute call. A deadline is treated
	// exactly like an explicit venue failure.
	VenueTimeout time.Duration
	// LockTTL covers the cross-process lock for one invocation.
	LockTTL time.Duration
}

// Result is the terminal outcome of one execution attempt. Err is set for
// faults that are not plain skips (for example a stale-generation commit
// rejection, which requires re-dispatch with fresh parameters).
type Result struct {
	PositionID string
	Outcome    domain.ExecutionOutcome
	SkipReason domain.SkipReason
	Record     domain.ExecutionRecord
	Err        error
}

// Orchestrator composes the position manager, guard pipeline, venue router,
// and fee engine into the single execution choreography.
type Orchestrator struct {
	positions  *service.PositionService
	prices     *service.PriceService
	guards     *guard.Pipeline
	router     *venue.Router
	fees       *fee.Engine
	executions domain.ExecutionStore
	bus        domain.SignalBus
	dlock      domain.LockManager
	cfg        Config
	logger     *slog.Logger

	now func() time.Time
}

// New creates an Orchestrator. bus and dlock may be nil (no event consumers,
// single-process deployment).
func New(
	positions *service.PositionService,
	prices *service.PriceService,
	guards *guard.Pipeline,
	router *venue.Router,
	fees *fee.Engine,
	executions domain.ExecutionStore,
	bus domain.SignalBus,
	dlock domain.LockManager,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.VenueTimeout <= 0 {
		cfg.VenueTimeout = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &Orchestrator{
		positions:  positions,
		prices:     prices,
		guards:     guards,
		router:     router,
		fees:       fees,
		executions: executions,
		bus:        bus,
		dlock:      dlock,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "orchestrator")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs one position through the full choreography. Anyone may call
// it: the position's own guards and bounds decide whether a trade happens.
// A second call while one is in flight fails with ErrExecutionInFlight.
func (o *Orchestrator) Execute(ctx context.Context, id string) (Result, error) {
	release, err := o.positions.Locks().TryAcquire(id)
	if err != nil {
		return Result{PositionID: id, Err: err}, err
	}
	defer release()

	if o.dlock != nil {
		unlock, lockErr := o.dlock.Acquire(ctx, "execute:"+id, o.cfg.LockTTL)
		if lockErr != nil {
			if errors.Is(lockErr, domain.ErrLockHeld) {
				lockErr = fmt.Errorf("position %s: %w", id, domain.ErrExecutionInFlight)
			}
			return Result{PositionID: id, Err: lockErr}, lockErr
		}
		defer unlock()
	}

	res := o.execute(ctx, id)
	o.record(ctx, &res)
	return res, res.Err
}

// BatchExecute processes each position independently: one position's failure
// never aborts or rolls back another's success. The batch size is bounded by
// configuration.
func (o *Orchestrator) BatchExecute(ctx context.Context, ids []string) ([]Result, error) {
	if len(ids) > o.cfg.MaxBatchSize {
		return nil, fmt.Errorf("orchestrator: %d positions exceed batch limit %d: %w",
			len(ids), o.cfg.MaxBatchSize, domain.ErrBatchTooLarge)
	}

	results := make([]Result, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Parallelism)

	for i, id := range ids {
		g.Go(func() error {
			res, _ := o.Execute(gctx, id)
			results[i] = res
			return nil // independence: errors stay in the per-position result
		})
	}
	_ = g.Wait()
	return results, nil
}

// Preview describes what an execution would do right now. Zero-value trade
// fields mean the attempt would stop before routing.
type Preview struct {
	PositionID   string
	Eligible     bool
	Reason       domain.SkipReason
	Venue        domain.VenueKind
	InputAmount  decimal.Decimal
	NetInput     decimal.Decimal
	ProtocolFee  decimal.Decimal
	ExecutionFee decimal.Decimal
	MinAmountOut decimal.Decimal
	QuotedOut    decimal.Decimal
	OraclePrice  decimal.Decimal
	TWAPPrice    decimal.Decimal
}

// Quote dry-runs the choreography up to route selection and reports the fee
// split, the minimum acceptable output, and the best venue quote. It takes
// no locks and mutates nothing.
func (o *Orchestrator) Quote(ctx context.Context, id string) (Preview, error) {
	pos, err := o.positions.Get(ctx, id)
	if err != nil {
		return Preview{}, fmt.Errorf("orchestrator: load position: %w", err)
	}
	pv := Preview{PositionID: pos.ID, InputAmount: pos.AmountPerPeriod}

	if ok, reason := o.positions.EligibilityOf(pos); !ok {
		pv.Reason = domain.SkipReason(reason)
		return pv, nil
	}

	snap, err := o.prices.Snapshot(ctx, pos)
	if err != nil {
		pv.Reason = domain.SkipOracleStale
		return pv, nil
	}
	pv.OraclePrice = snap.OraclePrice
	pv.TWAPPrice = snap.TWAPPrice

	refPrice := snap.TWAPPrice
	if refPrice.Sign() <= 0 {
		refPrice = snap.OraclePrice
	}

	split, err := o.fees.Compute(pos.Direction, pos.AmountPerPeriod, refPrice)
	if err != nil {
		pv.Reason = domain.SkipReason(service.ReasonInsufficientBalance)
		return pv, nil
	}
	pv.NetInput = split.NetInput
	pv.ProtocolFee = split.ProtocolFee
	pv.ExecutionFee = split.ExecutionFee

	minOut, err := fee.MinAmountOut(pos.Direction, split.NetInput, refPrice, pos.SlippageBps)
	if err != nil {
		pv.Reason = domain.SkipSlippage
		return pv, nil
	}
	pv.MinAmountOut = minOut

	routes, err := o.router.Select(ctx, pos, split.Notional, split.NetInput)
	if err != nil {
		pv.Reason = domain.SkipReasonOf(err)
		return pv, nil
	}
	pv.Venue = routes[0].Venue
	pv.QuotedOut = routes[0].Quote.AmountOut

	snap.RoutePrice = impliedPrice(pos.Direction, split.NetInput, routes[0].Quote.AmountOut)
	if err := o.guards.Evaluate(snap, pos); err != nil {
		pv.Reason = domain.SkipReasonOf(err)
		return pv, nil
	}

	pv.Eligible = true
	return pv, nil
}

// execute is the state machine body. It returns a Result whose Record is not
// yet persisted.
func (o *Orchestrator) execute(ctx context.Context, id string) Result {
	pos, err := o.positions.Get(ctx, id)
	if err != nil {
		return Result{PositionID: id, Err: fmt.Errorf("orchestrator: load position: %w", err)}
	}

	// INELIGIBLE is a terminal skip before any external read.
	if ok, reason := o.positions.EligibilityOf(pos); !ok {
		return o.skip(pos, domain.PriceSnapshot{}, domain.SkipReason(reason), nil)
	}

	// One consistent snapshot per invocation.
	snap, err := o.prices.Snapshot(ctx, pos)
	if err != nil {
		return o.skip(pos, snap, domain.SkipOracleStale, err)
	}

	refPrice := snap.TWAPPrice
	if refPrice.Sign() <= 0 {
		refPrice = snap.OraclePrice
	}

	split, err := o.fees.Compute(pos.Direction, pos.AmountPerPeriod, refPrice)
	if err != nil {
		return o.skip(pos, snap, domain.SkipReason(service.ReasonInsufficientBalance), err)
	}

	minOut, err := fee.MinAmountOut(pos.Direction, split.NetInput, refPrice, pos.SlippageBps)
	if err != nil {
		return o.skip(pos, snap, domain.SkipSlippage, err)
	}

	routes, err := o.router.Select(ctx, pos, split.Notional, split.NetInput)
	if err != nil {
		return o.skip(pos, snap, domain.SkipReasonOf(err), err)
	}

	// The primary route's quote supplies the route price the deviation
	// guard checks against.
	snap.RoutePrice = impliedPrice(pos.Direction, split.NetInput, routes[0].Quote.AmountOut)

	if err := o.guards.Evaluate(snap, pos); err != nil {
		return o.skip(pos, snap, domain.SkipReasonOf(err), err)
	}

	// ROUTE_SELECTED → trade, with at most one fallback attempt.
	for i, route := range routes {
		token, dispatchErr := o.positions.Dispatch(ctx, id, service.DispatchAmounts{
			InputAmount:  pos.AmountPerPeriod,
			NetInput:     split.NetInput,
			ProtocolFee:  split.ProtocolFee,
			ExecutionFee: split.ExecutionFee,
			MinAmountOut: minOut,
			Venue:        route.Venue,
		})
		if dispatchErr != nil {
			return Result{PositionID: id, Err: fmt.Errorf("orchestrator: dispatch: %w", dispatchErr)}
		}

		venueCtx, cancel := context.WithTimeout(ctx, o.cfg.VenueTimeout)
		result, execErr := route.Adapter.Execute(venueCtx, domain.SwapParams{
			InAsset:      token.InputAsset,
			OutAsset:     token.OutputAsset,
			AmountIn:     token.NetInput,
			MinAmountOut: token.MinAmountOut,
			Private:      route.Private,
		})
		cancel()

		if execErr != nil {
			// Revert, no liquidity, or timeout: identical treatment.
			o.logger.WarnContext(ctx, "venue execution failed",
				slog.String("position_id", id),
				slog.String("venue", string(route.Venue)),
				slog.Int("attempt", i+1),
				slog.String("error", execErr.Error()),
			)
			continue
		}
		result.Venue = route.Venue

		if result.AmountOut.LessThan(minOut) {
			// A fill below the minimum is a hard failure, never a partial
			// credit, even from a partial-fill-capable venue.
			return o.skip(pos, snap, domain.SkipSlippage,
				fmt.Errorf("orchestrator: fill %s below minimum %s: %w",
					result.AmountOut, minOut, domain.ErrSlippageExceeded))
		}

		return o.settle(ctx, pos, snap, token, result)
	}

	return o.skip(pos, snap, domain.SkipNoRoute,
		fmt.Errorf("orchestrator: all venues failed: %w", domain.ErrNoRoute))
}

// settle commits the trade through the position manager's two-phase path.
func (o *Orchestrator) settle(ctx context.Context, pos domain.Position, snap domain.PriceSnapshot, token domain.DispatchToken, result domain.TradeResult) Result {
	recordID := uuid.New().String()

	settled, err := o.positions.Settle(ctx, token, result, recordID)
	if err != nil {
		res := o.skip(pos, snap, settleSkipReason(err), err)
		res.Err = err // settlement rejection is a fault, not a routine skip
		return res
	}

	return Result{
		PositionID: pos.ID,
		Outcome:    domain.OutcomeCommitted,
		Record: domain.ExecutionRecord{
			ID:             recordID,
			PositionID:     pos.ID,
			Outcome:        domain.OutcomeCommitted,
			Venue:          result.Venue,
			InputAmount:    token.InputAmount,
			AmountOut:      result.AmountOut,
			ProtocolFee:    token.ProtocolFee,
			ExecutionFee:   token.ExecutionFee,
			OraclePrice:    snap.OraclePrice,
			TWAPPrice:      snap.TWAPPrice,
			RoutePrice:     snap.RoutePrice,
			PriceImpactBps: result.PriceImpactBps,
			Generation:     settled.Generation,
			ExecutedAt:     o.now(),
		},
	}
}

func settleSkipReason(err error) domain.SkipReason {
	switch {
	case errors.Is(err, domain.ErrStaleGeneration):
		return domain.SkipStaleGeneration
	case errors.Is(err, domain.ErrSlippageExceeded):
		return domain.SkipSlippage
	default:
		return domain.SkipReason(service.ReasonInsufficientBalance)
	}
}

func (o *Orchestrator) skip(pos domain.Position, snap domain.PriceSnapshot, reason domain.SkipReason, cause error) Result {
	rec := domain.ExecutionRecord{
		ID:          uuid.New().String(),
		PositionID:  pos.ID,
		Outcome:     domain.OutcomeSkipped,
		SkipReason:  reason,
		OraclePrice: snap.OraclePrice,
		TWAPPrice:   snap.TWAPPrice,
		RoutePrice:  snap.RoutePrice,
		Generation:  pos.Generation,
		ExecutedAt:  o.now(),
	}
	if cause != nil {
		o.logger.InfoContext(context.Background(), "execution skipped",
			slog.String("position_id", pos.ID),
			slog.String("reason", string(reason)),
			slog.String("cause", cause.Error()),
		)
	}
	return Result{
		PositionID: pos.ID,
		Outcome:    domain.OutcomeSkipped,
		SkipReason: reason,
		Record:     rec,
	}
}

// record persists and publishes the execution record. Observability never
// blocks the outcome: failures are logged and dropped.
func (o *Orchestrator) record(ctx context.Context, res *Result) {
	if res.Record.ID == "" {
		return
	}
	if o.executions != nil {
		if err := o.executions.Insert(ctx, res.Record); err != nil {
			o.logger.WarnContext(ctx, "persist execution record failed",
				slog.String("position_id", res.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}
	if o.bus != nil {
		payload := fmt.Appendf(nil,
			`{"event":"execution","position_id":%q,"outcome":%q,"reason":%q,"venue":%q,"amount_out":%q}`,
			res.PositionID, res.Outcome, res.SkipReason, res.Record.Venue, res.Record.AmountOut.String())
		if err := o.bus.Publish(ctx, "executions", payload); err != nil {
			o.logger.WarnContext(ctx, "publish execution event failed",
				slog.String("position_id", res.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// impliedPrice converts a quote into a quote-per-base price.
func impliedPrice(direction domain.Direction, amountIn, amountOut decimal.Decimal) decimal.Decimal {
	if amountOut.Sign() <= 0 || amountIn.Sign() <= 0 {
		return decimal.Zero
	}
	if direction == domain.DirectionSell {
		// Selling base: out is quote.
		return amountOut.Div(amountIn)
	}
	// Buying base: in is quote.
	return amountIn.Div(amountOut)
}
