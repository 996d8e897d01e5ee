package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
	"github.com/bobjiang/bitcoindca-sub000/internal/schedule"
)

// Eligibility reasons surfaced by Eligibility and execution skips.
const (
	ReasonCanceled            = "CANCELED"
	ReasonPaused              = "PAUSED"
	ReasonEnded               = "ENDED"
	ReasonNotDue              = "NOT_DUE"
	ReasonInsufficientBalance = "INSUFFICIENT_BALANCE"
)

// PositionConfig holds the creation caps and the emergency withdrawal delay.
type PositionConfig struct {
	MaxPositions   int64
	MaxPerOwner    int64
	MinNotional    decimal.Decimal
	EmergencyDelay time.Duration
}

// PositionService is the sole owner of Position records and their ledger
// balances. Every mutation funnels through here under the per-position
// single-writer lock; settlement additionally re-validates the generation
// captured at dispatch time.
type PositionService struct {
	store  domain.PositionStore
	oracle domain.Oracle
	bus    domain.SignalBus
	locks  *KeyedLock
	cfg    PositionConfig
	logger *slog.Logger

	now func() time.Time
}

// NewPositionService creates a PositionService. bus may be nil when no event
// consumers are wired.
func NewPositionService(
	store domain.PositionStore,
	oracle domain.Oracle,
	bus domain.SignalBus,
	locks *KeyedLock,
	cfg PositionConfig,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		store:  store,
		oracle: oracle,
		bus:    bus,
		locks:  locks,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "position_service")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Locks exposes the shared single-writer lock table so the execution
// orchestrator holds the same locks as owner mutations.
func (s *PositionService) Locks() *KeyedLock { return s.locks }

// Create validates params against the configured caps, allocates an id, and
// stores the position with zero balances.
func (s *PositionService) Create(ctx context.Context, params domain.CreateParams) (domain.Position, error) {
	now := s.now()

	if err := s.validateCreate(ctx, params); err != nil {
		return domain.Position{}, err
	}

	globalCount, err := s.store.Count(ctx)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: count positions: %w", err)
	}
	if globalCount >= s.cfg.MaxPositions {
		return domain.Position{}, fmt.Errorf("position_service: %w: global position cap reached (%d)",
			domain.ErrValidation, s.cfg.MaxPositions)
	}
	ownerCount, err := s.store.CountByOwner(ctx, params.Owner)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: count owner positions: %w", err)
	}
	if ownerCount >= s.cfg.MaxPerOwner {
		return domain.Position{}, fmt.Errorf("position_service: %w: owner position cap reached (%d)",
			domain.ErrValidation, s.cfg.MaxPerOwner)
	}

	start := params.StartAt.UTC()
	if start.IsZero() {
		start = now
	}
	beneficiary := params.Beneficiary
	if beneficiary == "" {
		beneficiary = params.Owner
	}

	pos := domain.Position{
		ID:                   uuid.New().String(),
		Owner:                params.Owner,
		Beneficiary:          beneficiary,
		Direction:            params.Direction,
		QuoteAsset:           params.QuoteAsset,
		BaseAsset:            params.BaseAsset,
		AmountPerPeriod:      params.AmountPerPeriod,
		Cadence:              params.Cadence,
		StartAt:              start,
		EndAt:                params.EndAt,
		NextExecutionAt:      schedule.At(start, params.Cadence, 0),
		SlippageBps:          params.SlippageBps,
		TWAPWindow:           params.TWAPWindow,
		MaxPriceDeviationBps: params.MaxPriceDeviationBps,
		PriceFloor:           params.PriceFloor,
		PriceCap:             params.PriceCap,
		MaxBaseFeeWei:        params.MaxBaseFeeWei,
		MaxPriorityFeeWei:    params.MaxPriorityFeeWei,
		Venue:                params.Venue,
		MEVProtection:        params.MEVProtection,
		Generation:           1,
		QuoteBalance:         decimal.Zero,
		BaseBalance:          decimal.Zero,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.store.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: create position: %w", err)
	}

	s.publish(ctx, "position_created", pos, nil)
	s.logger.InfoContext(ctx, "position created",
		slog.String("position_id", pos.ID),
		slog.String("owner", pos.Owner),
		slog.String("direction", string(pos.Direction)),
		slog.String("cadence", string(pos.Cadence)),
		slog.String("amount_per_period", pos.AmountPerPeriod.String()),
	)
	return pos, nil
}

func (s *PositionService) validateCreate(ctx context.Context, params domain.CreateParams) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("position_service: %w: "+format, append([]any{domain.ErrValidation}, args...)...)
	}

	if params.Owner == "" {
		return fail("owner required")
	}
	if params.QuoteAsset == "" || params.BaseAsset == "" || params.QuoteAsset == params.BaseAsset {
		return fail("distinct quote and base assets required")
	}
	switch params.Direction {
	case domain.DirectionBuy, domain.DirectionSell:
	default:
		return fail("unknown direction %q", params.Direction)
	}
	switch params.Cadence {
	case domain.CadenceDaily, domain.CadenceWeekly, domain.CadenceMonthly:
	default:
		return fail("unknown cadence %q", params.Cadence)
	}
	if params.AmountPerPeriod.Sign() <= 0 {
		return fail("amount per period must be positive")
	}
	if params.SlippageBps < 0 || params.SlippageBps >= 10_000 {
		return fail("slippage bps out of range")
	}
	if params.MaxPriceDeviationBps < 0 {
		return fail("max price deviation bps negative")
	}
	if params.PriceFloor != nil && params.PriceCap != nil && params.PriceFloor.GreaterThan(*params.PriceCap) {
		return fail("price floor %s above price cap %s", params.PriceFloor, params.PriceCap)
	}
	if params.EndAt != nil && !params.StartAt.IsZero() && !params.EndAt.After(params.StartAt) {
		return fail("end time not after start time")
	}

	notional, err := s.notionalOf(ctx, params.Direction, params.BaseAsset, params.AmountPerPeriod)
	if err != nil {
		return fail("cannot value amount: %v", err)
	}
	if notional.LessThan(s.cfg.MinNotional) {
		return fail("notional %s below minimum %s", notional, s.cfg.MinNotional)
	}
	return nil
}

// notionalOf values one period's amount in quote units. BUY amounts are
// already quote-denominated; SELL amounts are valued at the current oracle
// price.
func (s *PositionService) notionalOf(ctx context.Context, dir domain.Direction, baseAsset string, amount decimal.Decimal) (decimal.Decimal, error) {
	if dir == domain.DirectionBuy {
		return amount, nil
	}
	price, _, err := s.oracle.GetPrice(ctx, baseAsset)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(price), nil
}

// Get returns the position by id.
func (s *PositionService) Get(ctx context.Context, id string) (domain.Position, error) {
	return s.store.Get(ctx, id)
}

// List returns positions with pagination.
func (s *PositionService) List(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	return s.store.List(ctx, opts)
}

// ListByOwner returns every position for owner.
func (s *PositionService) ListByOwner(ctx context.Context, owner string) ([]domain.Position, error) {
	return s.store.ListByOwner(ctx, owner)
}

// Deposit credits amount of asset to the position. Owner only; the schedule
// is untouched.
func (s *PositionService) Deposit(ctx context.Context, id, caller, asset string, amount decimal.Decimal) (domain.Position, error) {
	if amount.Sign() <= 0 {
		return domain.Position{}, fmt.Errorf("position_service: %w: deposit amount must be positive", domain.ErrValidation)
	}

	return s.mutate(ctx, id, func(pos *domain.Position) ([]domain.LedgerEntry, error) {
		if pos.Canceled {
			return nil, fmt.Errorf("position_service: %w", domain.ErrPositionCanceled)
		}
		if caller != pos.Owner {
			return nil, fmt.Errorf("position_service: deposit: %w", domain.ErrUnauthorized)
		}
		switch asset {
		case pos.QuoteAsset:
			pos.QuoteBalance = pos.QuoteBalance.Add(amount)
		case pos.BaseAsset:
			pos.BaseBalance = pos.BaseBalance.Add(amount)
		default:
			return nil, fmt.Errorf("position_service: %w: asset %q not held by position", domain.ErrValidation, asset)
		}
		return []domain.LedgerEntry{s.entry(pos.ID, asset, amount, domain.EntryDeposit, "", "")}, nil
	}, false)
}

// Withdraw debits amount of asset to recipient. The quote asset requires the
// owner; the base asset allows owner or beneficiary. The schedule is
// untouched.
func (s *PositionService) Withdraw(ctx context.Context, id, caller, asset string, amount decimal.Decimal, recipient string) (domain.Position, error) {
	if amount.Sign() <= 0 {
		return domain.Position{}, fmt.Errorf("position_service: %w: withdraw amount must be positive", domain.ErrValidation)
	}

	return s.mutate(ctx, id, func(pos *domain.Position) ([]domain.LedgerEntry, error) {
		switch asset {
		case pos.QuoteAsset:
			if caller != pos.Owner {
				return nil, fmt.Errorf("position_service: withdraw quote: %w", domain.ErrUnauthorized)
			}
			if pos.QuoteBalance.LessThan(amount) {
				return nil, fmt.Errorf("position_service: withdraw %s %s: %w", amount, asset, domain.ErrInsufficientBalance)
			}
			pos.QuoteBalance = pos.QuoteBalance.Sub(amount)
		case pos.BaseAsset:
			if caller != pos.Owner && caller != pos.Beneficiary {
				return nil, fmt.Errorf("position_service: withdraw base: %w", domain.ErrUnauthorized)
			}
			if pos.BaseBalance.LessThan(amount) {
				return nil, fmt.Errorf("position_service: withdraw %s %s: %w", amount, asset, domain.ErrInsufficientBalance)
			}
			pos.BaseBalance = pos.BaseBalance.Sub(amount)
		default:
			return nil, fmt.Errorf("position_service: %w: asset %q not held by position", domain.ErrValidation, asset)
		}
		return []domain.LedgerEntry{s.entry(pos.ID, asset, amount.Neg(), domain.EntryWithdraw, "", recipient)}, nil
	}, false)
}

// Pause stops future executions. Owner only; generation bumps so any
// in-flight trade settles against a stale token.
func (s *PositionService) Pause(ctx context.Context, id, caller string) (domain.Position, error) {
	return s.mutate(ctx, id, func(pos *domain.Position) ([]domain.LedgerEntry, error) {
		if pos.Canceled {
			return nil, fmt.Errorf("position_service: %w", domain.ErrPositionCanceled)
		}
		if caller != pos.Owner {
			return nil, fmt.Errorf("position_service: pause: %w", domain.ErrUnauthorized)
		}
		pos.Paused = true
		return nil, nil
	}, true)
}

// Resume re-enables executions. A canceled position cannot be resumed. An
// armed emergency timer keeps running: resuming expresses intent to trade
// again, not to revoke the pending recovery.
func (s *PositionService) Resume(ctx context.Context, id, caller string) (domain.Position, error) {
	return s.mutate(ctx, id, func(pos *domain.Position) ([]domain.LedgerEntry, error) {
		if pos.Canceled {
			return nil, fmt.Errorf("position_service: %w", domain.ErrPositionCanceled)
		}
		if caller != pos.Owner {
			return nil, fmt.Errorf("position_service: resume: %w", domain.ErrUnauthorized)
		}
		pos.Paused = false
		return nil, nil
	}, true)
}

// Modify updates the safe-to-change fields. A purely cosmetic change
// (beneficiary only) does not bump the generation, so in-flight trades are
// not invalidated by it.
func (s *PositionService) Modify(ctx context.Context, id, caller string, params domain.ModifyParams) (domain.Position, error) {
	return s.mutate(ctx, id, func(pos *domain.Position) ([]domain.LedgerEntry, error) {
		if pos.Canceled {
			return nil, fmt.Errorf("position_service: %w", domain.ErrPositionCanceled)
		}
		if caller != pos.Owner {
			return nil, fmt.Errorf("position_service: modify: %w", domain.ErrUnauthorized)
		}
		if err := s.applyModify(ctx, pos, params); err != nil {
			return nil, err
		}
		return nil, nil
	}, !params.CosmeticOnly())
}

func (s *PositionService) applyModify(ctx context.Context, pos *domain.Position, params domain.ModifyParams) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("position_service: %w: "+format, append([]any{domain.ErrValidation}, args...)...)
	}

	if params.Beneficiary != nil {
		if *params.Beneficiary == "" {
			return fail("beneficiary cannot be empty")
		}
		pos.Beneficiary = *params.Beneficiary
	}
	if params.AmountPerPeriod != nil {
		if params.AmountPerPeriod.Sign() <= 0 {
			return fail("amount per period must be positive")
		}
		notional, err := s.notionalOf(ctx, pos.Direction, pos.BaseAsset, *params.AmountPerPeriod)
		if err != nil {
			return fail("cannot value amount: %v", err)
		}
		if notional.LessThan(s.cfg.MinNotional) {
			return fail("notional %s below minimum %s", notional, s.cfg.MinNotional)
		}
		pos.AmountPerPeriod = *params.AmountPerPeriod
	}
	if params.SlippageBps != nil {
		if *params.SlippageBps < 0 || *params.SlippageBps >= 10_000 {
			return fail("slippage bps out of range")
		}
		pos.SlippageBps = *params.SlippageBps
	}
	if params.TWAPWindow != nil {
		pos.TWAPWindow = *params.TWAPWindow
	}
	if params.MaxPriceDeviationBps != nil {
		if *params.MaxPriceDeviationBps < 0 {
			return fail("max price deviation bps negative")
		}
		pos.MaxPriceDeviationBps = *params.MaxPriceDeviationBps
	}

	floor, cap := pos.PriceFloor, pos.PriceCap
	if params.ClearPriceFloor {
		floor = nil
	} else if params.PriceFloor != nil {
		floor = params.PriceFloor
	}
	if params.ClearPriceCap {
		cap = nil
	} else if params.PriceCap != nil {
		cap = params.PriceCap
	}
	if floor != nil && cap != nil && floor.GreaterThan(*cap) {
		return fail("price floor %s above price cap %s", floor, cap)
	}
	pos.PriceFloor, pos.PriceCap = floor, cap

	if params.MaxBaseFeeWei != nil {
		pos.MaxBaseFeeWei = params.MaxBaseFeeWei
	}
	if params.MaxPriorityFeeWei != nil {
		pos.MaxPriorityFeeWei = params.MaxPriorityFeeWei
	}
	if params.Venue != nil {
		pos.Venue = *params.Venue
	}
	if params.MEVProtection != nil {
		pos.MEVProtection = *params.MEVProtection
	}
	if params.EndAt != nil {
		if !params.EndAt.After(pos.StartAt) {
			return fail("end time not after start time")
		}
		pos.EndAt = params.EndAt
	}
	return nil
}

// Cancel permanently stops the position: paused, schedule zeroed, slot
// freed. A canceled position is read-only from here on.
func (s *PositionService) Cancel(ctx context.Context, id, caller string) (domain.Position, error) {
	return s.mutate(ctx, id, func(pos *domain.Position) ([]domain.LedgerEntry, error) {
		if pos.Canceled {
			return nil, fmt.Errorf("position_service: %w", domain.ErrPositionCanceled)
		}
		if caller != pos.Owner {
			return nil, fmt.Errorf("position_service: cancel: %w", domain.ErrUnauthorized)
		}
		pos.Canceled = true
		pos.Paused = true
		pos.NextExecutionAt = time.Time{}
		return nil, nil
	}, true)
}

// EmergencyWithdraw is a single-entry state machine: the first call arms the
// recovery delay (and pauses the position); a call after the unlock time
// withdraws every balance to the owner and cancels the position. A call
// while the delay is running fails with ErrEmergencyLocked.
func (s *PositionService) EmergencyWithdraw(ctx context.Context, id, caller string) (domain.Position, error) {
	now := s.now()

	return s.mutate(ctx, id, func(pos *domain.Position) ([]domain.LedgerEntry, error) {
		if pos.Canceled {
			return nil, fmt.Errorf("position_service: %w", domain.ErrPositionCanceled)
		}
		if caller != pos.Owner {
			return nil, fmt.Errorf("position_service: emergency withdraw: %w", domain.ErrUnauthorized)
		}

		if pos.EmergencyUnlockAt == nil {
			unlock := now.Add(s.cfg.EmergencyDelay)
			pos.EmergencyUnlockAt = &unlock
			pos.Paused = true
			s.logger.WarnContext(ctx, "emergency withdrawal armed",
				slog.String("position_id", pos.ID),
				slog.Time("unlock_at", unlock),
			)
			return nil, nil
		}

		if now.Before(*pos.EmergencyUnlockAt) {
			return nil, fmt.Errorf("position_service: unlocks at %s: %w",
				pos.EmergencyUnlockAt.Format(time.RFC3339), domain.ErrEmergencyLocked)
		}

		var entries []domain.LedgerEntry
		if pos.QuoteBalance.Sign() > 0 {
			entries = append(entries, s.entry(pos.ID, pos.QuoteAsset, pos.QuoteBalance.Neg(), domain.EntryEmergency, "", pos.Owner))
			pos.QuoteBalance = decimal.Zero
		}
		if pos.BaseBalance.Sign() > 0 {
			entries = append(entries, s.entry(pos.ID, pos.BaseAsset, pos.BaseBalance.Neg(), domain.EntryEmergency, "", pos.Owner))
			pos.BaseBalance = decimal.Zero
		}
		pos.Canceled = true
		pos.Paused = true
		pos.NextExecutionAt = time.Time{}
		pos.EmergencyUnlockAt = nil
		return entries, nil
	}, true)
}

// Eligibility is a pure function of time, pause/cancel state, and balance
// sufficiency. It never mutates and takes no locks.
func (s *PositionService) Eligibility(ctx context.Context, id string) (bool, string, error) {
	pos, err := s.store.Get(ctx, id)
	if err != nil {
		return false, "", fmt.Errorf("position_service: eligibility: %w", err)
	}
	ok, reason := s.eligible(pos, s.now())
	return ok, reason, nil
}

// EligibilityOf evaluates eligibility for an already-loaded position at the
// service clock, for callers that hold the lock and the row.
func (s *PositionService) EligibilityOf(pos domain.Position) (bool, string) {
	return s.eligible(pos, s.now())
}

func (s *PositionService) eligible(pos domain.Position, now time.Time) (bool, string) {
	switch {
	case pos.Canceled:
		return false, ReasonCanceled
	case pos.Paused:
		return false, ReasonPaused
	case pos.Ended(now):
		return false, ReasonEnded
	case pos.NextExecutionAt.After(now):
		return false, ReasonNotDue
	case pos.InputBalance().LessThan(pos.AmountPerPeriod):
		// The per-period amount already covers worst-case fees: fees are
		// carved out of the input, never charged on top.
		return false, ReasonInsufficientBalance
	}
	return true, ""
}

// mutate runs fn on a freshly read position under the single-writer lock and
// persists the result with optimistic generation checking. bumpGeneration
// advances the concurrency token for schedule-relevant changes.
func (s *PositionService) mutate(ctx context.Context, id string, fn func(*domain.Position) ([]domain.LedgerEntry, error), bumpGeneration bool) (domain.Position, error) {
	release, err := s.locks.TryAcquire(id)
	if err != nil {
		return domain.Position{}, err
	}
	defer release()

	pos, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get position: %w", err)
	}

	prevGeneration := pos.Generation
	entries, err := fn(&pos)
	if err != nil {
		return domain.Position{}, err
	}
	if bumpGeneration {
		pos.Generation++
	}
	pos.UpdatedAt = s.now()

	if err := s.store.Update(ctx, pos, prevGeneration, entries...); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: update position: %w", err)
	}
	return pos, nil
}

func (s *PositionService) entry(positionID, asset string, delta decimal.Decimal, kind domain.LedgerEntryKind, refID, recipient string) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:         uuid.New().String(),
		PositionID: positionID,
		Asset:      asset,
		Delta:      delta,
		Kind:       kind,
		RefID:      refID,
		Recipient:  recipient,
		CreatedAt:  s.now(),
	}
}

func (s *PositionService) publish(ctx context.Context, event string, pos domain.Position, extra map[string]any) {
	if s.bus == nil {
		return
	}
	payload := map[string]any{
		"event":       event,
		"position_id": pos.ID,
		"owner":       pos.Owner,
		"generation":  pos.Generation,
	}
	for k, v := range extra {
		payload[k] = v
	}
	raw, _ := json.Marshal(payload)
	if err := s.bus.Publish(ctx, "positions", raw); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", event),
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}
