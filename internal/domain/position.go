package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Direction indicates whether a position accumulates the base asset (BUY,
// spending quote) or distributes it (SELL, spending base).
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Cadence is the recurrence interval between executions.
type Cadence string

const (
	CadenceDaily   Cadence = "DAILY"
	CadenceWeekly  Cadence = "WEEKLY"
	CadenceMonthly Cadence = "MONTHLY"
)

// VenueMode selects how the router picks a trade venue.
type VenueMode string

const (
	VenueModeAuto   VenueMode = "AUTO"
	VenueModePinned VenueMode = "PINNED"
)

// VenuePolicy is the per-position routing preference. When Mode is PINNED the
// router targets Pinned exclusively, with no fallback.
type VenuePolicy struct {
	Mode   VenueMode
	Pinned VenueKind // only meaningful when Mode == PINNED
}

// Position is a recurring buy/sell strategy instance together with its own
// ledger balances and schedule. Monetary amounts are exact decimals; gas caps
// are wei integers.
type Position struct {
	ID          string
	Owner       string
	Beneficiary string
	Direction   Direction

	QuoteAsset string
	BaseAsset  string

	AmountPerPeriod decimal.Decimal
	Cadence         Cadence
	StartAt         time.Time
	EndAt           *time.Time

	NextExecutionAt time.Time
	PeriodsExecuted int64

	SlippageBps          int64
	TWAPWindow           time.Duration
	MaxPriceDeviationBps int64
	PriceFloor           *decimal.Decimal
	PriceCap             *decimal.Decimal
	MaxBaseFeeWei        *big.Int
	MaxPriorityFeeWei    *big.Int

	Venue         VenuePolicy
	MEVProtection bool

	Paused   bool
	Canceled bool

	// Generation strictly increases on pause/resume/modify/cancel. A trade
	// dispatched under generation G settles only while the position is
	// still at G.
	Generation int64

	// EmergencyUnlockAt is set when an emergency withdrawal has been armed.
	EmergencyUnlockAt *time.Time

	QuoteBalance decimal.Decimal
	BaseBalance  decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InputAsset returns the asset spent by one execution.
func (p Position) InputAsset() string {
	if p.Direction == DirectionSell {
		return p.BaseAsset
	}
	return p.QuoteAsset
}

// OutputAsset returns the asset credited by one execution.
func (p Position) OutputAsset() string {
	if p.Direction == DirectionSell {
		return p.QuoteAsset
	}
	return p.BaseAsset
}

// InputBalance returns the current balance of the input asset.
func (p Position) InputBalance() decimal.Decimal {
	if p.Direction == DirectionSell {
		return p.BaseBalance
	}
	return p.QuoteBalance
}

// Ended reports whether the position's schedule window has closed at t.
func (p Position) Ended(t time.Time) bool {
	return p.EndAt != nil && !t.Before(*p.EndAt)
}

// EmergencyArmed reports whether an emergency withdrawal delay is running or
// has elapsed.
func (p Position) EmergencyArmed() bool {
	return p.EmergencyUnlockAt != nil
}

// ModifyParams carries the safe-to-change fields for Modify. Nil pointers
// leave the corresponding field untouched. ClearPriceFloor/ClearPriceCap
// remove an existing bound.
type ModifyParams struct {
	Beneficiary          *string
	AmountPerPeriod      *decimal.Decimal
	SlippageBps          *int64
	TWAPWindow           *time.Duration
	MaxPriceDeviationBps *int64
	PriceFloor           *decimal.Decimal
	ClearPriceFloor      bool
	PriceCap             *decimal.Decimal
	ClearPriceCap        bool
	MaxBaseFeeWei        *big.Int
	MaxPriorityFeeWei    *big.Int
	Venue                *VenuePolicy
	MEVProtection        *bool
	EndAt                *time.Time
}

// CosmeticOnly reports whether the modification touches nothing an in-flight
// trade depends on. Cosmetic changes do not bump the generation.
func (m ModifyParams) CosmeticOnly() bool {
	return m.Beneficiary != nil &&
		m.AmountPerPeriod == nil &&
		m.SlippageBps == nil &&
		m.TWAPWindow == nil &&
		m.MaxPriceDeviationBps == nil &&
		m.PriceFloor == nil && !m.ClearPriceFloor &&
		m.PriceCap == nil && !m.ClearPriceCap &&
		m.MaxBaseFeeWei == nil &&
		m.MaxPriorityFeeWei == nil &&
		m.Venue == nil &&
		m.MEVProtection == nil &&
		m.EndAt == nil
}

// CreateParams carries the caller-supplied fields for Create.
type CreateParams struct {
	Owner                string
	Beneficiary          string
	Direction            Direction
	QuoteAsset           string
	BaseAsset            string
	AmountPerPeriod      decimal.Decimal
	Cadence              Cadence
	StartAt              time.Time
	EndAt                *time.Time
	SlippageBps          int64
	TWAPWindow           time.Duration
	MaxPriceDeviationBps int64
	PriceFloor           *decimal.Decimal
	PriceCap             *decimal.Decimal
	MaxBaseFeeWei        *big.Int
	MaxPriorityFeeWei    *big.Int
	Venue                VenuePolicy
	MEVProtection        bool
}
