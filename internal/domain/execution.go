package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// SkipReason identifies why an execution attempt was skipped. The strings are
// stable: they are persisted in execution records and surfaced over the API.
type SkipReason string

const (
	SkipNone            SkipReason = ""
	SkipNotEligible     SkipReason = "NOT_ELIGIBLE"
	SkipOracleStale     SkipReason = "ORACLE_STALE"
	SkipTWAPWindow      SkipReason = "TWAP_WINDOW"
	SkipPriceDeviation  SkipReason = "PRICE_DEVIATION"
	SkipDepeg           SkipReason = "DEPEG"
	SkipPriceCap        SkipReason = "PRICE_CAP"
	SkipPriceFloor      SkipReason = "PRICE_FLOOR"
	SkipBaseFeeCap      SkipReason = "BASE_FEE_CAP"
	SkipPriorityFeeCap  SkipReason = "PRIORITY_FEE_CAP"
	SkipNoRoute         SkipReason = "NO_ROUTE"
	SkipSlippage        SkipReason = "SLIPPAGE_EXCEEDED"
	SkipStaleGeneration SkipReason = "STALE_GENERATION"
)

// PriceSnapshot is the consistent view of external price and network
// conditions captured once at the start of an execution attempt. All guards
// evaluate against the same snapshot; nothing is re-read mid-pipeline.
type PriceSnapshot struct {
	BaseAsset  string
	QuoteAsset string

	OraclePrice decimal.Decimal
	OracleAt    time.Time

	TWAPPrice  decimal.Decimal
	TWAPWindow time.Duration

	// RoutePrice is the price implied by the selected route's quote, in
	// quote asset per base asset.
	RoutePrice decimal.Decimal

	// QuotePeg is the quote asset's price against its reference unit
	// (1.0 means perfectly pegged).
	QuotePeg decimal.Decimal

	BaseFeeWei     *big.Int
	PriorityFeeWei *big.Int

	CapturedAt time.Time
}

// DispatchToken is the capability returned by Dispatch. It embeds the
// generation snapshot; Settle is the only ledger-mutating trade path and
// rejects a token whose generation no longer matches the position.
type DispatchToken struct {
	PositionID string
	Generation int64

	InputAsset  string
	OutputAsset string

	// InputAmount is the gross per-period amount. NetInput is what is
	// actually routed to the venue after fees:
	// InputAmount == ProtocolFee + ExecutionFee + NetInput, exactly.
	InputAmount  decimal.Decimal
	NetInput     decimal.Decimal
	ProtocolFee  decimal.Decimal
	ExecutionFee decimal.Decimal

	MinAmountOut decimal.Decimal

	Venue        VenueKind
	DispatchedAt time.Time
}

// TradeResult is the venue adapter's report for a completed swap.
type TradeResult struct {
	AmountOut      decimal.Decimal
	Venue          VenueKind
	PriceImpactBps int64
}

// ExecutionOutcome is the terminal state of one execution attempt.
type ExecutionOutcome string

const (
	OutcomeCommitted ExecutionOutcome = "LEDGER_COMMITTED"
	OutcomeSkipped   ExecutionOutcome = "SKIPPED"
)

// ExecutionRecord is the structured record emitted for every execution
// attempt, committed or skipped, for external indexing.
type ExecutionRecord struct {
	ID         string
	PositionID string
	Outcome    ExecutionOutcome
	SkipReason SkipReason

	Venue VenueKind

	InputAmount  decimal.Decimal
	AmountOut    decimal.Decimal
	ProtocolFee  decimal.Decimal
	ExecutionFee decimal.Decimal

	OraclePrice decimal.Decimal
	TWAPPrice   decimal.Decimal
	RoutePrice  decimal.Decimal

	PriceImpactBps int64
	Generation     int64
	ExecutedAt     time.Time
}

// Skipped reports whether the record describes a no-op attempt.
func (r ExecutionRecord) Skipped() bool {
	return r.Outcome == OutcomeSkipped
}

// LedgerEntryKind classifies a single balance delta.
type LedgerEntryKind string

const (
	EntryDeposit      LedgerEntryKind = "deposit"
	EntryWithdraw     LedgerEntryKind = "withdraw"
	EntryTradeDebit   LedgerEntryKind = "trade_debit"
	EntryTradeCredit  LedgerEntryKind = "trade_credit"
	EntryProtocolFee  LedgerEntryKind = "protocol_fee"
	EntryExecutionFee LedgerEntryKind = "execution_fee"
	EntryEmergency    LedgerEntryKind = "emergency_withdraw"
)

// LedgerEntry is one immutable balance delta in the audit ledger. Delta is
// negative for debits.
type LedgerEntry struct {
	ID         string
	PositionID string
	Asset      string
	Delta      decimal.Decimal
	Kind       LedgerEntryKind
	RefID      string // execution record id, or empty for owner-initiated moves
	Recipient  string // withdrawal destination, when applicable
	CreatedAt  time.Time
}
