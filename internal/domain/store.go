package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// PositionStore persists positions and their ledger balances. Update applies
// the full row together with its ledger entries in one atomic step, guarded
// by the expected generation: when the stored generation differs from
// prevGeneration the call fails with ErrStaleGeneration and nothing changes.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Get(ctx context.Context, id string) (Position, error)
	Update(ctx context.Context, pos Position, prevGeneration int64, entries ...LedgerEntry) error
	List(ctx context.Context, opts ListOpts) ([]Position, error)
	ListByOwner(ctx context.Context, owner string) ([]Position, error)
	ListDue(ctx context.Context, asOf time.Time, limit int) ([]Position, error)
	Count(ctx context.Context) (int64, error)
	CountByOwner(ctx context.Context, owner string) (int64, error)
	// SumBalances returns the total custodied amount of asset across all
	// positions, for conservation audits.
	SumBalances(ctx context.Context, asset string) (decimal.Decimal, error)
}

// LedgerStore reads the append-only balance audit trail. Entries are written
// through PositionStore.Update so the delta and the balance it produced can
// never diverge.
type LedgerStore interface {
	ListByPosition(ctx context.Context, positionID string, opts ListOpts) ([]LedgerEntry, error)
}

// ExecutionStore persists execution records for external indexing.
type ExecutionStore interface {
	Insert(ctx context.Context, rec ExecutionRecord) error
	ListByPosition(ctx context.Context, positionID string, opts ListOpts) ([]ExecutionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]ExecutionRecord, error)
}
