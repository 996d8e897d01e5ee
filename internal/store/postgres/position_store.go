package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

// PositionStore implements domain.PositionStore and domain.LedgerStore using
// PostgreSQL. Ledger entries are only ever written inside Update's transaction
// so a balance and the deltas that produced it cannot diverge.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, owner_addr, beneficiary, direction,
	quote_asset, base_asset, amount_per_period, cadence, start_at, end_at,
	next_execution_at, periods_executed,
	slippage_bps, twap_window_secs, max_price_deviation_bps,
	price_floor, price_cap, max_base_fee_wei, max_priority_fee_wei,
	venue_mode, venue_pinned, mev_protection,
	paused, canceled, generation, emergency_unlock_at,
	quote_balance, base_balance, created_at, updated_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var (
		p          domain.Position
		direction  string
		cadence    string
		twapSecs   int64
		floor, cap decimal.NullDecimal
		baseFee    *string
		prioFee    *string
		venueMode  string
		pinned     string
	)

	err := row.Scan(
		&p.ID, &p.Owner, &p.Beneficiary, &direction,
		&p.QuoteAsset, &p.BaseAsset, &p.AmountPerPeriod, &cadence, &p.StartAt, &p.EndAt,
		&p.NextExecutionAt, &p.PeriodsExecuted,
		&p.SlippageBps, &twapSecs, &p.MaxPriceDeviationBps,
		&floor, &cap, &baseFee, &prioFee,
		&venueMode, &pinned, &p.MEVProtection,
		&p.Paused, &p.Canceled, &p.Generation, &p.EmergencyUnlockAt,
		&p.QuoteBalance, &p.BaseBalance, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.Direction = domain.Direction(direction)
	p.Cadence = domain.Cadence(cadence)
	p.TWAPWindow = time.Duration(twapSecs) * time.Second
	if floor.Valid {
		v := floor.Decimal
		p.PriceFloor = &v
	}
	if cap.Valid {
		v := cap.Decimal
		p.PriceCap = &v
	}
	p.MaxBaseFeeWei = textToWei(baseFee)
	p.MaxPriorityFeeWei = textToWei(prioFee)
	p.Venue = domain.VenuePolicy{Mode: domain.VenueMode(venueMode), Pinned: domain.VenueKind(pinned)}
	return p, nil
}

func positionArgs(p domain.Position) []any {
	return []any{
		p.ID, p.Owner, p.Beneficiary, string(p.Direction),
		p.QuoteAsset, p.BaseAsset, p.AmountPerPeriod, string(p.Cadence), p.StartAt, p.EndAt,
		p.NextExecutionAt, p.PeriodsExecuted,
		p.SlippageBps, int64(p.TWAPWindow / time.Second), p.MaxPriceDeviationBps,
		nullDec(p.PriceFloor), nullDec(p.PriceCap), weiToText(p.MaxBaseFeeWei), weiToText(p.MaxPriorityFeeWei),
		string(p.Venue.Mode), string(p.Venue.Pinned), p.MEVProtection,
		p.Paused, p.Canceled, p.Generation, p.EmergencyUnlockAt,
		p.QuoteBalance, p.BaseBalance, p.CreatedAt, p.UpdatedAt,
	}
}

// Create inserts a new position row.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (` + positionSelectCols + `) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10,
			$11, $12,
			$13, $14, $15,
			$16, $17, $18, $19,
			$20, $21, $22,
			$23, $24, $25, $26,
			$27, $28, $29, $30
		)`

	_, err := s.pool.Exec(ctx, query, positionArgs(p)...)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Get retrieves a single position by id.
func (s *PositionStore) Get(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// Update replaces all mutable fields and appends the given ledger entries in
// one transaction. The row is matched on (id, generation = prevGeneration);
// a generation mismatch leaves everything untouched and reports
// ErrStaleGeneration.
func (s *PositionStore) Update(ctx context.Context, p domain.Position, prevGeneration int64, entries ...domain.LedgerEntry) error {
	const query = `
		UPDATE positions SET
			beneficiary             = $3,
			amount_per_period       = $4,
			end_at                  = $5,
			next_execution_at       = $6,
			periods_executed        = $7,
			slippage_bps            = $8,
			twap_window_secs        = $9,
			max_price_deviation_bps = $10,
			price_floor             = $11,
			price_cap               = $12,
			max_base_fee_wei        = $13,
			max_priority_fee_wei    = $14,
			venue_mode              = $15,
			venue_pinned            = $16,
			mev_protection          = $17,
			paused                  = $18,
			canceled                = $19,
			generation              = $20,
			emergency_unlock_at     = $21,
			quote_balance           = $22,
			base_balance            = $23,
			updated_at              = NOW()
		WHERE id = $1 AND generation = $2`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin update %s: %w", p.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, query,
		p.ID, prevGeneration,
		p.Beneficiary, p.AmountPerPeriod, p.EndAt,
		p.NextExecutionAt, p.PeriodsExecuted,
		p.SlippageBps, int64(p.TWAPWindow/time.Second), p.MaxPriceDeviationBps,
		nullDec(p.PriceFloor), nullDec(p.PriceCap),
		weiToText(p.MaxBaseFeeWei), weiToText(p.MaxPriorityFeeWei),
		string(p.Venue.Mode), string(p.Venue.Pinned), p.MEVProtection,
		p.Paused, p.Canceled, p.Generation, p.EmergencyUnlockAt,
		p.QuoteBalance, p.BaseBalance,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)", p.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: probe position %s: %w", p.ID, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return fmt.Errorf("postgres: position %s changed under generation %d: %w",
			p.ID, prevGeneration, domain.ErrStaleGeneration)
	}

	for _, e := range entries {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (id, position_id, asset, delta, kind, ref_id, recipient, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.PositionID, e.Asset, e.Delta, string(e.Kind), e.RefID, e.Recipient, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("postgres: append ledger entry %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit update %s: %w", p.ID, err)
	}
	return nil
}

// List returns positions ordered by creation time, newest first.
func (s *PositionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions ORDER BY created_at DESC`
	args := []any{}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryPositions(ctx, "list positions", query, args...)
}

// ListByOwner returns all of an owner's positions, newest first.
func (s *PositionStore) ListByOwner(ctx context.Context, owner string) ([]domain.Position, error) {
	return s.queryPositions(ctx, "list positions by owner",
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE owner_addr = $1 ORDER BY created_at DESC`, owner)
}

// ListDue returns active positions whose next execution time has arrived.
func (s *PositionStore) ListDue(ctx context.Context, asOf time.Time, limit int) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE NOT canceled AND NOT paused AND next_execution_at <= $1
		  AND (end_at IS NULL OR end_at > $1)
		ORDER BY next_execution_at ASC`
	args := []any{asOf}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $2"
	}
	return s.queryPositions(ctx, "list due positions", query, args...)
}

// Count returns the number of live (non-canceled) positions.
func (s *PositionStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM positions WHERE NOT canceled").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count positions: %w", err)
	}
	return n, nil
}

// CountByOwner returns the number of an owner's live positions.
func (s *PositionStore) CountByOwner(ctx context.Context, owner string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM positions WHERE owner_addr = $1 AND NOT canceled", owner).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count positions by owner: %w", err)
	}
	return n, nil
}

// SumBalances totals the custodied amount of asset across all positions.
func (s *PositionStore) SumBalances(ctx context.Context, asset string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(
			CASE WHEN quote_asset = $1 THEN quote_balance ELSE 0 END +
			CASE WHEN base_asset  = $1 THEN base_balance  ELSE 0 END
		), 0) FROM positions`, asset).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum balances for %s: %w", asset, err)
	}
	return total, nil
}

// ListByPosition returns the position's ledger entries, oldest first.
func (s *PositionStore) ListByPosition(ctx context.Context, positionID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query := `SELECT id, position_id, asset, delta, kind, ref_id, recipient, created_at
		FROM ledger_entries WHERE position_id = $1 ORDER BY created_at ASC, id ASC`
	args := []any{positionID}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.PositionID, &e.Asset, &e.Delta, &kind, &e.RefID, &e.Recipient, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan ledger entry: %w", err)
		}
		e.Kind = domain.LedgerEntryKind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate ledger entries: %w", err)
	}
	return entries, nil
}

func (s *PositionStore) queryPositions(ctx context.Context, op, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return positions, nil
}

// Wei caps travel as decimal strings; NUMERIC would also work but TEXT keeps
// the round trip through big.Int exact and obvious.
func weiToText(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func textToWei(s *string) *big.Int {
	if s == nil || *s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil
	}
	return v
}

func nullDec(v *decimal.Decimal) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *v, Valid: true}
}
