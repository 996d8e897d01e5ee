package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates an ExecutionStore backed by the given connection pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionSelectCols = `id, position_id, outcome, skip_reason, venue,
	input_amount, amount_out, protocol_fee, execution_fee,
	oracle_price, twap_price, route_price,
	price_impact_bps, generation, executed_at`

// Insert appends one execution record.
func (s *ExecutionStore) Insert(ctx context.Context, rec domain.ExecutionRecord) error {
	const query = `
		INSERT INTO execution_records (` + executionSelectCols + `) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15
		)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.PositionID, string(rec.Outcome), string(rec.SkipReason), string(rec.Venue),
		rec.InputAmount, rec.AmountOut, rec.ProtocolFee, rec.ExecutionFee,
		rec.OraclePrice, rec.TWAPPrice, rec.RoutePrice,
		rec.PriceImpactBps, rec.Generation, rec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution record %s: %w", rec.ID, err)
	}
	return nil
}

// ListByPosition returns a position's execution records, newest first.
func (s *ExecutionStore) ListByPosition(ctx context.Context, positionID string, opts domain.ListOpts) ([]domain.ExecutionRecord, error) {
	query := `SELECT ` + executionSelectCols + ` FROM execution_records
		WHERE position_id = $1 ORDER BY executed_at DESC`
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
		return nil, fmt.Errorf("postgres: list execution records: %w", err)
	}
	defer rows.Close()
	return scanExecutionRows(rows)
}

// ListRecent returns the latest execution records across all positions.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionSelectCols+` FROM execution_records
		 ORDER BY executed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent execution records: %w", err)
	}
	defer rows.Close()
	return scanExecutionRows(rows)
}

func scanExecutionRows(rows pgx.Rows) ([]domain.ExecutionRecord, error) {
	var records []domain.ExecutionRecord
	for rows.Next() {
		var (
			rec                        domain.ExecutionRecord
			outcome, skipReason, venue string
		)
		if err := rows.Scan(
			&rec.ID, &rec.PositionID, &outcome, &skipReason, &venue,
			&rec.InputAmount, &rec.AmountOut, &rec.ProtocolFee, &rec.ExecutionFee,
			&rec.OraclePrice, &rec.TWAPPrice, &rec.RoutePrice,
			&rec.PriceImpactBps, &rec.Generation, &rec.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan execution record: %w", err)
		}
		rec.Outcome = domain.ExecutionOutcome(outcome)
		rec.SkipReason = domain.SkipReason(skipReason)
		rec.Venue = domain.VenueKind(venue)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate execution records: %w", err)
	}
	return records, nil
}
