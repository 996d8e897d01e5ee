// Package memory implements the domain store interfaces with in-process
// maps. It backs unit tests and the paper-trading sim mode; production runs
// use the postgres package.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

// PositionStore is an in-memory domain.PositionStore and domain.LedgerStore.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
	entries   map[string][]domain.LedgerEntry
}

// NewPositionStore returns an empty store.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		positions: make(map[string]domain.Position),
		entries:   make(map[string][]domain.LedgerEntry),
	}
}

// Create inserts a new position.
func (s *PositionStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[pos.ID]; ok {
		return fmt.Errorf("memory: position %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	s.positions[pos.ID] = pos
	return nil
}

// Get returns the position by id.
func (s *PositionStore) Get(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	return pos, nil
}

// Update applies the full row and its ledger entries atomically, guarded by
// the expected generation.
func (s *PositionStore) Update(_ context.Context, pos domain.Position, prevGeneration int64, entries ...domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.positions[pos.ID]
	if !ok {
		return fmt.Errorf("memory: position %s: %w", pos.ID, domain.ErrNotFound)
	}
	if current.Generation != prevGeneration {
		return fmt.Errorf("memory: position %s at generation %d, expected %d: %w",
			pos.ID, current.Generation, prevGeneration, domain.ErrStaleGeneration)
	}

	s.positions[pos.ID] = pos
	s.entries[pos.ID] = append(s.entries[pos.ID], entries...)
	return nil
}

// List returns positions ordered by creation time.
func (s *PositionStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, opts), nil
}

// ListByOwner returns every position owned by owner.
func (s *PositionStore) ListByOwner(_ context.Context, owner string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, p := range s.positions {
		if p.Owner == owner {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListDue returns active positions whose next execution is at or before asOf.
func (s *PositionStore) ListDue(_ context.Context, asOf time.Time, limit int) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []domain.Position
	for _, p := range s.positions {
		if p.Paused || p.Canceled {
			continue
		}
		if !p.NextExecutionAt.After(asOf) {
			due = append(due, p)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextExecutionAt.Before(due[j].NextExecutionAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Count returns the number of non-canceled positions.
func (s *PositionStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, p := range s.positions {
		if !p.Canceled {
			n++
		}
	}
	return n, nil
}

// CountByOwner returns the number of non-canceled positions owned by owner.
func (s *PositionStore) CountByOwner(_ context.Context, owner string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, p := range s.positions {
		if p.Owner == owner && !p.Canceled {
			n++
		}
	}
	return n, nil
}

// SumBalances totals the custodied amount of asset across every position.
func (s *PositionStore) SumBalances(_ context.Context, asset string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, p := range s.positions {
		if p.QuoteAsset == asset {
			total = total.Add(p.QuoteBalance)
		}
		if p.BaseAsset == asset {
			total = total.Add(p.BaseBalance)
		}
	}
	return total, nil
}

// ListByPosition returns the ledger entries for one position in append order.
func (s *PositionStore) ListByPosition(_ context.Context, positionID string, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries[positionID]
	out := make([]domain.LedgerEntry, len(entries))
	copy(out, entries)
	return paginateEntries(out, opts), nil
}

func paginate(in []domain.Position, opts domain.ListOpts) []domain.Position {
	if opts.Offset > 0 {
		if opts.Offset >= len(in) {
			return nil
		}
		in = in[opts.Offset:]
	}
	if opts.Limit > 0 && len(in) > opts.Limit {
		in = in[:opts.Limit]
	}
	return in
}

func paginateEntries(in []domain.LedgerEntry, opts domain.ListOpts) []domain.LedgerEntry {
	if opts.Offset > 0 {
		if opts.Offset >= len(in) {
			return nil
		}
		in = in[opts.Offset:]
	}
	if opts.Limit > 0 && len(in) > opts.Limit {
		in = in[:opts.Limit]
	}
	return in
}
