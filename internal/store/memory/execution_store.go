package memory

import (
	"context"
	"sync"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

// ExecutionStore is an in-memory domain.ExecutionStore.
type ExecutionStore struct {
	mu      sync.RWMutex
	records []domain.ExecutionRecord
}

// NewExecutionStore returns an empty store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{}
}

// Insert appends one execution record.
func (s *ExecutionStore) Insert(_ context.Context, rec domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// ListByPosition returns records for one position in insertion order.
func (s *ExecutionStore) ListByPosition(_ context.Context, positionID string, opts domain.ListOpts) ([]domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ExecutionRecord
	for _, r := range s.records {
		if r.PositionID == positionID {
			out = append(out, r)
		}
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ListRecent returns the newest records, newest first.
func (s *ExecutionStore) ListRecent(_ context.Context, limit int) ([]domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.records)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.ExecutionRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}
