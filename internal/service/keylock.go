package service

import (
	"fmt"
	"sync"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

// KeyedLock enforces the single-writer rule per position id within this
// process. Acquisition never blocks: a second writer for the same id is
// rejected with ErrExecutionInFlight, which is how re-entrant calls from an
// untrusted venue adapter are cut off.
type KeyedLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewKeyedLock returns an empty lock table.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{held: make(map[string]struct{})}
}

// TryAcquire claims the key and returns a release func, or
// ErrExecutionInFlight when the key is already claimed. The release func is
// safe to call more than once.
func (l *KeyedLock) TryAcquire(key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, fmt.Errorf("position %s: %w", key, domain.ErrExecutionInFlight)
	}
	l.held[key] = struct{}{}

	released := false
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if released {
			return
		}
		released = true
		delete(l.held, key)
	}, nil
}
