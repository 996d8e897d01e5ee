// Package venue selects trade destinations. Concrete venue protocols live
// behind domain.VenueAdapter; this package only knows capability kinds and
// routing policy.
package venue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

// Registry manages the set of available venue adapters keyed by kind. It is
// safe for concurrent use.
type Registry struct {
	adapters map[domain.VenueKind]domain.VenueAdapter
	mu       sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[domain.VenueKind]domain.VenueAdapter),
	}
}

// Register adds an adapter under its kind. An existing adapter of the same
// kind is replaced.
func (r *Registry) Register(a domain.VenueAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Get retrieves the adapter for kind. It returns an error when no adapter of
// that kind is registered.
func (r *Registry) Get(kind domain.VenueKind) (domain.VenueAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("venue %q: %w", kind, domain.ErrNotFound)
	}
	return a, nil
}

// Kinds returns the registered venue kinds in sorted order.
func (r *Registry) Kinds() []domain.VenueKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]domain.VenueKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
