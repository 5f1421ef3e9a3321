package trips

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory trip store.
type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]*Trip
}

// NewMemoryStore creates a new in-memory trip store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*Trip)}
}

func (m *MemoryStore) Create(ctx context.Context, t *Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = clone(t)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (m *MemoryStore) ListByTraveler(ctx context.Context, travelerID string, limit int) ([]*Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trip
	for _, t := range m.trips {
		if t.TravelerID == travelerID {
			result = append(result, clone(t))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Mutate(ctx context.Context, id string, fn func(t *Trip) error) (*Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := clone(t)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.Reviews = t.Reviews
	m.trips[id] = working
	return clone(working), nil
}

func (m *MemoryStore) AddReview(ctx context.Context, id string, r Review) (*Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	t.Reviews = append(t.Reviews, r)
	return clone(t), nil
}

func clone(t *Trip) *Trip {
	cp := *t
	cp.Reviews = append([]Review{}, t.Reviews...)
	return &cp
}
