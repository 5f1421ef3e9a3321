package packages

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory package store.
type MemoryStore struct {
	mu       sync.RWMutex
	packages map[string]*Package
}

// NewMemoryStore creates a new in-memory package store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{packages: make(map[string]*Package)}
}

func (m *MemoryStore) Create(ctx context.Context, p *Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.packages[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.packages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListBySender(ctx context.Context, senderID string, limit int) ([]*Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Package
	for _, p := range m.packages {
		if p.SenderID == senderID {
			cp := *p
			result = append(result, &cp)
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
