package refunds

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory refund store.
type MemoryStore struct {
	mu      sync.RWMutex
	refunds map[string]*Refund
}

// NewMemoryStore creates a new in-memory refund store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{refunds: make(map[string]*Refund)}
}

func (m *MemoryStore) Create(ctx context.Context, r *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasOpen(r.RequestID, r.ID) {
		return ErrAlreadyRequested
	}
	cp := *r
	m.refunds[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.refunds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.refunds[r.ID]; !ok {
		return ErrNotFound
	}
	if r.Status != StatusRejected && m.hasOpen(r.RequestID, r.ID) {
		return ErrAlreadyRequested
	}
	cp := *r
	m.refunds[r.ID] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, status Status, limit int) ([]*Refund, error) {
	return m.filter(limit, func(r *Refund) bool { return status == "" || r.Status == status }), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Refund, error) {
	return m.filter(limit, func(r *Refund) bool { return r.UserID == userID }), nil
}

func (m *MemoryStore) hasOpen(requestID, exceptID string) bool {
	for _, r := range m.refunds {
		if r.RequestID == requestID && r.ID != exceptID && r.Status != StatusRejected {
			return true
		}
	}
	return false
}

func (m *MemoryStore) filter(limit int, keep func(*Refund) bool) []*Refund {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*Refund
	for _, r := range m.refunds {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
