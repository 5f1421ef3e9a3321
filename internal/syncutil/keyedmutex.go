// Package syncutil provides context-aware per-key locking.
package syncutil

import (
	"context"
	"hash/fnv"
)

const defaultShards = 256

// KeyedMutex serializes work per key using a fixed pool of channel-backed
// locks. Keys hashing to the same shard share a lock, so memory stays bounded
// no matter how many keys are seen. Never hold two locks from the same
// KeyedMutex at once; use separate instances for nested resources.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with n shards (256 when n <= 0).
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = defaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock acquires the lock for key or returns ctx.Err() if ctx ends first.
// The returned unlock func must be called exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shards[m.index(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
