// Package shard is a string-keyed map split into independently locked shards.
// Operations on keys that land in different shards never contend.
package shard

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const DefaultCount = 64

// Shard is one bucket of a Map. Callers hold the embedded lock while touching Items.
type Shard[V any] struct {
	sync.RWMutex
	Items map[string]V
}

type Map[V any] struct {
	shards []*Shard[V]
	mask   uint64
}

// New returns a map with n shards rounded up to a power of two (n <= 0 => DefaultCount).
func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = DefaultCount
	}
	size := 1
	for size < n {
		size <<= 1
	}
	m := &Map[V]{
		shards: make([]*Shard[V], size),
		mask:   uint64(size - 1),
	}
	for i := range m.shards {
		m.shards[i] = &Shard[V]{Items: make(map[string]V)}
	}
	return m
}

// For returns the shard owning key.
func (m *Map[V]) For(key string) *Shard[V] {
	return m.shards[xxhash.Sum64String(key)&m.mask]
}

// Shards exposes every shard, used by sweeps that walk the whole table one shard at a time.
func (m *Map[V]) Shards() []*Shard[V] { return m.shards }

// Len counts items across shards. It is not a consistent snapshot.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.RLock()
		n += len(s.Items)
		s.RUnlock()
	}
	return n
}

// Clear drops every item.
func (m *Map[V]) Clear() {
	for _, s := range m.shards {
		s.Lock()
		s.Items = make(map[string]V)
		s.Unlock()
	}
}
