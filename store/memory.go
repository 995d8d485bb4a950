package store

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/leasecache/clock"
	"github.com/unkn0wn-root/leasecache/internal/shard"
)

// MemoryConfig tunes the in-process table. Zero values are fine.
type MemoryConfig struct {
	Shards int         // 0 => shard.DefaultCount
	Clock  clock.Clock // nil => clock.Real
}

// Memory is the in-process Store. Each (region, key) hashes to one shard; only that
// shard's lock is taken, so unrelated keys never serialize against each other.
type Memory struct {
	clk    clock.Clock
	table  *shard.Map[Entry]
	closed atomic.Bool
}

var _ Store = (*Memory)(nil)

func NewMemory(cfg MemoryConfig) *Memory {
	return &Memory{
		clk:   clock.Or(cfg.Clock),
		table: shard.New[Entry](cfg.Shards),
	}
}

func (m *Memory) Put(_ context.Context, key, region string, p Payload, ttl time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}
	e, err := newEntry(m.clk, key, region, p, ttl)
	if err != nil {
		return err
	}
	tk := tableKey(e.Region, e.Key)
	s := m.table.For(tk)
	s.Lock()
	s.Items[tk] = e
	s.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, key, region string) (Entry, error) {
	if m.closed.Load() {
		return Entry{}, ErrClosed
	}
	if err := checkRegion(region); err != nil {
		return Entry{}, err
	}
	tk := tableKey(Region(region), key)
	s := m.table.For(tk)
	now := m.clk.Now()

	s.RLock()
	e, ok := s.Items[tk]
	s.RUnlock()
	if !ok {
		return Entry{}, ErrNotFound
	}
	if e.Live(now) {
		return e, nil
	}

	// Expired: re-check under the write lock, a concurrent Put may have replaced it.
	s.Lock()
	defer s.Unlock()
	cur, ok := s.Items[tk]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if cur.Live(now) {
		return cur, nil
	}
	delete(s.Items, tk)
	return Entry{}, ErrNotFound
}

func (m *Memory) Invalidate(_ context.Context, key, region string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := checkRegion(region); err != nil {
		return err
	}
	tk := tableKey(Region(region), key)
	s := m.table.For(tk)
	s.Lock()
	delete(s.Items, tk)
	s.Unlock()
	return nil
}

func (m *Memory) ListRegion(_ context.Context, region string) ([]string, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkRegion(region); err != nil {
		return nil, err
	}
	region = Region(region)
	now := m.clk.Now()
	var keys []string
	for _, s := range m.table.Shards() {
		s.RLock()
		for _, e := range s.Items {
			if e.Region == region && e.Live(now) {
				keys = append(keys, e.Key)
			}
		}
		s.RUnlock()
	}
	sort.Strings(keys)
	return keys, nil
}

// Sweep visits one shard at a time. Candidates are collected under the read lock,
// then removed one by one under the write lock after a re-check.
func (m *Memory) Sweep(ctx context.Context) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	now := m.clk.Now()
	removed := 0
	var candidates []string
	for _, s := range m.table.Shards() {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		candidates = candidates[:0]
		s.RLock()
		for tk, e := range s.Items {
			if !e.Live(now) {
				candidates = append(candidates, tk)
			}
		}
		s.RUnlock()

		for _, tk := range candidates {
			s.Lock()
			if e, ok := s.Items[tk]; ok && !e.Live(now) {
				delete(s.Items, tk)
				removed++
			}
			s.Unlock()
		}
	}
	return removed, nil
}

// Len counts stored entries, including expired ones not yet swept.
func (m *Memory) Len() int { return m.table.Len() }

func (m *Memory) Close(_ context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}
	m.table.Clear()
	return nil
}
