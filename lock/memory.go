package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/leasecache/clock"
	"github.com/unkn0wn-root/leasecache/internal/shard"
)

type MemoryConfig struct {
	Shards int
	Clock  clock.Clock
}

// Memory is the in-process lease table. Each UID hashes to one shard, and the
// check-and-set for a UID runs under that shard's write lock.
type Memory struct {
	clk    clock.Clock
	table  *shard.Map[Lease]
	fence  atomic.Uint64
	closed atomic.Bool
}

var _ Manager = (*Memory)(nil)

func NewMemory(cfg MemoryConfig) *Memory {
	return &Memory{
		clk:   clock.Or(cfg.Clock),
		table: shard.New[Lease](cfg.Shards),
	}
}

func (m *Memory) Acquire(_ context.Context, uid, owner string, ttl time.Duration) (Lease, error) {
	if m.closed.Load() {
		return Lease{}, ErrClosed
	}
	if err := validateIDs(uid, owner); err != nil {
		return Lease{}, err
	}
	d, err := Duration(ttl)
	if err != nil {
		return Lease{}, err
	}

	sh := m.table.For(uid)
	sh.Lock()
	defer sh.Unlock()
	now := m.clk.Now()
	cur, ok := sh.Items[uid]
	live := ok && cur.Live(now)
	if live && cur.Owner != owner {
		return Lease{}, &DeniedError{UID: uid, Owner: cur.Owner, ExpiresAt: cur.ExpiresAt}
	}
	l := Lease{UID: uid, Owner: owner, ExpiresAt: now.Add(d)}
	if live {
		l.Fence = cur.Fence
	} else {
		l.Fence = m.fence.Add(1)
	}
	sh.Items[uid] = l
	return l, nil
}

func (m *Memory) Renew(_ context.Context, uid, owner string, ttl time.Duration) (Lease, error) {
	if m.closed.Load() {
		return Lease{}, ErrClosed
	}
	if err := validateIDs(uid, owner); err != nil {
		return Lease{}, err
	}
	d, err := Duration(ttl)
	if err != nil {
		return Lease{}, err
	}

	sh := m.table.For(uid)
	sh.Lock()
	defer sh.Unlock()
	now := m.clk.Now()
	cur, ok := sh.Items[uid]
	if !ok || !cur.Live(now) || cur.Owner != owner {
		return Lease{}, notHeld(uid, owner)
	}
	cur.ExpiresAt = now.Add(d)
	sh.Items[uid] = cur
	return cur, nil
}

func (m *Memory) Release(_ context.Context, uid, owner string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := validateIDs(uid, owner); err != nil {
		return err
	}
	sh := m.table.For(uid)
	sh.Lock()
	defer sh.Unlock()
	cur, ok := sh.Items[uid]
	if !ok || !cur.Live(m.clk.Now()) || cur.Owner != owner {
		return notHeld(uid, owner)
	}
	delete(sh.Items, uid)
	return nil
}

func (m *Memory) Holder(_ context.Context, uid string) (Lease, bool, error) {
	if m.closed.Load() {
		return Lease{}, false, ErrClosed
	}
	sh := m.table.For(uid)
	sh.RLock()
	cur, ok := sh.Items[uid]
	sh.RUnlock()
	if !ok || !cur.Live(m.clk.Now()) {
		return Lease{}, false, nil
	}
	return cur, true, nil
}

// Sweep visits one shard at a time and never holds a lock across shards.
func (m *Memory) Sweep(ctx context.Context) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	now := m.clk.Now()
	removed := 0
	var stale []string
	for _, sh := range m.table.Shards() {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		stale = stale[:0]
		sh.RLock()
		for uid, l := range sh.Items {
			if !l.Live(now) {
				stale = append(stale, uid)
			}
		}
		sh.RUnlock()

		for _, uid := range stale {
			sh.Lock()
			if l, ok := sh.Items[uid]; ok && !l.Live(now) {
				delete(sh.Items, uid)
				removed++
			}
			sh.Unlock()
		}
	}
	return removed, nil
}

// Len counts stored leases, including expired ones not yet swept.
func (m *Memory) Len() int { return m.table.Len() }

func (m *Memory) Close(context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}
	m.table.Clear()
	return nil
}
