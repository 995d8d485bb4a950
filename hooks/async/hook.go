// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/leasecache"
//	"github.com/unkn0wn-root/leasecache/hooks/async"
//	"github.com/unkn0wn-root/leasecache/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    HitEvery:  100, // sample logs: ~every 100th hit
//	    MissEvery: 10,
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	coord, _ := leasecache.New(leasecache.Options{
//	    Store: st,
//	    Locks: locks,
//	    Hooks: hooks, // or `raw` if you don’t want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/leasecache"
)

// Hooks forwards events to inner on a bounded worker pool. When the queue is
// full the event is dropped and counted.
type Hooks struct {
	inner   leasecache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ leasecache.Hooks = (*Hooks)(nil)

func New(inner leasecache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}
	if inner == nil {
		inner = leasecache.NopHooks{}
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) CacheHit(r, k string)            { h.try(func() { h.inner.CacheHit(r, k) }) }
func (h *Hooks) CacheMiss(r, k string)           { h.try(func() { h.inner.CacheMiss(r, k) }) }
func (h *Hooks) LeaseDenied(uid, holder string)  { h.try(func() { h.inner.LeaseDenied(uid, holder) }) }
func (h *Hooks) LeaseLost(uid string, err error) { h.try(func() { h.inner.LeaseLost(uid, err) }) }
func (h *Hooks) SweepFailed(err error)           { h.try(func() { h.inner.SweepFailed(err) }) }
func (h *Hooks) PopulateWaited(r, k string, d time.Duration) {
	h.try(func() { h.inner.PopulateWaited(r, k, d) })
}
func (h *Hooks) PopulateBusy(r, k, holder string) {
	h.try(func() { h.inner.PopulateBusy(r, k, holder) })
}
func (h *Hooks) ProducerFailed(r, k string, err error) {
	h.try(func() { h.inner.ProducerFailed(r, k, err) })
}
func (h *Hooks) SweepCompleted(entries, leases int, took time.Duration) {
	h.try(func() { h.inner.SweepCompleted(entries, leases, took) })
}
