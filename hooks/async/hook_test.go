package asynchook

import (
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/leasecache"
)

type countHooks struct {
	leasecache.NopHooks
	mu     sync.Mutex
	hits   int
	busy   []string
	block  chan struct{}
	sweeps int
}

func (c *countHooks) CacheHit(string, string) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *countHooks) PopulateBusy(_, _, holder string) {
	c.mu.Lock()
	c.busy = append(c.busy, holder)
	c.mu.Unlock()
}

func (c *countHooks) SweepCompleted(int, int, time.Duration) {
	c.mu.Lock()
	c.sweeps++
	c.mu.Unlock()
}

func TestForwardsAndDrainsOnClose(t *testing.T) {
	inner := &countHooks{}
	h := New(inner, 2, 64)
	for i := 0; i < 10; i++ {
		h.CacheHit("r", "k")
	}
	h.PopulateBusy("r", "k", "worker-a")
	h.SweepCompleted(1, 2, time.Millisecond)
	h.Close()

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if inner.hits != 10 || len(inner.busy) != 1 || inner.busy[0] != "worker-a" || inner.sweeps != 1 {
		t.Fatalf("hits=%d busy=%v sweeps=%d", inner.hits, inner.busy, inner.sweeps)
	}
	if h.Dropped() != 0 {
		t.Fatalf("dropped=%d", h.Dropped())
	}
}

func TestDropsWhenFull(t *testing.T) {
	inner := &countHooks{block: make(chan struct{})}
	h := New(inner, 1, 1)

	// one event parks the worker, one fills the queue, the rest drop
	for i := 0; i < 10; i++ {
		h.CacheHit("r", "k")
	}
	if h.Dropped() < 8 {
		t.Fatalf("dropped=%d", h.Dropped())
	}
	close(inner.block)
	h.Close()
}

func TestAfterCloseIsDropped(t *testing.T) {
	h := New(nil, 1, 4)
	h.Close()
	h.Close()
	h.LeaseDenied("u", "a")
	if h.Dropped() != 1 {
		t.Fatalf("dropped=%d", h.Dropped())
	}
}
