package leasecache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/leasecache/clock"
	"github.com/unkn0wn-root/leasecache/codec"
	"github.com/unkn0wn-root/leasecache/lock"
	"github.com/unkn0wn-root/leasecache/store"
)

type hookStats struct {
	hits, misses, denied, waited int
	busy                         []string
	failed, lost, sweeps         int
	sweepErr                     error
}

// recHooks counts events for assertions.
type recHooks struct {
	NopHooks
	mu sync.Mutex
	s  hookStats
}

func (h *recHooks) with(f func(s *hookStats)) {
	h.mu.Lock()
	f(&h.s)
	h.mu.Unlock()
}

func (h *recHooks) CacheHit(string, string)    { h.with(func(s *hookStats) { s.hits++ }) }
func (h *recHooks) CacheMiss(string, string)   { h.with(func(s *hookStats) { s.misses++ }) }
func (h *recHooks) LeaseDenied(string, string) { h.with(func(s *hookStats) { s.denied++ }) }
func (h *recHooks) LeaseLost(string, error)    { h.with(func(s *hookStats) { s.lost++ }) }
func (h *recHooks) SweepFailed(err error)      { h.with(func(s *hookStats) { s.sweepErr = err }) }

func (h *recHooks) PopulateWaited(string, string, time.Duration) {
	h.with(func(s *hookStats) { s.waited++ })
}

func (h *recHooks) PopulateBusy(_, _, holder string) {
	h.with(func(s *hookStats) { s.busy = append(s.busy, holder) })
}

func (h *recHooks) ProducerFailed(string, string, error) {
	h.with(func(s *hookStats) { s.failed++ })
}

func (h *recHooks) SweepCompleted(int, int, time.Duration) {
	h.with(func(s *hookStats) { s.sweeps++ })
}

func (h *recHooks) snapshot() hookStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.s
	out.busy = append([]string(nil), h.s.busy...)
	return out
}

type shared struct {
	store store.Store
	locks lock.Manager
}

func newShared() shared {
	return shared{store: store.NewMemory(store.MemoryConfig{}), locks: lock.NewMemory(lock.MemoryConfig{})}
}

func newCoordinator(t *testing.T, sh shared, mutate func(*Options)) (*Coordinator, *recHooks) {
	t.Helper()
	h := &recHooks{}
	opts := Options{
		Store:          sh.store,
		Locks:          sh.locks,
		Hooks:          h,
		DisableReaper:  true,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, h
}

func blobProducer(calls *atomic.Int32, delay time.Duration, body string) Producer {
	return func(ctx context.Context) (store.Payload, error) {
		calls.Add(1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return store.Payload{}, ctx.Err()
		}
		return store.Blob([]byte(body)), nil
	}
}

func TestNewRequiresTables(t *testing.T) {
	if _, err := New(Options{Locks: lock.NewMemory(lock.MemoryConfig{})}); err == nil {
		t.Fatalf("expected error without store")
	}
	if _, err := New(Options{Store: store.NewMemory(store.MemoryConfig{})}); err == nil {
		t.Fatalf("expected error without locks")
	}
	sh := newShared()
	if _, err := New(Options{Store: sh.store, Locks: sh.locks, LeaseTTL: 9 * time.Hour}); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("9h lease ttl: %v", err)
	}
}

func TestGetOrPopulateFastPath(t *testing.T) {
	ctx := context.Background()
	sh := newShared()
	c, h := newCoordinator(t, sh, nil)
	defer c.Close(ctx)

	_ = sh.store.Put(ctx, "k", "", store.Blob([]byte("cached")), 0)
	var calls atomic.Int32
	p, err := c.GetOrPopulate(ctx, Populate{Key: "k"}, blobProducer(&calls, 0, "fresh"))
	if err != nil {
		t.Fatalf("GetOrPopulate: %v", err)
	}
	if b, _ := p.Bytes(); string(b) != "cached" || calls.Load() != 0 {
		t.Fatalf("payload=%q calls=%d", b, calls.Load())
	}
	if s := h.snapshot(); s.hits != 1 || s.misses != 0 {
		t.Fatalf("hooks=%+v", s)
	}
}

func TestGetOrPopulateStoresAndReleases(t *testing.T) {
	ctx := context.Background()
	sh := newShared()
	c, _ := newCoordinator(t, sh, nil)
	defer c.Close(ctx)

	var calls atomic.Int32
	p, err := c.GetOrPopulate(ctx, Populate{Key: "k", Region: "r", TTL: time.Minute}, blobProducer(&calls, 0, "v"))
	if err != nil {
		t.Fatalf("GetOrPopulate: %v", err)
	}
	if b, _ := p.Bytes(); string(b) != "v" {
		t.Fatalf("payload=%q", b)
	}
	e, err := sh.store.Get(ctx, "k", "r")
	if err != nil || e.ExpiresAt.IsZero() {
		t.Fatalf("entry=%+v err=%v", e, err)
	}
	if _, held, _ := sh.locks.Holder(ctx, "k"); held {
		t.Fatalf("lease must be released after populate")
	}
}

func TestStampedeCollapsesInProcess(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t, newShared(), nil)
	defer c.Close(ctx)

	var calls atomic.Int32
	produce := blobProducer(&calls, 50*time.Millisecond, "once")
	var wg sync.WaitGroup
	results := make([]string, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.GetOrPopulate(ctx, Populate{Key: "hot"}, produce)
			if err != nil {
				t.Errorf("GetOrPopulate: %v", err)
				return
			}
			b, _ := p.Bytes()
			results[i] = string(b)
		}(i)
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Fatalf("producer calls=%d want 1", calls.Load())
	}
	for i, r := range results {
		if r != "once" {
			t.Fatalf("result[%d]=%q", i, r)
		}
	}
}

func TestStampedeCollapsesAcrossCoordinators(t *testing.T) {
	ctx := context.Background()
	sh := newShared()
	a, _ := newCoordinator(t, sh, func(o *Options) { o.Owner = "a" })
	b, _ := newCoordinator(t, sh, func(o *Options) { o.Owner = "b" })
	defer a.Close(ctx)

	var calls atomic.Int32
	produce := blobProducer(&calls, 100*time.Millisecond, "shared")
	var wg sync.WaitGroup
	out := make([]string, 2)
	for i, c := range []*Coordinator{a, b} {
		wg.Add(1)
		go func(i int, c *Coordinator) {
			defer wg.Done()
			p, err := c.GetOrPopulate(ctx, Populate{Key: "k"}, produce)
			if err != nil {
				t.Errorf("coordinator %d: %v", i, err)
				return
			}
			v, _ := p.Bytes()
			out[i] = string(v)
		}(i, c)
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Fatalf("producer calls=%d want 1", calls.Load())
	}
	if out[0] != "shared" || out[1] != "shared" {
		t.Fatalf("out=%v", out)
	}
}

func TestBestEffortReturnsBusy(t *testing.T) {
	ctx := context.Background()
	sh := newShared()
	c, h := newCoordinator(t, sh, func(o *Options) { o.Policy = BestEffort })
	defer c.Close(ctx)

	if _, err := sh.locks.Acquire(ctx, "k", "other", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	var calls atomic.Int32
	_, err := c.GetOrPopulate(ctx, Populate{Key: "k"}, blobProducer(&calls, 0, "v"))
	var busy *BusyError
	if !errors.As(err, &busy) || !errors.Is(err, ErrBusy) {
		t.Fatalf("err=%v want *BusyError", err)
	}
	if busy.Holder != "other" || busy.Waited != 0 || calls.Load() != 0 {
		t.Fatalf("busy=%+v calls=%d", busy, calls.Load())
	}
	if s := h.snapshot(); s.denied != 1 || len(s.busy) != 1 || s.busy[0] != "other" {
		t.Fatalf("hooks=%+v", s)
	}
}

func TestBlockingWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	sh := newShared()
	c, _ := newCoordinator(t, sh, nil)
	defer c.Close(ctx)

	_, _ = sh.locks.Acquire(ctx, "k", "other", time.Minute)
	start := time.Now()
	var calls atomic.Int32
	_, err := c.GetOrPopulate(ctx, Populate{Key: "k", MaxWait: 100 * time.Millisecond}, blobProducer(&calls, 0, "v"))
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("err=%v want *BusyError", err)
	}
	if busy.Holder != "other" || busy.Waited <= 0 {
		t.Fatalf("busy=%+v", busy)
	}
	if time.Since(start) > 2*time.Second || calls.Load() != 0 {
		t.Fatalf("wait unbounded or producer ran (%d)", calls.Load())
	}
}

func TestBusyWaitMeasuredOnCoordinatorClock(t *testing.T) {
	ctx := context.Background()
	sh := newShared()
	clk := clock.NewFake(epoch)
	c, _ := newCoordinator(t, sh, func(o *Options) { o.Clock = clk })
	defer c.Close(ctx)

	_, _ = sh.locks.Acquire(ctx, "k", "other", time.Minute)
	var calls atomic.Int32
	_, err := c.GetOrPopulate(ctx, Populate{Key: "k", MaxWait: 50 * time.Millisecond}, blobProducer(&calls, 0, "v"))
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("err=%v want *BusyError", err)
	}
	// the fake clock never moved, whatever the wall clock did
	if busy.Waited != 0 {
		t.Fatalf("waited=%s", busy.Waited)
	}
}

func TestBlockingWaitSeesWinnerEntry(t *testing.T) {
	ctx := context.Background()
	sh := newShared()
	c, h := newCoordinator(t, sh, nil)
	defer c.Close(ctx)

	_, _ = sh.locks.Acquire(ctx, "k", "other", time.Minute)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = sh.store.Put(ctx, "k", "", store.Blob([]byte("winner")), 0)
	}()

	var calls atomic.Int32
	p, err := c.GetOrPopulate(ctx, Populate{Key: "k", MaxWait: 5 * time.Second}, blobProducer(&calls, 0, "loser"))
	if err != nil {
		t.Fatalf("GetOrPopulate: %v", err)
	}
	if b, _ := p.Bytes(); string(b) != "winner" || calls.Load() != 0 {
		t.Fatalf("payload=%q calls=%d", b, calls.Load())
	}
	if s := h.snapshot(); s.waited != 1 {
		t.Fatalf("hooks=%+v", s)
	}
	// The winner never released; the waiter must not have taken the lease.
	if l, ok, _ := sh.locks.Holder(ctx, "k"); !ok || l.Owner != "other" {
		t.Fatalf("holder=%+v ok=%v", l, ok)
	}
}

func TestProducerFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	sh := newShared()
	c, h := newCoordinator(t, sh, nil)
	defer c.Close(ctx)

	boom := errors.New("render failed")
	_, err := c.GetOrPopulate(ctx, Populate{Key: "k"}, func(context.Context) (store.Payload, error) {
		return store.Payload{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if _, err := sh.store.Get(ctx, "k", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("entry stored after failure: %v", err)
	}
	if _, held, _ := sh.locks.Holder(ctx, "k"); held {
		t.Fatalf("lease leaked after failure")
	}
	if s := h.snapshot(); s.failed != 1 {
		t.Fatalf("hooks=%+v", s)
	}
}

func TestKeepAliveExtendsLeaseDuringSlowProducer(t *testing.T) {
	ctx := context.Background()
	sh := newShared()
	c, _ := newCoordinator(t, sh, func(o *Options) { o.LeaseTTL = 60 * time.Millisecond; o.Owner = "slow" })
	defer c.Close(ctx)

	heldLate := make(chan bool, 1)
	_, err := c.GetOrPopulate(ctx, Populate{Key: "k"}, func(ctx context.Context) (store.Payload, error) {
		time.Sleep(200 * time.Millisecond)
		l, ok, _ := sh.locks.Holder(ctx, "k")
		heldLate <- ok && strings.HasPrefix(l.Owner, "slow/")
		return store.Blob([]byte("v")), nil
	})
	if err != nil {
		t.Fatalf("GetOrPopulate: %v", err)
	}
	if !<-heldLate {
		t.Fatalf("lease expired while producer was still running")
	}
}

// flakyLocks fails every Renew.
type flakyLocks struct{ lock.Manager }

func (flakyLocks) Renew(context.Context, string, string, time.Duration) (lock.Lease, error) {
	return lock.Lease{}, errors.New("backend unavailable")
}

func TestLeaseLostCancelsProducer(t *testing.T) {
	ctx := context.Background()
	sh := newShared()
	sh.locks = flakyLocks{sh.locks}
	c, h := newCoordinator(t, sh, func(o *Options) { o.LeaseTTL = 30 * time.Millisecond })
	defer c.Close(ctx)

	_, err := c.GetOrPopulate(ctx, Populate{Key: "k"}, func(ctx context.Context) (store.Payload, error) {
		<-ctx.Done()
		return store.Blob([]byte("late")), nil
	})
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("err=%v want ErrLeaseLost", err)
	}
	if _, err := sh.store.Get(ctx, "k", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("value stored after lease loss")
	}
	if s := h.snapshot(); s.lost != 1 {
		t.Fatalf("hooks=%+v", s)
	}
}

type page struct {
	Title string `json:"title"`
	Words int    `json:"words"`
}

func TestGetOrPopulateValue(t *testing.T) {
	ctx := context.Background()
	sh := newShared()
	c, _ := newCoordinator(t, sh, nil)
	defer c.Close(ctx)

	var calls atomic.Int32
	produce := func(context.Context) (page, error) {
		calls.Add(1)
		return page{Title: "intro", Words: 120}, nil
	}
	for i := 0; i < 2; i++ {
		v, err := GetOrPopulateValue[page](ctx, c, codec.JSON[page]{}, Populate{Key: "p"}, produce)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if v.Title != "intro" || v.Words != 120 {
			t.Fatalf("call %d: %+v", i, v)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

type failingCodec struct{}

func (failingCodec) Encode(page) ([]byte, error) { return nil, errors.New("unsupported") }
func (failingCodec) Decode([]byte) (page, error) { return page{}, nil }

func TestGetOrPopulateValueSerializationFailure(t *testing.T) {
	ctx := context.Background()
	sh := newShared()
	c, _ := newCoordinator(t, sh, nil)
	defer c.Close(ctx)

	_, err := GetOrPopulateValue[page](ctx, c, failingCodec{}, Populate{Key: "p"}, func(context.Context) (page, error) {
		return page{Title: "x"}, nil
	})
	if !errors.Is(err, ErrSerialization) {
		t.Fatalf("err=%v want ErrSerialization", err)
	}
	if _, err := sh.store.Get(ctx, "p", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("partial write after serialization failure")
	}
}

func TestSameKeyInTwoRegionsNeverSharesLease(t *testing.T) {
	ctx := context.Background()
	sh := newShared()
	c, _ := newCoordinator(t, sh, nil)
	defer c.Close(ctx)

	var running, peak atomic.Int32
	intruded := make(chan bool, 2)
	produce := func(body string) Producer {
		return func(ctx context.Context) (store.Payload, error) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(80 * time.Millisecond)
			_, err := sh.locks.Acquire(ctx, "k", "intruder", time.Minute)
			intruded <- err == nil
			return store.Blob([]byte(body)), nil
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, region := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.GetOrPopulate(ctx, Populate{Key: "k", Region: region}, produce(region))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if peak.Load() != 1 {
		t.Fatalf("%d producers held lease k at once", peak.Load())
	}
	close(intruded)
	for ok := range intruded {
		if ok {
			t.Fatalf("outside owner acquired k while a producer was running")
		}
	}
	for _, region := range []string{"a", "b"} {
		e, err := sh.store.Get(ctx, "k", region)
		if b, _ := e.Payload.Bytes(); err != nil || string(b) != region {
			t.Fatalf("region %s: %q %v", region, b, err)
		}
	}
}

func TestNegativeWaitAndIntervalRejected(t *testing.T) {
	ctx := context.Background()
	sh := newShared()
	if _, err := New(Options{Store: sh.store, Locks: sh.locks, MaxWait: -time.Second}); !errors.Is(err, ErrInvalidWait) {
		t.Fatalf("negative Options.MaxWait: %v", err)
	}
	if _, err := New(Options{Store: sh.store, Locks: sh.locks, SweepInterval: -time.Second}); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("negative SweepInterval: %v", err)
	}

	c, _ := newCoordinator(t, sh, nil)
	defer c.Close(ctx)
	_, _ = sh.locks.Acquire(ctx, "k", "other", time.Minute)
	var calls atomic.Int32
	if _, err := c.GetOrPopulate(ctx, Populate{Key: "k", MaxWait: -time.Second}, blobProducer(&calls, 0, "v")); !errors.Is(err, ErrInvalidWait) {
		t.Fatalf("negative Populate.MaxWait: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("producer ran")
	}
}

func TestGetOrPopulateValidates(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t, newShared(), nil)
	defer c.Close(ctx)

	var calls atomic.Int32
	if _, err := c.GetOrPopulate(ctx, Populate{}, blobProducer(&calls, 0, "v")); !errors.Is(err, store.ErrInvalidKey) {
		t.Fatalf("empty key: %v", err)
	}
	if _, err := c.GetOrPopulate(ctx, Populate{Key: "k", TTL: -1}, blobProducer(&calls, 0, "v")); !errors.Is(err, store.ErrInvalidTTL) {
		t.Fatalf("negative ttl: %v", err)
	}
	if _, err := c.GetOrPopulate(ctx, Populate{Key: "k"}, nil); err == nil {
		t.Fatalf("nil producer accepted")
	}
}
