package leasecache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/unkn0wn-root/leasecache/lock"
	"github.com/unkn0wn-root/leasecache/store"
)

var ErrInvalidInterval = errors.New("leasecache: reaper interval and timeout must not be negative")

type ReaperOptions struct {
	Interval time.Duration // 0 => 1m
	Timeout  time.Duration // per pass; 0 => Interval
	Logger   Logger
	Hooks    Hooks
}

// SweepResult summarizes one reaper pass.
type SweepResult struct {
	Entries int
	Leases  int
	Took    time.Duration
}

// Reaper periodically removes expired entries and leases. Both backends sweep
// shard by shard (or key by key), so foreground calls are never blocked for a
// whole pass. A failed pass is logged and the next tick runs as usual.
type Reaper struct {
	store    store.Store
	locks    lock.Manager
	interval time.Duration
	timeout  time.Duration
	log      Logger
	hooks    Hooks

	mu      sync.Mutex
	ticker  *time.Ticker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped bool
}

func NewReaper(s store.Store, l lock.Manager, opts ReaperOptions) (*Reaper, error) {
	if opts.Interval < 0 || opts.Timeout < 0 {
		return nil, ErrInvalidInterval
	}
	r := &Reaper{store: s, locks: l}
	r.interval = coalesce(opts.Interval, defaultSweepInterval)
	r.timeout = coalesce(opts.Timeout, r.interval)
	r.log = coalesce[Logger](opts.Logger, NopLogger{})
	r.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	return r, nil
}

// Start launches the sweep loop. Calling it twice, or after Stop, is a no-op.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil || r.stopped {
		return
	}
	r.ticker = time.NewTicker(r.interval)
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
				_, _ = r.RunOnce(ctx)
				cancel()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	stopCh, ticker := r.stopCh, r.ticker
	r.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	ticker.Stop() // stop ticker before waiting
	r.wg.Wait()
}

// RunOnce sweeps entries then leases. An error from one table does not skip the
// other; both are joined into the returned error.
func (r *Reaper) RunOnce(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	var res SweepResult
	var errs []error

	n, err := r.store.Sweep(ctx)
	res.Entries = n
	if err != nil {
		r.log.Warn("entry sweep incomplete", Fields{"removed": n, "err": err})
		errs = append(errs, err)
	}
	n, err = r.locks.Sweep(ctx)
	res.Leases = n
	if err != nil {
		r.log.Warn("lease sweep incomplete", Fields{"removed": n, "err": err})
		errs = append(errs, err)
	}
	res.Took = time.Since(start)

	if err := errors.Join(errs...); err != nil {
		r.hooks.SweepFailed(err)
		return res, err
	}
	r.hooks.SweepCompleted(res.Entries, res.Leases, res.Took)
	if res.Entries > 0 || res.Leases > 0 {
		r.log.Debug("sweep completed", Fields{"entries": res.Entries, "leases": res.Leases, "took": res.Took})
	}
	return res, nil
}

// Sweep runs one reaper pass now.
func (c *Coordinator) Sweep(ctx context.Context) (SweepResult, error) {
	return c.reaper.RunOnce(ctx)
}

// Close stops the reaper, then closes the lease table and the store.
func (c *Coordinator) Close(ctx context.Context) error {
	c.reaper.Stop()
	return errors.Join(c.locks.Close(ctx), c.store.Close(ctx))
}
