package leasecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/unkn0wn-root/leasecache/codec"
	"github.com/unkn0wn-root/leasecache/lock"
	"github.com/unkn0wn-root/leasecache/store"
)

// Producer computes the payload for a missing entry. Its ctx is cancelled with
// ErrLeaseLost as the cause if the lease cannot be renewed while it runs.
type Producer func(ctx context.Context) (store.Payload, error)

// Populate names the entry GetOrPopulate reads or fills.
type Populate struct {
	Key    string
	Region string        // "" => store.DefaultRegion
	Owner  string        // "" => Coordinator.Owner(); each run leases as Owner/<run id>
	TTL    time.Duration // entry ttl; 0 => never expires

	Policy  Policy        // PolicyDefault => Options.Policy
	MaxWait time.Duration // 0 => Options.MaxWait
}

// GetOrPopulate returns the live entry for (p.Region, p.Key), producing and storing
// it first if missing. Producers for one key run at most once at a time across
// every coordinator sharing the lease table: concurrent callers in this process
// share one flight, and other processes wait on (or give up on) the lease.
//
// The flight runs detached from ctx cancellation so one caller giving up does not
// fail the others sharing it; ctx still bounds how long this caller waits.
func (c *Coordinator) GetOrPopulate(ctx context.Context, p Populate, produce Producer) (store.Payload, error) {
	if p.Key == "" {
		return store.Payload{}, store.ErrInvalidKey
	}
	if p.TTL < 0 {
		return store.Payload{}, store.ErrInvalidTTL
	}
	if p.MaxWait < 0 {
		return store.Payload{}, ErrInvalidWait
	}
	if produce == nil {
		return store.Payload{}, errors.New("leasecache: producer is required")
	}
	p.Region = store.Region(p.Region)
	p.Owner = coalesce(p.Owner, c.owner)
	p.Policy = coalesce(p.Policy, c.policy)
	p.MaxWait = coalesce(p.MaxWait, c.maxWait)

	e, err := c.store.Get(ctx, p.Key, p.Region)
	if err == nil {
		c.hooks.CacheHit(p.Region, p.Key)
		return e.Payload, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Payload{}, err
	}
	c.hooks.CacheMiss(p.Region, p.Key)

	flight := context.WithoutCancel(ctx)
	ch := c.group.DoChan(p.Region+"\x00"+p.Key, func() (any, error) {
		return c.populate(flight, p, produce)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return store.Payload{}, res.Err
		}
		return res.Val.(store.Payload), nil
	case <-ctx.Done():
		return store.Payload{}, ctx.Err()
	}
}

func (c *Coordinator) populate(ctx context.Context, p Populate, produce Producer) (store.Payload, error) {
	uid := c.uid(p.Region, p.Key)
	// Every run holds the lease under its own name. Two runs of one owner (another
	// region mapped to the same uid, or another process configured alike) must
	// never be granted the same lease as a renewal.
	p.Owner = runOwner(p.Owner)
	lease, won, err := c.acquire(ctx, p, uid)
	if err != nil {
		return store.Payload{}, err
	}
	if won != nil {
		return *won, nil
	}
	defer c.release(ctx, lease)

	// Re-check: the previous holder may have stored the entry just before we got the lease.
	e, err := c.store.Get(ctx, p.Key, p.Region)
	if err == nil {
		return e.Payload, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Payload{}, err
	}

	c.log.Debug("populating entry", Fields{"region": p.Region, "key": p.Key, "uid": uid, "owner": p.Owner, "fence": lease.Fence})
	pctx, stop := c.keepAlive(ctx, lease)
	payload, err := produce(pctx)
	lost := context.Cause(pctx)
	stop()
	if errors.Is(lost, ErrLeaseLost) {
		// Exclusivity is gone; whatever the producer returned must not be stored.
		return store.Payload{}, lost
	}
	if err != nil {
		c.hooks.ProducerFailed(p.Region, p.Key, err)
		c.log.Warn("producer failed", Fields{"region": p.Region, "key": p.Key, "err": err})
		return store.Payload{}, err
	}
	if err := c.store.Put(ctx, p.Key, p.Region, payload, p.TTL); err != nil {
		return store.Payload{}, err
	}
	return payload, nil
}

// acquire takes the lease for uid. Under Block it retries with backoff and, between
// attempts, returns the entry a competing owner stored (won != nil).
func (c *Coordinator) acquire(ctx context.Context, p Populate, uid string) (lock.Lease, *store.Payload, error) {
	l, err := c.locks.Acquire(ctx, uid, p.Owner, c.leaseTTL)
	if err == nil {
		return l, nil, nil
	}
	if !errors.Is(err, lock.ErrDenied) {
		return lock.Lease{}, nil, err
	}
	c.denied(uid, err)
	if p.Policy == BestEffort {
		busy := busyFrom(p.Region, p.Key, err, 0)
		c.hooks.PopulateBusy(p.Region, p.Key, busy.Holder)
		return lock.Lease{}, nil, busy
	}

	type outcome struct {
		lease lock.Lease
		won   *store.Payload
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoffInitial
	b.MaxInterval = c.backoffMax

	start := c.clk.Now()
	out, err := backoff.Retry(ctx, func() (outcome, error) {
		e, err := c.store.Get(ctx, p.Key, p.Region)
		if err == nil {
			return outcome{won: &e.Payload}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return outcome{}, backoff.Permanent(err)
		}
		l, err := c.locks.Acquire(ctx, uid, p.Owner, c.leaseTTL)
		if err == nil {
			return outcome{lease: l}, nil
		}
		if errors.Is(err, lock.ErrDenied) {
			c.denied(uid, err)
			return outcome{}, err
		}
		return outcome{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(p.MaxWait),
	)
	waited := c.clk.Now().Sub(start)
	if err != nil {
		if errors.Is(err, lock.ErrDenied) {
			busy := busyFrom(p.Region, p.Key, err, waited)
			c.hooks.PopulateBusy(p.Region, p.Key, busy.Holder)
			c.log.Info("populate gave up waiting", Fields{"region": p.Region, "key": p.Key, "holder": busy.Holder, "waited": waited})
			return lock.Lease{}, nil, busy
		}
		return lock.Lease{}, nil, err
	}
	if out.won != nil {
		c.hooks.PopulateWaited(p.Region, p.Key, waited)
	}
	return out.lease, out.won, nil
}

func runOwner(owner string) string {
	return owner + "/" + uuid.NewString()
}

func (c *Coordinator) denied(uid string, err error) {
	var d *lock.DeniedError
	if errors.As(err, &d) {
		c.hooks.LeaseDenied(uid, d.Owner)
		return
	}
	c.hooks.LeaseDenied(uid, "")
}

// keepAlive renews l every third of the lease ttl until stop is called. If a renewal
// fails the returned context is cancelled with ErrLeaseLost.
func (c *Coordinator) keepAlive(ctx context.Context, l lock.Lease) (context.Context, func()) {
	pctx, cancel := context.WithCancelCause(ctx)
	interval := max(c.leaseTTL/keepAliveDivisor, minKeepAliveInterval)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-pctx.Done():
				return
			case <-t.C:
				if _, err := c.locks.Renew(pctx, l.UID, l.Owner, c.leaseTTL); err != nil {
					c.hooks.LeaseLost(l.UID, err)
					c.log.Error("lease lost while populating", Fields{"uid": l.UID, "owner": l.Owner, "err": err})
					cancel(fmt.Errorf("%w: %w", ErrLeaseLost, err))
					return
				}
			}
		}
	}()
	return pctx, func() {
		close(done)
		wg.Wait()
		cancel(nil)
	}
}

func (c *Coordinator) release(ctx context.Context, l lock.Lease) {
	rctx, cancel := context.WithTimeout(ctx, defaultReleaseTimeout)
	defer cancel()
	if err := c.locks.Release(rctx, l.UID, l.Owner); err != nil {
		c.log.Warn("lease release failed", Fields{"uid": l.UID, "owner": l.Owner, "err": err})
	}
}

// GetOrPopulateValue is GetOrPopulate for typed values. The produced value is
// encoded with cd; an encoding failure is an ErrSerialization and nothing is
// stored. Callers that did not run the producer decode the stored payload.
func GetOrPopulateValue[V any](ctx context.Context, c *Coordinator, cd codec.Codec[V], p Populate, produce func(context.Context) (V, error)) (V, error) {
	var (
		mu       sync.Mutex
		produced bool
		value    V
	)
	payload, err := c.GetOrPopulate(ctx, p, func(ctx context.Context) (store.Payload, error) {
		v, err := produce(ctx)
		if err != nil {
			return store.Payload{}, err
		}
		pl, err := codec.EncodePayload(cd, v)
		if err != nil {
			return store.Payload{}, err
		}
		mu.Lock()
		value, produced = v, true
		mu.Unlock()
		return pl, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	mu.Lock()
	v, ok := value, produced
	mu.Unlock()
	if ok {
		return v, nil
	}
	return codec.DecodePayload(cd, payload)
}
