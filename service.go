package leasecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unkn0wn-root/leasecache/lock"
	"github.com/unkn0wn-root/leasecache/record"
)

// The methods below are the transport-agnostic boundary: they speak the wire
// records and return the error taxonomy unchanged, for any RPC layer to map.

// PutCache stores r. An invalid record or an expiration already in the past
// fails with ErrInvalidRecord and stores nothing.
func (c *Coordinator) PutCache(ctx context.Context, r record.CacheRecord) error {
	p, err := r.Payload()
	if err != nil {
		return err
	}
	ttl, err := r.TTL(c.clk.Now())
	if err != nil {
		return err
	}
	return c.store.Put(ctx, r.CacheKey, r.Region(), p, ttl)
}

// GetCache returns ErrNotFound for missing and expired entries.
func (c *Coordinator) GetCache(ctx context.Context, key, region string) (record.CacheRecord, error) {
	e, err := c.store.Get(ctx, key, region)
	if err != nil {
		return record.CacheRecord{}, err
	}
	return record.FromEntry(e), nil
}

func (c *Coordinator) InvalidateCache(ctx context.Context, key, region string) error {
	return c.store.Invalidate(ctx, key, region)
}

// ListRegion returns live keys in region. Diagnostics only.
func (c *Coordinator) ListRegion(ctx context.Context, region string) ([]string, error) {
	return c.store.ListRegion(ctx, region)
}

// AcquireLock grants r.UID to r.LockOwner until r.LockExpiration (default now+30m).
// With maxWait > 0 a denied request is retried with backoff until the lease frees
// or maxWait elapses; the timeout is ErrBusy wrapping the last denial. maxWait 0
// makes a single attempt. Denials are *lock.DeniedError; use
// record.DeniedFromError for the wire form.
func (c *Coordinator) AcquireLock(ctx context.Context, r record.LockRequest, maxWait time.Duration) (record.LockGrant, error) {
	if maxWait < 0 {
		return record.LockGrant{}, ErrInvalidWait
	}
	if err := r.Validate(); err != nil {
		return record.LockGrant{}, err
	}
	ttl, err := r.TTL(c.clk.Now())
	if err != nil {
		return record.LockGrant{}, err
	}
	start := c.clk.Now()
	l, err := lock.AcquireWait(ctx, c.locks, r.UID, r.LockOwner, ttl, lock.WaitPolicy{
		MaxWait:         maxWait,
		InitialInterval: c.backoffInitial,
		MaxInterval:     c.backoffMax,
	})
	if err != nil {
		if maxWait > 0 && errors.Is(err, lock.ErrDenied) {
			return record.LockGrant{}, fmt.Errorf("%w: waited %s: %w", ErrBusy, c.clk.Now().Sub(start), err)
		}
		return record.LockGrant{}, err
	}
	return record.GrantFromLease(l), nil
}

// RenewLock extends the caller's lease to newExpiration (nil => now+30m), capped
// at now+8h from this call.
func (c *Coordinator) RenewLock(ctx context.Context, uid, owner string, newExpiration *time.Time) (record.LockGrant, error) {
	r := record.LockRequest{UID: uid, LockOwner: owner, LockExpiration: newExpiration}
	if err := r.Validate(); err != nil {
		return record.LockGrant{}, err
	}
	ttl, err := r.TTL(c.clk.Now())
	if err != nil {
		return record.LockGrant{}, err
	}
	l, err := c.locks.Renew(ctx, uid, owner, ttl)
	if err != nil {
		return record.LockGrant{}, err
	}
	return record.GrantFromLease(l), nil
}

func (c *Coordinator) ReleaseLock(ctx context.Context, uid, owner string) error {
	if err := (record.LockRequest{UID: uid, LockOwner: owner}).Validate(); err != nil {
		return err
	}
	return c.locks.Release(ctx, uid, owner)
}

// LockHolder reports the live holder of uid, if any.
func (c *Coordinator) LockHolder(ctx context.Context, uid string) (lock.Lease, bool, error) {
	return c.locks.Holder(ctx, uid)
}
