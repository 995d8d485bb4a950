// Package store holds cache entries keyed by (region, key) with optional expiry.
//
// Expiration is enforced twice: lazily on every Get, so an expired entry is never
// returned, and eagerly by Sweep, which the reaper calls so entries nobody reads
// again are still reclaimed.
//
// Backends:
//   - Memory: sharded in-process table.
//   - ProviderStore: entries framed into any provider.Provider (ristretto, bigcache, redis)
//     with a sharded local index for listing and sweeping.
//   - Redis: entries and per-region index sets in Redis, shared by every instance.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/unkn0wn-root/leasecache/clock"
)

var (
	ErrNotFound       = errors.New("leasecache: entry not found")
	ErrInvalidPayload = errors.New("leasecache: payload must be a blob or a non-empty uri")
	ErrInvalidKey     = errors.New("leasecache: cache key is required")
	ErrInvalidRegion  = errors.New("leasecache: region must not contain NUL")
	ErrInvalidTTL     = errors.New("leasecache: ttl must not be negative")
	ErrRejected       = errors.New("leasecache: backend rejected the write")
	ErrClosed         = errors.New("leasecache: store closed")
)

// Store is the cache table. Implementations are safe for concurrent use and
// return copies; callers never share mutable state with the table.
type Store interface {
	// Put overwrites (region, key). ttl == 0 means the entry never expires.
	Put(ctx context.Context, key, region string, p Payload, ttl time.Duration) error
	// Get returns ErrNotFound for missing or expired entries. Expired entries
	// found here are removed on the spot.
	Get(ctx context.Context, key, region string) (Entry, error)
	// Invalidate is idempotent.
	Invalidate(ctx context.Context, key, region string) error
	// ListRegion returns live keys in region, sorted. Diagnostics only.
	ListRegion(ctx context.Context, region string) ([]string, error)
	// Sweep removes expired entries and reports how many it removed. A failure on
	// one entry does not stop the sweep; failures are joined into the error.
	Sweep(ctx context.Context) (int, error)
	Close(ctx context.Context) error
}

// newEntry validates arguments and stamps the expiry against clk.
func newEntry(clk clock.Clock, key, region string, p Payload, ttl time.Duration) (Entry, error) {
	if key == "" {
		return Entry{}, ErrInvalidKey
	}
	if err := checkRegion(region); err != nil {
		return Entry{}, err
	}
	if ttl < 0 {
		return Entry{}, ErrInvalidTTL
	}
	if err := p.validate(); err != nil {
		return Entry{}, err
	}
	e := Entry{Key: key, Region: Region(region), Payload: p}
	if ttl > 0 {
		e.ExpiresAt = clk.Now().Add(ttl)
	}
	return e, nil
}

// checkRegion rejects NUL, the tableKey separator. Reads check it too: a NUL in
// the region of a lookup could otherwise address another region's entry.
func checkRegion(region string) error {
	if strings.IndexByte(region, 0) >= 0 {
		return ErrInvalidRegion
	}
	return nil
}

// tableKey joins region and key with a byte that cannot collide with either side's prefix.
func tableKey(region, key string) string {
	return region + "\x00" + key
}

func splitTableKey(k string) (region, key string) {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return k[:i], k[i+1:]
		}
	}
	return "", k
}
