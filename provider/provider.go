// Package provider defines the byte store that store.ProviderStore frames entries into.
//
// Implementations MUST be byte-for-byte transparent: Get returns exactly the []byte
// previously passed to Set for a key. The entry record carries its own expiry, so a
// provider that cannot honor per-key TTLs (bigcache) is still correct; it only keeps
// expired bytes around until the reaper or a reader removes them.
//
// The keyspace "entry:" is owned by leasecache. Foreign values under it fail frame
// validation and are deleted on read.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs, safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value. ttl <= 0 means no expiry. ok=false means the store refused
	// the write (admission or capacity); the value must then not be readable.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key; deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}
