// Package leasecache coordinates cached content between cooperating instances.
//
// Two tables do the work:
//   - store.Store: entries keyed by (region, key), a blob or a URI reference, with
//     optional expiry enforced on every read and by a background sweep.
//   - lock.Manager: leases keyed by UID that grant one owner exclusive, time-bounded
//     rights to populate or mutate the entry for that key.
//
// The Coordinator composes them. GetOrPopulate reads, and on a miss takes the lease,
// re-reads, runs the producer, stores its result and releases the lease, so
// concurrent callers for one key run the producer once:
//
//	c, _ := leasecache.New(leasecache.Options{
//	    Store: store.NewMemory(store.MemoryConfig{}),
//	    Locks: lock.NewMemory(lock.MemoryConfig{}),
//	})
//	defer c.Close(ctx)
//
//	p, err := c.GetOrPopulate(ctx, leasecache.Populate{Key: "report:42", TTL: time.Hour},
//	    func(ctx context.Context) (store.Payload, error) {
//	        b, err := render(ctx, 42)
//	        return store.Blob(b), err
//	    })
//
// Backends: store.Memory, store.ProviderStore over provider/{ristretto,bigcache,redis},
// store.Redis; lock.Memory, lock.Redis, lock.Postgres. Instances only share work
// when both tables are shared.
package leasecache
