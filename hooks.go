package leasecache

import "time"

// Hooks are callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; the coordinator calls them on hot
// paths. Wrap slow sinks with hooks/async.
type Hooks interface {
	// GetOrPopulate fast path.
	CacheHit(region, key string)
	CacheMiss(region, key string)

	// Acquire was refused because holder owns a live lease on uid.
	LeaseDenied(uid, holder string)
	// A blocked caller got the entry another owner populated.
	PopulateWaited(region, key string, waited time.Duration)
	// A caller gave up: best-effort policy, or the wait budget ran out.
	PopulateBusy(region, key, holder string)
	// The producer returned an error; nothing was stored.
	ProducerFailed(region, key string, err error)
	// Keep-alive could not renew a lease while the producer ran.
	LeaseLost(uid string, err error)

	// One reaper pass finished.
	SweepCompleted(entries, leases int, took time.Duration)
	// A reaper pass hit errors; it still visited everything it could.
	SweepFailed(err error)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) CacheHit(string, string)                      {}
func (NopHooks) CacheMiss(string, string)                     {}
func (NopHooks) LeaseDenied(string, string)                   {}
func (NopHooks) PopulateWaited(string, string, time.Duration) {}
func (NopHooks) PopulateBusy(string, string, string)          {}
func (NopHooks) ProducerFailed(string, string, error)         {}
func (NopHooks) LeaseLost(string, error)                      {}
func (NopHooks) SweepCompleted(int, int, time.Duration)       {}
func (NopHooks) SweepFailed(error)                            {}
