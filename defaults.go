package leasecache

import "time"

const (
	defaultMaxWait        = 10 * time.Second
	defaultSweepInterval  = time.Minute
	defaultBackoffInitial = 25 * time.Millisecond
	defaultBackoffMax     = time.Second
	defaultReleaseTimeout = 5 * time.Second
	keepAliveDivisor      = 3
	minKeepAliveInterval  = 10 * time.Millisecond
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
