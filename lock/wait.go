package lock

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// WaitPolicy bounds AcquireWait.
type WaitPolicy struct {
	MaxWait         time.Duration // total time spent retrying; <= 0 means a single attempt
	InitialInterval time.Duration // default 25ms
	MaxInterval     time.Duration // default 1s
}

func (w WaitPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = time.Second
	if w.InitialInterval > 0 {
		b.InitialInterval = w.InitialInterval
	}
	if w.MaxInterval > 0 {
		b.MaxInterval = w.MaxInterval
	}
	return b
}

// AcquireWait retries Acquire while it is denied, with exponential backoff, until
// it succeeds, MaxWait elapses, or ctx ends. On timeout it returns the last
// *DeniedError. Any other failure stops the wait immediately.
func AcquireWait(ctx context.Context, m Manager, uid, owner string, ttl time.Duration, w WaitPolicy) (Lease, error) {
	if w.MaxWait <= 0 {
		return m.Acquire(ctx, uid, owner, ttl)
	}
	return backoff.Retry(ctx, func() (Lease, error) {
		l, err := m.Acquire(ctx, uid, owner, ttl)
		if err != nil && !errors.Is(err, ErrDenied) {
			return Lease{}, backoff.Permanent(err)
		}
		return l, err
	},
		backoff.WithBackOff(w.backOff()),
		backoff.WithMaxElapsedTime(w.MaxWait),
	)
}
