// Package clock provides the time source used for every expiration comparison.
// Production code uses Real; tests drive a Fake by hand.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current wall time.
type Clock interface {
	Now() time.Time
}

// Real reads time.Now.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fake is a manually advanced clock. The zero value starts at the zero time;
// use NewFake to start somewhere sensible.
type Fake struct {
	mu  sync.RWMutex
	now time.Time
}

var _ Clock = (*Fake)(nil)

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.now
}

// Advance moves the clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	f.mu.Unlock()
	return now
}

// Set jumps the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Or returns c, or Real when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
