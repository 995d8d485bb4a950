// Package lock arbitrates exclusive, time-bounded ownership of a UID.
//
// A Lease is live while ExpiresAt is after now. At most one live lease exists per
// UID; an expired lease counts as absent, so Acquire takes it over inline instead of
// waiting for Sweep. Durations default to DefaultTTL and are capped at MaxTTL,
// measured from the acquire or renew instant. Requests over the cap are rejected.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTTL = 30 * time.Minute
	MaxTTL     = 8 * time.Hour
)

var (
	// ErrDenied classifies acquisitions refused because another owner holds a live lease.
	// The concrete error is a *DeniedError.
	ErrDenied = errors.New("lock denied")
	// ErrNotHeld classifies renew/release by a caller that is not the live holder.
	ErrNotHeld = errors.New("lock not held")
	// ErrInvalidDuration classifies negative durations and durations over MaxTTL.
	ErrInvalidDuration = errors.New("lock invalid duration")
	// ErrInvalidArgument classifies missing uid/owner and bad backend configuration.
	ErrInvalidArgument = errors.New("lock invalid argument")
	// ErrClosed classifies calls on a closed manager.
	ErrClosed = errors.New("lock manager closed")
)

func lockError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// Lease is a snapshot of a grant. Fence increases every time ownership of a UID
// changes hands within one manager; a renewal or re-acquire by the same live owner
// keeps it.
type Lease struct {
	UID       string
	Owner     string
	ExpiresAt time.Time
	Fence     uint64
}

// Live reports whether the lease still grants ownership at now.
func (l Lease) Live(now time.Time) bool { return l.ExpiresAt.After(now) }

// DeniedError reports the live holder that blocked an acquisition.
type DeniedError struct {
	UID       string
	Owner     string
	ExpiresAt time.Time
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("lock denied: %q held by %q until %s", e.UID, e.Owner, e.ExpiresAt.UTC().Format(time.RFC3339Nano))
}

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

// Manager is the lease table. Implementations make the "no live lease, or the live
// lease is mine" check and the write one atomic step per UID.
type Manager interface {
	// Acquire grants uid to owner for ttl (0 => DefaultTTL). A live lease held by a
	// different owner yields a *DeniedError. Re-acquire by the live owner renews.
	Acquire(ctx context.Context, uid, owner string, ttl time.Duration) (Lease, error)
	// Renew moves ExpiresAt to now+ttl (0 => DefaultTTL) if owner holds a live lease.
	Renew(ctx context.Context, uid, owner string, ttl time.Duration) (Lease, error)
	// Release drops the lease if owner holds it; otherwise ErrNotHeld, no side effects.
	Release(ctx context.Context, uid, owner string) error
	// Holder returns the live lease for uid, if any.
	Holder(ctx context.Context, uid string) (Lease, bool, error)
	// Sweep removes expired leases and reports how many it removed.
	Sweep(ctx context.Context) (int, error)
	Close(ctx context.Context) error
}

// Duration resolves a requested lease duration: 0 means DefaultTTL; negative or
// above MaxTTL fails with ErrInvalidDuration. Nothing is ever clamped.
func Duration(ttl time.Duration) (time.Duration, error) {
	switch {
	case ttl == 0:
		return DefaultTTL, nil
	case ttl < 0:
		return 0, lockError(ErrInvalidDuration, fmt.Sprintf("ttl %s is negative", ttl))
	case ttl > MaxTTL:
		return 0, lockError(ErrInvalidDuration, fmt.Sprintf("ttl %s exceeds %s", ttl, MaxTTL))
	}
	return ttl, nil
}

// Until converts an absolute expiration into a duration from now. A zero deadline
// means DefaultTTL; a deadline not after now, or past now+MaxTTL, is invalid.
func Until(deadline, now time.Time) (time.Duration, error) {
	if deadline.IsZero() {
		return DefaultTTL, nil
	}
	d := deadline.Sub(now)
	if d <= 0 {
		return 0, lockError(ErrInvalidDuration, "expiration is not in the future")
	}
	return Duration(d)
}

func validateIDs(uid, owner string) error {
	if strings.TrimSpace(uid) == "" {
		return lockError(ErrInvalidArgument, "uid is required")
	}
	if strings.TrimSpace(owner) == "" {
		return lockError(ErrInvalidArgument, "owner is required")
	}
	return nil
}

func notHeld(uid, owner string) error {
	return lockError(ErrNotHeld, fmt.Sprintf("%q is not held by %q", uid, owner))
}
