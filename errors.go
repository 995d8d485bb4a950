package leasecache

import (
	"errors"
	"fmt"
	"time"

	"github.com/unkn0wn-root/leasecache/codec"
	"github.com/unkn0wn-root/leasecache/lock"
	"github.com/unkn0wn-root/leasecache/record"
	"github.com/unkn0wn-root/leasecache/store"
)

// Error taxonomy. Backends wrap these; match with errors.Is.
var (
	ErrNotFound        = store.ErrNotFound
	ErrDenied          = lock.ErrDenied
	ErrNotHeld         = lock.ErrNotHeld
	ErrInvalidDuration = lock.ErrInvalidDuration
	ErrSerialization   = codec.ErrSerialization
	ErrInvalidRecord   = record.ErrInvalidRecord

	ErrBusy        = errors.New("leasecache: busy")
	ErrLeaseLost   = errors.New("leasecache: lease lost while populating")
	ErrInvalidWait = errors.New("leasecache: max wait must not be negative")
)

// BusyError is returned by GetOrPopulate when another owner holds the lease and the
// caller either chose best effort or ran out of wait budget.
type BusyError struct {
	Key       string
	Region    string
	Holder    string
	ExpiresAt time.Time     // holder's lease deadline, when known
	Waited    time.Duration // zero for best effort
}

func (e *BusyError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("leasecache: %s/%s busy after %s", e.Region, e.Key, e.Waited)
	}
	return fmt.Sprintf("leasecache: %s/%s busy: lease held by %q until %s (waited %s)",
		e.Region, e.Key, e.Holder, e.ExpiresAt.UTC().Format(time.RFC3339), e.Waited)
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }

func busyFrom(region, key string, err error, waited time.Duration) *BusyError {
	b := &BusyError{Key: key, Region: region, Waited: waited}
	var d *lock.DeniedError
	if errors.As(err, &d) {
		b.Holder, b.ExpiresAt = d.Owner, d.ExpiresAt
	}
	return b
}
