// Package record holds the JSON records exchanged at the service boundary and
// converts them to and from store and lock values.
//
// Field names are the stable external vocabulary and must not change.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/unkn0wn-root/leasecache/lock"
	"github.com/unkn0wn-root/leasecache/store"
)

var ErrInvalidRecord = errors.New("leasecache: invalid record")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

// CacheRecord carries exactly one of CacheBlobBinary (non-nil) or CacheBlobURI.
type CacheRecord struct {
	CacheKey            string     `json:"cacheKey"`
	CacheBlobBinary     []byte     `json:"cacheBlobBinary"`
	CacheBlobURI        string     `json:"cacheBlobURI,omitempty"`
	CacheRegion         string     `json:"cacheRegion,omitempty"`
	CacheExpirationTime *time.Time `json:"cacheExpirationTime,omitempty"`
}

// MarshalJSON omits cacheBlobBinary from URI records. An empty blob still
// encodes as "" so it stays distinguishable from a URI.
func (r CacheRecord) MarshalJSON() ([]byte, error) {
	type plain CacheRecord
	if r.CacheBlobBinary != nil {
		return json.Marshal(plain(r))
	}
	return json.Marshal(struct {
		plain
		CacheBlobBinary []byte `json:"cacheBlobBinary,omitempty"`
	}{plain: plain(r)})
}

func (r CacheRecord) Validate() error {
	if strings.TrimSpace(r.CacheKey) == "" {
		return invalid("cacheKey is required")
	}
	hasBlob, hasURI := r.CacheBlobBinary != nil, r.CacheBlobURI != ""
	switch {
	case hasBlob && hasURI:
		return invalid("cacheBlobBinary and cacheBlobURI are mutually exclusive")
	case !hasBlob && !hasURI:
		return invalid("one of cacheBlobBinary or cacheBlobURI is required")
	}
	return nil
}

// Payload returns the tagged payload the record carries.
func (r CacheRecord) Payload() (store.Payload, error) {
	if err := r.Validate(); err != nil {
		return store.Payload{}, err
	}
	if r.CacheBlobBinary != nil {
		return store.Blob(r.CacheBlobBinary), nil
	}
	return store.URIRef(r.CacheBlobURI), nil
}

// Region returns CacheRegion, defaulted.
func (r CacheRecord) Region() string { return store.Region(r.CacheRegion) }

// TTL converts the absolute expiration into a duration from now. Absent means the
// entry never expires (0); an expiration not after now is rejected.
func (r CacheRecord) TTL(now time.Time) (time.Duration, error) {
	if r.CacheExpirationTime == nil || r.CacheExpirationTime.IsZero() {
		return 0, nil
	}
	d := r.CacheExpirationTime.Sub(now)
	if d <= 0 {
		return 0, invalid("cacheExpirationTime %s is not in the future", r.CacheExpirationTime.UTC().Format(time.RFC3339))
	}
	return d, nil
}

// FromEntry renders a stored entry for the wire.
func FromEntry(e store.Entry) CacheRecord {
	r := CacheRecord{CacheKey: e.Key, CacheRegion: e.Region}
	if b, ok := e.Payload.Bytes(); ok {
		if b == nil {
			b = []byte{}
		}
		r.CacheBlobBinary = b
	} else if uri, ok := e.Payload.URI(); ok {
		r.CacheBlobURI = uri
	}
	if !e.ExpiresAt.IsZero() {
		exp := e.ExpiresAt
		r.CacheExpirationTime = &exp
	}
	return r
}

// LockRequest asks for (or renews) a lease. LockExpiration is absolute; absent
// means now + lock.DefaultTTL.
type LockRequest struct {
	UID            string     `json:"UID"`
	LockOwner      string     `json:"lockOwner"`
	LockExpiration *time.Time `json:"lockExpiration,omitempty"`
}

func (r LockRequest) Validate() error {
	if strings.TrimSpace(r.UID) == "" {
		return invalid("UID is required")
	}
	if strings.TrimSpace(r.LockOwner) == "" {
		return invalid("lockOwner is required")
	}
	return nil
}

// TTL resolves LockExpiration against now. Past expirations and expirations beyond
// now + lock.MaxTTL fail with lock.ErrInvalidDuration.
func (r LockRequest) TTL(now time.Time) (time.Duration, error) {
	if r.LockExpiration == nil {
		return lock.DefaultTTL, nil
	}
	return lock.Until(*r.LockExpiration, now)
}

// LockGrant acknowledges a granted or renewed lease.
type LockGrant struct {
	UID            string    `json:"UID"`
	LockOwner      string    `json:"lockOwner"`
	LockExpiration time.Time `json:"lockExpiration"`
	Fence          uint64    `json:"fence,omitempty"`
}

func GrantFromLease(l lock.Lease) LockGrant {
	return LockGrant{UID: l.UID, LockOwner: l.Owner, LockExpiration: l.ExpiresAt, Fence: l.Fence}
}

// LockDenied names the live holder that refused a request.
type LockDenied struct {
	UID            string    `json:"UID"`
	LockOwner      string    `json:"lockOwner"`
	LockExpiration time.Time `json:"lockExpiration"`
}

// DeniedFromError extracts the holder from a denial, if err is one.
func DeniedFromError(err error) (LockDenied, bool) {
	var d *lock.DeniedError
	if !errors.As(err, &d) {
		return LockDenied{}, false
	}
	return LockDenied{UID: d.UID, LockOwner: d.Owner, LockExpiration: d.ExpiresAt}, true
}
