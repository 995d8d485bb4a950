package store

import (
	"bytes"
	"time"
)

// DefaultRegion is used whenever a caller leaves the region empty.
const DefaultRegion = "default"

// Kind tags which variant a Payload carries.
type Kind uint8

const (
	KindNone Kind = iota
	KindBlob
	KindURI
)

func (k Kind) String() string {
	switch k {
	case KindBlob:
		return "blob"
	case KindURI:
		return "uri"
	default:
		return "none"
	}
}

// Payload is either an opaque byte blob or a URI pointing at content stored elsewhere.
// It is immutable: constructors and accessors copy, so a Payload can be shared freely.
type Payload struct {
	kind Kind
	blob []byte
	uri  string
}

// Blob wraps a copy of b.
func Blob(b []byte) Payload {
	return Payload{kind: KindBlob, blob: cloneBytes(b)}
}

// URIRef references externally stored content.
func URIRef(uri string) Payload {
	return Payload{kind: KindURI, uri: uri}
}

func (p Payload) Kind() Kind { return p.kind }

// Bytes returns a copy of the blob, or false for URI payloads.
func (p Payload) Bytes() ([]byte, bool) {
	if p.kind != KindBlob {
		return nil, false
	}
	return cloneBytes(p.blob), true
}

// URI returns the reference, or false for blob payloads.
func (p Payload) URI() (string, bool) {
	if p.kind != KindURI {
		return "", false
	}
	return p.uri, true
}

func (p Payload) IsZero() bool { return p.kind == KindNone }

// Len is the blob size or URI length.
func (p Payload) Len() int {
	if p.kind == KindURI {
		return len(p.uri)
	}
	return len(p.blob)
}

func (p Payload) Equal(o Payload) bool {
	if p.kind != o.kind {
		return false
	}
	if p.kind == KindURI {
		return p.uri == o.uri
	}
	return bytes.Equal(p.blob, o.blob)
}

// raw exposes the stored bytes without copying; package-internal only.
func (p Payload) raw() []byte {
	if p.kind == KindURI {
		return []byte(p.uri)
	}
	return p.blob
}

func (p Payload) validate() error {
	switch p.kind {
	case KindBlob:
		return nil
	case KindURI:
		if p.uri == "" {
			return ErrInvalidPayload
		}
		return nil
	default:
		return ErrInvalidPayload
	}
}

// Entry is a snapshot of one cached item. A zero ExpiresAt means it never expires.
type Entry struct {
	Key       string
	Region    string
	Payload   Payload
	ExpiresAt time.Time
}

// Live reports whether the entry is still visible at now.
func (e Entry) Live(now time.Time) bool {
	return e.ExpiresAt.IsZero() || e.ExpiresAt.After(now)
}

// Region normalizes an empty region to DefaultRegion.
func Region(r string) string {
	if r == "" {
		return DefaultRegion
	}
	return r
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
