// Package codec converts application values to and from the opaque bytes a cache
// entry carries. The store never looks inside a payload; every conversion happens
// here and fails with ErrSerialization rather than storing a partial value.
package codec

import (
	"errors"
	"fmt"

	"github.com/unkn0wn-root/leasecache/store"
)

// Codec encodes/decodes values V to []byte.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

var (
	ErrSerialization = errors.New("leasecache: serialization failed")
	ErrNotBlob       = errors.New("payload is a uri reference, not a blob")
)

// SerializationError reports which codec failed and in which direction.
type SerializationError struct {
	Codec string // concrete codec type
	Op    string // "encode" or "decode"
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("leasecache: %s %s: %v", e.Codec, e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

func serializationError(c any, op string, err error) error {
	return &SerializationError{Codec: fmt.Sprintf("%T", c), Op: op, Err: err}
}

// EncodePayload turns v into a blob payload. On failure nothing usable is returned.
func EncodePayload[V any](c Codec[V], v V) (store.Payload, error) {
	b, err := c.Encode(v)
	if err != nil {
		return store.Payload{}, serializationError(c, "encode", err)
	}
	return store.Blob(b), nil
}

// DecodePayload decodes a blob payload. URI payloads cannot be decoded locally and
// fail with ErrNotBlob (still an ErrSerialization).
func DecodePayload[V any](c Codec[V], p store.Payload) (V, error) {
	var zero V
	b, ok := p.Bytes()
	if !ok {
		return zero, serializationError(c, "decode", ErrNotBlob)
	}
	v, err := c.Decode(b)
	if err != nil {
		return zero, serializationError(c, "decode", err)
	}
	return v, nil
}
