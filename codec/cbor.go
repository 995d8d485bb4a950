package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// CBOR encodes with fxamacker/cbor. Build it with NewCBOR; the zero value has no
// modes set.
//
// Deterministic mode uses RFC 8949 core deterministic encoding, so equal values
// always produce equal bytes. Times are written as RFC3339Nano strings.
type CBOR[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec[struct{}] = CBOR[struct{}]{}

func NewCBOR[V any](deterministic bool) (CBOR[V], error) {
	eo := cbor.PreferredUnsortedEncOptions()
	if deterministic {
		eo = cbor.CoreDetEncOptions()
	}
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	dm, err := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	return CBOR[V]{enc: em, dec: dm}, nil
}

func (c CBOR[V]) Encode(v V) ([]byte, error) { return c.enc.Marshal(v) }

func (c CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	err := c.dec.Unmarshal(b, &v)
	return v, err
}
