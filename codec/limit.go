package codec

import (
	"errors"
	"fmt"
)

var ErrTooLarge = errors.New("payload too large")

// Limit bounds payload size around another codec. A limit <= 0 is disabled.
// Encode checks after encoding, so an oversized value is never stored;
// Decode checks before Inner runs, so oversized input is never parsed.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxEncode int
	MaxDecode int
}

func (c Limit[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if c.MaxEncode > 0 && len(b) > c.MaxEncode {
		return nil, fmt.Errorf("%w: encoded %d > %d", ErrTooLarge, len(b), c.MaxEncode)
	}
	return b, nil
}

func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("%w: input %d > %d", ErrTooLarge, len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}
