package codec

import (
	"errors"

	"google.golang.org/protobuf/proto"
)

// Protobuf encodes proto messages deterministically. New must return a fresh,
// empty message of the concrete type, e.g. func() *pb.Report { return new(pb.Report) }.
type Protobuf[T proto.Message] struct {
	New func() T
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{New: ctor}
}

var marshalOpts = proto.MarshalOptions{Deterministic: true}

func (c Protobuf[T]) Encode(v T) ([]byte, error) { return marshalOpts.Marshal(v) }

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	if c.New == nil {
		var zero T
		return zero, errors.New("protobuf codec: New is nil")
	}
	m := c.New()
	err := proto.Unmarshal(b, m)
	return m, err
}
