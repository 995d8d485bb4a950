package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack encodes with vmihailenco/msgpack. With JSONTags set, `json:"..."` struct
// tags name the fields, so one struct can serve both formats.
type Msgpack[V any] struct {
	JSONTags bool
}

var _ Codec[struct{}] = Msgpack[struct{}]{}

func (c Msgpack[V]) Encode(v V) ([]byte, error) {
	if !c.JSONTags {
		return msgpack.Marshal(v)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	if !c.JSONTags {
		err := msgpack.Unmarshal(b, &v)
		return v, err
	}
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	err := dec.Decode(&v)
	return v, err
}
