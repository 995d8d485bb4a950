package codec

import (
	"bytes"
	"encoding/json"
)

// JSON encodes with encoding/json. Strict rejects unknown fields on decode, which
// catches producers and consumers drifting apart on a shared region.
type JSON[V any] struct {
	Strict bool
}

var _ Codec[struct{}] = JSON[struct{}]{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }

func (c JSON[V]) Decode(b []byte) (V, error) {
	var v V
	if !c.Strict {
		err := json.Unmarshal(b, &v)
		return v, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	err := dec.Decode(&v)
	return v, err
}
