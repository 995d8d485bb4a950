package codec

import (
	"errors"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/unkn0wn-root/leasecache/store"
)

type report struct {
	ID      string    `json:"id"`
	Pages   int       `json:"pages"`
	Created time.Time `json:"created"`
}

var sample = report{ID: "r-1", Pages: 12, Created: time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC)}

func roundTrip[V any](t *testing.T, c Codec[V], v V) V {
	t.Helper()
	p, err := EncodePayload(c, v)
	if err != nil {
		t.Fatalf("%T encode: %v", c, err)
	}
	if p.Kind() != store.KindBlob {
		t.Fatalf("%T produced %s payload", c, p.Kind())
	}
	out, err := DecodePayload(c, p)
	if err != nil {
		t.Fatalf("%T decode: %v", c, err)
	}
	return out
}

func TestCodecsRoundTrip(t *testing.T) {
	cb, err := NewCBOR[report](true)
	if err != nil {
		t.Fatalf("NewCBOR: %v", err)
	}
	codecs := []Codec[report]{
		JSON[report]{},
		JSON[report]{Strict: true},
		cb,
		Msgpack[report]{},
		Msgpack[report]{JSONTags: true},
		Limit[report]{Inner: JSON[report]{}, MaxEncode: 1 << 10, MaxDecode: 1 << 10},
	}
	for _, c := range codecs {
		got := roundTrip(t, c, sample)
		if got.ID != sample.ID || got.Pages != sample.Pages || !got.Created.Equal(sample.Created) {
			t.Fatalf("%T: got %+v", c, got)
		}
	}

	if s := roundTrip[string](t, String{}, "héllo"); s != "héllo" {
		t.Fatalf("String: %q", s)
	}
	if b := roundTrip[[]byte](t, Bytes{}, []byte{0, 1, 2}); len(b) != 3 || b[2] != 2 {
		t.Fatalf("Bytes: %v", b)
	}
}

func TestCBORDeterministic(t *testing.T) {
	c, err := NewCBOR[map[string]int](true)
	if err != nil {
		t.Fatalf("NewCBOR: %v", err)
	}
	m := map[string]int{"z": 1, "a": 2, "m": 3}
	first, _ := c.Encode(m)
	for i := 0; i < 20; i++ {
		b, _ := c.Encode(m)
		if string(b) != string(first) {
			t.Fatalf("encoding not stable")
		}
	}
}

func TestProtobufRoundTrip(t *testing.T) {
	c := NewProtobuf(func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} })
	out := roundTrip[*wrapperspb.StringValue](t, c, wrapperspb.String("payload"))
	if out.GetValue() != "payload" {
		t.Fatalf("value=%q", out.GetValue())
	}

	var nilCtor Protobuf[*wrapperspb.StringValue]
	if _, err := nilCtor.Decode([]byte{}); err == nil {
		t.Fatalf("expected error for missing constructor")
	}
}

func TestEncodeFailureIsSerializationError(t *testing.T) {
	_, err := EncodePayload[any](JSON[any]{}, make(chan int))
	if !errors.Is(err, ErrSerialization) {
		t.Fatalf("err=%v want ErrSerialization", err)
	}
	var se *SerializationError
	if !errors.As(err, &se) || se.Op != "encode" || !strings.Contains(se.Codec, "JSON") {
		t.Fatalf("se=%+v", se)
	}
}

func TestDecodeFailures(t *testing.T) {
	if _, err := DecodePayload[report](JSON[report]{}, store.URIRef("s3://b/k")); !errors.Is(err, ErrNotBlob) || !errors.Is(err, ErrSerialization) {
		t.Fatalf("uri decode: %v", err)
	}
	if _, err := DecodePayload[report](JSON[report]{}, store.Blob([]byte("{"))); !errors.Is(err, ErrSerialization) {
		t.Fatalf("corrupt decode: %v", err)
	}
	if _, err := DecodePayload[report](JSON[report]{Strict: true}, store.Blob([]byte(`{"id":"x","extra":1}`))); !errors.Is(err, ErrSerialization) {
		t.Fatalf("strict decode: %v", err)
	}
}

func TestLimit(t *testing.T) {
	c := Limit[string]{Inner: String{}, MaxEncode: 4, MaxDecode: 2}
	if _, err := c.Encode("12345"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("encode err=%v", err)
	}
	if _, err := c.Decode([]byte("123")); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("decode err=%v", err)
	}
	if _, err := EncodePayload[string](c, "12345"); !errors.Is(err, ErrSerialization) || !errors.Is(err, ErrTooLarge) {
		t.Fatalf("payload err=%v", err)
	}
	unlimited := Limit[string]{Inner: String{}}
	if s, err := unlimited.Decode([]byte("anything")); err != nil || s != "anything" {
		t.Fatalf("unlimited: %q %v", s, err)
	}
}
