package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	version byte = 1

	KindBlob byte = 1
	KindURI  byte = 2
)

var (
	ErrCorrupt = errors.New("leasecache: corrupt entry")
	magic4     = [...]byte{'L', 'C', 'E', 'N'}
)

// Record is the framed form of a cache entry. ExpiresAt is unix nanos; 0 => never.
type Record struct {
	Kind      byte
	ExpiresAt int64
	Region    string
	Key       string
	Data      []byte // blob bytes or URI text
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames r as:
//
//	magic(4) | ver(1) | kind(1) | expiresAt(i64 be) | rlen(u16 be) | region | klen(u16 be) | key | vlen(u32 be) | data
func Encode(r Record) ([]byte, error) {
	if r.Kind != KindBlob && r.Kind != KindURI {
		return nil, fmt.Errorf("leasecache: invalid record kind %d", r.Kind)
	}
	if l := len(r.Key); l == 0 || l > 0xFFFF {
		return nil, fmt.Errorf("leasecache: invalid key length %d", l)
	}
	if l := len(r.Region); l == 0 || l > 0xFFFF {
		return nil, fmt.Errorf("leasecache: invalid region length %d", l)
	}

	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 2 + len(r.Region) + 2 + len(r.Key) + 4 + len(r.Data))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(r.Kind)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(r.ExpiresAt))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(r.Region)))
	buf.Write(u2[:])
	buf.WriteString(r.Region)

	binary.BigEndian.PutUint16(u2[:], uint16(len(r.Key)))
	buf.Write(u2[:])
	buf.WriteString(r.Key)

	binary.BigEndian.PutUint32(u4[:], uint32(len(r.Data)))
	buf.Write(u4[:])
	buf.Write(r.Data)

	return buf.Bytes(), nil
}

// Decode parses a framed record. Data aliases b; callers copy before retaining.
func Decode(b []byte) (Record, error) {
	const hdr = 4 + 1 + 1 + 8
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return Record{}, ErrCorrupt
	}
	kind := b[5]
	if kind != KindBlob && kind != KindURI {
		return Record{}, ErrCorrupt
	}
	off := 6

	exp := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	region, off, ok := readString16(b, off)
	if !ok {
		return Record{}, ErrCorrupt
	}
	key, off, ok := readString16(b, off)
	if !ok {
		return Record{}, ErrCorrupt
	}

	if off+4 > len(b) {
		return Record{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // exact: trailing bytes are corruption
		return Record{}, ErrCorrupt
	}

	return Record{
		Kind:      kind,
		ExpiresAt: exp,
		Region:    region,
		Key:       key,
		Data:      b[off : off+vlen],
	}, nil
}

func readString16(b []byte, off int) (string, int, bool) {
	if off+2 > len(b) {
		return "", off, false
	}
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if n == 0 || n > len(b)-off {
		return "", off, false
	}
	return string(b[off : off+n]), off + n, true
}
