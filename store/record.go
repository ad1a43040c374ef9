package store

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Record builds a flat protobuf wire message field by field.
type Record struct {
	buf []byte
}

func NewRecord() *Record {
	return &Record{}
}

func (r *Record) Uint64(num protowire.Number, v uint64) *Record {
	r.buf = protowire.AppendTag(r.buf, num, protowire.VarintType)
	r.buf = protowire.AppendVarint(r.buf, v)
	return r
}

func (r *Record) Bool(num protowire.Number, v bool) *Record {
	return r.Uint64(num, protowire.EncodeBool(v))
}

func (r *Record) Bytes(num protowire.Number, v []byte) *Record {
	r.buf = protowire.AppendTag(r.buf, num, protowire.BytesType)
	r.buf = protowire.AppendBytes(r.buf, v)
	return r
}

func (r *Record) String(num protowire.Number, v string) *Record {
	r.buf = protowire.AppendTag(r.buf, num, protowire.BytesType)
	r.buf = protowire.AppendString(r.buf, v)
	return r
}

func (r *Record) Marshal() []byte {
	return r.buf
}

// Fields is a parsed record. Missing fields read as zero values and repeated
// length-delimited fields keep their order.
type Fields struct {
	varints map[protowire.Number]uint64
	bytes   map[protowire.Number][][]byte
}

func ParseRecord(b []byte) (*Fields, error) {
	f := &Fields{
		varints: make(map[protowire.Number]uint64),
		bytes:   make(map[protowire.Number][][]byte),
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			f.varints[num] = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			f.bytes[num] = append(f.bytes[num], bytes.Clone(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	return f, nil
}

func (f *Fields) Uint64(num protowire.Number) uint64 {
	return f.varints[num]
}

func (f *Fields) Bool(num protowire.Number) bool {
	return protowire.DecodeBool(f.varints[num])
}

func (f *Fields) Bytes(num protowire.Number) []byte {
	vs := f.bytes[num]
	if len(vs) == 0 {
		return nil
	}
	return vs[len(vs)-1]
}

func (f *Fields) String(num protowire.Number) string {
	return string(f.Bytes(num))
}

func (f *Fields) RepeatedBytes(num protowire.Number) [][]byte {
	return f.bytes[num]
}

func (f *Fields) Has(num protowire.Number) bool {
	_, isVarint := f.varints[num]
	_, isBytes := f.bytes[num]
	return isVarint || isBytes
}
