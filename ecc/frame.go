package ecc

import (
	"bytes"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frame is an encoded payload. Which fields are populated depends on Tier:
// classical frames carry shards, bridge frames carry units and quantum frames
// carry one lattice per unit.
type Frame struct {
	Tier     Tier
	Params   Params
	Size     int
	Checksum []byte

	Shards    [][]byte
	ShardSums [][]byte

	UnitLen int
	Units   [][]byte

	// Lattices hold one physical qubit per byte, d*d qubits per encoded bit.
	Lattices [][]byte
}

func (f *Frame) Clone() *Frame {
	c := *f
	c.Checksum = bytes.Clone(f.Checksum)
	c.Shards = cloneAll(f.Shards)
	c.ShardSums = cloneAll(f.ShardSums)
	c.Units = cloneAll(f.Units)
	c.Lattices = cloneAll(f.Lattices)
	return &c
}

func cloneAll(in [][]byte) [][]byte {
	if in == nil {
		return nil
	}
	out := make([][]byte, len(in))
	for i, b := range in {
		out[i] = bytes.Clone(b)
	}
	return out
}

const (
	fieldTier           protowire.Number = 1
	fieldDataShards     protowire.Number = 2
	fieldParityShards   protowire.Number = 3
	fieldCodeDistance   protowire.Number = 4
	fieldErrorThreshold protowire.Number = 5
	fieldSize           protowire.Number = 6
	fieldChecksum       protowire.Number = 7
	fieldShard          protowire.Number = 8
	fieldShardSum       protowire.Number = 9
	fieldUnitLen        protowire.Number = 10
	fieldUnit           protowire.Number = 11
	fieldLattice        protowire.Number = 12
)

// Marshal encodes the frame in protobuf wire format. Lattices are bit-packed.
// Erased entries are kept as empty values so shard indexes survive.
func (f *Frame) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldTier, uint64(f.Tier))
	b = appendVarint(b, fieldDataShards, uint64(f.Params.DataShards))
	b = appendVarint(b, fieldParityShards, uint64(f.Params.ParityShards))
	b = appendVarint(b, fieldCodeDistance, uint64(f.Params.CodeDistance))
	b = protowire.AppendTag(b, fieldErrorThreshold, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(f.Params.ErrorThreshold))
	b = appendVarint(b, fieldSize, uint64(f.Size))
	b = appendBytes(b, fieldChecksum, f.Checksum)
	for _, s := range f.Shards {
		b = appendBytes(b, fieldShard, s)
	}
	for _, s := range f.ShardSums {
		b = appendBytes(b, fieldShardSum, s)
	}
	b = appendVarint(b, fieldUnitLen, uint64(f.UnitLen))
	for _, u := range f.Units {
		b = appendBytes(b, fieldUnit, u)
	}
	for _, l := range f.Lattices {
		b = appendBytes(b, fieldLattice, packBits(l))
	}
	return b
}

// UnmarshalFrame parses a frame produced by Marshal.
func UnmarshalFrame(b []byte) (*Frame, error) {
	f := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n))
			}
			b = b[n:]
			if v > math.MaxInt32 {
				return nil, malformed(fmt.Errorf("field %d out of range", num))
			}
			switch num {
			case fieldTier:
				f.Tier = Tier(v)
			case fieldDataShards:
				f.Params.DataShards = int(v)
			case fieldParityShards:
				f.Params.ParityShards = int(v)
			case fieldCodeDistance:
				f.Params.CodeDistance = int(v)
			case fieldSize:
				f.Size = int(v)
			case fieldUnitLen:
				f.UnitLen = int(v)
			}
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldErrorThreshold {
				f.Params.ErrorThreshold = math.Float64frombits(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n))
			}
			b = b[n:]
			v = bytes.Clone(v)
			switch num {
			case fieldChecksum:
				f.Checksum = v
			case fieldShard:
				f.Shards = append(f.Shards, v)
			case fieldShardSum:
				f.ShardSums = append(f.ShardSums, v)
			case fieldUnit:
				f.Units = append(f.Units, v)
			case fieldLattice:
				f.Lattices = append(f.Lattices, unpackBits(v))
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if f.Tier < TierClassical || f.Tier > TierQuantum {
		return nil, malformed(fmt.Errorf("unknown tier %d", f.Tier))
	}
	return f, nil
}

func malformed(err error) error {
	return newDecodeError(TierClassical, fmt.Errorf("%w: %v", ErrMalformedFrame, err))
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func packBits(qubits []byte) []byte {
	out := make([]byte, (len(qubits)+7)/8)
	for i, q := range qubits {
		if q&1 == 1 {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}

func unpackBits(packed []byte) []byte {
	out := make([]byte, len(packed)*8)
	for i := range out {
		out[i] = (packed[i/8] >> (7 - uint(i%8))) & 1
	}
	return out
}
