package ecc

import (
	"bytes"
	"fmt"
)

// ToBridge re-encodes a classical frame into shard-aligned units. Each unit is
// the shard checksum followed by the shard, so a damaged unit is detected by
// the classical tier exactly like a damaged shard.
func ToBridge(c *Frame) (*Frame, error) {
	if c.Tier != TierClassical {
		return nil, fmt.Errorf("%w: cannot bridge a %s frame", ErrMalformedFrame, c.Tier)
	}
	unitLen := 0
	units := make([][]byte, len(c.Shards))
	for i, s := range c.Shards {
		if len(s) == 0 || i >= len(c.ShardSums) || len(c.ShardSums[i]) != shardSumLen {
			continue
		}
		u := make([]byte, 0, shardSumLen+len(s))
		u = append(u, c.ShardSums[i]...)
		u = append(u, s...)
		units[i] = u
		unitLen = len(u)
	}

	return &Frame{
		Tier:     TierBridge,
		Params:   c.Params,
		Size:     c.Size,
		Checksum: bytes.Clone(c.Checksum),
		UnitLen:  unitLen,
		Units:    units,
	}, nil
}

// FromBridge is the inverse of ToBridge. Units of the wrong length are
// treated as erased shards.
func FromBridge(b *Frame) (*Frame, error) {
	if b.Tier != TierBridge {
		return nil, fmt.Errorf("%w: cannot unbridge a %s frame", ErrMalformedFrame, b.Tier)
	}
	shards := make([][]byte, len(b.Units))
	sums := make([][]byte, len(b.Units))
	for i, u := range b.Units {
		if b.UnitLen <= shardSumLen || len(u) != b.UnitLen {
			sums[i] = make([]byte, shardSumLen)
			continue
		}
		sums[i] = bytes.Clone(u[:shardSumLen])
		shards[i] = bytes.Clone(u[shardSumLen:])
	}

	return &Frame{
		Tier:      TierClassical,
		Params:    b.Params,
		Size:      b.Size,
		Checksum:  bytes.Clone(b.Checksum),
		Shards:    shards,
		ShardSums: sums,
	}, nil
}
