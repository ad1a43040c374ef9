package ecc

import (
	"bytes"
	"fmt"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"
)

const (
	shardSumLen = 8
	checksumLen = 32
)

func encodeClassical(payload []byte, p Params) (*Frame, error) {
	enc, err := reedsolomon.New(p.DataShards, p.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	// Split refuses empty input, so an empty payload is carried as one zero byte.
	data := make([]byte, len(payload), len(payload)+1)
	copy(data, payload)
	if len(data) == 0 {
		data = append(data, 0)
	}

	shards, err := enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("failed to split payload: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("failed to compute parity: %w", err)
	}

	sums := make([][]byte, len(shards))
	for i, s := range shards {
		sums[i] = shardChecksum(i, s)
	}

	return &Frame{
		Tier:      TierClassical,
		Params:    p,
		Size:      len(payload),
		Checksum:  payloadChecksum(payload),
		Shards:    shards,
		ShardSums: sums,
	}, nil
}

func decodeClassical(f *Frame) ([]byte, error) {
	p := f.Params
	if err := p.Validate(); err != nil {
		return nil, newDecodeError(TierClassical, fmt.Errorf("%w: %v", ErrMalformedFrame, err))
	}
	total := p.DataShards + p.ParityShards
	if len(f.Shards) != total || len(f.ShardSums) != total {
		return nil, newDecodeError(TierClassical, fmt.Errorf("%w: expected %d shards, got %d",
			ErrMalformedFrame, total, len(f.Shards)))
	}

	enc, err := reedsolomon.New(p.DataShards, p.ParityShards)
	if err != nil {
		return nil, newDecodeError(TierClassical, fmt.Errorf("%w: %v", ErrMalformedFrame, err))
	}

	shards := make([][]byte, total)
	shardLen := -1
	erased := 0
	for i, s := range f.Shards {
		if len(s) == 0 || !bytes.Equal(shardChecksum(i, s), f.ShardSums[i]) {
			erased++
			continue
		}
		if shardLen >= 0 && len(s) != shardLen {
			erased++
			continue
		}
		shardLen = len(s)
		shards[i] = bytes.Clone(s)
	}
	if erased > p.ParityShards {
		return nil, newDecodeError(TierClassical, fmt.Errorf("%w: %d of %d shards erased with %d parity",
			ErrUnrecoverableErasure, erased, total, p.ParityShards))
	}
	if erased > 0 {
		if err := enc.ReconstructData(shards); err != nil {
			return nil, newDecodeError(TierClassical, fmt.Errorf("%w: %v", ErrUnrecoverableErasure, err))
		}
	}

	var buf bytes.Buffer
	if err := enc.Join(&buf, shards, f.Size); err != nil {
		return nil, newDecodeError(TierClassical, fmt.Errorf("%w: %v", ErrUnrecoverableErasure, err))
	}
	payload := buf.Bytes()
	if !bytes.Equal(payloadChecksum(payload), f.Checksum) {
		return nil, newDecodeError(TierClassical, fmt.Errorf("%w: payload checksum mismatch", ErrUnrecoverableErasure))
	}
	return payload, nil
}

func shardChecksum(index int, shard []byte) []byte {
	h := sha3.New256()
	h.Write([]byte{byte(index >> 8), byte(index)})
	h.Write(shard)
	return h.Sum(nil)[:shardSumLen]
}

func payloadChecksum(payload []byte) []byte {
	sum := sha3.Sum256(payload)
	return sum[:]
}
