package ecc

import (
	"bytes"
	"fmt"
)

// Lift encodes every bit of every bridge unit as a logical qubit of a
// surface-code patch. An erased unit yields an empty lattice.
func Lift(b *Frame) (*Frame, error) {
	if b.Tier != TierBridge {
		return nil, fmt.Errorf("%w: cannot lift a %s frame", ErrMalformedFrame, b.Tier)
	}
	code, err := surfaceCodeFor(b.Params.CodeDistance)
	if err != nil {
		return nil, err
	}

	n := code.numQubits
	lattices := make([][]byte, len(b.Units))
	for i, u := range b.Units {
		if len(u) != b.UnitLen {
			continue
		}
		lattice := make([]byte, len(u)*8*n)
		for bit := 0; bit < len(u)*8; bit++ {
			v := (u[bit/8] >> (7 - uint(bit%8))) & 1
			code.encode(lattice[bit*n:(bit+1)*n], v)
		}
		lattices[i] = lattice
	}

	return &Frame{
		Tier:     TierQuantum,
		Params:   b.Params,
		Size:     b.Size,
		Checksum: bytes.Clone(b.Checksum),
		UnitLen:  b.UnitLen,
		Lattices: lattices,
	}, nil
}

// Lower decodes every patch back into bridge units. A unit with a patch that
// cannot be corrected is handed to the classical tier as an erasure. Lower
// fails outright when the observed physical error rate is above the frame's
// threshold.
func Lower(q *Frame) (*Frame, error) {
	if q.Tier != TierQuantum {
		return nil, fmt.Errorf("%w: cannot lower a %s frame", ErrMalformedFrame, q.Tier)
	}
	code, err := surfaceCodeFor(q.Params.CodeDistance)
	if err != nil {
		return nil, newDecodeError(TierQuantum, fmt.Errorf("%w: %v", ErrMalformedFrame, err))
	}

	n := code.numQubits
	want := q.UnitLen * 8 * n
	units := make([][]byte, len(q.Lattices))
	weight, physical := 0, 0
	for i, lattice := range q.Lattices {
		if q.UnitLen == 0 || len(lattice) != want {
			continue
		}
		physical += len(lattice)
		unit := make([]byte, q.UnitLen)
		intact := true
		for bit := 0; bit < q.UnitLen*8; bit++ {
			v, w, ok := code.decode(lattice[bit*n : (bit+1)*n])
			weight += w
			if !ok {
				intact = false
				continue
			}
			unit[bit/8] |= v << (7 - uint(bit%8))
		}
		if intact {
			units[i] = unit
		}
	}

	if physical == 0 {
		return nil, newDecodeError(TierQuantum, fmt.Errorf("%w: no lattice survived", ErrSyndromeDecodeFailure))
	}
	rate := float64(weight) / float64(physical)
	if rate > q.Params.ErrorThreshold {
		return nil, newDecodeError(TierQuantum, fmt.Errorf("%w: physical error rate %.4f above threshold %.4f",
			ErrSyndromeDecodeFailure, rate, q.Params.ErrorThreshold))
	}

	return &Frame{
		Tier:     TierBridge,
		Params:   q.Params,
		Size:     q.Size,
		Checksum: bytes.Clone(q.Checksum),
		UnitLen:  q.UnitLen,
		Units:    units,
	}, nil
}
