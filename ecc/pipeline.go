package ecc

import "fmt"

// Encode protects payload at the given tier. A bridge frame wraps a classical
// encoding and a quantum frame wraps a bridge frame.
func Encode(payload []byte, tier Tier, params Params) (*Frame, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if tier < TierClassical || tier > TierQuantum {
		return nil, fmt.Errorf("%w: unknown tier %d", ErrInvalidParams, tier)
	}

	f, err := encodeClassical(payload, params)
	if err != nil {
		return nil, err
	}
	if tier == TierClassical {
		return f, nil
	}
	f, err = ToBridge(f)
	if err != nil {
		return nil, err
	}
	if tier == TierBridge {
		return f, nil
	}
	return Lift(f)
}

// Decode recovers the payload of f or returns a *DecodeError naming the tier
// that could not recover it.
func Decode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, newDecodeError(TierClassical, fmt.Errorf("%w: nil frame", ErrMalformedFrame))
	}

	var err error
	switch f.Tier {
	case TierQuantum:
		if f, err = Lower(f); err != nil {
			return nil, err
		}
		fallthrough
	case TierBridge:
		if f, err = FromBridge(f); err != nil {
			return nil, newDecodeError(TierBridge, err)
		}
		fallthrough
	case TierClassical:
		return decodeClassical(f)
	default:
		return nil, newDecodeError(TierClassical, fmt.Errorf("%w: unknown tier %d", ErrMalformedFrame, f.Tier))
	}
}
