package ecc

import (
	"fmt"
	"strings"
)

// Tier selects how much protection a payload receives. Tiers are cumulative.
type Tier int32

const (
	TierClassical Tier = iota
	TierBridge
	TierQuantum
)

func (t Tier) String() string {
	switch t {
	case TierClassical:
		return "classical"
	case TierBridge:
		return "bridge"
	case TierQuantum:
		return "quantum"
	default:
		return fmt.Sprintf("tier(%d)", int32(t))
	}
}

func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(s) {
	case "classical":
		return TierClassical, nil
	case "bridge":
		return TierBridge, nil
	case "quantum":
		return TierQuantum, nil
	default:
		return 0, fmt.Errorf("%w: unknown tier %q", ErrInvalidParams, s)
	}
}

const (
	DefaultDataShards     = 8
	DefaultParityShards   = 4
	DefaultCodeDistance   = 3
	DefaultErrorThreshold = 0.01

	// MaxTotalShards is the largest shard count the GF(2^8) code supports.
	MaxTotalShards  = 256
	MinCodeDistance = 3
	MaxCodeDistance = 11
)

// Params are the redundancy parameters of a frame.
type Params struct {
	DataShards   int
	ParityShards int
	// CodeDistance is the surface-code distance used at the quantum tier.
	// It must be odd.
	CodeDistance int
	// ErrorThreshold is the highest physical error rate the quantum tier
	// accepts before it declares the syndrome undecodable.
	ErrorThreshold float64
}

func DefaultParams() Params {
	return Params{
		DataShards:     DefaultDataShards,
		ParityShards:   DefaultParityShards,
		CodeDistance:   DefaultCodeDistance,
		ErrorThreshold: DefaultErrorThreshold,
	}
}

func (p Params) Validate() error {
	if p.DataShards < 1 {
		return fmt.Errorf("%w: data shards must be positive, got %d", ErrInvalidParams, p.DataShards)
	}
	if p.ParityShards < 1 {
		return fmt.Errorf("%w: parity shards must be positive, got %d", ErrInvalidParams, p.ParityShards)
	}
	if p.DataShards+p.ParityShards > MaxTotalShards {
		return fmt.Errorf("%w: at most %d shards are supported, got %d",
			ErrInvalidParams, MaxTotalShards, p.DataShards+p.ParityShards)
	}
	if p.CodeDistance < MinCodeDistance || p.CodeDistance > MaxCodeDistance || p.CodeDistance%2 == 0 {
		return fmt.Errorf("%w: code distance must be odd and within [%d, %d], got %d",
			ErrInvalidParams, MinCodeDistance, MaxCodeDistance, p.CodeDistance)
	}
	if p.ErrorThreshold <= 0 || p.ErrorThreshold >= 1 {
		return fmt.Errorf("%w: error threshold must be within (0, 1), got %v", ErrInvalidParams, p.ErrorThreshold)
	}
	return nil
}

// Escalate returns stronger parameters: one more parity shard and the next
// code distance. The second return value is false once both limits are hit.
func (p Params) Escalate() (Params, bool) {
	next := p
	if next.DataShards+next.ParityShards < MaxTotalShards {
		next.ParityShards++
	}
	if next.CodeDistance+2 <= MaxCodeDistance {
		next.CodeDistance += 2
	}
	return next, next != p
}

// CorrectableErrors is the number of bit flips a single patch can correct.
func (p Params) CorrectableErrors() int {
	return (p.CodeDistance - 1) / 2
}
