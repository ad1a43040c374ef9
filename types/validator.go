package types

import (
	sdkmath "cosmossdk.io/math"
)

type Validator struct {
	ID        ValidatorID
	HomeChain ChainID
	Stake     sdkmath.Int
	// Delegations holds the ids of delegations that are not closed
	Delegations     map[uint64]struct{}
	SlashingHistory []*SlashRecord
	Retired         bool
}

type SlashRecord struct {
	Height  uint64
	Chain   ChainID
	Kind    EvidenceKind
	Penalty sdkmath.Int
}

func NewValidator(id ValidatorID, home ChainID, stake sdkmath.Int) *Validator {
	return &Validator{
		ID:          id,
		HomeChain:   home,
		Stake:       stake,
		Delegations: make(map[uint64]struct{}),
	}
}

func (v *Validator) Clone() *Validator {
	c := *v
	c.Delegations = make(map[uint64]struct{}, len(v.Delegations))
	for id := range v.Delegations {
		c.Delegations[id] = struct{}{}
	}
	c.SlashingHistory = append([]*SlashRecord(nil), v.SlashingHistory...)
	return &c
}
