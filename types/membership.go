package types

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
)

type MembershipStatus int32

const (
	MembershipStatus_PENDING   MembershipStatus = 0
	MembershipStatus_ACTIVE    MembershipStatus = 1
	MembershipStatus_SUSPENDED MembershipStatus = 2
	MembershipStatus_REVOKED   MembershipStatus = 3
)

var membershipStatusNames = map[MembershipStatus]string{
	MembershipStatus_PENDING:   "PENDING",
	MembershipStatus_ACTIVE:    "ACTIVE",
	MembershipStatus_SUSPENDED: "SUSPENDED",
	MembershipStatus_REVOKED:   "REVOKED",
}

func (s MembershipStatus) String() string {
	if name, ok := membershipStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("MembershipStatus(%d)", int32(s))
}

type EvictionReason int32

const (
	EvictionReason_FORCED_UNWIND EvictionReason = 0
	EvictionReason_EQUIVOCATION  EvictionReason = 1
	EvictionReason_DOWNTIME      EvictionReason = 2
	EvictionReason_UNWIND        EvictionReason = 3
	EvictionReason_FILL_ABORTED  EvictionReason = 4
)

var evictionReasonNames = map[EvictionReason]string{
	EvictionReason_FORCED_UNWIND: "FORCED_UNWIND",
	EvictionReason_EQUIVOCATION:  "EQUIVOCATION",
	EvictionReason_DOWNTIME:      "DOWNTIME",
	EvictionReason_UNWIND:        "UNWIND",
	EvictionReason_FILL_ABORTED:  "FILL_ABORTED",
}

func (r EvictionReason) String() string {
	if name, ok := evictionReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("EvictionReason(%d)", int32(r))
}

// Suspends returns true if the reason is misbehaviour evidence rather than a
// loss of backing stake
func (r EvictionReason) Suspends() bool {
	return r == EvictionReason_EQUIVOCATION || r == EvictionReason_DOWNTIME
}

type ChainMembership struct {
	Chain     ChainID
	Validator ValidatorID
	// Weight equals the amount of the backing active delegation
	Weight   sdkmath.Int
	Status   MembershipStatus
	Admitted bool
	// DelegationID is the delegation backing the membership
	DelegationID uint64
}

func (m *ChainMembership) Clone() *ChainMembership {
	c := *m
	return &c
}

// WeightedValidator is one entry of a chain's effective set
type WeightedValidator struct {
	Validator ValidatorID
	Weight    sdkmath.Int
}
