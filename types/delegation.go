package types

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
)

type DelegationStatus int32

const (
	// REQUESTED defines a delegation that passed the collateral check and waits for
	// its capability to be provisioned
	DelegationStatus_REQUESTED DelegationStatus = 0
	// PROVISIONED defines a delegation whose capability slot is reserved on both
	// chains but not yet committed
	DelegationStatus_PROVISIONED DelegationStatus = 1
	// ACTIVE defines a delegation that secures the guest chain
	DelegationStatus_ACTIVE DelegationStatus = 2
	// UNWINDING defines a delegation that lost its security role and waits for
	// the capability kill and the unlock height
	DelegationStatus_UNWINDING DelegationStatus = 3
	// CLOSED is terminal
	DelegationStatus_CLOSED DelegationStatus = 4
)

var delegationStatusNames = map[DelegationStatus]string{
	DelegationStatus_REQUESTED:   "REQUESTED",
	DelegationStatus_PROVISIONED: "PROVISIONED",
	DelegationStatus_ACTIVE:      "ACTIVE",
	DelegationStatus_UNWINDING:   "UNWINDING",
	DelegationStatus_CLOSED:      "CLOSED",
}

func (s DelegationStatus) String() string {
	if name, ok := delegationStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("DelegationStatus(%d)", int32(s))
}

// DelegationStatuses lists every status in lifecycle order
func DelegationStatuses() []DelegationStatus {
	return []DelegationStatus{
		DelegationStatus_REQUESTED,
		DelegationStatus_PROVISIONED,
		DelegationStatus_ACTIVE,
		DelegationStatus_UNWINDING,
		DelegationStatus_CLOSED,
	}
}

// RestakeDelegation is stake committed on the home chain to secure a guest chain
type RestakeDelegation struct {
	ID         uint64
	Delegator  ValidatorID
	HomeChain  ChainID
	GuestChain ChainID
	// Amount is the security the delegation provides to the guest chain
	Amount sdkmath.Int
	// Ratio is the collateralization ratio, Amount/Ratio is locked from the home stake
	Ratio        sdkmath.LegacyDec
	UnlockHeight uint64
	Status       DelegationStatus

	// Activated is set once the capability fill committed
	Activated bool
	// TokenOutstanding is true while a filled capability token has not been killed
	TokenOutstanding bool
	// Forced marks an unwind triggered by slashing
	Forced bool
}

// Collateral returns the home stake locked by the delegation
func (d *RestakeDelegation) Collateral() sdkmath.LegacyDec {
	return d.Amount.ToLegacyDec().Quo(d.Ratio)
}

// Bonded returns true if the delegation's collateral counts against the home stake
func (d *RestakeDelegation) Bonded() bool {
	return d.Status == DelegationStatus_REQUESTED ||
		d.Status == DelegationStatus_PROVISIONED ||
		d.Status == DelegationStatus_ACTIVE
}

func (d *RestakeDelegation) IsClosed() bool {
	return d.Status == DelegationStatus_CLOSED
}

func (d *RestakeDelegation) Pair() PairKey {
	return NewPairKey(d.Delegator, d.GuestChain)
}

func (d *RestakeDelegation) Clone() *RestakeDelegation {
	c := *d
	return &c
}
