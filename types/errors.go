package types

import (
	errorsmod "cosmossdk.io/errors"
)

const codespace = "restake"

var (
	// ErrCollateralization the request would breach the collateralization invariant, nothing changed
	ErrCollateralization = errorsmod.Register(codespace, 2, "collateralization requirement violated")
	// ErrTokenConflict a live capability token already exists for the pair, revoke it first
	ErrTokenConflict     = errorsmod.Register(codespace, 3, "a live capability token already exists")
	// ErrProtocolTimeout the prepare phase exceeded the finality round bound
	ErrProtocolTimeout   = errorsmod.Register(codespace, 4, "prepare phase exceeded the finality round bound")
	// ErrStoreIntegrity key material failed to decode, the operation has no effect
	ErrStoreIntegrity    = errorsmod.Register(codespace, 5, "key material integrity check failed")

	ErrTokenNotFound              = errorsmod.Register(codespace, 6, "capability token not found")
	ErrNotActive                  = errorsmod.Register(codespace, 7, "the delegation is not active")
	ErrDelegationNotFound         = errorsmod.Register(codespace, 8, "delegation not found")
	ErrDelegationExists           = errorsmod.Register(codespace, 9, "a live delegation to the guest chain already exists")
	ErrValidatorNotRegistered     = errorsmod.Register(codespace, 10, "validator not registered")
	ErrValidatorAlreadyRegistered = errorsmod.Register(codespace, 11, "validator already registered")
	ErrValidatorRetired           = errorsmod.Register(codespace, 12, "validator is retired")
	ErrMinRestakeNotMet           = errorsmod.Register(codespace, 13, "minimum restake amount not met")
	ErrInvalidTransition          = errorsmod.Register(codespace, 14, "invalid status transition")
	ErrPrepareRejected            = errorsmod.Register(codespace, 15, "prepare rejected by a chain")
	ErrSlotBusy                   = errorsmod.Register(codespace, 16, "capability slot has an operation in flight")
	ErrMembershipNotFound         = errorsmod.Register(codespace, 17, "chain membership not found")
	ErrMembershipExists           = errorsmod.Register(codespace, 18, "chain membership already exists")
	ErrInvalidEvidence            = errorsmod.Register(codespace, 19, "invalid misbehaviour evidence")
	ErrUnknownChain               = errorsmod.Register(codespace, 20, "unknown chain")
	ErrQuantumVerificationFailed  = errorsmod.Register(codespace, 21, "quantum key verification failed")
	ErrValidatorNotVerified       = errorsmod.Register(codespace, 22, "validator quantum credentials not verified")
	ErrEngineStopped              = errorsmod.Register(codespace, 23, "the fill/kill engine is stopped")
	ErrPrepareCancelled           = errorsmod.Register(codespace, 24, "prepare phase cancelled")
	ErrOutstandingDelegations     = errorsmod.Register(codespace, 25, "validator has outstanding delegations")
)
