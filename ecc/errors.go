package ecc

import (
	"errors"
	"fmt"

	errorsmod "cosmossdk.io/errors"
)

const codespace = "ecc"

var (
	ErrDecodeFailure         = errorsmod.Register(codespace, 2, "decode failure")
	ErrUnrecoverableErasure  = errorsmod.Register(codespace, 3, "unrecoverable erasure")
	ErrSyndromeDecodeFailure = errorsmod.Register(codespace, 4, "syndrome decode failure")
	ErrInvalidParams         = errorsmod.Register(codespace, 5, "invalid redundancy parameters")
	ErrMalformedFrame        = errorsmod.Register(codespace, 6, "malformed frame")
)

// DecodeError reports a decode failure together with the tier that gave up.
type DecodeError struct {
	Tier Tier
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s tier: %v", ErrDecodeFailure.Error(), e.Tier, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is makes every DecodeError match ErrDecodeFailure.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecodeFailure
}

func newDecodeError(tier Tier, err error) *DecodeError {
	return &DecodeError{Tier: tier, Err: err}
}

// FailedTier returns the tier at which decoding failed, if err is a decode failure.
func FailedTier(err error) (Tier, bool) {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Tier, true
	}
	return 0, false
}

// IsDecodeFailure reports whether err is a decode failure at any tier.
func IsDecodeFailure(err error) bool {
	return errors.Is(err, ErrDecodeFailure)
}
