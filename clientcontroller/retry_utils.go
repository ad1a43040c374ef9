package clientcontroller

import (
	"errors"

	sdkErr "cosmossdk.io/errors"

	"github.com/matrixmagiq/eigenlayer/types"
)

// these errors are considered unrecoverable because retrying the same
// submission can never succeed
var unrecoverableErrors = []*sdkErr.Error{
	types.ErrUnknownChain,
	types.ErrInvalidEvidence,
	types.ErrValidatorNotRegistered,
}

// IsUnrecoverable returns true when the error is in the unrecoverableErrors list
func IsUnrecoverable(err error) bool {
	for _, e := range unrecoverableErrors {
		if errors.Is(err, e) {
			return true
		}
	}

	return false
}

// ExpectedError marks a submission error that means the chain already holds
// the submitted state, e.g. a commit delivered twice.
type ExpectedError struct {
	error
}

func (e ExpectedError) Error() string {
	if e.error == nil {
		return "expected error"
	}
	return e.error.Error()
}

func (e ExpectedError) Unwrap() error {
	return e.error
}

// Is adds support for errors.Is usage on isExpected
func (ExpectedError) Is(err error) bool {
	_, isExpected := err.(ExpectedError)
	return isExpected
}

// Expected wraps an error in ExpectedError struct
func Expected(err error) error {
	return ExpectedError{err}
}

// IsExpected checks if error is an instance of ExpectedError
func IsExpected(err error) bool {
	return errors.Is(err, ExpectedError{})
}
