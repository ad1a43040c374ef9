package clientcontroller

import (
	"context"

	sdkmath "cosmossdk.io/math"

	"github.com/matrixmagiq/eigenlayer/types"
)

// ChainController is the view of a member chain runtime the coordinator
// needs. Submissions return once the chain accepted the message; the outcome
// of a prepare is observed later through QueryPrepareAck.
type ChainController interface {
	// ChainID returns the chain the controller talks to
	ChainID() types.ChainID

	// SubmitPrepare delivers a sealed prepare envelope for the given operation.
	// A chain that cannot open the envelope returns an error matching
	// ecc.ErrDecodeFailure
	SubmitPrepare(ctx context.Context, opID uint64, envelope []byte) error

	// QueryPrepareAck returns the chain's vote on the prepare of an operation
	QueryPrepareAck(ctx context.Context, opID uint64) (types.AckStatus, error)

	// SubmitCommit delivers the sealed commit decision of an operation. It is
	// idempotent by operation id
	SubmitCommit(ctx context.Context, opID uint64, envelope []byte) error

	// SubmitAbort delivers the sealed abort decision of an operation. It is
	// idempotent by operation id
	SubmitAbort(ctx context.Context, opID uint64, envelope []byte) error

	// QueryFinalizedRound returns the latest finalized round of the chain
	QueryFinalizedRound(ctx context.Context) (uint64, error)

	// QueryStake returns the stake of a validator as seen by the chain
	QueryStake(ctx context.Context, val types.ValidatorID) (sdkmath.Int, error)

	// QueryEvidence returns the misbehavior evidence finalized in the given
	// round range (inclusive)
	QueryEvidence(ctx context.Context, fromRound, toRound uint64) ([]*types.Evidence, error)

	Close() error
}
