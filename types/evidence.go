package types

import (
	"bytes"
	"encoding/binary"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/crypto/sha3"
)

type EvidenceKind int32

const (
	EvidenceKind_SLASHING     EvidenceKind = 0
	EvidenceKind_EQUIVOCATION EvidenceKind = 1
	EvidenceKind_DOWNTIME     EvidenceKind = 2
)

func (k EvidenceKind) String() string {
	switch k {
	case EvidenceKind_SLASHING:
		return "SLASHING"
	case EvidenceKind_EQUIVOCATION:
		return "EQUIVOCATION"
	case EvidenceKind_DOWNTIME:
		return "DOWNTIME"
	default:
		return fmt.Sprintf("EvidenceKind(%d)", int32(k))
	}
}

// Evidence is misbehaviour reported by a chain runtime or observed by the coordinator
type Evidence struct {
	Kind      EvidenceKind
	Validator ValidatorID
	// Chain is the chain on which the misbehaviour happened
	Chain   ChainID
	Height  uint64
	Penalty sdkmath.Int
	// Proof is only set for equivocation evidence
	Proof *EquivocationProof
}

// EquivocationProof holds two distinct block hashes signed by the same validator
// at the same height
type EquivocationProof struct {
	Height     uint64
	BlockHashA []byte
	SigA       []byte
	BlockHashB []byte
	SigB       []byte
}

// VoteSigHash returns the message a validator signs when voting for a block
func VoteSigHash(chain ChainID, height uint64, blockHash []byte) []byte {
	var heightBytes [8]byte
	binary.BigEndian.PutUint64(heightBytes[:], height)

	h := sha3.New256()
	h.Write([]byte(chain))
	h.Write(heightBytes[:])
	h.Write(blockHash)
	return h.Sum(nil)
}

// Verify checks that the proof shows the validator signing two different blocks
// at the same height of the given chain
func (p *EquivocationProof) Verify(val ValidatorID, chain ChainID) error {
	if p == nil {
		return fmt.Errorf("%w: missing equivocation proof", ErrInvalidEvidence)
	}
	if bytes.Equal(p.BlockHashA, p.BlockHashB) {
		return fmt.Errorf("%w: the two votes are for the same block", ErrInvalidEvidence)
	}

	pk, err := val.PubKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}

	for _, vote := range []struct {
		hash []byte
		sig  []byte
	}{
		{p.BlockHashA, p.SigA},
		{p.BlockHashB, p.SigB},
	} {
		sig, err := schnorr.ParseSignature(vote.sig)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
		}
		if !sig.Verify(VoteSigHash(chain, p.Height, vote.hash), pk) {
			return fmt.Errorf("%w: invalid vote signature", ErrInvalidEvidence)
		}
	}

	return nil
}

// Validate performs the stateless checks of the evidence
func (e *Evidence) Validate() error {
	if e.Validator == "" || e.Chain == "" {
		return fmt.Errorf("%w: missing validator or chain", ErrInvalidEvidence)
	}
	if e.Penalty.IsNil() || e.Penalty.IsNegative() {
		return fmt.Errorf("%w: invalid penalty", ErrInvalidEvidence)
	}
	if e.Kind == EvidenceKind_EQUIVOCATION {
		if e.Proof == nil || e.Proof.Height != e.Height {
			return fmt.Errorf("%w: equivocation proof does not match the height", ErrInvalidEvidence)
		}
		return e.Proof.Verify(e.Validator, e.Chain)
	}
	return nil
}
