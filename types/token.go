package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

type TokenStatus int32

const (
	TokenStatus_FILLED TokenStatus = 0
	TokenStatus_KILLED TokenStatus = 1
)

func (s TokenStatus) String() string {
	switch s {
	case TokenStatus_FILLED:
		return "FILLED"
	case TokenStatus_KILLED:
		return "KILLED"
	default:
		return fmt.Sprintf("TokenStatus(%d)", int32(s))
	}
}

// CapabilityToken authorizes a validator's participation on a guest chain
type CapabilityToken struct {
	Validator ValidatorID
	Chain     ChainID
	// Fingerprint is the SHA3-256 digest of the encapsulated shared secret
	Fingerprint []byte
	// Epoch is the guest chain finalized round observed when the fill was prepared
	Epoch  uint64
	Status TokenStatus
	// OpID is the fill operation that issued the token
	OpID uint64
	// KeyMaterial is the ML-KEM ciphertext only the validator can decapsulate
	KeyMaterial []byte
}

func (t *CapabilityToken) Pair() PairKey {
	return NewPairKey(t.Validator, t.Chain)
}

func (t *CapabilityToken) FingerprintHex() string {
	return hex.EncodeToString(t.Fingerprint)
}

func (t *CapabilityToken) Clone() *CapabilityToken {
	c := *t
	c.Fingerprint = bytes.Clone(t.Fingerprint)
	c.KeyMaterial = bytes.Clone(t.KeyMaterial)
	return &c
}
