package types

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// ValidatorID is the hex encoding of a validator's BIP-340 public key
type ValidatorID string

// ChainID identifies a member chain (home or guest)
type ChainID string

type KeyInfo struct {
	Name       string
	Mnemonic   string
	PublicKey  *btcec.PublicKey
	PrivateKey *btcec.PrivateKey
}

func NewValidatorID(pk *btcec.PublicKey) ValidatorID {
	return ValidatorID(hex.EncodeToString(schnorr.SerializePubKey(pk)))
}

func (id ValidatorID) PubKey() (*btcec.PublicKey, error) {
	pkBytes, err := hex.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("invalid validator id %s: %w", id, err)
	}

	return schnorr.ParsePubKey(pkBytes)
}

func (id ValidatorID) String() string {
	return string(id)
}

func (c ChainID) String() string {
	return string(c)
}

// PairKey identifies the (validator, guest chain) pair that owns a capability slot
// and a delegation slot
type PairKey struct {
	Validator ValidatorID
	Chain     ChainID
}

func NewPairKey(val ValidatorID, chain ChainID) PairKey {
	return PairKey{Validator: val, Chain: chain}
}

func (p PairKey) String() string {
	return fmt.Sprintf("%s@%s", p.Validator, p.Chain)
}
