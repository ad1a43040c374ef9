// Package qkeys derives ML-KEM-768 key pairs from BIP-39 mnemonics and issues
// capability material by encapsulating against a validator's public key.
package qkeys

import (
	"bytes"
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cosmos/go-bip39"
	"golang.org/x/crypto/sha3"
)

const (
	mnemonicEntropySize = 256
	FingerprintSize     = 32
)

var scheme = mlkem768.Scheme()

type KeyPair struct {
	Public  kem.PublicKey
	Private kem.PrivateKey
}

// NewMnemonic returns a fresh 24-word mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropySize)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// DeriveKeyPair deterministically derives the ML-KEM key pair of a mnemonic.
func DeriveKeyPair(mnemonic, passphrase string) (*KeyPair, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	if len(seed) != scheme.SeedSize() {
		return nil, fmt.Errorf("unexpected seed size %d", len(seed))
	}
	pk, sk := scheme.DeriveKeyPair(seed)
	return &KeyPair{Public: pk, Private: sk}, nil
}

func (kp *KeyPair) PublicKeyBytes() ([]byte, error) {
	return kp.Public.MarshalBinary()
}

// Open decapsulates capability material and returns its fingerprint.
func (kp *KeyPair) Open(material []byte) ([]byte, error) {
	if len(material) != scheme.CiphertextSize() {
		return nil, fmt.Errorf("invalid key material size %d", len(material))
	}
	secret, err := scheme.Decapsulate(kp.Private, material)
	if err != nil {
		return nil, err
	}
	return Fingerprint(secret), nil
}

func ParsePublicKey(b []byte) (kem.PublicKey, error) {
	if len(b) != scheme.PublicKeySize() {
		return nil, fmt.Errorf("invalid public key size %d", len(b))
	}
	return scheme.UnmarshalBinaryPublicKey(b)
}

// Encapsulate issues fresh key material for the holder of pub. Only the
// holder can recover the shared secret behind the returned fingerprint.
func Encapsulate(pub []byte) (material, fingerprint []byte, err error) {
	pk, err := ParsePublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	ct, secret, err := scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, err
	}
	return ct, Fingerprint(secret), nil
}

// Fingerprint is the SHA3-256 digest of a shared secret.
func Fingerprint(secret []byte) []byte {
	sum := sha3.Sum256(secret)
	return sum[:]
}

// KeyHash is the SHA3-256 digest of an encoded public key.
func KeyHash(pub []byte) []byte {
	sum := sha3.Sum256(pub)
	return sum[:]
}

// VerifyMaterial reports whether material opens to fingerprint under kp.
func (kp *KeyPair) VerifyMaterial(material, fingerprint []byte) bool {
	got, err := kp.Open(material)
	return err == nil && bytes.Equal(got, fingerprint)
}
