package qkeys_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixmagiq/eigenlayer/qkeys"
)

func TestDeriveKeyPairIsDeterministic(t *testing.T) {
	mnemonic, err := qkeys.NewMnemonic()
	require.NoError(t, err)

	a, err := qkeys.DeriveKeyPair(mnemonic, "")
	require.NoError(t, err)
	b, err := qkeys.DeriveKeyPair(mnemonic, "")
	require.NoError(t, err)
	pa, err := a.PublicKeyBytes()
	require.NoError(t, err)
	pb, err := b.PublicKeyBytes()
	require.NoError(t, err)
	require.Equal(t, pa, pb)

	c, err := qkeys.DeriveKeyPair(mnemonic, "other passphrase")
	require.NoError(t, err)
	pc, err := c.PublicKeyBytes()
	require.NoError(t, err)
	require.NotEqual(t, pa, pc)

	_, err = qkeys.DeriveKeyPair("not a mnemonic", "")
	require.Error(t, err)
}

func TestEncapsulateOpen(t *testing.T) {
	mnemonic, err := qkeys.NewMnemonic()
	require.NoError(t, err)
	kp, err := qkeys.DeriveKeyPair(mnemonic, "")
	require.NoError(t, err)
	pub, err := kp.PublicKeyBytes()
	require.NoError(t, err)

	material, fingerprint, err := qkeys.Encapsulate(pub)
	require.NoError(t, err)
	require.Len(t, fingerprint, qkeys.FingerprintSize)

	opened, err := kp.Open(material)
	require.NoError(t, err)
	require.Equal(t, fingerprint, opened)
	require.True(t, kp.VerifyMaterial(material, fingerprint))

	// tampered material decapsulates to an unrelated secret
	material[0] ^= 0x01
	require.False(t, kp.VerifyMaterial(material, fingerprint))

	_, _, err = qkeys.Encapsulate(pub[:10])
	require.Error(t, err)
	require.Len(t, qkeys.KeyHash(pub), 32)
}
