package registry_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matrixmagiq/eigenlayer/qkeys"
	"github.com/matrixmagiq/eigenlayer/registry"
	"github.com/matrixmagiq/eigenlayer/testutil"
	"github.com/matrixmagiq/eigenlayer/types"
)

func FuzzRegisterVerify(f *testing.F) {
	testutil.AddRandomSeedsToFuzzer(f, 5)
	f.Fuzz(func(t *testing.T, seed int64) {
		r := rand.New(rand.NewSource(seed))
		db := testutil.GenDBBackend(r, t)
		reg, err := registry.New(db, zap.NewNop())
		require.NoError(t, err)

		val, sk := testutil.GenRandomValidator(r)
		home := testutil.GenRandomChainID(r)
		_, pub := testutil.GenQuantumKeyPair(r, t)
		sig, err := registry.SignRegistration(sk, home, pub)
		require.NoError(t, err)

		hash, err := reg.Register(sk.PubKey(), home, pub, sig)
		require.NoError(t, err)
		require.Equal(t, qkeys.KeyHash(pub), hash)

		_, err = reg.QuantumKey(val)
		require.ErrorIs(t, err, types.ErrValidatorNotVerified)
		_, err = reg.Register(sk.PubKey(), home, pub, sig)
		require.ErrorIs(t, err, types.ErrValidatorAlreadyRegistered)

		status, err := reg.Verify(val)
		require.NoError(t, err)
		require.Equal(t, types.RegistrationStatus_VERIFIED, status)
		key, err := reg.QuantumKey(val)
		require.NoError(t, err)
		require.Equal(t, pub, key)

		// the registry is rebuilt from its event log
		reopened, err := registry.New(db, zap.NewNop())
		require.NoError(t, err)
		got, err := reopened.Get(val)
		require.NoError(t, err)
		require.Equal(t, types.RegistrationStatus_VERIFIED, got.Status)
		require.Equal(t, home, got.HomeChain)
		require.Equal(t, hash, got.KeyHash)
	})
}

func TestRegisterRejectsForeignSignature(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	reg, err := registry.New(testutil.GenDBBackend(r, t), zap.NewNop())
	require.NoError(t, err)

	_, sk := testutil.GenRandomValidator(r)
	_, other := testutil.GenRandomValidator(r)
	_, pub := testutil.GenQuantumKeyPair(r, t)
	sig, err := registry.SignRegistration(other, "home", pub)
	require.NoError(t, err)

	_, err = reg.Register(sk.PubKey(), "home", pub, sig)
	require.Error(t, err)
	_, err = reg.Get(types.NewValidatorID(sk.PubKey()))
	require.ErrorIs(t, err, types.ErrValidatorNotRegistered)
}

func TestVerifyFailsOnMalformedKey(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	reg, err := registry.New(testutil.GenDBBackend(r, t), zap.NewNop())
	require.NoError(t, err)

	val, sk := testutil.GenRandomValidator(r)
	badKey := testutil.GenRandomByteArray(r, 100)
	sig, err := registry.SignRegistration(sk, "home", badKey)
	require.NoError(t, err)
	_, err = reg.Register(sk.PubKey(), "home", badKey, sig)
	require.NoError(t, err)

	status, err := reg.Verify(val)
	require.NoError(t, err)
	require.Equal(t, types.RegistrationStatus_FAILED, status)
	_, err = reg.QuantumKey(val)
	require.ErrorIs(t, err, types.ErrQuantumVerificationFailed)

	// failed registrations stay failed
	status, err = reg.Verify(val)
	require.NoError(t, err)
	require.Equal(t, types.RegistrationStatus_FAILED, status)

	_, err = reg.Verify("unknown")
	require.ErrorIs(t, err, types.ErrValidatorNotRegistered)
}
