package testutil

import (
	"encoding/hex"
	"math/rand"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cosmos/go-bip39"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"

	"github.com/matrixmagiq/eigenlayer/config"
	"github.com/matrixmagiq/eigenlayer/qkeys"
	"github.com/matrixmagiq/eigenlayer/types"
)

func GenRandomByteArray(r *rand.Rand, length uint64) []byte {
	newHeaderBytes := make([]byte, length)
	r.Read(newHeaderBytes)
	return newHeaderBytes
}

func GenRandomHexStr(r *rand.Rand, length uint64) string {
	randBytes := GenRandomByteArray(r, length)
	return hex.EncodeToString(randBytes)
}

func AddRandomSeedsToFuzzer(f *testing.F, num uint) {
	// Seed based on the current time
	r := rand.New(rand.NewSource(time.Now().Unix()))
	var idx uint
	for idx = 0; idx < num; idx++ {
		f.Add(r.Int63())
	}
}

func GenRandomChainID(r *rand.Rand) types.ChainID {
	return types.ChainID("chain-" + GenRandomHexStr(r, 4))
}

func GenRandomPrivKey(r *rand.Rand) *btcec.PrivateKey {
	sk, _ := btcec.PrivKeyFromBytes(GenRandomByteArray(r, 32))
	return sk
}

// GenRandomValidator returns a validator identity together with its signing key
func GenRandomValidator(r *rand.Rand) (types.ValidatorID, *btcec.PrivateKey) {
	sk := GenRandomPrivKey(r)
	return types.NewValidatorID(sk.PubKey()), sk
}

// GenQuantumKeyPair derives an ML-KEM key pair from a mnemonic drawn from r
func GenQuantumKeyPair(r *rand.Rand, t *testing.T) (*qkeys.KeyPair, []byte) {
	mnemonic, err := bip39.NewMnemonic(GenRandomByteArray(r, 32))
	require.NoError(t, err)
	kp, err := qkeys.DeriveKeyPair(mnemonic, "")
	require.NoError(t, err)
	pub, err := kp.PublicKeyBytes()
	require.NoError(t, err)
	return kp, pub
}

// GenDBConfig returns a db config rooted in a fresh temporary directory
func GenDBConfig(r *rand.Rand, t *testing.T) *config.DBConfig {
	cfg := config.DefaultDBConfigWithHomePath(t.TempDir())
	cfg.DBFileName = GenRandomHexStr(r, 4) + ".db"
	return cfg
}

// GenDBBackend opens a bolt backend that is closed when the test ends
func GenDBBackend(r *rand.Rand, t *testing.T) kvdb.Backend {
	db, err := GenDBConfig(r, t).GetDbBackend()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}
