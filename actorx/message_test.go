package actorx_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixmagiq/eigenlayer/actorx"
	"github.com/matrixmagiq/eigenlayer/store"
	"github.com/matrixmagiq/eigenlayer/testutil"
)

func FuzzMessageDecision(f *testing.F) {
	testutil.AddRandomSeedsToFuzzer(f, 10)
	f.Fuzz(func(t *testing.T, seed int64) {
		r := rand.New(rand.NewSource(seed))
		val, _ := testutil.GenRandomValidator(r)
		prepare := &actorx.Message{
			Phase:       actorx.PhasePrepare,
			Action:      actorx.ActionFill,
			OpID:        uint64(r.Int63n(1000)) + 1,
			Validator:   val,
			Home:        testutil.GenRandomChainID(r),
			Guest:       testutil.GenRandomChainID(r),
			Fingerprint: testutil.GenRandomByteArray(r, 32),
			Epoch:       uint64(r.Int63()),
			KeyMaterial: testutil.GenRandomByteArray(r, 1088),
		}

		got, err := actorx.UnmarshalMessage(prepare.Marshal())
		require.NoError(t, err)
		require.Equal(t, prepare, got)

		// decisions only carry the operation identity
		commit, err := actorx.UnmarshalMessage(prepare.Decision(true).Marshal())
		require.NoError(t, err)
		require.Equal(t, actorx.PhaseCommit, commit.Phase)
		require.Equal(t, prepare.OpID, commit.OpID)
		require.Equal(t, prepare.Pair(), commit.Pair())
		require.Nil(t, commit.KeyMaterial)
		require.Equal(t, actorx.PhaseAbort, prepare.Decision(false).Phase)
	})
}

func TestUnmarshalInvalidMessage(t *testing.T) {
	_, err := actorx.UnmarshalMessage([]byte{0xff})
	require.ErrorIs(t, err, store.ErrMalformedRecord)

	_, err = actorx.UnmarshalMessage((&actorx.Message{Phase: actorx.PhaseCommit, Action: actorx.ActionKill}).Marshal())
	require.ErrorIs(t, err, store.ErrMalformedRecord)

	_, err = actorx.UnmarshalMessage((&actorx.Message{
		Phase:     actorx.Phase(7),
		Action:    actorx.ActionKill,
		OpID:      1,
		Validator: "v",
		Guest:     "g",
	}).Marshal())
	require.ErrorIs(t, err, store.ErrMalformedRecord)
}
