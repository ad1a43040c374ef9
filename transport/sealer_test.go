package transport_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matrixmagiq/eigenlayer/ecc"
	"github.com/matrixmagiq/eigenlayer/testutil"
	"github.com/matrixmagiq/eigenlayer/transport"
)

// lossyChannel erases the first n shards of every classical frame it carries
func lossyChannel(t *testing.T, n int, sealer *transport.Sealer, received *[]byte) transport.DeliverFunc {
	return func(_ context.Context, envelope []byte) error {
		frame, err := ecc.UnmarshalFrame(envelope)
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			frame.Shards[i] = nil
		}
		payload, err := sealer.Open(frame.Marshal())
		if err != nil {
			return err
		}
		*received = payload
		return nil
	}
}

func FuzzSealOpen(f *testing.F) {
	testutil.AddRandomSeedsToFuzzer(f, 10)
	f.Fuzz(func(t *testing.T, seed int64) {
		r := rand.New(rand.NewSource(seed))
		tier := ecc.Tier(r.Intn(3))
		sealer, err := transport.NewSealer(tier, ecc.DefaultParams(), 2, zap.NewNop())
		require.NoError(t, err)

		payload := testutil.GenRandomByteArray(r, uint64(r.Intn(128)))
		envelope, err := sealer.Seal(payload)
		require.NoError(t, err)
		opened, err := sealer.Open(envelope)
		require.NoError(t, err)
		require.Equal(t, payload, opened)
	})
}

type countingObserver struct {
	failures    map[string]int
	escalations int
}

func (o *countingObserver) RecordDecodeFailure(tier string) { o.failures[tier]++ }
func (o *countingObserver) IncrementEscalations()           { o.escalations++ }

func TestTransmitEscalatesOnDecodeFailure(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	params := ecc.DefaultParams()
	observer := &countingObserver{failures: make(map[string]int)}
	sealer, err := transport.NewSealer(ecc.TierClassical, params, 3, zap.NewNop())
	require.NoError(t, err)
	sealer.WithObserver(observer)

	payload := testutil.GenRandomByteArray(r, 300)
	var received []byte
	err = sealer.Transmit(context.Background(), payload, lossyChannel(t, params.ParityShards+1, sealer, &received))
	require.NoError(t, err)
	require.Equal(t, payload, received)
	require.Equal(t, 1, observer.failures[ecc.TierClassical.String()])
	require.Equal(t, 1, observer.escalations)
}

func TestTransmitGivesUpAfterMaxEscalations(t *testing.T) {
	r := rand.New(rand.NewSource(10))
	params := ecc.DefaultParams()
	sealer, err := transport.NewSealer(ecc.TierClassical, params, 2, zap.NewNop())
	require.NoError(t, err)

	var received []byte
	err = sealer.Transmit(context.Background(), testutil.GenRandomByteArray(r, 100),
		lossyChannel(t, params.ParityShards+3, sealer, &received))
	require.ErrorIs(t, err, ecc.ErrDecodeFailure)
	require.ErrorIs(t, err, ecc.ErrUnrecoverableErasure)
	require.Nil(t, received)
}

func TestTransmitDoesNotRetryOtherErrors(t *testing.T) {
	sealer, err := transport.NewSealer(ecc.TierBridge, ecc.DefaultParams(), 5, zap.NewNop())
	require.NoError(t, err)

	errRejected := errors.New("rejected")
	calls := 0
	err = sealer.Transmit(context.Background(), []byte("prepare"), func(context.Context, []byte) error {
		calls++
		return errRejected
	})
	require.ErrorIs(t, err, errRejected)
	require.Equal(t, 1, calls)
}
