package actorx_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/matrixmagiq/eigenlayer/actorx"
	"github.com/matrixmagiq/eigenlayer/clientcontroller"
	"github.com/matrixmagiq/eigenlayer/config"
	"github.com/matrixmagiq/eigenlayer/ecc"
	"github.com/matrixmagiq/eigenlayer/keystore"
	"github.com/matrixmagiq/eigenlayer/metrics"
	"github.com/matrixmagiq/eigenlayer/qkeys"
	"github.com/matrixmagiq/eigenlayer/testutil"
	"github.com/matrixmagiq/eigenlayer/testutil/mocks"
	"github.com/matrixmagiq/eigenlayer/testutil/simchain"
	"github.com/matrixmagiq/eigenlayer/transport"
	"github.com/matrixmagiq/eigenlayer/types"
)

const (
	homeChain  = types.ChainID("home")
	guestChain = types.ChainID("guest")
)

type testEnv struct {
	t      *testing.T
	db     kvdb.Backend
	cfg    *config.ActorXConfig
	sealer *transport.Sealer
	codec  *transport.Sealer

	home   *simchain.Chain
	guest  *simchain.Chain
	chains *clientcontroller.ChainSet

	keys    *keystore.Store
	journal *actorx.Journal
	engine  *actorx.Engine
}

func testActorXConfig() *config.ActorXConfig {
	return &config.ActorXConfig{
		AckPollInterval:       2 * time.Millisecond,
		FinalityRoundBound:    3,
		SubmissionRetryDelay:  time.Millisecond,
		MaxSubmissionRetryGap: 5 * time.Millisecond,
		KillAlertAttempts:     3,
	}
}

func newSealer(t *testing.T, tier ecc.Tier) *transport.Sealer {
	sealer, err := transport.NewSealer(tier, ecc.DefaultParams(), 2, zap.NewNop())
	require.NoError(t, err)
	return sealer
}

func newTestEnv(t *testing.T, r *rand.Rand) *testEnv {
	env := &testEnv{
		t:      t,
		db:     testutil.GenDBBackend(r, t),
		cfg:    testActorXConfig(),
		sealer: newSealer(t, ecc.TierBridge),
		codec:  newSealer(t, ecc.TierQuantum),
	}
	env.home = simchain.New(homeChain, env.sealer)
	env.guest = simchain.New(guestChain, env.sealer)
	env.chains = clientcontroller.NewChainSet(env.home, env.guest)
	env.restart()
	return env
}

// restart opens the store, the journal and a fresh engine over the same
// database, as a restarted process would
func (env *testEnv) restart() {
	t := env.t
	if env.engine != nil && env.engine.IsRunning() {
		require.NoError(t, env.engine.Stop())
	}

	var err error
	env.keys, err = keystore.NewStore(env.db, env.codec, zap.NewNop())
	require.NoError(t, err)
	env.journal, err = actorx.NewJournal(env.db)
	require.NoError(t, err)
	env.engine = actorx.NewEngine(env.cfg, homeChain, env.chains, env.keys, env.sealer, env.journal,
		metrics.NewRestakeMetrics(), zap.NewNop())
	require.NoError(t, env.engine.Start())
	t.Cleanup(func() {
		if env.engine.IsRunning() {
			require.NoError(t, env.engine.Stop())
		}
	})
}

func genFillRequest(t *testing.T, r *rand.Rand) (*actorx.FillRequest, *qkeys.KeyPair) {
	val, _ := testutil.GenRandomValidator(r)
	kp, pub := testutil.GenQuantumKeyPair(r, t)
	return &actorx.FillRequest{Validator: val, Guest: guestChain, QuantumKey: pub}, kp
}

func TestFillCommits(t *testing.T) {
	r := rand.New(rand.NewSource(10))
	env := newTestEnv(t, r)
	req, kp := genFillRequest(t, r)

	token, err := env.engine.Fill(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, keystore.SlotState_FILLED, env.keys.Slot(req.Pair()))
	require.True(t, env.home.HasCapability(req.Pair()))
	require.True(t, env.guest.HasCapability(req.Pair()))

	phase, ok := env.guest.Decision(token.OpID)
	require.True(t, ok)
	require.Equal(t, actorx.PhaseCommit, phase)
	prepared, ok := env.guest.Prepared(token.OpID)
	require.True(t, ok)
	require.Equal(t, token.KeyMaterial, prepared.KeyMaterial)

	// only the validator can open the provisioned material
	stored, err := env.keys.Get(req.Validator, req.Guest)
	require.NoError(t, err)
	require.True(t, kp.VerifyMaterial(stored.KeyMaterial, token.Fingerprint))

	require.Empty(t, env.journal.Unfinished())

	_, err = env.engine.Fill(context.Background(), req)
	require.ErrorIs(t, err, types.ErrTokenConflict)
}

func TestFillRejectedRollsBack(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	env := newTestEnv(t, r)
	env.guest.SetAckPolicy(simchain.AlwaysReject)
	req, _ := genFillRequest(t, r)

	_, err := env.engine.Fill(context.Background(), req)
	require.ErrorIs(t, err, types.ErrPrepareRejected)
	require.Equal(t, keystore.SlotState_IDLE, env.keys.Slot(req.Pair()))
	require.False(t, env.home.HasCapability(req.Pair()))
	require.Equal(t, 1, env.home.Calls("SubmitAbort"))
	require.Equal(t, 1, env.guest.Calls("SubmitAbort"))
	require.Zero(t, env.home.Calls("SubmitCommit"))
	require.Empty(t, env.journal.Unfinished())
}

func TestFillTimesOutAfterFinalityRoundBound(t *testing.T) {
	r := rand.New(rand.NewSource(12))
	env := newTestEnv(t, r)
	env.guest.SetAckPolicy(simchain.NeverAck)
	env.home.SetAutoAdvance(1)
	env.guest.SetAutoAdvance(1)
	req, _ := genFillRequest(t, r)

	_, err := env.engine.Fill(context.Background(), req)
	require.ErrorIs(t, err, types.ErrProtocolTimeout)
	require.Equal(t, keystore.SlotState_IDLE, env.keys.Slot(req.Pair()))
	require.False(t, env.home.HasCapability(req.Pair()))
}

func TestFillTimesOutWhenOneChainStalls(t *testing.T) {
	r := rand.New(rand.NewSource(13))
	env := newTestEnv(t, r)
	env.guest.SetAckPolicy(simchain.NeverAck)
	// the home chain races ahead while the guest chain stops finalizing
	env.home.SetAutoAdvance(100)
	req, _ := genFillRequest(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := env.engine.Fill(ctx, req)
	require.ErrorIs(t, err, types.ErrProtocolTimeout)
	require.NotErrorIs(t, err, types.ErrPrepareCancelled)
	require.Equal(t, keystore.SlotState_IDLE, env.keys.Slot(req.Pair()))
	require.False(t, env.home.HasCapability(req.Pair()))
	require.Equal(t, 1, env.guest.Calls("SubmitAbort"))
	require.Empty(t, env.journal.Unfinished())
}

func TestFillCancelledDuringPrepare(t *testing.T) {
	r := rand.New(rand.NewSource(14))
	env := newTestEnv(t, r)
	env.guest.SetAckPolicy(simchain.NeverAck)
	req, _ := genFillRequest(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := env.engine.Fill(ctx, req)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return env.guest.Calls("QueryPrepareAck") > 0
	}, 5*time.Second, time.Millisecond)
	cancel()

	require.ErrorIs(t, <-errCh, types.ErrPrepareCancelled)
	require.Equal(t, keystore.SlotState_IDLE, env.keys.Slot(req.Pair()))
	require.Equal(t, 1, env.guest.Calls("SubmitAbort"))
}

func TestCancelForceAbortsPrepare(t *testing.T) {
	r := rand.New(rand.NewSource(15))
	env := newTestEnv(t, r)
	env.guest.SetAckPolicy(simchain.NeverAck)
	req, _ := genFillRequest(t, r)

	require.False(t, env.engine.Cancel(req.Pair()))

	errCh := make(chan error, 1)
	go func() {
		_, err := env.engine.Fill(context.Background(), req)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return env.engine.Cancel(req.Pair())
	}, 5*time.Second, time.Millisecond)

	require.ErrorIs(t, <-errCh, types.ErrPrepareCancelled)
	require.Equal(t, keystore.SlotState_IDLE, env.keys.Slot(req.Pair()))
}

// TestSingleLiveTokenUnderConcurrentFills races fills for one pair through
// the engine and expects exactly one to commit
func TestSingleLiveTokenUnderConcurrentFills(t *testing.T) {
	r := rand.New(rand.NewSource(16))
	env := newTestEnv(t, r)
	req, _ := genFillRequest(t, r)

	const fills = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
		conflicts int
	)
	for i := 0; i < fills; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Fill(context.Background(), req)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				committed++
				return
			}
			require.ErrorIs(t, err, types.ErrTokenConflict)
			conflicts++
		}()
	}
	wg.Wait()

	require.Equal(t, 1, committed)
	require.Equal(t, fills-1, conflicts)
	require.Len(t, env.keys.LiveTokens(), 1)
}

func TestFillEscalatesOnDecodeFailure(t *testing.T) {
	r := rand.New(rand.NewSource(17))
	env := newTestEnv(t, r)
	env.guest.FailDecodes(2)
	req, _ := genFillRequest(t, r)

	_, err := env.engine.Fill(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 3, env.guest.Calls("SubmitPrepare"))
	require.Equal(t, 1, env.home.Calls("SubmitPrepare"))
}

func TestDecisionDeliveryRetriesTransientFailures(t *testing.T) {
	r := rand.New(rand.NewSource(18))
	env := newTestEnv(t, r)
	req, _ := genFillRequest(t, r)
	env.guest.FailSubmissions("SubmitCommit", 4, errors.New("connection reset"))

	token, err := env.engine.Fill(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 5, env.guest.Calls("SubmitCommit"))
	require.Equal(t, 1, env.home.Calls("SubmitCommit"))
	phase, ok := env.guest.Decision(token.OpID)
	require.True(t, ok)
	require.Equal(t, actorx.PhaseCommit, phase)
}

func TestPrepareFailsOnUnrecoverableError(t *testing.T) {
	r := rand.New(rand.NewSource(25))
	env := newTestEnv(t, r)
	req, _ := genFillRequest(t, r)
	env.guest.FailSubmissions("SubmitPrepare", 1, types.ErrValidatorNotRegistered)

	_, err := env.engine.Fill(context.Background(), req)
	require.ErrorIs(t, err, types.ErrValidatorNotRegistered)
	require.Equal(t, 1, env.guest.Calls("SubmitPrepare"))
	require.Equal(t, keystore.SlotState_IDLE, env.keys.Slot(req.Pair()))
	require.Equal(t, 1, env.home.Calls("SubmitAbort"))
}

func TestKillCommits(t *testing.T) {
	r := rand.New(rand.NewSource(19))
	env := newTestEnv(t, r)
	req, _ := genFillRequest(t, r)

	_, err := env.engine.Fill(context.Background(), req)
	require.NoError(t, err)

	// kill ignores cancellation of the caller
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, env.engine.Kill(ctx, req.Pair()))
	require.Equal(t, keystore.SlotState_IDLE, env.keys.Slot(req.Pair()))
	require.False(t, env.home.HasCapability(req.Pair()))
	require.False(t, env.guest.HasCapability(req.Pair()))
	require.Empty(t, env.journal.PendingKills())

	// killing an idle pair is a no-op
	require.NoError(t, env.engine.Kill(context.Background(), req.Pair()))

	// the pair can be filled again
	_, err = env.engine.Fill(context.Background(), req)
	require.NoError(t, err)
}

func TestKillRetriedUntilCommitted(t *testing.T) {
	r := rand.New(rand.NewSource(20))
	env := newTestEnv(t, r)
	req, _ := genFillRequest(t, r)

	_, err := env.engine.Fill(context.Background(), req)
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		rejected int
	)
	env.guest.SetAckPolicy(func(msg *actorx.Message) types.AckStatus {
		mu.Lock()
		defer mu.Unlock()
		if msg.Action == actorx.ActionKill && rejected < 4 {
			rejected++
			return types.AckStatus_REJECTED
		}
		return types.AckStatus_ACKED
	})

	require.NoError(t, env.engine.Kill(context.Background(), req.Pair()))
	require.Equal(t, 4, rejected)
	require.Equal(t, keystore.SlotState_IDLE, env.keys.Slot(req.Pair()))
	// one fill and five kill attempts
	require.Equal(t, 6, env.guest.Calls("SubmitPrepare"))
}

func TestKillAsyncStopsWithEngine(t *testing.T) {
	r := rand.New(rand.NewSource(21))
	env := newTestEnv(t, r)
	req, _ := genFillRequest(t, r)

	_, err := env.engine.Fill(context.Background(), req)
	require.NoError(t, err)

	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env.guest.SetAckPolicy(simchain.AlwaysReject)
	done := make(chan error, 1)
	env.engine.KillAsync(context.Background(), req.Pair(), func(_ types.PairKey, err error) {
		done <- err
	})
	require.Eventually(t, func() bool {
		return env.guest.Calls("SubmitAbort") > 2
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, env.engine.Stop())
	require.ErrorIs(t, <-done, types.ErrEngineStopped)

	// the kill intent survives the stop and the token is still live
	require.Equal(t, []types.PairKey{req.Pair()}, env.journal.PendingKills())
	require.NotEqual(t, keystore.SlotState_IDLE, env.keys.Slot(req.Pair()))
}

func TestFillAbortsOnGuestRejectionWithMock(t *testing.T) {
	r := rand.New(rand.NewSource(22))
	env := newTestEnv(t, r)
	req, _ := genFillRequest(t, r)

	ctl := gomock.NewController(t)
	guest := mocks.NewMockChainController(ctl)
	guest.EXPECT().ChainID().Return(guestChain).AnyTimes()
	guest.EXPECT().QueryFinalizedRound(gomock.Any()).Return(uint64(7), nil).AnyTimes()
	guest.EXPECT().SubmitPrepare(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(1)
	guest.EXPECT().QueryPrepareAck(gomock.Any(), gomock.Any()).Return(types.AckStatus_REJECTED, nil).MinTimes(1)
	guest.EXPECT().SubmitAbort(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(1)
	guest.EXPECT().SubmitCommit(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	env.chains.Add(guest)

	_, err := env.engine.Fill(context.Background(), req)
	require.ErrorIs(t, err, types.ErrPrepareRejected)
	require.Equal(t, keystore.SlotState_IDLE, env.keys.Slot(req.Pair()))
}

func TestCancelReachesFillBeforePrepare(t *testing.T) {
	r := rand.New(rand.NewSource(25))
	env := newTestEnv(t, r)
	req, _ := genFillRequest(t, r)

	entered := make(chan struct{}, 1)
	ctl := gomock.NewController(t)
	guest := mocks.NewMockChainController(ctl)
	guest.EXPECT().ChainID().Return(guestChain).AnyTimes()
	guest.EXPECT().QueryFinalizedRound(gomock.Any()).DoAndReturn(func(ctx context.Context) (uint64, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return 0, ctx.Err()
	}).MinTimes(1)
	guest.EXPECT().SubmitPrepare(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	env.chains.Add(guest)

	errCh := make(chan error, 1)
	go func() {
		_, err := env.engine.Fill(context.Background(), req)
		errCh <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("the fill never queried the guest chain")
	}
	require.True(t, env.engine.Cancel(req.Pair()))

	require.ErrorIs(t, <-errCh, types.ErrPrepareCancelled)
	require.Equal(t, keystore.SlotState_IDLE, env.keys.Slot(req.Pair()))
	require.Empty(t, env.journal.Unfinished())
	require.False(t, env.engine.Cancel(req.Pair()))
}

func TestFillUnknownGuestChain(t *testing.T) {
	r := rand.New(rand.NewSource(23))
	env := newTestEnv(t, r)
	req, _ := genFillRequest(t, r)
	req.Guest = testutil.GenRandomChainID(r)

	_, err := env.engine.Fill(context.Background(), req)
	require.ErrorIs(t, err, types.ErrUnknownChain)
	require.Equal(t, keystore.SlotState_IDLE, env.keys.Slot(req.Pair()))
}

func TestStoppedEngineRefusesOperations(t *testing.T) {
	r := rand.New(rand.NewSource(24))
	env := newTestEnv(t, r)
	req, _ := genFillRequest(t, r)

	require.NoError(t, env.engine.Stop())
	_, err := env.engine.Fill(context.Background(), req)
	require.ErrorIs(t, err, types.ErrEngineStopped)
	require.ErrorIs(t, env.engine.Kill(context.Background(), req.Pair()), types.ErrEngineStopped)
	require.Error(t, env.engine.Start())
}
