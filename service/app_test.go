package service_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matrixmagiq/eigenlayer/clientcontroller"
	"github.com/matrixmagiq/eigenlayer/config"
	"github.com/matrixmagiq/eigenlayer/ecc"
	"github.com/matrixmagiq/eigenlayer/ledger"
	"github.com/matrixmagiq/eigenlayer/registry"
	"github.com/matrixmagiq/eigenlayer/service"
	"github.com/matrixmagiq/eigenlayer/testutil"
	"github.com/matrixmagiq/eigenlayer/testutil/simchain"
	"github.com/matrixmagiq/eigenlayer/transport"
	"github.com/matrixmagiq/eigenlayer/types"
)

const (
	homeChain  = types.ChainID("home")
	guestChain = types.ChainID("guest")

	eventuallyWaitTimeOut = 10 * time.Second
	eventuallyPollTime    = 10 * time.Millisecond
)

type testApp struct {
	t      *testing.T
	cfg    *config.Config
	home   *simchain.Chain
	guest  *simchain.Chain
	chains *clientcontroller.ChainSet
	app    *service.RestakeApp
}

func newTestConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfigWithHome(t.TempDir())
	cfg.HomeChain = string(homeChain)
	cfg.EccConfig.Tier = ecc.TierBridge.String()
	cfg.ActorXConfig.AckPollInterval = 2 * time.Millisecond
	cfg.ActorXConfig.FinalityRoundBound = 3
	cfg.ActorXConfig.SubmissionRetryDelay = time.Millisecond
	cfg.ActorXConfig.MaxSubmissionRetryGap = 5 * time.Millisecond
	cfg.PollerConfig.PollInterval = 5 * time.Millisecond
	// any free port
	cfg.Metrics.Port = 0
	require.NoError(t, cfg.Validate())
	return &cfg
}

func startTestApp(t *testing.T) *testApp {
	cfg := newTestConfig(t)
	sealer, err := transport.NewSealer(ecc.TierBridge, cfg.EccConfig.Params(), cfg.EccConfig.MaxEscalations, zap.NewNop())
	require.NoError(t, err)

	ta := &testApp{
		t:     t,
		cfg:   cfg,
		home:  simchain.New(homeChain, sealer),
		guest: simchain.New(guestChain, sealer),
	}
	ta.chains = clientcontroller.NewChainSet(ta.home, ta.guest)
	ta.restart()
	return ta
}

// restart stops the running app, if any, and starts a new one over the same
// data directory
func (ta *testApp) restart() {
	t := ta.t
	if ta.app != nil {
		require.NoError(t, ta.app.Stop())
	}

	app, err := service.NewRestakeAppFromConfig(ta.cfg, ta.chains, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, app.Start())
	t.Cleanup(func() {
		require.NoError(t, app.Stop())
	})
	ta.app = app
}

// registerValidator registers a validator holding stake on the home chain
func (ta *testApp) registerValidator(r *rand.Rand, stake int64) types.ValidatorID {
	t := ta.t
	val, sk := testutil.GenRandomValidator(r)
	_, pub := testutil.GenQuantumKeyPair(r, t)
	sig, err := registry.SignRegistration(sk, homeChain, pub)
	require.NoError(t, err)

	ta.home.SetStake(val, sdkmath.NewInt(stake))
	_, err = ta.app.RegisterValidator(context.Background(), sk.PubKey(), pub, sig)
	require.NoError(t, err)
	return val
}

func (ta *testApp) requireDelegationStatus(id uint64, status types.DelegationStatus) {
	require.Eventually(ta.t, func() bool {
		d, err := ta.app.GetLedger().Delegation(id)
		return err == nil && d.Status == status
	}, eventuallyWaitTimeOut, eventuallyPollTime)
}

func delegationRequest(val types.ValidatorID, amount int64) *ledger.DelegationRequest {
	return &ledger.DelegationRequest{
		Validator: val,
		Guest:     guestChain,
		Amount:    sdkmath.NewInt(amount),
		Ratio:     sdkmath.LegacyNewDec(2),
	}
}

func TestDelegationAdmitsValidator(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	ta := startTestApp(t)
	val := ta.registerValidator(r, 100)

	_, err := ta.app.RequestDelegation(delegationRequest(val, 220))
	require.ErrorIs(t, err, types.ErrCollateralization)

	id, err := ta.app.RequestDelegation(delegationRequest(val, 100))
	require.NoError(t, err)
	ta.requireDelegationStatus(id, types.DelegationStatus_ACTIVE)

	require.Eventually(t, func() bool {
		return len(ta.app.GetCoordinator().EffectiveSet(guestChain)) == 1
	}, eventuallyWaitTimeOut, eventuallyPollTime)
	set := ta.app.GetCoordinator().EffectiveSet(guestChain)
	require.Equal(t, val, set[0].Validator)
	require.True(t, sdkmath.NewInt(100).Equal(set[0].Weight))

	pair := types.NewPairKey(val, guestChain)
	require.True(t, ta.home.HasCapability(pair))
	require.True(t, ta.guest.HasCapability(pair))

	_, err = ta.app.RequestDelegation(delegationRequest(val, 10))
	require.ErrorIs(t, err, types.ErrDelegationExists)
}

func TestSlashingEvictsAndKills(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	ta := startTestApp(t)
	val := ta.registerValidator(r, 100)

	id, err := ta.app.RequestDelegation(delegationRequest(val, 100))
	require.NoError(t, err)
	ta.requireDelegationStatus(id, types.DelegationStatus_ACTIVE)
	require.Eventually(t, func() bool {
		return len(ta.app.GetCoordinator().EffectiveSet(guestChain)) == 1
	}, eventuallyWaitTimeOut, eventuallyPollTime)

	// the guest chain finalizes downtime evidence that slashes the stake to 40
	ta.guest.AddEvidence(&types.Evidence{
		Kind:      types.EvidenceKind_DOWNTIME,
		Validator: val,
		Chain:     guestChain,
		Height:    2,
		Penalty:   sdkmath.NewInt(60),
	})
	ta.guest.AdvanceRounds(1)

	ta.requireDelegationStatus(id, types.DelegationStatus_UNWINDING)
	require.Empty(t, ta.app.GetCoordinator().EffectiveSet(guestChain))

	pair := types.NewPairKey(val, guestChain)
	require.Eventually(t, func() bool {
		d, err := ta.app.GetLedger().Delegation(id)
		return err == nil && !d.TokenOutstanding &&
			!ta.guest.HasCapability(pair) && !ta.home.HasCapability(pair)
	}, eventuallyWaitTimeOut, eventuallyPollTime)

	d, err := ta.app.GetLedger().Delegation(id)
	require.NoError(t, err)
	require.True(t, d.Forced)
	v, err := ta.app.GetLedger().Validator(val)
	require.NoError(t, err)
	require.True(t, sdkmath.NewInt(40).Equal(v.Stake))
	m, err := ta.app.GetCoordinator().Membership(val, guestChain)
	require.NoError(t, err)
	require.Equal(t, types.MembershipStatus_REVOKED, m.Status)
}

func TestSlashingBeforeFillClosesDelegation(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	ta := startTestApp(t)
	val := ta.registerValidator(r, 100)

	// a delegation whose fill has not started yet
	id, err := ta.app.GetLedger().RequestDelegation(delegationRequest(val, 100))
	require.NoError(t, err)
	require.NoError(t, ta.app.GetCoordinator().Propose(val, guestChain, id))

	err = ta.app.ReportEvidence(context.Background(), &types.Evidence{
		Kind:      types.EvidenceKind_DOWNTIME,
		Validator: val,
		Chain:     guestChain,
		Height:    5,
		Penalty:   sdkmath.NewInt(60),
	})
	require.NoError(t, err)

	ta.requireDelegationStatus(id, types.DelegationStatus_CLOSED)
	d, err := ta.app.GetLedger().Delegation(id)
	require.NoError(t, err)
	require.True(t, d.Forced)
	require.False(t, d.Activated)
	m, err := ta.app.GetCoordinator().Membership(val, guestChain)
	require.NoError(t, err)
	require.Equal(t, types.MembershipStatus_REVOKED, m.Status)
	require.False(t, ta.guest.HasCapability(d.Pair()))

	// the guest chain accepts a new delegation within the slashed stake
	next, err := ta.app.RequestDelegation(delegationRequest(val, 60))
	require.NoError(t, err)
	ta.requireDelegationStatus(next, types.DelegationStatus_ACTIVE)
}

func TestUnwindClosesAtUnlockHeight(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	ta := startTestApp(t)
	val := ta.registerValidator(r, 100)

	req := delegationRequest(val, 100)
	req.Duration = 5
	id, err := ta.app.RequestDelegation(req)
	require.NoError(t, err)
	ta.requireDelegationStatus(id, types.DelegationStatus_ACTIVE)

	status, err := ta.app.RequestUnwind(id)
	require.NoError(t, err)
	require.Equal(t, types.DelegationStatus_UNWINDING, status)
	require.Empty(t, ta.app.GetCoordinator().EffectiveSet(guestChain))

	pair := types.NewPairKey(val, guestChain)
	require.Eventually(t, func() bool {
		return !ta.guest.HasCapability(pair)
	}, eventuallyWaitTimeOut, eventuallyPollTime)

	d, err := ta.app.GetLedger().Delegation(id)
	require.NoError(t, err)
	ta.home.AdvanceRounds(d.UnlockHeight)
	ta.requireDelegationStatus(id, types.DelegationStatus_CLOSED)

	require.NoError(t, ta.app.RetireValidator(val))
}

func TestRejectedFillClosesDelegation(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	ta := startTestApp(t)
	val := ta.registerValidator(r, 100)
	ta.guest.SetAckPolicy(simchain.AlwaysReject)

	id, err := ta.app.RequestDelegation(delegationRequest(val, 100))
	require.NoError(t, err)
	ta.requireDelegationStatus(id, types.DelegationStatus_CLOSED)

	m, err := ta.app.GetCoordinator().Membership(val, guestChain)
	require.NoError(t, err)
	require.Equal(t, types.MembershipStatus_REVOKED, m.Status)
	require.False(t, ta.guest.HasCapability(types.NewPairKey(val, guestChain)))

	// the pair can be requested again
	ta.guest.SetAckPolicy(simchain.AlwaysAck)
	id, err = ta.app.RequestDelegation(delegationRequest(val, 100))
	require.NoError(t, err)
	ta.requireDelegationStatus(id, types.DelegationStatus_ACTIVE)
}

func TestRestartProvisionsInterruptedDelegation(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	ta := startTestApp(t)
	val := ta.registerValidator(r, 100)
	ta.guest.SetAckPolicy(simchain.NeverAck)

	id, err := ta.app.RequestDelegation(delegationRequest(val, 100))
	require.NoError(t, err)
	ta.requireDelegationStatus(id, types.DelegationStatus_PROVISIONED)

	// the data directory is locked while the app runs
	_, err = service.NewRestakeAppFromConfig(ta.cfg, ta.chains, zap.NewNop())
	require.Error(t, err)

	ta.guest.SetAckPolicy(simchain.AlwaysAck)
	ta.restart()

	ta.requireDelegationStatus(id, types.DelegationStatus_ACTIVE)
	require.Eventually(t, func() bool {
		return len(ta.app.GetCoordinator().EffectiveSet(guestChain)) == 1
	}, eventuallyWaitTimeOut, eventuallyPollTime)
}

func TestMisbehaviourReportSuspends(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	ta := startTestApp(t)
	val := ta.registerValidator(r, 100)

	id, err := ta.app.RequestDelegation(delegationRequest(val, 20))
	require.NoError(t, err)
	ta.requireDelegationStatus(id, types.DelegationStatus_ACTIVE)
	require.Eventually(t, func() bool {
		return len(ta.app.GetCoordinator().EffectiveSet(guestChain)) == 1
	}, eventuallyWaitTimeOut, eventuallyPollTime)

	// downtime with no proof about a validator that was never admitted
	other, _ := testutil.GenRandomValidator(r)
	require.NoError(t, ta.app.ReportEvidence(context.Background(), &types.Evidence{
		Kind:      types.EvidenceKind_DOWNTIME,
		Validator: other,
		Chain:     guestChain,
		Penalty:   sdkmath.NewInt(1),
	}))

	// a small penalty keeps the collateral, the validator is suspended anyway
	require.NoError(t, ta.app.ReportEvidence(context.Background(), &types.Evidence{
		Kind:      types.EvidenceKind_DOWNTIME,
		Validator: val,
		Chain:     guestChain,
		Height:    3,
		Penalty:   sdkmath.NewInt(5),
	}))
	require.Empty(t, ta.app.GetCoordinator().EffectiveSet(guestChain))
	m, err := ta.app.GetCoordinator().Membership(val, guestChain)
	require.NoError(t, err)
	require.Equal(t, types.MembershipStatus_SUSPENDED, m.Status)

	require.Eventually(t, func() bool {
		v, err := ta.app.GetLedger().Validator(val)
		return err == nil && sdkmath.NewInt(95).Equal(v.Stake)
	}, eventuallyWaitTimeOut, eventuallyPollTime)
	d, err := ta.app.GetLedger().Delegation(id)
	require.NoError(t, err)
	require.Equal(t, types.DelegationStatus_ACTIVE, d.Status)
}
