package ledger_test

import (
	"fmt"
	"math/rand"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matrixmagiq/eigenlayer/config"
	"github.com/matrixmagiq/eigenlayer/ledger"
	"github.com/matrixmagiq/eigenlayer/testutil"
	"github.com/matrixmagiq/eigenlayer/types"
)

const homeChain = types.ChainID("home")

func newLedger(t *testing.T, db kvdb.Backend) *ledger.Ledger {
	cfg := config.DefaultLedgerConfig()
	l, err := ledger.New(db, &cfg, zap.NewNop())
	require.NoError(t, err)
	return l
}

func request(val types.ValidatorID, guest types.ChainID, amount int64, ratio string) *ledger.DelegationRequest {
	return &ledger.DelegationRequest{
		Validator: val,
		Guest:     guest,
		Amount:    sdkmath.NewInt(amount),
		Ratio:     sdkmath.LegacyMustNewDecFromStr(ratio),
	}
}

func TestCollateralizationCheck(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	l := newLedger(t, testutil.GenDBBackend(r, t))
	val, _ := testutil.GenRandomValidator(r)
	require.NoError(t, l.RegisterValidator(val, homeChain, sdkmath.NewInt(100)))

	_, err := l.RequestDelegation(request(val, "guest-a", 220, "2"))
	require.ErrorIs(t, err, types.ErrCollateralization)
	require.Empty(t, l.Delegations())

	id, err := l.RequestDelegation(request(val, "guest-a", 150, "2"))
	require.NoError(t, err)
	d, err := l.Delegation(id)
	require.NoError(t, err)
	require.Equal(t, types.DelegationStatus_REQUESTED, d.Status)
	require.Equal(t, uint64(100), d.UnlockHeight)
	require.True(t, sdkmath.LegacyNewDec(75).Equal(l.CommittedCollateral(val)))

	// 75 of 100 is committed, 60/2 does not fit
	_, err = l.RequestDelegation(request(val, "guest-b", 60, "2"))
	require.ErrorIs(t, err, types.ErrCollateralization)
	_, err = l.RequestDelegation(request(val, "guest-b", 50, "2"))
	require.NoError(t, err)

	_, err = l.RequestDelegation(request(val, "guest-a", 2, "2"))
	require.ErrorIs(t, err, types.ErrDelegationExists)
	_, err = l.RequestDelegation(request(val, homeChain, 2, "2"))
	require.Error(t, err)
	_, err = l.RequestDelegation(request(val, "guest-c", 0, "2"))
	require.ErrorIs(t, err, types.ErrMinRestakeNotMet)
	_, err = l.RequestDelegation(request(val, "guest-c", 1, "0.5"))
	require.ErrorIs(t, err, types.ErrCollateralization)

	other, _ := testutil.GenRandomValidator(r)
	_, err = l.RequestDelegation(request(other, "guest-a", 10, "2"))
	require.ErrorIs(t, err, types.ErrValidatorNotRegistered)
}

func TestDelegationLifecycle(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	l := newLedger(t, testutil.GenDBBackend(r, t))
	val, _ := testutil.GenRandomValidator(r)
	require.NoError(t, l.RegisterValidator(val, homeChain, sdkmath.NewInt(100)))

	id, err := l.RequestDelegation(request(val, "guest", 150, "2"))
	require.NoError(t, err)
	_, err = l.RequestUnwind(id)
	require.ErrorIs(t, err, types.ErrNotActive)

	require.NoError(t, l.OnFillPrepared(id))
	require.NoError(t, l.OnFillCommitted(id))
	d, err := l.Delegation(id)
	require.NoError(t, err)
	require.Equal(t, types.DelegationStatus_ACTIVE, d.Status)
	require.True(t, d.TokenOutstanding)

	status, err := l.RequestUnwind(id)
	require.NoError(t, err)
	require.Equal(t, types.DelegationStatus_UNWINDING, status)
	// unwinding collateral no longer counts against the stake
	require.True(t, l.CommittedCollateral(val).IsZero())
	require.ErrorIs(t, l.RetireValidator(val), types.ErrOutstandingDelegations)

	require.NoError(t, l.OnKillCommitted(id))
	closed, err := l.AdvanceHeight(99)
	require.NoError(t, err)
	require.Empty(t, closed)
	closed, err = l.AdvanceHeight(100)
	require.NoError(t, err)
	require.Equal(t, []uint64{id}, closed)

	d, err = l.Delegation(id)
	require.NoError(t, err)
	require.Equal(t, types.DelegationStatus_CLOSED, d.Status)
	_, ok := l.LiveDelegation(d.Pair())
	require.False(t, ok)

	require.NoError(t, l.RetireValidator(val))
	_, err = l.RequestDelegation(request(val, "guest", 10, "2"))
	require.ErrorIs(t, err, types.ErrValidatorRetired)
}

func TestAbortedFillClosesDelegation(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	l := newLedger(t, testutil.GenDBBackend(r, t))
	val, _ := testutil.GenRandomValidator(r)
	require.NoError(t, l.RegisterValidator(val, homeChain, sdkmath.NewInt(100)))

	id, err := l.RequestDelegation(request(val, "guest", 150, "2"))
	require.NoError(t, err)
	require.NoError(t, l.OnFillPrepared(id))
	require.NoError(t, l.OnFillAborted(id))

	d, err := l.Delegation(id)
	require.NoError(t, err)
	require.Equal(t, types.DelegationStatus_CLOSED, d.Status)
	require.ErrorIs(t, l.OnFillCommitted(id), types.ErrInvalidTransition)

	// the pair is free again
	_, err = l.RequestDelegation(request(val, "guest", 150, "2"))
	require.NoError(t, err)
}

func TestSlashingForcesUnwind(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	l := newLedger(t, testutil.GenDBBackend(r, t))
	val, _ := testutil.GenRandomValidator(r)
	require.NoError(t, l.RegisterValidator(val, homeChain, sdkmath.NewInt(100)))

	id, err := l.RequestDelegation(request(val, "guest", 150, "2"))
	require.NoError(t, err)
	require.NoError(t, l.OnFillCommitted(id))

	forced, err := l.ApplySlashing(val, &types.Evidence{
		Kind:      types.EvidenceKind_DOWNTIME,
		Validator: val,
		Chain:     "guest",
		Height:    7,
		Penalty:   sdkmath.NewInt(60),
	})
	require.NoError(t, err)
	require.Len(t, forced, 1)
	require.Equal(t, id, forced[0].ID)
	require.True(t, forced[0].Forced)
	require.Equal(t, types.DelegationStatus_UNWINDING, forced[0].Status)

	v, err := l.Validator(val)
	require.NoError(t, err)
	require.True(t, sdkmath.NewInt(40).Equal(v.Stake))
	require.Len(t, v.SlashingHistory, 1)
	require.Equal(t, types.EvidenceKind_DOWNTIME, v.SlashingHistory[0].Kind)
	require.True(t, l.CommittedCollateral(val).LTE(v.Stake.ToLegacyDec()))

	// the same evidence is applied once
	forced, err = l.ApplySlashing(val, &types.Evidence{
		Kind:      types.EvidenceKind_DOWNTIME,
		Validator: val,
		Chain:     "guest",
		Height:    7,
		Penalty:   sdkmath.NewInt(60),
	})
	require.NoError(t, err)
	require.Empty(t, forced)
	v, err = l.Validator(val)
	require.NoError(t, err)
	require.Len(t, v.SlashingHistory, 1)

	// a penalty larger than the stake leaves nothing
	_, err = l.ApplySlashing(val, &types.Evidence{
		Validator: val,
		Chain:     "guest",
		Penalty:   sdkmath.NewInt(1000),
	})
	require.NoError(t, err)
	v, err = l.Validator(val)
	require.NoError(t, err)
	require.True(t, v.Stake.IsZero())
}

func TestUnwindDuringProvisioning(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	l := newLedger(t, testutil.GenDBBackend(r, t))
	val, _ := testutil.GenRandomValidator(r)
	require.NoError(t, l.RegisterValidator(val, homeChain, sdkmath.NewInt(100)))

	id, err := l.RequestDelegation(request(val, "guest", 100, "1"))
	require.NoError(t, err)
	require.NoError(t, l.OnFillPrepared(id))

	forced, err := l.ApplySlashing(val, &types.Evidence{
		Validator: val,
		Chain:     "guest",
		Penalty:   sdkmath.NewInt(1),
	})
	require.NoError(t, err)
	require.Len(t, forced, 1)

	// the fill is still in flight, so the delegation stays open
	d, err := l.Delegation(id)
	require.NoError(t, err)
	require.Equal(t, types.DelegationStatus_UNWINDING, d.Status)

	require.ErrorIs(t, l.OnFillCommitted(id), types.ErrNotActive)
	d, err = l.Delegation(id)
	require.NoError(t, err)
	require.True(t, d.TokenOutstanding)

	require.NoError(t, l.OnKillCommitted(id))
	closed, err := l.AdvanceHeight(d.UnlockHeight)
	require.NoError(t, err)
	require.Equal(t, []uint64{id}, closed)
}

func TestSlashingClosesUnpreparedDelegation(t *testing.T) {
	r := rand.New(rand.NewSource(8))
	db := testutil.GenDBBackend(r, t)
	l := newLedger(t, db)
	val, _ := testutil.GenRandomValidator(r)
	require.NoError(t, l.RegisterValidator(val, homeChain, sdkmath.NewInt(100)))

	id, err := l.RequestDelegation(request(val, "guest", 100, "2"))
	require.NoError(t, err)

	forced, err := l.ApplySlashing(val, &types.Evidence{
		Kind:      types.EvidenceKind_DOWNTIME,
		Validator: val,
		Chain:     "guest",
		Height:    3,
		Penalty:   sdkmath.NewInt(60),
	})
	require.NoError(t, err)
	require.Len(t, forced, 1)
	require.Equal(t, id, forced[0].ID)

	// no fill was prepared, so nothing holds the delegation open
	d, err := l.Delegation(id)
	require.NoError(t, err)
	require.Equal(t, types.DelegationStatus_CLOSED, d.Status)
	require.False(t, d.Activated)
	require.ErrorIs(t, l.OnFillPrepared(id), types.ErrInvalidTransition)
	require.NoError(t, l.OnFillAborted(id))

	_, ok := l.LiveDelegation(d.Pair())
	require.False(t, ok)
	_, err = l.RequestDelegation(request(val, "guest", 60, "2"))
	require.NoError(t, err)

	reopened := newLedger(t, db)
	d, err = reopened.Delegation(id)
	require.NoError(t, err)
	require.Equal(t, types.DelegationStatus_CLOSED, d.Status)
}

func TestDebitStakeKeepsCollateral(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	l := newLedger(t, testutil.GenDBBackend(r, t))
	val, _ := testutil.GenRandomValidator(r)
	require.NoError(t, l.RegisterValidator(val, homeChain, sdkmath.NewInt(100)))
	_, err := l.RequestDelegation(request(val, "guest", 120, "2"))
	require.NoError(t, err)

	require.ErrorIs(t, l.DebitStake(val, sdkmath.NewInt(41)), types.ErrCollateralization)
	require.NoError(t, l.DebitStake(val, sdkmath.NewInt(40)))
	require.NoError(t, l.CreditStake(val, sdkmath.NewInt(5)))

	v, err := l.Validator(val)
	require.NoError(t, err)
	require.True(t, sdkmath.NewInt(65).Equal(v.Stake))
}

// FuzzCollateralInvariant drives random operations and checks that the
// committed collateral of a validator never exceeds its stake and that the
// ledger is rebuilt identically from its event log
func FuzzCollateralInvariant(f *testing.F) {
	testutil.AddRandomSeedsToFuzzer(f, 10)
	f.Fuzz(func(t *testing.T, seed int64) {
		r := rand.New(rand.NewSource(seed))
		db := testutil.GenDBBackend(r, t)
		l := newLedger(t, db)

		vals := make([]types.ValidatorID, 3)
		for i := range vals {
			vals[i], _ = testutil.GenRandomValidator(r)
			require.NoError(t, l.RegisterValidator(vals[i], homeChain, sdkmath.NewInt(100+r.Int63n(900))))
		}
		guests := []types.ChainID{"guest-a", "guest-b", "guest-c"}

		for i := 0; i < 100; i++ {
			val := vals[r.Intn(len(vals))]
			switch r.Intn(6) {
			case 0, 1:
				ratio := sdkmath.LegacyNewDec(1 + r.Int63n(4))
				_, _ = l.RequestDelegation(&ledger.DelegationRequest{
					Validator: val,
					Guest:     guests[r.Intn(len(guests))],
					Amount:    sdkmath.NewInt(1 + r.Int63n(1000)),
					Ratio:     ratio,
					Duration:  uint64(1 + r.Intn(20)),
				})
			case 2:
				for _, d := range l.Delegations() {
					if r.Intn(2) == 0 {
						_ = l.OnFillCommitted(d.ID)
					} else {
						_ = l.OnFillAborted(d.ID)
					}
				}
			case 3:
				for _, d := range l.Delegations() {
					_, _ = l.RequestUnwind(d.ID)
					_ = l.OnKillCommitted(d.ID)
				}
			case 4:
				_, err := l.ApplySlashing(val, &types.Evidence{
					Validator: val,
					Chain:     guests[r.Intn(len(guests))],
					Height:    uint64(i),
					Penalty:   sdkmath.NewInt(r.Int63n(300)),
				})
				require.NoError(t, err)
			case 5:
				_, err := l.AdvanceHeight(l.Height() + uint64(r.Intn(10)))
				require.NoError(t, err)
			}

			for _, id := range vals {
				v, err := l.Validator(id)
				require.NoError(t, err)
				require.True(t, l.CommittedCollateral(id).LTE(v.Stake.ToLegacyDec()))
			}
		}

		reopened := newLedger(t, db)
		require.Equal(t, l.Height(), reopened.Height())
		require.Equal(t, describeDelegations(l.Delegations()), describeDelegations(reopened.Delegations()))
		for _, id := range vals {
			want, err := l.Validator(id)
			require.NoError(t, err)
			got, err := reopened.Validator(id)
			require.NoError(t, err)
			require.Equal(t, describeValidator(want), describeValidator(got))
		}
	})
}

func describeDelegations(ds []*types.RestakeDelegation) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, fmt.Sprintf("%d %s %s %s %s %s %d %s %t %t %t",
			d.ID, d.Delegator, d.HomeChain, d.GuestChain, d.Amount, d.Ratio,
			d.UnlockHeight, d.Status, d.Activated, d.TokenOutstanding, d.Forced))
	}
	return out
}

func describeValidator(v *types.Validator) string {
	desc := fmt.Sprintf("%s %s %s %t %d", v.ID, v.HomeChain, v.Stake, v.Retired, len(v.Delegations))
	for _, s := range v.SlashingHistory {
		desc += fmt.Sprintf(" [%d %s %s %s]", s.Height, s.Chain, s.Kind, s.Penalty)
	}
	return desc
}
