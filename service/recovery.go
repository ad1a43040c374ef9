package service

import (
	"go.uber.org/zap"

	"github.com/matrixmagiq/eigenlayer/keystore"
	"github.com/matrixmagiq/eigenlayer/types"
)

// reconcile finishes the operations the engine left behind and brings every
// open delegation and membership in line with the key store
func (app *RestakeApp) reconcile() error {
	outcomes, err := app.engine.Recover(app.ctx, app.onKillCommitted)
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		app.logger.Info("the engine recovered an operation",
			zap.String("action", o.Action.String()),
			zap.String("pair", o.Pair.String()),
			zap.Bool("committed", o.Committed),
		)
	}

	pendingKills := make(map[types.PairKey]struct{})
	for _, pair := range app.journal.PendingKills() {
		pendingKills[pair] = struct{}{}
	}
	killAsync := func(pair types.PairKey) {
		if _, ok := pendingKills[pair]; ok {
			return
		}
		pendingKills[pair] = struct{}{}
		app.engine.KillAsync(app.ctx, pair, app.onKillCommitted)
	}

	for _, d := range app.ledger.Delegations() {
		if d.IsClosed() {
			continue
		}
		pair := d.Pair()
		filled := app.keys.Slot(pair) == keystore.SlotState_FILLED

		switch d.Status {
		case types.DelegationStatus_REQUESTED, types.DelegationStatus_PROVISIONED:
			if filled {
				app.onFillCommitted(d.ID)
				continue
			}
			quantumKey, err := app.registry.QuantumKey(d.Delegator)
			if err != nil {
				app.onFillAborted(d.ID, err)
				continue
			}
			app.logger.Info("provisioning an interrupted delegation again", zap.Uint64("id", d.ID))
			app.provisionAsync(d.ID, quantumKey)

		case types.DelegationStatus_ACTIVE:
			app.admit(d)

		case types.DelegationStatus_UNWINDING:
			reason := types.EvictionReason_UNWIND
			if d.Forced {
				reason = types.EvictionReason_FORCED_UNWIND
			}
			app.evict(pair, reason)

			switch {
			case !d.Activated && filled:
				// the fill committed after the delegation was force-unwound
				app.onFillCommitted(d.ID)
			case !d.Activated:
				app.onFillAborted(d.ID, types.ErrNotActive)
			case d.TokenOutstanding && filled:
				killAsync(pair)
			case d.TokenOutstanding:
				app.onKillCommitted(pair, nil)
			}
		}
	}

	// tokens no open delegation accounts for are revoked
	for _, token := range app.keys.LiveTokens() {
		pair := types.NewPairKey(token.Validator, token.Chain)
		if _, ok := app.ledger.LiveDelegation(pair); ok {
			continue
		}
		app.logger.Warn("killing a capability without a delegation", zap.String("pair", pair.String()))
		killAsync(pair)
	}

	return nil
}
