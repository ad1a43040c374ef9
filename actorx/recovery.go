package actorx

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matrixmagiq/eigenlayer/keystore"
	"github.com/matrixmagiq/eigenlayer/types"
)

// Recover brings every operation interrupted by a crash or a stop to a
// terminal state. Decided operations deliver their decision again. Undecided
// ones query the acknowledgments again and are decided within the bound
// counted from their original prepare. Slots held by an operation the
// journal does not know are rolled back. Kills that were requested but never
// committed are issued again in the background and reported to done.
func (e *Engine) Recover(ctx context.Context, done KillCallback) ([]*Outcome, error) {
	if !e.IsRunning() {
		return nil, types.ErrEngineStopped
	}

	var outcomes []*Outcome
	for _, rec := range e.journal.Unfinished() {
		outcome, err := e.resume(ctx, rec)
		if err != nil {
			return outcomes, fmt.Errorf("failed to recover op %d of %s: %w", rec.OpID, rec.Pair, err)
		}
		e.logger.Info("recovered an interrupted operation",
			zap.String("action", rec.Action.String()),
			zap.String("pair", rec.Pair.String()),
			zap.Uint64("op", rec.OpID),
			zap.Bool("committed", outcome.Committed),
		)
		outcomes = append(outcomes, outcome)
	}

	for pair, op := range e.keys.PendingSlots() {
		if _, ok := e.journal.Op(op); ok {
			continue
		}
		if err := e.rollbackOrphan(pair, op); err != nil {
			return outcomes, err
		}
	}

	for _, pair := range e.journal.PendingKills() {
		e.logger.Info("issuing a pending kill again", zap.String("pair", pair.String()))
		e.KillAsync(ctx, pair, done)
	}

	return outcomes, nil
}

func (e *Engine) resume(ctx context.Context, rec *OpRecord) (*Outcome, error) {
	unlock, err := e.lockPair(ctx, rec.Pair)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e.metrics.IncrementInflightOps()
	defer e.metrics.DecrementInflightOps()

	if !rec.Decided {
		commit := false
		if pending, ok := e.keys.PendingOp(rec.Pair); ok && pending == rec.OpID {
			homeCC, guestCC, err := e.controllers(rec.Home, rec.Pair.Chain)
			if err != nil {
				return nil, err
			}
			prepErr := e.awaitAcks(ctx, rec, homeCC, guestCC)
			if ctx.Err() != nil {
				return nil, prepErr
			}
			commit = prepErr == nil
		}
		if err := e.journal.Decide(rec.OpID, commit); err != nil {
			return nil, err
		}
		rec.Decided, rec.Commit = true, commit
	}

	outcome, err := e.finish(rec)
	if err != nil {
		return nil, err
	}
	if rec.Action == ActionFill {
		if outcome.Committed {
			e.metrics.RecordFillOutcome(outcomeCommitted)
		} else {
			e.metrics.RecordFillOutcome(outcomeAborted)
		}
	}
	if rec.Action == ActionKill && outcome.Committed {
		e.metrics.IncrementKills()
	}

	return outcome, nil
}

func (e *Engine) rollbackOrphan(pair types.PairKey, op uint64) error {
	e.logger.Warn("rolling back a slot held by an unknown operation",
		zap.String("pair", pair.String()),
		zap.Uint64("op", op),
	)
	if e.keys.Slot(pair) == keystore.SlotState_FILLING {
		return e.keys.RollbackFill(op, pair)
	}
	return e.keys.RollbackKill(op, pair)
}
