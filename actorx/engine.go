package actorx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/matrixmagiq/eigenlayer/clientcontroller"
	"github.com/matrixmagiq/eigenlayer/config"
	"github.com/matrixmagiq/eigenlayer/keystore"
	"github.com/matrixmagiq/eigenlayer/metrics"
	"github.com/matrixmagiq/eigenlayer/qkeys"
	"github.com/matrixmagiq/eigenlayer/transport"
	"github.com/matrixmagiq/eigenlayer/types"
)

var (
	RtyAttNum = uint(5)
	RtyAtt    = retry.Attempts(RtyAttNum)
	RtyDel    = retry.Delay(time.Millisecond * 400)
	RtyErr    = retry.LastErrorOnly(true)
)

const (
	// maxFailedCycles bounds consecutive failed ack polls before a prepare
	// is aborted
	maxFailedCycles = 20

	outcomeCommitted = "committed"
	outcomeAborted   = "aborted"
	outcomeRejected  = "rejected"
)

type FillRequest struct {
	Validator types.ValidatorID
	Guest     types.ChainID
	// QuantumKey is the validator's registered ML-KEM-768 public key
	QuantumKey []byte
}

func (r *FillRequest) Pair() types.PairKey {
	return types.NewPairKey(r.Validator, r.Guest)
}

// Outcome is the terminal result of an operation
type Outcome struct {
	OpID      uint64
	Action    Action
	Pair      types.PairKey
	Committed bool
}

// KillCallback is called when a kill issued in the background completes
type KillCallback func(pair types.PairKey, err error)

type submitFunc func(ctx context.Context, opID uint64, envelope []byte) error

// Engine provisions and revokes capability tokens with a two-phase protocol
// over the home chain and a guest chain. At most one operation runs per
// (validator, guest chain) pair.
type Engine struct {
	cfg  *config.ActorXConfig
	home types.ChainID

	chains  *clientcontroller.ChainSet
	keys    *keystore.Store
	sealer  *transport.Sealer
	journal *Journal
	metrics *metrics.RestakeMetrics
	logger  *zap.Logger

	locksMu sync.Mutex
	locks   map[types.PairKey]*semaphore.Weighted

	prepMu    sync.Mutex
	prepSeq   uint64
	preparing map[types.PairKey]map[uint64]context.CancelCauseFunc

	isStarted *atomic.Bool
	stopCtx   context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

func NewEngine(
	cfg *config.ActorXConfig,
	home types.ChainID,
	chains *clientcontroller.ChainSet,
	keys *keystore.Store,
	sealer *transport.Sealer,
	journal *Journal,
	metrics *metrics.RestakeMetrics,
	logger *zap.Logger,
) *Engine {
	stopCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		home:      home,
		chains:    chains,
		keys:      keys,
		sealer:    sealer,
		journal:   journal,
		metrics:   metrics,
		logger:    logger,
		locks:     make(map[types.PairKey]*semaphore.Weighted),
		preparing: make(map[types.PairKey]map[uint64]context.CancelCauseFunc),
		isStarted: atomic.NewBool(false),
		stopCtx:   stopCtx,
		stop:      stop,
	}
}

func (e *Engine) Start() error {
	if e.stopCtx.Err() != nil {
		return fmt.Errorf("the fill/kill engine cannot be restarted")
	}
	if e.isStarted.Swap(true) {
		return fmt.Errorf("the fill/kill engine is already started")
	}

	e.logger.Info("the fill/kill engine is started", zap.String("home_chain", e.home.String()))

	return nil
}

// Stop interrupts pending deliveries and background kills. Decided
// operations that did not finish are resumed by Recover.
func (e *Engine) Stop() error {
	if !e.isStarted.Swap(false) {
		return fmt.Errorf("the fill/kill engine has already stopped")
	}

	e.logger.Info("stopping the fill/kill engine")
	e.stop()
	e.wg.Wait()
	e.logger.Info("the fill/kill engine is successfully stopped")

	return nil
}

func (e *Engine) IsRunning() bool {
	return e.isStarted.Load()
}

// Fill provisions a capability token for the pair. The caller may cancel ctx
// while the prepare phase runs, after which the operation is aborted.
func (e *Engine) Fill(ctx context.Context, req *FillRequest) (*types.CapabilityToken, error) {
	if !e.IsRunning() {
		return nil, types.ErrEngineStopped
	}
	pair := req.Pair()

	// Cancel reaches the fill from here until its decision is taken
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	release := e.setPreparing(pair, cancel)
	defer release()

	unlock, err := e.lockPair(ctx, pair)
	if err != nil {
		return nil, cancelled(ctx)
	}
	defer unlock()
	if ctx.Err() != nil {
		return nil, cancelled(ctx)
	}

	if state := e.keys.Slot(pair); state != keystore.SlotState_IDLE {
		return nil, fmt.Errorf("%w: %s is %s", types.ErrTokenConflict, pair, state)
	}
	homeCC, guestCC, err := e.controllers(e.home, pair.Chain)
	if err != nil {
		return nil, err
	}
	material, fingerprint, err := qkeys.Encapsulate(req.QuantumKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrQuantumVerificationFailed, err)
	}
	homeRound, guestRound, err := e.finalizedRounds(ctx, homeCC, guestCC)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		return nil, err
	}
	op, err := e.keys.NextOpID()
	if err != nil {
		return nil, err
	}

	token := &types.CapabilityToken{
		Validator:   pair.Validator,
		Chain:       pair.Chain,
		Fingerprint: fingerprint,
		Epoch:       guestRound,
		Status:      types.TokenStatus_FILLED,
		OpID:        op,
		KeyMaterial: material,
	}
	rec := &OpRecord{
		OpID:       op,
		Action:     ActionFill,
		Pair:       pair,
		Home:       e.home,
		HomeRound:  homeRound,
		GuestRound: guestRound,
	}
	msg := &Message{
		Phase:       PhasePrepare,
		Action:      ActionFill,
		OpID:        op,
		Validator:   pair.Validator,
		Home:        e.home,
		Guest:       pair.Chain,
		Fingerprint: fingerprint,
		Epoch:       guestRound,
		KeyMaterial: material,
	}

	e.metrics.IncrementInflightOps()
	defer e.metrics.DecrementInflightOps()

	if err := e.journal.Start(rec); err != nil {
		return nil, err
	}
	if err := e.keys.ReserveFill(op, token); err != nil {
		e.metrics.RecordFillOutcome(outcomeRejected)
		return nil, e.discard(rec, err)
	}

	e.logger.Debug("the fill is prepared",
		zap.String("pair", pair.String()),
		zap.Uint64("op", op),
		zap.Uint64("epoch", guestRound),
	)

	outcome, err := e.run(ctx, rec, msg, release)
	if err != nil {
		if outcome != nil {
			e.metrics.RecordFillOutcome(outcomeAborted)
		}
		return nil, err
	}
	e.metrics.RecordFillOutcome(outcomeCommitted)

	e.logger.Info("the capability is filled",
		zap.String("pair", pair.String()),
		zap.Uint64("op", op),
		zap.String("fingerprint", token.FingerprintHex()),
	)

	return token, nil
}

// Kill revokes the live capability of the pair. Cancellation of ctx is
// ignored: the kill is retried with backoff until it commits or the engine
// stops, and an alert is raised every KillAlertAttempts failed attempts.
func (e *Engine) Kill(ctx context.Context, pair types.PairKey) error {
	if !e.IsRunning() {
		return types.ErrEngineStopped
	}
	ctx, cancel := e.detach(ctx)
	defer cancel()

	if err := e.journal.RequestKill(pair); err != nil {
		return err
	}

	e.metrics.IncrementInflightOps()
	defer e.metrics.DecrementInflightOps()

	err := retry.Do(func() error {
		return e.killOnce(ctx, pair)
	},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(e.cfg.SubmissionRetryDelay),
		retry.MaxDelay(e.cfg.MaxSubmissionRetryGap),
		retry.DelayType(retry.BackOffDelay),
		RtyErr,
		retry.OnRetry(func(n uint, err error) {
			attempts := n + 1
			e.metrics.RecordKillAttempts(pair.String(), attempts)
			if attempts%e.cfg.KillAlertAttempts == 0 {
				e.metrics.IncrementKillAlerts()
				e.logger.Error("failed to kill a capability token, the token stays live",
					zap.String("pair", pair.String()),
					zap.Uint("attempts", attempts),
					zap.Error(err),
				)
				return
			}
			e.logger.Warn("failed to kill a capability token, retrying",
				zap.String("pair", pair.String()),
				zap.Uint("attempt", attempts),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		if e.stopCtx.Err() != nil {
			return fmt.Errorf("%w: kill of %s interrupted: %v", types.ErrEngineStopped, pair, err)
		}
		return err
	}

	e.metrics.ClearKillAttempts(pair.String())
	if err := e.journal.ResolveKill(pair); err != nil {
		return err
	}

	return nil
}

// KillAsync runs Kill in the background and reports the result to done
func (e *Engine) KillAsync(ctx context.Context, pair types.PairKey, done KillCallback) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.Kill(ctx, pair)
		if done != nil {
			done(pair, err)
		}
	}()
}

// Cancel aborts every fill of the pair that has not reached its decision,
// including fills still waiting for the pair. It returns false if there is
// none.
func (e *Engine) Cancel(pair types.PairKey) bool {
	e.prepMu.Lock()
	defer e.prepMu.Unlock()

	fills := e.preparing[pair]
	for _, cancel := range fills {
		cancel(fmt.Errorf("%w: %s", types.ErrPrepareCancelled, pair))
	}
	delete(e.preparing, pair)
	return len(fills) > 0
}

func (e *Engine) killOnce(ctx context.Context, pair types.PairKey) error {
	unlock, err := e.lockPair(ctx, pair)
	if err != nil {
		return err
	}
	defer unlock()

	switch state := e.keys.Slot(pair); state {
	case keystore.SlotState_IDLE:
		// nothing is live
		return nil
	case keystore.SlotState_FILLING, keystore.SlotState_KILLING:
		return fmt.Errorf("%w: %s is %s", types.ErrSlotBusy, pair, state)
	}

	homeCC, guestCC, err := e.controllers(e.home, pair.Chain)
	if err != nil {
		return err
	}
	homeRound, guestRound, err := e.finalizedRounds(ctx, homeCC, guestCC)
	if err != nil {
		return err
	}
	op, err := e.keys.NextOpID()
	if err != nil {
		return err
	}

	rec := &OpRecord{
		OpID:       op,
		Action:     ActionKill,
		Pair:       pair,
		Home:       e.home,
		HomeRound:  homeRound,
		GuestRound: guestRound,
	}
	if err := e.journal.Start(rec); err != nil {
		return err
	}
	if err := e.keys.ReserveKill(op, pair); err != nil {
		return e.discard(rec, err)
	}

	_, err = e.run(ctx, rec, &Message{
		Phase:     PhasePrepare,
		Action:    ActionKill,
		OpID:      op,
		Validator: pair.Validator,
		Home:      e.home,
		Guest:     pair.Chain,
	}, nil)
	if err != nil {
		return err
	}

	e.metrics.IncrementKills()
	e.logger.Info("the capability is killed", zap.String("pair", pair.String()), zap.Uint64("op", op))

	return nil
}

// run drives a reserved operation through prepare, decision and delivery.
// release, if set, is called once the prepare phase is over. An aborted
// operation returns its outcome together with the abort reason.
func (e *Engine) run(ctx context.Context, rec *OpRecord, msg *Message, release func()) (*Outcome, error) {
	prepCtx, cancel := context.WithCancelCause(ctx)
	prepErr := e.prepare(prepCtx, rec, msg)
	if release != nil {
		release()
	}
	cancel(nil)

	commit := prepErr == nil
	if !commit {
		e.logger.Warn("aborting the operation",
			zap.String("action", rec.Action.String()),
			zap.String("pair", rec.Pair.String()),
			zap.Uint64("op", rec.OpID),
			zap.Error(prepErr),
		)
	}

	// past the decision the caller can no longer cancel the operation
	if err := e.journal.Decide(rec.OpID, commit); err != nil {
		return nil, err
	}
	rec.Decided, rec.Commit = true, commit

	outcome, err := e.finish(rec)
	if err != nil {
		return nil, err
	}
	if !commit {
		return outcome, prepErr
	}

	return outcome, nil
}

func (e *Engine) prepare(ctx context.Context, rec *OpRecord, msg *Message) error {
	homeCC, guestCC, err := e.controllers(rec.Home, rec.Pair.Chain)
	if err != nil {
		return err
	}

	payload := msg.Marshal()
	g, gctx := errgroup.WithContext(ctx)
	for _, cc := range []clientcontroller.ChainController{homeCC, guestCC} {
		cc := cc
		g.Go(func() error {
			return retry.Do(func() error {
				return e.submit(gctx, cc.SubmitPrepare, rec.OpID, payload)
			},
				retry.Context(gctx),
				RtyAtt,
				RtyDel,
				RtyErr,
				retry.RetryIf(func(err error) bool { return !clientcontroller.IsUnrecoverable(err) }),
				retry.OnRetry(func(n uint, err error) {
					e.logger.Debug("failed to submit the prepare message",
						zap.String("chain", cc.ChainID().String()),
						zap.Uint64("op", rec.OpID),
						zap.Uint("attempt", n+1),
						zap.Uint("max_attempts", RtyAttNum),
						zap.Error(err),
					)
				}))
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		return fmt.Errorf("failed to broadcast the prepare message of op %d: %w", rec.OpID, err)
	}

	return e.awaitAcks(ctx, rec, homeCC, guestCC)
}

// awaitAcks polls both chains until both acknowledged the prepare message,
// one of them rejected it, or either finalized more than FinalityRoundBound
// rounds since the prepare.
func (e *Engine) awaitAcks(ctx context.Context, rec *OpRecord, homeCC, guestCC clientcontroller.ChainController) error {
	var failedCycles uint32
	for {
		homeAck, homeErr := homeCC.QueryPrepareAck(ctx, rec.OpID)
		guestAck, guestErr := guestCC.QueryPrepareAck(ctx, rec.OpID)
		if err := errors.Join(homeErr, guestErr); err != nil {
			if ctx.Err() != nil {
				return cancelled(ctx)
			}
			failedCycles++
			e.logger.Debug("failed to query prepare acknowledgments",
				zap.Uint64("op", rec.OpID),
				zap.Uint32("current_failures", failedCycles),
				zap.Error(err),
			)
			if failedCycles > maxFailedCycles {
				return fmt.Errorf("reached max failed cycles querying acknowledgments of op %d: %w", rec.OpID, err)
			}
		} else {
			failedCycles = 0
			switch {
			case homeAck == types.AckStatus_REJECTED || guestAck == types.AckStatus_REJECTED:
				return fmt.Errorf("%w: op %d: home %s, guest %s", types.ErrPrepareRejected, rec.OpID, homeAck, guestAck)
			case homeAck == types.AckStatus_ACKED && guestAck == types.AckStatus_ACKED:
				return nil
			}

			exceeded, err := e.boundExceeded(ctx, rec, homeCC, guestCC)
			if err != nil {
				e.logger.Debug("failed to query finalized rounds", zap.Uint64("op", rec.OpID), zap.Error(err))
			}
			if exceeded {
				return fmt.Errorf("%w: op %d unacknowledged after %d finalized rounds",
					types.ErrProtocolTimeout, rec.OpID, e.cfg.FinalityRoundBound)
			}
		}

		select {
		case <-time.After(e.cfg.AckPollInterval):
		case <-ctx.Done():
			return cancelled(ctx)
		}
	}
}

func (e *Engine) boundExceeded(ctx context.Context, rec *OpRecord, homeCC, guestCC clientcontroller.ChainController) (bool, error) {
	bound := e.cfg.FinalityRoundBound

	homeRound, homeErr := homeCC.QueryFinalizedRound(ctx)
	if homeErr == nil && homeRound > rec.HomeRound+bound {
		return true, nil
	}
	guestRound, guestErr := guestCC.QueryFinalizedRound(ctx)
	if guestErr == nil && guestRound > rec.GuestRound+bound {
		return true, nil
	}

	return false, errors.Join(homeErr, guestErr)
}

// finish delivers the decision to both chains, retrying until they accept
// it, then settles the key store slot
func (e *Engine) finish(rec *OpRecord) (*Outcome, error) {
	homeCC, guestCC, err := e.controllers(rec.Home, rec.Pair.Chain)
	if err != nil {
		return nil, err
	}

	payload := (&Message{
		Phase:     PhasePrepare,
		Action:    rec.Action,
		OpID:      rec.OpID,
		Validator: rec.Pair.Validator,
		Home:      rec.Home,
		Guest:     rec.Pair.Chain,
	}).Decision(rec.Commit).Marshal()

	g := new(errgroup.Group)
	for _, cc := range []clientcontroller.ChainController{homeCC, guestCC} {
		cc := cc
		submit := cc.SubmitAbort
		if rec.Commit {
			submit = cc.SubmitCommit
		}
		g.Go(func() error {
			return e.deliver(cc.ChainID(), submit, rec, payload)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if pending, ok := e.keys.PendingOp(rec.Pair); ok && pending == rec.OpID {
		if err := e.settle(rec); err != nil {
			return nil, err
		}
	}
	if err := e.journal.Finish(rec.OpID); err != nil {
		return nil, err
	}

	return &Outcome{
		OpID:      rec.OpID,
		Action:    rec.Action,
		Pair:      rec.Pair,
		Committed: rec.Commit,
	}, nil
}

func (e *Engine) settle(rec *OpRecord) error {
	switch {
	case rec.Action == ActionFill && rec.Commit:
		return e.keys.CommitFill(rec.OpID, rec.Pair)
	case rec.Action == ActionFill:
		return e.keys.RollbackFill(rec.OpID, rec.Pair)
	case rec.Commit:
		return e.keys.CommitKill(rec.OpID, rec.Pair)
	default:
		return e.keys.RollbackKill(rec.OpID, rec.Pair)
	}
}

func (e *Engine) deliver(chain types.ChainID, submit submitFunc, rec *OpRecord, payload []byte) error {
	err := retry.Do(func() error {
		return e.submit(e.stopCtx, submit, rec.OpID, payload)
	},
		retry.Context(e.stopCtx),
		retry.Attempts(0),
		retry.Delay(e.cfg.SubmissionRetryDelay),
		retry.MaxDelay(e.cfg.MaxSubmissionRetryGap),
		retry.DelayType(retry.BackOffDelay),
		RtyErr,
		retry.RetryIf(func(err error) bool { return !clientcontroller.IsUnrecoverable(err) }),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Debug("failed to deliver the decision, retrying",
				zap.String("chain", chain.String()),
				zap.Uint64("op", rec.OpID),
				zap.Bool("commit", rec.Commit),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
	if err != nil && e.stopCtx.Err() != nil {
		return fmt.Errorf("%w: decision of op %d not delivered to %s", types.ErrEngineStopped, rec.OpID, chain)
	}
	return err
}

// submit seals payload and hands it to a chain, escalating the redundancy
// when the chain fails to decode it. A chain that already holds the
// submission counts as success.
func (e *Engine) submit(ctx context.Context, fn submitFunc, op uint64, payload []byte) error {
	return e.sealer.Transmit(ctx, payload, func(ctx context.Context, envelope []byte) error {
		err := fn(ctx, op, envelope)
		if clientcontroller.IsExpected(err) {
			return nil
		}
		return err
	})
}

// discard closes an operation that failed before any chain was contacted
func (e *Engine) discard(rec *OpRecord, cause error) error {
	if err := e.journal.Decide(rec.OpID, false); err != nil {
		return err
	}
	if err := e.journal.Finish(rec.OpID); err != nil {
		return err
	}
	return cause
}

func (e *Engine) finalizedRounds(ctx context.Context, homeCC, guestCC clientcontroller.ChainController) (uint64, uint64, error) {
	var homeRound, guestRound uint64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := e.finalizedRoundWithRetry(gctx, homeCC)
		homeRound = r
		return err
	})
	g.Go(func() error {
		r, err := e.finalizedRoundWithRetry(gctx, guestCC)
		guestRound = r
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return homeRound, guestRound, nil
}

func (e *Engine) finalizedRoundWithRetry(ctx context.Context, cc clientcontroller.ChainController) (uint64, error) {
	var (
		round uint64
		err   error
	)
	if err := retry.Do(func() error {
		round, err = cc.QueryFinalizedRound(ctx)
		return err
	}, retry.Context(ctx), RtyAtt, RtyDel, RtyErr, retry.OnRetry(func(n uint, err error) {
		e.logger.Debug(
			"failed to query the finalized round",
			zap.String("chain", cc.ChainID().String()),
			zap.Uint("attempt", n+1),
			zap.Uint("max_attempts", RtyAttNum),
			zap.Error(err),
		)
	})); err != nil {
		return 0, err
	}
	return round, nil
}

func (e *Engine) controllers(home, guest types.ChainID) (clientcontroller.ChainController, clientcontroller.ChainController, error) {
	homeCC, err := e.chains.Get(home)
	if err != nil {
		return nil, nil, err
	}
	guestCC, err := e.chains.Get(guest)
	if err != nil {
		return nil, nil, err
	}
	return homeCC, guestCC, nil
}

func (e *Engine) lockPair(ctx context.Context, pair types.PairKey) (func(), error) {
	e.locksMu.Lock()
	sem, ok := e.locks[pair]
	if !ok {
		sem = semaphore.NewWeighted(1)
		e.locks[pair] = sem
	}
	e.locksMu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

// setPreparing registers the cancel function of a fill of the pair. The
// returned func removes it.
func (e *Engine) setPreparing(pair types.PairKey, cancel context.CancelCauseFunc) func() {
	e.prepMu.Lock()
	defer e.prepMu.Unlock()

	e.prepSeq++
	id := e.prepSeq
	fills, ok := e.preparing[pair]
	if !ok {
		fills = make(map[uint64]context.CancelCauseFunc)
		e.preparing[pair] = fills
	}
	fills[id] = cancel

	return func() {
		e.prepMu.Lock()
		defer e.prepMu.Unlock()

		fills, ok := e.preparing[pair]
		if !ok {
			return
		}
		delete(fills, id)
		if len(fills) == 0 {
			delete(e.preparing, pair)
		}
	}
}

func (e *Engine) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	detached, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopWatch := context.AfterFunc(e.stopCtx, cancel)
	return detached, func() {
		stopWatch()
		cancel()
	}
}

func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, types.ErrPrepareCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %v", types.ErrPrepareCancelled, cause)
}
