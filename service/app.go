package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/avast/retry-go/v4"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/juju/fslock"
	"github.com/lightningnetwork/lnd/kvdb"
	"go.uber.org/zap"

	"github.com/matrixmagiq/eigenlayer/actorx"
	"github.com/matrixmagiq/eigenlayer/clientcontroller"
	"github.com/matrixmagiq/eigenlayer/config"
	"github.com/matrixmagiq/eigenlayer/coordinator"
	"github.com/matrixmagiq/eigenlayer/ecc"
	"github.com/matrixmagiq/eigenlayer/keystore"
	"github.com/matrixmagiq/eigenlayer/ledger"
	"github.com/matrixmagiq/eigenlayer/metrics"
	"github.com/matrixmagiq/eigenlayer/registry"
	"github.com/matrixmagiq/eigenlayer/transport"
	"github.com/matrixmagiq/eigenlayer/types"
)

const (
	lockFileName          = "restaked.lock"
	metricsShutdownPeriod = 5 * time.Second
)

// RestakeApp wires the registry, the ledger, the coordinator and the
// fill/kill engine over one database
type RestakeApp struct {
	startOnce sync.Once
	stopOnce  sync.Once

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	config *config.Config
	home   types.ChainID
	chains *clientcontroller.ChainSet
	// db and lock are only set when the app opened them
	db   kvdb.Backend
	lock *fslock.Lock

	registry    *registry.Registry
	ledger      *ledger.Ledger
	coordinator *coordinator.Coordinator
	keys        *keystore.Store
	journal     *actorx.Journal
	engine      *actorx.Engine
	pollers     []*ChainPoller

	metrics       *metrics.RestakeMetrics
	metricsServer *metrics.Server
	logger        *zap.Logger
}

// NewRestakeAppFromConfig locks the data directory and opens the database
// configured in cfg. Both are released by Stop.
func NewRestakeAppFromConfig(
	cfg *config.Config,
	chains *clientcontroller.ChainSet,
	logger *zap.Logger,
) (*RestakeApp, error) {
	dataDir := cfg.DatabaseConfig.DBPath
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	lock := fslock.New(filepath.Join(dataDir, lockFileName))
	if err := lock.TryLock(); err != nil {
		return nil, fmt.Errorf("the data directory %s is used by another process: %w", dataDir, err)
	}

	db, err := cfg.DatabaseConfig.GetDbBackend()
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open the database: %w", err)
	}

	app, err := NewRestakeApp(cfg, chains, db, logger)
	if err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	app.db, app.lock = db, lock

	return app, nil
}

func NewRestakeApp(
	cfg *config.Config,
	chains *clientcontroller.ChainSet,
	db kvdb.Backend,
	logger *zap.Logger,
) (*RestakeApp, error) {
	home := types.ChainID(cfg.HomeChain)
	if _, err := chains.Get(home); err != nil {
		return nil, fmt.Errorf("no controller for the home chain: %w", err)
	}

	rm := metrics.NewRestakeMetrics()

	tier, err := cfg.EccConfig.ParsedTier()
	if err != nil {
		return nil, err
	}
	sealer, err := transport.NewSealer(tier, cfg.EccConfig.Params(), cfg.EccConfig.MaxEscalations, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create the envelope sealer: %w", err)
	}
	sealer.WithObserver(rm)
	// key material always crosses the classical/quantum boundary
	codec, err := transport.NewSealer(ecc.TierQuantum, cfg.EccConfig.Params(), cfg.EccConfig.MaxEscalations, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create the key material codec: %w", err)
	}
	codec.WithObserver(rm)

	reg, err := registry.New(db, logger)
	if err != nil {
		return nil, err
	}
	led, err := ledger.New(db, cfg.LedgerConfig, logger)
	if err != nil {
		return nil, err
	}
	led.WithObserver(rm)
	coord, err := coordinator.New(db, cfg.PollerConfig.BufferSize, rm, logger)
	if err != nil {
		return nil, err
	}
	keys, err := keystore.NewStore(db, codec, logger)
	if err != nil {
		return nil, err
	}
	keys.WithObserver(rm)
	journal, err := actorx.NewJournal(db)
	if err != nil {
		return nil, fmt.Errorf("failed to load the fill/kill journal: %w", err)
	}

	var pollers []*ChainPoller
	for _, chain := range chains.Chains() {
		cc, err := chains.Get(chain)
		if err != nil {
			return nil, err
		}
		pollers = append(pollers, NewChainPoller(logger, cfg.PollerConfig, cc, rm))
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &RestakeApp{
		ctx:         ctx,
		cancel:      cancel,
		config:      cfg,
		home:        home,
		chains:      chains,
		registry:    reg,
		ledger:      led,
		coordinator: coord,
		keys:        keys,
		journal:     journal,
		engine:      actorx.NewEngine(cfg.ActorXConfig, home, chains, keys, sealer, journal, rm, logger),
		pollers:     pollers,
		metrics:     rm,
		logger:      logger,
	}, nil
}

func (app *RestakeApp) GetConfig() *config.Config {
	return app.config
}

func (app *RestakeApp) GetLedger() *ledger.Ledger {
	return app.ledger
}

func (app *RestakeApp) GetCoordinator() *coordinator.Coordinator {
	return app.coordinator
}

func (app *RestakeApp) GetRegistry() *registry.Registry {
	return app.registry
}

func (app *RestakeApp) GetKeyStore() *keystore.Store {
	return app.keys
}

// Start recovers the operations interrupted by the last stop, reconciles
// the ledger with the key store and starts the evidence pollers
func (app *RestakeApp) Start() error {
	var startErr error
	app.startOnce.Do(func() {
		app.logger.Info("Starting RestakeApp")

		if err := app.engine.Start(); err != nil {
			startErr = err
			return
		}
		if err := app.reconcile(); err != nil {
			startErr = fmt.Errorf("failed to reconcile: %w", err)
			return
		}

		promAddr, err := app.config.Metrics.Address()
		if err != nil {
			startErr = fmt.Errorf("failed to get the prometheus address: %w", err)
			return
		}
		app.metricsServer = metrics.Start(promAddr, app.logger)

		app.wg.Add(3)
		go app.evidenceLoop()
		go app.heightLoop()
		go app.metricsUpdateLoop()

		for _, p := range app.pollers {
			if err := p.Start(1); err != nil {
				startErr = err
				return
			}
			app.wg.Add(1)
			go app.forwardEvidence(p)
		}
	})

	return startErr
}

func (app *RestakeApp) Stop() error {
	var stopErr error
	app.stopOnce.Do(func() {
		app.logger.Info("Stopping RestakeApp")

		app.cancel()
		for _, p := range app.pollers {
			if p.IsRunning() {
				if err := p.Stop(); err != nil {
					stopErr = err
				}
			}
		}
		app.wg.Wait()

		if app.engine.IsRunning() {
			if err := app.engine.Stop(); err != nil {
				stopErr = err
			}
		}

		if app.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownPeriod)
			app.metricsServer.Stop(ctx)
			cancel()
		}

		if app.db != nil {
			if err := app.db.Close(); err != nil {
				stopErr = err
			}
		}
		if app.lock != nil {
			if err := app.lock.Unlock(); err != nil {
				stopErr = err
			}
		}

		app.logger.Debug("RestakeApp successfully stopped")
	})
	return stopErr
}

// RegisterValidator registers the validator's quantum key, verifies it and
// opens its ledger account with the stake the home chain reports. It returns
// the hash of the quantum key.
func (app *RestakeApp) RegisterValidator(ctx context.Context, pk *btcec.PublicKey, quantumKey, sig []byte) ([]byte, error) {
	val := types.NewValidatorID(pk)

	stake, err := app.homeStake(ctx, val)
	if err != nil {
		return nil, err
	}

	keyHash, err := app.registry.Register(pk, app.home, quantumKey, sig)
	if errors.Is(err, types.ErrValidatorAlreadyRegistered) {
		// a previous registration may have stopped before the ledger account
		// was opened
		if _, ledgerErr := app.ledger.Validator(val); ledgerErr == nil {
			return nil, err
		}
		reg, getErr := app.registry.Get(val)
		if getErr != nil {
			return nil, getErr
		}
		keyHash = reg.KeyHash
	} else if err != nil {
		return nil, err
	}

	status, err := app.registry.Verify(val)
	if err != nil {
		return nil, err
	}
	if status != types.RegistrationStatus_VERIFIED {
		return keyHash, fmt.Errorf("%w: registration of %s is %s", types.ErrQuantumVerificationFailed, val, status)
	}

	if err := app.ledger.RegisterValidator(val, app.home, stake); err != nil {
		return nil, err
	}

	return keyHash, nil
}

// RequestDelegation records a delegation and provisions its capability in
// the background. The delegation becomes active once the fill commits.
func (app *RestakeApp) RequestDelegation(req *ledger.DelegationRequest) (uint64, error) {
	if _, err := app.chains.Get(req.Guest); err != nil {
		return 0, err
	}
	quantumKey, err := app.registry.QuantumKey(req.Validator)
	if err != nil {
		return 0, err
	}

	id, err := app.ledger.RequestDelegation(req)
	if err != nil {
		return 0, err
	}
	if err := app.coordinator.Propose(req.Validator, req.Guest, id); err != nil {
		if abortErr := app.ledger.OnFillAborted(id); abortErr != nil {
			app.logger.Error("failed to close the delegation", zap.Uint64("id", id), zap.Error(abortErr))
		}
		return 0, err
	}

	app.provisionAsync(id, quantumKey)

	return id, nil
}

// RequestUnwind starts unwinding an active delegation. The validator leaves
// the guest chain's effective set at once and the capability is killed in
// the background.
func (app *RestakeApp) RequestUnwind(id uint64) (types.DelegationStatus, error) {
	status, err := app.ledger.RequestUnwind(id)
	if err != nil {
		return status, err
	}
	d, err := app.ledger.Delegation(id)
	if err != nil {
		return status, err
	}

	app.evict(d.Pair(), types.EvictionReason_UNWIND)
	app.engine.KillAsync(app.ctx, d.Pair(), app.onKillCommitted)

	return status, nil
}

// ReportEvidence hands externally observed misbehaviour to the coordinator
func (app *RestakeApp) ReportEvidence(ctx context.Context, ev *types.Evidence) error {
	return app.coordinator.ReportEvidence(ctx, ev)
}

func (app *RestakeApp) CreditStake(val types.ValidatorID, amount sdkmath.Int) error {
	return app.ledger.CreditStake(val, amount)
}

func (app *RestakeApp) DebitStake(val types.ValidatorID, amount sdkmath.Int) error {
	return app.ledger.DebitStake(val, amount)
}

// RetireValidator closes the account of a validator without open
// delegations and drops its key material
func (app *RestakeApp) RetireValidator(val types.ValidatorID) error {
	if err := app.ledger.RetireValidator(val); err != nil {
		return err
	}
	revoked, err := app.keys.Retire(val)
	if err != nil {
		return err
	}

	app.logger.Info("retired a validator",
		zap.String("validator", val.String()),
		zap.Int("revoked_tokens", revoked),
	)

	return nil
}

func (app *RestakeApp) provisionAsync(id uint64, quantumKey []byte) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.provision(id, quantumKey)
	}()
}

func (app *RestakeApp) provision(id uint64, quantumKey []byte) {
	if err := app.ledger.OnFillPrepared(id); err != nil {
		if errors.Is(err, types.ErrInvalidTransition) {
			// unwound before its fill started
			app.onFillAborted(id, err)
			return
		}
		app.logger.Error("failed to mark the delegation provisioned", zap.Uint64("id", id), zap.Error(err))
		return
	}
	d, err := app.ledger.Delegation(id)
	if err != nil {
		app.logger.Error("failed to read the delegation", zap.Uint64("id", id), zap.Error(err))
		return
	}
	if d.Status != types.DelegationStatus_PROVISIONED {
		app.onFillAborted(id, fmt.Errorf("%w: delegation %d is %s", types.ErrNotActive, id, d.Status))
		return
	}

	_, err = app.engine.Fill(app.ctx, &actorx.FillRequest{
		Validator:  d.Delegator,
		Guest:      d.GuestChain,
		QuantumKey: quantumKey,
	})
	switch {
	case err == nil:
		app.onFillCommitted(id)
	case errors.Is(err, types.ErrEngineStopped), app.ctx.Err() != nil:
		// interrupted by a stop, the next start provisions it again
		app.logger.Info("the fill is left to recovery", zap.Uint64("id", id), zap.Error(err))
	default:
		app.onFillAborted(id, err)
	}
}

func (app *RestakeApp) onFillCommitted(id uint64) {
	err := app.ledger.OnFillCommitted(id)
	if errors.Is(err, types.ErrNotActive) {
		d, getErr := app.ledger.Delegation(id)
		if getErr != nil {
			app.logger.Error("failed to read the delegation", zap.Uint64("id", id), zap.Error(getErr))
			return
		}
		app.logger.Info("killing the capability of a delegation unwound while provisioning",
			zap.Uint64("id", id),
			zap.String("pair", d.Pair().String()),
		)
		app.engine.KillAsync(app.ctx, d.Pair(), app.onKillCommitted)
		return
	}
	if err != nil {
		app.logger.Error("failed to activate the delegation", zap.Uint64("id", id), zap.Error(err))
		return
	}

	d, err := app.ledger.Delegation(id)
	if err != nil {
		app.logger.Error("failed to read the delegation", zap.Uint64("id", id), zap.Error(err))
		return
	}
	app.admit(d)
}

// admit activates and admits the membership backed by an active delegation
func (app *RestakeApp) admit(d *types.RestakeDelegation) {
	if d.Status != types.DelegationStatus_ACTIVE {
		return
	}
	if err := app.coordinator.Activate(d); err != nil {
		app.logger.Warn("failed to activate the membership",
			zap.String("pair", d.Pair().String()),
			zap.Error(err),
		)
		return
	}
	if err := app.coordinator.Admit(d.Delegator, d.GuestChain); err != nil {
		app.logger.Warn("failed to admit the validator",
			zap.String("pair", d.Pair().String()),
			zap.Error(err),
		)
	}
}

func (app *RestakeApp) onFillAborted(id uint64, cause error) {
	app.logger.Warn("the capability fill failed, closing the delegation",
		zap.Uint64("id", id),
		zap.Error(cause),
	)

	if err := app.ledger.OnFillAborted(id); err != nil {
		app.logger.Error("failed to close the delegation", zap.Uint64("id", id), zap.Error(err))
		return
	}
	d, err := app.ledger.Delegation(id)
	if err != nil {
		app.logger.Error("failed to read the delegation", zap.Uint64("id", id), zap.Error(err))
		return
	}
	app.evict(d.Pair(), types.EvictionReason_FILL_ABORTED)
}

func (app *RestakeApp) onKillCommitted(pair types.PairKey, err error) {
	if err != nil {
		app.logger.Info("the kill is left to recovery", zap.String("pair", pair.String()), zap.Error(err))
		return
	}
	d, ok := app.ledger.LiveDelegation(pair)
	if !ok || !d.TokenOutstanding {
		return
	}
	if err := app.ledger.OnKillCommitted(d.ID); err != nil {
		app.logger.Error("failed to record the kill", zap.Uint64("id", d.ID), zap.Error(err))
	}
}

// handleEvidence slashes the offender. Every forced unwind leaves the
// effective set before its capability kill is scheduled, and a fill still
// preparing for the pair is aborted.
func (app *RestakeApp) handleEvidence(ev *types.Evidence) {
	forced, err := app.ledger.ApplySlashing(ev.Validator, ev)
	if err != nil {
		app.logger.Warn("failed to apply the evidence",
			zap.String("validator", ev.Validator.String()),
			zap.String("chain", ev.Chain.String()),
			zap.Error(err),
		)
		return
	}

	for _, d := range forced {
		pair := d.Pair()
		if app.engine.Cancel(pair) {
			app.logger.Info("aborted the fill of a force-unwound delegation", zap.String("pair", pair.String()))
		}
		app.evict(pair, types.EvictionReason_FORCED_UNWIND)
		if d.TokenOutstanding {
			app.engine.KillAsync(app.ctx, pair, app.onKillCommitted)
		}
	}
}

func (app *RestakeApp) evict(pair types.PairKey, reason types.EvictionReason) {
	err := app.coordinator.Evict(pair.Validator, pair.Chain, reason)
	if err != nil && !errors.Is(err, types.ErrMembershipNotFound) {
		app.logger.Error("failed to evict the validator",
			zap.String("pair", pair.String()),
			zap.String("reason", reason.String()),
			zap.Error(err),
		)
	}
}

func (app *RestakeApp) homeStake(ctx context.Context, val types.ValidatorID) (sdkmath.Int, error) {
	cc, err := app.chains.Get(app.home)
	if err != nil {
		return sdkmath.Int{}, err
	}

	var stake sdkmath.Int
	if err := retry.Do(func() error {
		stake, err = cc.QueryStake(ctx, val)
		return err
	}, RtyAtt, RtyDel, RtyErr, retry.Context(ctx), retry.RetryIf(func(err error) bool {
		return !clientcontroller.IsUnrecoverable(err) && !errors.Is(err, types.ErrValidatorNotRegistered)
	})); err != nil {
		return sdkmath.Int{}, fmt.Errorf("failed to query the home stake of %s: %w", val, err)
	}

	return stake, nil
}
