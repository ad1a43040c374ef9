// Package ledger tracks stake restaked from home chains to guest chains and
// keeps every validator's committed collateral within its home stake.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/lightningnetwork/lnd/kvdb"
	"go.uber.org/zap"

	"github.com/matrixmagiq/eigenlayer/config"
	"github.com/matrixmagiq/eigenlayer/store"
	"github.com/matrixmagiq/eigenlayer/types"
)

type DelegationRequest struct {
	Validator types.ValidatorID
	Guest     types.ChainID
	Amount    sdkmath.Int
	Ratio     sdkmath.LegacyDec
	// Duration is the lock period in home-chain blocks, the configured
	// restake period when zero
	Duration uint64
}

// Observer is notified of ledger changes
type Observer interface {
	UpdateLedgerMetrics(delegations []*types.RestakeDelegation)
	AddForcedUnwinds(n int)
	IncrementSlashings(chain types.ChainID)
}

type Ledger struct {
	mu sync.Mutex

	minRestake    sdkmath.Int
	minRatio      sdkmath.LegacyDec
	restakePeriod uint64

	height      uint64
	lastID      uint64
	validators  map[types.ValidatorID]*types.Validator
	delegations map[uint64]*types.RestakeDelegation
	// filling holds delegations whose capability fill has not finished
	filling map[uint64]struct{}

	events   *store.EventLog
	observer Observer
	logger   *zap.Logger
}

// New opens the ledger on db and replays its event log
func New(db kvdb.Backend, cfg *config.LedgerConfig, logger *zap.Logger) (*Ledger, error) {
	minRestake, err := cfg.MinRestake()
	if err != nil {
		return nil, err
	}
	minRatio, err := cfg.MinRatio()
	if err != nil {
		return nil, err
	}
	events, err := store.NewEventLog(db, store.LedgerBucket)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		minRestake:    minRestake,
		minRatio:      minRatio,
		restakePeriod: cfg.RestakePeriod,
		validators:    make(map[types.ValidatorID]*types.Validator),
		delegations:   make(map[uint64]*types.RestakeDelegation),
		filling:       make(map[uint64]struct{}),
		events:        events,
		logger:        logger,
	}
	err = events.Replay(0, func(e *store.Event) error {
		ev, err := parseEvent(e)
		if err != nil {
			return err
		}
		l.apply(ev)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load the restaking ledger: %w", err)
	}

	return l, nil
}

func (l *Ledger) WithObserver(o Observer) *Ledger {
	l.observer = o
	return l
}

func (l *Ledger) RegisterValidator(id types.ValidatorID, home types.ChainID, stake sdkmath.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.validators[id]; ok {
		return fmt.Errorf("%w: %s", types.ErrValidatorAlreadyRegistered, id)
	}
	if stake.IsNil() || stake.IsNegative() {
		return fmt.Errorf("invalid stake %v", stake)
	}

	return l.commit(&event{kind: eventValidatorRegistered, validator: id, home: home, amount: stake})
}

func (l *Ledger) CreditStake(id types.ValidatorID, amount sdkmath.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.validator(id); err != nil {
		return err
	}
	if amount.IsNil() || !amount.IsPositive() {
		return fmt.Errorf("credit amount must be positive, got %v", amount)
	}

	return l.commit(&event{kind: eventStakeCredited, validator: id, amount: amount})
}

// DebitStake withdraws stake. It never breaches the collateral committed to
// bonded delegations.
func (l *Ledger) DebitStake(id types.ValidatorID, amount sdkmath.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, err := l.validator(id)
	if err != nil {
		return err
	}
	if amount.IsNil() || !amount.IsPositive() || amount.GT(v.Stake) {
		return fmt.Errorf("invalid debit amount %v for stake %s", amount, v.Stake)
	}
	remaining := v.Stake.Sub(amount)
	if committed := l.committed(id); committed.GT(remaining.ToLegacyDec()) {
		return fmt.Errorf("%w: %s committed, %s would remain", types.ErrCollateralization, committed, remaining)
	}

	return l.commit(&event{kind: eventStakeDebited, validator: id, amount: amount})
}

// RetireValidator marks a validator without open delegations retired
func (l *Ledger) RetireValidator(id types.ValidatorID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, err := l.validator(id)
	if err != nil {
		return err
	}
	if v.Retired {
		return nil
	}
	if len(v.Delegations) > 0 {
		return fmt.Errorf("%w: %s has %d", types.ErrOutstandingDelegations, id, len(v.Delegations))
	}

	return l.commit(&event{kind: eventValidatorRetired, validator: id})
}

// RequestDelegation records a delegation if the validator's committed
// collateral stays within its stake. A rejected request changes nothing.
func (l *Ledger) RequestDelegation(req *DelegationRequest) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, err := l.validator(req.Validator)
	if err != nil {
		return 0, err
	}
	if v.Retired {
		return 0, fmt.Errorf("%w: %s", types.ErrValidatorRetired, v.ID)
	}
	if req.Guest == "" || req.Guest == v.HomeChain {
		return 0, fmt.Errorf("invalid guest chain %q for home chain %s", req.Guest, v.HomeChain)
	}
	if req.Amount.IsNil() || req.Amount.LT(l.minRestake) || !req.Amount.IsPositive() {
		return 0, fmt.Errorf("%w: %v < %s", types.ErrMinRestakeNotMet, req.Amount, l.minRestake)
	}
	if req.Ratio.IsNil() || req.Ratio.LT(l.minRatio) {
		return 0, fmt.Errorf("%w: ratio %v is below %s", types.ErrCollateralization, req.Ratio, l.minRatio)
	}
	if d, ok := l.liveDelegation(types.NewPairKey(v.ID, req.Guest)); ok {
		return 0, fmt.Errorf("%w: delegation %d to %s is %s", types.ErrDelegationExists, d.ID, req.Guest, d.Status)
	}

	collateral := req.Amount.ToLegacyDec().Quo(req.Ratio)
	committed := l.committed(v.ID)
	if committed.Add(collateral).GT(v.Stake.ToLegacyDec()) {
		return 0, fmt.Errorf("%w: %s committed plus %s exceeds stake %s",
			types.ErrCollateralization, committed, collateral, v.Stake)
	}

	duration := req.Duration
	if duration == 0 {
		duration = l.restakePeriod
	}
	ev := &event{
		kind:      eventDelegationRequested,
		id:        l.lastID + 1,
		validator: v.ID,
		home:      v.HomeChain,
		guest:     req.Guest,
		amount:    req.Amount,
		ratio:     req.Ratio,
		unlock:    l.height + duration,
	}
	if err := l.commit(ev); err != nil {
		return 0, err
	}

	l.logger.Info("accepted a restake delegation",
		zap.Uint64("id", ev.id),
		zap.String("validator", v.ID.String()),
		zap.String("guest_chain", req.Guest.String()),
		zap.String("amount", req.Amount.String()),
		zap.String("ratio", req.Ratio.String()),
		zap.Uint64("unlock_height", ev.unlock),
	)

	return ev.id, nil
}

// OnFillPrepared marks the capability slot of a requested delegation reserved
func (l *Ledger) OnFillPrepared(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.delegation(id)
	if err != nil {
		return err
	}
	switch d.Status {
	case types.DelegationStatus_PROVISIONED:
		return nil
	case types.DelegationStatus_REQUESTED:
		return l.commit(&event{kind: eventFillPrepared, id: id})
	default:
		return fmt.Errorf("%w: delegation %d is %s", types.ErrInvalidTransition, id, d.Status)
	}
}

// OnFillCommitted activates a delegation once its capability is provisioned.
// A delegation that was force-unwound while provisioning stays Unwinding with
// its token outstanding and ErrNotActive is returned, so the caller kills it.
func (l *Ledger) OnFillCommitted(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.delegation(id)
	if err != nil {
		return err
	}
	switch {
	case d.Status == types.DelegationStatus_ACTIVE:
		return nil
	case d.Status == types.DelegationStatus_REQUESTED || d.Status == types.DelegationStatus_PROVISIONED:
		return l.commit(&event{kind: eventFillCommitted, id: id})
	case d.Status == types.DelegationStatus_UNWINDING && !d.Activated:
		if err := l.commit(&event{kind: eventFillCommitted, id: id}); err != nil {
			return err
		}
		return fmt.Errorf("%w: delegation %d was unwound while provisioning", types.ErrNotActive, id)
	default:
		return fmt.Errorf("%w: delegation %d is %s", types.ErrInvalidTransition, id, d.Status)
	}
}

// OnFillAborted closes a delegation whose capability could not be provisioned
func (l *Ledger) OnFillAborted(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.delegation(id)
	if err != nil {
		return err
	}
	if d.IsClosed() {
		return nil
	}
	if d.Activated {
		return fmt.Errorf("%w: delegation %d is already activated", types.ErrInvalidTransition, id)
	}
	if err := l.commit(&event{kind: eventFillAborted, id: id}); err != nil {
		return err
	}
	return l.closeIfDone(d)
}

// RequestUnwind starts unwinding an active delegation
func (l *Ledger) RequestUnwind(id uint64) (types.DelegationStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.delegation(id)
	if err != nil {
		return 0, err
	}
	if d.Status != types.DelegationStatus_ACTIVE {
		return d.Status, fmt.Errorf("%w: delegation %d is %s", types.ErrNotActive, id, d.Status)
	}
	if err := l.commit(&event{kind: eventUnwindRequested, id: id}); err != nil {
		return 0, err
	}

	return d.Status, nil
}

// OnKillCommitted records that the delegation's capability token is gone
func (l *Ledger) OnKillCommitted(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.delegation(id)
	if err != nil {
		return err
	}
	if !d.TokenOutstanding {
		return nil
	}
	if d.Status != types.DelegationStatus_UNWINDING {
		return fmt.Errorf("%w: delegation %d is %s", types.ErrInvalidTransition, id, d.Status)
	}
	if err := l.commit(&event{kind: eventKillCommitted, id: id}); err != nil {
		return err
	}
	return l.closeIfDone(d)
}

// ApplySlashing reduces the validator's stake by the evidence penalty. If
// the committed collateral then exceeds the stake, bonded delegations are
// force-unwound by soonest unlock height, then largest amount, until it no
// longer does. A forced delegation whose fill was not prepared yet is closed
// at once. The forced delegations are returned. Evidence already applied
// for the same chain, height and kind is ignored.
func (l *Ledger) ApplySlashing(id types.ValidatorID, ev *types.Evidence) ([]*types.RestakeDelegation, error) {
	if ev.Validator != id {
		return nil, fmt.Errorf("%w: evidence is about %s, not %s", types.ErrInvalidEvidence, ev.Validator, id)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	v, err := l.validator(id)
	if err != nil {
		return nil, err
	}
	for _, rec := range v.SlashingHistory {
		if rec.Height == ev.Height && rec.Chain == ev.Chain && rec.Kind == ev.Kind {
			l.logger.Debug("ignoring evidence that was already applied",
				zap.String("validator", id.String()),
				zap.String("chain", ev.Chain.String()),
				zap.Uint64("height", ev.Height),
			)
			return nil, nil
		}
	}
	if err := l.commit(&event{
		kind:      eventSlashed,
		validator: id,
		guest:     ev.Chain,
		amount:    ev.Penalty,
		height:    ev.Height,
		evidence:  ev.Kind,
	}); err != nil {
		return nil, err
	}
	if l.observer != nil {
		l.observer.IncrementSlashings(ev.Chain)
	}

	stake := v.Stake.ToLegacyDec()
	committed := l.committed(id)
	if !committed.GT(stake) {
		l.logger.Info("applied slashing without breaching collateral",
			zap.String("validator", id.String()),
			zap.String("stake", v.Stake.String()),
		)
		return nil, nil
	}

	var bonded []*types.RestakeDelegation
	for did := range v.Delegations {
		if d := l.delegations[did]; d.Bonded() {
			bonded = append(bonded, d)
		}
	}
	sortForUnwind(bonded)

	var forced []*types.RestakeDelegation
	for _, d := range bonded {
		if !committed.GT(stake) {
			break
		}
		requested := d.Status == types.DelegationStatus_REQUESTED
		if err := l.commit(&event{kind: eventUnwindRequested, id: d.ID, forced: true}); err != nil {
			return forced, err
		}
		// a requested delegation has no fill in flight yet
		if requested {
			if err := l.commit(&event{kind: eventFillAborted, id: d.ID}); err != nil {
				return forced, err
			}
		}
		committed = committed.Sub(d.Collateral())
		forced = append(forced, d.Clone())
		if err := l.closeIfDone(d); err != nil {
			return forced, err
		}
	}
	if l.observer != nil {
		l.observer.AddForcedUnwinds(len(forced))
	}

	l.logger.Warn("slashing breached the collateral, forcing unwinds",
		zap.String("validator", id.String()),
		zap.String("stake", v.Stake.String()),
		zap.Int("forced", len(forced)),
	)

	return forced, nil
}

// AdvanceHeight moves the home-chain height forward and closes unwound
// delegations whose unlock height is reached. It returns their ids.
func (l *Ledger) AdvanceHeight(height uint64) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if height <= l.height {
		return nil, nil
	}
	if err := l.commit(&event{kind: eventHeightAdvanced, height: height}); err != nil {
		return nil, err
	}

	var closed []uint64
	for _, d := range l.sortedDelegations() {
		if !l.closable(d) {
			continue
		}
		if err := l.commit(&event{kind: eventDelegationClosed, id: d.ID}); err != nil {
			return closed, err
		}
		closed = append(closed, d.ID)
	}

	return closed, nil
}

func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

func (l *Ledger) Validator(id types.ValidatorID) (*types.Validator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, err := l.validator(id)
	if err != nil {
		return nil, err
	}
	return v.Clone(), nil
}

func (l *Ledger) Delegation(id uint64) (*types.RestakeDelegation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.delegation(id)
	if err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// LiveDelegation returns the delegation of the pair that is not closed
func (l *Ledger) LiveDelegation(pair types.PairKey) (*types.RestakeDelegation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.liveDelegation(pair)
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Delegations returns all delegations ordered by id
func (l *Ledger) Delegations() []*types.RestakeDelegation {
	l.mu.Lock()
	defer l.mu.Unlock()

	ds := l.sortedDelegations()
	for i, d := range ds {
		ds[i] = d.Clone()
	}
	return ds
}

// CommittedCollateral is the sum of amount/ratio over bonded delegations
func (l *Ledger) CommittedCollateral(id types.ValidatorID) sdkmath.LegacyDec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed(id)
}

// commit appends the event and applies it. Must be called with mu held.
func (l *Ledger) commit(ev *event) error {
	if _, err := l.events.Append(uint32(ev.kind), ev.marshal()); err != nil {
		return err
	}
	l.apply(ev)
	if l.observer != nil {
		l.observer.UpdateLedgerMetrics(l.sortedDelegations())
	}
	return nil
}

func (l *Ledger) apply(ev *event) {
	switch ev.kind {
	case eventValidatorRegistered:
		l.validators[ev.validator] = types.NewValidator(ev.validator, ev.home, ev.amount)
	case eventStakeCredited:
		l.validators[ev.validator].Stake = l.validators[ev.validator].Stake.Add(ev.amount)
	case eventStakeDebited:
		l.validators[ev.validator].Stake = l.validators[ev.validator].Stake.Sub(ev.amount)
	case eventValidatorRetired:
		l.validators[ev.validator].Retired = true
	case eventDelegationRequested:
		l.delegations[ev.id] = &types.RestakeDelegation{
			ID:           ev.id,
			Delegator:    ev.validator,
			HomeChain:    ev.home,
			GuestChain:   ev.guest,
			Amount:       ev.amount,
			Ratio:        ev.ratio,
			UnlockHeight: ev.unlock,
			Status:       types.DelegationStatus_REQUESTED,
		}
		l.validators[ev.validator].Delegations[ev.id] = struct{}{}
		l.filling[ev.id] = struct{}{}
		if ev.id > l.lastID {
			l.lastID = ev.id
		}
	case eventFillPrepared:
		l.delegations[ev.id].Status = types.DelegationStatus_PROVISIONED
	case eventFillCommitted:
		d := l.delegations[ev.id]
		d.Activated = true
		d.TokenOutstanding = true
		if d.Status != types.DelegationStatus_UNWINDING {
			d.Status = types.DelegationStatus_ACTIVE
		}
		delete(l.filling, ev.id)
	case eventFillAborted:
		d := l.delegations[ev.id]
		d.Status = types.DelegationStatus_UNWINDING
		delete(l.filling, ev.id)
	case eventUnwindRequested:
		d := l.delegations[ev.id]
		d.Status = types.DelegationStatus_UNWINDING
		d.Forced = ev.forced
	case eventKillCommitted:
		l.delegations[ev.id].TokenOutstanding = false
	case eventSlashed:
		v := l.validators[ev.validator]
		v.Stake = v.Stake.Sub(sdkmath.MinInt(ev.amount, v.Stake))
		v.SlashingHistory = append(v.SlashingHistory, &types.SlashRecord{
			Height:  ev.height,
			Chain:   ev.guest,
			Kind:    ev.evidence,
			Penalty: ev.amount,
		})
	case eventHeightAdvanced:
		l.height = ev.height
	case eventDelegationClosed:
		d := l.delegations[ev.id]
		d.Status = types.DelegationStatus_CLOSED
		delete(l.validators[d.Delegator].Delegations, ev.id)
	}
}

// closable reports whether an unwinding delegation has nothing left to wait
// for. Must be called with mu held.
func (l *Ledger) closable(d *types.RestakeDelegation) bool {
	if d.Status != types.DelegationStatus_UNWINDING || d.TokenOutstanding {
		return false
	}
	if _, ok := l.filling[d.ID]; ok {
		return false
	}
	return !d.Activated || l.height >= d.UnlockHeight
}

func (l *Ledger) closeIfDone(d *types.RestakeDelegation) error {
	if !l.closable(d) {
		return nil
	}
	return l.commit(&event{kind: eventDelegationClosed, id: d.ID})
}

func (l *Ledger) committed(id types.ValidatorID) sdkmath.LegacyDec {
	total := sdkmath.LegacyZeroDec()
	v, ok := l.validators[id]
	if !ok {
		return total
	}
	for did := range v.Delegations {
		if d := l.delegations[did]; d.Bonded() {
			total = total.Add(d.Collateral())
		}
	}
	return total
}

func (l *Ledger) liveDelegation(pair types.PairKey) (*types.RestakeDelegation, bool) {
	v, ok := l.validators[pair.Validator]
	if !ok {
		return nil, false
	}
	for did := range v.Delegations {
		if d := l.delegations[did]; d.GuestChain == pair.Chain {
			return d, true
		}
	}
	return nil, false
}

func (l *Ledger) validator(id types.ValidatorID) (*types.Validator, error) {
	v, ok := l.validators[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrValidatorNotRegistered, id)
	}
	return v, nil
}

func (l *Ledger) delegation(id uint64) (*types.RestakeDelegation, error) {
	d, ok := l.delegations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", types.ErrDelegationNotFound, id)
	}
	return d, nil
}

func (l *Ledger) sortedDelegations() []*types.RestakeDelegation {
	ds := make([]*types.RestakeDelegation, 0, len(l.delegations))
	for _, d := range l.delegations {
		ds = append(ds, d)
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].ID < ds[j].ID })
	return ds
}

// sortForUnwind orders delegations by soonest unlock height, then largest
// amount, then id
func sortForUnwind(ds []*types.RestakeDelegation) {
	sort.Slice(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		if a.UnlockHeight != b.UnlockHeight {
			return a.UnlockHeight < b.UnlockHeight
		}
		if !a.Amount.Equal(b.Amount) {
			return a.Amount.GT(b.Amount)
		}
		return a.ID < b.ID
	})
}
