// Package coordinator maintains the chain memberships of restaked validators
// and derives the weighted effective set of every guest chain.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/google/btree"
	"github.com/lightningnetwork/lnd/kvdb"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/matrixmagiq/eigenlayer/metrics"
	"github.com/matrixmagiq/eigenlayer/store"
	"github.com/matrixmagiq/eigenlayer/types"
)

const defaultTreeDegree = 2

const (
	eventProposed  uint32 = 1
	eventActivated uint32 = 2
	eventAdmitted  uint32 = 3
	eventEvicted   uint32 = 4
)

const (
	fieldValidator  protowire.Number = 1
	fieldChain      protowire.Number = 2
	fieldDelegation protowire.Number = 3
	fieldWeight     protowire.Number = 4
	fieldReason     protowire.Number = 5
)

// member is an entry of a chain's effective set
type member struct {
	validator types.ValidatorID
	weight    sdkmath.Int
}

// less orders members by weight descending, then by validator id
func (m *member) less(o *member) bool {
	if !m.weight.Equal(o.weight) {
		return m.weight.GT(o.weight)
	}
	return m.validator < o.validator
}

type Coordinator struct {
	mu          sync.RWMutex
	memberships map[types.PairKey]*types.ChainMembership
	sets        map[types.ChainID]*btree.BTreeG[*member]

	events   *store.EventLog
	evidence chan *types.Evidence
	metrics  *metrics.RestakeMetrics
	logger   *zap.Logger
}

// New opens the coordinator on db and replays the membership log. Evidence
// reports are buffered up to bufferSize.
func New(db kvdb.Backend, bufferSize uint32, metrics *metrics.RestakeMetrics, logger *zap.Logger) (*Coordinator, error) {
	events, err := store.NewEventLog(db, store.MembershipBucket)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		memberships: make(map[types.PairKey]*types.ChainMembership),
		sets:        make(map[types.ChainID]*btree.BTreeG[*member]),
		events:      events,
		evidence:    make(chan *types.Evidence, bufferSize),
		metrics:     metrics,
		logger:      logger,
	}
	err = events.Replay(0, func(e *store.Event) error {
		f, err := store.ParseRecord(e.Payload)
		if err != nil {
			return err
		}
		return c.apply(e.Kind, f)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load the chain memberships: %w", err)
	}
	for chain, set := range c.sets {
		c.metrics.RecordEffectiveSetSize(chain, set.Len())
	}

	return c, nil
}

// Evidence returns the misbehaviour reports accepted by ReportEvidence
func (c *Coordinator) Evidence() <-chan *types.Evidence {
	return c.evidence
}

// Propose creates a pending membership backed by the given delegation. A
// revoked membership of the same pair is replaced.
func (c *Coordinator) Propose(val types.ValidatorID, chain types.ChainID, delegationID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.memberships[types.NewPairKey(val, chain)]; ok && m.Status != types.MembershipStatus_REVOKED {
		return fmt.Errorf("%w: %s on %s is %s", types.ErrMembershipExists, val, chain, m.Status)
	}

	return c.commit(eventProposed, store.NewRecord().
		String(fieldValidator, string(val)).
		String(fieldChain, string(chain)).
		Uint64(fieldDelegation, delegationID))
}

// Activate marks the membership backed by an active delegation active, with
// the delegation amount as its weight
func (c *Coordinator) Activate(d *types.RestakeDelegation) error {
	if d.Status != types.DelegationStatus_ACTIVE {
		return fmt.Errorf("%w: delegation %d is %s", types.ErrNotActive, d.ID, d.Status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.membership(d.Delegator, d.GuestChain)
	if err != nil {
		return err
	}
	if m.DelegationID != d.ID {
		return fmt.Errorf("%w: membership is backed by delegation %d, not %d",
			types.ErrInvalidTransition, m.DelegationID, d.ID)
	}
	switch m.Status {
	case types.MembershipStatus_ACTIVE:
		return nil
	case types.MembershipStatus_PENDING:
	default:
		return fmt.Errorf("%w: membership of %s on %s is %s",
			types.ErrInvalidTransition, d.Delegator, d.GuestChain, m.Status)
	}

	return c.commit(eventActivated, store.NewRecord().
		String(fieldValidator, string(d.Delegator)).
		String(fieldChain, string(d.GuestChain)).
		String(fieldWeight, d.Amount.String()))
}

// Admit adds an active membership to the chain's effective set
func (c *Coordinator) Admit(val types.ValidatorID, chain types.ChainID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.membership(val, chain)
	if err != nil {
		return err
	}
	if m.Status != types.MembershipStatus_ACTIVE {
		return fmt.Errorf("%w: membership of %s on %s is %s", types.ErrInvalidTransition, val, chain, m.Status)
	}
	if m.Admitted {
		return nil
	}

	if err := c.commit(eventAdmitted, store.NewRecord().
		String(fieldValidator, string(val)).
		String(fieldChain, string(chain))); err != nil {
		return err
	}

	c.logger.Info("admitted a validator into the effective set",
		zap.String("validator", val.String()),
		zap.String("chain", chain.String()),
		zap.String("weight", m.Weight.String()),
	)

	return nil
}

// Evict removes the validator from the chain's effective set at once.
// Misbehaviour suspends the membership, any other reason revokes it.
func (c *Coordinator) Evict(val types.ValidatorID, chain types.ChainID, reason types.EvictionReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.membership(val, chain)
	if err != nil {
		return err
	}
	if m.Status == types.MembershipStatus_REVOKED ||
		(m.Status == types.MembershipStatus_SUSPENDED && reason.Suspends()) {
		return nil
	}

	if err := c.commit(eventEvicted, store.NewRecord().
		String(fieldValidator, string(val)).
		String(fieldChain, string(chain)).
		Uint64(fieldReason, uint64(reason))); err != nil {
		return err
	}
	c.metrics.IncrementEvictions(reason)

	c.logger.Info("evicted a validator",
		zap.String("validator", val.String()),
		zap.String("chain", chain.String()),
		zap.String("reason", reason.String()),
	)

	return nil
}

// ReportEvidence validates misbehaviour evidence, suspends the offender on
// the chain for equivocation or downtime, and emits the evidence on the
// Evidence channel. It blocks while the channel is full.
func (c *Coordinator) ReportEvidence(ctx context.Context, ev *types.Evidence) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	var reason types.EvictionReason
	switch ev.Kind {
	case types.EvidenceKind_EQUIVOCATION:
		reason = types.EvictionReason_EQUIVOCATION
	case types.EvidenceKind_DOWNTIME:
		reason = types.EvictionReason_DOWNTIME
	}
	if reason.Suspends() {
		err := c.Evict(ev.Validator, ev.Chain, reason)
		if err != nil && !errors.Is(err, types.ErrMembershipNotFound) {
			return err
		}
	}

	select {
	case c.evidence <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EffectiveSet returns the admitted validators of the chain ordered by
// weight descending, then by validator id
func (c *Coordinator) EffectiveSet(chain types.ChainID) []*types.WeightedValidator {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set, ok := c.sets[chain]
	if !ok {
		return nil
	}
	vals := make([]*types.WeightedValidator, 0, set.Len())
	set.Ascend(func(m *member) bool {
		vals = append(vals, &types.WeightedValidator{Validator: m.validator, Weight: m.weight})
		return true
	})
	return vals
}

func (c *Coordinator) Membership(val types.ValidatorID, chain types.ChainID) (*types.ChainMembership, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, err := c.membership(val, chain)
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

func (c *Coordinator) membership(val types.ValidatorID, chain types.ChainID) (*types.ChainMembership, error) {
	m, ok := c.memberships[types.NewPairKey(val, chain)]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", types.ErrMembershipNotFound, val, chain)
	}
	return m, nil
}

// commit appends the event and applies it. Must be called with mu held.
func (c *Coordinator) commit(kind uint32, r *store.Record) error {
	payload := r.Marshal()
	f, err := store.ParseRecord(payload)
	if err != nil {
		return err
	}
	if _, err := c.events.Append(kind, payload); err != nil {
		return err
	}
	return c.apply(kind, f)
}

func (c *Coordinator) apply(kind uint32, f *store.Fields) error {
	val := types.ValidatorID(f.String(fieldValidator))
	chain := types.ChainID(f.String(fieldChain))
	pair := types.NewPairKey(val, chain)

	if kind == eventProposed {
		c.memberships[pair] = &types.ChainMembership{
			Chain:        chain,
			Validator:    val,
			Weight:       sdkmath.ZeroInt(),
			Status:       types.MembershipStatus_PENDING,
			DelegationID: f.Uint64(fieldDelegation),
		}
		return nil
	}

	m, ok := c.memberships[pair]
	if !ok {
		return fmt.Errorf("%w: membership event %d for unknown %s", store.ErrMalformedRecord, kind, pair)
	}
	switch kind {
	case eventActivated:
		weight, ok := sdkmath.NewIntFromString(f.String(fieldWeight))
		if !ok {
			return fmt.Errorf("%w: invalid weight %q", store.ErrMalformedRecord, f.String(fieldWeight))
		}
		m.Status = types.MembershipStatus_ACTIVE
		m.Weight = weight
	case eventAdmitted:
		m.Admitted = true
		c.set(chain).ReplaceOrInsert(&member{validator: val, weight: m.Weight})
		c.metrics.RecordEffectiveSetSize(chain, c.set(chain).Len())
	case eventEvicted:
		if m.Admitted {
			c.set(chain).Delete(&member{validator: val, weight: m.Weight})
			c.metrics.RecordEffectiveSetSize(chain, c.set(chain).Len())
		}
		m.Admitted = false
		if types.EvictionReason(f.Uint64(fieldReason)).Suspends() {
			m.Status = types.MembershipStatus_SUSPENDED
		} else {
			m.Status = types.MembershipStatus_REVOKED
		}
	default:
		return fmt.Errorf("%w: unknown membership event %d", store.ErrMalformedRecord, kind)
	}

	return nil
}

func (c *Coordinator) set(chain types.ChainID) *btree.BTreeG[*member] {
	set, ok := c.sets[chain]
	if !ok {
		set = btree.NewG(defaultTreeDegree, (*member).less)
		c.sets[chain] = set
	}
	return set
}
