// Package simchain provides an in-memory member chain for tests. It opens the
// envelopes it receives like a real coordination point would and keeps the
// chain's view of prepared, committed and aborted operations.
package simchain

import (
	"context"
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"

	"github.com/matrixmagiq/eigenlayer/actorx"
	"github.com/matrixmagiq/eigenlayer/clientcontroller"
	"github.com/matrixmagiq/eigenlayer/ecc"
	"github.com/matrixmagiq/eigenlayer/transport"
	"github.com/matrixmagiq/eigenlayer/types"
)

// AckPolicy decides how the chain answers a prepare message
type AckPolicy func(msg *actorx.Message) types.AckStatus

func AlwaysAck(*actorx.Message) types.AckStatus    { return types.AckStatus_ACKED }
func AlwaysReject(*actorx.Message) types.AckStatus { return types.AckStatus_REJECTED }
func NeverAck(*actorx.Message) types.AckStatus     { return types.AckStatus_PENDING }

var _ clientcontroller.ChainController = &Chain{}

type injectedFailure struct {
	remaining int
	err       error
}

type Chain struct {
	mu sync.Mutex

	id     types.ChainID
	sealer *transport.Sealer

	round       uint64
	autoAdvance uint64
	policy      AckPolicy

	prepares     map[uint64]*actorx.Message
	acks         map[uint64]types.AckStatus
	decisions    map[uint64]actorx.Phase
	capabilities map[types.PairKey]uint64

	stakes   map[types.ValidatorID]sdkmath.Int
	evidence []*types.Evidence

	decodeFailures int
	failures       map[string]*injectedFailure
	calls          map[string]int
	closed         bool
}

// New returns a chain at round 1 that acknowledges every prepare message.
// The sealer must use the same tier as the engine that talks to the chain.
func New(id types.ChainID, sealer *transport.Sealer) *Chain {
	return &Chain{
		id:           id,
		sealer:       sealer,
		round:        1,
		policy:       AlwaysAck,
		prepares:     make(map[uint64]*actorx.Message),
		acks:         make(map[uint64]types.AckStatus),
		decisions:    make(map[uint64]actorx.Phase),
		capabilities: make(map[types.PairKey]uint64),
		stakes:       make(map[types.ValidatorID]sdkmath.Int),
		failures:     make(map[string]*injectedFailure),
		calls:        make(map[string]int),
	}
}

func (c *Chain) SetAckPolicy(policy AckPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = policy
}

// SetAutoAdvance makes every finalized round query advance the chain by n rounds
func (c *Chain) SetAutoAdvance(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoAdvance = n
}

func (c *Chain) AdvanceRounds(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.round += n
}

// SetAck answers a prepare that is still pending
func (c *Chain) SetAck(op uint64, status types.AckStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks[op] = status
}

// FailDecodes makes the chain fail to decode the next n envelopes
func (c *Chain) FailDecodes(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decodeFailures = n
}

// FailSubmissions makes the next n calls of a submit method fail with err
func (c *Chain) FailSubmissions(method string, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[method] = &injectedFailure{remaining: n, err: err}
}

func (c *Chain) SetStake(val types.ValidatorID, stake sdkmath.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stakes[val] = stake
}

// AddEvidence reports misbehaviour at the given height
func (c *Chain) AddEvidence(ev *types.Evidence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evidence = append(c.evidence, ev)
}

// Prepared returns the prepare message of op, if the chain received it
func (c *Chain) Prepared(op uint64) (*actorx.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.prepares[op]
	return msg, ok
}

// Decision returns the decision the chain received for op
func (c *Chain) Decision(op uint64) (actorx.Phase, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	phase, ok := c.decisions[op]
	return phase, ok
}

// HasCapability reports whether the chain considers the pair provisioned
func (c *Chain) HasCapability(pair types.PairKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.capabilities[pair]
	return ok
}

// Calls returns how often a method was called
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *Chain) ChainID() types.ChainID {
	return c.id
}

func (c *Chain) SubmitPrepare(_ context.Context, opID uint64, envelope []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, err := c.receive("SubmitPrepare", opID, envelope, actorx.PhasePrepare)
	if err != nil {
		return err
	}
	if _, ok := c.prepares[opID]; ok {
		return clientcontroller.Expected(fmt.Errorf("op %d is already prepared on %s", opID, c.id))
	}
	if _, ok := c.decisions[opID]; ok {
		return fmt.Errorf("op %d is already decided on %s", opID, c.id)
	}
	c.prepares[opID] = msg
	if _, ok := c.acks[opID]; !ok {
		c.acks[opID] = c.policy(msg)
	}

	return nil
}

func (c *Chain) QueryPrepareAck(_ context.Context, opID uint64) (types.AckStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls["QueryPrepareAck"]++
	if _, ok := c.prepares[opID]; !ok {
		return types.AckStatus_PENDING, nil
	}
	return c.acks[opID], nil
}

func (c *Chain) SubmitCommit(_ context.Context, opID uint64, envelope []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, err := c.receive("SubmitCommit", opID, envelope, actorx.PhaseCommit)
	if err != nil {
		return err
	}
	if _, ok := c.prepares[opID]; !ok {
		return fmt.Errorf("op %d was never prepared on %s", opID, c.id)
	}
	if c.acks[opID] != types.AckStatus_ACKED {
		return fmt.Errorf("op %d was not acknowledged on %s", opID, c.id)
	}
	if err := c.decide(opID, actorx.PhaseCommit); err != nil {
		return err
	}

	switch msg.Action {
	case actorx.ActionFill:
		c.capabilities[msg.Pair()] = opID
	case actorx.ActionKill:
		delete(c.capabilities, msg.Pair())
	}

	return nil
}

func (c *Chain) SubmitAbort(_ context.Context, opID uint64, envelope []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.receive("SubmitAbort", opID, envelope, actorx.PhaseAbort); err != nil {
		return err
	}
	return c.decide(opID, actorx.PhaseAbort)
}

func (c *Chain) QueryFinalizedRound(_ context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls["QueryFinalizedRound"]++
	c.round += c.autoAdvance
	return c.round, nil
}

func (c *Chain) QueryStake(_ context.Context, val types.ValidatorID) (sdkmath.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stake, ok := c.stakes[val]
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("%w: %s on %s", types.ErrValidatorNotRegistered, val, c.id)
	}
	return stake, nil
}

func (c *Chain) QueryEvidence(_ context.Context, fromRound, toRound uint64) ([]*types.Evidence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res []*types.Evidence
	for _, ev := range c.evidence {
		if ev.Height >= fromRound && ev.Height <= toRound {
			res = append(res, ev)
		}
	}
	return res, nil
}

func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// receive opens an envelope and checks it carries the expected phase of op.
// Must be called with mu held.
func (c *Chain) receive(method string, opID uint64, envelope []byte, phase actorx.Phase) (*actorx.Message, error) {
	c.calls[method]++
	if c.closed {
		return nil, fmt.Errorf("chain %s is closed", c.id)
	}
	if f, ok := c.failures[method]; ok && f.remaining > 0 {
		f.remaining--
		return nil, f.err
	}
	if c.decodeFailures > 0 {
		c.decodeFailures--
		return nil, &ecc.DecodeError{Tier: c.sealer.Tier(), Err: ecc.ErrUnrecoverableErasure}
	}

	payload, err := c.sealer.Open(envelope)
	if err != nil {
		return nil, err
	}
	msg, err := actorx.UnmarshalMessage(payload)
	if err != nil {
		return nil, err
	}
	if msg.OpID != opID || msg.Phase != phase {
		return nil, fmt.Errorf("envelope carries %s of op %d, expected %s of op %d", msg.Phase, msg.OpID, phase, opID)
	}

	return msg, nil
}

// decide must be called with mu held
func (c *Chain) decide(opID uint64, phase actorx.Phase) error {
	if prev, ok := c.decisions[opID]; ok {
		if prev == phase {
			return clientcontroller.Expected(fmt.Errorf("op %d is already %s on %s", opID, phase, c.id))
		}
		return fmt.Errorf("op %d is %s on %s, cannot %s it", opID, prev, c.id, phase)
	}
	c.decisions[opID] = phase
	return nil
}
