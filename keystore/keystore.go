package keystore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/lightningnetwork/lnd/kvdb"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/matrixmagiq/eigenlayer/ecc"
	"github.com/matrixmagiq/eigenlayer/store"
	"github.com/matrixmagiq/eigenlayer/transport"
	"github.com/matrixmagiq/eigenlayer/types"
)

const tokenCacheSize = 1024

// MaterialCodec seals key material before it is persisted and opens it when
// it is read back. *transport.Sealer implements it.
type MaterialCodec interface {
	Transmit(ctx context.Context, payload []byte, deliver transport.DeliverFunc) error
	Open(envelope []byte) ([]byte, error)
}

// Observer is notified of integrity failures and live token counts.
type Observer interface {
	IncrementStoreIntegrityFailures()
	RecordLiveTokens(n int)
}

// Store keeps at most one live capability token per (validator, guest chain)
// pair. Every transition is appended to an event log before it is applied.
type Store struct {
	mu     sync.Mutex
	slots  map[types.PairKey]*slot
	lastOp uint64

	events *store.EventLog
	codec  MaterialCodec
	cache  *lru.Cache

	observer Observer
	logger   *zap.Logger
}

// NewStore opens the key material store on db and rebuilds its state from
// the event log.
func NewStore(db kvdb.Backend, codec MaterialCodec, logger *zap.Logger) (*Store, error) {
	events, err := store.NewEventLog(db, store.KeystoreBucket)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New(tokenCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Store{
		slots:  make(map[types.PairKey]*slot),
		events: events,
		codec:  codec,
		cache:  cache,
		logger: logger,
	}
	if err := s.Replay(0); err != nil {
		return nil, fmt.Errorf("failed to rebuild key store: %w", err)
	}

	return s, nil
}

func (s *Store) WithObserver(o Observer) *Store {
	s.observer = o
	return s
}

// Replay applies the logged events from seq on. Events that are already
// reflected in the state are skipped, so replaying from any offset leaves an
// up to date store unchanged.
func (s *Store) Replay(from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.events.Replay(from, func(e *store.Event) error {
		ev, err := parseEvent(e)
		if err != nil {
			return err
		}
		s.apply(ev)
		return nil
	})
}

// NextOpID allocates a new operation id. Ids are strictly increasing, also
// across restarts.
func (s *Store) NextOpID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.allocOp()
}

func (s *Store) allocOp() (uint64, error) {
	ev := &event{kind: eventOpAllocated, op: s.lastOp + 1}
	if err := s.commit(ev); err != nil {
		return 0, err
	}

	return ev.op, nil
}

// Put stores a filled token for a pair without a live token. A rejected put
// allocates no operation id.
func (s *Store) Put(token *types.CapabilityToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slotOf(token.Pair())
	if sl.state != SlotState_IDLE {
		return fmt.Errorf("%w: %s is %s", types.ErrTokenConflict, token.Pair(), sl.state)
	}
	sealed, digest, err := s.seal(token.KeyMaterial)
	if err != nil {
		return err
	}
	op, err := s.allocOp()
	if err != nil {
		return err
	}

	return s.commit(&event{
		kind:        eventTokenPut,
		op:          op,
		pair:        token.Pair(),
		fingerprint: token.Fingerprint,
		epoch:       token.Epoch,
		sealed:      sealed,
		digest:      digest,
	})
}

// Get returns the live token of a pair including its decoded key material.
func (s *Store) Get(val types.ValidatorID, chain types.ChainID) (*types.CapabilityToken, error) {
	pair := types.NewPairKey(val, chain)

	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[pair]
	if !ok || !sl.live() {
		return nil, fmt.Errorf("%w: %s", types.ErrTokenNotFound, pair)
	}
	if cached, ok := s.cache.Get(pair); ok {
		return cached.(*types.CapabilityToken).Clone(), nil
	}

	material, err := s.open(sl.sealed, sl.digest)
	if err != nil {
		return nil, err
	}
	token := sl.token.Clone()
	token.KeyMaterial = material
	s.cache.Add(pair, token)

	return token.Clone(), nil
}

// Revoke drops the live token of a pair without a kill protocol run.
func (s *Store) Revoke(val types.ValidatorID, chain types.ChainID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := types.NewPairKey(val, chain)
	sl, ok := s.slots[pair]
	if !ok || sl.state != SlotState_FILLED {
		return fmt.Errorf("%w: %s", types.ErrTokenNotFound, pair)
	}
	op, err := s.allocOp()
	if err != nil {
		return err
	}

	return s.commit(&event{kind: eventTokenRevoked, op: op, pair: pair})
}

// Retire revokes every live token of a retiring validator. It fails while
// one of its slots is held by a running operation.
func (s *Store) Retire(val types.ValidatorID) (int, error) {
	s.mu.Lock()
	var pairs []types.PairKey
	for pair, sl := range s.slots {
		if pair.Validator != val {
			continue
		}
		if sl.state == SlotState_FILLING || sl.state == SlotState_KILLING {
			s.mu.Unlock()
			return 0, fmt.Errorf("%w: %s is %s", types.ErrSlotBusy, pair, sl.state)
		}
		if sl.state == SlotState_FILLED {
			pairs = append(pairs, pair)
		}
	}
	s.mu.Unlock()

	for _, pair := range pairs {
		if err := s.Revoke(pair.Validator, pair.Chain); err != nil {
			return 0, err
		}
	}

	return len(pairs), nil
}

// Slot returns the state of a pair's slot.
func (s *Store) Slot(pair types.PairKey) SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sl, ok := s.slots[pair]; ok {
		return sl.state
	}
	return SlotState_IDLE
}

// PendingOp returns the operation holding a pair's slot, if any.
func (s *Store) PendingOp(pair types.PairKey) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[pair]
	if !ok || (sl.state != SlotState_FILLING && sl.state != SlotState_KILLING) {
		return 0, false
	}
	return sl.pendingOp, true
}

// PendingSlots returns the pairs held by a running fill or kill.
func (s *Store) PendingSlots() map[types.PairKey]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make(map[types.PairKey]uint64)
	for pair, sl := range s.slots {
		if sl.state == SlotState_FILLING || sl.state == SlotState_KILLING {
			pending[pair] = sl.pendingOp
		}
	}
	return pending
}

// LiveTokens lists the live tokens without their key material.
func (s *Store) LiveTokens() []*types.CapabilityToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tokens []*types.CapabilityToken
	for _, sl := range s.slots {
		if sl.live() {
			tokens = append(tokens, sl.token.Clone())
		}
	}
	return tokens
}

// ReserveFill moves an idle slot to Filling on behalf of op. The token's key
// material is sealed and verified before anything is recorded.
func (s *Store) ReserveFill(op uint64, token *types.CapabilityToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := token.Pair()
	sl := s.slotOf(pair)
	switch {
	case sl.state == SlotState_FILLING && sl.pendingOp == op:
		return nil
	case sl.state == SlotState_FILLING:
		return fmt.Errorf("%w: %s is held by op %d", types.ErrSlotBusy, pair, sl.pendingOp)
	case sl.state != SlotState_IDLE:
		return fmt.Errorf("%w: %s is %s", types.ErrTokenConflict, pair, sl.state)
	case op <= sl.lastOp:
		return fmt.Errorf("%w: op %d is not newer than %d", types.ErrInvalidTransition, op, sl.lastOp)
	}

	sealed, digest, err := s.seal(token.KeyMaterial)
	if err != nil {
		return err
	}

	return s.commit(&event{
		kind:        eventFillReserved,
		op:          op,
		pair:        pair,
		fingerprint: token.Fingerprint,
		epoch:       token.Epoch,
		sealed:      sealed,
		digest:      digest,
	})
}

// CommitFill makes the reserved token live. Committing an already committed
// op is a no-op.
func (s *Store) CommitFill(op uint64, pair types.PairKey) error {
	return s.finish(op, pair, SlotState_FILLING, SlotState_FILLED, eventFillCommitted)
}

// RollbackFill returns a Filling slot to Idle.
func (s *Store) RollbackFill(op uint64, pair types.PairKey) error {
	return s.finish(op, pair, SlotState_FILLING, SlotState_IDLE, eventFillRolledBack)
}

// ReserveKill moves a Filled slot to Killing on behalf of op.
func (s *Store) ReserveKill(op uint64, pair types.PairKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[pair]
	switch {
	case !ok || sl.state == SlotState_IDLE:
		return fmt.Errorf("%w: %s", types.ErrTokenNotFound, pair)
	case sl.state == SlotState_KILLING && sl.pendingOp == op:
		return nil
	case sl.state != SlotState_FILLED:
		return fmt.Errorf("%w: %s is held by op %d", types.ErrSlotBusy, pair, sl.pendingOp)
	case op <= sl.lastOp:
		return fmt.Errorf("%w: op %d is not newer than %d", types.ErrInvalidTransition, op, sl.lastOp)
	}

	return s.commit(&event{kind: eventKillReserved, op: op, pair: pair})
}

// CommitKill destroys the token. Committing an already committed op is a no-op.
func (s *Store) CommitKill(op uint64, pair types.PairKey) error {
	return s.finish(op, pair, SlotState_KILLING, SlotState_IDLE, eventKillCommitted)
}

// RollbackKill returns a Killing slot to Filled.
func (s *Store) RollbackKill(op uint64, pair types.PairKey) error {
	return s.finish(op, pair, SlotState_KILLING, SlotState_FILLED, eventKillRolledBack)
}

func (s *Store) finish(op uint64, pair types.PairKey, from, to SlotState, kind eventKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[pair]
	if !ok {
		return fmt.Errorf("%w: no slot for %s", types.ErrInvalidTransition, pair)
	}
	if sl.state == to && sl.lastOp == op && sl.pendingOp == 0 {
		return nil
	}
	if sl.state != from || sl.pendingOp != op {
		return fmt.Errorf("%w: %s is %s with op %d, cannot finish op %d",
			types.ErrInvalidTransition, pair, sl.state, sl.pendingOp, op)
	}

	return s.commit(&event{kind: kind, op: op, pair: pair})
}

// commit appends the event and applies it. Must be called with mu held.
func (s *Store) commit(ev *event) error {
	if _, err := s.events.Append(uint32(ev.kind), ev.marshal()); err != nil {
		return err
	}
	s.apply(ev)
	return nil
}

// apply mutates the in-memory state. Must be called with mu held.
func (s *Store) apply(ev *event) {
	if ev.op > s.lastOp {
		s.lastOp = ev.op
	}
	if ev.kind == eventOpAllocated {
		return
	}

	sl := s.slotOf(ev.pair)
	switch ev.kind {
	case eventFillReserved, eventTokenPut:
		if ev.op <= sl.lastOp || sl.state != SlotState_IDLE {
			return
		}
		sl.token = &types.CapabilityToken{
			Validator:   ev.pair.Validator,
			Chain:       ev.pair.Chain,
			Fingerprint: ev.fingerprint,
			Epoch:       ev.epoch,
			Status:      types.TokenStatus_FILLED,
			OpID:        ev.op,
		}
		sl.sealed = ev.sealed
		sl.digest = ev.digest
		sl.lastOp = ev.op
		if ev.kind == eventTokenPut {
			sl.state = SlotState_FILLED
			sl.pendingOp = 0
		} else {
			sl.state = SlotState_FILLING
			sl.pendingOp = ev.op
		}
	case eventKillReserved:
		if ev.op <= sl.lastOp || sl.state != SlotState_FILLED {
			return
		}
		sl.state = SlotState_KILLING
		sl.pendingOp = ev.op
		sl.lastOp = ev.op
	case eventFillCommitted:
		if sl.state == SlotState_FILLING && sl.pendingOp == ev.op {
			sl.state = SlotState_FILLED
			sl.pendingOp = 0
		}
	case eventKillRolledBack:
		if sl.state == SlotState_KILLING && sl.pendingOp == ev.op {
			sl.state = SlotState_FILLED
			sl.pendingOp = 0
		}
	case eventFillRolledBack, eventKillCommitted:
		held := SlotState_FILLING
		if ev.kind == eventKillCommitted {
			held = SlotState_KILLING
		}
		if sl.state == held && sl.pendingOp == ev.op {
			s.clear(ev.pair, sl)
		}
	case eventTokenRevoked:
		if ev.op <= sl.lastOp || sl.state != SlotState_FILLED {
			return
		}
		sl.lastOp = ev.op
		s.clear(ev.pair, sl)
	}

	s.recordLiveTokens()
}

func (s *Store) clear(pair types.PairKey, sl *slot) {
	sl.state = SlotState_IDLE
	sl.pendingOp = 0
	sl.token = nil
	sl.sealed = nil
	sl.digest = nil
	s.cache.Remove(pair)
}

func (s *Store) slotOf(pair types.PairKey) *slot {
	sl, ok := s.slots[pair]
	if !ok {
		sl = &slot{}
		s.slots[pair] = sl
	}
	return sl
}

// seal protects material for storage and proves it can be read back. Any
// failure to do so is an integrity error and nothing is recorded.
func (s *Store) seal(material []byte) ([]byte, []byte, error) {
	var sealed []byte
	err := s.codec.Transmit(context.Background(), material, func(_ context.Context, envelope []byte) error {
		opened, err := s.codec.Open(envelope)
		if err != nil {
			return err
		}
		if !bytes.Equal(opened, material) {
			return &ecc.DecodeError{Tier: ecc.TierClassical, Err: ecc.ErrUnrecoverableErasure}
		}
		sealed = envelope
		return nil
	})
	if err != nil {
		s.integrityFailure("failed to seal key material", err)
		return nil, nil, fmt.Errorf("%w: %v", types.ErrStoreIntegrity, err)
	}

	return sealed, materialDigest(material), nil
}

func (s *Store) open(sealed, digest []byte) ([]byte, error) {
	material, err := s.codec.Open(sealed)
	if err != nil {
		s.integrityFailure("failed to open key material", err)
		return nil, fmt.Errorf("%w: %v", types.ErrStoreIntegrity, err)
	}
	if !bytes.Equal(materialDigest(material), digest) {
		err := fmt.Errorf("key material digest mismatch")
		s.integrityFailure("failed to open key material", err)
		return nil, fmt.Errorf("%w: %v", types.ErrStoreIntegrity, err)
	}
	return material, nil
}

func (s *Store) integrityFailure(msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	if s.observer != nil {
		s.observer.IncrementStoreIntegrityFailures()
	}
}

func (s *Store) recordLiveTokens() {
	if s.observer == nil {
		return
	}
	n := 0
	for _, sl := range s.slots {
		if sl.live() {
			n++
		}
	}
	s.observer.RecordLiveTokens(n)
}

func materialDigest(material []byte) []byte {
	sum := sha3.Sum256(material)
	return sum[:]
}
