package actorx

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lightningnetwork/lnd/kvdb"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/matrixmagiq/eigenlayer/store"
	"github.com/matrixmagiq/eigenlayer/types"
)

type journalKind uint32

const (
	journalOpStarted     journalKind = 1
	journalOpDecided     journalKind = 2
	journalOpFinished    journalKind = 3
	journalKillRequested journalKind = 4
	journalKillResolved  journalKind = 5
)

const (
	jFieldOp         protowire.Number = 1
	jFieldAction     protowire.Number = 2
	jFieldValidator  protowire.Number = 3
	jFieldGuest      protowire.Number = 4
	jFieldHome       protowire.Number = 5
	jFieldHomeRound  protowire.Number = 6
	jFieldGuestRound protowire.Number = 7
	jFieldCommit     protowire.Number = 8
)

// OpRecord is the journaled progress of one fill or kill operation
type OpRecord struct {
	OpID   uint64
	Action Action
	Pair   types.PairKey
	Home   types.ChainID
	// HomeRound and GuestRound are the finalized rounds observed at prepare,
	// the finality round bound counts from them
	HomeRound  uint64
	GuestRound uint64

	Decided bool
	Commit  bool
}

// Journal is the write-ahead log of the engine. An operation is started,
// decided and finished; the decision is the point of no return.
type Journal struct {
	mu     sync.Mutex
	events *store.EventLog
	ops    map[uint64]*OpRecord
	kills  map[types.PairKey]struct{}
}

func NewJournal(db kvdb.Backend) (*Journal, error) {
	events, err := store.NewEventLog(db, store.JournalBucket)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		events: events,
		ops:    make(map[uint64]*OpRecord),
		kills:  make(map[types.PairKey]struct{}),
	}
	err = events.Replay(0, func(e *store.Event) error {
		f, err := store.ParseRecord(e.Payload)
		if err != nil {
			return err
		}
		return j.apply(journalKind(e.Kind), f)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load the actorx journal: %w", err)
	}

	return j, nil
}

func (j *Journal) Start(rec *OpRecord) error {
	r := store.NewRecord().
		Uint64(jFieldOp, rec.OpID).
		Uint64(jFieldAction, uint64(rec.Action)).
		String(jFieldValidator, string(rec.Pair.Validator)).
		String(jFieldGuest, string(rec.Pair.Chain)).
		String(jFieldHome, string(rec.Home)).
		Uint64(jFieldHomeRound, rec.HomeRound).
		Uint64(jFieldGuestRound, rec.GuestRound)
	return j.append(journalOpStarted, r)
}

func (j *Journal) Decide(op uint64, commit bool) error {
	return j.append(journalOpDecided, store.NewRecord().Uint64(jFieldOp, op).Bool(jFieldCommit, commit))
}

func (j *Journal) Finish(op uint64) error {
	return j.append(journalOpFinished, store.NewRecord().Uint64(jFieldOp, op))
}

func (j *Journal) RequestKill(pair types.PairKey) error {
	return j.append(journalKillRequested, pairRecord(pair))
}

func (j *Journal) ResolveKill(pair types.PairKey) error {
	return j.append(journalKillResolved, pairRecord(pair))
}

// Op returns the record of an unfinished operation
func (j *Journal) Op(op uint64) (*OpRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec, ok := j.ops[op]
	if !ok {
		return nil, false
	}
	c := *rec
	return &c, true
}

// Unfinished returns the operations that were started but not finished,
// ordered by op id
func (j *Journal) Unfinished() []*OpRecord {
	j.mu.Lock()
	defer j.mu.Unlock()

	recs := make([]*OpRecord, 0, len(j.ops))
	for _, rec := range j.ops {
		c := *rec
		recs = append(recs, &c)
	}
	sort.Slice(recs, func(a, b int) bool { return recs[a].OpID < recs[b].OpID })
	return recs
}

// PendingKills returns the pairs whose kill was requested but never committed
func (j *Journal) PendingKills() []types.PairKey {
	j.mu.Lock()
	defer j.mu.Unlock()

	pairs := make([]types.PairKey, 0, len(j.kills))
	for pair := range j.kills {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].String() < pairs[b].String() })
	return pairs
}

func (j *Journal) append(kind journalKind, r *store.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	payload := r.Marshal()
	if _, err := j.events.Append(uint32(kind), payload); err != nil {
		return err
	}
	f, err := store.ParseRecord(payload)
	if err != nil {
		return err
	}
	return j.apply(kind, f)
}

// apply must be called with mu held or before the journal is shared
func (j *Journal) apply(kind journalKind, f *store.Fields) error {
	switch kind {
	case journalOpStarted:
		op := f.Uint64(jFieldOp)
		j.ops[op] = &OpRecord{
			OpID:       op,
			Action:     Action(f.Uint64(jFieldAction)),
			Pair:       fieldsPair(f),
			Home:       types.ChainID(f.String(jFieldHome)),
			HomeRound:  f.Uint64(jFieldHomeRound),
			GuestRound: f.Uint64(jFieldGuestRound),
		}
	case journalOpDecided:
		if rec, ok := j.ops[f.Uint64(jFieldOp)]; ok && !rec.Decided {
			rec.Decided = true
			rec.Commit = f.Bool(jFieldCommit)
		}
	case journalOpFinished:
		delete(j.ops, f.Uint64(jFieldOp))
	case journalKillRequested:
		j.kills[fieldsPair(f)] = struct{}{}
	case journalKillResolved:
		delete(j.kills, fieldsPair(f))
	default:
		return fmt.Errorf("%w: unknown journal entry %d", store.ErrMalformedRecord, kind)
	}
	return nil
}

func pairRecord(pair types.PairKey) *store.Record {
	return store.NewRecord().
		String(jFieldValidator, string(pair.Validator)).
		String(jFieldGuest, string(pair.Chain))
}

func fieldsPair(f *store.Fields) types.PairKey {
	return types.NewPairKey(
		types.ValidatorID(f.String(jFieldValidator)),
		types.ChainID(f.String(jFieldGuest)),
	)
}
