package store

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/kvdb"
	"google.golang.org/protobuf/encoding/protowire"
)

// Bucket names of the event logs kept by each subsystem.
const (
	LedgerBucket     = "ledger-events"
	KeystoreBucket   = "keystore-events"
	JournalBucket    = "actorx-journal"
	MembershipBucket = "membership-events"
	RegistryBucket   = "registry-events"
)

const (
	fieldKind    protowire.Number = 1
	fieldPayload protowire.Number = 2
)

// Event is one entry of an EventLog.
type Event struct {
	Seq     uint64
	Kind    uint32
	Payload []byte
}

// EventLog is an append-only log of events in its own top-level bucket,
// keyed by big-endian sequence numbers starting at 1.
type EventLog struct {
	db     kvdb.Backend
	bucket []byte
}

// NewEventLog returns the event log stored in the named bucket of db
func NewEventLog(db kvdb.Backend, name string) (*EventLog, error) {
	l := &EventLog{db: db, bucket: []byte(name)}
	if err := l.initBuckets(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *EventLog) initBuckets() error {
	return kvdb.Batch(l.db, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(l.bucket)
		return err
	})
}

// Append durably stores an event and returns its sequence number.
func (l *EventLog) Append(kind uint32, payload []byte) (uint64, error) {
	var seq uint64
	value := NewRecord().
		Uint64(fieldKind, uint64(kind)).
		Bytes(fieldPayload, payload).
		Marshal()

	err := kvdb.Update(l.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(l.bucket)
		if bucket == nil {
			return ErrCorruptedEventLogDb
		}

		next, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		if err := bucket.Put(seqKey(next), value); err != nil {
			return err
		}
		seq = next

		return nil
	}, func() {
		seq = 0
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append to %s: %w", l.bucket, err)
	}

	return seq, nil
}

// Events returns every event with a sequence number of at least from, in order.
func (l *EventLog) Events(from uint64) ([]*Event, error) {
	var events []*Event
	err := l.db.View(func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(l.bucket)
		if bucket == nil {
			return ErrCorruptedEventLogDb
		}

		return readEvents(bucket, from, &events)
	}, func() {
		events = nil
	})
	if err != nil {
		return nil, err
	}

	return events, nil
}

// Replay calls fn for every event from the given sequence number on. Events
// are read first so fn may append to the log.
func (l *EventLog) Replay(from uint64, fn func(e *Event) error) error {
	events, err := l.Events(from)
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := fn(e); err != nil {
			return fmt.Errorf("failed to replay %s event %d: %w", l.bucket, e.Seq, err)
		}
	}

	return nil
}

// LastSeq returns the sequence number of the newest event, or 0 if the log is empty.
func (l *EventLog) LastSeq() (uint64, error) {
	var last uint64
	err := l.db.View(func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(l.bucket)
		if bucket == nil {
			return ErrCorruptedEventLogDb
		}

		k, _ := bucket.ReadCursor().Last()
		if k != nil {
			last = binary.BigEndian.Uint64(k)
		}

		return nil
	}, func() {
		last = 0
	})

	return last, err
}

func readEvents(bucket walletdb.ReadBucket, from uint64, events *[]*Event) error {
	c := bucket.ReadCursor()
	for k, v := c.Seek(seqKey(from)); k != nil; k, v = c.Next() {
		if len(k) != 8 {
			return ErrCorruptedEventLogDb
		}
		fields, err := ParseRecord(v)
		if err != nil {
			return err
		}
		*events = append(*events, &Event{
			Seq:     binary.BigEndian.Uint64(k),
			Kind:    uint32(fields.Uint64(fieldKind)),
			Payload: fields.Bytes(fieldPayload),
		})
	}

	return nil
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
