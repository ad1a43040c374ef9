package keystore

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/matrixmagiq/eigenlayer/store"
	"github.com/matrixmagiq/eigenlayer/types"
)

type eventKind uint32

const (
	eventOpAllocated    eventKind = 1
	eventFillReserved   eventKind = 2
	eventFillCommitted  eventKind = 3
	eventFillRolledBack eventKind = 4
	eventKillReserved   eventKind = 5
	eventKillCommitted  eventKind = 6
	eventKillRolledBack eventKind = 7
	eventTokenPut       eventKind = 8
	eventTokenRevoked   eventKind = 9
)

const (
	fieldOp          protowire.Number = 1
	fieldValidator   protowire.Number = 2
	fieldChain       protowire.Number = 3
	fieldFingerprint protowire.Number = 4
	fieldEpoch       protowire.Number = 5
	fieldSealed      protowire.Number = 6
	fieldDigest      protowire.Number = 7
)

type event struct {
	kind        eventKind
	op          uint64
	pair        types.PairKey
	fingerprint []byte
	epoch       uint64
	sealed      []byte
	digest      []byte
}

func (e *event) marshal() []byte {
	return store.NewRecord().
		Uint64(fieldOp, e.op).
		String(fieldValidator, string(e.pair.Validator)).
		String(fieldChain, string(e.pair.Chain)).
		Bytes(fieldFingerprint, e.fingerprint).
		Uint64(fieldEpoch, e.epoch).
		Bytes(fieldSealed, e.sealed).
		Bytes(fieldDigest, e.digest).
		Marshal()
}

func parseEvent(e *store.Event) (*event, error) {
	fields, err := store.ParseRecord(e.Payload)
	if err != nil {
		return nil, err
	}
	return &event{
		kind: eventKind(e.Kind),
		op:   fields.Uint64(fieldOp),
		pair: types.NewPairKey(
			types.ValidatorID(fields.String(fieldValidator)),
			types.ChainID(fields.String(fieldChain)),
		),
		fingerprint: fields.Bytes(fieldFingerprint),
		epoch:       fields.Uint64(fieldEpoch),
		sealed:      fields.Bytes(fieldSealed),
		digest:      fields.Bytes(fieldDigest),
	}, nil
}
