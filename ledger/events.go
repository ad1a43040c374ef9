package ledger

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/matrixmagiq/eigenlayer/store"
	"github.com/matrixmagiq/eigenlayer/types"
)

type eventKind uint32

const (
	eventValidatorRegistered eventKind = 1
	eventStakeCredited       eventKind = 2
	eventStakeDebited        eventKind = 3
	eventValidatorRetired    eventKind = 4
	eventDelegationRequested eventKind = 5
	eventFillPrepared        eventKind = 6
	eventFillCommitted       eventKind = 7
	eventFillAborted         eventKind = 8
	eventUnwindRequested     eventKind = 9
	eventKillCommitted       eventKind = 10
	eventSlashed             eventKind = 11
	eventHeightAdvanced      eventKind = 12
	eventDelegationClosed    eventKind = 13
)

const (
	fieldValidator protowire.Number = 1
	fieldHome      protowire.Number = 2
	fieldGuest     protowire.Number = 3
	fieldAmount    protowire.Number = 4
	fieldRatio     protowire.Number = 5
	fieldID        protowire.Number = 6
	fieldUnlock    protowire.Number = 7
	fieldForced    protowire.Number = 8
	fieldHeight    protowire.Number = 9
	fieldKind      protowire.Number = 10
)

// event is one ledger mutation. Only the fields of its kind are set.
type event struct {
	kind      eventKind
	validator types.ValidatorID
	home      types.ChainID
	guest     types.ChainID
	amount    sdkmath.Int
	ratio     sdkmath.LegacyDec
	id        uint64
	unlock    uint64
	forced    bool
	height    uint64
	evidence  types.EvidenceKind
}

func (e *event) marshal() []byte {
	r := store.NewRecord().
		String(fieldValidator, string(e.validator)).
		String(fieldHome, string(e.home)).
		String(fieldGuest, string(e.guest)).
		Uint64(fieldID, e.id).
		Uint64(fieldUnlock, e.unlock).
		Bool(fieldForced, e.forced).
		Uint64(fieldHeight, e.height).
		Uint64(fieldKind, uint64(e.evidence))
	if !e.amount.IsNil() {
		r.String(fieldAmount, e.amount.String())
	}
	if !e.ratio.IsNil() {
		r.String(fieldRatio, e.ratio.String())
	}
	return r.Marshal()
}

func parseEvent(e *store.Event) (*event, error) {
	f, err := store.ParseRecord(e.Payload)
	if err != nil {
		return nil, err
	}

	ev := &event{
		kind:      eventKind(e.Kind),
		validator: types.ValidatorID(f.String(fieldValidator)),
		home:      types.ChainID(f.String(fieldHome)),
		guest:     types.ChainID(f.String(fieldGuest)),
		id:        f.Uint64(fieldID),
		unlock:    f.Uint64(fieldUnlock),
		forced:    f.Bool(fieldForced),
		height:    f.Uint64(fieldHeight),
		evidence:  types.EvidenceKind(f.Uint64(fieldKind)),
	}
	if f.Has(fieldAmount) {
		amount, ok := sdkmath.NewIntFromString(f.String(fieldAmount))
		if !ok {
			return nil, fmt.Errorf("%w: invalid amount %q", store.ErrMalformedRecord, f.String(fieldAmount))
		}
		ev.amount = amount
	}
	if f.Has(fieldRatio) {
		ratio, err := sdkmath.LegacyNewDecFromStr(f.String(fieldRatio))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid ratio: %v", store.ErrMalformedRecord, err)
		}
		ev.ratio = ratio
	}

	return ev, nil
}
