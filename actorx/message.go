package actorx

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/matrixmagiq/eigenlayer/store"
	"github.com/matrixmagiq/eigenlayer/types"
)

type Action uint32

const (
	ActionFill Action = 1
	ActionKill Action = 2
)

func (a Action) String() string {
	switch a {
	case ActionFill:
		return "FILL"
	case ActionKill:
		return "KILL"
	default:
		return fmt.Sprintf("Action(%d)", uint32(a))
	}
}

type Phase uint32

const (
	PhasePrepare Phase = 1
	PhaseCommit  Phase = 2
	PhaseAbort   Phase = 3
)

func (p Phase) String() string {
	switch p {
	case PhasePrepare:
		return "PREPARE"
	case PhaseCommit:
		return "COMMIT"
	case PhaseAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("Phase(%d)", uint32(p))
	}
}

const (
	msgFieldPhase       protowire.Number = 1
	msgFieldAction      protowire.Number = 2
	msgFieldOp          protowire.Number = 3
	msgFieldValidator   protowire.Number = 4
	msgFieldHome        protowire.Number = 5
	msgFieldGuest       protowire.Number = 6
	msgFieldFingerprint protowire.Number = 7
	msgFieldEpoch       protowire.Number = 8
	msgFieldMaterial    protowire.Number = 9
)

// Message is the payload of the envelopes exchanged with the chains'
// coordination points. Commit and abort messages only carry the operation
// identity.
type Message struct {
	Phase       Phase
	Action      Action
	OpID        uint64
	Validator   types.ValidatorID
	Home        types.ChainID
	Guest       types.ChainID
	Fingerprint []byte
	Epoch       uint64
	KeyMaterial []byte
}

func (m *Message) Pair() types.PairKey {
	return types.NewPairKey(m.Validator, m.Guest)
}

// Decision returns the commit or abort message of the same operation
func (m *Message) Decision(commit bool) *Message {
	phase := PhaseAbort
	if commit {
		phase = PhaseCommit
	}
	return &Message{
		Phase:     phase,
		Action:    m.Action,
		OpID:      m.OpID,
		Validator: m.Validator,
		Home:      m.Home,
		Guest:     m.Guest,
	}
}

func (m *Message) Marshal() []byte {
	r := store.NewRecord().
		Uint64(msgFieldPhase, uint64(m.Phase)).
		Uint64(msgFieldAction, uint64(m.Action)).
		Uint64(msgFieldOp, m.OpID).
		String(msgFieldValidator, string(m.Validator)).
		String(msgFieldHome, string(m.Home)).
		String(msgFieldGuest, string(m.Guest))
	if m.Phase == PhasePrepare {
		r.Bytes(msgFieldFingerprint, m.Fingerprint).
			Uint64(msgFieldEpoch, m.Epoch).
			Bytes(msgFieldMaterial, m.KeyMaterial)
	}
	return r.Marshal()
}

func UnmarshalMessage(b []byte) (*Message, error) {
	f, err := store.ParseRecord(b)
	if err != nil {
		return nil, err
	}
	m := &Message{
		Phase:       Phase(f.Uint64(msgFieldPhase)),
		Action:      Action(f.Uint64(msgFieldAction)),
		OpID:        f.Uint64(msgFieldOp),
		Validator:   types.ValidatorID(f.String(msgFieldValidator)),
		Home:        types.ChainID(f.String(msgFieldHome)),
		Guest:       types.ChainID(f.String(msgFieldGuest)),
		Fingerprint: f.Bytes(msgFieldFingerprint),
		Epoch:       f.Uint64(msgFieldEpoch),
		KeyMaterial: f.Bytes(msgFieldMaterial),
	}
	if m.Phase < PhasePrepare || m.Phase > PhaseAbort {
		return nil, fmt.Errorf("%w: unknown phase %d", store.ErrMalformedRecord, m.Phase)
	}
	if m.Action != ActionFill && m.Action != ActionKill {
		return nil, fmt.Errorf("%w: unknown action %d", store.ErrMalformedRecord, m.Action)
	}
	if m.OpID == 0 || m.Validator == "" || m.Guest == "" {
		return nil, fmt.Errorf("%w: incomplete message", store.ErrMalformedRecord)
	}
	return m, nil
}
