package keystore

import (
	"fmt"

	"github.com/matrixmagiq/eigenlayer/types"
)

type SlotState int32

const (
	SlotState_IDLE    SlotState = 0
	SlotState_FILLING SlotState = 1
	SlotState_FILLED  SlotState = 2
	SlotState_KILLING SlotState = 3
)

func (s SlotState) String() string {
	switch s {
	case SlotState_IDLE:
		return "IDLE"
	case SlotState_FILLING:
		return "FILLING"
	case SlotState_FILLED:
		return "FILLED"
	case SlotState_KILLING:
		return "KILLING"
	default:
		return fmt.Sprintf("SlotState(%d)", int32(s))
	}
}

// slot is the capability state of one (validator, guest chain) pair
type slot struct {
	state SlotState
	// pendingOp is the operation holding the slot while filling or killing
	pendingOp uint64
	// lastOp is the newest operation applied to the slot
	lastOp uint64

	token  *types.CapabilityToken
	sealed []byte
	digest []byte
}

// live reports whether the slot holds a token that has not been killed
func (s *slot) live() bool {
	return s.state == SlotState_FILLED || s.state == SlotState_KILLING
}
