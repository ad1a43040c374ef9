package types

type AckStatus int32

const (
	// AckStatus_PENDING the chain has not finalized a decision on the prepare message
	AckStatus_PENDING  AckStatus = 0
	AckStatus_ACKED    AckStatus = 1
	AckStatus_REJECTED AckStatus = 2
)

func (s AckStatus) String() string {
	switch s {
	case AckStatus_ACKED:
		return "ACKED"
	case AckStatus_REJECTED:
		return "REJECTED"
	default:
		return "PENDING"
	}
}
