package types

import "fmt"

type RegistrationStatus int32

const (
	RegistrationStatus_REGISTERED RegistrationStatus = 0
	RegistrationStatus_VERIFIED   RegistrationStatus = 1
	RegistrationStatus_FAILED     RegistrationStatus = 2
)

func (s RegistrationStatus) String() string {
	switch s {
	case RegistrationStatus_REGISTERED:
		return "REGISTERED"
	case RegistrationStatus_VERIFIED:
		return "VERIFIED"
	case RegistrationStatus_FAILED:
		return "FAILED"
	default:
		return fmt.Sprintf("RegistrationStatus(%d)", int32(s))
	}
}

// Registration binds a validator identity to the ML-KEM public key capability
// material is encapsulated against
type Registration struct {
	Validator  ValidatorID
	HomeChain  ChainID
	QuantumKey []byte
	// KeyHash is the SHA3-256 digest of QuantumKey
	KeyHash []byte
	Status  RegistrationStatus
}

func (r *Registration) Clone() *Registration {
	c := *r
	c.QuantumKey = append([]byte(nil), r.QuantumKey...)
	c.KeyHash = append([]byte(nil), r.KeyHash...)
	return &c
}
