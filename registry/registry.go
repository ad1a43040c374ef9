// Package registry keeps the validators' quantum key registrations.
package registry

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/lightningnetwork/lnd/kvdb"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
	"golang.org/x/crypto/sha3"

	"github.com/matrixmagiq/eigenlayer/qkeys"
	"github.com/matrixmagiq/eigenlayer/store"
	"github.com/matrixmagiq/eigenlayer/types"
)

const (
	eventRegistered uint32 = 1
	eventVerified   uint32 = 2
)

const (
	fieldValidator  protowire.Number = 1
	fieldHome       protowire.Number = 2
	fieldQuantumKey protowire.Number = 3
	fieldVerified   protowire.Number = 4
)

// RegistrationSigHash is the message a validator signs to bind its quantum
// key to its identity
func RegistrationSigHash(home types.ChainID, quantumKey []byte) []byte {
	h := sha3.New256()
	h.Write([]byte(home))
	h.Write(qkeys.KeyHash(quantumKey))
	return h.Sum(nil)
}

// SignRegistration returns the BIP-340 signature of a registration
func SignRegistration(sk *btcec.PrivateKey, home types.ChainID, quantumKey []byte) ([]byte, error) {
	sig, err := schnorr.Sign(sk, RegistrationSigHash(home, quantumKey))
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

type Registry struct {
	mu     sync.RWMutex
	regs   map[types.ValidatorID]*types.Registration
	events *store.EventLog
	logger *zap.Logger
}

func New(db kvdb.Backend, logger *zap.Logger) (*Registry, error) {
	events, err := store.NewEventLog(db, store.RegistryBucket)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		regs:   make(map[types.ValidatorID]*types.Registration),
		events: events,
		logger: logger,
	}
	err = events.Replay(0, func(e *store.Event) error {
		f, err := store.ParseRecord(e.Payload)
		if err != nil {
			return err
		}
		r.apply(e.Kind, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load the validator registry: %w", err)
	}

	return r, nil
}

// Register records the quantum key of a validator and returns its hash. The
// signature must be the validator's BIP-340 signature of the registration.
func (r *Registry) Register(pk *btcec.PublicKey, home types.ChainID, quantumKey, sig []byte) ([]byte, error) {
	parsedSig, err := schnorr.ParseSignature(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid registration signature: %w", err)
	}
	if !parsedSig.Verify(RegistrationSigHash(home, quantumKey), pk) {
		return nil, fmt.Errorf("the registration signature does not match the validator key")
	}

	id := types.NewValidatorID(pk)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.regs[id]; ok {
		return nil, fmt.Errorf("%w: %s", types.ErrValidatorAlreadyRegistered, id)
	}
	if err := r.append(eventRegistered, store.NewRecord().
		String(fieldValidator, string(id)).
		String(fieldHome, string(home)).
		Bytes(fieldQuantumKey, quantumKey)); err != nil {
		return nil, err
	}

	r.logger.Info("registered a validator",
		zap.String("validator", id.String()),
		zap.String("home_chain", home.String()),
	)

	return qkeys.KeyHash(quantumKey), nil
}

// Verify checks that the registered quantum key is a valid ML-KEM-768 public
// key. A registration is verified once; a failed one stays failed.
func (r *Registry) Verify(id types.ValidatorID) (types.RegistrationStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regs[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", types.ErrValidatorNotRegistered, id)
	}
	if reg.Status != types.RegistrationStatus_REGISTERED {
		return reg.Status, nil
	}

	_, parseErr := qkeys.ParsePublicKey(reg.QuantumKey)
	verified := parseErr == nil
	if err := r.append(eventVerified, store.NewRecord().
		String(fieldValidator, string(id)).
		Bool(fieldVerified, verified)); err != nil {
		return 0, err
	}
	if !verified {
		r.logger.Warn("the quantum key of the validator failed verification",
			zap.String("validator", id.String()),
			zap.Error(parseErr),
		)
	}

	return r.regs[id].Status, nil
}

// QuantumKey returns the verified quantum key of a validator
func (r *Registry) QuantumKey(id types.ValidatorID) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.regs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrValidatorNotRegistered, id)
	}
	switch reg.Status {
	case types.RegistrationStatus_VERIFIED:
		return append([]byte(nil), reg.QuantumKey...), nil
	case types.RegistrationStatus_FAILED:
		return nil, fmt.Errorf("%w: %s", types.ErrQuantumVerificationFailed, id)
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrValidatorNotVerified, id)
	}
}

func (r *Registry) Get(id types.ValidatorID) (*types.Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.regs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrValidatorNotRegistered, id)
	}
	return reg.Clone(), nil
}

// append must be called with mu held
func (r *Registry) append(kind uint32, rec *store.Record) error {
	payload := rec.Marshal()
	if _, err := r.events.Append(kind, payload); err != nil {
		return err
	}
	f, err := store.ParseRecord(payload)
	if err != nil {
		return err
	}
	r.apply(kind, f)
	return nil
}

func (r *Registry) apply(kind uint32, f *store.Fields) {
	id := types.ValidatorID(f.String(fieldValidator))
	switch kind {
	case eventRegistered:
		if _, ok := r.regs[id]; ok {
			return
		}
		key := f.Bytes(fieldQuantumKey)
		r.regs[id] = &types.Registration{
			Validator:  id,
			HomeChain:  types.ChainID(f.String(fieldHome)),
			QuantumKey: key,
			KeyHash:    qkeys.KeyHash(key),
			Status:     types.RegistrationStatus_REGISTERED,
		}
	case eventVerified:
		reg, ok := r.regs[id]
		if !ok || reg.Status != types.RegistrationStatus_REGISTERED {
			return
		}
		if f.Bool(fieldVerified) {
			reg.Status = types.RegistrationStatus_VERIFIED
		} else {
			reg.Status = types.RegistrationStatus_FAILED
		}
	}
}
