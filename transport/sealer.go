package transport

import (
	"context"
	"fmt"

	"github.com/avast/retry-go/v4"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/matrixmagiq/eigenlayer/ecc"
)

// DeliverFunc hands a sealed envelope to the receiving side. It returns an
// error satisfying errors.Is(err, ecc.ErrDecodeFailure) when the receiver
// could not open the envelope.
type DeliverFunc func(ctx context.Context, envelope []byte) error

// FailureObserver is notified about decode failures and escalations.
type FailureObserver interface {
	RecordDecodeFailure(tier string)
	IncrementEscalations()
}

// Sealer compresses payloads and protects them with the error-correction
// pipeline before they cross a chain or classical/quantum boundary.
type Sealer struct {
	tier           ecc.Tier
	params         ecc.Params
	maxEscalations uint

	enc *zstd.Encoder
	dec *zstd.Decoder

	observer FailureObserver
	logger   *zap.Logger
}

func NewSealer(tier ecc.Tier, params ecc.Params, maxEscalations uint, logger *zap.Logger) (*Sealer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Sealer{
		tier:           tier,
		params:         params,
		maxEscalations: maxEscalations,
		enc:            enc,
		dec:            dec,
		logger:         logger,
	}, nil
}

// WithObserver sets the observer notified of decode failures.
func (s *Sealer) WithObserver(o FailureObserver) *Sealer {
	s.observer = o
	return s
}

func (s *Sealer) Tier() ecc.Tier {
	return s.tier
}

func (s *Sealer) Params() ecc.Params {
	return s.params
}

// Seal protects payload with the configured parameters.
func (s *Sealer) Seal(payload []byte) ([]byte, error) {
	return s.SealWith(payload, s.params)
}

func (s *Sealer) SealWith(payload []byte, params ecc.Params) ([]byte, error) {
	compressed := s.enc.EncodeAll(payload, nil)
	frame, err := ecc.Encode(compressed, s.tier, params)
	if err != nil {
		return nil, err
	}
	return frame.Marshal(), nil
}

// Open recovers the payload of an envelope. Failures to recover it are
// *ecc.DecodeError values.
func (s *Sealer) Open(envelope []byte) ([]byte, error) {
	frame, err := ecc.UnmarshalFrame(envelope)
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}
	compressed, err := ecc.Decode(frame)
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}
	payload, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress envelope: %w", err)
	}
	return payload, nil
}

// Transmit seals payload and passes it to deliver. Whenever the receiver
// reports a decode failure the payload is resealed with escalated parameters,
// at most maxEscalations times. Other delivery errors are returned as is.
func (s *Sealer) Transmit(ctx context.Context, payload []byte, deliver DeliverFunc) error {
	params := s.params
	return retry.Do(func() error {
		envelope, err := s.SealWith(payload, params)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		return deliver(ctx, envelope)
	},
		retry.Context(ctx),
		retry.Attempts(s.maxEscalations+1),
		retry.Delay(0),
		retry.LastErrorOnly(true),
		retry.RetryIf(ecc.IsDecodeFailure),
		retry.OnRetry(func(n uint, err error) {
			next, escalated := params.Escalate()
			s.logger.Debug(
				"receiver failed to decode envelope, escalating redundancy",
				zap.Uint("attempt", n+1),
				zap.Uint("max_attempts", s.maxEscalations+1),
				zap.Int("parity_shards", next.ParityShards),
				zap.Int("code_distance", next.CodeDistance),
				zap.Bool("escalated", escalated),
				zap.Error(err),
			)
			params = next
			if s.observer != nil {
				s.observer.IncrementEscalations()
			}
		}),
	)
}

func (s *Sealer) recordFailure(err error) {
	if s.observer == nil {
		return
	}
	if tier, ok := ecc.FailedTier(err); ok {
		s.observer.RecordDecodeFailure(tier.String())
	}
}
