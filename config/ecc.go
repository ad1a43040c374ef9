package config

import (
	"fmt"

	"github.com/matrixmagiq/eigenlayer/ecc"
)

const (
	defaultEccTier        = "quantum"
	defaultMaxEscalations = 3
)

type EccConfig struct {
	Tier           string  `long:"tier" description:"The protection tier of envelopes crossing chain boundaries" choice:"classical" choice:"bridge" choice:"quantum"`
	DataShards     int     `long:"datashards" description:"The number of Reed-Solomon data shards"`
	ParityShards   int     `long:"parityshards" description:"The number of Reed-Solomon parity shards"`
	CodeDistance   int     `long:"codedistance" description:"The (odd) distance of the surface code protecting each bit"`
	ErrorThreshold float64 `long:"errorthreshold" description:"The highest physical error rate the quantum tier tolerates"`
	MaxEscalations uint    `long:"maxescalations" description:"How many times the redundancy parameters are escalated after a decode failure"`
}

func DefaultEccConfig() EccConfig {
	return EccConfig{
		Tier:           defaultEccTier,
		DataShards:     ecc.DefaultDataShards,
		ParityShards:   ecc.DefaultParityShards,
		CodeDistance:   ecc.DefaultCodeDistance,
		ErrorThreshold: ecc.DefaultErrorThreshold,
		MaxEscalations: defaultMaxEscalations,
	}
}

func (cfg *EccConfig) Params() ecc.Params {
	return ecc.Params{
		DataShards:     cfg.DataShards,
		ParityShards:   cfg.ParityShards,
		CodeDistance:   cfg.CodeDistance,
		ErrorThreshold: cfg.ErrorThreshold,
	}
}

func (cfg *EccConfig) ParsedTier() (ecc.Tier, error) {
	return ecc.ParseTier(cfg.Tier)
}

func (cfg *EccConfig) Validate() error {
	if _, err := cfg.ParsedTier(); err != nil {
		return err
	}
	if err := cfg.Params().Validate(); err != nil {
		return fmt.Errorf("invalid redundancy parameters: %w", err)
	}
	return nil
}
