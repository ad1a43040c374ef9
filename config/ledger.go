package config

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
)

const (
	defaultMinRestakeAmount   = "1"
	defaultRestakePeriod      = uint64(100)
	defaultMinCollateralRatio = "1.0"
)

type LedgerConfig struct {
	MinRestakeAmount   string `long:"minrestakeamount" description:"The smallest amount a single delegation may restake"`
	RestakePeriod      uint64 `long:"restakeperiod" description:"The default number of home-chain blocks a delegation stays locked"`
	MinCollateralRatio string `long:"mincollateralratio" description:"The lowest collateral ratio a delegation may request"`
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		MinRestakeAmount:   defaultMinRestakeAmount,
		RestakePeriod:      defaultRestakePeriod,
		MinCollateralRatio: defaultMinCollateralRatio,
	}
}

func (cfg *LedgerConfig) MinRestake() (sdkmath.Int, error) {
	amount, ok := sdkmath.NewIntFromString(cfg.MinRestakeAmount)
	if !ok || amount.IsNegative() {
		return sdkmath.Int{}, fmt.Errorf("invalid min restake amount %q", cfg.MinRestakeAmount)
	}
	return amount, nil
}

func (cfg *LedgerConfig) MinRatio() (sdkmath.LegacyDec, error) {
	ratio, err := sdkmath.LegacyNewDecFromStr(cfg.MinCollateralRatio)
	if err != nil {
		return sdkmath.LegacyDec{}, fmt.Errorf("invalid min collateral ratio %q: %w", cfg.MinCollateralRatio, err)
	}
	if !ratio.IsPositive() {
		return sdkmath.LegacyDec{}, fmt.Errorf("min collateral ratio must be positive, got %s", ratio)
	}
	return ratio, nil
}

func (cfg *LedgerConfig) Validate() error {
	if _, err := cfg.MinRestake(); err != nil {
		return err
	}
	if _, err := cfg.MinRatio(); err != nil {
		return err
	}
	if cfg.RestakePeriod == 0 {
		return fmt.Errorf("restake period must be positive")
	}
	return nil
}
