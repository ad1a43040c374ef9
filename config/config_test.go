package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matrixmagiq/eigenlayer/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	homePath := t.TempDir()
	cfg := config.DefaultConfigWithHome(homePath)
	require.NoError(t, cfg.Validate())
	require.Equal(t, config.DataDir(homePath), cfg.DatabaseConfig.DBPath)
}

func TestLoadConfig(t *testing.T) {
	homePath := t.TempDir()

	_, err := config.LoadConfig(homePath)
	require.Error(t, err)

	cfg := config.DefaultConfigWithHome(homePath)
	cfg.ActorXConfig.FinalityRoundBound = 42
	cfg.EccConfig.Tier = "bridge"
	cfg.LedgerConfig.MinCollateralRatio = "1.5"
	cfg.PollerConfig.PollInterval = 5 * time.Second
	require.NoError(t, config.WriteConfigFile(homePath, &cfg))

	loaded, err := config.LoadConfig(homePath)
	require.NoError(t, err)
	require.Equal(t, uint64(42), loaded.ActorXConfig.FinalityRoundBound)
	require.Equal(t, "bridge", loaded.EccConfig.Tier)
	require.Equal(t, "1.5", loaded.LedgerConfig.MinCollateralRatio)
	require.Equal(t, 5*time.Second, loaded.PollerConfig.PollInterval)
}

func TestValidateRejectsBadSections(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(cfg *config.Config)
	}{
		{"empty home chain", func(cfg *config.Config) { cfg.HomeChain = "" }},
		{"empty db path", func(cfg *config.Config) { cfg.DatabaseConfig.DBPath = "" }},
		{"unknown tier", func(cfg *config.Config) { cfg.EccConfig.Tier = "optical" }},
		{"even code distance", func(cfg *config.Config) { cfg.EccConfig.CodeDistance = 4 }},
		{"zero round bound", func(cfg *config.Config) { cfg.ActorXConfig.FinalityRoundBound = 0 }},
		{"negative min restake", func(cfg *config.Config) { cfg.LedgerConfig.MinRestakeAmount = "-5" }},
		{"zero ratio", func(cfg *config.Config) { cfg.LedgerConfig.MinCollateralRatio = "0" }},
		{"bad metrics host", func(cfg *config.Config) { cfg.Metrics.Host = "not-an-ip" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.DefaultConfigWithHome(t.TempDir())
			tc.modify(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
