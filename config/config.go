package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/jessevdk/go-flags"

	"github.com/matrixmagiq/eigenlayer/metrics"
)

const (
	defaultLogLevel       = "info"
	defaultLogFormat      = "console"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "restaked.log"
	defaultConfigFileName = "restaked.conf"
	defaultDataDirname    = "data"
	defaultHomeChain      = "home"
)

var (
	//   C:\Users\<username>\AppData\Local\ on Windows
	//   ~/.restaked on Linux
	//   ~/Users/<username>/Library/Application Support/Restaked on MacOS
	DefaultHomeDir = btcutil.AppDataDir("restaked", false)

	DefaultDataDir = DataDir(DefaultHomeDir)
)

// Config is the main config of the restaking coordinator
type Config struct {
	LogLevel  string `long:"loglevel" description:"Logging level for all subsystems" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal"`
	LogFormat string `long:"logformat" description:"Format of the log output" choice:"json" choice:"console" choice:"logfmt"`
	// HomeChain is the chain whose stake backs every delegation
	HomeChain string `long:"homechain" description:"The chain ID of the home chain holding validator collateral"`

	DatabaseConfig *DBConfig `group:"dbconfig" namespace:"dbconfig"`

	EccConfig *EccConfig `group:"ecc" namespace:"ecc"`

	ActorXConfig *ActorXConfig `group:"actorx" namespace:"actorx"`

	LedgerConfig *LedgerConfig `group:"ledger" namespace:"ledger"`

	PollerConfig *ChainPollerConfig `group:"chainpollerconfig" namespace:"chainpollerconfig"`

	Metrics *metrics.Config `group:"metrics" namespace:"metrics"`
}

func DefaultConfigWithHome(homePath string) Config {
	eccCfg := DefaultEccConfig()
	actorxCfg := DefaultActorXConfig()
	ledgerCfg := DefaultLedgerConfig()
	pollerCfg := DefaultChainPollerConfig()
	cfg := Config{
		LogLevel:       defaultLogLevel,
		LogFormat:      defaultLogFormat,
		HomeChain:      defaultHomeChain,
		DatabaseConfig: DefaultDBConfigWithHomePath(homePath),
		EccConfig:      &eccCfg,
		ActorXConfig:   &actorxCfg,
		LedgerConfig:   &ledgerCfg,
		PollerConfig:   &pollerCfg,
		Metrics:        metrics.DefaultConfig(),
	}

	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	return cfg
}

func DefaultConfig() Config {
	return DefaultConfigWithHome(DefaultHomeDir)
}

func ConfigFile(homePath string) string {
	return filepath.Join(homePath, defaultConfigFileName)
}

func LogDir(homePath string) string {
	return filepath.Join(homePath, defaultLogDirname)
}

func LogFile(homePath string) string {
	return filepath.Join(LogDir(homePath), defaultLogFilename)
}

func DataDir(homePath string) string {
	return filepath.Join(homePath, defaultDataDirname)
}

// LoadConfig parses the config file under the home directory on top of the
// defaults and validates the result.
func LoadConfig(homePath string) (*Config, error) {
	cfgFile := ConfigFile(homePath)
	if !fileExists(cfgFile) {
		return nil, fmt.Errorf("specified config file does "+
			"not exist in %s", cfgFile)
	}

	cfg := DefaultConfigWithHome(homePath)
	fileParser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(fileParser).ParseFile(cfgFile)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// WriteConfigFile writes cfg as an INI file under the home directory.
func WriteConfigFile(homePath string, cfg *Config) error {
	if err := os.MkdirAll(homePath, 0700); err != nil {
		return err
	}
	fileParser := flags.NewParser(cfg, flags.Default)
	return flags.NewIniParser(fileParser).WriteFile(ConfigFile(homePath), flags.IniIncludeComments|flags.IniIncludeDefaults)
}

// Validate checks the given configuration to be sane. This makes sure no
// illegal values or combination of values are set.
func (cfg *Config) Validate() error {
	if cfg.HomeChain == "" {
		return fmt.Errorf("home chain not specified")
	}

	if cfg.DatabaseConfig == nil {
		return fmt.Errorf("empty database config")
	}
	if err := cfg.DatabaseConfig.Validate(); err != nil {
		return fmt.Errorf("invalid db config: %w", err)
	}

	if cfg.EccConfig == nil {
		return fmt.Errorf("empty ecc config")
	}
	if err := cfg.EccConfig.Validate(); err != nil {
		return fmt.Errorf("invalid ecc config: %w", err)
	}

	if cfg.ActorXConfig == nil {
		return fmt.Errorf("empty actorx config")
	}
	if err := cfg.ActorXConfig.Validate(); err != nil {
		return fmt.Errorf("invalid actorx config: %w", err)
	}

	if cfg.LedgerConfig == nil {
		return fmt.Errorf("empty ledger config")
	}
	if err := cfg.LedgerConfig.Validate(); err != nil {
		return fmt.Errorf("invalid ledger config: %w", err)
	}

	if cfg.PollerConfig == nil {
		return fmt.Errorf("empty poller config")
	}

	if cfg.Metrics == nil {
		return fmt.Errorf("empty metrics config")
	}
	if err := cfg.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	return nil
}

func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}
