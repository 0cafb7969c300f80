package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the daemon's startup parameters. Amounts are decimal strings
// so operators can configure values beyond the int64 range.
type Config struct {
	RPCAddress  string `toml:"RPCAddress"`
	DataDir     string `toml:"DataDir"`
	Environment string `toml:"Environment"`
	LogLevel    string `toml:"LogLevel"`

	ArbitrationCost     string `toml:"ArbitrationCost"`
	AppealFee           string `toml:"AppealFee"`
	AppealWindowSeconds int64  `toml:"AppealWindowSeconds"`
	FeeTimeoutSeconds   int64  `toml:"FeeTimeoutSeconds"`

	SharedStakeBps uint64 `toml:"SharedStakeBps"`
	WinnerStakeBps uint64 `toml:"WinnerStakeBps"`
	LoserStakeBps  uint64 `toml:"LoserStakeBps"`
}

// RPCTokenEnv names the environment variable holding the bearer token that
// guards mutating RPC methods.
const RPCTokenEnv = "ESCROWD_RPC_TOKEN"

// RPCToken reads the configured bearer token. An empty token disables every
// mutating method.
func RPCToken() string {
	return strings.TrimSpace(os.Getenv(RPCTokenEnv))
}

// Load reads the configuration from path, writing and returning defaults when
// the file does not exist yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrowd-data"
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.ArbitrationCost) == "" {
		cfg.ArbitrationCost = "1000"
	}
	if strings.TrimSpace(cfg.AppealFee) == "" {
		cfg.AppealFee = cfg.ArbitrationCost
	}
	if cfg.AppealWindowSeconds == 0 {
		cfg.AppealWindowSeconds = 3 * 24 * 60 * 60
	}
	if cfg.FeeTimeoutSeconds == 0 {
		cfg.FeeTimeoutSeconds = 24 * 60 * 60
	}
	if cfg.SharedStakeBps == 0 {
		cfg.SharedStakeBps = 5_000
	}
	if cfg.WinnerStakeBps == 0 {
		cfg.WinnerStakeBps = 3_000
	}
	if cfg.LoserStakeBps == 0 {
		cfg.LoserStakeBps = 7_000
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{Environment: "local"}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
