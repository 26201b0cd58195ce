package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the operator daemon settings loaded from a TOML file.
type Config struct {
	ListenAddress          string  `toml:"ListenAddress"`
	DataDir                string  `toml:"DataDir"`
	Environment            string  `toml:"Environment"`
	DryRun                 bool    `toml:"DryRun"`
	DeadlineBufferSeconds  int64   `toml:"DeadlineBufferSeconds"`
	PublicRequestsPerMin   float64 `toml:"PublicRequestsPerMinute"`
	PublicRequestBurst     int     `toml:"PublicRequestBurst"`
	DefaultOldPoolFeeTier  uint32  `toml:"DefaultOldPoolFeeTier"`
	DefaultNewPoolFeeTier  uint32  `toml:"DefaultNewPoolFeeTier"`
	MaxSnapshotProofLength int     `toml:"MaxSnapshotProofLength"`
}

// Load reads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		return nil, fmt.Errorf("config file %s contains unknown field %s", path, undecoded.String())
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if !c.DryRun && c.DataDir == "" {
		return fmt.Errorf("config: DataDir required unless DryRun is set")
	}
	if c.DeadlineBufferSeconds <= 0 {
		return fmt.Errorf("config: DeadlineBufferSeconds must be positive")
	}
	if c.MaxSnapshotProofLength <= 0 {
		return fmt.Errorf("config: MaxSnapshotProofLength must be positive")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.DeadlineBufferSeconds == 0 {
		cfg.DeadlineBufferSeconds = 60
	}
	if cfg.PublicRequestsPerMin == 0 {
		cfg.PublicRequestsPerMin = 120
	}
	if cfg.PublicRequestBurst == 0 {
		cfg.PublicRequestBurst = 20
	}
	if cfg.MaxSnapshotProofLength == 0 {
		cfg.MaxSnapshotProofLength = 64
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8546",
		DataDir:       "./exodus-data",
		Environment:   "local",
	}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
