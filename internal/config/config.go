// Package config loads service configuration from a YAML file with
// environment overrides. The signing key is never read from the file; it
// comes from the environment only.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tripguard/oracle/internal/api"
	"github.com/tripguard/oracle/internal/oracle"
	"github.com/tripguard/oracle/internal/platform/chain"
	natsx "github.com/tripguard/oracle/internal/platform/nats"
	"github.com/tripguard/oracle/internal/platform/storage"
)

// Config aggregates all subsystem configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Database storage.Config `yaml:"database"`
	Chain    chain.Config   `yaml:"chain"`
	Guard    GuardSection   `yaml:"guard"`
	NATS     NATSSection    `yaml:"nats"`
	API      api.Config     `yaml:"api"`

	Engine    oracle.Config          `yaml:"engine"`
	Scheduler oracle.SchedulerConfig `yaml:"scheduler"`

	Adapters AdaptersSection `yaml:"adapters"`
}

// GuardSection wraps the submission guard config with an enable switch.
type GuardSection struct {
	Enabled bool `yaml:"enabled"`

	oracle.GuardConfig `yaml:",inline"`
}

// NATSSection wraps the NATS config with an enable switch. Notifications are
// best-effort; the oracle runs without a broker.
type NATSSection struct {
	Enabled bool `yaml:"enabled"`

	natsx.Config `yaml:",inline"`
}

// AdaptersSection configures the external event sources.
type AdaptersSection struct {
	Flight  AdapterSection `yaml:"flight"`
	Baggage AdapterSection `yaml:"baggage"`
	Booking AdapterSection `yaml:"booking"`
}

// AdapterSection enables one provider poll.
type AdapterSection struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Database: storage.DefaultConfig(),
		Chain:    chain.DefaultConfig(),
		Guard: GuardSection{
			Enabled:     true,
			GuardConfig: oracle.DefaultGuardConfig(),
		},
		NATS: NATSSection{
			Enabled: false,
			Config:  natsx.DefaultConfig(),
		},
		API:       api.DefaultConfig(),
		Engine:    oracle.DefaultConfig(),
		Scheduler: oracle.DefaultSchedulerConfig(),
	}
}

// Load reads the config file (when path is non-empty) over the defaults,
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("WS_URL"); v != "" {
		cfg.Chain.WSURL = v
	}
	if v := os.Getenv("CONTRACT_ADDRESS"); v != "" {
		cfg.Chain.ContractAddress = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Guard.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.API.Addr = v
	}

	// The signing key is environment-only. A key in a config file would end
	// up in version control sooner or later.
	cfg.Chain.SigningKey = os.Getenv("ORACLE_SIGNING_KEY")
}
