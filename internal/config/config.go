// Package config holds the root configuration for the decision engine and its
// components. Parsing command-line flags is out of scope for this module;
// this package only defines the shape, defaults, and validation of the
// in-process configuration value.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration value threaded through every component.
type Config struct {
	DryRun   bool   `yaml:"dry_run"`
	LogLevel string `yaml:"log_level"`
	Env      string `yaml:"env"`

	Feed     FeedConfig     `yaml:"feed"`
	Store    StoreConfig    `yaml:"store"`
	Registry RegistryConfig `yaml:"registry"`
	Engine   EngineConfig   `yaml:"engine"`
}

// FeedConfig configures the price-feed client (4.D).
type FeedConfig struct {
	Symbols              []string      `yaml:"symbols"`
	AutoReconnect        bool          `yaml:"auto_reconnect"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	MaxMessagesPerSecond float64       `yaml:"max_messages_per_second"`
	MaxBurstMessages     int           `yaml:"max_burst_messages"`
}

// StoreConfig configures the persistence store (4.E).
type StoreConfig struct {
	Enabled             bool    `yaml:"enabled"`
	DBPath              string  `yaml:"db_path"`
	SyncMode            string  `yaml:"sync_mode"`
	VacuumIntervalHours float64 `yaml:"vacuum_interval_hours"`
}

// RegistryConfig configures the market tracker registry (4.F).
type RegistryConfig struct {
	PredictiveScanInterval time.Duration `yaml:"predictive_scan_interval"`
	ReactiveScanInterval   time.Duration `yaml:"reactive_scan_interval"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval"`
	LookaheadMinutes       int           `yaml:"lookahead_minutes"`
	ReactiveMinMinutesEnd  int           `yaml:"reactive_min_minutes_until_end"`
	ReactiveMaxMinutesEnd  int           `yaml:"reactive_max_minutes_until_end"`
}

// EngineConfig configures the decision & execution engine (4.G).
type EngineConfig struct {
	PositionSizeUSD float64            `yaml:"position_size_usd"`
	NoThreshold     float64            `yaml:"no_threshold"`
	YesThreshold    float64            `yaml:"yes_threshold"`
	EntryPriceCap   float64            `yaml:"entry_price_cap"`
	Symbols         []string           `yaml:"symbols"`
	ThresholdBps    map[string]float64 `yaml:"threshold_bps"`
	StateMinutes    []int              `yaml:"state_minutes"`
	HorizonMinutes  int                `yaml:"horizon_minutes"`
	ModelPath       string             `yaml:"model_path"`
	ImputationsPath string             `yaml:"imputations_path"`
}

// Default returns a Config with conservative, dry-run-safe defaults.
func Default() Config {
	return Config{
		DryRun:   true,
		LogLevel: "info",
		Env:      "dev",
		Feed: FeedConfig{
			Symbols:              []string{"btcusdt", "ethusdt", "solusdt", "xrpusdt"},
			AutoReconnect:        true,
			ReconnectDelay:       5 * time.Second,
			PingInterval:         30 * time.Second,
			MaxReconnectAttempts: 100,
			MaxMessagesPerSecond: 500,
			MaxBurstMessages:     1000,
		},
		Store: StoreConfig{
			Enabled:             true,
			DBPath:              "./data/engine.db",
			SyncMode:            "async",
			VacuumIntervalHours: 24,
		},
		Registry: RegistryConfig{
			PredictiveScanInterval: 10 * time.Minute,
			ReactiveScanInterval:   60 * time.Second,
			CleanupInterval:        30 * time.Second,
			LookaheadMinutes:       60,
			ReactiveMinMinutesEnd:  1,
			ReactiveMaxMinutesEnd:  30,
		},
		Engine: EngineConfig{
			PositionSizeUSD: 100,
			NoThreshold:     0.30,
			YesThreshold:    0.70,
			EntryPriceCap:   0.85,
			Symbols:         []string{"BTC", "ETH", "SOL", "XRP"},
			ThresholdBps: map[string]float64{
				"BTC": 10,
				"ETH": 15,
				"SOL": 25,
				"XRP": 20,
			},
			StateMinutes:    []int{0, 1, 2},
			HorizonMinutes:  15,
			ModelPath:       "./models/model.json",
			ImputationsPath: "./models/imputations.json",
		},
	}
}

// LoadFile starts from Default() and overlays the YAML file at path, if it
// exists. A missing, unreadable or unparsable file returns that error
// together with the Default() config, so the caller can fall back to
// defaults, same as the rest of this module's fail-soft-at-the-edges posture.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment-variable overrides, for deployment knobs that
// should never live in a committed config file (paths, dry-run toggles).
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("ENGINE_DRY_RUN")); v != "" {
		c.DryRun = strings.EqualFold(v, "true") || v == "1"
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_DB_PATH")); v != "" {
		c.Store.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_LOG_LEVEL")); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_ENV")); v != "" {
		c.Env = v
	}
}
