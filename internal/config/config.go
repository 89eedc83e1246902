// Package config loads engine configuration from a YAML file with
// environment overrides. Secrets (database URLs, API keys) come from the
// environment, optionally via a .env file in development; the YAML file
// holds the strategy parameters and is safe to commit.
//
// Monetary and price-like values are strings in the file and parsed into
// decimals during validation, never floats.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/gexflow/strategy-engine/internal/clock"
	"github.com/gexflow/strategy-engine/internal/instrument"
)

// Config is the root configuration.
type Config struct {
	Server    Server     `yaml:"server"`
	Log       Log        `yaml:"log"`
	Store     StoreCfg   `yaml:"store"`
	Market    Market     `yaml:"market"`
	Scheduler Scheduler  `yaml:"scheduler"`
	Instances []Instance `yaml:"instances"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text

	// File enables rotated file logging alongside stderr when set.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type StoreCfg struct {
	// DatabaseURL selects Postgres. SQLitePath selects the embedded
	// store. With neither set the engine runs on the in-memory store.
	DatabaseURL string        `yaml:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type Market struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type Scheduler struct {
	CycleInterval     time.Duration `yaml:"cycle_interval"`
	CloseOnlyInterval time.Duration `yaml:"close_only_interval"`
}

// Instance configures one engine instance.
type Instance struct {
	ID               string `yaml:"id"`
	Symbol           string `yaml:"symbol"`
	StartingBalance  string `yaml:"starting_balance"`
	MaxOpenPositions int    `yaml:"max_open_positions"`

	MaxTradesPerDay     int `yaml:"max_trades_per_day"`
	MaxRoundTrips       int `yaml:"max_round_trips"`
	RoundTripWindowDays int `yaml:"round_trip_window_days"`

	RiskPct           string `yaml:"risk_pct"`
	Utilization       string `yaml:"utilization"`
	MaxContracts      int64  `yaml:"max_contracts"`
	MarginPerContract string `yaml:"margin_per_contract"`
	Slippage          string `yaml:"slippage"`

	Trailing Trailing  `yaml:"trailing"`
	Window   WindowCfg `yaml:"window"`
}

type Trailing struct {
	Enabled           bool   `yaml:"enabled"`
	ActivationPoints  string `yaml:"activation_points"`
	TrailPoints       string `yaml:"trail_points"`
	MaxUnrealizedLoss string `yaml:"max_unrealized_loss"`
	EmergencyStopMult string `yaml:"emergency_stop_mult"`
	BreakerThreshold  int    `yaml:"breaker_threshold"`
}

type WindowCfg struct {
	Timezone     string `yaml:"timezone"`
	Open         string `yaml:"open"`
	Close        string `yaml:"close"`
	Cutoff       string `yaml:"cutoff"`
	ExtendedOpen string `yaml:"extended_open"`
}

// Load reads the YAML file at path, applies environment overrides, and
// validates. A .env file in the working directory is loaded first if
// present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: Server{Addr: ":8080"},
		Log:    Log{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
		Store:  StoreCfg{CacheTTL: 5 * time.Second},
		Market: Market{Timeout: 5 * time.Second},
		Scheduler: Scheduler{
			CycleInterval:     time.Minute,
			CloseOnlyInterval: 15 * time.Second,
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := os.Getenv("MARKET_BASE_URL"); v != "" {
		cfg.Market.BaseURL = v
	}
	if v := os.Getenv("MARKET_API_KEY"); v != "" {
		cfg.Market.APIKey = v
	}
}

// Validate checks the whole tree. Every decimal-bearing string must parse
// and every window must be coherent; a config error at startup beats a
// sizing error mid-session.
func (c *Config) Validate() error {
	if len(c.Instances) == 0 {
		return fmt.Errorf("config: at least one instance required")
	}

	seen := make(map[string]bool, len(c.Instances))
	for i := range c.Instances {
		inst := &c.Instances[i]
		if inst.ID == "" {
			return fmt.Errorf("config: instance %d: id required", i)
		}
		if seen[inst.ID] {
			return fmt.Errorf("config: duplicate instance id %q", inst.ID)
		}
		seen[inst.ID] = true

		if _, err := instrument.Parse(inst.Symbol); err != nil {
			return fmt.Errorf("config: instance %s: %w", inst.ID, err)
		}
		if _, err := inst.DecimalField("starting_balance", inst.StartingBalance); err != nil {
			return err
		}
		if _, err := inst.DecimalField("risk_pct", inst.RiskPct); err != nil {
			return err
		}
		if _, err := inst.BuildWindow(); err != nil {
			return err
		}
		for name, v := range map[string]string{
			"utilization":         inst.Utilization,
			"margin_per_contract": inst.MarginPerContract,
			"slippage":            inst.Slippage,
			"activation_points":   inst.Trailing.ActivationPoints,
			"trail_points":        inst.Trailing.TrailPoints,
			"max_unrealized_loss": inst.Trailing.MaxUnrealizedLoss,
			"emergency_stop_mult": inst.Trailing.EmergencyStopMult,
		} {
			if _, err := inst.DecimalField(name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// DecimalField parses a decimal-bearing string field. Empty means zero.
func (i *Instance) DecimalField(name, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: instance %s: %s: %w", i.ID, name, err)
	}
	return d, nil
}

// MustDecimal is DecimalField for already-validated configs.
func (i *Instance) MustDecimal(value string) decimal.Decimal {
	if value == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated decimal %q: %v", value, err))
	}
	return d
}

// BuildWindow converts the window block into a clock.Window.
func (i *Instance) BuildWindow() (*clock.Window, error) {
	tz := i.Window.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("config: instance %s: timezone: %w", i.ID, err)
	}

	w := &clock.Window{Location: loc, ExtendedOpenMinute: -1}

	parse := func(name, v, fallback string) (int, error) {
		if v == "" {
			v = fallback
		}
		m, err := clock.ParseHHMM(v)
		if err != nil {
			return 0, fmt.Errorf("config: instance %s: %s: %w", i.ID, name, err)
		}
		return m, nil
	}

	if w.OpenMinute, err = parse("window.open", i.Window.Open, "09:30"); err != nil {
		return nil, err
	}
	if w.CloseMinute, err = parse("window.close", i.Window.Close, "16:00"); err != nil {
		return nil, err
	}
	if w.CutoffMinute, err = parse("window.cutoff", i.Window.Cutoff, "15:45"); err != nil {
		return nil, err
	}
	if i.Window.ExtendedOpen != "" {
		if w.ExtendedOpenMinute, err = parse("window.extended_open", i.Window.ExtendedOpen, ""); err != nil {
			return nil, err
		}
	}

	if w.CutoffMinute > w.CloseMinute {
		return nil, fmt.Errorf("config: instance %s: cutoff after close", i.ID)
	}
	if w.OpenMinute >= w.CloseMinute {
		return nil, fmt.Errorf("config: instance %s: open not before close", i.ID)
	}
	return w, nil
}
