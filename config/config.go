// Package config loads server configuration from a YAML file, RATEIO_*
// environment variables and defaults, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	DB         DBConfig         `mapstructure:"db"`
	Log        LogConfig        `mapstructure:"log"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Allocation AllocationConfig `mapstructure:"allocation"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

// EngineConfig holds reconciliation tolerances (kWh) and the boundary
// parse mode ("lenient" or "strict").
type EngineConfig struct {
	AggregateToleranceKWh string `mapstructure:"aggregate_tolerance_kwh"`
	EntryToleranceKWh     string `mapstructure:"entry_tolerance_kwh"`
	ParseMode             string `mapstructure:"parse_mode"`
}

// AggregateTolerance returns the aggregate tolerance as a decimal.
func (e EngineConfig) AggregateTolerance() (decimal.Decimal, error) {
	return decimal.NewFromString(e.AggregateToleranceKWh)
}

// EntryTolerance returns the per-entry tolerance as a decimal.
func (e EngineConfig) EntryTolerance() (decimal.Decimal, error) {
	return decimal.NewFromString(e.EntryToleranceKWh)
}

type AllocationConfig struct {
	// RejectOverAllocation refuses allocations that push a contract's total
	// above 100%. Off by default: operators save partial tables mid-edit.
	RejectOverAllocation bool `mapstructure:"reject_over_allocation"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SchedulerConfig controls the background close watcher.
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads configuration. An empty path skips the file and uses
// environment and defaults only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RATEIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("db.path", "./data/rateio.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("engine.aggregate_tolerance_kwh", "5")
	v.SetDefault("engine.entry_tolerance_kwh", "1")
	v.SetDefault("engine.parse_mode", "lenient")
	v.SetDefault("allocation.reject_over_allocation", false)
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Hour)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values viper cannot type-check.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	if c.DB.Path == "" {
		errs = append(errs, errors.New("db.path is required"))
	}
	if d, err := c.Engine.AggregateTolerance(); err != nil || d.IsNegative() {
		errs = append(errs, errors.New("engine.aggregate_tolerance_kwh must be a non-negative number"))
	}
	if d, err := c.Engine.EntryTolerance(); err != nil || d.IsNegative() {
		errs = append(errs, errors.New("engine.entry_tolerance_kwh must be a non-negative number"))
	}
	switch strings.ToLower(c.Engine.ParseMode) {
	case "", "lenient", "strict":
	default:
		errs = append(errs, errors.New("engine.parse_mode must be lenient or strict"))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive when the scheduler is enabled"))
	}
	return errors.Join(errs...)
}
