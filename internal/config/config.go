// ABOUTME: Configuration loading and parsing for callwatch
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/2389/callwatch/internal/filter"
)

// Config represents the complete callwatch configuration
type Config struct {
	Server    ServerConfig     `yaml:"server" toml:"server"`
	Database  DatabaseConfig   `yaml:"database" toml:"database"`
	Decisions DecisionsConfig  `yaml:"decisions" toml:"decisions"`
	Cache     CacheConfig      `yaml:"cache" toml:"cache"`
	Pipeline  PipelineConfig   `yaml:"pipeline" toml:"pipeline"`
	Governor  GovernorConfig   `yaml:"governor" toml:"governor"`
	Tracking  TrackingConfig   `yaml:"tracking" toml:"tracking"`
	Observers []ObserverConfig `yaml:"observers" toml:"observers" validate:"dive"`
	Notify    NotifyConfig     `yaml:"notify" toml:"notify"`
	Logging   LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" validate:"required"`
	// WatchConfig reloads observer filters when the config file changes.
	WatchConfig bool `yaml:"watch_config" toml:"watch_config"`
}

// DatabaseConfig selects and locates the decision store backend
type DatabaseConfig struct {
	Driver     string `yaml:"driver" toml:"driver" validate:"oneof=sqlite badger"`
	Path       string `yaml:"path" toml:"path" validate:"required"`
	BadgerPath string `yaml:"badger_path" toml:"badger_path"`
}

// DecisionsConfig holds decision retention and store call bounds
type DecisionsConfig struct {
	AcceptedTTL   time.Duration `yaml:"-" toml:"-" validate:"gt=0"`
	RejectedTTL   time.Duration `yaml:"-" toml:"-" validate:"gt=0"`
	StoreTimeout  time.Duration `yaml:"-" toml:"-" validate:"gt=0"`
	PurgeInterval time.Duration `yaml:"-" toml:"-" validate:"gte=0"`

	// Raw string values for unmarshaling
	AcceptedTTLRaw   string `yaml:"accepted_ttl" toml:"accepted_ttl"`
	RejectedTTLRaw   string `yaml:"rejected_ttl" toml:"rejected_ttl"`
	StoreTimeoutRaw  string `yaml:"store_timeout" toml:"store_timeout"`
	PurgeIntervalRaw string `yaml:"purge_interval" toml:"purge_interval"`
}

// CacheClass sizes one in-process cache
type CacheClass struct {
	Capacity int           `yaml:"capacity" toml:"capacity" validate:"gte=1"`
	TTL      time.Duration `yaml:"-" toml:"-" validate:"gt=0"`
	TTLRaw   string        `yaml:"ttl" toml:"ttl"`
}

// CacheConfig holds per data class cache sizing
type CacheConfig struct {
	Decisions     CacheClass    `yaml:"decisions" toml:"decisions"`
	Metadata      CacheClass    `yaml:"metadata" toml:"metadata"`
	SweepInterval time.Duration `yaml:"-" toml:"-" validate:"gt=0"`
	FallbackSize  int           `yaml:"fallback_size" toml:"fallback_size" validate:"gte=1"`
	FallbackTTL   time.Duration `yaml:"-" toml:"-" validate:"gt=0"`

	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
	FallbackTTLRaw   string `yaml:"fallback_ttl" toml:"fallback_ttl"`
}

// PipelineConfig sizes the ingestion queue and its limiters
type PipelineConfig struct {
	QueueCapacity     int           `yaml:"queue_capacity" toml:"queue_capacity" validate:"gte=1"`
	OverflowPolicy    string        `yaml:"overflow_policy" toml:"overflow_policy" validate:"oneof=block reject"`
	Workers           int           `yaml:"workers" toml:"workers" validate:"gte=1"`
	EvalConcurrency   int           `yaml:"eval_concurrency" toml:"eval_concurrency" validate:"gte=1"`
	LookupConcurrency int           `yaml:"lookup_concurrency" toml:"lookup_concurrency" validate:"gte=1"`
	Reevaluate        string        `yaml:"reevaluate" toml:"reevaluate" validate:"oneof=full delta"`
	TrackOnAccept     bool          `yaml:"track_on_accept" toml:"track_on_accept"`
	LookupTimeout     time.Duration `yaml:"-" toml:"-" validate:"gt=0"`
	PredicateTimeout  time.Duration `yaml:"-" toml:"-" validate:"gt=0"`
	Lookback          time.Duration `yaml:"-" toml:"-" validate:"gte=0"`

	LookupTimeoutRaw    string `yaml:"lookup_timeout" toml:"lookup_timeout"`
	PredicateTimeoutRaw string `yaml:"predicate_timeout" toml:"predicate_timeout"`
	LookbackRaw         string `yaml:"lookback" toml:"lookback"`
}

// GovernorConfig holds outbound permit rates in permits per second
type GovernorConfig struct {
	PerObserverRate  float64       `yaml:"per_observer_rate" toml:"per_observer_rate" validate:"gt=0"`
	PerObserverBurst int           `yaml:"per_observer_burst" toml:"per_observer_burst" validate:"gte=1"`
	GlobalRate       float64       `yaml:"global_rate" toml:"global_rate" validate:"gt=0"`
	GlobalBurst      int           `yaml:"global_burst" toml:"global_burst" validate:"gte=1"`
	MaxObservers     int           `yaml:"max_observers" toml:"max_observers" validate:"gte=1"`
	IdleTTL          time.Duration `yaml:"-" toml:"-" validate:"gt=0"`
	IdleTTLRaw       string        `yaml:"idle_ttl" toml:"idle_ttl"`
}

// TrackingConfig controls value-multiple notifications
type TrackingConfig struct {
	Enabled     bool `yaml:"enabled" toml:"enabled"`
	MinMultiple int  `yaml:"min_multiple" toml:"min_multiple" validate:"gte=2"`
}

// ObserverConfig is one config-defined observer and its filter
type ObserverConfig struct {
	ID         string        `yaml:"id" toml:"id" validate:"required"`
	MinSources int           `yaml:"min_sources" toml:"min_sources"`
	MinValue   float64       `yaml:"min_value" toml:"min_value"`
	MaxValue   float64       `yaml:"max_value" toml:"max_value"`
	Sources    []string      `yaml:"sources" toml:"sources"`
	MaxAge     time.Duration `yaml:"-" toml:"-"`
	MaxAgeRaw  string        `yaml:"max_age" toml:"max_age"`
}

// NotifyConfig selects notification sinks
type NotifyConfig struct {
	Log               bool          `yaml:"log" toml:"log"`
	WebhookURL        string        `yaml:"webhook_url" toml:"webhook_url" validate:"omitempty,url"`
	WebhookTimeout    time.Duration `yaml:"-" toml:"-"`
	WebhookTimeoutRaw string        `yaml:"webhook_timeout" toml:"webhook_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"omitempty,oneof=text json"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path" validate:"omitempty,startswith=/"`
}

// Default returns a configuration with every documented default applied.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8090"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "callwatch.db"},
		Decisions: DecisionsConfig{
			AcceptedTTL:   14 * 24 * time.Hour,
			RejectedTTL:   time.Hour,
			StoreTimeout:  3 * time.Second,
			PurgeInterval: 10 * time.Minute,
		},
		Cache: CacheConfig{
			Decisions:     CacheClass{Capacity: 5000, TTL: 5 * time.Minute},
			Metadata:      CacheClass{Capacity: 1000, TTL: 2 * time.Minute},
			SweepInterval: time.Minute,
			FallbackSize:  10000,
			FallbackTTL:   time.Hour,
		},
		Pipeline: PipelineConfig{
			QueueCapacity:     10000,
			OverflowPolicy:    "block",
			Workers:           4,
			EvalConcurrency:   5,
			LookupConcurrency: 10,
			Reevaluate:        "full",
			LookupTimeout:     5 * time.Second,
			PredicateTimeout:  2 * time.Second,
			Lookback:          24 * time.Hour,
		},
		Governor: GovernorConfig{
			PerObserverRate:  1,
			PerObserverBurst: 1,
			GlobalRate:       30,
			GlobalBurst:      1,
			MaxObservers:     1000,
			IdleTTL:          10 * time.Minute,
		},
		Tracking: TrackingConfig{MinMultiple: 2},
		Notify:   NotifyConfig{Log: true, WebhookTimeout: 5 * time.Second},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Metrics:  MetricsConfig{Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

var validate = validator.New()

// Validate checks that all required configuration fields are present and valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Database.Driver == "badger" && c.Database.BadgerPath == "" {
		return fmt.Errorf("database.badger_path is required when driver is badger")
	}

	seen := make(map[string]bool, len(c.Observers))
	for _, o := range c.Observers {
		if seen[o.ID] {
			return fmt.Errorf("observer %q defined twice", o.ID)
		}
		seen[o.ID] = true
		if err := o.Rules().Validate(); err != nil {
			return fmt.Errorf("observer %q: %w", o.ID, err)
		}
	}

	return nil
}

// Rules converts the observer entry into filter rules.
func (o ObserverConfig) Rules() filter.Rules {
	return filter.Rules{
		MinSources: o.MinSources,
		MinValue:   o.MinValue,
		MaxValue:   o.MaxValue,
		Sources:    o.Sources,
		MaxAge:     o.MaxAge,
	}
}

// FilterRules returns the observer rules keyed by observer id.
func (c *Config) FilterRules() map[string]filter.Rules {
	out := make(map[string]filter.Rules, len(c.Observers))
	for _, o := range c.Observers {
		out[o.ID] = o.Rules()
	}
	return out
}

// parseDurations converts the raw duration strings into time.Duration values.
// Fields whose raw value is empty keep their default.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"decisions.accepted_ttl", cfg.Decisions.AcceptedTTLRaw, &cfg.Decisions.AcceptedTTL},
		{"decisions.rejected_ttl", cfg.Decisions.RejectedTTLRaw, &cfg.Decisions.RejectedTTL},
		{"decisions.store_timeout", cfg.Decisions.StoreTimeoutRaw, &cfg.Decisions.StoreTimeout},
		{"decisions.purge_interval", cfg.Decisions.PurgeIntervalRaw, &cfg.Decisions.PurgeInterval},
		{"cache.decisions.ttl", cfg.Cache.Decisions.TTLRaw, &cfg.Cache.Decisions.TTL},
		{"cache.metadata.ttl", cfg.Cache.Metadata.TTLRaw, &cfg.Cache.Metadata.TTL},
		{"cache.sweep_interval", cfg.Cache.SweepIntervalRaw, &cfg.Cache.SweepInterval},
		{"cache.fallback_ttl", cfg.Cache.FallbackTTLRaw, &cfg.Cache.FallbackTTL},
		{"pipeline.lookup_timeout", cfg.Pipeline.LookupTimeoutRaw, &cfg.Pipeline.LookupTimeout},
		{"pipeline.predicate_timeout", cfg.Pipeline.PredicateTimeoutRaw, &cfg.Pipeline.PredicateTimeout},
		{"pipeline.lookback", cfg.Pipeline.LookbackRaw, &cfg.Pipeline.Lookback},
		{"governor.idle_ttl", cfg.Governor.IdleTTLRaw, &cfg.Governor.IdleTTL},
		{"notify.webhook_timeout", cfg.Notify.WebhookTimeoutRaw, &cfg.Notify.WebhookTimeout},
	}
	for i := range cfg.Observers {
		o := &cfg.Observers[i]
		fields = append(fields, struct {
			name string
			raw  string
			dst  *time.Duration
		}{fmt.Sprintf("observers[%s].max_age", o.ID), o.MaxAgeRaw, &o.MaxAge})
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := parseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// parseDuration accepts time.ParseDuration syntax plus a "d" suffix for days.
func parseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		d, err := time.ParseDuration(days + "h")
		if err != nil {
			return 0, err
		}
		return d * 24, nil
	}
	return time.ParseDuration(s)
}

// ResolvePath returns the config file location: $CALLWATCH_CONFIG, then
// $XDG_CONFIG_HOME/callwatch/callwatch.yaml, then ~/.config/callwatch/callwatch.yaml.
func ResolvePath() string {
	if p := os.Getenv("CALLWATCH_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "callwatch", "callwatch.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "callwatch.yaml"
	}
	return filepath.Join(home, ".config", "callwatch", "callwatch.yaml")
}
