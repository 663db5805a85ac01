// Package config loads and validates the settings the trading pipeline is
// built from. A Config is passed explicitly to the components that need it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/deepnoodle-ai/tradeflow/risk"
	"github.com/deepnoodle-ai/tradeflow/signals"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the complete pipeline configuration
type Config struct {
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	Quality   QualityConfig   `yaml:"quality" toml:"quality"`
	Signals   SignalsConfig   `yaml:"signals" toml:"signals"`
	Risk      risk.Policy     `yaml:"risk" toml:"risk"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Providers ProvidersConfig `yaml:"providers" toml:"providers"`
	Log       LogConfig       `yaml:"log" toml:"log"`
}

// EngineConfig bounds runs.
type EngineConfig struct {
	// MaxSteps limits step executions per run.
	MaxSteps int `yaml:"max_steps" toml:"max_steps" validate:"gte=0"`
	// RunTimeout is the wall-clock deadline of a run (0 = none).
	RunTimeout time.Duration `yaml:"run_timeout" toml:"run_timeout" validate:"gte=0"`
	// ToolTimeout is the default per-call tool timeout.
	ToolTimeout time.Duration `yaml:"tool_timeout" toml:"tool_timeout" validate:"gte=0"`
	// ToolAttempts is the number of attempts for recoverable tool errors.
	ToolAttempts int `yaml:"tool_attempts" toml:"tool_attempts" validate:"gte=1,lte=10"`
}

// QualityConfig configures the data quality scorer.
type QualityConfig struct {
	// DefaultFields are the fields every source must carry unless Required
	// overrides them.
	DefaultFields []string            `yaml:"default_fields" toml:"default_fields"`
	Required      map[string][]string `yaml:"required" toml:"required"`
	// MinScore is the score below which gathering is retried.
	MinScore float64 `yaml:"min_score" toml:"min_score" validate:"gte=0,lte=1"`
	// MaxAttempts bounds gather attempts.
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts" validate:"gte=1,lte=5"`
}

// SignalsConfig holds the category weights.
type SignalsConfig struct {
	Weights signals.Weights `yaml:"weights" toml:"weights"`
}

// StorageConfig selects the checkpoint store.
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend" validate:"oneof=memory file postgres redis"`
	// Path is the directory of the file backend.
	Path string `yaml:"path" toml:"path" validate:"required_if=Backend file"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" toml:"dsn" validate:"required_if=Backend postgres"`
	// RedisAddr is the host:port of the Redis backend.
	RedisAddr string `yaml:"redis_addr" toml:"redis_addr" validate:"required_if=Backend redis"`
}

// ProvidersConfig selects where market data comes from.
type ProvidersConfig struct {
	Mode    string        `yaml:"mode" toml:"mode" validate:"oneof=offline http"`
	BaseURL string        `yaml:"base_url" toml:"base_url" validate:"required_if=Mode http"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout" validate:"gte=0"`
	// Seed makes the offline simulator reproducible.
	Seed int64 `yaml:"seed" toml:"seed"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=text json"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxSteps:     200,
			RunTimeout:   5 * time.Minute,
			ToolTimeout:  10 * time.Second,
			ToolAttempts: 2,
		},
		Quality: QualityConfig{
			DefaultFields: []string{"symbol"},
			Required: map[string][]string{
				"quote":        {"symbol", "price", "volume"},
				"history":      {"symbol", "bars"},
				"fundamentals": {"symbol", "pe_ratio", "revenue_growth"},
				"news":         {"symbol", "headlines"},
				"macro":        {"rate", "inflation"},
				"flows":        {"symbol", "net_flow"},
			},
			MinScore:    0.5,
			MaxAttempts: 2,
		},
		Signals: SignalsConfig{Weights: signals.DefaultWeights()},
		Risk:    risk.DefaultPolicy(),
		Storage: StorageConfig{Backend: "memory"},
		Providers: ProvidersConfig{
			Mode:    "offline",
			Timeout: 5 * time.Second,
			Seed:    1,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Signals.Weights.Validate(); err != nil {
		return fmt.Errorf("invalid config: signals.weights: %w", err)
	}
	return nil
}

// Load reads a YAML (.yaml, .yml) or TOML (.toml) file over the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	ext := filepath.Ext(path)

	// Keys present in the file override the defaults, including explicit
	// zeros such as run_timeout: 0.
	cfg := DefaultConfig()
	if err := decode(ext, data, cfg); err != nil {
		return nil, err
	}
	file, err := Parse(ext, data)
	if err != nil {
		return nil, err
	}
	if len(file.Signals.Weights) > 0 {
		cfg.Signals.Weights = file.Signals.Weights
	}
	if len(file.Quality.Required) > 0 {
		cfg.Quality.Required = file.Quality.Required
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a config document without applying defaults. ext selects
// the format.
func Parse(ext string, data []byte) (*Config, error) {
	var cfg Config
	if err := decode(ext, data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(ext string, data []byte, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values). Weights and required-field maps are replaced whole.
// Use Load to apply a file, which also honors explicit zero values.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Engine
	if other.Engine.MaxSteps != 0 {
		c.Engine.MaxSteps = other.Engine.MaxSteps
	}
	if other.Engine.RunTimeout != 0 {
		c.Engine.RunTimeout = other.Engine.RunTimeout
	}
	if other.Engine.ToolTimeout != 0 {
		c.Engine.ToolTimeout = other.Engine.ToolTimeout
	}
	if other.Engine.ToolAttempts != 0 {
		c.Engine.ToolAttempts = other.Engine.ToolAttempts
	}

	// Quality
	if len(other.Quality.DefaultFields) > 0 {
		c.Quality.DefaultFields = other.Quality.DefaultFields
	}
	if len(other.Quality.Required) > 0 {
		c.Quality.Required = other.Quality.Required
	}
	if other.Quality.MinScore != 0 {
		c.Quality.MinScore = other.Quality.MinScore
	}
	if other.Quality.MaxAttempts != 0 {
		c.Quality.MaxAttempts = other.Quality.MaxAttempts
	}

	// Signals
	if len(other.Signals.Weights) > 0 {
		c.Signals.Weights = other.Signals.Weights
	}

	// Risk
	if other.Risk.MaxRiskScore != 0 {
		c.Risk.MaxRiskScore = other.Risk.MaxRiskScore
	}
	if other.Risk.BlockRiskScore != 0 {
		c.Risk.BlockRiskScore = other.Risk.BlockRiskScore
	}
	if other.Risk.MaxNotional != 0 {
		c.Risk.MaxNotional = other.Risk.MaxNotional
	}
	if other.Risk.MinConfidence != 0 {
		c.Risk.MinConfidence = other.Risk.MinConfidence
	}
	if other.Risk.MaxPositionWeight != 0 {
		c.Risk.MaxPositionWeight = other.Risk.MaxPositionWeight
	}

	// Storage
	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	if other.Storage.Path != "" {
		c.Storage.Path = other.Storage.Path
	}
	if other.Storage.DSN != "" {
		c.Storage.DSN = other.Storage.DSN
	}
	if other.Storage.RedisAddr != "" {
		c.Storage.RedisAddr = other.Storage.RedisAddr
	}

	// Providers
	if other.Providers.Mode != "" {
		c.Providers.Mode = other.Providers.Mode
	}
	if other.Providers.BaseURL != "" {
		c.Providers.BaseURL = other.Providers.BaseURL
	}
	if other.Providers.Timeout != 0 {
		c.Providers.Timeout = other.Providers.Timeout
	}
	if other.Providers.Seed != 0 {
		c.Providers.Seed = other.Providers.Seed
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
}

// Environment variables read by ApplyEnv.
const (
	EnvStorageBackend = "TRADEFLOW_STORAGE_BACKEND"
	EnvStoragePath    = "TRADEFLOW_STORAGE_PATH"
	EnvPostgresDSN    = "TRADEFLOW_POSTGRES_DSN"
	EnvRedisAddr      = "TRADEFLOW_REDIS_ADDR"
	EnvProviderURL    = "TRADEFLOW_PROVIDER_URL"
	EnvLogLevel       = "TRADEFLOW_LOG_LEVEL"
)

// ApplyEnv overrides connection settings from the environment. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	env := &Config{}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvStorageBackend, &env.Storage.Backend)
	set(EnvStoragePath, &env.Storage.Path)
	set(EnvPostgresDSN, &env.Storage.DSN)
	set(EnvRedisAddr, &env.Storage.RedisAddr)
	set(EnvProviderURL, &env.Providers.BaseURL)
	set(EnvLogLevel, &env.Log.Level)
	if env.Providers.BaseURL != "" {
		env.Providers.Mode = "http"
	}
	c.Merge(env)
}
