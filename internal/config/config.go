// Package config loads and validates the gateway configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Server     ServerConfig      `yaml:"server" json:"server"`
	Logging    LoggingConfig     `yaml:"logging" json:"logging"`
	Auth       AuthConfig        `yaml:"auth" json:"auth"`
	Providers  []Provider        `yaml:"providers" json:"providers"`
	Aliases    map[string]string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Combos     []Combo           `yaml:"combos,omitempty" json:"combos,omitempty"`
	Resilience ResilienceConfig  `yaml:"resilience" json:"resilience"`
	Usage      UsageConfig       `yaml:"usage" json:"usage"`
	Telemetry  TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
	Estimator  EstimatorConfig   `yaml:"estimator" json:"estimator"`

	providerErrors []error
}

type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// BodyLimit caps inbound request bodies in bytes.
	BodyLimit int64 `yaml:"body-limit" json:"body-limit"`

	CORS bool `yaml:"cors" json:"cors"`

	// Management enables /v1/management routes.
	Management bool `yaml:"management" json:"management"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max-size-mb,omitempty" json:"max-size-mb,omitempty"`
	MaxBackups int    `yaml:"max-backups,omitempty" json:"max-backups,omitempty"`
	MaxAgeDays int    `yaml:"max-age-days,omitempty" json:"max-age-days,omitempty"`
}

type AuthConfig struct {
	RequireAPIKey bool     `yaml:"require-api-key" json:"require-api-key"`
	APIKeys       []APIKey `yaml:"api-keys,omitempty" json:"api-keys,omitempty"`
}

// APIKey is a client key accepted by the gateway.
type APIKey struct {
	Key  string `yaml:"key" json:"key"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// AllowedModels restricts the models this key may request. Glob patterns.
	AllowedModels []string `yaml:"allowed-models,omitempty" json:"allowed-models,omitempty"`

	// Budget is the maximum spend; zero means unlimited.
	Budget float64 `yaml:"budget,omitempty" json:"budget,omitempty"`

	// RateLimit is requests per second; zero means unlimited.
	RateLimit float64 `yaml:"rate-limit,omitempty" json:"rate-limit,omitempty"`
	Burst     int     `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// ID returns a stable identifier that does not leak the key.
func (k APIKey) ID() string {
	if k.Name != "" {
		return k.Name
	}
	if len(k.Key) <= 8 {
		return "key-" + k.Key
	}
	return "key-" + k.Key[len(k.Key)-6:]
}

type ResilienceConfig struct {
	BreakerThreshold int           `yaml:"breaker-threshold" json:"breaker-threshold"`
	BreakerReset     time.Duration `yaml:"breaker-reset" json:"breaker-reset"`
	ModelCooldown    time.Duration `yaml:"model-cooldown" json:"model-cooldown"`
	IdleTimeout      time.Duration `yaml:"idle-timeout" json:"idle-timeout"`
	RequestTimeout   time.Duration `yaml:"request-timeout" json:"request-timeout"`
	MaxRetries       int           `yaml:"max-retries" json:"max-retries"`
}

type UsageConfig struct {
	DSN           string  `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	RetentionDays int     `yaml:"retention-days" json:"retention-days"`
	PricePerToken float64 `yaml:"price-per-token" json:"price-per-token"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp-endpoint,omitempty" json:"otlp-endpoint,omitempty"`
	SampleRatio  float64 `yaml:"sample-ratio" json:"sample-ratio"`
	ServiceName  string  `yaml:"service-name,omitempty" json:"service-name,omitempty"`
}

type EstimatorConfig struct {
	// CharsPerToken is the ratio used when upstream omits usage.
	CharsPerToken float64 `yaml:"chars-per-token" json:"chars-per-token"`

	// Tokenizer selects "ratio" (default) or "tiktoken".
	Tokenizer string `yaml:"tokenizer,omitempty" json:"tokenizer,omitempty"`
}

// Defaults returns a Config with every tunable populated.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      20128,
			BodyLimit: 10 << 20,
			CORS:      true,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 14},
		Resilience: ResilienceConfig{
			BreakerThreshold: 5,
			BreakerReset:     30 * time.Second,
			ModelCooldown:    60 * time.Second,
			IdleTimeout:      120 * time.Second,
			RequestTimeout:   10 * time.Minute,
			MaxRetries:       2,
		},
		Usage:     UsageConfig{RetentionDays: 30, PricePerToken: 0.000001},
		Telemetry: TelemetryConfig{SampleRatio: 1, ServiceName: "omnigate"},
		Estimator: EstimatorConfig{CharsPerToken: 4, Tokenizer: "ratio"},
	}
}

// LoadConfig reads and validates the config at path. Files ending in .json
// or .jsonc may contain comments and trailing commas.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// LoadConfigOptional returns defaults when path does not exist.
func LoadConfigOptional(path string) (*Config, error) {
	if path == "" {
		return Defaults(), nil
	}
	cfg, err := LoadConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(), nil
	}
	return cfg, err
}

// Parse decodes a config document. ext selects JSONC standardization.
func Parse(data []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc", ".json5":
		std, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("parse jsonc config: %w", err)
		}
		data = std
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize sanitizes providers, combos and aliases and fills zero values.
// Invalid providers are dropped; only structural errors are returned.
func (c *Config) Normalize() error {
	d := Defaults()
	if c.Server.Port <= 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.BodyLimit <= 0 {
		c.Server.BodyLimit = d.Server.BodyLimit
	}
	if c.Resilience.BreakerThreshold <= 0 {
		c.Resilience.BreakerThreshold = d.Resilience.BreakerThreshold
	}
	if c.Resilience.BreakerReset <= 0 {
		c.Resilience.BreakerReset = d.Resilience.BreakerReset
	}
	if c.Resilience.ModelCooldown <= 0 {
		c.Resilience.ModelCooldown = d.Resilience.ModelCooldown
	}
	if c.Resilience.IdleTimeout <= 0 {
		c.Resilience.IdleTimeout = d.Resilience.IdleTimeout
	}
	if c.Usage.PricePerToken <= 0 {
		c.Usage.PricePerToken = d.Usage.PricePerToken
	}
	if c.Estimator.CharsPerToken <= 0 {
		c.Estimator.CharsPerToken = d.Estimator.CharsPerToken
	}

	providers, errs := SanitizeProviders(c.Providers)
	c.Providers = providers
	c.providerErrors = errs

	seen := make(map[string]struct{}, len(c.Combos))
	for i := range c.Combos {
		combo := &c.Combos[i]
		combo.Name = strings.TrimSpace(combo.Name)
		if combo.Strategy == "" {
			combo.Strategy = StrategyPriority
		}
		if err := combo.Validate(); err != nil {
			return err
		}
		if _, dup := seen[combo.Name]; dup {
			return fmt.Errorf("combo %s: duplicate name", combo.Name)
		}
		seen[combo.Name] = struct{}{}
	}

	if len(c.Aliases) > 0 {
		aliases := make(map[string]string, len(c.Aliases))
		for k, v := range c.Aliases {
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)
			if k != "" && v != "" {
				aliases[k] = v
			}
		}
		c.Aliases = aliases
	}

	for i := range c.Auth.APIKeys {
		c.Auth.APIKeys[i].Key = strings.TrimSpace(c.Auth.APIKeys[i].Key)
	}
	return nil
}

// ProviderErrors returns providers dropped during the last Normalize.
func (c *Config) ProviderErrors() []error { return c.providerErrors }

// Provider returns the provider with id or prefix.
func (c *Config) Provider(id string) (*Provider, bool) {
	id = strings.ToLower(id)
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.ID == id || (p.Prefix != "" && p.Prefix == id) {
			return p, true
		}
	}
	return nil, false
}

// Combo returns the named combo, or nil.
func (c *Config) Combo(name string) *Combo {
	for i := range c.Combos {
		if c.Combos[i].Name == name {
			return &c.Combos[i]
		}
	}
	return nil
}

// FindAPIKey returns the client key entry matching key.
func (c *Config) FindAPIKey(key string) (APIKey, bool) {
	if key == "" {
		return APIKey{}, false
	}
	for _, k := range c.Auth.APIKeys {
		if k.Key == key {
			return k, true
		}
	}
	return APIKey{}, false
}

// DSN is a parsed usage storage location.
type DSN struct {
	Backend string // "sqlite" or "postgres"
	Path    string // sqlite file path
	URL     string // postgres connection URL
}

// ParseDSN parses sqlite://path and postgres://... locations. An empty dsn
// returns nil without error.
func ParseDSN(dsn string) (*DSN, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		p := strings.TrimPrefix(dsn, "sqlite://")
		if p == "" {
			return nil, fmt.Errorf("sqlite DSN requires a path")
		}
		return &DSN{Backend: "sqlite", Path: p}, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		if _, err := url.Parse(dsn); err != nil {
			return nil, fmt.Errorf("invalid postgres DSN: %w", err)
		}
		return &DSN{Backend: "postgres", URL: dsn}, nil
	default:
		return nil, fmt.Errorf("unsupported DSN scheme in %q (use sqlite:// or postgres://)", dsn)
	}
}
