// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"slices"
	"time"

	"go.yaml.in/yaml/v3"

	relay "github.com/keymux/keymux/internal"
)

// Config is the top-level relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Health    HealthConfig    `yaml:"health"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Defaults  GroupDefaults   `yaml:"defaults"`
	Groups    []GroupEntry    `yaml:"groups"`
	ProxyKeys []ProxyKeyEntry `yaml:"proxy_keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"` // admin token; generated at startup when empty
}

// LoggingConfig controls the request-log pipeline.
type LoggingConfig struct {
	QueueSize     int           `yaml:"queue_size"`     // bounded channel capacity
	BatchSize     int           `yaml:"batch_size"`     // max records per durable write
	FlushInterval time.Duration `yaml:"flush_interval"` // max latency before a partial batch flushes
	MaxRetries    int           `yaml:"max_retries"`    // write attempts before a batch is surrendered
	BodyCapBytes  int           `yaml:"body_cap_bytes"` // captured request/response body prefix
}

// HealthConfig controls the background health scanner.
type HealthConfig struct {
	Enabled     *bool         `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"` // per-probe deadline
}

// IsEnabled reports whether the scanner runs (defaults to true when nil).
func (h HealthConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// GroupDefaults supplies values for group fields left unset in entries.
type GroupDefaults struct {
	RetryCount      int           `yaml:"retry_count"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	RPMLimit        int64         `yaml:"rpm_limit"` // 0 = unlimited
}

// GroupEntry is an upstream group definition in the config file.
type GroupEntry struct {
	Name            string            `yaml:"name"`
	Kind            string            `yaml:"provider_kind"`
	BaseURL         string            `yaml:"base_url"`
	APIKeys         []string          `yaml:"api_keys"`
	Models          []string          `yaml:"models"`
	Aliases         map[string]string `yaml:"aliases"`
	ParamOverrides  map[string]any    `yaml:"param_overrides"`
	Headers         map[string]string `yaml:"headers"`
	BalancePolicy   string            `yaml:"balance_policy"`
	RetryCount      *int              `yaml:"retry_count"`
	ConnectTimeout  time.Duration     `yaml:"connect_timeout"`
	ResponseTimeout time.Duration     `yaml:"response_timeout"`
	RPMLimit        *int64            `yaml:"rpm_limit"`
	TestModel       string            `yaml:"test_model"`
	Priority        int               `yaml:"priority"`
	Enabled         *bool             `yaml:"enabled"`
	Proxy           *ProxyEntry       `yaml:"proxy"`
	FakeStreaming   bool              `yaml:"fake_streaming"`
}

// ProxyEntry configures an HTTP forward proxy for a group's upstream calls.
type ProxyEntry struct {
	URL string `yaml:"url"`
}

// IsEnabled reports whether the group is enabled (defaults to true when nil).
func (g GroupEntry) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// ResolvedPolicy returns the balance policy, defaulting to round_robin.
func (g GroupEntry) ResolvedPolicy() relay.BalancePolicy {
	if g.BalancePolicy == "" {
		return relay.PolicyRoundRobin
	}
	return relay.BalancePolicy(g.BalancePolicy)
}

// ProxyKeyEntry is a client credential definition in the config file.
type ProxyKeyEntry struct {
	Name          string         `yaml:"name"`
	Token         string         `yaml:"token"`
	Description   string         `yaml:"description"`
	AllowedGroups []string       `yaml:"allowed_groups"` // empty = all enabled groups
	GroupPolicy   string         `yaml:"group_policy"`
	GroupWeights  map[string]int `yaml:"group_weights"`
	RPMLimit      int64          `yaml:"rpm_limit"` // 0 = unlimited
	Enabled       *bool          `yaml:"enabled"`
}

// IsEnabled reports whether the proxy key is enabled (defaults to true when nil).
func (k ProxyKeyEntry) IsEnabled() bool {
	return k.Enabled == nil || *k.Enabled
}

// ResolvedPolicy returns the group-selection policy, defaulting to round_robin.
func (k ProxyKeyEntry) ResolvedPolicy() relay.BalancePolicy {
	if k.GroupPolicy == "" {
		return relay.PolicyRoundRobin
	}
	return relay.BalancePolicy(k.GroupPolicy)
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses must not be cut off
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "keymux.db",
		},
		Logging: LoggingConfig{
			QueueSize:     4096,
			BatchSize:     64,
			FlushInterval: 2 * time.Second,
			MaxRetries:    3,
			BodyCapBytes:  64 * 1024,
		},
		Health: HealthConfig{
			Interval:    5 * time.Minute,
			Concurrency: 8,
			Timeout:     20 * time.Second,
		},
		Defaults: GroupDefaults{
			RetryCount:      3,
			ConnectTimeout:  30 * time.Second,
			ResponseTimeout: 5 * time.Minute,
			RPMLimit:        0,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field invariants that YAML parsing cannot express.
func (c *Config) Validate() error {
	groupNames := make(map[string]bool, len(c.Groups))
	for i, g := range c.Groups {
		if g.Name == "" {
			return fmt.Errorf("group[%d]: name is required", i)
		}
		if groupNames[g.Name] {
			return fmt.Errorf("group %q: duplicate name", g.Name)
		}
		groupNames[g.Name] = true

		if !relay.ProviderKind(g.Kind).Known() {
			return fmt.Errorf("group %q: unknown provider_kind %q", g.Name, g.Kind)
		}
		if g.BaseURL == "" {
			return fmt.Errorf("group %q: base_url is required", g.Name)
		}
		if _, err := url.Parse(g.BaseURL); err != nil {
			return fmt.Errorf("group %q: base_url: %w", g.Name, err)
		}
		if len(g.APIKeys) == 0 {
			return fmt.Errorf("group %q: at least one api key is required", g.Name)
		}
		if len(g.Models) == 0 {
			return fmt.Errorf("group %q: at least one model is required", g.Name)
		}
		if !g.ResolvedPolicy().Known() {
			return fmt.Errorf("group %q: unknown balance_policy %q", g.Name, g.BalancePolicy)
		}
		if g.RetryCount != nil && *g.RetryCount < 0 {
			return fmt.Errorf("group %q: retry_count must be >= 0", g.Name)
		}
		if g.RPMLimit != nil && *g.RPMLimit < 0 {
			return fmt.Errorf("group %q: rpm_limit must be >= 0", g.Name)
		}
		if err := validateAliases(g); err != nil {
			return fmt.Errorf("group %q: %w", g.Name, err)
		}
		if g.ParamOverrides != nil {
			if _, err := json.Marshal(g.ParamOverrides); err != nil {
				return fmt.Errorf("group %q: param_overrides: %w", g.Name, err)
			}
		}
		if g.Proxy != nil {
			u, err := url.Parse(g.Proxy.URL)
			if err != nil || u.Scheme == "" {
				return fmt.Errorf("group %q: proxy url %q is not absolute", g.Name, g.Proxy.URL)
			}
		}
	}

	tokens := make(map[string]bool, len(c.ProxyKeys))
	for i, k := range c.ProxyKeys {
		if k.Name == "" {
			return fmt.Errorf("proxy_key[%d]: name is required", i)
		}
		if k.Token == "" {
			return fmt.Errorf("proxy_key %q: token is required", k.Name)
		}
		if tokens[k.Token] {
			return fmt.Errorf("proxy_key %q: duplicate token", k.Name)
		}
		tokens[k.Token] = true

		if !k.ResolvedPolicy().Known() {
			return fmt.Errorf("proxy_key %q: unknown group_policy %q", k.Name, k.GroupPolicy)
		}
		if k.RPMLimit < 0 {
			return fmt.Errorf("proxy_key %q: rpm_limit must be >= 0", k.Name)
		}
		for _, name := range k.AllowedGroups {
			if !groupNames[name] {
				return fmt.Errorf("proxy_key %q: allowed group %q is not defined", k.Name, name)
			}
		}
		// Weights for groups outside the permit set would silently never apply.
		if len(k.AllowedGroups) > 0 {
			for name := range k.GroupWeights {
				if !slices.Contains(k.AllowedGroups, name) {
					return fmt.Errorf("proxy_key %q: weight for group %q outside allowed_groups", k.Name, name)
				}
			}
		}
	}
	return nil
}

// validateAliases rejects alias chains: a target that is itself remapped would
// make model resolution depend on how many times the map is applied.
func validateAliases(g GroupEntry) error {
	for from, to := range g.Aliases {
		if to == "" {
			return fmt.Errorf("alias %q has empty target", from)
		}
		if next, ok := g.Aliases[to]; ok && next != to {
			return fmt.Errorf("alias chain %q -> %q -> %q", from, to, next)
		}
		if !slices.Contains(g.Models, to) {
			return fmt.Errorf("alias %q targets %q which is not in models", from, to)
		}
	}
	return nil
}
