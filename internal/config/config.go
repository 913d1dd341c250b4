// Package config loads dispatcher configuration from a YAML file, layered
// with environment variable overrides via viper, and validates it fully
// at startup: an invalid configuration is fatal before any task is
// processed.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ValueSource records where a field's value was ultimately resolved from.
type ValueSource string

const (
	SourceDefault ValueSource = "default"
	SourceFile    ValueSource = "file"
	SourceEnv     ValueSource = "environment"
)

// HostConfig describes one compute host entry in the cluster.
type HostConfig struct {
	Name          string   `yaml:"name"`
	Endpoint      string   `yaml:"endpoint"`
	Model         string   `yaml:"model"`
	Capabilities  []string `yaml:"capabilities"`
	Priority      int      `yaml:"priority"`
	MaxConcurrent int      `yaml:"max_concurrent"`
}

// RoutingConfig maps task-type tags (in priority order) to candidate
// capability tags, plus the catch-all "default" rule.
type RoutingConfig struct {
	Rules map[string][]string `yaml:"rules"`
}

// RetryConfig mirrors retry.PolicyConfig's shape for YAML loading.
type RetryConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialDelay     time.Duration `yaml:"initial_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	ExponentialBase  float64       `yaml:"exponential_base"`
	Jitter           bool          `yaml:"jitter"`
}

// CircuitConfig mirrors retry.CircuitConfig's shape for YAML loading.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// HealthConfig mirrors health.Config's shape for YAML loading.
type HealthConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	LivenessPath string        `yaml:"liveness_path"`
}

// FallbackConfig describes the optional cloud fallback endpoint.
type FallbackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// StoreConfig selects and configures the task store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "file" | "postgres"
	Dir     string `yaml:"dir"`
	DSN     string `yaml:"dsn"`
}

// LoggingConfig describes the structured logger's configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"` // file path, or "" / "stdout"
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// TracingConfig controls distributed tracing export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name"`
}

// ObservabilityConfig groups the three ambient observability concerns.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	ErrorLogPath string   `yaml:"error_log_path"`
}

// Config is the full dispatcher configuration.
type Config struct {
	Hosts         []HostConfig        `yaml:"hosts"`
	Routing       RoutingConfig       `yaml:"routing"`
	Retry         RetryConfig         `yaml:"retry"`
	Circuit       CircuitConfig       `yaml:"circuit"`
	Health        HealthConfig        `yaml:"health"`
	Fallback      FallbackConfig      `yaml:"fallback"`
	Store         StoreConfig         `yaml:"store"`
	Observability ObservabilityConfig `yaml:"observability"`
	PollInterval  time.Duration       `yaml:"poll_interval"`
	ShutdownGrace time.Duration       `yaml:"shutdown_grace"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Routing: RoutingConfig{Rules: map[string][]string{
			"default": {"general"},
		}},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialDelay:    time.Second,
			MaxDelay:        30 * time.Second,
			ExponentialBase: 2.0,
			Jitter:          true,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 3,
			Cooldown:         5 * time.Minute,
		},
		Health: HealthConfig{
			Interval:     30 * time.Second,
			ProbeTimeout: 5 * time.Second,
			LivenessPath: "/health",
		},
		Store: StoreConfig{
			Backend: "file",
			Dir:     "./data/tasks",
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Metrics: MetricsConfig{Enabled: true, PrometheusPort: 9090},
			Tracing: TracingConfig{Enabled: false, Exporter: "jaeger", SampleRate: 1.0, ServiceName: "taskdispatcher"},
		},
		PollInterval:  500 * time.Millisecond,
		ShutdownGrace: 30 * time.Second,
	}
}

// envPrefix is the viper environment variable prefix: e.g.
// DISPATCHER_STORE_BACKEND overrides store.backend.
const envPrefix = "DISPATCHER"

// Load reads path (if non-empty and present) over DefaultConfig, then
// layers environment variable overrides via viper, and finally
// validates the result. An empty path loads defaults plus environment
// only.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else {
			raw, err := yamlRawFromViper(v)
			if err != nil {
				return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg, v)

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// yamlRawFromViper re-marshals viper's merged settings back to YAML so
// it can be decoded into the strongly-typed Config with yaml.v3's
// stricter semantics (viper's own Unmarshal loses duration parsing for
// nested struct slices in older mapstructure configurations).
func yamlRawFromViper(v *viper.Viper) ([]byte, error) {
	return yaml.Marshal(v.AllSettings())
}

func applyEnvOverrides(cfg *Config, v *viper.Viper) {
	if v.IsSet("store_backend") {
		cfg.Store.Backend = v.GetString("store_backend")
	}
	if v.IsSet("store_dir") {
		cfg.Store.Dir = v.GetString("store_dir")
	}
	if v.IsSet("store_dsn") {
		cfg.Store.DSN = v.GetString("store_dsn")
	}
	if v.IsSet("observability_logging_level") {
		cfg.Observability.Logging.Level = v.GetString("observability_logging_level")
	}
	if v.IsSet("observability_metrics_prometheus_port") {
		cfg.Observability.Metrics.PrometheusPort = v.GetInt("observability_metrics_prometheus_port")
	}
	if v.IsSet("fallback_api_key") {
		cfg.Fallback.APIKey = v.GetString("fallback_api_key")
	}
}

// Validate enforces every invariant the dispatch loop assumes holds:
// at least one host, unique host names, positive retry/circuit
// parameters, and a routing table whose rules are non-empty.
func Validate(cfg Config) error {
	if len(cfg.Hosts) == 0 {
		return fmt.Errorf("no hosts configured")
	}
	seen := make(map[string]struct{}, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		if h.Name == "" {
			return fmt.Errorf("host entry missing name")
		}
		if h.Endpoint == "" {
			return fmt.Errorf("host %q missing endpoint", h.Name)
		}
		if _, dup := seen[h.Name]; dup {
			return fmt.Errorf("duplicate host name %q", h.Name)
		}
		seen[h.Name] = struct{}{}
		if h.MaxConcurrent < 0 {
			return fmt.Errorf("host %q: max_concurrent must be >= 0", h.Name)
		}
	}

	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if cfg.Retry.ExponentialBase <= 1.0 {
		return fmt.Errorf("retry.exponential_base must be > 1.0")
	}
	if cfg.Retry.InitialDelay <= 0 {
		return fmt.Errorf("retry.initial_delay must be > 0")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.InitialDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.initial_delay")
	}

	if cfg.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("circuit.failure_threshold must be >= 1")
	}
	if cfg.Circuit.Cooldown <= 0 {
		return fmt.Errorf("circuit.cooldown must be > 0")
	}

	if len(cfg.Routing.Rules) == 0 {
		return fmt.Errorf("routing.rules must contain at least one entry")
	}
	if _, ok := cfg.Routing.Rules["default"]; !ok {
		return fmt.Errorf("routing.rules must contain a \"default\" fallback entry")
	}

	switch cfg.Store.Backend {
	case "file":
		if cfg.Store.Dir == "" {
			return fmt.Errorf("store.dir required for file backend")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.dsn required for postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be \"file\" or \"postgres\", got %q", cfg.Store.Backend)
	}

	if cfg.Fallback.Enabled {
		if cfg.Fallback.Endpoint == "" {
			return fmt.Errorf("fallback.endpoint required when fallback.enabled")
		}
		if cfg.Fallback.Host == "" {
			return fmt.Errorf("fallback.host required when fallback.enabled")
		}
	}

	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be > 0")
	}

	return nil
}
