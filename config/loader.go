// Package config provides unified configuration loading for the orchestrator:
// defaults, a YAML file, and environment variable overrides, in that order.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("conductor.yaml").
//	    WithEnvPrefix("CONDUCTOR").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/conductor-ai/conductor/executor"
	"github.com/conductor-ai/conductor/gate"
	"github.com/conductor-ai/conductor/revision"
)

// Config is the complete configuration of a conductor process.
type Config struct {
	// Log configures logging output.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Cache selects and configures the workflow cache backend.
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Executor configures retry, timeout and pacing for agent invocations.
	Executor ExecutorConfig `yaml:"executor" env:"EXECUTOR"`

	// Convergence supplies the default acceptance criteria.
	Convergence ConvergenceConfig `yaml:"convergence" env:"CONVERGENCE"`

	// Gates configures the prerequisite gates.
	Gates GatesConfig `yaml:"gates" env:"GATES"`

	// Deliberation configures multi-agent consensus rounds.
	Deliberation DeliberationConfig `yaml:"deliberation" env:"DELIBERATION"`

	// Permission configures the delegation controls.
	Permission PermissionConfig `yaml:"permission" env:"PERMISSION"`

	// Metrics configures Prometheus metric exposure.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Telemetry configures OpenTelemetry tracing.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths are zap output sinks.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller annotates entries with the call site.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// EnableStacktrace attaches stack traces to error entries.
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// CacheConfig selects the workflow cache backend.
type CacheConfig struct {
	// Backend: memory, redis or sqlite.
	Backend string `yaml:"backend" env:"BACKEND"`
	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
	// SQLite configures the sqlite backend.
	SQLite SQLiteConfig `yaml:"sqlite" env:"SQLITE"`
}

// RedisConfig configures the redis cache backend.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
}

// SQLiteConfig configures the sqlite cache backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string `yaml:"path" env:"PATH"`
}

// ExecutorConfig configures agent invocation behavior.
type ExecutorConfig struct {
	// MaxAttempts caps retries of transient failures, initial call included.
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	// MaxBackoff caps exponential backoff growth.
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	// Multiplier grows the backoff between attempts.
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`
	// AgentTimeout bounds each individual agent invocation.
	AgentTimeout time.Duration `yaml:"agent_timeout" env:"AGENT_TIMEOUT"`
	// RateLimitRPS paces invocations; zero disables pacing.
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// RateLimitBurst is the pacing burst size.
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// RetryPolicy converts the executor settings into a retry policy.
func (c ExecutorConfig) RetryPolicy() executor.RetryPolicy {
	return executor.RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Multiplier:     c.Multiplier,
		AttemptTimeout: c.AgentTimeout,
	}
}

// Limiter builds the invocation rate limiter, or nil when pacing is off.
func (c ExecutorConfig) Limiter() *rate.Limiter {
	if c.RateLimitRPS <= 0 {
		return nil
	}
	burst := c.RateLimitBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.RateLimitRPS), burst)
}

// ConvergenceConfig supplies the default acceptance criteria.
type ConvergenceConfig struct {
	MinQualityScore           float64 `yaml:"min_quality_score" env:"MIN_QUALITY_SCORE"`
	MaxIterations             int     `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	ScoreImprovementThreshold float64 `yaml:"score_improvement_threshold" env:"SCORE_IMPROVEMENT_THRESHOLD"`
	RequireNoCriticalIssues   bool    `yaml:"require_no_critical_issues" env:"REQUIRE_NO_CRITICAL_ISSUES"`
}

// Criteria converts the convergence settings into loop criteria.
func (c ConvergenceConfig) Criteria() revision.Criteria {
	return revision.Criteria{
		MinQualityScore:           c.MinQualityScore,
		MaxIterations:             c.MaxIterations,
		ScoreImprovementThreshold: c.ScoreImprovementThreshold,
		RequireNoCriticalIssues:   c.RequireNoCriticalIssues,
	}
}

// GatesConfig configures the prerequisite gates. Mode sets the posture for
// every known gate; Overrides adjusts individual gates afterwards.
type GatesConfig struct {
	// Mode: warn, block or skip.
	Mode string `yaml:"mode" env:"MODE"`
	// Overrides replaces the config of individual gates by name.
	Overrides map[string]gate.Config `yaml:"overrides" env:"-"`
}

// Configs materializes the gate name to config mapping.
func (c GatesConfig) Configs() map[string]gate.Config {
	configs := gate.DefaultConfigs(gate.Mode(c.Mode))
	for name, cfg := range c.Overrides {
		configs[name] = cfg
	}
	return configs
}

// DeliberationConfig configures multi-agent consensus rounds.
type DeliberationConfig struct {
	// ConsensusThreshold is the minimum agreement score for consolidation.
	ConsensusThreshold float64 `yaml:"consensus_threshold" env:"CONSENSUS_THRESHOLD"`
}

// PermissionConfig configures the delegation controls.
type PermissionConfig struct {
	// MaxDepth bounds the delegation call stack. Zero selects the default.
	MaxDepth int `yaml:"max_depth" env:"MAX_DEPTH"`
}

// MetricsConfig configures Prometheus metric exposure.
type MetricsConfig struct {
	// Namespace prefixes all metric names.
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// Port serves /metrics when positive.
	Port int `yaml:"port" env:"PORT"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	// Enabled turns tracing on. When false no exporters are created.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLPEndpoint is the OTLP gRPC collector address.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// ServiceName identifies this process in traces.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// SampleRate is the trace sampling ratio in [0,1].
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a config loader with the default env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "CONDUCTOR"}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validation step run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration. Precedence: defaults, then the YAML file,
// then environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// setFieldsFromEnv walks the config struct and overrides fields from
// environment variables named PREFIX_SECTION_FIELD per the env tags.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads the configuration from path and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	return cfg
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	switch c.Cache.Backend {
	case "memory", "redis", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unknown cache backend: %s", c.Cache.Backend))
	}
	if c.Cache.Backend == "sqlite" && c.Cache.SQLite.Path == "" {
		errs = append(errs, "sqlite cache backend requires a path")
	}

	if c.Executor.MaxAttempts < 1 {
		errs = append(errs, "executor max_attempts must be at least 1")
	}

	if c.Convergence.MaxIterations < 1 {
		errs = append(errs, "convergence max_iterations must be at least 1")
	}
	if c.Convergence.MinQualityScore < 0 || c.Convergence.MinQualityScore > 1 {
		errs = append(errs, "convergence min_quality_score must be in [0,1]")
	}

	switch gate.Mode(c.Gates.Mode) {
	case gate.ModeWarn, gate.ModeBlock, gate.ModeSkip:
	default:
		errs = append(errs, fmt.Sprintf("unknown gate mode: %s", c.Gates.Mode))
	}

	if c.Deliberation.ConsensusThreshold < 0 || c.Deliberation.ConsensusThreshold > 1 {
		errs = append(errs, "deliberation consensus_threshold must be in [0,1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
