package config

import "time"

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log:          DefaultLogConfig(),
		Cache:        DefaultCacheConfig(),
		Executor:     DefaultExecutorConfig(),
		Convergence:  DefaultConvergenceConfig(),
		Gates:        DefaultGatesConfig(),
		Deliberation: DefaultDeliberationConfig(),
		Permission:   DefaultPermissionConfig(),
		Metrics:      DefaultMetricsConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Backend: "memory",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			KeyPrefix: "conductor",
			PoolSize:  10,
		},
		SQLite: SQLiteConfig{
			Path: "conductor-cache.db",
		},
	}
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		AgentTimeout:   5 * time.Minute,
		RateLimitRPS:   0,
		RateLimitBurst: 1,
	}
}

// DefaultConvergenceConfig returns the default convergence criteria.
func DefaultConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{
		MinQualityScore:           0.7,
		MaxIterations:             3,
		ScoreImprovementThreshold: 0.05,
		RequireNoCriticalIssues:   true,
	}
}

// DefaultGatesConfig returns the default gate configuration.
func DefaultGatesConfig() GatesConfig {
	return GatesConfig{Mode: "warn"}
}

// DefaultDeliberationConfig returns the default deliberation configuration.
func DefaultDeliberationConfig() DeliberationConfig {
	return DeliberationConfig{ConsensusThreshold: 0.7}
}

// DefaultPermissionConfig returns the default permission configuration.
func DefaultPermissionConfig() PermissionConfig {
	return PermissionConfig{MaxDepth: 5}
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "conductor",
		Port:      9091,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "conductor",
		SampleRate:   0.1,
	}
}
