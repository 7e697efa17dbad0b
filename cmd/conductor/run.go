package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/conductor-ai/conductor/cache"
	"github.com/conductor-ai/conductor/config"
	"github.com/conductor-ai/conductor/deliberation"
	"github.com/conductor-ai/conductor/internal/metrics"
	"github.com/conductor-ai/conductor/internal/telemetry"
	"github.com/conductor-ai/conductor/registry"
	"github.com/conductor-ai/conductor/types"
	"github.com/conductor-ai/conductor/workflow"
)

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	agentsPath := fs.String("agents", "agents.yaml", "Path to the agent catalog")
	workflowPath := fs.String("workflow", "workflow.yaml", "Path to the workflow definition")
	inputPath := fs.String("input", "", "Path to the initial context (JSON object)")
	outPath := fs.String("out", "", "Write the run report to this file instead of stdout")
	fs.Parse(args)

	loader := config.NewLoader().WithEnvPrefix("CONDUCTOR")
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting conductor",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	reg, err := registry.LoadFile(*agentsPath, logger)
	if err != nil {
		logger.Fatal("failed to load agent catalog", zap.Error(err))
	}
	wf, err := workflow.LoadFile(*workflowPath, reg)
	if err != nil {
		logger.Fatal("failed to load workflow", zap.Error(err))
	}

	initial := types.Context{}
	if *inputPath != "" {
		data, err := os.ReadFile(*inputPath)
		if err != nil {
			logger.Fatal("failed to read input", zap.Error(err))
		}
		if err := json.Unmarshal(data, &initial); err != nil {
			logger.Fatal("input is not a JSON object", zap.Error(err))
		}
	}

	store, err := openStore(cfg.Cache, logger)
	if err != nil {
		logger.Fatal("failed to open cache store", zap.Error(err))
	}

	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector(cfg.Metrics.Namespace, promRegistry, logger)
	if cfg.Metrics.Port > 0 {
		go serveMetrics(cfg.Metrics.Port, promRegistry, logger)
	}

	criteria := cfg.Convergence.Criteria()
	retry := cfg.Executor.RetryPolicy()

	runner, err := workflow.NewRunner(workflow.Options{
		Registry:           reg,
		Provider:           newScaffoldProvider(reg),
		Cache:              store,
		Gates:              cfg.Gates.Configs(),
		Deliberation:       deliberation.Config{ConsensusThreshold: cfg.Deliberation.ConsensusThreshold},
		Criteria:           &criteria,
		Retry:              &retry,
		RateLimit:          cfg.Executor.Limiter(),
		MaxDelegationDepth: cfg.Permission.MaxDepth,
		Metrics:            collector,
		Tracer:             otelProviders.Tracer("conductor"),
		Logger:             logger,
	})
	if err != nil {
		logger.Fatal("failed to build runner", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, runErr := runner.Run(ctx, wf, initial)
	if report != nil {
		if err := writeReport(report, *outPath); err != nil {
			logger.Error("failed to write report", zap.Error(err))
		}
	}
	if runErr != nil {
		logger.Error("workflow failed", zap.Error(runErr))
		os.Exit(1)
	}
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	agentsPath := fs.String("agents", "agents.yaml", "Path to the agent catalog")
	workflowPath := fs.String("workflow", "workflow.yaml", "Path to the workflow definition")
	fs.Parse(args)

	reg, err := registry.LoadFile(*agentsPath, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid agent catalog: %v\n", err)
		os.Exit(1)
	}
	wf, err := workflow.LoadFile(*workflowPath, reg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid workflow: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("OK: %d agents, workflow %q with %d stages\n", reg.Len(), wf.Name, len(wf.Stages))
}

// openStore builds the configured cache backend. The memory backend is the
// default and needs no external service.
func openStore(cfg config.CacheConfig, logger *zap.Logger) (cache.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return cache.NewMemoryStore(logger), nil
	case "redis":
		return cache.NewRedisStore(cache.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			PoolSize:  cfg.Redis.PoolSize,
		}, logger)
	case "sqlite":
		return cache.NewSQLiteStore(cfg.SQLite.Path, logger)
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Backend)
	}
}

func serveMetrics(port int, registry *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	logger.Info("metrics server listening", zap.String("addr", addr))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

func writeReport(report *workflow.Report, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
