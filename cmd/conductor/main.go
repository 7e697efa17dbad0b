// Command conductor runs and validates multi-agent workflow definitions.
//
// Usage:
//
//	conductor run --agents agents.yaml --workflow workflow.yaml   # execute a workflow
//	conductor run --config config.yaml --input input.json         # with config and initial context
//	conductor validate --agents agents.yaml --workflow workflow.yaml
//	conductor version
//
// The run command executes against the built-in scaffold backend, which
// synthesizes each agent's declared output fields. It rehearses the full
// orchestration surface (gates, caching, convergence, deliberation,
// delegation permissions, degradation reporting) without calling any real
// agent backend; production deployments embed the library with their own
// executor.Provider instead.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/conductor-ai/conductor/config"
)

// Version metadata, injected at build time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("conductor %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`conductor - agent workflow orchestrator

Usage:
  conductor <command> [options]

Commands:
  run       Execute a workflow definition
  validate  Validate agent catalog and workflow definitions
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>     Path to configuration file (YAML)
  --agents <path>     Path to the agent catalog (default agents.yaml)
  --workflow <path>   Path to the workflow definition (default workflow.yaml)
  --input <path>      Path to the initial context (JSON object)
  --out <path>        Write the run report to a file instead of stdout

Options for 'validate':
  --agents <path>     Path to the agent catalog (default agents.yaml)
  --workflow <path>   Path to the workflow definition (default workflow.yaml)

Examples:
  conductor run --agents agents.yaml --workflow review.yaml
  conductor run --config /etc/conductor/config.yaml --input question.json
  conductor validate --workflow review.yaml
  conductor version`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
