// Package gate provides the stateless prerequisite checks run before and
// after workflow stages.
//
// A gate is a pure function of the declared required items, the items
// actually available, and its configuration. Gates never inspect agent
// internals, which keeps them unit-testable in isolation from any agent
// logic.
package gate

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/conductor-ai/conductor/types"
)

// Action is what the caller must do with a gate outcome.
type Action string

const (
	// ActionPass lets the stage proceed unchanged.
	ActionPass Action = "pass"
	// ActionDowngrade lets the stage proceed with a warning; the caller must
	// substitute a scaffold or placeholder for the missing items.
	ActionDowngrade Action = "downgrade"
	// ActionBlock halts the affected stage (not the whole workflow).
	ActionBlock Action = "block"
)

// Result is the outcome of one gate evaluation. Pure data, no side effects.
type Result struct {
	GateName       string   `json:"gate_name"`
	Passed         bool     `json:"passed"`
	Action         Action   `json:"action"`
	MissingItems   []string `json:"missing_items,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// Config is the entire external configuration contract a gate consumes.
type Config struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	OnMissing Action `yaml:"on_missing" json:"on_missing"`
}

// Mode selects the default posture for all gates.
type Mode string

const (
	// ModeWarn enables gates in degradation mode: issues are surfaced
	// without blocking the pipeline.
	ModeWarn Mode = "warn"
	// ModeBlock fails the affected stage when gate conditions are not met.
	ModeBlock Mode = "block"
	// ModeSkip disables gates entirely.
	ModeSkip Mode = "skip"
)

// DefaultConfigs returns a config for every known gate in the given mode.
func DefaultConfigs(mode Mode) map[string]Config {
	onMissing := ActionDowngrade
	if mode == ModeBlock {
		onMissing = ActionBlock
	}
	enabled := mode != ModeSkip

	names := []string{
		"evidence_gate",
		"citation_gate",
		"computation_gate",
		"claim_evidence_gate",
		"literature_gate",
		"analysis_gate",
		"citation_accuracy_gate",
	}
	configs := make(map[string]Config, len(names))
	for _, name := range names {
		configs[name] = Config{Enabled: enabled, OnMissing: onMissing}
	}
	return configs
}

// Evaluate is the pure gate function: given the required items and what is
// actually available, it returns the configured outcome. Missing items are
// reported in sorted order for deterministic output.
func Evaluate(name string, required []string, available types.Context, cfg Config) Result {
	if !cfg.Enabled {
		return Result{GateName: name, Passed: true, Action: ActionPass}
	}

	var missing []string
	for _, item := range required {
		if _, ok := available[item]; !ok {
			missing = append(missing, item)
		}
	}
	sort.Strings(missing)

	if len(missing) == 0 {
		return Result{GateName: name, Passed: true, Action: ActionPass}
	}

	action := cfg.OnMissing
	if action != ActionBlock {
		action = ActionDowngrade
	}

	result := Result{
		GateName:     name,
		Passed:       false,
		Action:       action,
		MissingItems: missing,
	}
	for _, item := range missing {
		result.Warnings = append(result.Warnings, fmt.Sprintf("required item %q is absent", item))
	}
	if action == ActionBlock {
		result.Recommendation = fmt.Sprintf("provide %v before re-running the stage", missing)
	} else {
		result.Recommendation = fmt.Sprintf("proceeding without %v; substitute placeholders", missing)
	}
	return result
}

// Engine evaluates named gates against their configuration. Unknown gates
// default to disabled.
type Engine struct {
	configs map[string]Config
	logger  *zap.Logger
}

// NewEngine creates a gate engine over the given configuration surface.
func NewEngine(configs map[string]Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if configs == nil {
		configs = map[string]Config{}
	}
	return &Engine{
		configs: configs,
		logger:  logger.With(zap.String("component", "gate_engine")),
	}
}

// Check evaluates the named gate. A gate with no configuration passes: gates
// are opt-in.
func (e *Engine) Check(name string, required []string, available types.Context) Result {
	cfg, ok := e.configs[name]
	if !ok {
		return Result{GateName: name, Passed: true, Action: ActionPass}
	}

	result := Evaluate(name, required, available, cfg)
	if !result.Passed {
		e.logger.Warn("gate did not pass",
			zap.String("gate", name),
			zap.String("action", string(result.Action)),
			zap.Strings("missing_items", result.MissingItems),
		)
	}
	return result
}
