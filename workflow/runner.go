package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/conductor-ai/conductor/cache"
	"github.com/conductor-ai/conductor/degradation"
	"github.com/conductor-ai/conductor/deliberation"
	"github.com/conductor-ai/conductor/executor"
	"github.com/conductor-ai/conductor/gate"
	"github.com/conductor-ai/conductor/internal/metrics"
	"github.com/conductor-ai/conductor/permission"
	"github.com/conductor-ai/conductor/registry"
	"github.com/conductor-ai/conductor/revision"
	"github.com/conductor-ai/conductor/types"
)

// Options wires the collaborators of a Runner. Registry and Provider are
// required; everything else has a sensible zero-value default.
type Options struct {
	// Registry is the static agent catalog.
	Registry *registry.Registry
	// Provider resolves agent ids to executor backends.
	Provider executor.Provider
	// Cache is the versioned result store. Nil disables caching.
	Cache cache.Store
	// Gates is the gate name to config mapping. Nil disables all gates.
	Gates map[string]gate.Config
	// Recorder accumulates degradation events. Nil creates a fresh one.
	Recorder *degradation.Recorder
	// Deliberation tunes multi-agent consensus rounds.
	Deliberation deliberation.Config
	// Criteria are the default convergence criteria for iterative stages.
	// Nil selects revision.DefaultCriteria.
	Criteria *revision.Criteria
	// Retry overrides the default retry policy for agent invocations.
	Retry *executor.RetryPolicy
	// RateLimit paces agent invocations. Nil disables pacing.
	RateLimit *rate.Limiter
	// MaxDelegationDepth bounds inter-agent call stacks. Zero selects the
	// default.
	MaxDelegationDepth int
	// Metrics collects Prometheus metrics. Nil disables collection.
	Metrics *metrics.Collector
	// Tracer traces workflow and stage spans. Nil selects a noop tracer.
	Tracer trace.Tracer
	// Logger is the base logger. Nil selects a nop logger.
	Logger *zap.Logger
}

// Runner executes workflows against the agent catalog.
type Runner struct {
	registry *registry.Registry
	provider executor.Provider
	store    cache.Store
	gates    *gate.Engine
	graph    *permission.Graph
	recorder *degradation.Recorder
	delib    *deliberation.Engine
	invoker  *executor.Invoker
	defaults revision.Criteria
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewRunner creates a workflow runner from the given options.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("runner requires a registry")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("runner requires an executor provider")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = degradation.NewRecorder(logger)
	}
	policy := executor.DefaultRetryPolicy()
	if opts.Retry != nil {
		policy = *opts.Retry
	}
	invoker := executor.NewInvoker(policy, opts.RateLimit, logger)

	criteria := revision.DefaultCriteria()
	if opts.Criteria != nil {
		criteria = *opts.Criteria
	}

	delibCfg := opts.Deliberation
	if delibCfg.ConsensusThreshold <= 0 {
		delibCfg = deliberation.DefaultConfig()
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("conductor")
	}

	return &Runner{
		registry: opts.Registry,
		provider: opts.Provider,
		store:    opts.Cache,
		gates:    gate.NewEngine(opts.Gates, logger),
		graph:    permission.NewGraph(opts.Registry, opts.MaxDelegationDepth, logger),
		recorder: recorder,
		delib:    deliberation.NewEngine(opts.Provider, invoker, recorder, delibCfg, logger),
		invoker:  invoker,
		defaults: criteria,
		metrics:  opts.Metrics,
		tracer:   tracer,
		logger:   logger.With(zap.String("component", "workflow_runner")),
	}, nil
}

// Dispatcher returns a delegation dispatcher sharing this runner's
// permission graph and invocation policy.
func (r *Runner) Dispatcher() *Dispatcher {
	return NewDispatcher(r.graph, r.provider, r.invoker, r.logger)
}

// Recorder exposes the degradation recorder, mainly for callers that record
// their own events around a run.
func (r *Runner) Recorder() *degradation.Recorder {
	return r.recorder
}

// StageReport is the per-stage slice of a run report.
type StageReport struct {
	StageID      string               `json:"stage_id"`
	AgentID      string               `json:"agent_id,omitempty"`
	State        revision.State       `json:"state,omitempty"`
	Skipped      bool                 `json:"skipped,omitempty"`
	CacheHit     bool                 `json:"cache_hit,omitempty"`
	Iterations   int                  `json:"iterations,omitempty"`
	Scores       []float64            `json:"scores,omitempty"`
	Gate         *gate.Result         `json:"gate,omitempty"`
	Deliberation *deliberation.Record `json:"deliberation,omitempty"`
	Usage        types.Usage          `json:"usage"`
	Error        string               `json:"error,omitempty"`
}

// Report is the end-of-run artifact. It enumerates every degradation event
// with its severity, so a downgraded run is distinguishable from a fully
// successful one even though both "succeed".
type Report struct {
	RunID        string              `json:"run_id"`
	Workflow     string              `json:"workflow"`
	StartedAt    time.Time           `json:"started_at"`
	CompletedAt  time.Time           `json:"completed_at"`
	Success      bool                `json:"success"`
	Stages       []StageReport       `json:"stages"`
	Output       types.Context       `json:"output"`
	Usage        types.Usage         `json:"usage"`
	Degradations degradation.Summary `json:"degradations"`
}

// Run executes the workflow to completion or first non-recoverable failure.
// Stages in the same dependency layer run concurrently; cancellation
// propagates to all in-flight agent invocations. The report is returned even
// when err is non-nil, covering every stage that was attempted.
func (r *Runner) Run(ctx context.Context, wf *Workflow, initial types.Context) (*Report, error) {
	if err := wf.Validate(r.registry); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = types.WithRunID(ctx, runID)

	ctx, span := r.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.name", wf.Name),
		attribute.String("workflow.run_id", runID),
	))
	defer span.End()

	r.logger.Info("workflow started",
		zap.String("workflow", wf.Name),
		zap.String("run_id", runID),
		zap.Int("stages", len(wf.Stages)),
	)

	report := &Report{
		RunID:     runID,
		Workflow:  wf.Name,
		StartedAt: time.Now(),
	}

	shared := initial.Clone()
	if shared == nil {
		shared = types.Context{}
	}

	layers, err := wf.layers()
	if err != nil {
		return nil, err
	}

	var runErr error
	for _, layer := range layers {
		// Stages in a layer see a consistent snapshot taken before any of
		// them runs; their outputs merge afterwards.
		snapshot := shared.Clone()
		outputs := make([]map[string]any, len(layer))
		stageReports := make([]*StageReport, len(layer))

		g, gctx := errgroup.WithContext(ctx)
		for i := range layer {
			i := i
			stage := layer[i]
			g.Go(func() error {
				sr, output, err := r.runStage(gctx, stage, snapshot)
				stageReports[i] = sr
				outputs[i] = output
				return err
			})
		}
		layerErr := g.Wait()

		for i, stage := range layer {
			sr := stageReports[i]
			if sr == nil {
				// Cancelled before the stage produced anything.
				sr = &StageReport{StageID: stage.ID, AgentID: stage.AgentID, Skipped: true}
			}
			report.Stages = append(report.Stages, *sr)
			report.Usage.Add(sr.Usage)
			if outputs[i] != nil {
				shared[stage.ID] = outputs[i]
			}
		}

		if layerErr != nil {
			runErr = layerErr
			break
		}
	}

	report.CompletedAt = time.Now()
	report.Output = shared
	report.Degradations = r.recorder.Summarize()
	report.Success = runErr == nil

	r.logger.Info("workflow finished",
		zap.String("workflow", wf.Name),
		zap.String("run_id", runID),
		zap.Bool("success", report.Success),
		zap.Int("degradations", report.Degradations.Total),
		zap.Duration("duration", report.CompletedAt.Sub(report.StartedAt)),
	)
	return report, runErr
}

// runStage executes one stage against the layer snapshot and returns its
// report plus the output to merge into the shared context. A nil output with
// a nil error means the stage was skipped.
func (r *Runner) runStage(ctx context.Context, stage *Stage, snapshot types.Context) (*StageReport, map[string]any, error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "workflow.stage", trace.WithAttributes(
		attribute.String("stage.id", stage.ID),
	))
	defer span.End()

	sr := &StageReport{StageID: stage.ID, AgentID: stage.AgentID}

	if stage.Gate != "" {
		proceed, err := r.checkGate(stage, snapshot, sr)
		if err != nil {
			r.metrics.RecordStage(stage.ID, "blocked", time.Since(start))
			return sr, nil, err
		}
		if !proceed {
			r.metrics.RecordStage(stage.ID, "skipped", time.Since(start))
			return sr, nil, nil
		}
	}

	input := r.effectiveInput(stage, snapshot)

	// Cache lookup short-circuits execution entirely.
	inputHash := ""
	if r.store != nil {
		var err error
		if inputHash, err = cache.HashInput(input); err != nil {
			return sr, nil, fmt.Errorf("stage %s: %w", stage.ID, err)
		}
		entry, err := r.store.Get(ctx, stage.ID, inputHash)
		switch {
		case err == nil:
			sr.CacheHit = true
			sr.State = revision.StateAccepted
			r.metrics.RecordCacheHit(stage.ID)
			r.metrics.RecordStage(stage.ID, "cache_hit", time.Since(start))
			r.logger.Debug("cache hit",
				zap.String("stage_id", stage.ID),
				zap.Int("version", entry.Version),
			)
			return sr, entry.Result.Output, nil
		case cache.IsMiss(err):
			r.metrics.RecordCacheMiss(stage.ID)
		default:
			return sr, nil, fmt.Errorf("stage %s: cache lookup: %w", stage.ID, err)
		}
	}

	var output map[string]any
	var err error
	if stage.deliberative() {
		output, err = r.runDeliberation(ctx, stage, input, sr)
	} else {
		output, err = r.runAgent(ctx, stage, input, sr)
	}
	if err != nil {
		// Cancellation is never converted into a skip.
		if stage.Optional && !errors.Is(err, context.Canceled) {
			r.skipStage(stage, sr, err)
			r.metrics.RecordStage(stage.ID, "skipped", time.Since(start))
			return sr, nil, nil
		}
		r.metrics.RecordStage(stage.ID, "failed", time.Since(start))
		return sr, nil, err
	}
	if output == nil {
		// Deliberation without consensus on an optional stage.
		r.metrics.RecordStage(stage.ID, "skipped", time.Since(start))
		return sr, nil, nil
	}

	r.metrics.RecordStage(stage.ID, "accepted", time.Since(start))
	return sr, output, nil
}

// checkGate evaluates the stage's gate. It returns false when the stage must
// be skipped, and an error when the whole workflow must halt.
func (r *Runner) checkGate(stage *Stage, snapshot types.Context, sr *StageReport) (bool, error) {
	required := append([]string(nil), stage.Requires...)
	if !stage.deliberative() {
		if spec, err := r.registry.Get(stage.AgentID); err == nil {
			required = append(required, spec.InputSchema.Required...)
		}
	}

	result := r.gates.Check(stage.Gate, required, snapshot)
	sr.Gate = &result
	r.metrics.RecordGate(stage.Gate, string(result.Action))

	switch result.Action {
	case gate.ActionBlock:
		if stage.Optional {
			r.recorder.Record(stage.ID, degradation.ReasonStageSkipped, degradation.SeverityError,
				fmt.Sprintf("gate %s blocked optional stage, missing %v", stage.Gate, result.MissingItems))
			sr.Skipped = true
			return false, nil
		}
		return false, types.NewError(types.ErrGateBlocked,
			fmt.Sprintf("gate %s blocked stage %s, missing %v", stage.Gate, stage.ID, result.MissingItems))

	case gate.ActionDowngrade:
		r.recorder.Record(stage.ID, degradation.ReasonGateDowngraded, degradation.SeverityWarning,
			fmt.Sprintf("gate %s downgraded stage, missing %v", stage.Gate, result.MissingItems))
	}
	return true, nil
}

// effectiveInput narrows the snapshot to the keys the stage's agent declares.
// An agent with no declared schema, and any deliberation round, reads the
// full snapshot.
func (r *Runner) effectiveInput(stage *Stage, snapshot types.Context) types.Context {
	if stage.deliberative() {
		return snapshot.Clone()
	}
	spec, err := r.registry.Get(stage.AgentID)
	if err != nil {
		return snapshot.Clone()
	}
	declared := make([]string, 0, len(spec.InputSchema.Required)+len(spec.InputSchema.Optional))
	declared = append(declared, spec.InputSchema.Required...)
	declared = append(declared, spec.InputSchema.Optional...)
	if len(declared) == 0 {
		return snapshot.Clone()
	}

	input := make(types.Context, len(declared))
	for _, key := range declared {
		if v, ok := snapshot[key]; ok {
			input[key] = v
		}
	}
	return input
}

// runAgent executes a single-agent stage through the revision loop.
func (r *Runner) runAgent(ctx context.Context, stage *Stage, input types.Context, sr *StageReport) (map[string]any, error) {
	spec, err := r.registry.Get(stage.AgentID)
	if err != nil {
		return nil, err
	}
	exec, err := r.provider.ExecutorFor(stage.AgentID)
	if err != nil {
		return nil, err
	}

	criteria := r.defaults
	if stage.Criteria != nil {
		criteria = *stage.Criteria
	}
	mode := stage.Mode
	if mode == "" {
		mode = revision.ModeSinglePass
	}

	loop := revision.NewLoop(spec, exec, r.invoker, r.store, r.recorder, r.logger)
	outcome, err := loop.Run(ctx, stage.ID, input, mode, criteria)
	if outcome == nil {
		sr.Error = err.Error()
		return nil, err
	}

	sr.State = outcome.State
	sr.Iterations = outcome.Iterations
	sr.Scores = outcome.Scores
	sr.Usage = outcome.Usage

	status := "success"
	if err != nil {
		status = "failed"
	}
	r.metrics.RecordAgentExecution(stage.AgentID, status, outcome.Usage)
	r.metrics.RecordRevision(stage.AgentID, string(mode), outcome.Iterations)

	if err != nil {
		sr.Error = err.Error()
		return nil, err
	}

	if missing := missingOutputFields(spec, outcome.Result.Output); len(missing) > 0 {
		err := types.NewSchemaViolationError(
			fmt.Sprintf("agent %s output is missing declared fields %v", spec.ID, missing)).
			WithAgentID(spec.ID)
		sr.Error = err.Error()
		return nil, err
	}
	return outcome.Result.Output, nil
}

// runDeliberation executes a deliberation stage. A round without consensus
// fails the stage unless the stage is optional; the engine has already
// recorded the no-consensus event either way.
func (r *Runner) runDeliberation(ctx context.Context, stage *Stage, input types.Context, sr *StageReport) (map[string]any, error) {
	record, err := r.delib.Deliberate(ctx, stage.ID, stage.Participants, input)
	if err != nil {
		sr.Error = err.Error()
		return nil, err
	}

	sr.Deliberation = record
	sr.Usage = record.Usage
	r.metrics.RecordDeliberation(stage.ID, record.Consensus(), record.AgreementScore)

	if !record.Consensus() {
		if stage.Optional {
			sr.Skipped = true
			return nil, nil
		}
		err := types.NewError(types.ErrNoConsensus,
			fmt.Sprintf("stage %s: agreement %.2f did not reach consensus", stage.ID, record.AgreementScore))
		sr.Error = err.Error()
		return nil, err
	}

	sr.State = revision.StateAccepted
	if r.store != nil {
		result := &types.AgentResult{
			AgentID:   "deliberation",
			Success:   true,
			Output:    record.ConsolidatedOutput,
			Usage:     record.Usage,
			CreatedAt: time.Now(),
		}
		hash, hashErr := cache.HashInput(input)
		if hashErr == nil {
			if _, putErr := r.store.Put(ctx, stage.ID, hash, result, record.Rationale); putErr != nil {
				r.logger.Warn("failed to cache deliberation result",
					zap.String("stage_id", stage.ID), zap.Error(putErr))
			}
		}
	}
	return record.ConsolidatedOutput, nil
}

// skipStage records the degradation that lets an optional stage fail without
// halting the workflow.
func (r *Runner) skipStage(stage *Stage, sr *StageReport, cause error) {
	reason := degradation.ReasonStageSkipped
	if types.IsErrorCode(cause, types.ErrStageFailed) {
		reason = degradation.ReasonRetriesExhausted
	}
	r.recorder.Record(stage.ID, reason, degradation.SeverityError,
		fmt.Sprintf("optional stage skipped: %v", cause))
	sr.Skipped = true
	sr.Error = cause.Error()
	r.logger.Warn("optional stage skipped",
		zap.String("stage_id", stage.ID),
		zap.Error(cause),
	)
}

// missingOutputFields checks the result payload against the agent's declared
// output schema.
func missingOutputFields(spec *types.AgentSpec, output map[string]any) []string {
	var missing []string
	for _, field := range spec.OutputSchema.StructuredFields {
		if _, ok := output[field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}
