package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-ai/conductor/cache"
	"github.com/conductor-ai/conductor/degradation"
	"github.com/conductor-ai/conductor/executor"
	"github.com/conductor-ai/conductor/gate"
	"github.com/conductor-ai/conductor/types"
)

// callLog counts executions per agent and captures each context an executor
// received. Safe for use from concurrent layer goroutines.
type callLog struct {
	mu     sync.Mutex
	counts map[string]int
	inputs map[string][]types.Context
}

func newCallLog() *callLog {
	return &callLog{counts: map[string]int{}, inputs: map[string][]types.Context{}}
}

func (l *callLog) record(agentID string, ec types.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[agentID]++
	l.inputs[agentID] = append(l.inputs[agentID], ec.Clone())
}

func (l *callLog) count(agentID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[agentID]
}

func (l *callLog) lastInput(agentID string) types.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	ins := l.inputs[agentID]
	if len(ins) == 0 {
		return nil
	}
	return ins[len(ins)-1]
}

// staticProvider serves a fixed successful output per agent id, logging each
// call. Unknown agents surface an AGENT_NOT_FOUND error.
func staticProvider(log *callLog, outputs map[string]map[string]any) executor.Provider {
	return executor.ProviderFunc(func(agentID string) (executor.Executor, error) {
		out, ok := outputs[agentID]
		if !ok {
			return nil, types.NewError(types.ErrAgentNotFound, "no backend for "+agentID)
		}
		return &executor.Func{
			ExecuteFunc: func(ctx context.Context, ec types.Context) (*types.AgentResult, error) {
				log.record(agentID, ec)
				cloned := make(map[string]any, len(out))
				for k, v := range out {
					cloned[k] = v
				}
				return &types.AgentResult{
					AgentID:   agentID,
					Success:   true,
					Output:    cloned,
					Usage:     types.Usage{TokensUsed: 10},
					CreatedAt: time.Now(),
				}, nil
			},
		}, nil
	})
}

func failingProvider(log *callLog, err error) executor.Provider {
	return executor.ProviderFunc(func(agentID string) (executor.Executor, error) {
		return &executor.Func{
			ExecuteFunc: func(ctx context.Context, ec types.Context) (*types.AgentResult, error) {
				log.record(agentID, ec)
				return nil, err
			},
		}, nil
	})
}

func fastRetry(attempts int) *executor.RetryPolicy {
	return &executor.RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1.0,
	}
}

func TestNewRunner_RequiresRegistryAndProvider(t *testing.T) {
	reg := testRegistry(t)
	_, err := NewRunner(Options{Provider: staticProvider(newCallLog(), nil)})
	assert.Error(t, err)
	_, err = NewRunner(Options{Registry: reg})
	assert.Error(t, err)
	_, err = NewRunner(Options{Registry: reg, Provider: staticProvider(newCallLog(), nil)})
	assert.NoError(t, err)
}

func TestRun_PipelinePropagatesStageOutputs(t *testing.T) {
	reg := testRegistry(t)
	log := newCallLog()
	provider := staticProvider(log, map[string]map[string]any{
		"A01": {"hypothesis": "H1"},
		"A02": {"citations": []string{"doi:1"}},
	})
	runner, err := NewRunner(Options{Registry: reg, Provider: provider})
	require.NoError(t, err)

	wf := &Workflow{
		Name: "pipeline",
		Stages: []Stage{
			{ID: "hypothesis_stage", AgentID: "A01"},
			{ID: "literature", AgentID: "A02", DependsOn: []string{"hypothesis_stage"}},
		},
	}

	report, err := runner.Run(context.Background(), wf, types.Context{"research_question": "why"})
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.NotEmpty(t, report.RunID)
	assert.True(t, report.Success)
	require.Len(t, report.Stages, 2)
	assert.Equal(t, 20, report.Usage.TokensUsed)

	// A01 sees only its declared input key.
	in := log.lastInput("A01")
	assert.Equal(t, types.Context{"research_question": "why"}, in)

	// A02 sees the upstream output under the upstream stage id.
	in = log.lastInput("A02")
	require.Contains(t, in, "hypothesis_stage")
	assert.NotContains(t, in, "research_question")

	require.Contains(t, report.Output, "literature")
	assert.Equal(t, map[string]any{"citations": []string{"doi:1"}}, report.Output["literature"])
}

func TestRun_CacheHitSkipsExecution(t *testing.T) {
	reg := testRegistry(t)
	log := newCallLog()
	provider := staticProvider(log, map[string]map[string]any{"A05": {"analysis": "x"}})
	store := cache.NewMemoryStore(nil)
	runner, err := NewRunner(Options{Registry: reg, Provider: provider, Cache: store})
	require.NoError(t, err)

	wf := &Workflow{Name: "w", Stages: []Stage{{ID: "analysis", AgentID: "A05"}}}
	initial := types.Context{"dataset": "d1"}

	report, err := runner.Run(context.Background(), wf, initial)
	require.NoError(t, err)
	assert.False(t, report.Stages[0].CacheHit)
	assert.Equal(t, 1, log.count("A05"))

	report, err = runner.Run(context.Background(), wf, initial)
	require.NoError(t, err)
	assert.True(t, report.Stages[0].CacheHit)
	assert.Equal(t, 1, log.count("A05"), "cached stage must not execute again")
	assert.Equal(t, map[string]any{"analysis": "x"}, report.Output["analysis"])

	// A different input misses.
	_, err = runner.Run(context.Background(), wf, types.Context{"dataset": "d2"})
	require.NoError(t, err)
	assert.Equal(t, 2, log.count("A05"))
}

func TestRun_GateBlockHaltsRequiredStage(t *testing.T) {
	reg := testRegistry(t)
	log := newCallLog()
	provider := staticProvider(log, map[string]map[string]any{"A05": {"analysis": "x"}})
	runner, err := NewRunner(Options{
		Registry: reg,
		Provider: provider,
		Gates:    map[string]gate.Config{"evidence_gate": {Enabled: true, OnMissing: gate.ActionBlock}},
	})
	require.NoError(t, err)

	wf := &Workflow{Name: "w", Stages: []Stage{
		{ID: "analysis", AgentID: "A05", Gate: "evidence_gate", Requires: []string{"evidence"}},
	}}

	report, err := runner.Run(context.Background(), wf, types.Context{})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrGateBlocked))
	require.NotNil(t, report)
	assert.False(t, report.Success)
	require.Len(t, report.Stages, 1)
	require.NotNil(t, report.Stages[0].Gate)
	assert.Equal(t, gate.ActionBlock, report.Stages[0].Gate.Action)
	assert.Equal(t, []string{"evidence"}, report.Stages[0].Gate.MissingItems)
	assert.Zero(t, log.count("A05"), "blocked stage must not execute")
}

func TestRun_GateBlockSkipsOptionalStage(t *testing.T) {
	reg := testRegistry(t)
	log := newCallLog()
	provider := staticProvider(log, map[string]map[string]any{
		"A05": {"analysis": "x"},
		"A06": {"summary": "y"},
	})
	recorder := degradation.NewRecorder(nil)
	runner, err := NewRunner(Options{
		Registry: reg,
		Provider: provider,
		Recorder: recorder,
		Gates:    map[string]gate.Config{"evidence_gate": {Enabled: true, OnMissing: gate.ActionBlock}},
	})
	require.NoError(t, err)

	wf := &Workflow{Name: "w", Stages: []Stage{
		{ID: "analysis", AgentID: "A05", Gate: "evidence_gate", Requires: []string{"evidence"}, Optional: true},
		{ID: "summary", AgentID: "A06", DependsOn: []string{"analysis"}},
	}}

	report, err := runner.Run(context.Background(), wf, types.Context{})
	require.NoError(t, err)
	assert.True(t, report.Success)

	assert.True(t, report.Stages[0].Skipped)
	assert.Zero(t, log.count("A05"))
	assert.Equal(t, 1, log.count("A06"), "downstream of a skipped optional stage still runs")
	assert.NotContains(t, report.Output, "analysis")

	require.Equal(t, 1, report.Degradations.Total)
	event := report.Degradations.Events[0]
	assert.Equal(t, "analysis", event.Stage)
	assert.Equal(t, degradation.ReasonStageSkipped, event.ReasonCode)
	assert.Equal(t, degradation.SeverityError, event.Severity)
}

func TestRun_GateDowngradeProceedsWithWarning(t *testing.T) {
	reg := testRegistry(t)
	log := newCallLog()
	provider := staticProvider(log, map[string]map[string]any{"A05": {"analysis": "x"}})
	runner, err := NewRunner(Options{
		Registry: reg,
		Provider: provider,
		Gates:    gate.DefaultConfigs(gate.ModeWarn),
	})
	require.NoError(t, err)

	wf := &Workflow{Name: "w", Stages: []Stage{
		{ID: "analysis", AgentID: "A05", Gate: "evidence_gate", Requires: []string{"evidence"}},
	}}

	report, err := runner.Run(context.Background(), wf, types.Context{})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, 1, log.count("A05"))
	assert.Equal(t, gate.ActionDowngrade, report.Stages[0].Gate.Action)

	require.Equal(t, 1, report.Degradations.Total)
	assert.Equal(t, degradation.ReasonGateDowngraded, report.Degradations.Events[0].ReasonCode)
	assert.Equal(t, degradation.SeverityWarning, report.Degradations.Events[0].Severity)
}

func TestRun_OutputSchemaViolationFailsStage(t *testing.T) {
	reg := testRegistry(t)
	log := newCallLog()
	// A01 declares a "hypothesis" output field but produces none.
	provider := staticProvider(log, map[string]map[string]any{"A01": {"notes": "incomplete"}})
	runner, err := NewRunner(Options{Registry: reg, Provider: provider})
	require.NoError(t, err)

	wf := &Workflow{Name: "w", Stages: []Stage{{ID: "hypothesis_stage", AgentID: "A01"}}}

	report, err := runner.Run(context.Background(), wf, types.Context{"research_question": "q"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrSchemaViolation))
	assert.False(t, report.Success)
	assert.NotEmpty(t, report.Stages[0].Error)
}

func TestRun_OptionalStageFatalFailureIsSkipped(t *testing.T) {
	reg := testRegistry(t)
	log := newCallLog()
	provider := failingProvider(log, types.NewSchemaViolationError("malformed payload"))
	recorder := degradation.NewRecorder(nil)
	runner, err := NewRunner(Options{Registry: reg, Provider: provider, Recorder: recorder})
	require.NoError(t, err)

	wf := &Workflow{Name: "w", Stages: []Stage{{ID: "analysis", AgentID: "A05", Optional: true}}}

	report, err := runner.Run(context.Background(), wf, types.Context{})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.True(t, report.Stages[0].Skipped)
	assert.Equal(t, 1, log.count("A05"), "fatal errors are not retried")

	require.Equal(t, 1, report.Degradations.Total)
	assert.Equal(t, degradation.ReasonStageSkipped, report.Degradations.Events[0].ReasonCode)
}

func TestRun_OptionalStageRetryExhaustionIsRecorded(t *testing.T) {
	reg := testRegistry(t)
	log := newCallLog()
	provider := failingProvider(log, types.NewTimeoutError("backend timed out"))
	recorder := degradation.NewRecorder(nil)
	runner, err := NewRunner(Options{
		Registry: reg,
		Provider: provider,
		Recorder: recorder,
		Retry:    fastRetry(2),
	})
	require.NoError(t, err)

	wf := &Workflow{Name: "w", Stages: []Stage{{ID: "analysis", AgentID: "A05", Optional: true}}}

	report, err := runner.Run(context.Background(), wf, types.Context{})
	require.NoError(t, err)
	assert.True(t, report.Stages[0].Skipped)
	assert.Equal(t, 2, log.count("A05"), "transient errors retry up to the policy bound")

	require.Equal(t, 1, report.Degradations.Total)
	assert.Equal(t, degradation.ReasonRetriesExhausted, report.Degradations.Events[0].ReasonCode)
}

func TestRun_RequiredStageFailureHaltsWorkflow(t *testing.T) {
	reg := testRegistry(t)
	log := newCallLog()
	provider := failingProvider(log, types.NewTimeoutError("backend timed out"))
	runner, err := NewRunner(Options{Registry: reg, Provider: provider, Retry: fastRetry(2)})
	require.NoError(t, err)

	wf := &Workflow{Name: "w", Stages: []Stage{
		{ID: "analysis", AgentID: "A05"},
		{ID: "summary", AgentID: "A06", DependsOn: []string{"analysis"}},
	}}

	report, err := runner.Run(context.Background(), wf, types.Context{})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrStageFailed))
	assert.False(t, report.Success)
	require.Len(t, report.Stages, 1, "downstream layers never start after a failure")
	assert.Zero(t, log.count("A06"))
}

func TestRun_DeliberationConsensusMergesOutput(t *testing.T) {
	reg := testRegistry(t)
	log := newCallLog()
	provider := staticProvider(log, map[string]map[string]any{
		"A05": {"verdict": "supported"},
		"A06": {"verdict": "supported"},
		"A07": {"verdict": "supported"},
	})
	runner, err := NewRunner(Options{Registry: reg, Provider: provider})
	require.NoError(t, err)

	wf := &Workflow{Name: "w", Stages: []Stage{
		{ID: "panel", Participants: []string{"A05", "A06", "A07"}},
	}}

	report, err := runner.Run(context.Background(), wf, types.Context{"claim": "c"})
	require.NoError(t, err)
	assert.True(t, report.Success)

	sr := report.Stages[0]
	require.NotNil(t, sr.Deliberation)
	assert.InDelta(t, 1.0, sr.Deliberation.AgreementScore, 1e-9)
	assert.True(t, sr.Deliberation.Consensus())
	assert.Equal(t, 30, report.Usage.TokensUsed)

	output, ok := report.Output["panel"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "supported", output["verdict"])
}

func TestRun_DeliberationWithoutConsensusFailsRequiredStage(t *testing.T) {
	reg := testRegistry(t)
	log := newCallLog()
	provider := staticProvider(log, map[string]map[string]any{
		"A05": {"verdict": "supported"},
		"A06": {"verdict": "refuted"},
		"A07": {"verdict": "inconclusive"},
	})
	recorder := degradation.NewRecorder(nil)
	runner, err := NewRunner(Options{Registry: reg, Provider: provider, Recorder: recorder})
	require.NoError(t, err)

	wf := &Workflow{Name: "w", Stages: []Stage{
		{ID: "panel", Participants: []string{"A05", "A06", "A07"}},
	}}

	report, err := runner.Run(context.Background(), wf, types.Context{"claim": "c"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrNoConsensus))
	assert.False(t, report.Success)
	require.NotNil(t, report.Stages[0].Deliberation)
	assert.True(t, report.Stages[0].Deliberation.Degraded)
	assert.NotContains(t, report.Output, "panel", "no consolidated output is fabricated")
}

func TestRun_DeliberationWithoutConsensusSkipsOptionalStage(t *testing.T) {
	reg := testRegistry(t)
	log := newCallLog()
	provider := staticProvider(log, map[string]map[string]any{
		"A05": {"verdict": "supported"},
		"A06": {"verdict": "refuted"},
		"A07": {"verdict": "inconclusive"},
	})
	recorder := degradation.NewRecorder(nil)
	runner, err := NewRunner(Options{Registry: reg, Provider: provider, Recorder: recorder})
	require.NoError(t, err)

	wf := &Workflow{Name: "w", Stages: []Stage{
		{ID: "panel", Participants: []string{"A05", "A06", "A07"}, Optional: true},
	}}

	report, err := runner.Run(context.Background(), wf, types.Context{"claim": "c"})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.True(t, report.Stages[0].Skipped)
	assert.NotContains(t, report.Output, "panel")

	require.Equal(t, 1, report.Degradations.Total)
	assert.Equal(t, degradation.ReasonNoConsensus, report.Degradations.Events[0].ReasonCode)
}

func TestRun_LayerStagesSeeConsistentSnapshot(t *testing.T) {
	reg := testRegistry(t)
	log := newCallLog()
	provider := staticProvider(log, map[string]map[string]any{
		"A05": {"analysis": "a"},
		"A06": {"summary": "b"},
	})
	runner, err := NewRunner(Options{Registry: reg, Provider: provider})
	require.NoError(t, err)

	wf := &Workflow{Name: "w", Stages: []Stage{
		{ID: "left", AgentID: "A05"},
		{ID: "right", AgentID: "A06"},
	}}

	report, err := runner.Run(context.Background(), wf, types.Context{"seed": 1})
	require.NoError(t, err)
	assert.True(t, report.Success)

	// Neither stage observes its sibling's output.
	assert.NotContains(t, log.lastInput("A05"), "right")
	assert.NotContains(t, log.lastInput("A06"), "left")

	// Both outputs land in the final context.
	assert.Contains(t, report.Output, "left")
	assert.Contains(t, report.Output, "right")
}

func TestRun_RejectsInvalidWorkflow(t *testing.T) {
	reg := testRegistry(t)
	runner, err := NewRunner(Options{Registry: reg, Provider: staticProvider(newCallLog(), nil)})
	require.NoError(t, err)

	wf := &Workflow{Name: "w", Stages: []Stage{{ID: "s", AgentID: "A99"}}}
	_, err = runner.Run(context.Background(), wf, nil)
	assert.Error(t, err)
}
