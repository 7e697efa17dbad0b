package revision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-ai/conductor/cache"
	"github.com/conductor-ai/conductor/degradation"
	"github.com/conductor-ai/conductor/executor"
	"github.com/conductor-ai/conductor/types"
)

// scriptedExecutor counts calls and serves critique scores from a script.
type scriptedExecutor struct {
	executeCalls  int
	reviseCalls   int
	critiqueCalls int
	scores        []float64
	issues        []types.Issue
	executeErr    error
	critiqueErrs  []error
}

func (s *scriptedExecutor) Execute(ctx context.Context, ec types.Context) (*types.AgentResult, error) {
	s.executeCalls++
	if s.executeErr != nil {
		return nil, s.executeErr
	}
	return &types.AgentResult{
		AgentID: "A01",
		Success: true,
		Output:  map[string]any{"attempt": s.executeCalls},
		Usage:   types.Usage{TokensUsed: 100, Duration: time.Second},
	}, nil
}

func (s *scriptedExecutor) Revise(ctx context.Context, prior *types.AgentResult, feedback executor.Feedback) (*types.AgentResult, error) {
	s.reviseCalls++
	return &types.AgentResult{
		AgentID: "A01",
		Success: true,
		Output:  map[string]any{"revision": s.reviseCalls},
		Usage:   types.Usage{TokensUsed: 80},
	}, nil
}

func (s *scriptedExecutor) Critique(ctx context.Context, result *types.AgentResult) (*executor.Critique, error) {
	s.critiqueCalls++
	if n := s.critiqueCalls; n <= len(s.critiqueErrs) && s.critiqueErrs[n-1] != nil {
		return nil, s.critiqueErrs[n-1]
	}
	score := 0.0
	if n := s.critiqueCalls; n <= len(s.scores) {
		score = s.scores[n-1]
	} else if len(s.scores) > 0 {
		score = s.scores[len(s.scores)-1]
	}
	return &executor.Critique{Score: score, Issues: s.issues, Summary: "scripted"}, nil
}

func revisableSpec() *types.AgentSpec {
	return &types.AgentSpec{ID: "A01", MaxIterations: 10, SupportsRevision: true}
}

func TestRun_SinglePassNeverCritiquesOrRevises(t *testing.T) {
	exec := &scriptedExecutor{scores: []float64{0.1}}
	loop := NewLoop(revisableSpec(), exec, nil, nil, nil, nil)

	outcome, err := loop.Run(context.Background(), "stage", types.Context{}, ModeSinglePass, DefaultCriteria())
	require.NoError(t, err)

	assert.Equal(t, StateAccepted, outcome.State)
	assert.Equal(t, 1, outcome.Iterations)
	assert.Equal(t, 1, exec.executeCalls)
	assert.Zero(t, exec.critiqueCalls, "single pass must never critique")
	assert.Zero(t, exec.reviseCalls, "single pass must never revise")
	assert.True(t, outcome.Converged())
}

func TestRun_WithReviewIsAdvisoryOnly(t *testing.T) {
	exec := &scriptedExecutor{
		scores: []float64{0.2},
		issues: []types.Issue{{Severity: types.SeverityWarning, Message: "weak evidence"}},
	}
	loop := NewLoop(revisableSpec(), exec, nil, nil, nil, nil)

	outcome, err := loop.Run(context.Background(), "stage", types.Context{}, ModeWithReview, DefaultCriteria())
	require.NoError(t, err)

	// Accepted despite the low score; findings attached to the result.
	assert.Equal(t, StateAccepted, outcome.State)
	assert.Equal(t, 1, exec.critiqueCalls)
	assert.Zero(t, exec.reviseCalls)
	require.Len(t, outcome.Result.Issues, 1)
	assert.Equal(t, "weak evidence", outcome.Result.Issues[0].Message)
	require.NotNil(t, outcome.Result.QualityScore)
	assert.Equal(t, 0.2, *outcome.Result.QualityScore)
}

func TestRun_IterativeAcceptsOnQuality(t *testing.T) {
	exec := &scriptedExecutor{scores: []float64{0.5, 0.9}}
	recorder := degradation.NewRecorder(nil)
	loop := NewLoop(revisableSpec(), exec, nil, nil, recorder, nil)

	outcome, err := loop.Run(context.Background(), "stage", types.Context{}, ModeIterative, DefaultCriteria())
	require.NoError(t, err)

	assert.Equal(t, StateAccepted, outcome.State)
	assert.Equal(t, 2, outcome.Iterations)
	assert.Equal(t, 1, exec.reviseCalls)
	assert.True(t, outcome.Converged())
	assert.Zero(t, recorder.Len())
	assert.Equal(t, []float64{0.5, 0.9}, outcome.Scores)
}

func TestRun_IterativeExhaustsAfterExactlyMaxIterations(t *testing.T) {
	// Quality never reaches the threshold, improving enough to avoid a stall.
	exec := &scriptedExecutor{scores: []float64{0.1, 0.3, 0.5}}
	recorder := degradation.NewRecorder(nil)
	loop := NewLoop(revisableSpec(), exec, nil, nil, recorder, nil)

	criteria := DefaultCriteria()
	criteria.MaxIterations = 3

	outcome, err := loop.Run(context.Background(), "stage", types.Context{}, ModeIterative, criteria)
	require.NoError(t, err)

	assert.Equal(t, StateAccepted, outcome.State)
	assert.Equal(t, 3, outcome.Iterations, "must terminate after exactly max_iterations executions")
	assert.Equal(t, 1, exec.executeCalls)
	assert.Equal(t, 2, exec.reviseCalls)
	assert.Equal(t, degradation.ReasonConvergenceExhausted, outcome.Reason)
	assert.False(t, outcome.Converged())

	events := recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, degradation.ReasonConvergenceExhausted, events[0].ReasonCode)
	assert.Equal(t, "stage", events[0].Stage)
}

func TestRun_IterativeStallsEarly(t *testing.T) {
	// Iterations 2 and 3 improve by less than the threshold.
	exec := &scriptedExecutor{scores: []float64{0.30, 0.31, 0.32, 0.33, 0.34}}
	recorder := degradation.NewRecorder(nil)
	loop := NewLoop(revisableSpec(), exec, nil, nil, recorder, nil)

	criteria := Criteria{
		MinQualityScore:           0.9,
		MaxIterations:             10,
		ScoreImprovementThreshold: 0.05,
	}

	outcome, err := loop.Run(context.Background(), "stage", types.Context{}, ModeIterative, criteria)
	require.NoError(t, err)

	assert.Equal(t, StateAccepted, outcome.State)
	assert.Equal(t, 3, outcome.Iterations, "stall must end the loop before max_iterations")
	assert.Equal(t, degradation.ReasonStalled, outcome.Reason)

	events := recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, degradation.ReasonStalled, events[0].ReasonCode)
}

func TestRun_UnsupportedRevisionDowngradesToSinglePass(t *testing.T) {
	exec := &scriptedExecutor{scores: []float64{0.1}}
	recorder := degradation.NewRecorder(nil)
	spec := &types.AgentSpec{ID: "A02", MaxIterations: 3, SupportsRevision: false}
	loop := NewLoop(spec, exec, nil, nil, recorder, nil)

	outcome, err := loop.Run(context.Background(), "stage", types.Context{}, ModeIterative, DefaultCriteria())
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.Iterations)
	assert.Zero(t, exec.critiqueCalls)
	assert.Zero(t, exec.reviseCalls)

	events := recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, degradation.ReasonRevisionUnsupported, events[0].ReasonCode)
}

func TestRun_FatalErrorIsTerminal(t *testing.T) {
	exec := &scriptedExecutor{executeErr: types.NewSchemaViolationError("bad payload")}
	loop := NewLoop(revisableSpec(), exec, nil, nil, nil, nil)

	outcome, err := loop.Run(context.Background(), "stage", types.Context{}, ModeIterative, DefaultCriteria())
	require.Error(t, err)

	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, 1, exec.executeCalls, "fatal errors are not retried by the loop")
	assert.True(t, types.IsErrorCode(err, types.ErrSchemaViolation))
}

func TestRun_CachesEachIterationAsNextVersion(t *testing.T) {
	exec := &scriptedExecutor{scores: []float64{0.1, 0.3, 0.9}}
	store := cache.NewMemoryStore(nil)
	loop := NewLoop(revisableSpec(), exec, nil, store, nil, nil)

	ec := types.Context{"question": "q"}
	outcome, err := loop.Run(context.Background(), "stage", ec, ModeIterative, DefaultCriteria())
	require.NoError(t, err)
	require.Equal(t, 3, outcome.Iterations)

	hash, err := cache.HashInput(ec)
	require.NoError(t, err)

	history, err := store.History(context.Background(), "stage", hash)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, entry := range history {
		assert.Equal(t, i, entry.Version)
	}

	latest, err := store.Get(context.Background(), "stage", hash)
	require.NoError(t, err)
	assert.Equal(t, outcome.Result.Output, latest.Result.Output)
}

func TestRun_SpecBoundTightensCriteria(t *testing.T) {
	exec := &scriptedExecutor{scores: []float64{0.1, 0.3, 0.5, 0.7}}
	spec := &types.AgentSpec{ID: "A01", MaxIterations: 2, SupportsRevision: true}
	loop := NewLoop(spec, exec, nil, nil, nil, nil)

	criteria := DefaultCriteria()
	criteria.MaxIterations = 10
	criteria.MinQualityScore = 0.95

	outcome, err := loop.Run(context.Background(), "stage", types.Context{}, ModeIterative, criteria)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Iterations, "agent spec bound must cap the loop")
	assert.Equal(t, degradation.ReasonConvergenceExhausted, outcome.Reason)
}

func fastInvoker(attempts int) *executor.Invoker {
	return executor.NewInvoker(executor.RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1.0,
	}, nil, nil)
}

func TestRun_TransientCritiqueFailureIsRetried(t *testing.T) {
	exec := &scriptedExecutor{
		scores:       []float64{0.9},
		critiqueErrs: []error{types.NewRateLimitError("assessor throttled")},
	}
	recorder := degradation.NewRecorder(nil)
	loop := NewLoop(revisableSpec(), exec, fastInvoker(3), nil, recorder, nil)

	outcome, err := loop.Run(context.Background(), "stage", types.Context{}, ModeIterative, DefaultCriteria())
	require.NoError(t, err)

	assert.Equal(t, StateAccepted, outcome.State)
	assert.Equal(t, 1, outcome.Iterations)
	assert.Equal(t, 2, exec.critiqueCalls, "transient critique failures retry like any invocation")
	assert.Zero(t, exec.reviseCalls)
	assert.Equal(t, []float64{0.9}, outcome.Scores)
	assert.Zero(t, recorder.Len(), "a retried critique is not a degradation")
}

func TestRun_CritiqueExhaustionAcceptsWithEvent(t *testing.T) {
	throttled := types.NewRateLimitError("assessor throttled")
	exec := &scriptedExecutor{
		scores:       []float64{0.9},
		critiqueErrs: []error{throttled, throttled, throttled},
	}
	recorder := degradation.NewRecorder(nil)
	loop := NewLoop(revisableSpec(), exec, fastInvoker(2), nil, recorder, nil)

	outcome, err := loop.Run(context.Background(), "stage", types.Context{}, ModeIterative, DefaultCriteria())
	require.NoError(t, err)

	assert.Equal(t, StateAccepted, outcome.State)
	assert.Equal(t, 1, outcome.Iterations)
	assert.Equal(t, 2, exec.critiqueCalls, "critique retries up to the policy bound")
	assert.Empty(t, outcome.Scores, "no score is fabricated for an unassessed result")

	events := recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, degradation.ReasonCritiqueFailed, events[0].ReasonCode)
	assert.Equal(t, degradation.SeverityWarning, events[0].Severity)
	assert.Equal(t, "stage", events[0].Stage)
}

func TestRun_WithReviewCritiqueFailureIsRecorded(t *testing.T) {
	throttled := types.NewRateLimitError("assessor throttled")
	exec := &scriptedExecutor{
		critiqueErrs: []error{throttled, throttled},
	}
	recorder := degradation.NewRecorder(nil)
	loop := NewLoop(revisableSpec(), exec, fastInvoker(2), nil, recorder, nil)

	outcome, err := loop.Run(context.Background(), "stage", types.Context{}, ModeWithReview, DefaultCriteria())
	require.NoError(t, err)

	assert.Equal(t, StateAccepted, outcome.State)
	assert.Equal(t, 2, exec.critiqueCalls)

	events := recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, degradation.ReasonCritiqueFailed, events[0].ReasonCode)
}

func TestRun_UsageAccumulates(t *testing.T) {
	exec := &scriptedExecutor{scores: []float64{0.1, 0.9}}
	loop := NewLoop(revisableSpec(), exec, nil, nil, nil, nil)

	outcome, err := loop.Run(context.Background(), "stage", types.Context{}, ModeIterative, DefaultCriteria())
	require.NoError(t, err)
	assert.Equal(t, 180, outcome.Usage.TokensUsed)
}
