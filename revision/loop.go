package revision

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/conductor-ai/conductor/cache"
	"github.com/conductor-ai/conductor/degradation"
	"github.com/conductor-ai/conductor/executor"
	"github.com/conductor-ai/conductor/types"
)

// Mode selects which state transitions are reachable.
type Mode string

const (
	// ModeSinglePass accepts the first execution unconditionally, with no
	// critique. Never invokes revise or critique.
	ModeSinglePass Mode = "single_pass"
	// ModeWithReview runs one advisory critique pass after execution and
	// attaches its findings; the result is accepted regardless of score.
	ModeWithReview Mode = "with_review"
	// ModeIterative revises until the criteria accept, the iteration budget
	// is exhausted, or quality stalls.
	ModeIterative Mode = "iterative"
)

// State is the revision loop's state.
type State string

const (
	StatePending  State = "pending"
	StateExecuted State = "executed"
	StateAccepted State = "accepted"
	StateRevising State = "revising"
	StateFailed   State = "failed"
)

// Outcome is the terminal snapshot of one loop run.
type Outcome struct {
	// State is the terminal state: accepted or failed.
	State State `json:"state"`
	// Result is the final result. Nil only when State is failed.
	Result *types.AgentResult `json:"result,omitempty"`
	// Iterations counts executions (initial attempt plus revisions).
	Iterations int `json:"iterations"`
	// Scores holds the assessed quality of each iteration, oldest first.
	// Empty in single-pass mode.
	Scores []float64 `json:"scores,omitempty"`
	// Critiques holds every critique pass in order.
	Critiques []executor.Critique `json:"critiques,omitempty"`
	// Reason names the degradation that forced acceptance, if any.
	Reason degradation.ReasonCode `json:"reason,omitempty"`
	// Usage accumulates resources across all iterations.
	Usage types.Usage `json:"usage"`
}

// Converged reports whether the loop accepted on quality rather than by
// exhaustion or stall.
func (o *Outcome) Converged() bool {
	return o.State == StateAccepted && o.Reason == ""
}

// Loop drives one agent through revise-and-recheck cycles. Iterations for a
// single stage are strictly sequential; a Loop instance is safe to share
// across stages because it keeps no per-run state.
type Loop struct {
	spec     *types.AgentSpec
	exec     executor.Executor
	invoker  *executor.Invoker
	store    cache.Store
	recorder *degradation.Recorder
	logger   *zap.Logger
}

// NewLoop assembles a revision loop for one agent. store may be nil to skip
// version caching; recorder may be nil to skip degradation accounting.
func NewLoop(
	spec *types.AgentSpec,
	exec executor.Executor,
	invoker *executor.Invoker,
	store cache.Store,
	recorder *degradation.Recorder,
	logger *zap.Logger,
) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if invoker == nil {
		invoker = executor.NewInvoker(executor.DefaultRetryPolicy(), nil, logger)
	}
	return &Loop{
		spec:     spec,
		exec:     exec,
		invoker:  invoker,
		store:    store,
		recorder: recorder,
		logger: logger.With(
			zap.String("component", "revision_loop"),
			zap.String("agent_id", spec.ID),
		),
	}
}

// Run executes the agent under the given mode and criteria and returns the
// terminal outcome. A returned error means the loop ended in StateFailed: a
// fatal executor error that propagates to the calling workflow.
func (l *Loop) Run(ctx context.Context, stageID string, ec types.Context, mode Mode, criteria Criteria) (*Outcome, error) {
	// Agents lacking revision support only ever run single-pass.
	if mode != ModeSinglePass && !l.spec.SupportsRevision {
		l.logger.Info("agent does not support revision, downgrading to single pass",
			zap.String("stage_id", stageID),
			zap.String("requested_mode", string(mode)),
		)
		l.record(stageID, degradation.ReasonRevisionUnsupported, degradation.SeverityWarning,
			fmt.Sprintf("agent %s downgraded from %s to single pass", l.spec.ID, mode))
		mode = ModeSinglePass
	}

	maxIterations := criteria.MaxIterations
	if maxIterations < 1 || (l.spec.MaxIterations > 0 && l.spec.MaxIterations < maxIterations) {
		maxIterations = l.spec.MaxIterations
	}

	inputHash := ""
	if l.store != nil {
		var err error
		if inputHash, err = cache.HashInput(ec); err != nil {
			return nil, fmt.Errorf("stage %s: %w", stageID, err)
		}
	}

	outcome := &Outcome{State: StatePending}
	var current *types.AgentResult
	var feedback executor.Feedback

	for {
		// PENDING/REVISING → EXECUTED
		var result *types.AgentResult
		var err error
		if outcome.Iterations == 0 {
			result, err = l.invoker.Invoke(ctx, l.spec.ID, func(ctx context.Context) (*types.AgentResult, error) {
				return l.exec.Execute(ctx, ec)
			})
		} else {
			prior := current
			fb := feedback
			result, err = l.invoker.Invoke(ctx, l.spec.ID, func(ctx context.Context) (*types.AgentResult, error) {
				return l.exec.Revise(ctx, prior, fb)
			})
		}
		if err != nil {
			// FAILED is terminal and propagates to the calling workflow.
			outcome.State = StateFailed
			return outcome, fmt.Errorf("stage %s: %w", stageID, err)
		}

		outcome.Iterations++
		outcome.Usage.Add(result.Usage)
		current = result

		if l.store != nil {
			summary := ""
			if outcome.Iterations > 1 {
				summary = feedback.Summary
			}
			if _, err := l.store.Put(ctx, stageID, inputHash, result, summary); err != nil {
				return nil, fmt.Errorf("stage %s: cache result: %w", stageID, err)
			}
		}

		switch mode {
		case ModeSinglePass:
			// EXECUTED → ACCEPTED unconditionally.
			outcome.State = StateAccepted
			outcome.Result = current
			return outcome, nil

		case ModeWithReview:
			// One advisory critique; accepted regardless of score.
			critique, err := l.critique(ctx, current)
			if err != nil {
				l.logger.Warn("advisory critique failed, accepting result as-is",
					zap.String("stage_id", stageID), zap.Error(err))
				l.record(stageID, degradation.ReasonCritiqueFailed, degradation.SeverityWarning,
					fmt.Sprintf("agent %s result accepted without review: %v", l.spec.ID, err))
			} else {
				outcome.Critiques = append(outcome.Critiques, *critique)
				outcome.Scores = append(outcome.Scores, critique.Score)
				attachFindings(current, critique)
			}
			outcome.State = StateAccepted
			outcome.Result = current
			return outcome, nil

		case ModeIterative:
			critique, err := l.critique(ctx, current)
			if err != nil {
				l.logger.Warn("critique failed, accepting current result",
					zap.String("stage_id", stageID),
					zap.Int("iteration", outcome.Iterations),
					zap.Error(err),
				)
				l.record(stageID, degradation.ReasonCritiqueFailed, degradation.SeverityWarning,
					fmt.Sprintf("agent %s result accepted unassessed at iteration %d: %v",
						l.spec.ID, outcome.Iterations, err))
				outcome.State = StateAccepted
				outcome.Result = current
				return outcome, nil
			}
			outcome.Critiques = append(outcome.Critiques, *critique)
			outcome.Scores = append(outcome.Scores, critique.Score)

			hasCritical := current.HasCriticalIssues() || critiqueHasCritical(critique)
			verdict := Assess(criteria, outcome.Scores, hasCritical, maxIterations)

			l.logger.Debug("convergence assessed",
				zap.String("stage_id", stageID),
				zap.Int("iteration", outcome.Iterations),
				zap.Float64("score", critique.Score),
				zap.String("verdict", string(verdict)),
			)

			switch verdict {
			case VerdictAccept:
				outcome.State = StateAccepted
				outcome.Result = current
				return outcome, nil

			case VerdictExhausted:
				// Never silently dropped: accepted with a recorded event.
				outcome.State = StateAccepted
				outcome.Result = current
				outcome.Reason = degradation.ReasonConvergenceExhausted
				l.record(stageID, degradation.ReasonConvergenceExhausted, degradation.SeverityWarning,
					fmt.Sprintf("agent %s used all %d iterations, final score %.2f", l.spec.ID, outcome.Iterations, critique.Score))
				return outcome, nil

			case VerdictStalled:
				outcome.State = StateAccepted
				outcome.Result = current
				outcome.Reason = degradation.ReasonStalled
				l.record(stageID, degradation.ReasonStalled, degradation.SeverityWarning,
					fmt.Sprintf("agent %s stalled after %d iterations, final score %.2f", l.spec.ID, outcome.Iterations, critique.Score))
				return outcome, nil

			case VerdictRevise:
				// EXECUTED → REVISING → EXECUTED
				outcome.State = StateRevising
				feedback = executor.FromCritique(critique)
			}

		default:
			return nil, fmt.Errorf("stage %s: unknown revision mode: %s", stageID, mode)
		}
	}
}

func (l *Loop) record(stage string, reason degradation.ReasonCode, severity degradation.Severity, details string) {
	if l.recorder != nil {
		l.recorder.Record(stage, reason, severity, details)
	}
}

// critique assesses the current result under the invoker's timeout, pacing
// and retry contract. Critique crosses the executor boundary like execute
// and revise, so transient failures are retried the same way.
func (l *Loop) critique(ctx context.Context, result *types.AgentResult) (*executor.Critique, error) {
	return l.invoker.InvokeCritique(ctx, l.spec.ID, func(ctx context.Context) (*executor.Critique, error) {
		return l.exec.Critique(ctx, result)
	})
}

// attachFindings folds an advisory critique into the accepted result.
func attachFindings(result *types.AgentResult, critique *executor.Critique) {
	result.Issues = append(result.Issues, critique.Issues...)
	if result.QualityScore == nil {
		result.QualityScore = types.Score(critique.Score)
	}
}

func critiqueHasCritical(c *executor.Critique) bool {
	for _, issue := range c.Issues {
		if issue.Severity == types.SeverityCritical {
			return true
		}
	}
	return false
}
