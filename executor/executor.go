// Package executor defines the AgentExecutor boundary of the orchestration
// core and the retry/timeout wrapper used to invoke it.
//
// The core treats an executor as an abstract capability: the concrete
// backend (a hosted model call, a deterministic check script, a
// human-in-the-loop step) is irrelevant to orchestration correctness.
// Executors must be safely retryable: the orchestrator may invoke them more
// than once for the same logical step and concurrently for unrelated stages.
package executor

import (
	"context"

	"github.com/conductor-ai/conductor/types"
)

// Critique is the outcome of a quality assessment pass over a result.
type Critique struct {
	// Score is the assessed quality in [0,1].
	Score float64 `json:"score"`
	// Issues are the findings backing the score.
	Issues []types.Issue `json:"issues,omitempty"`
	// Summary is a short free-text assessment.
	Summary string `json:"summary,omitempty"`
	// RevisionRequired marks whether the critic asks for another pass.
	RevisionRequired bool `json:"revision_required"`
}

// Feedback is the structured revision context handed back to an agent.
// Feedback is deliberately schema-constrained rather than free text so that
// downstream merge and consensus steps stay deterministic.
type Feedback struct {
	// QualityScore is the score the prior attempt received.
	QualityScore float64 `json:"quality_score"`
	// Issues are the findings the revision should address.
	Issues []types.Issue `json:"issues,omitempty"`
	// Summary condenses the critique.
	Summary string `json:"summary,omitempty"`
	// RevisionPriority orders the aspects to fix first.
	RevisionPriority []string `json:"revision_priority,omitempty"`
}

// FromCritique converts a critique into revision feedback.
func FromCritique(c *Critique) Feedback {
	priority := make([]string, 0, len(c.Issues))
	for _, issue := range c.Issues {
		if issue.Severity == types.SeverityCritical {
			priority = append(priority, issue.Message)
		}
	}
	return Feedback{
		QualityScore:     c.Score,
		Issues:           c.Issues,
		Summary:          c.Summary,
		RevisionPriority: priority,
	}
}

// Executor is the external collaborator invoked by the orchestrator.
type Executor interface {
	// Execute runs the agent against the given context and returns a result.
	Execute(ctx context.Context, ec types.Context) (*types.AgentResult, error)
	// Revise re-runs the agent with the prior result and structured feedback
	// as additional context. Only called for agents with supports_revision.
	Revise(ctx context.Context, prior *types.AgentResult, feedback Feedback) (*types.AgentResult, error)
	// Critique assesses the quality of a result without changing it.
	Critique(ctx context.Context, result *types.AgentResult) (*Critique, error)
}

// Provider resolves an agent id to its executor backend.
type Provider interface {
	ExecutorFor(agentID string) (Executor, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(agentID string) (Executor, error)

// ExecutorFor implements Provider.
func (f ProviderFunc) ExecutorFor(agentID string) (Executor, error) {
	return f(agentID)
}

// Func adapts plain functions to the Executor interface. Nil fields fall
// back to sensible defaults: Revise re-executes, Critique scores from the
// result's self-assessment.
type Func struct {
	ExecuteFunc  func(ctx context.Context, ec types.Context) (*types.AgentResult, error)
	ReviseFunc   func(ctx context.Context, prior *types.AgentResult, feedback Feedback) (*types.AgentResult, error)
	CritiqueFunc func(ctx context.Context, result *types.AgentResult) (*Critique, error)
}

// Execute implements Executor.
func (f *Func) Execute(ctx context.Context, ec types.Context) (*types.AgentResult, error) {
	return f.ExecuteFunc(ctx, ec)
}

// Revise implements Executor. Without a ReviseFunc the agent is simply
// re-executed against the original context.
func (f *Func) Revise(ctx context.Context, prior *types.AgentResult, feedback Feedback) (*types.AgentResult, error) {
	if f.ReviseFunc != nil {
		return f.ReviseFunc(ctx, prior, feedback)
	}
	return f.ExecuteFunc(ctx, types.Context{"prior_output": prior.Output, "feedback": feedback})
}

// Critique implements Executor. Without a CritiqueFunc the result's own
// self-assessment is used; missing self-assessment scores zero.
func (f *Func) Critique(ctx context.Context, result *types.AgentResult) (*Critique, error) {
	if f.CritiqueFunc != nil {
		return f.CritiqueFunc(ctx, result)
	}
	score, _ := result.SelfScore()
	return &Critique{Score: score, Issues: result.Issues}, nil
}
