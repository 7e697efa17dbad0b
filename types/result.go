package types

import "time"

// Severity classifies a finding attached to an agent result.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue is a single finding reported by an agent or a critique pass.
type Issue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Location string   `json:"location,omitempty"`
}

// Usage records the resources consumed by one execution attempt.
type Usage struct {
	Duration   time.Duration `json:"duration_ns"`
	TokensUsed int           `json:"tokens_used"`
	CostUSD    float64       `json:"cost_usd"`
}

// Add accumulates another attempt's usage into u.
func (u *Usage) Add(other Usage) {
	u.Duration += other.Duration
	u.TokensUsed += other.TokensUsed
	u.CostUSD += other.CostUSD
}

// Context is the mapping of named values an agent executes against. It
// contains the upstream stage outputs the agent is entitled to read per its
// declared input schema.
type Context map[string]any

// Clone returns a shallow copy of the context. Callers that fan a context
// out to concurrent participants must clone it first.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Keys returns the set of keys present in the context.
func (c Context) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// AgentResult is the outcome of exactly one execution attempt. It is
// immutable once returned by an executor.
type AgentResult struct {
	// AgentID identifies the agent that produced the result.
	AgentID string `json:"agent_id"`
	// Success marks whether the agent considers its own run successful.
	Success bool `json:"success"`
	// Output is the opaque structured payload.
	Output map[string]any `json:"output"`
	// QualityScore is the agent's optional self-assessment in [0,1].
	QualityScore *float64 `json:"quality_score,omitempty"`
	// Issues are findings in the order the agent reported them.
	Issues []Issue `json:"issues,omitempty"`
	// Usage records tokens, time and cost of this attempt.
	Usage Usage `json:"usage"`
	// CreatedAt is when the result was produced.
	CreatedAt time.Time `json:"created_at"`
}

// HasCriticalIssues reports whether any attached issue is critical.
func (r *AgentResult) HasCriticalIssues() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// SelfScore returns the self-assessed quality score, or ok=false when the
// agent did not provide one.
func (r *AgentResult) SelfScore() (float64, bool) {
	if r.QualityScore == nil {
		return 0, false
	}
	return *r.QualityScore, true
}

// Score is a convenience constructor for the optional QualityScore field.
func Score(v float64) *float64 {
	return &v
}
