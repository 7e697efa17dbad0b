// Package revision drives an agent through revise-and-recheck cycles until
// its result converges, exhausts its iteration budget, or stalls.
//
// The loop is a bounded fixed-point iteration modeled as an explicit state
// machine (PENDING → EXECUTED → {ACCEPTED, REVISING, FAILED}) so that
// termination is provable from the three exit conditions rather than hidden
// in ad hoc flags.
package revision

// Criteria configures the convergence engine. Supplied per invocation;
// defaults exist but every field is overridable.
type Criteria struct {
	// MinQualityScore is the acceptance threshold in [0,1].
	MinQualityScore float64 `yaml:"min_quality_score" json:"min_quality_score"`
	// MaxIterations caps the number of executions (initial plus revisions).
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`
	// ScoreImprovementThreshold is the minimum per-iteration improvement;
	// two consecutive iterations below it stall the loop.
	ScoreImprovementThreshold float64 `yaml:"score_improvement_threshold" json:"score_improvement_threshold"`
	// RequireNoCriticalIssues blocks acceptance while critical issues remain.
	RequireNoCriticalIssues bool `yaml:"require_no_critical_issues" json:"require_no_critical_issues"`
}

// DefaultCriteria returns the default convergence criteria.
func DefaultCriteria() Criteria {
	return Criteria{
		MinQualityScore:           0.7,
		MaxIterations:             3,
		ScoreImprovementThreshold: 0.05,
		RequireNoCriticalIssues:   true,
	}
}

// Verdict is the convergence engine's decision after one executed iteration.
type Verdict string

const (
	// VerdictAccept: the result meets the criteria.
	VerdictAccept Verdict = "accept"
	// VerdictRevise: request another revision round.
	VerdictRevise Verdict = "revise"
	// VerdictExhausted: iteration budget spent; accept what we have.
	VerdictExhausted Verdict = "exhausted"
	// VerdictStalled: quality stopped improving; accept early.
	VerdictStalled Verdict = "stalled"
)

// Assess decides what to do after an executed iteration. scores holds the
// quality score of every executed iteration so far (oldest first), and
// hasCritical reports whether the latest result carries critical issues.
// maxIterations overrides the criteria's cap (the loop passes the tighter of
// the criteria's and the agent spec's bounds).
func Assess(c Criteria, scores []float64, hasCritical bool, maxIterations int) Verdict {
	if len(scores) == 0 {
		return VerdictRevise
	}
	latest := scores[len(scores)-1]

	if latest >= c.MinQualityScore && (!hasCritical || !c.RequireNoCriticalIssues) {
		return VerdictAccept
	}
	if len(scores) >= maxIterations {
		return VerdictExhausted
	}
	if stalled(c, scores) {
		return VerdictStalled
	}
	return VerdictRevise
}

// stalled reports whether the last two consecutive improvements both fell
// below the improvement threshold. Needs at least three executed iterations.
func stalled(c Criteria, scores []float64) bool {
	n := len(scores)
	if n < 3 {
		return false
	}
	last := scores[n-1] - scores[n-2]
	prev := scores[n-2] - scores[n-3]
	return last < c.ScoreImprovementThreshold && prev < c.ScoreImprovementThreshold
}
