// Package degradation provides the append-only recorder for skipped or
// downgraded steps.
//
// A degraded run still "succeeds"; the recorder is what makes it
// distinguishable from a fully successful one. Events are never mutated or
// deleted once recorded.
package degradation

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity classifies a degradation event.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ReasonCode is a machine-readable token naming why a step degraded.
type ReasonCode string

const (
	// ReasonConvergenceExhausted marks a revision loop that hit its
	// iteration cap without reaching the quality threshold.
	ReasonConvergenceExhausted ReasonCode = "convergence_exhausted"
	// ReasonStalled marks a revision loop terminated early because quality
	// stopped improving.
	ReasonStalled ReasonCode = "stalled"
	// ReasonGateDowngraded marks a stage that proceeded despite missing
	// required inputs.
	ReasonGateDowngraded ReasonCode = "gate_downgraded"
	// ReasonStageSkipped marks an optional stage that was skipped entirely.
	ReasonStageSkipped ReasonCode = "stage_skipped"
	// ReasonRetriesExhausted marks an optional stage abandoned after
	// exhausting transient-failure retries.
	ReasonRetriesExhausted ReasonCode = "retries_exhausted"
	// ReasonNoConsensus marks a deliberation round that ended without an
	// agreed consolidated output.
	ReasonNoConsensus ReasonCode = "no_consensus"
	// ReasonCritiqueFailed marks a result accepted without quality
	// assessment because critique calls were exhausted or failed.
	ReasonCritiqueFailed ReasonCode = "critique_failed"
	// ReasonRevisionUnsupported marks a stage forced to single-pass because
	// its agent does not support revision.
	ReasonRevisionUnsupported ReasonCode = "revision_unsupported"
)

// Event is one recorded degradation.
type Event struct {
	Stage      string     `json:"stage"`
	ReasonCode ReasonCode `json:"reason_code"`
	Severity   Severity   `json:"severity"`
	Details    string     `json:"details,omitempty"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// Summary is the read-only end-of-run snapshot consumable by any downstream
// reporting tool.
type Summary struct {
	Total      int              `json:"total"`
	BySeverity map[Severity]int `json:"by_severity"`
	Events     []Event          `json:"events"`
}

// Recorder accumulates degradation events. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	logger *zap.Logger
}

// NewRecorder creates an empty recorder.
func NewRecorder(logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		logger: logger.With(zap.String("component", "degradation_recorder")),
	}
}

// Record appends an event. Events are never silently dropped: each one is
// both stored and logged at its severity.
func (r *Recorder) Record(stage string, reason ReasonCode, severity Severity, details string) {
	event := Event{
		Stage:      stage,
		ReasonCode: reason,
		Severity:   severity,
		Details:    details,
		RecordedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()

	fields := []zap.Field{
		zap.String("stage", stage),
		zap.String("reason_code", string(reason)),
		zap.String("details", details),
	}
	switch severity {
	case SeverityCritical, SeverityError:
		r.logger.Error("step degraded", fields...)
	default:
		r.logger.Warn("step degraded", fields...)
	}
}

// Events returns a copy of all recorded events in recording order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Summarize produces the end-of-run snapshot.
func (r *Recorder) Summarize() Summary {
	events := r.Events()
	summary := Summary{
		Total:      len(events),
		BySeverity: map[Severity]int{},
		Events:     events,
	}
	for _, event := range events {
		summary.BySeverity[event.Severity]++
	}
	return summary
}
