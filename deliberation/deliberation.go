// Package deliberation runs several agents over the same context, compares
// their outputs, and merges them into one result or reports unresolved
// conflict. Consensus is never fabricated: when agreement stays below the
// threshold the record carries the conflicts and no consolidated output, and
// the caller decides whether to fail the stage or escalate.
package deliberation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conductor-ai/conductor/degradation"
	"github.com/conductor-ai/conductor/executor"
	"github.com/conductor-ai/conductor/types"
)

// Similarity scores the agreement between two structured outputs in [0,1].
type Similarity func(a, b map[string]any) float64

// Merge consolidates the per-agent outputs once consensus is reached.
// Participants are given in their original order.
type Merge func(participants []string, results map[string]*types.AgentResult) (map[string]any, error)

// Config tunes a deliberation round.
type Config struct {
	// ConsensusThreshold is the minimum aggregate agreement score required
	// to produce a consolidated output.
	ConsensusThreshold float64 `json:"consensus_threshold"`
	// Similarity overrides the pairwise agreement function. Nil selects
	// DefaultSimilarity.
	Similarity Similarity `json:"-"`
	// Merge overrides the consolidation function. Nil selects DefaultMerge.
	Merge Merge `json:"-"`
}

// DefaultConfig returns the default deliberation configuration.
func DefaultConfig() Config {
	return Config{ConsensusThreshold: 0.7}
}

// Conflict describes one pairwise disagreement between participants.
type Conflict struct {
	AgentA     string  `json:"agent_a"`
	AgentB     string  `json:"agent_b"`
	Similarity float64 `json:"similarity"`
	Details    string  `json:"details,omitempty"`
}

// Record is the full outcome of one deliberation round.
type Record struct {
	// Participants lists the agent ids in invocation order.
	Participants []string `json:"participants"`
	// PerAgent maps each participant to its result.
	PerAgent map[string]*types.AgentResult `json:"per_agent_results"`
	// AgreementScore is the mean pairwise similarity in [0,1].
	AgreementScore float64 `json:"agreement_score"`
	// ConsolidatedOutput is present only when agreement reached the
	// consensus threshold.
	ConsolidatedOutput map[string]any `json:"consolidated_output,omitempty"`
	// Conflicts lists the pairwise disagreements below the threshold.
	Conflicts []Conflict `json:"conflicts,omitempty"`
	// Degraded marks a round that ended without consensus.
	Degraded bool `json:"degraded"`
	// Rationale explains how the round concluded.
	Rationale string `json:"rationale,omitempty"`
	// Usage accumulates resources across all participants.
	Usage types.Usage `json:"usage"`
	// Duration is the wall-clock time of the round.
	Duration time.Duration `json:"duration_ns"`
}

// Consensus reports whether the round produced a consolidated output.
func (r *Record) Consensus() bool {
	return r.ConsolidatedOutput != nil
}

// Engine fans a shared context out to a set of agents and builds consensus
// over their outputs.
type Engine struct {
	provider executor.Provider
	invoker  *executor.Invoker
	recorder *degradation.Recorder
	config   Config
	logger   *zap.Logger
}

// NewEngine creates a deliberation engine. A nil invoker gets the default
// retry policy; a nil recorder disables degradation events.
func NewEngine(provider executor.Provider, invoker *executor.Invoker, recorder *degradation.Recorder, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if invoker == nil {
		invoker = executor.NewInvoker(executor.DefaultRetryPolicy(), nil, logger)
	}
	return &Engine{
		provider: provider,
		invoker:  invoker,
		recorder: recorder,
		config:   config,
		logger:   logger.With(zap.String("component", "deliberation")),
	}
}

// Deliberate executes every participant concurrently against a clone of the
// shared context, scores pairwise agreement, and consolidates on consensus.
// A participant failure fails the whole round; cancellation propagates to
// all outstanding participants.
func (e *Engine) Deliberate(ctx context.Context, stageID string, participants []string, ec types.Context) (*Record, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("deliberation for stage %s: no participants", stageID)
	}

	// Resolve all executors up front so an unknown participant fails the
	// round before any work starts.
	execs := make([]executor.Executor, len(participants))
	for i, id := range participants {
		exec, err := e.provider.ExecutorFor(id)
		if err != nil {
			return nil, fmt.Errorf("deliberation for stage %s: %w", stageID, err)
		}
		execs[i] = exec
	}

	start := time.Now()
	results := make([]*types.AgentResult, len(participants))

	g, gctx := errgroup.WithContext(ctx)
	for i := range participants {
		i := i
		id := participants[i]
		exec := execs[i]
		shared := ec.Clone()
		g.Go(func() error {
			result, err := e.invoker.Invoke(gctx, id, func(ctx context.Context) (*types.AgentResult, error) {
				return exec.Execute(ctx, shared)
			})
			if err != nil {
				return fmt.Errorf("participant %s: %w", id, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("deliberation for stage %s: %w", stageID, err)
	}

	record := &Record{
		Participants: append([]string(nil), participants...),
		PerAgent:     make(map[string]*types.AgentResult, len(participants)),
		Duration:     time.Since(start),
	}
	for i, id := range participants {
		record.PerAgent[id] = results[i]
		record.Usage.Add(results[i].Usage)
	}

	similarity := e.config.Similarity
	if similarity == nil {
		similarity = DefaultSimilarity
	}
	record.AgreementScore, record.Conflicts = e.agreement(participants, results, similarity)

	if record.AgreementScore >= e.config.ConsensusThreshold {
		merge := e.config.Merge
		if merge == nil {
			merge = DefaultMerge
		}
		output, err := merge(record.Participants, record.PerAgent)
		if err != nil {
			return nil, fmt.Errorf("deliberation for stage %s: merge: %w", stageID, err)
		}
		record.ConsolidatedOutput = output
		record.Rationale = fmt.Sprintf("%d participants agreed at %.2f (threshold %.2f)",
			len(participants), record.AgreementScore, e.config.ConsensusThreshold)
	} else {
		record.Degraded = true
		record.Rationale = fmt.Sprintf("agreement %.2f below threshold %.2f, %d unresolved conflicts",
			record.AgreementScore, e.config.ConsensusThreshold, len(record.Conflicts))
		if e.recorder != nil {
			e.recorder.Record(stageID, degradation.ReasonNoConsensus, degradation.SeverityError, record.Rationale)
		}
	}

	e.logger.Info("deliberation completed",
		zap.String("stage_id", stageID),
		zap.Int("participants", len(participants)),
		zap.Float64("agreement", record.AgreementScore),
		zap.Bool("consensus", record.Consensus()),
		zap.Duration("duration", record.Duration),
	)
	return record, nil
}

// agreement computes the mean pairwise similarity and collects the pairs
// that fall below the consensus threshold. A single participant trivially
// agrees with itself.
func (e *Engine) agreement(participants []string, results []*types.AgentResult, similarity Similarity) (float64, []Conflict) {
	if len(participants) < 2 {
		return 1.0, nil
	}

	var sum float64
	var pairs int
	var conflicts []Conflict
	for i := 0; i < len(participants); i++ {
		for j := i + 1; j < len(participants); j++ {
			score := similarity(results[i].Output, results[j].Output)
			sum += score
			pairs++
			if score < e.config.ConsensusThreshold {
				conflicts = append(conflicts, Conflict{
					AgentA:     participants[i],
					AgentB:     participants[j],
					Similarity: score,
					Details:    fmt.Sprintf("outputs agree at %.2f", score),
				})
			}
		}
	}
	return sum / float64(pairs), conflicts
}

// DefaultSimilarity scores two outputs 1.0 when their canonical JSON forms
// are identical and 0.0 otherwise. Callers with domain knowledge of the
// output payloads should supply a graded similarity instead.
func DefaultSimilarity(a, b map[string]any) float64 {
	aj, err := json.Marshal(a)
	if err != nil {
		return 0
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return 0
	}
	if string(aj) == string(bj) {
		return 1.0
	}
	return 0
}

// DefaultMerge takes the first participant's output and annotates it with
// the full participant list.
func DefaultMerge(participants []string, results map[string]*types.AgentResult) (map[string]any, error) {
	first, ok := results[participants[0]]
	if !ok || first == nil {
		return nil, fmt.Errorf("no result for participant %s", participants[0])
	}
	merged := make(map[string]any, len(first.Output)+1)
	for k, v := range first.Output {
		merged[k] = v
	}
	annotated := append([]string(nil), participants...)
	sort.Strings(annotated)
	merged["deliberation_participants"] = annotated
	return merged, nil
}
