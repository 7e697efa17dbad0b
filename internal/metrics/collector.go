// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/conductor-ai/conductor/types"
)

// Collector gathers orchestration metrics.
type Collector struct {
	agentExecutionsTotal   *prometheus.CounterVec
	agentExecutionDuration *prometheus.HistogramVec
	tokensUsedTotal        *prometheus.CounterVec
	costTotal              *prometheus.CounterVec

	revisionIterations *prometheus.HistogramVec

	stagesTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	gateEvaluations *prometheus.CounterVec

	deliberationRounds    *prometheus.CounterVec
	deliberationAgreement *prometheus.HistogramVec

	degradationEvents *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a metrics collector registered against the given
// registerer. A nil registerer selects the default global one.
func NewCollector(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.agentExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_executions_total",
			Help:      "Total number of agent executions",
		},
		[]string{"agent_id", "status"},
	)

	c.agentExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_execution_duration_seconds",
			Help:      "Agent execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"agent_id"},
	)

	c.tokensUsedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens consumed by agent executions",
		},
		[]string{"agent_id"},
	)

	c.costTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Total execution cost in USD",
		},
		[]string{"agent_id"},
	)

	c.revisionIterations = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "revision_iterations",
			Help:      "Number of revision-loop iterations per stage",
			Buckets:   []float64{1, 2, 3, 4, 5, 7, 10},
		},
		[]string{"agent_id", "mode"},
	)

	c.stagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_total",
			Help:      "Total number of workflow stage completions",
		},
		[]string{"stage_id", "status"},
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Workflow stage duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"stage_id"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of workflow cache hits",
		},
		[]string{"stage_id"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of workflow cache misses",
		},
		[]string{"stage_id"},
	)

	c.gateEvaluations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_evaluations_total",
			Help:      "Total number of gate evaluations",
		},
		[]string{"gate", "action"},
	)

	c.deliberationRounds = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliberation_rounds_total",
			Help:      "Total number of deliberation rounds",
		},
		[]string{"outcome"},
	)

	c.deliberationAgreement = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deliberation_agreement_score",
			Help:      "Agreement score of deliberation rounds",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"stage_id"},
	)

	c.degradationEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degradation_events_total",
			Help:      "Total number of recorded degradation events",
		},
		[]string{"reason", "severity"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordAgentExecution records one agent execution and its resource usage.
func (c *Collector) RecordAgentExecution(agentID, status string, usage types.Usage) {
	if c == nil {
		return
	}
	c.agentExecutionsTotal.WithLabelValues(agentID, status).Inc()
	c.agentExecutionDuration.WithLabelValues(agentID).Observe(usage.Duration.Seconds())
	c.tokensUsedTotal.WithLabelValues(agentID).Add(float64(usage.TokensUsed))
	c.costTotal.WithLabelValues(agentID).Add(usage.CostUSD)
}

// RecordRevision records the iteration count of a completed revision loop.
func (c *Collector) RecordRevision(agentID, mode string, iterations int) {
	if c == nil {
		return
	}
	c.revisionIterations.WithLabelValues(agentID, mode).Observe(float64(iterations))
}

// RecordStage records a stage completion.
func (c *Collector) RecordStage(stageID, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stagesTotal.WithLabelValues(stageID, status).Inc()
	c.stageDuration.WithLabelValues(stageID).Observe(duration.Seconds())
}

// RecordCacheHit records a workflow cache hit.
func (c *Collector) RecordCacheHit(stageID string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(stageID).Inc()
}

// RecordCacheMiss records a workflow cache miss.
func (c *Collector) RecordCacheMiss(stageID string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(stageID).Inc()
}

// RecordGate records one gate evaluation outcome.
func (c *Collector) RecordGate(gate, action string) {
	if c == nil {
		return
	}
	c.gateEvaluations.WithLabelValues(gate, action).Inc()
}

// RecordDeliberation records a deliberation round and its agreement score.
func (c *Collector) RecordDeliberation(stageID string, consensus bool, agreement float64) {
	if c == nil {
		return
	}
	outcome := "consensus"
	if !consensus {
		outcome = "no_consensus"
	}
	c.deliberationRounds.WithLabelValues(outcome).Inc()
	c.deliberationAgreement.WithLabelValues(stageID).Observe(agreement)
}

// RecordDegradation records one degradation event.
func (c *Collector) RecordDegradation(reason, severity string) {
	if c == nil {
		return
	}
	c.degradationEvents.WithLabelValues(reason, severity).Inc()
}
