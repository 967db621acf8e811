package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportflow_workflow_runs_total",
			Help: "Workflow runs by outcome (compiled, suspended, failed, cancelled)",
		},
		[]string{"outcome"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reportflow_workflow_duration_seconds",
			Help:    "Time from Run/Resume call to return",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"entry"},
	)

	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportflow_stage_transitions_total",
			Help: "Executor stage transitions",
		},
		[]string{"from", "to"},
	)

	CheckpointWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportflow_checkpoint_writes_total",
			Help: "Checkpoint writes by stage and result",
		},
		[]string{"stage", "result"},
	)

	// Unit metrics
	UnitOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportflow_unit_outcomes_total",
			Help: "Research units reaching a terminal status",
		},
		[]string{"status", "source"},
	)

	UnitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reportflow_unit_duration_seconds",
			Help:    "Research pipeline duration per unit",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	QueriesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reportflow_queries_rejected_total",
			Help: "Candidate queries scoring below the acceptance threshold",
		},
	)

	// Search metrics
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportflow_provider_calls_total",
			Help: "Search provider calls by result (hit, empty, error, timeout)",
		},
		[]string{"provider", "result"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reportflow_provider_latency_seconds",
			Help:    "Search provider call latency",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"provider"},
	)

	SearchExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reportflow_search_exhausted_total",
			Help: "Queries for which every provider failed",
		},
	)

	BulkheadInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reportflow_search_bulkhead_in_use",
			Help: "Search slots currently held",
		},
	)

	BulkheadWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reportflow_search_bulkhead_wait_seconds",
			Help:    "Time spent waiting for a search slot",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30},
		},
	)

	ComplexityScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reportflow_query_complexity_score",
			Help:    "Complexity score per query when adaptive selection is on",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
	)

	// Approval metrics
	ApprovalDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportflow_approval_decisions_total",
			Help: "Approval gate outcomes",
		},
		[]string{"decision", "cause"},
	)

	// Content generator metrics
	GeneratorCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportflow_generator_calls_total",
			Help: "Content generator calls by result",
		},
		[]string{"model", "result"},
	)

	GeneratorRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportflow_generator_retries_total",
			Help: "Content generator retries after transient errors",
		},
		[]string{"model"},
	)

	// Event metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportflow_events_published_total",
			Help: "Streaming events published by type",
		},
		[]string{"type"},
	)
)
