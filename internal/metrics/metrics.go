package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cpas_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
		[]string{"priority"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cpas_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal state",
		},
		[]string{"status"},
	)

	TasksRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cpas_tasks_retried_total",
			Help: "Total number of tasks requeued after a transient failure",
		},
	)

	TasksPromoted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cpas_tasks_promoted_total",
			Help: "Total number of tasks promoted by the starvation guard",
		},
	)

	TaskQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cpas_task_queue_depth",
			Help: "Current number of pending tasks per priority tier",
		},
		[]string{"priority"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cpas_task_duration_seconds",
			Help:    "Task duration from submission to terminal state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"priority", "status"},
	)

	// Registry metrics
	AgentsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cpas_agents_registered",
			Help: "Number of agents currently registered",
		},
	)

	AgentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cpas_agent_outcomes_total",
			Help: "Total number of task outcomes reported per agent",
		},
		[]string{"agent_id", "outcome"},
	)

	AgentsFlippedToError = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cpas_agents_error_flips_total",
			Help: "Total number of agents flipped to error status after consecutive failures",
		},
	)

	// Reasoning metrics
	ReasoningChains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cpas_reasoning_chains_total",
			Help: "Total number of reasoning chains by terminal level",
		},
		[]string{"terminal_level", "degraded"},
	)

	ReasoningEscalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cpas_reasoning_escalations_total",
			Help: "Total number of level escalations performed by the reasoning engine",
		},
		[]string{"from_level", "to_level"},
	)

	ReasoningStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cpas_reasoning_step_duration_seconds",
			Help:    "Duration of a single reasoning step",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"level"},
	)

	// Investigation metrics
	InvestigationsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cpas_investigations_started_total",
			Help: "Total number of investigations started",
		},
		[]string{"type"},
	)

	InvestigationsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cpas_investigations_completed_total",
			Help: "Total number of investigations that reached a terminal state",
		},
		[]string{"type", "status"},
	)

	ModuleResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cpas_intel_module_results_total",
			Help: "Total number of intelligence module results by outcome",
		},
		[]string{"module", "outcome"},
	)

	ModuleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cpas_intel_module_duration_seconds",
			Help:    "Intelligence module call duration",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"module"},
	)

	AggregateConfidence = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cpas_investigation_confidence",
			Help:    "Aggregate confidence of completed investigations",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
		[]string{"type"},
	)

	// Context store metrics
	ContextsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cpas_contexts_created_total",
			Help: "Total number of conversation contexts created",
		},
	)

	ContextCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cpas_context_cache_hits_total",
			Help: "Total number of context local cache hits",
		},
	)

	ContextCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cpas_context_cache_misses_total",
			Help: "Total number of context local cache misses",
		},
	)

	ContextCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cpas_context_cache_size",
			Help: "Current number of contexts in the local cache",
		},
	)

	ContextCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cpas_context_cache_evictions_total",
			Help: "Total number of contexts evicted from the local cache",
		},
	)

	// Collaborator metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cpas_llm_requests_total",
			Help: "Total number of language model requests",
		},
		[]string{"model", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cpas_llm_latency_seconds",
			Help:    "Language model request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cpas_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Storage metrics
	StorageWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cpas_storage_writes_total",
			Help: "Total number of storage writes by entity type",
		},
		[]string{"entity", "status"},
	)
)

// RecordTaskTerminal records the terminal state of a task in one place so
// counters and histograms stay consistent.
func RecordTaskTerminal(priority, status string, durationSeconds float64) {
	TasksCompleted.WithLabelValues(status).Inc()
	TaskDuration.WithLabelValues(priority, status).Observe(durationSeconds)
}

// RecordModuleResult records a single intelligence module outcome.
func RecordModuleResult(module, outcome string, durationSeconds float64) {
	ModuleResults.WithLabelValues(module, outcome).Inc()
	ModuleDuration.WithLabelValues(module).Observe(durationSeconds)
}

// RecordLLMRequest records a language model call outcome.
func RecordLLMRequest(model, status string, durationSeconds float64) {
	LLMRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		LLMLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}
