package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments shared across services
type Metrics struct {
	registry *prometheus.Registry

	TasksDispatched   *prometheus.CounterVec
	ResultsReceived   *prometheus.CounterVec
	ResultParseErrors prometheus.Counter
	HandlersActive    prometheus.Gauge
	HandlersExpired   prometheus.Counter

	WorkflowsStarted   prometheus.Counter
	WorkflowsCompleted *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec

	BusPublishes  *prometheus.CounterVec
	DLQMessages   *prometheus.CounterVec
	BreakerState  *prometheus.GaugeVec
	GateFailures  *prometheus.CounterVec
	AgentTasks    *prometheus.CounterVec
	AgentErrors   *prometheus.CounterVec
}

// New creates the metric set on a fresh registry
func New(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	constLabels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		TasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "conductor_tasks_dispatched_total",
			Help:        "Task envelopes published per agent type",
			ConstLabels: constLabels,
		}, []string{"agent_type"}),

		ResultsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "conductor_results_received_total",
			Help:        "Result envelopes received per status",
			ConstLabels: constLabels,
		}, []string{"status"}),

		ResultParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name:        "conductor_result_parse_errors_total",
			Help:        "Result messages that failed to parse",
			ConstLabels: constLabels,
		}),

		HandlersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "conductor_dispatch_handlers_active",
			Help:        "Registered result handlers awaiting completion",
			ConstLabels: constLabels,
		}),

		HandlersExpired: factory.NewCounter(prometheus.CounterOpts{
			Name:        "conductor_dispatch_handlers_expired_total",
			Help:        "Result handlers removed by TTL expiry",
			ConstLabels: constLabels,
		}),

		WorkflowsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "conductor_workflows_started_total",
			Help:        "Workflows started",
			ConstLabels: constLabels,
		}),

		WorkflowsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "conductor_workflows_completed_total",
			Help:        "Workflows reaching a terminal state, per outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "conductor_stage_duration_seconds",
			Help:        "Stage execution duration",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage", "agent_type"}),

		BusPublishes: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "conductor_bus_publishes_total",
			Help:        "Bus publishes per topic",
			ConstLabels: constLabels,
		}, []string{"topic"}),

		DLQMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "conductor_dlq_messages_total",
			Help:        "Messages dead-lettered per topic",
			ConstLabels: constLabels,
		}, []string{"topic"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "conductor_breaker_state",
			Help:        "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			ConstLabels: constLabels,
		}, []string{"name"}),

		GateFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "conductor_gate_failures_total",
			Help:        "Quality gate failures per gate",
			ConstLabels: constLabels,
		}, []string{"gate", "blocking"}),

		AgentTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "conductor_agent_tasks_total",
			Help:        "Tasks processed by agent runtimes",
			ConstLabels: constLabels,
		}, []string{"agent_type", "status"}),

		AgentErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "conductor_agent_errors_total",
			Help:        "Errors raised by agent runtimes",
			ConstLabels: constLabels,
		}, []string{"agent_type"}),
	}
}

// Registry exposes the underlying registry for the /metrics handler
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
