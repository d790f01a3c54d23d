package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the prometheus metric bundle for the orchestrator.
type Metrics struct {
	// StreamsStarted counts client streams by terminal status.
	// Labels: status (completed|incomplete|failed)
	StreamsFinished *prometheus.CounterVec

	// ActiveStreams gauges the number of in-flight conversation streams.
	ActiveStreams prometheus.Gauge

	// UpstreamEvents counts parsed upstream events.
	// Labels: type (response.created|...|unrecognized)
	UpstreamEvents *prometheus.CounterVec

	// ToolExecutions counts tool calls by outcome.
	// Labels: server, status (completed|failed)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: server
	ToolExecutionDuration *prometheus.HistogramVec

	// ApprovalOutcomes counts approval resolutions.
	// Labels: resolution (approved|denied|timed_out)
	ApprovalOutcomes *prometheus.CounterVec

	// ToolServerSessions gauges pooled sessions by state.
	// Labels: state (active|error)
	ToolServerSessions *prometheus.GaugeVec

	// PersistenceErrors counts best-effort persistence failures.
	// Labels: operation (conversation|message|tool_call)
	PersistenceErrors *prometheus.CounterVec
}

// NewMetrics registers and returns the metric bundle on the given registerer.
// Passing nil uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		StreamsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_streams_finished_total",
			Help: "Conversation streams finished, by terminal status.",
		}, []string{"status"}),

		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_streams",
			Help: "Conversation streams currently in flight.",
		}),

		UpstreamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_events_total",
			Help: "Upstream provider events parsed, by type.",
		}, []string{"type"}),

		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_executions_total",
			Help: "Tool call executions, by server and outcome.",
		}, []string{"server", "status"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_tool_execution_seconds",
			Help:    "Tool execution latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"server"}),

		ApprovalOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_approval_outcomes_total",
			Help: "Approval request resolutions.",
		}, []string{"resolution"}),

		ToolServerSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_tool_server_sessions",
			Help: "Pooled tool server sessions, by state.",
		}, []string{"state"}),

		PersistenceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_persistence_errors_total",
			Help: "Best-effort persistence failures, by operation.",
		}, []string{"operation"}),
	}
}
