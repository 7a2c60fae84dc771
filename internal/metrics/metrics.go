// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bridge daemon.
type Metrics struct {
	// Admission metrics
	CommandsTotal   *prometheus.CounterVec
	RejectionsTotal *prometheus.CounterVec

	// Session metrics
	ActiveSessions    prometheus.Gauge
	ActiveConnections prometheus.Gauge

	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	PlansTotal        *prometheus.CounterVec

	// Agent metrics
	AgentSpawnsTotal *prometheus.CounterVec
	AgentOutputBytes *prometheus.CounterVec
}

// New creates and registers all metrics on reg. Pass
// prometheus.DefaultRegisterer outside of tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_commands_total",
				Help: "Commands processed on the message channel",
			},
			[]string{"type", "outcome"}, // outcome: admitted, rejected
		),

		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_rejections_total",
				Help: "Commands rejected, by wire error code",
			},
			[]string{"code"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_active_sessions",
				Help: "Live authenticated sessions",
			},
		),

		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_active_connections",
				Help: "Open message-channel connections",
			},
		),

		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_executions_total",
				Help: "Executions by terminal status",
			},
			[]string{"status"}, // status: completed, failed, aborted
		),

		ExecutionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bridge_execution_duration_seconds",
				Help:    "Wall-clock duration of executions",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),

		PlansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_plans_total",
				Help: "Plan lifecycle events",
			},
			[]string{"event"}, // event: proposed, approved, rejected, executed, expired
		),

		AgentSpawnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_agent_spawns_total",
				Help: "Agent subprocesses spawned",
			},
			[]string{"agent", "mode"}, // mode: plan, execute
		),

		AgentOutputBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_agent_output_bytes_total",
				Help: "Bytes streamed from agent subprocesses",
			},
			[]string{"stream"}, // stream: stdout, stderr
		),
	}
}

// RecordCommand records one processed command.
func (m *Metrics) RecordCommand(msgType string, admitted bool) {
	outcome := "admitted"
	if !admitted {
		outcome = "rejected"
	}
	m.CommandsTotal.WithLabelValues(msgType, outcome).Inc()
}

// RecordRejection records a rejection by wire code.
func (m *Metrics) RecordRejection(code string) {
	m.RejectionsTotal.WithLabelValues(code).Inc()
}

// RecordExecution records a terminal execution outcome.
func (m *Metrics) RecordExecution(status string, seconds float64) {
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(seconds)
}

// RecordPlanEvent records one plan lifecycle event.
func (m *Metrics) RecordPlanEvent(event string) {
	m.PlansTotal.WithLabelValues(event).Inc()
}

// RecordAgentSpawn records one subprocess launch.
func (m *Metrics) RecordAgentSpawn(agent, mode string) {
	m.AgentSpawnsTotal.WithLabelValues(agent, mode).Inc()
}

// RecordAgentOutput records streamed output volume.
func (m *Metrics) RecordAgentOutput(stream string, bytes int) {
	m.AgentOutputBytes.WithLabelValues(stream).Add(float64(bytes))
}
