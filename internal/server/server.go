// Package server exposes the bridge's two listeners: the HTTP control
// surface (pairing, health, operator endpoints, metrics) and the WebSocket
// message channel remote apps drive agents through.
package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/promptdock/bridge/internal/agent"
	"github.com/promptdock/bridge/internal/audit"
	"github.com/promptdock/bridge/internal/config"
	"github.com/promptdock/bridge/internal/coordinator"
	"github.com/promptdock/bridge/internal/identity"
	"github.com/promptdock/bridge/internal/metrics"
	"github.com/promptdock/bridge/internal/pairing"
	"github.com/promptdock/bridge/internal/plan"
	"github.com/promptdock/bridge/internal/session"
	"github.com/promptdock/bridge/internal/workspace"
)

// Deps carries everything a Server needs. All fields are required except
// Gatherer, which defaults to the prometheus default gatherer.
type Deps struct {
	Config   *config.Config
	Identity *identity.Identity
	Pairings *pairing.Registry
	Sessions *session.Store
	Plans    *plan.Registry
	Coord    *coordinator.Coordinator
	Agents   *agent.Supervisor
	Work     workspace.Adapter
	Audit    *audit.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Version  string
}

// Server serves both listeners from one shared state.
type Server struct {
	cfg      *config.Config
	id       *identity.Identity
	pairings *pairing.Registry
	sessions *session.Store
	plans    *plan.Registry
	coord    *coordinator.Coordinator
	agents   *agent.Supervisor
	work     workspace.Adapter
	audit    *audit.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	version   string
	startedAt time.Time
	origins   map[string]bool
}

// New builds a Server. The origin allow-list is frozen at construction.
func New(deps Deps) *Server {
	origins := make(map[string]bool)
	for _, o := range deps.Config.EffectiveOrigins() {
		origins[o] = true
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:       deps.Config,
		id:        deps.Identity,
		pairings:  deps.Pairings,
		sessions:  deps.Sessions,
		plans:     deps.Plans,
		coord:     deps.Coord,
		agents:    deps.Agents,
		work:      deps.Work,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		gatherer:  gatherer,
		version:   deps.Version,
		startedAt: time.Now(),
		origins:   origins,
	}
}

// originAllowed checks one Origin header value against the allow-list.
// The empty origin (non-browser client) is never allowed on the message
// channel; HTTP middleware treats absence separately.
func (s *Server) originAllowed(origin string) bool {
	return s.origins[origin]
}

// uptime reports whole seconds since the server was built.
func (s *Server) uptime() int {
	return int(time.Since(s.startedAt).Seconds())
}

// emergencyKill is the shared kill-switch: every execution aborted, every
// session revoked, one audit trail entry. Used by both the operator HTTP
// endpoint and the authenticated message-channel command.
func (s *Server) emergencyKill(reason string) (sessions, executions []string) {
	if reason == "" {
		reason = "emergency kill"
	}
	executions = s.coord.EmergencyStop(reason)
	sessions = s.sessions.EmergencyKill(reason)
	s.metrics.ActiveSessions.Set(0)
	if executions == nil {
		executions = []string{}
	}
	if sessions == nil {
		sessions = []string{}
	}
	return sessions, executions
}
