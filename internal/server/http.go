package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router builds the HTTP control surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.originMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/pairing/generate", s.handlePairingGenerate).Methods(http.MethodPost)
	r.HandleFunc("/api/pairing/verify", s.handlePairingVerify).Methods(http.MethodPost)
	r.HandleFunc("/api/agents", s.handleAgents).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}", s.handleRevokeSession).Methods(http.MethodDelete)
	r.HandleFunc("/api/git/status", s.handleGitStatusHTTP).Methods(http.MethodGet)
	r.HandleFunc("/api/emergency-kill", s.handleEmergencyKillHTTP).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// WSHandler serves the message channel on its own listener.
func (s *Server) WSHandler() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("/", s.HandleMessageChannel)
	return m
}

// originMiddleware rejects browser requests from outside the allow-list.
// Requests without an Origin header (curl, local tooling) pass through; the
// browser is the threat model here, not the local operator.
func (s *Server) originMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !s.originAllowed(origin) {
				slog.Warn("[Server] Rejected HTTP origin", "origin", origin, "path", r.URL.Path)
				writeJSON(w, http.StatusForbidden, map[string]any{
					"error": "origin not allowed",
					"code":  "ORIGIN_NOT_ALLOWED",
				})
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[Server] Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime":         s.uptime(),
		"activeSessions": s.sessions.Count(),
		"pendingPlans":   s.plans.Count(),
	})
}

// handlePairingGenerate issues a pairing code for display to the user. The
// local app calls this; the remote app redeems the code.
func (s *Server) handlePairingGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppName string `json:"appName"`
		AppURL  string `json:"appUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if req.AppName == "" || req.AppURL == "" {
		writeError(w, http.StatusBadRequest, "appName and appUrl are required")
		return
	}

	code, err := s.pairings.Issue(req.AppName, req.AppURL, s.id.PublicKeyPEM())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue pairing code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":            code.Code,
		"expiresAt":       code.ExpiresAt.UTC().Format(time.RFC3339),
		"bridgePublicKey": code.BridgePublicKey,
	})
}

// handlePairingVerify redeems a code out-of-band and mints the session the
// app will authenticate the message channel with.
func (s *Server) handlePairingVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code            string `json:"code"`
		ClientPublicKey string `json:"clientPublicKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	red, ok := s.pairings.Redeem(req.Code, req.ClientPublicKey)
	if !ok {
		writeError(w, http.StatusBadRequest, "pairing code invalid, expired, or already used")
		return
	}

	sess, err := s.sessions.Create(red)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":       sess.ID,
		"token":           sess.Token,
		"bridgePublicKey": s.id.PublicKeyPEM(),
		"expiresAt":       sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.agents.List()})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		ID           string    `json:"id"`
		AppName      string    `json:"appName"`
		CreatedAt    time.Time `json:"createdAt"`
		LastActivity time.Time `json:"lastActivity"`
	}
	list := s.sessions.List()
	out := make([]entry, 0, len(list))
	for _, sess := range list {
		out = append(out, entry{sess.ID, sess.AppName, sess.CreatedAt, sess.LastActivity})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.sessions.Revoke(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.coord.CancelForSession(id)
	s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))
	writeJSON(w, http.StatusOK, map[string]any{"revoked": id})
}

func (s *Server) handleGitStatusHTTP(w http.ResponseWriter, r *http.Request) {
	workdir := r.URL.Query().Get("workdir")
	if workdir == "" {
		writeError(w, http.StatusBadRequest, "workdir query parameter is required")
		return
	}
	status, err := s.work.Status(workdir)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read workspace status")
		return
	}
	writeJSON(w, http.StatusOK, gitStatusData(workdir, status))
}

// handleEmergencyKillHTTP is the operator's out-of-band kill switch: no
// session, no signature, localhost HTTP only.
func (s *Server) handleEmergencyKillHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	sessions, executions := s.emergencyKill(req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{
		"terminatedSessions": sessions,
		"abortedExecutions":  executions,
	})
}
