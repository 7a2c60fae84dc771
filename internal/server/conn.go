package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/promptdock/bridge/internal/agent"
	"github.com/promptdock/bridge/internal/audit"
	"github.com/promptdock/bridge/internal/protocol"
	"github.com/promptdock/bridge/internal/session"
	"github.com/promptdock/bridge/internal/workspace"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 512 * 1024       // 512KB max message size per frame
	sendBuffer = 256              // Per-connection outbound channel buffer
)

// upgrader accepts every origin at the HTTP layer; the allow-list decision
// happens after the upgrade so the client gets a WebSocket close frame it
// can read instead of an opaque handshake failure.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// conn is one message-channel connection. All writes go through the send
// channel into writePump; readPump owns all reads. The mutex guards the
// session binding and the per-connection defaults set by init-session.
type conn struct {
	srv  *Server
	sock *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu          sync.Mutex
	sess        session.Session
	authed      bool
	workdir     string
	agentKind   agent.Kind
	worktree    *workspace.Worktree
	unsubscribe func()
}

// HandleMessageChannel upgrades the request, applies the origin gate, greets
// the client and starts the pumps.
func (s *Server) HandleMessageChannel(w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Server] WebSocket upgrade failed", "error", err)
		return
	}

	origin := r.Header.Get("Origin")
	if !s.originAllowed(origin) {
		slog.Warn("[Server] Rejected connection origin", "origin", origin)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Origin not allowed")
		sock.WriteControl(websocket.CloseMessage, msg, deadline)
		sock.Close()
		return
	}

	c := &conn{
		srv:  s,
		sock: sock,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	s.metrics.ActiveConnections.Inc()
	slog.Info("[Server] Client connected", "origin", origin)

	c.enqueueReply(protocol.TypeConnected, map[string]any{
		"version":         s.version,
		"protocolVersion": protocol.Version,
	})
	go c.writePump()
	go c.readPump()
}

// close shuts the connection down exactly once: agent work owned by the
// session is cancelled, the event subscription released, the socket closed.
// The session itself survives until expiry so the app can reconnect.
func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)

		c.mu.Lock()
		authed := c.authed
		sessID := c.sess.ID
		unsubscribe := c.unsubscribe
		c.unsubscribe = nil
		c.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		if authed {
			c.srv.coord.CancelForSession(sessID)
		}
		c.sock.Close()
		c.srv.metrics.ActiveConnections.Dec()
		slog.Info("[Server] Client disconnected", "session_id", sessID)
	})
}

// writePump serialises all writes to the socket: queued messages and pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump owns all reads and feeds every frame through the admission
// pipeline.
func (c *conn) readPump() {
	defer c.close()

	c.sock.SetReadLimit(maxMsgSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[Server] Read failed", "error", err)
			}
			return
		}
		c.handleMessage(raw)
	}
}

// ============================================================================
// OUTBOUND
// ============================================================================

// enqueue pushes one framed message onto the send channel. A client that
// stops draining loses overflow, never ordering.
func (c *conn) enqueue(raw []byte) {
	select {
	case c.send <- raw:
	case <-c.done:
	default:
		slog.Warn("[Server] Client slow, dropping message")
	}
}

func (c *conn) enqueueEnvelope(env *protocol.Envelope) {
	raw, err := marshalEnvelope(env)
	if err != nil {
		slog.Error("[Server] Failed to marshal envelope", "type", env.Type, "error", err)
		return
	}
	c.enqueue(raw)
}

func (c *conn) enqueueReply(msgType string, data any) {
	env, err := protocol.NewReply(msgType, data)
	if err != nil {
		slog.Error("[Server] Failed to build reply", "type", msgType, "error", err)
		return
	}
	c.enqueueEnvelope(env)
}

// fail emits the error envelope for a rejected command, records the
// rejection, and audits adversarial faults.
func (c *conn) fail(echoID string, werr *protocol.Error) {
	c.srv.metrics.RecordRejection(werr.Code)
	// Replays are audited inside the session store; signature faults here.
	if werr.Code == protocol.ErrInvalidSignature {
		c.mu.Lock()
		sessID := c.sess.ID
		c.mu.Unlock()
		c.srv.audit.Log(audit.ActionSignatureFailed, map[string]any{
			"sessionId": sessID,
			"commandId": echoID,
		})
	}
	c.enqueueEnvelope(protocol.NewErrorReply(echoID, werr))
	if werr.Fatal() {
		c.close()
	}
}

// ============================================================================
// SESSION BINDING
// ============================================================================

// bind attaches an authenticated session to this connection and starts the
// single event consumer that funnels coordinator events into the send
// channel.
func (c *conn) bind(sess session.Session) {
	events, cancel := c.srv.coord.Bus().Subscribe(sess.ID)

	c.mu.Lock()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.sess = sess
	c.authed = true
	c.unsubscribe = cancel
	c.mu.Unlock()

	go c.pumpEvents(events)
}

func (c *conn) session() (session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess, c.authed
}

func (c *conn) setSession(sess session.Session) {
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
}

func (c *conn) clearSession() {
	c.mu.Lock()
	c.authed = false
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// defaults returns the workdir and agent kind set by init-session, falling
// back to the configured preferred agent.
func (c *conn) defaults() (string, agent.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kind := c.agentKind
	if kind == "" {
		kind = agent.Kind(c.srv.cfg.Agents.Preferred)
	}
	if kind == "" {
		kind = agent.KindClaude
	}
	return c.workdir, kind
}

// ============================================================================
// ADMISSION PIPELINE
// ============================================================================

// handleMessage runs one inbound frame through parse, envelope validation,
// and the per-type admission path.
func (c *conn) handleMessage(raw []byte) {
	srv := c.srv

	env, werr := protocol.Parse(raw)
	if werr != nil {
		c.fail("", werr)
		return
	}
	if werr := env.Validate(time.Now(), srv.cfg.CommandTimeout(), srv.cfg.ClockSkewTolerance()); werr != nil {
		c.fail(env.ID, werr)
		return
	}

	switch env.Type {
	case protocol.TypePair:
		c.handlePair(env)
	case protocol.TypeAuthenticate:
		c.handleAuthenticate(env)
	case protocol.TypeHealthCheck:
		// A signed health-check on a bound session counts against the
		// session's rate window like any other command; the unauthenticated
		// keepalive stays limit-free.
		if _, ok := c.session(); ok && env.Signature != "" {
			c.handleSessionCommand(env)
			return
		}
		c.handleHealthCheck(env)
	default:
		c.handleSessionCommand(env)
	}
}

// handleSessionCommand applies the session-scoped admission path: bound
// session, signature verification against the session's client key, activity
// refresh (relaying any rotated token), then the atomic rate-and-replay
// admission, then the handler.
func (c *conn) handleSessionCommand(env *protocol.Envelope) {
	srv := c.srv

	sess, ok := c.session()
	if !ok {
		c.fail(env.ID, protocol.NewError(protocol.ErrNotAuthenticated, "authenticate first"))
		return
	}

	// Verification comes before any store mutation: a frame that fails it
	// must not slide the expiry window or trigger a token rotation. The
	// client key is fixed for the session's life, so the bound snapshot is
	// current.
	if !env.VerifySignature(sess.ClientPublicKey) {
		srv.metrics.RecordCommand(env.Type, false)
		c.fail(env.ID, protocol.NewError(protocol.ErrInvalidSignature, "signature verification failed"))
		return
	}

	refreshed, rotated, err := srv.sessions.Refresh(sess.ID)
	if err != nil {
		c.clearSession()
		c.fail(env.ID, protocol.NewError(protocol.ErrSessionExpired, "session expired, pair or authenticate again"))
		return
	}
	if rotated {
		c.enqueueReply(protocol.TypeTokenRefresh, map[string]any{
			"sessionId": refreshed.ID,
			"token":     refreshed.Token,
		})
	}
	c.setSession(refreshed)

	fp, err := env.Fingerprint()
	if err != nil {
		c.fail(env.ID, protocol.Internal(err))
		return
	}
	if werr := srv.sessions.Admit(refreshed.ID, env.ID, fp); werr != nil {
		srv.metrics.RecordCommand(env.Type, false)
		c.fail(env.ID, werr)
		return
	}
	defer srv.sessions.Done(refreshed.ID)

	srv.metrics.RecordCommand(env.Type, true)
	c.dispatch(env, refreshed)
}
