// Package session tracks authenticated remote apps: bearer-token identity,
// sliding expiry, token rotation, the replay cache, and per-session rate
// admission. Every mutation happens under the store lock; callers only ever
// see value snapshots.
package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/promptdock/bridge/internal/audit"
	"github.com/promptdock/bridge/internal/identity"
	"github.com/promptdock/bridge/internal/pairing"
	"github.com/promptdock/bridge/internal/protocol"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// Session is a caller-visible snapshot of one authenticated app.
type Session struct {
	ID              string    `json:"id"`
	AppName         string    `json:"appName"`
	AppURL          string    `json:"appUrl"`
	ClientPublicKey string    `json:"-"`
	Token           string    `json:"-"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	LastActivity    time.Time `json:"lastActivity"`
	TokenIssuedAt   time.Time `json:"-"`
	PendingCommands int       `json:"pendingCommands"`
}

// record is the stored, mutable state behind a Session snapshot.
type record struct {
	Session
	fingerprints map[string]struct{}
	order        []string
	rate         rateState
}

// Store owns all live sessions.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*record

	tokens       *tokenManager
	audit        *audit.Logger
	timeout      time.Duration
	maxPerMinute int
	now          func() time.Time
}

// Options configures a Store.
type Options struct {
	SessionTimeout       time.Duration
	MaxCommandsPerMinute int
	Audit                *audit.Logger
}

// NewStore builds an empty session store.
func NewStore(opts Options) *Store {
	return &Store{
		sessions:     make(map[string]*record),
		tokens:       newTokenManager(),
		audit:        opts.Audit,
		timeout:      opts.SessionTimeout,
		maxPerMinute: opts.MaxCommandsPerMinute,
		now:          time.Now,
	}
}

// refreshThreshold is the token age that triggers rotation.
func (s *Store) refreshThreshold() time.Duration {
	return min(s.timeout/2, 15*time.Minute)
}

// Create allocates a session for a redeemed pairing code: fresh 128-bit id,
// fresh bearer token, seeded rate state.
func (s *Store) Create(red *pairing.Redemption) (Session, error) {
	now := s.now()
	id := identity.RandomHex(16)

	token, err := s.tokens.issue(id, red.AppName, red.AppURL, now)
	if err != nil {
		return Session{}, err
	}

	rec := &record{
		Session: Session{
			ID:              id,
			AppName:         red.AppName,
			AppURL:          red.AppURL,
			ClientPublicKey: red.ClientPublicKey,
			Token:           token,
			CreatedAt:       now,
			ExpiresAt:       now.Add(s.timeout),
			LastActivity:    now,
			TokenIssuedAt:   now,
		},
		fingerprints: make(map[string]struct{}),
		rate:         rateState{windowResetAt: now.Add(rateWindow)},
	}

	s.mu.Lock()
	s.sessions[id] = rec
	s.mu.Unlock()

	s.audit.Log(audit.ActionSessionCreated, map[string]any{
		"sessionId": id,
		"appName":   red.AppName,
		"appUrl":    red.AppURL,
	})
	slog.Info("[Session] Created", "session_id", id, "app_name", red.AppName)
	return rec.Session, nil
}

// ResolveByToken authenticates a presented bearer token: signature and
// expiry, session existence, and that the token is the session's current
// one. Success counts as activity, slides the expiry window, and rotates the
// token when it is older than the refresh threshold. The returned snapshot
// carries the latest token; rotated reports whether it differs from the one
// presented.
func (s *Store) ResolveByToken(token string) (Session, bool, error) {
	claims, err := s.tokens.parse(token)
	if err != nil {
		return Session{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[claims.SID]
	if !ok {
		return Session{}, false, ErrSessionNotFound
	}
	if !identity.SecureCompare(rec.Token, token) {
		// A rotated-out token no longer validates
		return Session{}, false, ErrTokenInvalid
	}
	return s.touchLocked(rec)
}

// PeekByToken resolves a token to its session without counting activity or
// rotating. Used to select the signature verification key before any state
// change happens.
func (s *Store) PeekByToken(token string) (Session, error) {
	claims, err := s.tokens.parse(token)
	if err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[claims.SID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !identity.SecureCompare(rec.Token, token) {
		return Session{}, ErrTokenInvalid
	}
	if s.now().After(rec.ExpiresAt) {
		return Session{}, ErrSessionExpired
	}
	return rec.Session, nil
}

// Refresh counts activity on an already-authenticated session: bumps
// lastActivity, slides expiresAt, rotates the token when due.
func (s *Store) Refresh(sessionID string) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false, ErrSessionNotFound
	}
	return s.touchLocked(rec)
}

func (s *Store) touchLocked(rec *record) (Session, bool, error) {
	now := s.now()
	if now.After(rec.ExpiresAt) {
		delete(s.sessions, rec.ID)
		return Session{}, false, ErrSessionExpired
	}

	rec.LastActivity = now
	rec.ExpiresAt = now.Add(s.timeout)

	rotated := false
	if now.Sub(rec.TokenIssuedAt) >= s.refreshThreshold() {
		token, err := s.tokens.issue(rec.ID, rec.AppName, rec.AppURL, now)
		if err != nil {
			return Session{}, false, err
		}
		rec.Token = token
		rec.TokenIssuedAt = now
		rotated = true
		slog.Info("[Session] Rotated token", "session_id", rec.ID)
	}
	return rec.Session, rotated, nil
}

// Admit makes the single atomic admission decision for one command:
// rate window first, then the replay cache, then bookkeeping (fingerprint
// recorded, pending count bumped, expiry slid).
func (s *Store) Admit(sessionID, commandID, fingerprint string) *protocol.Error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		return protocol.NewError(protocol.ErrNotAuthenticated, "no active session")
	}

	outcome := rec.rate.admit(now, s.maxPerMinute)
	if !outcome.allowed {
		retry := int(outcome.retryAfter.Round(time.Second) / time.Second)
		werr := protocol.NewErrorf(protocol.ErrRateLimitExceeded, "rate limit exceeded, retry in %ds", retry)
		werr.RetryAfter = retry
		return werr
	}

	if _, seen := rec.fingerprints[fingerprint]; seen {
		s.audit.Log(audit.ActionReplayDetected, map[string]any{
			"sessionId": sessionID,
			"commandId": commandID,
		})
		slog.Warn("[Session] Replay detected", "session_id", sessionID, "command_id", commandID)
		return protocol.NewError(protocol.ErrReplayDetected, "command replay detected")
	}

	rec.fingerprints[fingerprint] = struct{}{}
	rec.order = append(rec.order, fingerprint)
	if len(rec.order) > replayCapacity {
		delete(rec.fingerprints, rec.order[0])
		rec.order = rec.order[1:]
	}

	rec.PendingCommands++
	rec.LastActivity = now
	rec.ExpiresAt = now.Add(s.timeout)
	return nil
}

// Done marks one admitted command as finished.
func (s *Store) Done(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[sessionID]; ok && rec.PendingCommands > 0 {
		rec.PendingCommands--
	}
}

// Get returns a snapshot of one session.
func (s *Store) Get(sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.Session, true
}

// List returns snapshots of all live sessions, oldest first.
func (s *Store) List() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec.Session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Revoke removes one session. Reports whether it existed.
func (s *Store) Revoke(sessionID string) bool {
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if ok {
		s.audit.Log(audit.ActionSessionRevoked, map[string]any{"sessionId": sessionID})
		slog.Info("[Session] Revoked", "session_id", sessionID)
	}
	return ok
}

// EmergencyKill drains every session atomically and returns the ids that
// were terminated.
func (s *Store) EmergencyKill(reason string) []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.sessions = make(map[string]*record)
	s.mu.Unlock()

	sort.Strings(ids)
	s.audit.Log(audit.ActionEmergencyKill, map[string]any{
		"reason":   reason,
		"sessions": ids,
	})
	slog.Warn("[Session] Emergency kill switch", "reason", reason, "terminated", len(ids))
	return ids
}

// Sweep removes expired sessions and returns how many were dropped.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for id, rec := range s.sessions {
		if now.After(rec.ExpiresAt) {
			delete(s.sessions, id)
			dropped++
		}
	}
	if dropped > 0 {
		slog.Info("[Session] Swept expired sessions", "count", dropped)
	}
	return dropped
}
