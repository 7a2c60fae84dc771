// Package audit appends security-relevant events to an owner-only JSON-lines
// file. One object per line: {timestamp, action, data}.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Actions recorded by the bridge.
const (
	ActionSessionCreated   = "session_created"
	ActionSessionRevoked   = "session_revoked"
	ActionReplayDetected   = "replay_attack_detected"
	ActionSignatureFailed  = "signature_verification_failed"
	ActionEmergencyKill    = "emergency_kill_switch"
	ActionAgentHardKill    = "agent_hard_killed"
	ActionPairingRedeemed  = "pairing_code_redeemed"
	ActionExecutionStarted = "execution_started"
	ActionExecutionEnded   = "execution_ended"
)

// Event is one audit record.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Data      map[string]any `json:"data"`
}

// Logger serialises audit events onto a single writer. Safe for concurrent
// use.
type Logger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// New returns a Logger writing to w.
func New(w io.Writer) *Logger {
	return &Logger{w: w}
}

// Open appends to the audit file at path, creating it 0600 if absent.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &Logger{w: f, closer: f}, nil
}

// Log appends one event. Write failures are reported to the process log and
// otherwise swallowed.
func (l *Logger) Log(action string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	event := Event{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Data:      data,
	}

	line, err := json.Marshal(event)
	if err != nil {
		slog.Error("[Audit] Failed to marshal event", "action", action, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		slog.Error("[Audit] Failed to write event", "action", action, "error", err)
	}
}

// Close releases the underlying file, if Logger owns one.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
