// Package protocol defines the JSON message envelope spoken on the bridge's
// message channel, the canonical signed payload derived from it, and the wire
// error codes.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/promptdock/bridge/internal/identity"
)

// Version identifies the protocol revision announced in the connected
// greeting.
const Version = "1"

// ============================================================================
// MESSAGE TYPES
// ============================================================================

// Client → bridge message types.
const (
	TypePair             = "pair"
	TypeAuthenticate     = "authenticate"
	TypeInitSession      = "init-session"
	TypeStartAgent       = "start-agent-session"
	TypeCreateWorktree   = "create-worktree"
	TypeGitStatus        = "git-status"
	TypeGitCommand       = "git-command"
	TypeExecutePrompt    = "execute-prompt"
	TypeApprovePlan      = "approve-plan"
	TypeRejectPlan       = "reject-plan"
	TypeAbortExecution   = "abort-execution"
	TypeAgentInteraction = "agent-interaction"
	TypeAgentFeedback    = "agent-feedback"
	TypeGeneratePR       = "generate-pr"
	TypeCleanupWorktree  = "cleanup-worktree"
	TypeHealthCheck      = "health-check"
	TypeEmergencyKill    = "emergency-kill"
)

// Bridge → client message types.
const (
	TypeConnected            = "connected"
	TypePairingSuccess       = "pairing-success"
	TypeAuthSuccess          = "auth-success"
	TypeAuthFailed           = "auth-failed"
	TypeTokenRefresh         = "token-refresh"
	TypeAgentsAvailable      = "agents-available"
	TypeGitStatusResult      = "git-status"
	TypeAgentPlan            = "agent-plan"
	TypePlanApproved         = "plan-approved"
	TypePlanRejected         = "plan-rejected"
	TypeAgentOutput          = "agent-output"
	TypeAgentStateChange     = "agent-state-change"
	TypeFileList             = "file-list"
	TypeFileDiff             = "file-diff"
	TypeFileChanged          = "file-changed"
	TypeWorktreeCreated      = "worktree-created"
	TypeWorktreeDeleted      = "worktree-deleted"
	TypeExecutionStarted     = "execution-started"
	TypeExecutionProgress    = "execution-progress"
	TypeExecutionComplete    = "execution-complete"
	TypeExecutionFailed      = "execution-failed"
	TypeExecutionAborted     = "execution-aborted"
	TypePRCreated            = "pr-created"
	TypeHealthStatus         = "health-status"
	TypeEmergencyKillConfirm = "emergency-kill-confirmed"
	TypeError                = "error"
)

// clientTypes is the recognised set of inbound message types.
var clientTypes = map[string]bool{
	TypePair:             true,
	TypeAuthenticate:     true,
	TypeInitSession:      true,
	TypeStartAgent:       true,
	TypeCreateWorktree:   true,
	TypeGitStatus:        true,
	TypeGitCommand:       true,
	TypeExecutePrompt:    true,
	TypeApprovePlan:      true,
	TypeRejectPlan:       true,
	TypeAbortExecution:   true,
	TypeAgentInteraction: true,
	TypeAgentFeedback:    true,
	TypeGeneratePR:       true,
	TypeCleanupWorktree:  true,
	TypeHealthCheck:      true,
	TypeEmergencyKill:    true,
}

// IsClientType reports whether t is a recognised client → bridge type.
func IsClientType(t string) bool {
	return clientTypes[t]
}

// RequiresSession reports whether t may only be dispatched on a connection
// with an active authenticated session.
func RequiresSession(t string) bool {
	switch t {
	case TypePair, TypeAuthenticate, TypeHealthCheck:
		return false
	}
	return true
}

// ============================================================================
// ENVELOPE
// ============================================================================

// Envelope is the wire frame for every message in both directions. Data
// stays raw until the handler for the type decodes it.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
	Nonce     string          `json:"nonce,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// Parse decodes one framed message into an Envelope.
func Parse(raw []byte) (*Envelope, *Error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewError(ErrInvalidMessageFormat, "message is not valid JSON")
	}
	return &env, nil
}

// Validate applies the envelope checks every inbound message must pass:
// non-empty id and type, recognised type, parseable timestamp, freshness
// within maxAge, timestamp not further than skew into the future, and
// signature presence for everything except health-check.
func (e *Envelope) Validate(now time.Time, maxAge, skew time.Duration) *Error {
	if e.ID == "" || e.Type == "" {
		return NewError(ErrInvalidMessageFormat, "id and type are required")
	}
	if !IsClientType(e.Type) {
		return NewError(ErrInvalidMessageFormat, fmt.Sprintf("unknown message type %q", e.Type))
	}

	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return NewError(ErrInvalidMessageFormat, "timestamp is not RFC 3339")
	}
	if now.Sub(ts) > maxAge {
		return NewError(ErrCommandExpired, fmt.Sprintf("command older than %s", maxAge))
	}
	if ts.Sub(now) > skew {
		return NewError(ErrCommandFromFuture, "command timestamp is in the future")
	}

	if e.Signature == "" && e.Type != TypeHealthCheck {
		return NewError(ErrMissingSignature, "signature is required for this message type")
	}
	return nil
}

// SignedPayload builds the byte sequence a signature covers: the canonical
// form of {type, timestamp, nonce-or-null, data-or-{}}.
func (e *Envelope) SignedPayload() ([]byte, error) {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	var nonce *string
	if e.Nonce != "" {
		nonce = &e.Nonce
	}
	return identity.Canonicalize(struct {
		Type      string          `json:"type"`
		Timestamp string          `json:"timestamp"`
		Nonce     *string         `json:"nonce"`
		Data      json.RawMessage `json:"data"`
	}{e.Type, e.Timestamp, nonce, data})
}

// VerifySignature checks the envelope signature against a PEM public key.
func (e *Envelope) VerifySignature(publicKeyPEM string) bool {
	payload, err := e.SignedPayload()
	if err != nil {
		return false
	}
	return identity.Verify(payload, e.Signature, publicKeyPEM)
}

// Fingerprint computes the replay-cache fingerprint for this envelope.
func (e *Envelope) Fingerprint() (string, error) {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return identity.CanonicalFingerprint(e.ID, data)
}

// ============================================================================
// OUTBOUND CONSTRUCTION
// ============================================================================

// NewReply builds an outbound envelope of the given type with a fresh id
// and timestamp. Outbound frames are unsigned.
func NewReply(msgType string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s data: %w", msgType, err)
	}
	return &Envelope{
		ID:        identity.RandomHex(8),
		Type:      msgType,
		Data:      raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// NewErrorReply builds the error envelope for a faulted command, echoing the
// offending message id when available.
func NewErrorReply(echoID string, werr *Error) *Envelope {
	raw, _ := json.Marshal(struct {
		Error      string `json:"error"`
		Code       string `json:"code"`
		RetryAfter int    `json:"retryAfter,omitempty"`
	}{werr.Message, werr.Code, werr.RetryAfter})
	return &Envelope{
		ID:        echoID,
		Type:      TypeError,
		Data:      raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
