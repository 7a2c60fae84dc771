package protocol

import (
	"fmt"
	"log/slog"
)

// Wire error codes. Short, stable identifiers carried in every error
// envelope's data.code field.
const (
	// Codec faults
	ErrInvalidMessageFormat = "INVALID_MESSAGE_FORMAT"
	ErrMissingSignature     = "MISSING_SIGNATURE"
	ErrInvalidSignature     = "INVALID_SIGNATURE"

	// Session-layer faults
	ErrNotAuthenticated = "NOT_AUTHENTICATED"
	ErrSessionExpired   = "SESSION_EXPIRED"

	// Admission faults
	ErrRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrReplayDetected    = "REPLAY_DETECTED"
	ErrCommandExpired    = "COMMAND_EXPIRED"
	ErrCommandFromFuture = "COMMAND_FROM_FUTURE"

	// Transport faults
	ErrOriginNotAllowed = "ORIGIN_NOT_ALLOWED"

	// Plan state-machine faults
	ErrPlanNotFound          = "PLAN_NOT_FOUND"
	ErrPlanNotApproved       = "PLAN_NOT_APPROVED"
	ErrPlanOwnershipViolated = "PLAN_OWNERSHIP_VIOLATION"
	ErrPlanAlreadyExecuted   = "PLAN_ALREADY_EXECUTED"
	ErrPlanStateInvalid      = "PLAN_STATE_INVALID"

	// Coordinator faults
	ErrExecutionNotFound        = "EXECUTION_NOT_FOUND"
	ErrExecutionAlreadyTerminal = "EXECUTION_ALREADY_TERMINAL"

	// Supervisor faults
	ErrAgentNotAvailable = "AGENT_NOT_AVAILABLE"
	ErrAgentTimeout      = "AGENT_TIMEOUT"
	ErrAgentCrashed      = "AGENT_CRASHED"

	// Workspace faults
	ErrWorkspace = "WORKSPACE_ERROR"

	// Last resort
	ErrInternal = "INTERNAL"
)

// Error is a wire-level fault: a stable code plus a human-readable message.
// It satisfies the error interface so handlers can return it directly.
// RetryAfter (seconds) is set only on rate-limit rejections.
type Error struct {
	Code       string
	Message    string
	RetryAfter int
}

// NewError builds a wire error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf builds a wire error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Fatal reports whether this fault closes the connection after the error
// envelope is written.
func (e *Error) Fatal() bool {
	return e.Code == ErrOriginNotAllowed
}

// Adversarial reports whether this fault suggests a deliberate attack and
// should be audit-logged on top of the wire reply.
func (e *Error) Adversarial() bool {
	switch e.Code {
	case ErrReplayDetected, ErrInvalidSignature:
		return true
	}
	return false
}

// Internal wraps an unexpected error as an INTERNAL wire fault. The cause is
// logged but never leaves the process.
func Internal(err error) *Error {
	slog.Error("[Protocol] Internal fault", "error", err)
	return &Error{Code: ErrInternal, Message: "internal error"}
}
