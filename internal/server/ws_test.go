package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptdock/bridge/internal/config"
	"github.com/promptdock/bridge/internal/identity"
	"github.com/promptdock/bridge/internal/protocol"
)

// ===== ORIGIN GATE =====

func TestOriginGateClosesUnlistedOrigin(t *testing.T) {
	r := newRig(t)
	sock := r.dial(t, "https://evil.test")

	sock.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := sock.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected close 1008, got %v", err)
}

func TestOriginGateClosesMissingOrigin(t *testing.T) {
	r := newRig(t)
	sock := r.dial(t, "")

	sock.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := sock.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestGreetingOnAllowedOrigin(t *testing.T) {
	r := newRig(t)
	sock := r.dial(t, testOrigin)

	greet := readEnvelope(t, sock, protocol.TypeConnected)
	data := envelopeData(t, greet)
	assert.Equal(t, "test", data["version"])
	assert.Equal(t, protocol.Version, data["protocolVersion"])
}

// ===== PAIRING & AUTHENTICATION =====

func TestPairThenAuthenticateOnReconnect(t *testing.T) {
	r := newRig(t)

	sock := r.dial(t, testOrigin)
	readEnvelope(t, sock, protocol.TypeConnected)
	paired := r.pairOverWS(t, sock)
	assert.NotEmpty(t, paired["sessionId"])
	assert.NotEmpty(t, paired["token"])
	assert.Contains(t, paired["bridgePublicKey"], "PUBLIC KEY")
	sock.Close()

	// Reconnect and resume the session with the bearer token.
	sock2 := r.dial(t, testOrigin)
	readEnvelope(t, sock2, protocol.TypeConnected)

	frame := r.signedFrame(t, protocol.TypeAuthenticate, map[string]string{
		"token": paired["token"].(string),
	})
	require.NoError(t, sock2.WriteMessage(websocket.TextMessage, frame))

	auth := readEnvelope(t, sock2, protocol.TypeAuthSuccess, protocol.TypeAuthFailed, protocol.TypeError)
	require.Equal(t, protocol.TypeAuthSuccess, auth.Type, "auth failed: %s", auth.Data)
	assert.Equal(t, paired["sessionId"], envelopeData(t, auth)["sessionId"])

	agents := readEnvelope(t, sock2, protocol.TypeAgentsAvailable)
	assert.NotNil(t, agents)
}

func TestAuthenticateWithBogusToken(t *testing.T) {
	r := newRig(t)
	sock := r.dial(t, testOrigin)
	readEnvelope(t, sock, protocol.TypeConnected)

	frame := r.signedFrame(t, protocol.TypeAuthenticate, map[string]string{"token": "not-a-jwt"})
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, frame))

	reply := readEnvelope(t, sock, protocol.TypeAuthFailed, protocol.TypeError)
	assert.Equal(t, protocol.TypeAuthFailed, reply.Type)
}

func TestPairWithBadCode(t *testing.T) {
	r := newRig(t)
	sock := r.dial(t, testOrigin)
	readEnvelope(t, sock, protocol.TypeConnected)

	frame := r.signedFrame(t, protocol.TypePair, map[string]string{
		"code":            "XXXX-YYYY-ZZZZ",
		"clientPublicKey": r.client.PublicKeyPEM(),
	})
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, frame))

	reply := readEnvelope(t, sock, protocol.TypeError)
	data := envelopeData(t, reply)
	assert.Equal(t, protocol.ErrNotAuthenticated, data["code"])
}

// ===== ADMISSION =====

func TestSessionCommandsRequireAuthentication(t *testing.T) {
	r := newRig(t)
	sock := r.dial(t, testOrigin)
	readEnvelope(t, sock, protocol.TypeConnected)

	frame := r.signedFrame(t, protocol.TypeGitStatus, map[string]string{"workdir": t.TempDir()})
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, frame))

	reply := readEnvelope(t, sock, protocol.TypeError)
	assert.Equal(t, protocol.ErrNotAuthenticated, envelopeData(t, reply)["code"])
}

func TestReplayedCommandIsRejected(t *testing.T) {
	r := newRig(t)
	sock := r.dial(t, testOrigin)
	readEnvelope(t, sock, protocol.TypeConnected)
	r.pairOverWS(t, sock)

	frame := r.signedFrame(t, protocol.TypeGitStatus, map[string]string{"workdir": t.TempDir()})
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, frame))
	first := readEnvelope(t, sock, protocol.TypeGitStatusResult, protocol.TypeError)
	require.Equal(t, protocol.TypeGitStatusResult, first.Type, "first send failed: %s", first.Data)

	// The byte-identical frame again: same command id, same payload.
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, frame))
	second := readEnvelope(t, sock, protocol.TypeError)
	assert.Equal(t, protocol.ErrReplayDetected, envelopeData(t, second)["code"])
}

func TestRejectedSignatureCausesNoSessionStateChange(t *testing.T) {
	r := newRig(t)
	sock := r.dial(t, testOrigin)
	readEnvelope(t, sock, protocol.TypeConnected)
	paired := r.pairOverWS(t, sock)

	before, ok := r.sessions.Get(paired["sessionId"].(string))
	require.True(t, ok)

	frame := r.signedFrame(t, protocol.TypeGitStatus, map[string]string{"workdir": "/tmp/original"})
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	env.Data = json.RawMessage(`{"workdir":"/tmp/tampered"}`)
	tampered, err := json.Marshal(&env)
	require.NoError(t, err)

	require.NoError(t, sock.WriteMessage(websocket.TextMessage, tampered))
	reply := readEnvelope(t, sock, protocol.TypeError)
	require.Equal(t, protocol.ErrInvalidSignature, envelopeData(t, reply)["code"])

	after, ok := r.sessions.Get(before.ID)
	require.True(t, ok)
	assert.True(t, after.ExpiresAt.Equal(before.ExpiresAt), "rejected frame must not slide expiry")
	assert.True(t, after.LastActivity.Equal(before.LastActivity), "rejected frame must not count as activity")
	assert.Equal(t, before.Token, after.Token, "rejected frame must not rotate the token")
}

func TestSignedHealthChecksCountAgainstRateWindow(t *testing.T) {
	r := newRigWith(t, rigOptions{config: func(cfg *config.Config) {
		cfg.Security.MaxCommandsPerMinute = 3
	}})
	sock := r.dial(t, testOrigin)
	readEnvelope(t, sock, protocol.TypeConnected)
	r.pairOverWS(t, sock)

	for i := 0; i < 3; i++ {
		frame := r.signedFrame(t, protocol.TypeHealthCheck, map[string]string{})
		require.NoError(t, sock.WriteMessage(websocket.TextMessage, frame))
		reply := readEnvelope(t, sock, protocol.TypeHealthStatus, protocol.TypeError)
		require.Equal(t, protocol.TypeHealthStatus, reply.Type, "send %d failed: %s", i+1, reply.Data)
	}

	frame := r.signedFrame(t, protocol.TypeHealthCheck, map[string]string{})
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, frame))
	reply := readEnvelope(t, sock, protocol.TypeError)
	data := envelopeData(t, reply)
	assert.Equal(t, protocol.ErrRateLimitExceeded, data["code"])
	assert.Equal(t, float64(2), data["retryAfter"])

	// The unauthenticated-style keepalive stays limit-free during back-off.
	env := &protocol.Envelope{
		ID:        uuid.NewString(),
		Type:      protocol.TypeHealthCheck,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, raw))
	reply = readEnvelope(t, sock, protocol.TypeHealthStatus)
	assert.Equal(t, "ok", envelopeData(t, reply)["status"])
}

func TestTamperedPayloadFailsSignatureCheck(t *testing.T) {
	r := newRig(t)
	sock := r.dial(t, testOrigin)
	readEnvelope(t, sock, protocol.TypeConnected)
	r.pairOverWS(t, sock)

	frame := r.signedFrame(t, protocol.TypeGitStatus, map[string]string{"workdir": "/tmp/original"})
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	env.Data = json.RawMessage(`{"workdir":"/tmp/tampered"}`)
	tampered, err := json.Marshal(&env)
	require.NoError(t, err)

	require.NoError(t, sock.WriteMessage(websocket.TextMessage, tampered))
	reply := readEnvelope(t, sock, protocol.TypeError)
	assert.Equal(t, protocol.ErrInvalidSignature, envelopeData(t, reply)["code"])
}

func TestStaleTimestampIsRejected(t *testing.T) {
	r := newRig(t)
	sock := r.dial(t, testOrigin)
	readEnvelope(t, sock, protocol.TypeConnected)
	r.pairOverWS(t, sock)

	env := &protocol.Envelope{
		ID:        uuid.NewString(),
		Type:      protocol.TypeGitStatus,
		Data:      json.RawMessage(`{"workdir":"/tmp"}`),
		Timestamp: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
		Nonce:     identity.RandomHex(8),
	}
	payload, err := env.SignedPayload()
	require.NoError(t, err)
	env.Signature, err = r.client.Sign(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, sock.WriteMessage(websocket.TextMessage, frame))
	reply := readEnvelope(t, sock, protocol.TypeError)
	assert.Equal(t, protocol.ErrCommandExpired, envelopeData(t, reply)["code"])
}

func TestHealthCheckNeedsNoSignature(t *testing.T) {
	r := newRig(t)
	sock := r.dial(t, testOrigin)
	readEnvelope(t, sock, protocol.TypeConnected)

	env := &protocol.Envelope{
		ID:        uuid.NewString(),
		Type:      protocol.TypeHealthCheck,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	frame, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, frame))

	reply := readEnvelope(t, sock, protocol.TypeHealthStatus)
	data := envelopeData(t, reply)
	assert.Equal(t, "ok", data["status"])
}

// ===== SESSION-SCOPED HANDLERS =====

func TestConnectionStaysResponsiveWhilePlanning(t *testing.T) {
	r := newRigWith(t, rigOptions{agentScript: "read prompt\nsleep 2\necho '{\"type\":\"result\",\"plan\":\"- slow step\"}'\nread decision\nexit 0\n"})
	sock := r.dial(t, testOrigin)
	readEnvelope(t, sock, protocol.TypeConnected)
	r.pairOverWS(t, sock)

	planFrame := r.signedFrame(t, protocol.TypeExecutePrompt, map[string]any{
		"prompt": "take your time",
		"mode":   "plan",
		"options": map[string]string{
			"workdir": t.TempDir(),
		},
	})
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, planFrame))

	// The keepalive must be answered while the planner is still thinking.
	keepalive := &protocol.Envelope{
		ID:        uuid.NewString(),
		Type:      protocol.TypeHealthCheck,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(keepalive)
	require.NoError(t, err)
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, raw))

	first := readEnvelope(t, sock, protocol.TypeHealthStatus, protocol.TypeAgentPlan, protocol.TypeError)
	require.Equal(t, protocol.TypeHealthStatus, first.Type, "keepalive answered before the plan: %s", first.Data)

	plan := readEnvelope(t, sock, protocol.TypeAgentPlan, protocol.TypeError)
	require.Equal(t, protocol.TypeAgentPlan, plan.Type, "planning failed: %s", plan.Data)
	assert.Contains(t, envelopeData(t, plan)["plan"], "- slow step")
}

func TestGitCommandReadsArgs(t *testing.T) {
	r := newRig(t)
	sock := r.dial(t, testOrigin)
	readEnvelope(t, sock, protocol.TypeConnected)
	r.pairOverWS(t, sock)

	frame := r.signedFrame(t, protocol.TypeGitCommand, map[string]any{
		"command": "create-branch",
		"workdir": t.TempDir(),
		"args":    []string{"feature/login"},
	})
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, frame))

	reply := readEnvelope(t, sock, protocol.TypeGitStatusResult, protocol.TypeError)
	require.Equal(t, protocol.TypeGitStatusResult, reply.Type, "git-command failed: %s", reply.Data)
	assert.Equal(t, []string{"feature/login"}, r.work.createdBranches())
}

func TestCleanupWorktreeByUnknownExecution(t *testing.T) {
	r := newRig(t)
	sock := r.dial(t, testOrigin)
	readEnvelope(t, sock, protocol.TypeConnected)
	r.pairOverWS(t, sock)

	frame := r.signedFrame(t, protocol.TypeCleanupWorktree, map[string]any{
		"executionId": "e-nope",
	})
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, frame))

	reply := readEnvelope(t, sock, protocol.TypeError)
	assert.Equal(t, protocol.ErrExecutionNotFound, envelopeData(t, reply)["code"])
}

func TestInitSessionReturnsWorkspaceStatus(t *testing.T) {
	r := newRig(t)
	sock := r.dial(t, testOrigin)
	readEnvelope(t, sock, protocol.TypeConnected)
	r.pairOverWS(t, sock)

	frame := r.signedFrame(t, protocol.TypeInitSession, map[string]string{
		"workdir":   t.TempDir(),
		"agentType": "claude",
	})
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, frame))

	reply := readEnvelope(t, sock, protocol.TypeGitStatusResult, protocol.TypeError)
	require.Equal(t, protocol.TypeGitStatusResult, reply.Type, "init-session failed: %s", reply.Data)
	data := envelopeData(t, reply)
	assert.Equal(t, "main", data["branch"])
	assert.Equal(t, true, data["clean"])
}

func TestWorktreeLifecycle(t *testing.T) {
	r := newRig(t)
	sock := r.dial(t, testOrigin)
	readEnvelope(t, sock, protocol.TypeConnected)
	r.pairOverWS(t, sock)

	workdir := t.TempDir()
	create := r.signedFrame(t, protocol.TypeCreateWorktree, map[string]string{
		"workdir":    workdir,
		"baseBranch": "main",
	})
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, create))
	created := readEnvelope(t, sock, protocol.TypeWorktreeCreated, protocol.TypeError)
	require.Equal(t, protocol.TypeWorktreeCreated, created.Type)
	assert.Equal(t, workdir+"-wt", envelopeData(t, created)["path"])

	cleanup := r.signedFrame(t, protocol.TypeCleanupWorktree, map[string]any{"workdir": workdir})
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, cleanup))
	deleted := readEnvelope(t, sock, protocol.TypeWorktreeDeleted, protocol.TypeError)
	require.Equal(t, protocol.TypeWorktreeDeleted, deleted.Type)
}

func TestEmergencyKillOverChannel(t *testing.T) {
	r := newRig(t)
	sock := r.dial(t, testOrigin)
	readEnvelope(t, sock, protocol.TypeConnected)
	paired := r.pairOverWS(t, sock)

	frame := r.signedFrame(t, protocol.TypeEmergencyKill, map[string]string{"reason": "compromised"})
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, frame))

	confirm := readEnvelope(t, sock, protocol.TypeEmergencyKillConfirm, protocol.TypeError)
	require.Equal(t, protocol.TypeEmergencyKillConfirm, confirm.Type)
	data := envelopeData(t, confirm)
	assert.Contains(t, data["terminatedSessions"], paired["sessionId"])
	assert.Equal(t, 0, r.sessions.Count())
}
