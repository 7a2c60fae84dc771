package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptdock/bridge/internal/identity"
)

const (
	testMaxAge = 30 * time.Second
	testSkew   = 5 * time.Second
)

func validEnvelope(now time.Time) *Envelope {
	return &Envelope{
		ID:        "cmd-1",
		Type:      TypeHealthCheck,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

func TestValidateAcceptsFreshHealthCheck(t *testing.T) {
	now := time.Now()
	env := validEnvelope(now)
	assert.Nil(t, env.Validate(now, testMaxAge, testSkew))
}

func TestValidateRejectsMissingFields(t *testing.T) {
	now := time.Now()

	env := validEnvelope(now)
	env.ID = ""
	werr := env.Validate(now, testMaxAge, testSkew)
	require.NotNil(t, werr)
	assert.Equal(t, ErrInvalidMessageFormat, werr.Code)

	env = validEnvelope(now)
	env.Type = "made-up-type"
	werr = env.Validate(now, testMaxAge, testSkew)
	require.NotNil(t, werr)
	assert.Equal(t, ErrInvalidMessageFormat, werr.Code)

	env = validEnvelope(now)
	env.Timestamp = "yesterday"
	werr = env.Validate(now, testMaxAge, testSkew)
	require.NotNil(t, werr)
	assert.Equal(t, ErrInvalidMessageFormat, werr.Code)
}

func TestValidateFreshnessBoundaries(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 35, 0, time.UTC)

	// Exactly maxAge old is still admissible
	env := validEnvelope(now.Add(-testMaxAge))
	assert.Nil(t, env.Validate(now, testMaxAge, testSkew))

	// One second past maxAge is expired
	env = validEnvelope(now.Add(-testMaxAge - time.Second))
	werr := env.Validate(now, testMaxAge, testSkew)
	require.NotNil(t, werr)
	assert.Equal(t, ErrCommandExpired, werr.Code)

	// Exactly skew into the future is still admissible
	env = validEnvelope(now.Add(testSkew))
	assert.Nil(t, env.Validate(now, testMaxAge, testSkew))

	// One second beyond skew is from the future
	env = validEnvelope(now.Add(testSkew + time.Second))
	werr = env.Validate(now, testMaxAge, testSkew)
	require.NotNil(t, werr)
	assert.Equal(t, ErrCommandFromFuture, werr.Code)
}

func TestValidateSignaturePresence(t *testing.T) {
	now := time.Now()

	env := validEnvelope(now)
	env.Type = TypeExecutePrompt
	werr := env.Validate(now, testMaxAge, testSkew)
	require.NotNil(t, werr)
	assert.Equal(t, ErrMissingSignature, werr.Code)

	// health-check is the single unsigned type
	env = validEnvelope(now)
	assert.Nil(t, env.Validate(now, testMaxAge, testSkew))
}

func TestSignedPayloadCanonicalForm(t *testing.T) {
	env := &Envelope{
		ID:        "cmd-9",
		Type:      TypeExecutePrompt,
		Timestamp: "2026-01-02T15:04:05Z",
		Data:      json.RawMessage(`{"prompt": "P", "mode": "plan"}`),
	}

	payload, err := env.SignedPayload()
	require.NoError(t, err)
	assert.Equal(t,
		`{"data":{"mode":"plan","prompt":"P"},"nonce":null,"timestamp":"2026-01-02T15:04:05Z","type":"execute-prompt"}`,
		string(payload))

	// Empty data canonicalizes as the empty object
	env.Data = nil
	payload, err = env.SignedPayload()
	require.NoError(t, err)
	assert.Equal(t,
		`{"data":{},"nonce":null,"timestamp":"2026-01-02T15:04:05Z","type":"execute-prompt"}`,
		string(payload))

	// A nonce is signed verbatim
	env.Nonce = "n-1"
	payload, err = env.SignedPayload()
	require.NoError(t, err)
	assert.Equal(t,
		`{"data":{},"nonce":"n-1","timestamp":"2026-01-02T15:04:05Z","type":"execute-prompt"}`,
		string(payload))
}

func TestSignatureRoundTrip(t *testing.T) {
	id, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	env := &Envelope{
		ID:        "cmd-2",
		Type:      TypeApprovePlan,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      json.RawMessage(`{"planId":"pl-1"}`),
	}

	payload, err := env.SignedPayload()
	require.NoError(t, err)
	env.Signature, err = id.Sign(payload)
	require.NoError(t, err)

	assert.True(t, env.VerifySignature(id.PublicKeyPEM()))

	other, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	assert.False(t, env.VerifySignature(other.PublicKeyPEM()))

	// Mutating data after signing breaks verification
	env.Data = json.RawMessage(`{"planId":"pl-2"}`)
	assert.False(t, env.VerifySignature(id.PublicKeyPEM()))
}

func TestFingerprintBindsIDAndData(t *testing.T) {
	a := &Envelope{ID: "cmd-1", Data: json.RawMessage(`{"x":1}`)}
	b := &Envelope{ID: "cmd-1", Data: json.RawMessage(`{ "x": 1 }`)}
	c := &Envelope{ID: "cmd-2", Data: json.RawMessage(`{"x":1}`)}

	fpA, err := a.Fingerprint()
	require.NoError(t, err)
	fpB, err := b.Fingerprint()
	require.NoError(t, err)
	fpC, err := c.Fingerprint()
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB)
	assert.NotEqual(t, fpA, fpC)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, werr := Parse([]byte("not json"))
	require.NotNil(t, werr)
	assert.Equal(t, ErrInvalidMessageFormat, werr.Code)

	env, werr := Parse([]byte(`{"id":"a","type":"health-check","timestamp":"2026-01-02T15:04:05Z"}`))
	require.Nil(t, werr)
	assert.Equal(t, "a", env.ID)
}

func TestNewErrorReplyEchoesID(t *testing.T) {
	reply := NewErrorReply("cmd-7", NewError(ErrPlanNotFound, "no such plan"))
	assert.Equal(t, "cmd-7", reply.ID)
	assert.Equal(t, TypeError, reply.Type)

	var data map[string]string
	require.NoError(t, json.Unmarshal(reply.Data, &data))
	assert.Equal(t, ErrPlanNotFound, data["code"])
	assert.Equal(t, "no such plan", data["error"])
}

func TestRequiresSession(t *testing.T) {
	assert.False(t, RequiresSession(TypePair))
	assert.False(t, RequiresSession(TypeAuthenticate))
	assert.False(t, RequiresSession(TypeHealthCheck))
	assert.True(t, RequiresSession(TypeExecutePrompt))
	assert.True(t, RequiresSession(TypeEmergencyKill))
	assert.True(t, RequiresSession(TypeGitStatus))
}
