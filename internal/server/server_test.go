package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/promptdock/bridge/internal/agent"
	"github.com/promptdock/bridge/internal/audit"
	"github.com/promptdock/bridge/internal/config"
	"github.com/promptdock/bridge/internal/coordinator"
	"github.com/promptdock/bridge/internal/identity"
	"github.com/promptdock/bridge/internal/metrics"
	"github.com/promptdock/bridge/internal/pairing"
	"github.com/promptdock/bridge/internal/plan"
	"github.com/promptdock/bridge/internal/protocol"
	"github.com/promptdock/bridge/internal/session"
	"github.com/promptdock/bridge/internal/workspace"
)

const testOrigin = "https://app.test"

// fakeWorkspace is a no-git workspace for handler tests. Branch creations
// are recorded for assertions.
type fakeWorkspace struct {
	mu       sync.Mutex
	branches []string
}

func (f *fakeWorkspace) Status(string) (*workspace.Status, error) {
	return &workspace.Status{Branch: "main", Clean: true}, nil
}

func (f *fakeWorkspace) CreateBackupSnapshot(string) (string, error) { return "stash@{0}", nil }

func (f *fakeWorkspace) CreateWorktree(workdir, base string, _ map[string]string) (*workspace.Worktree, error) {
	return &workspace.Worktree{Path: workdir + "-wt", Branch: "wt", CreatedAt: time.Now()}, nil
}

func (f *fakeWorkspace) DeleteWorktree(string, string, string, bool) error { return nil }

func (f *fakeWorkspace) ListWorktrees(string) ([]workspace.Worktree, error) { return nil, nil }

func (f *fakeWorkspace) CreateBranch(_ string, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches = append(f.branches, name)
	return nil
}

func (f *fakeWorkspace) SwitchBranch(string, string) error { return nil }

func (f *fakeWorkspace) Stash(string, string) error { return nil }

func (f *fakeWorkspace) Commit(string, string, []string) (string, error) { return "abc1234", nil }

func (f *fakeWorkspace) Diff(string, string) (string, error) { return "@@ -1 +1 @@", nil }

func (f *fakeWorkspace) GeneratePullRequest(string, workspace.PROptions) (*workspace.PullRequest, error) {
	return &workspace.PullRequest{Branch: "wt", URL: "https://example.test/compare"}, nil
}

func (f *fakeWorkspace) WatchWorkspace(ctx context.Context, _ string, _ func(string)) error {
	<-ctx.Done()
	return nil
}

func (f *fakeWorkspace) createdBranches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.branches...)
}

// rig is one fully wired server with both listeners on httptest sockets and a
// client-side signing identity.
type rig struct {
	srv      *Server
	httpSrv  *httptest.Server
	wsSrv    *httptest.Server
	client   *identity.Identity
	pairings *pairing.Registry
	sessions *session.Store
	work     *fakeWorkspace
}

// rigOptions tune one rig: a shell script standing in for the claude agent
// binary, and a config hook.
type rigOptions struct {
	agentScript string
	config      func(*config.Config)
}

func newRig(t *testing.T) *rig { return newRigWith(t, rigOptions{}) }

func newRigWith(t *testing.T, opts rigOptions) *rig {
	t.Helper()

	cfg := config.Default()
	cfg.AllowedOrigins = []string{testOrigin}
	if opts.config != nil {
		opts.config(cfg)
	}

	id, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	client, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	auditLog := audit.New(io.Discard)

	pairings := pairing.NewRegistry()
	sessions := session.NewStore(session.Options{
		SessionTimeout:       cfg.SessionTimeout(),
		MaxCommandsPerMinute: cfg.Security.MaxCommandsPerMinute,
		Audit:                auditLog,
	})
	plans := plan.NewRegistry()

	agentCfg := config.AgentsConfig{MaxBufferBytes: 64 * 1024}
	if opts.agentScript != "" {
		path := filepath.Join(t.TempDir(), "claude")
		full := "#!/bin/sh\nif [ \"$1\" = \"--version\" ]; then echo 9.9.9-test; exit 0; fi\n" + opts.agentScript
		require.NoError(t, os.WriteFile(path, []byte(full), 0o755))
		agentCfg.Paths = map[string]string{"claude": path}
	}
	sup := agent.New(agentCfg, auditLog, m)
	work := &fakeWorkspace{}
	coord := coordinator.New(plans, sup, work, coordinator.NewBus(), auditLog, m, cfg.Git, time.Minute)
	t.Cleanup(coord.Close)

	srv := New(Deps{
		Config:   cfg,
		Identity: id,
		Pairings: pairings,
		Sessions: sessions,
		Plans:    plans,
		Coord:    coord,
		Agents:   sup,
		Work:     work,
		Audit:    auditLog,
		Metrics:  m,
		Gatherer: reg,
		Version:  "test",
	})

	r := &rig{
		srv:      srv,
		httpSrv:  httptest.NewServer(srv.Router()),
		wsSrv:    httptest.NewServer(srv.WSHandler()),
		client:   client,
		pairings: pairings,
		sessions: sessions,
		work:     work,
	}
	t.Cleanup(r.httpSrv.Close)
	t.Cleanup(r.wsSrv.Close)
	return r
}

// dial opens a message-channel connection with the given Origin header.
func (r *rig) dial(t *testing.T, origin string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.wsSrv.URL, "http")
	header := map[string][]string{}
	if origin != "" {
		header["Origin"] = []string{origin}
	}
	sock, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	return sock
}

// signedFrame builds a signed envelope for the rig's client identity.
func (r *rig) signedFrame(t *testing.T, msgType string, data any) []byte {
	t.Helper()

	raw, err := json.Marshal(data)
	require.NoError(t, err)
	env := &protocol.Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Data:      raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Nonce:     identity.RandomHex(8),
	}

	payload, err := env.SignedPayload()
	require.NoError(t, err)
	env.Signature, err = r.client.Sign(payload)
	require.NoError(t, err)

	frame, err := json.Marshal(env)
	require.NoError(t, err)
	return frame
}

// readEnvelope reads frames until one of the wanted types arrives.
func readEnvelope(t *testing.T, sock *websocket.Conn, wantTypes ...string) *protocol.Envelope {
	t.Helper()
	want := map[string]bool{}
	for _, w := range wantTypes {
		want[w] = true
	}

	sock.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, raw, err := sock.ReadMessage()
		require.NoError(t, err)
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if len(want) == 0 || want[env.Type] {
			return &env
		}
	}
}

func envelopeData(t *testing.T, env *protocol.Envelope) map[string]any {
	t.Helper()
	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data
}

// pairOverWS runs the pairing handshake on an open connection and returns the
// session data.
func (r *rig) pairOverWS(t *testing.T, sock *websocket.Conn) map[string]any {
	t.Helper()

	code, err := r.pairings.Issue("Test App", "https://app.test", r.srv.id.PublicKeyPEM())
	require.NoError(t, err)

	frame := r.signedFrame(t, protocol.TypePair, map[string]string{
		"code":            code.Code,
		"clientPublicKey": r.client.PublicKeyPEM(),
	})
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, frame))

	reply := readEnvelope(t, sock, protocol.TypePairingSuccess, protocol.TypeError)
	require.Equal(t, protocol.TypePairingSuccess, reply.Type, "pairing failed: %s", reply.Data)
	return envelopeData(t, reply)
}
