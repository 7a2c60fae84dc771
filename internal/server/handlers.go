package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/promptdock/bridge/internal/agent"
	"github.com/promptdock/bridge/internal/audit"
	"github.com/promptdock/bridge/internal/protocol"
	"github.com/promptdock/bridge/internal/session"
	"github.com/promptdock/bridge/internal/workspace"
)

// decode unmarshals an envelope payload. An absent payload leaves v zeroed.
func decode(env *protocol.Envelope, v any) *protocol.Error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return protocol.NewErrorf(protocol.ErrInvalidMessageFormat, "bad %s payload: %v", env.Type, err)
	}
	return nil
}

// ============================================================================
// PRE-SESSION HANDLERS
// ============================================================================

// handlePair redeems a pairing code over the message channel. The signature
// is checked against the key the client presents; possession of an unexpired
// code plus that key is what pairing attests.
func (c *conn) handlePair(env *protocol.Envelope) {
	var req struct {
		Code            string `json:"code"`
		ClientPublicKey string `json:"clientPublicKey"`
	}
	if werr := decode(env, &req); werr != nil {
		c.fail(env.ID, werr)
		return
	}
	if req.ClientPublicKey == "" {
		c.fail(env.ID, protocol.NewError(protocol.ErrInvalidMessageFormat, "clientPublicKey is required"))
		return
	}
	if !env.VerifySignature(req.ClientPublicKey) {
		c.srv.metrics.RecordCommand(env.Type, false)
		c.fail(env.ID, protocol.NewError(protocol.ErrInvalidSignature, "signature verification failed"))
		return
	}

	red, ok := c.srv.pairings.Redeem(req.Code, req.ClientPublicKey)
	if !ok {
		c.srv.metrics.RecordCommand(env.Type, false)
		c.fail(env.ID, protocol.NewError(protocol.ErrNotAuthenticated, "pairing code invalid, expired, or already used"))
		return
	}

	sess, err := c.srv.sessions.Create(red)
	if err != nil {
		c.fail(env.ID, protocol.Internal(err))
		return
	}
	c.srv.audit.Log(audit.ActionPairingRedeemed, map[string]any{
		"sessionId": sess.ID,
		"appName":   sess.AppName,
	})
	c.srv.metrics.RecordCommand(env.Type, true)
	c.srv.metrics.ActiveSessions.Set(float64(c.srv.sessions.Count()))

	c.bind(sess)
	c.enqueueReply(protocol.TypePairingSuccess, map[string]any{
		"sessionId":       sess.ID,
		"token":           sess.Token,
		"bridgePublicKey": c.srv.id.PublicKeyPEM(),
		"expiresAt":       sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleAuthenticate resumes an existing session from a bearer token, for
// example after a reconnect. Token faults answer with auth-failed rather
// than a generic error so the app knows to re-pair.
func (c *conn) handleAuthenticate(env *protocol.Envelope) {
	var req struct {
		Token string `json:"token"`
	}
	if werr := decode(env, &req); werr != nil {
		c.fail(env.ID, werr)
		return
	}

	peeked, err := c.srv.sessions.PeekByToken(req.Token)
	if err != nil {
		c.srv.metrics.RecordCommand(env.Type, false)
		c.enqueueReply(protocol.TypeAuthFailed, map[string]any{"reason": authFailReason(err)})
		return
	}
	if !env.VerifySignature(peeked.ClientPublicKey) {
		c.srv.metrics.RecordCommand(env.Type, false)
		c.fail(env.ID, protocol.NewError(protocol.ErrInvalidSignature, "signature verification failed"))
		return
	}

	sess, rotated, err := c.srv.sessions.ResolveByToken(req.Token)
	if err != nil {
		c.srv.metrics.RecordCommand(env.Type, false)
		c.enqueueReply(protocol.TypeAuthFailed, map[string]any{"reason": authFailReason(err)})
		return
	}
	c.srv.metrics.RecordCommand(env.Type, true)

	c.bind(sess)
	c.enqueueReply(protocol.TypeAuthSuccess, map[string]any{
		"sessionId": sess.ID,
		"token":     sess.Token,
		"rotated":   rotated,
		"expiresAt": sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
	c.enqueueReply(protocol.TypeAgentsAvailable, map[string]any{
		"agents": c.srv.agents.List(),
	})
	slog.Info("[Server] Session authenticated", "session_id", sess.ID, "app_name", sess.AppName)
}

func authFailReason(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionExpired):
		return "session expired"
	case errors.Is(err, session.ErrSessionNotFound):
		return "session not found"
	default:
		return "token invalid"
	}
}

func (c *conn) handleHealthCheck(env *protocol.Envelope) {
	c.enqueueReply(protocol.TypeHealthStatus, map[string]any{
		"status":         "ok",
		"version":        c.srv.version,
		"uptime":         c.srv.uptime(),
		"activeSessions": c.srv.sessions.Count(),
	})
}

// ============================================================================
// SESSION-SCOPED DISPATCH
// ============================================================================

func (c *conn) dispatch(env *protocol.Envelope, sess session.Session) {
	var werr *protocol.Error
	switch env.Type {
	case protocol.TypeInitSession:
		werr = c.handleInitSession(env)
	case protocol.TypeStartAgent:
		werr = c.handleStartAgent(env)
	case protocol.TypeCreateWorktree:
		werr = c.handleCreateWorktree(env, sess)
	case protocol.TypeGitStatus:
		werr = c.handleGitStatus(env)
	case protocol.TypeGitCommand:
		werr = c.handleGitCommand(env)
	case protocol.TypeExecutePrompt:
		werr = c.handleExecutePrompt(env, sess)
	case protocol.TypeApprovePlan:
		werr = c.handleApprovePlan(env, sess)
	case protocol.TypeRejectPlan:
		werr = c.handleRejectPlan(env, sess)
	case protocol.TypeAbortExecution:
		werr = c.handleAbortExecution(env, sess)
	case protocol.TypeAgentInteraction:
		werr = c.handleAgentInteraction(env, sess)
	case protocol.TypeAgentFeedback:
		werr = c.handleAgentFeedback(env, sess)
	case protocol.TypeGeneratePR:
		werr = c.handleGeneratePR(env, sess)
	case protocol.TypeCleanupWorktree:
		werr = c.handleCleanupWorktree(env, sess)
	case protocol.TypeEmergencyKill:
		werr = c.handleEmergencyKill(env)
	case protocol.TypeHealthCheck:
		c.handleHealthCheck(env)
	default:
		werr = protocol.NewErrorf(protocol.ErrInvalidMessageFormat, "unhandled message type %q", env.Type)
	}
	if werr != nil {
		c.fail(env.ID, werr)
	}
}

// handleInitSession records per-connection defaults and answers with the
// workspace status so the app can render immediately.
func (c *conn) handleInitSession(env *protocol.Envelope) *protocol.Error {
	var req struct {
		Workdir   string `json:"workdir"`
		AgentType string `json:"agentType"`
	}
	if werr := decode(env, &req); werr != nil {
		return werr
	}
	if req.Workdir == "" {
		return protocol.NewError(protocol.ErrInvalidMessageFormat, "workdir is required")
	}
	if req.AgentType != "" {
		if _, err := agent.ProfileFor(agent.Kind(req.AgentType)); err != nil {
			return protocol.NewErrorf(protocol.ErrAgentNotAvailable, "unknown agent %q", req.AgentType)
		}
	}

	status, err := c.srv.work.Status(req.Workdir)
	if err != nil {
		return protocol.NewErrorf(protocol.ErrWorkspace, "failed to read workspace status: %v", err)
	}

	c.mu.Lock()
	c.workdir = req.Workdir
	c.agentKind = agent.Kind(req.AgentType)
	c.mu.Unlock()

	c.enqueueReply(protocol.TypeGitStatusResult, gitStatusData(req.Workdir, status))
	return nil
}

func (c *conn) handleStartAgent(env *protocol.Envelope) *protocol.Error {
	c.enqueueReply(protocol.TypeAgentsAvailable, map[string]any{
		"agents": c.srv.agents.List(),
	})
	return nil
}

func (c *conn) handleCreateWorktree(env *protocol.Envelope, sess session.Session) *protocol.Error {
	var req struct {
		Workdir    string `json:"workdir"`
		BaseBranch string `json:"baseBranch"`
	}
	if werr := decode(env, &req); werr != nil {
		return werr
	}
	workdir, werr := c.resolveWorkdir(req.Workdir)
	if werr != nil {
		return werr
	}

	wt, err := c.srv.work.CreateWorktree(workdir, req.BaseBranch, map[string]string{"sessionId": sess.ID})
	if err != nil {
		return protocol.NewErrorf(protocol.ErrWorkspace, "failed to create worktree: %v", err)
	}

	c.mu.Lock()
	c.worktree = wt
	c.mu.Unlock()

	c.enqueueReply(protocol.TypeWorktreeCreated, wt)
	return nil
}

func (c *conn) handleGitStatus(env *protocol.Envelope) *protocol.Error {
	var req struct {
		Workdir string `json:"workdir"`
	}
	if werr := decode(env, &req); werr != nil {
		return werr
	}
	workdir, werr := c.resolveWorkdir(req.Workdir)
	if werr != nil {
		return werr
	}

	status, err := c.srv.work.Status(workdir)
	if err != nil {
		return protocol.NewErrorf(protocol.ErrWorkspace, "failed to read workspace status: %v", err)
	}
	c.enqueueReply(protocol.TypeGitStatusResult, gitStatusData(workdir, status))
	return nil
}

// handleGitCommand runs one named git operation. Per-command parameters
// arrive in args; the older name/message fields are still honoured.
func (c *conn) handleGitCommand(env *protocol.Envelope) *protocol.Error {
	var req struct {
		Command string   `json:"command"`
		Workdir string   `json:"workdir"`
		Args    []string `json:"args"`
		Name    string   `json:"name"`
		Message string   `json:"message"`
	}
	if werr := decode(env, &req); werr != nil {
		return werr
	}
	workdir, werr := c.resolveWorkdir(req.Workdir)
	if werr != nil {
		return werr
	}

	name := req.Name
	if name == "" && len(req.Args) > 0 {
		name = req.Args[0]
	}
	message := req.Message
	if message == "" && len(req.Args) > 0 {
		message = strings.Join(req.Args, " ")
	}

	var err error
	switch req.Command {
	case "create-branch":
		err = c.srv.work.CreateBranch(workdir, name)
	case "switch-branch":
		err = c.srv.work.SwitchBranch(workdir, name)
	case "stash":
		err = c.srv.work.Stash(workdir, message)
	default:
		return protocol.NewErrorf(protocol.ErrInvalidMessageFormat, "unknown git command %q", req.Command)
	}
	if err != nil {
		return protocol.NewErrorf(protocol.ErrWorkspace, "git %s failed: %v", req.Command, err)
	}

	status, err := c.srv.work.Status(workdir)
	if err != nil {
		return protocol.NewErrorf(protocol.ErrWorkspace, "failed to read workspace status: %v", err)
	}
	c.enqueueReply(protocol.TypeGitStatusResult, gitStatusData(workdir, status))
	return nil
}

// handleExecutePrompt covers both halves of the reviewed-work flow: plan
// mode produces an agent-plan artifact to approve, execute mode dispatches
// an approved plan onto the session queue.
func (c *conn) handleExecutePrompt(env *protocol.Envelope, sess session.Session) *protocol.Error {
	var req struct {
		Prompt  string `json:"prompt"`
		Mode    string `json:"mode"`
		Options struct {
			PlanID    string `json:"planId"`
			Workdir   string `json:"workdir"`
			AgentType string `json:"agentType"`
		} `json:"options"`
	}
	if werr := decode(env, &req); werr != nil {
		return werr
	}

	switch req.Mode {
	case "execute":
		if req.Options.PlanID == "" {
			return protocol.NewError(protocol.ErrInvalidMessageFormat, "options.planId is required in execute mode")
		}
		exec, werr := c.srv.coord.ExecutePlan(sess, req.Options.PlanID)
		if werr != nil {
			return werr
		}
		c.enqueueReply(protocol.TypeExecutionProgress, map[string]any{
			"executionId": exec.ID,
			"status":      string(exec.Status),
			"progress":    exec.Progress,
		})
		return nil

	case "", "plan":
		if req.Prompt == "" {
			return protocol.NewError(protocol.ErrInvalidMessageFormat, "prompt is required")
		}
		workdir, werr := c.resolveWorkdir(req.Options.Workdir)
		if werr != nil {
			return werr
		}
		_, kind := c.defaults()
		if req.Options.AgentType != "" {
			kind = agent.Kind(req.Options.AgentType)
		}
		// Planning can run for minutes. The reply is asynchronous so the
		// read loop keeps serving keepalives, aborts, and the emergency
		// kill while the planner works.
		go func() {
			p, werr := c.srv.coord.SubmitPlanRequest(sess, req.Prompt, workdir, kind)
			if werr != nil {
				c.fail(env.ID, werr)
				return
			}
			c.enqueueReply(protocol.TypeAgentPlan, p)
		}()
		return nil

	default:
		return protocol.NewErrorf(protocol.ErrInvalidMessageFormat, "unknown mode %q", req.Mode)
	}
}

func (c *conn) handleApprovePlan(env *protocol.Envelope, sess session.Session) *protocol.Error {
	var req struct {
		PlanID string `json:"planId"`
	}
	if werr := decode(env, &req); werr != nil {
		return werr
	}
	p, werr := c.srv.coord.ApprovePlan(sess, req.PlanID)
	if werr != nil {
		return werr
	}
	c.enqueueReply(protocol.TypePlanApproved, map[string]any{
		"planId":     p.ID,
		"approvedAt": p.ApprovedAt.UTC().Format(time.RFC3339),
	})
	return nil
}

func (c *conn) handleRejectPlan(env *protocol.Envelope, sess session.Session) *protocol.Error {
	var req struct {
		PlanID string `json:"planId"`
		Reason string `json:"reason"`
	}
	if werr := decode(env, &req); werr != nil {
		return werr
	}
	if werr := c.srv.coord.RejectPlan(sess, req.PlanID, req.Reason); werr != nil {
		return werr
	}
	c.enqueueReply(protocol.TypePlanRejected, map[string]any{
		"planId": req.PlanID,
		"reason": req.Reason,
	})
	return nil
}

func (c *conn) handleAbortExecution(env *protocol.Envelope, sess session.Session) *protocol.Error {
	var req struct {
		ExecutionID string `json:"executionId"`
		Reason      string `json:"reason"`
	}
	if werr := decode(env, &req); werr != nil {
		return werr
	}
	if werr := c.srv.coord.Abort(sess, req.ExecutionID, req.Reason); werr != nil {
		return werr
	}
	c.enqueueReply(protocol.TypeAgentStateChange, map[string]any{
		"executionId": req.ExecutionID,
		"state":       "ABORTED",
	})
	return nil
}

func (c *conn) handleAgentInteraction(env *protocol.Envelope, sess session.Session) *protocol.Error {
	var req struct {
		Message string `json:"message"`
	}
	if werr := decode(env, &req); werr != nil {
		return werr
	}
	if req.Message == "" {
		return protocol.NewError(protocol.ErrInvalidMessageFormat, "message is required")
	}
	return c.srv.coord.Interact(sess, req.Message)
}

func (c *conn) handleAgentFeedback(env *protocol.Envelope, sess session.Session) *protocol.Error {
	var req struct {
		ExecutionID string `json:"executionId"`
		Feedback    string `json:"feedback"`
	}
	if werr := decode(env, &req); werr != nil {
		return werr
	}
	return c.srv.coord.Feedback(sess, req.ExecutionID, req.Feedback)
}

func (c *conn) handleGeneratePR(env *protocol.Envelope, sess session.Session) *protocol.Error {
	var req struct {
		ExecutionID string `json:"executionId"`
		Workdir     string `json:"workdir"`
		Title       string `json:"title"`
		Description string `json:"description"`
		BaseBranch  string `json:"baseBranch"`
	}
	if werr := decode(env, &req); werr != nil {
		return werr
	}

	workdir := req.Workdir
	if req.ExecutionID != "" {
		exec, ok := c.srv.coord.Get(sess, req.ExecutionID)
		if !ok {
			return protocol.NewErrorf(protocol.ErrExecutionNotFound, "no execution %s", req.ExecutionID)
		}
		workdir = exec.Workdir
	}
	workdir, werr := c.resolveWorkdir(workdir)
	if werr != nil {
		return werr
	}

	pr, err := c.srv.work.GeneratePullRequest(workdir, workspace.PROptions{
		Title:       req.Title,
		Description: req.Description,
		BaseBranch:  req.BaseBranch,
	})
	if err != nil {
		return protocol.NewErrorf(protocol.ErrWorkspace, "failed to generate pull request: %v", err)
	}
	c.enqueueReply(protocol.TypePRCreated, pr)
	return nil
}

// handleCleanupWorktree deletes a worktree, resolved from an execution id,
// an explicit path, or this connection's tracked worktree.
func (c *conn) handleCleanupWorktree(env *protocol.Envelope, sess session.Session) *protocol.Error {
	var req struct {
		ExecutionID string `json:"executionId"`
		Workdir     string `json:"workdir"`
		Path        string `json:"path"`
		BranchName  string `json:"branchName"`
		Force       bool   `json:"force"`
	}
	if werr := decode(env, &req); werr != nil {
		return werr
	}

	if req.ExecutionID != "" {
		exec, ok := c.srv.coord.Get(sess, req.ExecutionID)
		if !ok {
			return protocol.NewErrorf(protocol.ErrExecutionNotFound, "no execution %s", req.ExecutionID)
		}
		if req.Workdir == "" {
			req.Workdir = exec.Workdir
		}
	}

	c.mu.Lock()
	if req.Path == "" && c.worktree != nil {
		req.Path = c.worktree.Path
		if req.BranchName == "" {
			req.BranchName = c.worktree.Branch
		}
	}
	c.mu.Unlock()
	if req.Path == "" {
		return protocol.NewError(protocol.ErrInvalidMessageFormat, "no worktree to clean up")
	}
	workdir, werr := c.resolveWorkdir(req.Workdir)
	if werr != nil {
		return werr
	}

	if err := c.srv.work.DeleteWorktree(workdir, req.Path, req.BranchName, req.Force); err != nil {
		return protocol.NewErrorf(protocol.ErrWorkspace, "failed to delete worktree: %v", err)
	}

	c.mu.Lock()
	if c.worktree != nil && c.worktree.Path == req.Path {
		c.worktree = nil
	}
	c.mu.Unlock()

	c.enqueueReply(protocol.TypeWorktreeDeleted, map[string]any{"path": req.Path})
	return nil
}

func (c *conn) handleEmergencyKill(env *protocol.Envelope) *protocol.Error {
	var req struct {
		Reason string `json:"reason"`
	}
	if werr := decode(env, &req); werr != nil {
		return werr
	}

	sessions, executions := c.srv.emergencyKill(req.Reason)
	c.enqueueReply(protocol.TypeEmergencyKillConfirm, map[string]any{
		"terminatedSessions": sessions,
		"abortedExecutions":  executions,
	})
	// Every session is gone, this connection's included.
	c.clearSession()
	return nil
}

// resolveWorkdir picks the explicit workdir or the init-session default.
func (c *conn) resolveWorkdir(explicit string) (string, *protocol.Error) {
	if explicit != "" {
		return explicit, nil
	}
	workdir, _ := c.defaults()
	if workdir == "" {
		return "", protocol.NewError(protocol.ErrInvalidMessageFormat, "workdir is required (send init-session first)")
	}
	return workdir, nil
}

func gitStatusData(workdir string, status *workspace.Status) map[string]any {
	return map[string]any{
		"workdir":   workdir,
		"branch":    status.Branch,
		"clean":     status.Clean,
		"staged":    status.Staged,
		"modified":  status.Modified,
		"untracked": status.Untracked,
		"ahead":     status.Ahead,
		"behind":    status.Behind,
	}
}
