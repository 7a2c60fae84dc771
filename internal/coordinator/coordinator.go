package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/promptdock/bridge/internal/agent"
	"github.com/promptdock/bridge/internal/audit"
	"github.com/promptdock/bridge/internal/config"
	"github.com/promptdock/bridge/internal/metrics"
	"github.com/promptdock/bridge/internal/plan"
	"github.com/promptdock/bridge/internal/protocol"
	"github.com/promptdock/bridge/internal/session"
	"github.com/promptdock/bridge/internal/workspace"
)

const (
	queueCapacity = 32
	// resultTail bounds the result excerpt carried in the completion event.
	resultTail = 2048
	// terminalRetention is how long finished executions stay queryable.
	terminalRetention = time.Hour
)

// Coordinator owns executions and their per-session FIFO serialisation.
type Coordinator struct {
	plans   *plan.Registry
	sup     *agent.Supervisor
	ws      workspace.Adapter
	bus     *Bus
	audit   *audit.Logger
	metrics *metrics.Metrics

	gitCfg       config.GitConfig
	agentTimeout time.Duration

	mu           sync.Mutex
	execs        map[string]*execRecord
	queues       map[string]chan *execRecord
	planSessions map[string]*planEntry

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// planEntry tracks a planner process kept alive for interactive approval.
type planEntry struct {
	ps        *agent.PlanSession
	sessionID string
	fwd       *forwarder
}

// New wires a coordinator.
func New(plans *plan.Registry, sup *agent.Supervisor, ws workspace.Adapter, bus *Bus,
	auditLog *audit.Logger, m *metrics.Metrics, gitCfg config.GitConfig, agentTimeout time.Duration) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		plans:        plans,
		sup:          sup,
		ws:           ws,
		bus:          bus,
		audit:        auditLog,
		metrics:      m,
		gitCfg:       gitCfg,
		agentTimeout: agentTimeout,
		execs:        make(map[string]*execRecord),
		queues:       make(map[string]chan *execRecord),
		planSessions: make(map[string]*planEntry),
		rootCtx:      ctx,
		rootCancel:   cancel,
	}
}

// Bus exposes the event bus for connection subscriptions.
func (c *Coordinator) Bus() *Bus { return c.bus }

// Close stops the queue drains and cancels live subprocesses.
func (c *Coordinator) Close() {
	c.EmergencyStop("daemon shutdown")
	c.rootCancel()
}

// ============================================================================
// PLAN PHASE
// ============================================================================

// SubmitPlanRequest runs the agent in plan mode against workdir and registers
// the proposed plan for the session.
func (c *Coordinator) SubmitPlanRequest(sess session.Session, prompt, workdir string, kind agent.Kind) (plan.Plan, *protocol.Error) {
	if werr := validateWorkdir(workdir); werr != nil {
		return plan.Plan{}, werr
	}

	status, err := c.ws.Status(workdir)
	if err != nil {
		return plan.Plan{}, protocol.NewErrorf(protocol.ErrWorkspace, "failed to read workspace status: %v", err)
	}
	if c.gitCfg.BackupBeforeExecute {
		if _, err := c.ws.CreateBackupSnapshot(workdir); err != nil {
			slog.Warn("[Coordinator] Backup snapshot failed", "workdir", workdir, "error", err)
		}
	}

	runID := "e-" + uuid.NewString()
	ps, err := c.sup.StartPlan(c.rootCtx, kind, prompt, workdir, runID)
	if err != nil {
		return plan.Plan{}, protocol.NewErrorf(protocol.ErrAgentNotAvailable, "agent %s unavailable: %v", kind, err)
	}
	fwd := &forwarder{sessionID: sess.ID}
	go c.forward(fwd, ps.Proc)

	ctx, cancel := context.WithTimeout(c.rootCtx, c.agentTimeout)
	defer cancel()
	extract, err := ps.WaitPlan(ctx)
	if err != nil {
		c.sup.Cancel(ps.Proc)
		if errors.Is(err, context.DeadlineExceeded) {
			return plan.Plan{}, protocol.NewErrorf(protocol.ErrAgentTimeout, "agent produced no plan within %s", c.agentTimeout)
		}
		return plan.Plan{}, protocol.NewErrorf(protocol.ErrAgentCrashed, "plan production failed: %v", err)
	}

	p := c.plans.Create(sess.ID, prompt, workdir, string(kind), extract.Body, status.Modified)
	fwd.setPlanID(p.ID)
	c.metrics.RecordPlanEvent("proposed")

	if ps.AwaitsInteractiveApproval() {
		c.mu.Lock()
		c.planSessions[p.ID] = &planEntry{ps: ps, sessionID: sess.ID, fwd: fwd}
		c.mu.Unlock()
	}
	return p, nil
}

// ApprovePlan transitions the plan to APPROVED on behalf of its owner.
func (c *Coordinator) ApprovePlan(sess session.Session, planID string) (plan.Plan, *protocol.Error) {
	p, werr := c.plans.Approve(planID, sess.ID)
	if werr != nil {
		return plan.Plan{}, werr
	}
	c.metrics.RecordPlanEvent("approved")
	return p, nil
}

// RejectPlan removes the plan; an interactive planner gets the feedback
// written to its stdin before being torn down.
func (c *Coordinator) RejectPlan(sess session.Session, planID, reason string) *protocol.Error {
	if _, werr := c.plans.Reject(planID, sess.ID, reason); werr != nil {
		return werr
	}
	c.metrics.RecordPlanEvent("rejected")

	if entry := c.takePlanSession(planID); entry != nil {
		if err := entry.ps.RejectInteractively(reason); err != nil {
			slog.Warn("[Coordinator] Rejection handoff failed", "plan_id", planID, "error", err)
		}
		go c.sup.Cancel(entry.ps.Proc)
	}
	return nil
}

func (c *Coordinator) takePlanSession(planID string) *planEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.planSessions[planID]
	delete(c.planSessions, planID)
	return entry
}

// ============================================================================
// EXECUTE PHASE
// ============================================================================

// ExecutePlan dispatches an approved plan onto the session's FIFO queue.
func (c *Coordinator) ExecutePlan(sess session.Session, planID string) (Execution, *protocol.Error) {
	p, werr := c.plans.ClaimForExecution(planID, sess.ID)
	if werr != nil {
		return Execution{}, werr
	}

	rec := &execRecord{
		Execution: Execution{
			ID:        "e-" + uuid.NewString(),
			PlanID:    planID,
			SessionID: sess.ID,
			Workdir:   p.Workdir,
			Status:    StatusQueued,
		},
		plan:     p,
		modified: make(map[string]struct{}),
	}

	c.mu.Lock()
	c.execs[rec.ID] = rec
	queue := c.queueLocked(sess.ID)
	c.mu.Unlock()

	select {
	case queue <- rec:
	default:
		c.mu.Lock()
		delete(c.execs, rec.ID)
		c.mu.Unlock()
		c.plans.Unclaim(planID)
		return Execution{}, protocol.NewError(protocol.ErrInternal, "execution queue is full")
	}

	slog.Info("[Coordinator] Execution queued", "execution_id", rec.ID, "plan_id", planID, "session_id", sess.ID)
	return rec.snapshot(), nil
}

// queueLocked returns the session's queue, creating it and its single drain
// goroutine on first use. One drain per session keeps at most one execution
// in STARTING or RUNNING per session.
func (c *Coordinator) queueLocked(sessionID string) chan *execRecord {
	queue, ok := c.queues[sessionID]
	if !ok {
		queue = make(chan *execRecord, queueCapacity)
		c.queues[sessionID] = queue
		go c.drain(queue)
	}
	return queue
}

func (c *Coordinator) drain(queue chan *execRecord) {
	for {
		select {
		case rec := <-queue:
			c.runExecution(rec)
		case <-c.rootCtx.Done():
			return
		}
	}
}

// runExecution drives one execution from STARTING to its single terminal
// transition.
func (c *Coordinator) runExecution(rec *execRecord) {
	c.mu.Lock()
	if rec.aborted {
		reason := rec.ErrorReason
		c.mu.Unlock()
		c.finalize(rec, StatusAborted, reason)
		c.plans.Unclaim(rec.plan.ID)
		return
	}
	rec.Status = StatusStarting
	rec.StartedAt = time.Now()
	p := rec.plan
	c.mu.Unlock()

	c.audit.Log(audit.ActionExecutionStarted, map[string]any{
		"executionId": rec.ID,
		"planId":      p.ID,
		"sessionId":   rec.SessionID,
		"agent":       p.AgentKind,
	})
	c.bus.Publish(Event{
		Type: EventStarted, SessionID: rec.SessionID, ExecutionID: rec.ID,
		PlanID: p.ID, Status: StatusStarting, Progress: 0,
	})

	watchCtx, stopWatch := context.WithCancel(c.rootCtx)
	defer stopWatch()
	go func() {
		if err := c.ws.WatchWorkspace(watchCtx, p.Workdir, func(path string) {
			c.mu.Lock()
			rec.modified[path] = struct{}{}
			c.mu.Unlock()
			c.bus.Publish(Event{
				Type: EventFileChanged, SessionID: rec.SessionID,
				ExecutionID: rec.ID, File: path,
			})
		}); err != nil {
			slog.Warn("[Coordinator] Workspace watch failed", "workdir", p.Workdir, "error", err)
		}
	}()

	proc, fwd, werr := c.attachProcess(rec, p)
	if werr != nil {
		c.plans.Unclaim(p.ID)
		c.finalize(rec, StatusFailed, werr.Message)
		return
	}

	c.mu.Lock()
	rec.proc = proc
	rec.Status = StatusRunning
	rec.Progress = 10
	abortedEarly := rec.aborted
	c.mu.Unlock()

	if abortedEarly {
		go c.sup.Cancel(proc)
	}
	c.bus.Publish(Event{Type: EventStateChange, SessionID: rec.SessionID, ExecutionID: rec.ID, State: string(proc.State())})
	c.progress(rec, 10)

	if fwd == nil {
		fwd = &forwarder{sessionID: rec.SessionID, planID: p.ID}
		go c.forward(fwd, proc)
	}
	<-proc.Done()

	c.mu.Lock()
	aborted := rec.aborted
	reason := rec.ErrorReason
	c.mu.Unlock()

	if aborted {
		c.plans.Unclaim(p.ID)
		c.finalize(rec, StatusAborted, reason)
		return
	}
	if code := proc.ExitCode(); code != 0 {
		c.plans.Unclaim(p.ID)
		c.finalize(rec, StatusFailed, fmt.Sprintf("agent exited with code %d", code))
		return
	}

	c.progress(rec, 80)

	c.mu.Lock()
	files := modifiedList(rec.modified)
	c.mu.Unlock()
	if c.gitCfg.AutoCommit && len(files) > 0 {
		msg := fmt.Sprintf("prompt-dock: apply plan %s", p.ID)
		if _, err := c.ws.Commit(p.Workdir, msg, files); err != nil {
			slog.Warn("[Coordinator] Auto-commit failed", "execution_id", rec.ID, "error", err)
		}
		c.progress(rec, 90)
	}

	c.plans.MarkExecuted(p.ID)
	c.metrics.RecordPlanEvent("executed")

	result := proc.Output()
	if len(result) > resultTail {
		result = result[len(result)-resultTail:]
	}
	c.finalizeCompleted(rec, files, result)
}

// attachProcess resolves the agent process for an execution: an interactive
// planner held in AWAITING_APPROVAL is approved and reused, together with the
// forwarder that has been relaying its output since planning; otherwise a
// one-shot execute run is spawned with the approved plan inlined. A nil
// forwarder means the caller must start one.
func (c *Coordinator) attachProcess(rec *execRecord, p plan.Plan) (*agent.Process, *forwarder, *protocol.Error) {
	if entry := c.takePlanSession(p.ID); entry != nil {
		if entry.ps.AwaitsInteractiveApproval() {
			entry.ps.Proc.SetExecutionID(rec.ID)
			if err := entry.ps.ApproveInteractively(""); err != nil {
				return nil, nil, protocol.NewErrorf(protocol.ErrAgentCrashed, "approval handoff failed: %v", err)
			}
			return entry.ps.Proc, entry.fwd, nil
		}
		// Planner died in the meantime; fall through to a fresh spawn.
		go c.sup.Cancel(entry.ps.Proc)
	}

	prompt := fmt.Sprintf("%s\n\nApply exactly this approved plan:\n%s\n", p.Prompt, p.PlanText)
	proc, err := c.sup.StartOneShot(c.rootCtx, agent.Kind(p.AgentKind), prompt, p.Workdir, rec.ID, nil)
	if err != nil {
		return nil, nil, protocol.NewErrorf(protocol.ErrAgentNotAvailable, "agent %s unavailable: %v", p.AgentKind, err)
	}
	return proc, nil, nil
}

// forwarder carries the bus labels for one process's output relay. Each
// process gets exactly one relay for its whole life; the interactive planner
// keeps its relay across the approval handover, so output events stay in
// emission order. The plan id is mutable because it is only known once the
// plan has been registered.
type forwarder struct {
	sessionID string

	mu     sync.Mutex
	planID string
}

func (f *forwarder) setPlanID(id string) {
	f.mu.Lock()
	f.planID = id
	f.mu.Unlock()
}

func (f *forwarder) labels() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID, f.planID
}

// forward republishes a process's stream events on the session bus.
func (c *Coordinator) forward(f *forwarder, proc *agent.Process) {
	for ev := range proc.Events() {
		sessionID, planID := f.labels()
		c.bus.Publish(Event{
			Type:        EventOutput,
			SessionID:   sessionID,
			ExecutionID: ev.ExecutionID,
			PlanID:      planID,
			Stream:      ev.Stream,
			Data:        ev.Data,
			TS:          ev.TS,
			Truncated:   ev.Truncated,
		})
	}
}

func (c *Coordinator) progress(rec *execRecord, pct int) {
	c.mu.Lock()
	rec.Progress = pct
	status := rec.Status
	c.mu.Unlock()
	c.bus.Publish(Event{
		Type: EventProgress, SessionID: rec.SessionID, ExecutionID: rec.ID,
		Status: status, Progress: pct,
	})
}

// finalize applies the single terminal transition for failed and aborted
// executions and emits the matching terminal event.
func (c *Coordinator) finalize(rec *execRecord, status Status, reason string) {
	c.mu.Lock()
	if rec.Status.IsTerminal() && rec.FinishedAt != (time.Time{}) {
		c.mu.Unlock()
		return
	}
	rec.Status = status
	rec.ErrorReason = reason
	rec.FinishedAt = time.Now()
	started := rec.StartedAt
	files := modifiedList(rec.modified)
	c.mu.Unlock()

	evType := EventFailed
	if status == StatusAborted {
		evType = EventAborted
	}
	c.bus.Publish(Event{
		Type: evType, SessionID: rec.SessionID, ExecutionID: rec.ID,
		PlanID: rec.PlanID, Status: status, ModifiedFiles: files, Reason: reason,
	})
	c.recordEnd(rec, status, started)
}

func (c *Coordinator) finalizeCompleted(rec *execRecord, files []string, result string) {
	c.mu.Lock()
	rec.Status = StatusCompleted
	rec.Progress = 100
	rec.FinishedAt = time.Now()
	started := rec.StartedAt
	c.mu.Unlock()

	c.bus.Publish(Event{
		Type: EventProgress, SessionID: rec.SessionID, ExecutionID: rec.ID,
		Status: StatusCompleted, Progress: 100,
	})
	c.bus.Publish(Event{
		Type: EventCompleted, SessionID: rec.SessionID, ExecutionID: rec.ID,
		PlanID: rec.PlanID, Status: StatusCompleted, Progress: 100,
		ModifiedFiles: files, Result: result,
	})
	c.recordEnd(rec, StatusCompleted, started)
}

func (c *Coordinator) recordEnd(rec *execRecord, status Status, started time.Time) {
	seconds := 0.0
	if !started.IsZero() {
		seconds = time.Since(started).Seconds()
	}
	c.metrics.RecordExecution(string(status), seconds)
	c.audit.Log(audit.ActionExecutionEnded, map[string]any{
		"executionId": rec.ID,
		"planId":      rec.PlanID,
		"sessionId":   rec.SessionID,
		"status":      string(status),
	})
	slog.Info("[Coordinator] Execution finished", "execution_id", rec.ID, "status", status)
}

// ============================================================================
// ABORT / EMERGENCY / SESSION TEARDOWN
// ============================================================================

// Abort cancels a non-terminal execution owned by the caller. The state
// flips to ABORTED immediately; the terminal event follows once the
// subprocess has actually exited.
func (c *Coordinator) Abort(sess session.Session, executionID, reason string) *protocol.Error {
	c.mu.Lock()
	rec, ok := c.execs[executionID]
	if !ok || rec.SessionID != sess.ID {
		c.mu.Unlock()
		return protocol.NewErrorf(protocol.ErrExecutionNotFound, "no execution %s", executionID)
	}
	if rec.Status.IsTerminal() {
		c.mu.Unlock()
		return protocol.NewError(protocol.ErrExecutionAlreadyTerminal, "execution already finished")
	}
	if reason == "" {
		reason = "aborted by client"
	}
	rec.aborted = true
	rec.Status = StatusAborted
	rec.ErrorReason = reason
	proc := rec.proc
	c.mu.Unlock()

	if proc != nil {
		go c.sup.Cancel(proc)
	}
	slog.Info("[Coordinator] Abort requested", "execution_id", executionID, "reason", reason)
	return nil
}

// EmergencyStop cancels every live execution in parallel (shared grace) and
// voids queued ones. Returns the affected execution ids.
func (c *Coordinator) EmergencyStop(reason string) []string {
	c.mu.Lock()
	var ids []string
	var procs []*agent.Process
	for _, rec := range c.execs {
		if rec.Status.IsTerminal() {
			continue
		}
		rec.aborted = true
		rec.Status = StatusAborted
		rec.ErrorReason = reason
		ids = append(ids, rec.ID)
		if rec.proc != nil {
			procs = append(procs, rec.proc)
		}
	}
	entries := make([]*planEntry, 0, len(c.planSessions))
	for id, entry := range c.planSessions {
		entries = append(entries, entry)
		delete(c.planSessions, id)
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, proc := range procs {
		proc := proc
		g.Go(func() error { c.sup.Cancel(proc); return nil })
	}
	for _, entry := range entries {
		entry := entry
		g.Go(func() error { c.sup.Cancel(entry.ps.Proc); return nil })
	}
	g.Wait()

	if len(ids) > 0 {
		slog.Warn("[Coordinator] Emergency stop", "reason", reason, "executions", len(ids))
	}
	return ids
}

// CancelForSession tears down the agent work a closing connection owns:
// running executions are aborted, live planner processes cancelled. Plans
// stay registered until the sweeper collects them.
func (c *Coordinator) CancelForSession(sessionID string) {
	c.mu.Lock()
	var procs []*agent.Process
	for _, rec := range c.execs {
		if rec.SessionID != sessionID || rec.Status.IsTerminal() {
			continue
		}
		rec.aborted = true
		rec.Status = StatusAborted
		rec.ErrorReason = "connection closed"
		if rec.proc != nil {
			procs = append(procs, rec.proc)
		}
	}
	for id, entry := range c.planSessions {
		if entry.sessionID == sessionID {
			procs = append(procs, entry.ps.Proc)
			delete(c.planSessions, id)
		}
	}
	c.mu.Unlock()

	for _, proc := range procs {
		go c.sup.Cancel(proc)
	}
}

// ============================================================================
// INTERACTION & LOOKUP
// ============================================================================

// Interact forwards a free-form message to the session's live agent process.
func (c *Coordinator) Interact(sess session.Session, message string) *protocol.Error {
	proc := c.liveProcess(sess.ID)
	if proc == nil {
		return protocol.NewError(protocol.ErrExecutionNotFound, "no live agent for this session")
	}
	if err := c.sup.SendMessage(proc, message); err != nil {
		return protocol.NewErrorf(protocol.ErrAgentCrashed, "failed to deliver message: %v", err)
	}
	return nil
}

// Feedback forwards feedback to a specific execution's agent process.
func (c *Coordinator) Feedback(sess session.Session, executionID, feedback string) *protocol.Error {
	c.mu.Lock()
	rec, ok := c.execs[executionID]
	var proc *agent.Process
	if ok && rec.SessionID == sess.ID {
		proc = rec.proc
	}
	c.mu.Unlock()

	if proc == nil {
		return protocol.NewErrorf(protocol.ErrExecutionNotFound, "no execution %s", executionID)
	}
	if err := c.sup.SendMessage(proc, feedback); err != nil {
		return protocol.NewErrorf(protocol.ErrAgentCrashed, "failed to deliver feedback: %v", err)
	}
	return nil
}

func (c *Coordinator) liveProcess(sessionID string) *agent.Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range c.execs {
		if rec.SessionID == sessionID && !rec.Status.IsTerminal() && rec.proc != nil {
			return rec.proc
		}
	}
	for _, entry := range c.planSessions {
		if entry.sessionID == sessionID {
			return entry.ps.Proc
		}
	}
	return nil
}

// Get returns a snapshot of one execution owned by the caller.
func (c *Coordinator) Get(sess session.Session, executionID string) (Execution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.execs[executionID]
	if !ok || rec.SessionID != sess.ID {
		return Execution{}, false
	}
	return rec.snapshot(), true
}

// Sweep drops terminal executions past the retention window and cancels
// planner processes whose plan no longer exists, which happens when the plan
// registry expires an unapproved plan out from under its live planner.
func (c *Coordinator) Sweep() int {
	now := time.Now()
	c.mu.Lock()

	dropped := 0
	for id, rec := range c.execs {
		if rec.Status.IsTerminal() && !rec.FinishedAt.IsZero() && now.Sub(rec.FinishedAt) > terminalRetention {
			delete(c.execs, id)
			dropped++
		}
	}
	var orphans []*planEntry
	for id, entry := range c.planSessions {
		if _, ok := c.plans.Get(id); !ok {
			orphans = append(orphans, entry)
			delete(c.planSessions, id)
		}
	}
	c.mu.Unlock()

	for _, entry := range orphans {
		slog.Info("[Coordinator] Reaping planner for expired plan", "session_id", entry.sessionID)
		go c.sup.Cancel(entry.ps.Proc)
	}
	return dropped
}

// validateWorkdir checks that workdir is an existing, writable directory.
func validateWorkdir(workdir string) *protocol.Error {
	info, err := os.Stat(workdir)
	if err != nil || !info.IsDir() {
		return protocol.NewErrorf(protocol.ErrWorkspace, "workdir %s is not a directory", workdir)
	}
	f, err := os.CreateTemp(workdir, ".prompt-dock-write-check-*")
	if err != nil {
		return protocol.NewErrorf(protocol.ErrWorkspace, "workdir %s is not writable", workdir)
	}
	f.Close()
	os.Remove(f.Name())
	return nil
}
