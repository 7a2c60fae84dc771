package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/promptdock/bridge/internal/audit"
	"github.com/promptdock/bridge/internal/config"
	"github.com/promptdock/bridge/internal/metrics"
)

// teardownGrace is how long a politely signalled child gets before SIGKILL.
const teardownGrace = 5 * time.Second

// Stream names one side of the child's output.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// StreamEvent frames one unit of child output. Streams are per-stream FIFO
// and never merged; consumers interleave on Stream and TS. Truncated marks
// the single marker event emitted per ring-buffer overflow burst.
type StreamEvent struct {
	ExecutionID string    `json:"executionId"`
	Stream      Stream    `json:"stream"`
	Data        string    `json:"data"`
	TS          time.Time `json:"ts"`
	Truncated   bool      `json:"truncated,omitempty"`
}

// ProcState is the observable lifecycle position of an agent subprocess.
type ProcState string

const (
	StateIdle             ProcState = "IDLE"
	StatePlanning         ProcState = "PLANNING"
	StateAwaitingApproval ProcState = "AWAITING_APPROVAL"
	StateExecuting        ProcState = "EXECUTING"
	StateExited           ProcState = "EXITED"
)

// Process is one live agent subprocess with its stream pumps and bounded
// output ring.
type Process struct {
	Kind Kind

	cmd    *exec.Cmd
	cancel context.CancelFunc

	mu       sync.Mutex
	execID   string
	stdin    io.WriteCloser
	state    ProcState
	exitCode int

	ring     *RingBuffer
	events   chan StreamEvent
	done     chan struct{}
	lineHook func(stream Stream, line string)
	exitHook func()
	hardKill bool
}

// Events streams the child's framed output; closed after exit.
func (p *Process) Events() <-chan StreamEvent { return p.events }

// ExecutionID returns the coordinator-chosen id tagged onto stream events.
func (p *Process) ExecutionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.execID
}

// SetExecutionID retags the stream. Used when an interactive planner is
// handed over to the execution it was approved for.
func (p *Process) SetExecutionID(id string) {
	p.mu.Lock()
	p.execID = id
	p.mu.Unlock()
}

// Done is closed once the child has exited and both pumps have drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// State returns the current lifecycle position.
func (p *Process) State() ProcState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s ProcState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// ExitCode is valid once Done is closed.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// PID returns the child pid, or 0 before start.
func (p *Process) PID() int {
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// Output returns the retained window of combined child output.
func (p *Process) Output() string { return p.ring.String() }

// writeStdin serialises interactive writes onto the single writer handle.
func (p *Process) writeStdin(record []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return errors.New("agent stdin is closed")
	}
	_, err := p.stdin.Write(record)
	return err
}

// Supervisor spawns and tears down agent subprocesses. commandRun is a seam
// for tests.
type Supervisor struct {
	cfg     config.AgentsConfig
	audit   *audit.Logger
	metrics *metrics.Metrics

	commandRun func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// New builds a supervisor.
func New(cfg config.AgentsConfig, auditLog *audit.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		audit:      auditLog,
		metrics:    m,
		commandRun: exec.CommandContext,
	}
}

// MaxBufferBytes returns the configured output ring bound.
func (s *Supervisor) MaxBufferBytes() int {
	if s.cfg.MaxBufferBytes > 0 {
		return s.cfg.MaxBufferBytes
	}
	return config.DefaultMaxBufferBytes
}

// spawn starts the agent with pipes, unbuffered output environment, and the
// polite-then-hard teardown wired through cmd.Cancel/WaitDelay. The second
// return value starts the stream pumps.
func (s *Supervisor) spawn(ctx context.Context, kind Kind, path string, args []string, workdir, executionID, mode string) (*Process, func(), error) {
	runCtx, cancel := context.WithCancel(ctx)

	cmd := s.commandRun(runCtx, path, args...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(),
		"NO_COLOR=1",
		"FORCE_COLOR=0",
		"TERM=dumb",
		"CI=1",
	)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = teardownGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to open agent stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to spawn %s: %w", kind, err)
	}

	proc := &Process{
		Kind:   kind,
		cmd:    cmd,
		cancel: cancel,
		execID: executionID,
		stdin:  stdin,
		ring:   NewRingBuffer(s.MaxBufferBytes()),
		events: make(chan StreamEvent, 256),
		done:   make(chan struct{}),
	}

	s.metrics.RecordAgentSpawn(string(kind), mode)
	slog.Info("[Agent] Spawned", "agent", kind, "pid", cmd.Process.Pid, "mode", mode, "workdir", workdir)

	// The pumps and the exit watcher run only once the returned closure is
	// called, so callers can install line and exit hooks before the first
	// byte is read.
	start := func() {
		var g errgroup.Group
		g.Go(func() error { s.pump(proc, StreamStdout, stdout); return nil })
		g.Go(func() error { s.pump(proc, StreamStderr, stderr); return nil })

		go func() {
			// Wait first: WaitDelay force-closes the pipes if a grandchild
			// keeps them open past the grace period, which unblocks the pumps.
			err := cmd.Wait()
			g.Wait()

			proc.mu.Lock()
			proc.state = StateExited
			proc.stdin = nil
			var exitErr *exec.ExitError
			switch {
			case err == nil:
				proc.exitCode = 0
			case errors.As(err, &exitErr):
				proc.exitCode = exitErr.ExitCode()
			default:
				proc.exitCode = -1
			}
			hardKilled := errors.Is(err, exec.ErrWaitDelay) || proc.hardKill
			proc.mu.Unlock()

			if hardKilled {
				s.audit.Log(audit.ActionAgentHardKill, map[string]any{
					"agent":       string(kind),
					"executionId": executionID,
					"pid":         cmd.Process.Pid,
				})
			}
			if proc.exitHook != nil {
				proc.exitHook()
			}
			close(proc.events)
			close(proc.done)
			slog.Info("[Agent] Exited", "agent", kind, "pid", cmd.Process.Pid, "code", proc.ExitCode())
		}()
	}

	return proc, start, nil
}

// pump reads one child stream line-by-line (UTF-8 safe framing) into the
// ring buffer and the event channel.
func (s *Supervisor) pump(proc *Process, stream Stream, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		now := time.Now().UTC()
		execID := proc.ExecutionID()

		if truncated := proc.ring.Write(append([]byte(line), '\n')); truncated {
			proc.events <- StreamEvent{
				ExecutionID: execID,
				Stream:      stream,
				TS:          now,
				Truncated:   true,
			}
		}
		s.metrics.RecordAgentOutput(string(stream), len(line)+1)

		if proc.lineHook != nil {
			proc.lineHook(stream, line)
		}
		proc.events <- StreamEvent{
			ExecutionID: execID,
			Stream:      stream,
			Data:        line,
			TS:          now,
		}
	}
}

// Cancel tears a process down: polite SIGTERM, five seconds of grace, then
// SIGKILL. It returns once the process has fully exited.
func (s *Supervisor) Cancel(proc *Process) {
	if proc == nil {
		return
	}
	proc.cancel()
	select {
	case <-proc.Done():
	case <-time.After(teardownGrace + teardownGrace):
		// cmd.WaitDelay has already sent SIGKILL; record that we gave up
		proc.mu.Lock()
		proc.hardKill = true
		proc.mu.Unlock()
	}
}

// ============================================================================
// PLAN MODE
// ============================================================================

// PlanSession is one plan-mode run. The plan artifact is delivered through
// WaitPlan exactly once per streamed plan; for agents that keep the planner
// alive the process then sits in AWAITING_APPROVAL until an approval or
// rejection record is written.
type PlanSession struct {
	Proc    *Process
	profile Profile

	mu         sync.Mutex
	completed  bool
	transcript strings.Builder
	planCh     chan Extract
}

// StartPlan spawns kind in plan mode, writes the prompt to stdin, and begins
// streaming. The returned session's WaitPlan blocks until the agent's result
// event (or stream EOF) delivers the plan artifact.
func (s *Supervisor) StartPlan(ctx context.Context, kind Kind, prompt, workdir, executionID string) (*PlanSession, error) {
	profile, err := ProfileFor(kind)
	if err != nil {
		return nil, err
	}
	info, err := s.Locate(kind)
	if err != nil {
		return nil, err
	}

	ps := &PlanSession{
		profile: profile,
		planCh:  make(chan Extract, 1),
	}

	proc, start, err := s.spawn(ctx, kind, info.Path, profile.PlanArgs, workdir, executionID, "plan")
	if err != nil {
		return nil, err
	}
	proc.setState(StatePlanning)
	proc.lineHook = ps.handleLine
	proc.exitHook = func() { ps.complete("") }
	ps.Proc = proc
	start()

	if err := proc.writeStdin(append([]byte(prompt), '\n')); err != nil {
		s.Cancel(proc)
		return nil, fmt.Errorf("failed to write prompt: %w", err)
	}
	if !profile.KeepsPlannerAlive {
		// One-pass planners read the prompt to EOF.
		proc.mu.Lock()
		if proc.stdin != nil {
			proc.stdin.Close()
			proc.stdin = nil
		}
		proc.mu.Unlock()
	}
	return ps, nil
}

// AwaitsInteractiveApproval reports whether the planner process is alive and
// waiting for an approval record on stdin.
func (ps *PlanSession) AwaitsInteractiveApproval() bool {
	return ps.profile.KeepsPlannerAlive && ps.Proc.State() == StateAwaitingApproval
}

// handleLine watches the stdout stream for the agent's result event, which
// signals plan completion.
func (ps *PlanSession) handleLine(stream Stream, line string) {
	if stream != StreamStdout {
		return
	}
	ps.mu.Lock()
	ps.transcript.WriteString(line)
	ps.transcript.WriteByte('\n')
	ps.mu.Unlock()

	var evt struct {
		Type string `json:"type"`
		Plan string `json:"plan"`
		Text string `json:"text"`
	}
	if json.Unmarshal([]byte(line), &evt) == nil && evt.Type == "result" {
		body := evt.Plan
		if body == "" {
			body = evt.Text
		}
		ps.complete(body)
	}
}

// complete delivers the plan artifact at most once per streamed plan.
func (ps *PlanSession) complete(resultText string) {
	ps.mu.Lock()
	if ps.completed {
		ps.mu.Unlock()
		return
	}
	ps.completed = true
	source := resultText
	if source == "" {
		source = ps.transcript.String()
	}
	ps.mu.Unlock()

	if ps.profile.KeepsPlannerAlive && ps.Proc.State() != StateExited {
		ps.Proc.setState(StateAwaitingApproval)
	}
	ps.planCh <- ExtractPlan(source)
}

// WaitPlan blocks until the plan artifact is available. A planner that exits
// nonzero before producing a result fails plan production.
func (ps *PlanSession) WaitPlan(ctx context.Context) (Extract, error) {
	select {
	case extract := <-ps.planCh:
		select {
		case <-ps.Proc.Done():
			if ps.Proc.ExitCode() != 0 {
				return Extract{}, fmt.Errorf("agent exited with code %d during planning", ps.Proc.ExitCode())
			}
		default:
		}
		return extract, nil
	case <-ctx.Done():
		return Extract{}, ctx.Err()
	}
}

// ApproveInteractively writes the approval record to the planner's stdin;
// the process transitions to EXECUTING and streams execution output until
// exit.
func (ps *PlanSession) ApproveInteractively(directive string) error {
	if !ps.AwaitsInteractiveApproval() {
		return errors.New("planner is not awaiting approval")
	}
	if err := ps.Proc.writeStdin(ApprovalRecord(directive)); err != nil {
		return fmt.Errorf("failed to write approval: %w", err)
	}
	ps.Proc.setState(StateExecuting)
	return nil
}

// RejectInteractively writes a rejection with feedback; the planner may then
// stream a revised plan, delivered through a subsequent WaitPlan.
func (ps *PlanSession) RejectInteractively(feedback string) error {
	if !ps.AwaitsInteractiveApproval() {
		return errors.New("planner is not awaiting approval")
	}
	if err := ps.Proc.writeStdin(RejectionRecord(feedback)); err != nil {
		return fmt.Errorf("failed to write rejection: %w", err)
	}
	ps.mu.Lock()
	ps.completed = false
	ps.transcript.Reset()
	ps.mu.Unlock()
	ps.Proc.setState(StatePlanning)
	return nil
}

// ============================================================================
// ONE-SHOT EXECUTION
// ============================================================================

// StartOneShot spawns kind for direct execution: the prompt is written to
// stdin, stdin is closed, and the process streams until exit.
func (s *Supervisor) StartOneShot(ctx context.Context, kind Kind, prompt, workdir, executionID string, opts map[string]string) (*Process, error) {
	profile, err := ProfileFor(kind)
	if err != nil {
		return nil, err
	}
	info, err := s.Locate(kind)
	if err != nil {
		return nil, err
	}

	args := append([]string(nil), profile.ExecArgs...)
	for _, key := range []string{"model"} {
		if v := opts[key]; v != "" {
			args = append(args, "--"+key, v)
		}
	}

	proc, start, err := s.spawn(ctx, kind, info.Path, args, workdir, executionID, "execute")
	if err != nil {
		return nil, err
	}
	proc.setState(StateExecuting)
	start()

	if err := proc.writeStdin(append([]byte(prompt), '\n')); err != nil {
		s.Cancel(proc)
		return nil, fmt.Errorf("failed to write prompt: %w", err)
	}
	proc.mu.Lock()
	if proc.stdin != nil {
		proc.stdin.Close()
		proc.stdin = nil
	}
	proc.mu.Unlock()
	return proc, nil
}

// SendMessage delivers a free-form interactive message to a live process.
func (s *Supervisor) SendMessage(proc *Process, message string) error {
	rec, _ := json.Marshal(map[string]string{"type": "user_message", "content": message})
	return proc.writeStdin(append(rec, '\n'))
}
