// Package plan stores plan artifacts and drives their approval state
// machine. Plans are strictly owned: only the session that created a plan
// may transition it.
package plan

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promptdock/bridge/internal/protocol"
)

// MaxUnapprovedAge is how long a PROPOSED plan survives before the sweeper
// expires it.
const MaxUnapprovedAge = 30 * time.Minute

// Metadata summarises a plan for review UIs.
type Metadata struct {
	Complexity        string `json:"complexity"`
	RiskLevel         string `json:"riskLevel"`
	EstimatedDuration string `json:"estimatedDuration"`
}

// Plan is one reviewed unit of agent work.
type Plan struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"-"`
	Prompt            string    `json:"prompt"`
	Workdir           string    `json:"workdir"`
	AgentKind         string    `json:"agentKind"`
	PlanText          string    `json:"plan"`
	ModifiedFilesHint []string  `json:"modifiedFiles"`
	State             State     `json:"-"`
	Metadata          Metadata  `json:"metadata"`
	CreatedAt         time.Time `json:"createdAt"`
	ApprovedAt        time.Time `json:"approvedAt,omitempty"`
	ExecutedAt        time.Time `json:"executedAt,omitempty"`
	RejectionReason   string    `json:"-"`
}

type record struct {
	Plan
	claimed bool // an execution has been dispatched and has not failed
}

// Registry holds live plans.
type Registry struct {
	mu    sync.Mutex
	plans map[string]*record
	now   func() time.Time
}

// NewRegistry returns an empty plan registry.
func NewRegistry() *Registry {
	return &Registry{
		plans: make(map[string]*record),
		now:   time.Now,
	}
}

// Create stores a fresh plan in PROPOSED state and returns its snapshot.
func (r *Registry) Create(sessionID, prompt, workdir, agentKind, planText string, files []string) Plan {
	p := Plan{
		ID:                "pl-" + uuid.NewString(),
		SessionID:         sessionID,
		Prompt:            prompt,
		Workdir:           workdir,
		AgentKind:         agentKind,
		PlanText:          planText,
		ModifiedFilesHint: append([]string(nil), files...),
		State:             StateProposed,
		Metadata:          DeriveMetadata(planText),
		CreatedAt:         r.now(),
	}

	r.mu.Lock()
	r.plans[p.ID] = &record{Plan: p}
	r.mu.Unlock()

	slog.Info("[Plan] Proposed", "plan_id", p.ID, "session_id", sessionID, "agent", agentKind)
	return p
}

// Get returns a snapshot of one plan.
func (r *Registry) Get(planID string) (Plan, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.plans[planID]
	if !ok {
		return Plan{}, false
	}
	return rec.snapshot(), true
}

// Approve transitions planID from PROPOSED to APPROVED on behalf of
// sessionID. Approving an already-approved plan is a no-op success.
func (r *Registry) Approve(planID, sessionID string) (Plan, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, werr := r.ownedLocked(planID, sessionID)
	if werr != nil {
		return Plan{}, werr
	}

	switch rec.State {
	case StateApproved:
		return rec.snapshot(), nil
	case StateExecuted:
		return Plan{}, protocol.NewError(protocol.ErrPlanAlreadyExecuted, "plan was already executed")
	}

	rec.State = StateApproved
	rec.ApprovedAt = r.now()
	slog.Info("[Plan] Approved", "plan_id", planID, "session_id", sessionID)
	return rec.snapshot(), nil
}

// Reject removes the plan. Only a PROPOSED plan can be rejected; once
// approved, the way to back out is aborting its execution.
func (r *Registry) Reject(planID, sessionID, reason string) (Plan, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, werr := r.ownedLocked(planID, sessionID)
	if werr != nil {
		return Plan{}, werr
	}
	if rec.State == StateExecuted {
		return Plan{}, protocol.NewError(protocol.ErrPlanAlreadyExecuted, "plan was already executed")
	}
	if rec.State != StateProposed {
		return Plan{}, protocol.NewErrorf(protocol.ErrPlanStateInvalid, "plan is %s and can no longer be rejected", rec.State)
	}

	rec.State = StateRejected
	rec.RejectionReason = reason
	delete(r.plans, planID)

	slog.Info("[Plan] Rejected", "plan_id", planID, "session_id", sessionID, "reason", reason)
	return rec.snapshot(), nil
}

// ClaimForExecution atomically validates that the plan is approved, owned by
// sessionID, and not already dispatched, then marks it dispatched. A failed
// execution releases the claim with Unclaim.
func (r *Registry) ClaimForExecution(planID, sessionID string) (Plan, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, werr := r.ownedLocked(planID, sessionID)
	if werr != nil {
		return Plan{}, werr
	}

	switch {
	case rec.State == StateExecuted:
		return Plan{}, protocol.NewError(protocol.ErrPlanAlreadyExecuted, "plan was already executed")
	case rec.State != StateApproved:
		return Plan{}, protocol.NewErrorf(protocol.ErrPlanNotApproved, "plan is %s, approval required", rec.State)
	case rec.claimed:
		return Plan{}, protocol.NewError(protocol.ErrPlanAlreadyExecuted, "an execution for this plan is in progress")
	}

	rec.claimed = true
	return rec.snapshot(), nil
}

// Unclaim releases a failed execution's claim so the plan can be retried.
func (r *Registry) Unclaim(planID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.plans[planID]; ok {
		rec.claimed = false
	}
}

// MarkExecuted finalises the plan after its execution completed.
func (r *Registry) MarkExecuted(planID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.plans[planID]
	if !ok || !CanTransition(rec.State, StateExecuted) {
		return
	}
	rec.State = StateExecuted
	rec.ExecutedAt = r.now()
	slog.Info("[Plan] Executed", "plan_id", planID)
}

// Sweep expires PROPOSED plans older than MaxUnapprovedAge and returns how
// many were removed.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.plans {
		if rec.State == StateProposed && now.Sub(rec.CreatedAt) > MaxUnapprovedAge {
			rec.State = StateExpired
			delete(r.plans, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("[Plan] Swept unapproved plans", "count", removed)
	}
	return removed
}

// Count returns the number of live plans.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plans)
}

func (r *Registry) ownedLocked(planID, sessionID string) (*record, *protocol.Error) {
	rec, ok := r.plans[planID]
	if !ok {
		return nil, protocol.NewErrorf(protocol.ErrPlanNotFound, "no plan %s", planID)
	}
	if rec.SessionID != sessionID {
		return nil, protocol.NewError(protocol.ErrPlanOwnershipViolated, "plan belongs to another session")
	}
	return rec, nil
}

func (rec *record) snapshot() Plan {
	p := rec.Plan
	p.ModifiedFilesHint = append([]string(nil), rec.ModifiedFilesHint...)
	return p
}

// ============================================================================
// PLAN METADATA HEURISTICS
// ============================================================================

var riskKeywords = []string{
	"delete", "drop", "remove", "truncate", "migration", "force push",
	"rm -rf", "credential", "secret", "production", "database",
}

// DeriveMetadata estimates review metadata from the plan text: complexity
// follows the number of plan steps, risk follows keyword scanning, and the
// duration estimate follows complexity.
func DeriveMetadata(planText string) Metadata {
	steps := 0
	for _, line := range strings.Split(planText, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*") || startsNumbered(trimmed) {
			steps++
		}
	}

	complexity := "low"
	duration := "under 5 minutes"
	switch {
	case steps > 10:
		complexity = "high"
		duration = "over 30 minutes"
	case steps > 4:
		complexity = "medium"
		duration = "5-30 minutes"
	}

	risk := "low"
	lower := strings.ToLower(planText)
	hits := 0
	for _, kw := range riskKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	switch {
	case hits >= 3:
		risk = "high"
	case hits >= 1:
		risk = "medium"
	}

	return Metadata{
		Complexity:        complexity,
		RiskLevel:         risk,
		EstimatedDuration: duration,
	}
}

func startsNumbered(line string) bool {
	if line == "" {
		return false
	}
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	return i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')')
}

// Describe renders a short operator-facing summary.
func (p Plan) Describe() string {
	return fmt.Sprintf("%s [%s] %s (%d files)", p.ID, p.State, p.AgentKind, len(p.ModifiedFilesHint))
}
