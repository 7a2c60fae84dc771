package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptdock/bridge/internal/protocol"
)

func newTestRegistry() (*Registry, func(time.Duration)) {
	r := NewRegistry()
	base := time.Now()
	offset := time.Duration(0)
	r.now = func() time.Time { return base.Add(offset) }
	return r, func(d time.Duration) { offset += d }
}

func propose(r *Registry, sessionID string) Plan {
	return r.Create(sessionID, "add logging", "/tmp/repo", "claude",
		"- add a logger\n- wire it into main", []string{"main.go"})
}

// ===== LIFECYCLE =====

func TestProposeApproveExecute(t *testing.T) {
	r, _ := newTestRegistry()

	p := propose(r, "s1")
	assert.Equal(t, StateProposed, p.State)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, []string{"main.go"}, p.ModifiedFilesHint)

	approved, werr := r.Approve(p.ID, "s1")
	require.Nil(t, werr)
	assert.Equal(t, StateApproved, approved.State)
	assert.False(t, approved.ApprovedAt.IsZero())

	claimed, werr := r.ClaimForExecution(p.ID, "s1")
	require.Nil(t, werr)
	assert.Equal(t, StateApproved, claimed.State)

	r.MarkExecuted(p.ID)
	got, ok := r.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, StateExecuted, got.State)
}

func TestApproveIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry()
	p := propose(r, "s1")

	_, werr := r.Approve(p.ID, "s1")
	require.Nil(t, werr)
	again, werr := r.Approve(p.ID, "s1")
	require.Nil(t, werr, "second approve is a no-op success")
	assert.Equal(t, StateApproved, again.State)
}

func TestExecuteRequiresApproval(t *testing.T) {
	r, _ := newTestRegistry()
	p := propose(r, "s1")

	_, werr := r.ClaimForExecution(p.ID, "s1")
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrPlanNotApproved, werr.Code)
}

func TestRejectRemovesPlan(t *testing.T) {
	r, _ := newTestRegistry()
	p := propose(r, "s1")

	rejected, werr := r.Reject(p.ID, "s1", "too risky")
	require.Nil(t, werr)
	assert.Equal(t, "too risky", rejected.RejectionReason)

	_, ok := r.Get(p.ID)
	assert.False(t, ok, "rejected plan is gone")

	_, werr = r.Approve(p.ID, "s1")
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrPlanNotFound, werr.Code)
}

// ===== OWNERSHIP =====

func TestOwnershipIsEnforced(t *testing.T) {
	r, _ := newTestRegistry()
	p := propose(r, "s1")

	_, werr := r.Approve(p.ID, "s2")
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrPlanOwnershipViolated, werr.Code)

	_, werr = r.Reject(p.ID, "s2", "not mine")
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrPlanOwnershipViolated, werr.Code)

	_, werr = r.ClaimForExecution(p.ID, "s2")
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrPlanOwnershipViolated, werr.Code)
}

// ===== CLAIM SEMANTICS =====

func TestClaimIsExclusiveUntilReleased(t *testing.T) {
	r, _ := newTestRegistry()
	p := propose(r, "s1")
	_, werr := r.Approve(p.ID, "s1")
	require.Nil(t, werr)

	_, werr = r.ClaimForExecution(p.ID, "s1")
	require.Nil(t, werr)

	_, werr = r.ClaimForExecution(p.ID, "s1")
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrPlanAlreadyExecuted, werr.Code)

	_, werr = r.Reject(p.ID, "s1", "changed my mind")
	require.NotNil(t, werr, "a claimed plan cannot be rejected out from under its execution")

	// A failed execution releases the claim; the plan can be retried.
	r.Unclaim(p.ID)
	_, werr = r.ClaimForExecution(p.ID, "s1")
	require.Nil(t, werr)
}

func TestRejectOnlyFromProposed(t *testing.T) {
	r, _ := newTestRegistry()
	p := propose(r, "s1")
	_, werr := r.Approve(p.ID, "s1")
	require.Nil(t, werr)

	_, werr = r.Reject(p.ID, "s1", "second thoughts")
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrPlanStateInvalid, werr.Code)

	got, ok := r.Get(p.ID)
	require.True(t, ok, "the approved plan survives the refused rejection")
	assert.Equal(t, StateApproved, got.State)

	assert.False(t, CanTransition(StateApproved, StateRejected))
	assert.True(t, CanTransition(StateApproved, StateExecuted))
}

func TestExecutedPlanIsFinal(t *testing.T) {
	r, _ := newTestRegistry()
	p := propose(r, "s1")
	_, werr := r.Approve(p.ID, "s1")
	require.Nil(t, werr)
	_, werr = r.ClaimForExecution(p.ID, "s1")
	require.Nil(t, werr)
	r.MarkExecuted(p.ID)

	_, werr = r.Approve(p.ID, "s1")
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrPlanAlreadyExecuted, werr.Code)

	_, werr = r.ClaimForExecution(p.ID, "s1")
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrPlanAlreadyExecuted, werr.Code)
}

// ===== SWEEP =====

func TestSweepExpiresOnlyStaleProposed(t *testing.T) {
	r, advance := newTestRegistry()

	stale := propose(r, "s1")
	approvedEarly := propose(r, "s1")
	_, werr := r.Approve(approvedEarly.ID, "s1")
	require.Nil(t, werr)

	advance(MaxUnapprovedAge + time.Minute)
	fresh := propose(r, "s1")

	assert.Equal(t, 1, r.Sweep())
	_, ok := r.Get(stale.ID)
	assert.False(t, ok)
	_, ok = r.Get(approvedEarly.ID)
	assert.True(t, ok, "approved plans never expire by age")
	_, ok = r.Get(fresh.ID)
	assert.True(t, ok)
	assert.Equal(t, 2, r.Count())
}

// ===== METADATA HEURISTICS =====

func TestDeriveMetadata(t *testing.T) {
	low := DeriveMetadata("- tweak one file")
	assert.Equal(t, "low", low.Complexity)
	assert.Equal(t, "low", low.RiskLevel)

	medium := DeriveMetadata("1. a\n2. b\n3. c\n4. d\n5. drop the old index")
	assert.Equal(t, "medium", medium.Complexity)
	assert.Equal(t, "medium", medium.RiskLevel)

	steps := ""
	for i := 0; i < 12; i++ {
		steps += "- delete production database migration step\n"
	}
	high := DeriveMetadata(steps)
	assert.Equal(t, "high", high.Complexity)
	assert.Equal(t, "high", high.RiskLevel)
	assert.Equal(t, "over 30 minutes", high.EstimatedDuration)
}
