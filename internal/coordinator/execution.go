package coordinator

import (
	"sort"
	"time"

	"github.com/promptdock/bridge/internal/agent"
	"github.com/promptdock/bridge/internal/plan"
)

// Status is the lifecycle position of an execution.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusStarting  Status = "STARTING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusAborted   Status = "ABORTED"
)

// IsTerminal reports whether no further transition leaves the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Execution is a caller-visible snapshot of one attempt to apply an approved
// plan.
type Execution struct {
	ID            string    `json:"id"`
	PlanID        string    `json:"planId"`
	SessionID     string    `json:"-"`
	Workdir       string    `json:"-"`
	Status        Status    `json:"status"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt,omitempty"`
	Progress      int       `json:"progress"`
	ModifiedFiles []string  `json:"modifiedFiles"`
	ErrorReason   string    `json:"errorReason,omitempty"`
}

// execRecord is the stored mutable state behind an Execution snapshot. All
// fields are guarded by the coordinator mutex; proc is written once by the
// drain goroutine.
type execRecord struct {
	Execution
	plan     plan.Plan
	proc     *agent.Process
	aborted  bool
	modified map[string]struct{}
}

func (rec *execRecord) snapshot() Execution {
	e := rec.Execution
	e.ModifiedFiles = modifiedList(rec.modified)
	return e
}

func modifiedList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
