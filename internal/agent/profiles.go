// Package agent supervises the external coding-agent subprocesses: locating
// binaries, spawning plan and execute runs, streaming their output, handing
// approval decisions to an interactive planner, and tearing processes down.
package agent

import (
	"encoding/json"
	"fmt"
)

// Kind names a supported agent binary.
type Kind string

const (
	KindClaude Kind = "claude"
	KindCodex  Kind = "codex"
	KindCursor Kind = "cursor"
	KindGemini Kind = "gemini"
)

// Profile hides one agent's CLI variant behind a uniform surface: how to
// invoke it for planning and for direct execution, and how approval records
// are written to its stdin.
type Profile struct {
	Kind   Kind
	Binary string

	// PlanArgs put the agent into plan-only streaming-JSON mode. The prompt
	// is always delivered on stdin.
	PlanArgs []string
	// ExecArgs run the agent in one-shot execute mode.
	ExecArgs []string

	// KeepsPlannerAlive marks agents whose plan-mode process stays up after
	// emitting the plan, waiting for an approval record on stdin.
	KeepsPlannerAlive bool

	Beta bool
}

var profiles = map[Kind]Profile{
	KindClaude: {
		Kind:              KindClaude,
		Binary:            "claude",
		PlanArgs:          []string{"--print", "--output-format", "stream-json", "--permission-mode", "plan"},
		ExecArgs:          []string{"--print", "--output-format", "stream-json", "--dangerously-skip-permissions"},
		KeepsPlannerAlive: true,
	},
	KindCodex: {
		Kind:     KindCodex,
		Binary:   "codex",
		PlanArgs: []string{"exec", "--json", "--sandbox", "read-only"},
		ExecArgs: []string{"exec", "--json", "--full-auto"},
	},
	KindCursor: {
		Kind:     KindCursor,
		Binary:   "cursor-agent",
		PlanArgs: []string{"--print", "--output-format", "stream-json"},
		ExecArgs: []string{"--print", "--output-format", "stream-json", "--force"},
		Beta:     true,
	},
	KindGemini: {
		Kind:     KindGemini,
		Binary:   "gemini",
		PlanArgs: []string{"--output-format", "stream-json", "--approval-mode", "plan"},
		ExecArgs: []string{"--output-format", "stream-json", "--approval-mode", "yolo"},
		Beta:     true,
	},
}

// Kinds lists the supported agent kinds in a stable order.
func Kinds() []Kind {
	return []Kind{KindClaude, KindCodex, KindCursor, KindGemini}
}

// ProfileFor resolves a kind to its profile.
func ProfileFor(kind Kind) (Profile, error) {
	p, ok := profiles[kind]
	if !ok {
		return Profile{}, fmt.Errorf("unknown agent kind %q", kind)
	}
	return p, nil
}

// ApprovalRecord is the JSON line written to an interactive planner's stdin
// to let it proceed to execution.
func ApprovalRecord(directive string) []byte {
	rec := map[string]string{"type": "approval_response", "decision": "approve"}
	if directive != "" {
		rec["directive"] = directive
	}
	line, _ := json.Marshal(rec)
	return append(line, '\n')
}

// RejectionRecord is the JSON line that rejects the proposed plan; the
// planner may stream a revised plan afterwards.
func RejectionRecord(feedback string) []byte {
	rec := map[string]string{"type": "approval_response", "decision": "reject"}
	if feedback != "" {
		rec["feedback"] = feedback
	}
	line, _ := json.Marshal(rec)
	return append(line, '\n')
}
