package server

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/promptdock/bridge/internal/coordinator"
	"github.com/promptdock/bridge/internal/protocol"
)

// diffFanout caps how many per-file diffs are pushed after a completed
// execution.
const diffFanout = 10

func marshalEnvelope(env *protocol.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// pumpEvents is the single consumer for one session subscription. Funnelling
// every coordinator event through here and into the send channel keeps
// per-execution ordering intact end to end.
func (c *conn) pumpEvents(events <-chan coordinator.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.deliverEvent(ev)
		case <-c.done:
			return
		}
	}
}

func (c *conn) deliverEvent(ev coordinator.Event) {
	switch ev.Type {
	case coordinator.EventOutput:
		data := map[string]any{
			"stream": string(ev.Stream),
			"data":   ev.Data,
			"ts":     ev.TS.UTC().Format(time.RFC3339Nano),
		}
		if ev.ExecutionID != "" {
			data["executionId"] = ev.ExecutionID
		}
		if ev.Truncated {
			data["truncated"] = true
		}
		c.enqueueReply(protocol.TypeAgentOutput, data)

	case coordinator.EventStateChange:
		c.enqueueReply(protocol.TypeAgentStateChange, map[string]any{
			"executionId": ev.ExecutionID,
			"state":       ev.State,
		})

	case coordinator.EventProgress:
		c.enqueueReply(protocol.TypeExecutionProgress, map[string]any{
			"executionId": ev.ExecutionID,
			"status":      string(ev.Status),
			"progress":    ev.Progress,
		})

	case coordinator.EventFileChanged:
		c.enqueueReply(protocol.TypeFileChanged, map[string]any{
			"executionId": ev.ExecutionID,
			"file":        ev.File,
		})

	case coordinator.EventStarted:
		c.enqueueReply(protocol.TypeExecutionStarted, map[string]any{
			"executionId": ev.ExecutionID,
			"planId":      ev.PlanID,
		})

	case coordinator.EventCompleted:
		c.enqueueReply(protocol.TypeExecutionComplete, map[string]any{
			"executionId":   ev.ExecutionID,
			"planId":        ev.PlanID,
			"modifiedFiles": ev.ModifiedFiles,
			"result":        ev.Result,
		})
		c.enqueueReply(protocol.TypeFileList, map[string]any{
			"executionId": ev.ExecutionID,
			"files":       ev.ModifiedFiles,
		})
		c.pushDiffs(ev)

	case coordinator.EventFailed:
		c.enqueueReply(protocol.TypeExecutionFailed, map[string]any{
			"executionId":   ev.ExecutionID,
			"planId":        ev.PlanID,
			"modifiedFiles": ev.ModifiedFiles,
			"error":         ev.Reason,
		})

	case coordinator.EventAborted:
		c.enqueueReply(protocol.TypeExecutionAborted, map[string]any{
			"executionId":   ev.ExecutionID,
			"planId":        ev.PlanID,
			"modifiedFiles": ev.ModifiedFiles,
			"reason":        ev.Reason,
		})
	}
}

// pushDiffs follows a completion with per-file diffs so review UIs can render
// the change set without a round trip.
func (c *conn) pushDiffs(ev coordinator.Event) {
	sess, ok := c.session()
	if !ok {
		return
	}
	exec, ok := c.srv.coord.Get(sess, ev.ExecutionID)
	if !ok || exec.Workdir == "" {
		return
	}

	files := ev.ModifiedFiles
	if len(files) > diffFanout {
		files = files[:diffFanout]
	}
	for _, file := range files {
		diff, err := c.srv.work.Diff(file, exec.Workdir)
		if err != nil {
			slog.Warn("[Server] Diff failed", "file", file, "error", err)
			continue
		}
		c.enqueueReply(protocol.TypeFileDiff, map[string]any{
			"executionId": ev.ExecutionID,
			"file":        file,
			"diff":        diff,
		})
	}
}
