// Package watch maps operation-log entries to external watch events and
// streams them to subscribers by polling the active log file, the
// "exposed interfaces" adaptor over internal/oplog's C4 contract.
package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/workgraph/workgraph/internal/models"
	"github.com/workgraph/workgraph/internal/oplog"
)

// Event is the external representation of a mutation, derived from an
// OperationEntry by the fixed op -> event-type mapping.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// eventTypes maps op codes to external event type strings. Ops with no
// entry here (e.g. heartbeat) are never emitted.
var eventTypes = map[string]string{
	models.OpAddTask:          "task.created",
	models.OpClaim:            "task.started",
	models.OpDone:             "task.completed",
	models.OpFail:             "task.failed",
	models.OpRetry:            "task.retried",
	models.OpAbandon:          "task.abandoned",
	models.OpUnclaim:          "task.unclaimed",
	models.OpPause:            "task.paused",
	models.OpResume:           "task.resumed",
	models.OpCycleReactivated: "task.cycle_reactivated",
	models.OpAgentSpawned:     "agent.spawned",
	models.OpAgentReaped:      "agent.reaped",
	models.OpFunctionApplied:  "function.applied",
	models.OpArchive:          "task.archived",
}

// category returns the filter category for an event type: task_state,
// agent, evaluation, or other.
func category(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "task."):
		return "task_state"
	case strings.HasPrefix(eventType, "evaluation."):
		return "evaluation"
	case strings.HasPrefix(eventType, "agent."):
		return "agent"
	default:
		return "other"
	}
}

// ToEvent converts an operation entry to a watch Event, or returns ok=false
// if the op has no external event mapping.
func ToEvent(op models.OperationEntry) (Event, bool) {
	t, ok := eventTypes[op.Op]
	if !ok {
		return Event{}, false
	}
	return Event{Type: t, Timestamp: op.Timestamp, TaskID: op.TaskID, Data: op.Detail}, true
}

// Filter selects which events a subscriber receives: category/type names in
// Types (or "all"), and an optional task-id prefix.
type Filter struct {
	Types      map[string]bool
	TaskPrefix string
}

// Include reports whether ev passes f.
func (f Filter) Include(ev Event) bool {
	if len(f.Types) > 0 && !f.Types["all"] {
		cat := category(ev.Type)
		if !f.Types[cat] && !f.Types[ev.Type] {
			return false
		}
	}
	if f.TaskPrefix != "" {
		if ev.TaskID == "" || !strings.HasPrefix(ev.TaskID, f.TaskPrefix) {
			return false
		}
	}
	return true
}

// Replay emits watch events derived from the last n recorded operations
// (0 disables replay).
func Replay(workgraphDir string, n int, f Filter, emit func(Event)) error {
	if n <= 0 {
		return nil
	}
	all, err := oplog.ReadAll(workgraphDir)
	if err != nil {
		return err
	}
	start := len(all) - n
	if start < 0 {
		start = 0
	}
	for _, op := range all[start:] {
		if ev, ok := ToEvent(op); ok && f.Include(ev) {
			emit(ev)
		}
	}
	return nil
}

// Stream polls the active operation log at the given interval, emitting
// filtered watch events as new lines appear. A shrink in file size (rotation)
// resets the read cursor to zero. Stream returns when ctx is cancelled.
func Stream(ctx context.Context, workgraphDir string, interval time.Duration, f Filter, emit func(Event)) error {
	path := oplog.ActivePath(workgraphDir)
	var lastPos int64
	if info, err := os.Stat(path); err == nil {
		lastPos = info.Size()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			size := info.Size()
			if size < lastPos {
				lastPos = 0
			}
			if size == lastPos {
				continue
			}

			f2, err := os.Open(path)
			if err != nil {
				continue
			}
			if _, err := f2.Seek(lastPos, 0); err != nil {
				f2.Close()
				continue
			}

			scanner := bufio.NewScanner(f2)
			scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
			newPos := lastPos
			for scanner.Scan() {
				line := scanner.Bytes()
				newPos += int64(len(line)) + 1
				if len(line) == 0 {
					continue
				}
				var op models.OperationEntry
				if err := json.Unmarshal(line, &op); err != nil {
					continue
				}
				if ev, ok := ToEvent(op); ok && f.Include(ev) {
					emit(ev)
				}
			}
			f2.Close()
			lastPos = newPos
		}
	}
}
