// Package mutate implements the C3 transactional mutation engine: the
// state-transition operations (add_task, claim, unclaim, done, fail, retry,
// abandon, pause, resume, heartbeat) with their invariants enforced, cycle
// re-activation on done, and a best-effort operation-log append that is
// never allowed to roll back a successful graph mutation.
package mutate

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/workgraph/workgraph/internal/analyser"
	"github.com/workgraph/workgraph/internal/config"
	"github.com/workgraph/workgraph/internal/graph"
	"github.com/workgraph/workgraph/internal/models"
	"github.com/workgraph/workgraph/internal/oplog"
	"github.com/workgraph/workgraph/internal/registry"
	"github.com/workgraph/workgraph/internal/wgerrors"
	"github.com/workgraph/workgraph/internal/wglock"
)

// Engine executes mutations against the graph rooted at Dir (a .workgraph
// directory), one short transaction at a time: load under lock, validate,
// mutate, save, append an operation entry, release.
type Engine struct {
	Dir string
	Cfg config.Config
}

// New returns an Engine operating against workgraphDir.
func New(workgraphDir string, cfg config.Config) *Engine {
	return &Engine{Dir: workgraphDir, Cfg: cfg}
}

// Result carries the mutated task back to the caller along with a non-fatal
// warning when the operation succeeded but its operation-log append failed.
// Losing audit is strictly less bad than losing truth: LogWarning
// never indicates the graph mutation was rolled back.
type Result struct {
	Task        *models.Task
	Reactivated []string
	Archived    []string
	LogWarning  error
}

func (e *Engine) graphPath() string {
	return filepath.Join(e.Dir, "graph.jsonl")
}

// withGraph loads the graph under the graph lock, runs fn, and saves the
// graph back if fn returns no error, all within the same held lock.
func (e *Engine) withGraph(ctx context.Context, fn func(g *graph.WorkGraph) error) error {
	return wglock.With(ctx, e.graphPath(), e.Cfg.LockTimeout(), "graph", func() error {
		g, err := graph.Load(e.graphPath())
		if err != nil {
			return err
		}
		if err := fn(g); err != nil {
			return err
		}
		return graph.Save(g, e.graphPath())
	})
}

// appendOps records one or more operation entries under a single acquisition
// of the log lock. A failure here is reported to the caller as a warning,
// never as the operation's error.
func (e *Engine) appendOps(ctx context.Context, entries ...models.OperationEntry) error {
	return wglock.With(ctx, oplog.ActivePath(e.Dir), e.Cfg.LockTimeout(), "log", func() error {
		for _, entry := range entries {
			if err := oplog.Append(e.Dir, entry, e.Cfg.RotationThresholdBytes); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendOps exposes appendOps to callers outside the package that need to
// record an operation-log entry the engine itself doesn't generate — trace
// function apply/materialize append an OpFunctionApplied entry this way,
// alongside the per-task OpAddTask entries AddTasks already writes.
func (e *Engine) AppendOps(ctx context.Context, entries ...models.OperationEntry) error {
	return e.appendOps(ctx, entries...)
}

// AddTask inserts a new task, generating an id via uuid when the caller
// leaves it blank. Rejects a duplicate id or a cycle_config with
// max_iterations <= 0.
func (e *Engine) AddTask(ctx context.Context, t models.Task, now time.Time) (*Result, error) {
	if t.ID == "" {
		t.ID = "t-" + uuid.NewString()[:8]
	}
	if t.CycleConfig != nil && t.CycleConfig.MaxIterations <= 0 {
		return nil, &wgerrors.ConflictError{ID: t.ID, Reason: "cycle_config.max_iterations must be positive"}
	}
	if t.Status == "" {
		t.Status = models.StatusOpen
	}
	t.CreatedAt = now

	var result *Result
	err := e.withGraph(ctx, func(g *graph.WorkGraph) error {
		if err := g.AddNode(models.TaskNode(&t)); err != nil {
			return err
		}
		result = &Result{Task: &t}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.LogWarning = e.appendOps(ctx, models.OperationEntry{Timestamp: now, Op: models.OpAddTask, TaskID: t.ID})
	return result, nil
}

// AddTasks inserts every task in ts under a single graph-lock acquisition:
// either all of them land or, on the first validation failure (duplicate id,
// bad cycle_config), none do. Used by trace-function materialisation, where
// a template set must apply atomically.
func (e *Engine) AddTasks(ctx context.Context, ts []models.Task, now time.Time) (*Result, error) {
	added := make([]*models.Task, 0, len(ts))
	err := e.withGraph(ctx, func(g *graph.WorkGraph) error {
		for i := range ts {
			t := &ts[i]
			if t.ID == "" {
				t.ID = "t-" + uuid.NewString()[:8]
			}
			if t.CycleConfig != nil && t.CycleConfig.MaxIterations <= 0 {
				return &wgerrors.ConflictError{ID: t.ID, Reason: "cycle_config.max_iterations must be positive"}
			}
			if t.Status == "" {
				t.Status = models.StatusOpen
			}
			t.CreatedAt = now
			if err := g.AddNode(models.TaskNode(t)); err != nil {
				return err
			}
			added = append(added, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	entries := make([]models.OperationEntry, 0, len(added))
	for _, t := range added {
		entries = append(entries, models.OperationEntry{Timestamp: now, Op: models.OpAddTask, TaskID: t.ID})
	}
	result := &Result{Task: added[len(added)-1]}
	result.LogWarning = e.appendOps(ctx, entries...)
	return result, nil
}

// Claim assigns an Open or PendingReview, ready task to actor.
func (e *Engine) Claim(ctx context.Context, id, actor string, now time.Time) (*Result, error) {
	var result *Result
	err := e.withGraph(ctx, func(g *graph.WorkGraph) error {
		t := g.GetTask(id)
		if t == nil {
			return &wgerrors.NotFoundError{Kind: "task", ID: id}
		}
		if t.IsClaimed() {
			return &wgerrors.ConflictError{ID: id, Reason: "already claimed"}
		}
		if t.Status != models.StatusOpen && t.Status != models.StatusPendingReview {
			return &wgerrors.BlockedError{ID: id, Rule: "not claimable in status " + string(t.Status)}
		}
		if t.Paused {
			return &wgerrors.BlockedError{ID: id, Rule: "paused"}
		}
		if t.ReadyAfter != nil && t.ReadyAfter.After(now) {
			return &wgerrors.BlockedError{ID: id, Rule: "ready_after not yet elapsed"}
		}
		analysis := analyser.Analyse(g)
		if blockers := analyser.Blockers(t, g, analysis); len(blockers) > 0 {
			return &wgerrors.BlockedError{ID: id, Rule: "unresolved dependencies", Blockers: blockers}
		}
		t.Assigned = actor
		t.Status = models.StatusInProgress
		t.StartedAt = &now
		t.Append(actor, "Task claimed", now)
		result = &Result{Task: t}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.LogWarning = e.appendOps(ctx, models.OperationEntry{Timestamp: now, Op: models.OpClaim, TaskID: id, Actor: actor})
	return result, nil
}

// Unclaim releases a claimed task back to Open. Requires the caller to be
// the current owner unless force is set.
func (e *Engine) Unclaim(ctx context.Context, id, actor string, force bool, now time.Time) (*Result, error) {
	var result *Result
	err := e.withGraph(ctx, func(g *graph.WorkGraph) error {
		t := g.GetTask(id)
		if t == nil {
			return &wgerrors.NotFoundError{Kind: "task", ID: id}
		}
		if !t.IsClaimed() {
			return &wgerrors.ConflictError{ID: id, Reason: "not claimed"}
		}
		if !force && t.Assigned != actor {
			return &wgerrors.ConflictError{ID: id, Reason: "not owner"}
		}
		t.Status = models.StatusOpen
		t.Assigned = ""
		t.StartedAt = nil
		t.Append(actor, "Task unclaimed", now)
		result = &Result{Task: t}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.LogWarning = e.appendOps(ctx, models.OperationEntry{Timestamp: now, Op: models.OpUnclaim, TaskID: id, Actor: actor})
	return result, nil
}

// Done marks a task complete, enforcing the cycle-aware blocker rule, then
// evaluates cycle re-activation for every cycle the task belongs to.
func (e *Engine) Done(ctx context.Context, id string, converged bool, now time.Time) (*Result, error) {
	var result *Result
	var reactivateOps []models.OperationEntry
	err := e.withGraph(ctx, func(g *graph.WorkGraph) error {
		t := g.GetTask(id)
		if t == nil {
			return &wgerrors.NotFoundError{Kind: "task", ID: id}
		}

		if t.Status == models.StatusDone {
			t.Append(t.Assigned, "done called again (already done)", now)
			result = &Result{Task: t}
			return nil
		}

		analysis := analyser.Analyse(g)
		if blockers := analyser.DoneBlockers(t, g, analysis); len(blockers) > 0 {
			return &wgerrors.BlockedError{ID: id, Rule: "unresolved blockers", Blockers: blockers}
		}

		t.Status = models.StatusDone
		t.CompletedAt = &now
		if converged {
			if !containsString(t.Tags, "converged") {
				t.Tags = append(t.Tags, "converged")
			}
			t.Append(t.Assigned, "Task marked as done (converged)", now)
		} else {
			t.Append(t.Assigned, "Task marked as done", now)
		}

		// Recompute after the status flip: the task's own membership in a
		// cycle and its header's loop_iteration are what re-activation reads.
		analysis = analyser.Analyse(g)
		reactivated, ops := reactivateCycles(g, id, analysis, now)
		reactivateOps = ops
		result = &Result{Task: t, Reactivated: reactivated}
		return nil
	})
	if err != nil {
		return nil, err
	}
	entries := append([]models.OperationEntry{{Timestamp: now, Op: models.OpDone, TaskID: id}}, reactivateOps...)
	result.LogWarning = e.appendOps(ctx, entries...)
	return result, nil
}

// Fail transitions an InProgress or Open task to Failed, recording reason.
func (e *Engine) Fail(ctx context.Context, id, reason string, now time.Time) (*Result, error) {
	var result *Result
	err := e.withGraph(ctx, func(g *graph.WorkGraph) error {
		t := g.GetTask(id)
		if t == nil {
			return &wgerrors.NotFoundError{Kind: "task", ID: id}
		}
		if t.Status != models.StatusInProgress && t.Status != models.StatusOpen {
			return &wgerrors.ConflictError{ID: id, Reason: "not in a failable state (" + string(t.Status) + ")"}
		}
		t.Status = models.StatusFailed
		t.FailureReason = reason
		t.Append(t.Assigned, "Task failed: "+reason, now)
		result = &Result{Task: t}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.LogWarning = e.appendOps(ctx, models.OperationEntry{Timestamp: now, Op: models.OpFail, TaskID: id, Detail: reason})
	return result, nil
}

// Retry reopens a Failed task, incrementing retry_count. Rejects if retries
// are exhausted (including the max_retries=0 boundary, which always rejects).
func (e *Engine) Retry(ctx context.Context, id string, now time.Time) (*Result, error) {
	var result *Result
	err := e.withGraph(ctx, func(g *graph.WorkGraph) error {
		t := g.GetTask(id)
		if t == nil {
			return &wgerrors.NotFoundError{Kind: "task", ID: id}
		}
		if t.Status != models.StatusFailed {
			return &wgerrors.ConflictError{ID: id, Reason: "not in Failed state"}
		}
		if t.RetriesExhausted() {
			return &wgerrors.BlockedError{ID: id, Rule: "retries exhausted"}
		}
		t.RetryCount++
		t.Status = models.StatusOpen
		t.FailureReason = ""
		t.Assigned = ""
		t.StartedAt = nil
		t.CompletedAt = nil
		t.Append(t.Assigned, fmt.Sprintf("Task retried (attempt %d)", t.RetryCount), now)
		result = &Result{Task: t}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.LogWarning = e.appendOps(ctx, models.OperationEntry{Timestamp: now, Op: models.OpRetry, TaskID: id})
	return result, nil
}

// Abandon marks a non-Done task as Abandoned. Idempotent if already
// Abandoned; rejects if already Done.
func (e *Engine) Abandon(ctx context.Context, id, reason string, now time.Time) (*Result, error) {
	var result *Result
	err := e.withGraph(ctx, func(g *graph.WorkGraph) error {
		t := g.GetTask(id)
		if t == nil {
			return &wgerrors.NotFoundError{Kind: "task", ID: id}
		}
		if t.Status == models.StatusDone {
			return &wgerrors.ConflictError{ID: id, Reason: "already done, cannot abandon"}
		}
		if t.Status == models.StatusAbandoned {
			t.Append(t.Assigned, "already abandoned", now)
			result = &Result{Task: t}
			return nil
		}
		t.Status = models.StatusAbandoned
		if reason != "" {
			t.FailureReason = reason
			t.Append(t.Assigned, "Task abandoned: "+reason, now)
		} else {
			t.Append(t.Assigned, "Task abandoned", now)
		}
		result = &Result{Task: t}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.LogWarning = e.appendOps(ctx, models.OperationEntry{Timestamp: now, Op: models.OpAbandon, TaskID: id, Detail: reason})
	return result, nil
}

// Pause suppresses dispatch for a task regardless of status. Idempotent.
func (e *Engine) Pause(ctx context.Context, id string, now time.Time) (*Result, error) {
	var result *Result
	err := e.withGraph(ctx, func(g *graph.WorkGraph) error {
		t := g.GetTask(id)
		if t == nil {
			return &wgerrors.NotFoundError{Kind: "task", ID: id}
		}
		if t.Paused {
			t.Append(t.Assigned, "already paused", now)
			result = &Result{Task: t}
			return nil
		}
		t.Paused = true
		t.Append(t.Assigned, "Task paused", now)
		result = &Result{Task: t}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.LogWarning = e.appendOps(ctx, models.OperationEntry{Timestamp: now, Op: models.OpPause, TaskID: id})
	return result, nil
}

// Resume clears a task's paused override. Idempotent.
func (e *Engine) Resume(ctx context.Context, id string, now time.Time) (*Result, error) {
	var result *Result
	err := e.withGraph(ctx, func(g *graph.WorkGraph) error {
		t := g.GetTask(id)
		if t == nil {
			return &wgerrors.NotFoundError{Kind: "task", ID: id}
		}
		if !t.Paused {
			t.Append(t.Assigned, "already active", now)
			result = &Result{Task: t}
			return nil
		}
		t.Paused = false
		t.Append(t.Assigned, "Task resumed", now)
		result = &Result{Task: t}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.LogWarning = e.appendOps(ctx, models.OperationEntry{Timestamp: now, Op: models.OpResume, TaskID: id})
	return result, nil
}

// Heartbeat refreshes an agent's last_heartbeat. It is serialised against
// the registry lock, not the graph lock.
func (e *Engine) Heartbeat(ctx context.Context, agentID string, now time.Time) error {
	err := wglock.With(ctx, registry.Path(e.Dir), e.Cfg.LockTimeout(), "registry", func() error {
		r, err := registry.Load(e.Dir)
		if err != nil {
			return err
		}
		if err := r.UpdateHeartbeat(agentID, now); err != nil {
			return err
		}
		return registry.Save(r, e.Dir)
	})
	if err != nil {
		return err
	}
	// A log-append failure here is a warning, same policy as every other op;
	// heartbeat has no task_id of its own so it is recorded as agent-scoped.
	_ = e.appendOps(ctx, models.OperationEntry{Timestamp: now, Op: models.OpHeartbeat, Actor: agentID})
	return nil
}

// Archive removes Done tasks from the graph permanently — the only path by
// which a task node is ever deleted rather than transitioned. With ids
// empty, every currently Done task is archived; with ids given, each must
// already be Done or the whole call is rejected before anything is removed.
func (e *Engine) Archive(ctx context.Context, ids []string, now time.Time) (*Result, error) {
	var archived []string
	err := e.withGraph(ctx, func(g *graph.WorkGraph) error {
		targets := ids
		if len(targets) == 0 {
			for _, t := range g.Tasks() {
				if t.Status == models.StatusDone {
					targets = append(targets, t.ID)
				}
			}
		} else {
			for _, id := range targets {
				t := g.GetTask(id)
				if t == nil {
					return &wgerrors.NotFoundError{Kind: "task", ID: id}
				}
				if t.Status != models.StatusDone {
					return &wgerrors.ConflictError{ID: id, Reason: "not in Done state"}
				}
			}
		}
		for _, id := range targets {
			g.RemoveNode(id)
			archived = append(archived, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result := &Result{Archived: archived}
	entries := make([]models.OperationEntry, 0, len(archived))
	for _, id := range archived {
		entries = append(entries, models.OperationEntry{Timestamp: now, Op: models.OpArchive, TaskID: id})
	}
	result.LogWarning = e.appendOps(ctx, entries...)
	return result, nil
}

// reactivateCycles evaluates, for every cycle containing doneID whose
// members are now all done, whether the header's guard and iteration budget
// permit re-opening the cycle. It mutates every re-activated member in place
// (only the header keeps its log and gets a re-activation entry) and
// returns their ids plus the
// operation entries (cycle_reactivated / cycle_guard_unresolved) to append.
func reactivateCycles(g *graph.WorkGraph, doneID string, analysis models.CycleAnalysis, now time.Time) ([]string, []models.OperationEntry) {
	var reactivated []string
	var ops []models.OperationEntry

	for _, cyc := range analysis.Cycles {
		member := false
		for _, m := range cyc.Members {
			if m == doneID {
				member = true
				break
			}
		}
		if !member {
			continue
		}

		header := g.GetTask(cyc.Header)
		if header == nil || header.CycleConfig == nil {
			continue
		}
		allDone := true
		for _, m := range cyc.Members {
			if mt := g.GetTask(m); mt != nil && mt.Status != models.StatusDone {
				allDone = false
				break
			}
		}
		if !allDone {
			continue
		}
		if header.LoopIteration+1 >= header.CycleConfig.MaxIterations {
			continue
		}

		ok, warning := evaluateGuard(header.CycleConfig.LoopGuard, g)
		if warning != "" {
			ops = append(ops, models.OperationEntry{
				Timestamp: now, Op: models.OpCycleGuardUnresolved, TaskID: header.ID, Detail: warning,
			})
		}
		if !ok {
			continue
		}

		for _, m := range cyc.Members {
			mt := g.GetTask(m)
			if mt == nil {
				continue
			}
			mt.LoopIteration++
			mt.Status = models.StatusOpen
			mt.Assigned = ""
			mt.StartedAt = nil
			mt.CompletedAt = nil
			mt.FailureReason = ""
			if m != cyc.Header {
				mt.Log = nil
			} else {
				mt.Append("", fmt.Sprintf("cycle re-activated (iteration %d)", mt.LoopIteration), now)
			}
			reactivated = append(reactivated, m)
		}
		ops = append(ops, models.OperationEntry{
			Timestamp: now, Op: models.OpCycleReactivated, TaskID: header.ID, Detail: cyc.Members,
		})
	}

	return reactivated, ops
}

// evaluateGuard resolves a cycle header's loop_guard: unset or Always means
// re-activate unconditionally; a task reference compares that task's current
// status. A reference to a task absent from the graph resolves to false per
// the resolved open question, carrying a warning for the caller to log.
func evaluateGuard(guard *models.LoopGuard, g *graph.WorkGraph) (ok bool, warning string) {
	if guard == nil || guard.Always || guard.Task == "" {
		return true, ""
	}
	t := g.GetTask(guard.Task)
	if t == nil {
		return false, fmt.Sprintf("loop_guard references missing task %q", guard.Task)
	}
	return string(t.Status) == guard.Status, ""
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
