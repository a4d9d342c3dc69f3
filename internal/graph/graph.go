// Package graph implements the C1 graph store: an ordered collection of
// nodes (tasks and actors) persisted as one JSON record per line, loaded and
// saved atomically.
package graph

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/workgraph/workgraph/internal/models"
	"github.com/workgraph/workgraph/internal/wgerrors"
)

// WorkGraph is a mapping from task-id to node, preserving insertion order.
// Node uniqueness by id is an invariant enforced by AddNode.
type WorkGraph struct {
	order []string
	byID  map[string]*models.Node
}

// New returns an empty WorkGraph.
func New() *WorkGraph {
	return &WorkGraph{byID: make(map[string]*models.Node)}
}

// Get returns the node with the given id, or nil if absent.
func (g *WorkGraph) Get(id string) *models.Node {
	return g.byID[id]
}

// GetTask returns the task with the given id, or nil if absent or the node
// is an actor.
func (g *WorkGraph) GetTask(id string) *models.Task {
	n := g.byID[id]
	if n == nil || n.Kind != models.NodeKindTask {
		return nil
	}
	return n.Task
}

// AddNode inserts a new node. Returns a *wgerrors.ConflictError if the id
// already exists.
func (g *WorkGraph) AddNode(n models.Node) error {
	id := n.ID()
	if _, exists := g.byID[id]; exists {
		return &wgerrors.ConflictError{ID: id, Reason: "duplicate id"}
	}
	cp := n
	g.byID[id] = &cp
	g.order = append(g.order, id)
	return nil
}

// RemoveNode deletes a node by id. No-op if absent.
func (g *WorkGraph) RemoveNode(id string) {
	if _, exists := g.byID[id]; !exists {
		return
	}
	delete(g.byID, id)
	for i, oid := range g.order {
		if oid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of nodes in the graph.
func (g *WorkGraph) Len() int {
	return len(g.order)
}

// Tasks returns the graph's tasks in insertion order as a point-in-time
// slice. Per the no-dangling-iterator design note, callers must copy ids
// out before mutating the graph; the slice is never invalidated in place,
// but it does not reflect later AddNode/RemoveNode calls. Its elements are
// the graph's own *Task values, so field changes made through them are
// visible in the graph.
func (g *WorkGraph) Tasks() []*models.Task {
	out := make([]*models.Task, 0, len(g.order))
	for _, id := range g.order {
		if n := g.byID[id]; n.Kind == models.NodeKindTask {
			out = append(out, n.Task)
		}
	}
	return out
}

// Actors returns actor nodes in insertion order.
func (g *WorkGraph) Actors() []*models.Actor {
	out := make([]*models.Actor, 0)
	for _, id := range g.order {
		if n := g.byID[id]; n.Kind == models.NodeKindActor {
			out = append(out, n.ActorNode)
		}
	}
	return out
}

// Check validates the invariants that depend only on the graph itself
// (id-referential integrity of after and loop_guard references, plus the
// per-task completed_at, assigned, retry and iteration invariants); returns
// one error per violation.
func (g *WorkGraph) Check() []error {
	var errs []error
	for _, id := range g.order {
		n := g.byID[id]
		if n.Kind != models.NodeKindTask {
			continue
		}
		t := n.Task
		for _, dep := range t.After {
			if _, ok := g.byID[dep]; !ok {
				errs = append(errs, &wgerrors.NotFoundError{Kind: "after-dependency", ID: dep})
			}
		}
		if t.CycleConfig != nil && t.CycleConfig.LoopGuard != nil && t.CycleConfig.LoopGuard.Task != "" {
			if _, ok := g.byID[t.CycleConfig.LoopGuard.Task]; !ok {
				errs = append(errs, &wgerrors.NotFoundError{Kind: "loop_guard-task", ID: t.CycleConfig.LoopGuard.Task})
			}
		}
		if t.Status == models.StatusDone && t.CompletedAt == nil {
			errs = append(errs, &wgerrors.ConflictError{ID: t.ID, Reason: "done task missing completed_at"})
		}
		if t.Status == models.StatusInProgress && t.Assigned == "" {
			errs = append(errs, &wgerrors.ConflictError{ID: t.ID, Reason: "in_progress task missing assigned"})
		}
		if t.MaxRetries != nil && t.RetryCount > *t.MaxRetries {
			errs = append(errs, &wgerrors.ConflictError{ID: t.ID, Reason: "retry_count exceeds max_retries"})
		}
		if t.CycleConfig != nil && t.LoopIteration > t.CycleConfig.MaxIterations {
			errs = append(errs, &wgerrors.ConflictError{ID: t.ID, Reason: "loop_iteration exceeds max_iterations"})
		}
	}
	return errs
}

// Load reads a graph.jsonl file into memory, preserving line order. A
// missing file is reported as *wgerrors.NotInitializedError; a malformed
// line fails the whole load with *wgerrors.ParseError naming the line.
func Load(path string) (*WorkGraph, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &wgerrors.NotInitializedError{Dir: filepath.Dir(path)}
		}
		return nil, &wgerrors.IOError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()

	g := New()
	dec := newLineScanner(f)
	line := 0
	for dec.Scan() {
		line++
		raw := dec.Bytes()
		if len(raw) == 0 {
			continue
		}
		var n models.Node
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, &wgerrors.ParseError{Path: path, Line: line, Err: err}
		}
		if err := g.AddNode(n); err != nil {
			return nil, &wgerrors.ParseError{Path: path, Line: line, Err: err}
		}
	}
	if err := dec.Err(); err != nil {
		return nil, &wgerrors.IOError{Path: path, Op: "read", Err: err}
	}
	return g, nil
}

// Save writes the graph to path atomically: a sibling temp file is written
// and fsynced, then renamed over path.
func Save(g *WorkGraph, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &wgerrors.IOError{Path: dir, Op: "mkdir", Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".graph-*.tmp")
	if err != nil {
		return &wgerrors.IOError{Path: dir, Op: "create-temp", Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	for _, id := range g.order {
		n := g.byID[id]
		b, merr := json.Marshal(n)
		if merr != nil {
			tmp.Close()
			return &wgerrors.IOError{Path: tmpPath, Op: "marshal", Err: merr}
		}
		b = append(b, '\n')
		if _, werr := tmp.Write(b); werr != nil {
			tmp.Close()
			return &wgerrors.IOError{Path: tmpPath, Op: "write", Err: werr}
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &wgerrors.IOError{Path: tmpPath, Op: "fsync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &wgerrors.IOError{Path: tmpPath, Op: "close", Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &wgerrors.IOError{Path: path, Op: "rename", Err: err}
	}
	return nil
}
