// Package registry implements the C5 agent registry: a JSON document at
// service/agents.json tracking live executor processes by heartbeat, with
// liveness/staleness classification and a reaper sweep.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/workgraph/workgraph/internal/models"
	"github.com/workgraph/workgraph/internal/wgerrors"
)

// Registry is the in-memory agent registry document.
type Registry struct {
	Agents map[string]*models.AgentEntry `json:"agents"`
	NextID int                           `json:"next_id"`
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{Agents: make(map[string]*models.AgentEntry), NextID: 1}
}

// Path returns the registry document path under a .workgraph directory.
func Path(workgraphDir string) string {
	return filepath.Join(workgraphDir, "service", "agents.json")
}

// Load reads the registry document, returning a fresh empty Registry if the
// file does not yet exist.
func Load(workgraphDir string) (*Registry, error) {
	path := Path(workgraphDir)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, &wgerrors.IOError{Path: path, Op: "read", Err: err}
	}
	var r Registry
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, &wgerrors.ParseError{Path: path, Err: err}
	}
	if r.Agents == nil {
		r.Agents = make(map[string]*models.AgentEntry)
	}
	if r.NextID == 0 {
		r.NextID = 1
	}
	return &r, nil
}

// Save atomically rewrites the registry document.
func Save(r *Registry, workgraphDir string) error {
	path := Path(workgraphDir)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &wgerrors.IOError{Path: dir, Op: "mkdir", Err: err}
	}

	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return &wgerrors.IOError{Path: path, Op: "marshal", Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".agents-*.tmp")
	if err != nil {
		return &wgerrors.IOError{Path: dir, Op: "create-temp", Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return &wgerrors.IOError{Path: tmpPath, Op: "write", Err: err}
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

// Register creates a new agent entry with a monotonic "agent-N" id.
func (r *Registry) Register(pid int, taskID, executor, outputFile string, now time.Time) *models.AgentEntry {
	id := fmt.Sprintf("agent-%d", r.NextID)
	r.NextID++
	entry := &models.AgentEntry{
		ID:            id,
		TaskID:        taskID,
		Executor:      executor,
		PID:           pid,
		StartedAt:     now,
		LastHeartbeat: now,
		OutputFile:    outputFile,
		Status:        models.AgentStarting,
	}
	r.Agents[id] = entry
	return entry
}

// UpdateHeartbeat refreshes the entry's last_heartbeat to now.
func (r *Registry) UpdateHeartbeat(id string, now time.Time) error {
	a, ok := r.Agents[id]
	if !ok {
		return &wgerrors.NotFoundError{Kind: "agent", ID: id}
	}
	a.LastHeartbeat = now
	return nil
}

// UpdateStatus transitions the entry's status.
func (r *Registry) UpdateStatus(id string, status models.AgentStatus) error {
	a, ok := r.Agents[id]
	if !ok {
		return &wgerrors.NotFoundError{Kind: "agent", ID: id}
	}
	a.Status = status
	return nil
}

// Get returns the entry for id, or nil.
func (r *Registry) Get(id string) *models.AgentEntry {
	return r.Agents[id]
}

// List returns all entries sorted by id for deterministic display.
func (r *Registry) List() []*models.AgentEntry {
	out := make([]*models.AgentEntry, 0, len(r.Agents))
	for _, a := range r.Agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountAlive returns the number of entries whose status is alive.
func (r *Registry) CountAlive() int {
	n := 0
	for _, a := range r.Agents {
		if a.IsAlive() {
			n++
		}
	}
	return n
}

// StaleReport partitions alive entries into active/stale and separately
// lists entries already marked Dead, without mutating anything — a
// read-only counterpart to Reap.
type StaleReport struct {
	Active []*models.AgentEntry
	Stale  []*models.AgentEntry
	Dead   []*models.AgentEntry
}

// CheckStale classifies entries against threshold as of now, without
// flipping any status (that is Reap's job).
func (r *Registry) CheckStale(now time.Time, threshold time.Duration) StaleReport {
	var report StaleReport
	for _, a := range r.List() {
		if a.Status == models.AgentDead {
			report.Dead = append(report.Dead, a)
			continue
		}
		if !a.IsAlive() {
			continue
		}
		if a.IsStale(now, threshold) {
			report.Stale = append(report.Stale, a)
		} else {
			report.Active = append(report.Active, a)
		}
	}
	return report
}

// Reap flips every alive entry whose heartbeat is stale (or whose OS
// process is confirmed gone by the caller via deadPIDs) to Dead, returning
// the ids it changed.
func (r *Registry) Reap(now time.Time, threshold time.Duration, deadPIDs map[int]bool) []string {
	var reaped []string
	for _, a := range r.Agents {
		if !a.IsAlive() {
			continue
		}
		if a.IsStale(now, threshold) || deadPIDs[a.PID] {
			a.Status = models.AgentDead
			reaped = append(reaped, a.ID)
		}
	}
	sort.Strings(reaped)
	return reaped
}
