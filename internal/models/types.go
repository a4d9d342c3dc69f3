package models

import (
	"time"
)

// TaskStatus represents the current state of a task's dispatch lifecycle.
type TaskStatus string

// Task status constants per the node status lifecycle.
const (
	StatusOpen          TaskStatus = "open"
	StatusInProgress    TaskStatus = "in_progress"
	StatusBlocked       TaskStatus = "blocked"
	StatusPendingReview TaskStatus = "pending_review"
	StatusDone          TaskStatus = "done"
	StatusFailed        TaskStatus = "failed"
	StatusAbandoned     TaskStatus = "abandoned"
)

// IsTerminal returns true for statuses that stop further automatic dispatch:
// Done, Failed, or Abandoned.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusAbandoned
}

// LogEntry is one line of a task's ordered activity log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor,omitempty"`
	Message   string    `json:"message"`
}

// CycleConfig marks a task as a cycle header and bounds its re-activation.
type CycleConfig struct {
	MaxIterations int        `json:"max_iterations"`
	LoopGuard     *LoopGuard `json:"loop_guard,omitempty"`
}

// LoopGuard conditions cycle re-activation on a referenced task's status, or
// unconditionally via Always.
type LoopGuard struct {
	Always bool   `json:"always,omitempty"`
	Task   string `json:"task,omitempty"`
	Status string `json:"status,omitempty"`
}

// Task is the principal entity of a WorkGraph.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Assigned    string     `json:"assigned,omitempty"`

	After []string `json:"after,omitempty"`

	CycleConfig   *CycleConfig `json:"cycle_config,omitempty"`
	LoopIteration int          `json:"loop_iteration,omitempty"`

	RetryCount    int    `json:"retry_count,omitempty"`
	MaxRetries    *int   `json:"max_retries,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	ReadyAfter *time.Time `json:"ready_after,omitempty"`
	Paused     bool       `json:"paused,omitempty"`

	Tags         []string          `json:"tags,omitempty"`
	Skills       []string          `json:"skills,omitempty"`
	Deliverables []string          `json:"deliverables,omitempty"`
	Artifacts    []string          `json:"artifacts,omitempty"`
	Verify       string            `json:"verify,omitempty"`
	Agent        string            `json:"agent,omitempty"`
	Executor     string            `json:"executor,omitempty"`
	Visibility   string            `json:"visibility,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Log []LogEntry `json:"log,omitempty"`
}

// IsClaimed returns true if an agent currently owns the task.
func (t *Task) IsClaimed() bool {
	return t.Assigned != ""
}

// RetriesExhausted returns true when MaxRetries is set and has been reached.
func (t *Task) RetriesExhausted() bool {
	return t.MaxRetries != nil && t.RetryCount >= *t.MaxRetries
}

// IsCycleHeader returns true if the task carries a cycle configuration.
func (t *Task) IsCycleHeader() bool {
	return t.CycleConfig != nil
}

// Append adds a log entry recording actor and message.
func (t *Task) Append(actor, message string, now time.Time) {
	t.Log = append(t.Log, LogEntry{Timestamp: now, Actor: actor, Message: message})
}

// NodeKind discriminates the tagged Node variant.
type NodeKind string

const (
	NodeKindTask  NodeKind = "task"
	NodeKindActor NodeKind = "actor"
)

// Actor is an auxiliary node representing a participant rather than a unit of
// work; it shares the node namespace with Task but carries no dispatch state.
type Actor struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Node is the tagged Task|Actor variant persisted one-per-line in the graph
// store. Exactly one of Task or ActorNode is non-nil, selected by Kind.
type Node struct {
	Kind      NodeKind `json:"kind"`
	Task      *Task    `json:"task,omitempty"`
	ActorNode *Actor   `json:"actor,omitempty"`
}

// ID returns the node's identifier regardless of its underlying kind.
func (n *Node) ID() string {
	switch n.Kind {
	case NodeKindTask:
		if n.Task != nil {
			return n.Task.ID
		}
	case NodeKindActor:
		if n.ActorNode != nil {
			return n.ActorNode.ID
		}
	}
	return ""
}

// TaskNode wraps a Task into a Node.
func TaskNode(t *Task) Node {
	return Node{Kind: NodeKindTask, Task: t}
}

// ActorNodeOf wraps an Actor into a Node.
func ActorNodeOf(a *Actor) Node {
	return Node{Kind: NodeKindActor, ActorNode: a}
}

// Cycle describes one non-trivial strongly-connected component of the
// forward-edge graph.
type Cycle struct {
	Header    string   `json:"header"`
	Members   []string `json:"members"`
	Reducible bool     `json:"reducible"`
}

// BackEdge is a forward edge whose target is the header of the source's SCC.
type BackEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// CycleAnalysis is the derived view over a WorkGraph's forward edges.
type CycleAnalysis struct {
	Cycles      []Cycle        `json:"cycles"`
	BackEdges   []BackEdge     `json:"back_edges"`
	TaskToCycle map[string]int `json:"task_to_cycle"`
}

// AgentStatus is the lifecycle state of a registered executor process.
type AgentStatus string

const (
	AgentStarting AgentStatus = "starting"
	AgentWorking  AgentStatus = "working"
	AgentIdle     AgentStatus = "idle"
	AgentStopping AgentStatus = "stopping"
	AgentDone     AgentStatus = "done"
	AgentFailed   AgentStatus = "failed"
	AgentDead     AgentStatus = "dead"
)

// IsAlive reports whether the status is not one of the terminal states
// Dead, Done, Failed.
func (s AgentStatus) IsAlive() bool {
	return s != AgentDead && s != AgentDone && s != AgentFailed
}

// AgentEntry is one record in the agent registry.
type AgentEntry struct {
	ID            string      `json:"id"`
	TaskID        string      `json:"task_id"`
	Executor      string      `json:"executor"`
	PID           int         `json:"pid"`
	StartedAt     time.Time   `json:"started_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	OutputFile    string      `json:"output_file"`
	Status        AgentStatus `json:"status"`
}

// IsAlive reports whether this entry's status is currently alive.
func (a *AgentEntry) IsAlive() bool {
	return a.Status.IsAlive()
}

// IsStale reports whether the entry's heartbeat has aged past threshold as of now.
func (a *AgentEntry) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(a.LastHeartbeat) > threshold
}

// OperationEntry is a structured, append-only record of a single mutation.
type OperationEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Op        string    `json:"op"`
	TaskID    string    `json:"task_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Detail    any       `json:"detail,omitempty"`
}

// FunctionVisibility controls export filtering for trace functions.
type FunctionVisibility string

const (
	VisibilityInternal FunctionVisibility = "internal"
	VisibilityPeer     FunctionVisibility = "peer"
	VisibilityPublic   FunctionVisibility = "public"
)

// InputParam declares one typed input parameter of a trace function.
type InputParam struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default  string `yaml:"default,omitempty" json:"default,omitempty"`
}

// TaskTemplate is a task-shaped blueprint with `{{input.*}}`/`{{memory.*}}`
// substitution placeholders, keyed by a template-local id before prefixing.
type TaskTemplate struct {
	TemplateID  string   `yaml:"id" json:"id"`
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	After       []string `yaml:"after,omitempty" json:"after,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Skills      []string `yaml:"skills,omitempty" json:"skills,omitempty"`
	Executor    string   `yaml:"executor,omitempty" json:"executor,omitempty"`
}

// PlanningConfig describes the generative-tier planner step.
type PlanningConfig struct {
	PlannerTemplate TaskTemplate `yaml:"planner_template" json:"planner_template"`
	OutputFormat    string       `yaml:"output_format" json:"output_format"`
}

// StructuralConstraints bound a planner-proposed plan before materialisation.
type StructuralConstraints struct {
	MinTasks          int      `yaml:"min_tasks,omitempty" json:"min_tasks,omitempty"`
	MaxTasks          int      `yaml:"max_tasks,omitempty" json:"max_tasks,omitempty"`
	RequiredSkills    []string `yaml:"required_skills,omitempty" json:"required_skills,omitempty"`
	MaxDepth          int      `yaml:"max_depth,omitempty" json:"max_depth,omitempty"`
	AllowCycles       bool     `yaml:"allow_cycles,omitempty" json:"allow_cycles,omitempty"`
	RequiredPhaseTags []string `yaml:"required_phase_tags,omitempty" json:"required_phase_tags,omitempty"`
	ForbiddenPatterns []string `yaml:"forbidden_patterns,omitempty" json:"forbidden_patterns,omitempty"`
}

// TraceMemoryConfig controls adaptive-tier run-summary injection.
type TraceMemoryConfig struct {
	MaxRuns int `yaml:"max_runs" json:"max_runs"`
}

// TraceFunction is a versioned, YAML-stored workflow template.
type TraceFunction struct {
	ID      string `yaml:"id" json:"id"`
	Version int    `yaml:"version" json:"version"`

	Inputs  []InputParam   `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Tasks   []TaskTemplate `yaml:"tasks" json:"tasks"`
	Outputs []string       `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	Planning       *PlanningConfig        `yaml:"planning,omitempty" json:"planning,omitempty"`
	Constraints    *StructuralConstraints `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	StaticFallback bool                   `yaml:"static_fallback,omitempty" json:"static_fallback,omitempty"`

	Memory *TraceMemoryConfig `yaml:"memory,omitempty" json:"memory,omitempty"`

	Visibility FunctionVisibility `yaml:"visibility,omitempty" json:"visibility,omitempty"`
}

// TaskOutcome records one task's result within a RunSummary.
type TaskOutcome struct {
	TaskID     string        `json:"task_id"`
	Status     TaskStatus    `json:"status"`
	Duration   time.Duration `json:"duration"`
	RetryCount int           `json:"retry_count"`
	Score      *float64      `json:"score,omitempty"`
}

// RunSummary is a compact record of one past apply of a trace function,
// persisted at functions/<id>.runs.jsonl and rendered into adaptive-tier
// planner prompts.
type RunSummary struct {
	Timestamp     time.Time         `json:"timestamp"`
	Inputs        map[string]string `json:"inputs,omitempty"`
	Prefix        string            `json:"prefix"`
	Outcomes      []TaskOutcome     `json:"outcomes"`
	Interventions []string          `json:"interventions,omitempty"`
	Success       bool              `json:"success"`
}
