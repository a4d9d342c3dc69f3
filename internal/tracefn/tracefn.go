// Package tracefn implements the C7 trace-function protocol: versioned YAML
// workflow templates with three tiers (static, generative, adaptive), plan
// validation against structural constraints, run-history memory rendering,
// and the supplemented bootstrap / make-adaptive upgrade path.
package tracefn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/workgraph/workgraph/internal/graph"
	"github.com/workgraph/workgraph/internal/models"
	"github.com/workgraph/workgraph/internal/oplog"
	"github.com/workgraph/workgraph/internal/wgerrors"
)

// Dir returns the functions/ directory under a .workgraph directory.
func Dir(workgraphDir string) string {
	return filepath.Join(workgraphDir, "functions")
}

func path(workgraphDir, id string) string {
	return filepath.Join(Dir(workgraphDir), id+".yaml")
}

func runsPath(workgraphDir, id string) string {
	return filepath.Join(Dir(workgraphDir), id+".runs.jsonl")
}

// Load reads and parses a trace function by id.
func Load(workgraphDir, id string) (*models.TraceFunction, error) {
	b, err := os.ReadFile(path(workgraphDir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &wgerrors.NotFoundError{Kind: "function", ID: id}
		}
		return nil, &wgerrors.IOError{Path: path(workgraphDir, id), Op: "read", Err: err}
	}
	var fn models.TraceFunction
	if err := yaml.Unmarshal(b, &fn); err != nil {
		return nil, &wgerrors.ParseError{Path: path(workgraphDir, id), Err: err}
	}
	return &fn, nil
}

// Save writes fn to functions/<id>.yaml, creating the directory if needed.
func Save(fn *models.TraceFunction, workgraphDir string) error {
	dir := Dir(workgraphDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &wgerrors.IOError{Path: dir, Op: "mkdir", Err: err}
	}
	b, err := yaml.Marshal(fn)
	if err != nil {
		return &wgerrors.ParseError{Path: path(workgraphDir, fn.ID), Err: err}
	}
	p := path(workgraphDir, fn.ID)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return &wgerrors.IOError{Path: tmp, Op: "write", Err: err}
	}
	if err := os.Rename(tmp, p); err != nil {
		return &wgerrors.IOError{Path: p, Op: "rename", Err: err}
	}
	return nil
}

// substitute replaces every `{{input.name}}` and `{{memory.run_summaries}}`
// token in s with its resolved value. Unknown tokens are left untouched.
func substitute(s string, inputs map[string]string, memory string) string {
	for name, val := range inputs {
		s = strings.ReplaceAll(s, "{{input."+name+"}}", val)
	}
	if memory != "" {
		s = strings.ReplaceAll(s, "{{memory.run_summaries}}", memory)
	}
	return s
}

// resolveInputs validates provided against fn's declared InputParam set:
// every Required input must be present, and a Default fills an absent
// optional one. Returns an error — creating no tasks — on the first missing
// required input.
func resolveInputs(fn *models.TraceFunction, provided map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(fn.Inputs))
	for _, p := range fn.Inputs {
		v, ok := provided[p.Name]
		if !ok {
			if p.Required {
				return nil, &wgerrors.ConflictError{ID: fn.ID, Reason: "missing required input " + p.Name}
			}
			v = p.Default
		}
		resolved[p.Name] = v
	}
	return resolved, nil
}

// renderTemplate applies id-prefixing, after-remapping, and string
// substitution to one task template, producing a graph-ready task.
func renderTemplate(tmpl models.TaskTemplate, prefix string, inputs map[string]string, memory string, now time.Time) models.Task {
	after := make([]string, 0, len(tmpl.After))
	for _, a := range tmpl.After {
		after = append(after, prefix+"-"+a)
	}
	return models.Task{
		ID:          prefix + "-" + tmpl.TemplateID,
		Title:       substitute(tmpl.Title, inputs, memory),
		Description: substitute(tmpl.Description, inputs, memory),
		After:       after,
		Tags:        tmpl.Tags,
		Skills:      tmpl.Skills,
		Executor:    substitute(tmpl.Executor, inputs, memory),
		Status:      models.StatusOpen,
		CreatedAt:   now,
	}
}

// ApplyStatic implements the v1 tier: validate inputs, substitute, prefix,
// remap after edges, and return one task per template. Pure — the caller is
// responsible for inserting the result via a single mutate.Engine.AddTasks
// call so the whole set lands atomically.
func ApplyStatic(fn *models.TraceFunction, inputs map[string]string, prefix string, now time.Time) ([]models.Task, error) {
	resolved, err := resolveInputs(fn, inputs)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(fn.Tasks))
	tasks := make([]models.Task, 0, len(fn.Tasks))
	for _, tmpl := range fn.Tasks {
		if seen[tmpl.TemplateID] {
			return nil, &wgerrors.ConflictError{ID: fn.ID, Reason: "duplicate template id " + tmpl.TemplateID}
		}
		seen[tmpl.TemplateID] = true
		tasks = append(tasks, renderTemplate(tmpl, prefix, resolved, "", now))
	}
	return tasks, nil
}

// Instantiate implements the v2/v3 planner kickoff: it validates inputs and
// returns the single planner task, with `{{memory.run_summaries}}` rendered
// into its description when memory is non-empty. The caller inserts this
// one task; the rest of the plan is created later by Materialize once the
// planner task completes.
func Instantiate(fn *models.TraceFunction, inputs map[string]string, prefix, memory string, now time.Time) (models.Task, error) {
	if fn.Planning == nil {
		return models.Task{}, &wgerrors.ConflictError{ID: fn.ID, Reason: "not a generative function (no planning config)"}
	}
	resolved, err := resolveInputs(fn, inputs)
	if err != nil {
		return models.Task{}, err
	}
	return renderTemplate(fn.Planning.PlannerTemplate, prefix, resolved, memory, now), nil
}

// Materialize validates the planner's proposed plan against fn's structural
// constraints and, if it passes, returns the prefixed/substituted task set
// ready to insert. If validation fails and fn.StaticFallback is set, it
// falls back to ApplyStatic instead of failing outright; usedFallback
// reports which path was taken.
func Materialize(fn *models.TraceFunction, proposed []models.TaskTemplate, inputs map[string]string, prefix string, now time.Time) (tasks []models.Task, usedFallback bool, err error) {
	if verr := ValidatePlan(fn, proposed); verr != nil {
		if fn.StaticFallback {
			tasks, err = ApplyStatic(fn, inputs, prefix, now)
			return tasks, true, err
		}
		return nil, false, verr
	}

	resolved, err := resolveInputs(fn, inputs)
	if err != nil {
		return nil, false, err
	}
	seen := make(map[string]bool, len(proposed))
	for _, tmpl := range proposed {
		if seen[tmpl.TemplateID] {
			return nil, false, &wgerrors.ConflictError{ID: fn.ID, Reason: "duplicate template id " + tmpl.TemplateID}
		}
		seen[tmpl.TemplateID] = true
		tasks = append(tasks, renderTemplate(tmpl, prefix, resolved, "", now))
	}
	return tasks, false, nil
}

// ParsePlanYAML decodes a planner's raw output (expected in
// fn.Planning.OutputFormat, e.g. "workgraph-yaml") into a task-template list.
func ParsePlanYAML(raw string) ([]models.TaskTemplate, error) {
	var plan struct {
		Tasks []models.TaskTemplate `yaml:"tasks"`
	}
	if err := yaml.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, &wgerrors.ParseError{Path: "<planner output>", Err: err}
	}
	return plan.Tasks, nil
}

// ValidatePlan rejects a proposed plan: task count outside
// [min, max]; a required skill absent from the union of templates' skills;
// dependency depth beyond max_depth; after-cycles present when cycles are
// disallowed; a required phase tag missing; any forbidden pattern matching.
func ValidatePlan(fn *models.TraceFunction, proposed []models.TaskTemplate) error {
	c := fn.Constraints
	if c == nil {
		return nil
	}

	n := len(proposed)
	if c.MinTasks > 0 && n < c.MinTasks {
		return &wgerrors.ConflictError{ID: fn.ID, Reason: fmt.Sprintf("plan has %d tasks, below min_tasks %d", n, c.MinTasks)}
	}
	if c.MaxTasks > 0 && n > c.MaxTasks {
		return &wgerrors.ConflictError{ID: fn.ID, Reason: fmt.Sprintf("plan has %d tasks, above max_tasks %d", n, c.MaxTasks)}
	}

	if len(c.RequiredSkills) > 0 {
		union := make(map[string]bool)
		for _, t := range proposed {
			for _, s := range t.Skills {
				union[s] = true
			}
		}
		for _, req := range c.RequiredSkills {
			if !union[req] {
				return &wgerrors.ConflictError{ID: fn.ID, Reason: "required skill absent from plan: " + req}
			}
		}
	}

	byID := make(map[string]models.TaskTemplate, n)
	for _, t := range proposed {
		byID[t.TemplateID] = t
	}

	if !c.AllowCycles {
		if cyc := findTemplateCycle(byID); cyc != "" {
			return &wgerrors.ConflictError{ID: fn.ID, Reason: "plan contains an after-cycle at " + cyc}
		}
	}

	if c.MaxDepth > 0 {
		depth := maxTemplateDepth(byID)
		if depth > c.MaxDepth {
			return &wgerrors.ConflictError{ID: fn.ID, Reason: fmt.Sprintf("plan dependency depth %d exceeds max_depth %d", depth, c.MaxDepth)}
		}
	}

	if len(c.RequiredPhaseTags) > 0 {
		tagged := make(map[string]bool)
		for _, t := range proposed {
			for _, tag := range t.Tags {
				tagged[tag] = true
			}
		}
		for _, req := range c.RequiredPhaseTags {
			if !tagged[req] {
				return &wgerrors.ConflictError{ID: fn.ID, Reason: "required phase tag missing from plan: " + req}
			}
		}
	}

	for _, pat := range c.ForbiddenPatterns {
		for _, t := range proposed {
			if strings.Contains(t.Title, pat) || strings.Contains(t.Description, pat) {
				return &wgerrors.ConflictError{ID: fn.ID, Reason: "plan matches forbidden pattern: " + pat}
			}
		}
	}

	return nil
}

// findTemplateCycle runs a 3-color DFS over the after edges restricted to
// the proposed template set and returns the id where a back edge was found,
// or "" if the fragment is acyclic.
func findTemplateCycle(byID map[string]models.TaskTemplate) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	var found string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range byID[id].After {
			if _, ok := byID[dep]; !ok {
				continue // reference outside the proposed fragment
			}
			switch color[dep] {
			case gray:
				found = dep
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic traversal order
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return found
		}
	}
	return ""
}

// maxTemplateDepth returns the longest after-chain length within the
// proposed fragment, memoized per id. Cyclic references are treated as
// depth 0 at the point of re-entry so a caller that already rejected cycles
// never sees an infinite recursion here.
func maxTemplateDepth(byID map[string]models.TaskTemplate) int {
	memo := make(map[string]int, len(byID))
	visiting := make(map[string]bool, len(byID))

	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		if visiting[id] {
			return 0
		}
		visiting[id] = true
		best := 0
		for _, dep := range byID[id].After {
			if _, ok := byID[dep]; !ok {
				continue
			}
			if d := depth(dep) + 1; d > best {
				best = d
			}
		}
		visiting[id] = false
		memo[id] = best
		return best
	}

	max := 0
	for id := range byID {
		if d := depth(id); d > max {
			max = d
		}
	}
	return max
}

// LoadRunSummaries reads at most the last max RunSummary records from
// functions/<id>.runs.jsonl, oldest first. max<=0 returns everything.
func LoadRunSummaries(workgraphDir, id string, max int) ([]models.RunSummary, error) {
	p := runsPath(workgraphDir, id)
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &wgerrors.IOError{Path: p, Op: "read", Err: err}
	}
	var all []models.RunSummary
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if line == "" {
			continue
		}
		var s models.RunSummary
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			return nil, &wgerrors.ParseError{Path: p, Err: err}
		}
		all = append(all, s)
	}
	if max > 0 && len(all) > max {
		all = all[len(all)-max:]
	}
	return all, nil
}

// AppendRunSummary appends one RunSummary record as a JSON line to
// functions/<id>.runs.jsonl, matching the operation log's JSONL convention.
func AppendRunSummary(workgraphDir, id string, s models.RunSummary) error {
	dir := Dir(workgraphDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &wgerrors.IOError{Path: dir, Op: "mkdir", Err: err}
	}
	line, err := json.Marshal(s)
	if err != nil {
		return &wgerrors.ParseError{Path: runsPath(workgraphDir, id), Err: err}
	}
	f, err := os.OpenFile(runsPath(workgraphDir, id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &wgerrors.IOError{Path: runsPath(workgraphDir, id), Op: "open", Err: err}
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return &wgerrors.IOError{Path: runsPath(workgraphDir, id), Op: "write", Err: err}
	}
	return nil
}

// RenderMemory formats run summaries into the textual block substituted for
// `{{memory.run_summaries}}`, one line per past run: timestamp, prefix,
// success, a per-task status/retry breakdown (durations are not rendered),
// and the run's interventions when there are any.
func RenderMemory(summaries []models.RunSummary) string {
	if len(summaries) == 0 {
		return "(no prior runs)"
	}
	var b strings.Builder
	for _, s := range summaries {
		fmt.Fprintf(&b, "- run %s (prefix %s, success=%v): ", s.Timestamp.Format(time.RFC3339), s.Prefix, s.Success)
		parts := make([]string, 0, len(s.Outcomes))
		for _, o := range s.Outcomes {
			parts = append(parts, fmt.Sprintf("%s=%s(retries=%d)", o.TaskID, o.Status, o.RetryCount))
		}
		b.WriteString(strings.Join(parts, ", "))
		if len(s.Interventions) > 0 {
			b.WriteString("; interventions: " + strings.Join(s.Interventions, ", "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Bootstrap creates (or, with force, re-creates) the built-in
// "extract-function" meta-function: a generative template that turns a
// completed ad-hoc workflow into a reusable trace function. Rejects without
// force if one already exists.
func Bootstrap(workgraphDir string, force bool, now time.Time) (*models.TraceFunction, error) {
	if _, err := Load(workgraphDir, "extract-function"); err == nil && !force {
		return nil, &wgerrors.ConflictError{ID: "extract-function", Reason: "already exists (use force to overwrite)"}
	}

	fn := &models.TraceFunction{
		ID:      "extract-function",
		Version: 2,
		Inputs: []models.InputParam{
			{Name: "source_prefix", Type: "string", Required: true},
			{Name: "name", Type: "string", Required: true},
			{Name: "description", Type: "string", Required: false},
		},
		Planning: &models.PlanningConfig{
			PlannerTemplate: models.TaskTemplate{
				TemplateID:  "plan",
				Title:       "Extract reusable function from {{input.source_prefix}}",
				Description: "Inspect the completed tasks under prefix {{input.source_prefix}} and propose a trace-function task template named {{input.name}}: {{input.description}}",
				Skills:      []string{"analysis"},
			},
			OutputFormat: "workgraph-yaml",
		},
		Constraints: &models.StructuralConstraints{
			MinTasks: 1,
			MaxTasks: 50,
		},
		StaticFallback: false,
		Tasks:          []models.TaskTemplate{},
		Visibility:     models.VisibilityInternal,
	}

	if err := Save(fn, workgraphDir); err != nil {
		return nil, err
	}
	return fn, nil
}

// detailString pulls a string field out of an operation entry's Detail,
// which after a JSON round-trip is a map[string]any rather than the
// original typed value.
func detailString(detail any, key string) string {
	m, ok := detail.(map[string]any)
	if !ok {
		return ""
	}
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func detailStringSlice(detail any, key string) []string {
	m, ok := detail.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// MakeAdaptive upgrades a generative (version >= 2) function to adaptive
// (version 3): it scans the operation log for past function_applied entries
// referencing functionID, synthesizes a RunSummary per past run from the
// current graph's task state, persists them (replacing any previously
// persisted summaries), attaches a TraceMemoryConfig,
// and appends the `{{memory.run_summaries}}` marker to the planner
// template's description if it isn't already present. Idempotent: re-running
// against an already-v3 function just updates max_runs and rescans.
func MakeAdaptive(workgraphDir, functionID string, maxRuns int, now time.Time) (*models.TraceFunction, []models.RunSummary, error) {
	fn, err := Load(workgraphDir, functionID)
	if err != nil {
		return nil, nil, err
	}
	if fn.Version < 2 {
		return nil, nil, &wgerrors.ConflictError{ID: functionID, Reason: "function must be generative (version >= 2) before it can become adaptive"}
	}

	entries, err := oplog.ReadAll(workgraphDir)
	if err != nil {
		return nil, nil, err
	}

	g, err := graph.Load(filepath.Join(workgraphDir, "graph.jsonl"))
	if err != nil {
		return nil, nil, err
	}

	var summaries []models.RunSummary
	for _, e := range entries {
		if e.Op != models.OpFunctionApplied {
			continue
		}
		if detailString(e.Detail, "function_id") != functionID {
			continue
		}
		prefix := detailString(e.Detail, "prefix")
		createdIDs := detailStringSlice(e.Detail, "created_task_ids")

		var outcomes []models.TaskOutcome
		success := true
		for _, id := range createdIDs {
			t := g.GetTask(id)
			if t == nil {
				continue
			}
			var dur time.Duration
			if t.StartedAt != nil && t.CompletedAt != nil {
				dur = t.CompletedAt.Sub(*t.StartedAt)
			}
			outcomes = append(outcomes, models.TaskOutcome{
				TaskID: id, Status: t.Status, Duration: dur, RetryCount: t.RetryCount,
			})
			if t.Status == models.StatusFailed || t.Status == models.StatusAbandoned {
				success = false
			}
		}
		summaries = append(summaries, models.RunSummary{
			Timestamp: e.Timestamp,
			Prefix:    prefix,
			Outcomes:  outcomes,
			Success:   success,
		})
	}

	if maxRuns > 0 && len(summaries) > maxRuns {
		summaries = summaries[len(summaries)-maxRuns:]
	}

	if err := os.Remove(runsPath(workgraphDir, functionID)); err != nil && !os.IsNotExist(err) {
		return nil, nil, &wgerrors.IOError{Path: runsPath(workgraphDir, functionID), Op: "remove", Err: err}
	}
	for _, s := range summaries {
		if err := AppendRunSummary(workgraphDir, functionID, s); err != nil {
			return nil, nil, err
		}
	}

	fn.Memory = &models.TraceMemoryConfig{MaxRuns: maxRuns}
	fn.Version = 3

	if fn.Planning != nil && !strings.Contains(fn.Planning.PlannerTemplate.Description, "{{memory.run_summaries}}") {
		fn.Planning.PlannerTemplate.Description += "\n\nPast run history:\n{{memory.run_summaries}}"
	}

	if err := Save(fn, workgraphDir); err != nil {
		return nil, nil, err
	}
	return fn, summaries, nil
}
