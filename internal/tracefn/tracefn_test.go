package tracefn

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workgraph/workgraph/internal/graph"
	"github.com/workgraph/workgraph/internal/models"
	"github.com/workgraph/workgraph/internal/oplog"
)

func staticFn() *models.TraceFunction {
	return &models.TraceFunction{
		ID:      "review-cycle",
		Version: 1,
		Inputs: []models.InputParam{
			{Name: "doc", Type: "string", Required: true},
			{Name: "reviewer", Type: "string", Default: "anyone"},
		},
		Tasks: []models.TaskTemplate{
			{TemplateID: "write", Title: "Write {{input.doc}}"},
			{TemplateID: "review", Title: "Review {{input.doc}} as {{input.reviewer}}", After: []string{"write"}},
		},
	}
}

func TestApplyStatic_SubstitutesAndPrefixes(t *testing.T) {
	fn := staticFn()
	tasks, err := ApplyStatic(fn, map[string]string{"doc": "spec"}, "run1", time.Now())
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	byID := map[string]models.Task{}
	for _, tk := range tasks {
		byID[tk.ID] = tk
	}
	write, ok := byID["run1-write"]
	require.True(t, ok)
	assert.Equal(t, "Write spec", write.Title)

	review, ok := byID["run1-review"]
	require.True(t, ok)
	assert.Equal(t, "Review spec as anyone", review.Title)
	assert.Equal(t, []string{"run1-write"}, review.After)
}

func TestApplyStatic_MissingRequiredInputFailsClosed(t *testing.T) {
	fn := staticFn()
	tasks, err := ApplyStatic(fn, map[string]string{}, "run1", time.Now())
	require.Error(t, err)
	assert.Empty(t, tasks)
}

func TestInstantiate_RejectsNonGenerativeFunction(t *testing.T) {
	fn := staticFn()
	_, err := Instantiate(fn, map[string]string{"doc": "spec"}, "run1", "", time.Now())
	require.Error(t, err)
}

func generativeFn() *models.TraceFunction {
	return &models.TraceFunction{
		ID:      "plan-feature",
		Version: 2,
		Inputs:  []models.InputParam{{Name: "goal", Type: "string", Required: true}},
		Planning: &models.PlanningConfig{
			PlannerTemplate: models.TaskTemplate{TemplateID: "plan", Title: "Plan {{input.goal}}"},
			OutputFormat:    "workgraph-yaml",
		},
		Constraints: &models.StructuralConstraints{
			MinTasks:          2,
			MaxTasks:          5,
			RequiredSkills:    []string{"backend"},
			MaxDepth:          2,
			RequiredPhaseTags: []string{"implementation"},
		},
		StaticFallback: true,
		Tasks: []models.TaskTemplate{
			{TemplateID: "fallback", Title: "Fallback for {{input.goal}}"},
		},
	}
}

func TestInstantiate_ReturnsPlannerTask(t *testing.T) {
	fn := generativeFn()
	task, err := Instantiate(fn, map[string]string{"goal": "auth"}, "run1", "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "run1-plan", task.ID)
	assert.Equal(t, "Plan auth", task.Title)
}

func TestInstantiate_RendersMemoryIntoDescription(t *testing.T) {
	fn := generativeFn()
	fn.Planning.PlannerTemplate.Description = "context: {{memory.run_summaries}}"
	task, err := Instantiate(fn, map[string]string{"goal": "auth"}, "run1", "previous run ok", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "context: previous run ok", task.Description)
}

func TestValidatePlan_RejectsBelowMinTasks(t *testing.T) {
	fn := generativeFn()
	err := ValidatePlan(fn, []models.TaskTemplate{{TemplateID: "only", Skills: []string{"backend"}, Tags: []string{"implementation"}}})
	require.Error(t, err)
}

func TestValidatePlan_RejectsMissingRequiredSkill(t *testing.T) {
	fn := generativeFn()
	plan := []models.TaskTemplate{
		{TemplateID: "a", Tags: []string{"implementation"}},
		{TemplateID: "b", Tags: []string{"implementation"}},
	}
	err := ValidatePlan(fn, plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend")
}

func TestValidatePlan_RejectsMissingPhaseTag(t *testing.T) {
	fn := generativeFn()
	plan := []models.TaskTemplate{
		{TemplateID: "a", Skills: []string{"backend"}},
		{TemplateID: "b", Skills: []string{"backend"}},
	}
	err := ValidatePlan(fn, plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phase tag")
}

func TestValidatePlan_RejectsCycleWhenDisallowed(t *testing.T) {
	fn := generativeFn()
	fn.Constraints.AllowCycles = false
	plan := []models.TaskTemplate{
		{TemplateID: "a", After: []string{"b"}, Skills: []string{"backend"}, Tags: []string{"implementation"}},
		{TemplateID: "b", After: []string{"a"}, Skills: []string{"backend"}, Tags: []string{"implementation"}},
	}
	err := ValidatePlan(fn, plan)
	require.Error(t, err)
}

func TestValidatePlan_AcceptsCycleWhenAllowed(t *testing.T) {
	fn := generativeFn()
	fn.Constraints.AllowCycles = true
	fn.Constraints.MaxDepth = 0
	plan := []models.TaskTemplate{
		{TemplateID: "a", After: []string{"b"}, Skills: []string{"backend"}, Tags: []string{"implementation"}},
		{TemplateID: "b", After: []string{"a"}, Skills: []string{"backend"}, Tags: []string{"implementation"}},
	}
	require.NoError(t, ValidatePlan(fn, plan))
}

func TestValidatePlan_RejectsExcessiveDepth(t *testing.T) {
	fn := generativeFn()
	fn.Constraints.MaxDepth = 1
	plan := []models.TaskTemplate{
		{TemplateID: "a", Skills: []string{"backend"}, Tags: []string{"implementation"}},
		{TemplateID: "b", After: []string{"a"}, Skills: []string{"backend"}, Tags: []string{"implementation"}},
		{TemplateID: "c", After: []string{"b"}, Skills: []string{"backend"}, Tags: []string{"implementation"}},
	}
	err := ValidatePlan(fn, plan)
	require.Error(t, err)
}

func TestValidatePlan_RejectsForbiddenPattern(t *testing.T) {
	fn := generativeFn()
	fn.Constraints.ForbiddenPatterns = []string{"rm -rf"}
	plan := []models.TaskTemplate{
		{TemplateID: "a", Title: "run rm -rf /tmp", Skills: []string{"backend"}, Tags: []string{"implementation"}},
		{TemplateID: "b", Skills: []string{"backend"}, Tags: []string{"implementation"}},
	}
	err := ValidatePlan(fn, plan)
	require.Error(t, err)
}

func TestMaterialize_FallsBackToStaticOnInvalidPlan(t *testing.T) {
	fn := generativeFn()
	invalidPlan := []models.TaskTemplate{{TemplateID: "only", Skills: []string{"backend"}, Tags: []string{"implementation"}}}

	tasks, usedFallback, err := Materialize(fn, invalidPlan, map[string]string{"goal": "auth"}, "run1", time.Now())
	require.NoError(t, err)
	assert.True(t, usedFallback)
	require.Len(t, tasks, 1)
	assert.Equal(t, "run1-fallback", tasks[0].ID)
}

func TestMaterialize_RejectsWithoutFallback(t *testing.T) {
	fn := generativeFn()
	fn.StaticFallback = false
	invalidPlan := []models.TaskTemplate{{TemplateID: "only", Skills: []string{"backend"}, Tags: []string{"implementation"}}}

	_, _, err := Materialize(fn, invalidPlan, map[string]string{"goal": "auth"}, "run1", time.Now())
	require.Error(t, err)
}

func TestMaterialize_AcceptsValidPlan(t *testing.T) {
	fn := generativeFn()
	validPlan := []models.TaskTemplate{
		{TemplateID: "a", Skills: []string{"backend"}, Tags: []string{"implementation"}},
		{TemplateID: "b", After: []string{"a"}, Skills: []string{"backend"}, Tags: []string{"implementation"}},
	}
	tasks, usedFallback, err := Materialize(fn, validPlan, map[string]string{"goal": "auth"}, "run1", time.Now())
	require.NoError(t, err)
	assert.False(t, usedFallback)
	require.Len(t, tasks, 2)
}

func TestParsePlanYAML_ParsesTaskList(t *testing.T) {
	raw := "tasks:\n  - id: a\n    title: Do A\n  - id: b\n    title: Do B\n    after: [a]\n"
	tasks, err := ParsePlanYAML(raw)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "b", tasks[1].TemplateID)
	assert.Equal(t, []string{"a"}, tasks[1].After)
}

func TestSaveLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	fn := staticFn()
	require.NoError(t, Save(fn, dir))

	loaded, err := Load(dir, "review-cycle")
	require.NoError(t, err)
	assert.Equal(t, fn.ID, loaded.ID)
	assert.Len(t, loaded.Tasks, 2)
}

func TestLoad_UnknownFunctionNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, "nope")
	require.Error(t, err)
}

func TestBootstrap_CreatesExtractFunction(t *testing.T) {
	dir := t.TempDir()
	fn, err := Bootstrap(dir, false, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, fn.Version)
	assert.NotNil(t, fn.Planning)
	assert.Len(t, fn.Inputs, 3)
}

func TestBootstrap_RejectsWithoutForceWhenExists(t *testing.T) {
	dir := t.TempDir()
	_, err := Bootstrap(dir, false, time.Now())
	require.NoError(t, err)

	_, err = Bootstrap(dir, false, time.Now())
	require.Error(t, err)
}

func TestBootstrap_ForceOverwrites(t *testing.T) {
	dir := t.TempDir()
	_, err := Bootstrap(dir, false, time.Now())
	require.NoError(t, err)

	fn, err := Bootstrap(dir, true, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "extract-function", fn.ID)
}

func TestRunSummaries_AppendAndLoadRespectsMax(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		require.NoError(t, AppendRunSummary(dir, "plan-feature", models.RunSummary{
			Timestamp: time.Now(), Prefix: "run", Success: true,
		}))
	}
	all, err := LoadRunSummaries(dir, "plan-feature", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLoadRunSummaries_MissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	summaries, err := LoadRunSummaries(dir, "nope", 5)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestRenderMemory_FormatsOutcomes(t *testing.T) {
	summaries := []models.RunSummary{
		{
			Timestamp: time.Now(), Prefix: "run1", Success: true,
			Outcomes: []models.TaskOutcome{{TaskID: "run1-write", Status: models.StatusDone, RetryCount: 0}},
		},
	}
	text := RenderMemory(summaries)
	assert.Contains(t, text, "run1-write=done")
}

func TestRenderMemory_NoRunsPlaceholder(t *testing.T) {
	assert.Equal(t, "(no prior runs)", RenderMemory(nil))
}

func TestMakeAdaptive_RejectsStaticFunction(t *testing.T) {
	dir := t.TempDir()
	fn := staticFn()
	require.NoError(t, Save(fn, dir))

	_, _, err := MakeAdaptive(dir, fn.ID, 5, time.Now())
	require.Error(t, err)
}

func TestMakeAdaptive_UpgradesAndAppendsMemoryMarker(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	fn := generativeFn()
	require.NoError(t, Save(fn, dir))

	g := graph.New()
	started := now.Add(-time.Hour)
	completed := now
	require.NoError(t, g.AddNode(models.TaskNode(&models.Task{
		ID: "run1-plan", Status: models.StatusDone, StartedAt: &started, CompletedAt: &completed,
	})))
	require.NoError(t, graph.Save(g, filepath.Join(dir, "graph.jsonl")))

	require.NoError(t, oplog.Append(dir, models.OperationEntry{
		Timestamp: now, Op: models.OpFunctionApplied, TaskID: "run1-plan",
		Detail: map[string]any{"function_id": fn.ID, "prefix": "run1", "created_task_ids": []string{"run1-plan"}},
	}, oplog.DefaultRotationThreshold))

	upgraded, summaries, err := MakeAdaptive(dir, fn.ID, 3, now)
	require.NoError(t, err)
	assert.Equal(t, 3, upgraded.Version)
	require.NotNil(t, upgraded.Memory)
	assert.Equal(t, 3, upgraded.Memory.MaxRuns)
	require.Len(t, summaries, 1)
	assert.Equal(t, "run1", summaries[0].Prefix)
	assert.Contains(t, upgraded.Planning.PlannerTemplate.Description, "{{memory.run_summaries}}")

	reloaded, err := Load(dir, fn.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.Version)
}

func TestMakeAdaptive_IsIdempotentOnAlreadyAdaptiveFunction(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	fn := generativeFn()
	require.NoError(t, Save(fn, dir))
	require.NoError(t, graph.Save(graph.New(), filepath.Join(dir, "graph.jsonl")))

	_, _, err := MakeAdaptive(dir, fn.ID, 5, now)
	require.NoError(t, err)

	upgraded, _, err := MakeAdaptive(dir, fn.ID, 10, now)
	require.NoError(t, err)
	assert.Equal(t, 3, upgraded.Version)
	assert.Equal(t, 10, upgraded.Memory.MaxRuns)
}
