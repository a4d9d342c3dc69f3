package mutate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workgraph/workgraph/internal/config"
	"github.com/workgraph/workgraph/internal/graph"
	"github.com/workgraph/workgraph/internal/models"
	"github.com/workgraph/workgraph/internal/registry"
)

func seed(t *testing.T, dir string, tasks ...*models.Task) {
	t.Helper()
	g := graph.New()
	for _, tk := range tasks {
		require.NoError(t, g.AddNode(models.TaskNode(tk)))
	}
	require.NoError(t, graph.Save(g, filepath.Join(dir, "graph.jsonl")))
}

func newEngine(dir string) *Engine {
	return New(dir, config.Defaults())
}

func TestAddTask_DuplicateIDConflict(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir, &models.Task{ID: "t1", Status: models.StatusOpen})
	e := newEngine(dir)

	_, err := e.AddTask(context.Background(), models.Task{ID: "t1"}, time.Now())
	require.Error(t, err)
}

func TestAddTask_GeneratesIDWhenBlank(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)
	e := newEngine(dir)

	result, err := e.AddTask(context.Background(), models.Task{Title: "untitled"}, time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, result.Task.ID)
}

func TestAddTask_RejectsZeroMaxIterations(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)
	e := newEngine(dir)

	_, err := e.AddTask(context.Background(), models.Task{ID: "t1", CycleConfig: &models.CycleConfig{MaxIterations: 0}}, time.Now())
	require.Error(t, err)
}

func TestClaim_ReadySucceeds(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir, &models.Task{ID: "t1", Status: models.StatusOpen})
	e := newEngine(dir)

	result, err := e.Claim(context.Background(), "t1", "agent-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, result.Task.Status)
	assert.Equal(t, "agent-1", result.Task.Assigned)
}

func TestClaim_BlockedByUnresolvedDependency(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir,
		&models.Task{ID: "blocker", Status: models.StatusOpen},
		&models.Task{ID: "blocked", Status: models.StatusOpen, After: []string{"blocker"}},
	)
	e := newEngine(dir)

	_, err := e.Claim(context.Background(), "blocked", "agent-1", time.Now())
	require.Error(t, err)
}

func TestClaim_AlreadyClaimedConflict(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir, &models.Task{ID: "t1", Status: models.StatusInProgress, Assigned: "agent-1"})
	e := newEngine(dir)

	_, err := e.Claim(context.Background(), "t1", "agent-2", time.Now())
	require.Error(t, err)
}

func TestDone_AlreadyDoneIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	seed(t, dir, &models.Task{ID: "t1", Status: models.StatusDone, CompletedAt: &now})
	e := newEngine(dir)

	result, err := e.Done(context.Background(), "t1", false, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, result.Task.Status)
	assert.NotEmpty(t, result.Task.Log)
}

func TestDone_UnresolvedBlockersRejected(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir,
		&models.Task{ID: "blocker", Status: models.StatusOpen},
		&models.Task{ID: "blocked", Status: models.StatusOpen, After: []string{"blocker"}},
	)
	e := newEngine(dir)

	_, err := e.Done(context.Background(), "blocked", false, time.Now())
	require.Error(t, err)
}

func TestDone_ConvergedAddsTagAndMessage(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir, &models.Task{ID: "t1", Status: models.StatusOpen})
	e := newEngine(dir)

	result, err := e.Done(context.Background(), "t1", true, time.Now())
	require.NoError(t, err)
	assert.Contains(t, result.Task.Tags, "converged")
	assert.Contains(t, result.Task.Log[len(result.Task.Log)-1].Message, "converged")
}

func TestDone_CycleReactivation(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir,
		&models.Task{ID: "write", Status: models.StatusOpen, After: []string{"review"}, CycleConfig: &models.CycleConfig{MaxIterations: 3}},
		&models.Task{ID: "review", Status: models.StatusOpen, After: []string{"write"}},
	)
	e := newEngine(dir)
	ctx := context.Background()

	_, err := e.Done(ctx, "write", false, time.Now())
	require.NoError(t, err)

	result, err := e.Done(ctx, "review", false, time.Now())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"write", "review"}, result.Reactivated)

	g, err := graph.Load(filepath.Join(dir, "graph.jsonl"))
	require.NoError(t, err)
	write := g.GetTask("write")
	assert.Equal(t, models.StatusOpen, write.Status)
	assert.Equal(t, 1, write.LoopIteration)
	review := g.GetTask("review")
	assert.Equal(t, models.StatusOpen, review.Status)
	assert.Empty(t, review.Log, "non-header member's log is reset on reactivation")
	assert.NotEmpty(t, write.Log, "header's log is preserved across reactivation")
}

func TestDone_CycleStopsAfterMaxIterations(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir,
		&models.Task{ID: "write", Status: models.StatusOpen, After: []string{"review"}, CycleConfig: &models.CycleConfig{MaxIterations: 1}},
		&models.Task{ID: "review", Status: models.StatusOpen, After: []string{"write"}},
	)
	e := newEngine(dir)
	ctx := context.Background()

	_, err := e.Done(ctx, "write", false, time.Now())
	require.NoError(t, err)
	result, err := e.Done(ctx, "review", false, time.Now())
	require.NoError(t, err)
	assert.Empty(t, result.Reactivated)
}

func TestFail_FromInProgress(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir, &models.Task{ID: "t1", Status: models.StatusInProgress, Assigned: "agent-1"})
	e := newEngine(dir)

	result, err := e.Fail(context.Background(), "t1", "boom", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, result.Task.Status)
	assert.Equal(t, "boom", result.Task.FailureReason)
}

func TestRetry_ZeroMaxRetriesAlwaysRejects(t *testing.T) {
	dir := t.TempDir()
	zero := 0
	seed(t, dir, &models.Task{ID: "t1", Status: models.StatusFailed, MaxRetries: &zero})
	e := newEngine(dir)

	_, err := e.Retry(context.Background(), "t1", time.Now())
	require.Error(t, err)
}

func TestRetry_ExhaustsAfterMaxRetries(t *testing.T) {
	dir := t.TempDir()
	two := 2
	seed(t, dir, &models.Task{ID: "t1", Status: models.StatusFailed, MaxRetries: &two})
	e := newEngine(dir)
	ctx := context.Background()
	now := time.Now()

	r, err := e.Retry(ctx, "t1", now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, r.Task.Status)

	_, err = e.Fail(ctx, "t1", "again", now)
	require.NoError(t, err)
	r, err = e.Retry(ctx, "t1", now)
	require.NoError(t, err)

	_, err = e.Fail(ctx, "t1", "again", now)
	require.NoError(t, err)
	_, err = e.Retry(ctx, "t1", now)
	require.Error(t, err)
}

func TestAbandon_AlreadyDoneRejected(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	seed(t, dir, &models.Task{ID: "t1", Status: models.StatusDone, CompletedAt: &now})
	e := newEngine(dir)

	_, err := e.Abandon(context.Background(), "t1", "", time.Now())
	require.Error(t, err)
}

func TestAbandon_Idempotent(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir, &models.Task{ID: "t1", Status: models.StatusAbandoned})
	e := newEngine(dir)

	result, err := e.Abandon(context.Background(), "t1", "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StatusAbandoned, result.Task.Status)
}

func TestPauseResume_Idempotent(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir, &models.Task{ID: "t1", Status: models.StatusOpen})
	e := newEngine(dir)
	ctx := context.Background()
	now := time.Now()

	r, err := e.Pause(ctx, "t1", now)
	require.NoError(t, err)
	assert.True(t, r.Task.Paused)

	r, err = e.Pause(ctx, "t1", now)
	require.NoError(t, err)
	assert.True(t, r.Task.Paused)

	r, err = e.Resume(ctx, "t1", now)
	require.NoError(t, err)
	assert.False(t, r.Task.Paused)
}

func TestHeartbeat_UpdatesRegistry(t *testing.T) {
	dir := t.TempDir()
	r := registry.New()
	r.Register(123, "t1", "claude", "/tmp/out", time.Now().Add(-time.Hour))
	require.NoError(t, registry.Save(r, dir))

	e := newEngine(dir)
	now := time.Now()
	require.NoError(t, e.Heartbeat(context.Background(), "agent-1", now))

	loaded, err := registry.Load(dir)
	require.NoError(t, err)
	assert.WithinDuration(t, now, loaded.Get("agent-1").LastHeartbeat, time.Second)
}

func TestHeartbeat_UnknownAgentErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, registry.Save(registry.New(), dir))
	e := newEngine(dir)

	err := e.Heartbeat(context.Background(), "agent-99", time.Now())
	require.Error(t, err)
}

func TestArchive_NoIDsArchivesEveryDoneTask(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	seed(t, dir,
		&models.Task{ID: "t1", Status: models.StatusDone, CompletedAt: &now},
		&models.Task{ID: "t2", Status: models.StatusDone, CompletedAt: &now},
		&models.Task{ID: "t3", Status: models.StatusOpen},
	)
	e := newEngine(dir)

	result, err := e.Archive(context.Background(), nil, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2"}, result.Archived)

	g, err := graph.Load(filepath.Join(dir, "graph.jsonl"))
	require.NoError(t, err)
	assert.Nil(t, g.GetTask("t1"))
	assert.Nil(t, g.GetTask("t2"))
	assert.NotNil(t, g.GetTask("t3"))
}

func TestArchive_RejectsNonDoneIDWithoutRemovingAny(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	seed(t, dir,
		&models.Task{ID: "t1", Status: models.StatusDone, CompletedAt: &now},
		&models.Task{ID: "t2", Status: models.StatusOpen},
	)
	e := newEngine(dir)

	_, err := e.Archive(context.Background(), []string{"t1", "t2"}, now)
	require.Error(t, err)

	g, err := graph.Load(filepath.Join(dir, "graph.jsonl"))
	require.NoError(t, err)
	assert.NotNil(t, g.GetTask("t1"))
	assert.NotNil(t, g.GetTask("t2"))
}

func TestArchive_UnknownIDErrors(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir, &models.Task{ID: "t1", Status: models.StatusOpen})
	e := newEngine(dir)

	_, err := e.Archive(context.Background(), []string{"ghost"}, time.Now())
	require.Error(t, err)
}
