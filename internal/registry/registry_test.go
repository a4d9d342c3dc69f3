package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workgraph/workgraph/internal/models"
)

func TestLoad_MissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	r, err := Load(dir)
	require.NoError(t, err)
	assert.Empty(t, r.Agents)
}

func TestRegisterSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := New()
	now := time.Now().UTC().Truncate(time.Second)
	a := r.Register(12345, "t1", "claude", "/tmp/out.log", now)
	assert.Equal(t, "agent-1", a.ID)

	require.NoError(t, Save(r, dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	got := loaded.Get("agent-1")
	require.NotNil(t, got)
	assert.Equal(t, 12345, got.PID)
	assert.Equal(t, models.AgentStarting, got.Status)
}

func TestCheckStale_Partitions(t *testing.T) {
	r := New()
	now := time.Now()
	r.Register(1, "t1", "claude", "o1", now)
	r.Register(2, "t2", "claude", "o2", now.Add(-10*time.Minute))
	require.NoError(t, r.UpdateStatus("agent-2", models.AgentWorking))
	require.NoError(t, r.UpdateStatus("agent-1", models.AgentWorking))

	report := r.CheckStale(now, 5*time.Minute)
	assert.Len(t, report.Active, 1)
	assert.Len(t, report.Stale, 1)
	assert.Equal(t, "agent-2", report.Stale[0].ID)
}

func TestReap_FlipsStaleToDead(t *testing.T) {
	r := New()
	now := time.Now()
	r.Register(1, "t1", "claude", "o1", now.Add(-10*time.Minute))
	require.NoError(t, r.UpdateStatus("agent-1", models.AgentWorking))

	reaped := r.Reap(now, 5*time.Minute, nil)
	assert.Equal(t, []string{"agent-1"}, reaped)
	assert.Equal(t, models.AgentDead, r.Get("agent-1").Status)
	assert.Equal(t, 0, r.CountAlive())
}

func TestUpdateHeartbeat_NotFound(t *testing.T) {
	r := New()
	err := r.UpdateHeartbeat("agent-99", time.Now())
	assert.Error(t, err)
}
