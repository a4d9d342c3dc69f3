package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(defaultRotationThresholdBytes), cfg.RotationThresholdBytes)
	assert.Equal(t, defaultWatchPollMillis, cfg.WatchPollMillis)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".workgraph"), 0o755))
	content := "rotation_threshold_bytes: 256\nwatch_poll_millis: 50\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".workgraph", "config.yaml"), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(256), cfg.RotationThresholdBytes)
	assert.Equal(t, 50, cfg.WatchPollMillis)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WG_WATCH_POLL_MS", "10")
	t.Setenv("WG_LOCK_TIMEOUT_MS", "1000")
	t.Setenv("WG_ROTATION_THRESHOLD_BYTES", "99")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.WatchPollMillis)
	assert.Equal(t, 1000, cfg.LockTimeoutMillis)
	assert.Equal(t, int64(99), cfg.RotationThresholdBytes)
}

func TestLoad_BadYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".workgraph"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".workgraph", "config.yaml"), []byte("not: [valid"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}
