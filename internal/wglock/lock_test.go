package wglock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.jsonl")

	h, err := Acquire(context.Background(), path, time.Second, "graph")
	require.NoError(t, err)
	require.NotNil(t, h)
	h.Release()
}

func TestAcquire_ContendedTimesOut(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.jsonl")

	h1, err := Acquire(context.Background(), path, time.Second, "graph")
	require.NoError(t, err)
	defer h1.Release()

	_, err = Acquire(context.Background(), path, 100*time.Millisecond, "graph")
	require.Error(t, err)
	assert.Equal(t, "CONTENDED", err.(interface{ ErrorCode() string }).ErrorCode())
}

func TestWith_ReleasesOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.jsonl")

	err := With(context.Background(), path, time.Second, "graph", func() error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	h, err := Acquire(context.Background(), path, 200*time.Millisecond, "graph")
	require.NoError(t, err)
	h.Release()
}
