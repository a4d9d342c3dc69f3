package cli

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureStdout redirects os.Stdout for the duration of fn and returns
// everything written to it — needed because internal/output always writes
// to os.Stdout rather than the cobra command's own writer.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "workgraph", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().String("dir", ".", "")
	root.PersistentFlags().StringP("agent", "a", "", "")
	root.AddCommand(newInitCmd())
	root.AddCommand(newAddTaskCmd())
	root.AddCommand(newClaimCmd())
	root.AddCommand(newDoneCmd())
	root.AddCommand(newFailCmd())
	root.AddCommand(newRetryCmd())
	root.AddCommand(newArchiveCmd())
	root.AddCommand(newReadyCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newCyclesCmd())
	root.SetArgs(args)
	var err error
	out := captureStdout(t, func() {
		err = root.Execute()
	})
	return out, err
}

func TestInit_CreatesGraphFile(t *testing.T) {
	dir := t.TempDir()
	out, err := runRoot(t, "init", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, `"success":true`)
	_, statErr := os.Stat(dir + "/graph.jsonl")
	require.NoError(t, statErr)
}

func TestInit_ConflictsOnSecondCall(t *testing.T) {
	dir := t.TempDir()
	_, err := runRoot(t, "init", "--dir", dir)
	require.NoError(t, err)

	_, err = runRoot(t, "init", "--dir", dir)
	require.Error(t, err)
}

func TestAddTask_RequiresTitle(t *testing.T) {
	dir := t.TempDir()
	_, err := runRoot(t, "init", "--dir", dir)
	require.NoError(t, err)

	_, err = runRoot(t, "add-task", "--dir", dir)
	require.Error(t, err)
}

func TestAddTaskClaimDoneFlow(t *testing.T) {
	dir := t.TempDir()
	_, err := runRoot(t, "init", "--dir", dir)
	require.NoError(t, err)

	out, err := runRoot(t, "add-task", "--dir", dir, "--id", "t1", "--title", "first task")
	require.NoError(t, err)
	assert.Contains(t, out, `"id":"t1"`)

	out, err = runRoot(t, "ready", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "t1")

	_, err = runRoot(t, "claim", "t1", "--dir", dir, "--agent", "agent-x")
	require.NoError(t, err)

	out, err = runRoot(t, "check", "t1", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, `"ready":false`)

	out, err = runRoot(t, "done", "t1", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, `"success":true`)

	out, err = runRoot(t, "list", "--dir", dir, "--status", "done")
	require.NoError(t, err)
	assert.Contains(t, out, `"id":"t1"`)
}

func TestFailRetryFlow(t *testing.T) {
	dir := t.TempDir()
	_, err := runRoot(t, "init", "--dir", dir)
	require.NoError(t, err)
	_, err = runRoot(t, "add-task", "--dir", dir, "--id", "t1", "--title", "x")
	require.NoError(t, err)
	_, err = runRoot(t, "claim", "t1", "--dir", dir, "--agent", "a1")
	require.NoError(t, err)

	_, err = runRoot(t, "fail", "t1", "--dir", dir, "--reason", "boom")
	require.NoError(t, err)

	out, err := runRoot(t, "retry", "t1", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"open"`)
}

func TestArchive_RemovesDoneTasksOnly(t *testing.T) {
	dir := t.TempDir()
	_, err := runRoot(t, "init", "--dir", dir)
	require.NoError(t, err)
	_, err = runRoot(t, "add-task", "--dir", dir, "--id", "t1", "--title", "first")
	require.NoError(t, err)
	_, err = runRoot(t, "add-task", "--dir", dir, "--id", "t2", "--title", "second")
	require.NoError(t, err)
	_, err = runRoot(t, "claim", "t1", "--dir", dir, "--agent", "a1")
	require.NoError(t, err)
	_, err = runRoot(t, "done", "t1", "--dir", dir)
	require.NoError(t, err)

	out, err := runRoot(t, "archive", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "t1")
	assert.NotContains(t, out, "t2")

	out, err = runRoot(t, "list", "--dir", dir)
	require.NoError(t, err)
	assert.NotContains(t, out, `"id":"t1"`)
	assert.Contains(t, out, `"id":"t2"`)
}

func TestCommandsFailWithoutInit(t *testing.T) {
	dir := t.TempDir()
	_, err := runRoot(t, "ready", "--dir", dir)
	require.Error(t, err)
}

func TestOutputIsValidJSONEnvelope(t *testing.T) {
	dir := t.TempDir()
	out, err := runRoot(t, "init", "--dir", dir)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix([]byte(out), []byte("{")))
}
