// Package cli implements the thin cobra command tree over the core
// packages. It never holds business logic: commands call into
// mutate/analyser/coordinator/tracefn/watch and print the result through
// the internal/output JSON envelope, except `agents --human` (a plain-text
// table), `coordinator install-service` (a unit file) and the `watch`
// commands (one JSON event per line).
package cli

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/workgraph/workgraph/internal/config"
	"github.com/workgraph/workgraph/internal/graph"
	"github.com/workgraph/workgraph/internal/mutate"
	"github.com/workgraph/workgraph/internal/output"
	"github.com/workgraph/workgraph/internal/wgerrors"
)

// printedError marks an error whose JSON envelope has already been written
// to stdout, so Execute's fallback slog call and the exit-code mapping both
// see the original error via Unwrap without double-printing it.
type printedError struct {
	err error
}

func (e printedError) Error() string { return "error already printed" }
func (e printedError) Unwrap() error { return e.err }

// cmdErr prints err as a JSON error envelope, logs it once via slog, and
// returns a printedError so Execute's own logging doesn't repeat it.
func cmdErr(err error) error {
	if err == nil {
		return nil
	}
	_ = output.PrintError(err)
	slog.Default().Error("command failed", "error", err.Error())
	return printedError{err: err}
}

func workgraphDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = "."
	}
	return dir
}

func loadConfig(dir string) (config.Config, error) {
	return config.Load(dir)
}

// requireGraph reports NotInitializedError (mapped to exit code 3) if
// graph.jsonl doesn't exist yet.
func requireGraph(dir string) error {
	if _, err := os.Stat(dir + "/graph.jsonl"); err != nil {
		if os.IsNotExist(err) {
			return &wgerrors.NotInitializedError{Dir: dir}
		}
		return &wgerrors.IOError{Path: dir, Op: "stat", Err: err}
	}
	return nil
}

func engine(cmd *cobra.Command) (*mutate.Engine, string, error) {
	dir := workgraphDir(cmd)
	cfg, err := loadConfig(dir)
	if err != nil {
		return nil, dir, err
	}
	return mutate.New(dir, cfg), dir, nil
}

func now() time.Time { return time.Now() }

// Execute builds the full command tree and runs it.
func Execute(version string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	root := &cobra.Command{
		Use:           "workgraph",
		Short:         "Local-first task-graph orchestration for heterogeneous agent fleets",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			showVersion, _ := cmd.Flags().GetBool("version")
			if showVersion {
				type resp struct {
					Version string `json:"version"`
				}
				return output.PrintSuccess(resp{Version: version})
			}
			return cmd.Help()
		},
	}

	root.PersistentFlags().String("dir", ".", "Workgraph directory holding graph.jsonl (default: current directory)")
	root.PersistentFlags().StringP("agent", "a", os.Getenv("WG_AGENT"), "Agent id for claim/heartbeat operations (default: $WG_AGENT)")
	root.Flags().BoolP("version", "v", false, "Print version and exit")

	root.AddCommand(newInitCmd())
	root.AddCommand(newAddTaskCmd())
	root.AddCommand(newClaimCmd())
	root.AddCommand(newUnclaimCmd())
	root.AddCommand(newDoneCmd())
	root.AddCommand(newFailCmd())
	root.AddCommand(newRetryCmd())
	root.AddCommand(newAbandonCmd())
	root.AddCommand(newPauseCmd())
	root.AddCommand(newResumeCmd())
	root.AddCommand(newHeartbeatCmd())
	root.AddCommand(newArchiveCmd())
	root.AddCommand(newReadyCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newCyclesCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newAgentsCmd())
	root.AddCommand(newCoordinatorCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newFunctionCmd())

	err := root.Execute()
	if err != nil {
		var pe printedError
		if !errors.As(err, &pe) {
			slog.Default().Error("command failed", "error", err.Error())
		}
	}
	return err
}

// newInitCmd scaffolds an empty .workgraph directory: graph.jsonl with no
// nodes, so NotInitializedError no longer fires for subsequent commands.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialise an empty workgraph in the working directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := workgraphDir(cmd)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return cmdErr(&wgerrors.IOError{Path: dir, Op: "mkdir", Err: err})
			}
			path := dir + "/graph.jsonl"
			if _, err := os.Stat(path); err == nil {
				return cmdErr(&wgerrors.ConflictError{ID: dir, Reason: "already initialized"})
			}
			if err := graph.Save(graph.New(), path); err != nil {
				return cmdErr(err)
			}
			return output.PrintSuccess(map[string]string{"dir": dir})
		},
	}
}
