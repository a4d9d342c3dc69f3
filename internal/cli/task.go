package cli

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/workgraph/workgraph/internal/models"
	"github.com/workgraph/workgraph/internal/output"
	"github.com/workgraph/workgraph/internal/wgerrors"
)

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newAddTaskCmd() *cobra.Command {
	var id, title, desc, after, tags, skills, loopGuardTask, loopGuardStatus string
	var loopGuardAlways bool
	var maxIterations, maxRetries int

	cmd := &cobra.Command{
		Use:   "add-task",
		Short: "Add a task to the graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return cmdErr(&wgerrors.UsageError{Message: "--title is required"})
			}
			e, dir, err := engine(cmd)
			if err != nil {
				return cmdErr(err)
			}
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}

			t := models.Task{
				ID:          id,
				Title:       title,
				Description: desc,
				After:       splitCSV(after),
				Tags:        splitCSV(tags),
				Skills:      splitCSV(skills),
			}
			if maxRetries > 0 {
				t.MaxRetries = &maxRetries
			}
			if maxIterations > 0 {
				t.CycleConfig = &models.CycleConfig{MaxIterations: maxIterations}
				if loopGuardAlways || loopGuardTask != "" {
					t.CycleConfig.LoopGuard = &models.LoopGuard{
						Always: loopGuardAlways, Task: loopGuardTask, Status: loopGuardStatus,
					}
				}
			}

			result, err := e.AddTask(cmd.Context(), t, now())
			if err != nil {
				return cmdErr(err)
			}
			if result.LogWarning != nil {
				slogWarnLogAppend(result.LogWarning)
			}
			return output.PrintSuccess(result.Task)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Task id (generated if omitted)")
	cmd.Flags().StringVar(&title, "title", "", "Task title (required)")
	cmd.Flags().StringVar(&desc, "description", "", "Task description")
	cmd.Flags().StringVar(&after, "after", "", "Comma-separated list of dependency task ids")
	cmd.Flags().StringVar(&tags, "tags", "", "Comma-separated tags")
	cmd.Flags().StringVar(&skills, "skills", "", "Comma-separated required skills")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Maximum retry count (0 = unlimited)")
	cmd.Flags().IntVar(&maxIterations, "cycle-max-iterations", 0, "Marks this task a cycle header with the given iteration budget")
	cmd.Flags().BoolVar(&loopGuardAlways, "loop-guard-always", false, "Cycle guard: always re-activate")
	cmd.Flags().StringVar(&loopGuardTask, "loop-guard-task", "", "Cycle guard: re-activate only if this task has --loop-guard-status")
	cmd.Flags().StringVar(&loopGuardStatus, "loop-guard-status", "", "Status the guard task must be in to re-activate")
	return cmd
}

func newClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <task-id>",
		Short: "Claim a ready task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			if agent == "" {
				return cmdErr(&wgerrors.UsageError{Message: "--agent (or $WG_AGENT) is required"})
			}
			e, dir, err := engine(cmd)
			if err != nil {
				return cmdErr(err)
			}
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			result, err := e.Claim(cmd.Context(), args[0], agent, now())
			if err != nil {
				return cmdErr(err)
			}
			return output.PrintSuccess(result.Task)
		},
	}
}

func newUnclaimCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "unclaim <task-id>",
		Short: "Release a claimed task back to open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			e, dir, err := engine(cmd)
			if err != nil {
				return cmdErr(err)
			}
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			result, err := e.Unclaim(cmd.Context(), args[0], agent, force, now())
			if err != nil {
				return cmdErr(err)
			}
			return output.PrintSuccess(result.Task)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Unclaim even if --agent is not the current owner")
	return cmd
}

func newDoneCmd() *cobra.Command {
	var converged bool
	cmd := &cobra.Command{
		Use:   "done <task-id>",
		Short: "Mark a task done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, dir, err := engine(cmd)
			if err != nil {
				return cmdErr(err)
			}
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			result, err := e.Done(cmd.Context(), args[0], converged, now())
			if err != nil {
				return cmdErr(err)
			}
			type resp struct {
				Task        *models.Task `json:"task"`
				Reactivated []string     `json:"reactivated,omitempty"`
			}
			return output.PrintSuccess(resp{Task: result.Task, Reactivated: result.Reactivated})
		},
	}
	cmd.Flags().BoolVar(&converged, "converged", false, "Tag the task as converged and log a converged completion message")
	return cmd
}

func newFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <task-id>",
		Short: "Mark a task failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, dir, err := engine(cmd)
			if err != nil {
				return cmdErr(err)
			}
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			result, err := e.Fail(cmd.Context(), args[0], reason, now())
			if err != nil {
				return cmdErr(err)
			}
			return output.PrintSuccess(result.Task)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Failure reason")
	return cmd
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Reopen a failed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, dir, err := engine(cmd)
			if err != nil {
				return cmdErr(err)
			}
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			result, err := e.Retry(cmd.Context(), args[0], now())
			if err != nil {
				return cmdErr(err)
			}
			return output.PrintSuccess(result.Task)
		},
	}
}

func newAbandonCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon <task-id>",
		Short: "Abandon a non-done task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, dir, err := engine(cmd)
			if err != nil {
				return cmdErr(err)
			}
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			result, err := e.Abandon(cmd.Context(), args[0], reason, now())
			if err != nil {
				return cmdErr(err)
			}
			return output.PrintSuccess(result.Task)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Abandon reason")
	return cmd
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <task-id>",
		Short: "Suppress dispatch of a task regardless of status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, dir, err := engine(cmd)
			if err != nil {
				return cmdErr(err)
			}
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			result, err := e.Pause(cmd.Context(), args[0], now())
			if err != nil {
				return cmdErr(err)
			}
			return output.PrintSuccess(result.Task)
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Clear a task's paused override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, dir, err := engine(cmd)
			if err != nil {
				return cmdErr(err)
			}
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			result, err := e.Resume(cmd.Context(), args[0], now())
			if err != nil {
				return cmdErr(err)
			}
			return output.PrintSuccess(result.Task)
		},
	}
}

func newHeartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat",
		Short: "Refresh an agent's last-heartbeat timestamp",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			if agent == "" {
				return cmdErr(&wgerrors.UsageError{Message: "--agent (or $WG_AGENT) is required"})
			}
			e, _, err := engine(cmd)
			if err != nil {
				return cmdErr(err)
			}
			if err := e.Heartbeat(cmd.Context(), agent, now()); err != nil {
				return cmdErr(err)
			}
			return output.PrintSuccess(map[string]string{"agent": agent})
		},
	}
}

func newArchiveCmd() *cobra.Command {
	var ids []string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Permanently remove Done tasks from the graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, dir, err := engine(cmd)
			if err != nil {
				return cmdErr(err)
			}
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			result, err := e.Archive(cmd.Context(), ids, now())
			if err != nil {
				return cmdErr(err)
			}
			if result.LogWarning != nil {
				slogWarnLogAppend(result.LogWarning)
			}
			return output.PrintSuccess(map[string]any{"archived": result.Archived})
		},
	}
	cmd.Flags().StringArrayVar(&ids, "id", nil, "Task id to archive, repeatable (default: every Done task)")
	return cmd
}

// slogWarnLogAppend surfaces a non-fatal operation-log append failure as a
// warning — the graph mutation already succeeded and must not be retried.
func slogWarnLogAppend(err error) {
	if err == nil {
		return
	}
	slog.Default().Warn("operation log append failed", "error", err.Error())
}
