package cli

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/workgraph/workgraph/internal/models"
	"github.com/workgraph/workgraph/internal/mutate"
	"github.com/workgraph/workgraph/internal/output"
	"github.com/workgraph/workgraph/internal/tracefn"
	"github.com/workgraph/workgraph/internal/wgerrors"
)

// recordFunctionApplied appends the OpFunctionApplied entry make-adaptive
// mines to synthesize run history — without it, no apply/materialize call
// ever leaves a trace make-adaptive can find.
func recordFunctionApplied(ctx context.Context, e *mutate.Engine, now time.Time, functionID, prefix string, createdIDs []string) {
	slogWarnLogAppend(e.AppendOps(ctx, models.OperationEntry{
		Timestamp: now,
		Op:        models.OpFunctionApplied,
		Detail: map[string]any{
			"function_id":      functionID,
			"prefix":           prefix,
			"created_task_ids": createdIDs,
		},
	}))
}

func parseInputFlags(pairs []string) (map[string]string, error) {
	inputs := map[string]string{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, &wgerrors.UsageError{Message: "--input must be key=value, got " + p}
		}
		inputs[k] = v
	}
	return inputs, nil
}

func newFunctionCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "function",
		Short: "Manage and apply trace functions (reusable task templates)",
	}
	root.AddCommand(newFunctionBootstrapCmd())
	root.AddCommand(newFunctionApplyCmd())
	root.AddCommand(newFunctionInstantiateCmd())
	root.AddCommand(newFunctionMaterializeCmd())
	root.AddCommand(newFunctionMakeAdaptiveCmd())
	return root
}

func newFunctionBootstrapCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the built-in extract-function meta-function",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := workgraphDir(cmd)
			fn, err := tracefn.Bootstrap(dir, force, time.Now())
			if err != nil {
				return cmdErr(err)
			}
			return output.PrintSuccess(fn)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite the function if it already exists")
	return cmd
}

func newFunctionApplyCmd() *cobra.Command {
	var id, prefix string
	var inputPairs []string
	cmd := &cobra.Command{
		Use:   "apply <function-id>",
		Short: "Statically apply a version-1 function, inserting its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if prefix == "" {
				return cmdErr(&wgerrors.UsageError{Message: "--prefix is required"})
			}
			id = args[0]
			dir := workgraphDir(cmd)
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			fn, err := tracefn.Load(dir, id)
			if err != nil {
				return cmdErr(err)
			}
			inputs, err := parseInputFlags(inputPairs)
			if err != nil {
				return cmdErr(err)
			}
			now := time.Now()
			tasks, err := tracefn.ApplyStatic(fn, inputs, prefix, now)
			if err != nil {
				return cmdErr(err)
			}
			cfg, err := loadConfig(dir)
			if err != nil {
				return cmdErr(err)
			}
			e := mutate.New(dir, cfg)
			result, err := e.AddTasks(cmd.Context(), tasks, now)
			if err != nil {
				return cmdErr(err)
			}
			ids := make([]string, len(tasks))
			for i, t := range tasks {
				ids[i] = t.ID
			}
			if result.LogWarning != nil {
				slogWarnLogAppend(result.LogWarning)
			}
			recordFunctionApplied(cmd.Context(), e, now, fn.ID, prefix, ids)
			return output.PrintSuccess(map[string]any{"created_task_ids": ids})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Task id prefix for the instantiated set (required)")
	cmd.Flags().StringArrayVar(&inputPairs, "input", nil, "key=value input, repeatable")
	return cmd
}

func newFunctionInstantiateCmd() *cobra.Command {
	var prefix string
	var inputPairs []string
	cmd := &cobra.Command{
		Use:   "instantiate <function-id>",
		Short: "Create the planner task for a version>=2 generative function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if prefix == "" {
				return cmdErr(&wgerrors.UsageError{Message: "--prefix is required"})
			}
			dir := workgraphDir(cmd)
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			fn, err := tracefn.Load(dir, args[0])
			if err != nil {
				return cmdErr(err)
			}
			inputs, err := parseInputFlags(inputPairs)
			if err != nil {
				return cmdErr(err)
			}
			memory := ""
			if fn.Memory != nil {
				summaries, err := tracefn.LoadRunSummaries(dir, fn.ID, fn.Memory.MaxRuns)
				if err != nil {
					return cmdErr(err)
				}
				memory = tracefn.RenderMemory(summaries)
			}
			now := time.Now()
			planner, err := tracefn.Instantiate(fn, inputs, prefix, memory, now)
			if err != nil {
				return cmdErr(err)
			}
			cfg, err := loadConfig(dir)
			if err != nil {
				return cmdErr(err)
			}
			e := mutate.New(dir, cfg)
			result, err := e.AddTask(cmd.Context(), planner, now)
			if err != nil {
				return cmdErr(err)
			}
			return output.PrintSuccess(result.Task)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Task id prefix for the instantiated set (required)")
	cmd.Flags().StringArrayVar(&inputPairs, "input", nil, "key=value input, repeatable")
	return cmd
}

func newFunctionMaterializeCmd() *cobra.Command {
	var id, prefix, planFile string
	var inputPairs []string
	cmd := &cobra.Command{
		Use:   "materialize <function-id>",
		Short: "Validate a planner's proposed plan (read from --plan-file or stdin) and insert its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if prefix == "" {
				return cmdErr(&wgerrors.UsageError{Message: "--prefix is required"})
			}
			id = args[0]
			dir := workgraphDir(cmd)
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			fn, err := tracefn.Load(dir, id)
			if err != nil {
				return cmdErr(err)
			}
			var raw []byte
			if planFile != "" {
				raw, err = os.ReadFile(planFile)
			} else {
				raw, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return cmdErr(&wgerrors.IOError{Path: planFile, Op: "read plan", Err: err})
			}
			proposed, err := tracefn.ParsePlanYAML(string(raw))
			if err != nil {
				return cmdErr(err)
			}
			inputs, err := parseInputFlags(inputPairs)
			if err != nil {
				return cmdErr(err)
			}
			now := time.Now()
			tasks, usedFallback, err := tracefn.Materialize(fn, proposed, inputs, prefix, now)
			if err != nil {
				return cmdErr(err)
			}
			cfg, err := loadConfig(dir)
			if err != nil {
				return cmdErr(err)
			}
			e := mutate.New(dir, cfg)
			result, err := e.AddTasks(cmd.Context(), tasks, now)
			if err != nil {
				return cmdErr(err)
			}
			if result.LogWarning != nil {
				slogWarnLogAppend(result.LogWarning)
			}
			ids := make([]string, len(tasks))
			for i, t := range tasks {
				ids[i] = t.ID
			}
			recordFunctionApplied(cmd.Context(), e, now, fn.ID, prefix, ids)
			return output.PrintSuccess(map[string]any{"created_task_ids": ids, "used_static_fallback": usedFallback})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Task id prefix for the materialized set (required)")
	cmd.Flags().StringVar(&planFile, "plan-file", "", "Path to the planner's proposed plan (YAML); stdin if omitted")
	cmd.Flags().StringArrayVar(&inputPairs, "input", nil, "key=value input, repeatable")
	return cmd
}

func newFunctionMakeAdaptiveCmd() *cobra.Command {
	var maxRuns int
	cmd := &cobra.Command{
		Use:   "make-adaptive <function-id>",
		Short: "Upgrade a version-2 function to version 3 by mining past runs from the operation log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := workgraphDir(cmd)
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			fn, summaries, err := tracefn.MakeAdaptive(dir, args[0], maxRuns, time.Now())
			if err != nil {
				return cmdErr(err)
			}
			return output.PrintSuccess(map[string]any{"function": fn, "run_summaries": summaries})
		},
	}
	cmd.Flags().IntVar(&maxRuns, "max-runs", 20, "Maximum number of past runs to mine into memory")
	return cmd
}
