package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/workgraph/workgraph/internal/analyser"
	"github.com/workgraph/workgraph/internal/graph"
	"github.com/workgraph/workgraph/internal/output"
	"github.com/workgraph/workgraph/internal/wgerrors"
)

func loadGraphForRead(cmd *cobra.Command) (*graph.WorkGraph, string, error) {
	dir := workgraphDir(cmd)
	if err := requireGraph(dir); err != nil {
		return nil, dir, err
	}
	g, err := graph.Load(dir + "/graph.jsonl")
	if err != nil {
		return nil, dir, err
	}
	return g, dir, nil
}

func newReadyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "List task ids currently eligible for dispatch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := loadGraphForRead(cmd)
			if err != nil {
				return cmdErr(err)
			}
			analysis := analyser.Analyse(g)
			ids := analyser.Ready(g, analysis, time.Now())
			return output.PrintSuccess(map[string][]string{"ready": ids})
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <task-id>",
		Short: "Report whether a task is dispatch-ready and, if not, why",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := loadGraphForRead(cmd)
			if err != nil {
				return cmdErr(err)
			}
			t := g.GetTask(args[0])
			if t == nil {
				return cmdErr(&wgerrors.NotFoundError{Kind: "task", ID: args[0]})
			}
			analysis := analyser.Analyse(g)
			okReady, blockers := analyser.CheckReady(t, g, analysis, time.Now())
			type resp struct {
				Ready    bool     `json:"ready"`
				Blockers []string `json:"blockers,omitempty"`
			}
			return output.PrintSuccess(resp{Ready: okReady, Blockers: blockers})
		},
	}
}

func newCyclesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycles",
		Short: "List detected cycles and their reducible/irreducible classification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := loadGraphForRead(cmd)
			if err != nil {
				return cmdErr(err)
			}
			analysis := analyser.Analyse(g)
			type cycResp struct {
				Header         string   `json:"header"`
				Members        []string `json:"members"`
				Reducible      bool     `json:"reducible"`
				Classification string   `json:"classification"`
				Reason         string   `json:"reason,omitempty"`
			}
			resp := make([]cycResp, 0, len(analysis.Cycles))
			for _, c := range analysis.Cycles {
				class, reason := analyser.ClassifyCycle(c, g)
				resp = append(resp, cycResp{
					Header: c.Header, Members: c.Members, Reducible: c.Reducible,
					Classification: class, Reason: reason,
				})
			}
			return output.PrintSuccess(map[string]any{"cycles": resp})
		},
	}
}

func newListCmd() *cobra.Command {
	var status, tag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in the graph, optionally filtered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := loadGraphForRead(cmd)
			if err != nil {
				return cmdErr(err)
			}
			var out []any
			for _, t := range g.Tasks() {
				if status != "" && string(t.Status) != status {
					continue
				}
				if tag != "" && !containsString(t.Tags, tag) {
					continue
				}
				out = append(out, t)
			}
			return output.PrintSuccess(map[string]any{"tasks": out})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by task status")
	cmd.Flags().StringVar(&tag, "tag", "", "Filter by tag")
	return cmd
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
