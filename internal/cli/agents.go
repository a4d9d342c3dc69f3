package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/workgraph/workgraph/internal/models"
	"github.com/workgraph/workgraph/internal/output"
	"github.com/workgraph/workgraph/internal/registry"
)

// printAgentsHuman writes a one-line-per-agent table for terminal use,
// instead of the default JSON envelope.
func printAgentsHuman(entries []*models.AgentEntry) {
	for _, a := range entries {
		fmt.Printf("%-20s %-8s %-10s pid=%-7d last-heartbeat=%s\n",
			a.ID, a.Status, a.TaskID, a.PID, humanize.Time(a.LastHeartbeat))
	}
}

func newAgentsCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agents",
		Short: "Inspect the agent registry",
	}
	root.AddCommand(newAgentsListCmd())
	root.AddCommand(newAgentsStaleCmd())
	return root
}

func newAgentsListCmd() *cobra.Command {
	var human bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every registered agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := workgraphDir(cmd)
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			r, err := registry.Load(dir)
			if err != nil {
				return cmdErr(err)
			}
			entries := r.List()
			if human {
				printAgentsHuman(entries)
				return nil
			}
			return output.PrintSuccess(map[string]any{"agents": entries})
		},
	}
	cmd.Flags().BoolVar(&human, "human", false, "Print a plain-text table instead of the JSON envelope")
	return cmd
}

func newAgentsStaleCmd() *cobra.Command {
	var human bool
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "Partition registered agents into active/stale/dead",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := workgraphDir(cmd)
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			cfg, err := loadConfig(dir)
			if err != nil {
				return cmdErr(err)
			}
			r, err := registry.Load(dir)
			if err != nil {
				return cmdErr(err)
			}
			report := r.CheckStale(time.Now(), cfg.HeartbeatStale())
			if human {
				fmt.Println("active:")
				printAgentsHuman(report.Active)
				fmt.Println("stale:")
				printAgentsHuman(report.Stale)
				fmt.Println("dead:")
				printAgentsHuman(report.Dead)
				return nil
			}
			return output.PrintSuccess(report)
		},
	}
	cmd.Flags().BoolVar(&human, "human", false, "Print a plain-text table instead of the JSON envelope")
	return cmd
}
