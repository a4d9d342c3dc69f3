package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workgraph/workgraph/internal/coordinator"
	"github.com/workgraph/workgraph/internal/output"
	"github.com/workgraph/workgraph/internal/wgerrors"
)

func newCoordinatorCmd() *cobra.Command {
	var executor string
	root := &cobra.Command{
		Use:   "coordinator",
		Short: "Run or inspect the tick-loop coordinator",
	}
	root.PersistentFlags().StringVar(&executor, "executor", "", "Command to spawn for each dispatched task (required)")

	root.AddCommand(newCoordinatorTickCmd(&executor))
	root.AddCommand(newCoordinatorRunCmd(&executor))
	root.AddCommand(newCoordinatorInstallServiceCmd(&executor))
	return root
}

func newCoordinatorTickCmd(executor *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run exactly one coordinator iteration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if *executor == "" {
				return cmdErr(&wgerrors.UsageError{Message: "--executor is required"})
			}
			dir := workgraphDir(cmd)
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			cfg, err := loadConfig(dir)
			if err != nil {
				return cmdErr(err)
			}
			c := coordinator.New(dir, cfg, *executor)
			report, err := c.Tick(cmd.Context(), time.Now())
			if err != nil {
				return cmdErr(err)
			}
			return output.PrintSuccess(report)
		},
	}
}

func newCoordinatorRunCmd(executor *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the coordinator tick loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if *executor == "" {
				return cmdErr(&wgerrors.UsageError{Message: "--executor is required"})
			}
			dir := workgraphDir(cmd)
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			cfg, err := loadConfig(dir)
			if err != nil {
				return cmdErr(err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			c := coordinator.New(dir, cfg, *executor)
			if err := c.Run(ctx); err != nil {
				return cmdErr(err)
			}
			return output.PrintSuccess(map[string]string{"status": "stopped"})
		},
	}
}

func newCoordinatorInstallServiceCmd(executor *string) *cobra.Command {
	var maxAgents int
	cmd := &cobra.Command{
		Use:   "install-service",
		Short: "Print a systemd unit file for the coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if *executor == "" {
				return cmdErr(&wgerrors.UsageError{Message: "--executor is required"})
			}
			dir := workgraphDir(cmd)
			cfg, err := loadConfig(dir)
			if err != nil {
				return cmdErr(err)
			}
			exePath, err := os.Executable()
			if err != nil {
				return cmdErr(&wgerrors.IOError{Path: "self", Op: "resolve executable path", Err: err})
			}
			if maxAgents <= 0 {
				maxAgents = cfg.CoordinatorMaxAgents
			}
			unit := coordinator.SystemdUnit(dir, exePath, cfg.CoordinatorInterval(), maxAgents, *executor)
			fmt.Fprint(cmd.OutOrStdout(), unit)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxAgents, "max-agents", 0, "Override the configured max-agents cap")
	return cmd
}
