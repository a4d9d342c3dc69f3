package cli

import (
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/workgraph/workgraph/internal/watch"
)

func parseWatchFilter(types, taskPrefix string) watch.Filter {
	f := watch.Filter{TaskPrefix: taskPrefix}
	if types != "" {
		f.Types = map[string]bool{}
		for _, t := range strings.Split(types, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				f.Types[t] = true
			}
		}
	}
	return f
}

func newWatchCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to graph mutation events",
	}
	root.AddCommand(newWatchReplayCmd())
	root.AddCommand(newWatchStreamCmd())
	return root
}

func emitJSONLine(ev watch.Event) {
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(ev)
}

func newWatchReplayCmd() *cobra.Command {
	var n int
	var types, taskPrefix string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print the last N recorded events and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := workgraphDir(cmd)
			if err := requireGraph(dir); err != nil {
				return cmdErr(err)
			}
			f := parseWatchFilter(types, taskPrefix)
			if err := watch.Replay(dir, n, f, emitJSONLine); err != nil {
				return cmdErr(err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "last", 100, "Number of most recent operations to replay")
	cmd.Flags().StringVar(&types, "types", "", "Comma-separated event categories or type names (default: all)")
	cmd.Flags().StringVar(&taskPrefix, "task-prefix", "", "Only emit events whose task id has this prefix")
	return cmd
}

func newWatchStreamCmd() *cobra.Command {
	var types, taskPrefix string
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Poll for new events and print them until interrupted",
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
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			f := parseWatchFilter(types, taskPrefix)
			if err := watch.Stream(ctx, dir, cfg.WatchPoll(), f, emitJSONLine); err != nil {
				return cmdErr(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&types, "types", "", "Comma-separated event categories or type names (default: all)")
	cmd.Flags().StringVar(&taskPrefix, "task-prefix", "", "Only emit events whose task id has this prefix")
	return cmd
}
