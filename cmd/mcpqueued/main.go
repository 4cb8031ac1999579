// mcpqueued is the queue daemon: it listens on a unix socket in the runtime
// directory and executes submitted MCP jobs under rate limits.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/asyncmcp/mcpqueue/internal/daemon"
)

func main() {
	var opts daemon.Options

	root := &cobra.Command{
		Use:   "mcpqueued",
		Short: "Local job queue daemon for async MCP services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.Run(opts)
		},
		SilenceUsage: true,
	}

	root.Flags().StringVar(&opts.ConfigPath, "config", "", "path to queue_config.yaml")
	root.Flags().StringVar(&opts.RuntimeDir, "runtime-dir", "", "runtime directory (default ~/.cache/mcp-queue)")
	root.Flags().BoolVar(&opts.Background, "background", false, "detach and run in the background")
	root.Flags().BoolVar(&opts.Debug, "debug", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
