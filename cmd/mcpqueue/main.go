// mcpqueue is the command-line client for the queue daemon: submit jobs,
// inspect the queue, start or stop the daemon.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/asyncmcp/mcpqueue/internal/client"
	"github.com/asyncmcp/mcpqueue/internal/protocol"
)

func main() {
	var runtimeDir, configPath string

	root := &cobra.Command{
		Use:           "mcpqueue",
		Short:         "Client for the MCP job queue daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&runtimeDir, "runtime-dir", "", "daemon runtime directory")
	root.PersistentFlags().StringVar(&configPath, "config", "", "daemon config passed on auto-start")

	newClient := func() *client.Client {
		c := client.New(runtimeDir)
		c.ConfigPath = configPath
		return c
	}

	root.AddCommand(
		submitCmd(newClient),
		statusCmd(newClient),
		startCmd(newClient),
		shutdownCmd(newClient),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func submitCmd(newClient func() *client.Client) *cobra.Command {
	req := &protocol.SubmitJob{}
	var argsJSON, headersJSON string
	var noAutoStart bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.SubmitArgs = map[string]any{}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &req.SubmitArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}
			if headersJSON != "" {
				if err := json.Unmarshal([]byte(headersJSON), &req.Headers); err != nil {
					return fmt.Errorf("parse --headers: %w", err)
				}
			}

			c := newClient()
			if !noAutoStart {
				if err := c.EnsureRunning(); err != nil {
					return err
				}
			}
			result, err := c.SubmitAndWait(req)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Endpoint, "endpoint", "", "MCP endpoint URL (or mock://)")
	cmd.Flags().StringVar(&req.SubmitTool, "submit-tool", "", "tool that starts the remote job")
	cmd.Flags().StringVar(&req.StatusTool, "status-tool", "", "tool that reports job status")
	cmd.Flags().StringVar(&req.ResultTool, "result-tool", "", "tool that returns the result")
	cmd.Flags().StringVar(&argsJSON, "args", "", "submit arguments as JSON")
	cmd.Flags().StringVar(&headersJSON, "headers", "", "extra HTTP headers as JSON")
	cmd.Flags().StringVar(&req.IDParamName, "id-param", "", "request id parameter name (default request_id)")
	cmd.Flags().Float64Var(&req.PollInterval, "poll-interval", 0, "seconds between status polls")
	cmd.Flags().IntVar(&req.MaxPolls, "max-polls", 0, "maximum number of status polls")
	cmd.Flags().StringVar(&req.OutputDir, "output-dir", "", "directory for downloaded artifacts")
	cmd.Flags().StringVar(&req.OutputFile, "output-file", "", "explicit artifact filename")
	cmd.Flags().BoolVar(&req.AutoFilename, "auto-filename", false, "derive filename from request id and timestamp")
	cmd.Flags().BoolVar(&req.SaveLogsToDir, "save-logs", false, "write stage logs to the output logs directory")
	cmd.Flags().BoolVar(&req.SaveLogsInline, "save-logs-inline", false, "write stage logs next to the artifact")
	cmd.Flags().BoolVar(&noAutoStart, "no-auto-start", false, "fail instead of starting the daemon")

	_ = cmd.MarkFlagRequired("endpoint")
	_ = cmd.MarkFlagRequired("submit-tool")
	_ = cmd.MarkFlagRequired("status-tool")
	_ = cmd.MarkFlagRequired("result-tool")
	return cmd
}

func statusCmd(newClient func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient().GetStatus()
			if err != nil {
				return err
			}
			fmt.Printf("running: %d  queued: %d  completed: %d  failed: %d\n",
				st.Running, st.Queued, st.Completed, st.Failed)
			for _, j := range st.Jobs {
				fmt.Printf("  %-36s  %-9s  %s %s\n", j.JobID, j.Status, j.Endpoint, j.SubmitTool)
			}
			return nil
		},
	}
}

func startCmd(newClient func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon if it is not already running",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			if c.IsDaemonRunning() {
				fmt.Println("daemon already running")
				return nil
			}
			if err := c.EnsureRunning(); err != nil {
				return err
			}
			fmt.Println("daemon started")
			return nil
		},
	}
}

func shutdownCmd(newClient func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the daemon to exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Shutdown(); err != nil {
				return err
			}
			fmt.Println("daemon shutting down")
			return nil
		},
	}
}
