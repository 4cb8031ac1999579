// Package daemon wires the queue components together and owns the process
// lifecycle: config, WAL recovery, dispatcher, socket server, optional ops
// listener, reaper, and signal handling.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/asyncmcp/mcpqueue/internal/config"
	"github.com/asyncmcp/mcpqueue/internal/dispatch"
	"github.com/asyncmcp/mcpqueue/internal/mcp"
	"github.com/asyncmcp/mcpqueue/internal/metrics"
	"github.com/asyncmcp/mcpqueue/internal/ops"
	"github.com/asyncmcp/mcpqueue/internal/reaper"
	"github.com/asyncmcp/mcpqueue/internal/runner"
	"github.com/asyncmcp/mcpqueue/internal/server"
	"github.com/asyncmcp/mcpqueue/internal/wal"
)

// Options are the daemon launch parameters from the CLI.
type Options struct {
	ConfigPath string
	RuntimeDir string
	Background bool
	Debug      bool
}

// backgroundEnv marks the re-executed child so it does not detach again.
const backgroundEnv = "MCP_QUEUE_DAEMONIZED"

// Run starts the daemon and blocks until shutdown. With Background set it
// re-executes itself detached and returns immediately.
func Run(opts Options) error {
	if opts.Background && os.Getenv(backgroundEnv) == "" {
		return detach(opts)
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.ConfigPath, opts.RuntimeDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("daemon: starting", "runtime_dir", cfg.RuntimeDir,
		"max_concurrent", cfg.MaxConcurrent, "global_rate_per_min", cfg.GlobalRatePerMin)

	if err := os.MkdirAll(cfg.RuntimeDir, 0o700); err != nil {
		return fmt.Errorf("create runtime directory: %w", err)
	}

	// Recover before opening the WAL for append: interrupted jobs are
	// logged, not re-run, and the old log is kept aside as evidence.
	if err := recoverWAL(cfg, logger); err != nil {
		return err
	}
	w, err := wal.Open(cfg.WALPath(), logger)
	if err != nil {
		return err
	}
	defer w.Close()

	mx := metrics.New()
	statuses := mcp.NewStatusSets(cfg.CompletedStatuses, cfg.FailedStatuses)
	r := runner.New(statuses, logger)

	d := dispatch.New(cfg, r, w, mx, logger)
	d.Start(context.Background())
	defer d.Stop()

	srv := server.New(cfg, d, logger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	srv.OnShutdown = func() { shutdown <- syscall.SIGTERM }

	if err := srv.Start(context.Background()); err != nil {
		return err
	}
	defer srv.Stop()

	if cfg.OpsListenAddr != "" {
		o := ops.New(cfg.OpsListenAddr, d, mx, logger)
		o.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			o.Stop(ctx)
		}()
	}

	rp, err := reaper.New(cfg.ReaperSchedule, d, w, cfg.Retention(), cfg.WALMaxBytes, logger)
	if err != nil {
		return fmt.Errorf("reaper schedule %q: %w", cfg.ReaperSchedule, err)
	}
	rp.Start()
	defer rp.Stop()

	sig := <-shutdown
	logger.Info("daemon: shutting down", "signal", sig.String())
	return nil
}

// recoverWAL replays the previous log, reports interrupted jobs, and moves
// the file aside so the fresh log starts clean.
func recoverWAL(cfg *config.Config, logger *slog.Logger) error {
	records, err := wal.Replay(cfg.WALPath(), logger)
	if err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	interrupted := wal.Interrupted(records)
	for _, job := range interrupted {
		logger.Warn("daemon: job interrupted by previous shutdown",
			"job_id", job.ID, "endpoint", job.Endpoint, "tool", job.SubmitTool)
	}
	logger.Info("daemon: wal recovery complete",
		"records", len(records), "interrupted", len(interrupted))

	rotated := fmt.Sprintf("%s.%s", cfg.WALPath(), time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(cfg.WALPath(), rotated); err != nil {
		return fmt.Errorf("rotate recovered wal: %w", err)
	}
	return nil
}

// detach re-executes the binary with the daemonized marker set, detached
// from the caller's process group and terminal.
func detach(opts Options) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	args := []string{"--background"}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	if opts.RuntimeDir != "" {
		args = append(args, "--runtime-dir", opts.RuntimeDir)
	}
	if opts.Debug {
		args = append(args, "--debug")
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), backgroundEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start background daemon: %w", err)
	}
	// The child owns its own lifecycle from here.
	_ = cmd.Process.Release()
	fmt.Printf("daemon started in background (pid %d)\n", cmd.Process.Pid)
	return nil
}
