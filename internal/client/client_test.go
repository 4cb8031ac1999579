package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asyncmcp/mcpqueue/internal/config"
	"github.com/asyncmcp/mcpqueue/internal/dispatch"
	"github.com/asyncmcp/mcpqueue/internal/domain"
	"github.com/asyncmcp/mcpqueue/internal/metrics"
	"github.com/asyncmcp/mcpqueue/internal/protocol"
	"github.com/asyncmcp/mcpqueue/internal/server"
)

type scriptRunner struct{ failWith string }

func (r scriptRunner) Run(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
	if r.failWith != "" {
		return nil, fmt.Errorf("%s", r.failWith)
	}
	return &domain.JobResult{RemoteID: job.ID, Status: "completed"}, nil
}

func startDaemon(t *testing.T, r dispatch.JobRunner) *Client {
	t.Helper()
	cfg := config.Defaults()
	cfg.RuntimeDir = t.TempDir()
	cfg.GlobalRatePerMin = 0
	cfg.StartInterval = 0

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.New(cfg, r, nil, metrics.New(), logger)
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	srv := server.New(cfg, d, logger)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)

	return New(cfg.RuntimeDir)
}

func submitReq() *protocol.SubmitJob {
	return &protocol.SubmitJob{
		Endpoint:   "mock://local",
		SubmitTool: "generate",
		SubmitArgs: map[string]any{},
		StatusTool: "get_status",
		ResultTool: "get_result",
	}
}

func TestSubmitAndWaitSuccess(t *testing.T) {
	c := startDaemon(t, scriptRunner{})

	result, err := c.SubmitAndWait(submitReq())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "completed", result.Status)
	assert.NotEmpty(t, result.RemoteID)
}

func TestSubmitAndWaitFailure(t *testing.T) {
	c := startDaemon(t, scriptRunner{failWith: "remote says no"})

	_, err := c.SubmitAndWait(submitReq())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobFailed)
	assert.Contains(t, err.Error(), "remote says no")
}

func TestSubmitRejectedInvalidRequest(t *testing.T) {
	c := startDaemon(t, scriptRunner{})

	req := submitReq()
	req.StatusTool = ""
	_, err := c.SubmitAndWait(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestGetStatus(t *testing.T) {
	c := startDaemon(t, scriptRunner{})

	_, err := c.SubmitAndWait(submitReq())
	require.NoError(t, err)

	st, err := c.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Completed)
	assert.Len(t, st.Jobs, 1)
}

func TestIsDaemonRunning(t *testing.T) {
	c := startDaemon(t, scriptRunner{})
	assert.True(t, c.IsDaemonRunning())

	// A client aimed at an empty runtime dir sees no daemon.
	other := New(t.TempDir())
	assert.False(t, other.IsDaemonRunning())
}

func TestIsDaemonRunningStalePID(t *testing.T) {
	dir := t.TempDir()
	// PID file without a live process or socket.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mcp-queue.pid"), []byte("999999\n"), 0o600))

	c := New(dir)
	assert.False(t, c.IsDaemonRunning())
}

func TestDialNoDaemon(t *testing.T) {
	c := New(t.TempDir())
	_, err := c.GetStatus()
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}
