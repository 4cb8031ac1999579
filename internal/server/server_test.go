package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asyncmcp/mcpqueue/internal/config"
	"github.com/asyncmcp/mcpqueue/internal/dispatch"
	"github.com/asyncmcp/mcpqueue/internal/domain"
	"github.com/asyncmcp/mcpqueue/internal/metrics"
	"github.com/asyncmcp/mcpqueue/internal/protocol"
)

// instantRunner completes every job immediately.
type instantRunner struct{}

func (instantRunner) Run(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
	return &domain.JobResult{RemoteID: job.ID, Status: "completed"}, nil
}

func startTestServer(t *testing.T) (*Server, *config.Config) {
	t.Helper()
	cfg := config.Defaults()
	cfg.RuntimeDir = t.TempDir()
	cfg.GlobalRatePerMin = 0
	cfg.StartInterval = 0

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.New(cfg, instantRunner{}, nil, metrics.New(), logger)
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	srv := New(cfg, d, logger)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)
	return srv, cfg
}

func dial(t *testing.T, cfg *config.Config) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", cfg.SocketPath())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readType(t *testing.T, conn net.Conn, want string) *protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	msg, err := protocol.Read(conn)
	require.NoError(t, err)
	require.Equal(t, want, msg.Type)
	return msg
}

func TestPingPong(t *testing.T) {
	_, cfg := startTestServer(t)
	conn := dial(t, cfg)

	require.NoError(t, protocol.Write(conn, protocol.Bare(protocol.TypePing)))
	readType(t, conn, protocol.TypePong)
}

func TestSubmitAcceptAndComplete(t *testing.T) {
	_, cfg := startTestServer(t)
	conn := dial(t, cfg)

	req := protocol.SubmitJob{
		Type:       protocol.TypeSubmitJob,
		JobID:      "job-1",
		Endpoint:   "mock://local",
		SubmitTool: "generate",
		SubmitArgs: map[string]any{},
		StatusTool: "get_status",
		ResultTool: "get_result",
	}
	require.NoError(t, protocol.Write(conn, &req))

	msg := readType(t, conn, protocol.TypeJobAccepted)
	var acc protocol.JobAccepted
	require.NoError(t, msg.Payload(&acc))
	assert.Equal(t, "job-1", acc.JobID)

	msg = readType(t, conn, protocol.TypeJobCompleted)
	var done protocol.JobDone
	require.NoError(t, msg.Payload(&done))
	assert.True(t, done.Success)
	assert.Equal(t, "job-1", done.JobID)
	require.NotNil(t, done.Result)
	assert.Equal(t, "job-1", done.Result.RemoteID)
}

func TestSubmitMissingFieldReturnsError(t *testing.T) {
	_, cfg := startTestServer(t)
	conn := dial(t, cfg)

	req := protocol.SubmitJob{
		Type:       protocol.TypeSubmitJob,
		Endpoint:   "mock://local",
		SubmitTool: "generate",
		SubmitArgs: map[string]any{},
		// status_tool and result_tool missing
	}
	require.NoError(t, protocol.Write(conn, &req))

	msg := readType(t, conn, protocol.TypeError)
	var errMsg protocol.ErrorMsg
	require.NoError(t, msg.Payload(&errMsg))
	assert.Contains(t, errMsg.Error, "status_tool")

	// Connection survives the error.
	require.NoError(t, protocol.Write(conn, protocol.Bare(protocol.TypePing)))
	readType(t, conn, protocol.TypePong)
}

func TestUnknownMessageType(t *testing.T) {
	_, cfg := startTestServer(t)
	conn := dial(t, cfg)

	require.NoError(t, protocol.Write(conn, protocol.Bare("frobnicate")))

	msg := readType(t, conn, protocol.TypeError)
	var errMsg protocol.ErrorMsg
	require.NoError(t, msg.Payload(&errMsg))
	assert.Equal(t, "Unknown message type: frobnicate", errMsg.Error)
}

func TestStatusMessage(t *testing.T) {
	_, cfg := startTestServer(t)
	conn := dial(t, cfg)

	require.NoError(t, protocol.Write(conn, protocol.Bare(protocol.TypeStatus)))

	msg := readType(t, conn, protocol.TypeStatusResponse)
	var st protocol.StatusResponse
	require.NoError(t, msg.Payload(&st))
	assert.Zero(t, st.Running)
	assert.NotNil(t, st.Jobs)
}

func TestShutdownAck(t *testing.T) {
	srv, cfg := startTestServer(t)
	called := make(chan struct{})
	srv.OnShutdown = func() { close(called) }

	conn := dial(t, cfg)
	require.NoError(t, protocol.Write(conn, protocol.Bare(protocol.TypeShutdown)))
	readType(t, conn, protocol.TypeShutdownAck)

	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}

func TestPollDefaultsFilled(t *testing.T) {
	srv, cfg := startTestServer(t)
	cfg.PollInterval = 10
	cfg.JobTimeout = 95

	job := srv.buildJob(&protocol.SubmitJob{Endpoint: "mock://x"}, nil)
	assert.Equal(t, 10.0, job.PollInterval)
	assert.Equal(t, 9, job.MaxPolls)
	assert.NotEmpty(t, job.ID)

	// Explicit values pass through untouched.
	job = srv.buildJob(&protocol.SubmitJob{JobID: "j", PollInterval: 5, MaxPolls: 3}, nil)
	assert.Equal(t, "j", job.ID)
	assert.Equal(t, 5.0, job.PollInterval)
	assert.Equal(t, 3, job.MaxPolls)
}

func TestSecondDaemonRefused(t *testing.T) {
	_, cfg := startTestServer(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.New(cfg, instantRunner{}, nil, metrics.New(), logger)
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	second := New(cfg, d, logger)
	err := second.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestStaleSocketRemoved(t *testing.T) {
	cfg := config.Defaults()
	cfg.RuntimeDir = t.TempDir()
	cfg.GlobalRatePerMin = 0

	// A dead socket file nothing is listening on.
	require.NoError(t, os.MkdirAll(cfg.RuntimeDir, 0o700))
	ln, err := net.Listen("unix", cfg.SocketPath())
	require.NoError(t, err)
	ln.Close() // removes nothing on some platforms; recreate the file
	if _, statErr := os.Stat(cfg.SocketPath()); os.IsNotExist(statErr) {
		require.NoError(t, os.WriteFile(cfg.SocketPath(), nil, 0o600))
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.New(cfg, instantRunner{}, nil, metrics.New(), logger)
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	srv := New(cfg, d, logger)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)

	conn := dial(t, cfg)
	require.NoError(t, protocol.Write(conn, protocol.Bare(protocol.TypePing)))
	readType(t, conn, protocol.TypePong)
}

func TestPIDFileWrittenAndCleaned(t *testing.T) {
	cfg := config.Defaults()
	cfg.RuntimeDir = t.TempDir()
	cfg.GlobalRatePerMin = 0

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.New(cfg, instantRunner{}, nil, metrics.New(), logger)
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	srv := New(cfg, d, logger)
	require.NoError(t, srv.Start(context.Background()))

	data, err := os.ReadFile(cfg.PIDPath())
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	srv.Stop()
	assert.NoFileExists(t, cfg.PIDPath())
	assert.NoFileExists(t, cfg.SocketPath())
}
