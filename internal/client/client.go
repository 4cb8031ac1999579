// Package client is the library side of the queue: it finds or starts the
// daemon, submits jobs over the unix socket, and blocks for completion.
package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/asyncmcp/mcpqueue/internal/domain"
	"github.com/asyncmcp/mcpqueue/internal/protocol"
)

// ErrJobFailed wraps job_failed responses from the daemon.
var ErrJobFailed = errors.New("client: job failed")

// ErrDaemonNotRunning is returned when no daemon is reachable and
// auto-start is disabled or exhausted.
var ErrDaemonNotRunning = errors.New("client: daemon not running")

const (
	startWait     = 3 * time.Second
	startProbeGap = 100 * time.Millisecond
)

// Client talks to one daemon instance.
type Client struct {
	RuntimeDir string
	ConfigPath string
	// DaemonBinary overrides the binary launched by EnsureRunning;
	// defaults to "mcpqueued" on PATH.
	DaemonBinary string
}

// New creates a client for the given runtime dir ("" means the default).
func New(runtimeDir string) *Client {
	return &Client{RuntimeDir: runtimeDir}
}

func (c *Client) runtimeDir() string {
	if c.RuntimeDir != "" {
		return c.RuntimeDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mcp-queue")
	}
	return filepath.Join(home, ".cache", "mcp-queue")
}

func (c *Client) socketPath() string { return filepath.Join(c.runtimeDir(), "mcp-queue.sock") }
func (c *Client) pidPath() string    { return filepath.Join(c.runtimeDir(), "mcp-queue.pid") }

// IsDaemonRunning reports whether the PID file points at a live process and
// the socket file exists.
func (c *Client) IsDaemonRunning() bool {
	data, err := os.ReadFile(c.pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	if _, err := os.Stat(c.socketPath()); err != nil {
		return false
	}
	// Signal 0 probes liveness without touching the process.
	return syscall.Kill(pid, 0) == nil
}

// EnsureRunning starts the daemon in the background if it is not already up
// and waits for the socket to answer a ping.
func (c *Client) EnsureRunning() error {
	if c.IsDaemonRunning() {
		return nil
	}

	bin := c.DaemonBinary
	if bin == "" {
		bin = "mcpqueued"
	}
	args := []string{"--background"}
	if c.RuntimeDir != "" {
		args = append(args, "--runtime-dir", c.RuntimeDir)
	}
	if c.ConfigPath != "" {
		args = append(args, "--config", c.ConfigPath)
	}
	cmd := exec.Command(bin, args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	deadline := time.Now().Add(startWait)
	for time.Now().Before(deadline) {
		if c.ping() == nil {
			return nil
		}
		time.Sleep(startProbeGap)
	}
	return fmt.Errorf("%w: no response within %s of start", ErrDaemonNotRunning, startWait)
}

func (c *Client) ping() error {
	conn, err := net.DialTimeout("unix", c.socketPath(), time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(time.Second))
	if err := protocol.Write(conn, protocol.Bare(protocol.TypePing)); err != nil {
		return err
	}
	msg, err := protocol.Read(conn)
	if err != nil {
		return err
	}
	if msg.Type != protocol.TypePong {
		return fmt.Errorf("unexpected ping response %q", msg.Type)
	}
	return nil
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath(), 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	return conn, nil
}

// SubmitAndWait submits a job and blocks until the daemon reports a
// terminal state. There is no read deadline while waiting: jobs legitimately
// run for many minutes.
func (c *Client) SubmitAndWait(req *protocol.SubmitJob) (*domain.JobResult, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req.Type = protocol.TypeSubmitJob
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	if err := protocol.Write(conn, req); err != nil {
		return nil, fmt.Errorf("send submit_job: %w", err)
	}

	// The accept should be quick.
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	msg, err := protocol.Read(conn)
	if err != nil {
		return nil, fmt.Errorf("read accept: %w", err)
	}
	switch msg.Type {
	case protocol.TypeJobAccepted:
	case protocol.TypeError:
		var em protocol.ErrorMsg
		if perr := msg.Payload(&em); perr == nil {
			return nil, fmt.Errorf("client: daemon rejected job: %s", em.Error)
		}
		return nil, errors.New("client: daemon rejected job")
	default:
		return nil, fmt.Errorf("client: unexpected response %q to submit", msg.Type)
	}

	// Completion can take as long as the job allows.
	_ = conn.SetReadDeadline(time.Time{})
	for {
		msg, err = protocol.Read(conn)
		if err != nil {
			return nil, fmt.Errorf("wait for completion: %w", err)
		}
		switch msg.Type {
		case protocol.TypeJobCompleted:
			var done protocol.JobDone
			if err := msg.Payload(&done); err != nil {
				return nil, fmt.Errorf("decode completion: %w", err)
			}
			return done.Result, nil
		case protocol.TypeJobFailed:
			var done protocol.JobDone
			if err := msg.Payload(&done); err != nil {
				return nil, fmt.Errorf("decode failure: %w", err)
			}
			return nil, fmt.Errorf("%w: %s", ErrJobFailed, done.Error)
		default:
			// Ignore anything else while waiting.
		}
	}
}

// GetStatus fetches the queue snapshot.
func (c *Client) GetStatus() (*domain.QueueStatus, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := protocol.Write(conn, protocol.Bare(protocol.TypeStatus)); err != nil {
		return nil, fmt.Errorf("send status: %w", err)
	}
	msg, err := protocol.Read(conn)
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	if msg.Type != protocol.TypeStatusResponse {
		return nil, fmt.Errorf("client: unexpected response %q to status", msg.Type)
	}
	var st protocol.StatusResponse
	if err := msg.Payload(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st.QueueStatus, nil
}

// Shutdown asks the daemon to exit and waits for the acknowledgement.
func (c *Client) Shutdown() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := protocol.Write(conn, protocol.Bare(protocol.TypeShutdown)); err != nil {
		return fmt.Errorf("send shutdown: %w", err)
	}
	msg, err := protocol.Read(conn)
	if err != nil {
		return fmt.Errorf("read shutdown ack: %w", err)
	}
	if msg.Type != protocol.TypeShutdownAck {
		return fmt.Errorf("client: unexpected response %q to shutdown", msg.Type)
	}
	return nil
}
