// Package server exposes the queue over a unix domain socket in the runtime
// directory. One goroutine per connection reads framed requests; job
// completion is pushed back asynchronously through the session notifier.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asyncmcp/mcpqueue/internal/config"
	"github.com/asyncmcp/mcpqueue/internal/dispatch"
	"github.com/asyncmcp/mcpqueue/internal/domain"
	"github.com/asyncmcp/mcpqueue/internal/protocol"
)

// Server accepts client connections on the queue socket.
type Server struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	log        *slog.Logger

	// OnShutdown is invoked once after a shutdown request is acknowledged.
	OnShutdown func()

	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}

	shutdownOnce sync.Once
	conns        sync.WaitGroup

	activeMu sync.Mutex
	active   map[net.Conn]struct{}
}

// New creates a Server.
func New(cfg *config.Config, d *dispatch.Dispatcher, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		log:        logger,
		done:       make(chan struct{}),
		active:     make(map[net.Conn]struct{}),
	}
}

// Start prepares the runtime directory, binds the socket, writes the PID
// file, and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.RuntimeDir, 0o700); err != nil {
		return fmt.Errorf("create runtime directory: %w", err)
	}
	if err := s.removeStaleSocket(); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath(), err)
	}
	if err := os.Chmod(s.cfg.SocketPath(), 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	if err := s.writePIDFile(); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln

	ctx, s.cancel = context.WithCancel(ctx)
	go s.acceptLoop(ctx)

	s.log.Info("server: listening", "socket", s.cfg.SocketPath(), "pid", os.Getpid())
	return nil
}

// Stop closes the listener, waits for connection handlers, and removes the
// socket and PID files.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	<-s.done

	s.activeMu.Lock()
	for conn := range s.active {
		conn.Close()
	}
	s.activeMu.Unlock()
	s.conns.Wait()

	os.Remove(s.cfg.SocketPath())
	os.Remove(s.cfg.PIDPath())
	s.log.Info("server: stopped")
}

// removeStaleSocket deletes a leftover socket file, but refuses to displace
// a live daemon.
func (s *Server) removeStaleSocket() error {
	path := s.cfg.SocketPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("daemon already running on %s", path)
	}
	s.log.Warn("server: removing stale socket", "socket", path)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func (s *Server) writePIDFile() error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(s.cfg.PIDPath(), []byte(pid+"\n"), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.done)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("server: accept failed", "error", err)
			continue
		}
		s.conns.Add(1)
		s.activeMu.Lock()
		s.active[conn] = struct{}{}
		s.activeMu.Unlock()
		go func() {
			defer s.conns.Done()
			defer func() {
				s.activeMu.Lock()
				delete(s.active, conn)
				s.activeMu.Unlock()
			}()
			s.handleConn(ctx, conn)
		}()
	}
}

// session is one client connection. Writes are serialised so completion
// notifications never interleave with responses.
type session struct {
	conn net.Conn
	mu   sync.Mutex
}

// NotifyDone implements domain.Notifier.
func (c *session) NotifyDone(jobID string, success bool, result *domain.JobResult, errMsg string) error {
	msgType := protocol.TypeJobCompleted
	if !success {
		msgType = protocol.TypeJobFailed
	}
	return c.write(&protocol.JobDone{
		Type:    msgType,
		JobID:   jobID,
		Success: success,
		Result:  result,
		Error:   errMsg,
	})
}

func (c *session) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.Write(c.conn, v)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sess := &session{conn: conn}
	defer func() {
		s.dispatcher.ClearNotifier(sess)
		conn.Close()
	}()

	idle := s.cfg.IdleDeadline()
	for {
		if ctx.Err() != nil {
			return
		}
		if idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		}

		msg, err := protocol.Read(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.log.Debug("server: client disconnected")
			case errors.Is(err, os.ErrDeadlineExceeded):
				s.log.Info("server: closing idle connection")
			case ctx.Err() != nil:
			default:
				s.log.Warn("server: dropping connection", "error", err)
			}
			return
		}

		if err := s.handleMessage(sess, msg); err != nil {
			s.log.Warn("server: request failed", "type", msg.Type, "error", err)
			return
		}
		if msg.Type == protocol.TypeShutdown {
			return
		}
	}
}

func (s *Server) handleMessage(sess *session, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypePing:
		return sess.write(protocol.Bare(protocol.TypePong))

	case protocol.TypeSubmitJob:
		return s.handleSubmit(sess, msg)

	case protocol.TypeStatus:
		return sess.write(&protocol.StatusResponse{
			Type:        protocol.TypeStatusResponse,
			QueueStatus: s.dispatcher.Status(),
		})

	case protocol.TypeShutdown:
		s.log.Info("server: shutdown requested by client")
		if err := sess.write(protocol.Bare(protocol.TypeShutdownAck)); err != nil {
			return err
		}
		s.shutdownOnce.Do(func() {
			if s.OnShutdown != nil {
				go s.OnShutdown()
			}
		})
		return nil

	default:
		return sess.write(&protocol.ErrorMsg{
			Type:  protocol.TypeError,
			Error: fmt.Sprintf("Unknown message type: %s", msg.Type),
		})
	}
}

func (s *Server) handleSubmit(sess *session, msg *protocol.Message) error {
	var req protocol.SubmitJob
	if err := msg.Payload(&req); err != nil {
		return sess.write(&protocol.ErrorMsg{
			Type:  protocol.TypeError,
			Error: fmt.Sprintf("Malformed submit_job: %v", err),
		})
	}
	if err := req.Validate(); err != nil {
		return sess.write(&protocol.ErrorMsg{Type: protocol.TypeError, Error: err.Error()})
	}

	job := s.buildJob(&req, sess)
	if err := s.dispatcher.Submit(job); err != nil {
		return sess.write(&protocol.ErrorMsg{Type: protocol.TypeError, Error: err.Error()})
	}
	return sess.write(&protocol.JobAccepted{Type: protocol.TypeJobAccepted, JobID: job.ID})
}

// buildJob converts a submit request to a Job, filling configuration-derived
// defaults for the poll settings.
func (s *Server) buildJob(req *protocol.SubmitJob, sess *session) *domain.Job {
	job := &domain.Job{
		ID:             req.JobID,
		Endpoint:       req.Endpoint,
		SubmitTool:     req.SubmitTool,
		SubmitArgs:     req.SubmitArgs,
		StatusTool:     req.StatusTool,
		ResultTool:     req.ResultTool,
		Headers:        req.Headers,
		IDParamName:    req.IDParamName,
		PollInterval:   req.PollInterval,
		MaxPolls:       req.MaxPolls,
		OutputDir:      req.OutputDir,
		OutputFile:     req.OutputFile,
		AutoFilename:   req.AutoFilename,
		SaveLogsToDir:  req.SaveLogsToDir,
		SaveLogsInline: req.SaveLogsInline,
		Notifier:       sess,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.PollInterval <= 0 {
		job.PollInterval = s.cfg.PollInterval
	}
	if job.MaxPolls <= 0 {
		job.MaxPolls = int(s.cfg.JobTimeout / job.PollInterval)
		if job.MaxPolls < 1 {
			job.MaxPolls = 1
		}
	}
	return job
}
