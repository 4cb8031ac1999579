// Package runner executes a single job end to end: submit the remote tool
// call, poll for completion, fetch the result, and download artifacts. The
// dispatcher owns the deadline; everything here is context-aware so a
// timeout cancels the in-flight network call.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/asyncmcp/mcpqueue/internal/artifact"
	"github.com/asyncmcp/mcpqueue/internal/domain"
	"github.com/asyncmcp/mcpqueue/internal/mcp"
)

var (
	// ErrNoRemoteID means the submit response carried no recognisable id.
	ErrNoRemoteID = errors.New("runner: submit response contained no request id")

	// ErrRemoteFailed means the remote service reported a failure status.
	ErrRemoteFailed = errors.New("runner: remote job failed")

	// ErrPollTimeout means max_polls ran out before a terminal status.
	ErrPollTimeout = errors.New("runner: polling exhausted without terminal status")
)

// MockScheme marks endpoints that simulate work instead of calling out.
const MockScheme = "mock://"

// NewMCPClient builds the session client for an endpoint; swapped in tests.
type NewMCPClient func(endpoint string, headers map[string]string, logger *slog.Logger) ToolCaller

// ToolCaller is the slice of the MCP client the runner needs.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// Runner drives jobs against remote MCP services.
type Runner struct {
	statuses  mcp.StatusSets
	saver     *artifact.Saver
	log       *slog.Logger
	newClient NewMCPClient

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Runner with the given status vocabulary.
func New(statuses mcp.StatusSets, logger *slog.Logger) *Runner {
	return &Runner{
		statuses: statuses,
		saver:    artifact.NewSaver(logger),
		log:      logger,
		newClient: func(endpoint string, headers map[string]string, l *slog.Logger) ToolCaller {
			return mcp.NewClient(endpoint, headers, l)
		},
		sleep: sleepCtx,
	}
}

// Run executes one job to a terminal result. The caller applies the job
// timeout through ctx.
func (r *Runner) Run(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
	if strings.HasPrefix(job.Endpoint, MockScheme) {
		return r.runMock(ctx, job)
	}

	client := r.newClient(job.Endpoint, job.Headers, r.log)
	events := artifact.NewEventLogger(job.OutputDir, job.SaveLogsToDir, job.SaveLogsInline, r.log)

	// Stage 1: submit.
	events.Record(artifact.EventSubmitRequest, map[string]any{
		"tool":      job.SubmitTool,
		"arguments": job.SubmitArgs,
	})
	submitResp, err := client.CallTool(ctx, job.SubmitTool, job.SubmitArgs)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", job.SubmitTool, err)
	}
	events.Record(artifact.EventSubmitResponse, submitResp)

	remoteID := mcp.ExtractRemoteID(submitResp)
	if remoteID == "" {
		return nil, ErrNoRemoteID
	}
	r.log.Info("runner: remote job submitted", "job_id", job.ID, "request_id", remoteID)

	idParam := job.IDParamName
	if idParam == "" {
		idParam = "request_id"
	}

	// Stage 2: poll until terminal.
	var lastStatusResp map[string]any
	status := ""
	terminal := false
	for poll := 0; poll < job.MaxPolls; poll++ {
		if poll > 0 {
			if err := r.sleep(ctx, time.Duration(job.PollInterval*float64(time.Second))); err != nil {
				return nil, err
			}
		}
		statusResp, err := client.CallTool(ctx, job.StatusTool, map[string]any{idParam: remoteID})
		if err != nil {
			return nil, fmt.Errorf("poll %s: %w", job.StatusTool, err)
		}
		lastStatusResp = statusResp
		status = mcp.ParseStatus(statusResp)
		r.log.Debug("runner: poll", "job_id", job.ID, "poll", poll+1, "status", status)

		if r.statuses.IsFailed(status) {
			events.Record(artifact.EventStatusFinal, statusResp)
			return nil, fmt.Errorf("%w: status %q: %v", ErrRemoteFailed, status, statusResp)
		}
		if r.statuses.IsCompleted(status) {
			terminal = true
			events.Record(artifact.EventStatusFinal, statusResp)
			break
		}
	}
	if !terminal {
		return nil, fmt.Errorf("%w after %d polls (last status %q)", ErrPollTimeout, job.MaxPolls, status)
	}

	// Stage 3: fetch the result.
	resultResp, err := client.CallTool(ctx, job.ResultTool, map[string]any{idParam: remoteID})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", job.ResultTool, err)
	}

	result := &domain.JobResult{
		RemoteID: remoteID,
		Status:   status,
		Result:   resultResp,
	}

	// Stage 4: harvest URLs, falling back to the last status response.
	urls := mcp.ExtractURLs(resultResp)
	if len(urls) == 0 {
		urls = mcp.ExtractURLs(lastStatusResp)
	}
	if len(urls) == 0 {
		events.Record(artifact.EventResultResponse, resultResp)
		result.Note = "No download URL found in result"
		result.LogPaths = events.Paths()
		return result, nil
	}
	result.DownloadURLs = urls
	result.DownloadURL = urls[0]

	// Stage 5: download.
	paths, err := r.saver.DownloadAll(ctx, urls, artifact.Options{
		OutputDir:    job.OutputDir,
		OutputFile:   job.OutputFile,
		AutoFilename: job.AutoFilename,
		RemoteID:     remoteID,
	})
	if err != nil {
		return nil, err
	}
	result.SavedPaths = paths
	result.SavedPath = paths[0]

	// Inline logs sit next to the first artifact; fixing the path flushes
	// the stages recorded before the download.
	events.SetArtifactPath(paths[0])
	events.Record(artifact.EventResultResponse, resultResp)
	result.LogPaths = events.Paths()
	return result, nil
}

// runMock simulates a remote transaction. Endpoint mock:// plus optional
// submit_args duration and mock_poll_interval (seconds).
func (r *Runner) runMock(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
	duration := argFloat(job.SubmitArgs, "duration", 3.0)
	interval := argFloat(job.SubmitArgs, "mock_poll_interval", 2.0)

	pollCount := int(duration / interval)
	if pollCount < 1 {
		pollCount = 1
	}
	r.log.Info("runner: mock job", "job_id", job.ID, "duration", duration, "polls", pollCount)

	slice := time.Duration(duration / float64(pollCount) * float64(time.Second))
	for i := 0; i < pollCount; i++ {
		if err := r.sleep(ctx, slice); err != nil {
			return nil, err
		}
	}

	return &domain.JobResult{
		RemoteID:     job.ID,
		Status:       "completed",
		Mock:         true,
		Duration:     duration,
		PollCount:    pollCount,
		PollInterval: interval,
	}, nil
}

func argFloat(args map[string]any, key string, def float64) float64 {
	if args == nil {
		return def
	}
	switch v := args[key].(type) {
	case float64:
		if v > 0 {
			return v
		}
	case int:
		if v > 0 {
			return float64(v)
		}
	}
	return def
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
