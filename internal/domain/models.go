// Package domain holds the core data model shared across the daemon:
// jobs, their lifecycle states, results, and queue status snapshots.
package domain

import (
	"time"
)

// JobStatus is the lifecycle state of a queued job.
// Transitions are strictly Pending → Running → {Completed, Failed}.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Notifier is the write side of the client connection that submitted a job.
// It is a back-reference held for completion callbacks only; the session
// layer owns the connection and clears the notifier on disconnect.
type Notifier interface {
	// NotifyDone delivers the terminal notification for a job.
	// Implementations must serialise writes on the underlying connection.
	NotifyDone(jobID string, success bool, result *JobResult, errMsg string) error
}

// Job is one remote transaction owned by the dispatcher from submission
// until it reaches a terminal state.
type Job struct {
	ID         string         `json:"job_id"`
	Endpoint   string         `json:"endpoint"`
	SubmitTool string         `json:"submit_tool"`
	SubmitArgs map[string]any `json:"submit_args"`
	StatusTool string         `json:"status_tool"`
	ResultTool string         `json:"result_tool"`

	Headers     map[string]string `json:"headers,omitempty"`
	IDParamName string            `json:"id_param_name,omitempty"` // defaults to "request_id"

	PollInterval float64 `json:"poll_interval,omitempty"` // seconds
	MaxPolls     int     `json:"max_polls,omitempty"`

	OutputDir      string `json:"output_dir,omitempty"`
	OutputFile     string `json:"output_file,omitempty"`
	AutoFilename   bool   `json:"auto_filename,omitempty"`
	SaveLogsToDir  bool   `json:"save_logs_to_dir,omitempty"`
	SaveLogsInline bool   `json:"save_logs_inline,omitempty"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result *JobResult `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`

	// Client back-reference for completion notification. Never serialised,
	// never owned; nil once the submitting client disconnects.
	Notifier Notifier `json:"-"`
}

// Info returns the status-snapshot view of the job.
func (j *Job) Info() JobInfo {
	return JobInfo{
		JobID:       j.ID,
		Status:      j.Status,
		Endpoint:    j.Endpoint,
		SubmitTool:  j.SubmitTool,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

// JobResult is the terminal payload of a successful job.
type JobResult struct {
	RemoteID     string         `json:"request_id"`
	Status       string         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	DownloadURLs []string       `json:"download_urls,omitempty"`
	SavedPaths   []string       `json:"saved_paths,omitempty"`
	// First-entry aliases kept for callers that expect a single artifact.
	DownloadURL string   `json:"download_url,omitempty"`
	SavedPath   string   `json:"saved_path,omitempty"`
	LogPaths    []string `json:"log_paths,omitempty"`
	Note        string   `json:"note,omitempty"`

	// Mock fields, populated only by mock:// endpoints.
	Mock         bool    `json:"mock,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
	PollCount    int     `json:"poll_count,omitempty"`
	PollInterval float64 `json:"poll_interval,omitempty"`
}

// JobInfo is the per-job entry of a queue status snapshot.
type JobInfo struct {
	JobID       string     `json:"job_id"`
	Status      JobStatus  `json:"status"`
	Endpoint    string     `json:"endpoint"`
	SubmitTool  string     `json:"submit_tool"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// QueueStatus is a read-only snapshot of the dispatcher.
type QueueStatus struct {
	Running   int       `json:"running"`
	Queued    int       `json:"queued"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Jobs      []JobInfo `json:"jobs"`
}
