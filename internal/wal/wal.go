// Package wal provides the newline-delimited JSON write-ahead log that lets
// the daemon account for jobs interrupted by a crash.
//
// Each record is one JSON object per line. Submissions carry the full job so
// a recovery scan can identify what was in flight; lifecycle records carry
// only the job id and outcome.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/asyncmcp/mcpqueue/internal/domain"
)

// Record event kinds.
const (
	EventSubmit   = "submit"
	EventStart    = "start"
	EventComplete = "complete"
	EventFail     = "fail"
)

// Record is one WAL line.
type Record struct {
	Event string      `json:"event"`
	JobID string      `json:"job_id"`
	Time  time.Time   `json:"time"`
	Job   *domain.Job `json:"job,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Log is an append-only record log. Appends are serialised and synced so a
// crash never loses an acknowledged record.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
	log  *slog.Logger
}

// Open opens or creates the log at path.
func Open(path string, logger *slog.Logger) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	return &Log{path: path, f: f, log: logger}, nil
}

// Append writes one record and syncs it to disk.
func (l *Log) Append(rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal wal record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("append wal record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	return nil
}

// Submit records a job submission with its full definition.
func (l *Log) Submit(job *domain.Job) error {
	return l.Append(Record{Event: EventSubmit, JobID: job.ID, Job: job})
}

// Start records that a job began executing.
func (l *Log) Start(jobID string) error {
	return l.Append(Record{Event: EventStart, JobID: jobID})
}

// Complete records a successful terminal state.
func (l *Log) Complete(jobID string) error {
	return l.Append(Record{Event: EventComplete, JobID: jobID})
}

// Fail records a failed terminal state with its error text.
func (l *Log) Fail(jobID, errMsg string) error {
	return l.Append(Record{Event: EventFail, JobID: jobID, Error: errMsg})
}

// Size reports the current log size in bytes.
func (l *Log) Size() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, err := l.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat wal: %w", err)
	}
	return st.Size(), nil
}

// Rotate renames the current log aside with a timestamp suffix and starts a
// fresh one. The rotated file is kept as evidence.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.f.Close(); err != nil {
		return fmt.Errorf("close wal for rotation: %w", err)
	}
	rotated := fmt.Sprintf("%s.%s", l.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("reopen wal after rotation: %w", err)
	}
	l.f = f
	l.log.Info("wal: rotated", "kept", rotated)
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Replay reads all records from path. Malformed lines are skipped with a
// warning so one corrupt write cannot block recovery. A missing file yields
// an empty slice.
func Replay(path string, logger *slog.Logger) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open wal for replay: %w", err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Warn("wal: skipping malformed record", "line", lineNo, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return records, fmt.Errorf("scan wal: %w", err)
	}
	return records, nil
}

// Interrupted returns the jobs that have a submit or start record but no
// terminal record, in first-seen order.
func Interrupted(records []Record) []*domain.Job {
	type entry struct {
		job      *domain.Job
		terminal bool
	}
	seen := make(map[string]*entry)
	var order []string

	for i := range records {
		rec := &records[i]
		e, ok := seen[rec.JobID]
		if !ok {
			e = &entry{}
			seen[rec.JobID] = e
			order = append(order, rec.JobID)
		}
		switch rec.Event {
		case EventSubmit:
			e.job = rec.Job
		case EventComplete, EventFail:
			e.terminal = true
		}
	}

	var out []*domain.Job
	for _, id := range order {
		e := seen[id]
		if e.terminal {
			continue
		}
		job := e.job
		if job == nil {
			job = &domain.Job{ID: id}
		}
		out = append(out, job)
	}
	return out
}
