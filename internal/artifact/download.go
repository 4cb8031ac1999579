// Package artifact handles the final stage of a job: downloading result
// files to local paths and writing the optional per-stage event logs.
//
// Naming follows a strict precedence so callers get predictable paths:
// explicit output_file, then auto_filename, then the server's
// Content-Disposition, then the URL basename, then the remote id, then
// "output". When no explicit output_file is set, collisions get a numeric
// suffix instead of overwriting.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// DefaultOutputDir receives auto-named artifacts when no directory is given.
const DefaultOutputDir = "./output"

const copyChunkSize = 8 * 1024

// Options controls where artifacts land and how they are named.
type Options struct {
	OutputDir    string
	OutputFile   string
	AutoFilename bool
	RemoteID     string
}

// Saver downloads artifacts with a shared HTTP client.
type Saver struct {
	http *http.Client
	log  *slog.Logger
	now  func() time.Time
}

// NewSaver creates a Saver.
func NewSaver(logger *slog.Logger) *Saver {
	return &Saver{
		http: &http.Client{Timeout: 10 * time.Minute},
		log:  logger,
		now:  time.Now,
	}
}

// DownloadAll fetches every URL, returning the saved paths in URL order.
// With an explicit OutputFile and multiple URLs, every file gets a 1-based
// index suffix so nothing is overwritten within the batch.
func (s *Saver) DownloadAll(ctx context.Context, urls []string, opts Options) ([]string, error) {
	var paths []string
	for i, u := range urls {
		o := opts
		if o.OutputFile != "" && len(urls) > 1 {
			o.OutputFile = indexedName(o.OutputFile, i+1)
		}
		p, err := s.Download(ctx, u, o)
		if err != nil {
			return paths, fmt.Errorf("download artifact %d/%d: %w", i+1, len(urls), err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Download fetches one URL to disk and returns the saved path. A partially
// written file is removed on error.
func (s *Saver) Download(ctx context.Context, rawURL string, opts Options) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: HTTP %d from %s", resp.StatusCode, rawURL)
	}

	dest := s.destPath(rawURL, resp.Header, opts)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	// Only auto-named files dodge collisions; an explicit output_file is
	// allowed to overwrite.
	if opts.OutputFile == "" {
		dest = avoidCollision(dest)
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create artifact file: %w", err)
	}
	if _, err := io.CopyBuffer(f, resp.Body, make([]byte, copyChunkSize)); err != nil {
		f.Close()
		os.Remove(dest)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("close artifact: %w", err)
	}

	s.log.Info("artifact: saved", "path", dest, "url", rawURL)
	return dest, nil
}

// destPath applies the naming precedence and resolves the directory.
func (s *Saver) destPath(rawURL string, header http.Header, opts Options) string {
	ext := resolveExt(opts.OutputFile, header.Get("Content-Type"), rawURL)
	if ext == "" && opts.OutputFile == "" {
		s.log.Warn("artifact: could not determine file extension", "url", rawURL,
			"content_type", header.Get("Content-Type"))
	}

	dir := opts.OutputDir
	if dir == "" {
		dir = DefaultOutputDir
	}

	var name string
	switch {
	case opts.OutputFile != "":
		if filepath.IsAbs(opts.OutputFile) {
			return opts.OutputFile
		}
		name = opts.OutputFile
	case opts.AutoFilename:
		name = autoFilename(opts.RemoteID, s.now(), ext)
	default:
		if name = dispositionFilename(header.Get("Content-Disposition")); name == "" {
			if name = urlBasename(rawURL); name == "" {
				if opts.RemoteID != "" {
					name = opts.RemoteID + ext
				} else {
					name = "output" + ext
				}
			}
		}
	}
	return filepath.Join(dir, name)
}

// avoidCollision appends _1, _2, … before the extension until the path is
// free.
func avoidCollision(dest string) string {
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return dest
	}
	for n := 1; ; n++ {
		candidate := indexedName(dest, n)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// Event names for stage logs.
const (
	EventSubmitRequest  = "submit_request"
	EventSubmitResponse = "submit_response"
	EventStatusFinal    = "status_final"
	EventResultResponse = "result_response"
)

// EventLogger writes per-stage JSON snapshots alongside the artifacts, to
// the logs subdirectory, inline next to the first artifact, or both. Inline
// writes need the artifact path, so events recorded earlier are buffered
// and flushed by SetArtifactPath.
type EventLogger struct {
	OutputDir string
	ToDir     bool
	Inline    bool
	log       *slog.Logger

	artifactPath string
	pending      []stageEvent
	paths        []string
}

type stageEvent struct {
	name string
	data []byte
}

// NewEventLogger creates a logger; it writes nothing unless ToDir or Inline
// is set.
func NewEventLogger(outputDir string, toDir, inline bool, logger *slog.Logger) *EventLogger {
	if outputDir == "" {
		outputDir = DefaultOutputDir
	}
	return &EventLogger{OutputDir: outputDir, ToDir: toDir, Inline: inline, log: logger}
}

// Record persists one event payload. Failures are logged, not fatal: event
// logs never fail a job.
func (e *EventLogger) Record(event string, payload any) {
	if e == nil || (!e.ToDir && !e.Inline) {
		return
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		e.log.Warn("artifact: cannot marshal event log", "event", event, "error", err)
		return
	}

	if e.ToDir {
		dir := filepath.Join(e.OutputDir, "logs")
		e.write(filepath.Join(dir, event+".json"), data, event)
	}
	if e.Inline {
		if e.artifactPath == "" {
			e.pending = append(e.pending, stageEvent{name: event, data: data})
			return
		}
		e.writeInline(stageEvent{name: event, data: data})
	}
}

// SetArtifactPath fixes the inline base name to the first saved artifact
// and flushes every event recorded before the download finished.
func (e *EventLogger) SetArtifactPath(path string) {
	if e == nil {
		return
	}
	e.artifactPath = path
	for _, ev := range e.pending {
		e.writeInline(ev)
	}
	e.pending = nil
}

func (e *EventLogger) writeInline(ev stageEvent) {
	base := e.artifactPath[:len(e.artifactPath)-len(filepath.Ext(e.artifactPath))]
	e.write(base+"_"+ev.name+".json", ev.data, ev.name)
}

// Paths returns every log file written so far.
func (e *EventLogger) Paths() []string {
	if e == nil {
		return nil
	}
	return e.paths
}

func (e *EventLogger) write(path string, data []byte, event string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		e.log.Warn("artifact: cannot create log directory", "event", event, "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.log.Warn("artifact: cannot write event log", "event", event, "error", err)
		return
	}
	e.paths = append(e.paths, path)
}
