package wal

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asyncmcp/mcpqueue/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	l, err := Open(path, testLogger())
	require.NoError(t, err)
	defer l.Close()

	job := &domain.Job{ID: "job-1", Endpoint: "https://mcp.example.com/mcp", SubmitTool: "generate"}
	require.NoError(t, l.Submit(job))
	require.NoError(t, l.Start("job-1"))
	require.NoError(t, l.Complete("job-1"))

	records, err := Replay(path, testLogger())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, EventSubmit, records[0].Event)
	require.NotNil(t, records[0].Job)
	assert.Equal(t, "generate", records[0].Job.SubmitTool)
	assert.Equal(t, EventStart, records[1].Event)
	assert.Equal(t, EventComplete, records[2].Event)
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	body := `{"event":"submit","job_id":"a"}
this is not json
{"event":"fail","job_id":"a","error":"boom"}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	records, err := Replay(path, testLogger())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, EventSubmit, records[0].Event)
	assert.Equal(t, EventFail, records[1].Event)
}

func TestReplayMissingFile(t *testing.T) {
	records, err := Replay(filepath.Join(t.TempDir(), "absent.wal"), testLogger())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestInterrupted(t *testing.T) {
	records := []Record{
		{Event: EventSubmit, JobID: "done", Job: &domain.Job{ID: "done"}},
		{Event: EventStart, JobID: "done"},
		{Event: EventComplete, JobID: "done"},
		{Event: EventSubmit, JobID: "stuck", Job: &domain.Job{ID: "stuck", SubmitTool: "generate"}},
		{Event: EventStart, JobID: "stuck"},
		{Event: EventSubmit, JobID: "queued", Job: &domain.Job{ID: "queued"}},
		{Event: EventStart, JobID: "orphan"}, // start without submit
		{Event: EventFail, JobID: "broken"},
	}

	got := Interrupted(records)
	require.Len(t, got, 3)
	assert.Equal(t, "stuck", got[0].ID)
	assert.Equal(t, "generate", got[0].SubmitTool)
	assert.Equal(t, "queued", got[1].ID)
	assert.Equal(t, "orphan", got[2].ID)
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")
	l, err := Open(path, testLogger())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Start("job-1"))
	require.NoError(t, l.Rotate())

	// Fresh log is empty; the old records live in the rotated file.
	size, err := l.Size()
	require.NoError(t, err)
	assert.Zero(t, size)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// The new log accepts appends after rotation.
	require.NoError(t, l.Start("job-2"))
	records, err := Replay(path, testLogger())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "job-2", records[0].JobID)
}
