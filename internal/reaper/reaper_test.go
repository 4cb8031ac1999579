package reaper

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asyncmcp/mcpqueue/internal/wal"
)

type countingPruner struct {
	retention time.Duration
	calls     int
	removed   int
}

func (p *countingPruner) Prune(retention time.Duration) int {
	p.retention = retention
	p.calls++
	return p.removed
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepPrunes(t *testing.T) {
	p := &countingPruner{removed: 2}
	r, err := New("@hourly", p, nil, 24*time.Hour, 0, discard())
	require.NoError(t, err)

	r.Sweep()
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, 24*time.Hour, p.retention)
}

func TestSweepRotatesOversizedWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := wal.Open(path, discard())
	require.NoError(t, err)
	defer w.Close()

	// Push the log past a tiny cap.
	require.NoError(t, w.Fail("job-1", strings.Repeat("x", 512)))

	r, err := New("@hourly", &countingPruner{}, w, time.Hour, 100, discard())
	require.NoError(t, err)
	r.Sweep()

	size, err := w.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestSweepKeepsSmallWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := wal.Open(path, discard())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Start("job-1"))
	before, err := w.Size()
	require.NoError(t, err)

	r, err := New("@hourly", &countingPruner{}, w, time.Hour, 1<<20, discard())
	require.NoError(t, err)
	r.Sweep()

	after, err := w.Size()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestInvalidSchedule(t *testing.T) {
	_, err := New("not a schedule", &countingPruner{}, nil, time.Hour, 0, discard())
	assert.Error(t, err)
}
