// Package reaper periodically prunes terminal jobs from the dispatcher
// table and rotates the WAL when it grows past its size cap. Without it the
// daemon's memory and log grow without bound.
package reaper

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/asyncmcp/mcpqueue/internal/wal"
)

// Pruner removes terminal jobs older than retention; satisfied by the
// dispatcher.
type Pruner interface {
	Prune(retention time.Duration) int
}

// Reaper runs retention sweeps on a cron schedule.
type Reaper struct {
	pruner    Pruner
	wal       *wal.Log
	retention time.Duration
	maxBytes  int64
	log       *slog.Logger

	cron *cron.Cron
}

// New creates a Reaper on the given cron schedule spec.
func New(schedule string, p Pruner, w *wal.Log, retention time.Duration, maxBytes int64, logger *slog.Logger) (*Reaper, error) {
	r := &Reaper{
		pruner:    p,
		wal:       w,
		retention: retention,
		maxBytes:  maxBytes,
		log:       logger,
		cron:      cron.New(),
	}
	if _, err := r.cron.AddFunc(schedule, r.Sweep); err != nil {
		return nil, err
	}
	return r, nil
}

// Start begins the schedule.
func (r *Reaper) Start() {
	r.cron.Start()
	r.log.Info("reaper: started", "retention", r.retention)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.log.Info("reaper: stopped")
}

// Sweep performs one retention pass. Exported so the daemon can force a
// sweep and tests can call it directly.
func (r *Reaper) Sweep() {
	removed := r.pruner.Prune(r.retention)
	if removed > 0 {
		r.log.Info("reaper: pruned terminal jobs", "removed", removed)
	}

	if r.wal == nil || r.maxBytes <= 0 {
		return
	}
	size, err := r.wal.Size()
	if err != nil {
		r.log.Warn("reaper: cannot stat wal", "error", err)
		return
	}
	if size > r.maxBytes {
		if err := r.wal.Rotate(); err != nil {
			r.log.Error("reaper: wal rotation failed", "error", err)
		}
	}
}
