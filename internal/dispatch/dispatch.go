// Package dispatch owns the job table and the worker pool that admits jobs
// through the rate-limit gates, runs them under the job timeout, and
// notifies the submitting client.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/asyncmcp/mcpqueue/internal/config"
	"github.com/asyncmcp/mcpqueue/internal/domain"
	"github.com/asyncmcp/mcpqueue/internal/metrics"
	"github.com/asyncmcp/mcpqueue/internal/ratelimit"
	"github.com/asyncmcp/mcpqueue/internal/wal"
)

// ErrStopped is returned by Submit after the dispatcher shuts down.
var ErrStopped = errors.New("dispatch: dispatcher stopped")

const dequeuePoll = time.Second

// JobRunner executes one job to completion. Satisfied by runner.Runner.
type JobRunner interface {
	Run(ctx context.Context, job *domain.Job) (*domain.JobResult, error)
}

// Dispatcher coordinates admission, execution and bookkeeping for all jobs.
type Dispatcher struct {
	cfg    *config.Config
	runner JobRunner
	wal    *wal.Log
	log    *slog.Logger
	mx     *metrics.Metrics

	global    *ratelimit.Bucket
	endpoints *ratelimit.Set

	// startMu serialises job starts and is held across the spacing sleep
	// so starts stay at least StartInterval apart.
	startMu   sync.Mutex
	lastStart time.Time

	slots chan struct{}
	queue chan string

	mu        sync.Mutex
	jobs      map[string]*domain.Job
	order     []string
	running   bool
	completed int
	failed    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func endpointRates(cfg *config.Config) map[string]ratelimit.Rate {
	rates := make(map[string]ratelimit.Rate, len(cfg.EndpointRates))
	for ep, r := range cfg.EndpointRates {
		rates[ep] = ratelimit.Rate{RatePerMin: r.RatePerMin, Burst: r.Burst}
	}
	return rates
}

// New creates a dispatcher. The WAL may be nil in tests.
func New(cfg *config.Config, r JobRunner, w *wal.Log, mx *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		runner:    r,
		wal:       w,
		log:       logger,
		mx:        mx,
		global:    ratelimit.NewBucket(cfg.GlobalRatePerMin, cfg.GlobalBurst),
		endpoints: ratelimit.NewSet(endpointRates(cfg), cfg.GlobalBurst),
		slots:     make(chan struct{}, cfg.MaxConcurrent),
		queue:     make(chan string, 1024),
		jobs:      make(map[string]*domain.Job),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.mu.Lock()
	d.running = true
	d.mu.Unlock()

	for i := 0; i < d.cfg.MaxConcurrent; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.log.Info("dispatch: started", "workers", d.cfg.MaxConcurrent,
		"global_rate_per_min", d.cfg.GlobalRatePerMin, "job_timeout", d.cfg.JobTimeout)
}

// Stop cancels the workers and waits for them to exit. Running jobs are
// interrupted through their contexts.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.log.Info("dispatch: stopped")
}

// Submit registers a job and enqueues it. The job id must be unique.
func (d *Dispatcher) Submit(job *domain.Job) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrStopped
	}
	if _, exists := d.jobs[job.ID]; exists {
		d.mu.Unlock()
		return fmt.Errorf("dispatch: duplicate job id %s", job.ID)
	}
	job.Status = domain.StatusPending
	job.CreatedAt = time.Now().UTC()
	d.jobs[job.ID] = job
	d.order = append(d.order, job.ID)
	d.mu.Unlock()

	// The submit record must be durable before a worker can write start.
	if d.wal != nil {
		if err := d.wal.Submit(job); err != nil {
			d.log.Error("dispatch: wal submit record failed", "job_id", job.ID, "error", err)
		}
	}

	select {
	case d.queue <- job.ID:
	default:
		d.unregister(job.ID)
		return fmt.Errorf("dispatch: queue full, rejecting job %s", job.ID)
	}

	d.mx.JobsQueued.Inc()
	d.log.Info("dispatch: job queued", "job_id", job.ID, "endpoint", job.Endpoint, "tool", job.SubmitTool)
	return nil
}

// worker drains the queue, passes each job through the admission gates, and
// executes it.
func (d *Dispatcher) worker(ctx context.Context, n int) {
	defer d.wg.Done()
	for {
		jobID, ok := d.dequeue(ctx)
		if !ok {
			return
		}
		d.mx.JobsQueued.Dec()
		if err := d.admitAndRun(ctx, jobID); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Error("dispatch: worker error", "worker", n, "job_id", jobID, "error", err)
		}
	}
}

// dequeue blocks for the next job id, waking periodically so shutdown is
// never stuck behind an empty queue.
func (d *Dispatcher) dequeue(ctx context.Context) (string, bool) {
	t := time.NewTimer(dequeuePoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", false
		case id := <-d.queue:
			return id, true
		case <-t.C:
			t.Reset(dequeuePoll)
		}
	}
}

func (d *Dispatcher) get(jobID string) *domain.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jobs[jobID]
}

// unregister backs a job out of the table after a failed enqueue.
func (d *Dispatcher) unregister(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.jobs, jobID)
	for i, id := range d.order {
		if id == jobID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

func (d *Dispatcher) admitAndRun(ctx context.Context, jobID string) error {
	job := d.get(jobID)
	if job == nil {
		return fmt.Errorf("unknown job %s", jobID)
	}

	// Gate 1: global rate.
	waited, err := d.global.Acquire(ctx)
	if err != nil {
		return err
	}
	// Gate 2: per-endpoint rate.
	epWaited, err := d.endpoints.Acquire(ctx, job.Endpoint)
	if err != nil {
		return err
	}
	waited += epWaited

	// Gate 3: start spacing.
	spacing := d.cfg.StartSpacing()
	d.startMu.Lock()
	if spacing > 0 {
		if since := time.Since(d.lastStart); since < spacing {
			wait := spacing - since
			waited += wait
			if err := sleepCtx(ctx, wait); err != nil {
				d.startMu.Unlock()
				return err
			}
		}
	}
	d.lastStart = time.Now()
	d.startMu.Unlock()

	d.mx.AdmissionWait.Observe(waited.Seconds())
	if waited > 0 {
		d.log.Debug("dispatch: admission wait", "job_id", job.ID, "waited", waited)
	}

	// Gate 4: concurrency slot.
	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.slots }()

	d.run(ctx, job)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, job *domain.Job) {
	// WAL first, then the in-memory transition it describes.
	if d.wal != nil {
		if err := d.wal.Start(job.ID); err != nil {
			d.log.Error("dispatch: wal start record failed", "job_id", job.ID, "error", err)
		}
	}

	now := time.Now().UTC()
	d.mu.Lock()
	job.Status = domain.StatusRunning
	job.StartedAt = &now
	d.mu.Unlock()
	d.mx.JobsRunning.Inc()
	defer d.mx.JobsRunning.Dec()
	d.log.Info("dispatch: job started", "job_id", job.ID, "endpoint", job.Endpoint)

	jobCtx, cancel := context.WithTimeout(ctx, d.cfg.JobDeadline())
	result, err := d.runner.Run(jobCtx, job)
	cancel()

	done := time.Now().UTC()
	d.mx.JobDuration.Observe(done.Sub(now).Seconds())

	if err != nil {
		msg := err.Error()
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("Job timed out after %gs", d.cfg.JobTimeout)
		}
		d.finish(job, done, nil, msg)
		return
	}
	d.finish(job, done, result, "")
}

// finish records the terminal state, writes the WAL record, and notifies
// the submitting client best-effort.
func (d *Dispatcher) finish(job *domain.Job, at time.Time, result *domain.JobResult, errMsg string) {
	success := errMsg == ""

	if d.wal != nil {
		var werr error
		if success {
			werr = d.wal.Complete(job.ID)
		} else {
			werr = d.wal.Fail(job.ID, errMsg)
		}
		if werr != nil {
			d.log.Error("dispatch: wal terminal record failed", "job_id", job.ID, "error", werr)
		}
	}

	d.mu.Lock()
	job.CompletedAt = &at
	if success {
		job.Status = domain.StatusCompleted
		job.Result = result
		d.completed++
	} else {
		job.Status = domain.StatusFailed
		job.Error = errMsg
		d.failed++
	}
	notifier := job.Notifier
	d.mu.Unlock()

	if success {
		d.mx.JobsCompleted.Inc()
		d.log.Info("dispatch: job completed", "job_id", job.ID)
	} else {
		d.mx.JobsFailed.Inc()
		d.log.Warn("dispatch: job failed", "job_id", job.ID, "error", errMsg)
	}

	if notifier == nil {
		d.log.Debug("dispatch: no client to notify", "job_id", job.ID)
		return
	}
	if err := notifier.NotifyDone(job.ID, success, result, errMsg); err != nil {
		d.log.Warn("dispatch: client notification failed", "job_id", job.ID, "error", err)
	}
}

// ClearNotifier detaches the client from every job it submitted. Called on
// client disconnect so completions stop writing to a dead connection.
func (d *Dispatcher) ClearNotifier(n domain.Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, job := range d.jobs {
		if job.Notifier == n {
			job.Notifier = nil
		}
	}
}

// Status returns a snapshot of the queue in submission order.
func (d *Dispatcher) Status() domain.QueueStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := domain.QueueStatus{
		Completed: d.completed,
		Failed:    d.failed,
		Jobs:      make([]domain.JobInfo, 0, len(d.order)),
	}
	for _, id := range d.order {
		job := d.jobs[id]
		switch job.Status {
		case domain.StatusRunning:
			st.Running++
		case domain.StatusPending:
			st.Queued++
		}
		st.Jobs = append(st.Jobs, job.Info())
	}
	return st
}

// Prune removes terminal jobs whose completion is older than retention and
// returns how many were dropped.
func (d *Dispatcher) Prune(retention time.Duration) int {
	cutoff := time.Now().UTC().Add(-retention)

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	kept := d.order[:0]
	for _, id := range d.order {
		job := d.jobs[id]
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(d.jobs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	d.order = kept
	return removed
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
