// Package baseline tracks the asynchronous copy of a document's results into
// the evaluation baseline.
//
// StartCopy only flips the record to COPYING and queues a job; workers run
// the Duplicator and report the outcome back through the same versioned
// update path an external duplication service uses (ReportBaseline).
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/docflow/internal/metrics"
	"github.com/jackzampolin/docflow/internal/record"
)

// ErrQueueFull is returned when no worker can accept another copy job.
var ErrQueueFull = errors.New("baseline queue full")

// Job is one baseline copy.
type Job struct {
	ID         string
	DocumentID string
	Snapshot   *record.Document
	QueuedAt   time.Time
}

// Duplicator performs the copy. It is the storage-duplication collaborator.
type Duplicator interface {
	Copy(ctx context.Context, job Job) error
}

// Config configures a Tracker.
type Config struct {
	Committer  *record.Committer
	Duplicator Duplicator
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time

	Workers     int           // Concurrent copy jobs (default: 2)
	QueueSize   int           // Pending job buffer (default: 100)
	CopyTimeout time.Duration // Deadline for one Duplicator.Copy (default: 5m)
}

// Tracker dispatches baseline copies and records their outcome.
type Tracker struct {
	committer   *record.Committer
	duplicator  Duplicator
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	workers     int
	copyTimeout time.Duration

	queue    chan Job
	inFlight atomic.Int32

	mu      sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTracker creates a Tracker. Call Start before dispatching copies.
func NewTracker(cfg Config) *Tracker {
	if cfg.Duplicator == nil {
		cfg.Duplicator = NewMemoryDuplicator()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.CopyTimeout <= 0 {
		cfg.CopyTimeout = 5 * time.Minute
	}
	return &Tracker{
		committer:   cfg.Committer,
		duplicator:  cfg.Duplicator,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "baseline"),
		now:         cfg.Now,
		workers:     cfg.Workers,
		copyTimeout: cfg.CopyTimeout,
		queue:       make(chan Job, cfg.QueueSize),
	}
}

// Start launches the workers. They run until Stop or ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true

	ctx, t.cancel = context.WithCancel(ctx)
	for i := 0; i < t.workers; i++ {
		t.wg.Add(1)
		go t.worker(ctx, i)
	}
	t.logger.Info("baseline workers started", "workers", t.workers)
}

// Stop cancels in-flight copies and waits for the workers to exit. Jobs
// still queued stay COPYING; an external report or a new start after a
// restart resolves them.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.cancel()
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Info("baseline workers stopped", "abandoned", len(t.queue))
}

// InFlight returns the number of copies currently running.
func (t *Tracker) InFlight() int {
	return int(t.inFlight.Load())
}

// StartCopy marks the document COPYING and queues the copy. It returns as
// soon as the record is committed; the outcome shows up later in the
// document's baseline state.
func (t *Tracker) StartCopy(ctx context.Context, id string) (*record.Document, error) {
	doc, err := t.committer.Apply(ctx, id, "baseline_start", record.ErrOperationFailed, func(doc *record.Document) (record.Mutator, error) {
		if doc.BaselineState == record.BaselineCopying {
			return nil, fmt.Errorf("%w: baseline copy of %s", record.ErrAlreadyInProgress, id)
		}
		return func(d *record.Document) error {
			d.BaselineState = record.BaselineCopying
			d.BaselineError = ""
			return nil
		}, nil
	})
	t.metrics.RecordOperation("baseline_start", err)
	if err != nil {
		return nil, err
	}
	t.metrics.BaselineStarted()

	job := Job{ID: uuid.NewString(), DocumentID: id, Snapshot: doc, QueuedAt: t.now()}
	if err := t.enqueue(job); err != nil {
		// Nothing will ever finish this job, so settle the record now.
		failed, rerr := t.ReportBaseline(ctx, id, false, err.Error())
		if rerr != nil {
			return nil, fmt.Errorf("%w: %w (reporting: %w)", record.ErrOperationFailed, err, rerr)
		}
		return failed, fmt.Errorf("%w: %w", record.ErrOperationFailed, err)
	}

	t.logger.Info("baseline copy queued", "document_id", id, "job_id", job.ID, "version", doc.Version)
	return doc, nil
}

func (t *Tracker) enqueue(job Job) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.started || t.stopped {
		return fmt.Errorf("%w: tracker not running", ErrQueueFull)
	}
	select {
	case t.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// ReportBaseline records the duplicator's outcome. It only applies while the
// document is COPYING; any other state means the report is stale and the
// current snapshot is returned unchanged.
func (t *Tracker) ReportBaseline(ctx context.Context, id string, success bool, reason string) (*record.Document, error) {
	state := record.BaselineAvailable
	if !success {
		state = record.BaselineError
		if reason == "" {
			reason = "baseline copy failed"
		}
	}

	var applied bool
	doc, err := t.committer.Apply(ctx, id, "baseline_report", record.ErrOperationFailed, func(doc *record.Document) (record.Mutator, error) {
		applied = false
		if doc.BaselineState != record.BaselineCopying {
			return nil, nil
		}
		applied = true
		return func(d *record.Document) error {
			d.BaselineState = state
			d.BaselineError = ""
			if !success {
				d.BaselineError = reason
			}
			return nil
		}, nil
	})
	t.metrics.RecordOperation("baseline_report", err)
	if err != nil {
		return nil, err
	}
	if applied {
		t.metrics.BaselineFinished(state)
		t.logger.Info("baseline copy finished", "document_id", id, "state", state, "version", doc.Version)
	} else {
		t.logger.Debug("ignoring stale baseline report", "document_id", id, "state", doc.BaselineState)
	}
	return doc, nil
}

func (t *Tracker) worker(ctx context.Context, n int) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-t.queue:
			t.inFlight.Add(1)
			t.run(ctx, job)
			t.inFlight.Add(-1)
		}
	}
}

func (t *Tracker) run(ctx context.Context, job Job) {
	copyCtx, cancel := context.WithTimeout(ctx, t.copyTimeout)
	err := t.duplicator.Copy(copyCtx, job)
	cancel()

	if ctx.Err() != nil {
		t.logger.Warn("baseline copy interrupted by shutdown", "document_id", job.DocumentID, "job_id", job.ID)
		return
	}

	reason := ""
	if err != nil {
		reason = err.Error()
		t.logger.Error("baseline copy failed", "document_id", job.DocumentID, "job_id", job.ID, "error", err)
	}
	if _, rerr := t.ReportBaseline(context.WithoutCancel(ctx), job.DocumentID, err == nil, reason); rerr != nil {
		t.logger.Error("failed to record baseline outcome", "document_id", job.DocumentID, "job_id", job.ID, "error", rerr)
	}
}
