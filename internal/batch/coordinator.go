// Package batch fans abort and rerun requests out over many documents.
//
// Items are independent: one document failing never stops the others, and
// the Result reports every target's outcome. Only a store that cannot be
// reached at all fails the call as a whole.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/jackzampolin/docflow/internal/lifecycle"
	"github.com/jackzampolin/docflow/internal/metrics"
	"github.com/jackzampolin/docflow/internal/pipeline"
	"github.com/jackzampolin/docflow/internal/record"
)

// ErrNoTargets is returned when a batch call resolves to no documents.
var ErrNoTargets = errors.New("no target documents")

// SystemActor is recorded for aborts issued without an identity.
var SystemActor = record.Actor{ID: "system"}

// ItemFunc applies an operation to one document and returns its post-state.
type ItemFunc func(ctx context.Context, id string) (*record.Document, error)

// Config configures a Coordinator.
type Config struct {
	Committer *record.Committer
	Registry  *pipeline.Registry
	Executor  pipeline.Executor
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time

	Concurrency   int           // Max documents in flight per call (default: 8)
	SignalTimeout time.Duration // Bound on each executor signal (default: 10s)
}

// Coordinator runs batch operations.
type Coordinator struct {
	committer     *record.Committer
	registry      *pipeline.Registry
	executor      pipeline.Executor
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
	concurrency   int
	signalTimeout time.Duration
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Registry == nil {
		cfg.Registry = pipeline.NewDefaultRegistry()
	}
	if cfg.Executor == nil {
		cfg.Executor = pipeline.NewLocalExecutor(cfg.Logger)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = 10 * time.Second
	}
	return &Coordinator{
		committer:     cfg.Committer,
		registry:      cfg.Registry,
		executor:      cfg.Executor,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		now:           cfg.Now,
		concurrency:   cfg.Concurrency,
		signalTimeout: cfg.SignalTimeout,
	}
}

// Apply runs fn once per distinct id and collects the outcomes.
func (c *Coordinator) Apply(ctx context.Context, op string, ids []string, fn ItemFunc) (*Result, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, ErrNoTargets
	}
	if err := c.committer.Store().Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: store unavailable: %w", record.ErrOperationFailed, op, err)
	}

	res := newResult(ids)
	var mu sync.Mutex

	p := pool.New().WithMaxGoroutines(c.concurrency)
	for _, id := range ids {
		p.Go(func() {
			doc, err := fn(ctx, id)
			c.metrics.RecordBatchItem(op, err)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[id] = err
				return
			}
			res.Succeeded = append(res.Succeeded, id)
			res.Documents[id] = doc
		})
	}
	p.Wait()
	res.sortSucceeded()

	c.logger.Info("batch operation finished",
		"op", op, "targets", len(ids), "succeeded", len(res.Succeeded), "failed", len(res.Failed))
	return res, nil
}

// Abort fails every target and asks the pipeline to cancel its work.
// Documents already COMPLETE or FAILED are reported as ErrAlreadyTerminal.
func (c *Coordinator) Abort(ctx context.Context, ids []string, actor record.Actor) (*Result, error) {
	if actor.ID == "" {
		actor = SystemActor
	}
	return c.Apply(ctx, "abort", ids, func(ctx context.Context, id string) (*record.Document, error) {
		doc, err := c.committer.Apply(ctx, id, "abort", record.ErrOperationFailed, func(doc *record.Document) (record.Mutator, error) {
			if doc.OverallStatus.Terminal() {
				return nil, fmt.Errorf("%w: %s is %s", record.ErrAlreadyTerminal, id, doc.OverallStatus)
			}
			return func(d *record.Document) error {
				if err := lifecycle.Fail(d, lifecycle.FailureAborted); err != nil {
					return err
				}
				d.AppendEvent(record.EventAborted, actor, "", c.now())
				return nil
			}, nil
		})
		if err != nil {
			return nil, err
		}
		c.signal(ctx, "cancel", id, "", func(ctx context.Context) error {
			return c.executor.Cancel(ctx, id)
		})
		return doc, nil
	})
}

// Target selects rerun documents by explicit ids, by batch id, or both.
type Target struct {
	IDs     []string `json:"object_keys,omitempty"`
	BatchID string   `json:"batch_id,omitempty"`
}

// Rerun resets every target to restart at step and asks the pipeline to
// resume there. An unknown step rejects the whole call; a step beyond a
// document's first incomplete stage fails only that document.
func (c *Coordinator) Rerun(ctx context.Context, step string, target Target) (*Result, error) {
	if err := c.registry.ValidateStep(step); err != nil {
		return nil, err
	}
	ids, err := c.resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	clearReview := c.registry.NotAfterReview(step)

	return c.Apply(ctx, "rerun", ids, func(ctx context.Context, id string) (*record.Document, error) {
		doc, err := c.committer.Apply(ctx, id, "rerun", record.ErrOperationFailed, func(doc *record.Document) (record.Mutator, error) {
			if err := c.registry.ValidateResumePoint(doc, step); err != nil {
				return nil, err
			}
			return func(d *record.Document) error {
				lifecycle.ResetForRerun(d, step, clearReview)
				return nil
			}, nil
		})
		if err != nil {
			return nil, err
		}
		c.signal(ctx, "resume", id, step, func(ctx context.Context) error {
			return c.executor.ResumeFrom(ctx, id, step)
		})
		return doc, nil
	})
}

func (c *Coordinator) resolve(ctx context.Context, target Target) ([]string, error) {
	ids := slices.Clone(target.IDs)
	if target.BatchID != "" {
		docs, err := c.committer.Store().List(ctx, record.ListFilter{BatchID: target.BatchID})
		if err != nil {
			return nil, fmt.Errorf("%w: list batch %s: %w", record.ErrOperationFailed, target.BatchID, err)
		}
		for _, d := range docs {
			ids = append(ids, d.ID)
		}
	}
	if len(ids) == 0 {
		return nil, ErrNoTargets
	}
	return ids, nil
}

// signal sends a best-effort executor request. The record change is already
// committed, so a failure is logged and counted only.
func (c *Coordinator) signal(ctx context.Context, kind, id, stage string, send func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.signalTimeout)
	defer cancel()

	err := send(ctx)
	c.metrics.RecordSignal(kind, err)
	if err != nil {
		c.logger.Warn("pipeline signal failed", "signal", kind, "document_id", id, "stage", stage, "error", err)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
