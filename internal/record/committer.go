package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
)

// Policy bounds the optimistic read-modify-write loop.
type Policy struct {
	Attempts       uint          // Total tries including the first (default: 5)
	InitialBackoff time.Duration // First retry delay, doubled per attempt (default: 10ms)
	MaxBackoff     time.Duration // Cap on a single delay (default: 250ms)
	UpdateTimeout  time.Duration // Deadline for each read+update attempt (default: 5s)
}

// DefaultPolicy returns the recommended retry bounds.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:       5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
		UpdateTimeout:  5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Attempts == 0 {
		p.Attempts = d.Attempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.UpdateTimeout <= 0 {
		p.UpdateTimeout = d.UpdateTimeout
	}
	return p
}

// Plan inspects the freshly read snapshot and decides what to do with it.
// It returns the Mutator to commit, a nil Mutator when the snapshot already
// reflects the requested outcome, or a business error that ends the loop.
type Plan func(doc *Document) (Mutator, error)

// CommitterConfig configures a Committer.
type CommitterConfig struct {
	Store  Store
	Policy Policy
	Logger *slog.Logger

	// OnRetry is called before each retry with the operation name.
	OnRetry func(op string, attempt uint, err error)

	// OnDone is called once per Apply with the final error and the time
	// spent across all attempts.
	OnDone func(op string, err error, elapsed time.Duration)
}

// Committer runs bounded optimistic-concurrency loops against a Store.
// Every component that mutates records goes through it, so conflict and
// timeout handling is identical for claims, completions, aborts and copies.
type Committer struct {
	store   Store
	policy  Policy
	logger  *slog.Logger
	onRetry func(op string, attempt uint, err error)
	onDone  func(op string, err error, elapsed time.Duration)
}

// NewCommitter creates a Committer.
func NewCommitter(cfg CommitterConfig) *Committer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Committer{
		store:   cfg.Store,
		policy:  cfg.Policy.withDefaults(),
		logger:  cfg.Logger,
		onRetry: cfg.OnRetry,
		onDone:  cfg.OnDone,
	}
}

// Store returns the underlying store.
func (c *Committer) Store() Store {
	return c.store
}

// Policy returns the effective retry policy.
func (c *Committer) Policy() Policy {
	return c.policy
}

// Apply re-reads the record, plans, and commits until the update lands, the
// plan declines, or a non-transient error occurs. Exhausting the budget on
// transient errors returns exhausted wrapped around the last error.
func (c *Committer) Apply(ctx context.Context, id, op string, exhausted error, plan Plan) (doc *Document, err error) {
	if c.onDone != nil {
		start := time.Now()
		defer func() { c.onDone(op, err, time.Since(start)) }()
	}

	doc, err = retry.DoWithData(
		func() (*Document, error) {
			return c.attempt(ctx, id, plan)
		},
		retry.Context(ctx),
		retry.Attempts(c.policy.Attempts),
		retry.Delay(c.policy.InitialBackoff),
		retry.MaxDelay(c.policy.MaxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return c.transient(ctx, err)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("retrying record update",
				"op", op, "document_id", id, "attempt", n+1, "error", err)
			if c.onRetry != nil {
				c.onRetry(op, n+1, err)
			}
		}),
	)
	if err != nil {
		if c.transient(ctx, err) {
			c.logger.Warn("record update retries exhausted",
				"op", op, "document_id", id, "attempts", c.policy.Attempts, "error", err)
			return nil, fmt.Errorf("%w: %s %s: %w", exhausted, op, id, err)
		}
		return nil, err
	}
	return doc, nil
}

// attempt performs one read-plan-update cycle under its own deadline.
func (c *Committer) attempt(ctx context.Context, id string, plan Plan) (*Document, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.policy.UpdateTimeout)
	defer cancel()

	doc, err := c.store.Get(attemptCtx, id)
	if err != nil {
		return nil, err
	}

	mutate, err := plan(doc)
	if err != nil {
		return nil, err
	}
	if mutate == nil {
		return doc, nil
	}

	return c.store.Update(attemptCtx, id, doc.Version, mutate)
}

// transient reports whether err should be retried: a lost version race, or
// an attempt deadline while the caller's own context is still alive. A
// timeout says nothing about whether the write landed, so the next attempt
// starts by re-reading.
func (c *Committer) transient(ctx context.Context, err error) bool {
	if errors.Is(err, ErrVersionConflict) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
}
