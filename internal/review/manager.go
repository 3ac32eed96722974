// Package review implements the human review lease and section resolution.
//
// Every operation is a single optimistic read-modify-write through
// record.Committer: the plan inspects a fresh snapshot and either rejects,
// declines (idempotent no-op), or returns the mutation to commit.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackzampolin/docflow/internal/lifecycle"
	"github.com/jackzampolin/docflow/internal/metrics"
	"github.com/jackzampolin/docflow/internal/pipeline"
	"github.com/jackzampolin/docflow/internal/record"
	"github.com/jackzampolin/docflow/internal/schema"
)

// Config configures a Manager.
type Config struct {
	Committer *record.Committer
	Registry  *pipeline.Registry
	Executor  pipeline.Executor
	Payloads  *schema.Payloads
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time

	// SignalTimeout bounds the resume signal sent once review finishes (default: 10s).
	SignalTimeout time.Duration
}

// Manager coordinates review leases and section completion.
type Manager struct {
	committer     *record.Committer
	registry      *pipeline.Registry
	executor      pipeline.Executor
	payloads      *schema.Payloads
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
	signalTimeout time.Duration
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Registry == nil {
		cfg.Registry = pipeline.NewDefaultRegistry()
	}
	if cfg.Executor == nil {
		cfg.Executor = pipeline.NewLocalExecutor(cfg.Logger)
	}
	if cfg.Payloads == nil {
		cfg.Payloads = schema.NewPayloads()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = 10 * time.Second
	}
	return &Manager{
		committer:     cfg.Committer,
		registry:      cfg.Registry,
		executor:      cfg.Executor,
		payloads:      cfg.Payloads,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		now:           cfg.Now,
		signalTimeout: cfg.SignalTimeout,
	}
}

func requireActor(actor record.Actor) error {
	if actor.ID == "" {
		return fmt.Errorf("%w: no actor identity", record.ErrNotOwner)
	}
	return nil
}

// Claim gives actor the review lease. Re-claiming a lease the actor already
// holds succeeds and is recorded again.
func (m *Manager) Claim(ctx context.Context, id string, actor record.Actor) (*record.Document, error) {
	doc, err := m.claim(ctx, id, actor)
	m.metrics.RecordOperation("claim", err)
	if err != nil {
		m.logger.Debug("claim rejected", "document_id", id, "actor", actor.ID, "error", err)
		return nil, err
	}
	m.logger.Info("review claimed", "document_id", id, "actor", actor.ID, "version", doc.Version)
	return doc, nil
}

func (m *Manager) claim(ctx context.Context, id string, actor record.Actor) (*record.Document, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return m.committer.Apply(ctx, id, "claim", record.ErrClaimFailed, func(doc *record.Document) (record.Mutator, error) {
		if err := lifecycle.EnsureMutable(doc); err != nil {
			return nil, err
		}
		if doc.HITLStatus == record.HITLInReview && !doc.OwnedBy(actor) {
			return nil, fmt.Errorf("%w: %s is held by %s", record.ErrAlreadyClaimed, id, doc.ReviewOwner.ID)
		}
		return func(d *record.Document) error {
			if err := lifecycle.BeginReview(d, actor); err != nil {
				return err
			}
			d.AppendEvent(record.EventClaimed, actor, "", m.now())
			return nil
		}, nil
	})
}

// Release returns the lease held by actor.
func (m *Manager) Release(ctx context.Context, id string, actor record.Actor) (*record.Document, error) {
	doc, err := m.release(ctx, id, actor)
	m.metrics.RecordOperation("release", err)
	if err != nil {
		return nil, err
	}
	m.logger.Info("review released", "document_id", id, "actor", actor.ID, "version", doc.Version)
	return doc, nil
}

func (m *Manager) release(ctx context.Context, id string, actor record.Actor) (*record.Document, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return m.committer.Apply(ctx, id, "release", record.ErrOperationFailed, func(doc *record.Document) (record.Mutator, error) {
		if err := lifecycle.EnsureMutable(doc); err != nil {
			return nil, err
		}
		if !doc.OwnedBy(actor) {
			return nil, fmt.Errorf("%w: %s does not hold %s", record.ErrNotOwner, actor.ID, id)
		}
		return func(d *record.Document) error {
			if err := lifecycle.ReleaseReview(d); err != nil {
				return err
			}
			d.AppendEvent(record.EventReleased, actor, "", m.now())
			return nil
		}, nil
	})
}

// CompleteSection resolves one pending section with the reviewer's edited
// payload. Resolving the last pending section finishes review and resumes
// the pipeline.
func (m *Manager) CompleteSection(ctx context.Context, id, sectionID string, actor record.Actor, payload json.RawMessage) (*record.Document, error) {
	doc, err := m.completeSection(ctx, id, sectionID, actor, payload)
	m.metrics.RecordOperation("complete_section", err)
	if err != nil {
		return nil, err
	}
	m.logger.Info("section completed",
		"document_id", id, "section", sectionID, "actor", actor.ID,
		"pending", len(doc.Sections.Pending), "version", doc.Version)
	return doc, nil
}

func (m *Manager) completeSection(ctx context.Context, id, sectionID string, actor record.Actor, payload json.RawMessage) (*record.Document, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	resume := m.registry.ResumeAfterReview()

	var finishing bool
	doc, err := m.committer.Apply(ctx, id, "complete_section", record.ErrOperationFailed, func(doc *record.Document) (record.Mutator, error) {
		finishing = false
		if len(doc.Sections.Pending) == 0 {
			return nil, nil
		}
		if err := lifecycle.EnsureMutable(doc); err != nil {
			return nil, err
		}
		if !doc.OwnedBy(actor) {
			return nil, fmt.Errorf("%w: %s does not hold %s", record.ErrNotOwner, actor.ID, id)
		}
		if !doc.Sections.IsPending(sectionID) {
			return nil, fmt.Errorf("%w: %s is not pending on %s", record.ErrUnknownSection, sectionID, id)
		}
		if err := m.payloads.Validate(doc.Sections.Schemas[sectionID], payload); err != nil {
			return nil, fmt.Errorf("section %s: %w", sectionID, err)
		}

		finishing = len(doc.Sections.Pending) == 1
		return func(d *record.Document) error {
			at := m.now()
			if err := d.Sections.Complete(sectionID, payload, actor.ID, at); err != nil {
				return err
			}
			d.AppendEvent(record.EventSectionCompleted, actor, sectionID, at)
			if len(d.Sections.Pending) == 0 {
				return lifecycle.FinishReview(d, resume)
			}
			return nil
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if finishing {
		m.signalResume(ctx, doc)
	}
	return doc, nil
}

// SkipAllSections resolves every pending section as skipped and finishes review.
func (m *Manager) SkipAllSections(ctx context.Context, id string, actor record.Actor) (*record.Document, error) {
	doc, err := m.skipAll(ctx, id, actor)
	m.metrics.RecordOperation("skip_all", err)
	if err != nil {
		return nil, err
	}
	m.logger.Info("all sections skipped",
		"document_id", id, "actor", actor.ID, "skipped", len(doc.Sections.Skipped), "version", doc.Version)
	return doc, nil
}

func (m *Manager) skipAll(ctx context.Context, id string, actor record.Actor) (*record.Document, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	resume := m.registry.ResumeAfterReview()

	var finishing bool
	doc, err := m.committer.Apply(ctx, id, "skip_all", record.ErrOperationFailed, func(doc *record.Document) (record.Mutator, error) {
		finishing = false
		if len(doc.Sections.Pending) == 0 {
			return nil, nil
		}
		if err := lifecycle.EnsureMutable(doc); err != nil {
			return nil, err
		}
		if !doc.OwnedBy(actor) {
			return nil, fmt.Errorf("%w: %s does not hold %s", record.ErrNotOwner, actor.ID, id)
		}

		finishing = true
		return func(d *record.Document) error {
			skipped := d.Sections.SkipRemaining()
			d.AppendEvent(record.EventAllSkipped, actor, strings.Join(skipped, ","), m.now())
			return lifecycle.FinishReview(d, resume)
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if finishing {
		m.signalResume(ctx, doc)
	}
	return doc, nil
}

// History returns the review history of a document in commit order.
func (m *Manager) History(ctx context.Context, id string) ([]record.ReviewEvent, error) {
	doc, err := m.committer.Store().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.ReviewHistory, nil
}

// signalResume tells the pipeline to continue after review. The record is
// already committed, so a failed signal is logged and counted but does not
// fail the operation; the pipeline can pick the document up from its
// PROCESSING state.
func (m *Manager) signalResume(ctx context.Context, doc *record.Document) {
	if doc.OverallStatus != record.StatusProcessing || doc.CurrentStage == "" {
		return
	}
	sigCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.signalTimeout)
	defer cancel()

	err := m.executor.ResumeFrom(sigCtx, doc.ID, doc.CurrentStage)
	m.metrics.RecordSignal("resume", err)
	if err != nil {
		m.logger.Error("failed to signal pipeline resume",
			"document_id", doc.ID, "stage", doc.CurrentStage, "error", err)
	}
}
