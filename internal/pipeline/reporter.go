package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/docflow/internal/lifecycle"
	"github.com/jackzampolin/docflow/internal/metrics"
	"github.com/jackzampolin/docflow/internal/record"
	"github.com/jackzampolin/docflow/internal/schema"
)

// StageEvent is a progress callback kind sent by a stage engine.
type StageEvent string

const (
	EventStarted        StageEvent = "started"
	EventReviewRequired StageEvent = "review_required"
	EventCompleted      StageEvent = "completed"
	EventFailed         StageEvent = "failed"
)

// StageReport is the body of a stage callback.
type StageReport struct {
	Event StageEvent `json:"event"`

	// Sections and Schemas are only read for review_required.
	Sections []string                   `json:"sections,omitempty"`
	Schemas  map[string]json.RawMessage `json:"schemas,omitempty"`

	// Reason is only read for failed.
	Reason string `json:"reason,omitempty"`
}

// ReporterConfig configures a Reporter.
type ReporterConfig struct {
	Committer *record.Committer
	Registry  *Registry
	Payloads  *schema.Payloads
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Reporter is the pipeline-facing surface: it registers documents and turns
// stage callbacks into status transitions. Repeated callbacks are no-ops
// that return the current snapshot.
type Reporter struct {
	committer *record.Committer
	registry  *Registry
	payloads  *schema.Payloads
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewReporter creates a Reporter.
func NewReporter(cfg ReporterConfig) *Reporter {
	if cfg.Registry == nil {
		cfg.Registry = NewDefaultRegistry()
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
	return &Reporter{
		committer: cfg.Committer,
		registry:  cfg.Registry,
		payloads:  cfg.Payloads,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Register creates a QUEUED record. An empty id is replaced by a generated one.
func (r *Reporter) Register(ctx context.Context, id, batchID string) (*record.Document, error) {
	if id == "" {
		id = uuid.NewString()
	}
	doc, err := r.committer.Store().Create(ctx, record.New(id, batchID, r.now()))
	r.metrics.RecordOperation("register", err)
	if err != nil {
		return nil, err
	}
	r.logger.Info("document registered", "document_id", id, "batch_id", batchID)
	return doc, nil
}

// ReportStage applies a stage callback.
func (r *Reporter) ReportStage(ctx context.Context, id, stage string, rep StageReport) (*record.Document, error) {
	doc, err := r.reportStage(ctx, id, stage, rep)
	r.metrics.RecordOperation("report_"+string(rep.Event), err)
	if err != nil {
		return nil, err
	}
	r.logger.Info("stage reported",
		"document_id", id, "stage", stage, "event", rep.Event,
		"overall_status", doc.OverallStatus, "version", doc.Version)
	return doc, nil
}

func (r *Reporter) reportStage(ctx context.Context, id, stage string, rep StageReport) (*record.Document, error) {
	if err := r.registry.ValidateStep(stage); err != nil {
		return nil, err
	}

	var plan record.Plan
	switch rep.Event {
	case EventStarted:
		plan = r.planStarted(stage)
	case EventReviewRequired:
		if review := r.registry.ReviewStage(); stage != review {
			return nil, fmt.Errorf("%w: review is requested by stage %q, not %q", record.ErrInvalidStep, review, stage)
		}
		if err := r.payloads.CheckSchemas(rep.Schemas); err != nil {
			return nil, err
		}
		plan = r.planReviewRequired(stage, rep)
	case EventCompleted:
		plan = r.planCompleted(stage)
	case EventFailed:
		plan = r.planFailed(stage, rep.Reason)
	default:
		return nil, fmt.Errorf("%w: unknown stage event %q", record.ErrInvalidTransition, rep.Event)
	}

	return r.committer.Apply(ctx, id, "report_"+string(rep.Event), record.ErrOperationFailed, plan)
}

func (r *Reporter) planStarted(stage string) record.Plan {
	return func(doc *record.Document) (record.Mutator, error) {
		if doc.OverallStatus == record.StatusProcessing && doc.CurrentStage == stage {
			return nil, nil
		}
		if err := lifecycle.EnsureMutable(doc); err != nil {
			return nil, err
		}
		if err := r.checkNotAwaitingReview(doc, stage); err != nil {
			return nil, err
		}
		if r.registry.Index(stage) < r.registry.Index(doc.CurrentStage) {
			return nil, fmt.Errorf("%w: %q starts behind current stage %q",
				record.ErrInvalidTransition, stage, doc.CurrentStage)
		}
		return func(d *record.Document) error {
			return lifecycle.Start(d, stage)
		}, nil
	}
}

func (r *Reporter) planReviewRequired(stage string, rep StageReport) record.Plan {
	return func(doc *record.Document) (record.Mutator, error) {
		if doc.OverallStatus == record.StatusAwaitingReview && doc.CurrentStage == stage {
			return nil, nil
		}
		if err := lifecycle.EnsureMutable(doc); err != nil {
			return nil, err
		}
		if doc.CurrentStage != stage {
			return nil, fmt.Errorf("%w: review requested at %q but current stage is %q",
				record.ErrInvalidTransition, stage, doc.CurrentStage)
		}
		return func(d *record.Document) error {
			return lifecycle.RequireReview(d, stage, rep.Sections, rep.Schemas)
		}, nil
	}
}

func (r *Reporter) planCompleted(stage string) record.Plan {
	last := stage == r.registry.Last()
	next := r.registry.After(stage)
	return func(doc *record.Document) (record.Mutator, error) {
		if last && doc.OverallStatus == record.StatusComplete {
			return nil, nil
		}
		if !last && doc.OverallStatus == record.StatusProcessing && doc.CurrentStage == next {
			return nil, nil
		}
		if err := lifecycle.EnsureMutable(doc); err != nil {
			return nil, err
		}
		if err := r.checkNotAwaitingReview(doc, stage); err != nil {
			return nil, err
		}
		if doc.CurrentStage != stage {
			return nil, fmt.Errorf("%w: %q completed but current stage is %q",
				record.ErrInvalidTransition, stage, doc.CurrentStage)
		}
		return func(d *record.Document) error {
			if last {
				return lifecycle.Complete(d)
			}
			// Advancing keeps the document PROCESSING.
			return lifecycle.Start(d, next)
		}, nil
	}
}

// checkNotAwaitingReview rejects progress callbacks while review is open.
func (r *Reporter) checkNotAwaitingReview(doc *record.Document, stage string) error {
	if doc.OverallStatus != record.StatusAwaitingReview {
		return nil
	}
	return fmt.Errorf("%w: %s reported for %s while review is %s",
		record.ErrInvalidTransition, stage, doc.ID, doc.HITLStatus)
}

func (r *Reporter) planFailed(stage, reason string) record.Plan {
	if reason == "" {
		reason = fmt.Sprintf("stage %s failed", stage)
	}
	return func(doc *record.Document) (record.Mutator, error) {
		if doc.OverallStatus == record.StatusFailed {
			return nil, nil
		}
		if err := lifecycle.EnsureMutable(doc); err != nil {
			return nil, err
		}
		if doc.CurrentStage != "" && doc.CurrentStage != stage {
			return nil, fmt.Errorf("%w: %q failed but current stage is %q",
				record.ErrInvalidTransition, stage, doc.CurrentStage)
		}
		return func(d *record.Document) error {
			if err := lifecycle.Fail(d, reason); err != nil {
				return err
			}
			d.CurrentStage = stage
			return nil
		}, nil
	}
}

// Get returns the current snapshot of a document.
func (r *Reporter) Get(ctx context.Context, id string) (*record.Document, error) {
	return r.committer.Store().Get(ctx, id)
}

// List returns documents matching filter.
func (r *Reporter) List(ctx context.Context, filter record.ListFilter) ([]*record.Document, error) {
	return r.committer.Store().List(ctx, filter)
}
