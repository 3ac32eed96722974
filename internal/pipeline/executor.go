package pipeline

import (
	"context"
	"log/slog"
	"sync"
)

// Executor is the external pipeline that runs stage engines.
// Both signals are best-effort: a nil error means the request was accepted,
// not that the work has started or stopped.
type Executor interface {
	// ResumeFrom asks the pipeline to (re)invoke stages starting at stage.
	ResumeFrom(ctx context.Context, documentID, stage string) error

	// Cancel asks the pipeline to stop in-flight work for the document.
	Cancel(ctx context.Context, documentID string) error
}

// Signal is one call observed by a LocalExecutor.
type Signal struct {
	Kind       string // "resume" or "cancel"
	DocumentID string
	Stage      string
}

// LocalExecutor records signals instead of forwarding them. It is used when
// no executor URL is configured and as a test double.
type LocalExecutor struct {
	mu      sync.Mutex
	signals []Signal
	logger  *slog.Logger

	// ResumeErr and CancelErr are returned by the corresponding calls when set.
	ResumeErr error
	CancelErr error
}

// NewLocalExecutor creates a LocalExecutor. A nil logger uses slog.Default().
func NewLocalExecutor(logger *slog.Logger) *LocalExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalExecutor{logger: logger}
}

func (e *LocalExecutor) ResumeFrom(ctx context.Context, documentID, stage string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ResumeErr != nil {
		return e.ResumeErr
	}
	e.signals = append(e.signals, Signal{Kind: "resume", DocumentID: documentID, Stage: stage})
	e.logger.Info("pipeline resume requested", "document_id", documentID, "stage", stage)
	return nil
}

func (e *LocalExecutor) Cancel(ctx context.Context, documentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.CancelErr != nil {
		return e.CancelErr
	}
	e.signals = append(e.signals, Signal{Kind: "cancel", DocumentID: documentID})
	e.logger.Info("pipeline cancel requested", "document_id", documentID)
	return nil
}

// Signals returns a copy of every accepted signal in arrival order.
func (e *LocalExecutor) Signals() []Signal {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Signal, len(e.signals))
	copy(out, e.signals)
	return out
}

// SignalsFor returns accepted signals of kind for one document.
func (e *LocalExecutor) SignalsFor(kind, documentID string) []Signal {
	var out []Signal
	for _, s := range e.Signals() {
		if s.Kind == kind && s.DocumentID == documentID {
			out = append(out, s)
		}
	}
	return out
}
