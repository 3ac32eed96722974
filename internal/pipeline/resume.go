package pipeline

import (
	"fmt"

	"github.com/jackzampolin/docflow/internal/record"
)

// ValidateStep returns ErrInvalidStep unless step is a registered stage.
func (r *Registry) ValidateStep(step string) error {
	if r.Index(step) < 0 {
		return fmt.Errorf("%w: unknown stage %q", record.ErrInvalidStep, step)
	}
	return nil
}

// ValidateResumePoint checks that doc may be rerun from step.
//
// A finished document may rerun from any stage. Otherwise the current stage
// is the first one that has not completed, and step may not lie beyond it.
// An unfinished review also blocks every step after the review stage.
func (r *Registry) ValidateResumePoint(doc *record.Document, step string) error {
	if err := r.ValidateStep(step); err != nil {
		return err
	}
	if !r.NotAfterReview(step) && doc.HITLTriggered && len(doc.Sections.Pending) > 0 {
		return fmt.Errorf("%w: %q is downstream of unfinished review", record.ErrInvalidStep, step)
	}
	if doc.OverallStatus == record.StatusComplete {
		return nil
	}

	frontier := r.Index(doc.CurrentStage)
	if frontier < 0 {
		frontier = 0
	}
	if r.Index(step) > frontier {
		return fmt.Errorf("%w: %q is downstream of incomplete stage %q",
			record.ErrInvalidStep, step, r.Names()[frontier])
	}
	return nil
}
