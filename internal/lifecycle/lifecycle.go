// Package lifecycle governs legal transitions of a document's overall
// processing status and its human review status.
//
// Every function here edits a record in place and is meant to run inside a
// record.Mutator, so a rejected transition aborts the whole update.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/jackzampolin/docflow/internal/record"
)

// FailureAborted is the failure reason recorded by an operator abort.
const FailureAborted = "aborted"

var overallTransitions = map[record.OverallStatus][]record.OverallStatus{
	record.StatusQueued:         {record.StatusProcessing, record.StatusFailed},
	record.StatusProcessing:     {record.StatusProcessing, record.StatusAwaitingReview, record.StatusComplete, record.StatusFailed},
	record.StatusAwaitingReview: {record.StatusProcessing, record.StatusFailed},
}

var hitlTransitions = map[record.HITLStatus][]record.HITLStatus{
	record.HITLNotRequired: {record.HITLPending},
	record.HITLPending:     {record.HITLInReview},
	record.HITLInReview:    {record.HITLPending, record.HITLInReview, record.HITLCompleted},
}

// CanTransition reports whether overall status may move from one state to another.
// Terminal states have no outgoing edges; only a rerun reset leaves them.
func CanTransition(from, to record.OverallStatus) bool {
	return slices.Contains(overallTransitions[from], to)
}

// CanTransitionHITL reports whether review status may move from one state to another.
func CanTransitionHITL(from, to record.HITLStatus) bool {
	return slices.Contains(hitlTransitions[from], to)
}

func transition(doc *record.Document, to record.OverallStatus) error {
	if !CanTransition(doc.OverallStatus, to) {
		return fmt.Errorf("%w: overall %s -> %s", record.ErrInvalidTransition, doc.OverallStatus, to)
	}
	doc.OverallStatus = to
	return nil
}

func transitionHITL(doc *record.Document, to record.HITLStatus) error {
	if !CanTransitionHITL(doc.HITLStatus, to) {
		return fmt.Errorf("%w: hitl %s -> %s", record.ErrInvalidTransition, doc.HITLStatus, to)
	}
	doc.HITLStatus = to
	return nil
}

// EnsureMutable returns ErrTerminalState once the document is COMPLETE or FAILED.
func EnsureMutable(doc *record.Document) error {
	if doc.OverallStatus.Terminal() {
		return fmt.Errorf("%w: %s is %s", record.ErrTerminalState, doc.ID, doc.OverallStatus)
	}
	return nil
}

// Start records that stage began executing. A queued document moves to
// PROCESSING; a processing document simply advances its current stage.
// A document awaiting review only leaves through FinishReview.
func Start(doc *record.Document, stage string) error {
	if doc.OverallStatus == record.StatusAwaitingReview {
		return fmt.Errorf("%w: %s is awaiting review", record.ErrInvalidTransition, doc.ID)
	}
	if err := transition(doc, record.StatusProcessing); err != nil {
		return err
	}
	doc.CurrentStage = stage
	return nil
}

// RequireReview parks the document for human review with the given sections.
func RequireReview(doc *record.Document, stage string, sections []string, schemas map[string]json.RawMessage) error {
	if len(sections) == 0 {
		return fmt.Errorf("%w: review requires at least one section", record.ErrInvalidTransition)
	}
	if err := transition(doc, record.StatusAwaitingReview); err != nil {
		return err
	}
	if err := transitionHITL(doc, record.HITLPending); err != nil {
		return err
	}
	if err := doc.Sections.Open(sections, schemas); err != nil {
		return err
	}
	doc.HITLTriggered = true
	doc.CurrentStage = stage
	return nil
}

// BeginReview hands the review lease to actor. Re-claiming by the current
// owner is allowed and refreshes the owner's contact details.
func BeginReview(doc *record.Document, actor record.Actor) error {
	if err := transitionHITL(doc, record.HITLInReview); err != nil {
		return err
	}
	owner := actor
	doc.ReviewOwner = &owner
	return nil
}

// ReleaseReview returns the document to the unclaimed pool.
func ReleaseReview(doc *record.Document) error {
	if err := transitionHITL(doc, record.HITLPending); err != nil {
		return err
	}
	doc.ReviewOwner = nil
	return nil
}

// FinishReview closes review once no section is pending and moves the
// document back into PROCESSING at resumeStage.
func FinishReview(doc *record.Document, resumeStage string) error {
	if len(doc.Sections.Pending) > 0 {
		return fmt.Errorf("%w: %d sections still pending", record.ErrInvalidTransition, len(doc.Sections.Pending))
	}
	if err := transitionHITL(doc, record.HITLCompleted); err != nil {
		return err
	}
	doc.ReviewOwner = nil
	if doc.OverallStatus == record.StatusAwaitingReview {
		if err := transition(doc, record.StatusProcessing); err != nil {
			return err
		}
		doc.CurrentStage = resumeStage
	}
	return nil
}

// Complete marks the pipeline finished.
func Complete(doc *record.Document) error {
	if doc.HITLTriggered && !doc.HITLCompleted() {
		return fmt.Errorf("%w: review has not finished", record.ErrInvalidTransition)
	}
	if err := transition(doc, record.StatusComplete); err != nil {
		return err
	}
	doc.FailureReason = ""
	return nil
}

// Fail marks the document FAILED from any non-terminal state. An active
// review lease is dropped so ownership never outlives the workflow.
func Fail(doc *record.Document, reason string) error {
	if err := transition(doc, record.StatusFailed); err != nil {
		return err
	}
	doc.FailureReason = reason
	if doc.HITLStatus == record.HITLInReview {
		doc.HITLStatus = record.HITLPending
		doc.ReviewOwner = nil
	}
	return nil
}

// ResetForRerun puts the document back in the queue at step. This is the
// only way out of a terminal state.
//
// When step does not come after the review stage, review state is wiped so
// review runs again from scratch. Otherwise resolved sections are kept and
// the review status is derived from them.
func ResetForRerun(doc *record.Document, step string, beforeReview bool) {
	doc.OverallStatus = record.StatusQueued
	doc.CurrentStage = step
	doc.FailureReason = ""
	doc.ReviewOwner = nil

	if beforeReview {
		doc.Sections.Reset()
		doc.HITLTriggered = false
		doc.HITLStatus = record.HITLNotRequired
		return
	}

	switch {
	case !doc.HITLTriggered:
		doc.HITLStatus = record.HITLNotRequired
	case len(doc.Sections.Pending) == 0:
		doc.HITLStatus = record.HITLCompleted
	default:
		doc.HITLStatus = record.HITLPending
	}
}
