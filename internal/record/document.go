// Package record holds the document record model and the versioned store
// every coordination component mutates through.
package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OverallStatus is the processing pipeline status of a document.
type OverallStatus string

const (
	StatusQueued         OverallStatus = "QUEUED"
	StatusProcessing     OverallStatus = "PROCESSING"
	StatusAwaitingReview OverallStatus = "AWAITING_REVIEW"
	StatusComplete       OverallStatus = "COMPLETE"
	StatusFailed         OverallStatus = "FAILED"
)

// Terminal reports whether no further pipeline progress is possible.
func (s OverallStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s OverallStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusAwaitingReview, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// HITLStatus is the human review status of a document.
type HITLStatus string

const (
	HITLNotRequired HITLStatus = "NOT_REQUIRED"
	HITLPending     HITLStatus = "PENDING"
	HITLInReview    HITLStatus = "IN_REVIEW"
	HITLCompleted   HITLStatus = "COMPLETED"
)

// BaselineState tracks the asynchronous copy of results to the evaluation baseline.
type BaselineState string

const (
	BaselineNone      BaselineState = "NONE"
	BaselineCopying   BaselineState = "COPYING"
	BaselineAvailable BaselineState = "AVAILABLE"
	BaselineError     BaselineState = "ERROR"
)

// Actor identifies an operator or automation client.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Same compares identities. Contact details do not take part in ownership.
func (a Actor) Same(other Actor) bool {
	return a.ID == other.ID
}

// EventKind names a review action.
type EventKind string

const (
	EventClaimed          EventKind = "CLAIMED"
	EventReleased         EventKind = "RELEASED"
	EventSectionCompleted EventKind = "SECTION_COMPLETED"
	EventAllSkipped       EventKind = "ALL_SKIPPED"
	EventAborted          EventKind = "ABORTED"
)

// ReviewEvent is one entry of the append-only review history.
type ReviewEvent struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Actor     Actor     `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Document is the single source of truth for one document's coordination state.
type Document struct {
	ID      string `json:"object_key"`
	Version int64  `json:"version"`
	BatchID string `json:"batch_id,omitempty"`

	OverallStatus OverallStatus `json:"overall_status"`
	CurrentStage  string        `json:"current_stage,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`

	HITLStatus    HITLStatus `json:"hitl_status"`
	HITLTriggered bool       `json:"hitl_triggered"`
	ReviewOwner   *Actor     `json:"review_owner,omitempty"`

	Sections      Sections      `json:"sections"`
	ReviewHistory []ReviewEvent `json:"review_history"`

	BaselineState BaselineState `json:"baseline_state"`
	BaselineError string        `json:"baseline_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a QUEUED record at version 0 with no review state.
func New(id, batchID string, now time.Time) *Document {
	return &Document{
		ID:            id,
		BatchID:       batchID,
		OverallStatus: StatusQueued,
		HITLStatus:    HITLNotRequired,
		Sections:      NewSections(),
		BaselineState: BaselineNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// HITLCompleted reports whether review ran and finished.
func (d *Document) HITLCompleted() bool {
	return d.HITLTriggered && d.HITLStatus == HITLCompleted
}

// OwnedBy reports whether actor currently holds the review lease.
func (d *Document) OwnedBy(actor Actor) bool {
	return d.ReviewOwner != nil && d.ReviewOwner.Same(actor)
}

// AppendEvent records a review action. History is only ever appended.
func (d *Document) AppendEvent(kind EventKind, actor Actor, detail string, at time.Time) {
	d.ReviewHistory = append(d.ReviewHistory, ReviewEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Actor:     actor,
		Timestamp: at,
		Detail:    detail,
	})
}

// Clone returns a deep copy so a mutator can never touch stored state.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.ReviewOwner != nil {
		owner := *d.ReviewOwner
		c.ReviewOwner = &owner
	}
	c.Sections = d.Sections.Clone()
	if d.ReviewHistory != nil {
		c.ReviewHistory = make([]ReviewEvent, len(d.ReviewHistory))
		copy(c.ReviewHistory, d.ReviewHistory)
	}
	return &c
}

// CheckInvariants verifies the cross-field rules every committed snapshot must satisfy.
func (d *Document) CheckInvariants() error {
	inReview := d.HITLStatus == HITLInReview
	if inReview != (d.ReviewOwner != nil) {
		return fmt.Errorf("review owner set=%t but hitl status is %s", d.ReviewOwner != nil, d.HITLStatus)
	}
	completed := d.HITLStatus == HITLCompleted
	if completed != (d.HITLTriggered && len(d.Sections.Pending) == 0) {
		return fmt.Errorf("hitl status %s inconsistent with triggered=%t pending=%d",
			d.HITLStatus, d.HITLTriggered, len(d.Sections.Pending))
	}
	switch d.OverallStatus {
	case StatusAwaitingReview:
		if d.HITLStatus != HITLPending && d.HITLStatus != HITLInReview {
			return fmt.Errorf("awaiting review with hitl status %s", d.HITLStatus)
		}
	case StatusProcessing, StatusComplete:
		if d.HITLStatus != HITLNotRequired && d.HITLStatus != HITLCompleted {
			return fmt.Errorf("%s with open review (hitl %s)", d.OverallStatus, d.HITLStatus)
		}
	}
	if inReview && d.OverallStatus != StatusAwaitingReview {
		return fmt.Errorf("review lease held while %s", d.OverallStatus)
	}
	return d.Sections.CheckDisjoint()
}
