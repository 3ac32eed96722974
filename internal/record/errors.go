package record

import "errors"

// Sentinel errors shared by every component that mutates document records.
var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists is returned when registering an id that already has a record.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrVersionConflict is returned by Store.Update when the stored version
	// no longer matches the version the caller read. It is transient and is
	// always retried by the component that issued the mutation.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyClaimed is returned when another actor holds the review lease.
	ErrAlreadyClaimed = errors.New("review already claimed")

	// ErrNotOwner is returned when the actor does not hold the review lease.
	ErrNotOwner = errors.New("actor is not the review owner")

	// ErrUnknownSection is returned when a section id is not pending.
	ErrUnknownSection = errors.New("unknown section")

	// ErrInvalidPayload is returned when an edited payload fails the section schema.
	ErrInvalidPayload = errors.New("invalid section payload")

	// ErrAlreadyInProgress is returned when a baseline copy is already running.
	ErrAlreadyInProgress = errors.New("operation already in progress")

	// ErrTerminalState is returned when a review operation targets a finished document.
	ErrTerminalState = errors.New("document is in a terminal state")

	// ErrAlreadyTerminal is the batch item failure for aborting a finished document.
	ErrAlreadyTerminal = errors.New("document already terminal")

	// ErrInvalidStep is returned when a rerun target is not a legal resume point.
	ErrInvalidStep = errors.New("invalid resume step")

	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrClaimFailed is returned when a claim exhausts its retry budget.
	ErrClaimFailed = errors.New("claim failed")

	// ErrOperationFailed is returned when any other mutation exhausts its retry budget.
	ErrOperationFailed = errors.New("operation failed")
)
