package record

import "context"

// Mutator edits a snapshot of a record. Returning an error aborts the update
// with no side effect.
type Mutator func(doc *Document) error

// Store is durable, versioned storage of one record per document.
//
// Update is the single atomicity primitive: it applies fn to a snapshot and
// persists the result only if the stored version still equals version,
// incrementing it by exactly one. A stale version yields ErrVersionConflict,
// which the store never resolves on the caller's behalf.
type Store interface {
	// Get returns a snapshot of the record or ErrNotFound.
	Get(ctx context.Context, id string) (*Document, error)

	// Update applies fn under optimistic concurrency control.
	Update(ctx context.Context, id string, version int64, fn Mutator) (*Document, error)

	// Create persists a new record at version 1. Returns ErrAlreadyExists on duplicates.
	Create(ctx context.Context, doc *Document) (*Document, error)

	// List returns records matching the filter.
	List(ctx context.Context, filter ListFilter) ([]*Document, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
}

// ListFilter specifies criteria for listing records.
type ListFilter struct {
	BatchID string        // Filter by batch (empty = all)
	Status  OverallStatus // Filter by overall status (empty = all)
	Limit   int           // Max results (0 = no limit)
}

// Matches reports whether doc satisfies the filter, ignoring Limit.
func (f ListFilter) Matches(doc *Document) bool {
	if f.BatchID != "" && doc.BatchID != f.BatchID {
		return false
	}
	if f.Status != "" && doc.OverallStatus != f.Status {
		return false
	}
	return true
}
