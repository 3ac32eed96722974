package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/docflow/internal/lifecycle"
	"github.com/jackzampolin/docflow/internal/record"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time and advances it by one millisecond so
// successive events get distinct timestamps.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// Seed creates a QUEUED record.
func Seed(t testing.TB, store record.Store, id, batchID string) *record.Document {
	t.Helper()
	doc, err := store.Create(context.Background(), record.New(id, batchID, time.Time{}))
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return doc
}

// Mutate applies fn to the record at its current version.
func Mutate(t testing.TB, store record.Store, id string, fn record.Mutator) *record.Document {
	t.Helper()
	ctx := context.Background()
	doc, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	doc, err = store.Update(ctx, id, doc.Version, fn)
	if err != nil {
		t.Fatalf("update %s: %v", id, err)
	}
	return doc
}

// AwaitingReview creates a record parked at stage with the given sections pending.
func AwaitingReview(t testing.TB, store record.Store, id, stage string, sections ...string) *record.Document {
	t.Helper()
	Seed(t, store, id, "")
	return Mutate(t, store, id, func(d *record.Document) error {
		if err := lifecycle.Start(d, stage); err != nil {
			return err
		}
		return lifecycle.RequireReview(d, stage, sections, nil)
	})
}

// Processing creates a record running stage.
func Processing(t testing.TB, store record.Store, id, batchID, stage string) *record.Document {
	t.Helper()
	Seed(t, store, id, batchID)
	return Mutate(t, store, id, func(d *record.Document) error {
		return lifecycle.Start(d, stage)
	})
}

// Completed creates a record that finished the pipeline without review.
func Completed(t testing.TB, store record.Store, id, batchID, lastStage string) *record.Document {
	t.Helper()
	Processing(t, store, id, batchID, lastStage)
	return Mutate(t, store, id, lifecycle.Complete)
}
