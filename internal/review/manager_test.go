package review

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/docflow/internal/batch"
	"github.com/jackzampolin/docflow/internal/lifecycle"
	"github.com/jackzampolin/docflow/internal/pipeline"
	"github.com/jackzampolin/docflow/internal/record"
	"github.com/jackzampolin/docflow/internal/testutil"
)

var (
	alice = record.Actor{ID: "alice", Email: "alice@example.com"}
	bob   = record.Actor{ID: "bob", Email: "bob@example.com"}
	carol = record.Actor{ID: "carol"}
)

type harness struct {
	store       *record.MemoryStore
	executor    *pipeline.LocalExecutor
	manager     *Manager
	reporter    *pipeline.Reporter
	coordinator *batch.Coordinator
}

func newHarness(t *testing.T, store record.Store) *harness {
	t.Helper()
	mem, _ := store.(*record.MemoryStore)
	exec := pipeline.NewLocalExecutor(nil)
	clock := testutil.NewClock()
	committer := record.NewCommitter(record.CommitterConfig{
		Store:  store,
		Policy: record.Policy{Attempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	})
	return &harness{
		store:    mem,
		executor: exec,
		manager: NewManager(Config{
			Committer: committer,
			Executor:  exec,
			Now:       clock.Now,
		}),
		reporter: pipeline.NewReporter(pipeline.ReporterConfig{
			Committer: committer,
			Now:       clock.Now,
		}),
		coordinator: batch.NewCoordinator(batch.Config{
			Committer: committer,
			Executor:  exec,
			Now:       clock.Now,
		}),
	}
}

func (h *harness) get(t *testing.T, id string) *record.Document {
	t.Helper()
	doc, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return doc
}

func kinds(events []record.ReviewEvent) []record.EventKind {
	out := make([]record.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestManager_CompleteAllSectionsResumesPipeline(t *testing.T) {
	h := newHarness(t, record.NewMemoryStore())
	ctx := context.Background()
	testutil.AwaitingReview(t, h.store, "doc1", pipeline.StageReview, "s1", "s2")

	if _, err := h.manager.Claim(ctx, "doc1", alice); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	doc, err := h.manager.CompleteSection(ctx, "doc1", "s1", alice, json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("CompleteSection(s1) error = %v", err)
	}
	if doc.HITLStatus != record.HITLInReview || len(doc.Sections.Pending) != 1 {
		t.Fatalf("after s1: hitl=%s pending=%v", doc.HITLStatus, doc.Sections.Pending)
	}
	if len(h.executor.SignalsFor("resume", "doc1")) != 0 {
		t.Fatal("pipeline resumed before review finished")
	}

	doc, err = h.manager.CompleteSection(ctx, "doc1", "s2", alice, json.RawMessage(`{"y":2}`))
	if err != nil {
		t.Fatalf("CompleteSection(s2) error = %v", err)
	}
	if len(doc.Sections.Pending) != 0 {
		t.Errorf("pending = %v, want empty", doc.Sections.Pending)
	}
	if got := string(doc.Sections.Completed["s2"].Payload); got != `{"y":2}` {
		t.Errorf("completed s2 payload = %s", got)
	}
	if doc.HITLStatus != record.HITLCompleted || doc.ReviewOwner != nil {
		t.Errorf("hitl=%s owner=%v, want COMPLETED and no owner", doc.HITLStatus, doc.ReviewOwner)
	}
	if doc.OverallStatus != record.StatusProcessing || doc.CurrentStage != pipeline.StageSummarization {
		t.Errorf("overall=%s stage=%s", doc.OverallStatus, doc.CurrentStage)
	}
	want := []record.EventKind{record.EventClaimed, record.EventSectionCompleted, record.EventSectionCompleted}
	if got := kinds(doc.ReviewHistory); !slices.Equal(got, want) {
		t.Errorf("history = %v, want %v", got, want)
	}

	resumes := h.executor.SignalsFor("resume", "doc1")
	if len(resumes) != 1 || resumes[0].Stage != pipeline.StageSummarization {
		t.Errorf("resume signals = %+v", resumes)
	}
}

func TestManager_ReleaseThenClaimByAnother(t *testing.T) {
	h := newHarness(t, record.NewMemoryStore())
	ctx := context.Background()
	testutil.AwaitingReview(t, h.store, "doc2", pipeline.StageReview, "s1")

	if _, err := h.manager.Claim(ctx, "doc2", bob); err != nil {
		t.Fatal(err)
	}
	doc, err := h.manager.Release(ctx, "doc2", bob)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if doc.HITLStatus != record.HITLPending || doc.ReviewOwner != nil {
		t.Errorf("after release: hitl=%s owner=%v", doc.HITLStatus, doc.ReviewOwner)
	}

	doc, err = h.manager.Claim(ctx, "doc2", carol)
	if err != nil {
		t.Fatalf("Claim(carol) error = %v", err)
	}
	if !doc.OwnedBy(carol) {
		t.Errorf("owner = %v, want carol", doc.ReviewOwner)
	}
	want := []record.EventKind{record.EventClaimed, record.EventReleased, record.EventClaimed}
	if got := kinds(doc.ReviewHistory); !slices.Equal(got, want) {
		t.Errorf("history = %v, want %v", got, want)
	}
	if doc.ReviewHistory[2].Actor.ID != "carol" {
		t.Errorf("last event actor = %s", doc.ReviewHistory[2].Actor.ID)
	}
}

func TestManager_ClaimHeldByAnother(t *testing.T) {
	h := newHarness(t, record.NewMemoryStore())
	ctx := context.Background()
	testutil.AwaitingReview(t, h.store, "doc3", pipeline.StageReview, "s1")

	if _, err := h.manager.Claim(ctx, "doc3", alice); err != nil {
		t.Fatal(err)
	}
	before := h.get(t, "doc3")

	if _, err := h.manager.Claim(ctx, "doc3", bob); !errors.Is(err, record.ErrAlreadyClaimed) {
		t.Fatalf("Claim(bob) error = %v, want ErrAlreadyClaimed", err)
	}
	after := h.get(t, "doc3")
	if after.Version != before.Version || !after.OwnedBy(alice) {
		t.Errorf("rejected claim changed the record: v%d -> v%d owner %v", before.Version, after.Version, after.ReviewOwner)
	}

	// The owner may re-claim; the lease stays and the claim is recorded.
	doc, err := h.manager.Claim(ctx, "doc3", alice)
	if err != nil {
		t.Fatalf("re-claim error = %v", err)
	}
	if !doc.OwnedBy(alice) || len(doc.ReviewHistory) != 2 {
		t.Errorf("re-claim: owner=%v events=%d", doc.ReviewOwner, len(doc.ReviewHistory))
	}
}

func TestManager_IdempotentAfterPendingEmpties(t *testing.T) {
	h := newHarness(t, record.NewMemoryStore())
	ctx := context.Background()
	testutil.AwaitingReview(t, h.store, "doc", pipeline.StageReview, "s1", "s2")

	if _, err := h.manager.Claim(ctx, "doc", alice); err != nil {
		t.Fatal(err)
	}
	done, err := h.manager.SkipAllSections(ctx, "doc", alice)
	if err != nil {
		t.Fatalf("SkipAllSections() error = %v", err)
	}
	if !slices.Equal(done.Sections.Skipped, []string{"s1", "s2"}) || !done.HITLCompleted() {
		t.Fatalf("after skip: skipped=%v hitl=%s", done.Sections.Skipped, done.HITLStatus)
	}
	if got := done.ReviewHistory[len(done.ReviewHistory)-1]; got.Kind != record.EventAllSkipped || got.Detail != "s1,s2" {
		t.Errorf("last event = %+v", got)
	}

	again, err := h.manager.SkipAllSections(ctx, "doc", bob)
	if err != nil {
		t.Fatalf("repeated skip error = %v", err)
	}
	if again.Version != done.Version || len(again.ReviewHistory) != len(done.ReviewHistory) {
		t.Errorf("repeated skip mutated the record: v%d -> v%d", done.Version, again.Version)
	}

	late, err := h.manager.CompleteSection(ctx, "doc", "s1", alice, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("late complete error = %v", err)
	}
	if late.Version != done.Version {
		t.Errorf("late complete mutated the record")
	}
	if n := len(h.executor.SignalsFor("resume", "doc")); n != 1 {
		t.Errorf("resume signals = %d, want 1", n)
	}
}

func TestManager_Rejections(t *testing.T) {
	totals := json.RawMessage(`{"type":"object","required":["total"],"properties":{"total":{"type":"number"}}}`)

	tests := []struct {
		name    string
		setup   func(t *testing.T, h *harness)
		op      func(m *Manager) error
		wantErr error
	}{
		{
			name: "claim on completed document",
			setup: func(t *testing.T, h *harness) {
				testutil.Completed(t, h.store, "doc", "", pipeline.StageEvaluation)
			},
			op:      func(m *Manager) error { _, err := m.Claim(context.Background(), "doc", alice); return err },
			wantErr: record.ErrTerminalState,
		},
		{
			name: "claim without review",
			setup: func(t *testing.T, h *harness) {
				testutil.Processing(t, h.store, "doc", "", pipeline.StageOCR)
			},
			op:      func(m *Manager) error { _, err := m.Claim(context.Background(), "doc", alice); return err },
			wantErr: record.ErrInvalidTransition,
		},
		{
			name:    "claim missing document",
			setup:   func(t *testing.T, h *harness) {},
			op:      func(m *Manager) error { _, err := m.Claim(context.Background(), "ghost", alice); return err },
			wantErr: record.ErrNotFound,
		},
		{
			name: "claim without identity",
			setup: func(t *testing.T, h *harness) {
				testutil.AwaitingReview(t, h.store, "doc", pipeline.StageReview, "s1")
			},
			op:      func(m *Manager) error { _, err := m.Claim(context.Background(), "doc", record.Actor{}); return err },
			wantErr: record.ErrNotOwner,
		},
		{
			name: "release by non-owner",
			setup: func(t *testing.T, h *harness) {
				testutil.AwaitingReview(t, h.store, "doc", pipeline.StageReview, "s1")
				testutil.Mutate(t, h.store, "doc", func(d *record.Document) error { return lifecycle.BeginReview(d, alice) })
			},
			op:      func(m *Manager) error { _, err := m.Release(context.Background(), "doc", bob); return err },
			wantErr: record.ErrNotOwner,
		},
		{
			name: "release unclaimed",
			setup: func(t *testing.T, h *harness) {
				testutil.AwaitingReview(t, h.store, "doc", pipeline.StageReview, "s1")
			},
			op:      func(m *Manager) error { _, err := m.Release(context.Background(), "doc", alice); return err },
			wantErr: record.ErrNotOwner,
		},
		{
			name: "complete by non-owner",
			setup: func(t *testing.T, h *harness) {
				testutil.AwaitingReview(t, h.store, "doc", pipeline.StageReview, "s1")
				testutil.Mutate(t, h.store, "doc", func(d *record.Document) error { return lifecycle.BeginReview(d, alice) })
			},
			op: func(m *Manager) error {
				_, err := m.CompleteSection(context.Background(), "doc", "s1", bob, json.RawMessage(`{}`))
				return err
			},
			wantErr: record.ErrNotOwner,
		},
		{
			name: "complete unknown section",
			setup: func(t *testing.T, h *harness) {
				testutil.AwaitingReview(t, h.store, "doc", pipeline.StageReview, "s1")
				testutil.Mutate(t, h.store, "doc", func(d *record.Document) error { return lifecycle.BeginReview(d, alice) })
			},
			op: func(m *Manager) error {
				_, err := m.CompleteSection(context.Background(), "doc", "s9", alice, json.RawMessage(`{}`))
				return err
			},
			wantErr: record.ErrUnknownSection,
		},
		{
			name: "complete with payload violating schema",
			setup: func(t *testing.T, h *harness) {
				testutil.Seed(t, h.store, "doc", "")
				testutil.Mutate(t, h.store, "doc", func(d *record.Document) error {
					if err := lifecycle.Start(d, pipeline.StageReview); err != nil {
						return err
					}
					if err := lifecycle.RequireReview(d, pipeline.StageReview, []string{"totals"}, map[string]json.RawMessage{"totals": totals}); err != nil {
						return err
					}
					return lifecycle.BeginReview(d, alice)
				})
			},
			op: func(m *Manager) error {
				_, err := m.CompleteSection(context.Background(), "doc", "totals", alice, json.RawMessage(`{"total":"ten"}`))
				return err
			},
			wantErr: record.ErrInvalidPayload,
		},
		{
			name: "skip on failed document",
			setup: func(t *testing.T, h *harness) {
				testutil.AwaitingReview(t, h.store, "doc", pipeline.StageReview, "s1")
				testutil.Mutate(t, h.store, "doc", func(d *record.Document) error { return lifecycle.Fail(d, "boom") })
			},
			op:      func(m *Manager) error { _, err := m.SkipAllSections(context.Background(), "doc", alice); return err },
			wantErr: record.ErrTerminalState,
		},
		{
			name: "skip by non-owner",
			setup: func(t *testing.T, h *harness) {
				testutil.AwaitingReview(t, h.store, "doc", pipeline.StageReview, "s1")
			},
			op:      func(m *Manager) error { _, err := m.SkipAllSections(context.Background(), "doc", alice); return err },
			wantErr: record.ErrNotOwner,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, record.NewMemoryStore())
			tt.setup(t, h)
			before := h.store.Updates()

			err := tt.op(h.manager)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if h.store.Updates() != before {
				t.Errorf("rejected operation committed an update")
			}
			if len(h.executor.Signals()) != 0 {
				t.Errorf("rejected operation signalled the pipeline")
			}
		})
	}
}

func TestManager_SchemaAcceptsValidPayload(t *testing.T) {
	h := newHarness(t, record.NewMemoryStore())
	schema := json.RawMessage(`{"type":"object","required":["total"]}`)
	testutil.Seed(t, h.store, "doc", "")
	testutil.Mutate(t, h.store, "doc", func(d *record.Document) error {
		if err := lifecycle.Start(d, pipeline.StageReview); err != nil {
			return err
		}
		return lifecycle.RequireReview(d, pipeline.StageReview, []string{"totals"}, map[string]json.RawMessage{"totals": schema})
	})
	ctx := context.Background()
	if _, err := h.manager.Claim(ctx, "doc", alice); err != nil {
		t.Fatal(err)
	}
	doc, err := h.manager.CompleteSection(ctx, "doc", "totals", alice, json.RawMessage(`{"total":10}`))
	if err != nil {
		t.Fatalf("CompleteSection() error = %v", err)
	}
	if !doc.HITLCompleted() {
		t.Errorf("hitl = %s", doc.HITLStatus)
	}
}

func TestManager_ResumeSignalFailureDoesNotFailOperation(t *testing.T) {
	h := newHarness(t, record.NewMemoryStore())
	h.executor.ResumeErr = errors.New("pipeline unreachable")
	ctx := context.Background()
	testutil.AwaitingReview(t, h.store, "doc", pipeline.StageReview, "s1")

	if _, err := h.manager.Claim(ctx, "doc", alice); err != nil {
		t.Fatal(err)
	}
	doc, err := h.manager.CompleteSection(ctx, "doc", "s1", alice, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("CompleteSection() error = %v, want success despite signal failure", err)
	}
	if doc.OverallStatus != record.StatusProcessing || !doc.HITLCompleted() {
		t.Errorf("post-state = %s/%s", doc.OverallStatus, doc.HITLStatus)
	}
}

func TestManager_History(t *testing.T) {
	h := newHarness(t, record.NewMemoryStore())
	ctx := context.Background()
	testutil.AwaitingReview(t, h.store, "doc", pipeline.StageReview, "s1")

	_, _ = h.manager.Claim(ctx, "doc", alice)
	_, _ = h.manager.Release(ctx, "doc", alice)

	events, err := h.manager.History(ctx, "doc")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if got := kinds(events); !slices.Equal(got, []record.EventKind{record.EventClaimed, record.EventReleased}) {
		t.Errorf("History() = %v", got)
	}
	if !events[0].Timestamp.Before(events[1].Timestamp) {
		t.Errorf("timestamps out of order: %v, %v", events[0].Timestamp, events[1].Timestamp)
	}
	if _, err := h.manager.History(ctx, "ghost"); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("History(ghost) error = %v", err)
	}
}

// barrierStore holds the first n reads until all n have happened, so
// concurrent callers are guaranteed to plan against the same version.
type barrierStore struct {
	*record.MemoryStore
	mu      sync.Mutex
	waiting int
	wg      sync.WaitGroup
}

func newBarrierStore(inner *record.MemoryStore, n int) *barrierStore {
	b := &barrierStore{MemoryStore: inner, waiting: n}
	b.wg.Add(n)
	return b
}

func (b *barrierStore) Get(ctx context.Context, id string) (*record.Document, error) {
	doc, err := b.MemoryStore.Get(ctx, id)
	b.mu.Lock()
	hold := b.waiting > 0
	if hold {
		b.waiting--
	}
	b.mu.Unlock()
	if hold {
		b.wg.Done()
		b.wg.Wait()
	}
	return doc, err
}

func TestManager_ConcurrentClaimRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		mem := record.NewMemoryStore()
		testutil.AwaitingReview(t, mem, "doc", pipeline.StageReview, "s1")
		h := newHarness(t, newBarrierStore(mem, 2))

		actors := []record.Actor{alice, bob}
		errs := make([]error, len(actors))
		var wg sync.WaitGroup
		for j, a := range actors {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[j] = h.manager.Claim(context.Background(), "doc", a)
			}()
		}
		wg.Wait()

		var winners, losers int
		for _, err := range errs {
			switch {
			case err == nil:
				winners++
			case errors.Is(err, record.ErrAlreadyClaimed):
				losers++
			default:
				t.Fatalf("unexpected claim error: %v", err)
			}
		}
		if winners != 1 || losers != 1 {
			t.Fatalf("winners=%d losers=%d, want exactly one of each", winners, losers)
		}

		doc, _ := mem.Get(context.Background(), "doc")
		if doc.ReviewOwner == nil || len(doc.ReviewHistory) != 1 {
			t.Fatalf("owner=%v events=%d", doc.ReviewOwner, len(doc.ReviewHistory))
		}
		winner := alice
		if errs[0] != nil {
			winner = bob
		}
		if !doc.OwnedBy(winner) || doc.ReviewHistory[0].Actor.ID != winner.ID {
			t.Errorf("owner %v does not match the successful caller %s", doc.ReviewOwner, winner.ID)
		}
	}
}

func TestManager_RandomSequencesKeepInvariants(t *testing.T) {
	sections := []string{"s1", "s2", "s3", "s4"}
	actors := []record.Actor{alice, bob, carol}
	stages := pipeline.NewDefaultRegistry().Names()
	events := []pipeline.StageEvent{pipeline.EventStarted, pipeline.EventCompleted, pipeline.EventFailed}

	for seed := int64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		h := newHarness(t, record.NewMemoryStore())
		ctx := context.Background()
		testutil.AwaitingReview(t, h.store, "doc", pipeline.StageReview, sections...)

		prev := h.get(t, "doc")

		for step := 0; step < 60; step++ {
			actor := actors[rng.Intn(len(actors))]
			section := sections[rng.Intn(len(sections))]
			stage := stages[rng.Intn(len(stages))]
			switch rng.Intn(10) {
			case 0:
				_, _ = h.manager.Claim(ctx, "doc", actor)
			case 1:
				_, _ = h.manager.Release(ctx, "doc", actor)
			case 2, 3:
				_, _ = h.manager.CompleteSection(ctx, "doc", section, actor, json.RawMessage(`{"n":1}`))
			case 4:
				if rng.Intn(4) == 0 {
					_, _ = h.manager.SkipAllSections(ctx, "doc", actor)
				}
			case 5, 6:
				event := events[rng.Intn(len(events))]
				if event == pipeline.EventFailed && rng.Intn(4) != 0 {
					event = pipeline.EventStarted
				}
				_, _ = h.reporter.ReportStage(ctx, "doc", stage, pipeline.StageReport{Event: event})
			case 7:
				_, _ = h.reporter.ReportStage(ctx, "doc", pipeline.StageReview, pipeline.StageReport{
					Event:    pipeline.EventReviewRequired,
					Sections: sections,
				})
			case 8:
				if rng.Intn(3) == 0 {
					_, _ = h.coordinator.Abort(ctx, []string{"doc"}, actor)
				}
			case 9:
				_, _ = h.coordinator.Rerun(ctx, stage, batch.Target{IDs: []string{"doc"}})
			}

			cur := h.get(t, "doc")
			if err := cur.CheckInvariants(); err != nil {
				t.Fatalf("seed %d step %d: %v", seed, step, err)
			}
			if cur.Version < prev.Version || cur.Version > prev.Version+1 {
				t.Fatalf("seed %d step %d: version jumped %d -> %d", seed, step, prev.Version, cur.Version)
			}
			if prev.OverallStatus == record.StatusAwaitingReview &&
				(cur.OverallStatus == record.StatusProcessing || cur.OverallStatus == record.StatusComplete) &&
				cur.HITLStatus != record.HITLCompleted {
				t.Fatalf("seed %d step %d: left review as %s with hitl %s", seed, step, cur.OverallStatus, cur.HITLStatus)
			}
			if len(cur.ReviewHistory) < len(prev.ReviewHistory) {
				t.Fatalf("seed %d step %d: history shrank", seed, step)
			}
			for i, e := range prev.ReviewHistory {
				if cur.ReviewHistory[i].ID != e.ID || cur.ReviewHistory[i].Kind != e.Kind {
					t.Fatalf("seed %d step %d: history entry %d rewritten", seed, step, i)
				}
			}
			// Only a rerun from before review may forget resolved sections.
			wiped := cur.OverallStatus == record.StatusQueued && !cur.HITLTriggered
			for _, id := range sections {
				wasResolved := prev.Sections.Known(id) && !prev.Sections.IsPending(id)
				if wasResolved && cur.Sections.IsPending(id) {
					t.Fatalf("seed %d step %d: section %s re-entered pending", seed, step, id)
				}
				if wasResolved && !cur.Sections.Known(id) && !wiped {
					t.Fatalf("seed %d step %d: resolved section %s dropped", seed, step, id)
				}
			}
			prev = cur
		}
	}
}
