package defra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/docflow/internal/record"
)

// fakeDefra serves the subset of DefraDB's GraphQL API the record store uses:
// variable-filtered Document queries, create_Document, and filtered
// update_Document with equality matching.
type fakeDefra struct {
	*httptest.Server

	mu   sync.Mutex
	docs map[string]map[string]any // doc_key -> fields
	seq  int

	// bumpBeforeUpdate makes the next N updates lose their compare-and-set,
	// as if another writer committed between read and write.
	bumpBeforeUpdate atomic.Int32
	// conflictNext fails the next N updates with a transaction conflict.
	conflictNext atomic.Int32
}

var (
	eqVarPattern = regexp.MustCompile(`(\w+): \{_eq: \$(v\d+)\}`)
	limitPattern = regexp.MustCompile(`limit: (\d+)`)
)

func newFakeDefra(t *testing.T) *fakeDefra {
	t.Helper()
	f := &fakeDefra{docs: map[string]map[string]any{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/health-check", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v0/graphql", f.graphql)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeDefra) graphql(w http.ResponseWriter, r *http.Request) {
	var req GQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp GQLResponse
	var err error
	switch q := req.Query; {
	case strings.HasPrefix(q, "mutation { create_Document("):
		resp, err = f.create(q)
	case strings.HasPrefix(q, "mutation { update_Document("):
		resp, err = f.update(q)
	default:
		resp, err = f.query(q, req.Variables)
	}
	if err != nil {
		resp = GQLResponse{Errors: []GQLError{{Message: err.Error()}}}
	}
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeDefra) create(q string) (GQLResponse, error) {
	v, _, err := parseLiteral(q, len("mutation { create_Document(input: "))
	if err != nil {
		return GQLResponse{}, err
	}
	input := v.(map[string]any)
	key, _ := input["doc_key"].(string)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[key]; ok {
		return GQLResponse{}, errors.New("can not index a doc's field(s) that violates unique index")
	}
	f.seq++
	input["_docID"] = fmt.Sprintf("bae-%04d", f.seq)
	f.docs[key] = input
	return GQLResponse{Data: map[string]any{
		"create_Document": []any{map[string]any{"_docID": input["_docID"]}},
	}}, nil
}

func (f *fakeDefra) update(q string) (GQLResponse, error) {
	if f.conflictNext.Load() > 0 {
		f.conflictNext.Add(-1)
		return GQLResponse{}, errors.New("transaction conflict. Please retry")
	}

	v, pos, err := parseLiteral(q, len("mutation { update_Document(filter: "))
	if err != nil {
		return GQLResponse{}, err
	}
	filter := v.(map[string]any)
	if !strings.HasPrefix(q[pos:], ", input: ") {
		return GQLResponse{}, fmt.Errorf("malformed update at %d", pos)
	}
	v, _, err = parseLiteral(q, pos+len(", input: "))
	if err != nil {
		return GQLResponse{}, err
	}
	input := v.(map[string]any)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.bumpBeforeUpdate.Load() > 0 {
		f.bumpBeforeUpdate.Add(-1)
		for _, doc := range f.docs {
			if matches(doc, filter) {
				doc["version"] = doc["version"].(float64) + 1
			}
		}
	}

	var updated []any
	for _, doc := range f.docs {
		if !matches(doc, filter) {
			continue
		}
		for k, val := range input {
			doc[k] = val
		}
		updated = append(updated, map[string]any{"_docID": doc["_docID"], "version": doc["version"]})
	}
	return GQLResponse{Data: map[string]any{"update_Document": updated}}, nil
}

func (f *fakeDefra) query(q string, vars map[string]any) (GQLResponse, error) {
	filter := map[string]any{}
	for _, m := range eqVarPattern.FindAllStringSubmatch(q, -1) {
		filter[m[1]] = map[string]any{"_eq": vars[m[2]]}
	}

	f.mu.Lock()
	var docs []map[string]any
	for _, doc := range f.docs {
		if matches(doc, filter) {
			copied := make(map[string]any, len(doc))
			for k, v := range doc {
				copied[k] = v
			}
			docs = append(docs, copied)
		}
	}
	f.mu.Unlock()

	sort.Slice(docs, func(i, j int) bool {
		return docs[i]["created_at"].(string) < docs[j]["created_at"].(string)
	})
	if m := limitPattern.FindStringSubmatch(q); m != nil {
		if n, _ := strconv.Atoi(m[1]); n < len(docs) {
			docs = docs[:n]
		}
	}

	out := make([]any, len(docs))
	for i, d := range docs {
		out[i] = d
	}
	return GQLResponse{Data: map[string]any{"Document": out}}, nil
}

func (f *fakeDefra) version(key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, _ := f.docs[key]["version"].(float64)
	return int64(v)
}

func matches(doc, filter map[string]any) bool {
	for field, cond := range filter {
		want := cond.(map[string]any)["_eq"]
		got := doc[field]
		if gf, ok := got.(float64); ok {
			if wf, ok := toFloat(want); !ok || gf != wf {
				return false
			}
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// parseLiteral reads one GraphQL input value starting at pos and returns it
// with the position just past it. Strings use JSON escaping.
func parseLiteral(s string, pos int) (any, int, error) {
	skip := func() {
		for pos < len(s) && s[pos] == ' ' {
			pos++
		}
	}
	skip()
	if pos >= len(s) {
		return nil, pos, errors.New("unexpected end of literal")
	}

	switch s[pos] {
	case '{':
		obj := map[string]any{}
		pos++
		for {
			skip()
			if s[pos] == '}' {
				return obj, pos + 1, nil
			}
			colon := strings.IndexByte(s[pos:], ':')
			if colon < 0 {
				return nil, pos, errors.New("missing colon")
			}
			key := strings.TrimSpace(s[pos : pos+colon])
			val, next, err := parseLiteral(s, pos+colon+1)
			if err != nil {
				return nil, next, err
			}
			obj[key] = val
			pos = next
			skip()
			if s[pos] == ',' {
				pos++
			}
		}
	case '[':
		var list []any
		pos++
		for {
			skip()
			if s[pos] == ']' {
				return list, pos + 1, nil
			}
			val, next, err := parseLiteral(s, pos)
			if err != nil {
				return nil, next, err
			}
			list = append(list, val)
			pos = next
			skip()
			if s[pos] == ',' {
				pos++
			}
		}
	case '"':
		end := pos + 1
		for end < len(s) && s[end] != '"' {
			if s[end] == '\\' {
				end++
			}
			end++
		}
		var str string
		if err := json.Unmarshal([]byte(s[pos:end+1]), &str); err != nil {
			return nil, end, err
		}
		return str, end + 1, nil
	default:
		end := pos
		for end < len(s) && !strings.ContainsRune(",}] ", rune(s[end])) {
			end++
		}
		var v any
		if err := json.Unmarshal([]byte(s[pos:end]), &v); err != nil {
			return nil, end, fmt.Errorf("literal %q: %w", s[pos:end], err)
		}
		return v, end, nil
	}
}

func newTestStore(t *testing.T) (*Store, *fakeDefra) {
	t.Helper()
	fake := newFakeDefra(t)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	store := NewStore(StoreConfig{
		Client: NewClient(fake.URL),
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
	})
	return store, fake
}

func createDoc(t *testing.T, s *Store, id, batch string) *record.Document {
	t.Helper()
	doc, err := s.Create(context.Background(), record.New(id, batch, time.Time{}))
	if err != nil {
		t.Fatalf("Create(%s) error = %v", id, err)
	}
	return doc
}

func TestStore_CreateAndGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created := createDoc(t, store, "inbox/invoice-7.pdf", "batch-1")
	if created.Version != 1 {
		t.Fatalf("created version = %d, want 1", created.Version)
	}

	got, err := store.Get(ctx, "inbox/invoice-7.pdf")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != created.ID || got.BatchID != "batch-1" || got.Version != 1 {
		t.Errorf("Get() = %+v", got)
	}
	if got.OverallStatus != record.StatusQueued || got.HITLStatus != record.HITLNotRequired {
		t.Errorf("statuses = %s/%s", got.OverallStatus, got.HITLStatus)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created.CreatedAt)
	}
}

func TestStore_NestedFieldsSurvive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	createDoc(t, store, "doc-1", "")

	owner := record.Actor{ID: "op-1", Email: "op@example.com"}
	at := time.Date(2026, 3, 1, 13, 0, 0, 123456789, time.UTC)
	_, err := store.Update(ctx, "doc-1", 1, func(d *record.Document) error {
		d.OverallStatus = record.StatusAwaitingReview
		d.HITLStatus = record.HITLInReview
		d.HITLTriggered = true
		d.ReviewOwner = &owner
		if err := d.Sections.Open([]string{"header", "totals"}, map[string]json.RawMessage{
			"totals": json.RawMessage(`{"type":"object"}`),
		}); err != nil {
			return err
		}
		if err := d.Sections.Complete("header", json.RawMessage(`{"vendor":"Acme, Inc: West"}`), owner.ID, at); err != nil {
			return err
		}
		d.AppendEvent(record.EventClaimed, owner, "", at)
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := store.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.OwnedBy(owner) || got.ReviewOwner.Email != owner.Email {
		t.Errorf("ReviewOwner = %+v", got.ReviewOwner)
	}
	if len(got.Sections.Pending) != 1 || got.Sections.Pending[0] != "totals" {
		t.Errorf("Pending = %v", got.Sections.Pending)
	}
	completed, ok := got.Sections.Completed["header"]
	if !ok || string(completed.Payload) != `{"vendor":"Acme, Inc: West"}` || !completed.CompletedAt.Equal(at) {
		t.Errorf("Completed[header] = %+v", completed)
	}
	if string(got.Sections.Schemas["totals"]) != `{"type":"object"}` {
		t.Errorf("Schemas = %v", got.Sections.Schemas)
	}
	if len(got.ReviewHistory) != 1 || got.ReviewHistory[0].Kind != record.EventClaimed {
		t.Errorf("ReviewHistory = %+v", got.ReviewHistory)
	}
	if err := got.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants() = %v", err)
	}
}

func TestStore_CreateDuplicate(t *testing.T) {
	store, _ := newTestStore(t)
	createDoc(t, store, "doc-1", "")

	_, err := store.Create(context.Background(), record.New("doc-1", "", time.Time{}))
	if !errors.Is(err, record.ErrAlreadyExists) {
		t.Errorf("Create() duplicate error = %v, want ErrAlreadyExists", err)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	_, err := store.Update(context.Background(), "missing", 1, func(*record.Document) error { return nil })
	if !errors.Is(err, record.ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestStore_UpdateIncrementsVersion(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()
	createDoc(t, store, "doc-1", "")

	for want := int64(2); want <= 4; want++ {
		doc, err := store.Update(ctx, "doc-1", want-1, func(d *record.Document) error {
			d.CurrentStage = fmt.Sprintf("stage-%d", want)
			return nil
		})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if doc.Version != want || fake.version("doc-1") != want {
			t.Errorf("version = %d (stored %d), want %d", doc.Version, fake.version("doc-1"), want)
		}
	}
}

func TestStore_StaleVersionSkipsMutator(t *testing.T) {
	store, fake := newTestStore(t)
	createDoc(t, store, "doc-1", "")

	called := false
	_, err := store.Update(context.Background(), "doc-1", 7, func(d *record.Document) error {
		called = true
		return nil
	})
	if !errors.Is(err, record.ErrVersionConflict) {
		t.Errorf("Update() error = %v, want ErrVersionConflict", err)
	}
	if called {
		t.Error("mutator ran against a stale version")
	}
	if fake.version("doc-1") != 1 {
		t.Errorf("stored version = %d, want 1", fake.version("doc-1"))
	}
}

func TestStore_LostCompareAndSet(t *testing.T) {
	store, fake := newTestStore(t)
	createDoc(t, store, "doc-1", "")
	fake.bumpBeforeUpdate.Store(1)

	_, err := store.Update(context.Background(), "doc-1", 1, func(d *record.Document) error {
		d.CurrentStage = "ocr"
		return nil
	})
	if !errors.Is(err, record.ErrVersionConflict) {
		t.Errorf("Update() error = %v, want ErrVersionConflict", err)
	}
}

func TestStore_TransactionConflict(t *testing.T) {
	store, fake := newTestStore(t)
	createDoc(t, store, "doc-1", "")
	fake.conflictNext.Store(1)

	_, err := store.Update(context.Background(), "doc-1", 1, func(d *record.Document) error { return nil })
	if !errors.Is(err, record.ErrVersionConflict) {
		t.Errorf("Update() error = %v, want ErrVersionConflict", err)
	}
}

func TestStore_List(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	createDoc(t, store, "a", "b1")
	createDoc(t, store, "b", "b2")
	createDoc(t, store, "c", "b1")

	tests := []struct {
		name   string
		filter record.ListFilter
		want   []string
	}{
		{"all", record.ListFilter{}, []string{"a", "b", "c"}},
		{"by batch", record.ListFilter{BatchID: "b1"}, []string{"a", "c"}},
		{"limit", record.ListFilter{Limit: 2}, []string{"a", "b"}},
		{"by status", record.ListFilter{Status: record.StatusFailed}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := store.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			var ids []string
			for _, d := range docs {
				ids = append(ids, d.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Errorf("List() = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestStore_CommitterRecoversFromLostRace(t *testing.T) {
	store, fake := newTestStore(t)
	createDoc(t, store, "doc-1", "")
	fake.bumpBeforeUpdate.Store(1)
	fake.conflictNext.Store(1)

	committer := record.NewCommitter(record.CommitterConfig{
		Store:  store,
		Policy: record.Policy{Attempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	})
	plans := 0
	doc, err := committer.Apply(context.Background(), "doc-1", "start", record.ErrOperationFailed,
		func(d *record.Document) (record.Mutator, error) {
			plans++
			return func(d *record.Document) error {
				d.OverallStatus = record.StatusProcessing
				return nil
			}, nil
		})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if plans != 3 {
		t.Errorf("plan ran %d times, want 3", plans)
	}
	// Created at 1, bumped once by the simulated writer, then committed.
	if doc.Version != 3 || doc.OverallStatus != record.StatusProcessing {
		t.Errorf("Apply() = version %d status %s", doc.Version, doc.OverallStatus)
	}
}

func TestStore_Ping(t *testing.T) {
	store, fake := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	fake.Close()
	if err := store.Ping(context.Background()); !errors.Is(err, ErrUnhealthy) {
		t.Errorf("Ping() after close error = %v, want ErrUnhealthy", err)
	}
}
