package defra

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingServer answers every mutation with a single _docID and keeps the
// queries it saw, in order.
type recordingServer struct {
	*httptest.Server
	requests atomic.Int32
	mu       sync.Mutex
	queries  []string
}

func newRecordingServer(t *testing.T) *recordingServer {
	t.Helper()
	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.requests.Add(1)
		var req GQLRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		rs.mu.Lock()
		rs.queries = append(rs.queries, req.Query)
		rs.mu.Unlock()

		// mutation { <op>_<Collection>(...
		key := strings.TrimPrefix(req.Query, "mutation { ")
		if i := strings.Index(key, "("); i > 0 {
			key = key[:i]
		}
		json.NewEncoder(w).Encode(GQLResponse{Data: map[string]any{
			key: []any{map[string]any{"_docID": "bae-snap", "_version": []any{map[string]any{"cid": "bafy-snap"}}}},
		}})
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) Queries() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.queries...)
}

func startSink(t *testing.T, url string, batchSize int, interval time.Duration) *Sink {
	t.Helper()
	sink := NewSink(SinkConfig{
		Client:        NewClient(url),
		BatchSize:     batchSize,
		FlushInterval: interval,
	})
	sink.Start(context.Background())
	return sink
}

func TestSink_SendSync(t *testing.T) {
	rs := newRecordingServer(t)
	sink := startSink(t, rs.URL, 10, 10*time.Second)
	defer sink.Stop()

	tests := []struct {
		name string
		op   WriteOp
		want string
	}{
		{"create", WriteOp{Collection: "Baseline", Document: map[string]any{"doc_key": "a"}, Op: OpCreate}, "create_Baseline"},
		{"update", WriteOp{Collection: "Baseline", DocID: "bae-snap", Document: map[string]any{"snapshot": "{}"}, Op: OpUpdate}, "update_Baseline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := sink.SendSync(context.Background(), tt.op)
			if err != nil {
				t.Fatalf("SendSync() error = %v", err)
			}
			if result.DocID != "bae-snap" {
				t.Errorf("DocID = %q, want bae-snap", result.DocID)
			}
			queries := rs.Queries()
			if last := queries[len(queries)-1]; !strings.Contains(last, tt.want) {
				t.Errorf("query %q does not contain %q", last, tt.want)
			}
		})
	}
}

func TestSink_SendSync_ReportsWriteError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors": [{"message": "schema not found"}]}`))
	}))
	defer server.Close()

	sink := startSink(t, server.URL, 10, 10*time.Second)
	defer sink.Stop()

	_, err := sink.SendSync(context.Background(), WriteOp{Collection: "Baseline", Document: map[string]any{}, Op: OpCreate})
	if err == nil || !strings.Contains(err.Error(), "schema not found") {
		t.Errorf("SendSync() error = %v, want schema error", err)
	}
}

func TestSink_PreservesOrder(t *testing.T) {
	rs := newRecordingServer(t)
	sink := startSink(t, rs.URL, 100, 10*time.Second)
	defer sink.Stop()
	ctx := context.Background()

	if _, err := sink.SendSync(ctx, WriteOp{Collection: "Baseline", Document: map[string]any{"doc_key": "a"}, Op: OpCreate}); err != nil {
		t.Fatal(err)
	}
	if _, err := sink.SendSync(ctx, WriteOp{Collection: "Baseline", DocID: "bae-snap", Document: map[string]any{"job_id": "j2"}, Op: OpUpdate}); err != nil {
		t.Fatal(err)
	}

	queries := rs.Queries()
	if len(queries) != 2 {
		t.Fatalf("expected 2 queries, got %d", len(queries))
	}
	for i, prefix := range []string{"mutation { create_", "mutation { update_"} {
		if !strings.HasPrefix(queries[i], prefix) {
			t.Errorf("query %d = %q, want prefix %q", i, queries[i], prefix)
		}
	}
}

func TestSink_ConcurrentSendSync(t *testing.T) {
	rs := newRecordingServer(t)
	sink := startSink(t, rs.URL, 4, 10*time.Second)
	defer sink.Stop()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := sink.SendSync(context.Background(), WriteOp{
				Collection: "Baseline",
				Document:   map[string]any{"n": n},
				Op:         OpCreate,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("SendSync() error = %v", err)
		}
	}
	if got := rs.requests.Load(); got != 10 {
		t.Errorf("expected 10 requests, got %d", got)
	}
}

func TestSink_SendSyncAfterStop(t *testing.T) {
	rs := newRecordingServer(t)
	sink := startSink(t, rs.URL, 10, 10*time.Second)
	sink.Stop()

	_, err := sink.SendSync(context.Background(), WriteOp{Collection: "Baseline", Op: OpCreate})
	if !errors.Is(err, ErrSinkClosed) {
		t.Errorf("SendSync() after Stop error = %v, want ErrSinkClosed", err)
	}
}
