package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/jackzampolin/docflow/internal/api"
	"github.com/jackzampolin/docflow/internal/defra"
	"github.com/jackzampolin/docflow/internal/pipeline"
	"github.com/jackzampolin/docflow/internal/record"
	"github.com/jackzampolin/docflow/internal/server/endpoints"
	"github.com/jackzampolin/docflow/internal/testutil"
)

func statusCode(err error) int {
	var se *api.StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// TestServer_ReviewFlow drives one document from registration through
// review, abort, rerun and baseline copy over HTTP.
func TestServer_ReviewFlow(t *testing.T) {
	exec := pipeline.NewLocalExecutor(testutil.Logger())
	srv, err := New(Config{Settings: newTestConfig(t), Logger: testutil.Logger(), Executor: exec})
	if err != nil {
		t.Fatal(err)
	}
	baseURL := startServer(t, srv)
	ctx := context.Background()

	const key = "inbox/2026/invoice 7.pdf"
	base := api.NewClient(baseURL)
	alice := base.WithActor(record.Actor{ID: "alice", Email: "alice@example.com"})
	bob := base.WithActor(record.Actor{ID: "bob"})
	docPath := "/api/documents/" + url.PathEscape(key)

	var doc record.Document
	if err := base.Post(ctx, "/api/documents", endpoints.RegisterDocumentRequest{ObjectKey: key, BatchID: "b1"}, &doc); err != nil {
		t.Fatalf("register: %v", err)
	}
	if doc.ID != key || doc.OverallStatus != record.StatusQueued {
		t.Fatalf("registered = %+v", doc)
	}

	if err := base.Post(ctx, docPath+"/stages/review", pipeline.StageReport{Event: pipeline.EventStarted}, &doc); err != nil {
		t.Fatalf("report started: %v", err)
	}
	report := pipeline.StageReport{
		Event:    pipeline.EventReviewRequired,
		Sections: []string{"header", "totals"},
		Schemas:  map[string]json.RawMessage{"totals": json.RawMessage(`{"type":"object","required":["amount"]}`)},
	}
	if err := base.Post(ctx, docPath+"/stages/review", report, &doc); err != nil {
		t.Fatalf("report review_required: %v", err)
	}
	if doc.OverallStatus != record.StatusAwaitingReview || doc.HITLStatus != record.HITLPending {
		t.Fatalf("after review_required: %s/%s", doc.OverallStatus, doc.HITLStatus)
	}

	t.Run("claim contention", func(t *testing.T) {
		var lease endpoints.ReviewLeaseResponse
		if err := alice.Post(ctx, docPath+"/review/claim", nil, &lease); err != nil {
			t.Fatalf("alice claim: %v", err)
		}
		if lease.ReviewOwner != "alice" || lease.ReviewOwnerEmail != "alice@example.com" || lease.HITLStatus != record.HITLInReview {
			t.Errorf("lease = %+v", lease)
		}
		err := bob.Post(ctx, docPath+"/review/claim", nil, &lease)
		if statusCode(err) != http.StatusConflict {
			t.Errorf("bob claim = %v, want 409", err)
		}
		err = bob.Post(ctx, docPath+"/review/sections/header", endpoints.CompleteSectionRequest{}, nil)
		if statusCode(err) != http.StatusForbidden {
			t.Errorf("bob complete = %v, want 403", err)
		}
	})

	t.Run("complete sections", func(t *testing.T) {
		var resp endpoints.SectionReviewResponse
		bad := endpoints.CompleteSectionRequest{EditedData: json.RawMessage(`{"currency":"EUR"}`)}
		if err := alice.Post(ctx, docPath+"/review/sections/totals", bad, &resp); statusCode(err) != http.StatusUnprocessableEntity {
			t.Errorf("invalid payload = %v, want 422", err)
		}
		if err := alice.Post(ctx, docPath+"/review/sections/header", endpoints.CompleteSectionRequest{}, &resp); err != nil {
			t.Fatalf("complete header: %v", err)
		}
		if len(resp.SectionsPending) != 1 || resp.SectionsPending[0] != "totals" {
			t.Errorf("pending = %v", resp.SectionsPending)
		}
		good := endpoints.CompleteSectionRequest{EditedData: json.RawMessage(`{"amount":12.5}`)}
		if err := alice.Post(ctx, docPath+"/review/sections/totals", good, &resp); err != nil {
			t.Fatalf("complete totals: %v", err)
		}
		if resp.HITLStatus != record.HITLCompleted || resp.OverallStatus != record.StatusProcessing {
			t.Errorf("after last section: %s/%s", resp.OverallStatus, resp.HITLStatus)
		}
		if got := exec.SignalsFor("resume", key); len(got) != 1 || got[0].Stage != pipeline.StageSummarization {
			t.Errorf("resume signals = %+v", got)
		}
	})

	t.Run("history", func(t *testing.T) {
		var resp endpoints.ReviewHistoryResponse
		if err := base.Get(ctx, docPath+"/review/history", &resp); err != nil {
			t.Fatal(err)
		}
		var kinds []record.EventKind
		for _, ev := range resp.ReviewHistory {
			kinds = append(kinds, ev.Kind)
		}
		want := []record.EventKind{record.EventClaimed, record.EventSectionCompleted, record.EventSectionCompleted}
		if len(kinds) != len(want) {
			t.Fatalf("history = %v, want %v", kinds, want)
		}
		for i := range want {
			if kinds[i] != want[i] {
				t.Errorf("history[%d] = %s, want %s", i, kinds[i], want[i])
			}
		}
	})

	t.Run("abort partial", func(t *testing.T) {
		var resp endpoints.AbortWorkflowResponse
		req := endpoints.AbortWorkflowRequest{ObjectKeys: []string{key, "ghost.pdf"}}
		if err := alice.Post(ctx, "/api/workflows/abort", req, &resp); err != nil {
			t.Fatal(err)
		}
		if resp.AbortedCount != 1 || resp.FailedCount != 1 || len(resp.Errors) != 1 {
			t.Errorf("abort = %+v", resp)
		}
		if len(exec.SignalsFor("cancel", key)) != 1 {
			t.Error("cancel not signalled")
		}
	})

	t.Run("rerun by batch", func(t *testing.T) {
		var resp endpoints.RerunResponse
		req := endpoints.RerunRequest{Step: pipeline.StageOCR}
		req.BatchID = "b1"
		if err := base.Post(ctx, "/api/workflows/rerun", req, &resp); err != nil {
			t.Fatal(err)
		}
		if !resp.Success || len(resp.Documents) != 1 {
			t.Fatalf("rerun = %+v", resp)
		}
		got := resp.Documents[0]
		if got.OverallStatus != record.StatusQueued || got.CurrentStage != pipeline.StageOCR || got.HITLStatus != record.HITLNotRequired {
			t.Errorf("rerun document = %+v", got)
		}

		err := base.Post(ctx, "/api/workflows/rerun", endpoints.RerunRequest{Step: "translate"}, &resp)
		if statusCode(err) != http.StatusBadRequest {
			t.Errorf("unknown step = %v, want 400", err)
		}
	})

	t.Run("baseline copy", func(t *testing.T) {
		var started endpoints.StartBaselineCopyResponse
		if err := base.Post(ctx, docPath+"/baseline", nil, &started); err != nil {
			t.Fatal(err)
		}
		if !started.Success {
			t.Errorf("start = %+v", started)
		}

		deadline := time.Now().Add(5 * time.Second)
		for {
			if err := base.Get(ctx, docPath, &doc); err != nil {
				t.Fatal(err)
			}
			if doc.BaselineState == record.BaselineAvailable {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("baseline state = %s", doc.BaselineState)
			}
			time.Sleep(20 * time.Millisecond)
		}
	})
}

// TestServer_DefraBackend runs the server against a managed DefraDB
// container. Requires Docker.
func TestServer_DefraBackend(t *testing.T) {
	defraCfg := testutil.DefraConfig(t)

	cfg := newTestConfig(t)
	cfg.Store.Backend = "defra"
	cfg.Store.Defra.Manage = true
	cfg.Store.Defra.ContainerName = defraCfg.ContainerName
	cfg.Store.Defra.Port = defraCfg.HostPort

	srv, err := New(Config{Settings: cfg, Logger: testutil.Logger()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		mgr, err := defra.NewDockerManager(defra.DockerConfig{ContainerName: defraCfg.ContainerName})
		if err != nil {
			return
		}
		defer mgr.Close()
		_ = mgr.Remove(context.Background())
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	defer func() {
		cancel()
		if err := testutil.WaitForShutdown(done, 60*time.Second); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	baseURL := "http://" + cfg.ListenAddr()
	if err := testutil.WaitForServer(baseURL, 2*time.Minute); err != nil {
		t.Fatalf("server did not start: %v", err)
	}

	status, err := testutil.GetStatus(baseURL)
	if err != nil {
		t.Fatal(err)
	}
	if status.Store.Backend != "defra" || status.Store.URL == "" {
		t.Errorf("status = %+v", status)
	}

	client := api.NewClient(baseURL)
	var doc record.Document
	if err := client.Post(context.Background(), "/api/documents", endpoints.RegisterDocumentRequest{ObjectKey: "defra/a.pdf"}, &doc); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := client.Get(context.Background(), "/api/documents/"+url.PathEscape("defra/a.pdf"), &doc); err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Version < 1 || doc.OverallStatus != record.StatusQueued {
		t.Errorf("stored document = %+v", doc)
	}
}
