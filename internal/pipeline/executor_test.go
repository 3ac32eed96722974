package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPExecutor_ResumeFrom(t *testing.T) {
	var gotPath, gotStage string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		gotPath = r.URL.EscapedPath()
		var body struct {
			Stage string `json:"stage"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotStage = body.Stage
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	exec := NewHTTPExecutor(HTTPExecutorConfig{URL: server.URL})
	if err := exec.ResumeFrom(context.Background(), "inbox/a b.pdf", StageSummarization); err != nil {
		t.Fatalf("ResumeFrom() error = %v", err)
	}
	if gotPath != "/documents/inbox%2Fa%20b.pdf/resume" {
		t.Errorf("path = %q", gotPath)
	}
	if gotStage != StageSummarization {
		t.Errorf("stage = %q", gotStage)
	}
}

func TestHTTPExecutor_Cancel(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exec := NewHTTPExecutor(HTTPExecutorConfig{URL: server.URL, Token: "s3cret"})
	if err := exec.Cancel(context.Background(), "doc-1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if gotPath != "/documents/doc-1/cancel" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestHTTPExecutor_Retries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantErr   bool
	}{
		{"recovers after 5xx", []int{http.StatusBadGateway, http.StatusOK}, 2, false},
		{"4xx is not retried", []int{http.StatusNotFound}, 1, true},
		{"gives up after max retries", []int{500, 500, 500}, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				w.WriteHeader(tt.statuses[min(int(n)-1, len(tt.statuses)-1)])
			}))
			defer server.Close()

			exec := NewHTTPExecutor(HTTPExecutorConfig{URL: server.URL, MaxRetries: 3, Timeout: time.Second})
			err := exec.Cancel(context.Background(), "doc-1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Cancel() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestLocalExecutor(t *testing.T) {
	exec := NewLocalExecutor(nil)
	ctx := context.Background()

	_ = exec.ResumeFrom(ctx, "a", StageOCR)
	_ = exec.Cancel(ctx, "b")
	_ = exec.ResumeFrom(ctx, "a", StageSummarization)

	if got := len(exec.Signals()); got != 3 {
		t.Fatalf("Signals() = %d, want 3", got)
	}
	resumes := exec.SignalsFor("resume", "a")
	if len(resumes) != 2 || resumes[1].Stage != StageSummarization {
		t.Errorf("SignalsFor(resume, a) = %+v", resumes)
	}

	exec.CancelErr = errors.New("pipeline offline")
	if err := exec.Cancel(ctx, "c"); err == nil {
		t.Error("expected CancelErr")
	}
	if len(exec.SignalsFor("cancel", "c")) != 0 {
		t.Error("failed signal should not be recorded")
	}
}
