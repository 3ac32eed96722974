package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackzampolin/docflow/internal/identity"
	"github.com/jackzampolin/docflow/internal/record"
)

func TestClient_SendsActorHeaders(t *testing.T) {
	var gotActor, gotEmail, gotType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor = r.Header.Get(identity.HeaderActor)
		gotEmail = r.Header.Get(identity.HeaderActorEmail)
		gotType = r.Header.Get("Content-Type")
		_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
	}))
	defer server.Close()

	client := NewClient(server.URL).WithActor(record.Actor{ID: "alice", Email: "alice@example.com"})
	var resp map[string]bool
	if err := client.Post(context.Background(), "/api/documents/a/review/claim", struct{}{}, &resp); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if gotActor != "alice" || gotEmail != "alice@example.com" {
		t.Errorf("headers = %q %q", gotActor, gotEmail)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q", gotType)
	}
	if !resp["success"] {
		t.Errorf("response = %v", resp)
	}
}

func TestClient_GlobalActor(t *testing.T) {
	SetActor("bob", "")
	t.Cleanup(func() { SetActor("", "") })

	var gotActor string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor = r.Header.Get(identity.HeaderActor)
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	if err := NewClient(server.URL).Get(context.Background(), "/health", nil); err != nil {
		t.Fatal(err)
	}
	if gotActor != "bob" {
		t.Errorf("actor header = %q, want bob", gotActor)
	}
}

func TestClient_ErrorResponses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"json error", http.StatusConflict, `{"error":"review already claimed"}`, "review already claimed"},
		{"plain body", http.StatusBadGateway, "upstream down", "upstream down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := NewClient(server.URL).Get(context.Background(), "/x", nil)
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("error = %v, want *StatusError", err)
			}
			if se.Code != tt.status || se.Message != tt.wantMsg {
				t.Errorf("got %d %q", se.Code, se.Message)
			}
		})
	}
}
