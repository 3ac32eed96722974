package schema

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jackzampolin/docflow/internal/defra"
)

func TestAll(t *testing.T) {
	schemas, err := All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(schemas) != 2 {
		t.Fatalf("expected 2 schemas, got %d", len(schemas))
	}
	if schemas[0].Name != "Document" || schemas[1].Name != "Baseline" {
		t.Errorf("unexpected order: %s, %s", schemas[0].Name, schemas[1].Name)
	}
	for _, s := range schemas {
		if !strings.Contains(s.SDL, "type "+s.Name+" {") {
			t.Errorf("%s SDL missing type declaration", s.Name)
		}
		if !strings.Contains(s.SDL, "doc_key: String @index(unique: true)") {
			t.Errorf("%s SDL missing unique doc_key", s.Name)
		}
	}
}

func TestGet(t *testing.T) {
	s, err := Get("Document")
	if err != nil {
		t.Fatalf("Get(Document) error = %v", err)
	}
	for _, field := range []string{"version: Int", "hitl_triggered: Boolean", "review_history: String"} {
		if !strings.Contains(s.SDL, field) {
			t.Errorf("Document SDL missing %q", field)
		}
	}

	if _, err := Get("NonExistent"); err == nil {
		t.Error("expected error for non-existent schema")
	}
}

func TestInitialize(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{"success", http.StatusOK, "", false},
		{"already exists", http.StatusBadRequest, "collection already exists. Name: Document", false},
		{"syntax error", http.StatusBadRequest, "invalid schema syntax", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			var applied []string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/v0/schema" {
					t.Errorf("unexpected path: %s", r.URL.Path)
				}
				body, _ := io.ReadAll(r.Body)
				mu.Lock()
				applied = append(applied, string(body))
				mu.Unlock()
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := Initialize(context.Background(), defra.NewClient(server.URL), slog.Default())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Initialize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(applied) != 2 {
				t.Errorf("applied %d schemas, want 2", len(applied))
			}
			if tt.wantErr && len(applied) != 1 {
				t.Errorf("should stop at first failure, applied %d", len(applied))
			}
		})
	}
}

func TestIsAlreadyExistsError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"collection exists", errors.New("collection already exists. Name: Document"), true},
		{"schema exists", errors.New("schema already exists"), true},
		{"other error", errors.New("invalid syntax"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isAlreadyExistsError(tt.err); got != tt.want {
				t.Errorf("isAlreadyExistsError() = %v, want %v", got, tt.want)
			}
		})
	}
}
