package defra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackzampolin/docflow/internal/record"
)

// DocumentCollection is the DefraDB collection holding document records.
const DocumentCollection = "Document"

// timeLayout is fixed width so string order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var documentFields = []string{
	"_docID", "doc_key", "version", "batch_id",
	"overall_status", "current_stage", "failure_reason",
	"hitl_status", "hitl_triggered", "review_owner",
	"sections", "review_history",
	"baseline_state", "baseline_error",
	"created_at", "updated_at",
}

// StoreConfig configures a DefraDB-backed record store.
type StoreConfig struct {
	Client *Client
	Logger *slog.Logger
	Now    func() time.Time // Clock for UpdatedAt (default: time.Now().UTC())
}

// Store implements record.Store on DefraDB.
//
// Compare-and-set is a filtered update on {doc_key, version}: the mutation
// only matches while the stored version equals the caller's, so an empty
// result means another writer won. DefraDB transaction conflicts between
// two such updates are reported as version conflicts as well.
type Store struct {
	client *Client
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a DefraDB record store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{client: cfg.Client, logger: cfg.Logger, now: cfg.Now}
}

var _ record.Store = (*Store)(nil)

func (s *Store) Get(ctx context.Context, id string) (*record.Document, error) {
	doc, _, err := s.get(ctx, id)
	return doc, err
}

func (s *Store) get(ctx context.Context, id string) (*record.Document, string, error) {
	docs, err := NewQuery(DocumentCollection).
		Filter("doc_key", id).
		Fields(documentFields...).
		Docs(ctx, s.client)
	if err != nil {
		return nil, "", err
	}
	if len(docs) == 0 {
		return nil, "", fmt.Errorf("%w: %s", record.ErrNotFound, id)
	}
	if len(docs) > 1 {
		s.logger.Warn("duplicate document records", "document_id", id, "count", len(docs))
	}

	doc, err := decodeDocument(docs[0])
	if err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", id, err)
	}
	docID, _ := docs[0]["_docID"].(string)
	return doc, docID, nil
}

func (s *Store) Update(ctx context.Context, id string, version int64, fn record.Mutator) (*record.Document, error) {
	current, _, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != version {
		return nil, fmt.Errorf("%w: %s at version %d, caller read %d", record.ErrVersionConflict, id, current.Version, version)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.Version = version + 1
	next.UpdatedAt = s.now()

	input, err := encodeDocument(next)
	if err != nil {
		return nil, err
	}

	updated, err := s.client.UpdateWhere(ctx, DocumentCollection,
		map[string]any{"doc_key": id, "version": version},
		input, "_docID", "version")
	if err != nil {
		if errors.Is(err, ErrTxnConflict) {
			return nil, fmt.Errorf("%w: %s: %w", record.ErrVersionConflict, id, err)
		}
		return nil, err
	}
	if len(updated) == 0 {
		// Nothing matched: either the record moved on or it is gone.
		if _, _, err := s.get(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s moved past version %d", record.ErrVersionConflict, id, version)
	}
	return next, nil
}

func (s *Store) Create(ctx context.Context, doc *record.Document) (*record.Document, error) {
	if doc == nil || doc.ID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	if _, _, err := s.get(ctx, doc.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", record.ErrAlreadyExists, doc.ID)
	} else if !errors.Is(err, record.ErrNotFound) {
		return nil, err
	}

	stored := doc.Clone()
	stored.Version = 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.UpdatedAt = stored.CreatedAt

	input, err := encodeDocument(stored)
	if err != nil {
		return nil, err
	}
	if _, err := s.client.Create(ctx, DocumentCollection, input); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", record.ErrAlreadyExists, doc.ID)
		}
		return nil, err
	}
	return stored, nil
}

func (s *Store) List(ctx context.Context, filter record.ListFilter) ([]*record.Document, error) {
	q := NewQuery(DocumentCollection).Fields(documentFields...).OrderBy("created_at", "ASC")
	if filter.BatchID != "" {
		q.Filter("batch_id", filter.BatchID)
	}
	if filter.Status != "" {
		q.Filter("overall_status", string(filter.Status))
	}
	if filter.Limit > 0 {
		q.Limit(filter.Limit)
	}

	docs, err := q.Docs(ctx, s.client)
	if err != nil {
		return nil, err
	}

	results := make([]*record.Document, 0, len(docs))
	for _, raw := range docs {
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %v: %w", raw["doc_key"], err)
		}
		results = append(results, doc)
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

// encodeDocument flattens a record into collection fields. Nested values
// are stored as JSON text.
func encodeDocument(doc *record.Document) (map[string]any, error) {
	owner := ""
	if doc.ReviewOwner != nil {
		b, err := json.Marshal(doc.ReviewOwner)
		if err != nil {
			return nil, fmt.Errorf("encode review owner: %w", err)
		}
		owner = string(b)
	}
	sections, err := json.Marshal(doc.Sections)
	if err != nil {
		return nil, fmt.Errorf("encode sections: %w", err)
	}
	history := doc.ReviewHistory
	if history == nil {
		history = []record.ReviewEvent{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("encode review history: %w", err)
	}

	return map[string]any{
		"doc_key":        doc.ID,
		"version":        doc.Version,
		"batch_id":       doc.BatchID,
		"overall_status": string(doc.OverallStatus),
		"current_stage":  doc.CurrentStage,
		"failure_reason": doc.FailureReason,
		"hitl_status":    string(doc.HITLStatus),
		"hitl_triggered": doc.HITLTriggered,
		"review_owner":   owner,
		"sections":       string(sections),
		"review_history": string(historyJSON),
		"baseline_state": string(doc.BaselineState),
		"baseline_error": doc.BaselineError,
		"created_at":     doc.CreatedAt.UTC().Format(timeLayout),
		"updated_at":     doc.UpdatedAt.UTC().Format(timeLayout),
	}, nil
}

func decodeDocument(raw map[string]any) (*record.Document, error) {
	str := func(key string) string {
		v, _ := raw[key].(string)
		return v
	}

	doc := &record.Document{
		ID:            str("doc_key"),
		BatchID:       str("batch_id"),
		OverallStatus: record.OverallStatus(str("overall_status")),
		CurrentStage:  str("current_stage"),
		FailureReason: str("failure_reason"),
		HITLStatus:    record.HITLStatus(str("hitl_status")),
		BaselineState: record.BaselineState(str("baseline_state")),
		BaselineError: str("baseline_error"),
		Sections:      record.NewSections(),
	}

	switch v := raw["version"].(type) {
	case float64:
		doc.Version = int64(v)
	case int64:
		doc.Version = v
	case int:
		doc.Version = int64(v)
	}
	doc.HITLTriggered, _ = raw["hitl_triggered"].(bool)

	if owner := str("review_owner"); owner != "" {
		var a record.Actor
		if err := json.Unmarshal([]byte(owner), &a); err != nil {
			return nil, fmt.Errorf("review_owner: %w", err)
		}
		doc.ReviewOwner = &a
	}
	if sections := str("sections"); sections != "" {
		if err := json.Unmarshal([]byte(sections), &doc.Sections); err != nil {
			return nil, fmt.Errorf("sections: %w", err)
		}
		doc.Sections = doc.Sections.Clone() // normalizes nil slices and maps
	}
	if history := str("review_history"); history != "" {
		if err := json.Unmarshal([]byte(history), &doc.ReviewHistory); err != nil {
			return nil, fmt.Errorf("review_history: %w", err)
		}
	}

	var err error
	if doc.CreatedAt, err = parseTime(str("created_at")); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if doc.UpdatedAt, err = parseTime(str("updated_at")); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	return doc, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
