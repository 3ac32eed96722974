package record

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. It backs single-node
// deployments and unit tests. Stored records are never handed out directly;
// every read and every mutator works on a clone.
//
// Error injection is supported for testing error handling paths.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
	now  func() time.Time

	// updates counts committed updates for test assertions
	updates int

	// --- Error injection fields for testing ---

	// GetErr is returned by Get when non-nil
	GetErr error

	// UpdateErr is returned by Update when non-nil
	UpdateErr error

	// PingErr is returned by Ping when non-nil
	PingErr error

	// ErrOnID causes Get and Update for specific ids to fail
	ErrOnID map[string]error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]*Document),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source used for UpdatedAt.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.GetErr != nil {
		return nil, m.GetErr
	}
	if err, ok := m.ErrOnID[id]; ok {
		return nil, err
	}

	doc, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return doc.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, version int64, fn Mutator) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UpdateErr != nil {
		return nil, m.UpdateErr
	}
	if err, ok := m.ErrOnID[id]; ok {
		return nil, err
	}

	current, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if current.Version != version {
		return nil, fmt.Errorf("%w: %s at version %d, caller read %d", ErrVersionConflict, id, current.Version, version)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	// Identity and version are owned by the store.
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = m.now()

	m.docs[id] = next
	m.updates++
	return next.Clone(), nil
}

func (m *MemoryStore) Create(ctx context.Context, doc *Document) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if doc == nil || doc.ID == "" {
		return nil, fmt.Errorf("document id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.docs[doc.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, doc.ID)
	}

	stored := doc.Clone()
	stored.Version = 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	stored.UpdatedAt = stored.CreatedAt
	m.docs[doc.ID] = stored
	return stored.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Document
	for _, doc := range m.docs {
		if filter.Matches(doc) {
			results = append(results, doc.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PingErr
}

// Updates returns the number of committed updates.
func (m *MemoryStore) Updates() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updates
}
