package baseline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackzampolin/docflow/internal/defra"
)

// Copy is a stored baseline snapshot.
type Copy struct {
	JobID    string
	Snapshot json.RawMessage
	CopiedAt time.Time
}

// MemoryDuplicator keeps baselines in process memory.
type MemoryDuplicator struct {
	mu     sync.Mutex
	copies map[string]Copy

	// Err, when set, fails every copy. Block, when set, is waited on first.
	Err   error
	Block chan struct{}
}

// NewMemoryDuplicator creates an empty MemoryDuplicator.
func NewMemoryDuplicator() *MemoryDuplicator {
	return &MemoryDuplicator{copies: make(map[string]Copy)}
}

func (m *MemoryDuplicator) Copy(ctx context.Context, job Job) error {
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.Err != nil {
		return m.Err
	}
	snap, err := json.Marshal(job.Snapshot)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.copies[job.DocumentID] = Copy{JobID: job.ID, Snapshot: snap, CopiedAt: time.Now().UTC()}
	return nil
}

// Get returns the baseline stored for a document.
func (m *MemoryDuplicator) Get(documentID string) (Copy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.copies[documentID]
	return c, ok
}

// BaselineCollection is the DefraDB collection holding baseline snapshots.
const BaselineCollection = "Baseline"

// DefraDuplicator writes baselines into DefraDB through the write sink,
// one Baseline document per source document.
type DefraDuplicator struct {
	sink *defra.Sink
}

// NewDefraDuplicator creates a DefraDuplicator. The sink must be started.
func NewDefraDuplicator(sink *defra.Sink) *DefraDuplicator {
	return &DefraDuplicator{sink: sink}
}

func (d *DefraDuplicator) Copy(ctx context.Context, job Job) error {
	snap, err := json.Marshal(job.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	input := map[string]any{
		"doc_key":   job.DocumentID,
		"job_id":    job.ID,
		"snapshot":  string(snap),
		"copied_at": time.Now().UTC().Format(time.RFC3339Nano),
	}

	existing, err := defra.NewQuery(BaselineCollection).
		Filter("doc_key", job.DocumentID).
		Fields("_docID").
		Limit(1).
		Docs(ctx, d.sink.Client())
	if err != nil {
		return fmt.Errorf("look up baseline for %s: %w", job.DocumentID, err)
	}

	op := defra.WriteOp{Collection: BaselineCollection, Document: input, Op: defra.OpCreate}
	if len(existing) > 0 {
		docID, _ := existing[0]["_docID"].(string)
		delete(input, "doc_key")
		op = defra.WriteOp{Collection: BaselineCollection, Document: input, DocID: docID, Op: defra.OpUpdate}
	}

	if _, err := d.sink.SendSync(ctx, op); err != nil {
		return fmt.Errorf("write baseline for %s: %w", job.DocumentID, err)
	}
	return nil
}
