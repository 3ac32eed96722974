package batch

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jackzampolin/docflow/internal/record"
)

// Result aggregates the per-document outcomes of one batch call.
// Every target lands in exactly one of Succeeded or Failed.
type Result struct {
	TargetIDs []string
	Succeeded []string
	Failed    map[string]error

	// Documents holds the committed post-state of every succeeded target.
	Documents map[string]*record.Document
}

func newResult(ids []string) *Result {
	return &Result{
		TargetIDs: ids,
		Succeeded: []string{},
		Failed:    make(map[string]error),
		Documents: make(map[string]*record.Document),
	}
}

// OK reports whether every target succeeded.
func (r *Result) OK() bool {
	return len(r.Failed) == 0
}

// FailedIDs returns failed targets in target order.
func (r *Result) FailedIDs() []string {
	out := make([]string, 0, len(r.Failed))
	for _, id := range r.TargetIDs {
		if _, ok := r.Failed[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Errors renders item failures as "<id>: <error>" in target order.
func (r *Result) Errors() []string {
	out := make([]string, 0, len(r.Failed))
	for _, id := range r.FailedIDs() {
		out = append(out, fmt.Sprintf("%s: %v", id, r.Failed[id]))
	}
	return out
}

// Message summarizes the result, e.g. "Aborted 1 of 2 documents".
func (r *Result) Message(verb string) string {
	return fmt.Sprintf("%s %d of %d documents", verb, len(r.Succeeded), len(r.TargetIDs))
}

// sortSucceeded puts Succeeded back in target order after concurrent appends.
func (r *Result) sortSucceeded() {
	pos := make(map[string]int, len(r.TargetIDs))
	for i, id := range r.TargetIDs {
		pos[id] = i
	}
	sort.Slice(r.Succeeded, func(i, j int) bool {
		return pos[r.Succeeded[i]] < pos[r.Succeeded[j]]
	})
}

func (r *Result) MarshalJSON() ([]byte, error) {
	failed := make(map[string]string, len(r.Failed))
	for id, err := range r.Failed {
		failed[id] = err.Error()
	}
	return json.Marshal(struct {
		TargetIDs []string                    `json:"target_ids"`
		Succeeded []string                    `json:"succeeded"`
		Failed    map[string]string           `json:"failed"`
		Documents map[string]*record.Document `json:"documents,omitempty"`
	}{r.TargetIDs, r.Succeeded, failed, r.Documents})
}
