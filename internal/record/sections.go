package record

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// CompletedSection is the operator's edited result for one section.
type CompletedSection struct {
	Payload     json.RawMessage `json:"payload"`
	CompletedAt time.Time       `json:"completed_at"`
	CompletedBy string          `json:"completed_by,omitempty"`
}

// Sections partitions a document's reviewable sections.
// Pending and Skipped keep insertion order so snapshots are stable.
type Sections struct {
	Pending   []string                    `json:"pending"`
	Completed map[string]CompletedSection `json:"completed"`
	Skipped   []string                    `json:"skipped"`

	// Schemas optionally holds a JSON Schema per section id that edited
	// payloads must satisfy.
	Schemas map[string]json.RawMessage `json:"schemas,omitempty"`
}

// NewSections returns an empty tracker.
func NewSections() Sections {
	return Sections{
		Pending:   []string{},
		Completed: map[string]CompletedSection{},
		Skipped:   []string{},
	}
}

// IsPending reports whether id still awaits review.
func (s Sections) IsPending(id string) bool {
	return slices.Contains(s.Pending, id)
}

// Known reports whether id is tracked in any partition.
func (s Sections) Known(id string) bool {
	if s.IsPending(id) || slices.Contains(s.Skipped, id) {
		return true
	}
	_, ok := s.Completed[id]
	return ok
}

// Open adds new section ids to pending. Ids already tracked are rejected so a
// resolved section can never re-enter pending.
func (s *Sections) Open(ids []string, schemas map[string]json.RawMessage) error {
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%w: empty section id", ErrUnknownSection)
		}
		if s.Known(id) {
			return fmt.Errorf("section %q already tracked", id)
		}
		s.Pending = append(s.Pending, id)
		if schema, ok := schemas[id]; ok && len(schema) > 0 {
			if s.Schemas == nil {
				s.Schemas = map[string]json.RawMessage{}
			}
			s.Schemas[id] = schema
		}
	}
	return nil
}

// Complete moves id from pending to completed.
func (s *Sections) Complete(id string, payload json.RawMessage, by string, at time.Time) error {
	idx := slices.Index(s.Pending, id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSection, id)
	}
	s.Pending = slices.Delete(s.Pending, idx, idx+1)
	if s.Completed == nil {
		s.Completed = map[string]CompletedSection{}
	}
	s.Completed[id] = CompletedSection{
		Payload:     slices.Clone(payload),
		CompletedAt: at,
		CompletedBy: by,
	}
	return nil
}

// SkipRemaining moves every pending id to skipped and returns them.
func (s *Sections) SkipRemaining() []string {
	moved := s.Pending
	s.Skipped = append(s.Skipped, moved...)
	s.Pending = []string{}
	return moved
}

// Reset forgets every section. Only a rerun from before the review stage uses it.
func (s *Sections) Reset() {
	*s = NewSections()
}

// CheckDisjoint verifies no id appears in more than one partition.
func (s Sections) CheckDisjoint() error {
	seen := make(map[string]string, len(s.Pending)+len(s.Completed)+len(s.Skipped))
	mark := func(id, where string) error {
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("section %q is both %s and %s", id, prev, where)
		}
		seen[id] = where
		return nil
	}
	for _, id := range s.Pending {
		if err := mark(id, "pending"); err != nil {
			return err
		}
	}
	for id := range s.Completed {
		if err := mark(id, "completed"); err != nil {
			return err
		}
	}
	for _, id := range s.Skipped {
		if err := mark(id, "skipped"); err != nil {
			return err
		}
	}
	return nil
}

// CompletedIDs returns completed section ids in sorted order.
func (s Sections) CompletedIDs() []string {
	ids := make([]string, 0, len(s.Completed))
	for id := range s.Completed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Clone deep-copies the tracker.
func (s Sections) Clone() Sections {
	c := Sections{
		Pending:   slices.Clone(s.Pending),
		Skipped:   slices.Clone(s.Skipped),
		Completed: make(map[string]CompletedSection, len(s.Completed)),
	}
	if c.Pending == nil {
		c.Pending = []string{}
	}
	if c.Skipped == nil {
		c.Skipped = []string{}
	}
	for id, cs := range s.Completed {
		cs.Payload = slices.Clone(cs.Payload)
		c.Completed[id] = cs
	}
	if s.Schemas != nil {
		c.Schemas = make(map[string]json.RawMessage, len(s.Schemas))
		for id, schema := range s.Schemas {
			c.Schemas[id] = slices.Clone(schema)
		}
	}
	return c
}
