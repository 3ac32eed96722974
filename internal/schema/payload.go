package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jackzampolin/docflow/internal/record"
)

// ErrInvalidSchema is returned when a section schema does not compile.
var ErrInvalidSchema = errors.New("invalid section schema")

// Payloads validates reviewed section payloads against the JSON Schemas the
// pipeline attached when it requested review. Compiled schemas are cached by
// content hash since every section of a document type shares one.
type Payloads struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewPayloads creates a validator with an empty cache.
func NewPayloads() *Payloads {
	return &Payloads{compiled: make(map[string]*jsonschema.Schema)}
}

// Compile parses and compiles a schema, returning ErrInvalidSchema on failure.
func (p *Payloads) Compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.compiled[key]; ok {
		return s, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("section.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	s, err := compiler.Compile("section.json")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	p.compiled[key] = s
	return s, nil
}

// CheckSchemas compiles every schema in the map, naming the first bad section.
func (p *Payloads) CheckSchemas(schemas map[string]json.RawMessage) error {
	for id, raw := range schemas {
		if _, err := p.Compile(raw); err != nil {
			return fmt.Errorf("section %s: %w", id, err)
		}
	}
	return nil
}

// Validate checks payload is JSON and, when schemaRaw is non-empty, that it
// satisfies the schema. Failures wrap record.ErrInvalidPayload.
func (p *Payloads) Validate(schemaRaw, payload json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: not valid JSON: %w", record.ErrInvalidPayload, err)
	}
	if len(schemaRaw) == 0 {
		return nil
	}

	s, err := p.Compile(schemaRaw)
	if err != nil {
		return fmt.Errorf("%w: %w", record.ErrInvalidPayload, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %w", record.ErrInvalidPayload, err)
	}
	return nil
}
