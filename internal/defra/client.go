package defra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Sentinel errors for the defra package.
var (
	// ErrUnhealthy is returned when DefraDB health check fails.
	ErrUnhealthy = errors.New("defra health check failed")

	// ErrSinkClosed is returned when operations are attempted on a closed sink.
	ErrSinkClosed = errors.New("sink closed")

	// ErrTxnConflict is returned when DefraDB aborts a mutation because a
	// concurrent transaction touched the same document.
	ErrTxnConflict = errors.New("defra transaction conflict")

	// ErrDuplicate is returned when a unique index rejects a create.
	ErrDuplicate = errors.New("defra duplicate document")
)

// Client is a DefraDB HTTP/GraphQL client.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a new DefraDB client.
func NewClient(url string) *Client {
	return &Client{
		url: strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// URL returns the base URL the client talks to.
func (c *Client) URL() string {
	return c.url
}

// GQLRequest represents a GraphQL request.
type GQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// GQLResponse represents a GraphQL response.
type GQLResponse struct {
	Data   map[string]any `json:"data,omitempty"`
	Errors []GQLError     `json:"errors,omitempty"`
}

// GQLError represents a GraphQL error.
type GQLError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

// Error returns the first error message or empty string.
func (r *GQLResponse) Error() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0].Message
}

// Docs returns the list of documents under key, tolerating a missing key.
func (r *GQLResponse) Docs(key string) []map[string]any {
	raw, ok := r.Data[key].([]any)
	if !ok {
		return nil
	}
	docs := make([]map[string]any, 0, len(raw))
	for _, d := range raw {
		if doc, ok := d.(map[string]any); ok {
			docs = append(docs, doc)
		}
	}
	return docs
}

// WriteResult contains the result of a write operation.
type WriteResult struct {
	DocID string   // Stable document ID
	CID   string   // Head commit CID of the write, when returned
	CIDs  []string // All commit CIDs returned for the write
	Err   error    // Error if operation failed (sink only)
}

// HealthCheck checks if DefraDB is healthy.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/health-check", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnhealthy, resp.StatusCode)
	}
	return nil
}

// Execute sends a GraphQL request and returns the response.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any) (*GQLResponse, error) {
	bodyBytes, err := json.Marshal(GQLRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/v0/graphql", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("defra server error (status %d): %s", resp.StatusCode, string(respBody))
	}
	if len(respBody) == 0 {
		return nil, fmt.Errorf("defra returned empty response (status %d)", resp.StatusCode)
	}

	var gqlResp GQLResponse
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w (body: %s)", err, string(respBody))
	}
	return &gqlResp, nil
}

// AddSchema adds a GraphQL schema to DefraDB.
func (c *Client) AddSchema(ctx context.Context, schema string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/v0/schema", strings.NewReader(schema))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("schema error (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// Create creates a document in a collection and returns its DocID and commit CIDs.
func (c *Client) Create(ctx context.Context, collection string, input map[string]any) (WriteResult, error) {
	inputGQL, err := mapToGraphQLInput(input)
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to build input: %w", err)
	}
	query := fmt.Sprintf(`mutation { create_%s(input: %s) { _docID _version { cid } } }`, collection, inputGQL)

	resp, err := c.Execute(ctx, query, nil)
	if err != nil {
		return WriteResult{}, err
	}
	if errMsg := resp.Error(); errMsg != "" {
		return WriteResult{}, classifyMutationError("create", errMsg)
	}

	docs := resp.Docs("create_" + collection)
	if len(docs) == 0 {
		return WriteResult{}, fmt.Errorf("unexpected response format: %+v", resp.Data)
	}
	return writeResultFrom(docs[0], ""), nil
}

// Update updates a document by DocID and returns its commit CIDs.
func (c *Client) Update(ctx context.Context, collection, docID string, input map[string]any) (WriteResult, error) {
	if err := ValidateID(docID); err != nil {
		return WriteResult{}, err
	}
	inputGQL, err := mapToGraphQLInput(input)
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to build input: %w", err)
	}
	query := fmt.Sprintf(`mutation { update_%s(docID: %q, input: %s) { _docID _version { cid } } }`, collection, docID, inputGQL)

	resp, err := c.Execute(ctx, query, nil)
	if err != nil {
		return WriteResult{}, err
	}
	if errMsg := resp.Error(); errMsg != "" {
		return WriteResult{}, classifyMutationError("update", errMsg)
	}

	docs := resp.Docs("update_" + collection)
	if len(docs) == 0 {
		return WriteResult{DocID: docID}, nil
	}
	return writeResultFrom(docs[0], docID), nil
}

// UpdateWhere updates every document matching filter and returns the
// requested fields of the updated documents. An empty result means nothing
// matched, which callers use to detect a lost compare-and-set.
func (c *Client) UpdateWhere(ctx context.Context, collection string, filter, input map[string]any, fields ...string) ([]map[string]any, error) {
	filterGQL, err := filterToGraphQL(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to build filter: %w", err)
	}
	inputGQL, err := mapToGraphQLInput(input)
	if err != nil {
		return nil, fmt.Errorf("failed to build input: %w", err)
	}
	if len(fields) == 0 {
		fields = []string{"_docID"}
	}

	query := fmt.Sprintf(`mutation { update_%s(filter: %s, input: %s) { %s } }`,
		collection, filterGQL, inputGQL, strings.Join(fields, " "))

	resp, err := c.Execute(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	if errMsg := resp.Error(); errMsg != "" {
		return nil, classifyMutationError("update", errMsg)
	}
	return resp.Docs("update_" + collection), nil
}

// classifyMutationError maps DefraDB error text onto sentinels.
// DefraDB is accessed via HTTP, so errors only arrive as message strings.
func classifyMutationError(op, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "transaction conflict"), strings.Contains(lower, "conflict"):
		return fmt.Errorf("%w: %s error: %s", ErrTxnConflict, op, msg)
	case strings.Contains(lower, "already exists"), strings.Contains(lower, "unique"):
		return fmt.Errorf("%w: %s error: %s", ErrDuplicate, op, msg)
	default:
		return fmt.Errorf("%s error: %s", op, msg)
	}
}

func writeResultFrom(doc map[string]any, fallbackID string) WriteResult {
	result := WriteResult{DocID: fallbackID}
	if id, ok := doc["_docID"].(string); ok && id != "" {
		result.DocID = id
	}
	if cids := extractVersionCIDs(doc); len(cids) > 0 {
		result.CIDs = cids
		result.CID = cids[0]
	}
	return result
}

func extractVersionCIDs(doc map[string]any) []string {
	raw, ok := doc["_version"].([]any)
	if !ok {
		return nil
	}
	cids := make([]string, 0, len(raw))
	for _, entry := range raw {
		version, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if cid, ok := version["cid"].(string); ok && cid != "" {
			cids = append(cids, cid)
		}
	}
	return cids
}

// filterToGraphQL renders an equality filter: {field: {_eq: value}, ...}.
func filterToGraphQL(filter map[string]any) (string, error) {
	eq := make(map[string]any, len(filter))
	for k, v := range filter {
		eq[k] = map[string]any{"_eq": v}
	}
	return mapToGraphQLInput(eq)
}

// mapToGraphQLInput converts a map to GraphQL input format.
func mapToGraphQLInput(input map[string]any) (string, error) {
	parts := make([]string, 0, len(input))
	for k, v := range input {
		valStr, err := valueToGraphQL(v)
		if err != nil {
			return "", fmt.Errorf("failed to convert value for key %q: %w", k, err)
		}
		parts = append(parts, fmt.Sprintf("%s: %s", k, valStr))
	}
	return "{" + strings.Join(parts, ", ") + "}", nil
}

// valueToGraphQL converts a Go value to GraphQL syntax.
func valueToGraphQL(v any) (string, error) {
	switch val := v.(type) {
	case string:
		// JSON string escapes are a subset of what GraphQL accepts; %q is not.
		b, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("failed to marshal string: %w", err)
		}
		return string(b), nil
	case int:
		return fmt.Sprintf("%d", val), nil
	case int64:
		return fmt.Sprintf("%d", val), nil
	case float64:
		return fmt.Sprintf("%v", val), nil
	case bool:
		return fmt.Sprintf("%v", val), nil
	case map[string]any:
		return mapToGraphQLInput(val)
	case []any:
		items := make([]string, 0, len(val))
		for _, item := range val {
			itemStr, err := valueToGraphQL(item)
			if err != nil {
				return "", err
			}
			items = append(items, itemStr)
		}
		return "[" + strings.Join(items, ", ") + "]", nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("failed to marshal value: %w", err)
		}
		return string(b), nil
	}
}
