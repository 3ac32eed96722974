package defra

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// docIDPattern accepts DefraDB document ids (bae-...) and plain identifiers.
// Ids are interpolated into mutations, so anything else is refused.
var docIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,500}$`)

// ValidateID rejects document ids that are unsafe to interpolate into GraphQL.
func ValidateID(id string) error {
	switch {
	case id == "":
		return errors.New("empty document id")
	case len(id) > 500:
		return fmt.Errorf("document id too long: %d characters", len(id))
	case !docIDPattern.MatchString(id):
		return fmt.Errorf("document id %q contains unsafe characters", id)
	}
	return nil
}

// QueryBuilder renders a selection over one collection. Filter values are
// always passed as variables, never interpolated; object keys come from
// callers and may contain any character.
type QueryBuilder struct {
	collection string
	where      []condition
	fields     []string
	order      string
	limit      int
}

type condition struct {
	field string
	value any
}

// NewQuery selects _docID from collection until Fields says otherwise.
func NewQuery(collection string) *QueryBuilder {
	return &QueryBuilder{collection: collection, fields: []string{"_docID"}}
}

// Filter adds an equality condition. Conditions are ANDed.
func (q *QueryBuilder) Filter(field string, value any) *QueryBuilder {
	q.where = append(q.where, condition{field: field, value: value})
	return q
}

// Fields replaces the selected fields.
func (q *QueryBuilder) Fields(fields ...string) *QueryBuilder {
	q.fields = fields
	return q
}

// OrderBy sorts by one field, direction ASC or DESC.
func (q *QueryBuilder) OrderBy(field, direction string) *QueryBuilder {
	q.order = "{" + field + ": " + direction + "}"
	return q
}

// Limit caps the result count. Zero means no cap.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limit = n
	return q
}

// Build returns the query text and its variables. Variable n is named vn.
func (q *QueryBuilder) Build() (string, map[string]any) {
	vars := make(map[string]any, len(q.where))
	decls := make([]string, 0, len(q.where))
	conds := make([]string, 0, len(q.where))
	for i, c := range q.where {
		name := fmt.Sprintf("v%d", i)
		vars[name] = c.value
		decls = append(decls, fmt.Sprintf("$%s: %s", name, graphQLType(c.value)))
		conds = append(conds, fmt.Sprintf("%s: {_eq: $%s}", c.field, name))
	}

	var args []string
	if len(conds) > 0 {
		args = append(args, "filter: {"+strings.Join(conds, ", ")+"}")
	}
	if q.order != "" {
		args = append(args, "order: "+q.order)
	}
	if q.limit > 0 {
		args = append(args, fmt.Sprintf("limit: %d", q.limit))
	}

	var b strings.Builder
	if len(decls) > 0 {
		b.WriteString("query(" + strings.Join(decls, ", ") + ") ")
	}
	b.WriteString("{ " + q.collection)
	if len(args) > 0 {
		b.WriteString("(" + strings.Join(args, ", ") + ")")
	}
	b.WriteString(" { " + strings.Join(q.fields, " ") + " } }")
	return b.String(), vars
}

// Docs runs the query and returns the matching documents. GraphQL errors
// in the response body come back as a Go error.
func (q *QueryBuilder) Docs(ctx context.Context, client *Client) ([]map[string]any, error) {
	query, vars := q.Build()
	resp, err := client.Execute(ctx, query, vars)
	if err != nil {
		return nil, err
	}
	if msg := resp.Error(); msg != "" {
		return nil, fmt.Errorf("query %s: %s", q.collection, msg)
	}
	return resp.Docs(q.collection), nil
}

func graphQLType(v any) string {
	switch v.(type) {
	case int, int32, int64:
		return "Int"
	case float32, float64:
		return "Float"
	case bool:
		return "Boolean"
	default:
		return "String"
	}
}
