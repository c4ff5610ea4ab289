package mirror

import (
	"fmt"
	"strings"

	"worldforge/internal/apperr"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

var queryColumns = map[string]bool{
	"id": true, "name": true, "entity_type": true, "template_id": true,
	"status": true, "step_created": true, "created_at": true,
	"updated_at": true, "file_path": true,
}

var queryOperators = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"LIKE": true, "IN": true,
}

type Filter struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  any    `json:"value"`
}

type StructuredQuery struct {
	Filters []Filter `json:"filters"`
	OrderBy string   `json:"order_by"`
	Desc    bool     `json:"desc"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset,omitempty"`
}

const EntityColumns = "id, name, entity_type, template_id, status, step_created, created_at, updated_at, file_path"

// BuildStructured renders q as a SELECT over the entities table. Column
// and operator names come only from allow-lists; values are always bound.
func BuildStructured(q StructuredQuery, placeholder func(n int) string) (string, []any, error) {
	var where []string
	args := make([]any, 0, len(q.Filters))
	next := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	for _, f := range q.Filters {
		if !queryColumns[f.Column] {
			return "", nil, apperr.InvalidArgument("column", "%q is not a queryable column", f.Column)
		}
		op := strings.ToUpper(strings.TrimSpace(f.Op))
		if !queryOperators[op] {
			return "", nil, apperr.InvalidArgument("operator", "%q is not an allowed operator", f.Op)
		}
		if op == "IN" {
			values, ok := f.Value.([]any)
			if !ok {
				if strs, isStrs := f.Value.([]string); isStrs {
					values = make([]any, 0, len(strs))
					for _, s := range strs {
						values = append(values, s)
					}
					ok = true
				}
			}
			if !ok || len(values) == 0 {
				return "", nil, apperr.InvalidArgument("value", "IN on %s needs a non-empty list", f.Column)
			}
			marks := make([]string, 0, len(values))
			for _, v := range values {
				marks = append(marks, next(v))
			}
			where = append(where, fmt.Sprintf("%s IN (%s)", f.Column, strings.Join(marks, ", ")))
			continue
		}
		if f.Value == nil {
			return "", nil, apperr.InvalidArgument("value", "filter on %s needs a value", f.Column)
		}
		where = append(where, fmt.Sprintf("%s %s %s", f.Column, op, next(f.Value)))
	}

	order := "name"
	if q.OrderBy != "" {
		if !queryColumns[q.OrderBy] {
			return "", nil, apperr.InvalidArgument("order_by", "%q is not a sortable column", q.OrderBy)
		}
		order = q.OrderBy
	}
	direction := "ASC"
	if q.Desc {
		direction = "DESC"
	}

	limit := q.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return "", nil, apperr.InvalidArgument("limit", "must be between 1 and %d, got %d", MaxLimit, q.Limit)
	}
	if q.Offset < 0 {
		return "", nil, apperr.InvalidArgument("offset", "must not be negative, got %d", q.Offset)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(EntityColumns)
	b.WriteString(" FROM entities")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY %s %s, id ASC LIMIT %d", order, direction, limit)
	if q.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", q.Offset)
	}
	return b.String(), args, nil
}

func Eq(column string, value any) StructuredQuery {
	return StructuredQuery{Filters: []Filter{{Column: column, Op: "=", Value: value}}, Limit: MaxLimit}
}
