package mirror

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldforge/internal/apperr"
)

func question(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func TestBuildStructured(t *testing.T) {
	sql, args, err := BuildStructured(StructuredQuery{
		Filters: []Filter{
			{Column: "entity_type", Op: "=", Value: "gods"},
			{Column: "step_created", Op: ">=", Value: 3},
			{Column: "status", Op: "in", Value: []any{"draft", "canon"}},
		},
		OrderBy: "updated_at",
		Desc:    true,
		Limit:   10,
	}, dollar)
	require.NoError(t, err)
	assert.Equal(t, "SELECT "+EntityColumns+" FROM entities WHERE entity_type = $1 AND step_created >= $2 AND status IN ($3, $4) ORDER BY updated_at DESC, id ASC LIMIT 10", sql)
	assert.Equal(t, []any{"gods", 3, "draft", "canon"}, args)
}

func TestBuildStructuredDefaults(t *testing.T) {
	sql, args, err := BuildStructured(StructuredQuery{}, question)
	require.NoError(t, err)
	assert.Equal(t, "SELECT "+EntityColumns+" FROM entities ORDER BY name ASC, id ASC LIMIT 100", sql)
	assert.Empty(t, args)
}

func TestBuildStructuredRejects(t *testing.T) {
	tests := []struct {
		name string
		q    StructuredQuery
	}{
		{name: "unknown column", q: StructuredQuery{Filters: []Filter{{Column: "data", Op: "=", Value: "x"}}}},
		{name: "injected column", q: StructuredQuery{Filters: []Filter{{Column: "name; DROP TABLE entities", Op: "=", Value: "x"}}}},
		{name: "unknown operator", q: StructuredQuery{Filters: []Filter{{Column: "name", Op: "GLOB", Value: "x"}}}},
		{name: "nil value", q: StructuredQuery{Filters: []Filter{{Column: "name", Op: "="}}}},
		{name: "empty IN", q: StructuredQuery{Filters: []Filter{{Column: "status", Op: "IN", Value: []any{}}}}},
		{name: "IN scalar", q: StructuredQuery{Filters: []Filter{{Column: "status", Op: "IN", Value: "draft"}}}},
		{name: "bad order", q: StructuredQuery{OrderBy: "random()"}},
		{name: "limit too large", q: StructuredQuery{Limit: MaxLimit + 1}},
		{name: "negative limit", q: StructuredQuery{Limit: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := BuildStructured(tt.q, question)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.ErrInvalidArgument))
		})
	}
}

func TestEq(t *testing.T) {
	sql, args, err := BuildStructured(Eq("step_created", 7), question)
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE step_created = ?")
	assert.Contains(t, sql, fmt.Sprintf("LIMIT %d", MaxLimit))
	assert.Equal(t, []any{7}, args)
}

func TestOffset(t *testing.T) {
	q := Eq("status", "draft")
	q.Limit = 2
	q.Offset = 4
	sql, _, err := BuildStructured(q, question)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(sql, "LIMIT 2 OFFSET 4"), sql)

	q.Offset = -1
	_, _, err = BuildStructured(q, question)
	assert.True(t, apperr.Is(err, apperr.ErrInvalidArgument))
}
