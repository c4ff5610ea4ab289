package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"worldforge/internal/mirror"
)

func (c *Client) Structured(ctx context.Context, q mirror.StructuredQuery) ([]mirror.EntityRow, error) {
	query, args, err := mirror.BuildStructured(q, func(int) string { return "?" })
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	return scanEntityRows(rows)
}

func (c *Client) CrossReferences(ctx context.Context, id string) ([]mirror.CrossRefRow, error) {
	rows, err := c.db.QueryContext(ctx, `
	SELECT 'outbound', x.source_id, x.target_id, x.relationship_type, x.source_field,
		COALESCE(e.name, ''), COALESCE(e.entity_type, ''), e.id IS NOT NULL, 0 AS ord
	FROM cross_references x
	LEFT JOIN entities e ON e.id = x.target_id
	WHERE x.source_id = ?
	UNION ALL
	SELECT 'inbound', x.source_id, x.target_id, x.relationship_type, x.source_field,
		COALESCE(e.name, ''), COALESCE(e.entity_type, ''), e.id IS NOT NULL, 1 AS ord
	FROM cross_references x
	LEFT JOIN entities e ON e.id = x.source_id
	WHERE x.target_id = ?
	ORDER BY ord, 7, 6, 2, 3, 5
	`, id, id)
	if err != nil {
		return nil, fmt.Errorf("querying cross-references for %s: %w", id, err)
	}
	defer rows.Close()

	results := make([]mirror.CrossRefRow, 0)
	for rows.Next() {
		var r mirror.CrossRefRow
		var ord int
		err := rows.Scan(&r.Direction, &r.SourceID, &r.TargetID, &r.RelationshipType, &r.SourceField,
			&r.OtherName, &r.OtherType, &r.Exists, &ord)
		if err != nil {
			return nil, fmt.Errorf("scanning cross-reference: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cross-references: %w", err)
	}
	return results, nil
}

func (c *Client) Claims(ctx context.Context, entityID, keyword string) ([]mirror.ClaimRow, error) {
	pattern := ""
	if keyword = strings.TrimSpace(keyword); keyword != "" {
		pattern = "%" + escapeLike(strings.ToLower(keyword)) + "%"
	}
	rows, err := c.db.QueryContext(ctx, `
	SELECT entity_id, claim, refs
	FROM canon_claims
	WHERE (? = '' OR entity_id = ?)
	  AND (? = '' OR lower(claim) LIKE ? ESCAPE '\')
	ORDER BY entity_id, position
	`, entityID, entityID, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("querying claims: %w", err)
	}
	defer rows.Close()

	results := make([]mirror.ClaimRow, 0)
	for rows.Next() {
		var r mirror.ClaimRow
		var refs string
		if err := rows.Scan(&r.EntityID, &r.Claim, &refs); err != nil {
			return nil, fmt.Errorf("scanning claim: %w", err)
		}
		if err := json.Unmarshal([]byte(refs), &r.References); err != nil {
			return nil, fmt.Errorf("decoding claim references for %s: %w", r.EntityID, err)
		}
		if r.References == nil {
			r.References = []string{}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating claims: %w", err)
	}
	return results, nil
}

// ReadOnly runs query on a dedicated connection with query_only enabled, so
// the engine itself refuses writes the guard failed to catch.
func (c *Client) ReadOnly(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return nil, fmt.Errorf("enabling query_only: %w", err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), "PRAGMA query_only = OFF")

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("running sql: %w", err)
	}
	return scanMaps(rows)
}

func scanMaps(rows *sql.Rows) ([]map[string]any, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("getting columns: %w", err)
	}

	results := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sql rows: %w", err)
	}
	return results, nil
}

func (c *Client) Stats(ctx context.Context) (*mirror.Stats, error) {
	stats := &mirror.Stats{ByType: map[string]int{}, ByStatus: map[string]int{}}

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM entities", &stats.TotalEntities},
		{"SELECT COUNT(*) FROM cross_references", &stats.CrossReference},
		{"SELECT COUNT(*) FROM canon_claims", &stats.Claims},
	}
	for _, q := range counts {
		if err := c.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting mirror rows: %w", err)
		}
	}

	groups := []struct {
		column string
		dest   map[string]int
	}{
		{"entity_type", stats.ByType},
		{"status", stats.ByStatus},
	}
	for _, g := range groups {
		rows, err := c.db.QueryContext(ctx, "SELECT "+g.column+", COUNT(*) FROM entities GROUP BY "+g.column)
		if err != nil {
			return nil, fmt.Errorf("grouping by %s: %w", g.column, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning %s count: %w", g.column, err)
			}
			g.dest[key] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterating %s counts: %w", g.column, err)
		}
	}
	return stats, nil
}

func (c *Client) EntityIDs(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT id FROM entities")
	if err != nil {
		return nil, fmt.Errorf("listing mirrored ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ids: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}
