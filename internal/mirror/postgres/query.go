package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"worldforge/internal/mirror"
)

func (c *Client) Structured(ctx context.Context, q mirror.StructuredQuery) ([]mirror.EntityRow, error) {
	query, args, err := mirror.BuildStructured(q, func(n int) string { return fmt.Sprintf("$%d", n) })
	if err != nil {
		return nil, err
	}
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	return scanEntityRows(rows)
}

func (c *Client) CrossReferences(ctx context.Context, id string) ([]mirror.CrossRefRow, error) {
	rows, err := c.pool.Query(ctx, `
SELECT direction, source_id, target_id, relationship_type, source_field, other_name, other_type, present
FROM (
    SELECT 'outbound' AS direction, x.source_id, x.target_id, x.relationship_type, x.source_field,
        COALESCE(e.name, '') AS other_name, COALESCE(e.entity_type, '') AS other_type,
        e.id IS NOT NULL AS present, 0 AS ord
    FROM cross_references x
    LEFT JOIN entities e ON e.id = x.target_id
    WHERE x.source_id = $1
    UNION ALL
    SELECT 'inbound', x.source_id, x.target_id, x.relationship_type, x.source_field,
        COALESCE(e.name, ''), COALESCE(e.entity_type, ''), e.id IS NOT NULL, 1
    FROM cross_references x
    LEFT JOIN entities e ON e.id = x.source_id
    WHERE x.target_id = $1
) refs
ORDER BY ord, other_type, other_name, source_id, target_id, source_field
`, id)
	if err != nil {
		return nil, fmt.Errorf("querying cross-references for %s: %w", id, err)
	}
	defer rows.Close()

	results := make([]mirror.CrossRefRow, 0)
	for rows.Next() {
		var r mirror.CrossRefRow
		err := rows.Scan(&r.Direction, &r.SourceID, &r.TargetID, &r.RelationshipType, &r.SourceField,
			&r.OtherName, &r.OtherType, &r.Exists)
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
		pattern = "%" + escapeLike(keyword) + "%"
	}
	rows, err := c.pool.Query(ctx, `
SELECT entity_id, claim, refs
FROM canon_claims
WHERE ($1 = '' OR entity_id = $1)
  AND ($2 = '' OR claim ILIKE $2)
ORDER BY entity_id, position
`, entityID, pattern)
	if err != nil {
		return nil, fmt.Errorf("querying claims: %w", err)
	}
	defer rows.Close()

	results := make([]mirror.ClaimRow, 0)
	for rows.Next() {
		var r mirror.ClaimRow
		if err := rows.Scan(&r.EntityID, &r.Claim, &r.References); err != nil {
			return nil, fmt.Errorf("scanning claim: %w", err)
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

// ReadOnly runs query inside a READ ONLY transaction that is always rolled
// back.
func (c *Client) ReadOnly(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("beginning read-only transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("running sql: %w", err)
	}
	defer rows.Close()

	fieldDescriptions := rows.FieldDescriptions()
	results := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("getting row values: %w", err)
		}
		row := make(map[string]any, len(fieldDescriptions))
		for i, fd := range fieldDescriptions {
			row[fd.Name] = values[i]
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

	err := c.pool.QueryRow(ctx, `
SELECT (SELECT COUNT(*) FROM entities),
       (SELECT COUNT(*) FROM cross_references),
       (SELECT COUNT(*) FROM canon_claims)
`).Scan(&stats.TotalEntities, &stats.CrossReference, &stats.Claims)
	if err != nil {
		return nil, fmt.Errorf("counting mirror rows: %w", err)
	}

	groups := []struct {
		column string
		dest   map[string]int
	}{
		{"entity_type", stats.ByType},
		{"status", stats.ByStatus},
	}
	for _, g := range groups {
		rows, err := c.pool.Query(ctx, "SELECT "+g.column+", COUNT(*) FROM entities GROUP BY "+g.column)
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
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating %s counts: %w", g.column, err)
		}
	}
	return stats, nil
}

func (c *Client) EntityIDs(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, "SELECT id FROM entities")
	if err != nil {
		return nil, fmt.Errorf("listing mirrored ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	sort.Strings(ids)
	return ids, nil
}
