package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"worldforge/internal/mirror"
)

func (c *Client) Search(ctx context.Context, text string) ([]mirror.EntityRow, error) {
	if strings.TrimSpace(text) == "" {
		return []mirror.EntityRow{}, nil
	}

	rows, err := c.pool.Query(ctx, `
SELECT `+mirror.EntityColumns+`
FROM entities
WHERE search_vector @@ websearch_to_tsquery('english', $1)
ORDER BY ts_rank(search_vector, websearch_to_tsquery('english', $1)) DESC, name ASC, id ASC
LIMIT 50
`, text)
	if err == nil {
		results, scanErr := scanEntityRows(rows)
		if scanErr == nil && len(results) > 0 {
			return results, nil
		}
	}
	return c.substringSearch(ctx, text)
}

func (c *Client) substringSearch(ctx context.Context, text string) ([]mirror.EntityRow, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(text)) + "%"
	rows, err := c.pool.Query(ctx, `
SELECT `+mirror.EntityColumns+`
FROM entities
WHERE name ILIKE $1 OR entity_type ILIKE $1 OR tags ILIKE $1
   OR description ILIKE $1 OR claims_text ILIKE $1
ORDER BY name ASC, id ASC
LIMIT 50
`, pattern)
	if err != nil {
		return nil, fmt.Errorf("searching entities: %w", err)
	}
	return scanEntityRows(rows)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func scanEntityRows(rows pgx.Rows) ([]mirror.EntityRow, error) {
	defer rows.Close()

	results := make([]mirror.EntityRow, 0)
	for rows.Next() {
		var r mirror.EntityRow
		err := rows.Scan(&r.ID, &r.Name, &r.EntityType, &r.TemplateID, &r.Status, &r.StepCreated, &r.CreatedAt, &r.UpdatedAt, &r.FilePath)
		if err != nil {
			return nil, fmt.Errorf("scanning entity row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entity rows: %w", err)
	}
	return results, nil
}
