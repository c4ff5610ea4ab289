package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"worldforge/internal/mirror"
)

const searchColumns = "e.id, e.name, e.entity_type, e.template_id, e.status, e.step_created, e.created_at, e.updated_at, e.file_path"

func (c *Client) Search(ctx context.Context, text string) ([]mirror.EntityRow, error) {
	if strings.TrimSpace(text) == "" {
		return []mirror.EntityRow{}, nil
	}

	ftsQuery := convertWebsearchToFTS5(text)
	if ftsQuery != "" {
		rows, err := c.db.QueryContext(ctx, `
		SELECT `+searchColumns+`
		FROM entities_fts
		JOIN entities e ON e.id = entities_fts.entity_id
		WHERE entities_fts MATCH ?
		ORDER BY bm25(entities_fts, 0.0, 10.0, 2.0, 4.0, 1.0, 1.0) ASC, e.name ASC, e.id ASC
		LIMIT 50
		`, ftsQuery)
		if err == nil {
			results, scanErr := scanEntityRows(rows)
			if scanErr == nil && len(results) > 0 {
				return results, nil
			}
		}
	}

	return c.substringSearch(ctx, text)
}

func (c *Client) substringSearch(ctx context.Context, text string) ([]mirror.EntityRow, error) {
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(text))) + "%"
	rows, err := c.db.QueryContext(ctx, `
	SELECT `+searchColumns+`
	FROM entities e
	WHERE lower(e.name) LIKE ? ESCAPE '\'
	   OR lower(e.entity_type) LIKE ? ESCAPE '\'
	   OR lower(e.tags) LIKE ? ESCAPE '\'
	   OR lower(e.description) LIKE ? ESCAPE '\'
	   OR e.id IN (SELECT entity_id FROM canon_claims WHERE lower(claim) LIKE ? ESCAPE '\')
	ORDER BY e.name ASC, e.id ASC
	LIMIT 50
	`, pattern, pattern, pattern, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("searching entities: %w", err)
	}
	return scanEntityRows(rows)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func scanEntityRows(rows *sql.Rows) ([]mirror.EntityRow, error) {
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

// convertWebsearchToFTS5 turns web-search style input into an FTS5 query.
// Every term is emitted as a quoted string so user punctuation can never
// be read as FTS5 syntax.
func convertWebsearchToFTS5(query string) string {
	var result strings.Builder
	var inQuote bool
	var current strings.Builder

	writeJoin := func() {
		if result.Len() == 0 {
			return
		}
		last := lastWord(result.String())
		if last != "AND" && last != "OR" && last != "NOT" {
			result.WriteString(" AND ")
		} else {
			result.WriteString(" ")
		}
	}

	flushToken := func() {
		token := current.String()
		current.Reset()
		if token == "" {
			return
		}

		upper := strings.ToUpper(token)
		switch upper {
		case "AND", "OR", "NOT":
			if result.Len() > 0 {
				result.WriteString(" ")
				result.WriteString(upper)
			}
			return
		}

		negate := false
		if strings.HasPrefix(token, "-") && len(token) > 1 {
			negate = true
			token = token[1:]
		}
		prefix := false
		if strings.HasSuffix(token, "*") && len(token) > 1 {
			prefix = true
			token = strings.TrimRight(token, "*")
		}

		switch {
		case negate && result.Len() == 0:
			// FTS5 NOT is binary; a leading exclusion has nothing to subtract from.
			return
		case negate:
			trimmed := strings.TrimSpace(result.String())
			if last := lastWord(trimmed); last == "AND" || last == "OR" || last == "NOT" {
				trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, last))
			}
			result.Reset()
			result.WriteString(trimmed)
			result.WriteString(" NOT ")
		default:
			writeJoin()
		}
		result.WriteString(quoteTerm(token))
		if prefix {
			result.WriteString("*")
		}
	}

	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '"':
			if inQuote {
				inQuote = false
				token := current.String()
				current.Reset()
				if strings.TrimSpace(token) != "" {
					writeJoin()
					result.WriteString(quoteTerm(token))
				}
			} else {
				flushToken()
				inQuote = true
			}
		case inQuote:
			current.WriteByte(ch)
		case ch == ' ' || ch == '\t' || ch == '\n':
			flushToken()
		default:
			current.WriteByte(ch)
		}
	}
	if inQuote {
		if token := current.String(); strings.TrimSpace(token) != "" {
			current.Reset()
			writeJoin()
			result.WriteString(quoteTerm(token))
		}
	}
	flushToken()

	out := strings.TrimSpace(result.String())
	for _, op := range []string{" AND", " OR", " NOT"} {
		out = strings.TrimSuffix(out, op)
	}
	return out
}

func quoteTerm(term string) string {
	return `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
}

func lastWord(s string) string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return ""
	}
	return words[len(words)-1]
}
