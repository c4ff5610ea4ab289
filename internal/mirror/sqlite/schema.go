package sqlite

import (
	"context"
	"fmt"
	"strings"
)

const ddl = `
CREATE TABLE IF NOT EXISTS entities (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	entity_type  TEXT NOT NULL,
	template_id  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'draft',
	step_created INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL DEFAULT '',
	updated_at   TEXT NOT NULL DEFAULT '',
	file_path    TEXT NOT NULL DEFAULT '',
	tags         TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	data         TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS cross_references (
	source_id         TEXT NOT NULL,
	target_id         TEXT NOT NULL,
	relationship_type TEXT NOT NULL,
	source_field      TEXT NOT NULL,
	CONSTRAINT pk_cross_references PRIMARY KEY (source_id, target_id, source_field)
);

CREATE TABLE IF NOT EXISTS canon_claims (
	entity_id  TEXT NOT NULL,
	position   INTEGER NOT NULL,
	claim      TEXT NOT NULL,
	refs       TEXT NOT NULL DEFAULT '[]',
	CONSTRAINT pk_canon_claims PRIMARY KEY (entity_id, position)
);

CREATE INDEX IF NOT EXISTS idx_entities_type ON entities (entity_type);
CREATE INDEX IF NOT EXISTS idx_entities_status ON entities (status);
CREATE INDEX IF NOT EXISTS idx_entities_step ON entities (step_created);
CREATE INDEX IF NOT EXISTS idx_xref_target ON cross_references (target_id);

CREATE VIRTUAL TABLE IF NOT EXISTS entities_fts USING fts5(
	entity_id UNINDEXED,
	name,
	entity_type,
	tags,
	description,
	claims,
	tokenize = 'porter unicode61'
);
`

func (c *Client) EnsureSchema(ctx context.Context) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(ddl) {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing DDL: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}
	return nil
}

func splitStatements(ddl string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(ddl, "\n") {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(stripped, ";") {
			statements = append(statements, current.String())
			current.Reset()
		}
	}

	if current.Len() > 0 {
		statements = append(statements, current.String())
	}
	return statements
}
