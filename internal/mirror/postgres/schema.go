package postgres

import (
	"context"
	"fmt"
)

// The search vector is maintained by the sync statements rather than a
// generated column so the weights can mix the simple and english configs.
const ddl = `
CREATE TABLE IF NOT EXISTS entities (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    entity_type   TEXT NOT NULL,
    template_id   TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'draft',
    step_created  INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL DEFAULT '',
    updated_at    TEXT NOT NULL DEFAULT '',
    file_path     TEXT NOT NULL DEFAULT '',
    tags          TEXT NOT NULL DEFAULT '',
    description   TEXT NOT NULL DEFAULT '',
    claims_text   TEXT NOT NULL DEFAULT '',
    data          JSONB NOT NULL DEFAULT '{}',
    search_vector TSVECTOR
);

CREATE TABLE IF NOT EXISTS cross_references (
    source_id         TEXT NOT NULL,
    target_id         TEXT NOT NULL,
    relationship_type TEXT NOT NULL,
    source_field      TEXT NOT NULL,
    CONSTRAINT pk_cross_references PRIMARY KEY (source_id, target_id, source_field)
);

CREATE TABLE IF NOT EXISTS canon_claims (
    entity_id TEXT NOT NULL,
    position  INTEGER NOT NULL,
    claim     TEXT NOT NULL,
    refs      JSONB NOT NULL DEFAULT '[]',
    CONSTRAINT pk_canon_claims PRIMARY KEY (entity_id, position)
);

CREATE INDEX IF NOT EXISTS idx_entities_search ON entities USING GIN (search_vector);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities (entity_type);
CREATE INDEX IF NOT EXISTS idx_entities_status ON entities (status);
CREATE INDEX IF NOT EXISTS idx_entities_step ON entities (step_created);
CREATE INDEX IF NOT EXISTS idx_xref_target ON cross_references (target_id);
`

func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}
