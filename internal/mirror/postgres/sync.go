package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"worldforge/internal/mirror"
)

func (c *Client) Replace(ctx context.Context, records []mirror.Record) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "TRUNCATE entities, cross_references, canon_claims"); err != nil {
		return fmt.Errorf("clearing mirror tables: %w", err)
	}
	for _, r := range records {
		if err := insertRecord(ctx, tx, r); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing full sync: %w", err)
	}
	return nil
}

func (c *Client) Upsert(ctx context.Context, record mirror.Record) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := deleteRecord(ctx, tx, record.Row.ID); err != nil {
		return err
	}
	if err := insertRecord(ctx, tx, record); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing entity sync: %w", err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := deleteRecord(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing entity removal: %w", err)
	}
	return nil
}

func deleteRecord(ctx context.Context, tx pgx.Tx, id string) error {
	stmts := []string{
		"DELETE FROM entities WHERE id = $1",
		"DELETE FROM cross_references WHERE source_id = $1",
		"DELETE FROM canon_claims WHERE entity_id = $1",
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt, id); err != nil {
			return fmt.Errorf("removing entity %s: %w", id, err)
		}
	}
	return nil
}

func insertRecord(ctx context.Context, tx pgx.Tx, r mirror.Record) error {
	row := r.Row
	_, err := tx.Exec(ctx, `
INSERT INTO entities (id, name, entity_type, template_id, status, step_created, created_at, updated_at,
    file_path, tags, description, claims_text, data, search_vector)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
    setweight(to_tsvector('simple', coalesce($2, '')), 'A') ||
    setweight(to_tsvector('english', coalesce($10, '')), 'B') ||
    setweight(to_tsvector('english', coalesce($11, '')), 'B') ||
    setweight(to_tsvector('english', coalesce($12, '')), 'C')
)
`, row.ID, row.Name, row.EntityType, row.TemplateID, row.Status, row.StepCreated,
		row.CreatedAt, row.UpdatedAt, row.FilePath, row.Tags, row.Description, row.ClaimsText, row.Data)
	if err != nil {
		return fmt.Errorf("inserting entity %s: %w", row.ID, err)
	}

	for _, x := range r.CrossRefs {
		_, err := tx.Exec(ctx, `
INSERT INTO cross_references (source_id, target_id, relationship_type, source_field)
VALUES ($1, $2, $3, $4)
ON CONFLICT (source_id, target_id, source_field) DO NOTHING
`, x.SourceID, x.TargetID, x.RelationshipType, x.SourceField)
		if err != nil {
			return fmt.Errorf("inserting cross-reference %s -> %s: %w", x.SourceID, x.TargetID, err)
		}
	}

	for _, claim := range r.Claims {
		refs, err := json.Marshal(claim.References)
		if err != nil {
			return fmt.Errorf("marshaling claim references: %w", err)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO canon_claims (entity_id, position, claim, refs) VALUES ($1, $2, $3, $4)
`, claim.EntityID, claim.Position, claim.Claim, refs)
		if err != nil {
			return fmt.Errorf("inserting claim for %s: %w", claim.EntityID, err)
		}
	}
	return nil
}
