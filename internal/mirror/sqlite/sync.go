package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"worldforge/internal/mirror"
)

func (c *Client) Replace(ctx context.Context, records []mirror.Record) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"entities", "cross_references", "canon_claims", "entities_fts"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	for _, r := range records {
		if err := insertRecord(ctx, tx, r); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing full sync: %w", err)
	}
	return nil
}

func (c *Client) Upsert(ctx context.Context, record mirror.Record) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteRecord(ctx, tx, record.Row.ID); err != nil {
		return err
	}
	if err := insertRecord(ctx, tx, record); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing entity sync: %w", err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteRecord(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing entity removal: %w", err)
	}
	return nil
}

func deleteRecord(ctx context.Context, tx *sql.Tx, id string) error {
	stmts := []string{
		"DELETE FROM entities WHERE id = ?",
		"DELETE FROM cross_references WHERE source_id = ?",
		"DELETE FROM canon_claims WHERE entity_id = ?",
		"DELETE FROM entities_fts WHERE entity_id = ?",
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("removing entity %s: %w", id, err)
		}
	}
	return nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, r mirror.Record) error {
	row := r.Row
	_, err := tx.ExecContext(ctx, `
	INSERT INTO entities (id, name, entity_type, template_id, status, step_created, created_at, updated_at, file_path, tags, description, data)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.ID, row.Name, row.EntityType, row.TemplateID, row.Status, row.StepCreated,
		row.CreatedAt, row.UpdatedAt, row.FilePath, row.Tags, row.Description, row.Data)
	if err != nil {
		return fmt.Errorf("inserting entity %s: %w", row.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO entities_fts (entity_id, name, entity_type, tags, description, claims)
	VALUES (?, ?, ?, ?, ?, ?)
	`, row.ID, row.Name, row.EntityType, row.Tags, row.Description, row.ClaimsText)
	if err != nil {
		return fmt.Errorf("indexing entity %s: %w", row.ID, err)
	}

	for _, x := range r.CrossRefs {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO cross_references (source_id, target_id, relationship_type, source_field)
		VALUES (?, ?, ?, ?)
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
		_, err = tx.ExecContext(ctx, `
		INSERT INTO canon_claims (entity_id, position, claim, refs) VALUES (?, ?, ?, ?)
		`, claim.EntityID, claim.Position, claim.Claim, string(refs))
		if err != nil {
			return fmt.Errorf("inserting claim for %s: %w", claim.EntityID, err)
		}
	}
	return nil
}
