package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// DiagramRepository handles database operations for stored diagrams
type DiagramRepository struct {
	db *DB
}

// NewDiagramRepository creates a new diagram repository
func NewDiagramRepository(db *DB) *DiagramRepository {
	return &DiagramRepository{db: db}
}

// Save upserts a diagram document under its name
func (r *DiagramRepository) Save(ctx context.Context, name string, content json.RawMessage) error {
	query := `
		INSERT INTO diagram (name, content, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (name)
		DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.Exec(ctx, query, name, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save diagram: %w", err)
	}
	return nil
}

// GetByName retrieves a diagram by name
func (r *DiagramRepository) GetByName(ctx context.Context, name string) (*DiagramRecord, error) {
	query := `
		SELECT name, content, created_at, updated_at
		FROM diagram
		WHERE name = $1
	`

	rec := &DiagramRecord{}
	err := r.db.QueryRow(ctx, query, name).Scan(&rec.Name, &rec.Content, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get diagram: %w", err)
	}
	return rec, nil
}

// List retrieves all diagram names with their timestamps
func (r *DiagramRepository) List(ctx context.Context) ([]*DiagramRecord, error) {
	query := `
		SELECT name, created_at, updated_at
		FROM diagram
		ORDER BY name
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list diagrams: %w", err)
	}
	defer rows.Close()

	var records []*DiagramRecord
	for rows.Next() {
		rec := &DiagramRecord{}
		if err := rows.Scan(&rec.Name, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan diagram: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating diagrams: %w", err)
	}
	return records, nil
}

// Patch applies an RFC 6902 patch to a stored diagram and saves the
// result. validate runs on the patched document before anything is
// written; a validation error leaves the stored diagram untouched.
func (r *DiagramRepository) Patch(ctx context.Context, name string, patch json.RawMessage, validate func(json.RawMessage) error) (json.RawMessage, error) {
	rec, err := r.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}

	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}

	patched, err := decoded.Apply(rec.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to apply patch: %w", err)
	}

	if validate != nil {
		if err := validate(patched); err != nil {
			return nil, fmt.Errorf("patched diagram is invalid: %w", err)
		}
	}

	if err := r.Save(ctx, name, patched); err != nil {
		return nil, err
	}
	return patched, nil
}

// Delete removes a diagram
func (r *DiagramRepository) Delete(ctx context.Context, name string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM diagram WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete diagram: %w", err)
	}
	return nil
}
