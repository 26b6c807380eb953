package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RunRepository handles database operations for executions
type RunRepository struct {
	db *DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a new execution record in the running state
func (r *RunRepository) Create(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO execution (execution_id, diagram_name, status, started_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.Exec(ctx, query, run.ExecutionID, run.DiagramName, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// Finish records the terminal state and result of an execution
func (r *RunRepository) Finish(ctx context.Context, executionID, status string, result any, errMsg string) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to serialize result: %w", err)
	}

	query := `
		UPDATE execution
		SET status = $2, result = $3, error = $4, finished_at = $5
		WHERE execution_id = $1
	`

	_, err = r.db.Exec(ctx, query, executionID, status, payload, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	return nil
}

// GetByID retrieves an execution by its ID
func (r *RunRepository) GetByID(ctx context.Context, executionID string) (*Run, error) {
	query := `
		SELECT execution_id, diagram_name, status, result, error, started_at, finished_at
		FROM execution
		WHERE execution_id = $1
	`

	run := &Run{}
	err := r.db.QueryRow(ctx, query, executionID).Scan(
		&run.ExecutionID,
		&run.DiagramName,
		&run.Status,
		&run.Result,
		&run.Error,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return run, nil
}

// ListRecent retrieves the most recent executions
func (r *RunRepository) ListRecent(ctx context.Context, limit int) ([]*Run, error) {
	query := `
		SELECT execution_id, diagram_name, status, result, error, started_at, finished_at
		FROM execution
		ORDER BY started_at DESC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(
			&run.ExecutionID,
			&run.DiagramName,
			&run.Status,
			&run.Result,
			&run.Error,
			&run.StartedAt,
			&run.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return runs, nil
}
