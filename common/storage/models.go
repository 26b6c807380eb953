package storage

import (
	"encoding/json"
	"time"
)

// Run is the persisted record of one execution
type Run struct {
	ExecutionID string          `json:"execution_id"`
	DiagramName string          `json:"diagram_name"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// DiagramRecord is a stored diagram document
type DiagramRecord struct {
	Name      string          `json:"name"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
