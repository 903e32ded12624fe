package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a workflow record does not exist
var ErrNotFound = errors.New("workflow not found")

// Record is the persisted view of one workflow execution
type Record struct {
	WorkflowID   string         `json:"workflow_id"`
	WorkflowType string         `json:"workflow_type"`
	Status       string         `json:"status"`
	CurrentStage string         `json:"current_stage"`
	Progress     int            `json:"progress"`
	InputData    map[string]any `json:"input_data,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// WorkflowStore persists workflow execution state
type WorkflowStore interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, workflowID string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	UpdateStatus(ctx context.Context, workflowID, status, currentStage string, progress int) error
	List(ctx context.Context, status string, limit int) ([]*Record, error)
	Delete(ctx context.Context, workflowID string) error
}
