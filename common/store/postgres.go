package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lyzr/conductor/common/db"
)

// PostgresStore persists workflow records in the workflow_execution table
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a store over a database pool
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

const workflowExecutionDDL = `
	CREATE TABLE IF NOT EXISTS workflow_execution (
		workflow_id   TEXT PRIMARY KEY,
		workflow_type TEXT NOT NULL,
		status        TEXT NOT NULL,
		current_stage TEXT NOT NULL DEFAULT '',
		progress      INT NOT NULL DEFAULT 0,
		input_data    JSONB,
		output        JSONB,
		error         TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		completed_at  TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS workflow_execution_status_idx
		ON workflow_execution (status, created_at DESC);
`

// Bootstrap creates the workflow_execution table if it is absent
func (s *PostgresStore) Bootstrap(ctx context.Context) error {
	return s.db.EnsureSchema(ctx, workflowExecutionDDL)
}

// Create inserts a new workflow record
func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	input, err := json.Marshal(rec.InputData)
	if err != nil {
		return fmt.Errorf("failed to marshal input data: %w", err)
	}

	query := `
		INSERT INTO workflow_execution (workflow_id, workflow_type, status, current_stage, progress, input_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.db.Exec(
		ctx,
		query,
		rec.WorkflowID,
		rec.WorkflowType,
		rec.Status,
		rec.CurrentStage,
		rec.Progress,
		input,
		rec.CreatedAt,
		rec.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create workflow record: %w", err)
	}

	return nil
}

// Get retrieves a workflow record by its ID
func (s *PostgresStore) Get(ctx context.Context, workflowID string) (*Record, error) {
	query := `
		SELECT workflow_id, workflow_type, status, current_stage, progress, input_data, output, error, created_at, updated_at, completed_at
		FROM workflow_execution
		WHERE workflow_id = $1
	`

	rec := &Record{}
	var input, output []byte
	var errText *string

	err := s.db.QueryRow(ctx, query, workflowID).Scan(
		&rec.WorkflowID,
		&rec.WorkflowType,
		&rec.Status,
		&rec.CurrentStage,
		&rec.Progress,
		&input,
		&output,
		&errText,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.CompletedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow record: %w", err)
	}

	if err := unmarshalJSONB(input, &rec.InputData); err != nil {
		return nil, fmt.Errorf("corrupt input_data for %s: %w", workflowID, err)
	}
	if err := unmarshalJSONB(output, &rec.Output); err != nil {
		return nil, fmt.Errorf("corrupt output for %s: %w", workflowID, err)
	}
	if errText != nil {
		rec.Error = *errText
	}

	return rec, nil
}

// Update writes the full mutable state of a record
func (s *PostgresStore) Update(ctx context.Context, rec *Record) error {
	output, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}

	query := `
		UPDATE workflow_execution
		SET status = $2, current_stage = $3, progress = $4, output = $5, error = $6, updated_at = $7, completed_at = $8
		WHERE workflow_id = $1
	`

	tag, err := s.db.Exec(
		ctx,
		query,
		rec.WorkflowID,
		rec.Status,
		rec.CurrentStage,
		rec.Progress,
		output,
		nullIfEmpty(rec.Error),
		time.Now().UTC(),
		rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateStatus updates the hot fields of a running workflow
func (s *PostgresStore) UpdateStatus(ctx context.Context, workflowID, status, currentStage string, progress int) error {
	query := `
		UPDATE workflow_execution
		SET status = $2, current_stage = $3, progress = $4, updated_at = $5
		WHERE workflow_id = $1
	`

	tag, err := s.db.Exec(ctx, query, workflowID, status, currentStage, progress, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update workflow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// List retrieves workflows, optionally filtered by status, newest first
func (s *PostgresStore) List(ctx context.Context, status string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT workflow_id, workflow_type, status, current_stage, progress, created_at, updated_at, completed_at
		FROM workflow_execution
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec := &Record{}
		err := rows.Scan(
			&rec.WorkflowID,
			&rec.WorkflowType,
			&rec.Status,
			&rec.CurrentStage,
			&rec.Progress,
			&rec.CreatedAt,
			&rec.UpdatedAt,
			&rec.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return records, nil
}

// Delete removes a workflow record
func (s *PostgresStore) Delete(ctx context.Context, workflowID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM workflow_execution WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func unmarshalJSONB(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
