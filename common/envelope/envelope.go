package envelope

import (
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/conductor/common/trace"
)

// EnvelopeVersion is the current task envelope schema version.
// Receivers reject unknown major versions.
const EnvelopeVersion = "2.0.0"

// Priority of a task
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Status of a task or result
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusRunning   Status = "running"
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRetrying  Status = "retrying"
)

// IsTerminal reports whether the status ends the task's lifecycle
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Constraints bound a task's execution
type Constraints struct {
	TimeoutMS          int64   `json:"timeout_ms" validate:"required,gt=0"`
	MaxRetries         int     `json:"max_retries" validate:"gte=0"`
	RequiredConfidence float64 `json:"required_confidence" validate:"gte=0,lte=100"`
}

// WorkflowContext is the slice of workflow state an agent may see
type WorkflowContext struct {
	CurrentStage string         `json:"current_stage" validate:"required"`
	WorkflowType string         `json:"workflow_type,omitempty"`
	PlatformID   string         `json:"platform_id,omitempty"`
	StageInputs  map[string]any `json:"stage_inputs,omitempty"`
}

// Metadata carries provenance for an envelope
type Metadata struct {
	CreatedAt       time.Time `json:"created_at" validate:"required"`
	CreatedBy       string    `json:"created_by" validate:"required"`
	EnvelopeVersion string    `json:"envelope_version" validate:"required"`
}

// Task is the v2.0.0 task envelope published on agent:tasks:<agent_type>
type Task struct {
	MessageID       string          `json:"message_id" validate:"required,uuid4"`
	TaskID          string          `json:"task_id" validate:"required,uuid4"`
	WorkflowID      string          `json:"workflow_id" validate:"required,uuid4"`
	AgentType       string          `json:"agent_type" validate:"required"`
	Priority        Priority        `json:"priority" validate:"required,oneof=low normal high critical"`
	Payload         map[string]any  `json:"payload" validate:"required"`
	Constraints     Constraints     `json:"constraints" validate:"required"`
	WorkflowContext WorkflowContext `json:"workflow_context" validate:"required"`
	Trace           trace.Context   `json:"trace" validate:"required"`
	Metadata        Metadata        `json:"metadata" validate:"required"`
}

// NewTask builds a task envelope with fresh identifiers
func NewTask(workflowID, agentType, stage string, payload map[string]any, tc trace.Context) *Task {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Task{
		MessageID:  uuid.NewString(),
		TaskID:     uuid.NewString(),
		WorkflowID: workflowID,
		AgentType:  agentType,
		Priority:   PriorityNormal,
		Payload:    payload,
		Constraints: Constraints{
			TimeoutMS:  300_000,
			MaxRetries: 3,
		},
		WorkflowContext: WorkflowContext{CurrentStage: stage},
		Trace:           tc,
		Metadata: Metadata{
			CreatedAt:       time.Now().UTC(),
			CreatedBy:       "orchestrator",
			EnvelopeVersion: EnvelopeVersion,
		},
	}
}

// ResultError describes a failure inside a result envelope
type ResultError struct {
	Code      string `json:"code" validate:"required"`
	Message   string `json:"message" validate:"required"`
	Retryable bool   `json:"retryable"`
}

// ResultMetrics carries execution measurements
type ResultMetrics struct {
	DurationMS int64          `json:"duration_ms"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// ResultBody carries the agent's output
type ResultBody struct {
	Data      map[string]any `json:"data"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Metrics   ResultMetrics  `json:"metrics"`
}

// Result is the canonical result envelope published on orchestrator:results
type Result struct {
	TaskID     string       `json:"task_id" validate:"required"`
	WorkflowID string       `json:"workflow_id" validate:"required"`
	AgentID    string       `json:"agent_id" validate:"required"`
	AgentType  string       `json:"agent_type" validate:"required"`
	Success    bool         `json:"success"`
	Status     Status       `json:"status" validate:"required,oneof=success failed timeout cancelled running pending queued retrying"`
	Action     string       `json:"action,omitempty"`
	Result     ResultBody   `json:"result"`
	Error      *ResultError `json:"error,omitempty"`
	Warnings   []string     `json:"warnings,omitempty"`
	Stage      string       `json:"stage" validate:"required"`
	Timestamp  time.Time    `json:"timestamp" validate:"required"`
	Version    string       `json:"version" validate:"required"`
}

// Normalize derives the success flag from status
func (r *Result) Normalize() {
	r.Success = r.Status == StatusSuccess
}
