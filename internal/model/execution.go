package model

import "time"

type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the status is final. Terminal executions are
// never mutated again.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// Execution is the audit record of one AI invocation (or its rejection).
// EventID is nil for batch- and workflow-originated executions. A cap or
// credential rejection is recorded as a failed execution with no StartedAt.
type Execution struct {
	ID          int64           `json:"id"`
	EventID     *int64          `json:"event_id,omitempty"`
	ProjectID   int64           `json:"project_id"`
	TriggerID   int64           `json:"trigger_id"`
	WorkflowID  *int64          `json:"workflow_id,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Prompt      string          `json:"prompt,omitempty"`
	SessionID   *string         `json:"session_id,omitempty"`
	Output      *string         `json:"output,omitempty"`
	Error       *string         `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	LatencyMs   *int64          `json:"latency_ms,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
