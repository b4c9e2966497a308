package model

import (
	"encoding/json"
	"time"
)

// Event is a stored webhook delivery. No two events share the same
// (TriggerID, DeliveryID) pair; the pair is the idempotency key for
// replayed deliveries. Immutable after creation except ExecutionID,
// which back-references the workflow execution that claimed the event.
type Event struct {
	ID          int64           `json:"id"`
	ProjectID   int64           `json:"project_id"`
	TriggerID   int64           `json:"trigger_id"`
	DeliveryID  string          `json:"delivery_id"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  time.Time       `json:"received_at"`
	ExecutionID *int64          `json:"execution_id,omitempty"`
}
