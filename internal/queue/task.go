package queue

import (
	"fmt"
	"time"
)

// Kind tags the job payload variant. The worker dispatches on it
// exhaustively; unknown kinds are rejected at parse time.
type Kind string

const (
	KindSingle   Kind = "single"
	KindBatch    Kind = "batch"
	KindWorkflow Kind = "workflow"
)

// Task is the unit of work placed on the stream.
//
//   - single: one stored event (EventID + TriggerID)
//   - batch: a trigger's aggregation window (TriggerID + window bounds)
//   - workflow: a correlated event set (WorkflowID + EventIDs + window bounds)
//
// DedupeKey, when set, collapses racing enqueues of the same logical job.
// Delay defers delivery; the delayed mover feeds the task into the stream
// once due.
type Task struct {
	Kind            Kind          `json:"kind"`
	EventID         *int64        `json:"event_id,omitempty"`
	TriggerID       *int64        `json:"trigger_id,omitempty"`
	WorkflowID      *int64        `json:"workflow_id,omitempty"`
	EventIDs        []int64       `json:"event_ids,omitempty"`
	WindowStart     *time.Time    `json:"window_start,omitempty"`
	WindowEnd       *time.Time    `json:"window_end,omitempty"`
	DedupeKey       string        `json:"dedupe_key,omitempty"`
	Delay           time.Duration `json:"-"`
	Attempt         int           `json:"attempt,omitempty"`
	LowNoiseRetries int           `json:"low_noise_retries,omitempty"`
}

// Validate checks the per-kind required fields.
func (t Task) Validate() error {
	switch t.Kind {
	case KindSingle:
		if t.EventID == nil || t.TriggerID == nil {
			return fmt.Errorf("single task missing event_id or trigger_id")
		}
	case KindBatch:
		if t.TriggerID == nil || t.WindowStart == nil || t.WindowEnd == nil {
			return fmt.Errorf("batch task missing trigger_id or window bounds")
		}
	case KindWorkflow:
		if t.WorkflowID == nil || len(t.EventIDs) == 0 {
			return fmt.Errorf("workflow task missing workflow_id or event_ids")
		}
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
	return nil
}

// SingleDedupeKey is the deterministic id for one delivery's execution job.
func SingleDedupeKey(triggerID int64, deliveryID string) string {
	return fmt.Sprintf("%d-%s", triggerID, deliveryID)
}

// BatchDedupeKey collapses threshold crossings within one time bucket.
func BatchDedupeKey(triggerID int64, bucket int64) string {
	return fmt.Sprintf("batch-%d-%d", triggerID, bucket)
}

// WorkflowDedupeKey collapses workflow matches within one time bucket.
func WorkflowDedupeKey(workflowID int64, bucket int64) string {
	return fmt.Sprintf("workflow-%d-%d", workflowID, bucket)
}

// Bucket computes the stable time-bucket id for a window duration.
func Bucket(now time.Time, window time.Duration) int64 {
	if window <= 0 {
		return 0
	}
	return now.UnixMilli() / window.Milliseconds()
}
