package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, enabling zero-touch logging where business
// context (trigger_id, event_id, etc.) is automatically included in all log statements.
type LogFields struct {
	TriggerID   *int64  // Trigger that received the delivery
	EventID     *int64  // Stored webhook event
	ExecutionID *int64  // Execution row being driven
	WorkflowID  *int64  // Workflow being correlated
	ProjectID   *int64  // Owning project
	MessageID   *string // Redis stream message ID
	DeliveryID  *string // Webhook delivery idempotency key
	Component   string  // Component name (e.g. "relay.worker.processor")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.TriggerID != nil {
		result.TriggerID = next.TriggerID
	}
	if next.EventID != nil {
		result.EventID = next.EventID
	}
	if next.ExecutionID != nil {
		result.ExecutionID = next.ExecutionID
	}
	if next.WorkflowID != nil {
		result.WorkflowID = next.WorkflowID
	}
	if next.ProjectID != nil {
		result.ProjectID = next.ProjectID
	}
	if next.MessageID != nil {
		result.MessageID = next.MessageID
	}
	if next.DeliveryID != nil {
		result.DeliveryID = next.DeliveryID
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{TriggerID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like prompts or error messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
