package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is a Task as read from the stream, with delivery metadata.
type Message struct {
	ID   string
	Task Task
	Raw  redis.XMessage
}

// taskValues flattens a Task into stream fields.
func taskValues(t Task, attempt int) map[string]any {
	values := map[string]any{
		"kind":    string(t.Kind),
		"attempt": attempt,
	}

	if t.EventID != nil {
		values["event_id"] = *t.EventID
	}
	if t.TriggerID != nil {
		values["trigger_id"] = *t.TriggerID
	}
	if t.WorkflowID != nil {
		values["workflow_id"] = *t.WorkflowID
	}
	if len(t.EventIDs) > 0 {
		values["event_ids"] = joinIDs(t.EventIDs)
	}
	if t.WindowStart != nil {
		values["window_start"] = t.WindowStart.UnixMilli()
	}
	if t.WindowEnd != nil {
		values["window_end"] = t.WindowEnd.UnixMilli()
	}
	if t.DedupeKey != "" {
		values["dedupe_key"] = t.DedupeKey
	}
	if t.LowNoiseRetries > 0 {
		values["low_noise_retries"] = t.LowNoiseRetries
	}

	return values
}

// ParseMessage reconstructs a Task from stream fields, validating the
// per-kind required fields. Malformed messages fail here and are acked
// away by the consumer rather than poisoning the stream.
func ParseMessage(msg redis.XMessage) (Message, error) {
	eventID, err := parseOptionalInt64(msg.Values, "event_id")
	if err != nil {
		return Message{}, err
	}
	triggerID, err := parseOptionalInt64(msg.Values, "trigger_id")
	if err != nil {
		return Message{}, err
	}
	workflowID, err := parseOptionalInt64(msg.Values, "workflow_id")
	if err != nil {
		return Message{}, err
	}
	windowStart, err := parseOptionalTime(msg.Values, "window_start")
	if err != nil {
		return Message{}, err
	}
	windowEnd, err := parseOptionalTime(msg.Values, "window_end")
	if err != nil {
		return Message{}, err
	}
	eventIDs, err := parseOptionalIDs(msg.Values, "event_ids")
	if err != nil {
		return Message{}, err
	}
	attempt, err := parseOptionalInt(msg.Values, "attempt")
	if err != nil {
		return Message{}, err
	}
	if attempt == 0 {
		attempt = 1
	}
	lowNoiseRetries, err := parseOptionalInt(msg.Values, "low_noise_retries")
	if err != nil {
		return Message{}, err
	}

	task := Task{
		Kind:            Kind(fmt.Sprint(msg.Values["kind"])),
		EventID:         eventID,
		TriggerID:       triggerID,
		WorkflowID:      workflowID,
		EventIDs:        eventIDs,
		WindowStart:     windowStart,
		WindowEnd:       windowEnd,
		DedupeKey:       optionalString(msg.Values, "dedupe_key"),
		Attempt:         attempt,
		LowNoiseRetries: lowNoiseRetries,
	}

	if err := task.Validate(); err != nil {
		return Message{}, err
	}

	return Message{ID: msg.ID, Task: task, Raw: msg}, nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func parseOptionalIDs(values map[string]any, key string) ([]int64, error) {
	raw, ok := values[key]
	if !ok {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(fmt.Sprint(raw), ",") {
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseOptionalInt64(values map[string]any, key string) (*int64, error) {
	raw, ok := values[key]
	if !ok {
		return nil, nil
	}
	num, err := strconv.ParseInt(fmt.Sprint(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", key, err)
	}
	return &num, nil
}

func parseOptionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseOptionalTime(values map[string]any, key string) (*time.Time, error) {
	ms, err := parseOptionalInt64(values, key)
	if err != nil || ms == nil {
		return nil, err
	}
	t := time.UnixMilli(*ms).UTC()
	return &t, nil
}

func optionalString(values map[string]any, key string) string {
	raw, ok := values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(raw)
}
