// Package prompt assembles the prompt sent to the AI backend from a
// trigger's template, the event payload and the project's context
// instructions.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cbroglie/mustache"
)

// MaxLength bounds the assembled prompt. Oversized output is truncated
// with a visible marker rather than rejected.
const MaxLength = 64 * 1024

// TruncationMarker terminates a truncated prompt.
const TruncationMarker = "\n\n[output truncated]"

// Render assembles the prompt as three sections: an optional
// context-instructions block, the event data (pretty-printed JSON, or
// verbatim when the payload is already a string), and the task rendered
// from the mustache template. Unresolved template variables render empty.
//
// The only error condition is an unparseable template; missing variables
// never fail.
func Render(template string, payload json.RawMessage, contextInstructions string) (string, error) {
	eventData := formatPayload(payload)

	task, err := mustache.Render(template, map[string]any{
		"payload": payloadView(payload),
	})
	if err != nil {
		return "", fmt.Errorf("rendering prompt template: %w", err)
	}

	var b strings.Builder
	if contextInstructions != "" {
		b.WriteString("## Context\n\n")
		b.WriteString(contextInstructions)
		b.WriteString("\n\n")
	}
	b.WriteString("## Event Data\n\n```json\n")
	b.WriteString(eventData)
	b.WriteString("\n```\n\n## Task\n\n")
	b.WriteString(task)

	out := strings.ReplaceAll(b.String(), "\x00", "")

	if len(out) > MaxLength {
		out = out[:MaxLength-len(TruncationMarker)] + TruncationMarker
	}
	return out, nil
}

func formatPayload(payload json.RawMessage) string {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	if s, ok := v.(string); ok {
		return s
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(payload)
	}
	return string(pretty)
}

func payloadView(payload json.RawMessage) any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}
