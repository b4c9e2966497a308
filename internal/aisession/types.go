package aisession

import (
	"encoding/json"
	"strings"
	"time"
)

// SessionStatus is the remote session lifecycle state as reported by the
// AI backend's poll endpoint.
type SessionStatus string

const (
	StatusQueued    SessionStatus = "queued"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusErrored   SessionStatus = "errored"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status ends the polling loop.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusErrored, StatusCancelled:
		return true
	}
	return false
}

// Result is the outcome of one executed session. Output may be empty on a
// soft timeout; callers treat that as a valid but unhelpful completion.
type Result struct {
	SessionID string
	Output    string
	Latency   time.Duration
}

type createSessionRequest struct {
	Prompt string `json:"prompt"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type sessionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sessionState struct {
	Status           SessionStatus    `json:"status"`
	Output           string           `json:"output,omitempty"`
	StructuredOutput json.RawMessage  `json:"structured_output,omitempty"`
	Messages         []sessionMessage `json:"messages,omitempty"`
}

// extractOutput picks the session's output by priority: the top-level
// output field, then structured output (stringified), then the last
// assistant message, then every assistant message joined.
func (s sessionState) extractOutput() string {
	if s.Output != "" {
		return s.Output
	}

	if len(s.StructuredOutput) > 0 {
		var str string
		if err := json.Unmarshal(s.StructuredOutput, &str); err == nil {
			return str
		}
		return string(s.StructuredOutput)
	}

	var assistant []string
	for _, m := range s.Messages {
		if m.Role == "assistant" {
			assistant = append(assistant, m.Content)
		}
	}
	if len(assistant) == 0 {
		return ""
	}
	if last := assistant[len(assistant)-1]; last != "" {
		return last
	}
	return strings.Join(nonEmpty(assistant), "\n")
}

func nonEmpty(parts []string) []string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
