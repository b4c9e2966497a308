package model

import "time"

type MatchMode string

const (
	MatchModeAny MatchMode = "any"
	MatchModeAll MatchMode = "all"
)

// Workflow correlates events across multiple triggers within a rolling
// time window. Lifecycle is managed by the dashboard; read-only here.
type Workflow struct {
	ID                int64       `json:"id"`
	ProjectID         int64       `json:"project_id"`
	Name              string      `json:"name"`
	Enabled           bool        `json:"enabled"`
	TriggerIDs        []int64     `json:"trigger_ids"`
	MatchMode         MatchMode   `json:"match_mode"`
	TimeWindowMinutes int         `json:"time_window_minutes"`
	Conditions        []Condition `json:"conditions,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

func (w Workflow) Window() time.Duration {
	return time.Duration(w.TimeWindowMinutes) * time.Minute
}
