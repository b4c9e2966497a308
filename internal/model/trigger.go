package model

import "time"

// Condition is a single declarative predicate evaluated against a webhook
// payload. Path is dot-notation rooted at "payload" (array steps use a
// literal index segment, e.g. "payload.commits.0.id").
//
// In a workflow's condition list, TriggerID scopes the condition to events
// originating from that trigger; nil applies it to every correlated event.
type Condition struct {
	Path      string `json:"path"`
	Operator  string `json:"operator"`
	Value     any    `json:"value"`
	TriggerID *int64 `json:"trigger_id,omitempty"`
}

// ThresholdConfig aggregates matching events into one batch execution per
// time bucket once Count events accumulate within WindowMinutes.
type ThresholdConfig struct {
	Count         int `json:"count"`
	WindowMinutes int `json:"window_minutes"`
}

func (t ThresholdConfig) Window() time.Duration {
	return time.Duration(t.WindowMinutes) * time.Minute
}

// Trigger binds a webhook endpoint to a prompt template and execution
// policy. Triggers are configured by the dashboard and read-only here.
type Trigger struct {
	ID             int64            `json:"id"`
	ProjectID      int64            `json:"project_id"`
	Name           string           `json:"name"`
	Enabled        bool             `json:"enabled"`
	SetupComplete  bool             `json:"setup_complete"`
	Conditions     []Condition      `json:"conditions,omitempty"`
	Threshold      *ThresholdConfig `json:"threshold,omitempty"`
	PromptTemplate string           `json:"prompt_template"`
	RepoURL        *string          `json:"repo_url,omitempty"`
	LowNoiseMode   bool             `json:"low_noise_mode"`
	DailyCap       int              `json:"daily_cap"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}
