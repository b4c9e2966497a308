package model

import "time"

type Project struct {
	ID                  int64     `json:"id"`
	Name                string    `json:"name"`
	EncryptedAPIKey     *string   `json:"-"` // never expose key material in API
	ContextInstructions *string   `json:"context_instructions,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}
