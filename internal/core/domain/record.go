package domain

import (
	"encoding/json"
	"time"
)

// TaskRecord is the persisted form of a Task, written on every transition.
type TaskRecord struct {
	ID          string          `json:"id"           db:"id"`
	Kind        Kind            `json:"kind"         db:"kind"`
	Status      TaskStatus      `json:"status"       db:"status"`
	Priority    int             `json:"priority"     db:"priority"`
	Input       json.RawMessage `json:"input"        db:"input"`
	Result      json.RawMessage `json:"result"       db:"result"`
	Degraded    bool            `json:"degraded"     db:"degraded"`
	Error       string          `json:"error"        db:"error"`
	Retries     int             `json:"retries"      db:"retries"`
	MaxRetries  int             `json:"max_retries"  db:"max_retries"`
	CreatedAt   time.Time       `json:"created_at"   db:"created_at"`
	StartedAt   *time.Time      `json:"started_at"   db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at" db:"completed_at"`
	UpdatedAt   time.Time       `json:"updated_at"   db:"updated_at"`
}

// TaskRequest is an externally submitted unit of work (intake queues, CLI).
type TaskRequest struct {
	ID       string          `json:"id,omitempty"`
	Kind     Kind            `json:"kind"`
	Input    json.RawMessage `json:"input"`
	Priority int             `json:"priority,omitempty"`
}
