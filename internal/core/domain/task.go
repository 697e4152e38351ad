package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusRetry     TaskStatus = "retry"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Schedulable reports whether a task in this status may be dispatched.
func (s TaskStatus) Schedulable() bool {
	return s == TaskStatusPending || s == TaskStatusRetry
}

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

const (
	DefaultPriority   = 5
	DefaultMaxRetries = 3
)

// Task is a unit of work destined for the executor bound to Kind.
type Task struct {
	ID         string
	Kind       Kind
	Input      json.RawMessage
	Priority   int // 1 = most urgent, 10 = least
	Status     TaskStatus
	Result     json.RawMessage
	Degraded   bool // Result was produced by a fallback
	Err        error
	Retries    int
	MaxRetries int

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// Seq orders tasks of equal priority by submission.
	Seq uint64
}

// Elapsed returns the time spent since the task first started running.
// Running tasks are measured against now.
func (t *Task) Elapsed(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	end := now
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	return end.Sub(*t.StartedAt)
}

// Record flattens the task into a serializable TaskRecord.
func (t *Task) Record() TaskRecord {
	rec := TaskRecord{
		ID:          t.ID,
		Kind:        t.Kind,
		Status:      t.Status,
		Priority:    t.Priority,
		Input:       t.Input,
		Result:      t.Result,
		Degraded:    t.Degraded,
		Retries:     t.Retries,
		MaxRetries:  t.MaxRetries,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		UpdatedAt:   time.Now().UTC(),
	}
	if t.Err != nil {
		rec.Error = t.Err.Error()
	}
	return rec
}
