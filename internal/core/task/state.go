// Package task holds the task lifecycle state machine.
package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/agentd/internal/core/domain"
)

// Status is an alias for domain.TaskStatus for internal use.
type Status = domain.TaskStatus

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid task transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
// PENDING/RETRY -> FAILED only happens on a circuit breaker rejection.
var ValidTransitions = map[Status][]Status{
	domain.TaskStatusPending: {domain.TaskStatusRunning, domain.TaskStatusFailed},
	domain.TaskStatusRunning: {
		domain.TaskStatusCompleted,
		domain.TaskStatusRetry,
		domain.TaskStatusFailed,
	},
	domain.TaskStatusRetry:     {domain.TaskStatusRunning, domain.TaskStatusFailed},
	domain.TaskStatusCompleted: {},
	domain.TaskStatusFailed:    {},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to Status) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Apply moves t to the next status and maintains the timestamp invariants:
// StartedAt is stamped the first time the task runs and CompletedAt when it
// reaches a terminal state.
func Apply(t *domain.Task, to Status, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.Status, to, t.ID)
	}

	switch to {
	case domain.TaskStatusRunning:
		if t.StartedAt == nil {
			started := now
			t.StartedAt = &started
		}
	case domain.TaskStatusCompleted, domain.TaskStatusFailed:
		if t.StartedAt == nil {
			// Rejected before it ever ran.
			started := now
			t.StartedAt = &started
		}
		completed := now
		t.CompletedAt = &completed
	}

	t.Status = to
	return nil
}

// Describe returns a human-readable description of a status.
func Describe(s Status) string {
	switch s {
	case domain.TaskStatusPending:
		return "Pending - waiting for a dispatch slot"
	case domain.TaskStatusRunning:
		return "Running - executor invoked"
	case domain.TaskStatusRetry:
		return "Retry - failed, rescheduled for another attempt"
	case domain.TaskStatusCompleted:
		return "Completed - result available"
	case domain.TaskStatusFailed:
		return "Failed - error available"
	default:
		return "Unknown status"
	}
}
