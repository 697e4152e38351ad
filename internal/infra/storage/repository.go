package storage

import (
	"context"
	"errors"

	"github.com/vietddude/agentd/internal/core/domain"
)

var (
	// ErrTaskNotFound is returned when a task record doesn't exist
	ErrTaskNotFound = errors.New("task record not found")
)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Kind   domain.Kind
	Status domain.TaskStatus
	Limit  int
}

// TaskRepository handles task record storage operations
type TaskRepository interface {
	// Save inserts or replaces a record by ID
	Save(ctx context.Context, rec *domain.TaskRecord) error

	// SaveBatch saves multiple records
	SaveBatch(ctx context.Context, recs []*domain.TaskRecord) error

	// Get retrieves a record by task ID
	Get(ctx context.Context, id string) (*domain.TaskRecord, error)

	// List retrieves records, newest first
	List(ctx context.Context, filter ListFilter) ([]*domain.TaskRecord, error)

	// CountByStatus returns record counts keyed by status
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)

	// Close releases the underlying connection
	Close() error
}
