// Package sink delivers task records to their destinations off the
// scheduling path.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/infra/storage"
	"github.com/vietddude/agentd/internal/resilience"
)

// Sink defines the interface for writing task records
type Sink interface {
	// Record writes a single record
	Record(ctx context.Context, rec domain.TaskRecord) error

	// RecordBatch writes multiple records
	RecordBatch(ctx context.Context, recs []domain.TaskRecord) error

	// Close releases the sink
	Close() error
}

// LogSink logs every record.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{log: l.With("component", "sink")}
}

func (s *LogSink) Record(ctx context.Context, rec domain.TaskRecord) error {
	s.log.Info("Task record",
		"task_id", rec.ID,
		"kind", rec.Kind,
		"status", rec.Status,
		"retries", rec.Retries,
		"degraded", rec.Degraded,
		"error", rec.Error,
	)
	return nil
}

func (s *LogSink) RecordBatch(ctx context.Context, recs []domain.TaskRecord) error {
	for _, rec := range recs {
		_ = s.Record(ctx, rec)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// RepositorySink writes records into a TaskRepository. Writes go through a
// Retrier so a database blip does not lose records.
type RepositorySink struct {
	repo    storage.TaskRepository
	retrier *resilience.Retrier
}

func NewRepositorySink(repo storage.TaskRepository, maxRetries int) *RepositorySink {
	return &RepositorySink{
		repo:    repo,
		retrier: resilience.NewRetrier("sink.save", maxRetries, nil),
	}
}

func (s *RepositorySink) Record(ctx context.Context, rec domain.TaskRecord) error {
	_, err := s.retrier.Do(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return nil, classifyStoreError(s.repo.Save(ctx, &rec))
	})
	return err
}

func (s *RepositorySink) RecordBatch(ctx context.Context, recs []domain.TaskRecord) error {
	if len(recs) == 0 {
		return nil
	}
	ptrs := make([]*domain.TaskRecord, len(recs))
	for i := range recs {
		ptrs[i] = &recs[i]
	}
	_, err := s.retrier.Do(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return nil, classifyStoreError(s.repo.SaveBatch(ctx, ptrs))
	})
	return err
}

func (s *RepositorySink) Close() error {
	return s.repo.Close()
}

// classifyStoreError marks driver errors as connection failures so the
// retrier backs off instead of giving up as UNKNOWN.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &resilience.ConnectionError{Target: "task store", Err: err}
}

// Fanout writes every record to all sinks and joins their errors.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, rec domain.TaskRecord) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.Record(ctx, rec))
	}
	return errors.Join(errs...)
}

func (f Fanout) RecordBatch(ctx context.Context, recs []domain.TaskRecord) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.RecordBatch(ctx, recs))
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
