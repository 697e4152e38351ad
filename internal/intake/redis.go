package intake

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/metrics"
	"github.com/vietddude/agentd/internal/orchestrator"
)

// Queue is the subset of the Redis client the intake loop needs.
type Queue interface {
	PopTask(ctx context.Context) (domain.TaskRequest, bool, error)
	PushTask(ctx context.Context, req domain.TaskRequest) (string, error)
	DeadLetter(ctx context.Context, payload, reason string) error
}

// RedisConfig holds configuration for the Redis intake loop.
type RedisConfig struct {
	EmptySleep time.Duration // Sleep when queue empty (default: 1s)
	ErrorSleep time.Duration // Sleep after a Redis error (default: 5s)
}

// DefaultRedisConfig returns default intake configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		EmptySleep: time.Second,
		ErrorSleep: 5 * time.Second,
	}
}

// RedisSource pops requests from a Redis priority queue and submits them.
type RedisSource struct {
	cfg    RedisConfig
	queue  Queue
	submit Submitter
	log    *slog.Logger
}

// NewRedisSource creates a Redis intake loop.
func NewRedisSource(cfg RedisConfig, queue Queue, submit Submitter) *RedisSource {
	def := DefaultRedisConfig()
	if cfg.EmptySleep <= 0 {
		cfg.EmptySleep = def.EmptySleep
	}
	if cfg.ErrorSleep <= 0 {
		cfg.ErrorSleep = def.ErrorSleep
	}
	return &RedisSource{
		cfg:    cfg,
		queue:  queue,
		submit: submit,
		log:    slog.Default().With("component", "intake", "source", "redis"),
	}
}

// Run starts the intake loop. It returns when ctx is done or the
// orchestrator stops accepting work.
func (s *RedisSource) Run(ctx context.Context) error {
	s.log.Info("Starting redis intake")

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Redis intake stopped")
			return nil
		default:
		}

		req, found, err := s.queue.PopTask(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("Failed to pop task", "error", err)
			metrics.IntakeReceived.WithLabelValues("redis", "error").Inc()
			if !sleep(ctx, s.cfg.ErrorSleep) {
				return nil
			}
			continue
		}

		if !found {
			if !sleep(ctx, s.cfg.EmptySleep) {
				return nil
			}
			continue
		}

		if stop := s.handle(ctx, req); stop {
			s.log.Info("Redis intake stopped, orchestrator closed")
			return nil
		}
	}
}

// handle submits one request and reports whether the loop should stop.
func (s *RedisSource) handle(ctx context.Context, req domain.TaskRequest) bool {
	id, err := s.submit.SubmitRequest(req)
	switch {
	case err == nil:
		metrics.IntakeReceived.WithLabelValues("redis", "submitted").Inc()
		s.log.Info("Task received", "task_id", id, "kind", req.Kind, "priority", req.Priority)
		return false

	case errors.Is(err, orchestrator.ErrClosed):
		// Put it back for the next daemon.
		if _, pushErr := s.queue.PushTask(context.WithoutCancel(ctx), req); pushErr != nil {
			s.log.Error("Failed to re-queue task", "task_id", req.ID, "error", pushErr)
		}
		return true

	default:
		metrics.IntakeReceived.WithLabelValues("redis", "rejected").Inc()
		s.log.Warn("Task rejected", "task_id", req.ID, "kind", req.Kind, "error", err)
		if dlErr := s.queue.DeadLetter(ctx, encodeRequest(req), err.Error()); dlErr != nil {
			s.log.Error("Failed to dead-letter task", "task_id", req.ID, "error", dlErr)
		}
		return false
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
