// Package orchestrator dispatches tasks to per-kind executors under a
// concurrency cap, in priority order, behind a circuit breaker per kind.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/metrics"
	"github.com/vietddude/agentd/internal/resilience"
)

var (
	ErrUnknownKind    = errors.New("unknown task kind")
	ErrClosed         = errors.New("orchestrator is shut down")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrTaskNotFound   = errors.New("task not found")
	ErrDuplicateTask  = errors.New("task id already exists")
	ErrAlreadyRunning = errors.New("orchestrator loop already running")
)

const (
	DefaultMaxConcurrent = 5
	DefaultPollInterval  = 500 * time.Millisecond
	MaxPriority          = 10
)

// Config controls scheduling. Zero durations and limits fall back to
// defaults; MaxRetries and EnableCircuitBreaker are taken as given, so start
// from DefaultConfig.
type Config struct {
	MaxConcurrent        int
	EnableCircuitBreaker bool
	PollInterval         time.Duration

	// Task-level retry defaults, overridable per kind.
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	FailureThreshold int
	BreakerTimeout   time.Duration
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:        DefaultMaxConcurrent,
		EnableCircuitBreaker: true,
		PollInterval:         DefaultPollInterval,
		MaxRetries:           resilience.DefaultMaxRetries,
		BackoffBase:          resilience.DefaultBackoffBase,
		BackoffCap:           resilience.DefaultBackoffCap,
		FailureThreshold:     resilience.DefaultFailureThreshold,
		BreakerTimeout:       resilience.DefaultBreakerTimeout,
	}
}

// RecordSink receives a TaskRecord on every transition, in transition order.
// Push is called with the orchestrator lock held and must not block.
type RecordSink interface {
	Push(rec domain.TaskRecord) bool
	Close()
}

type discardSink struct{}

func (discardSink) Push(domain.TaskRecord) bool { return true }
func (discardSink) Close()                      {}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l.With("component", "orchestrator")
	}
}

// WithSink sets where task records are pushed.
func WithSink(s RecordSink) Option {
	return func(o *Orchestrator) {
		o.sink = s
	}
}

type entry struct {
	task    *domain.Task
	readyAt time.Time // earliest dispatch time after a retry
}

// Orchestrator owns the task table, the executor registry and the per-kind
// breakers and metrics.
type Orchestrator struct {
	cfg     Config
	backoff resilience.BackoffPolicy
	slots   *semaphore.Weighted
	stats   *metricsTable
	sink    RecordSink
	log     *slog.Logger

	wakeCh   chan struct{}
	wg       sync.WaitGroup
	sinkOnce sync.Once

	mu       sync.Mutex
	registry map[domain.Kind]*registration
	tasks    map[string]*entry
	order    []*entry
	seq      uint64
	inFlight int
	running  bool
	closing  bool
	closed   chan struct{}
}

// New creates an orchestrator. It does nothing until Run is called.
func New(cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}

	o := &Orchestrator{
		cfg:      cfg,
		backoff:  resilience.BackoffPolicy{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		stats:    newMetricsTable(),
		sink:     discardSink{},
		log:      slog.Default().With("component", "orchestrator"),
		wakeCh:   make(chan struct{}, 1),
		registry: make(map[domain.Kind]*registration),
		tasks:    make(map[string]*entry),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit queues a task for kind and returns its id. It never blocks on
// execution. A priority outside 1..10 is clamped, with 0 or less meaning
// the default.
func (o *Orchestrator) Submit(kind domain.Kind, input json.RawMessage, priority int) (string, error) {
	return o.SubmitRequest(domain.TaskRequest{Kind: kind, Input: input, Priority: priority})
}

// SubmitRequest queues an externally built request. An empty ID gets a new uuid.
func (o *Orchestrator) SubmitRequest(req domain.TaskRequest) (string, error) {
	if !req.Kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}

	priority := req.Priority
	switch {
	case priority <= 0:
		priority = domain.DefaultPriority
	case priority > MaxPriority:
		priority = MaxPriority
	}

	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return "", ErrClosed
	}
	reg, ok := o.registry[req.Kind]
	if !ok {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: no executor bound to %q", ErrUnknownKind, req.Kind)
	}
	if _, exists := o.tasks[id]; exists {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}

	o.seq++
	t := &domain.Task{
		ID:         id,
		Kind:       req.Kind,
		Input:      input,
		Priority:   priority,
		Status:     domain.TaskStatusPending,
		MaxRetries: reg.maxRetries,
		CreatedAt:  time.Now(),
		Seq:        o.seq,
	}
	e := &entry{task: t}
	o.tasks[id] = e
	o.order = append(o.order, e)
	o.sink.Push(t.Record())
	o.mu.Unlock()

	metrics.TasksSubmitted.WithLabelValues(string(req.Kind)).Inc()
	o.log.Debug("Task submitted", "task_id", id, "kind", req.Kind, "priority", priority)
	o.wake()
	return id, nil
}

// Run drives the scheduling loop until Shutdown is called or ctx is cancelled.
// Executors receive a context derived from ctx that is never cancelled, so
// in-flight work is only stopped cooperatively.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	if o.closing {
		o.mu.Unlock()
		return ErrClosed
	}
	o.running = true
	o.mu.Unlock()

	o.log.Info("Scheduling loop started",
		"max_concurrent", o.cfg.MaxConcurrent,
		"circuit_breaker", o.cfg.EnableCircuitBreaker,
	)

	execCtx := context.WithoutCancel(ctx)
	timer := time.NewTimer(o.cfg.PollInterval)
	defer timer.Stop()

	for {
		if closing := o.dispatchReady(execCtx, time.Now()); closing {
			o.log.Info("Scheduling loop stopped")
			return nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(o.cfg.PollInterval)

		select {
		case <-ctx.Done():
			o.log.Info("Scheduling loop cancelled")
			return ctx.Err()
		case <-o.closed:
			o.log.Info("Scheduling loop stopped")
			return nil
		case <-o.wakeCh:
		case <-timer.C:
		}
	}
}

// Shutdown stops dispatching, rejects new submissions and waits for running
// executors. If ctx expires first its error is returned and the sink is left
// open. Shutdown is idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	first := !o.closing
	if first {
		o.closing = true
		close(o.closed)
	}
	inFlight := o.inFlight
	o.mu.Unlock()

	if first {
		o.log.Info("Shutting down", "in_flight", inFlight)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d in-flight tasks: %w", inFlight, ctx.Err())
	}

	o.sinkOnce.Do(func() {
		o.sink.Close()
		o.log.Info("Shutdown complete")
	})
	return nil
}

func (o *Orchestrator) wake() {
	select {
	case o.wakeCh <- struct{}{}:
	default:
	}
}
