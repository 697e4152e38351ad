package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/resilience"
)

// Executor performs one unit of work for a kind. Input and result are opaque
// JSON documents; errors are classified by the resilience package.
type Executor func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// KindOption customizes how a kind is executed.
type KindOption func(*kindConfig)

type kindConfig struct {
	maxRetries       int
	failureThreshold int
	breakerTimeout   time.Duration
	retrier          *resilience.Retrier
}

// WithMaxRetries sets the task-level retry limit for the kind.
func WithMaxRetries(n int) KindOption {
	return func(c *kindConfig) {
		c.maxRetries = n
	}
}

// WithBreaker overrides the circuit breaker threshold and open timeout.
func WithBreaker(threshold int, timeout time.Duration) KindOption {
	return func(c *kindConfig) {
		c.failureThreshold = threshold
		c.breakerTimeout = timeout
	}
}

// WithRetrier runs every dispatch of the kind through r. The retrier then owns
// retries: a failure it returns is terminal for the task, and a fallback
// result completes the task as degraded.
func WithRetrier(r *resilience.Retrier) KindOption {
	return func(c *kindConfig) {
		c.retrier = r
	}
}

type registration struct {
	kind       domain.Kind
	exec       Executor
	maxRetries int
	breaker    *resilience.CircuitBreaker
	retrier    *resilience.Retrier
}

// RegisterExecutor binds fn to kind. Registering a kind again replaces the
// executor and resets its breaker; tasks already running keep the old one.
func (o *Orchestrator) RegisterExecutor(kind domain.Kind, fn Executor, opts ...KindOption) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if fn == nil {
		return fmt.Errorf("register %s: nil executor", kind)
	}

	kc := kindConfig{
		maxRetries:       -1,
		failureThreshold: o.cfg.FailureThreshold,
		breakerTimeout:   o.cfg.BreakerTimeout,
	}
	for _, opt := range opts {
		opt(&kc)
	}

	maxRetries := kc.maxRetries
	if kc.retrier != nil && maxRetries < 0 {
		maxRetries = kc.retrier.MaxRetries
	}
	if maxRetries < 0 {
		maxRetries = o.cfg.MaxRetries
	}

	reg := &registration{
		kind:       kind,
		exec:       fn,
		maxRetries: maxRetries,
		breaker:    resilience.NewCircuitBreaker(string(kind), kc.failureThreshold, kc.breakerTimeout),
		retrier:    kc.retrier,
	}

	o.mu.Lock()
	_, replaced := o.registry[kind]
	o.registry[kind] = reg
	o.mu.Unlock()

	o.log.Info("Executor registered",
		"kind", kind,
		"max_retries", maxRetries,
		"retrier", kc.retrier != nil,
		"replaced", replaced,
	)
	return nil
}

// Kinds returns the kinds that currently have an executor, in enumeration order.
func (o *Orchestrator) Kinds() []domain.Kind {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registeredLocked()
}

func (o *Orchestrator) registeredLocked() []domain.Kind {
	kinds := make([]domain.Kind, 0, len(o.registry))
	for _, k := range domain.Kinds {
		if _, ok := o.registry[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
