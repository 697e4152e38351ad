// Package agent builds executors for the orchestrator: external processes,
// HTTP endpoints and an echo executor for smoke tests.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/orchestrator"
	"github.com/vietddude/agentd/internal/resilience"
)

// Executor types.
const (
	TypeCommand = "command"
	TypeHTTP    = "http"
	TypeEcho    = "echo"
)

// Spec describes how one kind is executed.
type Spec struct {
	Kind    domain.Kind
	Type    string
	Command string
	Args    []string
	Env     []string
	Dir     string
	URL     string
	Timeout time.Duration // per attempt, 0 = none

	// MaxRetries < 0 leaves the orchestrator default.
	MaxRetries int

	// Zero breaker settings leave the orchestrator defaults.
	FailureThreshold int
	BreakerTimeout   time.Duration

	// Fallback, when set, is returned as a degraded result once retries are
	// exhausted.
	Fallback json.RawMessage
	Backoff  resilience.BackoffPolicy
}

// Binding is a built executor ready to register.
type Binding struct {
	Kind    domain.Kind
	Exec    orchestrator.Executor
	Options []orchestrator.KindOption
}

// Build creates the executor described by spec.
func Build(spec Spec) (Binding, error) {
	if !spec.Kind.Valid() {
		return Binding{}, fmt.Errorf("%w: %q", orchestrator.ErrUnknownKind, spec.Kind)
	}

	var exec orchestrator.Executor
	switch spec.Type {
	case TypeCommand:
		if spec.Command == "" {
			return Binding{}, fmt.Errorf("agent %s: command is required", spec.Kind)
		}
		exec = NewCommand(spec.Command, spec.Args, spec.Env, spec.Dir).Execute
	case TypeHTTP:
		if spec.URL == "" {
			return Binding{}, fmt.Errorf("agent %s: url is required", spec.Kind)
		}
		exec = NewHTTP(spec.URL).Execute
	case TypeEcho, "":
		exec = Echo
	default:
		return Binding{}, fmt.Errorf("agent %s: unknown type %q", spec.Kind, spec.Type)
	}

	if spec.Timeout > 0 {
		exec = WithTimeout(exec, string(spec.Kind), spec.Timeout)
	}

	var opts []orchestrator.KindOption
	if spec.MaxRetries >= 0 {
		opts = append(opts, orchestrator.WithMaxRetries(spec.MaxRetries))
	}
	if spec.FailureThreshold > 0 || spec.BreakerTimeout > 0 {
		opts = append(opts, orchestrator.WithBreaker(spec.FailureThreshold, spec.BreakerTimeout))
	}

	if len(spec.Fallback) > 0 {
		if !json.Valid(spec.Fallback) {
			return Binding{}, fmt.Errorf("agent %s: fallback is not valid JSON", spec.Kind)
		}
		maxRetries := spec.MaxRetries
		if maxRetries < 0 {
			maxRetries = resilience.DefaultMaxRetries
		}
		r := resilience.NewRetrier(string(spec.Kind), maxRetries, StaticFallback(spec.Fallback))
		r.Policy = spec.Backoff
		opts = append(opts, orchestrator.WithRetrier(r))
	}

	return Binding{Kind: spec.Kind, Exec: exec, Options: opts}, nil
}

// Register builds every spec and binds it to o.
func Register(o *orchestrator.Orchestrator, specs []Spec) error {
	for _, spec := range specs {
		b, err := Build(spec)
		if err != nil {
			return err
		}
		if err := o.RegisterExecutor(b.Kind, b.Exec, b.Options...); err != nil {
			return err
		}
	}
	return nil
}

// Echo returns its input unchanged.
func Echo(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(json.RawMessage, len(input))
	copy(out, input)
	return out, nil
}

// StaticFallback returns a fallback that always yields value.
func StaticFallback(value json.RawMessage) resilience.Fallback {
	v := make(json.RawMessage, len(value))
	copy(v, value)
	return func(*resilience.ErrorContext) json.RawMessage {
		out := make(json.RawMessage, len(v))
		copy(out, v)
		return out
	}
}

// WithTimeout bounds each call of exec by d and reports an expired deadline
// as a TimeoutError.
func WithTimeout(exec orchestrator.Executor, operation string, d time.Duration) orchestrator.Executor {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		out, err := exec(ctx, input)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			var te *resilience.TimeoutError
			if !errors.As(err, &te) {
				err = &resilience.TimeoutError{Operation: operation, Err: err}
			}
		}
		return out, err
	}
}
