package orchestrator

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/core/task"
	"github.com/vietddude/agentd/internal/metrics"
	"github.com/vietddude/agentd/internal/resilience"
)

// dispatchReady runs one scheduling cycle and reports whether the
// orchestrator is closing.
func (o *Orchestrator) dispatchReady(ctx context.Context, now time.Time) bool {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return true
	}

	ready := o.readyLocked(now)
	for _, e := range ready {
		if !o.slots.TryAcquire(1) {
			break
		}

		t := e.task
		reg := o.registry[t.Kind]

		if o.cfg.EnableCircuitBreaker && !reg.breaker.CanExecute() {
			o.rejectLocked(e, now)
			o.slots.Release(1)
			o.sink.Push(t.Record())
			continue
		}
		observeBreaker(reg)

		if err := task.Apply(t, domain.TaskStatusRunning, now); err != nil {
			o.log.Error("Dispatch refused", "task_id", t.ID, "error", err)
			o.slots.Release(1)
			continue
		}

		o.inFlight++
		o.wg.Add(1)
		metrics.TasksInFlight.Inc()
		// Pushed under o.mu so the executor's record can never overtake it.
		o.sink.Push(t.Record())

		o.log.Debug("Task dispatched",
			"task_id", t.ID,
			"kind", t.Kind,
			"priority", t.Priority,
			"attempt", t.Retries+1,
		)
		go o.execute(ctx, e, reg)
	}
	o.mu.Unlock()
	return false
}

// readyLocked returns schedulable tasks ordered by priority, then submission.
func (o *Orchestrator) readyLocked(now time.Time) []*entry {
	var ready []*entry
	for _, e := range o.order {
		if !e.task.Status.Schedulable() || now.Before(e.readyAt) {
			continue
		}
		if _, ok := o.registry[e.task.Kind]; !ok {
			continue
		}
		ready = append(ready, e)
	}

	slices.SortFunc(ready, func(a, b *entry) int {
		if c := cmp.Compare(a.task.Priority, b.task.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.task.Seq, b.task.Seq)
	})
	return ready
}

// rejectLocked fails a task without invoking its executor because the kind's
// breaker is open. Rejections are not failures of the executor.
func (o *Orchestrator) rejectLocked(e *entry, now time.Time) {
	t := e.task
	t.Err = fmt.Errorf("%w: %s", ErrCircuitOpen, t.Kind)
	if err := task.Apply(t, domain.TaskStatusFailed, now); err != nil {
		o.log.Error("Rejection refused", "task_id", t.ID, "error", err)
		return
	}

	o.stats.recordRejected(t.Kind, now)
	metrics.TasksFinished.WithLabelValues(string(t.Kind), "rejected").Inc()
	o.log.Warn("Task rejected, circuit open", "task_id", t.ID, "kind", t.Kind)
}

// execute runs one attempt in its own goroutine and applies the outcome.
func (o *Orchestrator) execute(ctx context.Context, e *entry, reg *registration) {
	defer o.wg.Done()

	start := time.Now()
	out, err := o.invoke(ctx, reg, e.task.Input)
	metrics.TaskDuration.WithLabelValues(string(reg.kind)).Observe(time.Since(start).Seconds())

	o.finish(e, reg, out, err, time.Now())

	o.slots.Release(1)
	metrics.TasksInFlight.Dec()
	o.wake()
}

func (o *Orchestrator) invoke(
	ctx context.Context,
	reg *registration,
	input json.RawMessage,
) (out resilience.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &resilience.ProcessError{
				ExitCode: -1,
				Err:      fmt.Errorf("%s executor panic: %v", reg.kind, r),
			}
		}
	}()

	if reg.retrier != nil {
		return reg.retrier.Do(ctx, func(ctx context.Context) (json.RawMessage, error) {
			return reg.exec(ctx, input)
		})
	}

	value, err := reg.exec(ctx, input)
	return resilience.Outcome{Value: value}, err
}

// finish applies the terminal or retry transition for an attempt and pushes
// the resulting record while still holding o.mu.
func (o *Orchestrator) finish(
	e *entry,
	reg *registration,
	out resilience.Outcome,
	err error,
	now time.Time,
) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.inFlight--
	t := e.task
	kind := string(t.Kind)

	if reg.retrier != nil {
		t.Retries = min(out.Retries, t.MaxRetries)
	}

	switch {
	case err == nil:
		t.Result = out.Value
		t.Degraded = out.Degraded
		o.transitionLocked(t, domain.TaskStatusCompleted, now)

		// A fallback result is still a result: the breaker only sees failures
		// that reach the caller.
		reg.breaker.RecordSuccess()
		if out.Degraded {
			metrics.TasksFinished.WithLabelValues(kind, "degraded").Inc()
		} else {
			metrics.TasksFinished.WithLabelValues(kind, "completed").Inc()
		}
		o.stats.recordCompleted(t.Kind, t.Elapsed(now), out.Degraded, now)

		o.log.Info("Task completed",
			"task_id", t.ID,
			"kind", t.Kind,
			"retries", t.Retries,
			"degraded", out.Degraded,
			"elapsed", t.Elapsed(now),
		)

	case reg.retrier == nil && resilience.Retryable(err, t.Retries, t.MaxRetries):
		reg.breaker.RecordFailure()
		o.transitionLocked(t, domain.TaskStatusRetry, now)
		delay := o.backoff.Delay(t.Retries)
		t.Retries++
		e.readyAt = now.Add(delay)
		metrics.TaskRetries.WithLabelValues(kind).Inc()

		o.log.Warn("Task failed, will retry",
			"task_id", t.ID,
			"kind", t.Kind,
			"attempt", resilience.NewErrorContext(err, kind, t.Retries-1, t.MaxRetries),
			"delay", delay,
		)

	default:
		reg.breaker.RecordFailure()
		t.Err = err
		o.transitionLocked(t, domain.TaskStatusFailed, now)
		o.stats.recordFailed(t.Kind, t.Elapsed(now), now)
		metrics.TasksFinished.WithLabelValues(kind, "failed").Inc()

		o.log.Error("Task failed",
			"task_id", t.ID,
			"kind", t.Kind,
			"retries", t.Retries,
			"attempt", resilience.NewErrorContext(err, kind, t.Retries, t.MaxRetries),
		)
	}

	observeBreaker(reg)
	o.sink.Push(t.Record())
}

func observeBreaker(reg *registration) {
	open := 0.0
	if reg.breaker.State() == resilience.StateOpen {
		open = 1
	}
	metrics.BreakerOpen.WithLabelValues(string(reg.kind)).Set(open)
}

func (o *Orchestrator) transitionLocked(t *domain.Task, to domain.TaskStatus, now time.Time) {
	if err := task.Apply(t, to, now); err != nil {
		// Only the executor goroutine moves a RUNNING task, so this is a bug.
		o.log.Error("Transition refused", "task_id", t.ID, "error", err)
	}
}
