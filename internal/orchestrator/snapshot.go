package orchestrator

import (
	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/resilience"
)

// QueueCounts counts tasks by status.
type QueueCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Retry     int `json:"retry"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Snapshot is a point-in-time view of the orchestrator. Two snapshots taken
// with no transition in between are equal.
type Snapshot struct {
	Agents map[domain.Kind]AgentMetrics `json:"agents"`
	Queue  QueueCounts                  `json:"queue"`
}

// Metrics returns per-kind metrics and task counts. It has no side effects.
func (o *Orchestrator) Metrics() Snapshot {
	o.mu.Lock()
	kinds := o.registeredLocked()
	var q QueueCounts
	for _, e := range o.order {
		q.Total++
		switch e.task.Status {
		case domain.TaskStatusPending:
			q.Pending++
		case domain.TaskStatusRunning:
			q.Running++
		case domain.TaskStatusRetry:
			q.Retry++
		case domain.TaskStatusCompleted:
			q.Completed++
		case domain.TaskStatusFailed:
			q.Failed++
		}
	}
	o.mu.Unlock()

	return Snapshot{
		Agents: o.stats.snapshot(kinds),
		Queue:  q,
	}
}

// Breakers returns the breaker state of every registered kind.
func (o *Orchestrator) Breakers() map[domain.Kind]resilience.BreakerSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[domain.Kind]resilience.BreakerSnapshot, len(o.registry))
	for kind, reg := range o.registry {
		out[kind] = reg.breaker.Snapshot()
	}
	return out
}

// OpenBreakers lists kinds whose breaker currently refuses calls.
func (o *Orchestrator) OpenBreakers() []domain.Kind {
	o.mu.Lock()
	defer o.mu.Unlock()

	var open []domain.Kind
	for _, kind := range o.registeredLocked() {
		if o.registry[kind].breaker.State() == resilience.StateOpen {
			open = append(open, kind)
		}
	}
	return open
}

// Task returns a copy of the task with the given id.
func (o *Orchestrator) Task(id string) (domain.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.tasks[id]
	if !ok {
		return domain.Task{}, ErrTaskNotFound
	}
	return copyTask(e.task), nil
}

// Tasks returns copies of all tasks in submission order.
func (o *Orchestrator) Tasks() []domain.Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]domain.Task, 0, len(o.order))
	for _, e := range o.order {
		out = append(out, copyTask(e.task))
	}
	return out
}

func copyTask(t *domain.Task) domain.Task {
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return c
}
