package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/orchestrator"
)

// StatusSource is the orchestrator view the reporter reads.
type StatusSource interface {
	Metrics() orchestrator.Snapshot
	OpenBreakers() []domain.Kind
}

// Reporter logs the orchestrator status on an interval.
type Reporter struct {
	source   StatusSource
	interval time.Duration
	log      *slog.Logger
}

// NewReporter creates a new Reporter worker.
func NewReporter(source StatusSource, interval time.Duration) *Reporter {
	return &Reporter{
		source:   source,
		interval: interval,
		log:      slog.Default().With("component", "reporter"),
	}
}

// Start runs the reporter loop. A non-positive interval disables it.
func (r *Reporter) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final report
			r.Report()
			return
		case <-ticker.C:
			r.Report()
		}
	}
}

// Report logs one status snapshot.
func (r *Reporter) Report() {
	snap := r.source.Metrics()
	q := snap.Queue

	r.log.Info("Orchestrator status",
		"total", q.Total,
		"pending", q.Pending,
		"running", q.Running,
		"retry", q.Retry,
		"completed", q.Completed,
		"failed", q.Failed,
	)

	for _, kind := range domain.Kinds {
		m, ok := snap.Agents[kind]
		if !ok || m.Completed+m.Failed+m.Rejected == 0 {
			continue
		}
		r.log.Info("Agent status",
			"kind", kind,
			"completed", m.Completed,
			"failed", m.Failed,
			"rejected", m.Rejected,
			"degraded", m.Degraded,
			"success_rate", m.SuccessRate(),
			"avg_time", m.AvgTime(),
		)
	}

	if open := r.source.OpenBreakers(); len(open) > 0 {
		r.log.Warn("Circuit breakers open", "kinds", open)
	}
}
