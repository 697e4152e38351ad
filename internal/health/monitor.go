package health

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/orchestrator"
	"github.com/vietddude/agentd/internal/resilience"
)

// Source is the orchestrator view the monitor and server read.
type Source interface {
	Metrics() orchestrator.Snapshot
	Breakers() map[domain.Kind]resilience.BreakerSnapshot
	OpenBreakers() []domain.Kind
	Tasks() []domain.Task
	Task(id string) (domain.Task, error)
}

// Check probes one dependency, such as the task store or Redis.
type Check func(ctx context.Context) error

const checkTimeout = 2 * time.Second

// Monitor aggregates health status from the orchestrator and its dependencies.
type Monitor struct {
	source Source
	checks map[string]Check
	ttl    time.Duration

	mu        sync.Mutex
	lastCheck time.Time
	lastDeps  []DependencyHealth
}

// NewMonitor creates a new health monitor.
func NewMonitor(source Source) *Monitor {
	return &Monitor{
		source: source,
		checks: make(map[string]Check),
		ttl:    5 * time.Second,
	}
}

// AddCheck registers a dependency probe. A failing probe makes the system
// critical.
func (m *Monitor) AddCheck(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
	m.lastCheck = time.Time{}
}

// CheckHealth builds a report. Any open breaker degrades the system.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	report := HealthReport{
		SystemStatus: StatusHealthy,
		OpenBreakers: m.source.OpenBreakers(),
		Breakers:     m.source.Breakers(),
		Queue:        m.source.Metrics().Queue,
		Dependencies: m.dependencies(ctx),
	}
	if report.OpenBreakers == nil {
		report.OpenBreakers = []domain.Kind{}
	}

	if len(report.OpenBreakers) > 0 {
		report.SystemStatus = StatusDegraded
	}
	for _, dep := range report.Dependencies {
		if dep.Status == StatusCritical {
			report.SystemStatus = StatusCritical
			break
		}
	}
	return report
}

// dependencies runs the probes, at most once per ttl.
func (m *Monitor) dependencies(ctx context.Context) []DependencyHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastCheck.IsZero() && time.Since(m.lastCheck) < m.ttl {
		return m.lastDeps
	}

	deps := make([]DependencyHealth, 0, len(m.checks))
	for name, check := range m.checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := check(cctx)
		cancel()

		dep := DependencyHealth{Name: name, Status: StatusHealthy}
		if err != nil {
			dep.Status = StatusCritical
			dep.Error = err.Error()
		}
		deps = append(deps, dep)
	}
	slices.SortFunc(deps, func(a, b DependencyHealth) int { return cmp.Compare(a.Name, b.Name) })

	m.lastCheck = time.Now()
	m.lastDeps = deps
	return deps
}
