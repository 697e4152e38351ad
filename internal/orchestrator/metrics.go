package orchestrator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/vietddude/agentd/internal/core/domain"
)

// AgentMetrics holds per-kind counters.
type AgentMetrics struct {
	Completed int           // includes Degraded
	Failed    int           // executor failures, excludes Rejected
	Rejected  int           // refused while the breaker was open
	Degraded  int           // completed from a fallback result
	TotalTime time.Duration // summed over Completed and Failed
	LastUsed  *time.Time
}

// AvgTime is the mean time from first start to terminal state.
func (m AgentMetrics) AvgTime() time.Duration {
	n := m.Completed + m.Failed
	if n == 0 {
		return 0
	}
	return m.TotalTime / time.Duration(n)
}

// SuccessRate is Completed / (Completed + Failed), or 0 with no data.
func (m AgentMetrics) SuccessRate() float64 {
	n := m.Completed + m.Failed
	if n == 0 {
		return 0
	}
	return float64(m.Completed) / float64(n)
}

// MarshalJSON adds the derived figures.
func (m AgentMetrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Completed     int        `json:"completed"`
		Failed        int        `json:"failed"`
		Rejected      int        `json:"rejected"`
		Degraded      int        `json:"degraded"`
		TotalTimeSecs float64    `json:"total_time_seconds"`
		AvgTimeSecs   float64    `json:"avg_time_seconds"`
		SuccessRate   float64    `json:"success_rate"`
		LastUsed      *time.Time `json:"last_used,omitempty"`
	}{
		Completed:     m.Completed,
		Failed:        m.Failed,
		Rejected:      m.Rejected,
		Degraded:      m.Degraded,
		TotalTimeSecs: m.TotalTime.Seconds(),
		AvgTimeSecs:   m.AvgTime().Seconds(),
		SuccessRate:   m.SuccessRate(),
		LastUsed:      m.LastUsed,
	})
}

// metricsTable tracks AgentMetrics per kind. Each terminal transition
// updates it exactly once.
type metricsTable struct {
	mu     sync.RWMutex
	agents map[domain.Kind]*AgentMetrics
}

func newMetricsTable() *metricsTable {
	return &metricsTable{
		agents: make(map[domain.Kind]*AgentMetrics),
	}
}

func (mt *metricsTable) get(kind domain.Kind) *AgentMetrics {
	m, ok := mt.agents[kind]
	if !ok {
		m = &AgentMetrics{}
		mt.agents[kind] = m
	}
	return m
}

func (mt *metricsTable) recordCompleted(kind domain.Kind, elapsed time.Duration, degraded bool, now time.Time) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	m := mt.get(kind)
	m.Completed++
	if degraded {
		m.Degraded++
	}
	m.TotalTime += elapsed
	m.LastUsed = &now
}

func (mt *metricsTable) recordFailed(kind domain.Kind, elapsed time.Duration, now time.Time) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	m := mt.get(kind)
	m.Failed++
	m.TotalTime += elapsed
	m.LastUsed = &now
}

func (mt *metricsTable) recordRejected(kind domain.Kind, now time.Time) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	m := mt.get(kind)
	m.Rejected++
	m.LastUsed = &now
}

// snapshot copies the counters for the given kinds. Kinds without data get
// zero values so the key set only depends on the registry.
func (mt *metricsTable) snapshot(kinds []domain.Kind) map[domain.Kind]AgentMetrics {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	out := make(map[domain.Kind]AgentMetrics, len(kinds))
	for _, k := range kinds {
		var m AgentMetrics
		if cur, ok := mt.agents[k]; ok {
			m = *cur
			if cur.LastUsed != nil {
				last := *cur.LastUsed
				m.LastUsed = &last
			}
		}
		out[k] = m
	}
	return out
}
