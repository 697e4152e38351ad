// Package health reports daemon health and serves the status endpoints.
package health

import (
	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/orchestrator"
	"github.com/vietddude/agentd/internal/resilience"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// DependencyHealth is the result of one dependency check.
type DependencyHealth struct {
	Name   string       `json:"name"`
	Status SystemStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus                               `json:"system_status"`
	OpenBreakers []domain.Kind                              `json:"open_breakers"`
	Breakers     map[domain.Kind]resilience.BreakerSnapshot `json:"breakers"`
	Queue        orchestrator.QueueCounts                   `json:"queue"`
	Dependencies []DependencyHealth                         `json:"dependencies"`
}
