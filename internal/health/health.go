// Package health provides system health monitoring and status reporting.
package health

import "github.com/docsyncd/docsyncd/internal/infra/storage"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ComponentHealth is the probe result for one backing service.
type ComponentHealth struct {
	Component string       `json:"component"`
	Status    SystemStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
}

// Report contains the full system health report.
type Report struct {
	SystemStatus  SystemStatus               `json:"system_status"`
	Components    map[string]ComponentHealth `json:"components"`
	Jobs          *storage.JobStats          `json:"jobs,omitempty"`
	ErrorRate     float64                    `json:"error_rate"`
	ActiveRetries int                        `json:"active_retries"`
	OpenBreakers  []string                   `json:"open_breakers,omitempty"`
}
