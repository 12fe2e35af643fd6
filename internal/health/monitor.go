package health

import (
	"context"
	"sync"
	"time"

	"github.com/docsyncd/docsyncd/internal/infra/storage"
	"github.com/docsyncd/docsyncd/internal/sync/resilience"
	"github.com/docsyncd/docsyncd/internal/sync/retry"
)

// Pinger probes one backing service.
type Pinger interface {
	Health(ctx context.Context) error
}

// Breaker exposes a circuit breaker's open state for reporting.
type Breaker interface {
	Name() string
	IsOpen() bool
}

// Monitor aggregates health status from the pipeline's components.
type Monitor struct {
	components map[string]Pinger
	critical   map[string]bool // components whose failure is critical, not degraded
	jobs       storage.SyncJobRepository
	rates      *resilience.ErrorRateAggregator
	sched      *retry.Scheduler
	breakers   []Breaker

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
}

// NewMonitor creates a health monitor. jobs, rates, sched and breakers are
// all optional; nil ones are simply left out of the report.
func NewMonitor(jobs storage.SyncJobRepository, rates *resilience.ErrorRateAggregator, sched *retry.Scheduler, breakers ...Breaker) *Monitor {
	return &Monitor{
		components: make(map[string]Pinger),
		critical:   make(map[string]bool),
		jobs:       jobs,
		rates:      rates,
		sched:      sched,
		breakers:   breakers,
	}
}

// Register adds a component probe. Critical components take the whole system
// to critical when unreachable; others only degrade it.
func (m *Monitor) Register(name string, p Pinger, critical bool) {
	m.components[name] = p
	m.critical[name] = critical
}

// CheckHealth probes every registered component and assembles the report.
func (m *Monitor) CheckHealth(ctx context.Context) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks to avoid hammering the backing services
	if time.Since(m.lastCheck) < 10*time.Second && m.lastReport != nil {
		return m.lastReport
	}

	report := &Report{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth),
	}

	for name, p := range m.components {
		ch := ComponentHealth{Component: name, Status: StatusHealthy}
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := p.Health(probeCtx); err != nil {
			ch.Error = err.Error()
			if m.critical[name] {
				ch.Status = StatusCritical
				report.SystemStatus = StatusCritical
			} else {
				ch.Status = StatusDegraded
				if report.SystemStatus == StatusHealthy {
					report.SystemStatus = StatusDegraded
				}
			}
		}
		cancel()
		report.Components[name] = ch
	}

	if m.jobs != nil {
		if stats, err := m.jobs.Stats(ctx); err == nil {
			report.Jobs = stats
		}
	}
	if m.rates != nil {
		report.ErrorRate = m.rates.Rate(5 * time.Minute)
		if report.ErrorRate > 0.5 && report.SystemStatus == StatusHealthy {
			report.SystemStatus = StatusDegraded
		}
	}
	if m.sched != nil {
		report.ActiveRetries = m.sched.ActiveCount()
	}
	for _, b := range m.breakers {
		if b.IsOpen() {
			report.OpenBreakers = append(report.OpenBreakers, b.Name())
			if report.SystemStatus == StatusHealthy {
				report.SystemStatus = StatusDegraded
			}
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}
