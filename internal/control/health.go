package control

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/healer/internal/core/domain"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// PipelineHealth is the health of one pipeline.
type PipelineHealth struct {
	PipelineID string               `json:"pipeline_id"`
	Status     SystemStatus         `json:"status"`
	State      domain.PipelineState `json:"state"`
	Attempt    int                  `json:"attempt"`
	Reason     string               `json:"reason,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus              `json:"system_status"`
	Pipelines    map[string]PipelineHealth `json:"pipelines"`
	Dependencies map[string]string         `json:"dependencies,omitempty"`
}

// HealthCheck probes one dependency (database, redis, ...).
type HealthCheck func(ctx context.Context) error

// StatusSource is what the monitor reads pipeline states from.
type StatusSource interface {
	Statuses() []domain.PipelineStatus
}

// Monitor aggregates health from the pipelines and the dependencies.
type Monitor struct {
	source StatusSource
	checks map[string]HealthCheck
	ttl    time.Duration

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *HealthReport
}

// NewMonitor creates a health monitor. Reports are cached for ttl.
func NewMonitor(source StatusSource, checks map[string]HealthCheck, ttl time.Duration) *Monitor {
	return &Monitor{source: source, checks: checks, ttl: ttl}
}

// CheckHealth returns the current report.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Dependency probes hit the network, don't run them on every request
	if m.lastReport != nil && time.Since(m.lastCheck) < m.ttl {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Pipelines:    make(map[string]PipelineHealth),
	}

	for _, st := range m.source.Statuses() {
		h := PipelineHealth{
			PipelineID: st.PipelineID,
			Status:     StatusHealthy,
			State:      st.State,
			Attempt:    st.Attempt,
		}
		switch st.State {
		case domain.StateEscalated:
			h.Status = StatusDegraded
			h.Reason = st.EscalationReason
		case domain.StateFailed:
			h.Status = StatusDegraded
			h.Reason = string(st.LastFailureCategory)
		}
		report.Pipelines[st.PipelineID] = h
		report.SystemStatus = worst(report.SystemStatus, h.Status)
	}

	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		report.Dependencies = make(map[string]string, len(names))
	}
	for _, name := range names {
		if err := m.checks[name](ctx); err != nil {
			report.Dependencies[name] = err.Error()
			report.SystemStatus = StatusCritical
			continue
		}
		report.Dependencies[name] = "ok"
	}

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}

func worst(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
