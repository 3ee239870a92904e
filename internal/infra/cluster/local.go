package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/vietddude/healer/internal/core/domain"
)

// LocalManager treats the host as the resource pool. Utilization comes from
// host CPU and memory, worker counts are tracked in memory.
type LocalManager struct {
	mu      sync.Mutex
	workers map[string]int
	logger  *slog.Logger

	// samplers, replaced in tests
	cpuPercent func(ctx context.Context) (float64, error)
	memPercent func(ctx context.Context) (float64, error)
	now        func() time.Time
}

// NewLocalManager creates a manager with the given initial worker counts.
func NewLocalManager(initial map[string]int, logger *slog.Logger) *LocalManager {
	if logger == nil {
		logger = slog.Default()
	}
	workers := make(map[string]int, len(initial))
	for id, n := range initial {
		workers[id] = n
	}
	return &LocalManager{
		workers:    workers,
		logger:     logger,
		cpuPercent: hostCPUPercent,
		memPercent: hostMemPercent,
		now:        time.Now,
	}
}

func hostCPUPercent(ctx context.Context) (float64, error) {
	// 0 interval compares against the previous call
	vals, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, fmt.Errorf("no cpu stats")
	}
	return vals[0], nil
}

func hostMemPercent(ctx context.Context) (float64, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}

func (m *LocalManager) CurrentUtilization(ctx context.Context, poolID string) (domain.UtilizationSample, error) {
	cpuUsed, err := m.cpuPercent(ctx)
	if err != nil {
		return domain.UtilizationSample{}, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	memUsed, err := m.memPercent(ctx)
	if err != nil {
		return domain.UtilizationSample{}, fmt.Errorf("failed to read memory usage: %w", err)
	}
	return domain.UtilizationSample{
		CPUPercent:    cpuUsed,
		MemoryPercent: memUsed,
		At:            m.now(),
	}, nil
}

func (m *LocalManager) ApplyScaling(ctx context.Context, poolID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.workers[poolID] + delta
	if next < 0 {
		return fmt.Errorf("pool %s cannot shrink below zero workers (have %d, delta %d)",
			poolID, m.workers[poolID], delta)
	}
	m.workers[poolID] = next
	m.logger.Info("Applied scaling", "pool", poolID, "delta", delta, "workers", next)
	return nil
}

// Workers returns the tracked worker count of a pool.
func (m *LocalManager) Workers(poolID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[poolID]
}
