package domain

import "time"

// UtilizationSample is a CPU/memory utilization reading of a resource pool, in percent.
type UtilizationSample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	At            time.Time `json:"at"`
}

// Utilization returns the dominant utilization of the sample.
func (s UtilizationSample) Utilization() float64 {
	return max(s.CPUPercent, s.MemoryPercent)
}

// ScalingState is the per-pool scaling state. It is only mutated by the pool coordinator.
type ScalingState struct {
	PoolID       string              `json:"pool_id"`
	Workers      int                 `json:"workers"`
	MinWorkers   int                 `json:"min_workers"`
	MaxWorkers   int                 `json:"max_workers"`
	LastScaledAt time.Time           `json:"last_scaled_at,omitzero"`
	History      []UtilizationSample `json:"history"`
	WindowSize   int                 `json:"window_size"`
}

// Record appends a sample, keeping at most WindowSize entries.
func (s *ScalingState) Record(sample UtilizationSample) {
	s.History = append(s.History, sample)
	if s.WindowSize > 0 && len(s.History) > s.WindowSize {
		s.History = append([]UtilizationSample(nil), s.History[len(s.History)-s.WindowSize:]...)
	}
}

// AverageUtilization averages the dominant utilization over the window.
func (s *ScalingState) AverageUtilization() (float64, bool) {
	if len(s.History) == 0 {
		return 0, false
	}
	var sum float64
	for _, h := range s.History {
		sum += h.Utilization()
	}
	return sum / float64(len(s.History)), true
}
