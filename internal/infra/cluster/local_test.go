package cluster

import (
	"context"
	"errors"
	"testing"
)

func TestLocalManager_Utilization(t *testing.T) {
	m := NewLocalManager(nil, nil)
	m.cpuPercent = func(context.Context) (float64, error) { return 42, nil }
	m.memPercent = func(context.Context) (float64, error) { return 63, nil }

	s, err := m.CurrentUtilization(context.Background(), "default")
	if err != nil {
		t.Fatalf("CurrentUtilization: %v", err)
	}
	if s.CPUPercent != 42 || s.MemoryPercent != 63 || s.Utilization() != 63 {
		t.Errorf("unexpected sample %+v", s)
	}

	m.memPercent = func(context.Context) (float64, error) { return 0, errors.New("boom") }
	if _, err := m.CurrentUtilization(context.Background(), "default"); err == nil {
		t.Error("expected error from memory sampler")
	}
}

func TestLocalManager_ApplyScaling(t *testing.T) {
	m := NewLocalManager(map[string]int{"etl": 2}, nil)
	ctx := context.Background()

	if err := m.ApplyScaling(ctx, "etl", 3); err != nil {
		t.Fatalf("scale up: %v", err)
	}
	if got := m.Workers("etl"); got != 5 {
		t.Errorf("expected 5 workers, got %d", got)
	}
	if err := m.ApplyScaling(ctx, "etl", -6); err == nil {
		t.Error("expected error when shrinking below zero")
	}
	if got := m.Workers("etl"); got != 5 {
		t.Errorf("failed apply must not change workers, got %d", got)
	}
}
