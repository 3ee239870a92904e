package cluster

import (
	"context"

	"github.com/vietddude/healer/internal/core/domain"
)

// Manager reports pool utilization and applies worker count changes.
type Manager interface {
	// CurrentUtilization samples CPU and memory utilization of the pool
	CurrentUtilization(ctx context.Context, poolID string) (domain.UtilizationSample, error)

	// ApplyScaling changes the pool size by delta workers (negative shrinks)
	ApplyScaling(ctx context.Context, poolID string, delta int) error
}
