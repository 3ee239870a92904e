package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/healer/internal/healing/metrics"
	"github.com/vietddude/healer/internal/infra/storage"
)

// Lease is held by at most one replica at a time.
type Lease interface {
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
}

// PrunerConfig holds the retention periods. Zero disables pruning of a kind.
type PrunerConfig struct {
	RunRetention        time.Duration
	QuarantineRetention time.Duration

	// Holder identifies this replica when a Lease is set.
	Holder string
}

// Pruner deletes finished runs and quarantined records past retention.
type Pruner struct {
	cfg        PrunerConfig
	runs       storage.RunHistoryStore
	quarantine storage.QuarantineStore
	lease      Lease
	logger     *slog.Logger
	now        func() time.Time
}

// NewPruner creates a new Pruner worker. lease may be nil.
func NewPruner(
	cfg PrunerConfig,
	runs storage.RunHistoryStore,
	quarantine storage.QuarantineStore,
	lease Lease,
	logger *slog.Logger,
) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		cfg:        cfg,
		runs:       runs,
		quarantine: quarantine,
		lease:      lease,
		logger:     logger.With("component", "pruner"),
		now:        time.Now,
	}
}

// Interval is the check period: 10% of the shortest retention, within
// [1m, 1h].
func (p *Pruner) Interval() time.Duration {
	retention := p.cfg.RunRetention
	if retention <= 0 || (p.cfg.QuarantineRetention > 0 && p.cfg.QuarantineRetention < retention) {
		retention = p.cfg.QuarantineRetention
	}
	interval := min(retention/10, 1*time.Hour)
	return max(interval, 1*time.Minute)
}

// Start runs the pruner loop until ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	if p.cfg.RunRetention <= 0 && p.cfg.QuarantineRetention <= 0 {
		return // Retention disabled
	}

	interval := p.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx, interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx, interval)
		}
	}
}

// Prune runs one pass. With a lease, the pass is skipped unless this replica
// holds it; the lease lives for leaseTTL.
func (p *Pruner) Prune(ctx context.Context, leaseTTL time.Duration) {
	if p.lease != nil {
		ok, err := p.lease.AcquireLease(ctx, "pruner", p.cfg.Holder, leaseTTL)
		if err != nil {
			p.logger.Warn("Failed to acquire pruner lease", "error", err)
			return
		}
		if !ok {
			p.logger.Debug("Pruner lease held by another replica")
			return
		}
	}

	now := p.now()
	if p.cfg.RunRetention > 0 {
		n, err := p.runs.PruneRuns(ctx, now.Add(-p.cfg.RunRetention))
		if err != nil {
			p.logger.Error("Failed to prune runs", "error", err)
			metrics.StoreErrorsTotal.WithLabelValues("runs", "prune").Inc()
		} else if n > 0 {
			p.logger.Info("Pruned runs", "deleted", n)
		}
	}
	if p.cfg.QuarantineRetention > 0 {
		n, err := p.quarantine.Prune(ctx, now.Add(-p.cfg.QuarantineRetention))
		if err != nil {
			p.logger.Error("Failed to prune quarantine", "error", err)
			metrics.StoreErrorsTotal.WithLabelValues("quarantine", "prune").Inc()
		} else if n > 0 {
			p.logger.Info("Pruned quarantined records", "deleted", n)
		}
	}
}
