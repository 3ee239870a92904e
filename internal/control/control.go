package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/healer/internal/core/config"
	"github.com/vietddude/healer/internal/core/domain"
	"github.com/vietddude/healer/internal/core/worker"
	"github.com/vietddude/healer/internal/healing/metrics"
	"github.com/vietddude/healer/internal/healing/quality"
	"github.com/vietddude/healer/internal/healing/recovery"
	"github.com/vietddude/healer/internal/healing/scaling"
	"github.com/vietddude/healer/internal/infra/cluster"
	"github.com/vietddude/healer/internal/infra/executor"
	"github.com/vietddude/healer/internal/infra/notify"
	"github.com/vietddude/healer/internal/infra/objectstore"
	redisclient "github.com/vietddude/healer/internal/infra/redis"
	"github.com/vietddude/healer/internal/infra/storage"
	"github.com/vietddude/healer/internal/infra/storage/memory"
	"github.com/vietddude/healer/internal/infra/storage/postgres"
)

// Service wires the control loop and its infrastructure from the config.
type Service struct {
	log *slog.Logger

	loop    *Loop
	server  *Server
	grpc    *GRPCServer
	pruner  *worker.Pruner
	db      *postgres.DB
	redis   *redisclient.Client
	stores  storage.Stores
	watcher *quality.FileProvider

	cancel context.CancelFunc
	wg     sync.WaitGroup
	runErr error
}

// NewService opens the stores and builds every component. Nothing runs until
// Start.
func NewService(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{log: logger}
	checks := make(map[string]HealthCheck)

	// 1. Stores
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if cfg.Storage.Migrate {
			if err := db.Migrate(ctx); err != nil {
				db.Close()
				return nil, err
			}
		}
		s.db = db
		s.stores = db.Stores()
		checks["postgres"] = db.Health
		logger.Info("Connected to PostgreSQL")
	default:
		s.stores = memory.NewMemoryStorage().Stores()
		logger.Warn("Using in-memory storage, state is lost on restart")
	}

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.redis = client
		checks["redis"] = client.Ping
		logger.Info("Connected to Redis")
	}

	switch cfg.Storage.Quarantine {
	case config.BackendRedis:
		s.stores.Quarantine = redisclient.NewQuarantineRepo(s.redis, cfg.Redis.Prefix)
	case config.BackendObjectStore:
		archive, err := objectstore.NewArchive(ctx, cfg.ObjectStore)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.stores.Quarantine = archive
		checks["object_store"] = archive.Health
	}

	// 2. Executor, rules, alerts
	exec, err := executor.NewHTTPExecutor(cfg.Executor)
	if err != nil {
		s.closeStores()
		return nil, err
	}

	rules, err := s.rulesProvider(cfg, logger)
	if err != nil {
		s.closeStores()
		return nil, err
	}

	// 3. Scaling
	initial := make(map[string]int, len(cfg.Scaling.Pools))
	for _, p := range cfg.Scaling.Pools {
		initial[p.ID] = p.InitialWorkers
	}
	manager := cluster.NewLocalManager(initial, logger)
	pools := scaling.NewRegistry(cfg.Scaling.Pools, manager, logger)
	notifier := notify.New(cfg.Alerts, logger)
	pools.OnDecision(poolAlerter(notifier, logger))

	// 4. Loop
	loop, err := NewLoop(Deps{
		Executor:   exec,
		Runs:       s.stores.Runs,
		Quarantine: s.stores.Quarantine,
		Schemas:    s.stores.Schemas,
		Rules:      rules,
		Notifier:   notifier,
		Classifier: recovery.NewClassifier(cfg.Classifier),
		Pools:      pools,
		Logger:     logger,
	}, OptionsFromConfig(cfg))
	if err != nil {
		s.closeStores()
		return nil, err
	}
	s.loop = loop

	monitor := NewMonitor(loop, checks, 10*time.Second)
	s.server = NewServer(loop, monitor, cfg.Server.Port)
	if cfg.Server.GRPCPort > 0 {
		s.grpc = NewGRPCServer(loop, monitor, cfg.Server.GRPCPort, logger)
	}

	var lease worker.Lease
	if s.redis != nil {
		lease = s.redis
	}
	s.pruner = worker.NewPruner(worker.PrunerConfig{
		RunRetention:        cfg.Storage.RunRetention,
		QuarantineRetention: cfg.Storage.QuarantineRetention,
		Holder:              holderID(),
	}, s.stores.Runs, s.stores.Quarantine, lease, logger)

	return s, nil
}

func (s *Service) rulesProvider(cfg *config.AppConfig, logger *slog.Logger) (quality.Provider, error) {
	reg := quality.NewRegistry()
	if cfg.Quality.RulesFile != "" {
		p, err := quality.NewFileProvider(cfg.Quality.RulesFile, reg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules file: %w", err)
		}
		s.watcher = p
		return p, nil
	}
	return quality.NewStaticProvider(reg, cfg.Quality.Rules)
}

// OptionsFromConfig resolves the per-pipeline options.
func OptionsFromConfig(cfg *config.AppConfig) []Options {
	out := make([]Options, 0, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		out = append(out, Options{
			ID:             p.ID,
			Pool:           p.Pool,
			Interval:       p.Interval,
			AttemptTimeout: p.AttemptTimeout,
			PollInterval:   p.PollInterval,
			InitialSchema:  p.InitialSchema,
			Retry:          cfg.RetryPolicy(p),
			Schema:         cfg.SchemaPolicy(p),
			Quality:        cfg.QualityPolicy(p),
		})
	}
	return out
}

// Loop returns the control loop.
func (s *Service) Loop() *Loop {
	return s.loop
}

// Start starts the service and all its components.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	// Start control server
	go func() {
		if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Control server failed", "error", err)
		}
	}()

	if s.grpc != nil {
		go func() {
			if err := s.grpc.Start(); err != nil {
				s.log.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start DB Metrics Collector
	if s.db != nil {
		s.db.StartMetricsCollector(ctx)
	}

	if s.watcher != nil {
		go func() {
			if err := s.watcher.Watch(ctx); err != nil {
				s.log.Error("Rules watcher failed", "error", err)
			}
		}()
	}

	go s.pruner.Start(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.loop.Run(ctx); err != nil {
			s.log.Error("Control loop failed", "error", err)
			s.runErr = err
		}
	}()

	metrics.PipelinesConfigured.Set(float64(len(s.loop.IDs())))
	return nil
}

// Stop stops the loop and releases the stores.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("Stopping healer...")

	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var runErr error
	select {
	case <-done:
		runErr = s.runErr
	case <-ctx.Done():
		s.log.Warn("Control loop did not stop in time")
	}

	if s.grpc != nil {
		s.grpc.Stop()
	}
	err := s.server.Stop(ctx)
	s.closeStores()
	if err != nil {
		return err
	}
	return runErr
}

func (s *Service) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if s.stores.Close != nil {
		if err := s.stores.Close(); err != nil {
			s.log.Warn("Failed to close stores", "error", err)
		}
	}
}

// poolAlerter reports applied scaling actions through the notifier. Emit runs
// off the coordinator goroutine.
func poolAlerter(n notify.Notifier, logger *slog.Logger) func(string, scaling.Decision, int) {
	return func(poolID string, d scaling.Decision, workers int) {
		a := domain.Alert{
			ID:       uuid.NewString(),
			Kind:     domain.AlertPoolScaled,
			Severity: domain.AlertSeverityWarning,
			Message:  fmt.Sprintf("pool %s scaled to %d workers", poolID, workers),
			Reason:   scaling.ActionName(d),
			Details: map[string]string{
				"pool":    poolID,
				"delta":   strconv.Itoa(d.Delta()),
				"workers": strconv.Itoa(workers),
			},
			At: time.Now(),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
			defer cancel()
			if err := n.Emit(ctx, a); err != nil {
				logger.Warn("Failed to emit alert", "kind", a.Kind, "pool", poolID, "error", err)
			}
		}()
	}
}

func holderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "healer"
	}
	return host + "-" + uuid.NewString()[:8]
}
