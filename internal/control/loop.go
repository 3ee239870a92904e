// Package control runs the self-healing control loop: one actor per pipeline
// that submits attempts, classifies failures, schedules retries, reconciles
// schemas, gates data quality and escalates when recovery is exhausted.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/healer/internal/core/domain"
	"github.com/vietddude/healer/internal/healing/quality"
	"github.com/vietddude/healer/internal/healing/recovery"
	"github.com/vietddude/healer/internal/healing/scaling"
	"github.com/vietddude/healer/internal/infra/executor"
	"github.com/vietddude/healer/internal/infra/notify"
	"github.com/vietddude/healer/internal/infra/storage"
)

var (
	ErrUnknownPipeline = errors.New("unknown pipeline")
	ErrBusy            = errors.New("pipeline has an attempt in flight")
	ErrEscalated       = errors.New("pipeline is escalated")
	ErrNotEscalated    = errors.New("pipeline is not escalated")
	ErrNotRunning      = errors.New("control loop is not running")
)

// Deps are the collaborators shared by every pipeline.
type Deps struct {
	Executor   executor.Executor
	Runs       storage.RunHistoryStore
	Quarantine storage.QuarantineStore
	Schemas    storage.SchemaStore
	Rules      quality.Provider
	Notifier   notify.Notifier
	Classifier *recovery.Classifier

	// Pools is optional. Without it exhaustion failures retry without scaling.
	Pools *scaling.Registry

	Logger *slog.Logger

	// Now and Rand default to time.Now and math/rand.
	Now  func() time.Time
	Rand func() float64
}

// Loop owns the pipeline actors.
type Loop struct {
	deps      Deps
	pipelines map[string]*pipeline
	order     []string
}

// NewLoop creates a loop for the given pipelines.
func NewLoop(deps Deps, opts []Options) (*Loop, error) {
	if deps.Executor == nil || deps.Runs == nil || deps.Quarantine == nil || deps.Schemas == nil {
		return nil, errors.New("executor and stores are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Rand == nil {
		deps.Rand = rand.Float64
	}
	if deps.Classifier == nil {
		deps.Classifier = recovery.NewClassifier(recovery.ClassifierConfig{})
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(deps.Logger)
	}
	if deps.Rules == nil {
		rules, err := quality.NewStaticProvider(quality.NewRegistry(), nil)
		if err != nil {
			return nil, err
		}
		deps.Rules = rules
	}

	l := &Loop{deps: deps, pipelines: make(map[string]*pipeline, len(opts))}
	for _, o := range opts {
		if _, dup := l.pipelines[o.ID]; dup {
			return nil, fmt.Errorf("duplicate pipeline %q", o.ID)
		}
		if o.PollInterval <= 0 || o.AttemptTimeout <= 0 {
			return nil, fmt.Errorf("pipeline %q: poll interval and attempt timeout must be positive", o.ID)
		}
		l.pipelines[o.ID] = newPipeline(o, deps)
		l.order = append(l.order, o.ID)
	}
	return l, nil
}

// Run starts every actor and the scaling coordinators, and blocks until ctx
// is cancelled or one of them fails.
func (l *Loop) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if l.deps.Pools != nil {
		g.Go(func() error { return l.deps.Pools.Run(ctx) })
	}
	for _, id := range l.order {
		p := l.pipelines[id]
		g.Go(func() error { return p.loop(ctx) })
	}
	l.deps.Logger.Info("Control loop started", "pipelines", len(l.order))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	l.deps.Logger.Info("Control loop stopped")
	return err
}

func (l *Loop) get(id string) (*pipeline, error) {
	p, ok := l.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, id)
	}
	return p, nil
}

// Trigger starts an attempt now.
func (l *Loop) Trigger(ctx context.Context, id string) error {
	p, err := l.get(id)
	if err != nil {
		return err
	}
	return p.ask(ctx, reqTrigger)
}

// Stop pauses the schedule of a pipeline and aborts an in-flight attempt.
func (l *Loop) Stop(ctx context.Context, id string) error {
	p, err := l.get(id)
	if err != nil {
		return err
	}
	return p.ask(ctx, reqStop)
}

// Resume clears an escalation and returns the pipeline to Idle.
func (l *Loop) Resume(ctx context.Context, id string) error {
	p, err := l.get(id)
	if err != nil {
		return err
	}
	return p.ask(ctx, reqResume)
}

// Status returns the last published status of a pipeline.
func (l *Loop) Status(id string) (domain.PipelineStatus, error) {
	p, err := l.get(id)
	if err != nil {
		return domain.PipelineStatus{}, err
	}
	return p.snapshotStatus(), nil
}

// Statuses returns the status of every pipeline in configuration order.
func (l *Loop) Statuses() []domain.PipelineStatus {
	out := make([]domain.PipelineStatus, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.pipelines[id].snapshotStatus())
	}
	return out
}

// IDs returns the pipeline IDs in configuration order.
func (l *Loop) IDs() []string {
	return slices.Clone(l.order)
}
