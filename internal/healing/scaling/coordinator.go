package scaling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/healer/internal/core/domain"
	"github.com/vietddude/healer/internal/healing/metrics"
	"github.com/vietddude/healer/internal/infra/cluster"
)

// Proposal is a scaling hint sent by a pipeline. Sample is optional;
// Exhausted marks a ResourceExhaustion failure.
type Proposal struct {
	PipelineID string
	Sample     *domain.UtilizationSample
	Exhausted  bool
}

// Result is the single decision taken for a merged set of proposals.
type Result struct {
	Decision Decision
	Workers  int
	Err      error
}

type request struct {
	proposal Proposal
	reply    chan Result
}

// Coordinator is the only writer of one pool's ScalingState. Proposals queued
// while a decision is in flight are merged into the next one.
type Coordinator struct {
	poolID   string
	policy   Policy
	manager  cluster.Manager
	logger   *slog.Logger
	requests chan request
	now      func() time.Time

	// state is owned by the Run goroutine
	state domain.ScalingState

	mu       sync.RWMutex
	snapshot domain.ScalingState

	onDecision func(poolID string, d Decision, workers int)
}

// NewCoordinator creates a coordinator for poolID.
func NewCoordinator(poolID string, policy Policy, manager cluster.Manager, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	policy = policy.WithDefaults()
	c := &Coordinator{
		poolID:   poolID,
		policy:   policy,
		manager:  manager,
		logger:   logger.With("pool", poolID),
		requests: make(chan request, 64),
		now:      time.Now,
		state: domain.ScalingState{
			PoolID:     poolID,
			Workers:    policy.InitialWorkers,
			MinWorkers: policy.MinWorkers,
			MaxWorkers: policy.MaxWorkers,
			WindowSize: policy.WindowSize,
		},
	}
	c.publish()
	return c
}

// SetOnDecision registers a callback invoked on the coordinator goroutine
// after each applied action. It must be set before Run.
func (c *Coordinator) SetOnDecision(fn func(poolID string, d Decision, workers int)) {
	c.onDecision = fn
}

// PoolID returns the pool this coordinator owns.
func (c *Coordinator) PoolID() string {
	return c.poolID
}

// State returns a copy of the last committed scaling state.
func (c *Coordinator) State() domain.ScalingState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.snapshot
	s.History = append([]domain.UtilizationSample(nil), c.snapshot.History...)
	return s
}

// Propose submits a proposal and waits for the decision.
func (c *Coordinator) Propose(ctx context.Context, p Proposal) (Result, error) {
	req := request{proposal: p, reply: make(chan Result, 1)}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run processes proposals and periodic samples until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if c.policy.SampleInterval > 0 {
		ticker := time.NewTicker(c.policy.SampleInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	metrics.PoolWorkers.WithLabelValues(c.poolID).Set(float64(c.state.Workers))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			c.sample(ctx)
		case req := <-c.requests:
			batch := []request{req}
		drain:
			for {
				select {
				case next := <-c.requests:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			c.handle(ctx, batch)
		}
	}
}

func (c *Coordinator) sample(ctx context.Context) {
	s, err := c.manager.CurrentUtilization(ctx, c.poolID)
	if err != nil {
		c.logger.Warn("Failed to sample utilization", "error", err)
		return
	}
	c.state.Record(s)
	res := c.decide(ctx, false)
	if res.Err != nil {
		c.logger.Error("Scaling failed", "error", res.Err)
	}
}

func (c *Coordinator) handle(ctx context.Context, batch []request) {
	var (
		merged    domain.UtilizationSample
		hasSample bool
		exhausted bool
	)
	for _, req := range batch {
		p := req.proposal
		if p.Exhausted {
			exhausted = true
		}
		if p.Sample != nil {
			merged.CPUPercent = max(merged.CPUPercent, p.Sample.CPUPercent)
			merged.MemoryPercent = max(merged.MemoryPercent, p.Sample.MemoryPercent)
			if p.Sample.At.After(merged.At) {
				merged.At = p.Sample.At
			}
			hasSample = true
		}
	}

	if !hasSample {
		s, err := c.manager.CurrentUtilization(ctx, c.poolID)
		if err != nil {
			c.logger.Warn("Failed to sample utilization", "error", err)
		} else {
			merged, hasSample = s, true
		}
	}
	if hasSample {
		if merged.At.IsZero() {
			merged.At = c.now()
		}
		c.state.Record(merged)
	}

	res := c.decide(ctx, exhausted)
	c.logger.Debug("Merged scaling proposals",
		"proposals", len(batch),
		"exhausted", exhausted,
		"action", ActionName(res.Decision),
		"workers", res.Workers,
	)
	for _, req := range batch {
		req.reply <- res
	}
}

// decide advises on the current window, applies the action and commits the
// new state only when the cluster manager accepted it.
func (c *Coordinator) decide(ctx context.Context, exhausted bool) Result {
	now := c.now()
	avg, ok := c.state.AverageUtilization()
	if ok {
		metrics.PoolUtilization.WithLabelValues(c.poolID).Set(avg)
	}

	var d Decision
	if exhausted {
		// exhaustion counts as load at the scale-up threshold
		avg = max(avg, c.policy.ScaleUpThreshold)
		d = Decide(c.policy, c.state, avg, now)
	} else {
		d = Advise(c.policy, c.state, now)
	}

	if delta := d.Delta(); delta != 0 {
		if err := c.manager.ApplyScaling(ctx, c.poolID, delta); err != nil {
			c.publish()
			return Result{
				Decision: NoAction{Reason: "apply failed"},
				Workers:  c.state.Workers,
				Err:      fmt.Errorf("failed to apply scaling on %s: %w", c.poolID, err),
			}
		}
		prev := c.state.Workers
		c.state.Workers += delta
		c.state.LastScaledAt = now

		metrics.ScalingDecisionsTotal.WithLabelValues(c.poolID, ActionName(d)).Inc()
		metrics.PoolWorkers.WithLabelValues(c.poolID).Set(float64(c.state.Workers))
		c.logger.Info("Scaled pool",
			"action", ActionName(d),
			"from", prev,
			"to", c.state.Workers,
			"utilization", avg,
		)
		if c.onDecision != nil {
			c.onDecision(c.poolID, d, c.state.Workers)
		}
	}

	c.publish()
	return Result{Decision: d, Workers: c.state.Workers}
}

func (c *Coordinator) publish() {
	s := c.state
	s.History = append([]domain.UtilizationSample(nil), c.state.History...)
	c.mu.Lock()
	c.snapshot = s
	c.mu.Unlock()
}

// Registry holds one coordinator per configured pool.
type Registry struct {
	pools map[string]*Coordinator
}

// NewRegistry builds coordinators for every pool.
func NewRegistry(pools []PoolConfig, manager cluster.Manager, logger *slog.Logger) *Registry {
	r := &Registry{pools: make(map[string]*Coordinator, len(pools))}
	for _, p := range pools {
		r.pools[p.ID] = NewCoordinator(p.ID, p.Policy, manager, logger)
	}
	return r
}

// Get returns the coordinator for poolID.
func (r *Registry) Get(poolID string) (*Coordinator, bool) {
	c, ok := r.pools[poolID]
	return c, ok
}

// IDs returns pool ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.pools))
	for id := range r.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OnDecision registers fn on every coordinator. It must be called before Run.
func (r *Registry) OnDecision(fn func(poolID string, d Decision, workers int)) {
	for _, c := range r.pools {
		c.SetOnDecision(fn)
	}
}

// Run starts every coordinator and blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range r.pools {
		g.Go(func() error { return c.Run(ctx) })
	}
	return g.Wait()
}
