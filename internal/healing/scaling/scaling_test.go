package scaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/healer/internal/core/domain"
)

func samples(vals ...float64) []domain.UtilizationSample {
	out := make([]domain.UtilizationSample, len(vals))
	for i, v := range vals {
		out[i] = domain.UtilizationSample{CPUPercent: v}
	}
	return out
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.ScaleUpThreshold = 80
	p.ScaleDownThreshold = 30
	p.ScaleUpIncrement = 2
	p.ScaleDownIncrement = 1
	p.MinWorkers = 1
	p.MaxWorkers = 10
	p.Cooldown = 5 * time.Minute
	p.SampleInterval = 0
	return p
}

// =============================================================================
// Advisor Tests
// =============================================================================

func TestAdvise(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := testPolicy()

	tests := []struct {
		name  string
		state domain.ScalingState
		want  Decision
	}{
		{
			name:  "sustained high load scales up",
			state: domain.ScalingState{Workers: 4, History: samples(85, 88, 90)},
			want:  ScaleUp{By: 2},
		},
		{
			name:  "increment clamped to max",
			state: domain.ScalingState{Workers: 9, History: samples(95)},
			want:  ScaleUp{By: 1},
		},
		{
			name:  "at max",
			state: domain.ScalingState{Workers: 10, History: samples(95)},
			want:  NoAction{Reason: "at max workers (10)"},
		},
		{
			name:  "low load scales down",
			state: domain.ScalingState{Workers: 4, History: samples(10, 20, 25)},
			want:  ScaleDown{By: 1},
		},
		{
			name:  "at min",
			state: domain.ScalingState{Workers: 1, History: samples(5)},
			want:  NoAction{Reason: "at min workers (1)"},
		},
		{
			name:  "between thresholds",
			state: domain.ScalingState{Workers: 4, History: samples(50, 60)},
			want:  NoAction{Reason: "within thresholds"},
		},
		{
			name:  "single spike averaged away",
			state: domain.ScalingState{Workers: 4, History: samples(40, 40, 95)},
			want:  NoAction{Reason: "within thresholds"},
		},
		{
			name: "cooldown suppresses",
			state: domain.ScalingState{
				Workers: 4, History: samples(90), LastScaledAt: now.Add(-time.Minute),
			},
			want: NoAction{Reason: "cooldown"},
		},
		{
			name: "cooldown elapsed",
			state: domain.ScalingState{
				Workers: 4, History: samples(90), LastScaledAt: now.Add(-10 * time.Minute),
			},
			want: ScaleUp{By: 2},
		},
		{
			name:  "no samples",
			state: domain.ScalingState{Workers: 4},
			want:  NoAction{Reason: "no utilization samples"},
		},
		{
			name:  "memory dominates",
			state: domain.ScalingState{Workers: 4, History: []domain.UtilizationSample{{CPUPercent: 10, MemoryPercent: 92}}},
			want:  ScaleUp{By: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Advise(policy, tt.state, now); got != tt.want {
				t.Errorf("Advise() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestAdvise_NeverViolatesBounds(t *testing.T) {
	policy := testPolicy()
	policy.ScaleUpIncrement = 7
	policy.ScaleDownIncrement = 7
	policy.Cooldown = 0
	now := time.Now()

	for workers := policy.MinWorkers; workers <= policy.MaxWorkers; workers++ {
		for _, u := range []float64{0, 15, 30, 55, 80, 99} {
			s := domain.ScalingState{Workers: workers, History: samples(u)}
			next := workers + Advise(policy, s, now).Delta()
			if next < policy.MinWorkers || next > policy.MaxWorkers {
				t.Fatalf("workers %d util %v -> %d out of [%d, %d]",
					workers, u, next, policy.MinWorkers, policy.MaxWorkers)
			}
		}
	}
}

func TestPolicy_Validate(t *testing.T) {
	p := DefaultPolicy()
	if err := p.Validate(); err != nil {
		t.Fatalf("default invalid: %v", err)
	}

	p.ScaleDownThreshold = 85
	if err := p.Validate(); err == nil {
		t.Error("expected error when down threshold >= up threshold")
	}

	p = DefaultPolicy()
	p.MaxWorkers = 0
	if err := p.Validate(); err == nil {
		t.Error("expected error when max < min")
	}
}

func TestScalingState_Window(t *testing.T) {
	s := domain.ScalingState{WindowSize: 3}
	for _, v := range []float64{10, 20, 30, 40, 50} {
		s.Record(domain.UtilizationSample{CPUPercent: v})
	}
	if len(s.History) != 3 {
		t.Fatalf("expected window of 3, got %d", len(s.History))
	}
	if avg, _ := s.AverageUtilization(); avg != 40 {
		t.Errorf("expected avg 40, got %v", avg)
	}
}

// =============================================================================
// Coordinator Tests
// =============================================================================

type fakeManager struct {
	mu       sync.Mutex
	sample   domain.UtilizationSample
	applied  []int
	applyErr error
}

func (m *fakeManager) CurrentUtilization(ctx context.Context, poolID string) (domain.UtilizationSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sample, nil
}

func (m *fakeManager) ApplyScaling(ctx context.Context, poolID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applied = append(m.applied, delta)
	return nil
}

func (m *fakeManager) appliedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

func startCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestCoordinator_ScenarioD(t *testing.T) {
	policy := testPolicy()
	policy.InitialWorkers = 4
	mgr := &fakeManager{}
	c := NewCoordinator("etl", policy, mgr, nil)
	startCoordinator(t, c)

	ctx := context.Background()
	var res Result
	for _, v := range []float64{85, 88, 90} {
		var err error
		res, err = c.Propose(ctx, Proposal{Sample: &domain.UtilizationSample{CPUPercent: v}})
		if err != nil {
			t.Fatalf("Propose: %v", err)
		}
		// 85 already crosses the threshold; later samples land in the cooldown.
		if res.Err != nil {
			t.Fatalf("unexpected apply error: %v", res.Err)
		}
	}

	state := c.State()
	if state.Workers != 6 {
		t.Errorf("expected 6 workers, got %d", state.Workers)
	}
	if mgr.appliedCount() != 1 {
		t.Errorf("expected exactly one applied action, got %d", mgr.appliedCount())
	}
	if _, ok := res.Decision.(NoAction); !ok {
		t.Errorf("expected cooldown NoAction after scaling, got %#v", res.Decision)
	}
}

func TestCoordinator_MergesConcurrentProposals(t *testing.T) {
	policy := testPolicy()
	policy.InitialWorkers = 4
	mgr := &fakeManager{sample: domain.UtilizationSample{CPUPercent: 40}}
	c := NewCoordinator("etl", policy, mgr, nil)

	const proposers = 5
	results := make([]Result, proposers)
	var wg sync.WaitGroup
	for i := 0; i < proposers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Propose(context.Background(), Proposal{PipelineID: "p", Exhausted: true})
			if err != nil {
				t.Errorf("Propose: %v", err)
			}
			results[i] = res
		}(i)
	}

	// Queue every proposal before the coordinator starts.
	deadline := time.Now().Add(2 * time.Second)
	for len(c.requests) < proposers {
		if time.Now().After(deadline) {
			t.Fatal("proposals not queued")
		}
		time.Sleep(time.Millisecond)
	}
	startCoordinator(t, c)
	wg.Wait()

	if mgr.appliedCount() != 1 {
		t.Fatalf("expected one merged action, got %d", mgr.appliedCount())
	}
	for i, r := range results {
		if r.Decision != (ScaleUp{By: 2}) || r.Workers != 6 {
			t.Errorf("proposer %d got %#v workers %d", i, r.Decision, r.Workers)
		}
	}
}

func TestCoordinator_FailedApplyDoesNotCommit(t *testing.T) {
	policy := testPolicy()
	policy.InitialWorkers = 4
	mgr := &fakeManager{applyErr: errors.New("quota exceeded")}
	c := NewCoordinator("etl", policy, mgr, nil)
	startCoordinator(t, c)

	res, err := c.Propose(context.Background(), Proposal{
		Sample: &domain.UtilizationSample{CPUPercent: 95},
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if res.Err == nil {
		t.Fatal("expected apply error")
	}
	state := c.State()
	if state.Workers != 4 || !state.LastScaledAt.IsZero() {
		t.Errorf("state committed despite failure: %+v", state)
	}

	// Cooldown did not start, so a later success applies immediately.
	mgr.mu.Lock()
	mgr.applyErr = nil
	mgr.mu.Unlock()
	res, _ = c.Propose(context.Background(), Proposal{Sample: &domain.UtilizationSample{CPUPercent: 95}})
	if res.Decision != (ScaleUp{By: 2}) {
		t.Errorf("expected ScaleUp after recovery, got %#v", res.Decision)
	}
}

func TestCoordinator_ProposeHonorsContext(t *testing.T) {
	c := NewCoordinator("etl", testPolicy(), &fakeManager{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Propose(ctx, Proposal{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestRegistry_OnDecision(t *testing.T) {
	policy := testPolicy()
	policy.InitialWorkers = 4
	r := NewRegistry([]PoolConfig{{ID: "etl", Policy: policy}, {ID: "gpu", Policy: policy}}, &fakeManager{}, nil)

	type applied struct {
		pool    string
		d       Decision
		workers int
	}
	calls := make(chan applied, 4)
	r.OnDecision(func(poolID string, d Decision, workers int) {
		calls <- applied{poolID, d, workers}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c, _ := r.Get("gpu")
	if _, err := c.Propose(context.Background(), Proposal{PipelineID: "p", Exhausted: true}); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	select {
	case got := <-calls:
		if got != (applied{"gpu", ScaleUp{By: 2}, 6}) {
			t.Errorf("callback = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}

	// a NoAction inside the cooldown is not reported
	if _, err := c.Propose(context.Background(), Proposal{PipelineID: "p", Exhausted: true}); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	select {
	case got := <-calls:
		t.Errorf("unexpected callback %+v", got)
	default:
	}
}
