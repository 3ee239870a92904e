package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vietddude/healer/internal/core/domain"
	"github.com/vietddude/healer/internal/healing/quality"
	"github.com/vietddude/healer/internal/healing/recovery"
	"github.com/vietddude/healer/internal/healing/scaling"
	"github.com/vietddude/healer/internal/healing/schema"
	"github.com/vietddude/healer/internal/infra/executor"
	"github.com/vietddude/healer/internal/infra/storage"
	"github.com/vietddude/healer/internal/infra/storage/memory"
)

// =============================================================================
// Fakes
// =============================================================================

// step scripts one submitted run. Status returns statuses in order and
// repeats the last one; an empty list reports running forever.
type step struct {
	submitErr error
	statusErr error
	statuses  []executor.RunStatus
}

type fakeExecutor struct {
	mu        sync.Mutex
	steps     []step
	submits   int
	hints     []*domain.SchemaSnapshot
	runs      map[string]step
	polls     map[string]int
	cancelled []string
}

func newFakeExecutor(steps ...step) *fakeExecutor {
	return &fakeExecutor{
		steps: steps,
		runs:  make(map[string]step),
		polls: make(map[string]int),
	}
}

func (f *fakeExecutor) Submit(ctx context.Context, pipelineID string, hint *domain.SchemaSnapshot) (executor.RunHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.steps[min(f.submits, len(f.steps)-1)]
	f.submits++
	f.hints = append(f.hints, hint)
	if st.submitErr != nil {
		return executor.RunHandle{}, st.submitErr
	}
	h := fmt.Sprintf("run-%d", f.submits)
	f.runs[h] = st
	return executor.RunHandle{ID: h}, nil
}

func (f *fakeExecutor) Status(ctx context.Context, h executor.RunHandle) (executor.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.runs[h.ID]
	if !ok {
		return executor.RunStatus{}, fmt.Errorf("unknown run %s", h.ID)
	}
	if st.statusErr != nil {
		return executor.RunStatus{}, st.statusErr
	}
	n := f.polls[h.ID]
	f.polls[h.ID]++
	if len(st.statuses) == 0 {
		return executor.RunStatus{State: executor.RunRunning}, nil
	}
	return st.statuses[min(n, len(st.statuses)-1)], nil
}

func (f *fakeExecutor) Cancel(ctx context.Context, h executor.RunHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, h.ID)
	return nil
}

// adopt registers a run submitted before a restart.
func (f *fakeExecutor) adopt(handle string, st step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[handle] = st
}

func (f *fakeExecutor) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeExecutor) hintAt(i int) *domain.SchemaSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hints[i]
}

func (f *fakeExecutor) wasCancelled(handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.cancelled, handle)
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (n *fakeNotifier) Emit(ctx context.Context, a domain.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *fakeNotifier) byKind(kind domain.AlertKind) []domain.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Alert
	for _, a := range n.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

type fakeManager struct {
	mu      sync.Mutex
	applied []int
}

func (m *fakeManager) CurrentUtilization(ctx context.Context, poolID string) (domain.UtilizationSample, error) {
	return domain.UtilizationSample{CPUPercent: 40, MemoryPercent: 30}, nil
}

func (m *fakeManager) ApplyScaling(ctx context.Context, poolID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, delta)
	return nil
}

func (m *fakeManager) appliedDeltas() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.applied)
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	loop   *Loop
	exec   *fakeExecutor
	notify *fakeNotifier
	stores storage.Stores
}

func testOptions() Options {
	return Options{
		ID:             "orders",
		Pool:           "default",
		AttemptTimeout: 2 * time.Second,
		PollInterval:   2 * time.Millisecond,
		Retry: recovery.Policy{
			MaxAttempts:     2,
			BaseDelay:       5 * time.Millisecond,
			MaxDelay:        20 * time.Millisecond,
			ExponentialBase: 2,
			Strategy:        recovery.StrategyExponential,
		},
		Schema:  schema.DefaultPolicy(),
		Quality: quality.DefaultPolicy(),
	}
}

type setup struct {
	opts   Options
	deps   func(*Deps)
	stores storage.Stores
}

func withOptions(fn func(*Options)) func(*setup) {
	return func(s *setup) { fn(&s.opts) }
}

func withDeps(fn func(*Deps)) func(*setup) {
	return func(s *setup) { s.deps = fn }
}

func withStores(st storage.Stores) func(*setup) {
	return func(s *setup) { s.stores = st }
}

func startHarness(t *testing.T, exec *fakeExecutor, mods ...func(*setup)) *harness {
	t.Helper()
	s := &setup{opts: testOptions(), stores: memory.NewMemoryStorage().Stores()}
	for _, m := range mods {
		m(s)
	}

	h := &harness{exec: exec, notify: &fakeNotifier{}, stores: s.stores}
	deps := Deps{
		Executor:   exec,
		Runs:       s.stores.Runs,
		Quarantine: s.stores.Quarantine,
		Schemas:    s.stores.Schemas,
		Notifier:   h.notify,
		Classifier: recovery.NewClassifier(recovery.ClassifierConfig{}),
	}
	if s.deps != nil {
		s.deps(&deps)
	}

	loop, err := NewLoop(deps, []Options{s.opts})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	h.loop = loop

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) status(t *testing.T) domain.PipelineStatus {
	t.Helper()
	st, err := h.loop.Status("orders")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return st
}

func (h *harness) waitState(t *testing.T, want domain.PipelineState) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool { return h.status(t).State == want })
}

func (h *harness) latestRun(t *testing.T) *domain.PipelineRun {
	t.Helper()
	run, err := h.stores.Runs.LatestRun(context.Background(), "orders")
	if err != nil {
		return nil
	}
	return run
}

// waitRuns waits until n runs exist, the newest is finished and the pipeline
// is back in state.
func (h *harness) waitRuns(t *testing.T, n int, state domain.PipelineState) *domain.PipelineRun {
	t.Helper()
	var latest *domain.PipelineRun
	waitFor(t, fmt.Sprintf("%d finished runs", n), func() bool {
		runs, _ := h.stores.Runs.ListRuns(context.Background(), "orders", 0)
		if len(runs) != n || runs[0].Outcome == domain.OutcomePending {
			return false
		}
		latest = runs[0]
		return h.status(t).State == state
	})
	return latest
}

func (h *harness) trigger(t *testing.T) {
	t.Helper()
	if err := h.loop.Trigger(context.Background(), "orders"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
}

func succeeded(batch *domain.Batch, observed *domain.SchemaSnapshot) step {
	return step{statuses: []executor.RunStatus{
		{State: executor.RunRunning},
		{State: executor.RunSucceeded, Batch: batch, ObservedSchema: observed},
	}}
}

func failed(sig domain.FailureSignal) step {
	return step{statuses: []executor.RunStatus{
		{State: executor.RunFailed, Failure: &sig},
	}}
}

// failedWith reports a failed run that still carries its batch and the
// schema the executor observed.
func failedWith(sig domain.FailureSignal, batch *domain.Batch, observed *domain.SchemaSnapshot) step {
	return step{statuses: []executor.RunStatus{
		{State: executor.RunFailed, Failure: &sig, Batch: batch, ObservedSchema: observed},
	}}
}

// flakyQuarantine fails the first fails writes.
type flakyQuarantine struct {
	storage.QuarantineStore

	mu    sync.Mutex
	fails int
}

func (q *flakyQuarantine) Write(ctx context.Context, records []domain.QuarantineRecord) error {
	q.mu.Lock()
	if q.fails > 0 {
		q.fails--
		q.mu.Unlock()
		return errors.New("quarantine unavailable")
	}
	q.mu.Unlock()
	return q.QuarantineStore.Write(ctx, records)
}

// failingSchemas rejects every commit over an existing version.
type failingSchemas struct {
	storage.SchemaStore
}

func (s failingSchemas) CompareAndSwap(ctx context.Context, pipelineID string, expected int, snap *domain.SchemaSnapshot) (*domain.SchemaSnapshot, error) {
	if expected > 0 {
		return nil, errors.New("schema store unavailable")
	}
	return s.SchemaStore.CompareAndSwap(ctx, pipelineID, expected, snap)
}

func batchOf(ids ...any) *domain.Batch {
	b := &domain.Batch{ID: "b-1"}
	for i, id := range ids {
		b.Records = append(b.Records, domain.Record{
			ID:     fmt.Sprintf("r%d", i+1),
			Values: map[string]any{"id": id, "name": "x"},
		})
	}
	return b
}

func fields(f ...domain.Field) *domain.SchemaSnapshot {
	return &domain.SchemaSnapshot{Fields: f}
}

var (
	idField    = domain.Field{Name: "id", Type: "int"}
	nameField  = domain.Field{Name: "name", Type: "varchar"}
	emailField = domain.Field{Name: "email", Type: "varchar", Nullable: true}
)

func withInitialSchema(o *Options) {
	o.InitialSchema = []domain.Field{idField, nameField}
}

// =============================================================================
// Attempt lifecycle
// =============================================================================

func TestLoop_Success(t *testing.T) {
	h := startHarness(t, newFakeExecutor(succeeded(batchOf(1, 2, 3), nil)))

	h.trigger(t)
	run := h.waitRuns(t, 1, domain.StateIdle)

	if run.Outcome != domain.OutcomeSuccess || run.Attempt != 1 {
		t.Errorf("run = %+v", run)
	}
	if run.Handle != "run-1" || run.BatchID != "b-1" || run.EndedAt.IsZero() {
		t.Errorf("run bookkeeping = %+v", run)
	}
	st := h.status(t)
	if st.LastVerdict == nil || st.LastVerdict.Accepted != 3 {
		t.Errorf("verdict = %+v", st.LastVerdict)
	}
	snap, err := h.stores.Runs.LoadState(context.Background(), "orders")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if snap.State != domain.StateIdle || snap.Retry != (domain.RetryState{}) {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestLoop_RetryThenEscalate(t *testing.T) {
	h := startHarness(t, newFakeExecutor(failed(domain.FailureSignal{Message: "connection reset by peer"})))

	h.trigger(t)
	h.waitState(t, domain.StateEscalated)

	if n := h.exec.submitCount(); n != 3 {
		t.Errorf("submits = %d, want 3 (one attempt and two retries)", n)
	}
	st := h.status(t)
	if st.Attempt != 3 || st.LastFailureCategory != domain.CategoryTransient {
		t.Errorf("status = %+v", st)
	}
	if !strings.Contains(st.EscalationReason, "retry budget exhausted") {
		t.Errorf("reason = %q", st.EscalationReason)
	}

	waitFor(t, "escalation alert", func() bool { return len(h.notify.byKind(domain.AlertEscalation)) == 1 })
	a := h.notify.byKind(domain.AlertEscalation)[0]
	if a.Severity != domain.AlertSeverityCritical || a.PipelineID != "orders" || a.Details["attempts"] != "3" {
		t.Errorf("alert = %+v", a)
	}

	ctx := context.Background()
	if err := h.loop.Trigger(ctx, "orders"); !errors.Is(err, ErrEscalated) {
		t.Errorf("Trigger on escalated = %v", err)
	}
	if err := h.loop.Stop(ctx, "orders"); !errors.Is(err, ErrEscalated) {
		t.Errorf("Stop on escalated = %v", err)
	}
	if err := h.loop.Resume(ctx, "orders"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	st = h.status(t)
	if st.State != domain.StateIdle || st.EscalationReason != "" || st.LastFailureCategory != "" {
		t.Errorf("status after resume = %+v", st)
	}
	if err := h.loop.Resume(ctx, "orders"); !errors.Is(err, ErrNotEscalated) {
		t.Errorf("second Resume = %v", err)
	}
}

func TestLoop_RetryRecovers(t *testing.T) {
	h := startHarness(t, newFakeExecutor(
		failed(domain.FailureSignal{Message: "503 service temporarily unavailable"}),
		succeeded(batchOf(1), nil),
	))

	h.trigger(t)
	h.waitRuns(t, 2, domain.StateIdle)

	runs, _ := h.stores.Runs.ListRuns(context.Background(), "orders", 0)
	got := []domain.RunOutcome{runs[1].Outcome, runs[0].Outcome}
	if diff := cmp.Diff([]domain.RunOutcome{domain.OutcomeFailed, domain.OutcomeSuccess}, got); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if runs[0].Attempt != 2 {
		t.Errorf("second run attempt = %d, want 2", runs[0].Attempt)
	}
	if runs[1].Failure == nil || runs[1].Failure.Category != domain.CategoryTransient {
		t.Errorf("first run failure = %+v", runs[1].Failure)
	}
	if st := h.status(t); st.LastFailureCategory != "" || !st.NextRetryAt.IsZero() {
		t.Errorf("retry state not reset: %+v", st)
	}
}

func TestLoop_NonRetryable(t *testing.T) {
	tests := []struct {
		name     string
		step     step
		category domain.FailureCategory
	}{
		{
			name:     "configuration",
			step:     failed(domain.FailureSignal{Message: "permission denied for relation orders"}),
			category: domain.CategoryConfiguration,
		},
		{
			name:     "unrecognized",
			step:     failed(domain.FailureSignal{Message: "something odd"}),
			category: domain.CategoryFatal,
		},
		{
			name: "submit error",
			step: step{submitErr: &executor.FailureError{
				Signal: domain.FailureSignal{Message: "table does not exist"},
			}},
			category: domain.CategoryFatal,
		},
		{
			name: "status error",
			step: step{statusErr: &executor.FailureError{
				Signal: domain.FailureSignal{Code: "E42", Message: "syntax error at line 3"},
			}},
			category: domain.CategoryFatal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startHarness(t, newFakeExecutor(tt.step))

			h.trigger(t)
			h.waitState(t, domain.StateEscalated)

			if n := h.exec.submitCount(); n != 1 {
				t.Errorf("submits = %d, want 1", n)
			}
			want := fmt.Sprintf("%s failure is not retryable", tt.category)
			if st := h.status(t); st.EscalationReason != want {
				t.Errorf("reason = %q, want %q", st.EscalationReason, want)
			}
			run := h.latestRun(t)
			if run == nil || run.Outcome != domain.OutcomeFailed || run.Failure.Category != tt.category {
				t.Errorf("run = %+v", run)
			}
		})
	}
}

func TestLoop_AttemptTimeout(t *testing.T) {
	h := startHarness(t, newFakeExecutor(step{}), withOptions(func(o *Options) {
		o.AttemptTimeout = 20 * time.Millisecond
		o.Retry.MaxAttempts = 0
	}))

	h.trigger(t)
	h.waitState(t, domain.StateEscalated)

	run := h.latestRun(t)
	if run.Failure == nil || run.Failure.Code != "attempt_timeout" || run.Failure.Category != domain.CategoryTransient {
		t.Errorf("failure = %+v", run.Failure)
	}
	waitFor(t, "cancel of timed out run", func() bool { return h.exec.wasCancelled("run-1") })
}

func TestLoop_StopAbortsAttempt(t *testing.T) {
	h := startHarness(t, newFakeExecutor(step{}, succeeded(batchOf(1), nil)))
	ctx := context.Background()

	h.trigger(t)
	h.waitState(t, domain.StateRunning)

	if err := h.loop.Trigger(ctx, "orders"); !errors.Is(err, ErrBusy) {
		t.Errorf("Trigger while running = %v, want ErrBusy", err)
	}
	if err := h.loop.Stop(ctx, "orders"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := h.status(t); st.State != domain.StateIdle {
		t.Errorf("state after stop = %s", st.State)
	}
	run := h.latestRun(t)
	if run.Outcome != domain.OutcomeFailed || run.Failure.Code != "stopped" {
		t.Errorf("aborted run = %+v", run)
	}
	waitFor(t, "cancel", func() bool { return h.exec.wasCancelled("run-1") })

	// a manual trigger unpauses
	h.trigger(t)
	if run := h.waitRuns(t, 2, domain.StateIdle); run.Outcome != domain.OutcomeSuccess {
		t.Errorf("run after stop = %+v", run)
	}
}

func TestLoop_ScheduledRuns(t *testing.T) {
	h := startHarness(t, newFakeExecutor(succeeded(batchOf(1), nil)), withOptions(func(o *Options) {
		o.Interval = 10 * time.Millisecond
	}))

	waitFor(t, "two scheduled runs", func() bool { return h.exec.submitCount() >= 2 })

	if err := h.loop.Stop(context.Background(), "orders"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.waitState(t, domain.StateIdle)
	n := h.exec.submitCount()
	time.Sleep(50 * time.Millisecond)
	if got := h.exec.submitCount(); got != n {
		t.Errorf("paused pipeline kept running: %d -> %d submits", n, got)
	}
}

func TestLoop_UnknownPipeline(t *testing.T) {
	h := startHarness(t, newFakeExecutor(step{}))

	if err := h.loop.Trigger(context.Background(), "nope"); !errors.Is(err, ErrUnknownPipeline) {
		t.Errorf("Trigger = %v", err)
	}
	if _, err := h.loop.Status("nope"); !errors.Is(err, ErrUnknownPipeline) {
		t.Errorf("Status = %v", err)
	}
}

func TestNewLoop_Validation(t *testing.T) {
	stores := memory.NewMemoryStorage().Stores()
	deps := Deps{
		Executor:   newFakeExecutor(step{}),
		Runs:       stores.Runs,
		Quarantine: stores.Quarantine,
		Schemas:    stores.Schemas,
	}

	if _, err := NewLoop(deps, []Options{testOptions(), testOptions()}); err == nil {
		t.Error("duplicate pipeline should fail")
	}
	bad := testOptions()
	bad.PollInterval = 0
	if _, err := NewLoop(deps, []Options{bad}); err == nil {
		t.Error("zero poll interval should fail")
	}
	if _, err := NewLoop(Deps{}, nil); err == nil {
		t.Error("missing executor should fail")
	}
}

// =============================================================================
// Schema drift
// =============================================================================

func TestLoop_AdaptableSchemaCommitted(t *testing.T) {
	observed := fields(idField, nameField, emailField)
	h := startHarness(t, newFakeExecutor(
		succeeded(batchOf(1), observed),
		succeeded(batchOf(2), observed),
	), withOptions(withInitialSchema))

	h.trigger(t)
	h.waitRuns(t, 1, domain.StateIdle)
	h.trigger(t)
	h.waitRuns(t, 2, domain.StateIdle)

	if v := h.exec.hintAt(0).Version; v != 1 {
		t.Errorf("first hint version = %d, want 1", v)
	}
	hint := h.exec.hintAt(1)
	if hint.Version != 2 {
		t.Fatalf("second hint version = %d, want 2", hint.Version)
	}
	if diff := cmp.Diff([]domain.Field{idField, nameField, emailField}, hint.Fields); diff != "" {
		t.Errorf("merged fields mismatch (-want +got):\n%s", diff)
	}
	if st := h.status(t); st.SchemaVersion != 2 {
		t.Errorf("status schema version = %d", st.SchemaVersion)
	}
}

func TestLoop_SchemaMismatchRetriesWithMergedSchema(t *testing.T) {
	observed := fields(idField, nameField, emailField)
	h := startHarness(t, newFakeExecutor(
		failed(domain.FailureSignal{Message: "unknown column email", ObservedSchema: observed}),
		succeeded(batchOf(1), observed),
	), withOptions(withInitialSchema))

	h.trigger(t)
	run := h.waitRuns(t, 2, domain.StateIdle)

	if run.Outcome != domain.OutcomeSuccess {
		t.Errorf("retry outcome = %s", run.Outcome)
	}
	if v := h.exec.hintAt(1).Version; v != 2 {
		t.Errorf("retry hint version = %d, want 2", v)
	}
}

func TestLoop_BreakingSchema(t *testing.T) {
	// name removed
	observed := fields(idField)

	tests := []struct {
		name        string
		action      schema.BreakingAction
		wantState   domain.PipelineState
		wantOutcome domain.RunOutcome
		quarantined int
		version     int
	}{
		{"quarantine", schema.ActionQuarantine, domain.StateIdle, domain.OutcomePartial, 2, 1},
		{"fail", schema.ActionFail, domain.StateEscalated, domain.OutcomeFailed, 0, 1},
		{"ignore", schema.ActionIgnore, domain.StateIdle, domain.OutcomeSuccess, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startHarness(t, newFakeExecutor(succeeded(batchOf(1, 2), observed)),
				withOptions(withInitialSchema),
				withOptions(func(o *Options) { o.Schema.BreakingChangeAction = tt.action }),
			)

			h.trigger(t)
			run := h.waitRuns(t, 1, tt.wantState)

			if run.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %s, want %s", run.Outcome, tt.wantOutcome)
			}
			ctx := context.Background()
			n, _ := h.stores.Quarantine.Count(ctx, "orders")
			if n != tt.quarantined {
				t.Errorf("quarantined = %d, want %d", n, tt.quarantined)
			}
			acc, err := h.stores.Schemas.GetAccepted(ctx, "orders")
			if err != nil {
				t.Fatalf("GetAccepted: %v", err)
			}
			if acc.Version != tt.version {
				t.Errorf("accepted version = %d, want %d", acc.Version, tt.version)
			}
			waitFor(t, "breaking schema alert", func() bool {
				return len(h.notify.byKind(domain.AlertBreakingSchema)) == 1
			})
			if a := h.notify.byKind(domain.AlertBreakingSchema)[0]; !strings.Contains(a.Reason, `field "name" removed`) {
				t.Errorf("alert reason = %q", a.Reason)
			}
		})
	}
}

func TestLoop_BreakingQuarantineReasons(t *testing.T) {
	h := startHarness(t, newFakeExecutor(succeeded(batchOf(1, 2), fields(idField))),
		withOptions(withInitialSchema))

	h.trigger(t)
	h.waitRuns(t, 1, domain.StateIdle)

	recs, err := h.stores.Quarantine.List(context.Background(), "orders", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, r := range recs {
		if r.ID == "" || r.PipelineID != "orders" || r.BatchID != "b-1" || r.CreatedAt.IsZero() {
			t.Errorf("record not stamped: %+v", r)
		}
		if diff := cmp.Diff([]string{domain.ReasonBreakingSchema}, r.ReasonCodes); diff != "" {
			t.Errorf("reason codes mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestLoop_FailedRunBreakingSchema(t *testing.T) {
	sig := domain.FailureSignal{Message: "unknown column name"}

	tests := []struct {
		name        string
		action      schema.BreakingAction
		batch       *domain.Batch
		wantState   domain.PipelineState
		wantOutcome domain.RunOutcome
		quarantined int
	}{
		{"quarantine once", schema.ActionQuarantine, batchOf(1, 2), domain.StateIdle, domain.OutcomePartial, 2},
		{"quarantine without batch", schema.ActionQuarantine, nil, domain.StateEscalated, domain.OutcomeFailed, 0},
		{"fail", schema.ActionFail, batchOf(1, 2), domain.StateEscalated, domain.OutcomeFailed, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startHarness(t, newFakeExecutor(failedWith(sig, tt.batch, fields(idField))),
				withOptions(withInitialSchema),
				withOptions(func(o *Options) { o.Schema.BreakingChangeAction = tt.action }),
			)

			h.trigger(t)
			run := h.waitRuns(t, 1, tt.wantState)

			if n := h.exec.submitCount(); n != 1 {
				t.Errorf("submits = %d, want 1", n)
			}
			if run.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %s, want %s", run.Outcome, tt.wantOutcome)
			}
			ctx := context.Background()
			if n, _ := h.stores.Quarantine.Count(ctx, "orders"); n != tt.quarantined {
				t.Errorf("quarantined = %d, want %d", n, tt.quarantined)
			}
			if acc, _ := h.stores.Schemas.GetAccepted(ctx, "orders"); acc.Version != 1 {
				t.Errorf("accepted version = %d, want 1", acc.Version)
			}
			waitFor(t, "breaking schema alert", func() bool {
				return len(h.notify.byKind(domain.AlertBreakingSchema)) >= 1
			})
			time.Sleep(20 * time.Millisecond)
			if n := len(h.notify.byKind(domain.AlertBreakingSchema)); n != 1 {
				t.Errorf("breaking alerts = %d, want 1", n)
			}
		})
	}
}

func TestLoop_FailedRunBreakingQuarantineRetriesWrite(t *testing.T) {
	sig := domain.FailureSignal{Message: "unknown column name"}
	h := startHarness(t, newFakeExecutor(failedWith(sig, batchOf(1, 2), fields(idField))),
		withOptions(withInitialSchema),
		withDeps(func(d *Deps) { d.Quarantine = &flakyQuarantine{QuarantineStore: d.Quarantine, fails: 1} }),
	)

	h.trigger(t)
	run := h.waitRuns(t, 2, domain.StateIdle)

	if run.Outcome != domain.OutcomePartial {
		t.Errorf("outcome = %s", run.Outcome)
	}
	runs, _ := h.stores.Runs.ListRuns(context.Background(), "orders", 0)
	if f := runs[1].Failure; f == nil || f.Code != "quarantine_write_failed" {
		t.Errorf("first failure = %+v", f)
	}
	if n, _ := h.stores.Quarantine.Count(context.Background(), "orders"); n != 2 {
		t.Errorf("quarantined = %d, want 2", n)
	}
}

func TestLoop_LossyCommitFailureFailsRun(t *testing.T) {
	h := startHarness(t, newFakeExecutor(succeeded(batchOf(1, 2), fields(idField))),
		withOptions(withInitialSchema),
		withOptions(func(o *Options) {
			o.Schema.BreakingChangeAction = schema.ActionIgnore
			o.Retry.MaxAttempts = 0
		}),
		withDeps(func(d *Deps) { d.Schemas = failingSchemas{d.Schemas} }),
	)

	h.trigger(t)
	run := h.waitRuns(t, 1, domain.StateEscalated)

	if run.Failure == nil || run.Failure.Category != domain.CategorySchemaMismatch || run.Failure.Code != "schema_commit_failed" {
		t.Errorf("failure = %+v", run.Failure)
	}
	if acc, _ := h.stores.Schemas.GetAccepted(context.Background(), "orders"); acc.Version != 1 {
		t.Errorf("accepted version = %d, want 1", acc.Version)
	}
}

// =============================================================================
// Quality gate
// =============================================================================

func idRules(t *testing.T) quality.Provider {
	t.Helper()
	p, err := quality.NewStaticProvider(quality.NewRegistry(), quality.RuleSet{
		"*": {{
			Name:      "id_not_null",
			Dimension: quality.DimensionCompleteness,
			Severity:  domain.SeverityCritical,
			Check:     quality.CheckNotNull,
			Fields:    []string{"id"},
		}},
	})
	if err != nil {
		t.Fatalf("NewStaticProvider: %v", err)
	}
	return p
}

func TestLoop_QualityGate(t *testing.T) {
	// one of four records has a null id
	bad := batchOf(1, nil, 3, 4)

	tests := []struct {
		name        string
		policy      func(*quality.Policy)
		wantOutcome domain.RunOutcome
	}{
		{"within tolerance", func(p *quality.Policy) { p.Tolerance = 0.5 }, domain.OutcomeSuccess},
		{"tolerance exceeded continue", func(p *quality.Policy) { p.Tolerance = 0.1 }, domain.OutcomePartial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := idRules(t)
			h := startHarness(t, newFakeExecutor(succeeded(bad, nil)),
				withOptions(func(o *Options) { tt.policy(&o.Quality) }),
				withDeps(func(d *Deps) { d.Rules = rules }),
			)

			h.trigger(t)
			run := h.waitRuns(t, 1, domain.StateIdle)

			if run.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %s, want %s", run.Outcome, tt.wantOutcome)
			}
			recs, _ := h.stores.Quarantine.List(context.Background(), "orders", 0)
			if len(recs) != 1 || recs[0].RecordID != "r2" {
				t.Fatalf("quarantine = %+v", recs)
			}
			if diff := cmp.Diff([]string{"id_not_null"}, recs[0].ReasonCodes); diff != "" {
				t.Errorf("reason codes mismatch (-want +got):\n%s", diff)
			}
			v := h.status(t).LastVerdict
			if v == nil || v.Total != 4 || v.Accepted != 3 || v.Quarantined != 1 || v.Score != 75 {
				t.Errorf("verdict = %+v", v)
			}
		})
	}
}

func TestLoop_QualityRedoEscalates(t *testing.T) {
	rules := idRules(t)
	h := startHarness(t, newFakeExecutor(succeeded(batchOf(nil, nil, 3), nil)),
		withOptions(func(o *Options) {
			o.Quality.Tolerance = 0.1
			o.Quality.OnToleranceExceeded = quality.ToleranceRedo
			o.Retry.MaxAttempts = 1
		}),
		withDeps(func(d *Deps) { d.Rules = rules }),
	)

	h.trigger(t)
	h.waitState(t, domain.StateEscalated)

	if n := h.exec.submitCount(); n != 2 {
		t.Errorf("submits = %d, want 2", n)
	}
	run := h.latestRun(t)
	if run.Failure == nil || run.Failure.Category != domain.CategoryDataQuality || run.Failure.Code != "quality_tolerance_exceeded" {
		t.Errorf("failure = %+v", run.Failure)
	}
	if st := h.status(t); st.LastFailureCategory != domain.CategoryDataQuality {
		t.Errorf("status = %+v", st)
	}
	// only the abandoned batch of the last attempt is kept
	if n, _ := h.stores.Quarantine.Count(context.Background(), "orders"); n != 2 {
		t.Errorf("quarantined = %d, want 2", n)
	}
}

func TestLoop_QualityRedoReplacesBatch(t *testing.T) {
	rules := idRules(t)
	h := startHarness(t, newFakeExecutor(
		succeeded(batchOf(nil, nil, 3), nil),
		succeeded(batchOf(1, 2, 3), nil),
	),
		withOptions(func(o *Options) {
			o.Quality.Tolerance = 0.1
			o.Quality.OnToleranceExceeded = quality.ToleranceRedo
		}),
		withDeps(func(d *Deps) { d.Rules = rules }),
	)

	h.trigger(t)
	run := h.waitRuns(t, 2, domain.StateIdle)

	if run.Outcome != domain.OutcomeSuccess {
		t.Errorf("outcome = %s", run.Outcome)
	}
	if n, _ := h.stores.Quarantine.Count(context.Background(), "orders"); n != 0 {
		t.Errorf("quarantined = %d, want 0", n)
	}
}

func TestLoop_LowQualityAlertOncePerStreak(t *testing.T) {
	rules := idRules(t)
	h := startHarness(t, newFakeExecutor(succeeded(batchOf(1, nil), nil)),
		withOptions(func(o *Options) {
			o.Quality.Tolerance = 1
			o.Quality.MinQualityScore = 90
			o.Quality.LowQualityRuns = 2
		}),
		withDeps(func(d *Deps) { d.Rules = rules }),
	)

	for i := 1; i <= 3; i++ {
		h.trigger(t)
		h.waitRuns(t, i, domain.StateIdle)
	}

	waitFor(t, "low quality alert", func() bool { return len(h.notify.byKind(domain.AlertLowQuality)) >= 1 })
	time.Sleep(20 * time.Millisecond)
	alerts := h.notify.byKind(domain.AlertLowQuality)
	if len(alerts) != 1 {
		t.Fatalf("low quality alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Severity != domain.AlertSeverityWarning || alerts[0].Details["streak"] != "2" {
		t.Errorf("alert = %+v", alerts[0])
	}
}

// =============================================================================
// Scaling
// =============================================================================

func TestLoop_ExhaustionScalesPool(t *testing.T) {
	mgr := &fakeManager{}
	policy := scaling.DefaultPolicy()
	policy.SampleInterval = 0
	pools := scaling.NewRegistry([]scaling.PoolConfig{{ID: "default", Policy: policy}}, mgr, nil)

	h := startHarness(t, newFakeExecutor(
		failed(domain.FailureSignal{Message: "container OOMKilled"}),
		succeeded(batchOf(1), nil),
	), withDeps(func(d *Deps) { d.Pools = pools }))

	h.trigger(t)
	h.waitRuns(t, 2, domain.StateIdle)

	if diff := cmp.Diff([]int{2}, mgr.appliedDeltas()); diff != "" {
		t.Errorf("applied deltas mismatch (-want +got):\n%s", diff)
	}
	c, _ := pools.Get("default")
	if w := c.State().Workers; w != 4 {
		t.Errorf("workers = %d, want 4", w)
	}
	runs, _ := h.stores.Runs.ListRuns(context.Background(), "orders", 0)
	if runs[1].Failure.Category != domain.CategoryResourceExhaustion {
		t.Errorf("first failure = %+v", runs[1].Failure)
	}
}

func TestPoolAlerter(t *testing.T) {
	n := &fakeNotifier{}
	poolAlerter(n, slog.Default())("spark", scaling.ScaleUp{By: 2}, 6)

	waitFor(t, "pool alert", func() bool { return len(n.byKind(domain.AlertPoolScaled)) == 1 })
	a := n.byKind(domain.AlertPoolScaled)[0]
	want := map[string]string{"pool": "spark", "delta": "2", "workers": "6"}
	if diff := cmp.Diff(want, a.Details); diff != "" {
		t.Errorf("details mismatch (-want +got):\n%s", diff)
	}
	if a.Reason != "scale_up" || a.Severity != domain.AlertSeverityWarning {
		t.Errorf("alert = %+v", a)
	}
}

func TestLoop_UtilizationSampleForwarded(t *testing.T) {
	mgr := &fakeManager{}
	policy := scaling.DefaultPolicy()
	policy.SampleInterval = 0
	policy.WindowSize = 1
	pools := scaling.NewRegistry([]scaling.PoolConfig{{ID: "default", Policy: policy}}, mgr, nil)

	st := succeeded(batchOf(1), nil)
	st.statuses[1].Utilization = &domain.UtilizationSample{CPUPercent: 95}
	h := startHarness(t, newFakeExecutor(st), withDeps(func(d *Deps) { d.Pools = pools }))

	h.trigger(t)
	h.waitRuns(t, 1, domain.StateIdle)
	waitFor(t, "scale up", func() bool { return len(mgr.appliedDeltas()) == 1 })
}

// =============================================================================
// Restore
// =============================================================================

func TestLoop_RestoreEscalated(t *testing.T) {
	stores := memory.NewMemoryStorage().Stores()
	err := stores.Runs.SaveState(context.Background(), &domain.PipelineSnapshot{
		PipelineID:       "orders",
		State:            domain.StateEscalated,
		Retry:            domain.RetryState{ConsecutiveFailures: 4, LastCategory: domain.CategoryTransient},
		EscalationReason: "retry budget exhausted",
	})
	if err != nil {
		t.Fatal(err)
	}

	h := startHarness(t, newFakeExecutor(succeeded(batchOf(1), nil)), withStores(stores))
	h.waitState(t, domain.StateEscalated)

	if st := h.status(t); st.EscalationReason != "retry budget exhausted" {
		t.Errorf("reason = %q", st.EscalationReason)
	}
	if err := h.loop.Trigger(context.Background(), "orders"); !errors.Is(err, ErrEscalated) {
		t.Errorf("Trigger = %v", err)
	}
}

func TestLoop_RestorePendingRetry(t *testing.T) {
	stores := memory.NewMemoryStorage().Stores()
	err := stores.Runs.SaveState(context.Background(), &domain.PipelineSnapshot{
		PipelineID: "orders",
		State:      domain.StateFailed,
		Retry: domain.RetryState{
			ConsecutiveFailures:  1,
			AttemptsSinceSuccess: 1,
			LastCategory:         domain.CategoryTransient,
			NextEligibleAt:       time.Now().Add(5 * time.Millisecond),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	h := startHarness(t, newFakeExecutor(succeeded(batchOf(1), nil)), withStores(stores))
	run := h.waitRuns(t, 1, domain.StateIdle)

	if run.Attempt != 2 || run.Outcome != domain.OutcomeSuccess {
		t.Errorf("restored retry run = %+v", run)
	}
}

func TestLoop_RestoreRunningAttempt(t *testing.T) {
	tests := []struct {
		name        string
		handle      string
		wantSubmits int
	}{
		// the executor still knows the run: keep polling it
		{"with handle", "ext-7", 0},
		// submit never returned: fail as interrupted and retry
		{"without handle", "", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			stores := memory.NewMemoryStorage().Stores()
			_ = stores.Runs.SaveRun(ctx, &domain.PipelineRun{
				ID:         "prev",
				PipelineID: "orders",
				Attempt:    1,
				Handle:     tt.handle,
				StartedAt:  time.Now().Add(-time.Minute),
				Outcome:    domain.OutcomePending,
			})
			_ = stores.Runs.SaveState(ctx, &domain.PipelineSnapshot{
				PipelineID: "orders",
				State:      domain.StateRunning,
				Attempt:    1,
			})

			exec := newFakeExecutor(succeeded(batchOf(1), nil))
			exec.adopt("ext-7", succeeded(batchOf(1), nil))
			h := startHarness(t, exec, withStores(stores))

			waitFor(t, "latest run success", func() bool {
				run := h.latestRun(t)
				return run != nil && run.Outcome == domain.OutcomeSuccess && h.status(t).State == domain.StateIdle
			})
			if n := exec.submitCount(); n != tt.wantSubmits {
				t.Errorf("submits = %d, want %d", n, tt.wantSubmits)
			}
			if tt.handle == "" {
				runs, _ := stores.Runs.ListRuns(ctx, "orders", 0)
				prev := runs[len(runs)-1]
				if prev.Outcome != domain.OutcomeFailed || prev.Failure.Code != "interrupted" {
					t.Errorf("interrupted run = %+v", prev)
				}
			}
		})
	}
}

func TestLoop_SeedsInitialSchemaOnce(t *testing.T) {
	stores := memory.NewMemoryStorage().Stores()
	existing, err := stores.Schemas.CompareAndSwap(context.Background(), "orders", 0, fields(idField))
	if err != nil {
		t.Fatal(err)
	}

	h := startHarness(t, newFakeExecutor(succeeded(batchOf(1), nil)),
		withStores(stores), withOptions(withInitialSchema))
	h.trigger(t)
	h.waitRuns(t, 1, domain.StateIdle)

	hint := h.exec.hintAt(0)
	if hint.Version != existing.Version || len(hint.Fields) != 1 {
		t.Errorf("hint = %+v, want the stored schema", hint)
	}
}

// =============================================================================
// State machine
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.PipelineState
		want     bool
	}{
		{domain.StateIdle, domain.StateSubmitted, true},
		{domain.StateIdle, domain.StateRunning, false},
		{domain.StateSubmitted, domain.StateRunning, true},
		{domain.StateRunning, domain.StatePartialSuccess, true},
		{domain.StateFailed, domain.StateSubmitted, true},
		{domain.StateFailed, domain.StateEscalated, true},
		{domain.StateEscalated, domain.StateSubmitted, false},
		{domain.StateEscalated, domain.StateIdle, true},
		{domain.StateSucceeded, domain.StateFailed, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
