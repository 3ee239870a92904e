package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/healer/internal/core/domain"
	"github.com/vietddude/healer/internal/healing/metrics"
	"github.com/vietddude/healer/internal/healing/quality"
	"github.com/vietddude/healer/internal/healing/recovery"
	"github.com/vietddude/healer/internal/healing/scaling"
	"github.com/vietddude/healer/internal/healing/schema"
	"github.com/vietddude/healer/internal/infra/executor"
	"github.com/vietddude/healer/internal/infra/storage"
)

const (
	proposeTimeout = 30 * time.Second
	cancelTimeout  = 10 * time.Second
	alertTimeout   = 10 * time.Second
	mailboxSize    = 32
)

// Options configures one pipeline actor.
type Options struct {
	ID   string
	Pool string

	Interval       time.Duration
	AttemptTimeout time.Duration
	PollInterval   time.Duration

	InitialSchema []domain.Field

	Retry   recovery.Policy
	Schema  schema.Policy
	Quality quality.Policy
}

// Event types posted to a pipeline mailbox. Results of helper goroutines
// carry the sequence number of the attempt they belong to.
type (
	requestKind int

	request struct {
		kind  requestKind
		reply chan error
	}
	submitted struct {
		seq    uint64
		handle executor.RunHandle
		err    error
	}
	pollDue struct{ seq uint64 }
	polled  struct {
		seq    uint64
		status executor.RunStatus
		err    error
	}
	retryDue struct{ seq uint64 }
	timedOut struct{ seq uint64 }
	scaled   struct {
		seq      uint64
		category domain.FailureCategory
		result   scaling.Result
		err      error
	}
)

const (
	reqTrigger requestKind = iota
	reqStop
	reqResume
)

// pipeline is the actor owning the state machine of one pipeline. Every field
// below mu is touched only by the loop goroutine.
type pipeline struct {
	opts        Options
	deps        Deps
	logger      *slog.Logger
	scheduler   *recovery.Scheduler
	reconciler  *schema.Reconciler
	coordinator *scaling.Coordinator

	mailbox chan any
	done    chan struct{}

	mu     sync.RWMutex
	status domain.PipelineStatus

	ctx              context.Context
	state            domain.PipelineState
	seq              uint64
	retry            domain.RetryState
	run              *domain.PipelineRun
	accepted         *domain.SchemaSnapshot
	escalationReason string
	lastVerdict      *domain.VerdictSummary
	paused           bool

	lowQualityStreak  int
	lowQualityAlerted bool

	// deferredQuarantine holds the records of a batch rejected for redo. They
	// are written only if no later attempt replaces the batch.
	deferredQuarantine *domain.QualityVerdict

	attemptCtx    context.Context
	cancelAttempt context.CancelFunc
	pollTimer     *time.Timer
	retryTimer    *time.Timer
	timeoutTimer  *time.Timer
}

func newPipeline(opts Options, deps Deps) *pipeline {
	var schedOpts []recovery.SchedulerOption
	if deps.Rand != nil {
		schedOpts = append(schedOpts, recovery.WithRandSource(deps.Rand))
	}
	logger := deps.Logger.With("pipeline", opts.ID)

	p := &pipeline{
		opts:       opts,
		deps:       deps,
		logger:     logger,
		scheduler:  recovery.NewScheduler(opts.Retry, schedOpts...),
		reconciler: schema.NewReconciler(deps.Schemas, schema.NewEvaluator(opts.Schema), logger),
		mailbox:    make(chan any, mailboxSize),
		done:       make(chan struct{}),
		state:      domain.StateIdle,
	}
	if deps.Pools != nil {
		if c, ok := deps.Pools.Get(opts.Pool); ok {
			p.coordinator = c
		}
	}
	p.publish()
	return p
}

// -----------------------------------------------------------------------------
// Mailbox
// -----------------------------------------------------------------------------

func (p *pipeline) post(ev any) {
	select {
	case p.mailbox <- ev:
	case <-p.done:
	}
}

func (p *pipeline) ask(ctx context.Context, kind requestKind) error {
	req := request{kind: kind, reply: make(chan error, 1)}
	select {
	case p.mailbox <- req:
	case <-p.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-p.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeline) snapshotStatus() domain.PipelineStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// loop runs the actor until ctx is cancelled.
func (p *pipeline) loop(ctx context.Context) error {
	defer close(p.done)
	p.ctx = ctx
	p.restore(ctx)

	var tick <-chan time.Time
	if p.opts.Interval > 0 {
		ticker := time.NewTicker(p.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil
		case <-tick:
			p.scheduledTrigger()
		case ev := <-p.mailbox:
			p.handle(ev)
		}
	}
}

func (p *pipeline) handle(ev any) {
	switch ev := ev.(type) {
	case request:
		ev.reply <- p.handleRequest(ev.kind)
	case submitted:
		p.onSubmitted(ev)
	case pollDue:
		if p.current(ev.seq, domain.StateRunning) {
			p.startPoll()
		}
	case polled:
		p.onPolled(ev)
	case retryDue:
		if p.current(ev.seq, domain.StateFailed) {
			p.submit()
		}
	case timedOut:
		p.onTimeout(ev)
	case scaled:
		p.onScaled(ev)
	}
}

// current reports whether an event of attempt seq is still relevant.
func (p *pipeline) current(seq uint64, states ...domain.PipelineState) bool {
	if seq == p.seq && slices.Contains(states, p.state) {
		return true
	}
	p.logger.Debug("Dropping stale event", "seq", seq, "current_seq", p.seq, "state", p.state)
	return false
}

func (p *pipeline) handleRequest(kind requestKind) error {
	switch kind {
	case reqTrigger:
		if p.state == domain.StateEscalated {
			return ErrEscalated
		}
		if busy(p.state) {
			return ErrBusy
		}
		p.paused = false
		p.submit()
		return nil

	case reqStop:
		if p.state == domain.StateEscalated {
			return ErrEscalated
		}
		p.paused = true
		if busy(p.state) {
			p.abort("stopped by operator")
		}
		p.logger.Info("Pipeline stopped")
		return nil

	case reqResume:
		if p.state != domain.StateEscalated {
			return ErrNotEscalated
		}
		p.retry.Reset()
		p.escalationReason = ""
		p.paused = false
		p.lowQualityStreak = 0
		p.lowQualityAlerted = false
		p.transition(domain.StateIdle)
		p.logger.Info("Pipeline resumed")
		return nil
	}
	return fmt.Errorf("unknown request %d", kind)
}

func (p *pipeline) scheduledTrigger() {
	if p.paused || p.state != domain.StateIdle {
		p.logger.Debug("Skipping scheduled run", "state", p.state, "paused", p.paused)
		return
	}
	p.submit()
}

// -----------------------------------------------------------------------------
// Attempt lifecycle
// -----------------------------------------------------------------------------

func (p *pipeline) beginAttempt() {
	seq := p.seq
	p.attemptCtx, p.cancelAttempt = context.WithCancel(p.ctx)
	p.timeoutTimer = time.AfterFunc(p.opts.AttemptTimeout, func() {
		p.post(timedOut{seq: seq})
	})
}

// finishAttempt stops the timers and helpers of the current attempt.
func (p *pipeline) finishAttempt() {
	stopTimer(p.timeoutTimer)
	stopTimer(p.pollTimer)
	if p.cancelAttempt != nil {
		p.cancelAttempt()
		p.cancelAttempt = nil
	}
	if p.run != nil && p.run.EndedAt.IsZero() {
		p.run.EndedAt = p.deps.Now()
	}
}

func (p *pipeline) submit() {
	stopTimer(p.retryTimer)
	p.seq++
	seq := p.seq

	p.retry.NextEligibleAt = time.Time{}
	p.run = &domain.PipelineRun{
		ID:         uuid.NewString(),
		PipelineID: p.opts.ID,
		Attempt:    p.retry.ConsecutiveFailures + 1,
		StartedAt:  p.deps.Now(),
		Outcome:    domain.OutcomePending,
	}
	p.transition(domain.StateSubmitted)
	p.saveRun()
	metrics.AttemptsTotal.WithLabelValues(p.opts.ID).Inc()

	p.beginAttempt()
	ctx := p.attemptCtx
	hint := p.accepted.Clone()
	p.logger.Info("Submitting attempt", "attempt", p.run.Attempt, "run", p.run.ID)

	go func() {
		h, err := p.deps.Executor.Submit(ctx, p.opts.ID, hint)
		p.post(submitted{seq: seq, handle: h, err: err})
	}()
}

func (p *pipeline) onSubmitted(ev submitted) {
	if !p.current(ev.seq, domain.StateSubmitted) {
		if ev.err == nil && ev.handle.ID != "" {
			p.cancelRun(ev.handle.ID)
		}
		return
	}
	if ev.err != nil {
		p.finishAttempt()
		p.fail(signalFromError(ev.err), nil)
		return
	}

	p.run.Handle = ev.handle.ID
	p.transition(domain.StateRunning)
	p.saveRun()
	p.schedulePoll()
}

func (p *pipeline) schedulePoll() {
	seq := p.seq
	p.pollTimer = time.AfterFunc(p.opts.PollInterval, func() {
		p.post(pollDue{seq: seq})
	})
}

func (p *pipeline) startPoll() {
	seq := p.seq
	ctx := p.attemptCtx
	handle := executor.RunHandle{ID: p.run.Handle}
	go func() {
		st, err := p.deps.Executor.Status(ctx, handle)
		p.post(polled{seq: seq, status: st, err: err})
	}()
}

func (p *pipeline) onPolled(ev polled) {
	if !p.current(ev.seq, domain.StateRunning) {
		return
	}
	if ev.err != nil {
		var fe *executor.FailureError
		if errors.As(ev.err, &fe) {
			p.finishAttempt()
			p.fail(fe.Signal, nil)
			return
		}
		p.logger.Warn("Status poll failed", "handle", p.run.Handle, "error", ev.err)
		p.schedulePoll()
		return
	}
	if !ev.status.State.Done() {
		p.schedulePoll()
		return
	}
	p.finishAttempt()
	p.complete(ev.status)
}

func (p *pipeline) onTimeout(ev timedOut) {
	if !p.current(ev.seq, domain.StateSubmitted, domain.StateRunning) {
		return
	}
	handle := p.run.Handle
	p.finishAttempt()
	if handle != "" {
		p.cancelRun(handle)
	}
	p.fail(domain.FailureSignal{
		Code:     "attempt_timeout",
		Message:  fmt.Sprintf("attempt exceeded %s", p.opts.AttemptTimeout),
		TimedOut: true,
	}, nil)
}

// abort ends any in-flight attempt or pending retry and returns to Idle.
func (p *pipeline) abort(reason string) {
	if p.run != nil && (p.state == domain.StateSubmitted || p.state == domain.StateRunning) {
		handle := p.run.Handle
		p.finishAttempt()
		p.run.Outcome = domain.OutcomeFailed
		p.run.Failure = &domain.ClassifiedFailure{
			Category: domain.CategoryTransient,
			Code:     "stopped",
			Message:  reason,
		}
		p.saveRun()
		if handle != "" {
			p.cancelRun(handle)
		}
	}
	stopTimer(p.retryTimer)
	p.flushDeferredQuarantine()
	p.seq++
	p.retry.NextEligibleAt = time.Time{}
	p.transition(domain.StateIdle)
}

func (p *pipeline) cancelRun(handle string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if err := p.deps.Executor.Cancel(ctx, executor.RunHandle{ID: handle}); err != nil {
			p.logger.Warn("Failed to cancel run", "handle", handle, "error", err)
		}
	}()
}

func (p *pipeline) shutdown() {
	stopTimer(p.retryTimer)
	stopTimer(p.pollTimer)
	stopTimer(p.timeoutTimer)
	if p.cancelAttempt != nil {
		p.cancelAttempt()
	}
}

// -----------------------------------------------------------------------------
// Completed runs
// -----------------------------------------------------------------------------

func (p *pipeline) complete(status executor.RunStatus) {
	if status.Utilization != nil {
		p.proposeSample(*status.Utilization)
	}
	if status.Batch != nil {
		p.run.BatchID = status.Batch.ID
	}

	if status.State == executor.RunFailed {
		sig := domain.FailureSignal{Message: "run failed without a failure report"}
		if status.Failure != nil {
			sig = *status.Failure
		}
		if sig.ObservedSchema == nil {
			sig.ObservedSchema = status.ObservedSchema
		}
		p.fail(sig, status.Batch)
		return
	}

	if status.ObservedSchema != nil && !p.reconcileCompleted(status.ObservedSchema, status.Batch) {
		return
	}
	p.gate(status.Batch)
}

// reconcileCompleted applies drift detection to a successful run. It returns
// false when the run was resolved by the breaking-change policy.
func (p *pipeline) reconcileCompleted(observed *domain.SchemaSnapshot, batch *domain.Batch) bool {
	out, err := p.reconciler.Reconcile(p.ctx, p.opts.ID, observed)
	if err != nil {
		p.logger.Error("Schema reconcile failed", "error", err)
		metrics.StoreErrorsTotal.WithLabelValues("schemas", "reconcile").Inc()
		p.failWith(schemaCommitFailed(err), nil, batch)
		return false
	}
	p.observeSchema(out)

	b, ok := out.Result.(schema.Breaking)
	if !ok {
		return true
	}

	action := p.opts.Schema.BreakingChangeAction
	p.alertBreaking(b, action)
	switch action {
	case schema.ActionIgnore:
		if err := p.acceptLossy(b); err != nil {
			p.failWith(schemaCommitFailed(err), nil, batch)
			return false
		}
		return true
	case schema.ActionFail:
		p.recordFailure(domain.ClassifiedFailure{
			Category: domain.CategorySchemaMismatch,
			Code:     domain.ReasonBreakingSchema,
			Message:  strings.Join(b.Reasons, "; "),
		})
		p.retry = recovery.RecordFailure(p.retry, domain.CategorySchemaMismatch)
		p.escalate(domain.ReasonBreakingSchema + ": " + strings.Join(b.Reasons, "; "))
		return false
	default:
		var whole domain.Batch
		if batch != nil {
			whole = *batch
		}
		verdict := quality.QuarantineAll(whole, domain.ReasonBreakingSchema)
		if !p.writeQuarantine(&verdict) {
			p.quarantineWriteFailed(batch)
			return false
		}
		p.observeQuality(verdict)
		p.succeed(domain.StatePartialSuccess, domain.OutcomePartial)
		return false
	}
}

func (p *pipeline) acceptLossy(b schema.Breaking) error {
	stored, err := p.reconciler.AcceptLossy(p.ctx, p.opts.ID, p.accepted, b)
	if err != nil {
		p.logger.Error("Failed to accept lossy schema", "error", err)
		metrics.StoreErrorsTotal.WithLabelValues("schemas", "accept_lossy").Inc()
		return err
	}
	p.logger.Warn("Accepted lossy schema",
		"version", stored.Version,
		"reasons", strings.Join(b.Reasons, "; "),
	)
	p.accepted = stored
	return nil
}

func schemaCommitFailed(err error) domain.ClassifiedFailure {
	return domain.ClassifiedFailure{
		Category: domain.CategorySchemaMismatch,
		Code:     "schema_commit_failed",
		Message:  err.Error(),
	}
}

func (p *pipeline) observeSchema(out *schema.Outcome) {
	if out.Accepted != nil {
		p.accepted = out.Accepted
	}
	if out.Registered || !out.Diff.Empty() {
		metrics.SchemaChangesTotal.WithLabelValues(p.opts.ID, out.Result.String()).Inc()
	}
}

func (p *pipeline) gate(batch *domain.Batch) {
	verdict := domain.QualityVerdict{Score: 100}
	if batch != nil {
		rules, err := p.deps.Rules.Rules(p.ctx, p.opts.ID)
		if err != nil {
			p.failWith(domain.ClassifiedFailure{
				Category: domain.CategoryConfiguration,
				Code:     "rules_unavailable",
				Message:  err.Error(),
			}, nil, batch)
			return
		}
		verdict = quality.Evaluate(*batch, rules, p.opts.Quality)
	}

	exceeded := verdict.QuarantinedFraction() > p.opts.Quality.Tolerance
	if exceeded && p.opts.Quality.OnToleranceExceeded == quality.ToleranceRedo {
		// held until a later attempt replaces the batch or it is abandoned
		p.observeQuality(verdict)
		if len(verdict.Quarantine) > 0 {
			p.deferredQuarantine = &verdict
		}
		p.failWith(domain.ClassifiedFailure{
			Category: domain.CategoryDataQuality,
			Code:     "quality_tolerance_exceeded",
			Message: fmt.Sprintf("%d of %d records quarantined (tolerance %.2f)",
				verdict.Quarantined, verdict.Total, p.opts.Quality.Tolerance),
		}, nil, nil)
		return
	}

	if !p.writeQuarantine(&verdict) {
		p.quarantineWriteFailed(batch)
		return
	}
	p.observeQuality(verdict)

	if exceeded {
		p.succeed(domain.StatePartialSuccess, domain.OutcomePartial)
		return
	}
	p.succeed(domain.StateSucceeded, domain.OutcomeSuccess)
}

// flushDeferredQuarantine writes the records of a redo batch that no later
// attempt replaced.
func (p *pipeline) flushDeferredQuarantine() {
	v := p.deferredQuarantine
	if v == nil {
		return
	}
	p.deferredQuarantine = nil
	if p.writeQuarantine(v) {
		p.logger.Info("Quarantined records of abandoned batch", "batch", v.BatchID, "records", len(v.Quarantine))
	}
}

// writeQuarantine stamps and persists the quarantined records of v.
func (p *pipeline) writeQuarantine(v *domain.QualityVerdict) bool {
	if len(v.Quarantine) == 0 {
		return true
	}
	now := p.deps.Now()
	for i := range v.Quarantine {
		v.Quarantine[i].ID = uuid.NewString()
		v.Quarantine[i].PipelineID = p.opts.ID
		v.Quarantine[i].CreatedAt = now
	}
	if err := p.deps.Quarantine.Write(p.ctx, v.Quarantine); err != nil {
		p.logger.Error("Failed to write quarantine", "records", len(v.Quarantine), "error", err)
		metrics.StoreErrorsTotal.WithLabelValues("quarantine", "write").Inc()
		return false
	}
	metrics.QuarantinedRecordsTotal.WithLabelValues(p.opts.ID).Add(float64(len(v.Quarantine)))
	return true
}

// quarantineWriteFailed retries the whole batch so no record is dropped.
func (p *pipeline) quarantineWriteFailed(batch *domain.Batch) {
	p.failWith(domain.ClassifiedFailure{
		Category: domain.CategoryTransient,
		Code:     "quarantine_write_failed",
		Message:  "quarantine store unavailable",
	}, nil, batch)
}

func (p *pipeline) observeQuality(v domain.QualityVerdict) {
	p.lastVerdict = v.Summary()
	if v.Total == 0 {
		return
	}
	metrics.QualityScore.WithLabelValues(p.opts.ID).Set(v.Score)

	if v.Score >= p.opts.Quality.MinQualityScore {
		p.lowQualityStreak = 0
		p.lowQualityAlerted = false
		return
	}
	p.lowQualityStreak++
	if p.lowQualityStreak >= p.opts.Quality.LowQualityRuns && !p.lowQualityAlerted {
		p.lowQualityAlerted = true
		p.alert(domain.AlertLowQuality, domain.AlertSeverityWarning,
			fmt.Sprintf("pipeline %s quality below %.0f for %d runs",
				p.opts.ID, p.opts.Quality.MinQualityScore, p.lowQualityStreak),
			"low_quality",
			map[string]string{
				"score":  strconv.FormatFloat(v.Score, 'f', 1, 64),
				"streak": strconv.Itoa(p.lowQualityStreak),
				"batch":  v.BatchID,
			},
		)
	}
}

func (p *pipeline) succeed(state domain.PipelineState, outcome domain.RunOutcome) {
	p.deferredQuarantine = nil
	p.run.Outcome = outcome
	p.saveRun()
	metrics.OutcomesTotal.WithLabelValues(p.opts.ID, string(outcome)).Inc()

	p.retry.Reset()
	p.transition(state)
	attrs := []any{"attempt", p.run.Attempt, "state", state}
	if v := p.lastVerdict; v != nil {
		attrs = append(attrs, "accepted", v.Accepted, "quarantined", v.Quarantined, "score", v.Score)
	}
	p.logger.Info("Attempt completed", attrs...)
	p.transition(domain.StateIdle)
}

// -----------------------------------------------------------------------------
// Failures
// -----------------------------------------------------------------------------

func signalFromError(err error) domain.FailureSignal {
	var fe *executor.FailureError
	if errors.As(err, &fe) {
		return fe.Signal
	}
	return domain.FailureSignal{Message: err.Error()}
}

func (p *pipeline) fail(sig domain.FailureSignal, batch *domain.Batch) {
	p.failWith(p.deps.Classifier.ClassifyFailure(sig), sig.ObservedSchema, batch)
}

// recordFailure closes the run as failed and moves to Failed.
func (p *pipeline) recordFailure(cf domain.ClassifiedFailure) {
	if p.run.EndedAt.IsZero() {
		p.run.EndedAt = p.deps.Now()
	}
	p.run.Outcome = domain.OutcomeFailed
	p.run.Failure = &cf
	p.saveRun()

	metrics.OutcomesTotal.WithLabelValues(p.opts.ID, string(domain.OutcomeFailed)).Inc()
	metrics.FailuresTotal.WithLabelValues(p.opts.ID, string(cf.Category)).Inc()
	p.logger.Warn("Attempt failed",
		"attempt", p.run.Attempt,
		"category", cf.Category,
		"code", cf.Code,
		"error", cf.Message,
	)
	p.transition(domain.StateFailed)
}

func (p *pipeline) failWith(cf domain.ClassifiedFailure, observed *domain.SchemaSnapshot, batch *domain.Batch) {
	if cf.Category == domain.CategorySchemaMismatch && observed != nil && !p.reconcileFailed(cf, observed, batch) {
		return
	}
	p.recordFailure(cf)

	if cf.Category == domain.CategoryResourceExhaustion && p.coordinator != nil {
		p.proposeExhaustion(cf.Category)
		return
	}
	p.decide(cf.Category)
}

// reconcileFailed runs drift detection for a SchemaMismatch failure before
// the run is closed. It returns false when the breaking-change policy
// resolved the run; a retry would only see the same diff again.
func (p *pipeline) reconcileFailed(cf domain.ClassifiedFailure, observed *domain.SchemaSnapshot, batch *domain.Batch) bool {
	out, err := p.reconciler.Reconcile(p.ctx, p.opts.ID, observed)
	if err != nil {
		p.logger.Error("Schema reconcile failed", "error", err)
		metrics.StoreErrorsTotal.WithLabelValues("schemas", "reconcile").Inc()
		return true
	}
	p.observeSchema(out)

	b, ok := out.Result.(schema.Breaking)
	if !ok {
		return true
	}

	action := p.opts.Schema.BreakingChangeAction
	reason := domain.ReasonBreakingSchema + ": " + strings.Join(b.Reasons, "; ")
	p.alertBreaking(b, action)
	switch {
	case action == schema.ActionIgnore:
		// retried against the lossy schema, or the unchanged one if the
		// commit failed
		_ = p.acceptLossy(b)
		return true
	case action == schema.ActionQuarantine && batch != nil && p.state == domain.StateRunning:
		verdict := quality.QuarantineAll(*batch, domain.ReasonBreakingSchema)
		if !p.writeQuarantine(&verdict) {
			p.quarantineWriteFailed(batch)
			return false
		}
		p.observeQuality(verdict)
		p.succeed(domain.StatePartialSuccess, domain.OutcomePartial)
		return false
	}

	// ActionFail, or nothing to quarantine: the next attempt hits the same diff
	p.recordFailure(cf)
	p.retry = recovery.RecordFailure(p.retry, domain.CategorySchemaMismatch)
	p.escalate(reason)
	return false
}

// decide asks the retry scheduler and arms the retry timer or escalates.
func (p *pipeline) decide(category domain.FailureCategory) {
	next, decision := p.scheduler.Next(p.retry, category, p.deps.Now())
	p.retry = next

	switch d := decision.(type) {
	case recovery.Retry:
		metrics.RetriesTotal.WithLabelValues(p.opts.ID).Inc()
		metrics.RetryDelay.WithLabelValues(p.opts.ID).Observe(d.After.Seconds())
		p.logger.Info("Scheduling retry",
			"attempt", p.retry.ConsecutiveFailures+1,
			"after", d.After,
			"suggest_scaling", d.SuggestScaling,
		)
		p.scheduleRetry(d.After)
		p.persist()
	case recovery.GiveUp:
		p.escalate(d.Reason)
	}
}

func (p *pipeline) scheduleRetry(after time.Duration) {
	stopTimer(p.retryTimer)
	seq := p.seq
	p.retryTimer = time.AfterFunc(after, func() {
		p.post(retryDue{seq: seq})
	})
}

func (p *pipeline) escalate(reason string) {
	p.flushDeferredQuarantine()
	p.escalationReason = reason
	p.transition(domain.StateEscalated)
	metrics.EscalationsTotal.WithLabelValues(p.opts.ID).Inc()
	p.logger.Error("Pipeline escalated",
		"reason", reason,
		"attempts", p.retry.AttemptsSinceSuccess,
	)
	p.alert(domain.AlertEscalation, domain.AlertSeverityCritical,
		fmt.Sprintf("pipeline %s escalated", p.opts.ID),
		reason,
		map[string]string{
			"category": string(p.retry.LastCategory),
			"attempts": strconv.Itoa(p.retry.AttemptsSinceSuccess),
		},
	)
}

// -----------------------------------------------------------------------------
// Scaling
// -----------------------------------------------------------------------------

func (p *pipeline) proposeExhaustion(category domain.FailureCategory) {
	seq := p.seq
	c := p.coordinator
	ctx, cancel := context.WithTimeout(p.ctx, proposeTimeout)
	go func() {
		defer cancel()
		res, err := c.Propose(ctx, scaling.Proposal{PipelineID: p.opts.ID, Exhausted: true})
		p.post(scaled{seq: seq, category: category, result: res, err: err})
	}()
}

func (p *pipeline) onScaled(ev scaled) {
	if !p.current(ev.seq, domain.StateFailed) {
		return
	}
	switch {
	case ev.err != nil:
		p.logger.Warn("Scaling proposal failed", "error", ev.err)
	case ev.result.Err != nil:
		p.logger.Warn("Pool scaling failed", "error", ev.result.Err)
	default:
		p.logger.Info("Pool scaling decided",
			"pool", p.opts.Pool,
			"action", scaling.ActionName(ev.result.Decision),
			"workers", ev.result.Workers,
		)
	}
	p.decide(ev.category)
}

func (p *pipeline) proposeSample(s domain.UtilizationSample) {
	c := p.coordinator
	if c == nil {
		return
	}
	if s.At.IsZero() {
		s.At = p.deps.Now()
	}
	ctx, cancel := context.WithTimeout(p.ctx, proposeTimeout)
	go func() {
		defer cancel()
		if _, err := c.Propose(ctx, scaling.Proposal{PipelineID: p.opts.ID, Sample: &s}); err != nil {
			p.logger.Debug("Utilization proposal dropped", "error", err)
		}
	}()
}

// -----------------------------------------------------------------------------
// State, persistence and alerts
// -----------------------------------------------------------------------------

func (p *pipeline) transition(to domain.PipelineState) {
	if p.state == to {
		return
	}
	if !canTransition(p.state, to) {
		p.logger.Error("Illegal state transition", "error", &TransitionError{From: p.state, To: to})
		return
	}
	p.logger.Debug("State transition", "from", p.state, "to", to)
	p.state = to
	p.persist()
}

func (p *pipeline) persist() {
	snap := &domain.PipelineSnapshot{
		PipelineID:       p.opts.ID,
		State:            p.state,
		Retry:            p.retry,
		EscalationReason: p.escalationReason,
		UpdatedAt:        p.deps.Now(),
	}
	if p.run != nil {
		snap.Attempt = p.run.Attempt
	}
	if err := p.deps.Runs.SaveState(p.ctx, snap); err != nil {
		p.logger.Error("Failed to save pipeline state", "state", p.state, "error", err)
		metrics.StoreErrorsTotal.WithLabelValues("runs", "save_state").Inc()
	}
	p.publish()
}

func (p *pipeline) saveRun() {
	if p.run == nil {
		return
	}
	run := *p.run
	if err := p.deps.Runs.SaveRun(p.ctx, &run); err != nil {
		p.logger.Error("Failed to save run", "run", run.ID, "error", err)
		metrics.StoreErrorsTotal.WithLabelValues("runs", "save_run").Inc()
	}
}

func (p *pipeline) publish() {
	st := domain.PipelineStatus{
		PipelineID:          p.opts.ID,
		State:               p.state,
		LastFailureCategory: p.retry.LastCategory,
		EscalationReason:    p.escalationReason,
		NextRetryAt:         p.retry.NextEligibleAt,
		LastVerdict:         p.lastVerdict,
		UpdatedAt:           p.deps.Now(),
	}
	if p.run != nil {
		st.Attempt = p.run.Attempt
	}
	if p.accepted != nil {
		st.SchemaVersion = p.accepted.Version
	}
	p.mu.Lock()
	p.status = st
	p.mu.Unlock()
}

func (p *pipeline) alertBreaking(b schema.Breaking, action schema.BreakingAction) {
	version := 0
	if p.accepted != nil {
		version = p.accepted.Version
	}
	p.alert(domain.AlertBreakingSchema, domain.AlertSeverityWarning,
		fmt.Sprintf("breaking schema change on %s", p.opts.ID),
		strings.Join(b.Reasons, "; "),
		map[string]string{
			"action":           string(action),
			"accepted_version": strconv.Itoa(version),
		},
	)
}

func (p *pipeline) alert(
	kind domain.AlertKind,
	severity domain.AlertSeverity,
	message, reason string,
	details map[string]string,
) {
	a := domain.Alert{
		ID:         uuid.NewString(),
		PipelineID: p.opts.ID,
		Kind:       kind,
		Severity:   severity,
		Message:    message,
		Reason:     reason,
		Details:    details,
		At:         p.deps.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := p.deps.Notifier.Emit(ctx, a); err != nil {
			p.logger.Warn("Failed to emit alert", "kind", kind, "error", err)
		}
	}()
}

// -----------------------------------------------------------------------------
// Restore
// -----------------------------------------------------------------------------

// restore loads the accepted schema and the last persisted snapshot.
func (p *pipeline) restore(ctx context.Context) {
	p.loadSchema(ctx)

	snap, err := p.deps.Runs.LoadState(ctx, p.opts.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			p.logger.Warn("Failed to load pipeline state", "error", err)
		}
		p.publish()
		return
	}

	p.retry = snap.Retry
	switch snap.State {
	case domain.StateEscalated:
		p.state = domain.StateEscalated
		p.escalationReason = snap.EscalationReason
	case domain.StateFailed:
		p.state = domain.StateFailed
		p.seq++
		delay := max(p.retry.NextEligibleAt.Sub(p.deps.Now()), 0)
		p.logger.Info("Restoring pending retry", "after", delay)
		p.scheduleRetry(delay)
	case domain.StateSubmitted, domain.StateRunning:
		p.resumeAttempt(ctx)
	default:
		p.state = domain.StateIdle
	}
	p.publish()
}

func (p *pipeline) loadSchema(ctx context.Context) {
	acc, err := p.deps.Schemas.GetAccepted(ctx, p.opts.ID)
	if err == nil {
		p.accepted = acc
		return
	}
	if !errors.Is(err, storage.ErrNotFound) {
		p.logger.Warn("Failed to load accepted schema", "error", err)
		return
	}
	if len(p.opts.InitialSchema) == 0 {
		return
	}
	seed := &domain.SchemaSnapshot{Fields: slices.Clone(p.opts.InitialSchema)}
	stored, err := p.deps.Schemas.CompareAndSwap(ctx, p.opts.ID, 0, seed)
	if errors.Is(err, storage.ErrVersionConflict) {
		stored, err = p.deps.Schemas.GetAccepted(ctx, p.opts.ID)
	}
	if err != nil {
		p.logger.Warn("Failed to seed initial schema", "error", err)
		return
	}
	p.accepted = stored
}

// resumeAttempt follows a run that was in flight before a restart, or fails
// it when no executor handle was recorded.
func (p *pipeline) resumeAttempt(ctx context.Context) {
	run, err := p.deps.Runs.LatestRun(ctx, p.opts.ID)
	if err == nil && run.Outcome == domain.OutcomePending && run.Handle != "" {
		p.run = run
		p.state = domain.StateRunning
		p.seq++
		p.beginAttempt()
		p.logger.Info("Resuming attempt", "attempt", run.Attempt, "handle", run.Handle)
		p.schedulePoll()
		return
	}

	if err != nil || run.Outcome != domain.OutcomePending {
		run = &domain.PipelineRun{
			ID:         uuid.NewString(),
			PipelineID: p.opts.ID,
			Attempt:    p.retry.ConsecutiveFailures + 1,
			StartedAt:  p.deps.Now(),
			Outcome:    domain.OutcomePending,
		}
	}
	p.run = run
	p.state = domain.StateSubmitted
	p.seq++
	p.fail(domain.FailureSignal{
		Code:     "interrupted",
		Message:  "attempt interrupted by restart",
		TimedOut: true,
	}, nil)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
