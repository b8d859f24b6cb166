package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/orderdesk-io/orderdesk/pkg/canonicalize"
	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

// ActivityContext is handed to activity functions. Unlike the workflow
// Context it is a real context: activities do I/O and honor cancellation.
type ActivityContext struct {
	context.Context
	WorkflowID string
	Activity   string
	Attempt    int
	logger     *slog.Logger
}

// Logger returns a logger scoped to the activity attempt.
func (a *ActivityContext) Logger() *slog.Logger {
	return a.logger.With("workflow_id", a.WorkflowID, "activity", a.Activity, "attempt", a.Attempt)
}

// Engine dispatches workflow runs against their histories.
type Engine struct {
	store   HistoryStore
	version *semver.Version
	queue   string
	logger  *slog.Logger
	clock   func() time.Time

	mu         sync.RWMutex
	workflows  map[string]Fn
	activities map[string]ActivityFn

	tasks        chan string
	workers      int
	pollInterval time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithWorkers sets the dispatch worker count.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithTaskQueue names the task queue this engine serves. Runs started here
// are stamped with the queue and only engines on the same queue dispatch
// them.
func WithTaskQueue(q string) Option {
	return func(e *Engine) {
		if q != "" {
			e.queue = q
		}
	}
}

// WithPollInterval sets the due-run polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// NewEngine creates an engine. version is the semantic version of the
// workflow code; runs recorded under a different major version are blocked
// rather than replayed against incompatible bodies.
func NewEngine(store HistoryStore, version string, opts ...Option) (*Engine, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("workflow: bad engine version %q: %w", version, err)
	}
	e := &Engine{
		store:        store,
		version:      v,
		queue:        "default",
		logger:       slog.Default(),
		clock:        time.Now,
		workflows:    make(map[string]Fn),
		activities:   make(map[string]ActivityFn),
		tasks:        make(chan string, 256),
		workers:      4,
		pollInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RegisterWorkflow registers a workflow body under a name.
func (e *Engine) RegisterWorkflow(name string, fn Fn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[name] = fn
}

// RegisterActivity registers an activity function under a name.
func (e *Engine) RegisterActivity(name string, fn ActivityFn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities[name] = fn
}

// Start creates a new run and schedules its first dispatch. Starting an
// already-started workflow id is a no-op.
func (e *Engine) Start(ctx context.Context, workflowID, name string, input any) error {
	payload, err := canonicalize.JCS(input)
	if err != nil {
		return fmt.Errorf("workflow: marshal input: %w", err)
	}
	now := e.clock().UTC()
	r := &Run{
		WorkflowID: workflowID,
		Queue:      e.queue,
		Run:        1,
		Name:       name,
		Input:      payload,
		Status:     RunRunning,
		WakeAt:     &now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateRun(ctx, r); err != nil {
		return err
	}
	err = e.store.Append(ctx, &HistoryEvent{
		WorkflowID:    workflowID,
		Run:           1,
		Type:          EventWorkflowStarted,
		Name:          name,
		Payload:       payload,
		EngineVersion: e.version.String(),
		RecordedAt:    now,
	})
	if err != nil && !errors.Is(err, ErrConflict) {
		return err
	}
	e.enqueue(workflowID)
	return nil
}

// Signal delivers a signal to a workflow. eventID deduplicates redelivery:
// the same event id is consumed at most once per workflow.
func (e *Engine) Signal(ctx context.Context, workflowID, name, eventID string, payload any) error {
	raw, err := canonicalize.JCS(payload)
	if err != nil {
		return fmt.Errorf("workflow: marshal signal: %w", err)
	}
	fresh, err := e.store.DeliverSignal(ctx, PendingSignal{
		WorkflowID:  workflowID,
		EventID:     eventID,
		Name:        name,
		Payload:     raw,
		DeliveredAt: e.clock().UTC(),
	})
	if err != nil {
		return err
	}
	if !fresh {
		e.logger.Debug("duplicate signal dropped",
			"workflow_id", workflowID, "signal", name, "event_id", eventID)
		return nil
	}
	e.enqueue(workflowID)
	return nil
}

// GetRun returns the dispatch record of a workflow.
func (e *Engine) GetRun(ctx context.Context, workflowID string) (*Run, error) {
	return e.store.GetRun(ctx, workflowID)
}

// History returns the current run's history, oldest first.
func (e *Engine) History(ctx context.Context, workflowID string) ([]HistoryEvent, error) {
	r, err := e.store.GetRun(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return e.store.Load(ctx, workflowID, r.Run)
}

// Run serves dispatches until ctx is cancelled. It owns the worker pool and
// the due-run poller; crashed-over runs are picked up by the poller because
// their wake time is already in the past.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-e.tasks:
					e.dispatch(ctx, id)
				}
			}
		}()
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			e.pollDue(ctx)
		}
	}
}

func (e *Engine) enqueue(workflowID string) {
	select {
	case e.tasks <- workflowID:
	default:
		// Channel full; the poller re-discovers the run by its wake time.
	}
}

func (e *Engine) pollDue(ctx context.Context) {
	due, err := e.store.DueRuns(ctx, e.queue, e.clock(), 64)
	if err != nil {
		e.logger.Error("poll due runs", "error", err)
		return
	}
	for _, r := range due {
		r := r
		if r.Pending != nil && r.Pending.Kind == pendingTimer {
			if err := e.fireTimer(ctx, &r); err != nil {
				e.logger.Error("fire timer", "workflow_id", r.WorkflowID, "error", err)
				continue
			}
		} else {
			// Pending activity retry or a fresh/crashed-over run: clear the
			// wake so the poller does not re-enqueue it every tick.
			r.WakeAt = nil
			r.UpdatedAt = e.clock().UTC()
			if err := e.store.UpdateRun(ctx, &r); err != nil {
				e.logger.Error("clear wake", "workflow_id", r.WorkflowID, "error", err)
				continue
			}
		}
		e.enqueue(r.WorkflowID)
	}
}

func (e *Engine) fireTimer(ctx context.Context, r *Run) error {
	err := e.store.Append(ctx, &HistoryEvent{
		WorkflowID:    r.WorkflowID,
		Run:           r.Run,
		Type:          EventTimerFired,
		Name:          r.Pending.Name,
		EngineVersion: e.version.String(),
		RecordedAt:    e.clock().UTC(),
	})
	if err != nil && !errors.Is(err, ErrConflict) {
		return err
	}
	r.Pending = nil
	r.WakeAt = nil
	r.Status = RunRunning
	r.UpdatedAt = e.clock().UTC()
	return e.store.UpdateRun(ctx, r)
}

// dispatch re-executes the workflow body against its history and performs
// whatever the body suspended on.
func (e *Engine) dispatch(ctx context.Context, workflowID string) {
	r, err := e.store.GetRun(ctx, workflowID)
	if err != nil {
		e.logger.Error("load run", "workflow_id", workflowID, "error", err)
		return
	}
	if r.Status == RunCompleted || r.Status == RunFailed || r.Status == RunBlocked {
		return
	}

	history, err := e.store.Load(ctx, workflowID, r.Run)
	if err != nil {
		e.logger.Error("load history", "workflow_id", workflowID, "error", err)
		return
	}
	if len(history) > 0 {
		recorded, err := semver.NewVersion(history[len(history)-1].EngineVersion)
		if err != nil || recorded.Major() != e.version.Major() {
			e.block(ctx, r, fmt.Sprintf("history recorded under engine %s, running %s",
				history[len(history)-1].EngineVersion, e.version))
			return
		}
	}

	e.mu.RLock()
	fn, ok := e.workflows[r.Name]
	e.mu.RUnlock()
	if !ok {
		e.block(ctx, r, fmt.Sprintf("no workflow registered as %q", r.Name))
		return
	}

	outcome := e.execute(fn, r, history)
	switch {
	case outcome.divergence != nil:
		e.block(ctx, r, outcome.divergence.Error())
	case outcome.panicked != nil:
		e.logger.Error("workflow body panicked",
			"workflow_id", workflowID, "panic", fmt.Sprint(outcome.panicked))
		e.block(ctx, r, fmt.Sprintf("body panic: %v", outcome.panicked))
	case outcome.suspended != nil:
		e.handleSuspension(ctx, r, *outcome.suspended)
	case outcome.continued != nil:
		e.continueAsNew(ctx, r, outcome.continued)
	default:
		e.finish(ctx, r, outcome.output, outcome.err)
	}
}

type executionOutcome struct {
	output     json.RawMessage
	err        error
	suspended  *Pending
	continued  json.RawMessage
	divergence *DivergenceError
	panicked   any
}

func (e *Engine) execute(fn Fn, r *Run, history []HistoryEvent) executionOutcome {
	return replayBody(fn, newRunContext(r, history, e.logger), r)
}

func (e *Engine) handleSuspension(ctx context.Context, r *Run, p Pending) {
	switch p.Kind {
	case pendingSideEffect:
		err := e.store.Append(ctx, &HistoryEvent{
			WorkflowID:    r.WorkflowID,
			Run:           r.Run,
			Type:          EventSideEffect,
			Name:          p.Name,
			Payload:       p.Input,
			EngineVersion: e.version.String(),
			RecordedAt:    e.clock().UTC(),
		})
		if err != nil && !errors.Is(err, ErrConflict) {
			e.logger.Error("record side effect", "workflow_id", r.WorkflowID, "error", err)
			return
		}
		e.enqueue(r.WorkflowID)

	case pendingTimer:
		r.Pending = &p
		r.Status = RunWaiting
		fireAt := p.FireAt
		r.WakeAt = &fireAt
		r.UpdatedAt = e.clock().UTC()
		if err := e.store.UpdateRun(ctx, r); err != nil {
			e.logger.Error("park timer", "workflow_id", r.WorkflowID, "error", err)
		}

	case pendingSignal:
		sig, ok, err := e.store.NextSignal(ctx, r.WorkflowID, p.Names)
		if err != nil {
			e.logger.Error("poll signals", "workflow_id", r.WorkflowID, "error", err)
			return
		}
		if !ok {
			r.Pending = &p
			r.Status = RunWaiting
			r.WakeAt = nil
			r.UpdatedAt = e.clock().UTC()
			if err := e.store.UpdateRun(ctx, r); err != nil {
				e.logger.Error("park signal wait", "workflow_id", r.WorkflowID, "error", err)
			}
			return
		}
		err = e.store.Append(ctx, &HistoryEvent{
			WorkflowID:    r.WorkflowID,
			Run:           r.Run,
			Type:          EventSignalReceived,
			Name:          sig.Name,
			Payload:       sig.Payload,
			EngineVersion: e.version.String(),
			RecordedAt:    e.clock().UTC(),
		})
		if err != nil && !errors.Is(err, ErrConflict) {
			e.logger.Error("record signal", "workflow_id", r.WorkflowID, "error", err)
			return
		}
		if err := e.store.ConsumeSignal(ctx, r.WorkflowID, sig.EventID); err != nil {
			e.logger.Error("consume signal", "workflow_id", r.WorkflowID, "error", err)
		}
		if r.Pending != nil || r.Status != RunRunning {
			r.Pending = nil
			r.Status = RunRunning
			r.WakeAt = nil
			r.UpdatedAt = e.clock().UTC()
			if err := e.store.UpdateRun(ctx, r); err != nil {
				e.logger.Error("resume run", "workflow_id", r.WorkflowID, "error", err)
			}
		}
		e.enqueue(r.WorkflowID)

	case pendingActivity:
		// Preserve the attempt counter across dispatches of the same call.
		if r.Pending != nil && r.Pending.Kind == pendingActivity && r.Pending.Name == p.Name {
			p.Attempts = r.Pending.Attempts
		}
		e.runActivity(ctx, r, p)

	default:
		e.block(ctx, r, fmt.Sprintf("unknown pending kind %q", p.Kind))
	}
}

func (e *Engine) runActivity(ctx context.Context, r *Run, p Pending) {
	e.mu.RLock()
	fn, ok := e.activities[p.Name]
	e.mu.RUnlock()
	if !ok {
		e.block(ctx, r, fmt.Sprintf("no activity registered as %q", p.Name))
		return
	}

	actCtx := ctx
	cancel := context.CancelFunc(func() {})
	if p.Timeout > 0 {
		actCtx, cancel = context.WithTimeout(ctx, p.Timeout)
	}
	out, err := fn(&ActivityContext{
		Context:    actCtx,
		WorkflowID: r.WorkflowID,
		Activity:   p.Name,
		Attempt:    p.Attempts,
		logger:     e.logger,
	}, p.Input)
	cancel()

	if err == nil {
		e.recordActivityOutcome(ctx, r, EventActivityCompleted, p.Name, out)
		return
	}

	ae := contracts.AsActivityError(err, "ACTIVITY_FAILED")
	retry := DefaultRetryPolicy()
	if p.Retry != nil {
		retry = *p.Retry
	}
	if ae.Retryable && p.Attempts+1 < retry.MaxAttempts {
		backoff := retry.Backoff(r.WorkflowID, p.Name, p.Attempts)
		p.Attempts++
		wake := e.clock().Add(backoff).UTC()
		r.Pending = &p
		r.Status = RunRunning
		r.WakeAt = &wake
		r.UpdatedAt = e.clock().UTC()
		e.logger.Warn("activity failed, retrying",
			"workflow_id", r.WorkflowID, "activity", p.Name,
			"attempt", p.Attempts, "backoff", backoff, "error", err)
		if err := e.store.UpdateRun(ctx, r); err != nil {
			e.logger.Error("park retry", "workflow_id", r.WorkflowID, "error", err)
		}
		return
	}

	payload, mErr := json.Marshal(ae)
	if mErr != nil {
		e.block(ctx, r, fmt.Sprintf("marshal activity error: %v", mErr))
		return
	}
	e.logger.Error("activity failed terminally",
		"workflow_id", r.WorkflowID, "activity", p.Name,
		"attempts", p.Attempts+1, "code", ae.Code, "error", err)
	e.recordActivityOutcome(ctx, r, EventActivityFailed, p.Name, payload)
}

func (e *Engine) recordActivityOutcome(ctx context.Context, r *Run, typ EventType, name string, payload json.RawMessage) {
	err := e.store.Append(ctx, &HistoryEvent{
		WorkflowID:    r.WorkflowID,
		Run:           r.Run,
		Type:          typ,
		Name:          name,
		Payload:       payload,
		EngineVersion: e.version.String(),
		RecordedAt:    e.clock().UTC(),
	})
	if err != nil && !errors.Is(err, ErrConflict) {
		e.logger.Error("record activity outcome", "workflow_id", r.WorkflowID, "error", err)
		return
	}
	if r.Pending != nil || r.WakeAt != nil {
		r.Pending = nil
		r.WakeAt = nil
		r.Status = RunRunning
		r.UpdatedAt = e.clock().UTC()
		if err := e.store.UpdateRun(ctx, r); err != nil {
			e.logger.Error("clear pending", "workflow_id", r.WorkflowID, "error", err)
		}
	}
	e.enqueue(r.WorkflowID)
}

func (e *Engine) continueAsNew(ctx context.Context, r *Run, input json.RawMessage) {
	err := e.store.Append(ctx, &HistoryEvent{
		WorkflowID:    r.WorkflowID,
		Run:           r.Run,
		Type:          EventWorkflowContinued,
		Payload:       input,
		EngineVersion: e.version.String(),
		RecordedAt:    e.clock().UTC(),
	})
	if err != nil && !errors.Is(err, ErrConflict) {
		e.logger.Error("record continue", "workflow_id", r.WorkflowID, "error", err)
		return
	}

	r.Run++
	r.Input = input
	r.Pending = nil
	r.Status = RunRunning
	r.WakeAt = nil
	r.UpdatedAt = e.clock().UTC()
	if err := e.store.UpdateRun(ctx, r); err != nil {
		e.logger.Error("roll run", "workflow_id", r.WorkflowID, "error", err)
		return
	}
	err = e.store.Append(ctx, &HistoryEvent{
		WorkflowID:    r.WorkflowID,
		Run:           r.Run,
		Type:          EventWorkflowStarted,
		Name:          r.Name,
		Payload:       input,
		EngineVersion: e.version.String(),
		RecordedAt:    e.clock().UTC(),
	})
	if err != nil && !errors.Is(err, ErrConflict) {
		e.logger.Error("start new run", "workflow_id", r.WorkflowID, "error", err)
		return
	}
	e.enqueue(r.WorkflowID)
}

func (e *Engine) finish(ctx context.Context, r *Run, output json.RawMessage, bodyErr error) {
	typ := EventWorkflowCompleted
	status := RunCompleted
	payload := output
	if bodyErr != nil {
		typ = EventWorkflowFailed
		status = RunFailed
		b, err := json.Marshal(map[string]string{"error": bodyErr.Error()})
		if err == nil {
			payload = b
		}
	}
	err := e.store.Append(ctx, &HistoryEvent{
		WorkflowID:    r.WorkflowID,
		Run:           r.Run,
		Type:          typ,
		Payload:       payload,
		EngineVersion: e.version.String(),
		RecordedAt:    e.clock().UTC(),
	})
	if err != nil && !errors.Is(err, ErrConflict) {
		e.logger.Error("record completion", "workflow_id", r.WorkflowID, "error", err)
		return
	}
	r.Pending = nil
	r.Status = status
	r.WakeAt = nil
	r.UpdatedAt = e.clock().UTC()
	if err := e.store.UpdateRun(ctx, r); err != nil {
		e.logger.Error("finish run", "workflow_id", r.WorkflowID, "error", err)
	}
	e.logger.Info("workflow finished", "workflow_id", r.WorkflowID, "status", string(status))
}

func (e *Engine) block(ctx context.Context, r *Run, reason string) {
	e.logger.Error("workflow blocked", "workflow_id", r.WorkflowID, "reason", reason)
	r.Status = RunBlocked
	r.WakeAt = nil
	r.UpdatedAt = e.clock().UTC()
	if err := e.store.UpdateRun(ctx, r); err != nil {
		e.logger.Error("block run", "workflow_id", r.WorkflowID, "error", err)
	}
}
