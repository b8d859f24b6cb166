package workflow

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/orderdesk-io/orderdesk/pkg/canonicalize"
	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

// Fn is a workflow body. It must be deterministic: no wall clock, no direct
// I/O, no map iteration that leaks into outputs. Every external interaction
// goes through the Context so it lands in history.
type Fn func(ctx *Context, input json.RawMessage) (json.RawMessage, error)

// ActivityFn performs one side-effecting operation. Errors are classified
// through contracts.ActivityError; anything else is treated as transient.
type ActivityFn func(ctx *ActivityContext, input json.RawMessage) (json.RawMessage, error)

// Context is the deterministic execution surface handed to a workflow body.
// Time, randomness, and external results are all sourced from history.
type Context struct {
	workflowID string
	run        int
	history    []HistoryEvent
	cursor     int
	now        time.Time
	logger     *slog.Logger
}

// suspendMarker is the panic sentinel thrown when the body needs a result
// history does not contain. The dispatcher recovers it and performs the
// pending work.
type suspendMarker struct {
	pending Pending
}

// continueMarker is thrown by ContinueAsNew.
type continueMarker struct {
	input json.RawMessage
}

// DivergenceError reports a mismatch between the body's next request and the
// recorded history. It means the body changed incompatibly since the run was
// recorded.
type DivergenceError struct {
	WorkflowID string
	Seq        int
	Want       string
	Got        string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("workflow %s diverged at seq %d: history has %s, body requested %s",
		e.WorkflowID, e.Seq, e.Want, e.Got)
}

// newRunContext positions the cursor past the start event, which the body
// never consumes, and seeds deterministic time from it.
func newRunContext(r *Run, history []HistoryEvent, logger *slog.Logger) *Context {
	c := &Context{
		workflowID: r.WorkflowID,
		run:        r.Run,
		history:    history,
		logger:     logger,
	}
	if len(history) > 0 {
		c.now = history[0].RecordedAt
		if history[0].Type == EventWorkflowStarted {
			c.cursor = 1
		}
	}
	return c
}

// WorkflowID returns the id of the executing instance.
func (c *Context) WorkflowID() string { return c.workflowID }

// Now returns deterministic time: the recorded timestamp of the last
// consumed history event. It only advances when an event is consumed.
func (c *Context) Now() time.Time { return c.now }

// Replaying reports whether the body is re-executing already-recorded
// history. Use it to suppress duplicate log lines.
func (c *Context) Replaying() bool { return c.cursor < len(c.history) }

// Logger returns a logger scoped to the workflow instance.
func (c *Context) Logger() *slog.Logger {
	return c.logger.With("workflow_id", c.workflowID, "run", c.run)
}

// Random returns a PRNG seeded from the workflow id and run number, so
// replay draws the identical sequence.
func (c *Context) Random() *rand.Rand {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", c.workflowID, c.run)))
	seed := int64(binary.BigEndian.Uint64(hash[:8])) //nolint:gosec // deterministic seed, not security
	return rand.New(rand.NewSource(seed))
}

// next consumes the history event at the cursor, checking it matches what
// the body asked for.
func (c *Context) next(want string, types ...EventType) (*HistoryEvent, bool) {
	if c.cursor >= len(c.history) {
		return nil, false
	}
	ev := &c.history[c.cursor]
	for _, t := range types {
		if ev.Type == t && (want == "" || matchesName(ev, want)) {
			c.cursor++
			c.now = ev.RecordedAt
			return ev, true
		}
	}
	panic(&DivergenceError{
		WorkflowID: c.workflowID,
		Seq:        ev.Seq,
		Want:       fmt.Sprintf("%s %q", ev.Type, ev.Name),
		Got:        fmt.Sprintf("%v %q", types, want),
	})
}

func matchesName(ev *HistoryEvent, want string) bool {
	// Signal waits record the fired signal's own name, which is one of the
	// waited set; the wait key is checked by the engine at suspension time.
	if ev.Type == EventSignalReceived {
		return true
	}
	return ev.Name == want
}

// ExecuteActivity runs the named activity with the given input, suspending
// until its outcome is in history. A recorded failure is returned as a
// *contracts.ActivityError.
func (c *Context) ExecuteActivity(name string, input any, opts ...ActivityOption) (json.RawMessage, error) {
	payload, err := canonicalize.JCS(input)
	if err != nil {
		return nil, fmt.Errorf("workflow: marshal %s input: %w", name, err)
	}

	if ev, ok := c.next(name, EventActivityCompleted, EventActivityFailed); ok {
		if ev.Type == EventActivityCompleted {
			return ev.Payload, nil
		}
		var ae contracts.ActivityError
		if err := json.Unmarshal(ev.Payload, &ae); err != nil {
			return nil, fmt.Errorf("workflow: corrupt failure record for %s: %w", name, err)
		}
		return nil, &ae
	}

	o := activityOptions{retry: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(&o)
	}
	panic(suspendMarker{pending: Pending{
		Kind:    pendingActivity,
		Name:    name,
		Input:   payload,
		Retry:   &o.retry,
		Timeout: o.timeout,
	}})
}

// Sleep suspends until a durable timer fires. The name distinguishes
// multiple timers in one body.
func (c *Context) Sleep(name string, d time.Duration) {
	if _, ok := c.next(name, EventTimerFired); ok {
		return
	}
	panic(suspendMarker{pending: Pending{
		Kind:   pendingTimer,
		Name:   name,
		FireAt: c.now.Add(d),
	}})
}

// WaitSignal suspends until one of the named signals arrives and returns the
// fired signal's name and payload.
func (c *Context) WaitSignal(names ...string) (string, json.RawMessage) {
	if ev, ok := c.next("", EventSignalReceived); ok {
		return ev.Name, ev.Payload
	}
	panic(suspendMarker{pending: Pending{
		Kind:  pendingSignal,
		Names: names,
	}})
}

// SideEffect records the result of fn in history on first execution and
// returns the recorded value ever after. fn must not block.
func (c *Context) SideEffect(name string, fn func() any) json.RawMessage {
	if ev, ok := c.next(name, EventSideEffect); ok {
		return ev.Payload
	}
	payload, err := canonicalize.JCS(fn())
	if err != nil {
		panic(fmt.Errorf("workflow: marshal side effect %s: %w", name, err))
	}
	panic(suspendMarker{pending: Pending{
		Kind:  pendingSideEffect,
		Name:  name,
		Input: payload,
	}})
}

// ContinueAsNew ends the current run and starts a fresh one with the given
// input and an empty history.
func (c *Context) ContinueAsNew(input any) {
	payload, err := canonicalize.JCS(input)
	if err != nil {
		panic(fmt.Errorf("workflow: marshal continue-as-new input: %w", err))
	}
	panic(continueMarker{input: payload})
}

const (
	pendingActivity   = "activity"
	pendingTimer      = "timer"
	pendingSignal     = "signal"
	pendingSideEffect = "side_effect"
)

type activityOptions struct {
	retry   RetryPolicy
	timeout time.Duration
}

// ActivityOption adjusts scheduling of a single activity call.
type ActivityOption func(*activityOptions)

// WithRetry overrides the default retry policy.
func WithRetry(p RetryPolicy) ActivityOption {
	return func(o *activityOptions) { o.retry = p }
}

// WithTimeout bounds a single activity attempt.
func WithTimeout(d time.Duration) ActivityOption {
	return func(o *activityOptions) { o.timeout = d }
}

// Execute runs an activity and decodes its result into T.
func Execute[T any](ctx *Context, name string, input any, opts ...ActivityOption) (T, error) {
	var out T
	raw, err := ctx.ExecuteActivity(name, input, opts...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("workflow: decode %s result: %w", name, err)
	}
	return out, nil
}
