package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

func newTestStore(t *testing.T) (*SQLHistoryStore, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "wf.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLHistoryStore(context.Background(), db)
	require.NoError(t, err)
	return store, db
}

func startEngine(t *testing.T, store *SQLHistoryStore) *Engine {
	t.Helper()
	e, err := NewEngine(store, "1.0.0", WithWorkers(2), WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = e.Run(ctx) }()
	return e
}

func waitForStatus(t *testing.T, e *Engine, id string, want RunStatus) *Run {
	t.Helper()
	var r *Run
	require.Eventually(t, func() bool {
		var err error
		r, err = e.GetRun(context.Background(), id)
		return err == nil && r.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run %s never reached %s", id, want)
	return r
}

func TestWorkflowCompletes(t *testing.T) {
	store, _ := newTestStore(t)
	e := startEngine(t, store)

	e.RegisterActivity("double", func(ctx *ActivityContext, input json.RawMessage) (json.RawMessage, error) {
		var n int
		require.NoError(t, json.Unmarshal(input, &n))
		return json.Marshal(n * 2)
	})
	e.RegisterWorkflow("math", func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		a, err := Execute[int](ctx, "double", 3)
		if err != nil {
			return nil, err
		}
		b, err := Execute[int](ctx, "double", a)
		if err != nil {
			return nil, err
		}
		return json.Marshal(b)
	})

	require.NoError(t, e.Start(context.Background(), "wf-math", "math", nil))
	waitForStatus(t, e, "wf-math", RunCompleted)

	history, err := e.History(context.Background(), "wf-math")
	require.NoError(t, err)
	final := history[len(history)-1]
	assert.Equal(t, EventWorkflowCompleted, final.Type)
	assert.JSONEq(t, `12`, string(final.Payload))
}

func TestHistoryIsHashChained(t *testing.T) {
	store, _ := newTestStore(t)
	e := startEngine(t, store)

	e.RegisterActivity("noop", func(ctx *ActivityContext, input json.RawMessage) (json.RawMessage, error) {
		return json.Marshal("ok")
	})
	e.RegisterWorkflow("chained", func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		if _, err := ctx.ExecuteActivity("noop", nil); err != nil {
			return nil, err
		}
		return nil, nil
	})

	require.NoError(t, e.Start(context.Background(), "wf-chain", "chained", nil))
	waitForStatus(t, e, "wf-chain", RunCompleted)

	history, err := e.History(context.Background(), "wf-chain")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(history), 3)
	for i, ev := range history {
		assert.Equal(t, i+1, ev.Seq)
		assert.NotEmpty(t, ev.ChainHash)
		if i > 0 {
			assert.NotEqual(t, history[i-1].ChainHash, ev.ChainHash)
		}
	}
}

func TestActivityRetriesThenSucceeds(t *testing.T) {
	store, _ := newTestStore(t)
	e := startEngine(t, store)

	var calls atomic.Int32
	e.RegisterActivity("flaky", func(ctx *ActivityContext, input json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) < 3 {
			return nil, contracts.NewTransientError("UPSTREAM_TIMEOUT", "try again")
		}
		return json.Marshal("done")
	})
	e.RegisterWorkflow("retrying", func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		out, err := Execute[string](ctx, "flaky", nil, WithRetry(RetryPolicy{
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
			MaxAttempts:     5,
		}))
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})

	require.NoError(t, e.Start(context.Background(), "wf-retry", "retrying", nil))
	waitForStatus(t, e, "wf-retry", RunCompleted)
	assert.Equal(t, int32(3), calls.Load())

	// Exactly one outcome event despite three attempts.
	history, err := e.History(context.Background(), "wf-retry")
	require.NoError(t, err)
	var outcomes int
	for _, ev := range history {
		if ev.Type == EventActivityCompleted || ev.Type == EventActivityFailed {
			outcomes++
		}
	}
	assert.Equal(t, 1, outcomes)
}

func TestNonRetryableFailureSurfacesToBody(t *testing.T) {
	store, _ := newTestStore(t)
	e := startEngine(t, store)

	e.RegisterActivity("reject", func(ctx *ActivityContext, input json.RawMessage) (json.RawMessage, error) {
		return nil, contracts.NewFatalError("BAD_INPUT", "unusable")
	})
	e.RegisterWorkflow("failing", func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		_, err := ctx.ExecuteActivity("reject", nil)
		var ae *contracts.ActivityError
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, errors.New("expected a classified activity error")
	})

	require.NoError(t, e.Start(context.Background(), "wf-fail", "failing", nil))
	waitForStatus(t, e, "wf-fail", RunFailed)

	history, err := e.History(context.Background(), "wf-fail")
	require.NoError(t, err)
	var failed *HistoryEvent
	for i := range history {
		if history[i].Type == EventActivityFailed {
			failed = &history[i]
		}
	}
	require.NotNil(t, failed)
	var ae contracts.ActivityError
	require.NoError(t, json.Unmarshal(failed.Payload, &ae))
	assert.Equal(t, "BAD_INPUT", ae.Code)
	assert.False(t, ae.Retryable)
}

func TestDurableTimerFires(t *testing.T) {
	store, _ := newTestStore(t)
	e := startEngine(t, store)

	e.RegisterWorkflow("napper", func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		before := ctx.Now()
		ctx.Sleep("nap", 30*time.Millisecond)
		after := ctx.Now()
		if !after.After(before) {
			return nil, errors.New("time did not advance across the timer")
		}
		return nil, nil
	})

	require.NoError(t, e.Start(context.Background(), "wf-nap", "napper", nil))
	waitForStatus(t, e, "wf-nap", RunCompleted)
}

func TestSignalWakesWaitingRun(t *testing.T) {
	store, _ := newTestStore(t)
	e := startEngine(t, store)

	e.RegisterWorkflow("approval", func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		name, payload := ctx.WaitSignal(contracts.SignalApprovalReceived)
		return json.Marshal(map[string]any{"signal": name, "payload": json.RawMessage(payload)})
	})

	require.NoError(t, e.Start(context.Background(), "wf-sig", "approval", nil))
	waitForStatus(t, e, "wf-sig", RunWaiting)

	require.NoError(t, e.Signal(context.Background(), "wf-sig",
		contracts.SignalApprovalReceived, "evt-1", map[string]bool{"approved": true}))
	waitForStatus(t, e, "wf-sig", RunCompleted)
}

func TestSignalDeliveredBeforeWaitIsNotLost(t *testing.T) {
	store, _ := newTestStore(t)
	e := startEngine(t, store)

	release := make(chan struct{})
	e.RegisterActivity("stall", func(ctx *ActivityContext, input json.RawMessage) (json.RawMessage, error) {
		<-release
		return nil, nil
	})
	e.RegisterWorkflow("early-signal", func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		if _, err := ctx.ExecuteActivity("stall", nil); err != nil {
			return nil, err
		}
		name, _ := ctx.WaitSignal(contracts.SignalCorrectionsSubmitted)
		return json.Marshal(name)
	})

	require.NoError(t, e.Start(context.Background(), "wf-early", "early-signal", nil))
	// Signal arrives while the body is still inside the first activity.
	require.NoError(t, e.Signal(context.Background(), "wf-early",
		contracts.SignalCorrectionsSubmitted, "evt-early", nil))
	close(release)

	waitForStatus(t, e, "wf-early", RunCompleted)
}

func TestSignalDedupeByEventID(t *testing.T) {
	store, _ := newTestStore(t)
	e := startEngine(t, store)

	e.RegisterWorkflow("dedupe", func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		_, first := ctx.WaitSignal(contracts.SignalApprovalReceived)
		_, second := ctx.WaitSignal(contracts.SignalApprovalReceived)
		return json.Marshal([]json.RawMessage{first, second})
	})

	require.NoError(t, e.Start(context.Background(), "wf-dd", "dedupe", nil))
	waitForStatus(t, e, "wf-dd", RunWaiting)

	// Redelivery of evt-a must not satisfy the second wait.
	require.NoError(t, e.Signal(context.Background(), "wf-dd",
		contracts.SignalApprovalReceived, "evt-a", "one"))
	require.NoError(t, e.Signal(context.Background(), "wf-dd",
		contracts.SignalApprovalReceived, "evt-a", "one"))
	waitForStatus(t, e, "wf-dd", RunWaiting)

	require.NoError(t, e.Signal(context.Background(), "wf-dd",
		contracts.SignalApprovalReceived, "evt-b", "two"))
	r := waitForStatus(t, e, "wf-dd", RunCompleted)

	history, err := store.Load(context.Background(), "wf-dd", r.Run)
	require.NoError(t, err)
	var signals int
	for _, ev := range history {
		if ev.Type == EventSignalReceived {
			signals++
		}
	}
	assert.Equal(t, 2, signals)
}

func TestRunResumesOnNewEngine(t *testing.T) {
	store, _ := newTestStore(t)

	body := func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		_, payload := ctx.WaitSignal(contracts.SignalApprovalReceived)
		return payload, nil
	}

	e1 := startEngine(t, store)
	e1.RegisterWorkflow("handoff", body)
	require.NoError(t, e1.Start(context.Background(), "wf-ho", "handoff", nil))
	waitForStatus(t, e1, "wf-ho", RunWaiting)

	// A fresh engine over the same store picks the run up from history.
	e2 := startEngine(t, store)
	e2.RegisterWorkflow("handoff", body)
	require.NoError(t, e2.Signal(context.Background(), "wf-ho",
		contracts.SignalApprovalReceived, "evt-1", "resumed"))
	waitForStatus(t, e2, "wf-ho", RunCompleted)
}

func TestContinueAsNewStartsFreshHistory(t *testing.T) {
	store, _ := newTestStore(t)
	e := startEngine(t, store)

	e.RegisterWorkflow("roller", func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		var gen int
		if len(input) > 0 {
			if err := json.Unmarshal(input, &gen); err != nil {
				return nil, err
			}
		}
		if gen < 2 {
			ctx.ContinueAsNew(gen + 1)
		}
		return json.Marshal(gen)
	})

	require.NoError(t, e.Start(context.Background(), "wf-roll", "roller", 0))
	r := waitForStatus(t, e, "wf-roll", RunCompleted)
	assert.Equal(t, 3, r.Run)

	history, err := store.Load(context.Background(), "wf-roll", r.Run)
	require.NoError(t, err)
	assert.Equal(t, EventWorkflowStarted, history[0].Type)
	assert.JSONEq(t, `2`, string(history[len(history)-1].Payload))
}

func TestSideEffectRecordedOnce(t *testing.T) {
	store, _ := newTestStore(t)
	e := startEngine(t, store)

	var evaluations atomic.Int32
	e.RegisterActivity("noop", func(ctx *ActivityContext, input json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	e.RegisterWorkflow("effectful", func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		id := ctx.SideEffect("pick-id", func() any {
			evaluations.Add(1)
			return "chosen"
		})
		// Force several re-dispatches after the side effect.
		if _, err := ctx.ExecuteActivity("noop", nil); err != nil {
			return nil, err
		}
		if _, err := ctx.ExecuteActivity("noop", nil); err != nil {
			return nil, err
		}
		return id, nil
	})

	require.NoError(t, e.Start(context.Background(), "wf-se", "effectful", nil))
	waitForStatus(t, e, "wf-se", RunCompleted)
	assert.Equal(t, int32(1), evaluations.Load())
}

func TestVerifyCompletedRun(t *testing.T) {
	store, _ := newTestStore(t)
	e := startEngine(t, store)

	e.RegisterActivity("noop", func(ctx *ActivityContext, input json.RawMessage) (json.RawMessage, error) {
		return json.Marshal("ok")
	})
	e.RegisterWorkflow("verified", func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		out, err := Execute[string](ctx, "noop", nil)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})

	require.NoError(t, e.Start(context.Background(), "wf-ver", "verified", nil))
	waitForStatus(t, e, "wf-ver", RunCompleted)

	report, err := e.Verify(context.Background(), "wf-ver")
	require.NoError(t, err)
	assert.True(t, report.ChainOK)
	assert.True(t, report.Verified, "divergence: %s", report.Divergence)
}

func TestVerifyDetectsTamperedHistory(t *testing.T) {
	store, db := newTestStore(t)
	e := startEngine(t, store)

	e.RegisterActivity("noop", func(ctx *ActivityContext, input json.RawMessage) (json.RawMessage, error) {
		return json.Marshal("ok")
	})
	e.RegisterWorkflow("tampered", func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		_, err := ctx.ExecuteActivity("noop", nil)
		return nil, err
	})

	require.NoError(t, e.Start(context.Background(), "wf-tamper", "tampered", nil))
	waitForStatus(t, e, "wf-tamper", RunCompleted)

	_, err := db.Exec(`UPDATE wf_history SET payload = '"forged"'
		WHERE workflow_id = $1 AND type = $2`, "wf-tamper", string(EventActivityCompleted))
	require.NoError(t, err)

	report, err := e.Verify(context.Background(), "wf-tamper")
	require.NoError(t, err)
	assert.False(t, report.ChainOK)
	assert.Contains(t, report.Divergence, "payload hash mismatch")
}

func TestVerifyDetectsChangedBody(t *testing.T) {
	store, _ := newTestStore(t)
	e := startEngine(t, store)

	e.RegisterActivity("step-a", func(ctx *ActivityContext, input json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	e.RegisterWorkflow("evolving", func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		_, err := ctx.ExecuteActivity("step-a", nil)
		return nil, err
	})

	require.NoError(t, e.Start(context.Background(), "wf-evolve", "evolving", nil))
	waitForStatus(t, e, "wf-evolve", RunCompleted)

	// The body changes incompatibly: it now calls a different activity.
	e.RegisterWorkflow("evolving", func(ctx *Context, input json.RawMessage) (json.RawMessage, error) {
		_, err := ctx.ExecuteActivity("step-b", nil)
		return nil, err
	})

	report, err := e.Verify(context.Background(), "wf-evolve")
	require.NoError(t, err)
	assert.True(t, report.ChainOK)
	assert.False(t, report.Verified)
	assert.Contains(t, report.Divergence, "diverged")
}

func TestDueRunsScopedToQueue(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for i, queue := range []string{"orders", "orders", "billing"} {
		wake := now.Add(-time.Minute)
		require.NoError(t, store.CreateRun(context.Background(), &Run{
			WorkflowID: []string{"wf-a", "wf-b", "wf-c"}[i],
			Queue:      queue,
			Run:        1,
			Name:       "case",
			Status:     RunRunning,
			WakeAt:     &wake,
			UpdatedAt:  now,
		}))
	}

	due, err := store.DueRuns(context.Background(), "orders", now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	for _, r := range due {
		assert.Equal(t, "orders", r.Queue)
	}

	due, err = store.DueRuns(context.Background(), "billing", now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "wf-c", due[0].WorkflowID)
}

func TestBackoffIsDeterministic(t *testing.T) {
	p := RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		MaxJitter:       500 * time.Millisecond,
		MaxAttempts:     5,
	}
	for attempt := 0; attempt < 5; attempt++ {
		a := p.Backoff("wf-1", "parse", attempt)
		b := p.Backoff("wf-1", "parse", attempt)
		assert.Equal(t, a, b, "attempt %d", attempt)
	}
	// Different workflows jitter differently.
	assert.NotEqual(t,
		p.Backoff("wf-1", "parse", 1),
		p.Backoff("wf-2", "parse", 1))

	// Base delay doubles and caps.
	flat := RetryPolicy{InitialInterval: time.Second, MaxInterval: 4 * time.Second, MaxAttempts: 10}
	assert.Equal(t, time.Second, flat.Backoff("wf", "a", 0))
	assert.Equal(t, 2*time.Second, flat.Backoff("wf", "a", 1))
	assert.Equal(t, 4*time.Second, flat.Backoff("wf", "a", 2))
	assert.Equal(t, 4*time.Second, flat.Backoff("wf", "a", 5))
}
