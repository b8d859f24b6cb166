package workflow

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/orderdesk-io/orderdesk/pkg/canonicalize"
)

// ReplayReport is the result of verifying a run against its history.
type ReplayReport struct {
	WorkflowID string    `json:"workflowId"`
	Run        int       `json:"run"`
	Events     int       `json:"events"`
	Status     RunStatus `json:"status"`
	ChainOK    bool      `json:"chainOk"`
	Verified   bool      `json:"verified"`
	Divergence string    `json:"divergence,omitempty"`
}

// Verify checks a run two ways: the hash chain over its recorded history,
// and a shadow re-execution of the body against that history. Any mismatch
// between what the body requests and what history recorded is reported as a
// divergence. Verification is read-only.
func (e *Engine) Verify(ctx context.Context, workflowID string) (*ReplayReport, error) {
	r, err := e.store.GetRun(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	history, err := e.store.Load(ctx, workflowID, r.Run)
	if err != nil {
		return nil, err
	}

	report := &ReplayReport{
		WorkflowID: workflowID,
		Run:        r.Run,
		Events:     len(history),
		Status:     r.Status,
	}

	if diverged := verifyChain(history, report); diverged {
		return report, nil
	}
	report.ChainOK = true

	for _, ev := range history {
		recorded, err := semver.NewVersion(ev.EngineVersion)
		if err != nil || recorded.Major() != e.version.Major() {
			report.Divergence = fmt.Sprintf(
				"event %d recorded under engine %s, verifying with %s",
				ev.Seq, ev.EngineVersion, e.version)
			return report, nil
		}
	}

	e.mu.RLock()
	fn, ok := e.workflows[r.Name]
	e.mu.RUnlock()
	if !ok {
		report.Divergence = fmt.Sprintf("no workflow registered as %q", r.Name)
		return report, nil
	}

	// Re-execute against the recorded history with the terminal event held
	// back; the body never consumes its own completion record.
	body := history
	var final *HistoryEvent
	if n := len(history); n > 0 {
		switch history[n-1].Type {
		case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowContinued:
			final = &history[n-1]
			body = history[:n-1]
		}
	}

	wfCtx := newRunContext(r, body, e.logger)
	outcome := replayBody(fn, wfCtx, r)
	switch {
	case outcome.divergence != nil:
		report.Divergence = outcome.divergence.Error()
	case outcome.panicked != nil:
		report.Divergence = fmt.Sprintf("body panic during replay: %v", outcome.panicked)
	case outcome.suspended != nil:
		if final != nil {
			report.Divergence = fmt.Sprintf(
				"body suspended on %s %q past recorded completion",
				outcome.suspended.Kind, outcome.suspended.Name)
		} else {
			// In-flight run: suspending exactly where history ends is the
			// expected shape.
			report.Verified = wfCtx.cursor == len(body)
			if !report.Verified {
				report.Divergence = fmt.Sprintf(
					"body suspended with %d of %d events unconsumed",
					len(body)-wfCtx.cursor, len(body))
			}
		}
	case outcome.continued != nil:
		if final == nil || final.Type != EventWorkflowContinued {
			report.Divergence = "body continued-as-new but history did not record it"
			break
		}
		report.Verified = verifyFinalPayload(final, outcome.continued, report, "continue-as-new input")
	default:
		if final == nil {
			report.Divergence = "body finished but history has no terminal event"
			break
		}
		if outcome.err != nil {
			if final.Type != EventWorkflowFailed {
				report.Divergence = fmt.Sprintf(
					"body failed (%v) but history recorded %s", outcome.err, final.Type)
				break
			}
			report.Verified = true
			break
		}
		if final.Type != EventWorkflowCompleted {
			report.Divergence = fmt.Sprintf(
				"body completed but history recorded %s", final.Type)
			break
		}
		report.Verified = verifyFinalPayload(final, outcome.output, report, "output")
	}
	return report, nil
}

func verifyChain(history []HistoryEvent, report *ReplayReport) bool {
	prev := ""
	for _, ev := range history {
		payloadHash := canonicalize.HashBytes(ev.Payload)
		if payloadHash != ev.PayloadHash {
			report.Divergence = fmt.Sprintf(
				"event %d payload hash mismatch: stored %s, computed %s",
				ev.Seq, ev.PayloadHash, payloadHash)
			return true
		}
		chain := canonicalize.ChainHash(prev, payloadHash)
		if chain != ev.ChainHash {
			report.Divergence = fmt.Sprintf(
				"event %d breaks the hash chain: stored %s, computed %s",
				ev.Seq, ev.ChainHash, chain)
			return true
		}
		prev = ev.ChainHash
	}
	return false
}

func verifyFinalPayload(final *HistoryEvent, got []byte, report *ReplayReport, what string) bool {
	if canonicalize.HashBytes(got) != final.PayloadHash {
		report.Divergence = fmt.Sprintf(
			"replayed %s differs from recorded event %d", what, final.Seq)
		return false
	}
	return true
}

func replayBody(fn Fn, wfCtx *Context, r *Run) (out executionOutcome) {
	defer func() {
		rec := recover()
		switch v := rec.(type) {
		case nil:
		case suspendMarker:
			out.suspended = &v.pending
		case continueMarker:
			out.continued = v.input
		case *DivergenceError:
			out.divergence = v
		default:
			out.panicked = v
		}
	}()
	out.output, out.err = fn(wfCtx, r.Input)
	return out
}
