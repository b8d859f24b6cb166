// Package audit records the ordered, append-only audit trail of every case:
// who did what, when, with which payload. Events are persisted as NDJSON in
// the evidence store under audit/{case_id}/events.ndjson and mirrored to the
// structured log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orderdesk-io/orderdesk/pkg/evidence"
)

// EventType categorizes an audit event.
type EventType string

const (
	EventTransition EventType = "TRANSITION" // case state change
	EventActivity   EventType = "ACTIVITY"   // activity outcome
	EventSignal     EventType = "SIGNAL"     // user decision received
	EventArtifact   EventType = "ARTIFACT"   // evidence blob written
	EventSystem     EventType = "SYSTEM"     // sweeper, recovery, config
)

// Event is one structured audit record.
type Event struct {
	ID            string         `json:"id"`
	CaseID        string         `json:"case_id"`
	TenantID      string         `json:"tenant_id,omitempty"`
	Actor         string         `json:"actor"` // user id or "system"
	Type          EventType      `json:"type"`
	Action        string         `json:"action"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Trail records audit events for cases.
type Trail interface {
	Record(ctx context.Context, ev Event) error
}

type trail struct {
	mu    sync.Mutex
	store evidence.Store
	log   *slog.Logger
	clock func() time.Time
}

// NewTrail creates a Trail persisting through the evidence store.
func NewTrail(store evidence.Store, log *slog.Logger) Trail {
	if log == nil {
		log = slog.Default()
	}
	return &trail{store: store, log: log, clock: time.Now}
}

func (t *trail) Record(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Actor == "" {
		ev.Actor = "system"
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.clock().UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	line = append(line, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.store.Append(ctx, evidence.AuditTrailPath(ev.CaseID), line); err != nil {
		return fmt.Errorf("audit: persist event: %w", err)
	}

	t.log.InfoContext(ctx, "audit",
		slog.String("case_id", ev.CaseID),
		slog.String("actor", ev.Actor),
		slog.String("type", string(ev.Type)),
		slog.String("action", ev.Action),
		slog.String("correlation_id", ev.CorrelationID),
	)
	return nil
}

// NopTrail discards events; for tests that don't assert on audit output.
type NopTrail struct{}

func (NopTrail) Record(context.Context, Event) error { return nil }
