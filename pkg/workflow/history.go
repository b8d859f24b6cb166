// Package workflow is a replay-based durable execution engine. A workflow
// body is a deterministic function re-executed from the start on every
// dispatch against its persisted history. When the body requests a result the
// history does not yet contain, it suspends; the engine performs the pending
// work exactly once, appends the outcome as a history event, and dispatches
// again. History events are hash-chained so a run's evidence trail can be
// verified and replayed byte for byte.
package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orderdesk-io/orderdesk/pkg/canonicalize"
)

// EventType classifies a history event.
type EventType string

const (
	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventActivityCompleted EventType = "ACTIVITY_COMPLETED"
	EventActivityFailed    EventType = "ACTIVITY_FAILED"
	EventTimerFired        EventType = "TIMER_FIRED"
	EventSignalReceived    EventType = "SIGNAL_RECEIVED"
	EventSideEffect        EventType = "SIDE_EFFECT"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"
	EventWorkflowContinued EventType = "WORKFLOW_CONTINUED"
)

// HistoryEvent is one recorded step of a run. ChainHash binds the event to
// its predecessor: ChainHash(n) = H(ChainHash(n-1) || PayloadHash(n)).
type HistoryEvent struct {
	WorkflowID    string          `json:"workflowId"`
	Run           int             `json:"run"`
	Seq           int             `json:"seq"`
	Type          EventType       `json:"type"`
	Name          string          `json:"name,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PayloadHash   string          `json:"payloadHash"`
	ChainHash     string          `json:"chainHash"`
	EngineVersion string          `json:"engineVersion"`
	RecordedAt    time.Time       `json:"recordedAt"`
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunWaiting   RunStatus = "WAITING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	// RunBlocked means the recorded engine version is incompatible with the
	// running binary. Blocked runs are skipped until an operator intervenes.
	RunBlocked RunStatus = "BLOCKED"
)

// Pending describes what a suspended run is waiting for.
type Pending struct {
	Kind     string          `json:"kind"` // activity | timer | signal | side_effect
	Name     string          `json:"name,omitempty"`
	Names    []string        `json:"names,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
	FireAt   time.Time       `json:"fireAt,omitempty"`
	Retry    *RetryPolicy    `json:"retry,omitempty"`
	Timeout  time.Duration   `json:"timeout,omitempty"`
}

// Run is the dispatch-control record of a workflow instance. History holds
// the facts; Run holds the scheduling state derived from them. Queue scopes
// dispatch: engines poll only their own task queue, so deployments can share
// one database.
type Run struct {
	WorkflowID string
	Queue      string
	Run        int
	Name       string
	Input      json.RawMessage
	Status     RunStatus
	Pending    *Pending
	WakeAt     *time.Time
	UpdatedAt  time.Time
}

// PendingSignal is a delivered but not yet consumed signal.
type PendingSignal struct {
	WorkflowID  string
	EventID     string
	Name        string
	Payload     json.RawMessage
	DeliveredAt time.Time
}

// ErrRunNotFound is returned when a workflow id has no run record.
var ErrRunNotFound = errors.New("workflow: run not found")

// ErrConflict is returned when an Append loses the sequence-number race to a
// concurrent dispatcher. The loser discards its work and re-dispatches.
var ErrConflict = errors.New("workflow: history sequence conflict")

// HistoryStore persists runs, history events, and parked signals.
type HistoryStore interface {
	// Append assigns the next sequence number, computes the payload and
	// chain hashes, and inserts the event. Returns ErrConflict if another
	// dispatcher appended first.
	Append(ctx context.Context, ev *HistoryEvent) error
	Load(ctx context.Context, workflowID string, run int) ([]HistoryEvent, error)

	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, workflowID string) (*Run, error)
	UpdateRun(ctx context.Context, r *Run) error
	// DueRuns returns non-terminal runs on the queue whose wake time has
	// passed.
	DueRuns(ctx context.Context, queue string, now time.Time, limit int) ([]Run, error)

	// DeliverSignal parks a signal for later consumption. Returns false if
	// the event id was already delivered.
	DeliverSignal(ctx context.Context, sig PendingSignal) (bool, error)
	// NextSignal returns the oldest parked signal matching one of names.
	NextSignal(ctx context.Context, workflowID string, names []string) (*PendingSignal, bool, error)
	ConsumeSignal(ctx context.Context, workflowID, eventID string) error
}

// SQLHistoryStore keeps history in the same database as the case store so a
// deployment needs one durable system.
type SQLHistoryStore struct {
	db *sql.DB
}

// NewSQLHistoryStore migrates the schema and returns the store.
func NewSQLHistoryStore(ctx context.Context, db *sql.DB) (*SQLHistoryStore, error) {
	s := &SQLHistoryStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLHistoryStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS wf_history (
			workflow_id TEXT NOT NULL,
			run INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			payload_hash TEXT NOT NULL,
			chain_hash TEXT NOT NULL,
			engine_version TEXT NOT NULL,
			recorded_at TIMESTAMP NOT NULL,
			PRIMARY KEY (workflow_id, run, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS wf_runs (
			workflow_id TEXT PRIMARY KEY,
			queue TEXT NOT NULL DEFAULT 'default',
			run INTEGER NOT NULL,
			name TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			pending TEXT NOT NULL DEFAULT '',
			wake_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wf_runs_queue_wake
			ON wf_runs (queue, status, wake_at)`,
		`CREATE TABLE IF NOT EXISTS wf_signals (
			workflow_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			name TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			delivered_at TIMESTAMP NOT NULL,
			consumed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (workflow_id, event_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("workflow: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLHistoryStore) Append(ctx context.Context, ev *HistoryEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("workflow: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq int
	var lastChain string
	err = tx.QueryRowContext(ctx, `
		SELECT seq, chain_hash FROM wf_history
		WHERE workflow_id = $1 AND run = $2
		ORDER BY seq DESC LIMIT 1`,
		ev.WorkflowID, ev.Run).Scan(&lastSeq, &lastChain)
	if errors.Is(err, sql.ErrNoRows) {
		lastSeq, lastChain = 0, ""
	} else if err != nil {
		return fmt.Errorf("workflow: read chain head: %w", err)
	}

	ev.Seq = lastSeq + 1
	ev.PayloadHash = canonicalize.HashBytes(ev.Payload)
	ev.ChainHash = canonicalize.ChainHash(lastChain, ev.PayloadHash)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wf_history (workflow_id, run, seq, type, name, payload,
			payload_hash, chain_hash, engine_version, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.WorkflowID, ev.Run, ev.Seq, string(ev.Type), ev.Name, string(ev.Payload),
		ev.PayloadHash, ev.ChainHash, ev.EngineVersion, ev.RecordedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("workflow: append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("workflow: commit: %w", err)
	}
	return nil
}

func (s *SQLHistoryStore) Load(ctx context.Context, workflowID string, run int) ([]HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, run, seq, type, name, payload, payload_hash,
			chain_hash, engine_version, recorded_at
		FROM wf_history
		WHERE workflow_id = $1 AND run = $2
		ORDER BY seq ASC`,
		workflowID, run)
	if err != nil {
		return nil, fmt.Errorf("workflow: load history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []HistoryEvent
	for rows.Next() {
		var (
			ev      HistoryEvent
			typ     string
			payload string
		)
		if err := rows.Scan(&ev.WorkflowID, &ev.Run, &ev.Seq, &typ, &ev.Name,
			&payload, &ev.PayloadHash, &ev.ChainHash, &ev.EngineVersion,
			&ev.RecordedAt); err != nil {
			return nil, err
		}
		ev.Type = EventType(typ)
		if payload != "" {
			ev.Payload = json.RawMessage(payload)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLHistoryStore) CreateRun(ctx context.Context, r *Run) error {
	pending, err := marshalPending(r.Pending)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wf_runs (workflow_id, queue, run, name, input, status, pending, wake_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (workflow_id) DO NOTHING`,
		r.WorkflowID, r.Queue, r.Run, r.Name, string(r.Input), string(r.Status),
		pending, nullableTime(r.WakeAt), r.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("workflow: create run: %w", err)
	}
	return nil
}

func (s *SQLHistoryStore) GetRun(ctx context.Context, workflowID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, queue, run, name, input, status, pending, wake_at, updated_at
		FROM wf_runs WHERE workflow_id = $1`, workflowID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, workflowID)
	}
	return r, err
}

func (s *SQLHistoryStore) UpdateRun(ctx context.Context, r *Run) error {
	pending, err := marshalPending(r.Pending)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE wf_runs
		SET run = $1, input = $2, status = $3, pending = $4, wake_at = $5, updated_at = $6
		WHERE workflow_id = $7`,
		r.Run, string(r.Input), string(r.Status), pending,
		nullableTime(r.WakeAt), r.UpdatedAt.UTC(), r.WorkflowID)
	if err != nil {
		return fmt.Errorf("workflow: update run: %w", err)
	}
	return nil
}

func (s *SQLHistoryStore) DueRuns(ctx context.Context, queue string, now time.Time, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, queue, run, name, input, status, pending, wake_at, updated_at
		FROM wf_runs
		WHERE queue = $1 AND status IN ('RUNNING', 'WAITING')
		  AND wake_at IS NOT NULL AND wake_at <= $2
		ORDER BY wake_at ASC LIMIT $3`,
		queue, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("workflow: query due runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *SQLHistoryStore) DeliverSignal(ctx context.Context, sig PendingSignal) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO wf_signals (workflow_id, event_id, name, payload, delivered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_id, event_id) DO NOTHING`,
		sig.WorkflowID, sig.EventID, sig.Name, string(sig.Payload), sig.DeliveredAt.UTC())
	if err != nil {
		return false, fmt.Errorf("workflow: deliver signal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("workflow: deliver signal: %w", err)
	}
	return n > 0, nil
}

func (s *SQLHistoryStore) NextSignal(ctx context.Context, workflowID string, names []string) (*PendingSignal, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, event_id, name, payload, delivered_at
		FROM wf_signals WHERE workflow_id = $1 AND consumed = 0
		ORDER BY delivered_at ASC, event_id ASC`,
		workflowID)
	if err != nil {
		return nil, false, fmt.Errorf("workflow: query signals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	for rows.Next() {
		var (
			sig     PendingSignal
			payload string
		)
		if err := rows.Scan(&sig.WorkflowID, &sig.EventID, &sig.Name,
			&payload, &sig.DeliveredAt); err != nil {
			return nil, false, err
		}
		if !wanted[sig.Name] {
			continue
		}
		if payload != "" {
			sig.Payload = json.RawMessage(payload)
		}
		return &sig, true, rows.Err()
	}
	return nil, false, rows.Err()
}

// ConsumeSignal tombstones the signal instead of deleting it, so a late
// redelivery of the same event id stays a no-op.
func (s *SQLHistoryStore) ConsumeSignal(ctx context.Context, workflowID, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wf_signals SET consumed = 1 WHERE workflow_id = $1 AND event_id = $2`,
		workflowID, eventID)
	if err != nil {
		return fmt.Errorf("workflow: consume signal: %w", err)
	}
	return nil
}

func scanRun(r interface{ Scan(...any) error }) (*Run, error) {
	var (
		run     Run
		input   string
		status  string
		pending string
		wakeAt  sql.NullTime
	)
	err := r.Scan(&run.WorkflowID, &run.Queue, &run.Run, &run.Name, &input, &status,
		&pending, &wakeAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if input != "" {
		run.Input = json.RawMessage(input)
	}
	run.Status = RunStatus(status)
	if pending != "" {
		var p Pending
		if err := json.Unmarshal([]byte(pending), &p); err != nil {
			return nil, fmt.Errorf("workflow: corrupt pending for %s: %w", run.WorkflowID, err)
		}
		run.Pending = &p
	}
	if wakeAt.Valid {
		t := wakeAt.Time
		run.WakeAt = &t
	}
	return &run, nil
}

func marshalPending(p *Pending) (string, error) {
	if p == nil {
		return "", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("workflow: marshal pending: %w", err)
	}
	return string(b), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// isUniqueViolation matches primary-key conflicts across both backends
// without importing driver error types.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
