// Package casestore persists Case records, the fingerprint → draft-reference
// index, and the writer outbox. PostgreSQL backs multi-node deployments;
// embedded SQLite backs single-node and test deployments. Cases are
// partitioned by case id with a single writer, the workflow instance.
package casestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a case does not exist.
var ErrNotFound = errors.New("casestore: case not found")

// ErrIllegalTransition is returned when an update violates the state machine.
var ErrIllegalTransition = errors.New("casestore: illegal state transition")

// CaseStore is the persistence contract for Case records.
type CaseStore interface {
	Create(ctx context.Context, c *contracts.Case) error
	Get(ctx context.Context, caseID string) (*contracts.Case, error)
	// Update persists state, artifacts, and the error log. The transition
	// from the stored state to c.State must be legal.
	Update(ctx context.Context, c *contracts.Case) error
	// FindActiveByFileHash returns non-terminal cases of the tenant with the
	// given file hash created on the given UTC day. Used by ingress to
	// reject duplicate in-flight submissions.
	FindActiveByFileHash(ctx context.Context, tenantID, fileSHA256 string, day time.Time) ([]*contracts.Case, error)
	// ListInState returns cases in the given state last updated before cutoff.
	ListInState(ctx context.Context, state contracts.CaseState, before time.Time, limit int) ([]*contracts.Case, error)
}

// FingerprintIndex is the at-most-once guard for the draft writer. Commit is
// a transactional compare-and-set: the first writer of a fingerprint wins,
// every later Commit returns the already-stored reference.
type FingerprintIndex interface {
	// Lookup returns the draft reference recorded for fp, if any.
	Lookup(ctx context.Context, fp string) (*contracts.DraftReference, bool, error)
	// Commit records fp → ref if absent and returns the winning reference
	// (which may differ from ref if another writer committed first).
	Commit(ctx context.Context, fp string, ref contracts.DraftReference) (*contracts.DraftReference, error)
}

// OutboxEntry is one parked draft-create awaiting the recovery drain.
type OutboxEntry struct {
	ID          string
	CaseID      string
	Fingerprint string
	Attempts    int
	LastError   string
	EnqueuedAt  time.Time
	NextRetryAt time.Time
}

// Outbox parks cases whose draft creation exhausted its retry policy
// (QueuedForWriter). The recovery drain re-attempts on a slow cadence.
type Outbox interface {
	Enqueue(ctx context.Context, e OutboxEntry) error
	// Due returns entries whose NextRetryAt has passed, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error)
	// Reschedule bumps the attempt count and the next retry time.
	Reschedule(ctx context.Context, id string, lastError string, next time.Time) error
	// Complete removes a drained entry.
	Complete(ctx context.Context, id string) error
}

// Store bundles the three persistence surfaces over one database handle.
type Store struct {
	db      *sql.DB
	dialect dialect
}

type dialect string

const (
	dialectPostgres dialect = "postgres"
	dialectSQLite   dialect = "sqlite"
)

// OpenPostgres opens a PostgreSQL-backed store and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("casestore: open postgres: %w", err)
	}
	s := &Store{db: db, dialect: dialectPostgres}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens an embedded SQLite-backed store and migrates the schema.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("casestore: open sqlite: %w", err)
	}
	// The workflow instance is the single writer per case, but multiple
	// instances share the handle.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, dialect: dialectSQLite}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle (tests).
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, dialect: dialectPostgres}
}

// DB exposes the underlying handle for stores sharing the connection
// (workflow history).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cases (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			submitter_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			state TEXT NOT NULL,
			source_blob_url TEXT NOT NULL,
			source_file_name TEXT NOT NULL,
			file_sha256 TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			created_day TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			artifacts TEXT NOT NULL DEFAULT '{}',
			errors TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cases_hash_day
			ON cases (tenant_id, file_sha256, created_day)`,
		`CREATE INDEX IF NOT EXISTS idx_cases_state_updated
			ON cases (state, updated_at)`,
		`CREATE TABLE IF NOT EXISTS fingerprints (
			fingerprint TEXT PRIMARY KEY,
			sales_order_id TEXT NOT NULL,
			sales_order_number TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS writer_outbox (
			id TEXT PRIMARY KEY,
			case_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			enqueued_at TIMESTAMP NOT NULL,
			next_retry_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_due
			ON writer_outbox (next_retry_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("casestore: migrate: %w", err)
		}
	}
	return nil
}
