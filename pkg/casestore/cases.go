package casestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

const caseColumns = `id, tenant_id, submitter_id, correlation_id, state,
	source_blob_url, source_file_name, file_sha256, workflow_id,
	created_at, updated_at, artifacts, errors`

// Create inserts a new case in its initial state.
func (s *Store) Create(ctx context.Context, c *contracts.Case) error {
	artifacts, err := json.Marshal(c.Artifacts)
	if err != nil {
		return fmt.Errorf("casestore: marshal artifacts: %w", err)
	}
	errLog, err := json.Marshal(c.Errors)
	if err != nil {
		return fmt.Errorf("casestore: marshal errors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cases (id, tenant_id, submitter_id, correlation_id, state,
			source_blob_url, source_file_name, file_sha256, workflow_id,
			created_day, created_at, updated_at, artifacts, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		c.ID, c.TenantID, c.SubmitterID, c.CorrelationID, string(c.State),
		c.SourceBlobURL, c.SourceFileName, c.FileSHA256, c.WorkflowID,
		c.CreatedAt.UTC().Format("2006-01-02"), c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
		string(artifacts), string(errLog))
	if err != nil {
		return fmt.Errorf("casestore: insert case: %w", err)
	}
	return nil
}

// Get retrieves a case by id.
func (s *Store) Get(ctx context.Context, caseID string) (*contracts.Case, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE id = $1`, caseID)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, caseID)
	}
	return c, err
}

// Update persists state, artifacts, and errors, enforcing the state machine.
func (s *Store) Update(ctx context.Context, c *contracts.Case) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("casestore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT state FROM cases WHERE id = $1`, c.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	if err != nil {
		return fmt.Errorf("casestore: read state: %w", err)
	}

	from := contracts.CaseState(current)
	if from != c.State && !contracts.CanTransition(from, c.State) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, c.State)
	}

	artifacts, err := json.Marshal(c.Artifacts)
	if err != nil {
		return fmt.Errorf("casestore: marshal artifacts: %w", err)
	}
	errLog, err := json.Marshal(c.Errors)
	if err != nil {
		return fmt.Errorf("casestore: marshal errors: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE cases SET state = $1, updated_at = $2, artifacts = $3, errors = $4
		WHERE id = $5`,
		string(c.State), c.UpdatedAt.UTC(), string(artifacts), string(errLog), c.ID)
	if err != nil {
		return fmt.Errorf("casestore: update case: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("casestore: commit: %w", err)
	}
	return nil
}

// FindActiveByFileHash returns non-terminal same-hash cases of the tenant for
// the given UTC day.
func (s *Store) FindActiveByFileHash(ctx context.Context, tenantID, fileSHA256 string, day time.Time) ([]*contracts.Case, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE tenant_id = $1 AND file_sha256 = $2 AND created_day = $3
		  AND state NOT IN ('COMPLETED', 'CANCELLED', 'FAILED')
		ORDER BY created_at ASC`,
		tenantID, fileSHA256, day.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("casestore: query by hash: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanCases(rows)
}

// ListInState returns cases in state last updated before cutoff.
func (s *Store) ListInState(ctx context.Context, state contracts.CaseState, before time.Time, limit int) ([]*contracts.Case, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3`,
		string(state), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("casestore: query by state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanCases(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(r rowScanner) (*contracts.Case, error) {
	var (
		c         contracts.Case
		state     string
		artifacts string
		errLog    string
	)
	err := r.Scan(&c.ID, &c.TenantID, &c.SubmitterID, &c.CorrelationID, &state,
		&c.SourceBlobURL, &c.SourceFileName, &c.FileSHA256, &c.WorkflowID,
		&c.CreatedAt, &c.UpdatedAt, &artifacts, &errLog)
	if err != nil {
		return nil, err
	}
	c.State = contracts.CaseState(state)
	if err := json.Unmarshal([]byte(artifacts), &c.Artifacts); err != nil {
		return nil, fmt.Errorf("casestore: corrupt artifacts for case %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(errLog), &c.Errors); err != nil {
		return nil, fmt.Errorf("casestore: corrupt error log for case %s: %w", c.ID, err)
	}
	return &c, nil
}

func scanCases(rows *sql.Rows) ([]*contracts.Case, error) {
	var result []*contracts.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}
