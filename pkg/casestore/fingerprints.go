package casestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

// Lookup returns the draft reference recorded for fp, if any.
func (s *Store) Lookup(ctx context.Context, fp string) (*contracts.DraftReference, bool, error) {
	var ref contracts.DraftReference
	err := s.db.QueryRowContext(ctx, `
		SELECT sales_order_id, sales_order_number, created_at
		FROM fingerprints WHERE fingerprint = $1`, fp).
		Scan(&ref.SalesOrderID, &ref.SalesOrderNumber, &ref.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("casestore: lookup fingerprint: %w", err)
	}
	return &ref, true, nil
}

// Commit records fp → ref with INSERT ... ON CONFLICT DO NOTHING, a
// transactional compare-and-set of the store rather than an application
// lock, because concurrent writers may run on different processes. The
// returned reference is the one that actually won.
func (s *Store) Commit(ctx context.Context, fp string, ref contracts.DraftReference) (*contracts.DraftReference, error) {
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fingerprints (fingerprint, sales_order_id, sales_order_number, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fingerprint) DO NOTHING`,
		fp, ref.SalesOrderID, ref.SalesOrderNumber, ref.CreatedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("casestore: commit fingerprint: %w", err)
	}

	winner, ok, err := s.Lookup(ctx, fp)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("casestore: fingerprint vanished after commit: %s", fp)
	}
	return winner, nil
}
