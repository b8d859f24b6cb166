// Package writer creates the draft sales order in the external accounting
// system, at most once per order fingerprint. The fingerprint index is the
// authority: a hit short-circuits the remote call, and the first committed
// reference wins every race.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/orderdesk-io/orderdesk/pkg/casestore"
	"github.com/orderdesk-io/orderdesk/pkg/contracts"
	"github.com/orderdesk-io/orderdesk/pkg/evidence"
	"github.com/orderdesk-io/orderdesk/pkg/zoho"
)

// Input is one draft-create request.
type Input struct {
	CaseID  string
	Attempt int
	Order   *contracts.CanonicalOrder
	// CustomerID is the resolved catalog customer.
	CustomerID string
	// ItemIDs maps line row index to the resolved catalog item id.
	ItemIDs map[int]string
	// Fingerprint is precomputed by the workflow so retries share it.
	Fingerprint string
}

// Writer posts draft orders and records request/response evidence.
type Writer struct {
	catalog      zoho.API
	fingerprints casestore.FingerprintIndex
	evidence     evidence.Store
	logger       *slog.Logger
	clock        func() time.Time
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(w *Writer) { w.clock = clock }
}

func New(catalog zoho.API, fingerprints casestore.FingerprintIndex, ev evidence.Store, logger *slog.Logger, opts ...Option) *Writer {
	w := &Writer{
		catalog:      catalog,
		fingerprints: fingerprints,
		evidence:     ev,
		logger:       logger,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CreateDraft creates the draft for the input fingerprint, or returns the
// already-committed reference. Catalog errors come back classified for the
// workflow's retry disposition.
func (w *Writer) CreateDraft(ctx context.Context, in Input) (*contracts.DraftReference, error) {
	if in.Fingerprint == "" {
		return nil, contracts.NewFatalError("WRITER_BAD_INPUT", "empty fingerprint for case %s", in.CaseID)
	}

	if ref, found, err := w.fingerprints.Lookup(ctx, in.Fingerprint); err != nil {
		return nil, contracts.NewTransientError("CASE_STORE_UNAVAILABLE", "fingerprint lookup: %s", err.Error())
	} else if found {
		w.logger.Info("fingerprint already mapped, reusing draft",
			"case_id", in.CaseID, "salesorder_id", ref.SalesOrderID)
		return ref, nil
	}

	order, err := w.buildPayload(in)
	if err != nil {
		return nil, err
	}
	if err := w.putEvidence(ctx, evidence.WriterRequestPath(in.CaseID, in.Attempt), order); err != nil {
		return nil, err
	}

	result, err := w.catalog.CreateSalesOrder(ctx, *order, in.Fingerprint)
	if err != nil {
		_ = w.putEvidence(ctx, evidence.WriterResponsePath(in.CaseID, in.Attempt), map[string]string{"error": err.Error()})
		return nil, zoho.Classify(err)
	}
	if err := w.putEvidence(ctx, evidence.WriterResponsePath(in.CaseID, in.Attempt), result); err != nil {
		return nil, err
	}

	ref := contracts.DraftReference{
		SalesOrderID:     result.SalesOrderID,
		SalesOrderNumber: result.SalesOrderNumber,
		CreatedAt:        w.clock().UTC(),
	}
	committed, err := w.fingerprints.Commit(ctx, in.Fingerprint, ref)
	if err != nil {
		return nil, contracts.NewTransientError("CASE_STORE_UNAVAILABLE", "fingerprint commit: %s", err.Error())
	}
	if committed.SalesOrderID != ref.SalesOrderID {
		// Lost the commit race; the remote deduplicated on the idempotency
		// key, so both references point at one draft. Honor the stored one.
		w.logger.Warn("fingerprint commit race, honoring first writer",
			"case_id", in.CaseID, "stored", committed.SalesOrderID, "ours", ref.SalesOrderID)
	}
	return committed, nil
}

// buildPayload assembles the draft order from the canonical order and the
// resolved ids. Every line must be resolved before the writer runs.
func (w *Writer) buildPayload(in Input) (*zoho.SalesOrder, error) {
	if in.CustomerID == "" {
		return nil, contracts.NewFatalError("WRITER_BAD_INPUT", "case %s has no resolved customer", in.CaseID)
	}
	order := &zoho.SalesOrder{
		CustomerID:      in.CustomerID,
		Date:            DateBucket(in.Order.Meta.ReceivedAt),
		ReferenceNumber: in.CaseID,
		Status:          "draft",
		Notes:           fmt.Sprintf("Imported from %s", in.Order.Meta.SourceFileName),
	}
	for _, item := range in.Order.LineItems {
		itemID, ok := in.ItemIDs[item.RowIndex]
		if !ok || itemID == "" {
			return nil, contracts.NewFatalError("WRITER_BAD_INPUT", "case %s line %d is unresolved", in.CaseID, item.RowIndex)
		}
		line := zoho.SalesOrderLine{ItemID: itemID, Name: item.Product}
		if item.Quantity != nil {
			line.Quantity = *item.Quantity
		}
		if item.UnitPrice != nil {
			line.Rate = *item.UnitPrice
		}
		order.LineItems = append(order.LineItems, line)
	}
	if len(order.LineItems) == 0 {
		return nil, contracts.NewFatalError("WRITER_BAD_INPUT", "case %s has no line items", in.CaseID)
	}
	return order, nil
}

func (w *Writer) putEvidence(ctx context.Context, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return contracts.NewFatalError("WRITER_EVIDENCE", "marshal evidence: %s", err.Error())
	}
	if _, err := w.evidence.Put(ctx, path, raw); err != nil {
		return contracts.NewTransientError("EVIDENCE_STORE_UNAVAILABLE", "write %s: %s", path, err.Error())
	}
	return nil
}
