package orderflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orderdesk-io/orderdesk/pkg/audit"
	"github.com/orderdesk-io/orderdesk/pkg/casestore"
	"github.com/orderdesk-io/orderdesk/pkg/contracts"
	"github.com/orderdesk-io/orderdesk/pkg/writer"
)

// recoveryAttemptBase offsets recovery attempt numbers so writer evidence
// paths never collide with the workflow's own attempts.
const recoveryAttemptBase = 1000

// RunWriterRecovery drains the writer outbox on the recovery cadence until
// ctx ends.
func (s *Service) RunWriterRecovery(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.DrainWriterQueue(ctx, period); err != nil {
				s.logger.ErrorContext(ctx, "writer recovery failed", "error", err)
			}
		}
	}
}

// DrainWriterQueue re-attempts every due parked draft-create. Fingerprint
// idempotency makes each re-attempt safe; successes complete the case,
// transient failures reschedule one period out, fatal failures fail the case.
func (s *Service) DrainWriterQueue(ctx context.Context, period time.Duration) (int, error) {
	due, err := s.cases.Due(ctx, s.clock().UTC(), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("orderflow: list due writer entries: %w", err)
	}

	recovered := 0
	for _, entry := range due {
		if err := s.drainEntry(ctx, entry, period); err != nil {
			s.logger.WarnContext(ctx, "writer recovery entry failed",
				"case_id", entry.CaseID, "attempts", entry.Attempts, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (s *Service) drainEntry(ctx context.Context, entry casestore.OutboxEntry, period time.Duration) error {
	c, err := s.cases.Get(ctx, entry.CaseID)
	if err != nil {
		return fmt.Errorf("load case: %w", err)
	}
	if c.State != contracts.CaseQueuedForWriter {
		// Completed or failed through another path; nothing left to drain.
		return s.cases.Complete(ctx, entry.ID)
	}

	order, err := s.loadOrder(ctx, c.Artifacts.CanonicalOrderPath)
	if err != nil {
		return err
	}
	customerID, itemIDs := writerParams(c)

	fp := entry.Fingerprint
	if fp == "" {
		fp = c.Artifacts.Fingerprint
	}

	draftStart := time.Now()
	ref, err := s.writer.CreateDraft(ctx, writer.Input{
		CaseID:      c.ID,
		Attempt:     recoveryAttemptBase + entry.Attempts,
		Order:       order,
		CustomerID:  customerID,
		ItemIDs:     itemIDs,
		Fingerprint: fp,
	})
	if err != nil {
		ae := contracts.AsActivityError(err, "CREATE_DRAFT_FAILED")
		if ae.Retryable {
			return s.cases.Reschedule(ctx, entry.ID, ae.Message, s.clock().UTC().Add(period))
		}
		if _, terr := s.transition(ctx, c.ID, contracts.CaseFailed, func(c *contracts.Case) {
			c.Errors = append(c.Errors, contracts.CaseError{
				Code: ae.Code, Kind: ae.Kind, Message: ae.Message,
				Activity: "WriterRecovery", OccurredAt: s.clock().UTC(),
			})
		}); terr != nil {
			return terr
		}
		s.telemetry.RecordCaseFailed(ctx, c.TenantID, string(contracts.CaseFailed))
		s.audit(ctx, c.ID, audit.EventSystem, "writer_recovery_failed", map[string]any{"code": ae.Code})
		return s.cases.Complete(ctx, entry.ID)
	}

	if _, err := s.transition(ctx, c.ID, contracts.CaseCompleted, func(c *contracts.Case) {
		c.Artifacts.Draft = ref
	}); err != nil {
		return err
	}
	s.telemetry.RecordDraft(ctx, c.TenantID, time.Since(draftStart))
	s.telemetry.RecordCaseCompleted(ctx, c.TenantID)
	s.audit(ctx, c.ID, audit.EventSystem, "writer_recovered", map[string]any{"sales_order_id": ref.SalesOrderID})
	return s.cases.Complete(ctx, entry.ID)
}

// writerParams reconstructs the draft inputs parked on the case artifacts.
func writerParams(c *contracts.Case) (string, map[int]string) {
	customerID := c.Artifacts.Extra["writer_customer_id"]
	if customerID == "" && c.Artifacts.CustomerResolution != nil {
		customerID = c.Artifacts.CustomerResolution.ResolvedID
	}

	itemIDs := map[int]string{}
	if raw := c.Artifacts.Extra["writer_item_ids"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &itemIDs)
	}
	if len(itemIDs) == 0 {
		for _, res := range c.Artifacts.ItemResolutions {
			var row int
			if _, err := fmt.Sscanf(res.Target, "item:%d", &row); err == nil && res.ResolvedID != "" {
				itemIDs[row] = res.ResolvedID
			}
		}
	}
	return customerID, itemIDs
}
