package orderflow

import (
	"context"
	"fmt"
	"time"

	"github.com/orderdesk-io/orderdesk/pkg/audit"
	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

const sweepBatch = 100

// RunSweeper cancels stale approvals on a fixed cadence until ctx ends.
func (s *Service) RunSweeper(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepStaleApprovals(ctx, retention); err != nil {
				s.logger.ErrorContext(ctx, "approval sweep failed", "error", err)
			}
		}
	}
}

// SweepStaleApprovals rejects every case that has sat in AWAITING_APPROVAL
// past the retention window. The rejection travels as a regular approval
// signal, so the workflow instance stays the only writer of its case.
func (s *Service) SweepStaleApprovals(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.clock().UTC().Add(-retention)
	stale, err := s.cases.ListInState(ctx, contracts.CaseAwaitingApproval, cutoff, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("orderflow: list stale approvals: %w", err)
	}

	swept := 0
	for _, c := range stale {
		eventID := "sweep-" + c.ID
		if err := s.engine.Signal(ctx, c.WorkflowID, contracts.SignalApprovalReceived, eventID, contracts.ApprovalReceived{
			EventID:    eventID,
			Approved:   false,
			Actor:      "system",
			Comments:   fmt.Sprintf("approval window of %s expired", retention),
			ApprovedAt: s.clock().UTC(),
		}); err != nil {
			s.logger.WarnContext(ctx, "stale approval signal failed", "case_id", c.ID, "error", err)
			continue
		}
		s.audit(ctx, c.ID, audit.EventSystem, "approval_expired", map[string]any{"cutoff": cutoff})
		swept++
	}
	if swept > 0 {
		s.logger.InfoContext(ctx, "swept stale approvals", "count", swept)
	}
	return swept, nil
}
