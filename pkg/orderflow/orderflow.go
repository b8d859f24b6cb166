// Package orderflow is the durable order-case pipeline: the replayable
// workflow body driving one case from file receipt to draft creation, the
// activities it invokes, and the background sweepers. The body is strictly
// deterministic; every side effect runs inside a named activity and every
// human decision arrives as a durable signal.
package orderflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
	"github.com/orderdesk-io/orderdesk/pkg/workflow"
)

// WorkflowName is the registered name of the order-case workflow.
const WorkflowName = "order-case"

// Activity names. The workflow body references activities only by name.
const (
	ActivityStoreFile        = "StoreFile"
	ActivityParseExcel       = "ParseExcel"
	ActivityRunCommittee     = "RunCommittee"
	ActivityApplyCorrections = "ApplyCorrections"
	ActivityResolveCustomer  = "ResolveCustomer"
	ActivityResolveItems     = "ResolveItems"
	ActivityApplySelections  = "ApplySelections"
	ActivityNotifyUser       = "NotifyUser"
	ActivityRecordApproval   = "RecordApproval"
	ActivityCreateDraft      = "CreateDraft"
	ActivityQueueForWriter   = "QueueForWriter"
	ActivityFailCase         = "FailCase"
)

// Policies carries the per-activity retry policies of the pipeline.
type Policies struct {
	StoreFile   workflow.RetryPolicy
	Parse       workflow.RetryPolicy
	Committee   workflow.RetryPolicy
	Resolve     workflow.RetryPolicy
	CreateDraft workflow.RetryPolicy
	Notify      workflow.RetryPolicy
	Internal    workflow.RetryPolicy
}

// DefaultPolicies returns the production retry table.
func DefaultPolicies() Policies {
	return Policies{
		StoreFile:   workflow.RetryPolicy{InitialInterval: time.Second, MaxInterval: time.Minute, MaxJitter: time.Second, MaxAttempts: 5},
		Parse:       workflow.RetryPolicy{InitialInterval: time.Second, MaxInterval: 5 * time.Minute, MaxJitter: time.Second, MaxAttempts: 3},
		Committee:   workflow.RetryPolicy{InitialInterval: 2 * time.Second, MaxInterval: 5 * time.Minute, MaxJitter: time.Second, MaxAttempts: 3},
		Resolve:     workflow.RetryPolicy{InitialInterval: time.Second, MaxInterval: 30 * time.Second, MaxJitter: time.Second, MaxAttempts: 5},
		CreateDraft: workflow.RetryPolicy{InitialInterval: 2 * time.Second, MaxInterval: 2 * time.Minute, MaxJitter: time.Second, MaxAttempts: 8},
		Notify:      workflow.RetryPolicy{InitialInterval: time.Second, MaxInterval: 5 * time.Minute, MaxJitter: time.Second, MaxAttempts: 5},
		Internal:    workflow.DefaultRetryPolicy(),
	}
}

const (
	activityTimeout = 5 * time.Minute
	draftTimeout    = 10 * time.Minute
)

// CaseInput starts (or continues) one case workflow.
type CaseInput struct {
	CaseID        string `json:"case_id"`
	TenantID      string `json:"tenant_id"`
	SubmitterID   string `json:"submitter_id"`
	CorrelationID string `json:"correlation_id"`
	BlobURL       string `json:"blob_url"`
	FileName      string `json:"file_name"`
	FileSHA256    string `json:"file_sha256"`

	// Reupload counts continue-as-new generations, for audit only.
	Reupload int `json:"reupload,omitempty"`
}

// CaseOutcome is the workflow's terminal result.
type CaseOutcome struct {
	CaseID  string `json:"case_id"`
	Outcome string `json:"outcome"` // completed, cancelled, queued_for_writer
	DraftID string `json:"draft_id,omitempty"`
}

// Run is the order-case workflow body. It must stay deterministic: no IO, no
// wall clock, no map iteration feeding decisions.
func (s *Service) Run(ctx *workflow.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in CaseInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("orderflow: decode input: %w", err)
	}

	stored, err := workflow.Execute[StoreFileResult](ctx, ActivityStoreFile, StoreFileInput{
		CaseID: in.CaseID, BlobURL: in.BlobURL, FileName: in.FileName,
		FileSHA256: in.FileSHA256, Reupload: in.Reupload,
	}, workflow.WithRetry(s.policies.StoreFile), workflow.WithTimeout(activityTimeout))
	if err != nil {
		return s.failCase(ctx, in.CaseID, err)
	}

	// Evidence blobs are immutable, so every parse of every reupload
	// generation gets its own pass number.
	base := in.Reupload * 3
	pass := base

	parsed, err := s.parse(ctx, in, stored, nil, "", pass)
	if err != nil {
		return s.failCase(ctx, in.CaseID, err)
	}
	if parsed.Blocked {
		return nil, s.awaitReupload(ctx, in, parsed)
	}

	if parsed.NeedsCommittee {
		parsed, pass, err = s.reviewMapping(ctx, in, stored, parsed, base)
		if err != nil {
			return s.failCase(ctx, in.CaseID, err)
		}
		if parsed.Blocked {
			return nil, s.awaitReupload(ctx, in, parsed)
		}
	}

	customerID, err := s.resolveCustomer(ctx, in, parsed)
	if err != nil {
		return s.failCase(ctx, in.CaseID, err)
	}

	itemIDs, err := s.resolveItems(ctx, in, parsed)
	if err != nil {
		return s.failCase(ctx, in.CaseID, err)
	}

	approval, err := s.awaitApproval(ctx, in)
	if err != nil {
		return s.failCase(ctx, in.CaseID, err)
	}
	if !approval.Approved {
		return marshalOutcome(CaseOutcome{CaseID: in.CaseID, Outcome: "cancelled"})
	}

	draft, err := workflow.Execute[contracts.DraftReference](ctx, ActivityCreateDraft, CreateDraftInput{
		CaseID: in.CaseID, CustomerID: customerID, ItemIDs: itemIDs, ParsePass: pass,
	}, workflow.WithRetry(s.policies.CreateDraft), workflow.WithTimeout(draftTimeout))
	if err != nil {
		ae := contracts.AsActivityError(err, "CREATE_DRAFT_FAILED")
		if ae.Kind == contracts.KindTransient {
			// Retries exhausted against an unavailable catalog. Park the
			// case for the slow-cadence recovery drain instead of failing.
			if _, qerr := workflow.Execute[struct{}](ctx, ActivityQueueForWriter, QueueForWriterInput{
				CaseID: in.CaseID, CustomerID: customerID, ItemIDs: itemIDs, ParsePass: pass, Reason: ae.Message,
			}, workflow.WithRetry(s.policies.Internal), workflow.WithTimeout(activityTimeout)); qerr != nil {
				return s.failCase(ctx, in.CaseID, qerr)
			}
			return marshalOutcome(CaseOutcome{CaseID: in.CaseID, Outcome: "queued_for_writer"})
		}
		return s.failCase(ctx, in.CaseID, err)
	}

	s.notify(ctx, in.CaseID, NotifyCompleted, "draft "+draft.SalesOrderID+" created")
	return marshalOutcome(CaseOutcome{CaseID: in.CaseID, Outcome: "completed", DraftID: draft.SalesOrderID})
}

// parse runs the ParseExcel activity. Overrides re-parse with committee or
// user-chosen column mappings; pass numbers keep evidence paths distinct.
func (s *Service) parse(ctx *workflow.Context, in CaseInput, stored StoreFileResult,
	overrides map[contracts.CanonicalField]string, method contracts.MappingMethod, pass int) (ParseResult, error) {
	return workflow.Execute[ParseResult](ctx, ActivityParseExcel, ParseInput{
		CaseID:         in.CaseID,
		BlobPath:       stored.BlobPath,
		FileName:       in.FileName,
		FileSHA256:     in.FileSHA256,
		ReceivedAt:     ctx.Now(),
		Overrides:      overrides,
		OverrideMethod: method,
		Pass:           pass,
	}, workflow.WithRetry(s.policies.Parse), workflow.WithTimeout(activityTimeout))
}

// awaitReupload parks a blocked case until the user sends a replacement
// file, then restarts the workflow with fresh history.
func (s *Service) awaitReupload(ctx *workflow.Context, in CaseInput, parsed ParseResult) error {
	s.notify(ctx, in.CaseID, NotifyBlocked, parsed.BlockedReason)
	for {
		_, payload := ctx.WaitSignal(contracts.SignalFileReuploaded)
		var ev contracts.FileReuploaded
		if err := json.Unmarshal(payload, &ev); err != nil || ev.NewBlobURL == "" {
			ctx.Logger().Warn("ignoring malformed reupload signal", "case_id", in.CaseID)
			continue
		}
		next := in
		next.BlobURL = ev.NewBlobURL
		next.Reupload = in.Reupload + 1
		if ev.FileName != "" {
			next.FileName = ev.FileName
		}
		if ev.FileSHA256 != "" {
			next.FileSHA256 = ev.FileSHA256
		}
		ctx.ContinueAsNew(next)
		return nil // unreachable; ContinueAsNew panics
	}
}

// reviewMapping runs the committee over the ambiguous mapping and applies
// its verdict, or the user's corrections when the committee cannot decide.
// Returns the re-parsed order and the parse pass that produced it.
func (s *Service) reviewMapping(ctx *workflow.Context, in CaseInput, stored StoreFileResult, parsed ParseResult, base int) (ParseResult, int, error) {
	taskID := fmt.Sprintf("%s-committee-%d", in.CaseID, in.Reupload)
	verdict, err := workflow.Execute[CommitteeOutcome](ctx, ActivityRunCommittee, CommitteeInput{
		CaseID: in.CaseID, TaskID: taskID, BlobPath: stored.BlobPath,
		FileName: in.FileName, FileSHA256: in.FileSHA256, ReceivedAt: ctx.Now(),
	}, workflow.WithRetry(s.policies.Committee), workflow.WithTimeout(activityTimeout))

	if err == nil && !verdict.RequiresHumanReview {
		reparsed, perr := s.parse(ctx, in, stored, verdict.Mappings, contracts.MethodCommittee, base+1)
		return reparsed, base + 1, perr
	}
	if err != nil {
		ae := contracts.AsActivityError(err, "COMMITTEE_FAILED")
		if ae.Kind != contracts.KindCommittee && ae.Kind != contracts.KindTransient {
			return ParseResult{}, 0, err
		}
		ctx.Logger().Warn("committee unavailable, deferring to user", "case_id", in.CaseID, "error", ae.Message)
	}

	// Committee split or failed: ask the user to pick the mappings.
	s.notify(ctx, in.CaseID, NotifyCorrectionsNeeded, "column mapping needs confirmation")
	for {
		_, payload := ctx.WaitSignal(contracts.SignalCorrectionsSubmitted)
		var ev contracts.CorrectionsSubmitted
		if jerr := json.Unmarshal(payload, &ev); jerr != nil || len(ev.Corrections) == 0 {
			ctx.Logger().Warn("ignoring malformed corrections signal", "case_id", in.CaseID)
			continue
		}
		overrides, aerr := workflow.Execute[map[contracts.CanonicalField]string](ctx, ActivityApplyCorrections, ApplyCorrectionsInput{
			CaseID: in.CaseID, Corrections: ev.Corrections, SubmittedBy: ev.SubmittedBy,
		}, workflow.WithRetry(s.policies.Internal), workflow.WithTimeout(activityTimeout))
		if aerr != nil {
			return ParseResult{}, 0, aerr
		}
		reparsed, perr := s.parse(ctx, in, stored, overrides, contracts.MethodUser, base+2)
		return reparsed, base + 2, perr
	}
}

// resolveCustomer resolves the customer, looping on user selection while the
// match is ambiguous or absent.
func (s *Service) resolveCustomer(ctx *workflow.Context, in CaseInput, parsed ParseResult) (string, error) {
	res, err := workflow.Execute[contracts.Resolution](ctx, ActivityResolveCustomer, ResolveCustomerInput{
		CaseID: in.CaseID, RawName: parsed.CustomerName, TaxID: parsed.CustomerTaxID,
	}, workflow.WithRetry(s.policies.Resolve), workflow.WithTimeout(activityTimeout))
	if err != nil {
		return "", err
	}
	if res.State == contracts.ResolutionResolved {
		return res.ResolvedID, nil
	}

	s.notify(ctx, in.CaseID, NotifySelectionsNeeded, "customer match needs selection")
	for {
		_, payload := ctx.WaitSignal(contracts.SignalSelectionsSubmitted)
		var ev contracts.SelectionsSubmitted
		if jerr := json.Unmarshal(payload, &ev); jerr != nil || ev.Customer == "" {
			ctx.Logger().Warn("ignoring selections without a customer choice", "case_id", in.CaseID)
			continue
		}
		if _, aerr := workflow.Execute[struct{}](ctx, ActivityApplySelections, ApplySelectionsInput{
			CaseID: in.CaseID, Customer: ev.Customer, SubmittedBy: ev.SubmittedBy,
		}, workflow.WithRetry(s.policies.Internal), workflow.WithTimeout(activityTimeout)); aerr != nil {
			return "", aerr
		}
		return ev.Customer, nil
	}
}

// resolveItems resolves every line, then gathers user selections for the
// remainder in as many rounds as it takes. All unresolved lines surface in
// one notification per round.
func (s *Service) resolveItems(ctx *workflow.Context, in CaseInput, parsed ParseResult) (map[int]string, error) {
	resolutions, err := workflow.Execute[[]contracts.Resolution](ctx, ActivityResolveItems, ResolveItemsInput{
		CaseID: in.CaseID,
	}, workflow.WithRetry(s.policies.Resolve), workflow.WithTimeout(activityTimeout))
	if err != nil {
		return nil, err
	}

	itemIDs := make(map[int]string, len(parsed.LineRows))
	unresolved := 0
	for i, res := range resolutions {
		if res.State == contracts.ResolutionResolved && i < len(parsed.LineRows) {
			itemIDs[parsed.LineRows[i]] = res.ResolvedID
		} else {
			unresolved++
		}
	}
	if unresolved == 0 {
		return itemIDs, nil
	}

	s.notify(ctx, in.CaseID, NotifySelectionsNeeded, fmt.Sprintf("%d line items need selection", unresolved))
	for {
		_, payload := ctx.WaitSignal(contracts.SignalSelectionsSubmitted)
		var ev contracts.SelectionsSubmitted
		if jerr := json.Unmarshal(payload, &ev); jerr != nil || len(ev.Items) == 0 {
			ctx.Logger().Warn("ignoring selections without item choices", "case_id", in.CaseID)
			continue
		}
		if _, aerr := workflow.Execute[struct{}](ctx, ActivityApplySelections, ApplySelectionsInput{
			CaseID: in.CaseID, Items: ev.Items, SubmittedBy: ev.SubmittedBy,
		}, workflow.WithRetry(s.policies.Internal), workflow.WithTimeout(activityTimeout)); aerr != nil {
			return nil, aerr
		}
		for row, id := range ev.Items {
			if id != "" {
				itemIDs[row] = id
			}
		}
		missing := 0
		for _, row := range parsed.LineRows {
			if itemIDs[row] == "" {
				missing++
			}
		}
		if missing == 0 {
			return itemIDs, nil
		}
		s.notify(ctx, in.CaseID, NotifySelectionsNeeded, fmt.Sprintf("%d line items still need selection", missing))
	}
}

// awaitApproval notifies the submitter and waits for the human decision.
// There is no engine timeout here; stale cases are the sweeper's business.
func (s *Service) awaitApproval(ctx *workflow.Context, in CaseInput) (*contracts.ApprovalRecord, error) {
	s.notify(ctx, in.CaseID, NotifyApprovalRequested, "order ready for approval")
	for {
		_, payload := ctx.WaitSignal(contracts.SignalApprovalReceived)
		var ev contracts.ApprovalReceived
		if err := json.Unmarshal(payload, &ev); err != nil {
			ctx.Logger().Warn("ignoring malformed approval signal", "case_id", in.CaseID)
			continue
		}
		record, aerr := workflow.Execute[contracts.ApprovalRecord](ctx, ActivityRecordApproval, RecordApprovalInput{
			CaseID: in.CaseID, Approved: ev.Approved, Actor: ev.Actor, Comments: ev.Comments,
		}, workflow.WithRetry(s.policies.Internal), workflow.WithTimeout(activityTimeout))
		if aerr != nil {
			return nil, aerr
		}
		return &record, nil
	}
}

// notify fires the NotifyUser activity and tolerates its failure: a lost
// notification must never fail a case.
func (s *Service) notify(ctx *workflow.Context, caseID string, kind NotifyKind, message string) {
	if _, err := workflow.Execute[struct{}](ctx, ActivityNotifyUser, NotifyInput{
		CaseID: caseID, Kind: kind, Message: message,
	}, workflow.WithRetry(s.policies.Notify), workflow.WithTimeout(activityTimeout)); err != nil {
		ctx.Logger().Warn("notification failed", "case_id", caseID, "kind", kind, "error", err)
	}
}

// failCase records the failure on the case and fails the workflow.
func (s *Service) failCase(ctx *workflow.Context, caseID string, cause error) (json.RawMessage, error) {
	ae := contracts.AsActivityError(cause, "CASE_FAILED")
	if _, err := workflow.Execute[struct{}](ctx, ActivityFailCase, FailCaseInput{
		CaseID: caseID, Code: ae.Code, Message: ae.Message,
	}, workflow.WithRetry(s.policies.Internal), workflow.WithTimeout(activityTimeout)); err != nil {
		ctx.Logger().Error("failed to record case failure", "case_id", caseID, "error", err)
	}
	return nil, ae
}

func marshalOutcome(out CaseOutcome) (json.RawMessage, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("orderflow: marshal outcome: %w", err)
	}
	return raw, nil
}
