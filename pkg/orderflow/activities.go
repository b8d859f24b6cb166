package orderflow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/orderdesk-io/orderdesk/pkg/audit"
	"github.com/orderdesk-io/orderdesk/pkg/casestore"
	"github.com/orderdesk-io/orderdesk/pkg/committee"
	"github.com/orderdesk-io/orderdesk/pkg/contracts"
	"github.com/orderdesk-io/orderdesk/pkg/evidence"
	"github.com/orderdesk-io/orderdesk/pkg/observability"
	"github.com/orderdesk-io/orderdesk/pkg/parser"
	"github.com/orderdesk-io/orderdesk/pkg/resolver"
	"github.com/orderdesk-io/orderdesk/pkg/workflow"
	"github.com/orderdesk-io/orderdesk/pkg/writer"
)

// BlobFetcher retrieves the submitted workbook bytes from upload storage.
type BlobFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher fetches blobs over HTTP(S) pre-signed URLs.
type HTTPFetcher struct {
	Client *http.Client
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch blob: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch blob: status %d", resp.StatusCode)
	}
	const maxUpload = 20 << 20
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpload+1))
	if err != nil {
		return nil, fmt.Errorf("fetch blob: %w", err)
	}
	if len(data) > maxUpload {
		return nil, fmt.Errorf("fetch blob: exceeds %d bytes", maxUpload)
	}
	return data, nil
}

// Service owns the case pipeline: the workflow body plus every activity it
// calls. One Service serves all cases of a deployment.
type Service struct {
	cases     *casestore.Store
	evidence  evidence.Store
	trail     audit.Trail
	parser    *parser.Parser
	committee *committee.Committee
	resolver  *resolver.Resolver
	writer    *writer.Writer
	fetcher   BlobFetcher
	policies  Policies
	logger    *slog.Logger
	clock     func() time.Time
	telemetry *observability.Provider

	// engine is set by Register; the sweeper signals through it.
	engine *workflow.Engine
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithFetcher overrides the blob fetcher.
func WithFetcher(f BlobFetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

// WithPolicies overrides the retry table.
func WithPolicies(p Policies) Option {
	return func(s *Service) { s.policies = p }
}

// WithTelemetry attaches traces and pipeline metrics. A nil provider leaves
// the service uninstrumented.
func WithTelemetry(p *observability.Provider) Option {
	return func(s *Service) { s.telemetry = p }
}

func NewService(cases *casestore.Store, ev evidence.Store, trail audit.Trail,
	p *parser.Parser, cm *committee.Committee, r *resolver.Resolver, w *writer.Writer,
	logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cases:     cases,
		evidence:  ev,
		trail:     trail,
		parser:    p,
		committee: cm,
		resolver:  r,
		writer:    w,
		fetcher:   &HTTPFetcher{},
		policies:  DefaultPolicies(),
		logger:    logger,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register wires the workflow and all activities into the engine.
func (s *Service) Register(e *workflow.Engine) {
	s.engine = e
	e.RegisterWorkflow(WorkflowName, s.Run)
	e.RegisterActivity(ActivityStoreFile, activity(s, s.storeFile))
	e.RegisterActivity(ActivityParseExcel, activity(s, s.parseExcel))
	e.RegisterActivity(ActivityRunCommittee, activity(s, s.runCommittee))
	e.RegisterActivity(ActivityApplyCorrections, activity(s, s.applyCorrections))
	e.RegisterActivity(ActivityResolveCustomer, activity(s, s.resolveCustomerActivity))
	e.RegisterActivity(ActivityResolveItems, activity(s, s.resolveItemsActivity))
	e.RegisterActivity(ActivityApplySelections, activity(s, s.applySelections))
	e.RegisterActivity(ActivityNotifyUser, activity(s, s.notifyUser))
	e.RegisterActivity(ActivityRecordApproval, activity(s, s.recordApproval))
	e.RegisterActivity(ActivityCreateDraft, activity(s, s.createDraft))
	e.RegisterActivity(ActivityQueueForWriter, activity(s, s.queueForWriter))
	e.RegisterActivity(ActivityFailCase, activity(s, s.failCaseActivity))
}

// activity adapts a typed handler to the engine's raw-JSON activity shape
// and traces each attempt.
func activity[In, Out any](s *Service, fn func(*workflow.ActivityContext, In) (Out, error)) workflow.ActivityFn {
	return func(ctx *workflow.ActivityContext, raw json.RawMessage) (json.RawMessage, error) {
		var in In
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, contracts.NewFatalError("ACTIVITY_BAD_INPUT", "%s: decode input: %s", ctx.Activity, err.Error())
			}
		}

		// Metric attributes stay low-cardinality; per-case detail goes on
		// the span only.
		spanCtx, done := s.telemetry.TrackOperation(ctx.Context, "activity."+ctx.Activity,
			attribute.String("activity", ctx.Activity))
		trace.SpanFromContext(spanCtx).SetAttributes(
			attribute.String("workflow.id", ctx.WorkflowID),
			attribute.Int("attempt", ctx.Attempt),
		)
		actx := *ctx
		actx.Context = spanCtx

		out, err := fn(&actx, in)
		done(err)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(out)
		if err != nil {
			return nil, contracts.NewFatalError("ACTIVITY_BAD_OUTPUT", "%s: encode output: %s", ctx.Activity, err.Error())
		}
		return payload, nil
	}
}

// StoreFileInput downloads and archives the submitted workbook.
type StoreFileInput struct {
	CaseID     string `json:"case_id"`
	BlobURL    string `json:"blob_url"`
	FileName   string `json:"file_name"`
	FileSHA256 string `json:"file_sha256"`
	Reupload   int    `json:"reupload,omitempty"`
}

// StoreFileResult points at the archived original.
type StoreFileResult struct {
	BlobPath string `json:"blob_path"`
	Size     int    `json:"size"`
}

func (s *Service) storeFile(ctx *workflow.ActivityContext, in StoreFileInput) (StoreFileResult, error) {
	data, err := s.fetcher.Fetch(ctx, in.BlobURL)
	if err != nil {
		return StoreFileResult{}, contracts.NewTransientError("BLOB_FETCH_FAILED", "case %s: %s", in.CaseID, err.Error())
	}

	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); in.FileSHA256 != "" && got != strings.ToLower(in.FileSHA256) {
		return StoreFileResult{}, contracts.NewFatalError("FILE_HASH_MISMATCH",
			"case %s: uploaded file hashes to %s, submission declared %s", in.CaseID, got, in.FileSHA256)
	}

	path := originalPath(in.CaseID, in.FileName, in.Reupload)
	if err := s.putBytes(ctx, path, data); err != nil {
		return StoreFileResult{}, err
	}

	c, err := s.transition(ctx, in.CaseID, contracts.CaseParsing, func(c *contracts.Case) {
		c.Artifacts.OriginalBlobPath = path
	})
	if err != nil {
		return StoreFileResult{}, err
	}
	if in.Reupload == 0 {
		s.telemetry.RecordCaseStarted(ctx, c.TenantID)
	}
	s.audit(ctx, in.CaseID, audit.EventArtifact, "file_stored", map[string]any{"path": path, "bytes": len(data)})
	return StoreFileResult{BlobPath: path, Size: len(data)}, nil
}

// ParseInput is one parse (or corrected re-parse) request.
type ParseInput struct {
	CaseID     string    `json:"case_id"`
	BlobPath   string    `json:"blob_path"`
	FileName   string    `json:"file_name"`
	FileSHA256 string    `json:"file_sha256"`
	ReceivedAt time.Time `json:"received_at"`

	Overrides      map[contracts.CanonicalField]string `json:"overrides,omitempty"`
	OverrideMethod contracts.MappingMethod             `json:"override_method,omitempty"`

	// Pass distinguishes re-parses; each pass archives under its own path.
	Pass int `json:"pass"`
}

// ParseResult is the workflow-facing summary of a parse. The full canonical
// order lives in the evidence store, not in workflow history.
type ParseResult struct {
	OrderPath      string `json:"order_path"`
	Blocked        bool   `json:"blocked"`
	BlockedReason  string `json:"blocked_reason,omitempty"`
	NeedsCommittee bool   `json:"needs_committee"`
	CustomerName   string `json:"customer_name"`
	CustomerTaxID  string `json:"customer_tax_id,omitempty"`
	LineRows       []int  `json:"line_rows"`
}

// orderPath places each parse pass under its own immutable blob.
func orderPath(caseID string, pass int) string {
	if pass == 0 {
		return evidence.CanonicalOrderPath(caseID)
	}
	return fmt.Sprintf("cases/%s/canonical-order.%d.json", caseID, pass)
}

// originalPath places each reupload generation under its own immutable blob.
func originalPath(caseID, fileName string, reupload int) string {
	ext := strings.TrimPrefix(filepath.Ext(fileName), ".")
	if ext == "" {
		ext = "xlsx"
	}
	if reupload == 0 {
		return evidence.OriginalFilePath(caseID, ext)
	}
	return fmt.Sprintf("cases/%s/original.%d.%s", caseID, reupload, ext)
}

func (s *Service) parseExcel(ctx *workflow.ActivityContext, in ParseInput) (ParseResult, error) {
	data, err := s.evidence.Get(ctx, in.BlobPath)
	if err != nil {
		return ParseResult{}, contracts.NewTransientError("EVIDENCE_STORE_UNAVAILABLE", "read original: %s", err.Error())
	}

	parseStart := time.Now()
	order, err := s.parser.Parse(ctx, parser.Input{
		CaseID:         in.CaseID,
		FileName:       in.FileName,
		FileSHA256:     in.FileSHA256,
		ReceivedAt:     in.ReceivedAt,
		Data:           data,
		Overrides:      in.Overrides,
		OverrideMethod: in.OverrideMethod,
	})
	if err != nil {
		return ParseResult{}, contracts.NewFatalError("PARSE_FAILED", "case %s: %s", in.CaseID, err.Error())
	}
	s.telemetry.RecordParse(ctx, time.Since(parseStart))

	path := orderPath(in.CaseID, in.Pass)
	if err := s.putJSON(ctx, path, order); err != nil {
		return ParseResult{}, err
	}

	result := ParseResult{
		OrderPath:     path,
		CustomerName:  order.Customer.RawName,
		CustomerTaxID: order.Customer.TaxID,
	}
	for _, item := range order.LineItems {
		result.LineRows = append(result.LineRows, item.RowIndex)
	}

	if order.HasBlocker() {
		result.Blocked = true
		for _, iss := range order.Issues {
			if iss.Severity == contracts.SeverityBlocker {
				result.BlockedReason = iss.Message
				break
			}
		}
		if _, err := s.transition(ctx, in.CaseID, contracts.CaseBlocked, func(c *contracts.Case) {
			c.Artifacts.CanonicalOrderPath = path
		}); err != nil {
			return ParseResult{}, err
		}
		s.audit(ctx, in.CaseID, audit.EventActivity, "parse_blocked", map[string]any{"reason": result.BlockedReason})
		return result, nil
	}

	result.NeedsCommittee = in.Overrides == nil && parser.NeedsCommittee(order)
	if _, err := s.transition(ctx, in.CaseID, contracts.CaseValidating, func(c *contracts.Case) {
		c.Artifacts.CanonicalOrderPath = path
	}); err != nil {
		return ParseResult{}, err
	}
	s.audit(ctx, in.CaseID, audit.EventActivity, "parse_completed", map[string]any{
		"pass": in.Pass, "lines": len(result.LineRows), "needs_committee": result.NeedsCommittee,
	})
	return result, nil
}

// CommitteeInput runs the mapping committee over the archived workbook.
type CommitteeInput struct {
	CaseID     string    `json:"case_id"`
	TaskID     string    `json:"task_id"`
	BlobPath   string    `json:"blob_path"`
	FileName   string    `json:"file_name"`
	FileSHA256 string    `json:"file_sha256"`
	ReceivedAt time.Time `json:"received_at"`
}

// CommitteeOutcome is the workflow-facing verdict summary.
type CommitteeOutcome struct {
	RequiresHumanReview bool                                `json:"requires_human_review"`
	Consensus           contracts.Consensus                 `json:"consensus"`
	Mappings            map[contracts.CanonicalField]string `json:"mappings,omitempty"`
}

func (s *Service) runCommittee(ctx *workflow.ActivityContext, in CommitteeInput) (CommitteeOutcome, error) {
	data, err := s.evidence.Get(ctx, in.BlobPath)
	if err != nil {
		return CommitteeOutcome{}, contracts.NewTransientError("EVIDENCE_STORE_UNAVAILABLE", "read original: %s", err.Error())
	}
	pack, err := s.parser.EvidencePack(ctx, parser.Input{
		CaseID: in.CaseID, FileName: in.FileName, FileSHA256: in.FileSHA256,
		ReceivedAt: in.ReceivedAt, Data: data,
	})
	if err != nil {
		return CommitteeOutcome{}, contracts.NewFatalError("EVIDENCE_PACK_FAILED", "case %s: %s", in.CaseID, err.Error())
	}
	if err := s.putJSON(ctx, evidence.EvidencePackPath(in.TaskID), pack); err != nil {
		return CommitteeOutcome{}, err
	}

	committeeStart := time.Now()
	verdict, err := s.committee.Run(ctx, in.TaskID, in.CaseID, pack)
	if err != nil {
		s.telemetry.RecordCommittee(ctx, "error", time.Since(committeeStart))
		return CommitteeOutcome{}, err
	}
	s.telemetry.RecordCommittee(ctx, string(verdict.ConsensusClass), time.Since(committeeStart))
	if err := s.putJSON(ctx, evidence.RawOutputsPath(in.TaskID), verdict); err != nil {
		return CommitteeOutcome{}, err
	}

	if _, err := s.update(ctx, in.CaseID, func(c *contracts.Case) {
		c.Artifacts.CommitteeTaskID = in.TaskID
	}); err != nil {
		return CommitteeOutcome{}, err
	}

	out := CommitteeOutcome{
		RequiresHumanReview: verdict.RequiresHumanReview,
		Consensus:           verdict.ConsensusClass,
	}
	if !verdict.RequiresHumanReview {
		out.Mappings = make(map[contracts.CanonicalField]string, len(verdict.FinalMappings))
		for _, m := range verdict.FinalMappings {
			if m.ColumnID != "" {
				out.Mappings[m.Field] = m.ColumnID
			}
		}
	}
	s.audit(ctx, in.CaseID, audit.EventActivity, "committee_completed", map[string]any{
		"task_id": in.TaskID, "consensus": verdict.ConsensusClass, "needs_review": verdict.RequiresHumanReview,
	})
	return out, nil
}

// ApplyCorrectionsInput records user column-mapping corrections.
type ApplyCorrectionsInput struct {
	CaseID      string                              `json:"case_id"`
	Corrections map[contracts.CanonicalField]string `json:"corrections"`
	SubmittedBy string                              `json:"submitted_by"`
}

func (s *Service) applyCorrections(ctx *workflow.ActivityContext, in ApplyCorrectionsInput) (map[contracts.CanonicalField]string, error) {
	payload := make(map[string]any, len(in.Corrections))
	for field, col := range in.Corrections {
		payload[string(field)] = col
	}
	s.auditActor(ctx, in.CaseID, in.SubmittedBy, audit.EventSignal, "corrections_applied", payload)
	return in.Corrections, nil
}

// ResolveCustomerInput matches the buyer against the catalog.
type ResolveCustomerInput struct {
	CaseID  string `json:"case_id"`
	RawName string `json:"raw_name"`
	TaxID   string `json:"tax_id,omitempty"`
}

func (s *Service) resolveCustomerActivity(ctx *workflow.ActivityContext, in ResolveCustomerInput) (*contracts.Resolution, error) {
	if _, err := s.transition(ctx, in.CaseID, contracts.CaseResolvingCustomer, nil); err != nil {
		return nil, err
	}
	res, err := s.resolver.ResolveCustomer(ctx, in.RawName, in.TaxID)
	if err != nil {
		return nil, err
	}
	if _, err := s.update(ctx, in.CaseID, func(c *contracts.Case) {
		c.Artifacts.CustomerResolution = res
	}); err != nil {
		return nil, err
	}
	s.audit(ctx, in.CaseID, audit.EventActivity, "customer_resolved", map[string]any{
		"state": res.State, "method": res.Method, "candidates": len(res.Candidates),
	})
	return res, nil
}

// ResolveItemsInput matches every line item against the catalog. Lines come
// from the case's archived canonical order.
type ResolveItemsInput struct {
	CaseID string `json:"case_id"`
}

func (s *Service) resolveItemsActivity(ctx *workflow.ActivityContext, in ResolveItemsInput) ([]contracts.Resolution, error) {
	c, err := s.transition(ctx, in.CaseID, contracts.CaseResolvingItems, nil)
	if err != nil {
		return nil, err
	}
	order, err := s.loadOrder(ctx, c.Artifacts.CanonicalOrderPath)
	if err != nil {
		return nil, err
	}
	resolutions, err := s.resolver.ResolveItems(ctx, order.LineItems)
	if err != nil {
		return nil, err
	}
	if _, err := s.update(ctx, in.CaseID, func(c *contracts.Case) {
		c.Artifacts.ItemResolutions = resolutions
	}); err != nil {
		return nil, err
	}
	resolved := 0
	for _, r := range resolutions {
		if r.State == contracts.ResolutionResolved {
			resolved++
		}
	}
	s.audit(ctx, in.CaseID, audit.EventActivity, "items_resolved", map[string]any{
		"lines": len(resolutions), "resolved": resolved,
	})
	return resolutions, nil
}

// ApplySelectionsInput records user catalog selections on the case.
type ApplySelectionsInput struct {
	CaseID      string         `json:"case_id"`
	Customer    string         `json:"customer,omitempty"`
	Items       map[int]string `json:"items,omitempty"`
	SubmittedBy string         `json:"submitted_by"`
}

func (s *Service) applySelections(ctx *workflow.ActivityContext, in ApplySelectionsInput) (struct{}, error) {
	if _, err := s.update(ctx, in.CaseID, func(c *contracts.Case) {
		if in.Customer != "" {
			c.Artifacts.CustomerResolution = &contracts.Resolution{
				Target: "customer", State: contracts.ResolutionResolved,
				ResolvedID: in.Customer, Method: "user",
			}
		}
		for row, id := range in.Items {
			if id == "" {
				continue
			}
			target := fmt.Sprintf("item:%d", row)
			found := false
			for i := range c.Artifacts.ItemResolutions {
				if c.Artifacts.ItemResolutions[i].Target == target {
					c.Artifacts.ItemResolutions[i].State = contracts.ResolutionResolved
					c.Artifacts.ItemResolutions[i].ResolvedID = id
					c.Artifacts.ItemResolutions[i].Method = "user"
					found = true
					break
				}
			}
			if !found {
				c.Artifacts.ItemResolutions = append(c.Artifacts.ItemResolutions, contracts.Resolution{
					Target: target, State: contracts.ResolutionResolved, ResolvedID: id, Method: "user",
				})
			}
		}
	}); err != nil {
		return struct{}{}, err
	}
	s.auditActor(ctx, in.CaseID, in.SubmittedBy, audit.EventSignal, "selections_applied", map[string]any{
		"customer": in.Customer != "", "items": len(in.Items),
	})
	return struct{}{}, nil
}

// NotifyKind classifies a user notification.
type NotifyKind string

const (
	NotifyBlocked           NotifyKind = "blocked"
	NotifyCorrectionsNeeded NotifyKind = "corrections_needed"
	NotifySelectionsNeeded  NotifyKind = "selections_needed"
	NotifyApprovalRequested NotifyKind = "approval_requested"
	NotifyCompleted         NotifyKind = "completed"
)

// NotifyInput posts a message back to the submitter's chat thread.
type NotifyInput struct {
	CaseID  string     `json:"case_id"`
	Kind    NotifyKind `json:"kind"`
	Message string     `json:"message"`
}

func (s *Service) notifyUser(ctx *workflow.ActivityContext, in NotifyInput) (struct{}, error) {
	// The approval request is the edge into AWAITING_APPROVAL; every other
	// notification leaves the state alone.
	if in.Kind == NotifyApprovalRequested {
		if _, err := s.transition(ctx, in.CaseID, contracts.CaseAwaitingApproval, nil); err != nil {
			return struct{}{}, err
		}
	}
	s.logger.InfoContext(ctx, "user notification",
		"case_id", in.CaseID, "kind", in.Kind, "message", in.Message)
	s.audit(ctx, in.CaseID, audit.EventSystem, "notify:"+string(in.Kind), map[string]any{"message": in.Message})
	return struct{}{}, nil
}

// RecordApprovalInput persists the human approval decision.
type RecordApprovalInput struct {
	CaseID   string `json:"case_id"`
	Approved bool   `json:"approved"`
	Actor    string `json:"actor"`
	Comments string `json:"comments,omitempty"`
}

func (s *Service) recordApproval(ctx *workflow.ActivityContext, in RecordApprovalInput) (contracts.ApprovalRecord, error) {
	record := contracts.ApprovalRecord{
		Approved: in.Approved, Actor: in.Actor, Comments: in.Comments, ApprovedAt: s.clock().UTC(),
	}
	next := contracts.CaseDrafting
	if !in.Approved {
		next = contracts.CaseCancelled
	}
	c, err := s.transition(ctx, in.CaseID, next, func(c *contracts.Case) {
		c.Artifacts.Approval = &record
	})
	if err != nil {
		return contracts.ApprovalRecord{}, err
	}
	if !in.Approved {
		s.telemetry.RecordCaseFailed(ctx, c.TenantID, string(contracts.CaseCancelled))
	}
	s.auditActor(ctx, in.CaseID, in.Actor, audit.EventSignal, "approval_recorded", map[string]any{"approved": in.Approved})
	return record, nil
}

// CreateDraftInput posts the draft sales order through the writer.
type CreateDraftInput struct {
	CaseID     string         `json:"case_id"`
	CustomerID string         `json:"customer_id"`
	ItemIDs    map[int]string `json:"item_ids"`
	ParsePass  int            `json:"parse_pass"`
}

func (s *Service) createDraft(ctx *workflow.ActivityContext, in CreateDraftInput) (contracts.DraftReference, error) {
	order, err := s.loadOrder(ctx, orderPath(in.CaseID, in.ParsePass))
	if err != nil {
		return contracts.DraftReference{}, err
	}

	fp := writer.Fingerprint(order.Meta.FileSHA256, in.CustomerID, order.LineItems, order.Meta.ReceivedAt)
	if _, err := s.update(ctx, in.CaseID, func(c *contracts.Case) {
		c.Artifacts.Fingerprint = fp
	}); err != nil {
		return contracts.DraftReference{}, err
	}

	draftStart := time.Now()
	ref, err := s.writer.CreateDraft(ctx, writer.Input{
		CaseID:      in.CaseID,
		Attempt:     ctx.Attempt,
		Order:       order,
		CustomerID:  in.CustomerID,
		ItemIDs:     in.ItemIDs,
		Fingerprint: fp,
	})
	if err != nil {
		s.recordError(ctx, in.CaseID, ctx.Activity, ctx.Attempt, err)
		return contracts.DraftReference{}, err
	}

	c, err := s.transition(ctx, in.CaseID, contracts.CaseCompleted, func(c *contracts.Case) {
		c.Artifacts.Draft = ref
	})
	if err != nil {
		return contracts.DraftReference{}, err
	}
	s.telemetry.RecordDraft(ctx, c.TenantID, time.Since(draftStart))
	s.telemetry.RecordCaseCompleted(ctx, c.TenantID)
	s.audit(ctx, in.CaseID, audit.EventActivity, "draft_created", map[string]any{"sales_order_id": ref.SalesOrderID})
	return *ref, nil
}

// QueueForWriterInput parks an exhausted draft-create on the outbox.
type QueueForWriterInput struct {
	CaseID     string         `json:"case_id"`
	CustomerID string         `json:"customer_id"`
	ItemIDs    map[int]string `json:"item_ids"`
	ParsePass  int            `json:"parse_pass"`
	Reason     string         `json:"reason"`
}

func (s *Service) queueForWriter(ctx *workflow.ActivityContext, in QueueForWriterInput) (struct{}, error) {
	c, err := s.transition(ctx, in.CaseID, contracts.CaseQueuedForWriter, func(c *contracts.Case) {
		if c.Artifacts.Extra == nil {
			c.Artifacts.Extra = map[string]string{}
		}
		c.Artifacts.Extra["writer_customer_id"] = in.CustomerID
		c.Artifacts.Extra["writer_parse_pass"] = fmt.Sprintf("%d", in.ParsePass)
		itemIDs, _ := json.Marshal(in.ItemIDs)
		c.Artifacts.Extra["writer_item_ids"] = string(itemIDs)
	})
	if err != nil {
		return struct{}{}, err
	}
	if err := s.cases.Enqueue(ctx, casestore.OutboxEntry{
		ID:          in.CaseID, // one outbox slot per case
		CaseID:      in.CaseID,
		Fingerprint: c.Artifacts.Fingerprint,
		LastError:   in.Reason,
		EnqueuedAt:  s.clock().UTC(),
		NextRetryAt: s.clock().UTC(),
	}); err != nil {
		return struct{}{}, contracts.NewTransientError("CASE_STORE_UNAVAILABLE", "enqueue writer recovery: %s", err.Error())
	}
	s.audit(ctx, in.CaseID, audit.EventSystem, "queued_for_writer", map[string]any{"reason": in.Reason})
	return struct{}{}, nil
}

// FailCaseInput moves a case to FAILED with its terminal error.
type FailCaseInput struct {
	CaseID  string `json:"case_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Service) failCaseActivity(ctx *workflow.ActivityContext, in FailCaseInput) (struct{}, error) {
	c, err := s.cases.Get(ctx, in.CaseID)
	if err != nil {
		return struct{}{}, contracts.NewTransientError("CASE_STORE_UNAVAILABLE", "load case: %s", err.Error())
	}
	if contracts.CanTransition(c.State, contracts.CaseFailed) {
		c.State = contracts.CaseFailed
	} else if !c.State.Terminal() {
		s.logger.WarnContext(ctx, "no failed edge from state, leaving case in place",
			"case_id", in.CaseID, "state", c.State)
	}
	c.Errors = append(c.Errors, contracts.CaseError{
		Code: in.Code, Kind: contracts.KindFatal, Message: in.Message, OccurredAt: s.clock().UTC(),
	})
	if err := s.cases.Update(ctx, c); err != nil {
		return struct{}{}, contracts.NewTransientError("CASE_STORE_UNAVAILABLE", "update case: %s", err.Error())
	}
	if c.State == contracts.CaseFailed {
		s.telemetry.RecordCaseFailed(ctx, c.TenantID, string(c.State))
	}
	s.audit(ctx, in.CaseID, audit.EventSystem, "case_failed", map[string]any{"code": in.Code, "message": in.Message})
	return struct{}{}, nil
}

// transition moves the case to the target state (idempotent when already
// there) and applies the mutation under the same update.
func (s *Service) transition(ctx context.Context, caseID string, to contracts.CaseState, mutate func(*contracts.Case)) (*contracts.Case, error) {
	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return nil, contracts.NewTransientError("CASE_STORE_UNAVAILABLE", "load case %s: %s", caseID, err.Error())
	}
	if c.State != to {
		if !contracts.CanTransition(c.State, to) {
			return nil, contracts.NewFatalError("CASE_STATE_CONFLICT", "case %s cannot move %s to %s", caseID, c.State, to)
		}
		from := c.State
		c.State = to
		s.audit(ctx, caseID, audit.EventTransition, fmt.Sprintf("%s->%s", from, to), nil)
	}
	if mutate != nil {
		mutate(c)
	}
	if err := s.cases.Update(ctx, c); err != nil {
		return nil, contracts.NewTransientError("CASE_STORE_UNAVAILABLE", "update case %s: %s", caseID, err.Error())
	}
	return c, nil
}

// recordError appends to the case error log without touching state.
func (s *Service) recordError(ctx context.Context, caseID, activityName string, attempt int, cause error) {
	ae := contracts.AsActivityError(cause, "ACTIVITY_FAILED")
	if _, err := s.update(ctx, caseID, func(c *contracts.Case) {
		c.Errors = append(c.Errors, contracts.CaseError{
			Code:       ae.Code,
			Kind:       ae.Kind,
			Message:    ae.Message,
			Activity:   activityName,
			Attempt:    attempt,
			OccurredAt: s.clock().UTC(),
		})
	}); err != nil {
		s.logger.WarnContext(ctx, "failed to record case error", "case_id", caseID, "error", err)
	}
}

// update applies a mutation without changing state.
func (s *Service) update(ctx context.Context, caseID string, mutate func(*contracts.Case)) (*contracts.Case, error) {
	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return nil, contracts.NewTransientError("CASE_STORE_UNAVAILABLE", "load case %s: %s", caseID, err.Error())
	}
	mutate(c)
	if err := s.cases.Update(ctx, c); err != nil {
		return nil, contracts.NewTransientError("CASE_STORE_UNAVAILABLE", "update case %s: %s", caseID, err.Error())
	}
	return c, nil
}

func (s *Service) loadOrder(ctx context.Context, path string) (*contracts.CanonicalOrder, error) {
	raw, err := s.evidence.Get(ctx, path)
	if err != nil {
		return nil, contracts.NewTransientError("EVIDENCE_STORE_UNAVAILABLE", "read %s: %s", path, err.Error())
	}
	var order contracts.CanonicalOrder
	if err := json.Unmarshal(bytes.TrimSpace(raw), &order); err != nil {
		return nil, contracts.NewFatalError("EVIDENCE_CORRUPT", "decode %s: %s", path, err.Error())
	}
	return &order, nil
}

func (s *Service) putJSON(ctx context.Context, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return contracts.NewFatalError("EVIDENCE_ENCODE", "marshal %s: %s", path, err.Error())
	}
	return s.putBytes(ctx, path, raw)
}

// putBytes writes an evidence blob. A path already holding different content
// keeps its first version: evidence is write-once and activity retries must
// not wedge on it.
func (s *Service) putBytes(ctx context.Context, path string, data []byte) error {
	if _, err := s.evidence.Put(ctx, path, data); err != nil {
		if errors.Is(err, evidence.ErrImmutable) {
			s.logger.WarnContext(ctx, "evidence path already written, keeping first version", "path", path)
			return nil
		}
		return contracts.NewTransientError("EVIDENCE_STORE_UNAVAILABLE", "write %s: %s", path, err.Error())
	}
	return nil
}

// audit records with the system actor; failures are logged, never fatal.
func (s *Service) audit(ctx context.Context, caseID string, typ audit.EventType, action string, payload map[string]any) {
	s.auditActor(ctx, caseID, "", typ, action, payload)
}

func (s *Service) auditActor(ctx context.Context, caseID, actor string, typ audit.EventType, action string, payload map[string]any) {
	if err := s.trail.Record(ctx, audit.Event{
		CaseID: caseID, Actor: actor, Type: typ, Action: action, Payload: payload,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit record failed", "case_id", caseID, "action", action, "error", err)
	}
}
