package ingress

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orderdesk-io/orderdesk/pkg/casestore"
	"github.com/orderdesk-io/orderdesk/pkg/contracts"
	"github.com/orderdesk-io/orderdesk/pkg/orderflow"
	"github.com/orderdesk-io/orderdesk/pkg/workflow"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// SubmitOrderRequest is the submit-order operation payload.
type SubmitOrderRequest struct {
	BlobURL       string `json:"blob_url"`
	FileName      string `json:"file_name"`
	FileSHA256    string `json:"file_sha256"`
	SubmitterID   string `json:"submitter_id"`
	TenantID      string `json:"tenant_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// SubmitOrderResponse acknowledges an accepted submission. The workflow runs
// on after the response; parsing has not begun when the 202 leaves.
type SubmitOrderResponse struct {
	CaseID             string `json:"case_id"`
	WorkflowInstanceID string `json:"workflow_instance_id"`
	CorrelationID      string `json:"correlation_id"`
}

// SignalAck acknowledges a delivered (or deduplicated) signal.
type SignalAck struct {
	CaseID        string `json:"case_id"`
	EventID       string `json:"event_id"`
	CorrelationID string `json:"correlation_id"`
	Duplicate     bool   `json:"duplicate,omitempty"`
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req SubmitOrderRequest
	if !decode(w, r, &req) {
		return
	}

	p := GetPrincipal(r.Context())
	if p == nil {
		writeProblem(w, r, http.StatusUnauthorized, ProblemAuthInvalid, "no authenticated principal")
		return
	}
	tenant := req.TenantID
	if tenant == "" {
		tenant = p.TenantID
	}
	if tenant != p.TenantID {
		writeProblem(w, r, http.StatusForbidden, ProblemAuthInvalid, "tenant_id does not match the token tenant")
		return
	}
	submitter := req.SubmitterID
	if submitter == "" {
		submitter = p.Subject
	}

	if req.BlobURL == "" || req.FileName == "" {
		writeProblem(w, r, http.StatusBadRequest, ProblemInvalidInput, "blob_url and file_name are required")
		return
	}
	sha := strings.ToLower(req.FileSHA256)
	if !validSHA256(sha) {
		writeProblem(w, r, http.StatusBadRequest, ProblemInvalidInput, "file_sha256 must be 64 hex characters")
		return
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = GetCorrelationID(r.Context())
	}

	ctx := r.Context()
	now := s.clock().UTC()

	dups, err := s.cases.FindActiveByFileHash(ctx, tenant, sha, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "duplicate lookup failed", "error", err)
		writeProblem(w, r, http.StatusServiceUnavailable, ProblemDependencyDown, "case store unavailable")
		return
	}
	if len(dups) > 0 {
		dup := dups[0]
		// A case orphaned between its insert and its workflow start (crash
		// window) is resumed instead of rejected.
		if _, gerr := s.engine.GetRun(ctx, dup.WorkflowID); errors.Is(gerr, workflow.ErrRunNotFound) {
			if serr := s.engine.Start(ctx, dup.WorkflowID, orderflow.WorkflowName, caseInput(dup)); serr != nil {
				s.logger.ErrorContext(ctx, "workflow resume failed", "case_id", dup.ID, "error", serr)
				writeProblem(w, r, http.StatusServiceUnavailable, ProblemDependencyDown, "workflow engine unavailable")
				return
			}
			s.logger.InfoContext(ctx, "resumed orphaned case", "case_id", dup.ID)
			writeJSON(w, http.StatusAccepted, SubmitOrderResponse{
				CaseID: dup.ID, WorkflowInstanceID: dup.WorkflowID, CorrelationID: dup.CorrelationID,
			})
			return
		}
		s.telemetry.RecordFingerprintHit(ctx, tenant)
		writeProblem(w, r, http.StatusConflict, ProblemDuplicateFingerprint,
			fmt.Sprintf("the same file is already active today as case %s", dup.ID))
		return
	}

	caseID := uuid.New().String()
	c := &contracts.Case{
		ID:             caseID,
		TenantID:       tenant,
		SubmitterID:    submitter,
		CorrelationID:  correlationID,
		State:          contracts.CasePending,
		SourceBlobURL:  req.BlobURL,
		SourceFileName: req.FileName,
		FileSHA256:     sha,
		WorkflowID:     caseID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.cases.Create(ctx, c); err != nil {
		s.logger.ErrorContext(ctx, "case insert failed", "error", err)
		writeProblem(w, r, http.StatusServiceUnavailable, ProblemDependencyDown, "case store unavailable")
		return
	}
	if err := s.engine.Start(ctx, c.WorkflowID, orderflow.WorkflowName, caseInput(c)); err != nil {
		// The case row stands; a retried submission finds it and resumes.
		s.logger.ErrorContext(ctx, "workflow start failed", "case_id", caseID, "error", err)
		writeProblem(w, r, http.StatusServiceUnavailable, ProblemDependencyDown,
			"workflow engine unavailable; retry the submission to resume")
		return
	}

	s.logger.InfoContext(ctx, "case submitted",
		"case_id", caseID, "tenant_id", tenant, "correlation_id", correlationID)
	writeJSON(w, http.StatusAccepted, SubmitOrderResponse{
		CaseID: caseID, WorkflowInstanceID: c.WorkflowID, CorrelationID: correlationID,
	})
}

func caseInput(c *contracts.Case) orderflow.CaseInput {
	return orderflow.CaseInput{
		CaseID:        c.ID,
		TenantID:      c.TenantID,
		SubmitterID:   c.SubmitterID,
		CorrelationID: c.CorrelationID,
		BlobURL:       c.SourceBlobURL,
		FileName:      c.SourceFileName,
		FileSHA256:    c.FileSHA256,
	}
}

// SignalReuploadRequest is the signal-reupload payload.
type SignalReuploadRequest struct {
	CaseID        string `json:"case_id"`
	NewBlobURL    string `json:"new_blob_url"`
	FileName      string `json:"file_name,omitempty"`
	FileSHA256    string `json:"file_sha256,omitempty"`
	EventID       string `json:"event_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (s *Server) handleSignalReupload(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req SignalReuploadRequest
	if !decode(w, r, &req) {
		return
	}
	if req.NewBlobURL == "" {
		writeProblem(w, r, http.StatusBadRequest, ProblemInvalidInput, "new_blob_url is required")
		return
	}
	if req.FileSHA256 != "" && !validSHA256(strings.ToLower(req.FileSHA256)) {
		writeProblem(w, r, http.StatusBadRequest, ProblemInvalidInput, "file_sha256 must be 64 hex characters")
		return
	}
	c := s.loadCaseForSignal(w, r, req.CaseID, contracts.CaseBlocked)
	if c == nil {
		return
	}
	eventID := orNewEventID(req.EventID)
	s.deliver(w, r, c, contracts.SignalFileReuploaded, eventID, contracts.FileReuploaded{
		EventID:       eventID,
		NewBlobURL:    req.NewBlobURL,
		FileName:      req.FileName,
		FileSHA256:    strings.ToLower(req.FileSHA256),
		CorrelationID: orCorrelation(r, req.CorrelationID),
	})
}

// SignalCorrectionsRequest is the signal-corrections payload; corrections map
// canonical fields to the user-chosen column ids.
type SignalCorrectionsRequest struct {
	CaseID        string                              `json:"case_id"`
	Corrections   map[contracts.CanonicalField]string `json:"corrections"`
	EventID       string                              `json:"event_id,omitempty"`
	CorrelationID string                              `json:"correlation_id,omitempty"`
}

func (s *Server) handleSignalCorrections(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req SignalCorrectionsRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Corrections) == 0 {
		writeProblem(w, r, http.StatusBadRequest, ProblemInvalidInput, "corrections must not be empty")
		return
	}
	c := s.loadCaseForSignal(w, r, req.CaseID, contracts.CaseValidating)
	if c == nil {
		return
	}
	eventID := orNewEventID(req.EventID)
	s.deliver(w, r, c, contracts.SignalCorrectionsSubmitted, eventID, contracts.CorrectionsSubmitted{
		EventID:     eventID,
		Corrections: req.Corrections,
		SubmittedBy: principalSubject(r),
		SubmittedAt: s.clock().UTC(),
	})
}

// Selections carries user choices for ambiguous resolutions. Item keys are
// line row indexes.
type Selections struct {
	Customer string         `json:"customer,omitempty"`
	Items    map[int]string `json:"items,omitempty"`
}

// SignalSelectionsRequest is the signal-selections payload.
type SignalSelectionsRequest struct {
	CaseID        string     `json:"case_id"`
	Selections    Selections `json:"selections"`
	EventID       string     `json:"event_id,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

func (s *Server) handleSignalSelections(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req SignalSelectionsRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Selections.Customer == "" && len(req.Selections.Items) == 0 {
		writeProblem(w, r, http.StatusBadRequest, ProblemInvalidInput,
			"selections must carry a customer or at least one item")
		return
	}
	c := s.loadCaseForSignal(w, r, req.CaseID,
		contracts.CaseResolvingCustomer, contracts.CaseResolvingItems)
	if c == nil {
		return
	}
	eventID := orNewEventID(req.EventID)
	s.deliver(w, r, c, contracts.SignalSelectionsSubmitted, eventID, contracts.SelectionsSubmitted{
		EventID:     eventID,
		Customer:    req.Selections.Customer,
		Items:       req.Selections.Items,
		SubmittedBy: principalSubject(r),
		SubmittedAt: s.clock().UTC(),
	})
}

// SignalApprovalRequest is the signal-approval payload.
type SignalApprovalRequest struct {
	CaseID        string `json:"case_id"`
	Approved      *bool  `json:"approved"`
	Actor         string `json:"actor,omitempty"`
	Comments      string `json:"comments,omitempty"`
	EventID       string `json:"event_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (s *Server) handleSignalApproval(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req SignalApprovalRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Approved == nil {
		writeProblem(w, r, http.StatusBadRequest, ProblemInvalidInput, "approved is required")
		return
	}
	c := s.loadCaseForSignal(w, r, req.CaseID, contracts.CaseAwaitingApproval)
	if c == nil {
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = principalSubject(r)
	}
	eventID := orNewEventID(req.EventID)
	s.deliver(w, r, c, contracts.SignalApprovalReceived, eventID, contracts.ApprovalReceived{
		EventID:    eventID,
		Approved:   *req.Approved,
		Actor:      actor,
		Comments:   req.Comments,
		ApprovedAt: s.clock().UTC(),
	})
}

// handleGetCase serves GET /cases/{id}. Terminal cases stay queryable; they
// are never destroyed.
func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/cases/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, r, http.StatusNotFound, ProblemCaseNotFound, "no case at this path")
		return
	}
	c := s.loadCase(w, r, id)
	if c == nil {
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HealthResponse reports service liveness and per-dependency reachability.
type HealthResponse struct {
	State  string          `json:"state"`
	DepsOK map[string]bool `json:"deps_ok"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]bool, len(s.checks))
	state := "ok"
	for _, hc := range s.checks {
		err := hc.Check(ctx)
		deps[hc.Name] = err == nil
		if err != nil {
			state = "degraded"
			s.logger.WarnContext(ctx, "health check failed", "dependency", hc.Name, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{State: state, DepsOK: deps})
}

// loadCase loads a tenant-scoped case or writes the problem response.
// Cross-tenant probes read as absent.
func (s *Server) loadCase(w http.ResponseWriter, r *http.Request, caseID string) *contracts.Case {
	c, err := s.cases.Get(r.Context(), caseID)
	if err != nil {
		if errors.Is(err, casestore.ErrNotFound) {
			writeProblem(w, r, http.StatusNotFound, ProblemCaseNotFound, "no case with id "+caseID)
			return nil
		}
		s.logger.ErrorContext(r.Context(), "case lookup failed", "case_id", caseID, "error", err)
		writeProblem(w, r, http.StatusServiceUnavailable, ProblemDependencyDown, "case store unavailable")
		return nil
	}
	if p := GetPrincipal(r.Context()); p != nil && c.TenantID != p.TenantID {
		writeProblem(w, r, http.StatusNotFound, ProblemCaseNotFound, "no case with id "+caseID)
		return nil
	}
	return c
}

// loadCaseForSignal loads the case and enforces the state gate for a signal.
func (s *Server) loadCaseForSignal(w http.ResponseWriter, r *http.Request, caseID string, allowed ...contracts.CaseState) *contracts.Case {
	if caseID == "" {
		writeProblem(w, r, http.StatusBadRequest, ProblemInvalidInput, "case_id is required")
		return nil
	}
	c := s.loadCase(w, r, caseID)
	if c == nil {
		return nil
	}
	for _, st := range allowed {
		if c.State == st {
			return c
		}
	}
	writeProblem(w, r, http.StatusConflict, ProblemInvalidState,
		fmt.Sprintf("case %s is %s; this signal applies to %s", caseID, c.State, stateList(allowed)))
	return nil
}

// deliver dedupes and delivers one durable signal, then acks. Replayed event
// ids ack as duplicates without touching the engine.
func (s *Server) deliver(w http.ResponseWriter, r *http.Request, c *contracts.Case, name, eventID string, payload any) {
	ctx := r.Context()
	if s.dedupe != nil {
		seen, err := s.dedupe.Seen(ctx, "signal:"+c.ID+":"+eventID)
		if err != nil {
			// The engine drops replays by event id anyway.
			s.logger.WarnContext(ctx, "signal dedupe unavailable", "case_id", c.ID, "error", err)
		} else if seen {
			writeJSON(w, http.StatusOK, SignalAck{
				CaseID: c.ID, EventID: eventID, CorrelationID: GetCorrelationID(ctx), Duplicate: true,
			})
			return
		}
	}
	if err := s.engine.Signal(ctx, c.WorkflowID, name, eventID, payload); err != nil {
		s.logger.ErrorContext(ctx, "signal delivery failed",
			"case_id", c.ID, "signal", name, "event_id", eventID, "error", err)
		writeProblem(w, r, http.StatusServiceUnavailable, ProblemDependencyDown, "signal delivery failed")
		return
	}
	s.logger.InfoContext(ctx, "signal delivered", "case_id", c.ID, "signal", name, "event_id", eventID)
	writeJSON(w, http.StatusOK, SignalAck{
		CaseID: c.ID, EventID: eventID, CorrelationID: GetCorrelationID(ctx),
	})
}

// decode enforces the strict request contract: bounded body, unknown JSON
// fields rejected.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeProblem(w, r, http.StatusBadRequest, ProblemInvalidInput, "malformed request body: "+err.Error())
		return false
	}
	return true
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeProblem(w, r, http.StatusMethodNotAllowed, ProblemMethodNotAllowed,
			"the HTTP method is not supported for this endpoint")
		return false
	}
	return true
}

func validSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func orNewEventID(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

func orCorrelation(r *http.Request, id string) string {
	if id != "" {
		return id
	}
	return GetCorrelationID(r.Context())
}

func principalSubject(r *http.Request) string {
	if p := GetPrincipal(r.Context()); p != nil {
		return p.Subject
	}
	return ""
}

func stateList(states []contracts.CaseState) string {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	return strings.Join(names, " or ")
}
