// Package contracts holds the shared domain types of the order pipeline:
// the Case lifecycle, the canonical order document with cell-level evidence,
// the committee exchange formats, and the durable signal payloads.
//
// The package is intentionally dependency-free; every other package imports it.
package contracts

import "time"

// CaseState is the lifecycle state of a Case.
type CaseState string

const (
	CasePending           CaseState = "PENDING"
	CaseParsing           CaseState = "PARSING"
	CaseBlocked           CaseState = "BLOCKED"
	CaseValidating        CaseState = "VALIDATING"
	CaseResolvingCustomer CaseState = "RESOLVING_CUSTOMER"
	CaseResolvingItems    CaseState = "RESOLVING_ITEMS"
	CaseAwaitingApproval  CaseState = "AWAITING_APPROVAL"
	CaseDrafting          CaseState = "DRAFTING"
	CaseQueuedForWriter   CaseState = "QUEUED_FOR_WRITER"
	CaseCompleted         CaseState = "COMPLETED"
	CaseCancelled         CaseState = "CANCELLED"
	CaseFailed            CaseState = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
// Terminal cases remain queryable forever; they are never destroyed.
func (s CaseState) Terminal() bool {
	switch s {
	case CaseCompleted, CaseCancelled, CaseFailed:
		return true
	}
	return false
}

// validTransitions encodes the case lifecycle. A case may only move along
// one of these edges, and only through a named activity outcome.
var validTransitions = map[CaseState][]CaseState{
	CasePending:           {CaseParsing},
	CaseParsing:           {CaseBlocked, CaseValidating, CaseFailed},
	CaseBlocked:           {CaseParsing, CaseCancelled},
	CaseValidating:        {CaseResolvingCustomer, CaseFailed},
	CaseResolvingCustomer: {CaseResolvingItems, CaseFailed},
	CaseResolvingItems:    {CaseAwaitingApproval, CaseFailed},
	CaseAwaitingApproval:  {CaseDrafting, CaseCancelled},
	CaseDrafting:          {CaseCompleted, CaseQueuedForWriter, CaseFailed},
	CaseQueuedForWriter:   {CaseCompleted, CaseFailed},
}

// CanTransition reports whether from → to is a legal edge of the case
// state machine.
func CanTransition(from, to CaseState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Case is the central entity: one unit of work from file receipt to draft
// creation. The workflow instance is the single writer of a Case; everything
// else reads.
type Case struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	SubmitterID   string    `json:"submitter_id"`
	CorrelationID string    `json:"correlation_id"`
	State         CaseState `json:"state"`

	SourceBlobURL  string `json:"source_blob_url"`
	SourceFileName string `json:"source_file_name"`
	FileSHA256     string `json:"file_sha256"`

	WorkflowID string `json:"workflow_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Artifacts CaseArtifacts `json:"artifacts"`
	Errors    []CaseError   `json:"errors,omitempty"`
}

// CaseArtifacts references the accumulated outputs of the pipeline stages.
// Blob references point into the evidence store; small records are inlined.
type CaseArtifacts struct {
	OriginalBlobPath   string            `json:"original_blob_path,omitempty"`
	CanonicalOrderPath string            `json:"canonical_order_path,omitempty"`
	CommitteeTaskID    string            `json:"committee_task_id,omitempty"`
	CustomerResolution *Resolution       `json:"customer_resolution,omitempty"`
	ItemResolutions    []Resolution      `json:"item_resolutions,omitempty"`
	Approval           *ApprovalRecord   `json:"approval,omitempty"`
	Draft              *DraftReference   `json:"draft,omitempty"`
	Fingerprint        string            `json:"fingerprint,omitempty"`
	Extra              map[string]string `json:"extra,omitempty"`
}

// CaseError is one entry of the case error log.
type CaseError struct {
	Code       string    `json:"code"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Activity   string    `json:"activity,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ApprovalRecord captures a human approval or rejection decision.
type ApprovalRecord struct {
	Approved   bool      `json:"approved"`
	Actor      string    `json:"actor"`
	Comments   string    `json:"comments,omitempty"`
	ApprovedAt time.Time `json:"approved_at"`
}

// DraftReference identifies the draft sales order created in the external
// accounting system.
type DraftReference struct {
	SalesOrderID     string    `json:"sales_order_id"`
	SalesOrderNumber string    `json:"sales_order_number,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ResolutionState is the outcome of matching one entity against the catalog.
type ResolutionState string

const (
	ResolutionResolved   ResolutionState = "RESOLVED"
	ResolutionNeedsHuman ResolutionState = "NEEDS_HUMAN"
	ResolutionUnresolved ResolutionState = "UNRESOLVED"
)

// Resolution is the result of resolving the customer or one line item.
type Resolution struct {
	Target     string               `json:"target"` // "customer" or "item:<row_index>"
	State      ResolutionState      `json:"state"`
	ResolvedID string               `json:"resolved_id,omitempty"`
	Method     string               `json:"method,omitempty"` // exact, tax_id, gtin, sku, fuzzy, user
	Candidates []CandidateMatch     `json:"candidates,omitempty"`
}

// CandidateMatch is one scored catalog candidate surfaced for human selection.
type CandidateMatch struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}
