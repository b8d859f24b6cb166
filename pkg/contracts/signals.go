package contracts

import "time"

// Durable signal names delivered to a case workflow by the ingress API.
const (
	SignalFileReuploaded       = "FileReuploaded"
	SignalCorrectionsSubmitted = "CorrectionsSubmitted"
	SignalSelectionsSubmitted  = "SelectionsSubmitted"
	SignalApprovalReceived     = "ApprovalReceived"
)

// FileReuploaded is sent when the user uploads a replacement workbook for a
// blocked case.
type FileReuploaded struct {
	EventID       string `json:"event_id"`
	NewBlobURL    string `json:"new_blob_url"`
	FileName      string `json:"file_name,omitempty"`
	FileSHA256    string `json:"file_sha256,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// CorrectionsSubmitted carries user-chosen column mappings after a committee
// review request.
type CorrectionsSubmitted struct {
	EventID     string                    `json:"event_id"`
	Corrections map[CanonicalField]string `json:"corrections"` // field → column id
	SubmittedBy string                    `json:"submitted_by"`
	SubmittedAt time.Time                 `json:"submitted_at"`
}

// SelectionsSubmitted carries user choices for ambiguous customer or item
// resolutions. Item keys are line row indexes.
type SelectionsSubmitted struct {
	EventID     string         `json:"event_id"`
	Customer    string         `json:"customer,omitempty"` // catalog customer id
	Items       map[int]string `json:"items,omitempty"`    // row index → catalog item id
	SubmittedBy string         `json:"submitted_by"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// ApprovalReceived carries the human approval decision for a case.
type ApprovalReceived struct {
	EventID    string    `json:"event_id"`
	Approved   bool      `json:"approved"`
	Actor      string    `json:"actor"`
	Comments   string    `json:"comments,omitempty"`
	ApprovedAt time.Time `json:"approved_at"`
}
