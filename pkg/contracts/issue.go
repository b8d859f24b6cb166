package contracts

// Severity grades an Issue. Blockers stop the pipeline and demand user action.
type Severity string

const (
	SeverityBlocker Severity = "blocker"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Issue codes emitted by the parser, committee, resolver, and writer.
const (
	IssueFormulasBlocked         = "FORMULAS_BLOCKED"
	IssueWorkbookProtected       = "WORKBOOK_PROTECTED"
	IssueFileCorrupted           = "FILE_CORRUPTED"
	IssueMultipleCandidateSheets = "MULTIPLE_CANDIDATE_SHEETS"
	IssueHeaderNotFound          = "HEADER_NOT_FOUND"
	IssueMergedCellValue         = "MERGED_CELL_VALUE"
	IssueMultiRowMerge           = "MULTI_ROW_MERGE"
	IssueNegativeQuantity        = "NEGATIVE_QUANTITY"
	IssueGTINInvalid             = "GTIN_INVALID"
	IssueArithmeticMismatch      = "ARITHMETIC_MISMATCH"
	IssueMappingConfidenceLow    = "MAPPING_CONFIDENCE_LOW"
	IssueCommitteeFailed         = "COMMITTEE_FAILED"
	IssueCustomerAmbiguous       = "CUSTOMER_AMBIGUOUS"
	IssueCustomerNotFound        = "CUSTOMER_NOT_FOUND"
	IssueItemNotFound            = "ITEM_NOT_FOUND"
	IssueZohoValidationError     = "ZOHO_VALIDATION_ERROR"
	IssueExternalUnavailable     = "EXTERNAL_SERVICE_UNAVAILABLE"
)

// Issue is one diagnostic attached to a case or canonical order.
type Issue struct {
	Code     string           `json:"code"`
	Severity Severity         `json:"severity"`
	Message  string           `json:"message"`
	Fields   []CanonicalField `json:"fields,omitempty"`
	Evidence []EvidenceCell   `json:"evidence,omitempty"`

	// SuggestedUserAction is a short, user-facing hint ("re-upload the file
	// with formulas replaced by values").
	SuggestedUserAction string `json:"suggested_user_action,omitempty"`
}

// HasBlocker reports whether any issue in the slice is a blocker.
func HasBlocker(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityBlocker {
			return true
		}
	}
	return false
}
