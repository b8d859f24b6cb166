package contracts

import "time"

// CanonicalField names a column of the canonical order document. Committee
// votes, parser mappings, and user corrections all speak in these names.
type CanonicalField string

const (
	FieldCustomerName CanonicalField = "customer_name"
	FieldSKU          CanonicalField = "sku"
	FieldGTIN         CanonicalField = "gtin"
	FieldProductName  CanonicalField = "product_name"
	FieldQuantity     CanonicalField = "quantity"
	FieldUnitPrice    CanonicalField = "unit_price"
	FieldLineTotal    CanonicalField = "line_total"
	FieldCurrency     CanonicalField = "currency"
	FieldDate         CanonicalField = "date"
)

// AllFields lists every canonical field in a stable order.
var AllFields = []CanonicalField{
	FieldCustomerName, FieldSKU, FieldGTIN, FieldProductName,
	FieldQuantity, FieldUnitPrice, FieldLineTotal, FieldCurrency, FieldDate,
}

// CriticalFields require human review on any non-unanimous committee outcome.
var CriticalFields = map[CanonicalField]bool{
	FieldCustomerName: true,
	FieldSKU:          true,
	FieldGTIN:         true,
}

// EvidenceCell is the provenance record linking an extracted value back to
// the exact cell it came from. Merged cells record the master address.
type EvidenceCell struct {
	Sheet        string `json:"sheet"`
	Address      string `json:"address"`
	RawValue     string `json:"raw_value"`
	DisplayValue string `json:"display_value,omitempty"`
	NumberFormat string `json:"number_format,omitempty"`
}

// CanonicalOrder is the parser's product: the normalized, evidence-linked
// representation of a spreadsheet order. Every extracted value carries at
// least one evidence cell.
type CanonicalOrder struct {
	Meta            OrderMeta       `json:"meta"`
	Customer        CustomerBlock   `json:"customer"`
	LineItems       []LineItem      `json:"line_items"`
	Totals          *OrderTotals    `json:"totals,omitempty"`
	SchemaInference SchemaInference `json:"schema_inference"`
	Confidence      ConfidenceBlock `json:"confidence"`
	Issues          []Issue         `json:"issues,omitempty"`
}

// OrderMeta describes the source artifact and the parser run.
type OrderMeta struct {
	CaseID           string    `json:"case_id"`
	ReceivedAt       time.Time `json:"received_at"`
	SourceFileName   string    `json:"source_file_name"`
	FileSHA256       string    `json:"file_sha256"`
	DetectedLanguage string    `json:"detected_language"` // fa, en, mixed, unknown
	ParserVersion    string    `json:"parser_version"`
	FormulasPresent  bool      `json:"formulas_present"`
	SheetsProcessed  []string  `json:"sheets_processed"`
}

// CustomerBlock holds the raw customer input and its resolution status.
type CustomerBlock struct {
	RawName  string          `json:"raw_name"`
	TaxID    string          `json:"tax_id,omitempty"`
	Status   ResolutionState `json:"status"`
	Evidence []EvidenceCell  `json:"evidence"`
}

// LineItem is one extracted order line. Numeric fields are normalized
// (ASCII digits, dot decimal separator); zero quantity is valid.
type LineItem struct {
	RowIndex  int      `json:"row_index"`
	SKU       string   `json:"sku,omitempty"`
	GTIN      string   `json:"gtin,omitempty"`
	Product   string   `json:"product_name,omitempty"`
	Quantity  *float64 `json:"quantity,omitempty"`
	UnitPrice *float64 `json:"unit_price,omitempty"`
	LineTotal *float64 `json:"line_total,omitempty"`
	Currency  string   `json:"currency,omitempty"`

	// Evidence maps canonical field → source cells for this row.
	Evidence map[CanonicalField][]EvidenceCell `json:"evidence"`
}

// OrderTotals carries the sheet's own totals block, when present.
type OrderTotals struct {
	Subtotal   *float64       `json:"subtotal,omitempty"`
	Tax        *float64       `json:"tax,omitempty"`
	GrandTotal *float64       `json:"grand_total,omitempty"`
	Evidence   []EvidenceCell `json:"evidence,omitempty"`
}

// MappingMethod records how a column mapping was decided.
type MappingMethod string

const (
	MethodDictionary MappingMethod = "dictionary"
	MethodPattern    MappingMethod = "pattern"
	MethodTypeStats  MappingMethod = "type_stats"
	MethodCommittee  MappingMethod = "committee"
	MethodUser       MappingMethod = "user"
)

// ColumnMapping binds one canonical field to a source column.
type ColumnMapping struct {
	Field      CanonicalField `json:"field"`
	ColumnID   string         `json:"column_id,omitempty"` // empty = unmapped
	Header     string         `json:"header,omitempty"`
	Confidence float64        `json:"confidence"`
	Method     MappingMethod  `json:"method"`

	// Candidates are the top scored alternatives considered for this field.
	Candidates []MappingCandidate `json:"candidates,omitempty"`
}

// MappingCandidate is one scored column candidate for a canonical field.
type MappingCandidate struct {
	ColumnID string  `json:"column_id"`
	Header   string  `json:"header"`
	Score    float64 `json:"score"`
}

// SchemaInference records the structural decisions of the parse.
type SchemaInference struct {
	ChosenSheet      string          `json:"chosen_sheet"`
	HeaderRow        int             `json:"header_row"`
	HeaderConfidence float64         `json:"header_confidence"`
	SheetConfidence  float64         `json:"sheet_confidence"`
	Mappings         []ColumnMapping `json:"mappings"`
}

// ConfidenceBlock is the per-stage and overall confidence of the parse.
type ConfidenceBlock struct {
	SheetSelection  float64 `json:"sheet_selection"`
	HeaderDetection float64 `json:"header_detection"`
	ColumnMapping   float64 `json:"column_mapping"`
	Overall         float64 `json:"overall"`
}

// MappingFor returns the mapping for a canonical field, or nil.
func (s *SchemaInference) MappingFor(field CanonicalField) *ColumnMapping {
	for i := range s.Mappings {
		if s.Mappings[i].Field == field {
			return &s.Mappings[i]
		}
	}
	return nil
}

// HasBlocker reports whether the order carries a blocker-severity issue.
func (o *CanonicalOrder) HasBlocker() bool {
	for _, iss := range o.Issues {
		if iss.Severity == SeverityBlocker {
			return true
		}
	}
	return false
}
