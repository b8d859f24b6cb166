// Package parser converts spreadsheet purchase orders into canonical orders
// with cell-level evidence. The pipeline is deterministic: the same workbook
// bytes always produce the same canonical order, so a parse can be re-run
// during workflow replay or audit without drift.
package parser

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

// Parser runs the extraction pipeline.
type Parser struct {
	version string
	logger  *slog.Logger
}

// New creates a parser. version is stamped into every canonical order.
func New(version string, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{version: version, logger: logger}
}

// Input is one parse request.
type Input struct {
	CaseID     string
	FileName   string
	FileSHA256 string
	ReceivedAt time.Time
	Data       []byte

	// Overrides force field → column decisions from the committee or the
	// user, replacing the deterministic mapping for those fields.
	Overrides      map[contracts.CanonicalField]string
	OverrideMethod contracts.MappingMethod
}

// Parse runs the pipeline. Unusable inputs (formulas, protection, ambiguous
// sheets) return an order carrying a blocker issue, not an error; errors are
// reserved for unexpected failures.
func (p *Parser) Parse(ctx context.Context, in Input) (*contracts.CanonicalOrder, error) {
	order := &contracts.CanonicalOrder{
		Meta: contracts.OrderMeta{
			CaseID:           in.CaseID,
			ReceivedAt:       in.ReceivedAt,
			SourceFileName:   in.FileName,
			FileSHA256:       in.FileSHA256,
			DetectedLanguage: "unknown",
			ParserVersion:    p.version,
		},
		Customer: contracts.CustomerBlock{Status: contracts.ResolutionUnresolved},
	}

	wb, err := openWorkbook(in.Data)
	if err != nil {
		if err == errProtected {
			order.Issues = append(order.Issues, contracts.Issue{
				Code:                contracts.IssueWorkbookProtected,
				Severity:            contracts.SeverityBlocker,
				Message:             "the workbook is password protected and cannot be audited",
				SuggestedUserAction: "remove the password and re-upload the file",
			})
			return order, nil
		}
		order.Issues = append(order.Issues, contracts.Issue{
			Code:                contracts.IssueFileCorrupted,
			Severity:            contracts.SeverityBlocker,
			Message:             fmt.Sprintf("the workbook could not be opened: %v", err),
			SuggestedUserAction: "re-export the order as .xlsx and re-upload",
		})
		return order, nil
	}
	defer wb.close()

	// Stage 1: formula scan. Formulas hide the audited value.
	sheet, cell, found, err := wb.findFormula()
	if err != nil {
		return nil, err
	}
	if found {
		order.Meta.FormulasPresent = true
		order.Issues = append(order.Issues, contracts.Issue{
			Code:                contracts.IssueFormulasBlocked,
			Severity:            contracts.SeverityBlocker,
			Message:             fmt.Sprintf("cell %s!%s contains a formula", sheet, cell),
			Evidence:            []contracts.EvidenceCell{wb.evidence(sheet, cell)},
			SuggestedUserAction: "replace formulas with their values and re-upload the file",
		})
		return order, nil
	}

	// Stage 2: sheet selection.
	scores, err := wb.scoreSheets()
	if err != nil {
		return nil, err
	}
	if len(scores) == 0 || len(scores[0].Rows) == 0 {
		order.Issues = append(order.Issues, contracts.Issue{
			Code:     contracts.IssueFileCorrupted,
			Severity: contracts.SeverityBlocker,
			Message:  "the workbook contains no data",
		})
		return order, nil
	}
	chosen := scores[0]
	order.Meta.SheetsProcessed = []string{chosen.Name}
	sheetConfidence := 1.0
	if len(scores) > 1 && scores[0].Score > 0 {
		lead := (scores[0].Score - scores[1].Score) / scores[0].Score
		if lead < 0.10 {
			names := make([]string, 0, len(scores))
			for _, s := range scores {
				names = append(names, s.Name)
			}
			order.Issues = append(order.Issues, contracts.Issue{
				Code:                contracts.IssueMultipleCandidateSheets,
				Severity:            contracts.SeverityBlocker,
				Message:             fmt.Sprintf("sheets %s score too closely to choose automatically", strings.Join(names, ", ")),
				SuggestedUserAction: "remove extra sheets or indicate which sheet holds the order",
			})
			return order, nil
		}
		sheetConfidence = 0.5 + 0.5*math.Min(lead*5, 1)
	}

	// Stage 3: language detection over headers and the first 50 cells.
	order.Meta.DetectedLanguage = DetectLanguage(sampleCells(chosen.Rows, 50))

	// Stage 4: header detection.
	headerRow, headerConfidence, ok := detectHeaderRow(chosen.Rows)
	if !ok {
		order.Issues = append(order.Issues, contracts.Issue{
			Code:                contracts.IssueHeaderNotFound,
			Severity:            contracts.SeverityBlocker,
			Message:             "no header row recognized in the chosen sheet",
			SuggestedUserAction: "add a header row naming the order columns",
		})
		return order, nil
	}

	// Stage 5: deterministic column mapping.
	cols := buildColumns(chosen.Rows, headerRow)
	mappings := inferMappings(cols)
	applyOverrides(mappings, cols, in.Overrides, in.OverrideMethod)

	order.SchemaInference = contracts.SchemaInference{
		ChosenSheet:      chosen.Name,
		HeaderRow:        headerRow + 1, // 1-based, as in cell addresses
		HeaderConfidence: headerConfidence,
		SheetConfidence:  sheetConfidence,
		Mappings:         mappings,
	}
	if in.Overrides == nil && needsCommittee(mappings) {
		order.Issues = append(order.Issues, contracts.Issue{
			Code:     contracts.IssueMappingConfidenceLow,
			Severity: contracts.SeverityInfo,
			Message:  "deterministic column mapping is ambiguous; committee review required",
		})
	}

	// Stages 7-8: row extraction and normalization.
	if err := p.extractRows(wb, chosen, headerRow, order); err != nil {
		return nil, err
	}

	// Stage 9: arithmetic validation.
	validateArithmetic(order)

	// Stage 10: confidence.
	order.Confidence = scoreConfidence(order)
	return order, nil
}

// EvidencePack recomputes the bounded committee input for the workbook. It
// shares the deterministic pipeline with Parse, so the pack is stable for a
// given file.
func (p *Parser) EvidencePack(ctx context.Context, in Input) (*contracts.EvidencePack, error) {
	wb, err := openWorkbook(in.Data)
	if err != nil {
		return nil, fmt.Errorf("parser: evidence pack: %w", err)
	}
	defer wb.close()

	scores, err := wb.scoreSheets()
	if err != nil {
		return nil, err
	}
	if len(scores) == 0 || len(scores[0].Rows) == 0 {
		return nil, fmt.Errorf("parser: evidence pack: workbook has no data")
	}
	chosen := scores[0]
	headerRow, _, ok := detectHeaderRow(chosen.Rows)
	if !ok {
		return nil, fmt.Errorf("parser: evidence pack: no header row")
	}
	cols := buildColumns(chosen.Rows, headerRow)
	lang := DetectLanguage(sampleCells(chosen.Rows, 50))
	return buildEvidencePack(in.CaseID, cols, lang, in.ReceivedAt), nil
}

// NeedsCommittee reports whether the order's deterministic mapping is too
// ambiguous to accept without the committee.
func NeedsCommittee(order *contracts.CanonicalOrder) bool {
	return needsCommittee(order.SchemaInference.Mappings)
}

func applyOverrides(mappings []contracts.ColumnMapping, cols []column, overrides map[contracts.CanonicalField]string, method contracts.MappingMethod) {
	if len(overrides) == 0 {
		return
	}
	if method == "" {
		method = contracts.MethodUser
	}
	headers := make(map[string]string, len(cols))
	for _, c := range cols {
		headers[c.ID] = c.Header
	}
	for i := range mappings {
		colID, ok := overrides[mappings[i].Field]
		if !ok {
			continue
		}
		mappings[i].ColumnID = colID
		mappings[i].Header = headers[colID]
		mappings[i].Confidence = 1.0
		mappings[i].Method = method
	}
}

func sampleCells(rows [][]string, limit int) []string {
	var out []string
	for _, row := range rows {
		for _, v := range row {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
				if len(out) >= limit {
					return out
				}
			}
		}
	}
	return out
}

func scoreConfidence(order *contracts.CanonicalOrder) contracts.ConfidenceBlock {
	var sum float64
	var mapped int
	for _, m := range order.SchemaInference.Mappings {
		if m.ColumnID != "" {
			sum += m.Confidence
			mapped++
		}
	}
	mapping := 0.0
	if mapped > 0 {
		mapping = sum / float64(mapped)
	}
	c := contracts.ConfidenceBlock{
		SheetSelection:  order.SchemaInference.SheetConfidence,
		HeaderDetection: order.SchemaInference.HeaderConfidence,
		ColumnMapping:   mapping,
	}
	c.Overall = 0.3*c.SheetSelection + 0.3*c.HeaderDetection + 0.4*c.ColumnMapping
	return c
}

// extractRows walks the body rows below the header, skipping empty and
// totals rows, and builds evidence-linked line items.
func (p *Parser) extractRows(wb *workbook, chosen sheetScore, headerRow int, order *contracts.CanonicalOrder) error {
	merges, err := wb.mergeMap(chosen.Name)
	if err != nil {
		return err
	}

	colIndex := make(map[contracts.CanonicalField]int)
	for _, m := range order.SchemaInference.Mappings {
		if m.ColumnID == "" {
			continue
		}
		n, err := excelize.ColumnNameToNumber(m.ColumnID)
		if err != nil {
			continue
		}
		colIndex[m.Field] = n - 1
	}

	for r := headerRow + 1; r < len(chosen.Rows); r++ {
		row := chosen.Rows[r]
		if rowEmpty(row) {
			continue
		}
		if isTotalRow(row, colIndex) {
			p.captureTotals(wb, chosen.Name, row, r, colIndex, order)
			continue
		}
		item := p.extractLine(wb, chosen.Name, row, r, colIndex, merges, order)
		order.LineItems = append(order.LineItems, item)
	}

	// The customer name is order-level: take the first populated cell of the
	// customer column.
	if ci, ok := colIndex[contracts.FieldCustomerName]; ok {
		for r := headerRow + 1; r < len(chosen.Rows); r++ {
			row := chosen.Rows[r]
			if ci < len(row) && strings.TrimSpace(row[ci]) != "" {
				addr, err := excelize.CoordinatesToCellName(ci+1, r+1)
				if err != nil {
					return err
				}
				order.Customer.RawName = strings.TrimSpace(row[ci])
				order.Customer.Evidence = []contracts.EvidenceCell{wb.evidence(chosen.Name, addr)}
				break
			}
		}
	}
	return nil
}

func rowEmpty(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// isTotalRow detects footer rows: a total keyword anywhere, or identifier
// columns empty while the total column carries a value.
func isTotalRow(row []string, colIndex map[contracts.CanonicalField]int) bool {
	for _, v := range row {
		if isTotalKeyword(v) {
			return true
		}
	}
	totalIdx, hasTotal := colIndex[contracts.FieldLineTotal]
	if !hasTotal || totalIdx >= len(row) || strings.TrimSpace(row[totalIdx]) == "" {
		return false
	}
	for _, f := range []contracts.CanonicalField{contracts.FieldSKU, contracts.FieldGTIN, contracts.FieldProductName} {
		if idx, ok := colIndex[f]; ok && idx < len(row) && strings.TrimSpace(row[idx]) != "" {
			return false
		}
	}
	return true
}

func (p *Parser) captureTotals(wb *workbook, sheet string, row []string, r int, colIndex map[contracts.CanonicalField]int, order *contracts.CanonicalOrder) {
	kind := ""
	for _, v := range row {
		if k := totalLabelKind(v); k != "" {
			kind = k
			break
		}
	}
	if kind == "" {
		return
	}

	// Prefer the mapped total column, else the last numeric cell in the row.
	valueIdx := -1
	if idx, ok := colIndex[contracts.FieldLineTotal]; ok && idx < len(row) && looksLikeNumber(row[idx]) {
		valueIdx = idx
	} else {
		for c := len(row) - 1; c >= 0; c-- {
			if looksLikeNumber(row[c]) {
				valueIdx = c
				break
			}
		}
	}
	if valueIdx < 0 {
		return
	}
	v, ok := NormalizeNumber(row[valueIdx])
	if !ok {
		return
	}
	addr, err := excelize.CoordinatesToCellName(valueIdx+1, r+1)
	if err != nil {
		return
	}

	if order.Totals == nil {
		order.Totals = &contracts.OrderTotals{}
	}
	order.Totals.Evidence = append(order.Totals.Evidence, wb.evidence(sheet, addr))
	switch kind {
	case "subtotal":
		order.Totals.Subtotal = &v
	case "tax":
		order.Totals.Tax = &v
	case "grand":
		order.Totals.GrandTotal = &v
	}
}

func (p *Parser) extractLine(wb *workbook, sheet string, row []string, r int, colIndex map[contracts.CanonicalField]int, merges map[string]mergeInfo, order *contracts.CanonicalOrder) contracts.LineItem {
	item := contracts.LineItem{
		RowIndex: r + 1,
		Evidence: make(map[contracts.CanonicalField][]contracts.EvidenceCell),
	}

	read := func(field contracts.CanonicalField) (string, bool) {
		idx, ok := colIndex[field]
		if !ok || idx >= len(row) {
			return "", false
		}
		addr, err := excelize.CoordinatesToCellName(idx+1, r+1)
		if err != nil {
			return "", false
		}
		value := strings.TrimSpace(row[idx])
		evidenceAddr := addr
		if info, merged := merges[addr]; merged {
			evidenceAddr = info.Master
			if value == "" {
				if v, err := wb.f.GetCellValue(sheet, info.Master); err == nil {
					value = strings.TrimSpace(v)
				}
			}
			ev := wb.evidence(sheet, evidenceAddr)
			order.Issues = append(order.Issues, contracts.Issue{
				Code:     contracts.IssueMergedCellValue,
				Severity: contracts.SeverityInfo,
				Message:  fmt.Sprintf("cell %s is merged; master %s used", addr, info.Master),
				Fields:   []contracts.CanonicalField{field},
				Evidence: []contracts.EvidenceCell{ev},
			})
			if info.MultiRow {
				order.Issues = append(order.Issues, contracts.Issue{
					Code:     contracts.IssueMultiRowMerge,
					Severity: contracts.SeverityWarning,
					Message:  fmt.Sprintf("merge at %s spans multiple body rows", info.Master),
					Fields:   []contracts.CanonicalField{field},
					Evidence: []contracts.EvidenceCell{ev},
				})
			}
		}
		if value == "" {
			return "", false
		}
		item.Evidence[field] = append(item.Evidence[field], wb.evidence(sheet, evidenceAddr))
		return value, true
	}

	if v, ok := read(contracts.FieldSKU); ok {
		item.SKU = NormalizeSKU(v)
	}
	if v, ok := read(contracts.FieldGTIN); ok {
		gtin := NormalizeGTIN(v)
		item.GTIN = gtin
		if !ValidGTIN(gtin) {
			order.Issues = append(order.Issues, contracts.Issue{
				Code:     contracts.IssueGTINInvalid,
				Severity: contracts.SeverityError,
				Message:  fmt.Sprintf("row %d: %q fails the GS1 check digit", r+1, gtin),
				Fields:   []contracts.CanonicalField{contracts.FieldGTIN},
				Evidence: item.Evidence[contracts.FieldGTIN],
			})
		}
	}
	if v, ok := read(contracts.FieldProductName); ok {
		item.Product = v
	}
	if v, ok := read(contracts.FieldQuantity); ok {
		if q, numOK := NormalizeNumber(v); numOK {
			item.Quantity = &q
			if q < 0 {
				order.Issues = append(order.Issues, contracts.Issue{
					Code:     contracts.IssueNegativeQuantity,
					Severity: contracts.SeverityWarning,
					Message:  fmt.Sprintf("row %d: negative quantity %v", r+1, q),
					Fields:   []contracts.CanonicalField{contracts.FieldQuantity},
					Evidence: item.Evidence[contracts.FieldQuantity],
				})
			}
		}
	}
	var priceRaw string
	if v, ok := read(contracts.FieldUnitPrice); ok {
		priceRaw = v
		if u, numOK := NormalizeNumber(v); numOK {
			item.UnitPrice = &u
		}
	}
	if v, ok := read(contracts.FieldLineTotal); ok {
		if priceRaw == "" {
			priceRaw = v
		}
		if t, numOK := NormalizeNumber(v); numOK {
			item.LineTotal = &t
		}
	}
	if v, ok := read(contracts.FieldCurrency); ok {
		if c := DetectCurrency(v); c != "" {
			item.Currency = c
		} else {
			item.Currency = strings.ToUpper(strings.TrimSpace(v))
		}
	} else if c := DetectCurrency(priceRaw); c != "" {
		item.Currency = c
	}
	return item
}

// validateArithmetic checks qty x unit against the line total, the subtotal
// against the line sum, and the grand total, all within
// max(0.02, 1% of the larger operand).
func validateArithmetic(order *contracts.CanonicalOrder) {
	var lineSum float64
	var haveLineSum bool
	for _, item := range order.LineItems {
		if item.LineTotal != nil {
			lineSum += *item.LineTotal
			haveLineSum = true
		}
		if item.Quantity == nil || item.UnitPrice == nil || item.LineTotal == nil {
			continue
		}
		calc := *item.Quantity * *item.UnitPrice
		if !withinTolerance(calc, *item.LineTotal) {
			order.Issues = append(order.Issues, contracts.Issue{
				Code:     contracts.IssueArithmeticMismatch,
				Severity: contracts.SeverityWarning,
				Message: fmt.Sprintf("row %d: %v x %v = %.2f but line total is %.2f",
					item.RowIndex, *item.Quantity, *item.UnitPrice, calc, *item.LineTotal),
				Fields:   []contracts.CanonicalField{contracts.FieldLineTotal},
				Evidence: item.Evidence[contracts.FieldLineTotal],
			})
		}
	}
	if order.Totals == nil {
		return
	}
	if order.Totals.Subtotal != nil && haveLineSum && !withinTolerance(lineSum, *order.Totals.Subtotal) {
		order.Issues = append(order.Issues, contracts.Issue{
			Code:     contracts.IssueArithmeticMismatch,
			Severity: contracts.SeverityWarning,
			Message: fmt.Sprintf("line totals sum to %.2f but subtotal is %.2f",
				lineSum, *order.Totals.Subtotal),
			Evidence: order.Totals.Evidence,
		})
	}
	if order.Totals.GrandTotal != nil && order.Totals.Subtotal != nil {
		expected := *order.Totals.Subtotal
		if order.Totals.Tax != nil {
			expected += *order.Totals.Tax
		}
		if !withinTolerance(expected, *order.Totals.GrandTotal) {
			order.Issues = append(order.Issues, contracts.Issue{
				Code:     contracts.IssueArithmeticMismatch,
				Severity: contracts.SeverityWarning,
				Message: fmt.Sprintf("subtotal plus tax is %.2f but grand total is %.2f",
					expected, *order.Totals.GrandTotal),
				Evidence: order.Totals.Evidence,
			})
		}
	}
}

func withinTolerance(calc, actual float64) bool {
	diff := math.Abs(calc - actual)
	tolerance := math.Max(0.02, 0.01*math.Max(math.Abs(calc), math.Abs(actual)))
	return diff <= tolerance
}
