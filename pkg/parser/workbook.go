package parser

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

// workbook wraps an open spreadsheet with the lookups the pipeline needs.
type workbook struct {
	f      *excelize.File
	sheets []string
}

// errProtected marks an encrypted or password-protected workbook.
var errProtected = fmt.Errorf("workbook is password protected")

func openWorkbook(data []byte) (*workbook, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "password") ||
			strings.Contains(strings.ToLower(err.Error()), "encrypt") {
			return nil, errProtected
		}
		return nil, fmt.Errorf("parser: open workbook: %w", err)
	}
	return &workbook{f: f, sheets: f.GetSheetList()}, nil
}

func (w *workbook) close() {
	_ = w.f.Close()
}

// findFormula scans every cell of every sheet and returns the address of the
// first formula found. The scan rectangle is the union of the row extent and
// the declared sheet dimension, because formula cells without a cached value
// are trimmed from row reads.
func (w *workbook) findFormula() (sheet, cell string, found bool, err error) {
	for _, s := range w.sheets {
		rows, err := w.f.GetRows(s)
		if err != nil {
			return "", "", false, fmt.Errorf("parser: read sheet %s: %w", s, err)
		}
		maxRow := len(rows)
		maxCol := 0
		for _, row := range rows {
			if len(row) > maxCol {
				maxCol = len(row)
			}
		}
		if dim, err := w.f.GetSheetDimension(s); err == nil {
			corner := dim
			if i := strings.Index(dim, ":"); i >= 0 {
				corner = dim[i+1:]
			}
			if c, r, err := excelize.CellNameToCoordinates(corner); err == nil {
				if r > maxRow {
					maxRow = r
				}
				if c > maxCol {
					maxCol = c
				}
			}
		}

		for r := 1; r <= maxRow; r++ {
			for c := 1; c <= maxCol; c++ {
				addr, err := excelize.CoordinatesToCellName(c, r)
				if err != nil {
					return "", "", false, err
				}
				formula, err := w.f.GetCellFormula(s, addr)
				if err != nil {
					return "", "", false, fmt.Errorf("parser: read formula %s!%s: %w", s, addr, err)
				}
				if formula != "" {
					return s, addr, true, nil
				}
			}
		}
	}
	return "", "", false, nil
}

type sheetScore struct {
	Name  string
	Score float64
	Rows  [][]string
}

// scoreSheets ranks sheets by order-likeness: numeric columns, identifier
// columns, and populated row count. Result is sorted best first.
func (w *workbook) scoreSheets() ([]sheetScore, error) {
	scores := make([]sheetScore, 0, len(w.sheets))
	for _, s := range w.sheets {
		rows, err := w.f.GetRows(s)
		if err != nil {
			return nil, fmt.Errorf("parser: read sheet %s: %w", s, err)
		}
		scores = append(scores, sheetScore{Name: s, Score: scoreRows(rows), Rows: rows})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	return scores, nil
}

func scoreRows(rows [][]string) float64 {
	if len(rows) == 0 {
		return 0
	}
	cols := 0
	for _, row := range rows {
		if len(row) > cols {
			cols = len(row)
		}
	}

	var nonEmptyRows int
	numericCols, idCols := 0, 0
	for c := 0; c < cols; c++ {
		var nonEmpty, numeric, identifier int
		for r := 0; r < len(rows) && r < 200; r++ {
			if c >= len(rows[r]) {
				continue
			}
			v := strings.TrimSpace(rows[r][c])
			if v == "" {
				continue
			}
			nonEmpty++
			if looksLikeNumber(v) {
				numeric++
			}
			if looksLikeSKU(v) || looksLikeGTIN(v) {
				identifier++
			}
		}
		if nonEmpty >= 2 {
			if float64(numeric)/float64(nonEmpty) > 0.6 {
				numericCols++
			}
			if float64(identifier)/float64(nonEmpty) > 0.5 {
				idCols++
			}
		}
	}
	for _, row := range rows {
		for _, v := range row {
			if strings.TrimSpace(v) != "" {
				nonEmptyRows++
				break
			}
		}
	}

	score := 2.0*float64(minInt(numericCols, 5)) + 3.0*float64(minInt(idCols, 3))
	score += float64(minInt(nonEmptyRows, 100)) * 0.05
	return score
}

type mergeInfo struct {
	Master   string
	MultiRow bool
}

// mergeMap maps every covered cell of the sheet's merge ranges to its master
// address.
func (w *workbook) mergeMap(sheet string) (map[string]mergeInfo, error) {
	merges, err := w.f.GetMergeCells(sheet)
	if err != nil {
		return nil, fmt.Errorf("parser: merge cells of %s: %w", sheet, err)
	}
	m := make(map[string]mergeInfo)
	for _, mc := range merges {
		startCol, startRow, err := excelize.CellNameToCoordinates(mc.GetStartAxis())
		if err != nil {
			return nil, err
		}
		endCol, endRow, err := excelize.CellNameToCoordinates(mc.GetEndAxis())
		if err != nil {
			return nil, err
		}
		info := mergeInfo{Master: mc.GetStartAxis(), MultiRow: endRow > startRow}
		for r := startRow; r <= endRow; r++ {
			for c := startCol; c <= endCol; c++ {
				addr, err := excelize.CoordinatesToCellName(c, r)
				if err != nil {
					return nil, err
				}
				m[addr] = info
			}
		}
	}
	return m, nil
}

// evidence captures the provenance of one cell: raw stored value, displayed
// value, and number format when styled.
func (w *workbook) evidence(sheet, addr string) contracts.EvidenceCell {
	cell := contracts.EvidenceCell{Sheet: sheet, Address: addr}
	if raw, err := w.f.GetCellValue(sheet, addr, excelize.Options{RawCellValue: true}); err == nil {
		cell.RawValue = raw
	}
	if display, err := w.f.GetCellValue(sheet, addr); err == nil {
		cell.DisplayValue = display
	}
	if styleID, err := w.f.GetCellStyle(sheet, addr); err == nil && styleID != 0 {
		if style, err := w.f.GetStyle(styleID); err == nil && style != nil && style.CustomNumFmt != nil {
			cell.NumberFormat = *style.CustomNumFmt
		}
	}
	return cell
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
