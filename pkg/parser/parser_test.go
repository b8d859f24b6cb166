package parser

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

func buildWorkbook(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	writeRows(t, f, "Sheet1", rows)
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func writeRows(t *testing.T, f *excelize.File, sheet string, rows [][]any) {
	t.Helper()
	for ri, row := range rows {
		for ci, v := range row {
			if v == nil {
				continue
			}
			addr, err := excelize.CoordinatesToCellName(ci+1, ri+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue(sheet, addr, v))
		}
	}
}

func testInput(data []byte) Input {
	return Input{
		CaseID:     "case-test",
		FileName:   "po.xlsx",
		FileSHA256: "deadbeef",
		ReceivedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Data:       data,
	}
}

func newTestParser() *Parser {
	return New("test", slog.Default())
}

func TestParseHappyPath(t *testing.T) {
	data := buildWorkbook(t, [][]any{
		{"Customer", "SKU", "Qty", "Unit Price", "Line Total"},
		{"Acme", "ABC-1", 10, 25.50, 255.00},
	})

	order, err := newTestParser().Parse(context.Background(), testInput(data))
	require.NoError(t, err)
	require.False(t, order.HasBlocker(), "issues: %+v", order.Issues)

	assert.Equal(t, "Acme", order.Customer.RawName)
	require.Len(t, order.Customer.Evidence, 1)
	assert.Equal(t, "A2", order.Customer.Evidence[0].Address)

	require.Len(t, order.LineItems, 1)
	item := order.LineItems[0]
	assert.Equal(t, "ABC-1", item.SKU)
	require.NotNil(t, item.Quantity)
	assert.Equal(t, 10.0, *item.Quantity)
	require.NotNil(t, item.UnitPrice)
	assert.Equal(t, 25.5, *item.UnitPrice)
	require.NotNil(t, item.LineTotal)
	assert.Equal(t, 255.0, *item.LineTotal)

	// Every extracted value carries evidence with a real cell address.
	for field, cells := range item.Evidence {
		require.NotEmpty(t, cells, "field %s has no evidence", field)
		for _, c := range cells {
			assert.Equal(t, "Sheet1", c.Sheet)
			assert.Regexp(t, `^[A-Z]+[0-9]+$`, c.Address)
		}
	}

	// No arithmetic warning: 10 x 25.50 = 255.00.
	for _, iss := range order.Issues {
		assert.NotEqual(t, contracts.IssueArithmeticMismatch, iss.Code)
	}
	assert.Equal(t, "en", order.Meta.DetectedLanguage)
	assert.Equal(t, 1, order.SchemaInference.HeaderRow)
}

func TestParseBlocksFormulas(t *testing.T) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	writeRows(t, f, "Sheet1", [][]any{
		{"Customer", "SKU", "Qty", "Unit Price", "Line Total"},
		{"Acme", "ABC-1", 10, 25.50, nil},
	})
	require.NoError(t, f.SetCellFormula("Sheet1", "E2", "C2*D2"))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	order, perr := newTestParser().Parse(context.Background(), testInput(buf.Bytes()))
	require.NoError(t, perr)
	require.True(t, order.HasBlocker())
	assert.True(t, order.Meta.FormulasPresent)

	require.NotEmpty(t, order.Issues)
	blocker := order.Issues[0]
	assert.Equal(t, contracts.IssueFormulasBlocked, blocker.Code)
	assert.Equal(t, contracts.SeverityBlocker, blocker.Severity)
	require.Len(t, blocker.Evidence, 1)
	assert.Equal(t, "E2", blocker.Evidence[0].Address)
	assert.Empty(t, order.LineItems)
}

func TestParseAmbiguousSheetsBlock(t *testing.T) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	rows := [][]any{
		{"Customer", "SKU", "Qty", "Unit Price", "Line Total"},
		{"Acme", "ABC-1", 10, 25.50, 255.00},
	}
	writeRows(t, f, "Sheet1", rows)
	_, err := f.NewSheet("Orders2")
	require.NoError(t, err)
	writeRows(t, f, "Orders2", rows)
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	order, perr := newTestParser().Parse(context.Background(), testInput(buf.Bytes()))
	require.NoError(t, perr)
	require.True(t, order.HasBlocker())
	assert.Equal(t, contracts.IssueMultipleCandidateSheets, order.Issues[0].Code)
}

func TestParsePersianWorkbook(t *testing.T) {
	data := buildWorkbook(t, [][]any{
		{"مشتری", "کد کالا", "تعداد", "قیمت", "مبلغ"},
		{"شرکت آکمه", "ABC-1", "۱۰", "25.50", "255.00"},
	})

	order, err := newTestParser().Parse(context.Background(), testInput(data))
	require.NoError(t, err)
	require.False(t, order.HasBlocker(), "issues: %+v", order.Issues)

	assert.Equal(t, "fa", order.Meta.DetectedLanguage)
	assert.Equal(t, "شرکت آکمه", order.Customer.RawName)
	require.Len(t, order.LineItems, 1)
	require.NotNil(t, order.LineItems[0].Quantity)
	assert.Equal(t, 10.0, *order.LineItems[0].Quantity)
}

func TestParseArithmeticMismatchWarns(t *testing.T) {
	data := buildWorkbook(t, [][]any{
		{"Customer", "SKU", "Qty", "Unit Price", "Line Total"},
		{"Acme", "ABC-1", 3, 10.33, 31.50},
	})

	order, err := newTestParser().Parse(context.Background(), testInput(data))
	require.NoError(t, err)
	require.False(t, order.HasBlocker())

	var found *contracts.Issue
	for i := range order.Issues {
		if order.Issues[i].Code == contracts.IssueArithmeticMismatch {
			found = &order.Issues[i]
		}
	}
	require.NotNil(t, found, "expected an arithmetic mismatch warning")
	assert.Equal(t, contracts.SeverityWarning, found.Severity)
	assert.NotEmpty(t, found.Evidence)

	// The parsed values are kept; reconciliation is the user's call.
	require.Len(t, order.LineItems, 1)
	assert.Equal(t, 31.5, *order.LineItems[0].LineTotal)
}

func TestParseSkipsTotalRows(t *testing.T) {
	data := buildWorkbook(t, [][]any{
		{"Customer", "SKU", "Qty", "Unit Price", "Line Total"},
		{"Acme", "ABC-1", 10, 25.50, 255.00},
		{"Acme", "ABC-2", 10, 25.50, 255.00},
		{"Total", nil, nil, nil, 510.00},
	})

	order, err := newTestParser().Parse(context.Background(), testInput(data))
	require.NoError(t, err)
	require.Len(t, order.LineItems, 2)
	require.NotNil(t, order.Totals)
	require.NotNil(t, order.Totals.GrandTotal)
	assert.Equal(t, 510.0, *order.Totals.GrandTotal)
	assert.NotEmpty(t, order.Totals.Evidence)
}

func TestParseInvalidGTINRetained(t *testing.T) {
	data := buildWorkbook(t, [][]any{
		{"Customer", "SKU", "Barcode", "Qty", "Unit Price", "Line Total"},
		{"Acme", "ABC-1", "4006381333931", 1, 5.00, 5.00},
		{"Acme", "ABC-2", "4006381333932", 1, 5.00, 5.00},
	})

	order, err := newTestParser().Parse(context.Background(), testInput(data))
	require.NoError(t, err)
	require.False(t, order.HasBlocker())
	require.Len(t, order.LineItems, 2)
	assert.Equal(t, "4006381333931", order.LineItems[0].GTIN)
	// Invalid check digit is flagged but the value is retained.
	assert.Equal(t, "4006381333932", order.LineItems[1].GTIN)

	var gtinIssues int
	for _, iss := range order.Issues {
		if iss.Code == contracts.IssueGTINInvalid {
			gtinIssues++
			assert.Equal(t, contracts.SeverityError, iss.Severity)
		}
	}
	assert.Equal(t, 1, gtinIssues)
}

func TestAmbiguousCustomerColumnsNeedCommittee(t *testing.T) {
	data := buildWorkbook(t, [][]any{
		{"Bill-To", "Customer", "SKU", "Qty", "Unit Price", "Line Total"},
		{"Acme Corp", "Acme", "ABC-1", 10, 25.50, 255.00},
	})

	order, err := newTestParser().Parse(context.Background(), testInput(data))
	require.NoError(t, err)
	require.False(t, order.HasBlocker())
	assert.True(t, NeedsCommittee(order))

	m := order.SchemaInference.MappingFor(contracts.FieldCustomerName)
	require.NotNil(t, m)
	assert.GreaterOrEqual(t, len(m.Candidates), 2)
}

func TestParseAppliesOverrides(t *testing.T) {
	data := buildWorkbook(t, [][]any{
		{"Bill-To", "Customer", "SKU", "Qty", "Unit Price", "Line Total"},
		{"Acme Corp", "Acme", "ABC-1", 10, 25.50, 255.00},
	})

	in := testInput(data)
	in.Overrides = map[contracts.CanonicalField]string{contracts.FieldCustomerName: "A"}
	in.OverrideMethod = contracts.MethodCommittee

	order, err := newTestParser().Parse(context.Background(), in)
	require.NoError(t, err)

	m := order.SchemaInference.MappingFor(contracts.FieldCustomerName)
	require.NotNil(t, m)
	assert.Equal(t, "A", m.ColumnID)
	assert.Equal(t, contracts.MethodCommittee, m.Method)
	assert.Equal(t, 1.0, m.Confidence)
	assert.Equal(t, "Acme Corp", order.Customer.RawName)
}

func TestEvidencePackIsBounded(t *testing.T) {
	rows := [][]any{{"Customer", "SKU", "Qty", "Unit Price", "Line Total"}}
	for i := 0; i < 20; i++ {
		rows = append(rows, []any{"Acme", "ABC-1", 10, 25.50, 255.00})
	}
	data := buildWorkbook(t, rows)

	pack, err := newTestParser().EvidencePack(context.Background(), testInput(data))
	require.NoError(t, err)

	assert.Equal(t, "case-test", pack.CaseID)
	assert.Len(t, pack.CandidateHeaders, 5)
	for id, samples := range pack.SampleValues {
		assert.LessOrEqual(t, len(samples), contracts.MaxSampleValues, "column %s", id)
	}
	require.NotEmpty(t, pack.ColumnStats)
	for _, h := range pack.CandidateHeaders {
		assert.True(t, pack.HasColumn(h.ColumnID))
	}
}

func TestParseCorruptFileBlocks(t *testing.T) {
	order, err := newTestParser().Parse(context.Background(), testInput([]byte("not a workbook")))
	require.NoError(t, err)
	require.True(t, order.HasBlocker())
	assert.Equal(t, contracts.IssueFileCorrupted, order.Issues[0].Code)
}
