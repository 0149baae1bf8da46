package services

import (
	"bytes"
	"testing"

	"bulk-order-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

func newTestParser(mutate ...func(*ParserConfig)) *SecureParser {
	cfg := DefaultParserConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	return NewSecureParser(cfg, zap.NewNop())
}

func TestParse_ValidCSV(t *testing.T) {
	csv := "SKU,Qty,Unit Price,comment\nA1,5,10,first\nB2,3,20.50,\n\n"
	res := newTestParser().Parse([]byte(csv), "order.csv", "user-1", "acct-1")

	require.True(t, res.Success, "errors: %v", res.Errors)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "A1", res.Rows[0].SKU)
	assert.Equal(t, 5, res.Rows[0].Quantity)
	assert.Equal(t, "10", res.Rows[0].UnitPrice.String())
	assert.Equal(t, 2, res.Rows[1].Index)
	assert.Equal(t, "20.5", res.Rows[1].UnitPrice.String())
	assert.Equal(t, models.RowValid, res.Rows[1].Status)
	assert.Empty(t, res.SecurityThreats)
}

func TestParse_PriceIsOptional(t *testing.T) {
	res := newTestParser().Parse([]byte("sku,quantity\nA1,2\n"), "order.csv", "u", "a")
	require.True(t, res.Success)
	assert.Nil(t, res.Rows[0].UnitPrice)
}

func TestParse_FormulaInjectionRejectsWholeBatch(t *testing.T) {
	tests := []struct {
		name string
		csv  string
	}{
		{"leading equals", "sku,quantity,price\nA1,5,10\n=cmd|'/c calc'!A0,1,1\nB2,3,20\n"},
		{"equals in ignored column", "sku,quantity,note\nA1,5,=HYPERLINK(1)\n"},
		{"at sign", "sku,quantity\n@SUM(A1:A2),1\n"},
		{"plus formula", "sku,quantity\nA1,+1+cmd\n"},
		{"minus formula", "sku,quantity\nA1,2\nB2,-2+3\n"},
		{"leading tab", "sku,quantity\n\"\t=1\",1\n"},
		{"DDE", "sku,quantity\nA1,1\nB1,\"x cmd| '/c notepad'\"\n"},
		{"script", "sku,quantity\n<script>alert(1)</script>,1\n"},
		{"sql", "sku,quantity\nA1' OR '1'='1,1\n"},
		{"union select", "sku,quantity,note\nA1,1,1 union select password from users\n"},
		{"header", "sku,quantity,=evil()\nA1,1,x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newTestParser().Parse([]byte(tt.csv), "order.csv", "u", "a")
			assert.False(t, res.Success)
			assert.Empty(t, res.Rows, "no rows may leak out of a tainted batch")
			require.NotEmpty(t, res.SecurityThreats)
			for _, f := range res.SecurityThreats {
				assert.Equal(t, models.FindingInjection, f.Category)
				assert.Equal(t, StageParse, f.Stage)
			}
		})
	}
}

func TestParse_InjectionWinsOverPartialRows(t *testing.T) {
	p := newTestParser(func(c *ParserConfig) { c.AllowPartialRows = true })
	res := p.Parse([]byte("sku,quantity\nA1,1\n=1+1,1\n"), "order.csv", "u", "a")
	assert.False(t, res.Success)
	assert.Empty(t, res.Rows)
}

func TestParse_NegativeNumberIsNotAThreat(t *testing.T) {
	res := newTestParser().Parse([]byte("sku,quantity\nA1,-5\n"), "order.csv", "u", "a")
	assert.Empty(t, res.SecurityThreats)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Row)
	assert.Contains(t, res.Errors[0].Message, "positive")
}

func TestParse_StructuralErrors(t *testing.T) {
	tests := []struct {
		name    string
		csv     string
		message string
	}{
		{"missing sku column", "name,quantity\nx,1\n", "required column missing"},
		{"bad quantity", "sku,quantity\nA1,many\n", "whole number"},
		{"quantity too large", "sku,quantity\nA1,10001\n", "exceeds"},
		{"bad sku chars", "sku,quantity\nA 1,1\n", "invalid characters"},
		{"too many decimals", "sku,quantity,price\nA1,1,1.234\n", "decimal places"},
		{"negative price", "sku,quantity,price\nA1,1,-1\n", "negative"},
		{"duplicate sku", "sku,quantity\nA1,1\na1,2\n", "duplicate sku"},
		{"extra columns", "sku,quantity\nA1,1,surprise\n", "expected 2 columns"},
		{"no rows", "sku,quantity\n", "no data rows"},
		{"empty file", "\n\n", "no header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newTestParser().Parse([]byte(tt.csv), "order.csv", "u", "a")
			assert.False(t, res.Success)
			assert.Empty(t, res.Rows)
			require.NotEmpty(t, res.Errors)
			found := false
			for _, e := range res.Errors {
				if bytes.Contains([]byte(e.Message), []byte(tt.message)) {
					found = true
				}
			}
			assert.True(t, found, "want %q in %v", tt.message, res.Errors)
		})
	}
}

func TestParse_TrailingZeroPriceIsAccepted(t *testing.T) {
	res := newTestParser().Parse([]byte("sku,quantity,price\nA1,1,1.500\n"), "order.csv", "u", "a")
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, "1.5", res.Rows[0].UnitPrice.String())
}

func TestParse_RowLimit(t *testing.T) {
	p := newTestParser(func(c *ParserConfig) { c.MaxRows = 2 })
	res := p.Parse([]byte("sku,quantity\nA1,1\nA2,1\nA3,1\n"), "order.csv", "u", "a")
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "limit is 2")
}

func TestParse_AllowPartialRowsDropsInvalidRows(t *testing.T) {
	p := newTestParser(func(c *ParserConfig) { c.AllowPartialRows = true })
	res := p.Parse([]byte("sku,quantity\nA1,1\nB2,zero\nC3,4\n"), "order.csv", "u", "a")
	require.True(t, res.Success)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, []string{"A1", "C3"}, []string{res.Rows[0].SKU, res.Rows[1].SKU})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 2, res.Errors[0].Row)
}

func TestParse_XLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"sku", "quantity", "price"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"A1", 5, "10"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]interface{}{"B2", 3, "20"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	res := newTestParser().Parse(buf.Bytes(), "order.xlsx", "u", "a")
	require.True(t, res.Success, "errors: %v", res.Errors)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, 3, res.Rows[1].Quantity)
}

func TestParse_XLSXFormulaCellIsRejected(t *testing.T) {
	tests := []struct {
		name     string
		cell     string
		formula  string
		wantDesc string
	}{
		{"dde payload in note", "C2", "cmd|'/c calc'!A0", "DDE command invocation"},
		{"harmless looking sum", "B2", "SUM(1,2)", "formula cell in workbook"},
		{"formula alone on its row", "C3", "HYPERLINK(\"http://evil.example\",\"x\")", "formula cell in workbook"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := excelize.NewFile()
			sheet := f.GetSheetName(0)
			require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"sku", "quantity", "note"}))
			require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"A1", 1}))
			require.NoError(t, f.SetCellFormula(sheet, tt.cell, tt.formula))
			buf, err := f.WriteToBuffer()
			require.NoError(t, err)

			res := newTestParser().Parse(buf.Bytes(), "order.xlsx", "u", "a")
			assert.False(t, res.Success)
			assert.Empty(t, res.Rows)
			require.NotEmpty(t, res.SecurityThreats)

			var descs []string
			for _, th := range res.SecurityThreats {
				assert.Equal(t, models.FindingInjection, th.Category)
				descs = append(descs, th.Description)
			}
			assert.Contains(t, descs, tt.wantDesc)
			assert.Contains(t, descs, "formula cell in workbook")
			assert.Equal(t, models.SeverityCritical, res.SecurityThreats[0].Severity)
		})
	}
}

func TestParse_XLSXStringThatLooksLikeFormula(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"sku", "quantity"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"=cmd|'/c calc'!A0", 1}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	res := newTestParser().Parse(buf.Bytes(), "order.xlsx", "u", "a")
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.SecurityThreats)
}

func TestDetectCellThreats_CleanValues(t *testing.T) {
	for _, v := range []string{"A1", "SKU-100/B", "12.50", "-3", "+4", "Widget, large", "O'Brien pipes"} {
		assert.Empty(t, DetectCellThreats(v), v)
	}
}
