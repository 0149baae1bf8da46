package services

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"bulk-order-service/models"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// ParserConfig bounds what a batch may contain.
type ParserConfig struct {
	MaxRows           int
	MaxQuantityPerRow int
	MaxSKULength      int
	MaxCellLength     int
	// AllowPartialRows drops structurally invalid rows instead of failing the batch.
	// Injection findings always fail the batch.
	AllowPartialRows bool
}

func DefaultParserConfig() ParserConfig {
	return ParserConfig{
		MaxRows:           1000,
		MaxQuantityPerRow: 10000,
		MaxSKULength:      64,
		MaxCellLength:     256,
	}
}

// RowError is a structural problem with one row, or with the batch when Row is 0.
type RowError struct {
	Row     int    `json:"row,omitempty"`
	Column  string `json:"column,omitempty"`
	Message string `json:"message"`
}

// ParseResult is what the parser hands to the next stage. Rows is empty unless Success.
type ParseResult struct {
	Success         bool                     `json:"success"`
	Rows            []models.ParsedRow       `json:"rows,omitempty"`
	Errors          []RowError               `json:"errors,omitempty"`
	SecurityThreats []models.SecurityFinding `json:"security_threats,omitempty"`
}

type threatRule struct {
	re          *regexp.Regexp
	description string
	severity    models.Severity
}

var (
	skuPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)
	numberLike = regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)

	ddeRules = []threatRule{
		{regexp.MustCompile(`(?i)\b(cmd|powershell|pwsh|mshta|rundll32|regsvr32|msexcel|certutil)\b\s*\|`), "DDE command invocation", models.SeverityCritical},
		{regexp.MustCompile(`\|\s*'`), "DDE payload", models.SeverityCritical},
		{regexp.MustCompile(`(?i)\b(ddeauto|dde)\b`), "DDE field", models.SeverityHigh},
	}
	scriptRules = []threatRule{
		{regexp.MustCompile(`(?i)<\s*script`), "script tag", models.SeverityHigh},
		{regexp.MustCompile(`(?i)(java|vb)script\s*:`), "script URI", models.SeverityHigh},
		{regexp.MustCompile(`(?i)<[^>]*\bon[a-z]+\s*=`), "inline event handler", models.SeverityHigh},
		{regexp.MustCompile(`(?i)<\s*(iframe|object|embed|svg)`), "embedded HTML object", models.SeverityHigh},
		{regexp.MustCompile(`(?i)data:text/html`), "HTML data URI", models.SeverityHigh},
	}
	sqlRules = []threatRule{
		{regexp.MustCompile(`(?i)'\s*(or|and)\s+['\d]`), "SQL boolean injection", models.SeverityHigh},
		{regexp.MustCompile(`(?i)'\s*;`), "SQL statement terminator", models.SeverityHigh},
		{regexp.MustCompile(`(?i)'\s*--`), "SQL comment after quote", models.SeverityHigh},
		{regexp.MustCompile(`/\*.*\*/`), "SQL block comment", models.SeverityMedium},
		{regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`), "SQL UNION SELECT", models.SeverityHigh},
		{regexp.MustCompile(`(?i)\b(drop|truncate|alter)\s+table\b`), "SQL DDL statement", models.SeverityHigh},
		{regexp.MustCompile(`(?i);\s*(delete|drop|insert|update|shutdown|exec)\b`), "stacked SQL statement", models.SeverityHigh},
		{regexp.MustCompile(`(?i)\bxp_cmdshell\b`), "SQL shell procedure", models.SeverityCritical},
		{regexp.MustCompile(`(?i)\b(sleep|benchmark)\s*\(\s*\d+`), "SQL timing probe", models.SeverityHigh},
		{regexp.MustCompile(`(?i)\bwaitfor\s+delay\b`), "SQL timing probe", models.SeverityHigh},
	}
)

// SecureParser turns an uploaded batch into validated rows.
type SecureParser struct {
	cfg    ParserConfig
	logger *zap.Logger
}

func NewSecureParser(cfg ParserConfig, logger *zap.Logger) *SecureParser {
	return &SecureParser{cfg: cfg, logger: logger}
}

// DetectCellThreats returns the injection findings for one cell value.
func DetectCellThreats(value string) []models.SecurityFinding {
	if value == "" {
		return nil
	}
	var findings []models.SecurityFinding
	add := func(desc string, sev models.Severity) {
		findings = append(findings, models.SecurityFinding{
			Category:    models.FindingInjection,
			Severity:    sev,
			Description: desc,
			Stage:       StageParse,
		})
	}

	trimmed := strings.TrimSpace(value)
	switch {
	case value[0] == '\t' || value[0] == '\r':
		add("formula injection: leading control character", models.SeverityHigh)
	case trimmed != "" && (trimmed[0] == '=' || trimmed[0] == '@'):
		add(fmt.Sprintf("formula injection: leading %q", trimmed[0]), models.SeverityCritical)
	case trimmed != "" && (trimmed[0] == '+' || trimmed[0] == '-') && !numberLike.MatchString(trimmed):
		add(fmt.Sprintf("formula injection: leading %q", trimmed[0]), models.SeverityCritical)
	}

	for _, r := range value {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' || r == 0x7f {
			add("control character in cell", models.SeverityHigh)
			break
		}
	}

	for _, group := range [][]threatRule{ddeRules, scriptRules, sqlRules} {
		for _, rule := range group {
			if rule.re.MatchString(value) {
				add(rule.description, rule.severity)
			}
		}
	}
	return findings
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	h = strings.ReplaceAll(h, " ", "_")
	switch h {
	case "qty":
		return "quantity"
	case "unit_price", "unitprice", "price_per_unit":
		return "price"
	case "product_sku", "item_sku":
		return "sku"
	}
	return h
}

// cellRef addresses a cell by its zero-based record and column index.
type cellRef struct{ row, col int }

// readRecords returns the cell values of the upload. For a workbook it also returns the formula
// stored in any cell of the first sheet, since the values are only the cached results.
func readRecords(content []byte, filename string) ([][]string, map[cellRef]string, error) {
	if strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		f, err := excelize.OpenReader(bytes.NewReader(content))
		if err != nil {
			return nil, nil, fmt.Errorf("open workbook: %w", err)
		}
		defer f.Close()
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, nil, errors.New("workbook has no sheets")
		}
		rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
		}

		// GetRows keeps formula cells even when their cached value is empty.
		formulas := make(map[cellRef]string)
		for r, row := range rows {
			for c := range row {
				axis, err := excelize.CoordinatesToCellName(c+1, r+1)
				if err != nil {
					return nil, nil, err
				}
				formula, err := f.GetCellFormula(sheets[0], axis)
				if err != nil {
					return nil, nil, fmt.Errorf("read formula %s: %w", axis, err)
				}
				if formula != "" {
					formulas[cellRef{r, c}] = formula
				}
			}
		}
		return rows, formulas, nil
	}

	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	r.ReuseRecord = false
	var records [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read csv: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil, nil
}

// formulaThreats reports a stored formula. Any formula is critical; the usual cell rules run on
// it as well so DDE and script payloads are named.
func formulaThreats(formula string) []models.SecurityFinding {
	findings := []models.SecurityFinding{{
		Category:    models.FindingInjection,
		Severity:    models.SeverityCritical,
		Description: "formula cell in workbook",
		Stage:       StageParse,
	}}
	for _, f := range DetectCellThreats("=" + strings.TrimPrefix(formula, "=")) {
		if strings.HasPrefix(f.Description, "formula injection: leading") {
			continue
		}
		findings = append(findings, f)
	}
	return findings
}

func blank(record []string) bool {
	for _, c := range record {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Parse validates content. Any injection finding fails the whole batch and no rows are
// returned.
func (p *SecureParser) Parse(content []byte, filename, userID, accountID string) ParseResult {
	var res ParseResult
	batchError := func(msg string) ParseResult {
		res.Success = false
		res.Rows = nil
		res.Errors = append(res.Errors, RowError{Message: msg})
		return res
	}

	if !utf8.Valid(content) && !strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		return batchError("file is not valid UTF-8 text")
	}

	records, formulas, err := readRecords(content, filename)
	if err != nil {
		return batchError(err.Error())
	}
	formulaRows := make(map[int]bool, len(formulas))
	for ref := range formulas {
		formulaRows[ref.row] = true
	}
	empty := func(i int) bool { return blank(records[i]) && !formulaRows[i] }
	cellThreats := func(i, col int, value string) []models.SecurityFinding {
		threats := DetectCellThreats(value)
		if formula, ok := formulas[cellRef{i, col}]; ok {
			threats = append(threats, formulaThreats(formula)...)
		}
		return threats
	}

	start := 0
	for start < len(records) && empty(start) {
		start++
	}
	if start == len(records) {
		return batchError("file has no header row")
	}

	header := records[start]
	columns := make(map[string]int, len(header))
	for i, h := range header {
		for _, f := range cellThreats(start, i, h) {
			f.Column = fmt.Sprintf("header[%d]", i)
			res.SecurityThreats = append(res.SecurityThreats, f)
		}
		name := normalizeHeader(h)
		if name == "" {
			continue
		}
		if _, dup := columns[name]; dup {
			res.Errors = append(res.Errors, RowError{Column: name, Message: "duplicate column"})
			continue
		}
		columns[name] = i
	}
	for _, required := range []string{"sku", "quantity"} {
		if _, ok := columns[required]; !ok {
			res.Errors = append(res.Errors, RowError{Column: required, Message: "required column missing"})
		}
	}

	columnName := func(i int) string {
		if i < len(header) {
			if n := normalizeHeader(header[i]); n != "" {
				return n
			}
		}
		return fmt.Sprintf("column_%d", i+1)
	}

	seen := make(map[string]int)
	dataRows := 0
	var rows []models.ParsedRow
	for offset, record := range records[start+1:] {
		if empty(start + 1 + offset) {
			continue
		}
		dataRows++
		index := offset + 1
		row := models.ParsedRow{Index: index, Status: models.RowValid}

		for i, cell := range record {
			threats := cellThreats(start+1+offset, i, cell)
			for _, f := range threats {
				f.Row = index
				f.Column = columnName(i)
				res.SecurityThreats = append(res.SecurityThreats, f)
			}
			if len(threats) > 0 {
				row.Status = models.RowThreat
			}
			if utf8.RuneCountInString(cell) > p.cfg.MaxCellLength {
				row.Errors = append(row.Errors, fmt.Sprintf("%s exceeds %d characters", columnName(i), p.cfg.MaxCellLength))
			}
		}
		if row.Status == models.RowThreat {
			continue
		}

		if len(record) > len(header) && !blank(record[len(header):]) {
			row.Errors = append(row.Errors, fmt.Sprintf("expected %d columns, got %d", len(header), len(record)))
		}
		cell := func(name string) string {
			i, ok := columns[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		row.SKU = cell("sku")
		switch {
		case row.SKU == "":
			row.Errors = append(row.Errors, "sku is required")
		case len(row.SKU) > p.cfg.MaxSKULength:
			row.Errors = append(row.Errors, fmt.Sprintf("sku exceeds %d characters", p.cfg.MaxSKULength))
		case !skuPattern.MatchString(row.SKU):
			row.Errors = append(row.Errors, "sku contains invalid characters")
		default:
			key := strings.ToUpper(row.SKU)
			if first, dup := seen[key]; dup {
				row.Errors = append(row.Errors, fmt.Sprintf("duplicate sku (first seen in row %d)", first))
			} else {
				seen[key] = index
			}
		}

		qty, err := strconv.Atoi(cell("quantity"))
		switch {
		case err != nil:
			row.Errors = append(row.Errors, "quantity must be a whole number")
		case qty <= 0:
			row.Errors = append(row.Errors, "quantity must be positive")
		case qty > p.cfg.MaxQuantityPerRow:
			row.Errors = append(row.Errors, fmt.Sprintf("quantity exceeds %d", p.cfg.MaxQuantityPerRow))
		default:
			row.Quantity = qty
		}

		if raw := cell("price"); raw != "" {
			price, err := decimal.NewFromString(raw)
			switch {
			case err != nil:
				row.Errors = append(row.Errors, "price must be a decimal number")
			case price.IsNegative():
				row.Errors = append(row.Errors, "price must not be negative")
			case price.Exponent() < -CurrencyPlaces && !price.Equal(price.Round(CurrencyPlaces)):
				row.Errors = append(row.Errors, fmt.Sprintf("price has more than %d decimal places", CurrencyPlaces))
			default:
				row.UnitPrice = &price
			}
		}

		if len(row.Errors) > 0 {
			row.Status = models.RowInvalid
			for _, msg := range row.Errors {
				res.Errors = append(res.Errors, RowError{Row: index, Message: msg})
			}
			continue
		}
		rows = append(rows, row)
	}

	if len(res.SecurityThreats) > 0 {
		p.logger.Warn("injection content detected in batch",
			zap.String("user_id", userID),
			zap.String("account_id", accountID),
			zap.String("filename", filename),
			zap.Int("findings", len(res.SecurityThreats)),
		)
		res.Success = false
		res.Rows = nil
		return res
	}

	if dataRows == 0 {
		return batchError("file has no data rows")
	}
	if dataRows > p.cfg.MaxRows {
		return batchError(fmt.Sprintf("file has %d rows, limit is %d", dataRows, p.cfg.MaxRows))
	}

	batchLevel := false
	for _, e := range res.Errors {
		if e.Row == 0 {
			batchLevel = true
			break
		}
	}
	if batchLevel || (len(res.Errors) > 0 && !p.cfg.AllowPartialRows) || len(rows) == 0 {
		res.Success = false
		res.Rows = nil
		return res
	}

	res.Success = true
	res.Rows = rows
	return res
}
