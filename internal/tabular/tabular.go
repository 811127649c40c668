// Package tabular reads labeled spreadsheet exports: workbook sheets saved
// as CSV, with hand-curated columns, blank leading rows, and headers that
// are not always on the first line.
package tabular

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"
)

// headerScanLimit is how many leading rows are scanned for a header when
// the first row doesn't look like one.
const headerScanLimit = 10

// knownHeaders are column names that identify a header row. Two or more
// hits on one row is treated as the header.
var knownHeaders = map[string]bool{
	"amount":           true,
	"description":      true,
	"trans_date":       true,
	"trans. date":      true,
	"trans date":       true,
	"date":             true,
	"transaction date": true,
	"short_desc":       true,
	"category_2":       true,
}

// Field names produced by column normalization.
const (
	FieldDate             = "date"
	FieldDescription      = "description"
	FieldDescription2     = "description2"
	FieldAmount           = "amount"
	FieldDebitAmount      = "debit_amount"
	FieldShortDesc        = "short_desc"
	FieldCategory2        = "category_2"
	FieldSpecificCategory = "specific_category"
	FieldAccount          = "account"
)

// Table is one parsed sheet: a header row plus data rows.
type Table struct {
	Header []string
	Rows   [][]string

	// cols maps normalized field names to column indexes.
	cols map[string]int
}

// Read parses a sheet exported as CSV. Blank rows before the header are
// dropped; if the first non-blank row is not a recognizable header, the
// first rows are scanned for one (curated files often carry notes above
// the real table).
func Read(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading sheet: %w", err)
	}

	headerIdx := -1
	limit := headerScanLimit
	if len(records) < limit {
		limit = len(records)
	}
	for i := 0; i < limit; i++ {
		if countKnownHeaders(records[i]) >= 2 {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return nil, fmt.Errorf("no header row found in first %d rows", headerScanLimit)
	}

	t := &Table{
		Header: records[headerIdx],
		Rows:   records[headerIdx+1:],
	}
	t.cols = normalizeColumns(t.Header)
	return t, nil
}

func countKnownHeaders(row []string) int {
	n := 0
	for _, cell := range row {
		if knownHeaders[strings.ToLower(strings.TrimSpace(cell))] {
			n++
		}
	}
	return n
}

// normalizeColumns maps varying curated column names onto canonical field
// names. Legacy taxonomy columns fold in: "Specific Category" doubles as
// short_desc, "Secondary Category" and "Main Category" as category_2.
func normalizeColumns(header []string) map[string]int {
	cols := make(map[string]int)
	setIfAbsent := func(field string, i int) {
		if _, ok := cols[field]; !ok {
			cols[field] = i
		}
	}

	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "trans_date", "trans. date", "trans date", "date", "transaction date":
			setIfAbsent(FieldDate, i)
		case "post date":
			setIfAbsent(FieldDate, i)
		case "description":
			cols[FieldDescription] = i
		case "description2":
			cols[FieldDescription2] = i
		case "amount":
			cols[FieldAmount] = i
		case "debit_amount":
			cols[FieldDebitAmount] = i
		case "short_desc":
			cols[FieldShortDesc] = i
		case "category_2":
			cols[FieldCategory2] = i
		case "specific category":
			cols[FieldSpecificCategory] = i
			setIfAbsent(FieldShortDesc, i)
		case "secondary category", "main category":
			setIfAbsent(FieldCategory2, i)
		case "account":
			cols[FieldAccount] = i
		}
	}
	return cols
}

// HasField reports whether the sheet has a column for the field.
func (t *Table) HasField(field string) bool {
	_, ok := t.cols[field]
	return ok
}

// Field returns the trimmed cell for a field in a row, or "" when the
// column is absent or the row is short.
func (t *Table) Field(row []string, field string) string {
	i, ok := t.cols[field]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

var dateFormats = []string{
	"01/02/2006",
	"2006-01-02",
	"01/02/06",
	"01-02-2006",
	"2006-01-02 15:04:05",
}

// ParseDate parses the date formats seen across curated sheets. Returns
// false for blank or unparseable values.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, f := range dateFormats {
		if t, err := time.Parse(f, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}
