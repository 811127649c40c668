package bankcsv

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/castlemilk/ledgerd/internal/model"
)

// Detect guesses the export format from the file's first rows. Heuristics,
// most specific first:
//
//   - a header with "Trans. Date" and "Post Date" is Discover
//   - a header with "Current balance" and "Status" is SoFi; the Type column
//     distinguishes savings (Roundup rows) from checking
//   - a headerless file whose first field parses as a date is Wells Fargo
//
// Returns the registry format name, or an error when nothing matches; the
// caller can still import with an explicit format.
func Detect(data []byte) (string, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1

	records, err := cr.ReadAll()
	if err != nil || len(records) == 0 {
		return "", fmt.Errorf("unrecognized CSV: %v", err)
	}

	header := records[0]
	if findColumn(header, "Trans. Date", "Trans Date") >= 0 && findColumn(header, "Post Date") >= 0 {
		return "discover", nil
	}
	if findColumn(header, "Current balance") >= 0 && findColumn(header, "Status") >= 0 {
		if sofiLooksLikeSavings(header, records[1:]) {
			return "sofi_" + string(model.AccountSavings), nil
		}
		return "sofi_" + string(model.AccountChecking), nil
	}
	if len(header) >= wfNumFields {
		if _, ok := parseDate(header[wfColDate], wfDateFormats); ok {
			return "wellsfargo", nil
		}
	}
	return "", fmt.Errorf("unrecognized CSV format")
}

// sofiLooksLikeSavings sniffs the Type column for savings-only activity
// (round-up transfers land in the savings account).
func sofiLooksLikeSavings(header []string, records [][]string) bool {
	typeCol := findColumn(header, "Type")
	if typeCol < 0 {
		return false
	}
	for _, rec := range records {
		if len(rec) > typeCol && strings.EqualFold(strings.TrimSpace(rec[typeCol]), "roundup") {
			return true
		}
	}
	return false
}
