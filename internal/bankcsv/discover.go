package bankcsv

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/castlemilk/ledgerd/internal/model"
)

// DiscoverParser parses Discover credit card CSV exports.
//
// Format (with headers): Trans. Date, Post Date, Description, Amount,
// Category. Purchases are positive and credits negative, which already
// matches the ledger convention, so no sign flip. The export's own
// Category column is ignored.
type DiscoverParser struct{}

var discoverDateFormats = []string{"01/02/2006", "01/02/06", "2006-01-02"}

func (p *DiscoverParser) Format() string { return "discover" }

func (p *DiscoverParser) Institution() string { return "discover" }

func (p *DiscoverParser) AccountType() model.AccountType { return model.AccountCredit }

func (p *DiscoverParser) Parse(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading discover CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	dateCol := findColumn(header, "Trans. Date", "Trans Date")
	descCol := findColumn(header, "Description")
	amountCol := findColumn(header, "Amount")
	if dateCol < 0 || descCol < 0 || amountCol < 0 {
		return nil, fmt.Errorf("discover CSV: missing expected columns in header %v", header)
	}

	var rows []Row
	for _, rec := range records[1:] {
		if len(rec) <= amountCol || len(rec) <= dateCol || len(rec) <= descCol {
			continue
		}
		date, ok := parseDate(rec[dateCol], discoverDateFormats)
		if !ok {
			continue
		}
		desc := strings.TrimSpace(rec[descCol])
		amount, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(rec[amountCol]), ",", ""))
		if err != nil || desc == "" {
			continue
		}
		rows = append(rows, Row{
			Date:        date,
			Description: desc,
			Merchant:    cleanDiscoverMerchant(desc),
			AmountCents: model.CentsFromDecimal(amount),
		})
	}
	return rows, nil
}

// cleanDiscoverMerchant trims a trailing two-letter state code, e.g.
// "SAFEWAY #1547 BURLINGAME CA" -> "SAFEWAY #1547 BURLINGAME".
func cleanDiscoverMerchant(description string) string {
	merchant := strings.TrimSpace(description)
	parts := strings.Fields(merchant)
	if len(parts) >= 3 {
		last := parts[len(parts)-1]
		if len(last) == 2 && isAlpha(last) {
			merchant = strings.Join(parts[:len(parts)-1], " ")
		}
	}
	return merchant
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	return s != ""
}

// findColumn returns the index of the first header cell matching any of the
// given names, case-insensitively, or -1.
func findColumn(header []string, names ...string) int {
	for i, cell := range header {
		cell = strings.TrimSpace(cell)
		for _, name := range names {
			if strings.EqualFold(cell, name) {
				return i
			}
		}
	}
	return -1
}
