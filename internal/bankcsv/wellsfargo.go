package bankcsv

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/castlemilk/ledgerd/internal/model"
)

// WellsFargoParser parses Wells Fargo checking CSV exports.
//
// The export has NO header row: Date, Amount, (empty), (empty),
// Description. Deposits are positive and debits negative, so the sign is
// flipped to the ledger convention.
type WellsFargoParser struct{}

const (
	wfNumFields = 5
	wfColDate   = 0
	wfColAmount = 1
	wfColDesc   = 4
)

var wfDateFormats = []string{"01/02/2006", "01/02/06", "2006-01-02"}

// wfMerchantPrefixes are boilerplate prefixes stripped from descriptions.
var wfMerchantPrefixes = []string{
	"PURCHASE AUTHORIZED ON ",
	"RECURRING PURCHASE AUTHORIZED ON ",
	"ONLINE TRANSFER TO ",
	"ONLINE TRANSFER FROM ",
	"CHECK ",
	"ATM WITHDRAWAL ",
}

func (p *WellsFargoParser) Format() string { return "wellsfargo" }

func (p *WellsFargoParser) Institution() string { return "wellsfargo" }

func (p *WellsFargoParser) AccountType() model.AccountType { return model.AccountChecking }

func (p *WellsFargoParser) Parse(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading wells fargo CSV: %w", err)
	}

	var rows []Row
	for _, rec := range records {
		if len(rec) < wfNumFields {
			continue
		}
		date, ok := parseDate(rec[wfColDate], wfDateFormats)
		if !ok {
			continue
		}
		desc := strings.TrimSpace(rec[wfColDesc])
		amount, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(rec[wfColAmount]), ",", ""))
		if err != nil || desc == "" {
			continue
		}
		rows = append(rows, Row{
			Date:        date,
			Description: desc,
			Merchant:    cleanWellsFargoMerchant(desc),
			AmountCents: -model.CentsFromDecimal(amount), // flip to positive = expense
		})
	}
	return rows, nil
}

// cleanWellsFargoMerchant strips WF boilerplate prefixes, then truncates at
// trailing card/date noise, e.g. "TRADER JOE'S #553 01/15 CARD 1234" ->
// "TRADER JOE'S #553". If truncation would leave nothing, the prefix-
// stripped text is kept as-is.
func cleanWellsFargoMerchant(description string) string {
	merchant := strings.TrimSpace(description)
	upper := strings.ToUpper(merchant)
	for _, prefix := range wfMerchantPrefixes {
		if strings.HasPrefix(upper, prefix) {
			merchant = merchant[len(prefix):]
			break
		}
	}

	parts := strings.Fields(merchant)
	var cleaned []string
	for _, part := range parts {
		if strings.HasPrefix(part, "CARD") || (len(part) == 5 && strings.Contains(part, "/")) {
			break
		}
		cleaned = append(cleaned, part)
	}
	if len(cleaned) == 0 {
		return strings.TrimSpace(merchant)
	}
	return strings.Join(cleaned, " ")
}
