package bankcsv

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/castlemilk/ledgerd/internal/model"
)

// SoFiParser parses SoFi checking and savings CSV exports. The same format
// serves both account types; Type picks which account the file belongs to.
//
// Format (with headers): Date, Description, Type, Amount, Current balance,
// Status. SoFi exports deposits positive and debits negative, so the sign
// is flipped to the ledger convention. Rows with Status "Pending" are
// skipped; re-importing after they post picks them up.
type SoFiParser struct {
	Type model.AccountType
}

var sofiDateFormats = []string{"2006-01-02", "01/02/2006", "01/02/06"}

// sofiMerchantPrefixes are transaction-type prefixes SoFi prepends to the
// raw merchant text.
var sofiMerchantPrefixes = []string{
	"DEBIT CARD PURCHASE - ",
	"DIRECT PAYMENT - ",
	"ACH - ",
}

func (p *SoFiParser) Format() string {
	return "sofi_" + string(p.Type)
}

func (p *SoFiParser) Institution() string { return "sofi" }

func (p *SoFiParser) AccountType() model.AccountType { return p.Type }

func (p *SoFiParser) Parse(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading sofi CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	dateCol := findColumn(header, "Date")
	descCol := findColumn(header, "Description")
	amountCol := findColumn(header, "Amount")
	statusCol := findColumn(header, "Status")
	if dateCol < 0 || descCol < 0 || amountCol < 0 {
		return nil, fmt.Errorf("sofi CSV: missing expected columns in header %v", header)
	}

	var rows []Row
	for _, rec := range records[1:] {
		if len(rec) <= amountCol || len(rec) <= dateCol || len(rec) <= descCol {
			continue
		}
		if statusCol >= 0 && len(rec) > statusCol && strings.EqualFold(strings.TrimSpace(rec[statusCol]), "pending") {
			continue
		}
		date, ok := parseDate(rec[dateCol], sofiDateFormats)
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
			Merchant:    cleanSoFiMerchant(desc),
			AmountCents: -model.CentsFromDecimal(amount), // flip to positive = expense
		})
	}
	return rows, nil
}

func cleanSoFiMerchant(description string) string {
	merchant := strings.TrimSpace(description)
	upper := strings.ToUpper(merchant)
	for _, prefix := range sofiMerchantPrefixes {
		if strings.HasPrefix(upper, prefix) {
			merchant = merchant[len(prefix):]
			break
		}
	}
	return strings.TrimSpace(merchant)
}
