// Package bankcsv parses institution CSV exports into normalized rows.
//
// Every parser emits amounts in cents with the ledger sign convention
// (positive = expense), flipping bank-native signs where the institution
// exports deposits as positive.
package bankcsv

import (
	"io"
	"strings"
	"time"

	"github.com/castlemilk/ledgerd/internal/model"
)

// Row is one parsed CSV transaction, normalized across institutions.
type Row struct {
	Date        time.Time
	Description string
	Merchant    string
	AmountCents int64
}

// Parser converts one institution's CSV export into Rows.
type Parser interface {
	Parse(r io.Reader) ([]Row, error)
	// Format is the registry key, e.g. "sofi_checking".
	Format() string
	// Institution and AccountType identify the account a file belongs to.
	Institution() string
	AccountType() model.AccountType
}

// Registry holds named parsers.
type Registry struct {
	parsers map[string]Parser
	order   []string
}

// NewRegistry creates an empty parser registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// Register adds a parser. Panics on duplicate format.
func (r *Registry) Register(p Parser) {
	key := strings.ToLower(p.Format())
	if _, ok := r.parsers[key]; ok {
		panic("duplicate parser format: " + key)
	}
	r.parsers[key] = p
	r.order = append(r.order, key)
}

// Get returns the parser for format, or nil.
func (r *Registry) Get(format string) Parser {
	return r.parsers[strings.ToLower(format)]
}

// Formats returns the registered format names in registration order.
func (r *Registry) Formats() []string {
	return append([]string(nil), r.order...)
}

// DefaultRegistry returns a registry with all built-in parsers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&DiscoverParser{})
	r.Register(&SoFiParser{Type: model.AccountChecking})
	r.Register(&SoFiParser{Type: model.AccountSavings})
	r.Register(&WellsFargoParser{})
	return r
}

// parseDate tries the date formats seen across exports; users sometimes
// re-save files through a spreadsheet, which rewrites the dates.
func parseDate(s string, formats []string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}
