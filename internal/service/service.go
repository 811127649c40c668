// Package service implements the ledger operations: staging state machine,
// ingestion reconcilers, batch categorization, aggregation views, and the
// deletion audit trail.
package service

import (
	"github.com/castlemilk/ledgerd/internal/bankcsv"
	"github.com/castlemilk/ledgerd/internal/bankfeed"
	"github.com/castlemilk/ledgerd/internal/categorize"
	"github.com/castlemilk/ledgerd/internal/store"
)

// ingestBatchSize is how many records are written between progress commits;
// readers are never blocked for longer than one batch.
const ingestBatchSize = 50

// RecordError is one per-record failure inside a batch operation. Batches
// accumulate these instead of aborting.
type RecordError struct {
	Record string `json:"record"`
	Reason string `json:"reason"`
}

// Result is the common outcome shape of every ingestion reconciler.
type Result struct {
	Imported         int           `json:"imported"`
	SkippedDuplicate int           `json:"skipped_duplicate"`
	Uncategorized    int           `json:"uncategorized"`
	Errors           []RecordError `json:"errors,omitempty"`
}

func (r *Result) merge(other *Result) {
	r.Imported += other.Imported
	r.SkippedDuplicate += other.SkippedDuplicate
	r.Uncategorized += other.Uncategorized
	r.Errors = append(r.Errors, other.Errors...)
}

// LedgerService owns all ledger operations. Provider and sealer may be nil
// when no bank feed is configured; the categorizer's completer may be nil
// when no AI backend is configured.
type LedgerService struct {
	store       store.Store
	categorizer *categorize.Categorizer
	provider    bankfeed.Provider
	sealer      *bankfeed.Sealer
	parsers     *bankcsv.Registry
	cache       *viewCache

	// transferKeys are category keys (plus their children) excluded from
	// every aggregate to avoid double-counting internal money movement.
	transferKeys []string
}

// defaultTransferKeys cover credit-card payments and inter-account
// transfers.
var defaultTransferKeys = []string{"credit_card_payment", "transfer", "internal_transfer"}

// NewLedgerService creates the service with default parsers, cache and
// transfer exclusions.
func NewLedgerService(s store.Store, c *categorize.Categorizer, p bankfeed.Provider, sealer *bankfeed.Sealer) *LedgerService {
	return &LedgerService{
		store:        s,
		categorizer:  c,
		provider:     p,
		sealer:       sealer,
		parsers:      bankcsv.DefaultRegistry(),
		cache:        newViewCache(),
		transferKeys: defaultTransferKeys,
	}
}
