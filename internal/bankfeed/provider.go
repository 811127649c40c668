// Package bankfeed talks to the bank-data aggregator: credential exchange,
// cursor-based transaction sync, and sealing of the stored credential.
package bankfeed

import (
	"context"
	"fmt"
	"time"
)

//go:generate mockgen -source=provider.go -destination=mock_provider.go -package=bankfeed

// FeedTransaction is one transaction from the aggregator, amounts already
// in the ledger sign convention (the aggregator reports positive = money
// leaving the account).
type FeedTransaction struct {
	ExternalID        string    `json:"transaction_id"`
	PendingExternalID string    `json:"pending_transaction_id,omitempty"`
	AccountID         string    `json:"account_id"`
	Date              time.Time `json:"date"`
	Description       string    `json:"description"`
	Merchant          string    `json:"merchant_name,omitempty"`
	AmountCents       int64     `json:"amount_cents"`
	Pending           bool      `json:"pending"`
}

// SyncPage is one page of the cursor-based sync stream.
type SyncPage struct {
	Added      []FeedTransaction `json:"added"`
	Modified   []FeedTransaction `json:"modified"`
	Removed    []string          `json:"removed"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

// ExchangeResult links an account to the aggregator.
type ExchangeResult struct {
	ItemID        string `json:"item_id"`
	AccessToken   string `json:"access_token"`
	FeedAccountID string `json:"feed_account_id"`
}

// Provider is the aggregator contract. Satisfied by HTTPProvider in
// production and a mock in tests.
type Provider interface {
	// Exchange trades a public token from the link flow for a durable
	// access credential.
	Exchange(ctx context.Context, publicToken string) (*ExchangeResult, error)
	// Sync fetches one page of changes since cursor. An empty cursor
	// starts from the beginning of the account's history.
	Sync(ctx context.Context, accessToken, feedAccountID, cursor string) (*SyncPage, error)
}

// Error codes surfaced by the aggregator that callers branch on.
const (
	CodeLoginRequired      = "ITEM_LOGIN_REQUIRED"
	CodePaginationMutation = "TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION"
)

// FeedError is a structured aggregator error.
type FeedError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("bankfeed: [%s] %s", e.Code, e.Message)
}

// IsLoginRequired reports whether the error means the user must re-link
// the account.
func IsLoginRequired(err error) bool {
	fe, ok := err.(*FeedError)
	return ok && fe.Code == CodeLoginRequired
}

// IsPaginationMutation reports whether the transaction stream changed
// underneath a paginated sync; the caller should restart from its last
// good cursor.
func IsPaginationMutation(err error) bool {
	fe, ok := err.(*FeedError)
	return ok && fe.Code == CodePaginationMutation
}
