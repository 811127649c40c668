// Package model defines the domain records shared by the store and services.
//
// Amounts are integer cents with a fixed sign convention: positive = money
// leaving an account (expense), negative = money coming in (income). Every
// ingestion path normalizes to this convention before anything else looks at
// the amount.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ReviewStatus is the staging state of a transaction.
type ReviewStatus string

const (
	// StatusNeedsReview is the initial state for every ingested transaction
	// that was not auto-accepted by the cascade.
	StatusNeedsReview ReviewStatus = "needs_review"
	// StatusStaged means a category has been chosen but not yet committed.
	// Auto-accepted verdicts also land here, never directly in finalized.
	StatusStaged ReviewStatus = "staged"
	// StatusFinalized is terminal. Finalizing feeds the merchant-mapping
	// learning loop; it is a one-way gate.
	StatusFinalized ReviewStatus = "finalized"
)

// Tier identifies which cascade stage produced a categorization.
type Tier string

const (
	TierAmountRule  Tier = "amount_rule"
	TierMerchantMap Tier = "merchant_map"
	TierAI          Tier = "ai"
	// TierUnmatched marks a transaction the full cascade (including AI) has
	// already failed to match, so batch re-runs skip it instead of paying
	// for another AI call. Distinct from the empty string (never attempted).
	TierUnmatched Tier = "unmatched"
)

// Origin identifies which reconciler produced a transaction.
type Origin string

const (
	OriginBankSync      Origin = "bank_sync"
	OriginCSVImport     Origin = "csv_import"
	OriginArchiveImport Origin = "archive_import"
	OriginManual        Origin = "manual"
)

// AccountType drives sign normalization during ingestion.
type AccountType string

const (
	AccountChecking AccountType = "checking"
	AccountSavings  AccountType = "savings"
	AccountCredit   AccountType = "credit"
)

// FeedStatus is the bank-feed connection state of an account.
type FeedStatus string

const (
	FeedDisconnected  FeedStatus = "disconnected"
	FeedConnected     FeedStatus = "connected"
	FeedLoginRequired FeedStatus = "login_required"
)

// Category is a node in the two-level taxonomy. Key is stable and unique;
// ParentID empty means top-level. A category with a parent must reference a
// top-level category (depth <= 2, enforced by the store).
type Category struct {
	ID          string
	Key         string
	Label       string
	ParentID    string
	Color       string
	IsIncome    bool
	IsRecurring bool
	CreatedAt   time.Time
}

// Account is a bank account transactions belong to.
type Account struct {
	ID          string
	Name        string
	Institution string
	Type        AccountType

	// Bank-feed link state. FeedCredential is sealed (encrypted) before it
	// ever reaches the store.
	FeedItemID     string
	FeedCredential string
	FeedCursor     string
	FeedAccountID  string
	FeedStatus     FeedStatus
	LastSyncedAt   time.Time
	LastSyncError  string

	CreatedAt time.Time
}

// Transaction is the central record. CategoryID is the confirmed category,
// PredictedCategoryID the cascade's suggestion; either may be empty.
type Transaction struct {
	ID          string
	AccountID   string
	ExternalID  string // provider transaction ID, unique when present
	Date        time.Time
	Description string
	Merchant    string
	AmountCents int64

	CategoryID          string
	PredictedCategoryID string
	Status              ReviewStatus
	Origin              Origin
	Pending             bool
	Tier                Tier
	Confidence          float64

	CreatedAt time.Time
}

// AmountRule is Tier-1 knowledge: exact-amount disambiguation (e.g. the
// $15.89 APPLE.COM/BILL charge that is actually HBO).
type AmountRule struct {
	ID             string
	Pattern        string // case-insensitive substring of the description
	AmountCents    int64
	ToleranceCents int64 // >= 0
	CategoryID     string
	Notes          string
	CreatedAt      time.Time
}

// Matches reports whether the rule applies to a description/amount pair.
// The pattern comparison is done by the caller on uppercased text.
func (r *AmountRule) Matches(amountCents int64) bool {
	diff := amountCents - r.AmountCents
	if diff < 0 {
		diff = -diff
	}
	return diff <= r.ToleranceCents
}

// MerchantMapping is Tier-2 knowledge with a mutable confidence counter.
// Pattern is stored normalized (NormalizePattern) and is unique across the
// store. Confidence
// starts at 1, increments on repeated confirmation of the same category and
// resets to 1 when the user confirms a different category.
type MerchantMapping struct {
	ID         string
	Pattern    string
	CategoryID string
	Confidence int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DeletionRecord is an append-only audit snapshot of a deleted transaction.
// Account and category are captured as plain text so the record survives
// later deletion of whatever it referenced.
type DeletionRecord struct {
	ID          string
	DeletedAt   time.Time
	Date        time.Time
	Description string
	Merchant    string
	AmountCents int64
	AccountName string
	CategoryKey string
	CategoryLbl string
	Origin      Origin
}

// SyncLog records one bank-feed sync attempt, success or failure.
type SyncLog struct {
	ID         string
	AccountID  string
	StartedAt  time.Time
	FinishedAt time.Time
	Added      int
	Modified   int
	Removed    int
	Err        string
}

// NormalizePattern canonicalizes a merchant pattern for storage and
// identity. Plain patterns are uppercased to match uppercased descriptions;
// patterns with regex metacharacters are kept verbatim, since uppercasing
// would mangle escapes like \s.
func NormalizePattern(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.ContainsAny(raw, `.*+?()[]{}|^$\`) {
		return raw
	}
	return strings.ToUpper(raw)
}

// CentsFromDecimal converts a parsed decimal dollar amount to cents,
// rounding to the nearest cent. Parsers use decimal end to end so "1,234.56"
// never goes through a float.
func CentsFromDecimal(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// Dollars renders cents as a plain dollar string for prompts and logs.
func Dollars(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
