package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/castlemilk/ledgerd/internal/model"
)

//go:generate mockgen -source=store.go -destination=store_mock.go -package=store

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness constraint
// (duplicate category key, duplicate external transaction ID).
var ErrConflict = errors.New("conflict")

// TransactionFilter narrows ListTransactions. Zero values mean "no filter".
// Results are ordered by date descending, newest first.
type TransactionFilter struct {
	Status             model.ReviewStatus
	AccountID          string
	Origin             model.Origin
	CategoryIDs        []string // match any
	ExcludeCategoryIDs []string
	StartDate          time.Time
	EndDate            time.Time
	Search             string // case-insensitive substring of description
	Limit              int
	Offset             int
}

// Store defines the interface for all database operations used by the
// services. Firestore backs it in production; MemoryStore is used for local
// development and tests.
type Store interface {
	// Category operations. Key is unique; a child's parent must itself be
	// top-level (depth <= 2).
	CreateCategory(ctx context.Context, category *model.Category) error
	GetCategory(ctx context.Context, id string) (*model.Category, error)
	GetCategoryByKey(ctx context.Context, key string) (*model.Category, error)
	UpdateCategory(ctx context.Context, category *model.Category) error
	ListCategories(ctx context.Context) ([]*model.Category, error)

	// Account operations
	CreateAccount(ctx context.Context, account *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	UpdateAccount(ctx context.Context, account *model.Account) error
	ListAccounts(ctx context.Context) ([]*model.Account, error)
	FindAccount(ctx context.Context, institution string, accountType model.AccountType) (*model.Account, error)

	// Transaction operations. ExternalID is unique when present.
	CreateTransaction(ctx context.Context, txn *model.Transaction) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	UpdateTransaction(ctx context.Context, txn *model.Transaction) error
	DeleteTransaction(ctx context.Context, id string) error
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*model.Transaction, error)
	GetTransactionByExternalID(ctx context.Context, externalID string) (*model.Transaction, error)
	// FindDuplicate returns an existing transaction with the same account,
	// date, description and amount, or ErrNotFound.
	FindDuplicate(ctx context.Context, accountID string, date time.Time, description string, amountCents int64) (*model.Transaction, error)

	// AmountRule operations. ListAmountRules returns rules in insertion
	// order (CreatedAt then ID), which is the documented tie-break for
	// equally specific matches: first rule wins.
	CreateAmountRule(ctx context.Context, rule *model.AmountRule) error
	DeleteAmountRule(ctx context.Context, id string) error
	ListAmountRules(ctx context.Context) ([]*model.AmountRule, error)

	// MerchantMapping operations. Pattern is the uniqueness key; the
	// backing store derives the record identity from it so two concurrent
	// first-confirmations of the same pattern cannot create two rows.
	GetMerchantMapping(ctx context.Context, pattern string) (*model.MerchantMapping, error)
	ListMerchantMappings(ctx context.Context) ([]*model.MerchantMapping, error)
	UpsertMerchantMapping(ctx context.Context, mapping *model.MerchantMapping) error

	// DeletionRecord operations (append-only audit trail)
	CreateDeletionRecord(ctx context.Context, record *model.DeletionRecord) error
	GetDeletionRecord(ctx context.Context, id string) (*model.DeletionRecord, error)
	ListDeletionRecords(ctx context.Context) ([]*model.DeletionRecord, error)
	PurgeDeletionRecord(ctx context.Context, id string) error

	// SyncLog operations
	CreateSyncLog(ctx context.Context, log *model.SyncLog) error
	ListSyncLogs(ctx context.Context, accountID string, limit int) ([]*model.SyncLog, error)
}

// DateKey truncates a transaction date to its calendar day in UTC. Dedup
// compares dates at day granularity regardless of the source's time parts.
func DateKey(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// matchesFilter reports whether a transaction passes a filter, ignoring
// limit/offset. Shared by MemoryStore and the Firestore post-filter for the
// clauses Firestore cannot express natively.
func matchesFilter(txn *model.Transaction, f TransactionFilter) bool {
	if f.Status != "" && txn.Status != f.Status {
		return false
	}
	if f.AccountID != "" && txn.AccountID != f.AccountID {
		return false
	}
	if f.Origin != "" && txn.Origin != f.Origin {
		return false
	}
	if !f.StartDate.IsZero() && txn.Date.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && txn.Date.After(f.EndDate) {
		return false
	}
	if len(f.CategoryIDs) > 0 && !containsString(f.CategoryIDs, txn.CategoryID) {
		return false
	}
	if len(f.ExcludeCategoryIDs) > 0 && containsString(f.ExcludeCategoryIDs, txn.CategoryID) {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToUpper(txn.Description), strings.ToUpper(f.Search)) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
