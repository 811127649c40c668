package service

import (
	"context"
	"fmt"
	"time"

	"github.com/castlemilk/ledgerd/internal/logger"
	"github.com/castlemilk/ledgerd/internal/model"
)

// DeleteTransaction removes a transaction, first snapshotting it into the
// deletion audit trail. The snapshot denormalizes account and category as
// text so it stays readable even if those records are later removed.
func (s *LedgerService) DeleteTransaction(ctx context.Context, txnID string) (*model.DeletionRecord, error) {
	txn, err := s.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}

	record := &model.DeletionRecord{
		DeletedAt:   time.Now().UTC(),
		Date:        txn.Date,
		Description: txn.Description,
		Merchant:    txn.Merchant,
		AmountCents: txn.AmountCents,
		Origin:      txn.Origin,
	}
	if account, err := s.store.GetAccount(ctx, txn.AccountID); err == nil {
		record.AccountName = account.Name
	}
	if txn.CategoryID != "" {
		if cat, err := s.store.GetCategory(ctx, txn.CategoryID); err == nil {
			record.CategoryKey = cat.Key
			record.CategoryLbl = cat.Label
		}
	}

	if err := s.store.CreateDeletionRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("writing deletion record: %w", err)
	}
	if err := s.store.DeleteTransaction(ctx, txnID); err != nil {
		return nil, err
	}
	if txn.Status == model.StatusFinalized {
		s.cache.invalidate()
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("transaction", txnID).
		Str("deletion_record", record.ID).
		Msg("transaction deleted")
	return record, nil
}

// RestoreDeletion recreates a transaction from its audit snapshot and
// purges the snapshot. Category and account resolve by their captured text,
// best effort: a category whose key has since been renamed restores
// uncategorized rather than failing.
func (s *LedgerService) RestoreDeletion(ctx context.Context, recordID string) (*model.Transaction, error) {
	record, err := s.store.GetDeletionRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	txn := &model.Transaction{
		Date:        record.Date,
		Description: record.Description,
		Merchant:    record.Merchant,
		AmountCents: record.AmountCents,
		Origin:      record.Origin,
		Status:      model.StatusNeedsReview,
	}

	if record.AccountName != "" {
		accounts, err := s.store.ListAccounts(ctx)
		if err != nil {
			return nil, err
		}
		for _, account := range accounts {
			if account.Name == record.AccountName {
				txn.AccountID = account.ID
				break
			}
		}
	}
	if txn.AccountID == "" {
		return nil, fmt.Errorf("account %q no longer exists", record.AccountName)
	}

	if cat := s.resolveRestoredCategory(ctx, record); cat != nil {
		txn.CategoryID = cat.ID
		txn.Status = model.StatusFinalized
	}

	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if err := s.store.PurgeDeletionRecord(ctx, recordID); err != nil {
		return nil, err
	}
	if txn.Status == model.StatusFinalized {
		s.cache.invalidate()
	}
	return txn, nil
}

// resolveRestoredCategory tries the captured key first, then falls back to a
// label match.
func (s *LedgerService) resolveRestoredCategory(ctx context.Context, record *model.DeletionRecord) *model.Category {
	if record.CategoryKey != "" {
		if cat, err := s.store.GetCategoryByKey(ctx, record.CategoryKey); err == nil {
			return cat
		}
	}
	if record.CategoryLbl == "" {
		return nil
	}
	categories, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil
	}
	for _, cat := range categories {
		if cat.Label == record.CategoryLbl {
			return cat
		}
	}
	return nil
}

// PurgeDeletion permanently discards an audit snapshot.
func (s *LedgerService) PurgeDeletion(ctx context.Context, recordID string) error {
	return s.store.PurgeDeletionRecord(ctx, recordID)
}

// ListDeletions returns the audit trail, newest first.
func (s *LedgerService) ListDeletions(ctx context.Context) ([]*model.DeletionRecord, error) {
	return s.store.ListDeletionRecords(ctx)
}
