package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/castlemilk/ledgerd/internal/logger"
	"github.com/castlemilk/ledgerd/internal/model"
	"github.com/castlemilk/ledgerd/internal/store"
)

// Stage assigns a confirmed category and moves the transaction to staged.
// Allowed from needs_review or staged (re-stage overrides the earlier
// choice); finalized transactions are immutable.
func (s *LedgerService) Stage(ctx context.Context, txnID, categoryID string) (*model.Transaction, error) {
	txn, err := s.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status == model.StatusFinalized {
		return nil, fmt.Errorf("transaction %s is finalized: %w", txnID, store.ErrConflict)
	}
	if _, err := s.store.GetCategory(ctx, categoryID); err != nil {
		return nil, fmt.Errorf("stage category: %w", err)
	}

	txn.CategoryID = categoryID
	txn.Status = model.StatusStaged
	if err := s.store.UpdateTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// KickBack returns a staged transaction to needs_review. If the transaction
// had no predicted category, the just-chosen confirmed category becomes the
// prediction, so the next review pass shows it as a suggestion.
func (s *LedgerService) KickBack(ctx context.Context, txnID string) (*model.Transaction, error) {
	txn, err := s.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status != model.StatusStaged {
		return nil, fmt.Errorf("transaction %s is %s, not staged: %w", txnID, txn.Status, store.ErrConflict)
	}

	kickBack(txn)
	if err := s.store.UpdateTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

func kickBack(txn *model.Transaction) {
	if txn.PredictedCategoryID == "" {
		txn.PredictedCategoryID = txn.CategoryID
	}
	txn.CategoryID = ""
	txn.Status = model.StatusNeedsReview
}

// CommitResult summarizes one commit batch.
type CommitResult struct {
	Finalized       int           `json:"finalized"`
	MappingsWritten int           `json:"mappings_written"`
	Errors          []RecordError `json:"errors,omitempty"`
}

// Commit finalizes every staged transaction and feeds the merchant-mapping
// learning loop. Finalize is a one-way gate: already-finalized transactions
// are skipped, so committing twice never double-increments a mapping.
// Repeated confirmations of the same merchant pattern within one batch
// accumulate onto a single in-memory mapping before the one persisted
// write per pattern.
func (s *LedgerService) Commit(ctx context.Context) (*CommitResult, error) {
	log := logger.FromContext(ctx)

	staged, err := s.store.ListTransactions(ctx, store.TransactionFilter{Status: model.StatusStaged})
	if err != nil {
		return nil, err
	}

	result := &CommitResult{}
	pending := make(map[string]*model.MerchantMapping)

	for _, txn := range staged {
		if txn.Status == model.StatusFinalized {
			continue
		}
		if txn.CategoryID == "" {
			result.Errors = append(result.Errors, RecordError{
				Record: txn.ID,
				Reason: "cannot finalize without a confirmed category",
			})
			continue
		}

		txn.Status = model.StatusFinalized
		if err := s.store.UpdateTransaction(ctx, txn); err != nil {
			result.Errors = append(result.Errors, RecordError{Record: txn.ID, Reason: err.Error()})
			continue
		}
		result.Finalized++

		if txn.Merchant == "" {
			continue
		}
		if err := s.learn(ctx, pending, txn.Merchant, txn.CategoryID); err != nil {
			result.Errors = append(result.Errors, RecordError{Record: txn.ID, Reason: err.Error()})
		}
	}

	for _, mapping := range pending {
		if err := s.store.UpsertMerchantMapping(ctx, mapping); err != nil {
			result.Errors = append(result.Errors, RecordError{Record: mapping.Pattern, Reason: err.Error()})
			continue
		}
		result.MappingsWritten++
	}

	s.cache.invalidate()
	log.Info().
		Int("finalized", result.Finalized).
		Int("mappings", result.MappingsWritten).
		Int("errors", len(result.Errors)).
		Msg("commit complete")
	return result, nil
}

// learn folds one confirmation into the batch-local mapping set. Same
// category reinforces (confidence +1 per confirmation); a different
// category overwrites and resets confidence to 1.
func (s *LedgerService) learn(ctx context.Context, pending map[string]*model.MerchantMapping, merchant, categoryID string) error {
	pattern := model.NormalizePattern(merchant)
	if pattern == "" {
		return nil
	}

	mapping, ok := pending[pattern]
	if !ok {
		existing, err := s.store.GetMerchantMapping(ctx, pattern)
		switch {
		case err == nil:
			mapping = existing
		case errors.Is(err, store.ErrNotFound):
			mapping = nil
		default:
			return err
		}
	}

	if mapping == nil {
		pending[pattern] = &model.MerchantMapping{
			Pattern:    pattern,
			CategoryID: categoryID,
			Confidence: 1,
		}
		return nil
	}
	if mapping.CategoryID == categoryID {
		mapping.Confidence++
	} else {
		mapping.CategoryID = categoryID
		mapping.Confidence = 1
	}
	pending[pattern] = mapping
	return nil
}

// RevertAll kicks back every currently-staged transaction. Reverts have no
// learning side effect.
func (s *LedgerService) RevertAll(ctx context.Context) (int, error) {
	staged, err := s.store.ListTransactions(ctx, store.TransactionFilter{Status: model.StatusStaged})
	if err != nil {
		return 0, err
	}
	reverted := 0
	for _, txn := range staged {
		kickBack(txn)
		if err := s.store.UpdateTransaction(ctx, txn); err != nil {
			return reverted, err
		}
		reverted++
	}
	return reverted, nil
}
