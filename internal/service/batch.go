package service

import (
	"context"

	"github.com/castlemilk/ledgerd/internal/categorize"
	"github.com/castlemilk/ledgerd/internal/logger"
	"github.com/castlemilk/ledgerd/internal/model"
	"github.com/castlemilk/ledgerd/internal/store"
)

// batchChunkSize bounds how many transactions a batch run categorizes
// between cancellation checks.
const batchChunkSize = 50

// BatchResult summarizes one batch categorization run.
type BatchResult struct {
	Processed  int                `json:"processed"`
	AutoStaged int                `json:"auto_staged"`
	Predicted  int                `json:"predicted"`
	Unmatched  int                `json:"unmatched"`
	ByTier     map[model.Tier]int `json:"by_tier"`
	Errors     []RecordError      `json:"errors,omitempty"`
}

// BatchCategorize re-runs the cascade over transactions still awaiting
// review that have no prediction yet. Transactions already marked unmatched
// are skipped so repeated runs do not pay for repeated AI misses; they are
// picked up again only after new rules or mappings exist (use force to
// override).
func (s *LedgerService) BatchCategorize(ctx context.Context, force bool) (*BatchResult, error) {
	log := logger.FromContext(ctx)

	txns, err := s.store.ListTransactions(ctx, store.TransactionFilter{Status: model.StatusNeedsReview})
	if err != nil {
		return nil, err
	}

	result := &BatchResult{ByTier: make(map[model.Tier]int)}
	for i, txn := range txns {
		if i > 0 && i%batchChunkSize == 0 {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			log.Debug().Int("processed", result.Processed).Msg("batch progress")
		}

		if txn.PredictedCategoryID != "" {
			continue
		}
		if txn.Tier == model.TierUnmatched && !force {
			continue
		}

		v, err := s.categorizer.Categorize(ctx, txn.Description, txn.AmountCents)
		if err != nil {
			result.Errors = append(result.Errors, RecordError{Record: txn.ID, Reason: err.Error()})
			continue
		}
		result.Processed++

		if !v.Matched() {
			txn.Tier = model.TierUnmatched
			result.Unmatched++
		} else {
			txn.Tier = v.Tier
			txn.Confidence = v.Confidence
			txn.PredictedCategoryID = v.CategoryID
			result.ByTier[v.Tier]++
			if v.Status == categorize.AutoAccept {
				txn.CategoryID = v.CategoryID
				txn.Status = model.StatusStaged
				result.AutoStaged++
			} else {
				result.Predicted++
			}
		}

		if err := s.store.UpdateTransaction(ctx, txn); err != nil {
			result.Errors = append(result.Errors, RecordError{Record: txn.ID, Reason: err.Error()})
		}
	}

	log.Info().
		Int("processed", result.Processed).
		Int("auto_staged", result.AutoStaged).
		Int("predicted", result.Predicted).
		Int("unmatched", result.Unmatched).
		Msg("batch categorization complete")
	return result, nil
}
