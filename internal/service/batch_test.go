package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castlemilk/ledgerd/internal/model"
)

func TestBatchCategorize(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	groceries := mustCategory(t, st, "groceries")
	streaming := mustCategory(t, st, "subscriptions")
	account := mustAccount(t, st, "discover", model.AccountCredit)

	require.NoError(t, st.CreateAmountRule(ctx, &model.AmountRule{
		Pattern:     "NETFLIX",
		AmountCents: 1549,
		CategoryID:  streaming.ID,
	}))
	require.NoError(t, st.UpsertMerchantMapping(ctx, &model.MerchantMapping{
		Pattern:    "SAFEWAY",
		CategoryID: groceries.ID,
		Confidence: 1,
	}))

	netflix := mustTransaction(t, st, &model.Transaction{
		AccountID: account.ID, Description: "NETFLIX.COM", AmountCents: 1549,
		Status: model.StatusNeedsReview,
	})
	safeway := mustTransaction(t, st, &model.Transaction{
		AccountID: account.ID, Description: "SAFEWAY #1547", AmountCents: 8250,
		Status: model.StatusNeedsReview,
	})
	mystery := mustTransaction(t, st, &model.Transaction{
		AccountID: account.ID, Description: "MYSTERY", AmountCents: 999,
		Status: model.StatusNeedsReview,
	})

	result, err := svc.BatchCategorize(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 1, result.AutoStaged)
	assert.Equal(t, 1, result.Predicted)
	assert.Equal(t, 1, result.Unmatched)
	assert.Equal(t, 1, result.ByTier[model.TierAmountRule])
	assert.Equal(t, 1, result.ByTier[model.TierMerchantMap])

	// Amount rule: auto-accepted into staged.
	got, err := st.GetTransaction(ctx, netflix.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStaged, got.Status)
	assert.Equal(t, streaming.ID, got.CategoryID)

	// Low-confidence mapping: predicted only.
	got, err = st.GetTransaction(ctx, safeway.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeedsReview, got.Status)
	assert.Equal(t, groceries.ID, got.PredictedCategoryID)
	assert.Empty(t, got.CategoryID)

	// Exhausted cascade: marked unmatched.
	got, err = st.GetTransaction(ctx, mystery.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierUnmatched, got.Tier)
}

func TestBatchCategorizeSkipsUnmatchedAndPredicted(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	groceries := mustCategory(t, st, "groceries")
	account := mustAccount(t, st, "discover", model.AccountCredit)

	mustTransaction(t, st, &model.Transaction{
		AccountID: account.ID, Description: "ALREADY TRIED", AmountCents: 100,
		Status: model.StatusNeedsReview, Tier: model.TierUnmatched,
	})
	mustTransaction(t, st, &model.Transaction{
		AccountID: account.ID, Description: "HAS PREDICTION", AmountCents: 200,
		Status: model.StatusNeedsReview, PredictedCategoryID: groceries.ID,
	})

	result, err := svc.BatchCategorize(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
}

func TestBatchCategorizeCancelStopsAtChunkBoundary(t *testing.T) {
	svc, st := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())

	account := mustAccount(t, st, "discover", model.AccountCredit)
	for i := 0; i < batchChunkSize+10; i++ {
		mustTransaction(t, st, &model.Transaction{
			AccountID:   account.ID,
			Description: fmt.Sprintf("ROW %d", i),
			AmountCents: int64(100 + i),
			Status:      model.StatusNeedsReview,
		})
	}
	cancel()

	// Cancellation takes effect at the next chunk boundary, not at the end
	// of the run, and the running total reflects only completed work.
	result, err := svc.BatchCategorize(ctx, false)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, batchChunkSize, result.Processed)
	assert.Equal(t, batchChunkSize, result.Unmatched)
}

func TestBatchCategorizeForceRetriesUnmatched(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	groceries := mustCategory(t, st, "groceries")
	account := mustAccount(t, st, "discover", model.AccountCredit)

	txn := mustTransaction(t, st, &model.Transaction{
		AccountID: account.ID, Description: "SAFEWAY #1547", AmountCents: 100,
		Status: model.StatusNeedsReview, Tier: model.TierUnmatched,
	})
	// A mapping created after the first failed run.
	require.NoError(t, st.UpsertMerchantMapping(ctx, &model.MerchantMapping{
		Pattern:    "SAFEWAY",
		CategoryID: groceries.ID,
		Confidence: 5,
	}))

	result, err := svc.BatchCategorize(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.AutoStaged)

	got, err := st.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStaged, got.Status)
	assert.Equal(t, model.TierMerchantMap, got.Tier)
}
