package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castlemilk/ledgerd/internal/model"
	"github.com/castlemilk/ledgerd/internal/store"
)

func TestStageAndCommit(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	groceries := mustCategory(t, st, "groceries")
	account := mustAccount(t, st, "discover", model.AccountCredit)
	txn := mustTransaction(t, st, &model.Transaction{
		AccountID:   account.ID,
		Description: "TRADER JOE'S #552",
		Merchant:    "TRADER JOE'S",
		AmountCents: 4312,
		Status:      model.StatusNeedsReview,
	})

	staged, err := svc.Stage(ctx, txn.ID, groceries.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStaged, staged.Status)
	assert.Equal(t, groceries.ID, staged.CategoryID)

	result, err := svc.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Finalized)
	assert.Equal(t, 1, result.MappingsWritten)
	assert.Empty(t, result.Errors)

	got, err := st.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinalized, got.Status)

	mapping, err := st.GetMerchantMapping(ctx, "TRADER JOE'S")
	require.NoError(t, err)
	assert.Equal(t, groceries.ID, mapping.CategoryID)
	assert.Equal(t, 1, mapping.Confidence)
}

func TestStageRejectsFinalized(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	groceries := mustCategory(t, st, "groceries")
	account := mustAccount(t, st, "discover", model.AccountCredit)
	txn := mustTransaction(t, st, &model.Transaction{
		AccountID:   account.ID,
		Description: "DONE",
		AmountCents: 100,
		CategoryID:  groceries.ID,
		Status:      model.StatusFinalized,
	})

	_, err := svc.Stage(ctx, txn.ID, groceries.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict))
}

func TestStageUnknownCategory(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	account := mustAccount(t, st, "discover", model.AccountCredit)
	txn := mustTransaction(t, st, &model.Transaction{
		AccountID:   account.ID,
		Description: "X",
		AmountCents: 100,
		Status:      model.StatusNeedsReview,
	})

	_, err := svc.Stage(ctx, txn.ID, "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestKickBackPreservesChoiceAsPrediction(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	groceries := mustCategory(t, st, "groceries")
	account := mustAccount(t, st, "discover", model.AccountCredit)

	// Manually staged with no prediction: the choice becomes the prediction.
	txn := mustTransaction(t, st, &model.Transaction{
		AccountID:   account.ID,
		Description: "A",
		AmountCents: 100,
		Status:      model.StatusNeedsReview,
	})
	_, err := svc.Stage(ctx, txn.ID, groceries.ID)
	require.NoError(t, err)

	back, err := svc.KickBack(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeedsReview, back.Status)
	assert.Empty(t, back.CategoryID)
	assert.Equal(t, groceries.ID, back.PredictedCategoryID)
}

func TestKickBackKeepsExistingPrediction(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	groceries := mustCategory(t, st, "groceries")
	dining := mustCategory(t, st, "dining")
	account := mustAccount(t, st, "discover", model.AccountCredit)

	txn := mustTransaction(t, st, &model.Transaction{
		AccountID:           account.ID,
		Description:         "B",
		AmountCents:         100,
		Status:              model.StatusStaged,
		CategoryID:          groceries.ID,
		PredictedCategoryID: dining.ID,
	})

	back, err := svc.KickBack(ctx, txn.ID)
	require.NoError(t, err)
	// The cascade's suggestion survives; the rejected choice does not
	// overwrite it.
	assert.Equal(t, dining.ID, back.PredictedCategoryID)
	assert.Empty(t, back.CategoryID)
}

func TestKickBackRequiresStaged(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	account := mustAccount(t, st, "discover", model.AccountCredit)
	txn := mustTransaction(t, st, &model.Transaction{
		AccountID:   account.ID,
		Description: "C",
		AmountCents: 100,
		Status:      model.StatusNeedsReview,
	})

	_, err := svc.KickBack(ctx, txn.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict))
}

func TestCommitIsIdempotent(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	groceries := mustCategory(t, st, "groceries")
	account := mustAccount(t, st, "discover", model.AccountCredit)
	txn := mustTransaction(t, st, &model.Transaction{
		AccountID:   account.ID,
		Description: "TRADER JOE'S",
		Merchant:    "TRADER JOE'S",
		AmountCents: 4312,
		Status:      model.StatusNeedsReview,
	})
	_, err := svc.Stage(ctx, txn.ID, groceries.ID)
	require.NoError(t, err)

	first, err := svc.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Finalized)

	// Second commit finds nothing staged and must not re-learn.
	second, err := svc.Commit(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Finalized)
	assert.Zero(t, second.MappingsWritten)

	mapping, err := st.GetMerchantMapping(ctx, "TRADER JOE'S")
	require.NoError(t, err)
	assert.Equal(t, 1, mapping.Confidence)
}

func TestCommitAccumulatesConfirmationsInBatch(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	groceries := mustCategory(t, st, "groceries")
	account := mustAccount(t, st, "discover", model.AccountCredit)

	for i := 0; i < 3; i++ {
		txn := mustTransaction(t, st, &model.Transaction{
			AccountID:   account.ID,
			Description: "costco run",
			Merchant:    "Costco Whse",
			AmountCents: int64(1000 + i),
			Status:      model.StatusNeedsReview,
		})
		_, err := svc.Stage(ctx, txn.ID, groceries.ID)
		require.NoError(t, err)
	}

	result, err := svc.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Finalized)
	// Three confirmations of the same merchant collapse into one persisted
	// mapping write at confidence 3.
	assert.Equal(t, 1, result.MappingsWritten)

	mapping, err := st.GetMerchantMapping(ctx, "COSTCO WHSE")
	require.NoError(t, err)
	assert.Equal(t, 3, mapping.Confidence)
	assert.Equal(t, groceries.ID, mapping.CategoryID)
}

func TestCommitConfidenceResetOnCategoryChange(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	groceries := mustCategory(t, st, "groceries")
	dining := mustCategory(t, st, "dining")
	account := mustAccount(t, st, "discover", model.AccountCredit)

	commitOne := func(categoryID string) {
		txn := mustTransaction(t, st, &model.Transaction{
			AccountID:   account.ID,
			Description: "WHOLEFDS",
			Merchant:    "WHOLEFDS",
			AmountCents: 2500,
			Status:      model.StatusNeedsReview,
		})
		_, err := svc.Stage(ctx, txn.ID, categoryID)
		require.NoError(t, err)
		_, err = svc.Commit(ctx)
		require.NoError(t, err)
	}

	commitOne(groceries.ID)
	commitOne(groceries.ID)
	commitOne(groceries.ID)

	mapping, err := st.GetMerchantMapping(ctx, "WHOLEFDS")
	require.NoError(t, err)
	assert.Equal(t, 3, mapping.Confidence)

	// A contradicting confirmation overwrites and resets, so the mapping
	// has to re-earn auto-accept.
	commitOne(dining.ID)
	mapping, err = st.GetMerchantMapping(ctx, "WHOLEFDS")
	require.NoError(t, err)
	assert.Equal(t, dining.ID, mapping.CategoryID)
	assert.Equal(t, 1, mapping.Confidence)
}

func TestCommitSkipsEmptyCategoryPerRecord(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	groceries := mustCategory(t, st, "groceries")
	account := mustAccount(t, st, "discover", model.AccountCredit)

	bad := mustTransaction(t, st, &model.Transaction{
		AccountID:   account.ID,
		Description: "NO CATEGORY",
		AmountCents: 100,
		Status:      model.StatusStaged,
	})
	good := mustTransaction(t, st, &model.Transaction{
		AccountID:   account.ID,
		Description: "FINE",
		AmountCents: 200,
		Status:      model.StatusStaged,
		CategoryID:  groceries.ID,
	})

	result, err := svc.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Finalized)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, bad.ID, result.Errors[0].Record)

	gotGood, err := st.GetTransaction(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinalized, gotGood.Status)
	gotBad, err := st.GetTransaction(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStaged, gotBad.Status)
}

func TestRevertAll(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	groceries := mustCategory(t, st, "groceries")
	account := mustAccount(t, st, "discover", model.AccountCredit)
	for i := 0; i < 2; i++ {
		txn := mustTransaction(t, st, &model.Transaction{
			AccountID:   account.ID,
			Description: "SAFEWAY",
			Merchant:    "SAFEWAY",
			AmountCents: int64(100 + i),
			Status:      model.StatusNeedsReview,
		})
		_, err := svc.Stage(ctx, txn.ID, groceries.ID)
		require.NoError(t, err)
	}

	reverted, err := svc.RevertAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reverted)

	staged, err := st.ListTransactions(ctx, store.TransactionFilter{Status: model.StatusStaged})
	require.NoError(t, err)
	assert.Empty(t, staged)

	// Reverts have no learning side effect.
	_, err = st.GetMerchantMapping(ctx, "SAFEWAY")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
