package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/castlemilk/ledgerd/internal/bankfeed"
	"github.com/castlemilk/ledgerd/internal/categorize"
	"github.com/castlemilk/ledgerd/internal/model"
	"github.com/castlemilk/ledgerd/internal/store"
)

func newSyncTestService(t *testing.T) (*LedgerService, *store.MemoryStore, *bankfeed.MockProvider) {
	t.Helper()
	ctrl := gomock.NewController(t)
	st := store.NewMemoryStore()
	provider := bankfeed.NewMockProvider(ctrl)
	svc := NewLedgerService(st, categorize.New(st, nil), provider, newTestSealer(t))
	return svc, st, provider
}

func linkedAccount(t *testing.T, svc *LedgerService, st *store.MemoryStore, provider *bankfeed.MockProvider) *model.Account {
	t.Helper()
	account := mustAccount(t, st, "sofi", model.AccountChecking)
	provider.EXPECT().
		Exchange(gomock.Any(), "public-tok").
		Return(&bankfeed.ExchangeResult{ItemID: "item-1", AccessToken: "access-tok", FeedAccountID: "feed-acct-1"}, nil)
	linked, err := svc.LinkAccount(context.Background(), account.ID, "public-tok")
	require.NoError(t, err)
	return linked
}

func feedTxn(id string, day int, amountCents int64, desc string) bankfeed.FeedTransaction {
	return bankfeed.FeedTransaction{
		ExternalID:  id,
		Date:        time.Date(2025, 7, day, 0, 0, 0, 0, time.UTC),
		Description: desc,
		Merchant:    desc,
		AmountCents: amountCents,
	}
}

func TestLinkAccountSealsCredential(t *testing.T) {
	svc, st, provider := newSyncTestService(t)

	account := linkedAccount(t, svc, st, provider)
	assert.Equal(t, model.FeedConnected, account.FeedStatus)
	assert.Equal(t, "item-1", account.FeedItemID)
	// The stored credential is sealed, never the raw token.
	assert.NotEqual(t, "access-tok", account.FeedCredential)
	assert.NotContains(t, account.FeedCredential, "access-tok")
}

func TestSyncAccountPaginatesAndPersistsCursor(t *testing.T) {
	svc, st, provider := newSyncTestService(t)
	ctx := context.Background()
	account := linkedAccount(t, svc, st, provider)

	provider.EXPECT().
		Sync(gomock.Any(), "access-tok", "feed-acct-1", "").
		Return(&bankfeed.SyncPage{
			Added:      []bankfeed.FeedTransaction{feedTxn("ext-1", 1, 1200, "COFFEE")},
			NextCursor: "c1",
			HasMore:    true,
		}, nil)
	provider.EXPECT().
		Sync(gomock.Any(), "access-tok", "feed-acct-1", "c1").
		Return(&bankfeed.SyncPage{
			Added:      []bankfeed.FeedTransaction{feedTxn("ext-2", 2, 5400, "GROCERIES")},
			NextCursor: "c2",
			HasMore:    false,
		}, nil)

	syncLog, err := svc.SyncAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, syncLog.Added)
	assert.Empty(t, syncLog.Err)

	got, err := st.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "c2", got.FeedCursor)
	assert.Equal(t, model.FeedConnected, got.FeedStatus)
	assert.False(t, got.LastSyncedAt.IsZero())

	txn, err := st.GetTransactionByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, model.OriginBankSync, txn.Origin)
	assert.Equal(t, model.StatusNeedsReview, txn.Status)
}

func TestSyncAccountSkipsPendingAdds(t *testing.T) {
	svc, st, provider := newSyncTestService(t)
	ctx := context.Background()
	account := linkedAccount(t, svc, st, provider)

	pending := feedTxn("ext-p", 3, 900, "HOLD")
	pending.Pending = true
	provider.EXPECT().
		Sync(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&bankfeed.SyncPage{
			Added:      []bankfeed.FeedTransaction{pending, feedTxn("ext-3", 3, 700, "POSTED")},
			NextCursor: "c1",
		}, nil)

	syncLog, err := svc.SyncAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, syncLog.Added)

	_, err = st.GetTransactionByExternalID(ctx, "ext-p")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncAccountRetriesPaginationMutation(t *testing.T) {
	svc, st, provider := newSyncTestService(t)
	ctx := context.Background()
	account := linkedAccount(t, svc, st, provider)

	mutation := &bankfeed.FeedError{Code: bankfeed.CodePaginationMutation, Message: "restart"}
	gomock.InOrder(
		provider.EXPECT().
			Sync(gomock.Any(), gomock.Any(), gomock.Any(), "").
			Return(&bankfeed.SyncPage{
				Added:      []bankfeed.FeedTransaction{feedTxn("ext-4", 4, 100, "A")},
				NextCursor: "c1",
				HasMore:    true,
			}, nil),
		provider.EXPECT().
			Sync(gomock.Any(), gomock.Any(), gomock.Any(), "c1").
			Return(nil, mutation),
		// Retry resumes from the last acknowledged cursor, not from "".
		provider.EXPECT().
			Sync(gomock.Any(), gomock.Any(), gomock.Any(), "c1").
			Return(&bankfeed.SyncPage{
				Added:      []bankfeed.FeedTransaction{feedTxn("ext-5", 5, 200, "B")},
				NextCursor: "c2",
			}, nil),
	)

	syncLog, err := svc.SyncAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, syncLog.Added)

	got, err := st.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "c2", got.FeedCursor)
}

func TestSyncAccountRetryBound(t *testing.T) {
	svc, st, provider := newSyncTestService(t)
	ctx := context.Background()
	account := linkedAccount(t, svc, st, provider)

	mutation := &bankfeed.FeedError{Code: bankfeed.CodePaginationMutation, Message: "restart"}
	provider.EXPECT().
		Sync(gomock.Any(), gomock.Any(), gomock.Any(), "").
		Return(nil, mutation).
		Times(maxSyncRetries + 1)

	syncLog, err := svc.SyncAccount(ctx, account.ID)
	require.Error(t, err)
	assert.NotEmpty(t, syncLog.Err)

	// The cursor is untouched on an unrecovered failure, so the next sync
	// resumes safely.
	got, err := st.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Empty(t, got.FeedCursor)
	assert.Equal(t, syncLog.Err, got.LastSyncError)
}

func TestSyncAccountLoginRequired(t *testing.T) {
	svc, st, provider := newSyncTestService(t)
	ctx := context.Background()
	account := linkedAccount(t, svc, st, provider)

	provider.EXPECT().
		Sync(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, &bankfeed.FeedError{Code: bankfeed.CodeLoginRequired, Message: "relink"})

	_, err := svc.SyncAccount(ctx, account.ID)
	require.Error(t, err)

	got, err := st.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FeedLoginRequired, got.FeedStatus)
}

func TestSyncAccountAlwaysWritesSyncLog(t *testing.T) {
	svc, st, provider := newSyncTestService(t)
	ctx := context.Background()
	account := linkedAccount(t, svc, st, provider)

	provider.EXPECT().
		Sync(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, &bankfeed.FeedError{Code: "INTERNAL", Message: "boom"})

	_, err := svc.SyncAccount(ctx, account.ID)
	require.Error(t, err)

	logs, err := st.ListSyncLogs(ctx, account.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Err, "boom")
	assert.False(t, logs[0].FinishedAt.IsZero())
}

func TestSyncAccountModifiedAndRemoved(t *testing.T) {
	svc, st, provider := newSyncTestService(t)
	ctx := context.Background()
	account := linkedAccount(t, svc, st, provider)

	mustTransaction(t, st, &model.Transaction{
		AccountID:   account.ID,
		ExternalID:  "ext-m",
		Description: "OLD DESC",
		AmountCents: 1000,
		Origin:      model.OriginBankSync,
		Status:      model.StatusNeedsReview,
	})
	mustTransaction(t, st, &model.Transaction{
		AccountID:   account.ID,
		ExternalID:  "ext-r",
		Description: "WILL BE REMOVED",
		AmountCents: 2000,
		Origin:      model.OriginBankSync,
		Status:      model.StatusNeedsReview,
	})

	provider.EXPECT().
		Sync(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&bankfeed.SyncPage{
			Modified:   []bankfeed.FeedTransaction{feedTxn("ext-m", 9, 1050, "NEW DESC")},
			Removed:    []string{"ext-r"},
			NextCursor: "c1",
		}, nil)

	syncLog, err := svc.SyncAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, syncLog.Modified)
	assert.Equal(t, 1, syncLog.Removed)

	modified, err := st.GetTransactionByExternalID(ctx, "ext-m")
	require.NoError(t, err)
	assert.Equal(t, "NEW DESC", modified.Description)
	assert.Equal(t, int64(1050), modified.AmountCents)

	_, err = st.GetTransactionByExternalID(ctx, "ext-r")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncPendingToPostedCarriesDecisions(t *testing.T) {
	svc, st, provider := newSyncTestService(t)
	ctx := context.Background()
	account := linkedAccount(t, svc, st, provider)
	groceries := mustCategory(t, st, "groceries")

	// A previously-synced pending record the user already staged.
	prior := mustTransaction(t, st, &model.Transaction{
		AccountID:   account.ID,
		ExternalID:  "ext-pending",
		Description: "TRADER JOE'S",
		AmountCents: 4000,
		Origin:      model.OriginBankSync,
		Status:      model.StatusStaged,
		CategoryID:  groceries.ID,
		Pending:     true,
	})

	posted := feedTxn("ext-posted", 10, 4123, "TRADER JOE'S #552")
	posted.PendingExternalID = "ext-pending"
	provider.EXPECT().
		Sync(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&bankfeed.SyncPage{Added: []bankfeed.FeedTransaction{posted}, NextCursor: "c1"}, nil)

	_, err := svc.SyncAccount(ctx, account.ID)
	require.NoError(t, err)

	// The pending record is retired and its category decision carries over.
	_, err = st.GetTransaction(ctx, prior.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	replacement, err := st.GetTransactionByExternalID(ctx, "ext-posted")
	require.NoError(t, err)
	assert.Equal(t, groceries.ID, replacement.CategoryID)
	assert.Equal(t, model.StatusStaged, replacement.Status)
	assert.Equal(t, int64(4123), replacement.AmountCents)
}

func TestSyncMergesIntoArchiveRecord(t *testing.T) {
	svc, st, provider := newSyncTestService(t)
	ctx := context.Background()
	account := linkedAccount(t, svc, st, provider)
	groceries := mustCategory(t, st, "groceries")

	archived := mustTransaction(t, st, &model.Transaction{
		AccountID:   account.ID,
		Date:        time.Date(2025, 7, 11, 0, 0, 0, 0, time.UTC),
		Description: "safeway groceries",
		Merchant:    "safeway groceries",
		AmountCents: 8250,
		Origin:      model.OriginArchiveImport,
		Status:      model.StatusFinalized,
		CategoryID:  groceries.ID,
	})

	// Same amount, one day off, feed identity not yet claimed.
	provider.EXPECT().
		Sync(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&bankfeed.SyncPage{
			Added:      []bankfeed.FeedTransaction{feedTxn("ext-merge", 12, 8250, "SAFEWAY #1547")},
			NextCursor: "c1",
		}, nil)

	syncLog, err := svc.SyncAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Zero(t, syncLog.Added)

	got, err := st.GetTransaction(ctx, archived.ID)
	require.NoError(t, err)
	assert.Equal(t, "ext-merge", got.ExternalID)
	assert.Equal(t, time.Date(2025, 7, 12, 0, 0, 0, 0, time.UTC), got.Date)
	// The curated category stands.
	assert.Equal(t, groceries.ID, got.CategoryID)
	assert.Equal(t, model.StatusFinalized, got.Status)

	// No duplicate row was created.
	txns, err := st.ListTransactions(ctx, store.TransactionFilter{AccountID: account.ID})
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	svc, st, provider := newSyncTestService(t)
	ctx := context.Background()

	bad := linkedAccount(t, svc, st, provider)

	good := mustAccount(t, st, "discover", model.AccountCredit)
	provider.EXPECT().
		Exchange(gomock.Any(), "public-tok-2").
		Return(&bankfeed.ExchangeResult{ItemID: "item-2", AccessToken: "tok-2", FeedAccountID: "feed-acct-2"}, nil)
	_, err := svc.LinkAccount(ctx, good.ID, "public-tok-2")
	require.NoError(t, err)

	provider.EXPECT().
		Sync(gomock.Any(), "access-tok", "feed-acct-1", gomock.Any()).
		Return(nil, &bankfeed.FeedError{Code: "INTERNAL", Message: "boom"})
	provider.EXPECT().
		Sync(gomock.Any(), "tok-2", "feed-acct-2", gomock.Any()).
		Return(&bankfeed.SyncPage{
			Added:      []bankfeed.FeedTransaction{feedTxn("ext-ok", 20, 300, "OK")},
			NextCursor: "c1",
		}, nil)

	logs, err := svc.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	byAccount := map[string]*model.SyncLog{}
	for _, l := range logs {
		byAccount[l.AccountID] = l
	}
	assert.NotEmpty(t, byAccount[bad.ID].Err)
	assert.Equal(t, 1, byAccount[good.ID].Added)
}
