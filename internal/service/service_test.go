package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/castlemilk/ledgerd/internal/bankfeed"
	"github.com/castlemilk/ledgerd/internal/categorize"
	"github.com/castlemilk/ledgerd/internal/model"
	"github.com/castlemilk/ledgerd/internal/store"
)

func newTestService(t *testing.T) (*LedgerService, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewLedgerService(st, categorize.New(st, nil), nil, nil), st
}

func newTestSealer(t *testing.T) *bankfeed.Sealer {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	sealer, err := bankfeed.NewSealer(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return sealer
}

func mustCategory(t *testing.T, st *store.MemoryStore, key string) *model.Category {
	t.Helper()
	cat := &model.Category{Key: key, Label: key}
	require.NoError(t, st.CreateCategory(context.Background(), cat))
	return cat
}

func mustAccount(t *testing.T, st *store.MemoryStore, institution string, accountType model.AccountType) *model.Account {
	t.Helper()
	account := &model.Account{
		Name:        accountDisplayName(institution, accountType),
		Institution: institution,
		Type:        accountType,
	}
	require.NoError(t, st.CreateAccount(context.Background(), account))
	return account
}

func mustTransaction(t *testing.T, st *store.MemoryStore, txn *model.Transaction) *model.Transaction {
	t.Helper()
	if txn.Date.IsZero() {
		txn.Date = time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	}
	require.NoError(t, st.CreateTransaction(context.Background(), txn))
	return txn
}
