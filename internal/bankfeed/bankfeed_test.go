package bankfeed

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	s, err := NewSealer(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return s
}

func TestSealer_RoundTrip(t *testing.T) {
	s := newTestSealer(t)

	sealed, err := s.Seal("access-sandbox-12345")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "access-sandbox")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "access-sandbox-12345", opened)

	// Same plaintext seals to different blobs (random nonce).
	sealed2, err := s.Seal("access-sandbox-12345")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)
}

func TestSealer_TamperDetection(t *testing.T) {
	s := newTestSealer(t)

	sealed, err := s.Seal("secret")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	_, err = s.Open(base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)

	_, err = s.Open("not base64!!!")
	assert.Error(t, err)

	_, err = s.Open(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestNewSealer_RejectsBadKeys(t *testing.T) {
	_, err := NewSealer("tooshort")
	assert.Error(t, err)

	_, err = NewSealer(base64.StdEncoding.EncodeToString(make([]byte, 16)))
	assert.Error(t, err)
}

func TestHTTPProvider_Sync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transactions/sync", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tok-123", req["access_token"])
		assert.Equal(t, "cur-1", req["cursor"])

		json.NewEncoder(w).Encode(map[string]any{
			"added": []map[string]any{
				{
					"transaction_id":       "txn-1",
					"account_id":           "feed-acct-1",
					"date":                 "2025-03-10",
					"name":                 "Trader Joe's",
					"original_description": "TRADER JOE'S #553",
					"amount":               "43.12",
					"pending":              false,
				},
				{
					// No transaction ID: dropped.
					"date":   "2025-03-11",
					"name":   "Bogus",
					"amount": "1.00",
				},
			},
			"removed":     []map[string]any{{"transaction_id": "txn-gone"}},
			"next_cursor": "cur-2",
			"has_more":    true,
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "client", "secret")
	page, err := p.Sync(context.Background(), "tok-123", "feed-acct-1", "cur-1")
	require.NoError(t, err)

	require.Len(t, page.Added, 1)
	added := page.Added[0]
	assert.Equal(t, "txn-1", added.ExternalID)
	assert.Equal(t, "TRADER JOE'S #553", added.Description) // raw text preferred
	assert.Equal(t, int64(4312), added.AmountCents)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), added.Date)

	assert.Equal(t, []string{"txn-gone"}, page.Removed)
	assert.Equal(t, "cur-2", page.NextCursor)
	assert.True(t, page.HasMore)
}

func TestHTTPProvider_StructuredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error_code":    CodePaginationMutation,
			"error_message": "underlying data changed",
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", "")
	_, err := p.Sync(context.Background(), "tok", "", "cur")
	require.Error(t, err)
	assert.True(t, IsPaginationMutation(err))
	assert.False(t, IsLoginRequired(err))
}

func TestHTTPProvider_Exchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/item/public_token/exchange", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{
			"item_id":         "item-1",
			"access_token":    "access-1",
			"feed_account_id": "feed-acct-9",
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", "")
	res, err := p.Exchange(context.Background(), "public-abc")
	require.NoError(t, err)
	assert.Equal(t, "item-1", res.ItemID)
	assert.Equal(t, "access-1", res.AccessToken)
	assert.Equal(t, "feed-acct-9", res.FeedAccountID)
}
