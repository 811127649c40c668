package bankfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/castlemilk/ledgerd/internal/model"
)

// HTTPProvider is an HTTP client for the aggregator's JSON API.
type HTTPProvider struct {
	baseURL    string
	clientID   string
	secret     string
	httpClient *http.Client
}

// NewHTTPProvider creates a provider client for the given base URL.
func NewHTTPProvider(baseURL, clientID, secret string) *HTTPProvider {
	return &HTTPProvider{
		baseURL:  baseURL,
		clientID: clientID,
		secret:   secret,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// wireTransaction is the aggregator's transaction shape. Dates arrive as
// YYYY-MM-DD and amounts as decimal dollars, positive = money leaving the
// account.
type wireTransaction struct {
	TransactionID        string          `json:"transaction_id"`
	PendingTransactionID string          `json:"pending_transaction_id"`
	AccountID            string          `json:"account_id"`
	Date                 string          `json:"date"`
	Name                 string          `json:"name"`
	OriginalDescription  string          `json:"original_description"`
	MerchantName         string          `json:"merchant_name"`
	Amount               decimal.Decimal `json:"amount"`
	Pending              bool            `json:"pending"`
}

type wireRemoved struct {
	TransactionID string `json:"transaction_id"`
}

type syncResponse struct {
	Added      []wireTransaction `json:"added"`
	Modified   []wireTransaction `json:"modified"`
	Removed    []wireRemoved     `json:"removed"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

// Exchange trades a public token for a durable access credential.
func (p *HTTPProvider) Exchange(ctx context.Context, publicToken string) (*ExchangeResult, error) {
	var result ExchangeResult
	err := p.post(ctx, "/item/public_token/exchange", map[string]string{
		"public_token": publicToken,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Sync fetches one page of transaction changes since cursor.
func (p *HTTPProvider) Sync(ctx context.Context, accessToken, feedAccountID, cursor string) (*SyncPage, error) {
	req := map[string]any{
		"access_token": accessToken,
		"cursor":       cursor,
		"options": map[string]any{
			"include_original_description": true,
		},
	}
	if feedAccountID != "" {
		req["account_id"] = feedAccountID
	}

	var resp syncResponse
	if err := p.post(ctx, "/transactions/sync", req, &resp); err != nil {
		return nil, err
	}

	page := &SyncPage{
		NextCursor: resp.NextCursor,
		HasMore:    resp.HasMore,
	}
	for _, wt := range resp.Added {
		if t, ok := convertWire(wt); ok {
			page.Added = append(page.Added, t)
		}
	}
	for _, wt := range resp.Modified {
		if t, ok := convertWire(wt); ok {
			page.Modified = append(page.Modified, t)
		}
	}
	for _, r := range resp.Removed {
		if r.TransactionID != "" {
			page.Removed = append(page.Removed, r.TransactionID)
		}
	}
	return page, nil
}

// convertWire normalizes a wire transaction. The raw bank text is
// preferred over the aggregator's cleaned name for the description, since
// merchant patterns were learned against raw descriptions.
func convertWire(wt wireTransaction) (FeedTransaction, bool) {
	if wt.TransactionID == "" {
		return FeedTransaction{}, false
	}
	date, err := time.Parse("2006-01-02", wt.Date)
	if err != nil {
		return FeedTransaction{}, false
	}
	desc := wt.OriginalDescription
	if desc == "" {
		desc = wt.Name
	}
	merchant := wt.MerchantName
	if merchant == "" {
		merchant = wt.Name
	}
	return FeedTransaction{
		ExternalID:        wt.TransactionID,
		PendingExternalID: wt.PendingTransactionID,
		AccountID:         wt.AccountID,
		Date:              date,
		Description:       desc,
		Merchant:          merchant,
		AmountCents:       model.CentsFromDecimal(wt.Amount),
		Pending:           wt.Pending,
	}, true
}

func (p *HTTPProvider) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.clientID != "" {
		req.Header.Set("BANKFEED-CLIENT-ID", p.clientID)
		req.Header.Set("BANKFEED-SECRET", p.secret)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bankfeed request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var fe FeedError
		if err := json.Unmarshal(data, &fe); err == nil && fe.Code != "" {
			return &fe
		}
		return fmt.Errorf("bankfeed %s: status %d: %s", path, resp.StatusCode, truncate(string(data), 200))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
