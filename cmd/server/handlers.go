package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/castlemilk/ledgerd/internal/logger"
	"github.com/castlemilk/ledgerd/internal/model"
	"github.com/castlemilk/ledgerd/internal/service"
	"github.com/castlemilk/ledgerd/internal/store"
)

// maxUploadBytes bounds CSV and archive uploads.
const maxUploadBytes = 32 << 20

// api wraps the store and service for the JSON endpoints. Handlers stay
// thin: decode, call, encode.
type api struct {
	store store.Store
	svc   *service.LedgerService
}

func newServeMux(st store.Store, svc *service.LedgerService) *http.ServeMux {
	a := &api{store: st, svc: svc}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/categories", a.listCategories)
	mux.HandleFunc("POST /api/categories", a.createCategory)
	mux.HandleFunc("PUT /api/categories/{id}", a.updateCategory)

	mux.HandleFunc("GET /api/accounts", a.listAccounts)
	mux.HandleFunc("POST /api/accounts/{id}/link", a.linkAccount)
	mux.HandleFunc("POST /api/accounts/{id}/sync", a.syncAccount)
	mux.HandleFunc("GET /api/accounts/{id}/sync-logs", a.listSyncLogs)
	mux.HandleFunc("POST /api/sync", a.syncAll)

	mux.HandleFunc("GET /api/transactions", a.listTransactions)
	mux.HandleFunc("GET /api/transactions/{id}", a.getTransaction)
	mux.HandleFunc("DELETE /api/transactions/{id}", a.deleteTransaction)
	mux.HandleFunc("POST /api/transactions/{id}/stage", a.stageTransaction)
	mux.HandleFunc("POST /api/transactions/{id}/kick-back", a.kickBackTransaction)

	mux.HandleFunc("POST /api/staging/commit", a.commitStaged)
	mux.HandleFunc("POST /api/staging/revert", a.revertStaged)
	mux.HandleFunc("POST /api/categorize/batch", a.batchCategorize)

	mux.HandleFunc("GET /api/import/formats", a.listFormats)
	mux.HandleFunc("POST /api/import/csv", a.importCSV)
	mux.HandleFunc("POST /api/import/archive", a.importArchive)

	mux.HandleFunc("GET /api/rules/amount", a.listAmountRules)
	mux.HandleFunc("POST /api/rules/amount", a.createAmountRule)
	mux.HandleFunc("DELETE /api/rules/amount/{id}", a.deleteAmountRule)
	mux.HandleFunc("GET /api/rules/merchant", a.listMerchantMappings)
	mux.HandleFunc("POST /api/rules/merchant", a.createMerchantMapping)

	mux.HandleFunc("GET /api/deletions", a.listDeletions)
	mux.HandleFunc("POST /api/deletions/{id}/restore", a.restoreDeletion)
	mux.HandleFunc("DELETE /api/deletions/{id}", a.purgeDeletion)

	mux.HandleFunc("GET /api/analytics/spending", a.spendingByCategory)
	mux.HandleFunc("GET /api/analytics/cash-flow", a.cashFlow)
	mux.HandleFunc("GET /api/analytics/recurring", a.recurringGrid)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func (a *api) listCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := a.store.ListCategories(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

func (a *api) createCategory(w http.ResponseWriter, r *http.Request) {
	var cat model.Category
	if err := decode(r, &cat); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := a.store.CreateCategory(r.Context(), &cat); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cat)
}

func (a *api) updateCategory(w http.ResponseWriter, r *http.Request) {
	var cat model.Category
	if err := decode(r, &cat); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	cat.ID = r.PathValue("id")
	if err := a.store.UpdateCategory(r.Context(), &cat); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

func (a *api) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Sealed credentials stay server-side.
	for _, account := range accounts {
		account.FeedCredential = ""
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (a *api) linkAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicToken string `json:"public_token"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	account, err := a.svc.LinkAccount(r.Context(), r.PathValue("id"), req.PublicToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	account.FeedCredential = ""
	writeJSON(w, http.StatusOK, account)
}

func (a *api) syncAccount(w http.ResponseWriter, r *http.Request) {
	syncLog, err := a.svc.SyncAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		if syncLog != nil {
			writeJSON(w, http.StatusBadGateway, syncLog)
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syncLog)
}

func (a *api) syncAll(w http.ResponseWriter, r *http.Request) {
	logs, err := a.svc.SyncAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (a *api) listSyncLogs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	logs, err := a.store.ListSyncLogs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (a *api) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TransactionFilter{
		Status:    model.ReviewStatus(q.Get("status")),
		AccountID: q.Get("account_id"),
		Origin:    model.Origin(q.Get("origin")),
		Search:    q.Get("search"),
	}
	if v := q.Get("start"); v != "" {
		if t, err := parseDate(v); err == nil {
			filter.StartDate = t
		}
	}
	if v := q.Get("end"); v != "" {
		if t, err := parseDate(v); err == nil {
			filter.EndDate = t
		}
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	txns, err := a.store.ListTransactions(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

func (a *api) getTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := a.store.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (a *api) deleteTransaction(w http.ResponseWriter, r *http.Request) {
	record, err := a.svc.DeleteTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *api) stageTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CategoryID string `json:"category_id"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	txn, err := a.svc.Stage(r.Context(), r.PathValue("id"), req.CategoryID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (a *api) kickBackTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := a.svc.KickBack(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (a *api) commitStaged(w http.ResponseWriter, r *http.Request) {
	result, err := a.svc.Commit(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *api) revertStaged(w http.ResponseWriter, r *http.Request) {
	reverted, err := a.svc.RevertAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reverted": reverted})
}

func (a *api) batchCategorize(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	result, err := a.svc.BatchCategorize(r.Context(), force)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *api) listFormats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"formats": a.svc.Formats()})
}

// importCSV takes the raw CSV as the request body. Format comes from the
// query string; empty means auto-detect.
func (a *api) importCSV(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	r.Body.Close()

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = "upload.csv"
	}
	result, err := a.svc.ImportCSV(r.Context(), filename, data, r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *api) importArchive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DefaultAccount string `json:"default_account"`
		Sheets         []struct {
			Name string `json:"name"`
			Data string `json:"data"` // base64 CSV
		} `json:"sheets"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	sheets := make([]service.ArchiveSheet, 0, len(req.Sheets))
	for _, sheet := range req.Sheets {
		data, err := base64.StdEncoding.DecodeString(sheet.Data)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("sheet %s: %v", sheet.Name, err)})
			return
		}
		sheets = append(sheets, service.ArchiveSheet{Name: sheet.Name, Data: data})
	}

	result, err := a.svc.ImportArchive(r.Context(), sheets, req.DefaultAccount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *api) listAmountRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.svc.ListAmountRules(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (a *api) createAmountRule(w http.ResponseWriter, r *http.Request) {
	var rule model.AmountRule
	if err := decode(r, &rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := a.svc.CreateAmountRule(r.Context(), &rule); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (a *api) deleteAmountRule(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteAmountRule(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listMerchantMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := a.svc.ListMerchantMappings(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mappings)
}

func (a *api) createMerchantMapping(w http.ResponseWriter, r *http.Request) {
	var mapping model.MerchantMapping
	if err := decode(r, &mapping); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := a.svc.CreateMerchantMapping(r.Context(), &mapping); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapping)
}

func (a *api) listDeletions(w http.ResponseWriter, r *http.Request) {
	records, err := a.svc.ListDeletions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *api) restoreDeletion(w http.ResponseWriter, r *http.Request) {
	txn, err := a.svc.RestoreDeletion(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (a *api) purgeDeletion(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.PurgeDeletion(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) spendingByCategory(w http.ResponseWriter, r *http.Request) {
	start, end, err := dateRange(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rows, err := a.svc.SpendingByCategory(r.Context(), start, end)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *api) cashFlow(w http.ResponseWriter, r *http.Request) {
	start, end, err := dateRange(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	periods, err := a.svc.CashFlow(r.Context(), start, end)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, periods)
}

func (a *api) recurringGrid(w http.ResponseWriter, r *http.Request) {
	start, end, err := dateRange(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	cells, err := a.svc.RecurringGrid(r.Context(), start, end)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cells)
}

// dateRange reads start/end query params, defaulting to the trailing 90
// days.
func dateRange(r *http.Request) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -90)

	if v := r.URL.Query().Get("start"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("start: %w", err)
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("end: %w", err)
		}
		end = t
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end %s is before start %s", end.Format("2006-01-02"), start.Format("2006-01-02"))
	}
	return start, end, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad date %q, want YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}
