package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/castlemilk/ledgerd/internal/model"
	"github.com/castlemilk/ledgerd/internal/store"
)

// cashFlowPeriodDays is the bucket width of the cash-flow view, matching a
// biweekly pay cycle.
const cashFlowPeriodDays = 14

// CategorySpend is one row of the spending-by-category view.
type CategorySpend struct {
	CategoryID  string `json:"category_id"`
	Key         string `json:"key"`
	Label       string `json:"label"`
	ParentID    string `json:"parent_id,omitempty"`
	Color       string `json:"color,omitempty"`
	AmountCents int64  `json:"amount_cents"`
	Count       int    `json:"count"`
}

// CashFlowPeriod is one bucket of the cash-flow view.
type CashFlowPeriod struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	IncomeCents  int64     `json:"income_cents"`
	ExpenseCents int64     `json:"expense_cents"`
	NetCents     int64     `json:"net_cents"`
}

// RecurringCell is one month's spend against one recurring category.
type RecurringCell struct {
	Month       string `json:"month"` // YYYY-MM
	CategoryID  string `json:"category_id"`
	Key         string `json:"key"`
	Label       string `json:"label"`
	AmountCents int64  `json:"amount_cents"`
}

// SpendingByCategory aggregates finalized expenses per category over a date
// range. Transfer categories and their children are excluded so internal
// money movement never shows up as spending. Income rows (negative cents)
// are excluded.
func (s *LedgerService) SpendingByCategory(ctx context.Context, start, end time.Time) ([]CategorySpend, error) {
	cacheKey := fmt.Sprintf("spend:%d:%d", start.Unix(), end.Unix())
	if v, ok := s.cache.get(cacheKey); ok {
		return v.([]CategorySpend), nil
	}

	_, byID, excluded, err := s.categoryIndex(ctx)
	if err != nil {
		return nil, err
	}
	txns, err := s.finalizedRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]*CategorySpend)
	for _, txn := range txns {
		if txn.AmountCents <= 0 || excluded[txn.CategoryID] {
			continue
		}
		row, ok := totals[txn.CategoryID]
		if !ok {
			cat := byID[txn.CategoryID]
			if cat == nil {
				continue
			}
			row = &CategorySpend{
				CategoryID: cat.ID,
				Key:        cat.Key,
				Label:      cat.Label,
				ParentID:   cat.ParentID,
				Color:      cat.Color,
			}
			totals[txn.CategoryID] = row
		}
		row.AmountCents += txn.AmountCents
		row.Count++
	}

	out := make([]CategorySpend, 0, len(totals))
	for _, row := range totals {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AmountCents != out[j].AmountCents {
			return out[i].AmountCents > out[j].AmountCents
		}
		return out[i].Key < out[j].Key
	})
	s.cache.put(cacheKey, out)
	return out, nil
}

// CashFlow buckets finalized income and expenses into two-week periods
// anchored on the range start. Transfer categories are excluded from both
// sides.
func (s *LedgerService) CashFlow(ctx context.Context, start, end time.Time) ([]CashFlowPeriod, error) {
	cacheKey := fmt.Sprintf("cashflow:%d:%d", start.Unix(), end.Unix())
	if v, ok := s.cache.get(cacheKey); ok {
		return v.([]CashFlowPeriod), nil
	}

	_, _, excluded, err := s.categoryIndex(ctx)
	if err != nil {
		return nil, err
	}
	txns, err := s.finalizedRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	period := time.Duration(cashFlowPeriodDays) * 24 * time.Hour
	var periods []CashFlowPeriod
	for cursor := start; cursor.Before(end); cursor = cursor.Add(period) {
		pEnd := cursor.Add(period)
		if pEnd.After(end) {
			pEnd = end
		}
		periods = append(periods, CashFlowPeriod{Start: cursor, End: pEnd})
	}

	for _, txn := range txns {
		if excluded[txn.CategoryID] {
			continue
		}
		idx := int(txn.Date.Sub(start) / period)
		if idx < 0 || idx >= len(periods) {
			continue
		}
		if txn.AmountCents < 0 {
			periods[idx].IncomeCents += -txn.AmountCents
		} else {
			periods[idx].ExpenseCents += txn.AmountCents
		}
	}
	for i := range periods {
		periods[i].NetCents = periods[i].IncomeCents - periods[i].ExpenseCents
	}
	s.cache.put(cacheKey, periods)
	return periods, nil
}

// RecurringGrid produces the month-by-category matrix for categories marked
// recurring, for trend-spotting subscription creep.
func (s *LedgerService) RecurringGrid(ctx context.Context, start, end time.Time) ([]RecurringCell, error) {
	cacheKey := fmt.Sprintf("recurring:%d:%d", start.Unix(), end.Unix())
	if v, ok := s.cache.get(cacheKey); ok {
		return v.([]RecurringCell), nil
	}

	categories, byID, excluded, err := s.categoryIndex(ctx)
	if err != nil {
		return nil, err
	}
	recurring := make(map[string]bool)
	for _, cat := range categories {
		if cat.IsRecurring {
			recurring[cat.ID] = true
		}
	}

	txns, err := s.finalizedRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	cells := make(map[string]*RecurringCell)
	for _, txn := range txns {
		if txn.AmountCents <= 0 || excluded[txn.CategoryID] || !recurring[txn.CategoryID] {
			continue
		}
		month := txn.Date.Format("2006-01")
		key := month + "/" + txn.CategoryID
		cell, ok := cells[key]
		if !ok {
			cat := byID[txn.CategoryID]
			cell = &RecurringCell{
				Month:      month,
				CategoryID: cat.ID,
				Key:        cat.Key,
				Label:      cat.Label,
			}
			cells[key] = cell
		}
		cell.AmountCents += txn.AmountCents
	}

	out := make([]RecurringCell, 0, len(cells))
	for _, cell := range cells {
		out = append(out, *cell)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Month != out[j].Month {
			return out[i].Month < out[j].Month
		}
		return out[i].Key < out[j].Key
	})
	s.cache.put(cacheKey, out)
	return out, nil
}

func (s *LedgerService) finalizedRange(ctx context.Context, start, end time.Time) ([]*model.Transaction, error) {
	return s.store.ListTransactions(ctx, store.TransactionFilter{
		Status:    model.StatusFinalized,
		StartDate: start,
		EndDate:   end,
	})
}

// categoryIndex loads all categories plus the excluded-ID set: every
// transfer-key category and, recursively, its children.
func (s *LedgerService) categoryIndex(ctx context.Context) ([]*model.Category, map[string]*model.Category, map[string]bool, error) {
	categories, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	byID := make(map[string]*model.Category, len(categories))
	for _, cat := range categories {
		byID[cat.ID] = cat
	}

	excluded := make(map[string]bool)
	for _, cat := range categories {
		for _, key := range s.transferKeys {
			if cat.Key == key {
				excluded[cat.ID] = true
			}
		}
	}
	// Children of excluded categories are excluded too. The taxonomy is at
	// most two deep, so one pass covers it.
	for _, cat := range categories {
		if cat.ParentID != "" && excluded[cat.ParentID] {
			excluded[cat.ID] = true
		}
	}
	return categories, byID, excluded, nil
}
