package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castlemilk/ledgerd/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for local
// development and as the storage double in service tests.
type MemoryStore struct {
	mu sync.RWMutex

	categories       map[string]*model.Category
	accounts         map[string]*model.Account
	transactions     map[string]*model.Transaction
	amountRules      map[string]*model.AmountRule
	merchantMappings map[string]*model.MerchantMapping // keyed by pattern
	deletionRecords  map[string]*model.DeletionRecord
	syncLogs         []*model.SyncLog
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		categories:       make(map[string]*model.Category),
		accounts:         make(map[string]*model.Account),
		transactions:     make(map[string]*model.Transaction),
		amountRules:      make(map[string]*model.AmountRule),
		merchantMappings: make(map[string]*model.MerchantMapping),
		deletionRecords:  make(map[string]*model.DeletionRecord),
	}
}

// Category operations

func (m *MemoryStore) CreateCategory(ctx context.Context, category *model.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if category.Key == "" {
		return fmt.Errorf("category key is required")
	}
	for _, c := range m.categories {
		if strings.EqualFold(c.Key, category.Key) {
			return fmt.Errorf("category key %q: %w", category.Key, ErrConflict)
		}
	}
	if category.ParentID != "" {
		parent, ok := m.categories[category.ParentID]
		if !ok {
			return fmt.Errorf("parent category %s: %w", category.ParentID, ErrNotFound)
		}
		if parent.ParentID != "" {
			return fmt.Errorf("category %q: parent %q is not top-level", category.Key, parent.Key)
		}
	}
	if category.ID == "" {
		category.ID = uuid.New().String()
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}
	m.categories[category.ID] = cloneCategory(category)
	return nil
}

func (m *MemoryStore) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[id]
	if !ok {
		return nil, fmt.Errorf("category %s: %w", id, ErrNotFound)
	}
	return cloneCategory(c), nil
}

func (m *MemoryStore) GetCategoryByKey(ctx context.Context, key string) (*model.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.categories {
		if strings.EqualFold(c.Key, key) {
			return cloneCategory(c), nil
		}
	}
	return nil, fmt.Errorf("category key %s: %w", key, ErrNotFound)
}

func (m *MemoryStore) UpdateCategory(ctx context.Context, category *model.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.categories[category.ID]
	if !ok {
		return fmt.Errorf("category %s: %w", category.ID, ErrNotFound)
	}
	// Key is immutable once assigned.
	if category.Key != existing.Key {
		return fmt.Errorf("category %s: key is immutable", category.ID)
	}
	if category.ParentID != "" {
		parent, ok := m.categories[category.ParentID]
		if !ok {
			return fmt.Errorf("parent category %s: %w", category.ParentID, ErrNotFound)
		}
		if parent.ParentID != "" {
			return fmt.Errorf("category %q: parent %q is not top-level", category.Key, parent.Key)
		}
	}
	m.categories[category.ID] = cloneCategory(category)
	return nil
}

func (m *MemoryStore) ListCategories(ctx context.Context) ([]*model.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Category, 0, len(m.categories))
	for _, c := range m.categories {
		out = append(out, cloneCategory(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Account operations

func (m *MemoryStore) CreateAccount(ctx context.Context, account *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	if account.FeedStatus == "" {
		account.FeedStatus = model.FeedDisconnected
	}
	m.accounts[account.ID] = cloneAccount(account)
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return cloneAccount(a), nil
}

func (m *MemoryStore) UpdateAccount(ctx context.Context, account *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.ID]; !ok {
		return fmt.Errorf("account %s: %w", account.ID, ErrNotFound)
	}
	m.accounts[account.ID] = cloneAccount(account)
	return nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, cloneAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) FindAccount(ctx context.Context, institution string, accountType model.AccountType) (*model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if a.Institution == institution && a.Type == accountType {
			return cloneAccount(a), nil
		}
	}
	return nil, fmt.Errorf("account %s/%s: %w", institution, accountType, ErrNotFound)
}

// Transaction operations

func (m *MemoryStore) CreateTransaction(ctx context.Context, txn *model.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txn.ExternalID != "" {
		for _, t := range m.transactions {
			if t.ExternalID == txn.ExternalID {
				return fmt.Errorf("external id %s: %w", txn.ExternalID, ErrConflict)
			}
		}
	}
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	if txn.Status == "" {
		txn.Status = model.StatusNeedsReview
	}
	m.transactions[txn.ID] = cloneTransaction(txn)
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return cloneTransaction(t), nil
}

func (m *MemoryStore) UpdateTransaction(ctx context.Context, txn *model.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[txn.ID]; !ok {
		return fmt.Errorf("transaction %s: %w", txn.ID, ErrNotFound)
	}
	m.transactions[txn.ID] = cloneTransaction(txn)
	return nil
}

func (m *MemoryStore) DeleteTransaction(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[id]; !ok {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	delete(m.transactions, id)
	return nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Transaction
	for _, t := range m.transactions {
		if matchesFilter(t, filter) {
			out = append(out, cloneTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) GetTransactionByExternalID(ctx context.Context, externalID string) (*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transactions {
		if t.ExternalID != "" && t.ExternalID == externalID {
			return cloneTransaction(t), nil
		}
	}
	return nil, fmt.Errorf("external id %s: %w", externalID, ErrNotFound)
}

func (m *MemoryStore) FindDuplicate(ctx context.Context, accountID string, date time.Time, description string, amountCents int64) (*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	day := DateKey(date)
	for _, t := range m.transactions {
		if t.AccountID == accountID &&
			DateKey(t.Date).Equal(day) &&
			t.Description == description &&
			t.AmountCents == amountCents {
			return cloneTransaction(t), nil
		}
	}
	return nil, fmt.Errorf("duplicate probe: %w", ErrNotFound)
}

// AmountRule operations

func (m *MemoryStore) CreateAmountRule(ctx context.Context, rule *model.AmountRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rule.ToleranceCents < 0 {
		return fmt.Errorf("amount rule tolerance must be >= 0")
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	m.amountRules[rule.ID] = cloneAmountRule(rule)
	return nil
}

func (m *MemoryStore) DeleteAmountRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.amountRules[id]; !ok {
		return fmt.Errorf("amount rule %s: %w", id, ErrNotFound)
	}
	delete(m.amountRules, id)
	return nil
}

func (m *MemoryStore) ListAmountRules(ctx context.Context) ([]*model.AmountRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.AmountRule, 0, len(m.amountRules))
	for _, r := range m.amountRules {
		out = append(out, cloneAmountRule(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MerchantMapping operations

func (m *MemoryStore) GetMerchantMapping(ctx context.Context, pattern string) (*model.MerchantMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm, ok := m.merchantMappings[model.NormalizePattern(pattern)]
	if !ok {
		return nil, fmt.Errorf("merchant mapping %s: %w", pattern, ErrNotFound)
	}
	return cloneMerchantMapping(mm), nil
}

func (m *MemoryStore) ListMerchantMappings(ctx context.Context) ([]*model.MerchantMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.MerchantMapping, 0, len(m.merchantMappings))
	for _, mm := range m.merchantMappings {
		out = append(out, cloneMerchantMapping(mm))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out, nil
}

func (m *MemoryStore) UpsertMerchantMapping(ctx context.Context, mapping *model.MerchantMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mapping.Pattern == "" {
		return fmt.Errorf("merchant mapping pattern is required")
	}
	if mapping.Confidence < 1 {
		return fmt.Errorf("merchant mapping confidence must be >= 1")
	}
	key := model.NormalizePattern(mapping.Pattern)
	mapping.Pattern = key
	if existing, ok := m.merchantMappings[key]; ok {
		mapping.ID = existing.ID
		mapping.CreatedAt = existing.CreatedAt
	}
	if mapping.ID == "" {
		mapping.ID = uuid.New().String()
	}
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = time.Now().UTC()
	}
	mapping.UpdatedAt = time.Now().UTC()
	m.merchantMappings[key] = cloneMerchantMapping(mapping)
	return nil
}

// DeletionRecord operations

func (m *MemoryStore) CreateDeletionRecord(ctx context.Context, record *model.DeletionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.DeletedAt.IsZero() {
		record.DeletedAt = time.Now().UTC()
	}
	m.deletionRecords[record.ID] = cloneDeletionRecord(record)
	return nil
}

func (m *MemoryStore) GetDeletionRecord(ctx context.Context, id string) (*model.DeletionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.deletionRecords[id]
	if !ok {
		return nil, fmt.Errorf("deletion record %s: %w", id, ErrNotFound)
	}
	return cloneDeletionRecord(r), nil
}

func (m *MemoryStore) ListDeletionRecords(ctx context.Context) ([]*model.DeletionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.DeletionRecord, 0, len(m.deletionRecords))
	for _, r := range m.deletionRecords {
		out = append(out, cloneDeletionRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.After(out[j].DeletedAt) })
	return out, nil
}

func (m *MemoryStore) PurgeDeletionRecord(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deletionRecords[id]; !ok {
		return fmt.Errorf("deletion record %s: %w", id, ErrNotFound)
	}
	delete(m.deletionRecords, id)
	return nil
}

// SyncLog operations

func (m *MemoryStore) CreateSyncLog(ctx context.Context, log *model.SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	m.syncLogs = append(m.syncLogs, cloneSyncLog(log))
	return nil
}

func (m *MemoryStore) ListSyncLogs(ctx context.Context, accountID string, limit int) ([]*model.SyncLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.SyncLog
	for _, l := range m.syncLogs {
		if accountID == "" || l.AccountID == accountID {
			out = append(out, cloneSyncLog(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Clone helpers keep callers from mutating stored records through shared
// pointers.

func cloneCategory(c *model.Category) *model.Category {
	cp := *c
	return &cp
}

func cloneAccount(a *model.Account) *model.Account {
	cp := *a
	return &cp
}

func cloneTransaction(t *model.Transaction) *model.Transaction {
	cp := *t
	return &cp
}

func cloneAmountRule(r *model.AmountRule) *model.AmountRule {
	cp := *r
	return &cp
}

func cloneMerchantMapping(m *model.MerchantMapping) *model.MerchantMapping {
	cp := *m
	return &cp
}

func cloneDeletionRecord(r *model.DeletionRecord) *model.DeletionRecord {
	cp := *r
	return &cp
}

func cloneSyncLog(l *model.SyncLog) *model.SyncLog {
	cp := *l
	return &cp
}
