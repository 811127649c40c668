package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/castlemilk/ledgerd/internal/model"
)

// FirestoreStore implements the Store interface using Firestore.
//
// Uniqueness constraints (category key, merchant pattern, external
// transaction ID) are modeled as deterministic document IDs in side
// collections, so concurrent writers racing on the same key collide on the
// same document instead of creating duplicates.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore creates a new Firestore-backed store.
func NewFirestoreStore(client *firestore.Client) Store {
	return &FirestoreStore{client: client}
}

const (
	colCategories       = "categories"
	colAccounts         = "accounts"
	colTransactions     = "transactions"
	colAmountRules      = "amount_rules"
	colMerchantMappings = "merchant_mappings"
	colDeletionRecords  = "deletion_records"
	colSyncLogs         = "sync_logs"
	colCategoryKeys     = "category_keys"
	colExternalIDs      = "transaction_external_ids"
)

// keyDocID encodes an arbitrary uniqueness key as a Firestore document ID.
// Patterns and external IDs can contain "/", which is a path separator in
// document names.
func keyDocID(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// Category operations

func (s *FirestoreStore) CreateCategory(ctx context.Context, category *model.Category) error {
	if category.Key == "" {
		return fmt.Errorf("category key is required")
	}
	if category.ID == "" {
		category.ID = uuid.New().String()
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}
	if category.ParentID != "" {
		parent, err := s.GetCategory(ctx, category.ParentID)
		if err != nil {
			return fmt.Errorf("parent category %s: %w", category.ParentID, err)
		}
		if parent.ParentID != "" {
			return fmt.Errorf("category %q: parent %q is not top-level", category.Key, parent.Key)
		}
	}

	// The key-claim document enforces case-insensitive key uniqueness.
	keyRef := s.client.Collection(colCategoryKeys).Doc(keyDocID(strings.ToLower(category.Key)))
	catRef := s.client.Collection(colCategories).Doc(category.ID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(keyRef); err == nil {
			return fmt.Errorf("category key %q: %w", category.Key, ErrConflict)
		} else if !isNotFound(err) {
			return err
		}
		if err := tx.Set(keyRef, map[string]any{"CategoryID": category.ID}); err != nil {
			return err
		}
		return tx.Set(catRef, category)
	})
	if err != nil {
		return fmt.Errorf("create category: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	doc, err := s.client.Collection(colCategories).Doc(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("category %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get category: %w", err)
	}
	var c model.Category
	if err := doc.DataTo(&c); err != nil {
		return nil, fmt.Errorf("parse category: %w", err)
	}
	return &c, nil
}

func (s *FirestoreStore) GetCategoryByKey(ctx context.Context, key string) (*model.Category, error) {
	doc, err := s.client.Collection(colCategoryKeys).Doc(keyDocID(strings.ToLower(key))).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("category key %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get category key: %w", err)
	}
	id, _ := doc.Data()["CategoryID"].(string)
	return s.GetCategory(ctx, id)
}

func (s *FirestoreStore) UpdateCategory(ctx context.Context, category *model.Category) error {
	existing, err := s.GetCategory(ctx, category.ID)
	if err != nil {
		return err
	}
	if category.Key != existing.Key {
		return fmt.Errorf("category %s: key is immutable", category.ID)
	}
	if category.ParentID != "" {
		parent, err := s.GetCategory(ctx, category.ParentID)
		if err != nil {
			return fmt.Errorf("parent category %s: %w", category.ParentID, err)
		}
		if parent.ParentID != "" {
			return fmt.Errorf("category %q: parent %q is not top-level", category.Key, parent.Key)
		}
	}
	_, err = s.client.Collection(colCategories).Doc(category.ID).Set(ctx, category)
	if err != nil {
		return fmt.Errorf("update category: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ListCategories(ctx context.Context) ([]*model.Category, error) {
	docs, err := s.client.Collection(colCategories).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	var out []*model.Category
	for _, doc := range docs {
		var c model.Category
		if err := doc.DataTo(&c); err != nil {
			continue
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Account operations

func (s *FirestoreStore) CreateAccount(ctx context.Context, account *model.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	if account.FeedStatus == "" {
		account.FeedStatus = model.FeedDisconnected
	}
	_, err := s.client.Collection(colAccounts).Doc(account.ID).Set(ctx, account)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	doc, err := s.client.Collection(colAccounts).Doc(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	var a model.Account
	if err := doc.DataTo(&a); err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	return &a, nil
}

func (s *FirestoreStore) UpdateAccount(ctx context.Context, account *model.Account) error {
	if _, err := s.GetAccount(ctx, account.ID); err != nil {
		return err
	}
	_, err := s.client.Collection(colAccounts).Doc(account.ID).Set(ctx, account)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	docs, err := s.client.Collection(colAccounts).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	var out []*model.Account
	for _, doc := range docs {
		var a model.Account
		if err := doc.DataTo(&a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FirestoreStore) FindAccount(ctx context.Context, institution string, accountType model.AccountType) (*model.Account, error) {
	docs, err := s.client.Collection(colAccounts).
		Where("Institution", "==", institution).
		Where("Type", "==", string(accountType)).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("account %s/%s: %w", institution, accountType, ErrNotFound)
	}
	var a model.Account
	if err := docs[0].DataTo(&a); err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	return &a, nil
}

// Transaction operations

func (s *FirestoreStore) CreateTransaction(ctx context.Context, txn *model.Transaction) error {
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	if txn.Status == "" {
		txn.Status = model.StatusNeedsReview
	}
	txnRef := s.client.Collection(colTransactions).Doc(txn.ID)
	if txn.ExternalID == "" {
		if _, err := txnRef.Set(ctx, txn); err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		return nil
	}

	// Claim the external ID and write the transaction atomically.
	extRef := s.client.Collection(colExternalIDs).Doc(keyDocID(txn.ExternalID))
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(extRef); err == nil {
			return fmt.Errorf("external id %s: %w", txn.ExternalID, ErrConflict)
		} else if !isNotFound(err) {
			return err
		}
		if err := tx.Set(extRef, map[string]any{"TransactionID": txn.ID}); err != nil {
			return err
		}
		return tx.Set(txnRef, txn)
	})
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	doc, err := s.client.Collection(colTransactions).Doc(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	var t model.Transaction
	if err := doc.DataTo(&t); err != nil {
		return nil, fmt.Errorf("parse transaction: %w", err)
	}
	return &t, nil
}

func (s *FirestoreStore) UpdateTransaction(ctx context.Context, txn *model.Transaction) error {
	prior, err := s.GetTransaction(ctx, txn.ID)
	if err != nil {
		return err
	}
	// An update may attach an external ID to a record created without one
	// (archive merge). Claim it so later feed adds see the record.
	if txn.ExternalID != "" && prior.ExternalID != txn.ExternalID {
		extRef := s.client.Collection(colExternalIDs).Doc(keyDocID(txn.ExternalID))
		if _, err := extRef.Set(ctx, map[string]any{"TransactionID": txn.ID}); err != nil {
			return fmt.Errorf("claim external id: %w", err)
		}
	}
	if _, err := s.client.Collection(colTransactions).Doc(txn.ID).Set(ctx, txn); err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return nil
}

func (s *FirestoreStore) DeleteTransaction(ctx context.Context, id string) error {
	txn, err := s.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if txn.ExternalID != "" {
		extRef := s.client.Collection(colExternalIDs).Doc(keyDocID(txn.ExternalID))
		if _, err := extRef.Delete(ctx); err != nil && !isNotFound(err) {
			return fmt.Errorf("release external id: %w", err)
		}
	}
	if _, err := s.client.Collection(colTransactions).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*model.Transaction, error) {
	query := s.client.Collection(colTransactions).Query
	if filter.Status != "" {
		query = query.Where("Status", "==", string(filter.Status))
	}
	if filter.AccountID != "" {
		query = query.Where("AccountID", "==", filter.AccountID)
	}
	query = query.OrderBy("Date", firestore.Desc)

	// Remaining clauses (date range, category sets, search) post-filter in
	// memory so the query never needs a composite index per combination.
	var out []*model.Transaction
	it := query.Documents(ctx)
	defer it.Stop()
	skipped := 0
	for {
		doc, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list transactions: %w", err)
		}
		var t model.Transaction
		if err := doc.DataTo(&t); err != nil {
			continue
		}
		if !matchesFilter(&t, filter) {
			continue
		}
		if filter.Offset > 0 && skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, &t)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *FirestoreStore) GetTransactionByExternalID(ctx context.Context, externalID string) (*model.Transaction, error) {
	doc, err := s.client.Collection(colExternalIDs).Doc(keyDocID(externalID)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("external id %s: %w", externalID, ErrNotFound)
		}
		return nil, fmt.Errorf("get external id: %w", err)
	}
	id, _ := doc.Data()["TransactionID"].(string)
	return s.GetTransaction(ctx, id)
}

func (s *FirestoreStore) FindDuplicate(ctx context.Context, accountID string, date time.Time, description string, amountCents int64) (*model.Transaction, error) {
	day := DateKey(date)
	docs, err := s.client.Collection(colTransactions).
		Where("AccountID", "==", accountID).
		Where("Date", ">=", day).
		Where("Date", "<", day.AddDate(0, 0, 1)).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("find duplicate: %w", err)
	}
	for _, doc := range docs {
		var t model.Transaction
		if err := doc.DataTo(&t); err != nil {
			continue
		}
		if t.Description == description && t.AmountCents == amountCents {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("duplicate probe: %w", ErrNotFound)
}

// AmountRule operations

func (s *FirestoreStore) CreateAmountRule(ctx context.Context, rule *model.AmountRule) error {
	if rule.ToleranceCents < 0 {
		return fmt.Errorf("amount rule tolerance must be >= 0")
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	_, err := s.client.Collection(colAmountRules).Doc(rule.ID).Set(ctx, rule)
	if err != nil {
		return fmt.Errorf("create amount rule: %w", err)
	}
	return nil
}

func (s *FirestoreStore) DeleteAmountRule(ctx context.Context, id string) error {
	doc := s.client.Collection(colAmountRules).Doc(id)
	if _, err := doc.Get(ctx); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("amount rule %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("get amount rule: %w", err)
	}
	if _, err := doc.Delete(ctx); err != nil {
		return fmt.Errorf("delete amount rule: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ListAmountRules(ctx context.Context) ([]*model.AmountRule, error) {
	docs, err := s.client.Collection(colAmountRules).
		OrderBy("CreatedAt", firestore.Asc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("list amount rules: %w", err)
	}
	var out []*model.AmountRule
	for _, doc := range docs {
		var r model.AmountRule
		if err := doc.DataTo(&r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MerchantMapping operations

func (s *FirestoreStore) GetMerchantMapping(ctx context.Context, pattern string) (*model.MerchantMapping, error) {
	doc, err := s.client.Collection(colMerchantMappings).Doc(keyDocID(model.NormalizePattern(pattern))).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("merchant mapping %s: %w", pattern, ErrNotFound)
		}
		return nil, fmt.Errorf("get merchant mapping: %w", err)
	}
	var mm model.MerchantMapping
	if err := doc.DataTo(&mm); err != nil {
		return nil, fmt.Errorf("parse merchant mapping: %w", err)
	}
	return &mm, nil
}

func (s *FirestoreStore) ListMerchantMappings(ctx context.Context) ([]*model.MerchantMapping, error) {
	docs, err := s.client.Collection(colMerchantMappings).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("list merchant mappings: %w", err)
	}
	var out []*model.MerchantMapping
	for _, doc := range docs {
		var mm model.MerchantMapping
		if err := doc.DataTo(&mm); err != nil {
			continue
		}
		out = append(out, &mm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out, nil
}

// UpsertMerchantMapping writes a mapping under a document ID derived from
// its pattern, so two concurrent first-confirmations of the same merchant
// collide on the same document instead of creating duplicates.
func (s *FirestoreStore) UpsertMerchantMapping(ctx context.Context, mapping *model.MerchantMapping) error {
	if mapping.Pattern == "" {
		return fmt.Errorf("merchant mapping pattern is required")
	}
	if mapping.Confidence < 1 {
		return fmt.Errorf("merchant mapping confidence must be >= 1")
	}
	mapping.Pattern = model.NormalizePattern(mapping.Pattern)
	ref := s.client.Collection(colMerchantMappings).Doc(keyDocID(mapping.Pattern))
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err == nil {
			var existing model.MerchantMapping
			if err := doc.DataTo(&existing); err == nil {
				mapping.ID = existing.ID
				mapping.CreatedAt = existing.CreatedAt
			}
		} else if !isNotFound(err) {
			return err
		}
		if mapping.ID == "" {
			mapping.ID = uuid.New().String()
		}
		if mapping.CreatedAt.IsZero() {
			mapping.CreatedAt = time.Now().UTC()
		}
		mapping.UpdatedAt = time.Now().UTC()
		return tx.Set(ref, mapping)
	})
	if err != nil {
		return fmt.Errorf("upsert merchant mapping: %w", err)
	}
	return nil
}

// DeletionRecord operations

func (s *FirestoreStore) CreateDeletionRecord(ctx context.Context, record *model.DeletionRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.DeletedAt.IsZero() {
		record.DeletedAt = time.Now().UTC()
	}
	_, err := s.client.Collection(colDeletionRecords).Doc(record.ID).Set(ctx, record)
	if err != nil {
		return fmt.Errorf("create deletion record: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetDeletionRecord(ctx context.Context, id string) (*model.DeletionRecord, error) {
	doc, err := s.client.Collection(colDeletionRecords).Doc(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("deletion record %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get deletion record: %w", err)
	}
	var r model.DeletionRecord
	if err := doc.DataTo(&r); err != nil {
		return nil, fmt.Errorf("parse deletion record: %w", err)
	}
	return &r, nil
}

func (s *FirestoreStore) ListDeletionRecords(ctx context.Context) ([]*model.DeletionRecord, error) {
	docs, err := s.client.Collection(colDeletionRecords).
		OrderBy("DeletedAt", firestore.Desc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("list deletion records: %w", err)
	}
	var out []*model.DeletionRecord
	for _, doc := range docs {
		var r model.DeletionRecord
		if err := doc.DataTo(&r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

func (s *FirestoreStore) PurgeDeletionRecord(ctx context.Context, id string) error {
	doc := s.client.Collection(colDeletionRecords).Doc(id)
	if _, err := doc.Get(ctx); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("deletion record %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("get deletion record: %w", err)
	}
	if _, err := doc.Delete(ctx); err != nil {
		return fmt.Errorf("purge deletion record: %w", err)
	}
	return nil
}

// SyncLog operations

func (s *FirestoreStore) CreateSyncLog(ctx context.Context, log *model.SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	_, err := s.client.Collection(colSyncLogs).Doc(log.ID).Set(ctx, log)
	if err != nil {
		return fmt.Errorf("create sync log: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ListSyncLogs(ctx context.Context, accountID string, limit int) ([]*model.SyncLog, error) {
	query := s.client.Collection(colSyncLogs).Query
	if accountID != "" {
		query = query.Where("AccountID", "==", accountID)
	}
	query = query.OrderBy("StartedAt", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	var out []*model.SyncLog
	for _, doc := range docs {
		var l model.SyncLog
		if err := doc.DataTo(&l); err != nil {
			continue
		}
		out = append(out, &l)
	}
	return out, nil
}
