package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/castlemilk/ledgerd/internal/bankfeed"
	"github.com/castlemilk/ledgerd/internal/logger"
	"github.com/castlemilk/ledgerd/internal/model"
	"github.com/castlemilk/ledgerd/internal/store"
)

// maxSyncRetries bounds cursor-reset retries after the provider mutates the
// feed mid-pagination.
const maxSyncRetries = 3

// archiveMergeWindow is how far an archive-imported date may drift from the
// provider's posted date and still describe the same transaction.
const archiveMergeWindow = 2 * 24 * time.Hour

var errNoProvider = errors.New("no bank feed provider configured")

// LinkAccount exchanges a provider public token and attaches the resulting
// credential to the account. The access token is sealed before storage.
func (s *LedgerService) LinkAccount(ctx context.Context, accountID, publicToken string) (*model.Account, error) {
	if s.provider == nil || s.sealer == nil {
		return nil, errNoProvider
	}
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	res, err := s.provider.Exchange(ctx, publicToken)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	sealed, err := s.sealer.Seal(res.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("sealing credential: %w", err)
	}

	account.FeedItemID = res.ItemID
	account.FeedCredential = sealed
	account.FeedAccountID = res.FeedAccountID
	account.FeedCursor = ""
	account.FeedStatus = model.FeedConnected
	account.LastSyncError = ""
	if err := s.store.UpdateAccount(ctx, account); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("account", account.Name).
		Str("item_id", res.ItemID).
		Msg("bank feed linked")
	return account, nil
}

// SyncAccount pulls all pending feed pages for one account. The cursor is
// persisted after every successful page, so a mid-sync failure resumes from
// the last good page instead of refetching history. A SyncLog is written
// whether the sync succeeds or fails.
func (s *LedgerService) SyncAccount(ctx context.Context, accountID string) (*model.SyncLog, error) {
	if s.provider == nil || s.sealer == nil {
		return nil, errNoProvider
	}
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.FeedCredential == "" {
		return nil, fmt.Errorf("account %s has no bank feed linked", account.Name)
	}

	syncLog := &model.SyncLog{
		AccountID: account.ID,
		StartedAt: time.Now().UTC(),
	}
	syncErr := s.runSync(ctx, account, syncLog)
	syncLog.FinishedAt = time.Now().UTC()
	if syncErr != nil {
		syncLog.Err = syncErr.Error()
		account.LastSyncError = syncErr.Error()
	} else {
		account.FeedStatus = model.FeedConnected
		account.LastSyncedAt = syncLog.FinishedAt
		account.LastSyncError = ""
	}
	if err := s.store.UpdateAccount(ctx, account); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("account", account.Name).Msg("persisting sync state")
	}
	if err := s.store.CreateSyncLog(ctx, syncLog); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("writing sync log")
	}
	if syncErr != nil {
		return syncLog, syncErr
	}
	s.cache.invalidate()
	return syncLog, nil
}

// runSync drives the cursor loop and mutates account/syncLog in place. The
// caller persists both.
func (s *LedgerService) runSync(ctx context.Context, account *model.Account, syncLog *model.SyncLog) error {
	log := logger.FromContext(ctx)

	accessToken, err := s.sealer.Open(account.FeedCredential)
	if err != nil {
		return fmt.Errorf("unsealing credential: %w", err)
	}

	cursor := account.FeedCursor
	lastGood := cursor
	retries := 0

	for {
		page, err := s.provider.Sync(ctx, accessToken, account.FeedAccountID, cursor)
		if err != nil {
			if bankfeed.IsLoginRequired(err) {
				account.FeedStatus = model.FeedLoginRequired
				return fmt.Errorf("bank login expired: %w", err)
			}
			// The provider invalidated in-flight pagination; restart from
			// the last cursor it acknowledged.
			if bankfeed.IsPaginationMutation(err) && retries < maxSyncRetries {
				retries++
				cursor = lastGood
				log.Warn().Int("retry", retries).Msg("feed mutated during pagination, restarting from last cursor")
				continue
			}
			return err
		}

		if err := s.applySyncPage(ctx, account, page, syncLog); err != nil {
			return err
		}

		cursor = page.NextCursor
		lastGood = cursor
		account.FeedCursor = cursor
		if err := s.store.UpdateAccount(ctx, account); err != nil {
			return fmt.Errorf("persisting cursor: %w", err)
		}

		if !page.HasMore {
			break
		}
	}

	log.Info().
		Str("account", account.Name).
		Int("added", syncLog.Added).
		Int("modified", syncLog.Modified).
		Int("removed", syncLog.Removed).
		Msg("sync complete")
	return nil
}

func (s *LedgerService) applySyncPage(ctx context.Context, account *model.Account, page *bankfeed.SyncPage, syncLog *model.SyncLog) error {
	for _, ft := range page.Added {
		created, err := s.applyFeedAdd(ctx, account, ft)
		if err != nil {
			return err
		}
		if created {
			syncLog.Added++
		}
	}
	for _, ft := range page.Modified {
		if err := s.applyFeedModify(ctx, ft); err != nil {
			return err
		}
		syncLog.Modified++
	}
	for _, externalID := range page.Removed {
		if err := s.applyFeedRemove(ctx, externalID); err != nil {
			return err
		}
		syncLog.Removed++
	}
	return nil
}

// applyFeedAdd handles one added feed transaction. Pending rows are skipped
// outright; their amounts and descriptions change when they post and the
// posted row arrives as a fresh add. When a posted row names the pending row
// it replaces, the stored pending record (if any) is retired first, carrying
// its category decisions over.
func (s *LedgerService) applyFeedAdd(ctx context.Context, account *model.Account, ft bankfeed.FeedTransaction) (bool, error) {
	if ft.Pending {
		return false, nil
	}
	if _, err := s.store.GetTransactionByExternalID(ctx, ft.ExternalID); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	txn := &model.Transaction{
		AccountID:   account.ID,
		ExternalID:  ft.ExternalID,
		Date:        ft.Date,
		Description: ft.Description,
		Merchant:    ft.Merchant,
		AmountCents: ft.AmountCents,
		Origin:      model.OriginBankSync,
	}

	if ft.PendingExternalID != "" {
		prior, err := s.store.GetTransactionByExternalID(ctx, ft.PendingExternalID)
		switch {
		case err == nil:
			txn.CategoryID = prior.CategoryID
			txn.PredictedCategoryID = prior.PredictedCategoryID
			txn.Status = prior.Status
			txn.Tier = prior.Tier
			txn.Confidence = prior.Confidence
			if err := s.store.DeleteTransaction(ctx, prior.ID); err != nil {
				return false, err
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			return false, err
		}
	}

	if txn.Status == "" {
		// Archive imports may already hold this transaction, keyed by
		// amount and an approximate date. Adopt instead of duplicating.
		merged, err := s.mergeIntoArchive(ctx, account, ft)
		if err != nil {
			return false, err
		}
		if merged {
			return false, nil
		}
		s.applyVerdict(ctx, txn)
	}

	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// mergeIntoArchive looks for an archive-imported transaction describing the
// same money movement: same account and amount, date within the merge
// window, not yet claimed by a feed record. On a hit the archive record
// adopts the feed identity and exact date; its curated category stands.
func (s *LedgerService) mergeIntoArchive(ctx context.Context, account *model.Account, ft bankfeed.FeedTransaction) (bool, error) {
	candidates, err := s.store.ListTransactions(ctx, store.TransactionFilter{
		AccountID: account.ID,
		Origin:    model.OriginArchiveImport,
		StartDate: ft.Date.Add(-archiveMergeWindow),
		EndDate:   ft.Date.Add(archiveMergeWindow),
	})
	if err != nil {
		return false, err
	}
	for _, candidate := range candidates {
		if candidate.ExternalID != "" || candidate.AmountCents != ft.AmountCents {
			continue
		}
		candidate.ExternalID = ft.ExternalID
		candidate.Date = ft.Date
		if candidate.Merchant == "" || candidate.Merchant == candidate.Description {
			candidate.Merchant = ft.Merchant
		}
		if err := s.store.UpdateTransaction(ctx, candidate); err != nil {
			return false, err
		}
		log := logger.FromContext(ctx)
		log.Debug().
			Str("external_id", ft.ExternalID).
			Str("transaction", candidate.ID).
			Msg("feed transaction merged into archive record")
		return true, nil
	}
	return false, nil
}

func (s *LedgerService) applyFeedModify(ctx context.Context, ft bankfeed.FeedTransaction) error {
	txn, err := s.store.GetTransactionByExternalID(ctx, ft.ExternalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	txn.Date = ft.Date
	txn.Description = ft.Description
	if ft.Merchant != "" {
		txn.Merchant = ft.Merchant
	}
	txn.AmountCents = ft.AmountCents
	txn.Pending = ft.Pending
	return s.store.UpdateTransaction(ctx, txn)
}

func (s *LedgerService) applyFeedRemove(ctx context.Context, externalID string) error {
	txn, err := s.store.GetTransactionByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.store.DeleteTransaction(ctx, txn.ID)
}

// SyncAll syncs every linked account. One account's failure does not stop
// the others; the per-account SyncLogs carry the outcomes.
func (s *LedgerService) SyncAll(ctx context.Context) ([]*model.SyncLog, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	var logs []*model.SyncLog
	for _, account := range accounts {
		if account.FeedCredential == "" {
			continue
		}
		syncLog, err := s.SyncAccount(ctx, account.ID)
		if err != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(err).Str("account", account.Name).Msg("sync failed")
		}
		if syncLog != nil {
			logs = append(logs, syncLog)
		}
	}
	return logs, nil
}
