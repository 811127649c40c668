package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/castlemilk/ledgerd/internal/bankcsv"
	"github.com/castlemilk/ledgerd/internal/categorize"
	"github.com/castlemilk/ledgerd/internal/logger"
	"github.com/castlemilk/ledgerd/internal/model"
	"github.com/castlemilk/ledgerd/internal/store"
)

// ImportCSV ingests one institution CSV export against one account. An
// empty format triggers auto-detection; when that fails the caller must
// supply an explicit format from Formats().
func (s *LedgerService) ImportCSV(ctx context.Context, filename string, data []byte, format string) (*Result, error) {
	log := logger.FromContext(ctx)

	if format == "" {
		detected, err := bankcsv.Detect(data)
		if err != nil {
			return nil, fmt.Errorf("auto-detect %s: %w (specify one of: %s)",
				filename, err, strings.Join(s.parsers.Formats(), ", "))
		}
		format = detected
	}
	parser := s.parsers.Get(format)
	if parser == nil {
		return nil, fmt.Errorf("unknown format %q (one of: %s)", format, strings.Join(s.parsers.Formats(), ", "))
	}

	account, err := s.ensureAccount(ctx, parser.Institution(), parser.AccountType())
	if err != nil {
		return nil, err
	}

	rows, err := parser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	result := s.ingestRows(ctx, account, rows, model.OriginCSVImport)
	log.Info().
		Str("file", filename).
		Str("format", format).
		Int("imported", result.Imported).
		Int("duplicates", result.SkippedDuplicate).
		Msg("csv import complete")
	return result, nil
}

// Formats lists the supported CSV formats.
func (s *LedgerService) Formats() []string {
	return s.parsers.Formats()
}

// ingestRows is the shared reconciler core: dedup, categorize, create.
// Parsers have already normalized signs, so rows arrive positive = expense.
func (s *LedgerService) ingestRows(ctx context.Context, account *model.Account, rows []bankcsv.Row, origin model.Origin) *Result {
	log := logger.FromContext(ctx)
	result := &Result{}

	for i, row := range rows {
		_, err := s.store.FindDuplicate(ctx, account.ID, row.Date, row.Description, row.AmountCents)
		if err == nil {
			result.SkippedDuplicate++
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			result.Errors = append(result.Errors, RecordError{
				Record: fmt.Sprintf("row %d", i+1),
				Reason: err.Error(),
			})
			continue
		}

		txn := &model.Transaction{
			AccountID:   account.ID,
			Date:        row.Date,
			Description: row.Description,
			Merchant:    row.Merchant,
			AmountCents: row.AmountCents,
			Origin:      origin,
		}
		s.applyVerdict(ctx, txn)

		if err := s.store.CreateTransaction(ctx, txn); err != nil {
			result.Errors = append(result.Errors, RecordError{
				Record: fmt.Sprintf("row %d", i+1),
				Reason: err.Error(),
			})
			continue
		}
		result.Imported++
		if txn.CategoryID == "" && txn.PredictedCategoryID == "" {
			result.Uncategorized++
		}
		if result.Imported%ingestBatchSize == 0 {
			log.Debug().Int("imported", result.Imported).Msg("ingest progress")
		}
	}
	return result
}

// applyVerdict runs the cascade and writes its outcome onto a new
// transaction. Auto-accepted verdicts land in staged with the category
// pre-filled, never straight in finalized; everything else needs review.
// Cascade failure degrades to an unmatched needs_review transaction.
func (s *LedgerService) applyVerdict(ctx context.Context, txn *model.Transaction) {
	txn.Status = model.StatusNeedsReview

	v, err := s.categorizer.Categorize(ctx, txn.Description, txn.AmountCents)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("description", txn.Description).Msg("categorize failed")
		return
	}

	if !v.Matched() {
		txn.Tier = model.TierUnmatched
		return
	}

	txn.Tier = v.Tier
	txn.Confidence = v.Confidence
	txn.PredictedCategoryID = v.CategoryID
	if v.Status == categorize.AutoAccept {
		txn.CategoryID = v.CategoryID
		txn.Status = model.StatusStaged
	}
}

// ensureAccount finds the account for an institution/type pair, creating
// it on first use.
func (s *LedgerService) ensureAccount(ctx context.Context, institution string, accountType model.AccountType) (*model.Account, error) {
	account, err := s.store.FindAccount(ctx, institution, accountType)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	account = &model.Account{
		Name:        accountDisplayName(institution, accountType),
		Institution: institution,
		Type:        accountType,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("auto-create account %s/%s: %w", institution, accountType, err)
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("account", account.Name).
		Str("institution", institution).
		Msg("auto-created account")
	return account, nil
}
