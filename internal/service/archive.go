package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/castlemilk/ledgerd/internal/logger"
	"github.com/castlemilk/ledgerd/internal/model"
	"github.com/castlemilk/ledgerd/internal/store"
	"github.com/castlemilk/ledgerd/internal/tabular"
)

// Account resolution maps for the curated archive files. Keys are the
// lowercased values found in Account columns and sheet names over the
// years.
var archiveInstitutions = map[string]string{
	"discover":             "discover",
	"wells_fargo":          "wellsfargo",
	"wells_fargo_checking": "wellsfargo",
	"wellsfargo":           "wellsfargo",
	"wells fargo":          "wellsfargo",
	"sofi_checking":        "sofi",
	"sofi checking":        "sofi",
	"sofi_savings":         "sofi",
	"sofi savings":         "sofi",
	"sofi":                 "sofi",
	"care_credit":          "care_credit",
	"care credit":          "care_credit",
	"carecredit":           "care_credit",
	"best_buy":             "best_buy",
	"best buy":             "best_buy",
	"bestbuy":              "best_buy",
	"amex":                 "amex",
	"american_express":     "amex",
	"american express":     "amex",
}

var archiveAccountTypes = map[string]model.AccountType{
	"discover":             model.AccountCredit,
	"wells_fargo":          model.AccountChecking,
	"wells_fargo_checking": model.AccountChecking,
	"wellsfargo":           model.AccountChecking,
	"wells fargo":          model.AccountChecking,
	"sofi_checking":        model.AccountChecking,
	"sofi checking":        model.AccountChecking,
	"sofi_savings":         model.AccountSavings,
	"sofi savings":         model.AccountSavings,
	"care_credit":          model.AccountCredit,
	"care credit":          model.AccountCredit,
	"carecredit":           model.AccountCredit,
	"best_buy":             model.AccountCredit,
	"best buy":             model.AccountCredit,
	"bestbuy":              model.AccountCredit,
	"amex":                 model.AccountCredit,
	"american_express":     model.AccountCredit,
	"american express":     model.AccountCredit,
}

// signFlipInstitutions invert the default account-type sign rule. Amex
// exports bank-style signs (negative = purchase) despite being a credit
// card.
var signFlipInstitutions = map[string]bool{
	"amex": true,
}

// legacyParentMap translates the 2021-era secondary-category labels to
// current top-level category labels.
var legacyParentMap = map[string]string{
	"savings, investing, & debt": "Payment_and_Interest",
	"recreation & entertainment": "Recreation_Entertainment",
	"health & wellness":          "Medical",
	"food & drink":               "Food",
	"food":                       "Food",
	"transportation":             "Transportation",
	"housing":                    "Housing",
	"home":                       "Housing",
	"utilities":                  "Utilities",
	"personal spending":          "Personal_Spending",
	"income":                     "Income",
	"misc":                       "Misc",
	"miscellaneus":               "Misc",
	"miscellaneous":              "Misc",
	"people":                     "People",
	"government":                 "Government",
	"insurance":                  "Insurance",
	"travel":                     "Travel",
	"medical & healthcare":       "Medical",
	"medical":                    "Medical",
}

// legacyKeyMap translates old specific-category labels to current keys.
var legacyKeyMap = map[string]string{
	"streaming services":             "subscriptions",
	"resteraunts":                    "restaurant",
	"conveinence store":              "conv_store",
	"home maintenance":               "home_supplies",
	"office supplies":                "desk_supplies",
	"walmart/target run":             "walmart_target",
	"personal debt":                  "student_loan",
	"sporting events":                "live_event",
	"study material (pre nationwide)": "learning",
	"gifts/donations":                "gift",
	"hobbies":                        "misc_other",
	"merchandise":                    "purchases",
	"securities":                     "investment",
	"self care":                      "self_care",
	"eye care":                       "vision",
	"maintenance":                    "car",
	"family activities":              "family",
	"clothes":                        "clothing",
	"electricity":                    "electric",
	"credit":                         "credit_card_payment",
	"video games":                    "video_games",
	"home supplies":                  "home_supplies",
}

// archiveSkipSheets are workbook sheets that hold summaries, plans and
// scratch work rather than transaction rows.
var archiveSkipSheets = map[string]bool{
	"summary": true, "account": true, "cat sum": true, "people summary": true,
	"short desc summary": true, "reoccuring": true, "reoccurring": true,
	"the plan": true, "subscriptions": true, "cash flow": true,
	"waterfall": true, "debts": true, "avidia deposits": true,
	"categories - wip": true, "personal budget - wip": true, "budget": true,
	"accounts": true, "category summary": true, "sheet1": true,
	"june plan": true, "student loan amort": true, "lasik": true,
	"hsa": true, "fidelity": true, "vincent": true, "detailed summary": true,
	"personal spending": true, "transportation": true, "groceries": true,
	"europe": true, "count_check": true, "repayment plan": true,
	"discover account": true, "june trips": true, "categories": true,
	"check": true, "loan schedule": true,
}

var accountDisplayNames = map[string]string{
	"care_credit": "Care Credit",
	"best_buy":    "Best Buy",
	"amex":        "American Express",
	"discover":    "Discover",
	"wellsfargo":  "Wells Fargo",
	"sofi":        "SoFi",
}

var titleCaser = cases.Title(language.AmericanEnglish)

func accountDisplayName(institution string, accountType model.AccountType) string {
	display, ok := accountDisplayNames[institution]
	if !ok {
		display = titleCaser.String(strings.ReplaceAll(institution, "_", " "))
	}
	switch accountType {
	case model.AccountCredit:
		return display + " Card"
	case model.AccountSavings:
		return display + " Savings"
	default:
		return display + " Checking"
	}
}

// ArchiveSheet is one workbook sheet exported as CSV.
type ArchiveSheet struct {
	Name string
	Data []byte
}

// ArchiveResult extends the common reconciler result with archive-specific
// counters.
type ArchiveResult struct {
	Result
	CategoriesCreated int `json:"categories_created"`
	SkippedBalance    int `json:"skipped_balance"`
}

// ImportArchive ingests curated archive sheets in two passes. Pass 1 scans
// every sheet for category-key/parent pairs and pre-creates missing
// categories, so pass 2 can never fail midway on an unknown key. Pass 2
// ingests rows: labeled rows are finalized directly (years of curation
// count as confirmation), unlabeled rows go to review.
func (s *LedgerService) ImportArchive(ctx context.Context, sheets []ArchiveSheet, defaultAccount string) (*ArchiveResult, error) {
	log := logger.FromContext(ctx)
	result := &ArchiveResult{}

	created, err := s.ensureArchiveCategories(ctx, sheets)
	if err != nil {
		return nil, fmt.Errorf("archive category scan: %w", err)
	}
	result.CategoriesCreated = created

	for _, sheet := range sheets {
		if archiveSkipSheets[strings.ToLower(strings.TrimSpace(sheet.Name))] {
			continue
		}
		tbl, err := tabular.Read(bytes.NewReader(sheet.Data))
		if err != nil {
			log.Debug().Str("sheet", sheet.Name).Err(err).Msg("skipping sheet")
			continue
		}

		account := guessAccountFromSheet(sheet.Name)
		if account == "" {
			account = defaultAccount
		}
		partial := s.importArchiveTable(ctx, tbl, account)
		result.Result.merge(&partial.Result)
		result.SkippedBalance += partial.SkippedBalance
		log.Info().
			Str("sheet", sheet.Name).
			Int("imported", partial.Imported).
			Int("duplicates", partial.SkippedDuplicate).
			Int("uncategorized", partial.Uncategorized).
			Msg("archive sheet imported")
	}
	return result, nil
}

// ensureArchiveCategories is pass 1: collect key/parent pairs across all
// sheets (legacy labels translated) and create what is missing.
func (s *LedgerService) ensureArchiveCategories(ctx context.Context, sheets []ArchiveSheet) (int, error) {
	pairs := make(map[string]string)
	for _, sheet := range sheets {
		if archiveSkipSheets[strings.ToLower(strings.TrimSpace(sheet.Name))] {
			continue
		}
		tbl, err := tabular.Read(bytes.NewReader(sheet.Data))
		if err != nil {
			continue
		}
		if !tbl.HasField(tabular.FieldShortDesc) {
			continue
		}
		for _, row := range tbl.Rows {
			key := translateLegacyKey(tbl.Field(row, tabular.FieldShortDesc))
			if key == "" || key == "balance" {
				continue
			}
			parent := tbl.Field(row, tabular.FieldCategory2)
			if mapped, ok := legacyParentMap[strings.ToLower(parent)]; ok {
				parent = mapped
			}
			if parent == "" {
				if _, seen := pairs[key]; seen {
					continue
				}
				parent = "Misc"
			}
			pairs[key] = parent
		}
	}

	created := 0
	for key, parentLabel := range pairs {
		if _, err := s.store.GetCategoryByKey(ctx, key); err == nil {
			continue
		}
		parent, err := s.ensureParentCategory(ctx, parentLabel)
		if err != nil {
			return created, err
		}
		cat := &model.Category{
			Key:      key,
			Label:    titleCaser.String(strings.ReplaceAll(key, "_", " ")),
			ParentID: parent.ID,
		}
		if err := s.store.CreateCategory(ctx, cat); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return created, err
		}
		created++
	}
	return created, nil
}

func (s *LedgerService) ensureParentCategory(ctx context.Context, label string) (*model.Category, error) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(label), " ", "_"))
	if cat, err := s.store.GetCategoryByKey(ctx, key); err == nil {
		return cat, nil
	}
	cat := &model.Category{
		Key:   key,
		Label: strings.ReplaceAll(label, "_", " "),
		Color: "#AEB6BF",
	}
	if err := s.store.CreateCategory(ctx, cat); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return s.store.GetCategoryByKey(ctx, key)
		}
		return nil, err
	}
	return cat, nil
}

// importArchiveTable is pass 2 for one sheet.
func (s *LedgerService) importArchiveTable(ctx context.Context, tbl *tabular.Table, defaultAccount string) *ArchiveResult {
	result := &ArchiveResult{}

	for i, row := range tbl.Rows {
		record := fmt.Sprintf("row %d", i+1)

		date, ok := tabular.ParseDate(tbl.Field(row, tabular.FieldDate))
		if !ok {
			continue
		}
		description := tbl.Field(row, tabular.FieldDescription)
		if description == "" {
			description = tbl.Field(row, tabular.FieldDescription2)
		}
		if description == "" {
			continue
		}

		// WF 2022 exports absolute values in Amount; Debit_Amount keeps
		// the sign, so it wins when both exist.
		amountStr := tbl.Field(row, tabular.FieldDebitAmount)
		if amountStr == "" {
			amountStr = tbl.Field(row, tabular.FieldAmount)
		}
		amount, err := decimal.NewFromString(strings.ReplaceAll(amountStr, ",", ""))
		if err != nil {
			result.Errors = append(result.Errors, RecordError{Record: record, Reason: "bad amount: " + amountStr})
			continue
		}
		amountCents := model.CentsFromDecimal(amount)

		accountName := tbl.Field(row, tabular.FieldAccount)
		if accountName == "" {
			accountName = defaultAccount
		}
		account, err := s.resolveArchiveAccount(ctx, accountName)
		if err != nil {
			result.Errors = append(result.Errors, RecordError{Record: record, Reason: err.Error()})
			continue
		}

		if flipArchiveSign(account) {
			amountCents = -amountCents
		}

		key := translateLegacyKey(tbl.Field(row, tabular.FieldShortDesc))
		if key == "balance" || (strings.EqualFold(description, "balance") && amountCents > 0) {
			result.SkippedBalance++
			continue
		}
		// Credit-card payment rows in the curated files are transfers
		// between the user's own accounts.
		if key == "payment" && strings.HasPrefix(strings.ToLower(description), "internet payment") {
			result.SkippedBalance++
			continue
		}

		categoryID := s.resolveArchiveCategory(ctx, tbl, row, key)

		if _, err := s.store.FindDuplicate(ctx, account.ID, date, description, amountCents); err == nil {
			result.SkippedDuplicate++
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			result.Errors = append(result.Errors, RecordError{Record: record, Reason: err.Error()})
			continue
		}

		txn := &model.Transaction{
			AccountID:   account.ID,
			Date:        date,
			Description: description,
			Merchant:    description,
			AmountCents: amountCents,
			Origin:      model.OriginArchiveImport,
		}
		if categoryID != "" {
			// Curated labels are years of already-reviewed history; they
			// finalize directly instead of re-entering review.
			txn.CategoryID = categoryID
			txn.PredictedCategoryID = categoryID
			txn.Status = model.StatusFinalized
		} else {
			s.applyVerdict(ctx, txn)
			if txn.CategoryID == "" && txn.PredictedCategoryID == "" {
				result.Uncategorized++
			}
		}

		if err := s.store.CreateTransaction(ctx, txn); err != nil {
			result.Errors = append(result.Errors, RecordError{Record: record, Reason: err.Error()})
			continue
		}
		result.Imported++
	}
	return result
}

// resolveArchiveCategory tries short_desc, then category_2, then the 2021
// specific-category column.
func (s *LedgerService) resolveArchiveCategory(ctx context.Context, tbl *tabular.Table, row []string, key string) string {
	if key != "" {
		if cat, err := s.store.GetCategoryByKey(ctx, key); err == nil {
			return cat.ID
		}
	}
	if c2 := tbl.Field(row, tabular.FieldCategory2); c2 != "" {
		c2Key := strings.ToLower(strings.ReplaceAll(c2, " ", "_"))
		if cat, err := s.store.GetCategoryByKey(ctx, c2Key); err == nil {
			return cat.ID
		}
	}
	if sc := translateLegacyKey(tbl.Field(row, tabular.FieldSpecificCategory)); sc != "" {
		if cat, err := s.store.GetCategoryByKey(ctx, sc); err == nil {
			return cat.ID
		}
	}
	return ""
}

func (s *LedgerService) resolveArchiveAccount(ctx context.Context, name string) (*model.Account, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	institution, ok := archiveInstitutions[key]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", name)
	}
	accountType, ok := archiveAccountTypes[key]
	if !ok {
		accountType = model.AccountCredit
	}
	return s.ensureAccount(ctx, institution, accountType)
}

// flipArchiveSign applies the sign-normalization rule: bank-native sources
// (checking/savings) export positive = deposit and need flipping; credit
// cards already match, except the named exceptions.
func flipArchiveSign(account *model.Account) bool {
	if account.Type == model.AccountChecking || account.Type == model.AccountSavings {
		return true
	}
	return signFlipInstitutions[account.Institution]
}

func translateLegacyKey(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if mapped, ok := legacyKeyMap[key]; ok {
		return mapped
	}
	return key
}

func guessAccountFromSheet(name string) string {
	sn := strings.ToLower(name)
	switch {
	case strings.Contains(sn, "discover") && !strings.Contains(sn, "account"):
		return "discover"
	case strings.Contains(sn, "wells") || strings.Contains(sn, "wf"):
		return "wellsfargo"
	case strings.Contains(sn, "sofi") && strings.Contains(sn, "check"):
		return "sofi_checking"
	case strings.Contains(sn, "sofi") && strings.Contains(sn, "sav"):
		return "sofi_savings"
	case strings.Contains(sn, "care") && strings.Contains(sn, "credit"):
		return "care_credit"
	case strings.Contains(sn, "best") && strings.Contains(sn, "buy"):
		return "best_buy"
	case strings.Contains(sn, "amex"), strings.Contains(sn, "american") && strings.Contains(sn, "express"):
		return "amex"
	}
	return ""
}

// ArchiveFile is one importable file found by ScanArchiveFolder.
type ArchiveFile struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Year     int    `json:"year"`
	Folder   string `json:"folder"`
}

// ScanArchiveFolder lists importable sheet exports under base: CSV files
// inside year-named subdirectories of Archive/ and YTD_downloads/.
func ScanArchiveFolder(base string) ([]ArchiveFile, error) {
	var files []ArchiveFile
	for _, sub := range []string{"Archive", "YTD_downloads"} {
		dir := filepath.Join(base, sub)
		yearDirs, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", dir, err)
		}
		for _, yd := range yearDirs {
			if !yd.IsDir() {
				continue
			}
			year := 0
			if _, err := fmt.Sscanf(yd.Name(), "%d", &year); err != nil || year < 1900 {
				continue
			}
			entries, err := os.ReadDir(filepath.Join(dir, yd.Name()))
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", yd.Name(), err)
			}
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".csv") {
					continue
				}
				files = append(files, ArchiveFile{
					Path:     filepath.Join(dir, yd.Name(), e.Name()),
					Filename: e.Name(),
					Year:     year,
					Folder:   filepath.Join(sub, yd.Name()),
				})
			}
		}
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Year != files[j].Year {
			return files[i].Year < files[j].Year
		}
		return files[i].Filename < files[j].Filename
	})
	return files, nil
}
