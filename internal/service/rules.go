package service

import (
	"context"
	"fmt"

	"github.com/castlemilk/ledgerd/internal/categorize"
	"github.com/castlemilk/ledgerd/internal/model"
)

// CreateAmountRule validates and stores a Tier-1 amount rule.
func (s *LedgerService) CreateAmountRule(ctx context.Context, rule *model.AmountRule) error {
	if rule.Pattern == "" {
		return fmt.Errorf("amount rule pattern is required")
	}
	if rule.ToleranceCents < 0 {
		return fmt.Errorf("tolerance must be >= 0, got %d", rule.ToleranceCents)
	}
	if _, err := s.store.GetCategory(ctx, rule.CategoryID); err != nil {
		return fmt.Errorf("amount rule category: %w", err)
	}
	return s.store.CreateAmountRule(ctx, rule)
}

func (s *LedgerService) DeleteAmountRule(ctx context.Context, id string) error {
	return s.store.DeleteAmountRule(ctx, id)
}

func (s *LedgerService) ListAmountRules(ctx context.Context) ([]*model.AmountRule, error) {
	return s.store.ListAmountRules(ctx)
}

// CreateMerchantMapping stores a manually-entered Tier-2 mapping. The
// pattern must compile if it carries regex metacharacters; confidence
// defaults to 1 so a hand-entered mapping still needs review until it earns
// auto-accept through confirmations.
func (s *LedgerService) CreateMerchantMapping(ctx context.Context, mapping *model.MerchantMapping) error {
	if err := categorize.ValidatePattern(mapping.Pattern); err != nil {
		return err
	}
	if _, err := s.store.GetCategory(ctx, mapping.CategoryID); err != nil {
		return fmt.Errorf("merchant mapping category: %w", err)
	}
	if mapping.Confidence == 0 {
		mapping.Confidence = 1
	}
	return s.store.UpsertMerchantMapping(ctx, mapping)
}

func (s *LedgerService) ListMerchantMappings(ctx context.Context) ([]*model.MerchantMapping, error) {
	return s.store.ListMerchantMappings(ctx)
}
