// Package categorize implements the three-tier categorization cascade:
// amount rules, merchant mappings, then AI classification. Once a
// transaction matches at any tier, processing stops.
package categorize

import (
	"context"
	"strings"
	"sync"

	"github.com/castlemilk/ledgerd/internal/logger"
	"github.com/castlemilk/ledgerd/internal/model"
	"github.com/castlemilk/ledgerd/internal/store"
)

// AutoAcceptThreshold is the merchant-mapping confidence needed for a
// Tier-2 verdict to be auto-accepted.
const AutoAcceptThreshold = 3

// Decision is the review disposition of a verdict.
type Decision string

const (
	AutoAccept  Decision = "auto_accept"
	NeedsReview Decision = "needs_review"
)

// Verdict is the outcome of one cascade run. CategoryID empty means no tier
// matched; callers mark such transactions Tier "unmatched" so batch re-runs
// skip the AI call.
type Verdict struct {
	CategoryID string
	Tier       model.Tier
	Status     Decision
	Confidence float64
}

// Matched reports whether any tier produced a category.
func (v Verdict) Matched() bool {
	return v.CategoryID != ""
}

// Categorizer runs the cascade against the rule store. A nil Completer
// disables Tier 3.
type Categorizer struct {
	store     store.Store
	completer Completer
	threshold int
	retryCfg  RetryConfig

	// patterns memoizes compiled merchant patterns by their stored raw
	// text, so each pattern is resolved once per process, not once per
	// transaction.
	mu       sync.RWMutex
	patterns map[string]Pattern
}

// New creates a Categorizer with the default auto-accept threshold.
func New(s store.Store, completer Completer) *Categorizer {
	return &Categorizer{
		store:     s,
		completer: completer,
		threshold: AutoAcceptThreshold,
		retryCfg:  DefaultAIRetryConfig,
		patterns:  make(map[string]Pattern),
	}
}

// compiled returns the memoized Pattern for a raw merchant pattern. The
// cache is keyed by the stored text, which is immutable for a mapping's
// lifetime (a category change rewrites the mapping, not the pattern).
func (c *Categorizer) compiled(raw string) Pattern {
	c.mu.RLock()
	p, ok := c.patterns[raw]
	c.mu.RUnlock()
	if ok {
		return p
	}
	p = CompilePattern(raw)
	c.mu.Lock()
	c.patterns[raw] = p
	c.mu.Unlock()
	return p
}

// Categorize runs a description/amount pair through the priority cascade.
// Tier errors other than storage failures degrade to no-match; ingestion
// must never fail because classification did.
func (c *Categorizer) Categorize(ctx context.Context, description string, amountCents int64) (Verdict, error) {
	log := logger.FromContext(ctx)
	descUpper := strings.ToUpper(strings.TrimSpace(description))

	v, err := c.checkAmountRules(ctx, descUpper, amountCents)
	if err != nil {
		return Verdict{}, err
	}
	if v.Matched() {
		log.Debug().Str("description", description).Str("tier", string(v.Tier)).Msg("amount rule match")
		return v, nil
	}

	v, err = c.checkMerchantMappings(ctx, descUpper)
	if err != nil {
		return Verdict{}, err
	}
	if v.Matched() {
		log.Debug().Str("description", description).Float64("confidence", v.Confidence).Msg("merchant mapping match")
		return v, nil
	}

	if c.completer != nil {
		v = c.classifyWithAI(ctx, description, amountCents)
		if v.Matched() {
			log.Debug().Str("description", description).Str("category", v.CategoryID).Msg("ai match")
			return v, nil
		}
	}

	return Verdict{Status: NeedsReview}, nil
}

// checkAmountRules is Tier 1: substring pattern plus amount-with-tolerance.
// Rules are evaluated in insertion order and the first match wins, so the
// oldest rule is the documented tie-break.
func (c *Categorizer) checkAmountRules(ctx context.Context, descUpper string, amountCents int64) (Verdict, error) {
	rules, err := c.store.ListAmountRules(ctx)
	if err != nil {
		return Verdict{}, err
	}
	for _, rule := range rules {
		if !strings.Contains(descUpper, strings.ToUpper(rule.Pattern)) {
			continue
		}
		if !rule.Matches(amountCents) {
			continue
		}
		return Verdict{
			CategoryID: rule.CategoryID,
			Tier:       model.TierAmountRule,
			Status:     AutoAccept,
			Confidence: 1.0,
		}, nil
	}
	return Verdict{}, nil
}

// checkMerchantMappings is Tier 2. All mappings are tried and the longest
// matching pattern string wins (most specific). Auto-accept requires the
// mapping's confidence counter to have reached the threshold.
func (c *Categorizer) checkMerchantMappings(ctx context.Context, descUpper string) (Verdict, error) {
	mappings, err := c.store.ListMerchantMappings(ctx)
	if err != nil {
		return Verdict{}, err
	}

	var best *model.MerchantMapping
	bestLen := 0
	for _, mm := range mappings {
		p := c.compiled(mm.Pattern)
		if !p.Matches(descUpper) {
			continue
		}
		if len(mm.Pattern) > bestLen {
			best = mm
			bestLen = len(mm.Pattern)
		}
	}
	if best == nil {
		return Verdict{}, nil
	}

	status := NeedsReview
	if best.Confidence >= c.threshold {
		status = AutoAccept
	}
	conf := float64(best.Confidence) / float64(c.threshold)
	if conf > 1.0 {
		conf = 1.0
	}
	return Verdict{
		CategoryID: best.CategoryID,
		Tier:       model.TierMerchantMap,
		Status:     status,
		Confidence: conf,
	}, nil
}

// classifyWithAI is Tier 3. Every failure path (prompt assembly, the API
// call, an unrecognizable answer) degrades to no-match.
func (c *Categorizer) classifyWithAI(ctx context.Context, description string, amountCents int64) Verdict {
	log := logger.FromContext(ctx)

	categories, err := c.store.ListCategories(ctx)
	if err != nil || len(categories) == 0 {
		return Verdict{}
	}
	examples, err := c.recentExamples(ctx, categories)
	if err != nil {
		examples = nil
	}

	prompt := buildPrompt(categories, examples, description, amountCents)
	answer, err := WithRetry(ctx, c.retryCfg, func(ctx context.Context) (string, error) {
		return c.completer.Complete(ctx, prompt)
	})
	if err != nil {
		log.Warn().Err(err).Str("description", description).Msg("ai categorization failed")
		return Verdict{}
	}

	cat := matchCategory(categories, answer)
	if cat == nil {
		log.Warn().Str("answer", answer).Msg("ai answer did not resolve to a category")
		return Verdict{}
	}
	return Verdict{
		CategoryID: cat.ID,
		Tier:       model.TierAI,
		Status:     NeedsReview, // AI predictions always need review
		Confidence: 0.7,
	}
}

// recentExamples pulls up to 50 recently finalized transactions as few-shot
// history for the prompt.
func (c *Categorizer) recentExamples(ctx context.Context, categories []*model.Category) ([]example, error) {
	byID := make(map[string]*model.Category, len(categories))
	for _, cat := range categories {
		byID[cat.ID] = cat
	}
	txns, err := c.store.ListTransactions(ctx, store.TransactionFilter{
		Status: model.StatusFinalized,
		Limit:  maxPromptExamples,
	})
	if err != nil {
		return nil, err
	}
	var out []example
	for _, t := range txns {
		cat, ok := byID[t.CategoryID]
		if !ok {
			continue
		}
		out = append(out, example{
			Description: t.Description,
			AmountCents: t.AmountCents,
			CategoryKey: cat.Key,
		})
	}
	return out, nil
}
