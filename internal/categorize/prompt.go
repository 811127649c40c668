package categorize

import (
	"fmt"
	"strings"

	"github.com/castlemilk/ledgerd/internal/model"
)

// maxPromptExamples caps the few-shot history included in the prompt.
const maxPromptExamples = 50

// buildPrompt assembles the Tier-3 classification prompt: the category
// taxonomy (keys with parent context), recently confirmed history as
// few-shot examples, and the transaction to classify. The model is asked
// for a single category key, nothing else.
func buildPrompt(categories []*model.Category, examples []example, description string, amountCents int64) string {
	byID := make(map[string]*model.Category, len(categories))
	for _, c := range categories {
		byID[c.ID] = c
	}

	var cats strings.Builder
	for _, c := range categories {
		parent := "top-level"
		if c.ParentID != "" {
			if p, ok := byID[c.ParentID]; ok {
				parent = p.Label
			}
		}
		fmt.Fprintf(&cats, "- %s (%s)\n", c.Key, parent)
	}

	var hist strings.Builder
	n := len(examples)
	if n > maxPromptExamples {
		n = maxPromptExamples
	}
	for _, ex := range examples[:n] {
		fmt.Fprintf(&hist, "%q $%s -> %s\n", ex.Description, model.Dollars(ex.AmountCents), ex.CategoryKey)
	}

	return fmt.Sprintf(`You are a personal finance categorization assistant. Given a bank transaction description and amount, classify it into one of the user's categories.

VALID CATEGORIES:
%s
EXAMPLES FROM THIS USER'S HISTORY:
%s
TRANSACTION TO CLASSIFY:
Description: %q
Amount: $%s

Respond with ONLY the category key, nothing else. If unsure, respond with your best guess.`,
		cats.String(), hist.String(), description, model.Dollars(amountCents))
}

// example is one confirmed transaction used as few-shot history.
type example struct {
	Description string
	AmountCents int64
	CategoryKey string
}
