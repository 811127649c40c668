package categorize

import (
	"strings"

	"github.com/castlemilk/ledgerd/internal/model"
)

// normalizeKey lowercases and strips everything but letters and digits, so
// "Streaming / HBO" and "streaming_hbo" compare equal.
func normalizeKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// matchCategory resolves a model answer to a known category. Strategies in
// order: exact key match, normalized key match, then a substring pass in
// both directions for answers like "streaming (hbo max)". Returns nil when
// nothing matches; the caller treats that as no verdict.
func matchCategory(categories []*model.Category, answer string) *model.Category {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil
	}

	for _, c := range categories {
		if strings.EqualFold(c.Key, answer) {
			return c
		}
	}

	norm := normalizeKey(answer)
	if norm == "" {
		return nil
	}
	for _, c := range categories {
		if normalizeKey(c.Key) == norm {
			return c
		}
	}

	var best *model.Category
	for _, c := range categories {
		ck := normalizeKey(c.Key)
		if strings.Contains(norm, ck) || strings.Contains(ck, norm) {
			// Prefer the longest key so "groceries" beats "g".
			if best == nil || len(ck) > len(normalizeKey(best.Key)) {
				best = c
			}
		}
	}
	return best
}
