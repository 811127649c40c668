package categorize

import (
	"regexp"
	"strings"
)

// patternKind tells the matcher how to apply a merchant pattern. The variant
// is decided once when the pattern is compiled, not per transaction.
type patternKind int

const (
	kindLiteral patternKind = iota
	kindRegex
)

// Pattern is a merchant pattern compiled for matching against uppercased
// descriptions. Patterns without regex metacharacters, and patterns that do
// not compile, match as literal substrings.
type Pattern struct {
	Raw  string
	kind patternKind
	re   *regexp.Regexp
}

var regexMeta = ".*+?()[]{}|^$\\"

func hasRegexMeta(s string) bool {
	return strings.ContainsAny(s, regexMeta)
}

// CompilePattern resolves a stored merchant pattern into its matching
// variant. Raw is uppercased so literal matching works against uppercased
// descriptions; regex patterns get (?i) instead, since uppercasing a regex
// would mangle escapes like \d.
func CompilePattern(raw string) Pattern {
	if hasRegexMeta(raw) {
		if re, err := regexp.Compile("(?i)" + raw); err == nil {
			return Pattern{Raw: raw, kind: kindRegex, re: re}
		}
	}
	return Pattern{Raw: strings.ToUpper(raw), kind: kindLiteral}
}

// ValidatePattern rejects patterns that look like a regex but do not
// compile. Called at mapping creation so a typo fails fast instead of
// silently degrading to a substring that will never match.
func ValidatePattern(raw string) error {
	if !hasRegexMeta(raw) {
		return nil
	}
	_, err := regexp.Compile("(?i)" + raw)
	return err
}

// Matches reports whether the pattern matches an uppercased description.
func (p Pattern) Matches(descUpper string) bool {
	if p.kind == kindRegex {
		return p.re.MatchString(descUpper)
	}
	return strings.Contains(descUpper, p.Raw)
}
