package templating

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxSelectorLength is the longest selector, in characters, sent as a
// label-values filter.
// Longer selectors are dropped and the label values are fetched unfiltered.
const MaxSelectorLength = 1400

var (
	// varMatcherRegex matches a quoted label matcher whose value is a single
	// variable reference, e.g. job="$job" or job=~"${job}".
	varMatcherRegex = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_]*)\s*(=~|!~|!=|=)\s*"(?:\\?\$\{([a-zA-Z_][a-zA-Z0-9_]*)(?::[^}]*)?\}|\\?\$([a-zA-Z_][a-zA-Z0-9_]*))"`)

	// bareVarRegex matches any remaining variable reference.
	bareVarRegex = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(?::[^}]*)?\}|\$([a-zA-Z_][a-zA-Z0-9_]*)`)

	// filterRefRegex matches either form in a single pass so that escaped
	// values are never rewritten again.
	filterRefRegex = regexp.MustCompile(varMatcherRegex.String() + "|" + bareVarRegex.String())

	// labelValuesSelectorRegex captures the selector of label_values(selector, label).
	labelValuesSelectorRegex = regexp.MustCompile(`label_values\(([^)]+),\s*[^)]+\)`)
)

// regexMeta holds the characters escaped by EscapeRegexValue. The dash is
// left alone: Prometheus' RE2 rejects \- outside character classes.
const regexMeta = `\.^$*+?{}[]|()`

// EscapeRegexValue escapes v so that it matches literally inside a regex
// label matcher.
func EscapeRegexValue(v string) string {
	if v == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(v) + 4)
	for i := 0; i < len(v); i++ {
		if strings.IndexByte(regexMeta, v[i]) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(v[i])
	}
	return b.String()
}

// alternation joins the escaped values with pipes. No values yields a
// match-all pattern.
func alternation(values []string) string {
	if len(values) == 0 {
		return ".*"
	}
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = EscapeRegexValue(v)
	}
	return strings.Join(escaped, "|")
}

func refName(m []string, first, second int) string {
	if m[first] != "" {
		return m[first]
	}
	return m[second]
}

// BuildRegexFilter rewrites the variable references in selector into regex
// alternations of their resolved values. Quoted matchers become =~ (or !~
// for negative operators) and other references become a parenthesised
// group. It reports false when the result exceeds MaxSelectorLength.
func BuildRegexFilter(selector string, resolved Values) (string, bool) {
	out := filterRefRegex.ReplaceAllStringFunc(selector, func(s string) string {
		m := filterRefRegex.FindStringSubmatch(s)
		if m[1] == "" {
			return "(" + alternation(resolved[refName(m, 5, 6)]) + ")"
		}
		op := "=~"
		if m[2] == "!=" || m[2] == "!~" {
			op = "!~"
		}
		return m[1] + op + `"` + alternation(resolved[refName(m, 3, 4)]) + `"`
	})
	if utf8.RuneCountInString(out) > MaxSelectorLength {
		return "", false
	}
	return out, true
}

// labelValuesSelector returns the selector argument of a
// label_values(selector, label) query.
func labelValuesSelector(query string) (string, bool) {
	m := labelValuesSelectorRegex.FindStringSubmatch(query)
	if m == nil {
		return "", false
	}
	selector := strings.TrimSpace(m[1])
	return selector, selector != ""
}

// LabelMatchFilter builds the series filter for a label_values query. It
// reports false when the query has no selector or the filter would be too
// long; the caller then fetches the label values unfiltered.
func LabelMatchFilter(query string, resolved Values) (string, bool) {
	selector, ok := labelValuesSelector(query)
	if !ok {
		return "", false
	}
	if len(resolved) == 0 {
		filter := WildcardQuery(selector)
		return filter, utf8.RuneCountInString(filter) <= MaxSelectorLength
	}
	return BuildRegexFilter(selector, resolved)
}
