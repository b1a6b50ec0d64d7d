package templating

import (
	"regexp"
)

var wildcardMatcherRegex = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_]*)\s*(=~|!~|!=|=)\s*"(?:\\?\$\{[^}]+\}|\\?\$[a-zA-Z_][a-zA-Z0-9_]*)"`)

var wildcardRefRegex = regexp.MustCompile(`\$\{[^}]+\}|\$[a-zA-Z_][a-zA-Z0-9_]*`)

// WildcardQuery replaces every variable reference in query with a match-all
// pattern. Quoted matchers become label=~".*" (label!~".*" for negative
// operators) and other references become .*.
func WildcardQuery(query string) string {
	out := wildcardMatcherRegex.ReplaceAllStringFunc(query, func(s string) string {
		m := wildcardMatcherRegex.FindStringSubmatch(s)
		op := "=~"
		if m[2] == "!=" || m[2] == "!~" {
			op = "!~"
		}
		return m[1] + op + `".*"`
	})
	return wildcardRefRegex.ReplaceAllLiteralString(out, ".*")
}
