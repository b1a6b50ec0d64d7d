package templating

import (
	"regexp"
	"slices"
)

// referenceRegex matches ${name}, ${name:format} and $name.
var referenceRegex = regexp.MustCompile(`\$\{([^}:]+)(?::[^}]*)?\}|\$([a-zA-Z0-9_]+)`)

// ExtractDependencies returns the sorted, de-duplicated names of the
// variables referenced in query. It never returns nil.
func ExtractDependencies(query string) []string {
	deps := []string{}
	for _, m := range referenceRegex.FindAllStringSubmatch(query, -1) {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if name != "" {
			deps = append(deps, name)
		}
	}
	slices.Sort(deps)
	return slices.Compact(deps)
}

// substituteRegex matches the references Substitute is able to replace.
var substituteRegex = regexp.MustCompile(`\$\{([a-zA-Z0-9_]+)(?::[^}]*)?\}|\$([a-zA-Z0-9_]+)`)

// Substitute replaces every reference to a resolved variable with its first
// value. References to unknown variables are left untouched.
func Substitute(query string, resolved Values) string {
	if len(resolved) == 0 {
		return query
	}
	return substituteRegex.ReplaceAllStringFunc(query, func(ref string) string {
		m := substituteRegex.FindStringSubmatch(ref)
		name := m[1]
		if name == "" {
			name = m[2]
		}
		values, ok := resolved[name]
		if !ok {
			return ref
		}
		if len(values) == 0 {
			return ""
		}
		return values[0]
	})
}
