package tools

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/grafana/mcp-grafana-variables/templating"
)

// VariableInfo is a variable referenced by a panel query together with the
// values it resolved to.
type VariableInfo struct {
	Name     string   `json:"name"`
	Values   []string `json:"values,omitempty"`
	Resolved bool     `json:"resolved"`
}

// findPanelByID searches for a panel by ID, including nested panels in rows
func findPanelByID(db map[string]any, panelID int) (map[string]any, error) {
	panels := safeArray(db, "panels")
	if panels == nil {
		return nil, fmt.Errorf("dashboard has no panels")
	}

	for _, panel := range collectAllPanels(db) {
		if safeInt(panel, "id") == panelID {
			return panel, nil
		}
	}

	return nil, fmt.Errorf("panel with ID %d not found", panelID)
}

// collectAllPanels returns all panels from a dashboard, including nested panels inside rows
func collectAllPanels(db map[string]any) []map[string]any {
	var result []map[string]any

	panels := safeArray(db, "panels")
	if panels == nil {
		return result
	}

	for _, p := range panels {
		panel, ok := p.(map[string]any)
		if !ok {
			continue
		}

		result = append(result, panel)

		// Collapsed rows keep their children in a nested panels array.
		if safeString(panel, "type") == "row" {
			nestedPanels := safeArray(panel, "panels")
			for _, np := range nestedPanels {
				if nestedPanel, ok := np.(map[string]any); ok {
					result = append(result, nestedPanel)
				}
			}
		}
	}

	return result
}

// extractPanelQueries extracts all queries from a panel, substituting the
// resolved variable values into each of them.
func extractPanelQueries(panel map[string]any, values templating.Values) []panelQuery {
	var queries []panelQuery

	title := safeString(panel, "title")
	targets := safeArray(panel, "targets")
	if targets == nil {
		return queries
	}

	var panelDs panelDatasource
	if dsField := safeObject(panel, "datasource"); dsField != nil {
		panelDs.UID = safeString(dsField, "uid")
		panelDs.Type = safeString(dsField, "type")
	}

	for _, t := range targets {
		target, ok := t.(map[string]any)
		if !ok {
			continue
		}

		rawQuery := extractQueryExpression(target)
		if rawQuery == "" {
			continue
		}

		dsInfo := panelDs
		if targetDs := safeObject(target, "datasource"); targetDs != nil {
			if uid := safeString(targetDs, "uid"); uid != "" {
				dsInfo.UID = uid
			}
			if dsType := safeString(targetDs, "type"); dsType != "" {
				dsInfo.Type = dsType
			}
		}
		dsInfo.UID = substituteVariables(dsInfo.UID, values)

		queries = append(queries, panelQuery{
			Title:             title,
			Query:             rawQuery,
			ProcessedQuery:    substituteVariables(rawQuery, values),
			Datasource:        dsInfo,
			RefID:             safeString(target, "refId"),
			RequiredVariables: findVariablesInQuery(rawQuery, values),
		})
	}

	return queries
}

// extractQueryExpression extracts the query string from a target.
// Different datasources store queries in different fields.
func extractQueryExpression(target map[string]any) string {
	queryFields := []string{
		"expr",       // Prometheus
		"query",      // Loki, generic
		"expression", // CloudWatch
		"rawSql",     // SQL databases
		"rawQuery",   // Some datasources
	}

	for _, field := range queryFields {
		if val := safeString(target, field); val != "" {
			return val
		}
	}

	return ""
}

// variableRegex matches Grafana template variable patterns
// Matches: $varname, ${varname}, ${varname:option}, [[varname]]
var variableRegex = regexp.MustCompile(`\$\{([a-zA-Z0-9_]+)(?::[^}]*)?\}|\$([a-zA-Z0-9_]+)|\[\[([a-zA-Z0-9_]+)\]\]`)

// panelSubstituteRegex matches either a whole quoted regex matcher value or a
// single variable reference, so each part of a query is rewritten once.
var panelSubstituteRegex = regexp.MustCompile(`(?:=~|!~)\s*"(?:[^"\\]|\\.)*"|` + variableRegex.String())

func variableName(ref string) string {
	m := variableRegex.FindStringSubmatch(ref)
	for i := 1; i <= 3; i++ {
		if m != nil && m[i] != "" {
			return m[i]
		}
	}
	return ""
}

// findVariablesInQuery lists the variables a query references, builtins
// such as $__interval excluded.
func findVariablesInQuery(query string, values templating.Values) []VariableInfo {
	var variables []VariableInfo
	seen := make(map[string]bool)

	for _, ref := range variableRegex.FindAllString(query, -1) {
		name := variableName(ref)
		if name == "" || seen[name] || strings.HasPrefix(name, "__") {
			continue
		}
		seen[name] = true

		vals, ok := values[name]
		variables = append(variables, VariableInfo{Name: name, Values: vals, Resolved: ok})
	}

	return variables
}

// regexMatcherValue renders values for use inside a double-quoted regex
// matcher. Backslashes are doubled for the string literal.
func regexMatcherValue(values []string) string {
	var s string
	switch len(values) {
	case 0:
		return ".*"
	case 1:
		s = templating.EscapeRegexValue(values[0])
	default:
		escaped := make([]string, len(values))
		for i, v := range values {
			escaped[i] = templating.EscapeRegexValue(v)
		}
		s = "(" + strings.Join(escaped, "|") + ")"
	}
	return strings.ReplaceAll(s, `\`, `\\`)
}

// substituteVariables replaces template variables in a query with their
// values. Inside =~ and !~ matchers a multi-value variable becomes an
// escaped alternation, elsewhere its first value is used. Unknown variables
// are left untouched.
func substituteVariables(query string, values templating.Values) string {
	if len(values) == 0 {
		return query
	}
	return panelSubstituteRegex.ReplaceAllStringFunc(query, func(match string) string {
		if strings.HasPrefix(match, "=~") || strings.HasPrefix(match, "!~") {
			return variableRegex.ReplaceAllStringFunc(match, func(ref string) string {
				vals, ok := values[variableName(ref)]
				if !ok {
					return ref
				}
				return regexMatcherValue(vals)
			})
		}
		vals, ok := values[variableName(match)]
		if !ok {
			return match
		}
		if len(vals) == 0 {
			return ""
		}
		return vals[0]
	})
}
