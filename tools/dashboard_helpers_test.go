//go:build unit

package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/mcp-grafana-variables/templating"
)

func TestFindPanelByID(t *testing.T) {
	dashboard := map[string]any{
		"panels": []any{
			map[string]any{"id": float64(1), "title": "Panel One"},
			map[string]any{
				"id":   float64(2),
				"type": "row",
				"panels": []any{
					map[string]any{"id": float64(10), "title": "Nested Panel"},
				},
			},
		},
	}

	t.Run("finds top-level panel", func(t *testing.T) {
		panel, err := findPanelByID(dashboard, 1)
		require.NoError(t, err)
		assert.Equal(t, "Panel One", panel["title"])
	})

	t.Run("finds nested panel in row", func(t *testing.T) {
		panel, err := findPanelByID(dashboard, 10)
		require.NoError(t, err)
		assert.Equal(t, "Nested Panel", panel["title"])
	})

	t.Run("returns error for non-existent panel", func(t *testing.T) {
		_, err := findPanelByID(dashboard, 999)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panel with ID 999 not found")
	})

	t.Run("returns error for dashboard without panels", func(t *testing.T) {
		_, err := findPanelByID(map[string]any{}, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "has no panels")
	})
}

func TestCollectAllPanels(t *testing.T) {
	db := map[string]any{
		"panels": []any{
			map[string]any{"id": float64(1), "title": "Top Panel"},
			map[string]any{
				"id":    float64(2),
				"type":  "row",
				"title": "My Row",
				"panels": []any{
					map[string]any{"id": float64(10), "title": "Nested Panel A"},
					map[string]any{"id": float64(11), "title": "Nested Panel B"},
				},
			},
		},
	}

	panels := collectAllPanels(db)
	require.Len(t, panels, 4)
	assert.Equal(t, "Top Panel", panels[0]["title"])
	assert.Equal(t, "My Row", panels[1]["title"])
	assert.Equal(t, "Nested Panel A", panels[2]["title"])
	assert.Equal(t, "Nested Panel B", panels[3]["title"])

	assert.Empty(t, collectAllPanels(map[string]any{}))
}

func TestExtractQueryExpression(t *testing.T) {
	tests := []struct {
		name     string
		target   map[string]any
		expected string
	}{
		{name: "prometheus expr", target: map[string]any{"expr": "rate(http_requests_total[5m])"}, expected: "rate(http_requests_total[5m])"},
		{name: "loki query", target: map[string]any{"query": `{job="grafana"} |= "error"`}, expected: `{job="grafana"} |= "error"`},
		{name: "expr wins over query", target: map[string]any{"expr": "up", "query": "down"}, expected: "up"},
		{name: "sql rawSql", target: map[string]any{"rawSql": "SELECT * FROM metrics WHERE time > $__from"}, expected: "SELECT * FROM metrics WHERE time > $__from"},
		{name: "empty target", target: map[string]any{}, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractQueryExpression(tt.target))
		})
	}
}

func TestVariableName(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{input: "$job", expected: []string{"job"}},
		{input: "${job}", expected: []string{"job"}},
		{input: "${job:regex}", expected: []string{"job"}},
		{input: "[[job]]", expected: []string{"job"}},
		{input: "$foo ${bar} [[baz]]", expected: []string{"foo", "bar", "baz"}},
		{input: "$my_var-$var1", expected: []string{"my_var", "var1"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var found []string
			for _, ref := range variableRegex.FindAllString(tt.input, -1) {
				found = append(found, variableName(ref))
			}
			assert.Equal(t, tt.expected, found)
		})
	}
}

func TestSubstituteVariables(t *testing.T) {
	values := templating.Values{
		"job":      {"api", "web"},
		"instance": {"a.example:9100"},
		"env":      {"prod"},
		"path":     {`C:\logs`},
		"none":     {},
	}

	tests := []struct {
		name     string
		query    string
		expected string
	}{
		{
			name:     "multi-value in regex matcher becomes alternation",
			query:    `up{job=~"$job"}`,
			expected: `up{job=~"(api|web)"}`,
		},
		{
			name:     "negative regex matcher",
			query:    `up{job!~"${job}"}`,
			expected: `up{job!~"(api|web)"}`,
		},
		{
			name:     "single value is escaped with doubled backslashes",
			query:    `up{instance=~"$instance"}`,
			expected: `up{instance=~"a\\.example:9100"}`,
		},
		{
			name:     "backslash in value",
			query:    `{path=~"$path"}`,
			expected: `{path=~"C:\\\\logs"}`,
		},
		{
			name:     "reference inside a larger regex",
			query:    `up{job=~"$job-canary|other"}`,
			expected: `up{job=~"(api|web)-canary|other"}`,
		},
		{
			name:     "empty value list matches everything",
			query:    `up{job=~"$none"}`,
			expected: `up{job=~".*"}`,
		},
		{
			name:     "equality matcher uses first value",
			query:    `up{job="$job", env="${env}"}`,
			expected: `up{job="api", env="prod"}`,
		},
		{
			name:     "bare reference and double brackets",
			query:    `sum by ($env) (rate(x{env="[[env]]"}[5m]))`,
			expected: `sum by (prod) (rate(x{env="prod"}[5m]))`,
		},
		{
			name:     "unknown variables are left alone",
			query:    `rate(x{job=~"$job", zone=~"$zone"}[$__rate_interval])`,
			expected: `rate(x{job=~"(api|web)", zone=~"$zone"}[$__rate_interval])`,
		},
		{
			name:     "prefix of another variable name",
			query:    `$environment $env`,
			expected: `$environment prod`,
		},
		{
			name:     "no variables",
			query:    `up`,
			expected: `up`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, substituteVariables(tt.query, values))
		})
	}

	t.Run("nil values leave the query untouched", func(t *testing.T) {
		assert.Equal(t, `up{job=~"$job"}`, substituteVariables(`up{job=~"$job"}`, nil))
	})
}

func TestFindVariablesInQuery(t *testing.T) {
	values := templating.Values{"job": {"api"}, "env": {"prod", "dev"}}

	got := findVariablesInQuery(`rate(x{job="$job", env=~"${env:regex}", zone="[[zone]]"}[$__interval]) + $job`, values)
	assert.Equal(t, []VariableInfo{
		{Name: "job", Values: []string{"api"}, Resolved: true},
		{Name: "env", Values: []string{"prod", "dev"}, Resolved: true},
		{Name: "zone"},
	}, got)

	assert.Empty(t, findVariablesInQuery("up", values))
}

func TestExtractPanelQueries(t *testing.T) {
	panel := map[string]any{
		"title":      "Latency",
		"datasource": map[string]any{"uid": "${ds}", "type": "prometheus"},
		"targets": []any{
			map[string]any{"refId": "A", "expr": `histogram_quantile(0.99, rate(latency_bucket{job=~"$job"}[5m]))`},
			map[string]any{"refId": "B", "expr": `up{job="$job"}`, "datasource": map[string]any{"uid": "other"}},
			map[string]any{"refId": "C"},
			"not a target",
		},
	}
	values := templating.Values{"ds": {"prom-1"}, "job": {"api", "web"}}

	queries := extractPanelQueries(panel, values)
	require.Len(t, queries, 2)

	assert.Equal(t, panelQuery{
		Title:             "Latency",
		Query:             `histogram_quantile(0.99, rate(latency_bucket{job=~"$job"}[5m]))`,
		ProcessedQuery:    `histogram_quantile(0.99, rate(latency_bucket{job=~"(api|web)"}[5m]))`,
		Datasource:        panelDatasource{UID: "prom-1", Type: "prometheus"},
		RefID:             "A",
		RequiredVariables: []VariableInfo{{Name: "job", Values: []string{"api", "web"}, Resolved: true}},
	}, queries[0])

	assert.Equal(t, panelDatasource{UID: "other", Type: "prometheus"}, queries[1].Datasource)
	assert.Equal(t, `up{job="api"}`, queries[1].ProcessedQuery)

	t.Run("panel without targets", func(t *testing.T) {
		assert.Empty(t, extractPanelQueries(map[string]any{"title": "Text"}, values))
	})
}
