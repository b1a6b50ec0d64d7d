package templating

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/model/labels"
)

// QueryKind is the shape of a query variable's query.
type QueryKind int

const (
	// QueryKindExpression is a plain expression evaluated as an instant query.
	QueryKindExpression QueryKind = iota
	// QueryKindLabelValues is label_values(label) or label_values(selector, label).
	QueryKindLabelValues
	// QueryKindMetrics is metrics(pattern).
	QueryKindMetrics
)

func (k QueryKind) String() string {
	switch k {
	case QueryKindLabelValues:
		return "label_values"
	case QueryKindMetrics:
		return "metrics"
	default:
		return "expression"
	}
}

// VariableQuery is a parsed query variable query.
type VariableQuery struct {
	Kind QueryKind
	// Label is the label whose values are listed, for QueryKindLabelValues.
	Label string
	// Selector is the optional series selector of label_values(selector, label).
	Selector string
	// Raw is the query as written.
	Raw string
}

var (
	labelValuesRegex = regexp.MustCompile(`label_values\((?:.*\s*,\s*)?(\w+)\)`)
	metricsRegex     = regexp.MustCompile(`^metrics\(.*\)`)
)

// ParseVariableQuery recognises the query shapes Grafana supports for
// Prometheus-compatible query variables.
func ParseVariableQuery(query string) VariableQuery {
	q := strings.TrimSpace(query)
	vq := VariableQuery{Kind: QueryKindExpression, Raw: q}
	if m := labelValuesRegex.FindStringSubmatch(q); m != nil {
		vq.Kind = QueryKindLabelValues
		vq.Label = m[1]
		vq.Selector, _ = labelValuesSelector(q)
		return vq
	}
	if metricsRegex.MatchString(q) {
		vq.Kind = QueryKindMetrics
	}
	return vq
}

// stripQueryResult unwraps query_result(expr) into expr.
func stripQueryResult(expr string) string {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "query_result(") && strings.HasSuffix(expr, ")") {
		return expr[len("query_result(") : len(expr)-1]
	}
	return expr
}

// compileVariableRegex compiles the regex field of a variable. Grafana stores
// it as /pattern/flags; the slashes are optional here.
func compileVariableRegex(s string) (*regexp.Regexp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	pattern := s
	if len(s) >= 2 && s[0] == '/' {
		if end := strings.LastIndexByte(s, '/'); end > 0 {
			pattern = s[1:end]
			if strings.Contains(s[end+1:], "i") {
				pattern = "(?i)" + pattern
			}
		}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile variable regex %q: %w", s, err)
	}
	return re, nil
}

// renderSeries formats a series as {name="value", ...} with labels sorted by
// name, __name__ included.
func renderSeries(metric model.Metric) string {
	m := make(map[string]string, len(metric))
	for k, v := range metric {
		m[string(k)] = string(v)
	}
	return labels.FromMap(m).String()
}

// seriesValue picks the value a series contributes to a query variable.
// With a regex, the first capture group (or the whole match) of the rendered
// series is used and series that do not match are skipped. Without one, a
// series with exactly one label other than __name__ yields that label's
// value, otherwise the metric name, otherwise the rendered series.
func seriesValue(metric model.Metric, re *regexp.Regexp) (string, bool) {
	if re != nil {
		m := re.FindStringSubmatch(renderSeries(metric))
		if m == nil {
			return "", false
		}
		if len(m) > 1 {
			return m[1], true
		}
		return m[0], true
	}
	var only string
	count := 0
	for name, value := range metric {
		if name == model.MetricNameLabel {
			continue
		}
		count++
		only = string(value)
	}
	if count == 1 {
		return only, true
	}
	if name, ok := metric[model.MetricNameLabel]; ok {
		return string(name), true
	}
	return renderSeries(metric), true
}
