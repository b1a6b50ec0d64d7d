package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	mcpgrafana "github.com/grafana/mcp-grafana-variables"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// newPromClient builds a Prometheus API client that talks to the datasource
// through Grafana, trying the /resources endpoint first and falling back to
// the legacy proxy endpoint.
func newPromClient(ctx context.Context, uid string) (promv1.API, error) {
	cfg := mcpgrafana.GrafanaConfigFromContext(ctx)
	paths := pathsForDatasource(uid)
	url := strings.TrimRight(cfg.URL, "/") + paths.Resources

	rt, err := mcpgrafana.NewDatasourceTransport(cfg, api.DefaultRoundTripper)
	if err != nil {
		return nil, fmt.Errorf("failed to create custom transport: %w", err)
	}
	rt = newProxyFallbackTransport(rt, paths)

	c, err := api.NewClient(api.Config{
		Address:      url,
		RoundTripper: rt,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Prometheus client: %w", err)
	}

	return promv1.NewAPI(c), nil
}

func promClientFromContext(ctx context.Context, uid string) (promv1.API, error) {
	// First check if the datasource exists
	if _, err := getDatasourceByUID(ctx, GetDatasourceByUIDParams{UID: uid}); err != nil {
		return nil, err
	}
	return newPromClient(ctx, uid)
}

// seriesMetrics returns the label sets of the series in an instant query result.
func seriesMetrics(v model.Value) []model.Metric {
	switch val := v.(type) {
	case model.Vector:
		out := make([]model.Metric, 0, len(val))
		for _, s := range val {
			out = append(out, s.Metric)
		}
		return out
	case model.Matrix:
		out := make([]model.Metric, 0, len(val))
		for _, s := range val {
			out = append(out, s.Metric)
		}
		return out
	}
	return nil
}

type QueryPrometheusParams struct {
	DatasourceUID string `json:"datasourceUid" jsonschema:"required,description=The UID of the datasource to query"`
	Expr          string `json:"expr" jsonschema:"required,description=The PromQL expression to evaluate"`
	Time          string `json:"time,omitempty" jsonschema:"description=Evaluation time. Supported formats are RFC3339\\, Unix milliseconds or relative to now (e.g. 'now'\\, 'now-1h'). Defaults to now."`
}

// QueryPrometheusResult is an instant query result.
type QueryPrometheusResult struct {
	Data model.Value `json:"data"`
	Time time.Time   `json:"time"`
}

func queryPrometheus(ctx context.Context, args QueryPrometheusParams) (any, error) {
	if err := ValidatePromQL(args.Expr); err != nil {
		return NewValidationErrorResult(err, "Prometheus query"), nil
	}

	ts := time.Now()
	if args.Time != "" {
		var err error
		if ts, err = parseEndTime(args.Time); err != nil {
			return nil, fmt.Errorf("parsing time: %w", err)
		}
	}

	promClient, err := promClientFromContext(ctx, args.DatasourceUID)
	if err != nil {
		return nil, fmt.Errorf("getting Prometheus client: %w", err)
	}

	result, _, err := promClient.Query(ctx, args.Expr, ts)
	if err != nil {
		if IsPrometheusValidationError(err) {
			return NewValidationErrorResult(err, "Prometheus query"), nil
		}
		return nil, fmt.Errorf("querying Prometheus instant: %w", err)
	}
	return &QueryPrometheusResult{Data: result, Time: ts}, nil
}

var QueryPrometheus = mcpgrafana.MustTool(
	"query_prometheus",
	"Evaluate a PromQL expression at a single point in time against a Prometheus datasource. Useful for checking the values a query-type dashboard variable would produce.",
	queryPrometheus,
	mcp.WithTitleAnnotation("Query Prometheus metrics"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

type LabelMatcher struct {
	Name  string `json:"name" jsonschema:"required,description=The name of the label to match against"`
	Value string `json:"value" jsonschema:"required,description=The value to match against"`
	Type  string `json:"type" jsonschema:"required,description=One of the '=' or '!=' or '=~' or '!~'"`
}

type Selector struct {
	Filters []LabelMatcher `json:"filters"`
}

func (s Selector) String() string {
	b := strings.Builder{}
	b.WriteRune('{')
	for i, f := range s.Filters {
		if f.Type == "" {
			f.Type = "="
		}
		b.WriteString(fmt.Sprintf(`%s%s'%s'`, f.Name, f.Type, f.Value))
		if i < len(s.Filters)-1 {
			b.WriteString(", ")
		}
	}
	b.WriteRune('}')
	return b.String()
}

type ListPrometheusLabelValuesParams struct {
	DatasourceUID string     `json:"datasourceUid" jsonschema:"required,description=The UID of the datasource to query"`
	LabelName     string     `json:"labelName" jsonschema:"required,description=The name of the label to query"`
	Matches       []Selector `json:"matches,omitempty" jsonschema:"description=Optionally\\, a list of selectors to filter the results by"`
	Match         string     `json:"match,omitempty" jsonschema:"description=Optionally\\, a raw series selector such as 'up{job=~\"api|web\"}'. Combined with matches."`
	StartTime     string     `json:"startTime,omitempty" jsonschema:"description=Optionally\\, the start time of the query (RFC3339\\, Unix ms or relative like 'now-1h')"`
	EndTime       string     `json:"endTime,omitempty" jsonschema:"description=Optionally\\, the end time of the query (RFC3339\\, Unix ms or relative like 'now')"`
	Limit         int        `json:"limit,omitempty" jsonschema:"default=100,description=Optionally\\, the maximum number of results to return"`
}

func listPrometheusLabelValues(ctx context.Context, args ListPrometheusLabelValuesParams) (model.LabelValues, error) {
	limit := args.Limit
	if limit == 0 {
		limit = 100
	}

	startTime, err := parseStartTime(args.StartTime)
	if err != nil {
		return nil, fmt.Errorf("parsing start time: %w", err)
	}
	endTime, err := parseEndTime(args.EndTime)
	if err != nil {
		return nil, fmt.Errorf("parsing end time: %w", err)
	}

	var matchers []string
	for _, m := range args.Matches {
		matchers = append(matchers, m.String())
	}
	if args.Match != "" {
		if err := ValidateSeriesSelector(args.Match); err != nil {
			return nil, err
		}
		matchers = append(matchers, args.Match)
	}

	promClient, err := promClientFromContext(ctx, args.DatasourceUID)
	if err != nil {
		return nil, fmt.Errorf("getting Prometheus client: %w", err)
	}

	labelValues, _, err := promClient.LabelValues(ctx, args.LabelName, matchers, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("listing Prometheus label values: %w", promSelectorError(err))
	}

	// Apply limit
	if len(labelValues) > limit {
		labelValues = labelValues[:limit]
	}

	return labelValues, nil
}

var ListPrometheusLabelValues = mcpgrafana.MustTool(
	"list_prometheus_label_values",
	"Gets the values for a specific label name in Prometheus. Allows filtering by series selectors and time range. Use it to check what a label_values() dashboard variable would return.",
	listPrometheusLabelValues,
	mcp.WithTitleAnnotation("List Prometheus label values"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

func AddPrometheusTools(adder mcpgrafana.ToolAdder) {
	QueryPrometheus.Register(adder)
	ListPrometheusLabelValues.Register(adder)
}
