package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	mcpgrafana "github.com/grafana/mcp-grafana-variables"
	"github.com/grafana/mcp-grafana-variables/templating"
)

const (
	defaultPanelStep = 60 * time.Second
	panelLogLimit    = 100
	// Grafana assumes this scrape interval when computing $__rate_interval.
	defaultScrapeInterval = 15 * time.Second
)

// RunPanelQueryParams defines parameters for running a panel's query
type RunPanelQueryParams struct {
	DashboardUID   string                 `json:"dashboardUid" jsonschema:"required,description=Dashboard UID"`
	PanelID        int                    `json:"panelId" jsonschema:"required,description=Panel ID to execute"`
	QueryIndex     *int                   `json:"queryIndex,omitempty" jsonschema:"description=Index of the query to execute (0-based) as listed by get_dashboard_panel_queries. Defaults to 0."`
	Start          string                 `json:"start,omitempty" jsonschema:"description=Start time (e.g. 'now-1h'\\, RFC3339\\, Unix ms). Defaults to now-1h."`
	End            string                 `json:"end,omitempty" jsonschema:"description=End time (e.g. 'now'\\, RFC3339\\, Unix ms). Defaults to now."`
	FixedVariables templating.FixedValues `json:"fixedVariables,omitempty" jsonschema:"description=Variable values to pin before the remaining variables are resolved (e.g. {\"job\": [\"api-server\"]})"`
	StepSeconds    int                    `json:"stepSeconds,omitempty" jsonschema:"description=Resolution step of range queries in seconds. Defaults to 60."`
	DatasourceUID  string                 `json:"datasourceUid,omitempty" jsonschema:"description=Override datasource UID"`
	DatasourceType string                 `json:"datasourceType,omitempty" jsonschema:"description=Override datasource type (prometheus or loki). Skips the datasource lookup when given with datasourceUid."`
}

// QueryTimeRange represents the actual time range used for a panel query
type QueryTimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// RunPanelQueryResult contains the result of running a panel's query
type RunPanelQueryResult struct {
	DashboardUID   string         `json:"dashboardUid"`
	PanelID        int            `json:"panelId"`
	PanelTitle     string         `json:"panelTitle"`
	RefID          string         `json:"refId,omitempty"`
	DatasourceType string         `json:"datasourceType"`
	DatasourceUID  string         `json:"datasourceUid"`
	Query          string         `json:"query"`
	Variables      []VariableInfo `json:"variables,omitempty"`
	TimeRange      QueryTimeRange `json:"timeRange"`
	Results        any            `json:"results"`
	Hints          []string       `json:"hints,omitempty"`
}

// panelRun is a dashboard loaded and resolved once, ready to execute any of
// its panels.
type panelRun struct {
	dashboardUID string
	db           map[string]any
	values       templating.Values
	window       templating.TimeWindow
	step         time.Duration
	override     panelDatasource
}

func preparePanelRun(ctx context.Context, dashboardUID, start, end string, fixed templating.FixedValues, stepSeconds int, override panelDatasource) (*panelRun, error) {
	window, err := resolveTimeWindow(start, end)
	if err != nil {
		return nil, err
	}
	db, dashboard, err := loadDashboard(ctx, dashboardUID)
	if err != nil {
		return nil, err
	}

	var values templating.Values
	if len(dashboard.Templating.List) > 0 {
		values = newResolver().Resolve(ctx, dashboard, fixed, window).Variables
	}

	step := defaultPanelStep
	if stepSeconds > 0 {
		step = time.Duration(stepSeconds) * time.Second
	}
	return &panelRun{
		dashboardUID: dashboardUID,
		db:           db,
		values:       values,
		window:       window,
		step:         step,
		override:     override,
	}, nil
}

func (p *panelRun) timeRange() QueryTimeRange {
	return QueryTimeRange{
		Start: p.window.Start.Format(time.RFC3339),
		End:   p.window.End.Format(time.RFC3339),
	}
}

// datasourceFor picks the datasource a query runs against. Explicit
// overrides win; a missing or still templated UID falls back to the default
// datasource of the query's type.
func (p *panelRun) datasourceFor(ctx context.Context, ds panelDatasource) (templating.DatasourceInfo, error) {
	if p.override.UID != "" {
		if p.override.Type != "" {
			return templating.DatasourceInfo{UID: p.override.UID, Type: p.override.Type}, nil
		}
		return grafanaDatasource{}.LookupDatasource(ctx, p.override.UID)
	}
	if ds.UID == "" || strings.Contains(ds.UID, "$") || strings.HasPrefix(ds.UID, "[[") {
		dsType := ds.Type
		if dsType == "" {
			dsType = "prometheus"
		}
		return grafanaDatasource{}.DefaultDatasource(ctx, dsType)
	}
	if ds.Type == "" {
		return grafanaDatasource{}.LookupDatasource(ctx, ds.UID)
	}
	return templating.DatasourceInfo{UID: ds.UID, Type: ds.Type}, nil
}

func (p *panelRun) execute(ctx context.Context, panelID int, q panelQuery) (*RunPanelQueryResult, error) {
	ds, err := p.datasourceFor(ctx, q.Datasource)
	if err != nil {
		return nil, fmt.Errorf("resolving datasource: %w", err)
	}
	query := substitutePanelMacros(q.ProcessedQuery, p.window)
	slog.Debug("Running panel query", "dashboard", p.dashboardUID, "panel", panelID, "refId", q.RefID, "datasource", ds.UID)

	var results any
	switch {
	case ds.IsPrometheus():
		results, err = executePrometheusQuery(ctx, ds.UID, query, p.window, p.step)
	case ds.IsLoki():
		results, err = executeLokiQuery(ctx, ds.UID, query, p.window)
	default:
		return nil, fmt.Errorf("running %s query on datasource %s: %w", ds.Type, ds.UID, templating.ErrUnsupportedDatasource)
	}
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var hints []string
	if isEmptyPanelResult(results) {
		hints = generatePanelQueryHints(ds.Type, query)
	}
	return &RunPanelQueryResult{
		DashboardUID:   p.dashboardUID,
		PanelID:        panelID,
		PanelTitle:     q.Title,
		RefID:          q.RefID,
		DatasourceType: ds.Type,
		DatasourceUID:  ds.UID,
		Query:          query,
		Variables:      q.RequiredVariables,
		TimeRange:      p.timeRange(),
		Results:        results,
		Hints:          hints,
	}, nil
}

// runPanelQuery executes one query of a dashboard panel with the dashboard's
// variables resolved and substituted
func runPanelQuery(ctx context.Context, args RunPanelQueryParams) (*RunPanelQueryResult, error) {
	run, err := preparePanelRun(ctx, args.DashboardUID, args.Start, args.End, args.FixedVariables, args.StepSeconds,
		panelDatasource{UID: args.DatasourceUID, Type: args.DatasourceType})
	if err != nil {
		return nil, err
	}

	panel, err := findPanelByID(run.db, args.PanelID)
	if err != nil {
		return nil, fmt.Errorf("finding panel: %w", err)
	}
	queries := extractPanelQueries(panel, run.values)
	if len(queries) == 0 {
		return nil, fmt.Errorf("panel %d has no queries", args.PanelID)
	}

	queryIndex := 0
	if args.QueryIndex != nil {
		queryIndex = *args.QueryIndex
	}
	if queryIndex < 0 || queryIndex >= len(queries) {
		return nil, fmt.Errorf("queryIndex %d out of range (panel has %d queries, valid range: 0-%d)", queryIndex, len(queries), len(queries)-1)
	}
	return run.execute(ctx, args.PanelID, queries[queryIndex])
}

// executePrometheusQuery runs a range query over the window.
func executePrometheusQuery(ctx context.Context, datasourceUID, expr string, window templating.TimeWindow, step time.Duration) (model.Value, error) {
	if err := ValidatePromQL(expr); err != nil {
		return nil, err
	}
	promClient, err := newPromClient(ctx, datasourceUID)
	if err != nil {
		return nil, fmt.Errorf("getting Prometheus client: %w", err)
	}
	result, _, err := promClient.QueryRange(ctx, expr, promv1.Range{Start: window.Start, End: window.End, Step: step})
	if err != nil {
		return nil, fmt.Errorf("querying Prometheus range: %w", err)
	}
	return result, nil
}

// executeLokiQuery returns the newest log lines in the window, or a matrix
// for metric queries.
func executeLokiQuery(ctx context.Context, datasourceUID, query string, window templating.TimeWindow) (any, error) {
	if err := ValidateLogQL(query); err != nil {
		return nil, err
	}
	client, err := newLokiClient(ctx, datasourceUID)
	if err != nil {
		return nil, err
	}
	return client.queryRange(ctx, query, window.Start, window.End, panelLogLimit, "backward")
}

// substitutePanelMacros replaces Grafana's time macros. Longer names come
// first so $__interval never matches the start of $__interval_ms.
func substitutePanelMacros(query string, window templating.TimeWindow) string {
	rng := window.End.Sub(window.Start).Truncate(time.Second)
	interval := (rng / 100).Truncate(time.Second)
	if interval < time.Second {
		interval = time.Second
	}
	rateInterval := max(interval+defaultScrapeInterval, 4*defaultScrapeInterval)

	rangeMs := strconv.FormatInt(rng.Milliseconds(), 10)
	rangeS := strconv.FormatInt(int64(rng.Seconds()), 10)
	intervalMs := strconv.FormatInt(interval.Milliseconds(), 10)

	return strings.NewReplacer(
		"${__range_ms}", rangeMs, "$__range_ms", rangeMs,
		"${__range_s}", rangeS, "$__range_s", rangeS,
		"${__range}", formatPrometheusDuration(rng), "$__range", formatPrometheusDuration(rng),
		"${__rate_interval}", formatPrometheusDuration(rateInterval), "$__rate_interval", formatPrometheusDuration(rateInterval),
		"${__interval_ms}", intervalMs, "$__interval_ms", intervalMs,
		"${__interval}", formatPrometheusDuration(interval), "$__interval", formatPrometheusDuration(interval),
	).Replace(query)
}

// formatPrometheusDuration formats a duration for PromQL and LogQL (e.g. "14m", "1h30m", "36s").
func formatPrometheusDuration(d time.Duration) string {
	return model.Duration(d).String()
}

func isEmptyPanelResult(results any) bool {
	switch v := results.(type) {
	case nil:
		return true
	case []LogEntry:
		return len(v) == 0
	case model.Matrix:
		return len(v) == 0
	case model.Vector:
		return len(v) == 0
	}
	return false
}

// generatePanelQueryHints generates helpful hints when panel query returns no data
func generatePanelQueryHints(datasourceType, query string) []string {
	hints := []string{
		"No data found for the panel query. Possible reasons:",
		"- Time range may have no data - try extending with start='now-6h' or start='now-24h'",
		"- Variables may have resolved to values without data - check them with get_dashboard_variables or pin them with fixedVariables",
	}
	if strings.Contains(strings.ToLower(datasourceType), "prometheus") {
		hints = append(hints, "- Label selectors may be too restrictive - use list_prometheus_label_values to see which values exist")
	} else {
		hints = append(hints, "- Stream selectors or line filters may not match any logs - try simplifying the query")
	}
	if query != "" {
		hints = append(hints, "- Query executed: "+truncateString(query, 100))
	}
	return hints
}

// truncateString truncates a string to maxLen runes and adds ellipsis if needed
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

// RunPanelQuery is the tool definition for running a panel's query
var RunPanelQuery = mcpgrafana.MustTool(
	"run_panel_query",
	"Executes one query of a dashboard panel over a time range. Resolves the dashboard's template variables first (pin some with fixedVariables)\\, substitutes them and Grafana macros ($__range\\, $__rate_interval\\, $__interval) into the query and runs it against the panel's Prometheus or Loki datasource. Templated datasources resolve through their variable and fall back to the default datasource of the panel's type. Returns results in the datasource's native format. Use get_dashboard_summary to find panel IDs.",
	runPanelQuery,
	mcp.WithTitleAnnotation("Run panel query"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

// RunPanelQueriesParams defines parameters for running multiple panel queries
type RunPanelQueriesParams struct {
	DashboardUID   string                 `json:"dashboardUid" jsonschema:"required,description=Dashboard UID"`
	PanelIDs       []int                  `json:"panelIds,omitempty" jsonschema:"description=Panel IDs to execute. Runs every panel of the dashboard when empty."`
	Start          string                 `json:"start,omitempty" jsonschema:"description=Start time (e.g. 'now-1h'\\, RFC3339\\, Unix ms). Defaults to now-1h."`
	End            string                 `json:"end,omitempty" jsonschema:"description=End time (e.g. 'now'\\, RFC3339\\, Unix ms). Defaults to now."`
	FixedVariables templating.FixedValues `json:"fixedVariables,omitempty" jsonschema:"description=Variable values to pin before the remaining variables are resolved (e.g. {\"job\": [\"api-server\"]})"`
	StepSeconds    int                    `json:"stepSeconds,omitempty" jsonschema:"description=Resolution step of range queries in seconds. Defaults to 60."`
	DatasourceUID  string                 `json:"datasourceUid,omitempty" jsonschema:"description=Override datasource UID for all panels"`
	DatasourceType string                 `json:"datasourceType,omitempty" jsonschema:"description=Override datasource type for all panels"`
}

// RunPanelQueriesResult contains the results of running multiple panel queries
type RunPanelQueriesResult struct {
	DashboardUID string                         `json:"dashboardUid"`
	Variables    templating.Values              `json:"variables,omitempty"`
	Results      map[int][]*RunPanelQueryResult `json:"results"`
	Errors       map[int]string                 `json:"errors,omitempty"`
	TimeRange    QueryTimeRange                 `json:"timeRange"`
}

// runPanelQueries executes every query of the selected panels, resolving the
// dashboard's variables once. Failures are reported per panel.
func runPanelQueries(ctx context.Context, args RunPanelQueriesParams) (*RunPanelQueriesResult, error) {
	run, err := preparePanelRun(ctx, args.DashboardUID, args.Start, args.End, args.FixedVariables, args.StepSeconds,
		panelDatasource{UID: args.DatasourceUID, Type: args.DatasourceType})
	if err != nil {
		return nil, err
	}

	result := &RunPanelQueriesResult{
		DashboardUID: args.DashboardUID,
		Variables:    run.values,
		Results:      make(map[int][]*RunPanelQueryResult),
		Errors:       make(map[int]string),
		TimeRange:    run.timeRange(),
	}

	var panels []map[string]any
	if len(args.PanelIDs) == 0 {
		for _, panel := range collectAllPanels(run.db) {
			if len(safeArray(panel, "targets")) > 0 {
				panels = append(panels, panel)
			}
		}
		if len(panels) == 0 {
			return nil, fmt.Errorf("dashboard %s has no panel queries", args.DashboardUID)
		}
	} else {
		for _, id := range args.PanelIDs {
			panel, err := findPanelByID(run.db, id)
			if err != nil {
				result.Errors[id] = err.Error()
				continue
			}
			panels = append(panels, panel)
		}
	}

	for _, panel := range panels {
		id := safeInt(panel, "id")
		queries := extractPanelQueries(panel, run.values)
		if len(queries) == 0 {
			result.Errors[id] = fmt.Sprintf("panel %d has no queries", id)
			continue
		}
		var failures []string
		for _, q := range queries {
			r, err := run.execute(ctx, id, q)
			if err != nil {
				failures = append(failures, fmt.Sprintf("refId %s: %s", q.RefID, err))
				continue
			}
			result.Results[id] = append(result.Results[id], r)
		}
		if len(failures) > 0 {
			result.Errors[id] = strings.Join(failures, "; ")
		}
	}
	return result, nil
}

// RunPanelQueries is the tool definition for running multiple panel queries
var RunPanelQueries = mcpgrafana.MustTool(
	"run_panel_queries",
	"Executes every query of several dashboard panels in a single call\\, or of all panels when panelIds is empty. Resolves the dashboard's template variables once and returns them with the results. Results and errors are keyed by panel ID and partial failures are allowed.",
	runPanelQueries,
	mcp.WithTitleAnnotation("Run multiple panel queries"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

// AddRunPanelQueryTools registers run panel query tools
func AddRunPanelQueryTools(adder mcpgrafana.ToolAdder) {
	RunPanelQuery.Register(adder)
	RunPanelQueries.Register(adder)
}
