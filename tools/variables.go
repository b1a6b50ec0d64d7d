package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	mcpgrafana "github.com/grafana/mcp-grafana-variables"
	"github.com/grafana/mcp-grafana-variables/templating"
)

// loadDashboard fetches a dashboard and returns both its raw model and the
// decoded variable definitions.
func loadDashboard(ctx context.Context, uid string) (map[string]any, templating.Dashboard, error) {
	dashboard, err := getDashboardByUID(ctx, GetDashboardByUIDParams{UID: uid})
	if err != nil {
		return nil, templating.Dashboard{}, fmt.Errorf("get dashboard by uid: %w", err)
	}
	db, err := dashboardModel(dashboard)
	if err != nil {
		return nil, templating.Dashboard{}, err
	}
	decoded, err := templating.DecodeDashboard(db)
	if err != nil {
		return nil, templating.Dashboard{}, err
	}
	if decoded.UID == "" {
		decoded.UID = uid
	}
	return db, decoded, nil
}

func newResolver() *templating.Resolver {
	return templating.NewResolver(grafanaDatasource{}, templating.WithLogger(slog.Default()))
}

type GetDashboardVariablesParams struct {
	DashboardUID   string                 `json:"dashboardUid" jsonschema:"required,description=The UID of the dashboard"`
	FixedVariables templating.FixedValues `json:"fixedVariables,omitempty" jsonschema:"description=Optional variable values to pin\\, keyed by variable name (e.g.\\, {\"job\": [\"api\"]\\, \"instance\": [\"a:9100\"\\, \"b:9100\"]}). Variables depending on pinned values are resolved in their context."`
	StartTime      string                 `json:"startTime,omitempty" jsonschema:"description=Start of the time window used for label value lookups (RFC3339\\, Unix ms or relative like 'now-6h'). Defaults to now-1h."`
	EndTime        string                 `json:"endTime,omitempty" jsonschema:"description=End of the time window (RFC3339\\, Unix ms or relative like 'now'). Defaults to now."`
}

func getDashboardVariables(ctx context.Context, args GetDashboardVariablesParams) (*templating.Result, error) {
	window, err := resolveTimeWindow(args.StartTime, args.EndTime)
	if err != nil {
		return nil, err
	}
	_, dashboard, err := loadDashboard(ctx, args.DashboardUID)
	if err != nil {
		return nil, err
	}
	return newResolver().Resolve(ctx, dashboard, args.FixedVariables, window), nil
}

var GetDashboardVariables = mcpgrafana.MustTool(
	"get_dashboard_variables",
	"Resolve the template variables of a dashboard against its datasources. Returns the candidate values of every variable and the variables each one depends on. Pin values with `fixedVariables` to see what dependent variables resolve to in that context. Variables whose dependencies are unknown are resolved with wildcards instead.",
	getDashboardVariables,
	mcp.WithTitleAnnotation("Get dashboard variables"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

type DashboardPanelQueriesParams struct {
	UID            string                 `json:"uid" jsonschema:"required,description=The UID of the dashboard"`
	PanelID        *int                   `json:"panelId,omitempty" jsonschema:"description=Optional panel ID to filter to a specific panel"`
	FixedVariables templating.FixedValues `json:"fixedVariables,omitempty" jsonschema:"description=Optional variable values to pin before substitution (e.g.\\, {\"job\": [\"api-server\"]})"`
	StartTime      string                 `json:"startTime,omitempty" jsonschema:"description=Start of the time window used to resolve variables. Defaults to now-1h."`
	EndTime        string                 `json:"endTime,omitempty" jsonschema:"description=End of the time window used to resolve variables. Defaults to now."`
}

type panelDatasource struct {
	UID  string `json:"uid"`
	Type string `json:"type"`
}

type panelQuery struct {
	Title             string          `json:"title"`
	Query             string          `json:"query"`
	ProcessedQuery    string          `json:"processedQuery"`
	Datasource        panelDatasource `json:"datasource"`
	RefID             string          `json:"refId,omitempty"`
	RequiredVariables []VariableInfo  `json:"requiredVariables,omitempty"`
}

func getDashboardPanelQueries(ctx context.Context, args DashboardPanelQueriesParams) ([]panelQuery, error) {
	window, err := resolveTimeWindow(args.StartTime, args.EndTime)
	if err != nil {
		return nil, err
	}
	db, dashboard, err := loadDashboard(ctx, args.UID)
	if err != nil {
		return nil, err
	}

	var panels []map[string]any
	if args.PanelID != nil {
		panel, err := findPanelByID(db, *args.PanelID)
		if err != nil {
			return nil, err
		}
		panels = []map[string]any{panel}
	} else {
		panels = collectAllPanels(db)
	}

	var values templating.Values
	if len(dashboard.Templating.List) > 0 {
		values = newResolver().Resolve(ctx, dashboard, args.FixedVariables, window).Variables
	}

	result := []panelQuery{}
	for _, panel := range panels {
		result = append(result, extractPanelQueries(panel, values)...)
	}
	return result, nil
}

var GetDashboardPanelQueries = mcpgrafana.MustTool(
	"get_dashboard_panel_queries",
	"Retrieve panel queries from a Grafana dashboard with template variables resolved and substituted. Supports row-nested panels and filtering to one panel with `panelId`. Multi-value variables become an escaped regex alternation inside =~ and !~ matchers and their first value elsewhere. Returns title, query (raw expression), processedQuery, datasource (uid and type), refId and requiredVariables with their resolved values.",
	getDashboardPanelQueries,
	mcp.WithTitleAnnotation("Get dashboard panel queries"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

func AddVariableTools(adder mcpgrafana.ToolAdder) {
	GetDashboardVariables.Register(adder)
	GetDashboardPanelQueries.Register(adder)
}
