package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/grafana/grafana-openapi-client-go/client/search"
	"github.com/grafana/grafana-openapi-client-go/models"
	mcpgrafana "github.com/grafana/mcp-grafana-variables"
)

var dashboardTypeStr = "dash-db"
var folderTypeStr = "dash-folder"

const (
	// DefaultSearchLimit is the default number of results to return
	DefaultSearchLimit = 100
)

type SearchDashboardsParams struct {
	Query string `json:"query,omitempty" jsonschema:"description=Search query to filter dashboards by name"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of results to return (default: 100\\, max: 5000)"`
	Page  int    `json:"page,omitempty" jsonschema:"description=Page number for pagination (1-indexed). Default: 1"`
}

// SearchDashboardsResult is one page of dashboard search hits.
type SearchDashboardsResult struct {
	TotalCount int            `json:"totalCount"`
	Limit      int            `json:"limit"`
	Page       int            `json:"page"`
	Dashboards models.HitList `json:"dashboards"`
}

func searchDashboards(ctx context.Context, args SearchDashboardsParams) (*SearchDashboardsResult, error) {
	c := mcpgrafana.GrafanaClientFromContext(ctx)
	if c == nil {
		return nil, errNoClient()
	}
	params := search.NewSearchParamsWithContext(ctx)
	if args.Query != "" {
		params.SetQuery(&args.Query)
	}
	params.SetType(&dashboardTypeStr)

	limit := int64(args.Limit)
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	params.SetLimit(&limit)

	page := int64(1)
	if args.Page > 0 {
		page = int64(args.Page)
	}
	params.SetPage(&page)

	result, err := c.Search.Search(params)
	if err != nil {
		return nil, fmt.Errorf("search dashboards %q: %w", args.Query, err)
	}
	hits := result.Payload
	if hits == nil {
		hits = models.HitList{}
	}
	return &SearchDashboardsResult{
		TotalCount: len(hits),
		Limit:      int(limit),
		Page:       int(page),
		Dashboards: hits,
	}, nil
}

var SearchDashboards = mcpgrafana.MustTool(
	"search_dashboards",
	"Search and list Grafana dashboards. Returns dashboard names, UIDs, folders and URLs. Use the UIDs with get_dashboard_variables or run_panel_queries. Supports pagination with limit and page parameters.",
	searchDashboards,
	mcp.WithTitleAnnotation("Search dashboards"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

type SearchFoldersParams struct {
	Query string `json:"query,omitempty" jsonschema:"description=The query to search for. Lists all folders when empty."`
}

func searchFolders(ctx context.Context, args SearchFoldersParams) (models.HitList, error) {
	c := mcpgrafana.GrafanaClientFromContext(ctx)
	if c == nil {
		return nil, errNoClient()
	}
	params := search.NewSearchParamsWithContext(ctx)
	if args.Query != "" {
		params.SetQuery(&args.Query)
	}
	params.SetType(&folderTypeStr)
	result, err := c.Search.Search(params)
	if err != nil {
		return nil, fmt.Errorf("search folders %q: %w", args.Query, err)
	}
	return result.Payload, nil
}

var SearchFolders = mcpgrafana.MustTool(
	"search_folders",
	"Search for Grafana folders by a query string. Returns matching folders with details like title, UID, and URL.",
	searchFolders,
	mcp.WithTitleAnnotation("Search folders"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

func AddSearchTools(adder mcpgrafana.ToolAdder) {
	SearchDashboards.Register(adder)
	SearchFolders.Register(adder)
}
