package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/grafana/grafana-openapi-client-go/models"
	"github.com/mark3labs/mcp-go/mcp"

	mcpgrafana "github.com/grafana/mcp-grafana-variables"
	"github.com/grafana/mcp-grafana-variables/templating"
)

const (
	defaultDatasourceLimit = 50
	maxDatasourceLimit     = 100
)

type ListDatasourcesParams struct {
	Type   string `json:"type,omitempty" jsonschema:"description=The type of datasources to search for. For example\\, 'prometheus'\\, 'loki'\\, 'tempo'\\, etc..."`
	Limit  int    `json:"limit,omitempty" jsonschema:"default=50,description=Maximum number of datasources to return (max 100)"`
	Offset int    `json:"offset,omitempty" jsonschema:"default=0,description=Number of datasources to skip for pagination"`
}

type dataSourceSummary struct {
	ID        int64  `json:"id"`
	UID       string `json:"uid"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	IsDefault bool   `json:"isDefault"`
	// Resolvable is true for datasources that query variables can run against.
	Resolvable bool `json:"resolvable"`
}

type ListDatasourcesResult struct {
	Datasources []dataSourceSummary `json:"datasources"`
	Total       int                 `json:"total"`
	HasMore     bool                `json:"hasMore"`
}

func errNoClient() error {
	return &mcpgrafana.HardError{Err: errors.New("no Grafana client configured")}
}

// listAllDatasources fetches every datasource visible to the caller.
func listAllDatasources(ctx context.Context) (models.DataSourceList, error) {
	c := mcpgrafana.GrafanaClientFromContext(ctx)
	if c == nil {
		return nil, errNoClient()
	}
	resp, err := c.Datasources.GetDataSources()
	if err != nil {
		return nil, fmt.Errorf("list datasources: %w", err)
	}
	return resp.Payload, nil
}

func listDatasources(ctx context.Context, args ListDatasourcesParams) (*ListDatasourcesResult, error) {
	all, err := listAllDatasources(ctx)
	if err != nil {
		return nil, err
	}
	matching := filterDatasources(all, args.Type)
	page := paginate(matching, args.Offset, args.Limit)
	return &ListDatasourcesResult{
		Datasources: summarizeDatasources(page),
		Total:       len(matching),
		HasMore:     max(args.Offset, 0)+len(page) < len(matching),
	}, nil
}

// paginate returns the page of list starting at offset. Non-positive limits
// use the default page size; limits above the maximum are capped.
func paginate[T any](list []T, offset, limit int) []T {
	if limit <= 0 {
		limit = defaultDatasourceLimit
	}
	limit = min(limit, maxDatasourceLimit)
	offset = max(offset, 0)
	if offset >= len(list) {
		return []T{}
	}
	return list[offset:min(offset+limit, len(list))]
}

// filterDatasources returns the datasources whose type contains t,
// case-insensitively, so that "prometheus" also matches managed Prometheus
// flavours. An empty t matches everything.
func filterDatasources(datasources models.DataSourceList, t string) models.DataSourceList {
	if t == "" {
		return datasources
	}
	filtered := models.DataSourceList{}
	t = strings.ToLower(t)
	for _, ds := range datasources {
		if strings.Contains(strings.ToLower(ds.Type), t) {
			filtered = append(filtered, ds)
		}
	}
	return filtered
}

func summarizeDatasources(dataSources models.DataSourceList) []dataSourceSummary {
	result := make([]dataSourceSummary, 0, len(dataSources))
	for _, ds := range dataSources {
		info := datasourceInfoFromListItem(ds)
		result = append(result, dataSourceSummary{
			ID:         ds.ID,
			UID:        ds.UID,
			Name:       ds.Name,
			Type:       ds.Type,
			IsDefault:  ds.IsDefault,
			Resolvable: info.IsPrometheus() || info.IsLoki(),
		})
	}
	return result
}

var ListDatasources = mcpgrafana.MustTool(
	"list_datasources",
	"List the datasources configured in Grafana with their UIDs and types. Datasources marked resolvable can back query variables. Supports filtering by type and pagination.",
	listDatasources,
	mcp.WithTitleAnnotation("List datasources"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

type GetDatasourceByUIDParams struct {
	UID string `json:"uid" jsonschema:"required,description=The uid of the datasource"`
}

func getDatasourceByUID(ctx context.Context, args GetDatasourceByUIDParams) (*models.DataSource, error) {
	c := mcpgrafana.GrafanaClientFromContext(ctx)
	if c == nil {
		return nil, errNoClient()
	}
	datasource, err := c.Datasources.GetDataSourceByUID(args.UID)
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return nil, fmt.Errorf("datasource with UID '%s' not found: %w", args.UID, templating.ErrDatasourceNotFound)
		}
		return nil, fmt.Errorf("get datasource by uid %s: %w", args.UID, err)
	}
	return datasource.Payload, nil
}

var GetDatasourceByUID = mcpgrafana.MustTool(
	"get_datasource_by_uid",
	"Get a datasource by its UID, including its type, URL, access mode and JSON data. Use it to check which datasource a dashboard variable points at.",
	getDatasourceByUID,
	mcp.WithTitleAnnotation("Get datasource by UID"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

func AddDatasourceTools(adder mcpgrafana.ToolAdder) {
	ListDatasources.Register(adder)
	GetDatasourceByUID.Register(adder)
}
