package tools

import (
	"log/slog"
	"slices"

	mcpgrafana "github.com/grafana/mcp-grafana-variables"
)

// Categories lists the tool categories accepted by --enabled-tools.
var Categories = []string{"variables", "dashboard", "search", "panels", "datasource", "prometheus"}

// CollectAllTools registers all tool categories with the given ToolAdder,
// filtered by the enabledTools list. This is the single entry point for tool
// registration, used by both MCP server mode and CLI mode.
func CollectAllTools(adder mcpgrafana.ToolAdder, enabledTools []string) {
	maybeAdd(adder, AddVariableTools, enabledTools, "variables")
	maybeAdd(adder, AddDashboardTools, enabledTools, "dashboard")
	maybeAdd(adder, AddSearchTools, enabledTools, "search")
	maybeAdd(adder, AddRunPanelQueryTools, enabledTools, "panels")
	maybeAdd(adder, AddDatasourceTools, enabledTools, "datasource")
	maybeAdd(adder, AddPrometheusTools, enabledTools, "prometheus")
}

func maybeAdd(adder mcpgrafana.ToolAdder, fn func(mcpgrafana.ToolAdder), enabledTools []string, category string) {
	if !slices.Contains(enabledTools, category) {
		slog.Debug("Not enabling tools", "category", category)
		return
	}
	slog.Debug("Enabling tools", "category", category)
	fn(adder)
}
