package mcpgrafana

import (
	"maps"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ToolCollector satisfies ToolAdder by collecting tools into a map
// instead of registering them with an MCPServer. The CLI uses it to
// call the variable tools without starting a server.
type ToolCollector struct {
	tools map[string]Tool
}

// NewToolCollector creates a new ToolCollector.
func NewToolCollector() *ToolCollector {
	return &ToolCollector{tools: make(map[string]Tool)}
}

// AddTool implements ToolAdder. A later tool with the same name replaces
// the earlier one, as it would on an MCPServer.
func (c *ToolCollector) AddTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	c.tools[tool.Name] = Tool{Tool: tool, Handler: handler}
}

// Tools returns the collected tools as a map keyed by tool name.
func (c *ToolCollector) Tools() map[string]Tool {
	return c.tools
}

// Names returns the collected tool names in sorted order.
func (c *ToolCollector) Names() []string {
	return slices.Sorted(maps.Keys(c.tools))
}

// Lookup returns the tool registered under name.
func (c *ToolCollector) Lookup(name string) (Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}
