//go:build unit

package mcpgrafana

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(text string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(text), nil
	}
}

type echoParams struct {
	Name string `json:"name" jsonschema:"required,description=The name to echo"`
}

func stringToolHandler(ctx context.Context, params echoParams) (string, error) {
	return params.Name, nil
}

func TestToolCollectorAddTool(t *testing.T) {
	c := NewToolCollector()
	c.AddTool(mcp.Tool{Name: "get_dashboard_variables", Description: "Resolve variables"}, okHandler("ok"))

	got, ok := c.Lookup("get_dashboard_variables")
	require.True(t, ok)
	assert.Equal(t, "Resolve variables", got.Tool.Description)
	assert.NotNil(t, got.Handler)
	assert.Len(t, c.Tools(), 1)

	_, ok = c.Lookup("missing")
	assert.False(t, ok)
}

func TestToolCollectorNamesSorted(t *testing.T) {
	c := NewToolCollector()
	for _, name := range []string{"query_prometheus", "get_dashboard_variables", "list_datasources"} {
		c.AddTool(mcp.Tool{Name: name}, okHandler(name))
	}
	assert.Equal(t, []string{"get_dashboard_variables", "list_datasources", "query_prometheus"}, c.Names())
}

func TestToolCollectorOverwrite(t *testing.T) {
	c := NewToolCollector()
	c.AddTool(mcp.Tool{Name: "dup"}, okHandler("first"))
	c.AddTool(mcp.Tool{Name: "dup"}, okHandler("second"))

	got, ok := c.Lookup("dup")
	require.True(t, ok)
	result, err := got.Handler(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.Equal(t, "second", result.Content[0].(mcp.TextContent).Text)
}

func TestToolRegisterWithCollector(t *testing.T) {
	c := NewToolCollector()
	tool := MustTool("echo", "Echo a name", stringToolHandler)
	tool.Register(c)
	assert.Equal(t, []string{"echo"}, c.Names())
}
