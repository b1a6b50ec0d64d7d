//go:build unit

package mcpgrafana

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type resolveParams struct {
	DashboardUID string              `json:"dashboardUid" jsonschema:"required,description=The dashboard UID"`
	Fixed        map[string][]string `json:"fixedVariables,omitempty" jsonschema:"description=Fixed variable values"`
	Verbose      bool                `json:"verbose,omitempty"`
}

type resolveSummary struct {
	UID    string `json:"uid"`
	Pinned int    `json:"pinned"`
}

var errNoGrafana = errors.New("no grafana client configured")

// outcome lets one handler exercise every error path by dashboard UID.
func outcome(p resolveParams) error {
	switch p.DashboardUID {
	case "fail":
		return errors.New("dashboard not found")
	case "hard":
		return &HardError{Err: errNoGrafana}
	}
	return nil
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = "resolve"
	req.Params.Arguments = args
	return handler(context.Background(), req)
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestConvertToolReturnTypes(t *testing.T) {
	t.Run("struct result is marshalled to JSON", func(t *testing.T) {
		_, handler, err := ConvertTool("resolve", "Resolve variables", func(ctx context.Context, p resolveParams) (resolveSummary, error) {
			return resolveSummary{UID: p.DashboardUID, Pinned: len(p.Fixed)}, outcome(p)
		})
		require.NoError(t, err)

		result, err := callTool(t, handler, map[string]any{"dashboardUid": "svc", "fixedVariables": map[string]any{"job": []any{"api"}}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"uid":"svc","pinned":1}`, resultText(t, result))
	})

	t.Run("nil pointer result", func(t *testing.T) {
		_, handler, err := ConvertTool("resolve", "Resolve variables", func(ctx context.Context, p resolveParams) (*resolveSummary, error) {
			return nil, outcome(p)
		})
		require.NoError(t, err)

		result, err := callTool(t, handler, map[string]any{"dashboardUid": "svc"})
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("string results", func(t *testing.T) {
		_, handler, err := ConvertTool("resolve", "Resolve variables", func(ctx context.Context, p resolveParams) (string, error) {
			if p.Verbose {
				return "", nil
			}
			return "resolved " + p.DashboardUID, nil
		})
		require.NoError(t, err)

		result, err := callTool(t, handler, map[string]any{"dashboardUid": "svc"})
		require.NoError(t, err)
		assert.Equal(t, "resolved svc", resultText(t, result))

		result, err = callTool(t, handler, map[string]any{"dashboardUid": "svc", "verbose": true})
		require.NoError(t, err)
		assert.Nil(t, result, "empty strings produce no result")
	})

	t.Run("call tool result is passed through", func(t *testing.T) {
		_, handler, err := ConvertTool("resolve", "Resolve variables", func(ctx context.Context, p resolveParams) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("raw"), nil
		})
		require.NoError(t, err)

		result, err := callTool(t, handler, map[string]any{"dashboardUid": "svc"})
		require.NoError(t, err)
		assert.Equal(t, "raw", resultText(t, result))
	})
}

func TestConvertToolErrors(t *testing.T) {
	_, handler, err := ConvertTool("resolve", "Resolve variables", func(ctx context.Context, p resolveParams) (*resolveSummary, error) {
		if err := outcome(p); err != nil {
			return nil, err
		}
		return &resolveSummary{UID: p.DashboardUID}, nil
	})
	require.NoError(t, err)

	t.Run("handler error becomes an error result", func(t *testing.T) {
		result, err := callTool(t, handler, map[string]any{"dashboardUid": "fail"})
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Equal(t, "dashboard not found", resultText(t, result))
	})

	t.Run("hard error propagates", func(t *testing.T) {
		result, err := callTool(t, handler, map[string]any{"dashboardUid": "hard"})
		assert.Nil(t, result)
		assert.ErrorIs(t, err, errNoGrafana)
	})

	t.Run("arguments of the wrong type", func(t *testing.T) {
		_, err := callTool(t, handler, map[string]any{"dashboardUid": 42})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unmarshal args")
	})
}

func TestConvertToolRejectsBadHandlers(t *testing.T) {
	_, _, err := ConvertTool("bad", "Not a struct", func(ctx context.Context, uid string) (string, error) {
		return uid, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a struct")

	assert.Panics(t, func() {
		MustTool("bad", "Not a struct", func(ctx context.Context, uid string) (string, error) {
			return uid, nil
		})
	})
}

func TestConvertToolSchema(t *testing.T) {
	tool, _, err := ConvertTool("resolve", "Resolve variables", func(ctx context.Context, p resolveParams) (string, error) {
		return "", nil
	}, mcp.WithReadOnlyHintAnnotation(true))
	require.NoError(t, err)

	assert.Equal(t, "resolve", tool.Name)
	assert.Equal(t, "Resolve variables", tool.Description)
	require.NotNil(t, tool.Annotations.ReadOnlyHint)
	assert.True(t, *tool.Annotations.ReadOnlyHint)

	var schema struct {
		Type       string                    `json:"type"`
		Properties map[string]map[string]any `json:"properties"`
		Required   []string                  `json:"required"`
	}
	require.NoError(t, json.Unmarshal(tool.RawInputSchema, &schema))
	assert.Equal(t, "object", schema.Type)
	assert.Equal(t, []string{"dashboardUid"}, schema.Required)
	assert.Equal(t, "string", schema.Properties["dashboardUid"]["type"])
	assert.Equal(t, "The dashboard UID", schema.Properties["dashboardUid"]["description"])
	assert.Equal(t, "object", schema.Properties["fixedVariables"]["type"])
	assert.Contains(t, schema.Properties, "verbose")
}

func TestEmptyParamsSchema(t *testing.T) {
	type noParams struct{}
	tool, _, err := ConvertTool("ping", "No arguments", func(ctx context.Context, p noParams) (string, error) {
		return "pong", nil
	})
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(tool.RawInputSchema, &schema))
	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok, "properties must be present even when empty")
	assert.Empty(t, props)
}

func TestSanitizeBooleanSchemas(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "true property",
			input:    `{"type":"object","properties":{"model":true,"name":{"type":"string"}}}`,
			expected: `{"type":"object","properties":{"model":{},"name":{"type":"string"}}}`,
		},
		{
			name:     "false property",
			input:    `{"properties":{"blocked":false}}`,
			expected: `{"properties":{"blocked":{"not":{}}}}`,
		},
		{
			name:     "nested items and additionalProperties",
			input:    `{"properties":{"values":{"type":"object","additionalProperties":{"type":"array","items":true}}}}`,
			expected: `{"properties":{"values":{"type":"object","additionalProperties":{"type":"array","items":{}}}}}`,
		},
		{
			name:     "schema lists",
			input:    `{"anyOf":[true,{"type":"string"}],"$defs":{"x":false}}`,
			expected: `{"anyOf":[{},{"type":"string"}],"$defs":{"x":{"not":{}}}}`,
		},
		{
			name:     "booleans that are not schemas are kept",
			input:    `{"type":"object","additionalProperties":true,"default":true,"properties":{"verbose":{"type":"boolean","default":false}}}`,
			expected: `{"type":"object","additionalProperties":{},"default":true,"properties":{"verbose":{"type":"boolean","default":false}}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := sanitizeBooleanSchemas([]byte(tt.input))
			require.NoError(t, err)
			assert.JSONEq(t, tt.expected, string(out))
		})
	}

	_, err := sanitizeBooleanSchemas([]byte(`{`))
	assert.Error(t, err)
}

func TestConvertToolSanitizesInterfaceFields(t *testing.T) {
	type anyParams struct {
		Name  string `json:"name" jsonschema:"required"`
		Value any    `json:"value"`
	}
	tool, _, err := ConvertTool("any_tool", "Tool with a free-form field", func(ctx context.Context, p anyParams) (string, error) {
		return p.Name, nil
	})
	require.NoError(t, err)

	var schema struct {
		Properties map[string]any `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(tool.RawInputSchema, &schema))
	_, ok := schema.Properties["value"].(map[string]any)
	assert.True(t, ok, "value should be an object schema, got %T", schema.Properties["value"])
}

func TestExtractTraceContext(t *testing.T) {
	const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	req := mcp.CallToolRequest{}
	req.Params.Meta = &mcp.Meta{AdditionalFields: map[string]any{"traceparent": traceparent}}
	sc := trace.SpanContextFromContext(extractTraceContext(context.Background(), req))
	require.True(t, sc.IsValid())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID().String())
	assert.True(t, sc.IsRemote())

	t.Run("no meta", func(t *testing.T) {
		ctx := extractTraceContext(context.Background(), mcp.CallToolRequest{})
		assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
	})

	t.Run("meta without trace fields", func(t *testing.T) {
		req := mcp.CallToolRequest{}
		req.Params.Meta = &mcp.Meta{AdditionalFields: map[string]any{"progressToken": "x"}}
		ctx := extractTraceContext(context.Background(), req)
		assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
	})
}
