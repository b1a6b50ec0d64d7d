package mcpgrafana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "mcp-grafana-variables"

// Tool represents a tool definition and its handler function for the MCP server.
// It encapsulates both the tool metadata (name, description, schema) and the function that executes when the tool is called.
// The simplest way to create a Tool is to use MustTool for compile-time tool creation,
// or ConvertTool if you need runtime tool creation with proper error handling.
type Tool struct {
	Tool    mcp.Tool
	Handler server.ToolHandlerFunc
}

// HardError wraps an error to indicate it should propagate as a JSON-RPC protocol
// error rather than being converted to CallToolResult with IsError=true.
// Use sparingly for non-recoverable failures (e.g., missing auth).
type HardError struct {
	Err error
}

func (e *HardError) Error() string {
	return e.Err.Error()
}

func (e *HardError) Unwrap() error {
	return e.Err
}

// ToolAdder is implemented by anything tools can be registered with:
// *server.MCPServer when serving, ToolCollector in CLI mode.
type ToolAdder interface {
	AddTool(tool mcp.Tool, handler server.ToolHandlerFunc)
}

// Register adds the Tool to the given ToolAdder, allowing fluent
// registration in a single statement:
// mcpgrafana.MustTool(name, description, toolHandler).Register(server)
func (t *Tool) Register(adder ToolAdder) {
	adder.AddTool(t.Tool, t.Handler)
}

// MustTool creates a new Tool from the given name, description, and toolHandler.
// It panics if the tool cannot be created, making it suitable for compile-time tool definitions where creation errors indicate programming mistakes.
func MustTool[T any, R any](
	name, description string,
	toolHandler ToolHandlerFunc[T, R],
	options ...mcp.ToolOption,
) Tool {
	tool, handler, err := ConvertTool(name, description, toolHandler, options...)
	if err != nil {
		panic(err)
	}
	return Tool{Tool: tool, Handler: handler}
}

// ToolHandlerFunc is the type of a handler function for a tool.
// T is the request parameter type (must be a struct with jsonschema tags), and R is the response type which can be a string, struct, or *mcp.CallToolResult.
type ToolHandlerFunc[T any, R any] = func(ctx context.Context, request T) (R, error)

// ConvertTool converts a typed handler into an MCP tool definition and a raw
// handler. The input schema is reflected from T's jsonschema tags. R may be a
// string, *mcp.CallToolResult or anything that marshals to JSON. Each call runs
// inside a "tools/call <name>" server span.
func ConvertTool[T any, R any](name, description string, toolHandler ToolHandlerFunc[T, R], options ...mcp.ToolOption) (mcp.Tool, server.ToolHandlerFunc, error) {
	argType, err := checkHandlerType(reflect.TypeOf(toolHandler))
	if err != nil {
		return mcp.Tool{}, nil, err
	}

	handler := func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := startToolSpan(ctx, name, request)
		defer span.End()

		argBytes, err := json.Marshal(request.Params.Arguments)
		if err != nil {
			return nil, failSpan(span, fmt.Errorf("marshal args: %w", err))
		}
		if GrafanaConfigFromContext(ctx).IncludeArgumentsInSpans {
			span.SetAttributes(attribute.String("gen_ai.tool.call.arguments", string(argBytes)))
		}

		var args T
		if err := json.Unmarshal(argBytes, &args); err != nil {
			return nil, failSpan(span, fmt.Errorf("unmarshal args: %w", err))
		}

		out, handlerErr := toolHandler(ctx, args)
		if handlerErr != nil {
			slog.DebugContext(ctx, "Tool call failed", "tool", name, "error", handlerErr)
			failSpan(span, handlerErr)
			span.SetAttributes(semconv.ErrorType(handlerErr))
			var hardErr *HardError
			if errors.As(handlerErr, &hardErr) {
				return nil, hardErr.Err
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.TextContent{Type: "text", Text: handlerErr.Error()}},
				IsError: true,
			}, nil
		}
		span.SetStatus(codes.Ok, "tool execution completed")
		return toolResult(out)
	}

	schema, err := inputSchema(argType)
	if err != nil {
		return mcp.Tool{}, nil, err
	}
	t := mcp.Tool{
		Name:           name,
		Description:    description,
		RawInputSchema: schema,
	}
	for _, option := range options {
		option(&t)
	}
	return t, handler, nil
}

var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()

// checkHandlerType returns the handler's argument type, which must be a struct
// so that it can be reflected into an object schema.
func checkHandlerType(handlerType reflect.Type) (reflect.Type, error) {
	if handlerType == nil || handlerType.Kind() != reflect.Func {
		return nil, errors.New("tool handler must be a function")
	}
	if handlerType.NumIn() != 2 || handlerType.In(0) != contextType {
		return nil, errors.New("tool handler must take a context.Context and an argument struct")
	}
	if argType := handlerType.In(1); argType.Kind() == reflect.Struct {
		return argType, nil
	}
	return nil, errors.New("tool handler second argument must be a struct")
}

func startToolSpan(ctx context.Context, name string, request mcp.CallToolRequest) (context.Context, trace.Span) {
	ctx = extractTraceContext(ctx, request)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "tools/call "+name, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		semconv.GenAIToolName(name),
		attribute.String("mcp.method.name", "tools/call"),
	)
	if session := server.ClientSessionFromContext(ctx); session != nil {
		span.SetAttributes(semconv.McpSessionID(session.SessionID()))
	}
	return ctx, span
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// toolResult converts a handler's return value into a tool result. Nil values
// and empty strings produce no result.
func toolResult(out any) (*mcp.CallToolResult, error) {
	if out == nil {
		return nil, nil
	}
	switch v := reflect.ValueOf(out); v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		if v.IsNil() {
			return nil, nil
		}
	}

	switch r := out.(type) {
	case *mcp.CallToolResult:
		return r, nil
	case mcp.CallToolResult:
		return &r, nil
	case string:
		if r == "" {
			return nil, nil
		}
		return mcp.NewToolResultText(r), nil
	case *string:
		if *r == "" {
			return nil, nil
		}
		return mcp.NewToolResultText(*r), nil
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal return value: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// inputSchema reflects argType into the tool's raw input schema.
// mcp.ToolArgumentsSchema is marshalled directly so that an empty properties
// object is kept.
func inputSchema(argType reflect.Type) (json.RawMessage, error) {
	reflected := jsonSchemaReflector.ReflectFromType(argType)
	properties := make(map[string]any, reflected.Properties.Len())
	for pair := reflected.Properties.Oldest(); pair != nil; pair = pair.Next() {
		properties[pair.Key] = pair.Value
	}
	b, err := json.Marshal(mcp.ToolArgumentsSchema{
		Type:       reflected.Type,
		Properties: properties,
		Required:   reflected.Required,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input schema: %w", err)
	}
	// Fields typed as any reflect to a bare `true`, which some MCP clients
	// reject.
	b, err = sanitizeBooleanSchemas(b)
	if err != nil {
		return nil, fmt.Errorf("failed to sanitize input schema: %w", err)
	}
	return b, nil
}

// extractTraceContext checks the request's _meta for W3C trace context headers
// (traceparent/tracestate) and returns a context with the extracted span context
// so that the tool span becomes a child of the caller's trace.
func extractTraceContext(ctx context.Context, request mcp.CallToolRequest) context.Context {
	if request.Params.Meta == nil {
		return ctx
	}
	fields := request.Params.Meta.AdditionalFields
	if len(fields) == 0 {
		return ctx
	}
	// Build a minimal carrier from _meta fields
	carrier := make(http.Header)
	if tp, ok := fields["traceparent"].(string); ok && tp != "" {
		carrier.Set("traceparent", tp)
	}
	if ts, ok := fields["tracestate"].(string); ok && ts != "" {
		carrier.Set("tracestate", ts)
	}
	if len(carrier) == 0 {
		return ctx
	}
	prop := propagation.TraceContext{}
	return prop.Extract(ctx, propagation.HeaderCarrier(carrier))
}

var jsonSchemaReflector = jsonschema.Reflector{
	Anonymous:                  true,
	AllowAdditionalProperties:  true,
	RequiredFromJSONSchemaTags: true,
	DoNotReference:             true,
	ExpandedStruct:             true,
}

// schemaValuedKeys are the JSON Schema keywords whose values are schemas.
var schemaValuedKeys = map[string]bool{
	"additionalProperties": true,
	"items":                true,
	"not":                  true,
	"contains":             true,
	"propertyNames":        true,
	"if":                   true,
	"then":                 true,
	"else":                 true,
}

// schemaMapKeys are the keywords whose values map names to schemas.
var schemaMapKeys = map[string]bool{
	"properties":        true,
	"patternProperties": true,
	"$defs":             true,
	"definitions":       true,
}

// schemaListKeys are the keywords whose values are lists of schemas.
var schemaListKeys = map[string]bool{
	"allOf":       true,
	"anyOf":       true,
	"oneOf":       true,
	"prefixItems": true,
}

// sanitizeBooleanSchemas replaces boolean schemas with their object
// equivalents: true becomes {} and false becomes {"not": {}}.
func sanitizeBooleanSchemas(raw []byte) ([]byte, error) {
	var schema any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	return json.Marshal(sanitizeSchema(schema))
}

func sanitizeSchema(v any) any {
	switch s := v.(type) {
	case bool:
		if s {
			return map[string]any{}
		}
		return map[string]any{"not": map[string]any{}}
	case map[string]any:
		for key, value := range s {
			switch {
			case schemaValuedKeys[key]:
				s[key] = sanitizeSchema(value)
			case schemaMapKeys[key]:
				if m, ok := value.(map[string]any); ok {
					for name, sub := range m {
						m[name] = sanitizeSchema(sub)
					}
				}
			case schemaListKeys[key]:
				if list, ok := value.([]any); ok {
					for i, sub := range list {
						list[i] = sanitizeSchema(sub)
					}
				}
			}
		}
		return s
	default:
		return v
	}
}
