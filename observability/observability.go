// Package observability wires OpenTelemetry tracing and metrics into the
// dashboard variables MCP server.
//
// MCP protocol metrics follow the OTel MCP semantic conventions (mcpconv).
// The resolver's own instruments use the global MeterProvider registered
// here. Tracing is configured via the standard OTEL_* environment variables.
package observability

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/semconv/v1.39.0/mcpconv"
)

const meterName = "github.com/grafana/mcp-grafana-variables/observability"

// Config holds configuration for observability features.
type Config struct {
	// MetricsEnabled enables Prometheus metrics at /metrics.
	MetricsEnabled bool

	// MetricsAddress is an optional separate address for the metrics server.
	// If empty, metrics are served on the main server.
	MetricsAddress string

	// NetworkTransport is "pipe" for stdio and "tcp" for the HTTP transports.
	NetworkTransport mcpconv.NetworkTransportAttr

	ServerName    string
	ServerVersion string
}

type sessionMeta struct {
	startTime       time.Time
	protocolVersion atomic.Value // string, written by OnAfterInitialize
}

// Observability owns the OpenTelemetry providers and the /metrics handler.
type Observability struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	promHandler    http.Handler

	operationDuration mcpconv.ServerOperationDuration
	sessionDuration   mcpconv.ServerSessionDuration

	networkTransport mcpconv.NetworkTransportAttr

	requestStartTimes sync.Map // request ID -> time.Time
	sessions          sync.Map // session ID -> *sessionMeta
}

// Setup initializes the providers described by cfg and registers them
// globally, so that otelhttp and the variable resolver pick them up.
func Setup(cfg Config) (*Observability, error) {
	obs := &Observability{networkTransport: cfg.NetworkTransport}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServerName),
			semconv.ServiceVersion(cfg.ServerVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if err := obs.setupTracing(res); err != nil {
		return nil, err
	}
	if !cfg.MetricsEnabled {
		return obs, nil
	}
	if err := obs.setupMetrics(res); err != nil {
		return nil, err
	}
	slog.Debug("Metrics enabled", "address", cfg.MetricsAddress)
	return obs, nil
}

// setupTracing exports spans over OTLP/gRPC when OTEL_EXPORTER_OTLP_ENDPOINT
// is set. The exporter reads the remaining OTEL_* variables itself.
func (o *Observability) setupTracing(res *sdkresource.Resource) error {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return nil
	}
	exporter, err := otlptracegrpc.New(context.Background())
	if err != nil {
		return err
	}
	o.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(o.tracerProvider)
	slog.Debug("Tracing enabled", "endpoint", endpoint)
	return nil
}

func (o *Observability) setupMetrics(res *sdkresource.Resource) error {
	exporter, err := prometheus.New()
	if err != nil {
		return err
	}
	o.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(o.meterProvider)

	o.promHandler = promhttp.HandlerFor(
		promclient.DefaultGatherer,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)

	meter := o.meterProvider.Meter(meterName)
	if o.operationDuration, err = mcpconv.NewServerOperationDuration(meter, mcpHistogramBuckets); err != nil {
		return err
	}
	if o.sessionDuration, err = mcpconv.NewServerSessionDuration(meter, mcpHistogramBuckets); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o.tracerProvider != nil {
		if err := o.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if o.meterProvider != nil {
		return o.meterProvider.Shutdown(ctx)
	}
	return nil
}

// MetricsHandler returns the /metrics handler, or nil if metrics are disabled.
func (o *Observability) MetricsHandler() http.Handler {
	return o.promHandler
}

// WrapHandler instruments h with otelhttp, using operation as the span name.
func WrapHandler(h http.Handler, operation string) http.Handler {
	return otelhttp.NewHandler(h, operation)
}

func (o *Observability) metricsEnabled() bool {
	return o.operationDuration.Inst() != nil
}

func (o *Observability) operationAttrs(ctx context.Context, method mcp.MCPMethod, message any, err error) []attribute.KeyValue {
	var attrs []attribute.KeyValue

	if method == mcp.MethodToolsCall {
		if req, ok := message.(*mcp.CallToolRequest); ok && req != nil {
			attrs = append(attrs, o.operationDuration.AttrGenAIToolName(req.Params.Name))
		}
	}
	if err != nil {
		attrs = append(attrs, o.operationDuration.AttrErrorType(mcpconv.ErrorTypeAttr(errorTypeName(err))))
	}
	if o.networkTransport != "" {
		attrs = append(attrs, o.operationDuration.AttrNetworkTransport(o.networkTransport))
	}
	// mcp.session.id stays on spans only; it would explode metric cardinality.
	if pv := o.protocolVersion(ctx); pv != "" {
		attrs = append(attrs, o.operationDuration.AttrProtocolVersion(pv))
	}
	return attrs
}

func (o *Observability) protocolVersion(ctx context.Context) string {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return ""
	}
	meta, ok := o.sessions.Load(session.SessionID())
	if !ok {
		return ""
	}
	pv, _ := meta.(*sessionMeta).protocolVersion.Load().(string)
	return pv
}

func errorTypeName(err error) string {
	type errorTyper interface {
		ErrorType() string
	}
	if et, ok := err.(errorTyper); ok {
		return et.ErrorType()
	}
	return "_OTHER"
}

func (o *Observability) recordOperation(ctx context.Context, id any, method mcp.MCPMethod, message any, err error) {
	start, ok := o.requestStartTimes.LoadAndDelete(id)
	if !ok {
		return
	}
	duration := time.Since(start.(time.Time)).Seconds()
	o.operationDuration.Record(ctx, duration, mcpconv.MethodNameAttr(method), o.operationAttrs(ctx, method, message, err)...)
}

// MCPHooks returns hooks recording the MCP operation and session duration
// metrics. They are empty when metrics are disabled.
func (o *Observability) MCPHooks() *server.Hooks {
	if !o.metricsEnabled() {
		return &server.Hooks{}
	}

	return &server.Hooks{
		OnRegisterSession: []server.OnRegisterSessionHookFunc{
			func(ctx context.Context, session server.ClientSession) {
				o.sessions.Store(session.SessionID(), &sessionMeta{startTime: time.Now()})
			},
		},
		OnUnregisterSession: []server.OnUnregisterSessionHookFunc{
			func(ctx context.Context, session server.ClientSession) {
				meta, ok := o.sessions.LoadAndDelete(session.SessionID())
				if !ok {
					return
				}
				sm := meta.(*sessionMeta)
				var attrs []attribute.KeyValue
				if o.networkTransport != "" {
					attrs = append(attrs, o.sessionDuration.AttrNetworkTransport(o.networkTransport))
				}
				if pv, ok := sm.protocolVersion.Load().(string); ok && pv != "" {
					attrs = append(attrs, o.sessionDuration.AttrProtocolVersion(pv))
				}
				o.sessionDuration.Record(ctx, time.Since(sm.startTime).Seconds(), attrs...)
			},
		},
		OnAfterInitialize: []server.OnAfterInitializeFunc{
			func(ctx context.Context, id any, message *mcp.InitializeRequest, result *mcp.InitializeResult) {
				if result == nil {
					return
				}
				if session := server.ClientSessionFromContext(ctx); session != nil {
					if meta, ok := o.sessions.Load(session.SessionID()); ok {
						meta.(*sessionMeta).protocolVersion.Store(result.ProtocolVersion)
					}
				}
			},
		},
		OnBeforeAny: []server.BeforeAnyHookFunc{
			func(ctx context.Context, id any, method mcp.MCPMethod, message any) {
				o.requestStartTimes.Store(id, time.Now())
			},
		},
		OnSuccess: []server.OnSuccessHookFunc{
			func(ctx context.Context, id any, method mcp.MCPMethod, message any, result any) {
				o.recordOperation(ctx, id, method, message, nil)
			},
		},
		OnError: []server.OnErrorHookFunc{
			func(ctx context.Context, id any, method mcp.MCPMethod, message any, err error) {
				o.recordOperation(ctx, id, method, message, err)
			},
		},
	}
}

// LoggingHooks logs every tool call and its outcome at debug level.
func LoggingHooks(logger *slog.Logger) *server.Hooks {
	return &server.Hooks{
		OnBeforeCallTool: []server.OnBeforeCallToolFunc{
			func(ctx context.Context, id any, message *mcp.CallToolRequest) {
				logger.DebugContext(ctx, "Calling tool", "id", id, "tool", message.Params.Name)
			},
		},
		OnAfterCallTool: []server.OnAfterCallToolFunc{
			func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
				isError := false
				if r := result; r != nil {
					isError = r.IsError
				}
				logger.DebugContext(ctx, "Tool call finished", "id", id, "tool", message.Params.Name, "is_error", isError)
			},
		},
	}
}

// MergeHooks combines multiple Hooks into one, preserving all hook functions.
func MergeHooks(hooks ...*server.Hooks) *server.Hooks {
	merged := &server.Hooks{}
	for _, h := range hooks {
		if h == nil {
			continue
		}
		merged.OnRegisterSession = append(merged.OnRegisterSession, h.OnRegisterSession...)
		merged.OnUnregisterSession = append(merged.OnUnregisterSession, h.OnUnregisterSession...)
		merged.OnBeforeAny = append(merged.OnBeforeAny, h.OnBeforeAny...)
		merged.OnSuccess = append(merged.OnSuccess, h.OnSuccess...)
		merged.OnError = append(merged.OnError, h.OnError...)
		merged.OnRequestInitialization = append(merged.OnRequestInitialization, h.OnRequestInitialization...)
		merged.OnBeforeInitialize = append(merged.OnBeforeInitialize, h.OnBeforeInitialize...)
		merged.OnAfterInitialize = append(merged.OnAfterInitialize, h.OnAfterInitialize...)
		merged.OnBeforePing = append(merged.OnBeforePing, h.OnBeforePing...)
		merged.OnAfterPing = append(merged.OnAfterPing, h.OnAfterPing...)
		merged.OnBeforeListTools = append(merged.OnBeforeListTools, h.OnBeforeListTools...)
		merged.OnAfterListTools = append(merged.OnAfterListTools, h.OnAfterListTools...)
		merged.OnBeforeCallTool = append(merged.OnBeforeCallTool, h.OnBeforeCallTool...)
		merged.OnAfterCallTool = append(merged.OnAfterCallTool, h.OnAfterCallTool...)
	}
	return merged
}
