package observability

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/semconv/v1.39.0/mcpconv"
)

// Histogram bucket boundaries recommended by the OTel MCP semantic conventions.
// https://opentelemetry.io/docs/specs/semconv/gen-ai/mcp/
var mcpHistogramBuckets = metric.WithExplicitBucketBoundaries(
	0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60, 120, 300,
)

// NetworkTransport maps a server transport name to the network.transport
// attribute value: stdio is a pipe, everything else runs over TCP.
func NetworkTransport(transport string) mcpconv.NetworkTransportAttr {
	if transport == "stdio" {
		return mcpconv.NetworkTransportAttr("pipe")
	}
	return mcpconv.NetworkTransportAttr("tcp")
}
