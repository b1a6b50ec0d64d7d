package tools

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"

	"github.com/grafana/mcp-grafana-variables/templating"
)

// Grafana's datasource proxy keeps the typed Prometheus error (promv1.Error
// with Type "bad_data"), while Loki answers with HTTP 400 and a plain body
// that we surface as LokiAPIError.

// IsPrometheusValidationError reports whether err is a Prometheus bad_data
// error, i.e. an HTTP 400 for invalid query syntax or parameters.
func IsPrometheusValidationError(err error) bool {
	var promErr *promv1.Error
	if !errors.As(err, &promErr) {
		return false
	}
	return promErr.Type == promv1.ErrBadData
}

// httpStatusCodeError is implemented by errors that carry an HTTP status code.
type httpStatusCodeError interface {
	error
	HTTPStatusCode() int
}

// IsLokiValidationError reports whether err is an HTTP 400 from Loki.
func IsLokiValidationError(err error) bool {
	var statusErr httpStatusCodeError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.HTTPStatusCode() == http.StatusBadRequest
}

func isParseError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "parse error")
}

// promSelectorError marks Prometheus parse errors for a match[] selector as
// rejected selectors so the resolver can retry without the filter.
func promSelectorError(err error) error {
	if IsPrometheusValidationError(err) && isParseError(err) {
		return fmt.Errorf("%w: %w", templating.ErrSelectorRejected, err)
	}
	return err
}

// lokiSelectorError does the same for Loki stream selectors.
func lokiSelectorError(err error) error {
	if IsLokiValidationError(err) && isParseError(err) {
		return fmt.Errorf("%w: %w", templating.ErrSelectorRejected, err)
	}
	return err
}

// NewValidationErrorResult returns a tool result flagged as an error, so the
// caller sees what was wrong with its input and can retry. what names the
// input, e.g. "Prometheus query".
func NewValidationErrorResult(err error, what string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: fmt.Sprintf("Validation error in %s: %v", what, err),
			},
		},
		IsError: true,
	}
}
