package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"

	mcpgrafana "github.com/grafana/mcp-grafana-variables"
)

// LokiAPIError is a non-2xx response from Loki.
type LokiAPIError struct {
	StatusCode int
	Message    string
}

func (e *LokiAPIError) Error() string {
	return fmt.Sprintf("loki API error %d: %s", e.StatusCode, e.Message)
}

// HTTPStatusCode implements httpStatusCodeError.
func (e *LokiAPIError) HTTPStatusCode() int {
	return e.StatusCode
}

// lokiClient talks to a Loki datasource through the Grafana datasource proxy.
type lokiClient struct {
	httpClient *http.Client
	baseURL    string
}

func newLokiClient(ctx context.Context, uid string) (*lokiClient, error) {
	cfg := mcpgrafana.GrafanaConfigFromContext(ctx)
	httpClient, err := mcpgrafana.NewHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating Loki HTTP client: %w", err)
	}
	return &lokiClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.URL, "/") + pathsForDatasource(uid).Proxy,
	}, nil
}

type lokiLabelValuesResponse struct {
	Status string   `json:"status"`
	Data   []string `json:"data"`
}

// labelValues calls /loki/api/v1/label/{label}/values. A non-empty query is
// sent as the stream selector restricting the lookup.
func (c *lokiClient) labelValues(ctx context.Context, label, query string, start, end time.Time) ([]string, error) {
	params := url.Values{}
	if query != "" {
		params.Set("query", query)
	}
	setLokiWindow(params, start, end)

	body, err := c.get(ctx, "/loki/api/v1/label/"+url.PathEscape(label)+"/values", params)
	if err != nil {
		return nil, err
	}

	var out lokiLabelValuesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshalling response: %w", err)
	}
	if out.Status != "" && out.Status != "success" {
		return nil, fmt.Errorf("loki returned status %q", out.Status)
	}
	return out.Data, nil
}

// LogEntry is a single log line of a streams result.
type LogEntry struct {
	Timestamp string            `json:"timestamp"`
	Line      string            `json:"line"`
	Labels    map[string]string `json:"labels"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiQueryRangeResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string          `json:"resultType"`
		Result     json.RawMessage `json:"result"`
	} `json:"data"`
}

// queryRange calls /loki/api/v1/query_range. Log queries come back as
// []LogEntry, metric queries as a model.Matrix.
func (c *lokiClient) queryRange(ctx context.Context, query string, start, end time.Time, limit int, direction string) (any, error) {
	params := url.Values{}
	params.Set("query", query)
	setLokiWindow(params, start, end)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if direction != "" {
		params.Set("direction", direction)
	}

	body, err := c.get(ctx, "/loki/api/v1/query_range", params)
	if err != nil {
		return nil, err
	}

	var out lokiQueryRangeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshalling response: %w", err)
	}
	if out.Status != "" && out.Status != "success" {
		return nil, fmt.Errorf("loki returned status %q", out.Status)
	}

	switch out.Data.ResultType {
	case "streams":
		var streams []lokiStream
		if err := json.Unmarshal(out.Data.Result, &streams); err != nil {
			return nil, fmt.Errorf("unmarshalling streams: %w", err)
		}
		entries := []LogEntry{}
		for _, s := range streams {
			for _, v := range s.Values {
				if len(v) < 2 {
					continue
				}
				entries = append(entries, LogEntry{Timestamp: v[0], Line: v[1], Labels: s.Stream})
			}
		}
		return entries, nil
	case "matrix":
		var matrix model.Matrix
		if err := json.Unmarshal(out.Data.Result, &matrix); err != nil {
			return nil, fmt.Errorf("unmarshalling matrix: %w", err)
		}
		return matrix, nil
	}
	return nil, fmt.Errorf("unsupported Loki result type %q", out.Data.ResultType)
}

func setLokiWindow(params url.Values, start, end time.Time) {
	if !start.IsZero() {
		params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	}
	if !end.IsZero() {
		params.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	}
}

func (c *lokiClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &LokiAPIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return body, nil
}
