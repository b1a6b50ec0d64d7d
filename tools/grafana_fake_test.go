//go:build unit

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/grafana/grafana-openapi-client-go/client"
	"github.com/grafana/grafana-openapi-client-go/models"
	mcpgrafana "github.com/grafana/mcp-grafana-variables"
)

// fakeGrafana serves the subset of the Grafana HTTP API the tools use:
// dashboards, search, datasources, and Prometheus and Loki label values and
// queries behind the datasource routes.
type fakeGrafana struct {
	dashboards  map[string]map[string]any
	datasources []*models.DataSource
	// searchHits backs /api/search, filtered by type and title.
	searchHits []*models.Hit

	// promLabelValues answers /api/v1/label/{label}/values. A nil result
	// with ok=false is sent back as a bad_data parse error.
	promLabelValues func(uid, label string, match []string) (values []string, ok bool)
	// promSeries answers /api/v1/query with one sample per label set.
	promSeries func(uid, expr string) []map[string]string
	// promRange answers /api/v1/query_range with one point per label set.
	promRange func(uid, expr string) []map[string]string
	// lokiLabelValues answers the Loki label values proxy route.
	lokiLabelValues func(uid, label, query string) (values []string, ok bool)
	// lokiLines answers the Loki query_range proxy route with a single
	// stream of log lines.
	lokiLines func(uid, query string) []string

	mu       sync.Mutex
	requests []*http.Request
}

func (f *fakeGrafana) recorded() []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*http.Request(nil), f.requests...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeGrafana) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/dashboards/uid/{uid}", func(w http.ResponseWriter, r *http.Request) {
		db, ok := f.dashboards[r.PathValue("uid")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "Dashboard not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"dashboard": db,
			"meta":      map[string]any{"slug": "test", "folderUid": "folder-1"},
		})
	})
	mux.HandleFunc("GET /api/search", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		hits := []*models.Hit{}
		for _, h := range f.searchHits {
			if t := q.Get("type"); t != "" && string(h.Type) != t {
				continue
			}
			if !strings.Contains(strings.ToLower(h.Title), strings.ToLower(q.Get("query"))) {
				continue
			}
			if limit > 0 && len(hits) == limit {
				break
			}
			hits = append(hits, h)
		}
		writeJSON(w, http.StatusOK, hits)
	})
	mux.HandleFunc("GET /api/datasources", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, f.datasources)
	})
	mux.HandleFunc("GET /api/datasources/uid/{uid}", func(w http.ResponseWriter, r *http.Request) {
		for _, ds := range f.datasources {
			if ds.UID == r.PathValue("uid") {
				writeJSON(w, http.StatusOK, ds)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Data source not found"})
	})
	mux.HandleFunc("GET /api/datasources/uid/{uid}/resources/api/v1/label/{label}/values", func(w http.ResponseWriter, r *http.Request) {
		if f.promLabelValues == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": []string{}})
			return
		}
		values, ok := f.promLabelValues(r.PathValue("uid"), r.PathValue("label"), r.URL.Query()["match[]"])
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"status":    "error",
				"errorType": "bad_data",
				"error":     "1:5: parse error: unexpected character inside braces",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": values})
	})
	mux.HandleFunc("/api/datasources/uid/{uid}/resources/api/v1/query", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "errorType": "bad_data", "error": err.Error()})
			return
		}
		var series []map[string]string
		if f.promSeries != nil {
			series = f.promSeries(r.PathValue("uid"), r.Form.Get("query"))
		}
		result := make([]map[string]any, 0, len(series))
		for _, s := range series {
			result = append(result, map[string]any{"metric": s, "value": []any{1700000000, "1"}})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "success",
			"data":   map[string]any{"resultType": "vector", "result": result},
		})
	})
	mux.HandleFunc("/api/datasources/uid/{uid}/resources/api/v1/query_range", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "errorType": "bad_data", "error": err.Error()})
			return
		}
		var series []map[string]string
		if f.promRange != nil {
			series = f.promRange(r.PathValue("uid"), r.Form.Get("query"))
		}
		result := make([]map[string]any, 0, len(series))
		for _, s := range series {
			result = append(result, map[string]any{"metric": s, "values": []any{[]any{1700000000, "1"}}})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "success",
			"data":   map[string]any{"resultType": "matrix", "result": result},
		})
	})
	mux.HandleFunc("GET /api/datasources/proxy/uid/{uid}/loki/api/v1/query_range", func(w http.ResponseWriter, r *http.Request) {
		var lines []string
		if f.lokiLines != nil {
			lines = f.lokiLines(r.PathValue("uid"), r.URL.Query().Get("query"))
		}
		result := []any{}
		if len(lines) > 0 {
			values := make([][]string, len(lines))
			for i, l := range lines {
				values[i] = []string{strconv.Itoa(1700000000000000000 - i), l}
			}
			result = append(result, map[string]any{"stream": map[string]string{"source": r.PathValue("uid")}, "values": values})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "success",
			"data":   map[string]any{"resultType": "streams", "result": result},
		})
	})
	mux.HandleFunc("GET /api/datasources/proxy/uid/{uid}/loki/api/v1/label/{label}/values", func(w http.ResponseWriter, r *http.Request) {
		if f.lokiLabelValues == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": []string{}})
			return
		}
		values, ok := f.lokiLabelValues(r.PathValue("uid"), r.PathValue("label"), r.URL.Query().Get("query"))
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = fmt.Fprint(w, "parse error at line 1, col 5: syntax error: unexpected IDENTIFIER")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": values})
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Clone(context.Background()))
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	})
}

// start runs the fake and returns a context carrying a Grafana client and
// config pointed at it.
func (f *fakeGrafana) start(t *testing.T) context.Context {
	t.Helper()
	resetProxyFallbacks()
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)

	u, _ := url.Parse(server.URL)
	cfg := client.DefaultTransportConfig()
	cfg.Host = u.Host
	cfg.Schemes = []string{"http"}
	cfg.APIKey = "test-api-key"

	ctx := mcpgrafana.WithGrafanaConfig(context.Background(), mcpgrafana.GrafanaConfig{
		URL:    server.URL,
		APIKey: "test-api-key",
	})
	return mcpgrafana.WithGrafanaClient(ctx, client.NewHTTPClientWithConfig(nil, cfg))
}

func testDatasources() []*models.DataSource {
	return []*models.DataSource{
		{ID: 1, UID: "prom-default", Name: "Prometheus", Type: "prometheus", IsDefault: true},
		{ID: 2, UID: "prom-2", Name: "Prometheus 2", Type: "prometheus"},
		{ID: 3, UID: "loki-1", Name: "Loki", Type: "loki"},
		{ID: 4, UID: "tempo-1", Name: "Tempo", Type: "tempo"},
	}
}
