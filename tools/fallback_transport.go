package tools

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// datasourcePaths are the two Grafana routes a datasource API can be reached
// through. Some managed Grafana offerings only allow one of them: Azure
// requires /resources, AWS requires /proxy.
type datasourcePaths struct {
	UID       string
	Resources string
	Proxy     string
}

func pathsForDatasource(uid string) datasourcePaths {
	return datasourcePaths{
		UID:       uid,
		Resources: fmt.Sprintf("/api/datasources/uid/%s/resources", uid),
		Proxy:     fmt.Sprintf("/api/datasources/proxy/uid/%s", uid),
	}
}

// proxyFallbacks remembers the datasource UIDs whose /resources route was
// refused and which are served through /proxy instead.
var proxyFallbacks sync.Map

func needsFallback(status int) bool {
	return status == http.StatusForbidden || status == http.StatusInternalServerError
}

// proxyFallbackTransport sends requests to the /resources route and replays
// them against the /proxy route when Grafana answers 403 or 500.
type proxyFallbackTransport struct {
	wrapped http.RoundTripper
	paths   datasourcePaths
}

func newProxyFallbackTransport(wrapped http.RoundTripper, paths datasourcePaths) http.RoundTripper {
	return &proxyFallbackTransport{wrapped: wrapped, paths: paths}
}

func (t *proxyFallbackTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if v, ok := proxyFallbacks.Load(t.paths.UID); ok && v.(bool) {
		return t.wrapped.RoundTrip(t.toProxy(req))
	}

	// Keep the body so it can be replayed.
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close() //nolint:errcheck
		if err != nil {
			return nil, fmt.Errorf("buffering request body for fallback: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	resp, err := t.wrapped.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if !needsFallback(resp.StatusCode) {
		return resp, nil
	}
	resp.Body.Close() //nolint:errcheck

	slog.DebugContext(req.Context(), "Datasource resources route refused, retrying through proxy",
		"datasource_uid", t.paths.UID, "status", resp.StatusCode)

	retry := t.toProxy(req)
	if body != nil {
		retry.Body = io.NopCloser(bytes.NewReader(body))
		retry.ContentLength = int64(len(body))
	}
	retryResp, err := t.wrapped.RoundTrip(retry)
	if err != nil {
		return nil, err
	}
	if !needsFallback(retryResp.StatusCode) {
		proxyFallbacks.Store(t.paths.UID, true)
	}
	return retryResp, nil
}

func (t *proxyFallbackTransport) toProxy(req *http.Request) *http.Request {
	clone := req.Clone(req.Context())
	clone.URL.Path = strings.Replace(clone.URL.Path, t.paths.Resources, t.paths.Proxy, 1)
	if clone.URL.RawPath != "" {
		clone.URL.RawPath = strings.Replace(clone.URL.RawPath, t.paths.Resources, t.paths.Proxy, 1)
	}
	return clone
}
