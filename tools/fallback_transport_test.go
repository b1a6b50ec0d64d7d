//go:build unit

package tools

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetProxyFallbacks() {
	proxyFallbacks.Range(func(key, _ any) bool {
		proxyFallbacks.Delete(key)
		return true
	})
}

// recordingTransport records requests and answers with a status per route.
type recordingTransport struct {
	resourcesStatus int
	proxyStatus     int
	requests        []*http.Request
	bodies          []string
}

func (m *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.requests = append(m.requests, req)
	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	m.bodies = append(m.bodies, body)

	status := http.StatusNotFound
	switch {
	case strings.Contains(req.URL.Path, "/resources"):
		status = m.resourcesStatus
	case strings.Contains(req.URL.Path, "/proxy/"):
		status = m.proxyStatus
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
}

const resourcesQueryURL = "http://grafana.example.com/api/datasources/uid/test-uid/resources/api/v1/query"

func TestProxyFallbackTransport(t *testing.T) {
	for _, tc := range []struct {
		name            string
		resourcesStatus int
		proxyStatus     int
		wantStatus      int
		wantRequests    int
	}{
		{name: "resources succeeds", resourcesStatus: http.StatusOK, wantStatus: http.StatusOK, wantRequests: 1},
		{name: "fallback on 403", resourcesStatus: http.StatusForbidden, proxyStatus: http.StatusOK, wantStatus: http.StatusOK, wantRequests: 2},
		{name: "fallback on 500", resourcesStatus: http.StatusInternalServerError, proxyStatus: http.StatusOK, wantStatus: http.StatusOK, wantRequests: 2},
		{name: "both refused", resourcesStatus: http.StatusForbidden, proxyStatus: http.StatusForbidden, wantStatus: http.StatusForbidden, wantRequests: 2},
		{name: "no fallback on 400", resourcesStatus: http.StatusBadRequest, wantStatus: http.StatusBadRequest, wantRequests: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resetProxyFallbacks()
			mock := &recordingTransport{resourcesStatus: tc.resourcesStatus, proxyStatus: tc.proxyStatus}
			rt := newProxyFallbackTransport(mock, pathsForDatasource("test-uid"))

			req, _ := http.NewRequest(http.MethodGet, resourcesQueryURL, nil)
			resp, err := rt.RoundTrip(req)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, resp.StatusCode)
			require.Len(t, mock.requests, tc.wantRequests)
			if tc.wantRequests == 2 {
				assert.Equal(t, "/api/datasources/proxy/uid/test-uid/api/v1/query", mock.requests[1].URL.Path)
			}
		})
	}
}

func TestProxyFallbackTransport_CachesFallback(t *testing.T) {
	resetProxyFallbacks()
	mock := &recordingTransport{resourcesStatus: http.StatusForbidden, proxyStatus: http.StatusOK}
	rt := newProxyFallbackTransport(mock, pathsForDatasource("test-uid"))

	req1, _ := http.NewRequest(http.MethodGet, "http://grafana.example.com/api/datasources/uid/test-uid/resources/api/v1/labels", nil)
	_, err := rt.RoundTrip(req1)
	require.NoError(t, err)
	assert.Len(t, mock.requests, 2)

	req2, _ := http.NewRequest(http.MethodGet, resourcesQueryURL, nil)
	resp, err := rt.RoundTrip(req2)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, mock.requests, 3, "cached fallback should skip the resources attempt")
	assert.Equal(t, "/api/datasources/proxy/uid/test-uid/api/v1/query", mock.requests[2].URL.Path)

	// Other datasources are unaffected.
	other := newProxyFallbackTransport(mock, pathsForDatasource("other-uid"))
	req3, _ := http.NewRequest(http.MethodGet, "http://grafana.example.com/api/datasources/uid/other-uid/resources/api/v1/query", nil)
	_, err = other.RoundTrip(req3)
	require.NoError(t, err)
	assert.Contains(t, mock.requests[3].URL.Path, "/resources/")
}

func TestProxyFallbackTransport_ReplaysBody(t *testing.T) {
	resetProxyFallbacks()
	mock := &recordingTransport{resourcesStatus: http.StatusForbidden, proxyStatus: http.StatusOK}
	rt := newProxyFallbackTransport(mock, pathsForDatasource("test-uid"))

	body := "query=up&time=1234567890"
	req, _ := http.NewRequest(http.MethodPost, resourcesQueryURL, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, mock.bodies, 2)
	assert.Equal(t, body, mock.bodies[0])
	assert.Equal(t, body, mock.bodies[1])
}

func TestPathsForDatasource(t *testing.T) {
	paths := pathsForDatasource("my-uid-123")
	assert.Equal(t, "my-uid-123", paths.UID)
	assert.Equal(t, "/api/datasources/uid/my-uid-123/resources", paths.Resources)
	assert.Equal(t, "/api/datasources/proxy/uid/my-uid-123", paths.Proxy)
}
