package mcpgrafana

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/common/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ExtraHeadersRoundTripper adds a fixed set of headers to every request.
type ExtraHeadersRoundTripper struct {
	underlying http.RoundTripper
	headers    map[string]string
}

// NewExtraHeadersRoundTripper wraps rt, or http.DefaultTransport when rt is nil.
func NewExtraHeadersRoundTripper(rt http.RoundTripper, headers map[string]string) *ExtraHeadersRoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &ExtraHeadersRoundTripper{underlying: rt, headers: headers}
}

func (t *ExtraHeadersRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.underlying.RoundTrip(req)
}

// OrgIDRoundTripper sets the X-Grafana-Org-Id header when an org is selected.
type OrgIDRoundTripper struct {
	underlying http.RoundTripper
	orgID      int64
}

// NewOrgIDRoundTripper wraps rt, or http.DefaultTransport when rt is nil.
func NewOrgIDRoundTripper(rt http.RoundTripper, orgID int64) *OrgIDRoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &OrgIDRoundTripper{underlying: rt, orgID: orgID}
}

func (t *OrgIDRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.orgID == 0 {
		return t.underlying.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set(grafanaOrgIDHeader, strconv.FormatInt(t.orgID, 10))
	return t.underlying.RoundTrip(req)
}

// UserAgentTransport sets the User-Agent header unless the caller already did.
type UserAgentTransport struct {
	rt        http.RoundTripper
	UserAgent string
}

// NewUserAgentTransport wraps rt with the server's User-Agent.
func NewUserAgentTransport(rt http.RoundTripper) *UserAgentTransport {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &UserAgentTransport{rt: rt, UserAgent: fmt.Sprintf("mcp-grafana-variables/%s", Version())}
}

func (t *UserAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.rt.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.UserAgent)
	return t.rt.RoundTrip(req)
}

// NewAuthRoundTripper authenticates requests with the configured credentials.
// Access tokens take precedence over the API key, which takes precedence
// over basic auth.
func NewAuthRoundTripper(cfg GrafanaConfig, rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	switch {
	case cfg.AccessToken != "" && cfg.IDToken != "":
		return config.NewHeadersRoundTripper(&config.Headers{
			Headers: map[string]config.Header{
				"X-Access-Token": {Secrets: []config.Secret{config.Secret(cfg.AccessToken)}},
				"X-Grafana-Id":   {Secrets: []config.Secret{config.Secret(cfg.IDToken)}},
			},
		}, rt)
	case cfg.APIKey != "":
		return config.NewAuthorizationCredentialsRoundTripper("Bearer", config.NewInlineSecret(cfg.APIKey), rt)
	case cfg.BasicAuth != nil:
		password, _ := cfg.BasicAuth.Password()
		return config.NewBasicAuthRoundTripper(config.NewInlineSecret(cfg.BasicAuth.Username()), config.NewInlineSecret(password), rt)
	}
	return rt
}

// BuildTransport applies TLS settings and extra headers to base, falling
// back to http.DefaultTransport.
func BuildTransport(cfg *GrafanaConfig, base http.RoundTripper) (http.RoundTripper, error) {
	rt := base
	if rt == nil {
		rt = http.DefaultTransport
	}
	if cfg.TLSConfig != nil {
		t, ok := rt.(*http.Transport)
		if !ok {
			t = http.DefaultTransport.(*http.Transport)
		}
		tlsRT, err := cfg.TLSConfig.HTTPTransport(t)
		if err != nil {
			return nil, fmt.Errorf("create TLS transport: %w", err)
		}
		rt = tlsRT
	}
	if len(cfg.ExtraHeaders) > 0 {
		rt = NewExtraHeadersRoundTripper(rt, cfg.ExtraHeaders)
	}
	return rt, nil
}

// NewDatasourceTransport returns the full round tripper chain used for
// datasource proxy requests: TLS, extra headers, auth, org ID, user agent
// and tracing.
func NewDatasourceTransport(cfg GrafanaConfig, base http.RoundTripper) (http.RoundTripper, error) {
	rt, err := BuildTransport(&cfg, base)
	if err != nil {
		return nil, err
	}
	rt = NewAuthRoundTripper(cfg, rt)
	rt = NewOrgIDRoundTripper(rt, cfg.OrgID)
	rt = NewUserAgentTransport(rt)
	return otelhttp.NewTransport(rt), nil
}

// NewHTTPClient returns an http.Client using NewDatasourceTransport and the
// configured timeout.
func NewHTTPClient(cfg GrafanaConfig) (*http.Client, error) {
	rt, err := NewDatasourceTransport(cfg, nil)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: rt, Timeout: cfg.HTTPTimeout()}, nil
}
