// Package mcpgrafana holds the Grafana connection settings shared by the
// variable-resolution tools, the context plumbing that carries them, and the
// generic MCP tool wrapper.
package mcpgrafana

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/grafana/grafana-openapi-client-go/client"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/common/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	runtimeclient "github.com/go-openapi/runtime/client"
)

const (
	defaultGrafanaHost = "localhost:3000"
	defaultGrafanaURL  = "http://" + defaultGrafanaHost

	grafanaURLEnvVar                 = "GRAFANA_URL"
	grafanaServiceAccountTokenEnvVar = "GRAFANA_SERVICE_ACCOUNT_TOKEN"
	grafanaAPIKeyEnvVar              = "GRAFANA_API_KEY" // Deprecated in favour of the service account token.
	grafanaUsernameEnvVar            = "GRAFANA_USERNAME"
	grafanaPasswordEnvVar            = "GRAFANA_PASSWORD"
	grafanaOrgIDEnvVar               = "GRAFANA_ORG_ID"
	grafanaExtraHeadersEnvVar        = "GRAFANA_EXTRA_HEADERS"

	grafanaURLHeader    = "X-Grafana-URL"
	grafanaAPIKeyHeader = "X-Grafana-API-Key"
	grafanaOrgIDHeader  = "X-Grafana-Org-Id"

	// DefaultTimeout bounds every outgoing HTTP request unless overridden.
	DefaultTimeout = 30 * time.Second
)

// Version returns the module version from the build info, or "(devel)".
func Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}

// TLSConfig holds client TLS settings for connections to Grafana.
type TLSConfig struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	SkipVerify bool
}

// CreateTLSConfig builds a *tls.Config from the file paths.
func (c *TLSConfig) CreateTLSConfig() (*tls.Config, error) {
	if c == nil {
		return nil, nil
	}
	return config.NewTLSConfig(&config.TLSConfig{
		CAFile:             c.CAFile,
		CertFile:           c.CertFile,
		KeyFile:            c.KeyFile,
		InsecureSkipVerify: c.SkipVerify,
	})
}

// HTTPTransport returns a copy of base using the TLS settings.
func (c *TLSConfig) HTTPTransport(base *http.Transport) (http.RoundTripper, error) {
	tlsCfg, err := c.CreateTLSConfig()
	if err != nil {
		return nil, err
	}
	t := base.Clone()
	t.TLSClientConfig = tlsCfg
	return t, nil
}

// GrafanaConfig represents the full configuration for Grafana clients.
type GrafanaConfig struct {
	// Debug enables debug mode for the Grafana client.
	Debug bool

	// IncludeArgumentsInSpans adds tool call arguments to tracing spans.
	// Off by default because arguments may contain sensitive data.
	IncludeArgumentsInSpans bool

	// URL is the URL of the Grafana instance.
	URL string

	// APIKey is the API key or service account token.
	APIKey string

	// BasicAuth is used when no API key is configured.
	BasicAuth *url.Userinfo

	// AccessToken and IDToken are used for on-behalf-of auth in Grafana Cloud.
	AccessToken string
	IDToken     string

	// OrgID selects the Grafana organization; 0 means the user's default.
	OrgID int64

	// TLSConfig holds client TLS settings, if any.
	TLSConfig *TLSConfig

	// Timeout is the HTTP client timeout. Zero means DefaultTimeout.
	Timeout time.Duration

	// ExtraHeaders are added to every request sent to Grafana.
	ExtraHeaders map[string]string
}

// HTTPTimeout returns the configured timeout or DefaultTimeout.
func (c GrafanaConfig) HTTPTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

type grafanaConfigKey struct{}

// WithGrafanaConfig adds Grafana configuration to the context.
func WithGrafanaConfig(ctx context.Context, config GrafanaConfig) context.Context {
	return context.WithValue(ctx, grafanaConfigKey{}, config)
}

// GrafanaConfigFromContext extracts Grafana configuration from the context.
// If no config is found, a zero-value GrafanaConfig is returned.
func GrafanaConfigFromContext(ctx context.Context) GrafanaConfig {
	if config, ok := ctx.Value(grafanaConfigKey{}).(GrafanaConfig); ok {
		return config
	}
	return GrafanaConfig{}
}

func urlAndAPIKeyFromEnv() (string, string) {
	u := strings.TrimRight(os.Getenv(grafanaURLEnvVar), "/")
	apiKey := os.Getenv(grafanaServiceAccountTokenEnvVar)
	if apiKey == "" {
		apiKey = os.Getenv(grafanaAPIKeyEnvVar)
	}
	return u, apiKey
}

func userAndPassFromEnv() *url.Userinfo {
	username := os.Getenv(grafanaUsernameEnvVar)
	password, exists := os.LookupEnv(grafanaPasswordEnvVar)
	if username == "" && password == "" {
		return nil
	}
	if !exists {
		return url.User(username)
	}
	return url.UserPassword(username, password)
}

func orgIDFromEnv() int64 {
	s := strings.TrimSpace(os.Getenv(grafanaOrgIDEnvVar))
	if s == "" {
		return 0
	}
	orgID, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		slog.Warn("Invalid Grafana org ID in environment", "value", s, "error", err)
		return 0
	}
	return orgID
}

func orgIDFromHeaders(req *http.Request) int64 {
	s := strings.TrimSpace(req.Header.Get(grafanaOrgIDHeader))
	if s == "" {
		return 0
	}
	orgID, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		slog.Warn("Invalid Grafana org ID in request header", "value", s, "error", err)
		return 0
	}
	return orgID
}

// extraHeadersFromEnv parses GRAFANA_EXTRA_HEADERS as a JSON object.
func extraHeadersFromEnv() map[string]string {
	raw := os.Getenv(grafanaExtraHeadersEnvVar)
	if raw == "" {
		return nil
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		slog.Warn("Ignoring invalid GRAFANA_EXTRA_HEADERS", "error", err)
		return nil
	}
	return headers
}

func grafanaConfigFromEnv(base GrafanaConfig) GrafanaConfig {
	u, apiKey := urlAndAPIKeyFromEnv()
	if u == "" {
		u = defaultGrafanaURL
	}
	base.URL = u
	base.APIKey = apiKey
	base.BasicAuth = userAndPassFromEnv()
	base.OrgID = orgIDFromEnv()
	base.ExtraHeaders = extraHeadersFromEnv()
	return base
}

// grafanaConfigFromRequest reads connection settings from request headers,
// falling back to the environment field by field.
func grafanaConfigFromRequest(base GrafanaConfig, req *http.Request) GrafanaConfig {
	cfg := grafanaConfigFromEnv(base)
	if u := strings.TrimRight(req.Header.Get(grafanaURLHeader), "/"); u != "" {
		cfg.URL = u
	}
	if apiKey := req.Header.Get(grafanaAPIKeyHeader); apiKey != "" {
		cfg.APIKey = apiKey
	}
	if username, password, ok := req.BasicAuth(); ok {
		cfg.BasicAuth = url.UserPassword(username, password)
	}
	if orgID := orgIDFromHeaders(req); orgID != 0 {
		cfg.OrgID = orgID
	}
	return cfg
}

// ExtractGrafanaInfoFromEnv is a StdioContextFunc that reads the Grafana
// connection settings from the environment and stores them in the context.
// Settings already in the context (debug, TLS, timeout) are kept.
func ExtractGrafanaInfoFromEnv(ctx context.Context) context.Context {
	cfg := grafanaConfigFromEnv(GrafanaConfigFromContext(ctx))
	slog.Debug("Using Grafana configuration from environment", "url", cfg.URL, "api_key_set", cfg.APIKey != "", "basic_auth_set", cfg.BasicAuth != nil, "org_id", cfg.OrgID)
	return WithGrafanaConfig(ctx, cfg)
}

// ExtractGrafanaInfoFromHeaders is an HTTPContextFunc that reads the Grafana
// connection settings from request headers, with environment fallback.
func ExtractGrafanaInfoFromHeaders(ctx context.Context, req *http.Request) context.Context {
	cfg := grafanaConfigFromRequest(GrafanaConfigFromContext(ctx), req)
	return WithGrafanaConfig(ctx, cfg)
}

type grafanaClientKey struct{}

// WithGrafanaClient sets the Grafana client in the context.
func WithGrafanaClient(ctx context.Context, c *client.GrafanaHTTPAPI) context.Context {
	return context.WithValue(ctx, grafanaClientKey{}, c)
}

// GrafanaClientFromContext retrieves the Grafana client from the context.
func GrafanaClientFromContext(ctx context.Context) *client.GrafanaHTTPAPI {
	c, ok := ctx.Value(grafanaClientKey{}).(*client.GrafanaHTTPAPI)
	if !ok {
		return nil
	}
	return c
}

// NewGrafanaClient creates a Grafana OpenAPI client for grafanaURL. Outgoing
// requests carry the configured extra headers and are traced with otelhttp.
func NewGrafanaClient(ctx context.Context, grafanaURL, apiKey string, auth *url.Userinfo, orgID int64) *client.GrafanaHTTPAPI {
	cfg := client.DefaultTransportConfig()

	if grafanaURL == "" {
		grafanaURL = defaultGrafanaURL
	}
	parsedURL, err := url.Parse(grafanaURL)
	if err != nil {
		slog.Error("Invalid Grafana URL, using default", "url", grafanaURL, "error", err)
		parsedURL, _ = url.Parse(defaultGrafanaURL)
	}
	cfg.Host = parsedURL.Host
	cfg.BasePath = path.Join(parsedURL.Path, "/api")
	if parsedURL.Scheme != "" {
		cfg.Schemes = []string{parsedURL.Scheme}
	}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	if auth != nil {
		cfg.BasicAuth = auth
	}
	cfg.OrgID = orgID

	config := GrafanaConfigFromContext(ctx)
	if config.TLSConfig != nil {
		tlsCfg, err := config.TLSConfig.CreateTLSConfig()
		if err != nil {
			slog.Error("Failed to create TLS config for Grafana client", "error", err)
		} else {
			cfg.TLSConfig = tlsCfg
		}
	}

	slog.Debug("Creating Grafana client", "host", cfg.Host, "base_path", cfg.BasePath, "org_id", orgID, "api_key_set", apiKey != "", "basic_auth_set", auth != nil)
	c := client.NewHTTPClientWithConfig(strfmt.Default, cfg)

	if rt, ok := c.Transport.(*runtimeclient.Runtime); ok {
		transport := rt.Transport
		if len(config.ExtraHeaders) > 0 {
			transport = NewExtraHeadersRoundTripper(transport, config.ExtraHeaders)
		}
		rt.Transport = otelhttp.NewTransport(NewUserAgentTransport(transport))
		rt.SetDebug(config.Debug)
	}
	return c
}

// ExtractGrafanaClientFromEnv is a StdioContextFunc that creates a Grafana
// client from the environment and stores it in the context.
func ExtractGrafanaClientFromEnv(ctx context.Context) context.Context {
	cfg := grafanaConfigFromEnv(GrafanaConfigFromContext(ctx))
	c := NewGrafanaClient(WithGrafanaConfig(ctx, cfg), cfg.URL, cfg.APIKey, cfg.BasicAuth, cfg.OrgID)
	return WithGrafanaClient(ctx, c)
}

// ExtractGrafanaClientFromHeaders is an HTTPContextFunc that creates a
// Grafana client from request headers, with environment fallback.
func ExtractGrafanaClientFromHeaders(ctx context.Context, req *http.Request) context.Context {
	cfg := grafanaConfigFromRequest(GrafanaConfigFromContext(ctx), req)
	c := NewGrafanaClient(WithGrafanaConfig(ctx, cfg), cfg.URL, cfg.APIKey, cfg.BasicAuth, cfg.OrgID)
	return WithGrafanaClient(ctx, c)
}

type httpContextFunc func(ctx context.Context, req *http.Request) context.Context

func composeHTTPContextFuncs(funcs ...httpContextFunc) httpContextFunc {
	return func(ctx context.Context, req *http.Request) context.Context {
		for _, f := range funcs {
			ctx = f(ctx, req)
		}
		return ctx
	}
}

// ComposeStdioContextFuncs composes multiple StdioContextFuncs into one.
func ComposeStdioContextFuncs(funcs ...server.StdioContextFunc) server.StdioContextFunc {
	return func(ctx context.Context) context.Context {
		for _, f := range funcs {
			ctx = f(ctx)
		}
		return ctx
	}
}

// ComposedStdioContextFunc returns a StdioContextFunc that seeds the context
// with config, then reads connection settings from the environment.
func ComposedStdioContextFunc(config GrafanaConfig) server.StdioContextFunc {
	return ComposeStdioContextFuncs(
		func(ctx context.Context) context.Context {
			return WithGrafanaConfig(ctx, config)
		},
		ExtractGrafanaInfoFromEnv,
		ExtractGrafanaClientFromEnv,
	)
}

func composedHTTPContextFunc(config GrafanaConfig) httpContextFunc {
	return composeHTTPContextFuncs(
		func(ctx context.Context, _ *http.Request) context.Context {
			return WithGrafanaConfig(ctx, config)
		},
		ExtractGrafanaInfoFromHeaders,
		ExtractGrafanaClientFromHeaders,
	)
}

// ComposedSSEContextFunc is the SSE transport counterpart of
// ComposedStdioContextFunc, reading settings from request headers first.
func ComposedSSEContextFunc(config GrafanaConfig) server.SSEContextFunc {
	return server.SSEContextFunc(composedHTTPContextFunc(config))
}

// ComposedHTTPContextFunc is the streamable HTTP transport counterpart of
// ComposedStdioContextFunc.
func ComposedHTTPContextFunc(config GrafanaConfig) server.HTTPContextFunc {
	return server.HTTPContextFunc(composedHTTPContextFunc(config))
}
