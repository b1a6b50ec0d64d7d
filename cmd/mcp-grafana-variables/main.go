package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	mcpgrafana "github.com/grafana/mcp-grafana-variables"
	"github.com/grafana/mcp-grafana-variables/observability"
	"github.com/grafana/mcp-grafana-variables/tools"
)

const serverName = "mcp-grafana-variables"

var defaultEnabledTools = strings.Join(tools.Categories, ",")

type transport string

const (
	transportStdio          transport = "stdio"
	transportSSE            transport = "sse"
	transportStreamableHTTP transport = "streamable-http"
)

func (t transport) valid() bool {
	switch t {
	case transportStdio, transportSSE, transportStreamableHTTP:
		return true
	}
	return false
}

// grafanaConfig holds the flags shared by the server and the cli subcommand.
type grafanaConfig struct {
	debug         bool
	tlsCertFile   string
	tlsKeyFile    string
	tlsCAFile     string
	tlsSkipVerify bool
	timeout       time.Duration
}

func (gc *grafanaConfig) addFlags(fs *flag.FlagSet) {
	fs.BoolVar(&gc.debug, "debug", false, "Enable debug logging of Grafana HTTP requests")
	fs.StringVar(&gc.tlsCertFile, "tls-cert-file", "", "Client certificate file for Grafana connections")
	fs.StringVar(&gc.tlsKeyFile, "tls-key-file", "", "Client key file for Grafana connections")
	fs.StringVar(&gc.tlsCAFile, "tls-ca-file", "", "CA certificate file used to verify Grafana")
	fs.BoolVar(&gc.tlsSkipVerify, "tls-skip-verify", false, "Skip TLS certificate verification")
	fs.DurationVar(&gc.timeout, "timeout", mcpgrafana.DefaultTimeout, "HTTP client timeout for Grafana and datasource requests")
}

func (gc *grafanaConfig) toGrafanaConfig() mcpgrafana.GrafanaConfig {
	cfg := mcpgrafana.GrafanaConfig{
		Debug:   gc.debug,
		Timeout: gc.timeout,
	}
	if gc.tlsCertFile != "" || gc.tlsKeyFile != "" || gc.tlsCAFile != "" || gc.tlsSkipVerify {
		cfg.TLSConfig = &mcpgrafana.TLSConfig{
			CertFile:   gc.tlsCertFile,
			KeyFile:    gc.tlsKeyFile,
			CAFile:     gc.tlsCAFile,
			SkipVerify: gc.tlsSkipVerify,
		}
	}
	return cfg
}

type serverConfig struct {
	transport      string
	address        string
	basePath       string
	endpointPath   string
	logLevel       string
	enabledTools   string
	metrics        bool
	metricsAddress string
	grafana        grafanaConfig
}

func (sc *serverConfig) addFlags(fs *flag.FlagSet) {
	fs.StringVar(&sc.transport, "t", string(transportStdio), "Transport type (stdio, sse or streamable-http)")
	fs.StringVar(&sc.transport, "transport", string(transportStdio), "Transport type (stdio, sse or streamable-http)")
	fs.StringVar(&sc.address, "address", "localhost:8000", "Host and port to listen on for the sse and streamable-http transports")
	fs.StringVar(&sc.basePath, "base-path", "", "Base path for the sse transport")
	fs.StringVar(&sc.endpointPath, "endpoint-path", "/mcp", "Endpoint path for the streamable-http transport")
	fs.StringVar(&sc.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&sc.enabledTools, "enabled-tools", defaultEnabledTools, "Comma-separated list of tool categories to enable")
	fs.BoolVar(&sc.metrics, "metrics", false, "Expose Prometheus metrics at /metrics")
	fs.StringVar(&sc.metricsAddress, "metrics-address", "", "Separate address for the metrics server; defaults to the main server")
	sc.grafana.addFlags(fs)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func enabledCategories(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func newServer(sc serverConfig, obs *observability.Observability) *server.MCPServer {
	hooks := observability.MergeHooks(obs.MCPHooks(), observability.LoggingHooks(slog.Default()))
	s := server.NewMCPServer(serverName, mcpgrafana.Version(),
		server.WithInstructions(`
This server resolves the template variables of Grafana dashboards.

Use get_dashboard_variables to list the candidate values of every variable of
a dashboard, optionally pinning some variables to fixed values first. Use
get_dashboard_panel_queries to see panel queries with those values
substituted. The dashboard, datasource and prometheus tools help inspect the
inputs of a resolution.
`),
		server.WithToolCapabilities(true),
		server.WithHooks(hooks),
	)
	tools.CollectAllTools(s, enabledCategories(sc.enabledTools))
	return s
}

func run(ctx context.Context, sc serverConfig) error {
	level := slog.LevelInfo
	if sc.grafana.debug {
		level = slog.LevelDebug
	} else {
		var err error
		if level, err = parseLevel(sc.logLevel); err != nil {
			return err
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	t := transport(sc.transport)
	if !t.valid() {
		return fmt.Errorf("invalid transport type %q: must be stdio, sse or streamable-http", sc.transport)
	}

	obs, err := observability.Setup(observability.Config{
		MetricsEnabled:   sc.metrics,
		MetricsAddress:   sc.metricsAddress,
		NetworkTransport: observability.NetworkTransport(sc.transport),
		ServerName:       serverName,
		ServerVersion:    mcpgrafana.Version(),
	})
	if err != nil {
		return fmt.Errorf("setup observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down observability", "error", err)
		}
	}()

	s := newServer(sc, obs)
	gc := sc.grafana.toGrafanaConfig()

	if t == transportStdio {
		if sc.metrics {
			startMetricsServer(ctx, metricsAddress(sc), obs.MetricsHandler())
		}
		slog.Info("Starting Grafana variables MCP server", "transport", t, "version", mcpgrafana.Version())
		stdio := server.NewStdioServer(s)
		stdio.SetContextFunc(mcpgrafana.ComposedStdioContextFunc(gc))
		return stdio.Listen(ctx, os.Stdin, os.Stdout)
	}

	mux := http.NewServeMux()
	switch t {
	case transportSSE:
		sse := server.NewSSEServer(s,
			server.WithSSEContextFunc(mcpgrafana.ComposedSSEContextFunc(gc)),
			server.WithStaticBasePath(sc.basePath),
		)
		mux.Handle("/", observability.WrapHandler(sse, "mcp.sse"))
	case transportStreamableHTTP:
		httpSrv := server.NewStreamableHTTPServer(s,
			server.WithHTTPContextFunc(mcpgrafana.ComposedHTTPContextFunc(gc)),
			server.WithStateLess(true),
			server.WithEndpointPath(sc.endpointPath),
		)
		mux.Handle(sc.endpointPath, observability.WrapHandler(httpSrv, "mcp.streamable-http"))
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if sc.metrics {
		if sc.metricsAddress == "" {
			mux.Handle("GET /metrics", obs.MetricsHandler())
		} else {
			startMetricsServer(ctx, sc.metricsAddress, obs.MetricsHandler())
		}
	}

	srv := &http.Server{Addr: sc.address, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	slog.Info("Starting Grafana variables MCP server", "transport", t, "address", sc.address, "version", mcpgrafana.Version())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// metricsAddress returns the metrics listen address for stdio, which has no
// HTTP server of its own.
func metricsAddress(sc serverConfig) string {
	if sc.metricsAddress != "" {
		return sc.metricsAddress
	}
	return sc.address
}

func startMetricsServer(ctx context.Context, addr string, h http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		slog.Info("Starting metrics server", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "cli" {
		os.Exit(runCLI(os.Args[2:]))
	}

	var sc serverConfig
	sc.addFlags(flag.CommandLine)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, sc)
	stop()
	if err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}
