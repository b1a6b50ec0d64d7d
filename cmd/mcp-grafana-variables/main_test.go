package main

import (
	"flag"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcpgrafana "github.com/grafana/mcp-grafana-variables"
	"github.com/grafana/mcp-grafana-variables/observability"
)

func TestServerFlags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		var sc serverConfig
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		sc.addFlags(fs)
		require.NoError(t, fs.Parse(nil))

		assert.Equal(t, "stdio", sc.transport)
		assert.Equal(t, "/mcp", sc.endpointPath)
		assert.Equal(t, defaultEnabledTools, sc.enabledTools)
		assert.Equal(t, mcpgrafana.DefaultTimeout, sc.grafana.timeout)
		assert.Nil(t, sc.grafana.toGrafanaConfig().TLSConfig)
	})

	t.Run("short transport flag and TLS", func(t *testing.T) {
		var sc serverConfig
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		sc.addFlags(fs)
		require.NoError(t, fs.Parse([]string{
			"-t", "streamable-http",
			"--tls-ca-file", "/etc/ca.pem",
			"--timeout", "5s",
			"--enabled-tools", "variables, dashboard",
		}))

		assert.Equal(t, "streamable-http", sc.transport)
		cfg := sc.grafana.toGrafanaConfig()
		require.NotNil(t, cfg.TLSConfig)
		assert.Equal(t, "/etc/ca.pem", cfg.TLSConfig.CAFile)
		assert.Equal(t, 5*time.Second, cfg.Timeout)
		assert.Equal(t, []string{"variables", "dashboard"}, enabledCategories(sc.enabledTools))
	})
}

func TestTransportValid(t *testing.T) {
	assert.True(t, transport("stdio").valid())
	assert.True(t, transport("sse").valid())
	assert.True(t, transport("streamable-http").valid())
	assert.False(t, transport("grpc").valid())
}

func TestParseLevel(t *testing.T) {
	level, err := parseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = parseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = parseLevel("loud")
	assert.Error(t, err)
}

func TestEnabledCategories(t *testing.T) {
	assert.Empty(t, enabledCategories(""))
	assert.Equal(t, []string{"variables"}, enabledCategories("variables,,"))
}

func TestNewServerRegistersEnabledTools(t *testing.T) {
	obs, err := observability.Setup(observability.Config{})
	require.NoError(t, err)

	s := newServer(serverConfig{enabledTools: "variables"}, obs)
	tools := s.ListTools()
	assert.Contains(t, tools, "get_dashboard_variables")
	assert.Contains(t, tools, "get_dashboard_panel_queries")
	assert.NotContains(t, tools, "list_datasources")
}
