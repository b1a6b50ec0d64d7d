//go:build unit

package tools

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/mcp-grafana-variables/templating"
)

func TestSelectorString(t *testing.T) {
	tests := []struct {
		name     string
		selector Selector
		expected string
	}{
		{name: "empty", selector: Selector{}, expected: "{}"},
		{
			name:     "default equality",
			selector: Selector{Filters: []LabelMatcher{{Name: "job", Value: "api"}}},
			expected: "{job='api'}",
		},
		{
			name: "mixed matchers",
			selector: Selector{Filters: []LabelMatcher{
				{Name: "__name__", Value: "up", Type: "="},
				{Name: "instance", Value: "a|b", Type: "=~"},
			}},
			expected: "{__name__='up', instance=~'a|b'}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.selector.String())
		})
	}
}

func TestSeriesMetrics(t *testing.T) {
	vector := model.Vector{
		{Metric: model.Metric{"job": "api"}, Value: 1},
		{Metric: model.Metric{"job": "web"}, Value: 0},
	}
	assert.Equal(t, []model.Metric{{"job": "api"}, {"job": "web"}}, seriesMetrics(vector))

	matrix := model.Matrix{{Metric: model.Metric{"instance": "a"}}}
	assert.Equal(t, []model.Metric{{"instance": "a"}}, seriesMetrics(matrix))

	assert.Nil(t, seriesMetrics(&model.Scalar{Value: 1}))
}

func TestPromSelectorError(t *testing.T) {
	parseErr := &promv1.Error{Type: promv1.ErrBadData, Msg: `1:4: parse error: unexpected "}"`}
	otherBadData := &promv1.Error{Type: promv1.ErrBadData, Msg: "invalid parameter \"start\""}
	timeout := &promv1.Error{Type: promv1.ErrTimeout, Msg: "query timed out"}

	assert.True(t, errors.Is(promSelectorError(parseErr), templating.ErrSelectorRejected))
	assert.True(t, errors.Is(promSelectorError(fmt.Errorf("wrapped: %w", parseErr)), templating.ErrSelectorRejected))
	assert.False(t, errors.Is(promSelectorError(otherBadData), templating.ErrSelectorRejected))
	assert.False(t, errors.Is(promSelectorError(timeout), templating.ErrSelectorRejected))

	assert.True(t, IsPrometheusValidationError(otherBadData))
	assert.False(t, IsPrometheusValidationError(timeout))
	assert.False(t, IsPrometheusValidationError(nil))
}

func TestQueryPrometheus(t *testing.T) {
	f := &fakeGrafana{
		datasources: testDatasources(),
		promSeries: func(uid, expr string) []map[string]string {
			return []map[string]string{{"__name__": "up", "job": "api"}}
		},
	}
	ctx := f.start(t)

	t.Run("instant query", func(t *testing.T) {
		result, err := queryPrometheus(ctx, QueryPrometheusParams{DatasourceUID: "prom-default", Expr: "up", Time: "now-5m"})
		require.NoError(t, err)
		res, ok := result.(*QueryPrometheusResult)
		require.True(t, ok)
		vector, ok := res.Data.(model.Vector)
		require.True(t, ok)
		require.Len(t, vector, 1)
		assert.Equal(t, model.LabelValue("api"), vector[0].Metric["job"])
	})

	t.Run("invalid PromQL is a validation result", func(t *testing.T) {
		result, err := queryPrometheus(ctx, QueryPrometheusParams{DatasourceUID: "prom-default", Expr: "rate(up[5m]"})
		require.NoError(t, err)
		res, ok := result.(*mcp.CallToolResult)
		require.True(t, ok)
		assert.True(t, res.IsError)
		text := res.Content[0].(mcp.TextContent).Text
		assert.True(t, strings.HasPrefix(text, "Validation error in Prometheus query"))
	})

	t.Run("unknown datasource", func(t *testing.T) {
		_, err := queryPrometheus(ctx, QueryPrometheusParams{DatasourceUID: "missing", Expr: "up"})
		require.Error(t, err)
		assert.ErrorIs(t, err, templating.ErrDatasourceNotFound)
	})
}

func TestListPrometheusLabelValues(t *testing.T) {
	var gotMatch []string
	f := &fakeGrafana{
		datasources: testDatasources(),
		promLabelValues: func(uid, label string, match []string) ([]string, bool) {
			gotMatch = match
			return []string{"a", "b", "c"}, true
		},
	}
	ctx := f.start(t)

	values, err := listPrometheusLabelValues(ctx, ListPrometheusLabelValuesParams{
		DatasourceUID: "prom-default",
		LabelName:     "instance",
		Matches:       []Selector{{Filters: []LabelMatcher{{Name: "job", Value: "api"}}}},
		Match:         `up{env=~"prod|dev"}`,
		StartTime:     "now-1h",
		Limit:         2,
	})
	require.NoError(t, err)
	assert.Equal(t, model.LabelValues{"a", "b"}, values)
	assert.Equal(t, []string{"{job='api'}", `up{env=~"prod|dev"}`}, gotMatch)

	_, err = listPrometheusLabelValues(ctx, ListPrometheusLabelValuesParams{
		DatasourceUID: "prom-default",
		LabelName:     "instance",
		Match:         `up{env=~`,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid series selector")
}
