package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grafana/grafana-openapi-client-go/models"
	"github.com/grafana/mcp-grafana-variables/templating"
	"github.com/prometheus/common/model"
)

// grafanaDatasource implements templating.Datasource on top of the Grafana
// client and config carried by the context.
type grafanaDatasource struct{}

var _ templating.Datasource = grafanaDatasource{}

func datasourceInfoFromModel(ds *models.DataSource) templating.DatasourceInfo {
	return templating.DatasourceInfo{UID: ds.UID, Name: ds.Name, Type: ds.Type, IsDefault: ds.IsDefault}
}

func datasourceInfoFromListItem(ds *models.DataSourceListItemDTO) templating.DatasourceInfo {
	return templating.DatasourceInfo{UID: ds.UID, Name: ds.Name, Type: ds.Type, IsDefault: ds.IsDefault}
}

func (grafanaDatasource) LookupDatasource(ctx context.Context, uid string) (templating.DatasourceInfo, error) {
	ds, err := getDatasourceByUID(ctx, GetDatasourceByUIDParams{UID: uid})
	if err != nil {
		return templating.DatasourceInfo{}, err
	}
	return datasourceInfoFromModel(ds), nil
}

func (g grafanaDatasource) DefaultDatasource(ctx context.Context, dsType string) (templating.DatasourceInfo, error) {
	all, err := g.ListDatasources(ctx, dsType)
	if err != nil {
		return templating.DatasourceInfo{}, err
	}
	ds, err := templating.PickDefault(all, dsType)
	if err != nil {
		return templating.DatasourceInfo{}, fmt.Errorf("default %s datasource: %w", dsType, err)
	}
	return ds, nil
}

func (grafanaDatasource) ListDatasources(ctx context.Context, dsType string) ([]templating.DatasourceInfo, error) {
	all, err := listAllDatasources(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]templating.DatasourceInfo, 0, len(all))
	for _, ds := range all {
		if !strings.EqualFold(ds.Type, dsType) {
			continue
		}
		out = append(out, datasourceInfoFromListItem(ds))
	}
	return out, nil
}

func (grafanaDatasource) QueryInstant(ctx context.Context, ds templating.DatasourceInfo, expr string, ts time.Time) ([]model.Metric, error) {
	if !ds.IsPrometheus() {
		return nil, fmt.Errorf("instant queries on %s datasource %s: %w", ds.Type, ds.UID, templating.ErrUnsupportedDatasource)
	}
	promClient, err := newPromClient(ctx, ds.UID)
	if err != nil {
		return nil, err
	}
	result, _, err := promClient.Query(ctx, expr, ts)
	if err != nil {
		return nil, fmt.Errorf("querying Prometheus instant: %w", err)
	}
	return seriesMetrics(result), nil
}

func (grafanaDatasource) LabelValues(ctx context.Context, ds templating.DatasourceInfo, label, match string, window templating.TimeWindow) ([]string, error) {
	switch {
	case ds.IsLoki():
		if match != "" {
			if err := ValidateLogQL(match); err != nil {
				return nil, fmt.Errorf("%w: %w", templating.ErrSelectorRejected, err)
			}
		}
		client, err := newLokiClient(ctx, ds.UID)
		if err != nil {
			return nil, err
		}
		values, err := client.labelValues(ctx, label, match, window.Start, window.End)
		if err != nil {
			return nil, fmt.Errorf("listing Loki label values: %w", lokiSelectorError(err))
		}
		return values, nil

	case ds.IsPrometheus():
		var matches []string
		if match != "" {
			if err := ValidateSeriesSelector(match); err != nil {
				return nil, fmt.Errorf("%w: %w", templating.ErrSelectorRejected, err)
			}
			matches = []string{match}
		}
		promClient, err := newPromClient(ctx, ds.UID)
		if err != nil {
			return nil, err
		}
		values, _, err := promClient.LabelValues(ctx, label, matches, window.Start, window.End)
		if err != nil {
			return nil, fmt.Errorf("listing Prometheus label values: %w", promSelectorError(err))
		}
		out := make([]string, len(values))
		for i, v := range values {
			out[i] = string(v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("label values on %s datasource %s: %w", ds.Type, ds.UID, templating.ErrUnsupportedDatasource)
}
