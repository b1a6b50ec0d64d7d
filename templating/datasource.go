package templating

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/common/model"
)

var (
	// ErrSelectorRejected is returned by LabelValues when the datasource
	// refuses the series filter. The resolver retries without a filter.
	ErrSelectorRejected = errors.New("selector rejected by datasource")

	// ErrDatasourceNotFound is returned when no datasource matches a lookup.
	ErrDatasourceNotFound = errors.New("datasource not found")

	// ErrUnsupportedDatasource is returned for datasource types the resolver
	// cannot query.
	ErrUnsupportedDatasource = errors.New("unsupported datasource type")
)

// DatasourceInfo identifies a datasource.
type DatasourceInfo struct {
	UID       string `json:"uid"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	IsDefault bool   `json:"isDefault"`
}

// IsPrometheus reports whether the datasource speaks the Prometheus HTTP API.
// This includes Mimir, Cortex and managed Prometheus offerings.
func (d DatasourceInfo) IsPrometheus() bool {
	return strings.Contains(strings.ToLower(d.Type), "prometheus")
}

// IsLoki reports whether the datasource is a Loki datasource.
func (d DatasourceInfo) IsLoki() bool {
	return strings.EqualFold(d.Type, "loki")
}

// TimeWindow bounds label-values lookups. The End is also used as the
// evaluation time of instant queries. Zero times are left to the datasource.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Datasource is everything the resolver needs from Grafana.
type Datasource interface {
	// LookupDatasource returns the datasource with the given UID.
	LookupDatasource(ctx context.Context, uid string) (DatasourceInfo, error)
	// DefaultDatasource returns the default datasource of a type: the one
	// flagged as default, else the first of that type.
	DefaultDatasource(ctx context.Context, dsType string) (DatasourceInfo, error)
	// ListDatasources returns all datasources of exactly the given type.
	ListDatasources(ctx context.Context, dsType string) ([]DatasourceInfo, error)
	// QueryInstant evaluates expr at ts and returns the label sets of the
	// resulting series.
	QueryInstant(ctx context.Context, ds DatasourceInfo, expr string, ts time.Time) ([]model.Metric, error)
	// LabelValues lists the values of label. A non-empty match restricts the
	// lookup to matching series.
	LabelValues(ctx context.Context, ds DatasourceInfo, label, match string, window TimeWindow) ([]string, error)
}

// PickDefault selects the default datasource of dsType from a list.
func PickDefault(all []DatasourceInfo, dsType string) (DatasourceInfo, error) {
	var first *DatasourceInfo
	for i := range all {
		if all[i].Type != dsType {
			continue
		}
		if all[i].IsDefault {
			return all[i], nil
		}
		if first == nil {
			first = &all[i]
		}
	}
	if first == nil {
		return DatasourceInfo{}, ErrDatasourceNotFound
	}
	return *first, nil
}
