package templating

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/common/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/grafana/mcp-grafana-variables/templating"

type resolutionMode string

const (
	modeFixed    resolutionMode = "fixed"
	modeWildcard resolutionMode = "wildcard"
	modeContext  resolutionMode = "context"
	modeStatic   resolutionMode = "static"
)

const (
	outcomeOK    = "ok"
	outcomeEmpty = "empty"
	outcomeError = "error"
)

// Result is the outcome of resolving one dashboard.
type Result struct {
	DashboardTitle       string              `json:"dashboard_title"`
	DashboardUID         string              `json:"dashboard_uid"`
	Variables            Values              `json:"variables"`
	VariableDependencies map[string][]string `json:"variable_dependencies"`
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Resolver) {
		r.tracer = tp.Tracer(instrumentationName)
	}
}

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *Resolver) {
		r.meter = mp.Meter(instrumentationName)
	}
}

// Resolver resolves dashboard variables against a Datasource. It holds no
// per-call state and may be shared between goroutines.
type Resolver struct {
	ds     Datasource
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter

	resolutions metric.Int64Counter
}

// NewResolver returns a Resolver backed by ds.
func NewResolver(ds Datasource, opts ...Option) *Resolver {
	r := &Resolver{
		ds:     ds,
		logger: slog.Default(),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}
	counter, err := r.meter.Int64Counter("grafana.dashboard.variable.resolutions",
		metric.WithDescription("Dashboard template variables resolved, by type, mode and outcome."),
		metric.WithUnit("{variable}"),
	)
	if err != nil {
		r.logger.Warn("Failed to create variable resolution counter", "error", err)
		r.resolutions = noop.Int64Counter{}
	} else {
		r.resolutions = counter
	}
	return r
}

// Resolve computes the candidate values of every variable of dashboard.
//
// Variables are visited in declaration order. Variables named in fixed keep
// the supplied values. Query variables are evaluated with the values resolved
// so far as filters, or with match-all wildcards when no fixed values were
// given or a dependency has not been resolved yet. Failures never abort the
// pass: the failing variable is logged and gets a single empty value.
func (r *Resolver) Resolve(ctx context.Context, dashboard Dashboard, fixed FixedValues, window TimeWindow) *Result {
	ctx, span := r.tracer.Start(ctx, "templating.Resolve", trace.WithAttributes(
		attribute.String("dashboard.uid", dashboard.UID),
		attribute.Int("dashboard.variables", len(dashboard.Templating.List)),
		attribute.Int("fixed.variables", len(fixed)),
	))
	defer span.End()

	logger := r.logger.With("dashboard_uid", dashboard.UID, "resolution_id", uuid.NewString())

	resolved := make(Values, len(fixed)+len(dashboard.Templating.List))
	for name, values := range fixed {
		resolved[name] = append([]string{}, values...)
	}
	result := &Result{
		DashboardTitle:       dashboard.Title,
		DashboardUID:         dashboard.UID,
		Variables:            resolved,
		VariableDependencies: make(map[string][]string, len(dashboard.Templating.List)),
	}

	logger.Debug("Resolving dashboard variables", "variables", len(dashboard.Templating.List), "fixed", len(fixed))

	for _, v := range dashboard.Templating.List {
		if v.Name == "" || v.Type == "" {
			logger.Debug("Skipping variable without name or type", "name", v.Name, "type", v.Type)
			continue
		}

		deps := ExtractDependencies(v.dependencySource())
		result.VariableDependencies[v.Name] = deps
		unresolved := resolved.missing(deps)
		if len(unresolved) > 0 {
			logger.Warn("Variable has unresolved dependencies", "variable", v.Name, "dependencies", deps, "unresolved", unresolved)
		} else if len(deps) > 0 {
			logger.Debug("Variable dependencies resolved", "variable", v.Name, "dependencies", deps)
		}

		if _, ok := fixed[v.Name]; ok {
			logger.Debug("Using fixed value", "variable", v.Name)
			r.record(ctx, v.Type, modeFixed, outcomeOK)
			continue
		}

		mode := modeStatic
		if v.Type == VariableTypeQuery {
			mode = modeContext
			if len(fixed) == 0 || len(unresolved) > 0 {
				mode = modeWildcard
			}
		}

		values, err := r.resolveVariable(ctx, logger, v, resolved, mode, window)
		outcome := outcomeOK
		switch {
		case err != nil:
			outcome = outcomeError
			level := slog.LevelError
			if errors.Is(err, ErrUnsupportedDatasource) || errors.Is(err, ErrDatasourceNotFound) {
				level = slog.LevelWarn
			}
			logger.Log(ctx, level, "Failed to resolve variable", "variable", v.Name, "type", v.Type, "mode", mode, "error", err)
			values = nil
		case len(values) == 0:
			outcome = outcomeEmpty
		}
		if len(values) == 0 {
			values = []string{""}
		}
		resolved[v.Name] = values
		logger.Debug("Resolved variable", "variable", v.Name, "type", v.Type, "mode", mode, "values", len(values))
		r.record(ctx, v.Type, mode, outcome)
	}

	span.SetAttributes(attribute.Int("variables.resolved", len(resolved)))
	return result
}

func (r *Resolver) record(ctx context.Context, t VariableType, mode resolutionMode, outcome string) {
	r.resolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("variable.type", string(t)),
		attribute.String("resolution.mode", string(mode)),
		attribute.String("outcome", outcome),
	))
}

func (r *Resolver) resolveVariable(ctx context.Context, logger *slog.Logger, v Variable, resolved Values, mode resolutionMode, window TimeWindow) (values []string, err error) {
	ctx, span := r.tracer.Start(ctx, "templating.resolveVariable", trace.WithAttributes(
		attribute.String("variable.name", v.Name),
		attribute.String("variable.type", string(v.Type)),
		attribute.String("resolution.mode", string(mode)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("variable.values", len(values)))
		span.End()
	}()

	switch v.Type {
	case VariableTypeQuery:
		if mode == modeWildcard {
			return r.resolveWildcard(ctx, logger, v, window)
		}
		return r.resolveQuery(ctx, logger, v, resolved, window)
	case VariableTypeCustom, VariableTypeInterval:
		return splitCustom(Substitute(v.Query, resolved)), nil
	case VariableTypeConstant:
		return []string{Substitute(v.Query, resolved)}, nil
	case VariableTypeTextbox:
		if current := v.Current.First(); current != "" {
			return []string{current}, nil
		}
		return []string{Substitute(v.Query, resolved)}, nil
	case VariableTypeDatasource:
		return r.resolveDatasourceVariable(ctx, v)
	}
	logger.Warn("Unsupported variable type", "variable", v.Name, "type", v.Type)
	return nil, nil
}

func splitCustom(query string) []string {
	parts := strings.Split(query, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// resolveWildcard evaluates a query variable without any context. Label
// lookups are unfiltered and other queries have every variable reference
// replaced by a match-all pattern.
func (r *Resolver) resolveWildcard(ctx context.Context, logger *slog.Logger, v Variable, window TimeWindow) ([]string, error) {
	ds, err := r.queryDatasource(ctx, logger, v, nil, true)
	if err != nil {
		return nil, err
	}
	q := ParseVariableQuery(v.Query)
	switch q.Kind {
	case QueryKindLabelValues:
		return r.labelValues(ctx, logger, ds, v, q.Label, "", window)
	case QueryKindMetrics:
		return r.labelValues(ctx, logger, ds, v, model.MetricNameLabel, "", window)
	}
	return r.instantValues(ctx, ds, v, stripQueryResult(WildcardQuery(q.Raw)), window)
}

// resolveQuery evaluates a query variable using the values resolved so far.
func (r *Resolver) resolveQuery(ctx context.Context, logger *slog.Logger, v Variable, resolved Values, window TimeWindow) ([]string, error) {
	ds, err := r.queryDatasource(ctx, logger, v, resolved, false)
	if err != nil {
		return nil, err
	}
	q := ParseVariableQuery(v.Query)
	switch q.Kind {
	case QueryKindLabelValues:
		match, ok := LabelMatchFilter(q.Raw, resolved)
		if !ok && q.Selector != "" {
			logger.Info("Label values filter too long, fetching unfiltered", "variable", v.Name, "label", q.Label)
		}
		return r.labelValues(ctx, logger, ds, v, q.Label, match, window)
	case QueryKindMetrics:
		return r.labelValues(ctx, logger, ds, v, model.MetricNameLabel, "", window)
	}
	return r.instantValues(ctx, ds, v, stripQueryResult(Substitute(q.Raw, resolved)), window)
}

// queryDatasource finds the datasource a query variable reads from.
func (r *Resolver) queryDatasource(ctx context.Context, logger *slog.Logger, v Variable, resolved Values, wildcard bool) (DatasourceInfo, error) {
	uid, dsType := "", "prometheus"
	if v.Datasource != nil {
		uid = strings.TrimSpace(v.Datasource.UID)
		if v.Datasource.Type != "" {
			dsType = v.Datasource.Type
		}
	}
	if !wildcard {
		uid = Substitute(uid, resolved)
	}

	var (
		info DatasourceInfo
		err  error
	)
	switch {
	case uid == "" || uid == "default":
		info, err = r.ds.DefaultDatasource(ctx, dsType)
	case isVariableReference(uid):
		logger.Info("Using default datasource for templated datasource", "variable", v.Name, "datasource", uid, "type", dsType)
		info, err = r.ds.DefaultDatasource(ctx, dsType)
	default:
		info, err = r.ds.LookupDatasource(ctx, uid)
	}
	if err != nil {
		return DatasourceInfo{}, fmt.Errorf("datasource %q for variable %s: %w", uid, v.Name, err)
	}
	if !info.IsPrometheus() && !info.IsLoki() {
		return DatasourceInfo{}, fmt.Errorf("datasource %s has type %q: %w", info.UID, info.Type, ErrUnsupportedDatasource)
	}
	return info, nil
}

func isVariableReference(s string) bool {
	return strings.HasPrefix(s, "$") || strings.HasPrefix(s, "[[")
}

// labelValues lists label values, retrying once without the filter when the
// datasource rejects it.
func (r *Resolver) labelValues(ctx context.Context, logger *slog.Logger, ds DatasourceInfo, v Variable, label, match string, window TimeWindow) ([]string, error) {
	if label == model.MetricNameLabel && !ds.IsPrometheus() {
		return nil, fmt.Errorf("metrics() on %s datasource %s: %w", ds.Type, ds.UID, ErrUnsupportedDatasource)
	}
	re, err := compileVariableRegex(v.Regex)
	if err != nil {
		return nil, err
	}
	values, err := r.ds.LabelValues(ctx, ds, label, match, window)
	if err != nil && match != "" && errors.Is(err, ErrSelectorRejected) {
		logger.Warn("Label values filter rejected, retrying without it", "variable", v.Name, "label", label, "match", match, "error", err)
		values, err = r.ds.LabelValues(ctx, ds, label, "", window)
	}
	if err != nil {
		return nil, fmt.Errorf("label values of %s: %w", label, err)
	}
	if re == nil {
		return values, nil
	}
	return applyRegex(values, re), nil
}

// instantValues evaluates expr and extracts one value per returned series.
func (r *Resolver) instantValues(ctx context.Context, ds DatasourceInfo, v Variable, expr string, window TimeWindow) ([]string, error) {
	if !ds.IsPrometheus() {
		return nil, fmt.Errorf("query %q on %s datasource %s: %w", expr, ds.Type, ds.UID, ErrUnsupportedDatasource)
	}
	re, err := compileVariableRegex(v.Regex)
	if err != nil {
		return nil, err
	}
	series, err := r.ds.QueryInstant(ctx, ds, expr, window.End)
	if err != nil {
		return nil, fmt.Errorf("instant query %q: %w", expr, err)
	}
	values := make([]string, 0, len(series))
	for _, s := range series {
		if value, ok := seriesValue(s, re); ok {
			values = append(values, value)
		}
	}
	slices.Sort(values)
	return slices.Compact(values), nil
}

func applyRegex(values []string, re *regexp.Regexp) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		m := re.FindStringSubmatch(v)
		if m == nil {
			continue
		}
		if len(m) > 1 {
			out = append(out, m[1])
		} else {
			out = append(out, m[0])
		}
	}
	return slices.Compact(out)
}

// resolveDatasourceVariable lists the UIDs of datasources of the type named
// by the variable's query.
func (r *Resolver) resolveDatasourceVariable(ctx context.Context, v Variable) ([]string, error) {
	dsType := strings.TrimSpace(v.Query)
	if dsType == "" {
		return nil, nil
	}
	if v.Current.First() == "default" {
		def, err := r.ds.DefaultDatasource(ctx, dsType)
		if err == nil {
			return []string{def.UID}, nil
		}
		if !errors.Is(err, ErrDatasourceNotFound) {
			return nil, fmt.Errorf("default %s datasource: %w", dsType, err)
		}
	}
	all, err := r.ds.ListDatasources(ctx, dsType)
	if err != nil {
		return nil, fmt.Errorf("list %s datasources: %w", dsType, err)
	}
	uids := make([]string, 0, len(all))
	for _, ds := range all {
		uids = append(uids, ds.UID)
	}
	return uids, nil
}
