// Package templating resolves the template variables of a Grafana dashboard
// into concrete candidate values.
//
// A Resolver walks the dashboard's templating list in declaration order. Query
// variables are evaluated against the datasource they reference, using the
// values already resolved for earlier variables as filters. When a query
// depends on a variable that has no value yet, the reference is replaced by a
// match-all wildcard so that the variable still gets a full list of candidates.
package templating

import (
	"encoding/json"
	"fmt"
)

// VariableType is the kind of a dashboard template variable.
type VariableType string

const (
	VariableTypeQuery      VariableType = "query"
	VariableTypeCustom     VariableType = "custom"
	VariableTypeConstant   VariableType = "constant"
	VariableTypeTextbox    VariableType = "textbox"
	VariableTypeInterval   VariableType = "interval"
	VariableTypeDatasource VariableType = "datasource"
)

// Known reports whether t is one of the variable types the resolver understands.
func (t VariableType) Known() bool {
	switch t {
	case VariableTypeQuery, VariableTypeCustom, VariableTypeConstant,
		VariableTypeTextbox, VariableTypeInterval, VariableTypeDatasource:
		return true
	}
	return false
}

// DatasourceRef points at the datasource a variable queries. Older dashboards
// store a bare string (the UID or a variable reference), newer ones an object.
type DatasourceRef struct {
	UID  string `json:"uid"`
	Type string `json:"type,omitempty"`
}

func (r *DatasourceRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = DatasourceRef{UID: s}
		return nil
	}
	type plain DatasourceRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode datasource reference: %w", err)
	}
	*r = DatasourceRef(p)
	return nil
}

// Current is the value selected for a variable when the dashboard was saved.
type Current struct {
	Value ValueList `json:"value"`
}

// First returns the first selected value, or "" if nothing is selected.
func (c Current) First() string {
	if len(c.Value) == 0 {
		return ""
	}
	return c.Value[0]
}

// Variable is one entry of a dashboard's templating list.
type Variable struct {
	Name       string         `json:"name"`
	Type       VariableType   `json:"type"`
	Label      string         `json:"label,omitempty"`
	Query      string         `json:"query"`
	Definition string         `json:"definition,omitempty"`
	Datasource *DatasourceRef `json:"datasource,omitempty"`
	Current    Current        `json:"current"`
	Regex      string         `json:"regex,omitempty"`
}

func (v *Variable) UnmarshalJSON(data []byte) error {
	type plain Variable
	var aux struct {
		plain
		Query json.RawMessage `json:"query"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*v = Variable(aux.plain)
	v.Query = flattenQuery(aux.Query, v.Definition)
	return nil
}

// flattenQuery turns the stored query into a string. Newer Grafana versions
// store query variables as {"query": "...", "refId": "..."}.
func flattenQuery(raw json.RawMessage, definition string) string {
	if len(raw) == 0 || string(raw) == "null" {
		return definition
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Query != "" {
		return obj.Query
	}
	return definition
}

// dependencySource returns the text that is scanned for variable references.
// A datasource variable's own datasource UID may be templated, so it is
// scanned ahead of the query. Unknown types contribute nothing.
func (v Variable) dependencySource() string {
	switch v.Type {
	case VariableTypeDatasource:
		if v.Datasource != nil && v.Datasource.UID != "" {
			return v.Datasource.UID + " " + v.Query
		}
		return v.Query
	case VariableTypeQuery, VariableTypeCustom, VariableTypeConstant,
		VariableTypeTextbox, VariableTypeInterval:
		return v.Query
	}
	return ""
}

// Dashboard is the part of a dashboard model the resolver needs.
type Dashboard struct {
	UID        string     `json:"uid"`
	Title      string     `json:"title"`
	Templating Templating `json:"templating"`
}

// Templating holds the variable list of a dashboard.
type Templating struct {
	List []Variable `json:"list"`
}

// DecodeDashboard converts a dashboard model as returned by the Grafana API
// (usually a map[string]any) into a Dashboard.
func DecodeDashboard(raw any) (Dashboard, error) {
	var d Dashboard
	b, err := json.Marshal(raw)
	if err != nil {
		return d, fmt.Errorf("marshal dashboard: %w", err)
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("decode dashboard: %w", err)
	}
	return d, nil
}

// ValueList is a list of variable values. It decodes from either a single
// JSON scalar or an array.
type ValueList []string

func (l *ValueList) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*l = nil
	case []any:
		out := make(ValueList, 0, len(v))
		for _, item := range v {
			out = append(out, scalarString(item))
		}
		*l = out
	default:
		*l = ValueList{scalarString(v)}
	}
	return nil
}

func scalarString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		b, _ := json.Marshal(s)
		return string(b)
	}
}

// Values maps variable names to their resolved candidate values.
type Values map[string][]string

// FixedValues are caller-supplied overrides. A variable listed here is never
// queried.
type FixedValues map[string]ValueList

// missing returns the names that have no entry in v, preserving order.
func (v Values) missing(names []string) []string {
	var out []string
	for _, n := range names {
		if _, ok := v[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}
