package model

import "sort"

// ServiceDef is the configuration of one service instance. Options holds
// the type-specific keys (e.g. num_results for InternetArchive).
type ServiceDef struct {
	ID       string         `json:"id" yaml:"-"`
	Type     string         `json:"type" yaml:"type"`
	Priority int            `json:"priority" yaml:"priority"`
	Disabled bool           `json:"disabled,omitempty" yaml:"disabled"`
	Options  map[string]any `json:"options,omitempty" yaml:",inline"`
}

// ServiceGroup is a named set of services that can be switched on per
// request.
type ServiceGroup struct {
	Name     string                `json:"name" yaml:"-"`
	Disabled bool                  `json:"disabled,omitempty" yaml:"disabled"`
	Services map[string]ServiceDef `json:"services" yaml:"services"`
}

// SortedServices returns the group's services ordered by priority, then ID.
func (g ServiceGroup) SortedServices() []ServiceDef {
	out := make([]ServiceDef, 0, len(g.Services))
	for id, def := range g.Services {
		def.ID = id
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OptionString returns a string option or def when absent.
func (d ServiceDef) OptionString(key, def string) string {
	if s, ok := d.Options[key].(string); ok && s != "" {
		return s
	}
	return def
}

// OptionInt returns an integer option or def when absent. YAML and JSON
// decoders produce different numeric types, so all of them are accepted.
func (d ServiceDef) OptionInt(key string, def int) int {
	switch v := d.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// OptionBool returns a boolean option or def when absent.
func (d ServiceDef) OptionBool(key string, def bool) bool {
	if b, ok := d.Options[key].(bool); ok {
		return b
	}
	return def
}

// OptionStrings returns a list option. A single string is treated as a
// one-element list.
func (d ServiceDef) OptionStrings(key string, def []string) []string {
	switch v := d.Options[key].(type) {
	case []string:
		return v
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
