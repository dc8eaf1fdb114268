package service

import (
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/linkresolver/internal/model"
	"github.com/sells-group/linkresolver/internal/registry"
	"github.com/sells-group/linkresolver/internal/resolver"
)

// Collection holds every enabled service instance, indexed by group. It is
// built once at startup and is read-only afterwards.
type Collection struct {
	groups   map[string]model.ServiceGroup
	services map[string]resolver.Service
	defs     map[string]model.ServiceDef
}

// NewCollection instantiates the enabled services of every enabled group.
func NewCollection(groups []model.ServiceGroup, factories *Factories) (*Collection, error) {
	c := &Collection{
		groups:   make(map[string]model.ServiceGroup, len(groups)),
		services: make(map[string]resolver.Service),
		defs:     make(map[string]model.ServiceDef),
	}
	for _, g := range groups {
		c.groups[g.Name] = g
		if g.Disabled {
			continue
		}
		for _, def := range g.SortedServices() {
			c.defs[def.ID] = def
			if def.Disabled {
				continue
			}
			svc, err := factories.Build(def)
			if err != nil {
				return nil, err
			}
			c.services[def.ID] = svc
		}
	}
	return c, nil
}

// SelectedGroups returns the groups that apply to a request: the default
// group plus every group named in resolver.service_group, minus any named
// with a leading "-". The value may be comma-separated or repeated.
func (c *Collection) SelectedGroups(params url.Values) []string {
	selected := map[string]bool{registry.DefaultGroup: true}
	var removed []string
	for _, raw := range params[resolver.ParamServiceGroup] {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			switch {
			case name == "" || name == "-":
			case strings.HasPrefix(name, "-"):
				removed = append(removed, strings.TrimPrefix(name, "-"))
			default:
				selected[name] = true
			}
		}
	}
	for _, name := range removed {
		delete(selected, name)
	}

	out := make([]string, 0, len(selected))
	for name := range selected {
		g, ok := c.groups[name]
		if !ok {
			zap.L().Debug("service: unknown service group requested", zap.String("group", name))
			continue
		}
		if g.Disabled {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DetermineServices returns the enabled services of the selected groups,
// ordered by priority then ID.
func (c *Collection) DetermineServices(params url.Values) []resolver.Service {
	var defs []model.ServiceDef
	for _, name := range c.SelectedGroups(params) {
		for _, def := range c.groups[name].SortedServices() {
			if _, ok := c.services[def.ID]; ok {
				defs = append(defs, def)
			}
		}
	}
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority < defs[j].Priority
		}
		return defs[i].ID < defs[j].ID
	})

	out := make([]resolver.Service, 0, len(defs))
	for _, def := range defs {
		out = append(out, c.services[def.ID])
	}
	return out
}

// Service returns the instance with id, or nil.
func (c *Collection) Service(id string) resolver.Service {
	return c.services[id]
}

// Definitions returns every service definition of the enabled groups,
// including disabled services, ordered by ID.
func (c *Collection) Definitions() []model.ServiceDef {
	out := make([]model.ServiceDef, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeclaredTypes reports the labels serviceID is configured to produce.
func (c *Collection) DeclaredTypes(serviceID string) []model.TypeLabel {
	if svc, ok := c.services[serviceID]; ok {
		return svc.ResultTypes()
	}
	return nil
}

var _ resolver.ServiceCatalog = (*Collection)(nil)
