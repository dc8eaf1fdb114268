package registry

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/linkresolver/internal/model"
)

// DefaultGroup is always active unless a request removes it explicitly.
const DefaultGroup = "default"

// LoadServicesFromFile reads the service group configuration:
//
//	default:
//	  services:
//	    internet_archive:
//	      type: InternetArchive
//	      priority: 1
//	      num_results: 3
//	group2:
//	  disabled: false
//	  services: { ... }
//
// Groups are returned sorted by name. Every service ID must be unique across
// all groups.
func LoadServicesFromFile(path string) ([]model.ServiceGroup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read services file")
	}
	return ParseServices(data)
}

// ParseServices decodes a service group document.
func ParseServices(data []byte) ([]model.ServiceGroup, error) {
	var raw map[string]model.ServiceGroup
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal services file")
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	owner := make(map[string]string)
	groups := make([]model.ServiceGroup, 0, len(names))
	for _, name := range names {
		g := raw[name]
		g.Name = name
		for id, def := range g.Services {
			if def.Type == "" {
				return nil, eris.Errorf("registry: service %s in group %s has no type", id, name)
			}
			if prev, dup := owner[id]; dup {
				return nil, eris.Errorf("registry: service %s defined in both %s and %s", id, prev, name)
			}
			owner[id] = name
			def.ID = id
			g.Services[id] = def
		}
		groups = append(groups, g)
	}
	return groups, nil
}
