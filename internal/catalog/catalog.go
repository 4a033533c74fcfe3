package catalog

import (
	"sort"
)

// Service describes one managed background service on a remote machine.
type Service struct {
	Name         string   `mapstructure:"name" json:"name"`
	DisplayName  string   `mapstructure:"display_name" json:"display_name"`
	Description  string   `mapstructure:"description" json:"description"`
	Critical     bool     `mapstructure:"critical" json:"critical"`
	Dependencies []string `mapstructure:"dependencies" json:"dependencies"`
}

// Catalog is the fixed set of known services. It is built once at startup
// from configuration and read concurrently afterwards, so it carries no lock.
type Catalog struct {
	services map[string]Service
	names    []string
}

func New(services []Service) *Catalog {
	c := &Catalog{
		services: make(map[string]Service, len(services)),
		names:    make([]string, 0, len(services)),
	}
	for _, svc := range services {
		if _, exists := c.services[svc.Name]; exists {
			continue
		}
		c.services[svc.Name] = svc
		c.names = append(c.names, svc.Name)
	}
	return c
}

func (c *Catalog) Has(name string) bool {
	_, ok := c.services[name]
	return ok
}

func (c *Catalog) Get(name string) (Service, bool) {
	svc, ok := c.services[name]
	return svc, ok
}

func (c *Catalog) Len() int {
	return len(c.services)
}

func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// CriticalNames returns the services whose outage degrades overall health.
func (c *Catalog) CriticalNames() []string {
	var out []string
	for _, name := range c.names {
		if c.services[name].Critical {
			out = append(out, name)
		}
	}
	return out
}

// PriorityOrder returns service names with dependencies ahead of their
// dependents, so restart-all can bring services up in a working order.
// Cycles fall back to declaration order.
func (c *Catalog) PriorityOrder() []string {
	depth := make(map[string]int, len(c.names))
	var resolve func(name string, seen map[string]bool) int
	resolve = func(name string, seen map[string]bool) int {
		if d, ok := depth[name]; ok {
			return d
		}
		if seen[name] {
			return 0
		}
		seen[name] = true
		svc, ok := c.services[name]
		if !ok {
			return 0
		}
		max := 0
		for _, dep := range svc.Dependencies {
			if d := resolve(dep, seen) + 1; d > max {
				max = d
			}
		}
		depth[name] = max
		return max
	}
	for _, name := range c.names {
		resolve(name, make(map[string]bool))
	}

	out := c.Names()
	sort.SliceStable(out, func(i, j int) bool {
		return depth[out[i]] < depth[out[j]]
	})
	return out
}

// Default is the service set shipped with the control plane. Deployments
// override it through configuration.
func Default() *Catalog {
	return New([]Service{
		{
			Name:        "srvIntegraWeb",
			DisplayName: "IntegraWebService",
			Description: "Web integration service",
			Critical:    true,
		},
		{
			Name:         "ServicoFiscal",
			DisplayName:  "webPostoFiscalService",
			Description:  "Fiscal service",
			Critical:     true,
			Dependencies: []string{"srvIntegraWeb"},
		},
		{
			Name:         "ServicoAutomacao",
			DisplayName:  "webPostoLeituraAutomacao",
			Description:  "Automation and pump reading service",
			Dependencies: []string{"srvIntegraWeb", "ServicoFiscal"},
		},
		{
			Name:         "webPostoPayServer",
			DisplayName:  "webPostoPayServer",
			Description:  "Payment server",
			Critical:     true,
			Dependencies: []string{"ServicoFiscal"},
		},
		{
			Name:         "QualityPulser",
			DisplayName:  "QualityPulserWeb",
			Description:  "Pulser web service",
			Dependencies: []string{"srvIntegraWeb"},
		},
	})
}
