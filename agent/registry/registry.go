// Package registry holds the static tool catalog assembled once at
// startup from each domain agent's declared tools. After construction
// the registry is read-only and safe for unsynchronized concurrent
// reads.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/jirayu/concierge/agent/contract"
)

type entry struct {
	def   *contractx.ToolDefinition
	agent contractx.DomainAgent
}

type Registry struct {
	tools map[string]entry
	order []string
}

// New builds the catalog from the given agents. Registration fails on a
// tool name collision or an invalid definition.
func New(agents ...contractx.DomainAgent) (*Registry, error) {
	r := &Registry{tools: make(map[string]entry)}
	for _, agent := range agents {
		if agent == nil {
			continue
		}
		for _, def := range agent.DescribeTools() {
			if err := r.register(def, agent); err != nil {
				return nil, err
			}
		}
	}
	sort.Strings(r.order)
	return r, nil
}

func (r *Registry) register(def *contractx.ToolDefinition, agent contractx.DomainAgent) error {
	if def == nil || strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("%w: tool definition without a name", contractx.ErrValidation)
	}
	if def.Domain != agent.Domain() {
		return fmt.Errorf("%w: tool=%s declares domain=%s but is owned by %s",
			contractx.ErrValidation, def.Name, def.Domain, agent.Domain())
	}
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: duplicate tool name=%s", contractx.ErrValidation, def.Name)
	}
	r.tools[def.Name] = entry{def: def, agent: agent}
	r.order = append(r.order, def.Name)
	return nil
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (*contractx.ToolDefinition, error) {
	e, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contractx.ErrToolNotFound, name)
	}
	return e.def, nil
}

// AgentFor returns the domain agent owning the named tool.
func (r *Registry) AgentFor(name string) (contractx.DomainAgent, error) {
	e, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contractx.ErrToolNotFound, name)
	}
	return e.agent, nil
}

// ByDomain lists the definitions owned by one functional area, for
// planning-time capability discovery.
func (r *Registry) ByDomain(domain contractx.Domain) []*contractx.ToolDefinition {
	var defs []*contractx.ToolDefinition
	for _, name := range r.order {
		if e := r.tools[name]; e.def.Domain == domain {
			defs = append(defs, e.def)
		}
	}
	return defs
}

// Catalog lists every definition in stable name order.
func (r *Registry) Catalog() []*contractx.ToolDefinition {
	defs := make([]*contractx.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// Infos exports the whole catalog as model-facing tool schemas.
func (r *Registry) Infos() []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		infos = append(infos, r.tools[name].def.ToInfo())
	}
	return infos
}
