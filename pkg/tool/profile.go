package tool

import "github.com/swarmsec/swarm/pkg/graph"

// Wildcard grants a role every registered tool.
const Wildcard = "*"

// Profiles maps each agent role to the tool names it may invoke.
type Profiles map[graph.Role][]string

// DefaultProfiles is the stock capability table. Coordinators orchestrate,
// worker roles get the sandbox tools their phase needs, and full_access is
// unrestricted.
func DefaultProfiles() Profiles {
	return Profiles{
		graph.RoleCoordinator: {
			"spawn_agent", "send_message", "wait_for_message",
			"view_agent_graph", "finish_scan",
			"terminal_execute", "file_read",
		},
		graph.RoleDiscovery: {
			"terminal_execute", "web_request", "file_read",
			"send_message", "wait_for_message", "view_agent_graph", "agent_finish",
		},
		graph.RoleValidation: {
			"terminal_execute", "python_execute", "file_read", "file_write",
			"send_message", "wait_for_message", "agent_finish",
		},
		graph.RoleReporting: {
			"file_read", "file_write",
			"send_message", "wait_for_message", "agent_finish",
		},
		graph.RoleFixing: {
			"terminal_execute", "python_execute", "file_read", "file_write",
			"send_message", "wait_for_message", "agent_finish",
		},
		graph.RoleFullAccess: {Wildcard},
	}
}

// GrantAll adds the named tools to every role's allow list. Roles holding
// the wildcard and roles that already list a name are left unchanged.
func (p Profiles) GrantAll(names ...string) {
	for role := range p {
		for _, name := range names {
			if !p.Allowed(role, name) {
				p[role] = append(p[role], name)
			}
		}
	}
}

// Allowed reports whether role may invoke the named tool.
func (p Profiles) Allowed(role graph.Role, name string) bool {
	for _, t := range p[role] {
		if t == Wildcard || t == name {
			return true
		}
	}
	return false
}

// Names returns the tool names visible to role, resolving the wildcard
// against the registry.
func (p Profiles) Names(role graph.Role, reg *Registry) []string {
	list := p[role]
	for _, t := range list {
		if t == Wildcard {
			all := reg.List()
			names := make([]string, len(all))
			for i, d := range all {
				names[i] = d.Name
			}
			return names
		}
	}
	out := make([]string, len(list))
	copy(out, list)
	return out
}
