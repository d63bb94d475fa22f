package agent

import (
	"fmt"
	"strings"

	"github.com/swarmsec/swarm/pkg/graph"
)

var roleBriefs = map[graph.Role]string{
	graph.RoleCoordinator: "You are the coordinator. Break the objective into tasks, spawn specialist agents, route their findings, and conclude the scan when every task is done.",
	graph.RoleDiscovery:   "You are a discovery agent. Map the attack surface: services, endpoints, technologies. Report findings to your parent, do not exploit.",
	graph.RoleValidation:  "You are a validation agent. Confirm or refute suspected vulnerabilities with safe, minimal proof-of-concept steps.",
	graph.RoleReporting:   "You are a reporting agent. Turn validated findings into a clear, actionable write-up in the workspace.",
	graph.RoleFixing:      "You are a fixing agent. Propose and apply remediation for validated findings in the workspace.",
	graph.RoleFullAccess:  "You are an unrestricted agent. Use any available tool to accomplish your task.",
}

// systemPrompt assembles the per-agent instruction block: role brief, the
// tool table visible to the role, knowledge modules, and calling rules.
func (e *Engine) systemPrompt(a graph.Agent) string {
	var b strings.Builder

	brief, ok := roleBriefs[a.Role]
	if !ok {
		brief = roleBriefs[graph.RoleFullAccess]
	}
	b.WriteString(brief)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Your agent id is %s.", a.ID)
	if a.ParentID != "" {
		fmt.Fprintf(&b, " Your parent agent is %s.", a.ParentID)
	}
	b.WriteString("\n\n")

	if len(a.Modules) > 0 {
		b.WriteString("Loaded knowledge modules: " + strings.Join(a.Modules, ", ") + "\n\n")
		if e.cfg.Modules != nil {
			if rendered, err := e.cfg.Modules.Render(a.Modules); err == nil && rendered != "" {
				b.WriteString("# Knowledge modules\n\n" + rendered + "\n\n")
			}
		}
	}

	b.WriteString("# Available tools\n\n")
	b.WriteString(e.cfg.Registry.Prompt(e.cfg.Profiles.Names(a.Role, e.cfg.Registry)))

	b.WriteString(`# Tool calling

Invoke tools with this exact syntax, one or more per reply:

<function=tool_name>
<parameter=param_name>value</parameter>
</function>

Calls run in order; each result is returned to you before the next runs.
When your task is complete, call agent_finish (or finish_scan if you are
the coordinator). You cannot finish while your child agents are running.
`)
	return b.String()
}
