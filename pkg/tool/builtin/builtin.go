// Package builtin registers the host-located orchestration tools and the
// descriptors for the standard sandbox tool set. Host tools mutate the
// agent graph and message queue directly; sandbox descriptors carry no
// handler and are forwarded over the control channel by the dispatcher.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/swarmsec/swarm/pkg/events"
	"github.com/swarmsec/swarm/pkg/graph"
	"github.com/swarmsec/swarm/pkg/queue"
	"github.com/swarmsec/swarm/pkg/tool"
)

// Spawner starts the engine loop for a freshly created agent. Wired by the
// scan layer; the tool handler only creates the graph node.
type Spawner func(ctx context.Context, agentID string) error

// Deps carries everything the host tools touch.
type Deps struct {
	Graph       *graph.Graph
	Queue       *queue.Queue
	Spawn       Spawner
	MessageWait time.Duration
	// Modules validates requested knowledge module names when a library is
	// configured; nil skips validation.
	Modules interface{ Validate(names []string) error }
	// Emit publishes lifecycle events from the handlers; nil disables it.
	Emit func(events.Event)
	// FinishScan fires once when the root completes; the scan layer uses it
	// to begin teardown.
	FinishScan func(summary string)
}

// Register installs the host orchestration tools into reg.
func Register(reg *tool.Registry, deps Deps) error {
	if deps.Graph == nil || deps.Queue == nil {
		return errors.New("builtin: graph and queue are required")
	}
	descriptors := []tool.Descriptor{
		{
			Name:        "spawn_agent",
			Description: "Create a child agent under the calling agent and start it on a task.",
			Location:    tool.LocationHost,
			Params: []tool.Param{
				{Name: "name", Type: "string", Required: true, Description: "Short human-readable agent name."},
				{Name: "role", Type: "string", Required: true, Description: "One of coordinator, discovery, validation, reporting, fixing, full_access."},
				{Name: "task", Type: "string", Required: true, Description: "The task the child should accomplish."},
				{Name: "modules", Type: "string", Description: "Comma-separated knowledge module names, at most five."},
			},
			Handler: spawnAgent(deps),
		},
		{
			Name:        "send_message",
			Description: "Send a message to another live agent's mailbox.",
			Location:    tool.LocationHost,
			Params: []tool.Param{
				{Name: "recipient", Type: "string", Required: true, Description: "Target agent id."},
				{Name: "type", Type: "string", Required: true, Description: "information, query, or instruction."},
				{Name: "content", Type: "string", Required: true, Description: "Message body."},
			},
			Handler: sendMessage(deps),
		},
		{
			Name:        "wait_for_message",
			Description: "Block until a message arrives for the calling agent, or time out.",
			Location:    tool.LocationHost,
			Params: []tool.Param{
				{Name: "timeout_seconds", Type: "int", Description: "Override the default wait bound."},
			},
			Handler: waitForMessage(deps),
		},
		{
			Name:        "view_agent_graph",
			Description: "Render the current agent hierarchy with statuses.",
			Location:    tool.LocationHost,
			Handler: func(ctx context.Context, inv tool.Invocation) (string, error) {
				return deps.Graph.Render(), nil
			},
		},
		{
			Name:        "agent_finish",
			Description: "Mark the calling agent's task complete and report the result to its parent.",
			Location:    tool.LocationHost,
			Params: []tool.Param{
				{Name: "result", Type: "string", Required: true, Description: "Final result summary."},
				{Name: "success", Type: "bool", Default: true, Description: "Whether the task succeeded."},
			},
			Handler: agentFinish(deps),
		},
		{
			Name:        "finish_scan",
			Description: "Conclude the entire scan. Root agent only; rejected while child agents are still active.",
			Location:    tool.LocationHost,
			Params: []tool.Param{
				{Name: "summary", Type: "string", Required: true, Description: "Overall scan summary."},
			},
			Handler: finishScan(deps),
		},
	}
	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func spawnAgent(deps Deps) tool.Handler {
	return func(ctx context.Context, inv tool.Invocation) (string, error) {
		name, _ := inv.Args["name"].(string)
		roleStr, _ := inv.Args["role"].(string)
		task, _ := inv.Args["task"].(string)

		var modules []string
		if raw, _ := inv.Args["modules"].(string); strings.TrimSpace(raw) != "" {
			for _, m := range strings.Split(raw, ",") {
				if m = strings.TrimSpace(m); m != "" {
					modules = append(modules, m)
				}
			}
		}

		if deps.Modules != nil {
			if err := deps.Modules.Validate(modules); err != nil {
				return "", err
			}
		}

		childID, err := deps.Graph.Create(inv.AgentID, name, graph.Role(roleStr), modules)
		if err != nil {
			return "", err
		}
		if err := deps.Graph.SetTask(childID, task); err != nil {
			return "", err
		}
		if deps.Spawn != nil {
			if err := deps.Spawn(ctx, childID); err != nil {
				_ = deps.Graph.SetFailure(childID, "failed to start: "+err.Error())
				return "", fmt.Errorf("builtin: start agent %s: %w", childID, err)
			}
		}
		return fmt.Sprintf("spawned agent %s (%s, role=%s)", childID, name, roleStr), nil
	}
}

func sendMessage(deps Deps) tool.Handler {
	return func(ctx context.Context, inv tool.Invocation) (string, error) {
		recipient, _ := inv.Args["recipient"].(string)
		typ, _ := inv.Args["type"].(string)
		content, _ := inv.Args["content"].(string)

		msgID, err := deps.Queue.Send(inv.AgentID, recipient, content, queue.Type(typ))
		if err != nil {
			return "", err
		}
		if deps.Emit != nil {
			deps.Emit(events.Event{Type: events.MessageSent, AgentID: inv.AgentID, Payload: events.MessageSentPayload{
				MessageID: msgID, From: inv.AgentID, To: recipient, Type: typ,
			}})
		}
		return fmt.Sprintf("message %s delivered to %s", msgID, recipient), nil
	}
}

func waitForMessage(deps Deps) tool.Handler {
	return func(ctx context.Context, inv tool.Invocation) (string, error) {
		timeout := deps.MessageWait
		if secs, ok := inv.Args["timeout_seconds"].(int); ok && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}

		// Pending messages satisfy the wait without blocking.
		if pending := deps.Queue.DrainPending(inv.AgentID); len(pending) > 0 {
			return formatMessages(pending), nil
		}

		if err := deps.Graph.SetStatus(inv.AgentID, graph.StatusWaiting); err != nil {
			return "", err
		}
		msg, err := deps.Queue.WaitForMessage(ctx, inv.AgentID, timeout)
		if serr := deps.Graph.SetStatus(inv.AgentID, graph.StatusRunning); serr != nil && err == nil {
			err = serr
		}
		if err != nil {
			return "", err
		}
		return formatMessages([]queue.Message{msg}), nil
	}
}

func agentFinish(deps Deps) tool.Handler {
	return func(ctx context.Context, inv tool.Invocation) (string, error) {
		result, _ := inv.Args["result"].(string)
		success := true
		if b, ok := inv.Args["success"].(bool); ok {
			success = b
		}

		if !deps.Graph.CanTerminate(inv.AgentID) {
			active := deps.Graph.ActiveDescendants(inv.AgentID)
			return "", fmt.Errorf("builtin: cannot finish while child agents are active: %s",
				strings.Join(active, ", "))
		}

		agent, err := deps.Graph.Get(inv.AgentID)
		if err != nil {
			return "", err
		}
		if success {
			err = deps.Graph.SetStatus(inv.AgentID, graph.StatusCompleted)
		} else {
			err = deps.Graph.SetFailure(inv.AgentID, result)
		}
		if err != nil {
			return "", err
		}

		// Report upward so the parent's next drain sees the result.
		if agent.ParentID != "" {
			_, _ = deps.Queue.Send(inv.AgentID, agent.ParentID,
				fmt.Sprintf("agent %s finished (success=%t): %s", inv.AgentID, success, result),
				queue.TypeInformation)
		}
		return "task marked finished", nil
	}
}

func finishScan(deps Deps) tool.Handler {
	return func(ctx context.Context, inv tool.Invocation) (string, error) {
		summary, _ := inv.Args["summary"].(string)

		if inv.AgentID != deps.Graph.RootID() {
			return "", errors.New("builtin: finish_scan is restricted to the root agent")
		}
		if !deps.Graph.CanTerminate(inv.AgentID) {
			active := deps.Graph.ActiveDescendants(inv.AgentID)
			return "", fmt.Errorf("builtin: cannot finish scan while child agents are active: %s",
				strings.Join(active, ", "))
		}
		if err := deps.Graph.SetStatus(inv.AgentID, graph.StatusCompleted); err != nil {
			return "", err
		}
		if deps.FinishScan != nil {
			deps.FinishScan(summary)
		}
		return "scan concluded", nil
	}
}

func formatMessages(msgs []queue.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		fmt.Fprintf(&b, "[%s] from %s at %s:\n%s",
			m.Type, m.From, m.CreatedAt.Format(time.RFC3339), m.Content)
	}
	return b.String()
}
