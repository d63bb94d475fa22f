package builtin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmsec/swarm/pkg/events"
	"github.com/swarmsec/swarm/pkg/graph"
	"github.com/swarmsec/swarm/pkg/queue"
	"github.com/swarmsec/swarm/pkg/tool"
)

type fixture struct {
	graph  *graph.Graph
	queue  *queue.Queue
	reg    *tool.Registry
	rootID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	g := graph.New()
	q := queue.New(g)
	reg := tool.NewRegistry()
	require.NoError(t, Register(reg, Deps{
		Graph:       g,
		Queue:       q,
		MessageWait: time.Second,
	}))
	rootID, err := g.CreateRoot("root", graph.RoleCoordinator, nil)
	require.NoError(t, err)
	require.NoError(t, g.SetStatus(rootID, graph.StatusRunning))
	return &fixture{graph: g, queue: q, reg: reg, rootID: rootID}
}

func (f *fixture) call(t *testing.T, agentID, name string, args map[string]any) (string, error) {
	t.Helper()
	d, err := f.reg.Get(name)
	require.NoError(t, err)
	return d.Handler(context.Background(), tool.Invocation{Name: name, AgentID: agentID, Args: args})
}

func TestSpawnAgentCreatesRunningChild(t *testing.T) {
	f := newFixture(t)

	var started []string
	g := f.graph
	reg := tool.NewRegistry()
	require.NoError(t, Register(reg, Deps{
		Graph: g, Queue: f.queue, MessageWait: time.Second,
		Spawn: func(ctx context.Context, agentID string) error {
			started = append(started, agentID)
			return nil
		},
	}))
	d, err := reg.Get("spawn_agent")
	require.NoError(t, err)

	out, err := d.Handler(context.Background(), tool.Invocation{
		Name: "spawn_agent", AgentID: f.rootID,
		Args: map[string]any{"name": "recon", "role": "discovery", "task": "map the target", "modules": "http, dns"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "spawned agent")
	require.Len(t, started, 1)

	child, err := g.Get(started[0])
	require.NoError(t, err)
	assert.Equal(t, f.rootID, child.ParentID)
	assert.Equal(t, graph.RoleDiscovery, child.Role)
	assert.Equal(t, "map the target", child.Task)
	assert.Equal(t, []string{"http", "dns"}, child.Modules)
}

type fakeLibrary struct{ known map[string]bool }

func (l fakeLibrary) Validate(names []string) error {
	for _, n := range names {
		if !l.known[n] {
			return errors.New("unknown module " + n)
		}
	}
	return nil
}

func TestSpawnAgentValidatesModules(t *testing.T) {
	f := newFixture(t)
	reg := tool.NewRegistry()
	require.NoError(t, Register(reg, Deps{
		Graph: f.graph, Queue: f.queue, MessageWait: time.Second,
		Spawn:   func(ctx context.Context, agentID string) error { return nil },
		Modules: fakeLibrary{known: map[string]bool{"http-probing": true}},
	}))
	d, err := reg.Get("spawn_agent")
	require.NoError(t, err)

	_, err = d.Handler(context.Background(), tool.Invocation{
		Name: "spawn_agent", AgentID: f.rootID,
		Args: map[string]any{"name": "recon", "role": "discovery", "task": "t", "modules": "http-probing, bogus"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")

	_, err = d.Handler(context.Background(), tool.Invocation{
		Name: "spawn_agent", AgentID: f.rootID,
		Args: map[string]any{"name": "recon", "role": "discovery", "task": "t", "modules": "http-probing"},
	})
	require.NoError(t, err)
}

func TestSpawnAgentRejectsBadRole(t *testing.T) {
	f := newFixture(t)
	_, err := f.call(t, f.rootID, "spawn_agent",
		map[string]any{"name": "x", "role": "wizard", "task": "t"})
	require.ErrorIs(t, err, graph.ErrInvalidRole)
}

func TestSendMessageToDeadAgentFails(t *testing.T) {
	f := newFixture(t)
	childID, err := f.graph.Create(f.rootID, "child", graph.RoleDiscovery, nil)
	require.NoError(t, err)
	require.NoError(t, f.graph.SetStatus(childID, graph.StatusCompleted))

	_, err = f.call(t, f.rootID, "send_message",
		map[string]any{"recipient": childID, "type": "query", "content": "status?"})
	require.ErrorIs(t, err, queue.ErrRecipientNotFound)
}

func TestSendMessageEmitsEvent(t *testing.T) {
	f := newFixture(t)
	childID, err := f.graph.Create(f.rootID, "child", graph.RoleDiscovery, nil)
	require.NoError(t, err)
	require.NoError(t, f.graph.SetStatus(childID, graph.StatusRunning))

	var emitted []events.Event
	reg := tool.NewRegistry()
	require.NoError(t, Register(reg, Deps{
		Graph: f.graph, Queue: f.queue, MessageWait: time.Second,
		Emit: func(ev events.Event) { emitted = append(emitted, ev) },
	}))
	d, err := reg.Get("send_message")
	require.NoError(t, err)

	_, err = d.Handler(context.Background(), tool.Invocation{
		Name: "send_message", AgentID: f.rootID,
		Args: map[string]any{"recipient": childID, "type": "instruction", "content": "probe port 443"},
	})
	require.NoError(t, err)

	require.Len(t, emitted, 1)
	assert.Equal(t, events.MessageSent, emitted[0].Type)
	payload, ok := emitted[0].Payload.(events.MessageSentPayload)
	require.True(t, ok)
	assert.Equal(t, f.rootID, payload.From)
	assert.Equal(t, childID, payload.To)
	assert.Equal(t, "instruction", payload.Type)
	assert.NotEmpty(t, payload.MessageID)
}

func TestWaitForMessageDrainsPendingFirst(t *testing.T) {
	f := newFixture(t)
	childID, err := f.graph.Create(f.rootID, "child", graph.RoleDiscovery, nil)
	require.NoError(t, err)
	require.NoError(t, f.graph.SetStatus(childID, graph.StatusRunning))

	_, err = f.queue.Send(childID, f.rootID, "found ssh on 22", queue.TypeInformation)
	require.NoError(t, err)

	out, err := f.call(t, f.rootID, "wait_for_message", map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, out, "found ssh on 22")
	assert.Contains(t, out, childID)

	// No blocking happened, so the agent never entered waiting.
	root, err := f.graph.Get(f.rootID)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusRunning, root.Status)
}

func TestWaitForMessageBlocksUntilDelivery(t *testing.T) {
	f := newFixture(t)
	childID, err := f.graph.Create(f.rootID, "child", graph.RoleDiscovery, nil)
	require.NoError(t, err)
	require.NoError(t, f.graph.SetStatus(childID, graph.StatusRunning))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = f.queue.Send(childID, f.rootID, "late news", queue.TypeInformation)
	}()

	out, err := f.call(t, f.rootID, "wait_for_message", map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, out, "late news")

	root, err := f.graph.Get(f.rootID)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusRunning, root.Status, "status restored after wait")
}

func TestWaitForMessageTimesOut(t *testing.T) {
	g := graph.New()
	q := queue.New(g)
	reg := tool.NewRegistry()
	require.NoError(t, Register(reg, Deps{Graph: g, Queue: q, MessageWait: 20 * time.Millisecond}))
	rootID, err := g.CreateRoot("root", graph.RoleCoordinator, nil)
	require.NoError(t, err)
	require.NoError(t, g.SetStatus(rootID, graph.StatusRunning))

	d, err := reg.Get("wait_for_message")
	require.NoError(t, err)
	_, err = d.Handler(context.Background(), tool.Invocation{AgentID: rootID, Args: map[string]any{}})
	require.ErrorIs(t, err, queue.ErrTimeout)
}

func TestAgentFinishBlockedByActiveChildren(t *testing.T) {
	f := newFixture(t)
	childID, err := f.graph.Create(f.rootID, "child", graph.RoleDiscovery, nil)
	require.NoError(t, err)
	require.NoError(t, f.graph.SetStatus(childID, graph.StatusRunning))

	_, err = f.call(t, f.rootID, "agent_finish", map[string]any{"result": "done"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), childID)

	require.NoError(t, f.graph.SetStatus(childID, graph.StatusCompleted))
	_, err = f.call(t, f.rootID, "agent_finish", map[string]any{"result": "done"})
	require.NoError(t, err)

	root, err := f.graph.Get(f.rootID)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusCompleted, root.Status)
}

func TestAgentFinishReportsToParent(t *testing.T) {
	f := newFixture(t)
	childID, err := f.graph.Create(f.rootID, "child", graph.RoleDiscovery, nil)
	require.NoError(t, err)
	require.NoError(t, f.graph.SetStatus(childID, graph.StatusRunning))

	_, err = f.call(t, childID, "agent_finish", map[string]any{"result": "3 findings", "success": true})
	require.NoError(t, err)

	msgs := f.queue.DrainPending(f.rootID)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "3 findings")
	assert.Equal(t, childID, msgs[0].From)
}

func TestFinishScanRootOnlyAndGated(t *testing.T) {
	_ = newFixture(t)

	var summary string
	g := graph.New()
	q := queue.New(g)
	reg := tool.NewRegistry()
	require.NoError(t, Register(reg, Deps{
		Graph: g, Queue: q, MessageWait: time.Second,
		FinishScan: func(s string) { summary = s },
	}))
	rootID, err := g.CreateRoot("root", graph.RoleCoordinator, nil)
	require.NoError(t, err)
	require.NoError(t, g.SetStatus(rootID, graph.StatusRunning))
	childID, err := g.Create(rootID, "child", graph.RoleDiscovery, nil)
	require.NoError(t, err)
	require.NoError(t, g.SetStatus(childID, graph.StatusRunning))

	d, err := reg.Get("finish_scan")
	require.NoError(t, err)

	// Non-root caller.
	_, err = d.Handler(context.Background(), tool.Invocation{AgentID: childID, Args: map[string]any{"summary": "s"}})
	require.Error(t, err)

	// Root with an active child.
	_, err = d.Handler(context.Background(), tool.Invocation{AgentID: rootID, Args: map[string]any{"summary": "s"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), childID)

	require.NoError(t, g.SetStatus(childID, graph.StatusCompleted))
	out, err := d.Handler(context.Background(), tool.Invocation{AgentID: rootID, Args: map[string]any{"summary": "all clear"}})
	require.NoError(t, err)
	assert.Equal(t, "scan concluded", out)
	assert.Equal(t, "all clear", summary)
}

func TestViewAgentGraphRendersTree(t *testing.T) {
	f := newFixture(t)
	childID, err := f.graph.Create(f.rootID, "recon", graph.RoleDiscovery, nil)
	require.NoError(t, err)

	out, err := f.call(t, f.rootID, "view_agent_graph", map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, out, "root")
	assert.Contains(t, out, "recon")
	assert.Contains(t, out, childID)
}

func TestSandboxToolDescriptorsRegister(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, RegisterSandboxTools(reg))
	for _, name := range []string{"terminal_execute", "python_execute", "file_read", "file_write", "web_request"} {
		d, err := reg.Get(name)
		require.NoError(t, err)
		assert.Equal(t, tool.LocationSandbox, d.Location)
	}
}
