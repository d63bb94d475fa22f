package mcp

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmsec/swarm/pkg/tool"
)

type fakeClient struct {
	tools    []mcpproto.Tool
	listErr  error
	lastCall mcpproto.CallToolRequest
	result   *mcpproto.CallToolResult
	callErr  error
	closed   bool
}

func (f *fakeClient) ListTools(ctx context.Context, req mcpproto.ListToolsRequest) (*mcpproto.ListToolsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcpproto.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeClient) CallTool(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	f.lastCall = req
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.result, nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func nucleiTool() mcpproto.Tool {
	return mcpproto.Tool{
		Name:        "run-scan",
		Description: "Run a template scan against a target.",
		InputSchema: mcpproto.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"target":   map[string]any{"type": "string", "description": "Target URL."},
				"severity": map[string]any{"type": "string"},
				"timeout":  map[string]any{"type": "integer"},
			},
			Required: []string{"target"},
		},
	}
}

func TestDiscoveryRegistersNamespacedDescriptors(t *testing.T) {
	fc := &fakeClient{
		tools: []mcpproto.Tool{nucleiTool()},
		result: &mcpproto.CallToolResult{
			Content: []mcpproto.Content{mcpproto.TextContent{Type: "text", Text: "0 findings"}},
		},
	}
	g, err := newWithClients(context.Background(), []serverConn{{name: "nuclei", client: fc}}, slog.Default())
	require.NoError(t, err)

	reg := tool.NewRegistry()
	require.NoError(t, g.RegisterAll(reg))

	d, err := reg.Get("mcp_nuclei_run_scan")
	require.NoError(t, err)
	assert.Equal(t, tool.LocationHost, d.Location)
	require.Len(t, d.Params, 3)
	assert.Equal(t, "severity", d.Params[0].Name)
	assert.Equal(t, "target", d.Params[1].Name)
	assert.True(t, d.Params[1].Required)
	assert.Equal(t, "int", d.Params[2].Type)
}

func TestHandlerForwardsCall(t *testing.T) {
	fc := &fakeClient{
		tools: []mcpproto.Tool{nucleiTool()},
		result: &mcpproto.CallToolResult{
			Content: []mcpproto.Content{mcpproto.TextContent{Type: "text", Text: "2 findings"}},
		},
	}
	g, err := newWithClients(context.Background(), []serverConn{{name: "nuclei", client: fc}}, slog.Default())
	require.NoError(t, err)

	d := g.Tools()[0]
	out, err := d.Handler(context.Background(), tool.Invocation{
		Name: d.Name, AgentID: "agent_1",
		Args: map[string]any{"target": "https://example.test"},
	})
	require.NoError(t, err)
	assert.Equal(t, "2 findings", out)
	assert.Equal(t, "run-scan", fc.lastCall.Params.Name, "remote name, not the namespaced one")
}

func TestHandlerSurfacesRemoteErrors(t *testing.T) {
	fc := &fakeClient{
		tools: []mcpproto.Tool{nucleiTool()},
		result: &mcpproto.CallToolResult{
			IsError: true,
			Content: []mcpproto.Content{mcpproto.TextContent{Type: "text", Text: "template not found"}},
		},
	}
	g, err := newWithClients(context.Background(), []serverConn{{name: "nuclei", client: fc}}, slog.Default())
	require.NoError(t, err)

	_, err = g.Tools()[0].Handler(context.Background(), tool.Invocation{Args: map[string]any{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template not found")
}

func TestPartialDiscoveryFailureIsTolerated(t *testing.T) {
	good := &fakeClient{tools: []mcpproto.Tool{nucleiTool()}}
	bad := &fakeClient{listErr: errors.New("connection refused")}

	g, err := newWithClients(context.Background(), []serverConn{
		{name: "nuclei", client: good},
		{name: "broken", client: bad},
	}, slog.Default())
	require.NoError(t, err)
	assert.Len(t, g.Tools(), 1)
}

func TestAllServersFailingIsFatal(t *testing.T) {
	bad := &fakeClient{listErr: errors.New("connection refused")}
	_, err := newWithClients(context.Background(), []serverConn{{name: "broken", client: bad}}, slog.Default())
	require.Error(t, err)
}

func TestCloseClosesEveryConnection(t *testing.T) {
	a := &fakeClient{tools: []mcpproto.Tool{nucleiTool()}}
	b := &fakeClient{tools: nil}
	g, err := newWithClients(context.Background(), []serverConn{
		{name: "a", client: a}, {name: "b", client: b},
	}, slog.Default())
	require.NoError(t, err)

	g.Close()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
