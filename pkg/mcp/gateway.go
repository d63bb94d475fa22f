// Package mcp connects to external MCP tool servers and exposes their tools
// to agents as host-located entries in the descriptor table.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/swarmsec/swarm/pkg/config"
	"github.com/swarmsec/swarm/pkg/tool"
)

const callTimeout = 30 * time.Second

// client abstracts the MCP client for testability.
type client interface {
	ListTools(ctx context.Context, request mcpproto.ListToolsRequest) (*mcpproto.ListToolsResult, error)
	CallTool(ctx context.Context, request mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error)
	Close() error
}

type serverConn struct {
	name   string
	client client
}

// Gateway holds connections to configured MCP servers and the tool
// descriptors discovered from them.
type Gateway struct {
	servers []serverConn
	tools   []tool.Descriptor
	logger  *slog.Logger
}

// Connect dials every configured server, initializes the MCP session, and
// discovers tools. A server that fails discovery is skipped; Connect fails
// only when every server is unreachable.
func Connect(ctx context.Context, servers []config.MCP, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{logger: logger}

	for _, srv := range servers {
		conn, err := g.dial(ctx, srv)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("mcp: server %q: %w", srv.Name, err)
		}
		g.servers = append(g.servers, *conn)
	}
	if err := g.discover(ctx); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

// newWithClients builds a gateway from pre-built clients, for tests.
func newWithClients(ctx context.Context, servers []serverConn, logger *slog.Logger) (*Gateway, error) {
	g := &Gateway{servers: servers, logger: logger}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if err := g.discover(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gateway) dial(ctx context.Context, srv config.MCP) (*serverConn, error) {
	var c client
	var err error

	switch srv.Transport {
	case "stdio":
		c, err = mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
	case "http":
		t, tErr := transport.NewStreamableHTTP(srv.URL)
		if tErr != nil {
			return nil, fmt.Errorf("create http transport: %w", tErr)
		}
		httpClient := mcpclient.NewClient(t)
		if err = httpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		c = httpClient
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	initReq := mcpproto.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpproto.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpproto.Implementation{Name: "swarm", Version: "1.0.0"}

	if ic, ok := c.(interface {
		Initialize(ctx context.Context, request mcpproto.InitializeRequest) (*mcpproto.InitializeResult, error)
	}); ok {
		if _, err = ic.Initialize(ctx, initReq); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("initialize: %w", err)
		}
	}

	g.logger.Info("mcp server connected", "name", srv.Name, "transport", srv.Transport)
	return &serverConn{name: srv.Name, client: c}, nil
}

func (g *Gateway) discover(ctx context.Context) error {
	var errs []string
	ok := 0

	for _, srv := range g.servers {
		result, err := srv.client.ListTools(ctx, mcpproto.ListToolsRequest{})
		if err != nil {
			g.logger.Warn("mcp discovery failed, skipping server", "server", srv.name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", srv.name, err))
			continue
		}
		for _, t := range result.Tools {
			g.tools = append(g.tools, g.descriptor(srv, t))
		}
		g.logger.Info("mcp tools discovered", "server", srv.name, "count", len(result.Tools))
		ok++
	}

	if ok == 0 && len(errs) > 0 {
		return fmt.Errorf("mcp: all servers failed discovery: %s", strings.Join(errs, "; "))
	}
	return nil
}

// descriptor converts one MCP tool into a host-located table entry whose
// handler forwards the call to the owning server.
func (g *Gateway) descriptor(srv serverConn, t mcpproto.Tool) tool.Descriptor {
	name := fmt.Sprintf("mcp_%s_%s", sanitize(srv.name), sanitize(t.Name))
	desc := t.Description
	if desc == "" {
		desc = fmt.Sprintf("MCP tool %q from server %q", t.Name, srv.name)
	}

	c := srv.client
	remoteName := t.Name
	logger := g.logger

	return tool.Descriptor{
		Name:        name,
		Description: desc,
		Params:      convertParams(t.InputSchema),
		Location:    tool.LocationHost,
		Handler: func(ctx context.Context, inv tool.Invocation) (string, error) {
			callReq := mcpproto.CallToolRequest{}
			callReq.Params.Name = remoteName
			callReq.Params.Arguments = inv.Args

			callCtx, cancel := context.WithTimeout(ctx, callTimeout)
			defer cancel()

			logger.Debug("mcp tool call", "server", srv.name, "tool", remoteName, "agent", inv.AgentID)
			result, err := c.CallTool(callCtx, callReq)
			if err != nil {
				return "", fmt.Errorf("mcp: call %s: %w", name, err)
			}
			content := extractContent(result)
			if result.IsError {
				return "", fmt.Errorf("mcp: %s: %s", name, content)
			}
			return content, nil
		},
	}
}

// RegisterAll installs every discovered descriptor into reg.
func (g *Gateway) RegisterAll(reg *tool.Registry) error {
	for _, d := range g.tools {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Tools returns the discovered descriptors.
func (g *Gateway) Tools() []tool.Descriptor {
	return g.tools
}

// Close shuts down every server connection.
func (g *Gateway) Close() {
	for _, srv := range g.servers {
		if err := srv.client.Close(); err != nil {
			g.logger.Warn("mcp server close error", "server", srv.name, "error", err)
		}
	}
}

func convertParams(schema mcpproto.ToolInputSchema) []tool.Param {
	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}
	params := make([]tool.Param, 0, len(schema.Properties))
	for name, raw := range schema.Properties {
		p := tool.Param{Name: name, Type: "string", Required: required[name]}
		if prop, ok := raw.(map[string]any); ok {
			if typ, ok := prop["type"].(string); ok {
				p.Type = mapSchemaType(typ)
			}
			if desc, ok := prop["description"].(string); ok {
				p.Description = desc
			}
		}
		params = append(params, p)
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}

func mapSchemaType(typ string) string {
	switch typ {
	case "integer":
		return "int"
	case "number":
		return "number"
	case "boolean":
		return "bool"
	default:
		return "string"
	}
}

func extractContent(result *mcpproto.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcpproto.TextContent:
			parts = append(parts, v.Text)
		case *mcpproto.TextContent:
			parts = append(parts, v.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
