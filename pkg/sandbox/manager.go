package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/swarmsec/swarm/pkg/alloc"
	"github.com/swarmsec/swarm/pkg/config"
	"github.com/swarmsec/swarm/pkg/tool"
)

// Runner executes a container runtime command and returns combined output.
// Abstracted so tests can run without docker.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// internal port the in-container server listens on; the host side binds a
// pool-allocated port to it.
const containerControlPort = 4500
const containerProxyPort = 4501

// Manager creates and supervises sandboxes.
type Manager struct {
	cfg    config.Container
	health time.Duration
	invoke time.Duration
	pool   *alloc.PortPool
	tokens *alloc.TokenSource
	runner Runner
	client *http.Client
	logger *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRunner replaces the docker CLI runner.
func WithRunner(r Runner) ManagerOption {
	return func(m *Manager) { m.runner = r }
}

// WithHTTPClient replaces the control-channel client.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.client = c }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager wires a sandbox manager against the container runtime. The
// health bound caps Create's liveness poll and the invoke bound caps each
// control-channel call.
func NewManager(cfg config.Container, t config.Timeouts, pool *alloc.PortPool, tokens *alloc.TokenSource, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:    cfg,
		health: t.SandboxHealth,
		invoke: t.ToolInvoke,
		pool:   pool,
		tokens: tokens,
		runner: execRunner{},
		client: &http.Client{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.health <= 0 {
		m.health = 30 * time.Second
	}
	if m.invoke <= 0 {
		m.invoke = 3 * time.Minute
	}
	return m
}

// Create provisions the scan container and blocks until its control channel
// answers health checks. On any failure every acquired resource is released
// and the container removed before the error returns.
func (m *Manager) Create(ctx context.Context, scanID, workspace string) (*Sandbox, error) {
	ports, err := m.pool.Allocate(2)
	if err != nil {
		return nil, fmt.Errorf("sandbox: allocate ports: %w", err)
	}
	release := func() { m.pool.Release(ports) }

	token, err := m.tokens.Generate()
	if err != nil {
		release()
		return nil, fmt.Errorf("sandbox: generate token: %w", err)
	}

	sb := &Sandbox{
		ID:          "sbx_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		ScanID:      scanID,
		Workspace:   workspace,
		ControlPort: ports[0],
		ProxyPort:   ports[1],
		token:       token,
		status:      StatusStarting,
	}

	args := []string{
		"create",
		"--label", "swarm.scan=" + scanID,
		"--label", "swarm.sandbox=" + sb.ID,
		"--cap-drop", "ALL",
		"-p", fmt.Sprintf("127.0.0.1:%d:%d", sb.ControlPort, containerControlPort),
		"-p", fmt.Sprintf("127.0.0.1:%d:%d", sb.ProxyPort, containerProxyPort),
		"-e", "SWARM_CONTROL_TOKEN=" + token,
	}
	if m.cfg.Network != "" {
		args = append(args, "--network", m.cfg.Network)
	}
	if m.cfg.Memory != "" {
		args = append(args, "--memory", m.cfg.Memory)
	}
	if m.cfg.CPUs != "" {
		args = append(args, "--cpus", m.cfg.CPUs)
	}
	for _, cap := range m.cfg.CapAdd {
		args = append(args, "--cap-add", cap)
	}
	if workspace != "" {
		args = append(args, "-v", workspace+":/workspace")
	}
	args = append(args, m.cfg.Image)

	containerID, err := m.runner.Run(ctx, "docker", args...)
	if err != nil {
		release()
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}
	sb.ContainerID = strings.TrimSpace(containerID)

	fail := func(cause error) error {
		// The cause may be ctx itself dying mid-poll; the container must
		// still come down, so teardown runs on its own bounded context.
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logs, _ := m.runner.Run(rmCtx, "docker", "logs", "--tail", "50", sb.ContainerID)
		_, _ = m.runner.Run(rmCtx, "docker", "rm", "-f", sb.ContainerID)
		release()
		sb.setStatus(StatusStopped)
		if strings.TrimSpace(logs) != "" {
			return fmt.Errorf("%w: %v\ncontainer logs:\n%s", ErrServiceStartup, cause, logs)
		}
		return fmt.Errorf("%w: %v", ErrServiceStartup, cause)
	}

	if _, err := m.runner.Run(ctx, "docker", "start", sb.ContainerID); err != nil {
		return nil, fail(err)
	}

	if err := m.waitHealthy(ctx, sb); err != nil {
		return nil, fail(err)
	}

	sb.setStatus(StatusReady)
	m.logger.Info("sandbox ready",
		"sandbox", sb.ID, "container", sb.ContainerID,
		"control_port", sb.ControlPort, "proxy_port", sb.ProxyPort)
	return sb, nil
}

func (m *Manager) waitHealthy(ctx context.Context, sb *Sandbox) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", sb.ControlPort)
	probe := func() (struct{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, m.health)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return struct{}{}, fmt.Errorf("health status %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, probe,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(m.health))
	if err != nil {
		return fmt.Errorf("health check never passed within %s: %w", m.health, err)
	}
	return nil
}

// Invoke forwards a sandbox-located tool call over the control channel.
// A transport failure marks the sandbox crashed and returns ErrUnavailable.
func (m *Manager) InvokeOn(ctx context.Context, sb *Sandbox, inv tool.Invocation) (string, error) {
	switch sb.Status() {
	case StatusReady:
	case StatusStarting:
		return "", ErrNotReady
	default:
		return "", fmt.Errorf("%w: status %s", ErrUnavailable, sb.Status())
	}

	payload, err := json.Marshal(ExecuteRequest{
		Tool:    inv.Name,
		AgentID: inv.AgentID,
		Args:    inv.Args,
	})
	if err != nil {
		return "", fmt.Errorf("sandbox: encode request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.invoke)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/execute", sb.ControlPort)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("sandbox: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sb.token)

	resp, err := m.client.Do(req)
	if err != nil {
		sb.setStatus(StatusCrashed)
		m.logger.Error("sandbox control channel lost", "sandbox", sb.ID, "error", err)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("sandbox: read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return "", fmt.Errorf("sandbox: control channel rejected token")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sandbox: execute failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out ExecuteResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("sandbox: decode response: %w", err)
	}
	if out.Error != "" {
		// Tool-level failure inside the container; recoverable for the model.
		return "", fmt.Errorf("sandbox tool error: %s", out.Error)
	}
	return out.Output, nil
}

// Cleanup removes the container and releases ports. Safe to call any number
// of times from any goroutine; only the first call acts.
func (m *Manager) Cleanup(ctx context.Context, sb *Sandbox) {
	sb.cleanup.Do(func() {
		if sb.ContainerID != "" {
			if _, err := m.runner.Run(ctx, "docker", "rm", "-f", sb.ContainerID); err != nil {
				m.logger.Warn("container removal failed", "sandbox", sb.ID, "error", err)
			}
		}
		m.pool.Release([]int{sb.ControlPort, sb.ProxyPort})
		sb.mu.Lock()
		sb.status = StatusStopped
		sb.mu.Unlock()
		m.logger.Info("sandbox stopped", "sandbox", sb.ID)
	})
}

// Invoker binds a manager to one sandbox, satisfying tool.SandboxInvoker.
type Invoker struct {
	Manager *Manager
	Sandbox *Sandbox
}

// Invoke implements tool.SandboxInvoker.
func (i Invoker) Invoke(ctx context.Context, inv tool.Invocation) (string, error) {
	return i.Manager.InvokeOn(ctx, i.Sandbox, inv)
}
