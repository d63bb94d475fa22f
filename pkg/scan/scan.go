// Package scan owns one end-to-end run: sandbox provisioning, the agent
// tree, tool wiring, recovery policy, and teardown. Everything a scan
// needs is constructed here and torn down here; nothing is process-global.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/swarmsec/swarm/pkg/agent"
	"github.com/swarmsec/swarm/pkg/alloc"
	"github.com/swarmsec/swarm/pkg/config"
	"github.com/swarmsec/swarm/pkg/events"
	"github.com/swarmsec/swarm/pkg/graph"
	"github.com/swarmsec/swarm/pkg/hooks"
	"github.com/swarmsec/swarm/pkg/model"
	"github.com/swarmsec/swarm/pkg/module"
	"github.com/swarmsec/swarm/pkg/queue"
	"github.com/swarmsec/swarm/pkg/sandbox"
	"github.com/swarmsec/swarm/pkg/tool"
	"github.com/swarmsec/swarm/pkg/tool/builtin"
	"github.com/swarmsec/swarm/pkg/trace"
)

// ErrAborted reports that the scan was cancelled before the root finished.
var ErrAborted = errors.New("scan: aborted")

// Result is what a finished scan hands back.
type Result struct {
	ScanID  string
	Summary string
	Agents  []graph.Agent
	Events  []events.Event
}

// Scan is one orchestrated run against one target workspace.
type Scan struct {
	id        string
	cfg       config.Config
	mdl       model.Model
	tracer    *trace.Tracer
	graph     *graph.Graph
	queue     *queue.Queue
	registry  *tool.Registry
	profiles  tool.Profiles
	manager   *sandbox.Manager
	sb        *sandbox.Sandbox
	engine    *agent.Engine
	modules   *module.Library
	hooks     *hooks.Executor
	workspace string

	// crash policy is hot-reloadable mid-scan.
	policy atomic.Value // config.CrashPolicy

	mu      sync.Mutex
	summary string
	wg      sync.WaitGroup
	hookWG  sync.WaitGroup
	cancel  context.CancelFunc
	initErr error

	// the first ready-to-crashed transition is the only one reported.
	crashOnce sync.Once
}

// Option adjusts scan construction.
type Option func(*Scan)

// WithSandboxManager replaces the default docker-backed manager, for tests.
func WithSandboxManager(m *sandbox.Manager) Option {
	return func(s *Scan) { s.manager = m }
}

// WithExtraTools registers additional descriptors, such as MCP gateway
// tools, before the scan starts. Extra tools are granted to every role
// profile; a descriptor the registry rejects fails scan construction.
func WithExtraTools(descs []tool.Descriptor) Option {
	return func(s *Scan) {
		for _, d := range descs {
			if err := s.registry.Register(d); err != nil {
				s.initErr = errors.Join(s.initErr, fmt.Errorf("scan: extra tool %q: %w", d.Name, err))
				continue
			}
			s.profiles.GrantAll(d.Name)
		}
	}
}

// New assembles a scan. The workspace directory is bind-mounted into the
// sandbox container.
func New(ctx context.Context, cfg config.Config, mdl model.Model, workspace string, opts ...Option) (*Scan, error) {
	id := "scan_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	s := &Scan{
		id:        id,
		cfg:       cfg,
		mdl:       mdl,
		graph:     graph.New(),
		registry:  tool.NewRegistry(),
		profiles:  tool.DefaultProfiles(),
		workspace: workspace,
	}

	traceOpts := []trace.Option{}
	if cfg.Telemetry.OTLPEndpoint != "" {
		traceOpts = append(traceOpts, trace.WithOTLPEndpoint(cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.Insecure))
	}
	if len(cfg.Hooks) > 0 {
		// Hooks run off the emitting goroutine; teardown waits for them.
		traceOpts = append(traceOpts, trace.WithSink(func(ev events.Event) {
			s.hookWG.Add(1)
			go func() {
				defer s.hookWG.Done()
				s.hooks.Publish(ev)
			}()
		}))
	}

	tracer, err := trace.New(ctx, id, traceOpts...)
	if err != nil {
		return nil, err
	}
	s.tracer = tracer

	if len(cfg.Hooks) > 0 {
		exe, err := buildHooks(cfg.Hooks, workspace, tracer.Logger())
		if err != nil {
			closeErr := tracer.Close(ctx)
			return nil, errors.Join(err, closeErr)
		}
		s.hooks = exe
	}

	lib, libErrs := module.LoadDir(cfg.Modules.Dir)
	for _, lerr := range libErrs {
		tracer.Logger().Warn("module library", "error", lerr)
	}
	if cfg.Modules.Dir != "" {
		s.modules = lib
	}
	s.queue = queue.New(s.graph)
	s.policy.Store(cfg.Recovery.OnSandboxCrash)

	for _, opt := range opts {
		opt(s)
	}
	if s.initErr != nil {
		closeErr := tracer.Close(ctx)
		return nil, errors.Join(s.initErr, closeErr)
	}

	if s.manager == nil {
		pool, perr := alloc.NewPortPool(cfg.Container.PortRangeLo, cfg.Container.PortRangeHi)
		if perr != nil {
			return nil, perr
		}
		s.manager = sandbox.NewManager(cfg.Container, cfg.Timeouts, pool, alloc.NewTokenSource(),
			sandbox.WithLogger(tracer.Logger()))
	}
	return s, nil
}

// buildHooks compiles the configured lifecycle hooks into an executor.
func buildHooks(cfgHooks []config.Hook, workDir string, logger *slog.Logger) (*hooks.Executor, error) {
	exe := hooks.NewExecutor(
		hooks.WithWorkDir(workDir),
		hooks.WithErrorHandler(func(t events.EventType, err error) {
			logger.Warn("hook failed", "event", string(t), "error", err)
		}),
	)
	for i, h := range cfgHooks {
		sel, err := hooks.NewSelector(h.Tool, h.Pattern)
		if err != nil {
			return nil, fmt.Errorf("scan: hooks[%d]: %w", i, err)
		}
		exe.Register(hooks.ShellHook{
			Event:    events.EventType(h.Event),
			Command:  h.Command,
			Selector: sel,
			Timeout:  h.Timeout,
			Env:      h.Env,
			Name:     h.Name,
		})
	}
	return exe, nil
}

// SetCrashPolicy swaps the recovery policy applied to sandbox loss. Safe
// to call mid-scan; typically driven by the config watcher.
func (s *Scan) SetCrashPolicy(p config.CrashPolicy) {
	s.policy.Store(p)
	s.tracer.Logger().Info("crash policy updated", "policy", string(p))
}

func (s *Scan) crashIsFatal(err error) bool {
	if !errors.Is(err, sandbox.ErrUnavailable) {
		return false
	}
	// Under the degrade policy every later invoke fails the same way;
	// report the transition, not each failure.
	s.crashOnce.Do(func() {
		s.tracer.Emit(events.Event{Type: events.SandboxCrashed, Payload: events.SandboxPayload{
			SandboxID: s.sb.ID, ContainerID: s.sb.ContainerID, Detail: err.Error(),
		}})
	})
	return s.policy.Load().(config.CrashPolicy) == config.CrashAbort
}

// Run executes the scan to completion: provision the sandbox, start the
// root coordinator on the objective, and wait for the whole tree to stop.
func (s *Scan) Run(ctx context.Context, objective string) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	s.tracer.Emit(events.Event{Type: events.ScanStarted})
	s.tracer.Logger().Info("scan starting", "objective", objective)

	sb, err := s.manager.Create(runCtx, s.id, s.workspace)
	if err != nil {
		s.tracer.Emit(events.Event{Type: events.ScanAborted})
		s.hookWG.Wait()
		closeErr := s.tracer.Close(context.Background())
		return nil, errors.Join(fmt.Errorf("scan: sandbox provisioning: %w", err), closeErr)
	}
	s.sb = sb
	s.tracer.Emit(events.Event{Type: events.SandboxReady, Payload: events.SandboxPayload{
		SandboxID: sb.ID, ContainerID: sb.ContainerID,
	}})
	defer s.teardown()

	if err := s.wire(runCtx); err != nil {
		return nil, err
	}

	rootID, err := s.graph.CreateRoot("coordinator", graph.RoleCoordinator, nil)
	if err != nil {
		return nil, err
	}
	if err := s.graph.SetTask(rootID, objective); err != nil {
		return nil, err
	}
	s.tracer.Emit(events.Event{Type: events.AgentSpawned, AgentID: rootID, Payload: events.AgentSpawnedPayload{
		Name: "coordinator", Role: string(graph.RoleCoordinator), Task: objective,
	}})

	rootErr := s.engine.Run(runCtx, rootID)

	// Children may still be draining; give them the same cancellation the
	// root saw and wait for every loop to exit.
	if rootErr != nil {
		cancel()
	}
	s.wg.Wait()

	result := &Result{
		ScanID:  s.id,
		Summary: s.Summary(),
		Agents:  s.graph.Snapshot(),
		Events:  s.tracer.Recent(),
	}

	switch {
	case ctx.Err() != nil:
		s.tracer.Emit(events.Event{Type: events.ScanAborted})
		return result, fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
	case rootErr != nil:
		s.tracer.Emit(events.Event{Type: events.ScanAborted})
		return result, rootErr
	default:
		s.tracer.Emit(events.Event{Type: events.ScanFinished})
		return result, nil
	}
}

// wire builds the tool table and engine once the sandbox exists.
func (s *Scan) wire(runCtx context.Context) error {
	invoker := sandbox.Invoker{Manager: s.manager, Sandbox: s.sb}
	dispatcher := tool.NewDispatcher(s.registry, s.profiles, invoker,
		tool.WithFatalClassifier(s.crashIsFatal),
		tool.WithDispatchLogger(s.tracer.Logger()))

	eng, err := agent.New(agent.Config{
		Graph:         s.graph,
		Queue:         s.queue,
		Model:         s.mdl,
		Dispatcher:    dispatcher,
		Registry:      s.registry,
		Profiles:      s.profiles,
		Tracer:        s.tracer,
		Modules:       s.modules,
		MaxIterations: s.cfg.Engine.MaxIterations,
		WarnRatio:     s.cfg.Engine.WarnRatio,
		ModelTimeout:  s.cfg.Timeouts.ModelCall,
	})
	if err != nil {
		return err
	}
	s.engine = eng

	deps := builtin.Deps{
		Graph:       s.graph,
		Queue:       s.queue,
		MessageWait: s.cfg.Timeouts.MessageWait,
		Spawn:       s.spawn(runCtx),
		FinishScan:  s.finish,
		Emit:        s.tracer.Emit,
	}
	if s.modules != nil {
		deps.Modules = s.modules
	}
	return errors.Join(
		builtin.Register(s.registry, deps),
		builtin.RegisterSandboxTools(s.registry),
	)
}

// spawn returns the callback the spawn_agent tool uses to start child
// loops. Children run on the scan's context, not the tool call's.
func (s *Scan) spawn(runCtx context.Context) builtin.Spawner {
	return func(_ context.Context, agentID string) error {
		a, err := s.graph.Get(agentID)
		if err != nil {
			return err
		}
		s.tracer.Emit(events.Event{Type: events.AgentSpawned, AgentID: agentID, Payload: events.AgentSpawnedPayload{
			ParentID: a.ParentID, Name: a.Name, Role: string(a.Role), Task: a.Task,
		}})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.engine.Run(runCtx, agentID); err != nil {
				s.tracer.Logger().Warn("agent ended with error", "agent", agentID, "error", err)
			}
		}()
		return nil
	}
}

func (s *Scan) finish(summary string) {
	s.mu.Lock()
	s.summary = summary
	s.mu.Unlock()
}

// Summary returns the root's closing summary, empty until finish_scan.
func (s *Scan) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// Abort cancels the scan; Run returns ErrAborted once agents drain.
func (s *Scan) Abort() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Graph exposes the agent tree for observers.
func (s *Scan) Graph() *graph.Graph { return s.graph }

// Tracer exposes the scan's telemetry object.
func (s *Scan) Tracer() *trace.Tracer { return s.tracer }

func (s *Scan) teardown() {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.manager.Cleanup(cleanupCtx, s.sb)
	s.tracer.Emit(events.Event{Type: events.SandboxStopped, Payload: events.SandboxPayload{
		SandboxID: s.sb.ID, ContainerID: s.sb.ContainerID,
	}})
	s.hookWG.Wait()
	if err := s.tracer.Close(cleanupCtx); err != nil {
		s.tracer.Logger().Warn("trace shutdown failed", "error", err)
	}
}
