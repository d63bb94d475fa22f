package tool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/swarmsec/swarm/pkg/graph"
)

// SandboxInvoker forwards a sandbox-located invocation over the control
// channel. Implemented by the sandbox manager.
type SandboxInvoker interface {
	Invoke(ctx context.Context, inv Invocation) (string, error)
}

// Outcome is the result of one dispatched invocation, in dispatch order.
type Outcome struct {
	Name   string
	Output string
	Failed bool
}

// Dispatcher validates parsed invocations against the descriptor table and
// routes each one to its execution location, strictly in order.
type Dispatcher struct {
	reg      *Registry
	profiles Profiles
	sandbox  SandboxInvoker
	logger   *slog.Logger

	// isFatal classifies execution errors that must abort the batch and
	// surface to the engine instead of being fed back to the model.
	isFatal func(error) bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithFatalClassifier installs the predicate for unrecoverable errors.
func WithFatalClassifier(fn func(error) bool) DispatcherOption {
	return func(d *Dispatcher) { d.isFatal = fn }
}

// WithDispatchLogger overrides the default logger.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher wires a dispatcher. sandbox may be nil when no sandbox
// tools are registered; dispatching a sandbox tool then fails recoverably.
func NewDispatcher(reg *Registry, profiles Profiles, sandbox SandboxInvoker, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		reg:      reg,
		profiles: profiles,
		sandbox:  sandbox,
		logger:   slog.Default(),
		isFatal:  func(error) bool { return false },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes a batch sequentially. Lookup misses, validation
// failures, profile denials, and ordinary tool failures become failed
// Outcomes the model can read. A fatal execution error stops the batch;
// outcomes produced so far are returned alongside the error. onResult, if
// non-nil, fires after each outcome and before the next invocation runs.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID string, role graph.Role, raws []RawInvocation, onResult func(Outcome)) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(raws))
	emit := func(o Outcome) {
		outcomes = append(outcomes, o)
		if onResult != nil {
			onResult(o)
		}
	}

	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		desc, err := d.reg.Get(raw.Name)
		if err != nil {
			emit(Outcome{Name: raw.Name, Output: err.Error(), Failed: true})
			continue
		}
		if !d.profiles.Allowed(role, raw.Name) {
			emit(Outcome{
				Name:   raw.Name,
				Output: fmt.Sprintf("%v: %s is not available to role %s", ErrNotPermitted, raw.Name, role),
				Failed: true,
			})
			continue
		}
		args, err := desc.Validate(raw.Args)
		if err != nil {
			emit(Outcome{Name: raw.Name, Output: err.Error(), Failed: true})
			continue
		}

		inv := Invocation{Name: raw.Name, AgentID: agentID, Args: args}
		output, err := d.execute(ctx, desc, inv)
		if err != nil {
			if d.isFatal(err) {
				d.logger.Error("tool execution aborted batch",
					"tool", raw.Name, "agent", agentID, "error", err)
				return outcomes, err
			}
			emit(Outcome{Name: raw.Name, Output: err.Error(), Failed: true})
			continue
		}
		emit(Outcome{Name: raw.Name, Output: output})
	}
	return outcomes, nil
}

func (d *Dispatcher) execute(ctx context.Context, desc Descriptor, inv Invocation) (string, error) {
	switch desc.Location {
	case LocationSandbox:
		if d.sandbox == nil {
			return "", fmt.Errorf("tool: %s: no sandbox attached", desc.Name)
		}
		return d.sandbox.Invoke(ctx, inv)
	case LocationHost:
		return desc.Handler(ctx, inv)
	default:
		return "", fmt.Errorf("tool: %s: invalid location %q", desc.Name, desc.Location)
	}
}
