// Package tool defines the tool descriptor table, the invocation parser for
// model output, and the dispatcher that routes each call to the sandbox or
// the host process.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Location says where a tool's side effects happen.
type Location string

const (
	// LocationSandbox routes execution into the scan's container.
	LocationSandbox Location = "sandbox"
	// LocationHost executes inside the orchestrator process.
	LocationHost Location = "host"
)

// Param describes one argument of a tool.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, int, number, bool
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Handler executes a host-located tool. Sandbox-located tools have no
// handler here; the dispatcher forwards them over the control channel.
type Handler func(ctx context.Context, inv Invocation) (string, error)

// Descriptor is one entry in the tool table.
type Descriptor struct {
	Name        string
	Description string
	Params      []Param
	Location    Location
	Handler     Handler
}

// Invocation is a parsed tool call with validated, coerced arguments.
type Invocation struct {
	Name    string         `json:"name"`
	AgentID string         `json:"agent_id,omitempty"`
	Args    map[string]any `json:"args"`
}

var (
	// ErrUnknownTool reports a lookup miss. Recoverable: the dispatcher
	// turns it into a result the model can read and correct.
	ErrUnknownTool = errors.New("tool: unknown tool")
	// ErrInvalidArgs reports a validation failure. Also recoverable.
	ErrInvalidArgs = errors.New("tool: invalid arguments")
	// ErrNotPermitted reports a call outside the agent's role profile.
	ErrNotPermitted = errors.New("tool: not permitted for role")
)

// Registry keeps the mapping between tool names and descriptors.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Descriptor)}
}

// Register inserts a descriptor when its name is not in use.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return errors.New("tool: name is empty")
	}
	if d.Location != LocationSandbox && d.Location != LocationHost {
		return fmt.Errorf("tool: %s: invalid location %q", d.Name, d.Location)
	}
	if d.Location == LocationHost && d.Handler == nil {
		return fmt.Errorf("tool: %s: host tool requires a handler", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("tool: %s already registered", d.Name)
	}
	r.tools[d.Name] = d
	return nil
}

// Get fetches a descriptor by name.
func (r *Registry) Get(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, exists := r.tools[name]
	if !exists {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return d, nil
}

// List produces a name-sorted snapshot of all descriptors.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks raw string arguments against the descriptor, applies
// defaults for absent optional params, and coerces values to the declared
// types. Unknown argument names are rejected.
func (d Descriptor) Validate(raw map[string]string) (map[string]any, error) {
	byName := make(map[string]Param, len(d.Params))
	for _, p := range d.Params {
		byName[p.Name] = p
	}
	for name := range raw {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("%w: %s: unexpected parameter %q", ErrInvalidArgs, d.Name, name)
		}
	}

	args := make(map[string]any, len(d.Params))
	for _, p := range d.Params {
		val, ok := raw[p.Name]
		if !ok {
			if p.Required {
				return nil, fmt.Errorf("%w: %s: missing required parameter %q", ErrInvalidArgs, d.Name, p.Name)
			}
			if p.Default != nil {
				args[p.Name] = p.Default
			}
			continue
		}
		coerced, err := coerce(val, p.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: parameter %q: %v", ErrInvalidArgs, d.Name, p.Name, err)
		}
		args[p.Name] = coerced
	}
	return args, nil
}

func coerce(val, typ string) (any, error) {
	switch typ {
	case "", "string":
		return val, nil
	case "int":
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("want int, got %q", val)
		}
		return n, nil
	case "number":
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("want number, got %q", val)
		}
		return f, nil
	case "bool":
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("want bool, got %q", val)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported parameter type %q", typ)
	}
}

// Prompt renders the descriptor table for inclusion in an agent's system
// prompt, restricted to the given names. Order follows names.
func (r *Registry) Prompt(names []string) string {
	var b strings.Builder
	for _, name := range names {
		d, err := r.Get(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\n", d.Name, d.Description)
		for _, p := range d.Params {
			req := "optional"
			if p.Required {
				req = "required"
			}
			typ := p.Type
			if typ == "" {
				typ = "string"
			}
			fmt.Fprintf(&b, "- %s (%s, %s): %s\n", p.Name, typ, req, p.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}
