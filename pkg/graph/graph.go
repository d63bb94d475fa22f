// Package graph tracks every agent in a scan: identity, role, parent/child
// links, and lifecycle status. It is the structural backbone the queue,
// dispatcher, and engine all reference.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an agent id is not known to the graph.
	ErrNotFound = errors.New("graph: agent not found")
	// ErrTooManyModules is returned when a spawn request exceeds MaxModules.
	ErrTooManyModules = errors.New("graph: too many knowledge modules")
	// ErrRootExists is returned when a second root creation is attempted.
	ErrRootExists = errors.New("graph: root agent already exists")
	// ErrNoRoot is returned when a child is spawned before the root exists.
	ErrNoRoot = errors.New("graph: no root agent")
	// ErrInvalidRole is returned for roles outside the closed set.
	ErrInvalidRole = errors.New("graph: invalid agent role")
)

// MaxModules caps the knowledge modules an agent may load, enforced at creation.
const MaxModules = 5

// Role is a capability set restricting which tools an agent may dispatch.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleDiscovery   Role = "discovery"
	RoleValidation  Role = "validation"
	RoleReporting   Role = "reporting"
	RoleFixing      Role = "fixing"
	RoleFullAccess  Role = "full_access"
)

// Valid reports whether the role belongs to the closed set.
func (r Role) Valid() bool {
	switch r {
	case RoleCoordinator, RoleDiscovery, RoleValidation, RoleReporting, RoleFixing, RoleFullAccess:
		return true
	}
	return false
}

// Status is the agent lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether no transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Agent is one node of the scan tree. Copies returned by the graph are
// detached snapshots; mutation goes through graph methods.
type Agent struct {
	ID        string
	Name      string
	Role      Role
	ParentID  string // empty for the root
	Children  []string
	Status    Status
	Iteration int
	Modules   []string
	Task      string
	Failure   string // reason recorded on StatusError
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Graph is a linearizable registry of agents forming a tree rooted at exactly
// one coordinator. A single RWMutex serializes mutations against reads; every
// operation touches one node plus its parent at most, so no lock ordering
// issues arise.
type Graph struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	rootID string
	order  []string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{agents: make(map[string]*Agent)}
}

func newAgentID() string {
	return "agent_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// CreateRoot registers the coordinator agent. Exactly one root may exist.
func (g *Graph) CreateRoot(name string, role Role, modules []string) (string, error) {
	return g.create("", name, role, modules)
}

// Create registers a child agent under parentID and returns its id.
func (g *Graph) Create(parentID, name string, role Role, modules []string) (string, error) {
	if strings.TrimSpace(parentID) == "" {
		return "", fmt.Errorf("graph: parent id is empty")
	}
	return g.create(parentID, name, role, modules)
}

func (g *Graph) create(parentID, name string, role Role, modules []string) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if len(modules) > MaxModules {
		return "", fmt.Errorf("%w: %d > %d", ErrTooManyModules, len(modules), MaxModules)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if parentID == "" {
		if g.rootID != "" {
			return "", ErrRootExists
		}
	} else {
		if g.rootID == "" {
			return "", ErrNoRoot
		}
		if _, ok := g.agents[parentID]; !ok {
			return "", fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
		}
	}

	now := time.Now().UTC()
	a := &Agent{
		ID:        newAgentID(),
		Name:      name,
		Role:      role,
		ParentID:  parentID,
		Status:    StatusPending,
		Modules:   append([]string(nil), modules...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	g.agents[a.ID] = a
	g.order = append(g.order, a.ID)
	if parentID == "" {
		g.rootID = a.ID
	} else {
		parent := g.agents[parentID]
		parent.Children = append(parent.Children, a.ID)
		parent.UpdatedAt = now
	}
	return a.ID, nil
}

// Get returns a snapshot of the agent.
func (g *Graph) Get(id string) (Agent, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return snapshot(a), nil
}

// RootID returns the coordinator's id, or empty before root creation.
func (g *Graph) RootID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rootID
}

// Exists reports whether the id names a known agent.
func (g *Graph) Exists(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.agents[id]
	return ok
}

// Live reports whether the agent exists and has not reached a terminal status.
func (g *Graph) Live(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.agents[id]
	return ok && !a.Status.Terminal()
}

// SetStatus transitions the agent's status. Terminal states are sticky:
// attempting to leave one is rejected.
func (g *Graph) SetStatus(id string, status Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if a.Status.Terminal() && status != a.Status {
		return fmt.Errorf("graph: agent %s is %s, cannot transition to %s", id, a.Status, status)
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// SetFailure marks the agent errored with a reason.
func (g *Graph) SetFailure(id, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if a.Status.Terminal() && a.Status != StatusError {
		return fmt.Errorf("graph: agent %s is %s, cannot transition to %s", id, a.Status, StatusError)
	}
	a.Status = StatusError
	a.Failure = reason
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// SetTask records the task text assigned at spawn time.
func (g *Graph) SetTask(id, task string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.Task = task
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// IncrementIteration bumps the agent's loop counter and returns the new value.
func (g *Graph) IncrementIteration(id string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.agents[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.Iteration++
	a.UpdatedAt = time.Now().UTC()
	return a.Iteration, nil
}

// CanTerminate reports whether every descendant of id holds a terminal
// status. The agent's own status is not considered; the check gates the
// completion tools.
func (g *Graph) CanTerminate(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.agents[id]
	if !ok {
		return false
	}
	return g.subtreeTerminal(a)
}

func (g *Graph) subtreeTerminal(a *Agent) bool {
	for _, childID := range a.Children {
		child, ok := g.agents[childID]
		if !ok {
			continue
		}
		if !child.Status.Terminal() || !g.subtreeTerminal(child) {
			return false
		}
	}
	return true
}

// ActiveDescendants lists descendant ids still in a non-terminal status,
// in creation order. Used to build the "active child agent" rejection.
func (g *Graph) ActiveDescendants(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.agents[id]
	if !ok {
		return nil
	}
	var active []string
	g.collectActive(a, &active)
	return active
}

func (g *Graph) collectActive(a *Agent, out *[]string) {
	for _, childID := range a.Children {
		child, ok := g.agents[childID]
		if !ok {
			continue
		}
		if !child.Status.Terminal() {
			*out = append(*out, child.ID)
		}
		g.collectActive(child, out)
	}
}

// Snapshot returns detached copies of every agent in creation order.
func (g *Graph) Snapshot() []Agent {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Agent, 0, len(g.order))
	for _, id := range g.order {
		if a, ok := g.agents[id]; ok {
			out = append(out, snapshot(a))
		}
	}
	return out
}

// Render returns a point-in-time text view of the hierarchy, one agent per
// line, children indented under their parent.
func (g *Graph) Render() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.rootID == "" {
		return "(no agents)"
	}
	var b strings.Builder
	g.renderNode(&b, g.agents[g.rootID], 0)
	return strings.TrimRight(b.String(), "\n")
}

func (g *Graph) renderNode(b *strings.Builder, a *Agent, depth int) {
	if a == nil {
		return
	}
	b.WriteString(strings.Repeat("  ", depth))
	fmt.Fprintf(b, "%s [%s] %s role=%s iter=%d\n", a.Name, a.ID, a.Status, a.Role, a.Iteration)
	children := append([]string(nil), a.Children...)
	sort.SliceStable(children, func(i, j int) bool {
		ci, ok1 := g.agents[children[i]]
		cj, ok2 := g.agents[children[j]]
		if !ok1 || !ok2 {
			return ok1
		}
		return ci.CreatedAt.Before(cj.CreatedAt)
	})
	for _, childID := range children {
		g.renderNode(b, g.agents[childID], depth+1)
	}
}

func snapshot(a *Agent) Agent {
	cp := *a
	cp.Children = append([]string(nil), a.Children...)
	cp.Modules = append([]string(nil), a.Modules...)
	return cp
}
