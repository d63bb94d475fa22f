// Package sandbox manages the isolated container a scan executes inside:
// creation with resource ceilings, the authenticated control channel, crash
// detection, and idempotent teardown.
package sandbox

import (
	"errors"
	"sync"
)

var (
	// ErrServiceStartup reports that the container never became healthy.
	// The wrapped message carries captured container logs.
	ErrServiceStartup = errors.New("sandbox: service startup failed")
	// ErrUnavailable reports that the control channel cannot be reached.
	// Surfaces on crash and while degraded.
	ErrUnavailable = errors.New("sandbox: unavailable")
	// ErrNotReady reports an invoke before the sandbox reached ready.
	ErrNotReady = errors.New("sandbox: not ready")
)

// Status is the sandbox lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusCrashed  Status = "crashed"
	StatusStopped  Status = "stopped"
)

// Sandbox is one running scan container. Fields are immutable after Create;
// status changes go through the mutex.
type Sandbox struct {
	ID          string
	ContainerID string
	ScanID      string
	Workspace   string
	ControlPort int
	ProxyPort   int

	token string

	mu      sync.Mutex
	status  Status
	cleanup sync.Once
}

// Status returns the current lifecycle state.
func (s *Sandbox) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Sandbox) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Stopped is final; a crash detected during teardown must not resurrect.
	if s.status == StatusStopped {
		return
	}
	s.status = st
}

// ExecuteRequest is the control-channel payload for one tool invocation.
type ExecuteRequest struct {
	Tool    string         `json:"tool"`
	AgentID string         `json:"agent_id"`
	Args    map[string]any `json:"args"`
}

// ExecuteResponse is the control-channel reply.
type ExecuteResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}
