// Package events defines the typed lifecycle events a scan emits. Keeping the
// list small and explicit prevents accidental proliferation of loosely
// defined event names.
package events

import (
	"fmt"
	"time"
)

// EventType enumerates the scan lifecycle events.
type EventType string

const (
	ScanStarted    EventType = "ScanStarted"
	ScanFinished   EventType = "ScanFinished"
	ScanAborted    EventType = "ScanAborted"
	SandboxReady   EventType = "SandboxReady"
	SandboxCrashed EventType = "SandboxCrashed"
	SandboxStopped EventType = "SandboxStopped"
	AgentSpawned   EventType = "AgentSpawned"
	AgentStatus    EventType = "AgentStatus"
	MessageSent    EventType = "MessageSent"
	ToolDispatched EventType = "ToolDispatched"
	ModelResponse  EventType = "ModelResponse"
)

// Event is a single occurrence in a scan. Structured payloads go in Payload
// and are type-asserted by consumers.
type Event struct {
	Type      EventType
	Timestamp time.Time
	ScanID    string
	AgentID   string
	Payload   interface{}
}

// Validate performs cheap sanity checks for callers that need stronger
// contracts than the zero-value guarantees.
func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("events: missing type")
	}
	return nil
}

// AgentSpawnedPayload describes a new node in the agent tree.
type AgentSpawnedPayload struct {
	ParentID string
	Name     string
	Role     string
	Task     string
}

// AgentStatusPayload records a lifecycle transition.
type AgentStatusPayload struct {
	From    string
	To      string
	Reason  string
	AtIter  int
}

// MessageSentPayload records inter-agent traffic.
type MessageSentPayload struct {
	MessageID string
	From      string
	To        string
	Type      string
}

// ToolDispatchedPayload records one invocation through the pipeline.
type ToolDispatchedPayload struct {
	Tool     string
	Location string
	Success  bool
	Error    string
	Duration time.Duration
}

// SandboxPayload carries container identity for sandbox transitions.
type SandboxPayload struct {
	SandboxID   string
	ContainerID string
	Detail      string
}

// ModelCallPayload summarizes one reasoning-model round trip.
type ModelCallPayload struct {
	Model        string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	Err          string
}
