// Package hooks runs user-supplied shell commands in response to scan
// lifecycle events. Each hook gets the event as a JSON envelope on stdin,
// so an operator can wire notifications or evidence capture without
// touching the engine.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/swarmsec/swarm/pkg/events"
)

const defaultTimeout = 30 * time.Second

// Result captures the outcome of one hook run.
type Result struct {
	Event    events.Event
	ExitCode int
	Stdout   string
	Stderr   string
}

// Selector narrows which events a hook fires on beyond the event type.
type Selector struct {
	Tool    *regexp.Regexp // matched against the tool name of dispatch events
	Pattern *regexp.Regexp // matched against the JSON-encoded payload
}

// NewSelector compiles optional regex patterns; empty strings are wildcards.
func NewSelector(toolPattern, payloadPattern string) (Selector, error) {
	sel := Selector{}
	if strings.TrimSpace(toolPattern) != "" {
		re, err := regexp.Compile(toolPattern)
		if err != nil {
			return sel, fmt.Errorf("hooks: compile tool matcher: %w", err)
		}
		sel.Tool = re
	}
	if strings.TrimSpace(payloadPattern) != "" {
		re, err := regexp.Compile(payloadPattern)
		if err != nil {
			return sel, fmt.Errorf("hooks: compile payload matcher: %w", err)
		}
		sel.Pattern = re
	}
	return sel, nil
}

// Match reports whether the event satisfies every configured matcher.
func (s Selector) Match(evt events.Event) bool {
	if s.Tool != nil {
		name := toolName(evt.Payload)
		if name == "" || !s.Tool.MatchString(name) {
			return false
		}
	}
	if s.Pattern != nil {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			return false
		}
		if !s.Pattern.Match(payload) {
			return false
		}
	}
	return true
}

// ShellHook binds one shell command to an event type.
type ShellHook struct {
	Event    events.EventType
	Command  string
	Selector Selector
	Timeout  time.Duration
	Env      map[string]string
	Name     string // optional label for logs
}

// Executor runs registered hooks; commands get the event envelope on stdin.
type Executor struct {
	mu    sync.RWMutex
	hooks []ShellHook

	timeout time.Duration
	workDir string
	errFn   func(events.EventType, error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout sets the default per-hook deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithWorkDir sets the working directory for hook commands.
func WithWorkDir(dir string) Option {
	return func(e *Executor) { e.workDir = dir }
}

// WithErrorHandler installs a sink for hook failures. Publish reports
// failures only through this sink.
func WithErrorHandler(fn func(events.EventType, error)) Option {
	return func(e *Executor) { e.errFn = fn }
}

// NewExecutor builds a shell hook executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(e)
	}
	if e.timeout <= 0 {
		e.timeout = defaultTimeout
	}
	return e
}

// Register adds hooks; safe to call while the executor is in use.
func (e *Executor) Register(hooks ...ShellHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, hooks...)
}

// Len reports the number of registered hooks.
func (e *Executor) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.hooks)
}

// Publish runs matching hooks for the event, reporting failures through the
// error handler instead of returning them. Intended as a tracer sink.
func (e *Executor) Publish(evt events.Event) {
	if _, err := e.Execute(context.Background(), evt); err != nil {
		e.report(evt.Type, err)
	}
}

// Execute runs every hook matching the event and returns their results.
// The first failing hook stops the rest.
func (e *Executor) Execute(ctx context.Context, evt events.Event) ([]Result, error) {
	matches := e.matching(evt)
	if len(matches) == 0 {
		return nil, nil
	}

	payload, err := buildEnvelope(evt)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(matches))
	for _, hook := range matches {
		res, err := e.runHook(ctx, hook, payload, evt)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Executor) matching(evt events.Event) []ShellHook {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var matches []ShellHook
	for _, hook := range e.hooks {
		if hook.Event != evt.Type {
			continue
		}
		if hook.Selector.Match(evt) {
			matches = append(matches, hook)
		}
	}
	return matches
}

func (e *Executor) runHook(ctx context.Context, hook ShellHook, payload []byte, evt events.Event) (Result, error) {
	res := Result{Event: evt}

	cmdStr := strings.TrimSpace(hook.Command)
	if cmdStr == "" {
		return res, errors.New("hooks: missing command")
	}

	deadline := hook.Timeout
	if deadline <= 0 {
		deadline = e.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", cmdStr)
	cmd.Env = mergeEnv(os.Environ(), hook.Env)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = bytes.NewReader(payload)

	runErr := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("hooks: %s timed out after %s: %s", label(hook), deadline, res.Stderr)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, fmt.Errorf("hooks: %s exited with code %d; stderr: %s", label(hook), res.ExitCode, res.Stderr)
		}
		return res, fmt.Errorf("hooks: run %s: %w", label(hook), runErr)
	}
	return res, nil
}

func (e *Executor) report(t events.EventType, err error) {
	if e.errFn != nil && err != nil {
		e.errFn(t, err)
	}
}

// buildEnvelope flattens the event into the JSON document hooks read on stdin.
func buildEnvelope(evt events.Event) ([]byte, error) {
	envelope := map[string]any{
		"hook_event_name": string(evt.Type),
		"timestamp":       evt.Timestamp,
	}
	if evt.ScanID != "" {
		envelope["scan_id"] = evt.ScanID
	}
	if evt.AgentID != "" {
		envelope["agent_id"] = evt.AgentID
	}
	if evt.Payload != nil {
		envelope["payload"] = evt.Payload
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("hooks: marshal payload: %w", err)
	}
	return data, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := append([]string(nil), base...)
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

func toolName(payload any) string {
	if p, ok := payload.(events.ToolDispatchedPayload); ok {
		return p.Tool
	}
	return ""
}

func label(hook ShellHook) string {
	if hook.Name != "" {
		return hook.Name
	}
	return "hook"
}
