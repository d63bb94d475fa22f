// Package agent implements the reasoning loop that drives a single agent:
// drain inbox, call the model, parse and dispatch tool invocations, repeat
// until the agent terminates or hits its iteration ceiling.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/swarmsec/swarm/pkg/events"
	"github.com/swarmsec/swarm/pkg/graph"
	"github.com/swarmsec/swarm/pkg/model"
	"github.com/swarmsec/swarm/pkg/module"
	"github.com/swarmsec/swarm/pkg/queue"
	"github.com/swarmsec/swarm/pkg/tool"
	"github.com/swarmsec/swarm/pkg/trace"
)

// ErrIterationCeiling reports that an agent exhausted its loop budget.
var ErrIterationCeiling = errors.New("agent: iteration ceiling reached")

// consecutive no-invocation responses tolerated before the agent errors.
const maxEmptyResponses = 5

// identical consecutive responses that trigger the loop warning.
const loopWindow = 3

// Config wires an Engine.
type Config struct {
	Graph      *graph.Graph
	Queue      *queue.Queue
	Model      model.Model
	Dispatcher *tool.Dispatcher
	Registry   *tool.Registry
	Profiles   tool.Profiles
	Tracer     *trace.Tracer
	Modules    *module.Library

	MaxIterations int
	WarnRatio     float64
	ModelTimeout  time.Duration
}

// Engine runs agent loops. One Engine serves every agent in a scan; each
// Run call is an independent loop, safe to start concurrently.
type Engine struct {
	cfg Config
}

// New validates the wiring and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Graph == nil || cfg.Queue == nil || cfg.Model == nil || cfg.Dispatcher == nil || cfg.Registry == nil {
		return nil, errors.New("agent: graph, queue, model, dispatcher, and registry are required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 300
	}
	if cfg.WarnRatio <= 0 || cfg.WarnRatio >= 1 {
		cfg.WarnRatio = 0.85
	}
	if cfg.Profiles == nil {
		cfg.Profiles = tool.DefaultProfiles()
	}
	return &Engine{cfg: cfg}, nil
}

// Run executes the loop for agentID until it reaches a terminal status.
// The returned error describes why an agent ended in StatusError; a
// completed agent returns nil.
func (e *Engine) Run(ctx context.Context, agentID string) error {
	a, err := e.cfg.Graph.Get(agentID)
	if err != nil {
		return err
	}
	if err := e.cfg.Graph.SetStatus(agentID, graph.StatusRunning); err != nil {
		return err
	}
	e.emitStatus(agentID, graph.StatusPending, graph.StatusRunning, "", 0)

	history := []model.Message{
		{Role: model.RoleUser, Content: "Your task:\n" + a.Task},
	}
	system := e.systemPrompt(a)

	warned := false
	emptyStreak := 0
	var recent []string

	for {
		if err := ctx.Err(); err != nil {
			return e.fail(agentID, "cancelled: "+err.Error(), err)
		}

		iter, err := e.cfg.Graph.IncrementIteration(agentID)
		if err != nil {
			return err
		}
		if iter > e.cfg.MaxIterations {
			reason := fmt.Sprintf("iteration ceiling %d reached", e.cfg.MaxIterations)
			return e.fail(agentID, reason, fmt.Errorf("%w: %d", ErrIterationCeiling, e.cfg.MaxIterations))
		}
		if !warned && float64(iter) >= e.cfg.WarnRatio*float64(e.cfg.MaxIterations) {
			warned = true
			history = append(history, model.Message{
				Role: model.RoleUser,
				Content: fmt.Sprintf(
					"Warning: you have used %d of %d iterations. Wrap up and finish your task.",
					iter, e.cfg.MaxIterations),
			})
		}

		// New mail becomes context before the next reasoning step.
		for _, msg := range e.cfg.Queue.DrainPending(agentID) {
			history = append(history, model.Message{
				Role:    model.RoleUser,
				Content: formatInbox(msg),
			})
		}

		content, err := e.complete(ctx, agentID, system, history)
		if err != nil {
			return e.fail(agentID, "model call failed: "+err.Error(), err)
		}
		history = append(history, model.Message{Role: model.RoleAssistant, Content: content})

		// Loop reconciliation: identical responses in a row get a nudge.
		recent = append(recent, content)
		if len(recent) > loopWindow {
			recent = recent[1:]
		}
		if len(recent) == loopWindow && allEqual(recent) {
			history = append(history, model.Message{
				Role:    model.RoleUser,
				Content: "You are repeating yourself. Change approach or finish the task.",
			})
			recent = recent[:0]
			continue
		}

		raws, perrs := tool.Parse(content)
		for _, pe := range perrs {
			history = append(history, model.Message{
				Role:    model.RoleUser,
				Content: "A tool call was dropped: " + pe.Error(),
			})
		}

		if len(raws) == 0 && len(perrs) == 0 {
			emptyStreak++
			if emptyStreak >= maxEmptyResponses {
				return e.fail(agentID, "no tool invocations after repeated prompting", errors.New("agent: stalled"))
			}
			history = append(history, model.Message{
				Role:    model.RoleUser,
				Content: "No tool call found in your reply. Invoke a tool, or finish with agent_finish / finish_scan.",
			})
			continue
		}
		emptyStreak = 0

		_, err = e.cfg.Dispatcher.Dispatch(ctx, agentID, a.Role, raws, func(o tool.Outcome) {
			history = append(history, model.Message{
				Role:    model.RoleUser,
				Content: formatOutcome(o),
			})
			e.cfg.Tracer.Emit(events.Event{
				Type:    events.ToolDispatched,
				AgentID: agentID,
				Payload: events.ToolDispatchedPayload{Tool: o.Name, Success: !o.Failed, Error: failText(o)},
			})
		})
		if err != nil {
			return e.fail(agentID, "tool dispatch aborted: "+err.Error(), err)
		}

		// A completion tool may have terminated the agent mid-batch.
		cur, err := e.cfg.Graph.Get(agentID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			e.emitStatus(agentID, graph.StatusRunning, cur.Status, cur.Failure, cur.Iteration)
			if cur.Status == graph.StatusError {
				return errors.New(cur.Failure)
			}
			return nil
		}
	}
}

func (e *Engine) complete(ctx context.Context, agentID, system string, history []model.Message) (string, error) {
	callCtx := ctx
	if e.cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.ModelTimeout)
		defer cancel()
	}

	start := time.Now()
	req := model.Request{System: system, Messages: history}
	var resp *model.Response
	var err error
	if e.cfg.Tracer != nil {
		spanCtx, span := e.cfg.Tracer.StartSpan(callCtx, "model.complete",
			attribute.String("agent.id", agentID))
		resp, err = e.cfg.Model.Complete(spanCtx, req)
		span.End()
	} else {
		resp, err = e.cfg.Model.Complete(callCtx, req)
	}

	payload := events.ModelCallPayload{Duration: time.Since(start)}
	if err != nil {
		payload.Err = err.Error()
	} else {
		payload.InputTokens = resp.Usage.InputTokens
		payload.OutputTokens = resp.Usage.OutputTokens
	}
	e.cfg.Tracer.Emit(events.Event{Type: events.ModelResponse, AgentID: agentID, Payload: payload})

	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// fail marks the agent errored unless it already holds a terminal status.
func (e *Engine) fail(agentID, reason string, err error) error {
	if a, gerr := e.cfg.Graph.Get(agentID); gerr == nil && a.Status.Terminal() {
		return err
	}
	_ = e.cfg.Graph.SetFailure(agentID, reason)
	e.emitStatus(agentID, graph.StatusRunning, graph.StatusError, reason, 0)
	return err
}

func (e *Engine) emitStatus(agentID string, from, to graph.Status, reason string, iter int) {
	e.cfg.Tracer.Emit(events.Event{
		Type:    events.AgentStatus,
		AgentID: agentID,
		Payload: events.AgentStatusPayload{From: string(from), To: string(to), Reason: reason, AtIter: iter},
	})
}

func formatInbox(msg queue.Message) string {
	return fmt.Sprintf("New message [%s] from %s:\n%s", msg.Type, msg.From, msg.Content)
}

func formatOutcome(o tool.Outcome) string {
	if o.Failed {
		return fmt.Sprintf("Tool %s failed: %s", o.Name, o.Output)
	}
	return fmt.Sprintf("Tool %s result:\n%s", o.Name, o.Output)
}

func failText(o tool.Outcome) string {
	if o.Failed {
		return o.Output
	}
	return ""
}

func allEqual(xs []string) bool {
	for _, x := range xs[1:] {
		if x != xs[0] {
			return false
		}
	}
	return true
}

