// Package model abstracts the reasoning model behind a small interface and
// provides the production Anthropic-backed implementation, wrapped with a
// circuit breaker and a shared request limiter so dozens of concurrent
// agents cannot stampede the provider.
package model

import (
	"context"
	"errors"
)

// Role values for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrUnavailable reports that the model cannot be reached right now, either
// because the circuit breaker is open or the provider keeps failing.
var ErrUnavailable = errors.New("model: unavailable")

// Message is one turn of an agent conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	System      string
	Messages    []Message
	Model       string // optional override of the configured model
	MaxTokens   int
	Temperature *float64
}

// Usage reports token accounting for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the model's reply.
type Response struct {
	Content    string
	StopReason string
	Usage      Usage
}

// Model is the completion interface the agent engine drives. Implementations
// must be safe for concurrent use.
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
