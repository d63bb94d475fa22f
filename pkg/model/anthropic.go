package model

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
)

// AnthropicConfig wires a plain anthropic-sdk-go client into the Model interface.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	MaxRetries  int
	Temperature *float64
	HTTPClient  *http.Client
}

type anthropicMessages interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

type anthropicModel struct {
	msgs        anthropicMessages
	model       anthropicsdk.Model
	maxTokens   int
	maxRetries  int
	temperature *float64
}

// NewAnthropic constructs a production-ready Anthropic-backed Model.
func NewAnthropic(cfg AnthropicConfig) (Model, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	client := anthropicsdk.NewClient(opts...)
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	return &anthropicModel{
		msgs:        &client.Messages,
		model:       anthropicsdk.Model(strings.TrimSpace(cfg.Model)),
		maxTokens:   maxTokens,
		maxRetries:  retries,
		temperature: cfg.Temperature,
	}, nil
}

// Complete issues a non-streaming completion.
func (m *anthropicModel) Complete(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	err := m.doWithRetry(ctx, func(ctx context.Context) error {
		msg, err := m.msgs.New(ctx, m.buildParams(req))
		if err != nil {
			return err
		}
		resp = &Response{
			Content:    collectText(*msg),
			StopReason: string(msg.StopReason),
			Usage:      convertUsage(msg.Usage),
		}
		return nil
	})
	return resp, err
}

func (m *anthropicModel) buildParams(req Request) anthropicsdk.MessageNewParams {
	systemBlocks, messageParams := convertMessages(req.Messages, req.System)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:     m.selectModel(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messageParams,
	}
	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}
	if m.temperature != nil {
		params.Temperature = param.NewOpt(*m.temperature)
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	return params
}

func (m *anthropicModel) doWithRetry(ctx context.Context, fn func(context.Context) error) error {
	attempts := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetryable(err) || attempts >= m.maxRetries {
			return err
		}
		attempts++
		backoff := time.Duration(attempts*attempts) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		return code == http.StatusTooManyRequests || code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func (m *anthropicModel) selectModel(override string) anthropicsdk.Model {
	if trimmed := strings.TrimSpace(override); trimmed != "" {
		return anthropicsdk.Model(trimmed)
	}
	if m.model != "" {
		return m.model
	}
	return anthropicsdk.ModelClaudeSonnet4_5
}

func convertMessages(msgs []Message, system string) ([]anthropicsdk.TextBlockParam, []anthropicsdk.MessageParam) {
	var systemBlocks []anthropicsdk.TextBlockParam
	if trimmed := strings.TrimSpace(system); trimmed != "" {
		systemBlocks = append(systemBlocks, anthropicsdk.TextBlockParam{Text: trimmed})
	}

	messageParams := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case RoleSystem:
			if trimmed := strings.TrimSpace(msg.Content); trimmed != "" {
				systemBlocks = append(systemBlocks, anthropicsdk.TextBlockParam{Text: trimmed})
			}
		case RoleAssistant:
			content := msg.Content
			if strings.TrimSpace(content) == "" {
				content = "."
			}
			messageParams = append(messageParams, anthropicsdk.MessageParam{
				Role: anthropicsdk.MessageParamRoleAssistant,
				Content: []anthropicsdk.ContentBlockParamUnion{
					anthropicsdk.NewTextBlock(content),
				},
			})
		default:
			content := msg.Content
			if strings.TrimSpace(content) == "" {
				content = "."
			}
			messageParams = append(messageParams, anthropicsdk.MessageParam{
				Role: anthropicsdk.MessageParamRoleUser,
				Content: []anthropicsdk.ContentBlockParamUnion{
					anthropicsdk.NewTextBlock(content),
				},
			})
		}
	}

	// The API rejects empty conversations.
	if len(messageParams) == 0 {
		messageParams = append(messageParams, anthropicsdk.MessageParam{
			Role: anthropicsdk.MessageParamRoleUser,
			Content: []anthropicsdk.ContentBlockParamUnion{
				anthropicsdk.NewTextBlock("."),
			},
		})
	}

	return systemBlocks, messageParams
}

func collectText(msg anthropicsdk.Message) string {
	var parts []string
	for _, block := range msg.Content {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "")
}

func convertUsage(u anthropicsdk.Usage) Usage {
	input := int(u.InputTokens)
	output := int(u.OutputTokens)
	return Usage{
		InputTokens:  input,
		OutputTokens: output,
		TotalTokens:  input + output,
	}
}
