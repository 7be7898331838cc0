package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/broomva/arcan/internal/domain"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"

// AnthropicProcessor calls Anthropic's Messages API.
type AnthropicProcessor struct {
	client *anthropic.Client
	config Config
}

// NewAnthropicProcessor creates a processor for Anthropic's Claude models.
func NewAnthropicProcessor(cfg Config) (*AnthropicProcessor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := anthropic.NewClient(opts...)
	return &AnthropicProcessor{client: &client, config: cfg}, nil
}

// Name returns the provider identifier.
func (p *AnthropicProcessor) Name() string {
	return ProviderAnthropic
}

// Invoke performs a non-streaming completion request.
func (p *AnthropicProcessor) Invoke(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := withTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	msg, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic invoke: %w", err)
	}

	var out strings.Builder
	var tools []string
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			tools = append(tools, b.Name)
		}
	}
	if out.Len() == 0 {
		return nil, ErrEmptyResponse
	}

	return &Result{Output: out.String(), ToolsUsed: tools, Model: string(msg.Model)}, nil
}

// Close is a no-op; the SDK holds no connections of its own.
func (p *AnthropicProcessor) Close() error {
	return nil
}

func (p *AnthropicProcessor) buildParams(req Request) anthropic.MessageNewParams {
	system, turns := splitSystem(req)

	messages := make([]anthropic.MessageParam, 0, len(turns)+1)
	for _, m := range turns {
		switch m.Role {
		case domain.RoleHuman:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case domain.RoleAI:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Input)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.config.Model),
		MaxTokens: int64(p.config.MaxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if p.config.Temperature > 0 {
		params.Temperature = anthropic.Float(p.config.Temperature)
	}
	return params
}
