package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/broomva/arcan/internal/domain"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIProcessor calls the OpenAI Chat Completions API.
type OpenAIProcessor struct {
	client *openai.Client
	config Config
}

// NewOpenAIProcessor creates a processor for OpenAI-compatible chat endpoints.
func NewOpenAIProcessor(cfg Config) (*OpenAIProcessor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := openai.NewClient(opts...)
	return &OpenAIProcessor{client: &client, config: cfg}, nil
}

// Name returns the provider identifier.
func (p *OpenAIProcessor) Name() string {
	return ProviderOpenAI
}

// Invoke performs a chat completion.
func (p *OpenAIProcessor) Invoke(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := withTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("openai invoke: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, ErrEmptyResponse
	}

	return &Result{Output: resp.Choices[0].Message.Content, Model: resp.Model}, nil
}

// Close is a no-op.
func (p *OpenAIProcessor) Close() error {
	return nil
}

func (p *OpenAIProcessor) buildParams(req Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.History {
		switch m.Role {
		case domain.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case domain.RoleHuman:
			messages = append(messages, openai.UserMessage(m.Content))
		case domain.RoleAI:
			messages = append(messages, openai.AssistantMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Input))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.config.Model),
		Messages: messages,
	}
	if p.config.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(p.config.MaxTokens))
	}
	if p.config.Temperature > 0 {
		params.Temperature = openai.Float(p.config.Temperature)
	}
	return params
}
