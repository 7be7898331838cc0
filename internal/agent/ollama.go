package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/broomva/arcan/internal/domain"
	"github.com/ollama/ollama/api"
)

const (
	defaultOllamaModel = "llama3.2"
	defaultOllamaURL   = "http://localhost:11434"
)

// OllamaProcessor calls a local or remote Ollama server.
type OllamaProcessor struct {
	client *api.Client
	config Config
}

// NewOllamaProcessor creates a processor for an Ollama server.
func NewOllamaProcessor(cfg Config) (*OllamaProcessor, error) {
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultOllamaURL
	}

	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url %q: %w", base, err)
	}

	return &OllamaProcessor{
		client: api.NewClient(u, &http.Client{}),
		config: cfg,
	}, nil
}

// Name returns the provider identifier.
func (p *OllamaProcessor) Name() string {
	return ProviderOllama
}

// Invoke runs a non-streaming chat request.
func (p *OllamaProcessor) Invoke(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := withTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	messages := make([]api.Message, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		messages = append(messages, api.Message{Role: ollamaRole(m.Role), Content: m.Content})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Input})

	stream := false
	chatReq := &api.ChatRequest{
		Model:    p.config.Model,
		Messages: messages,
		Stream:   &stream,
	}
	if p.config.Temperature > 0 {
		chatReq.Options = map[string]any{"temperature": p.config.Temperature}
	}

	var result Result
	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		result.Output += resp.Message.Content
		result.Model = resp.Model
		for _, tc := range resp.Message.ToolCalls {
			result.ToolsUsed = append(result.ToolsUsed, tc.Function.Name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama invoke: %w", err)
	}
	if result.Output == "" {
		return nil, ErrEmptyResponse
	}
	return &result, nil
}

// Health checks that the Ollama server is reachable.
func (p *OllamaProcessor) Health(ctx context.Context) error {
	if err := p.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama heartbeat: %w", err)
	}
	return nil
}

// Close is a no-op.
func (p *OllamaProcessor) Close() error {
	return nil
}

func ollamaRole(r domain.Role) string {
	switch r {
	case domain.RoleAI:
		return "assistant"
	case domain.RoleSystem:
		return "system"
	default:
		return "user"
	}
}
