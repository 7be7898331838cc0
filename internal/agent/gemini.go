package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/broomva/arcan/internal/domain"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiProcessor calls the Gemini API through the genai SDK.
type GeminiProcessor struct {
	client *genai.Client
	config Config
}

// NewGeminiProcessor creates a processor for Google's Gemini models.
func NewGeminiProcessor(ctx context.Context, cfg Config) (*GeminiProcessor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProcessor{client: client, config: cfg}, nil
}

// Name returns the provider identifier.
func (p *GeminiProcessor) Name() string {
	return ProviderGemini
}

// Invoke generates a reply for the conversation.
func (p *GeminiProcessor) Invoke(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := withTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	system, turns := splitSystem(req)

	contents := make([]*genai.Content, 0, len(turns)+1)
	for _, m := range turns {
		switch m.Role {
		case domain.RoleHuman:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case domain.RoleAI:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		}
	}
	contents = append(contents, genai.NewContentFromText(req.Input, genai.RoleUser))

	gc := &genai.GenerateContentConfig{}
	if system != "" {
		gc.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if p.config.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(p.config.MaxTokens)
	}
	if p.config.Temperature > 0 {
		gc.Temperature = genai.Ptr(float32(p.config.Temperature))
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.config.Model, contents, gc)
	if err != nil {
		return nil, fmt.Errorf("gemini invoke: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, ErrEmptyResponse
	}
	model := resp.ModelVersion
	if model == "" {
		model = p.config.Model
	}
	return &Result{Output: text, Model: model}, nil
}

// Close is a no-op.
func (p *GeminiProcessor) Close() error {
	return nil
}
