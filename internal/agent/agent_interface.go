package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrEmptyInput is returned when a turn is requested with blank input.
	ErrEmptyInput = errors.New("agent input is empty")
	// ErrUnknownProvider is returned by NewProcessor for an unrecognized provider name.
	ErrUnknownProvider = errors.New("unknown agent provider")
	// ErrEmptyResponse is returned when a backend answers without any text.
	ErrEmptyResponse = errors.New("agent returned an empty response")
)

// Processor defines the interface for the external inference backend.
type Processor interface {
	// Invoke runs one inference call with the given input and prior history.
	Invoke(ctx context.Context, req Request) (*Result, error)

	// Name identifies the backend in logs and stats.
	Name() string

	// Close releases resources.
	Close() error
}

// HealthChecker is implemented by processors that can probe their backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// NewProcessor builds the processor selected by cfg.Provider.
func NewProcessor(ctx context.Context, cfg Config, logger *slog.Logger) (Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderEcho, ProviderLocal:
		return NewEchoProcessor(""), nil
	case ProviderAnthropic:
		return NewAnthropicProcessor(cfg)
	case ProviderOpenAI:
		return NewOpenAIProcessor(cfg)
	case ProviderGemini:
		return NewGeminiProcessor(ctx, cfg)
	case ProviderOllama:
		return NewOllamaProcessor(cfg)
	case ProviderGrpc:
		return NewGrpcProcessor(ctx, GrpcProcessorConfig{
			Address:        cfg.GrpcAddr,
			RequestTimeout: cfg.RequestTimeout,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// Ensure processors implement Processor.
var (
	_ Processor     = (*EchoProcessor)(nil)
	_ Processor     = (*AnthropicProcessor)(nil)
	_ Processor     = (*OpenAIProcessor)(nil)
	_ Processor     = (*GeminiProcessor)(nil)
	_ Processor     = (*OllamaProcessor)(nil)
	_ Processor     = (*GrpcProcessor)(nil)
	_ HealthChecker = (*OllamaProcessor)(nil)
	_ HealthChecker = (*GrpcProcessor)(nil)
)
