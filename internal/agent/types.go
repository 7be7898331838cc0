// Package agent implements the conversational agent handle and the inference backends it calls.
package agent

import (
	"context"
	"strings"
	"time"

	"github.com/broomva/arcan/internal/domain"
)

// Provider names accepted by NewProcessor.
const (
	ProviderEcho      = "echo"
	ProviderLocal     = "local"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
	ProviderGrpc      = "grpc"
)

// Request is one inference call: the new input plus the prior conversation.
type Request struct {
	UserID       string
	Input        string
	History      domain.Transcript
	SystemPrompt string
}

// Result is the output of an inference call.
type Result struct {
	Output    string   `json:"output"`
	ToolsUsed []string `json:"tools_used,omitempty"`
	Model     string   `json:"model,omitempty"`
}

// Exchange is handed to a PersistFunc once a turn has succeeded.
type Exchange struct {
	UserID     string
	Input      string
	Output     string
	Transcript domain.Transcript
}

// PersistFunc stores the outcome of a turn. It runs while the handle's turn lock is held.
type PersistFunc func(ctx context.Context, ex Exchange)

// Config holds agent configuration.
type Config struct {
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	SystemPrompt   string
	MaxTokens      int
	Temperature    float64
	MaxRetries     int
	GrpcAddr       string
	RequestTimeout time.Duration
}

// DefaultConfig returns default agent configuration.
func DefaultConfig() Config {
	return Config{
		Provider:       ProviderEcho,
		MaxTokens:      1024,
		MaxRetries:     2,
		GrpcAddr:       "localhost:50051",
		RequestTimeout: 60 * time.Second,
	}
}

// splitSystem folds system-role history entries into the system prompt and returns the
// remaining human/ai turns. Used by backends whose APIs take a single system field.
func splitSystem(req Request) (string, domain.Transcript) {
	var system []string
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}

	turns := make(domain.Transcript, 0, len(req.History))
	for _, m := range req.History {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(system, "\n"), turns
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
