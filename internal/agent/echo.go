package agent

import (
	"context"
	"fmt"
)

// EchoProcessor answers every input with the input itself. It needs no credentials and
// backs the "local" environment and tests.
type EchoProcessor struct {
	prefix string
}

// NewEchoProcessor creates an echo processor that prepends prefix to each reply.
func NewEchoProcessor(prefix string) *EchoProcessor {
	return &EchoProcessor{prefix: prefix}
}

// Invoke returns the input.
func (p *EchoProcessor) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("echo invoke: %w", err)
	}
	return &Result{Output: p.prefix + req.Input, Model: ProviderEcho}, nil
}

// Name returns the provider identifier.
func (p *EchoProcessor) Name() string {
	return ProviderEcho
}

// Close is a no-op.
func (p *EchoProcessor) Close() error {
	return nil
}
