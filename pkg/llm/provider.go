package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Stream opens a streaming completion and returns a channel of
	// incremental deltas. The channel is closed when the provider stream
	// ends; a mid-stream provider failure is delivered as a final Delta
	// with Err set. Cancelling ctx releases the provider-side stream.
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}
