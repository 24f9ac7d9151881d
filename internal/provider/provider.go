// Package provider defines the embedding and generation capabilities the
// query engine consumes, plus their Ollama implementations.
package provider

import "context"

// Embedder maps text to fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// GenerateRequest is one prompt for the generation model.
type GenerateRequest struct {
	System string
	Prompt string

	Temperature   float64
	TopP          float64
	MaxTokens     int
	ContextWindow int
}

// Token is one element of a generation stream. A terminal element has
// Done=true or a non-nil Err; nothing follows a terminal element.
type Token struct {
	Text string
	Done bool
	Err  error
}

// Generator produces text from a prompt, either whole or as a token stream.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	// GenerateStream returns tokens in generation order. The channel is
	// closed after a terminal element. Canceling ctx releases the
	// underlying provider connection.
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan Token, error)
	Model() string
}
