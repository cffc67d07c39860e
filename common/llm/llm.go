// Package llm adapts streaming model endpoints behind a narrow interface so
// the agentic executor never depends on a concrete provider.
package llm

import "context"

// Request is one streaming completion call.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
}

// Chunk is one streamed delta.
type Chunk struct {
	Delta string
	Err   error
}

// Streamer produces a token stream for a request. The returned channel is
// closed when the stream ends; a Chunk with Err set terminates it early.
// Cancelling the context stops the stream.
type Streamer interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
