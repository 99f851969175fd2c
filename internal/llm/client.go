// Package llm provides language-model client implementations.
package llm

import "context"

// Client is the interface that all model providers implement.
type Client interface {
	// Chat sends a request and returns the complete response.
	Chat(ctx context.Context, model string, messages []Message, opts *Options) (*ChatResponse, error)

	// ChatStream sends a streaming request. Fragments are passed to
	// callback as they arrive; the returned response carries the full
	// text.
	ChatStream(ctx context.Context, model string, messages []Message, opts *Options, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
