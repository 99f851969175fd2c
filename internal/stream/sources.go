package stream

import (
	"context"

	"github.com/datasciencemonkey/brickchat/internal/llm"
)

// ModelSource streams a chat completion from a model client.
func ModelSource(c llm.Client, model string, messages []llm.Message, opts *llm.Options) Source {
	return func(ctx context.Context, emit func(string)) error {
		_, err := c.ChatStream(ctx, model, messages, opts, llm.StreamCallback(emit))
		return err
	}
}

// Invoker calls an agent endpoint by address.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, messages []llm.Message, callback llm.StreamCallback) (*llm.ChatResponse, error)
}

// EndpointSource streams an agent endpoint's answer.
func EndpointSource(inv Invoker, endpoint string, messages []llm.Message) Source {
	return func(ctx context.Context, emit func(string)) error {
		_, err := inv.Invoke(ctx, endpoint, messages, llm.StreamCallback(emit))
		return err
	}
}

// Text is a batch source that emits s once.
func Text(s string) Source {
	return func(_ context.Context, emit func(string)) error {
		emit(s)
		return nil
	}
}
