package llm

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

// geminiModels is the subset of [genai.Models] used here, so tests can
// substitute a fake.
type geminiModels interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// GeminiClient serves models through the Google Gen AI SDK.
type GeminiClient struct {
	models geminiModels
	ping   func(ctx context.Context) error
	logger *slog.Logger
}

// NewGeminiClient creates a Gemini client authenticated with apiKey.
func NewGeminiClient(ctx context.Context, apiKey string, logger *slog.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{
		models: client.Models,
		ping: func(ctx context.Context) error {
			for _, err := range client.Models.All(ctx) {
				return err
			}
			return nil
		},
		logger: logger,
	}, nil
}

// Chat implements Client.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message, opts *Options) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, opts, nil)
}

// ChatStream implements Client. System messages become the system
// instruction; assistant turns use the "model" role.
func (c *GeminiClient) ChatStream(ctx context.Context, model string, messages []Message, opts *Options, callback StreamCallback) (*ChatResponse, error) {
	contents, system := toGeminiContents(messages)

	config := &genai.GenerateContentConfig{SystemInstruction: system}
	if opts != nil {
		if opts.Temperature != nil {
			t := float32(*opts.Temperature)
			config.Temperature = &t
		}
		if opts.MaxTokens > 0 {
			config.MaxOutputTokens = int32(opts.MaxTokens)
		}
	}

	out := &ChatResponse{Model: model, CreatedAt: time.Now()}
	var text strings.Builder

	for resp, err := range c.models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return nil, fmt.Errorf("gemini stream: %w", err)
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part == nil || part.Text == "" || part.Thought {
				continue
			}
			text.WriteString(part.Text)
			if callback != nil {
				callback(part.Text)
			}
		}
	}

	out.Message = Message{Role: "assistant", Content: text.String()}
	out.Done = true
	return out, nil
}

// Ping implements Client.
func (c *GeminiClient) Ping(ctx context.Context) error {
	if c.ping == nil {
		return nil
	}
	return c.ping(ctx)
}

func toGeminiContents(messages []Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var systemParts []*genai.Part

	for _, m := range messages {
		if m.Role == "system" {
			systemParts = append(systemParts, &genai.Part{Text: m.Content})
			continue
		}

		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}

		var parts []*genai.Part
		for _, a := range m.Attachments {
			parts = append(parts, &genai.Part{
				InlineData: &genai.Blob{MIMEType: a.MIMEType, Data: a.Data},
			})
		}
		if m.Content != "" {
			parts = append(parts, &genai.Part{Text: m.Content})
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}

	var system *genai.Content
	if len(systemParts) > 0 {
		system = &genai.Content{Parts: systemParts}
	}
	return contents, system
}
