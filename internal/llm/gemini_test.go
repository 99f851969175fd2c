package llm

import (
	"context"
	"errors"
	"iter"
	"testing"

	"google.golang.org/genai"
)

type fakeGemini struct {
	chunks   []string
	err      error
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (f *fakeGemini) GenerateContentStream(_ context.Context, _ string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	f.contents = contents
	f.config = config
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, c := range f.chunks {
			resp := &genai.GenerateContentResponse{
				Candidates: []*genai.Candidate{{
					Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: c}}},
				}},
			}
			if !yield(resp, nil) {
				return
			}
		}
		if f.err != nil {
			yield(nil, f.err)
		}
	}
}

func TestGeminiClient_ChatStream(t *testing.T) {
	fake := &fakeGemini{chunks: []string{"Bon", "jour"}}
	c := &GeminiClient{models: fake, logger: quietLogger()}

	var frags []string
	resp, err := c.ChatStream(context.Background(), "gemini-2.5-flash", []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
		{Role: "user", Content: "in french"},
	}, &Options{Temperature: Temperature(0.5), MaxTokens: 64}, func(s string) { frags = append(frags, s) })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if resp.Message.Content != "Bonjour" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if len(frags) != 2 {
		t.Errorf("fragments = %v", frags)
	}
	if len(fake.contents) != 3 {
		t.Fatalf("contents = %d, want 3 (system excluded)", len(fake.contents))
	}
	if fake.contents[1].Role != "model" {
		t.Errorf("assistant role mapped to %q, want model", fake.contents[1].Role)
	}
	if fake.config.SystemInstruction == nil || fake.config.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("system instruction = %+v", fake.config.SystemInstruction)
	}
	if fake.config.Temperature == nil || *fake.config.Temperature != 0.5 {
		t.Errorf("temperature = %v", fake.config.Temperature)
	}
	if fake.config.MaxOutputTokens != 64 {
		t.Errorf("max tokens = %d", fake.config.MaxOutputTokens)
	}
}

func TestGeminiClient_StreamError(t *testing.T) {
	boom := errors.New("quota exceeded")
	c := &GeminiClient{models: &fakeGemini{chunks: []string{"x"}, err: boom}, logger: quietLogger()}
	if _, err := c.Chat(context.Background(), "m", []Message{{Role: "user", Content: "q"}}, nil); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestToGeminiContents_Attachments(t *testing.T) {
	contents, system := toGeminiContents([]Message{{
		Role:        "user",
		Content:     "read this",
		Attachments: []Attachment{{Name: "a.pdf", MIMEType: "application/pdf", Data: []byte("%PDF")}},
	}})
	if system != nil {
		t.Errorf("system = %+v, want nil", system)
	}
	parts := contents[0].Parts
	if len(parts) != 2 || parts[0].InlineData == nil || parts[0].InlineData.MIMEType != "application/pdf" {
		t.Errorf("parts = %+v", parts)
	}
	if parts[1].Text != "read this" {
		t.Errorf("text part = %q", parts[1].Text)
	}
}
