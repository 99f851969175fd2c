package llm

import "time"

// Message is one turn sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Attachments carry binary documents (PDFs) alongside the text.
	// Providers that cannot accept files inline them as text or drop
	// them.
	Attachments []Attachment `json:"-"`
}

// Attachment is a document forwarded to a model as-is.
type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Options tune a single request. A nil *Options uses provider defaults.
type Options struct {
	// Temperature is a pointer so that an explicit 0 is distinguishable
	// from unset.
	Temperature *float64
	MaxTokens   int
}

// Temperature returns a pointer to t for use in [Options].
func Temperature(t float64) *float64 { return &t }

// ChatResponse is the unified response from any provider.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int
}

// StreamCallback receives content fragments as they arrive.
type StreamCallback func(token string)
