package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/datasciencemonkey/brickchat/internal/httpkit"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// ServingClient talks to OpenAI-compatible model serving endpoints. Each
// model name is a serving endpoint invoked at
// {baseURL}/serving-endpoints/{model}/invocations.
type ServingClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewServingClient creates a client for the serving workspace at baseURL
// authenticated with token.
func NewServingClient(baseURL, token string, logger *slog.Logger) *ServingClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0), // streaming responses outlive any fixed bound
			httpkit.WithBearerToken(token),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Chat implements Client.
func (c *ServingClient) Chat(ctx context.Context, model string, messages []Message, opts *Options) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, opts, nil)
}

// ChatStream implements Client. A nil callback requests a non-streaming
// response.
func (c *ServingClient) ChatStream(ctx context.Context, model string, messages []Message, opts *Options, callback StreamCallback) (*ChatResponse, error) {
	url := c.baseURL + "/serving-endpoints/" + model + "/invocations"
	resp, err := invokeCompletion(ctx, c.httpClient, c.logger, url, messages, opts, callback)
	if err != nil {
		return nil, err
	}
	if resp.Model == "" {
		resp.Model = model
	}
	return resp, nil
}

// Ping implements Client.
func (c *ServingClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/2.0/serving-endpoints", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

// EndpointClient invokes agent endpoints addressed by full URL. Agents
// receive the same chat-completions body as serving endpoints, minus the
// sampling options, and may answer with either a single JSON document or
// an SSE stream.
type EndpointClient struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewEndpointClient creates an agent endpoint client authenticated with
// token.
func NewEndpointClient(token string, logger *slog.Logger) *EndpointClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &EndpointClient{
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithBearerToken(token),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Invoke posts messages to endpoint and relays content to callback.
func (c *EndpointClient) Invoke(ctx context.Context, endpoint string, messages []Message, callback StreamCallback) (*ChatResponse, error) {
	return invokeCompletion(ctx, c.httpClient, c.logger, endpoint, messages, nil, callback)
}

// --- wire format ---

type completionRequest struct {
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// wireMessage content is either a plain string or, when attachments are
// present, a list of typed parts.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type string    `json:"type"`
	Text string    `json:"text,omitempty"`
	File *filePart `json:"file,omitempty"`
}

type filePart struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

// completionChunk covers both a streamed chunk and a complete response.
// Agent endpoints speaking the responses protocol report text either as
// "delta" events or as "output" items.
type completionChunk struct {
	Model   string `json:"model"`
	Type    string `json:"type"`
	Delta   string `json:"delta"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Output []struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func toWire(messages []Message) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, m := range messages {
		if len(m.Attachments) == 0 {
			out[i] = wireMessage{Role: m.Role, Content: m.Content}
			continue
		}
		parts := make([]contentPart, 0, len(m.Attachments)+1)
		for _, a := range m.Attachments {
			parts = append(parts, contentPart{
				Type: "file",
				File: &filePart{
					Filename: a.Name,
					FileData: "data:" + a.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(a.Data),
				},
			})
		}
		parts = append(parts, contentPart{Type: "text", Text: m.Content})
		out[i] = wireMessage{Role: m.Role, Content: parts}
	}
	return out
}

func invokeCompletion(ctx context.Context, hc *http.Client, logger *slog.Logger, url string, messages []Message, opts *Options, callback StreamCallback) (*ChatResponse, error) {
	body := completionRequest{
		Messages: toWire(messages),
		Stream:   callback != nil,
	}
	if opts != nil {
		body.Temperature = opts.Temperature
		body.MaxTokens = opts.MaxTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	logger.Log(ctx, LevelTrace, "completion request", "url", url, "body", string(payload))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if callback != nil {
		req.Header.Set("Accept", "text/event-stream, application/json")
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 2048)
		logger.Debug("completion error response", "url", url, "status", resp.StatusCode, "body", msg)
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	var out *ChatResponse
	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mt == "text/event-stream" {
		out, err = readCompletionStream(ctx, logger, resp.Body, callback)
	} else {
		out, err = readCompletionBody(resp.Body, callback)
	}
	if err != nil {
		return nil, err
	}

	logger.Debug("completion finished",
		"url", url,
		"chars", len(out.Message.Content),
		"elapsed", time.Since(start),
	)
	return out, nil
}

func readCompletionBody(r io.Reader, callback StreamCallback) (*ChatResponse, error) {
	var chunk completionChunk
	if err := json.NewDecoder(r).Decode(&chunk); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if chunk.Error != nil {
		return nil, fmt.Errorf("upstream error: %s", chunk.Error.Message)
	}

	var text strings.Builder
	for _, c := range chunk.Choices {
		text.WriteString(c.Message.Content)
	}
	if text.Len() == 0 {
		for _, o := range chunk.Output {
			for _, c := range o.Content {
				if c.Type == "" || c.Type == "output_text" || c.Type == "text" {
					text.WriteString(c.Text)
				}
			}
		}
	}

	out := &ChatResponse{
		Model:     chunk.Model,
		CreatedAt: time.Now(),
		Message:   Message{Role: "assistant", Content: text.String()},
		Done:      true,
	}
	if chunk.Usage != nil {
		out.InputTokens = chunk.Usage.PromptTokens
		out.OutputTokens = chunk.Usage.CompletionTokens
	}
	if callback != nil && out.Message.Content != "" {
		callback(out.Message.Content)
	}
	return out, nil
}

// errStreamDone stops SSE parsing at the [DONE] sentinel.
var errStreamDone = errors.New("stream done")

func readCompletionStream(ctx context.Context, logger *slog.Logger, r io.Reader, callback StreamCallback) (*ChatResponse, error) {
	out := &ChatResponse{CreatedAt: time.Now()}
	var text strings.Builder

	err := parseSSE(r, func(ev sseEvent) error {
		if ev.Data == "[DONE]" {
			return errStreamDone
		}
		logger.Log(ctx, LevelTrace, "completion chunk", "data", ev.Data)

		var chunk completionChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return fmt.Errorf("upstream error: %s", chunk.Error.Message)
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.InputTokens = chunk.Usage.PromptTokens
			out.OutputTokens = chunk.Usage.CompletionTokens
		}

		var frag string
		switch {
		case len(chunk.Choices) > 0:
			frag = chunk.Choices[0].Delta.Content
		case chunk.Type == "response.output_text.delta":
			frag = chunk.Delta
		}
		if frag == "" {
			return nil
		}
		text.WriteString(frag)
		if callback != nil {
			callback(frag)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStreamDone) {
		return nil, err
	}

	out.Message = Message{Role: "assistant", Content: text.String()}
	out.Done = true
	return out, nil
}

// StatusError is returned when an upstream answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}
