package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/datasciencemonkey/brickchat/internal/agents"
	"github.com/datasciencemonkey/brickchat/internal/apperr"
	"github.com/datasciencemonkey/brickchat/internal/llm"
)

type stubClient struct {
	reply string
	err   error
	block bool

	calls    int
	messages []llm.Message
	opts     *llm.Options
}

func (s *stubClient) Chat(ctx context.Context, _ string, messages []llm.Message, opts *llm.Options) (*llm.ChatResponse, error) {
	s.calls++
	s.messages = messages
	s.opts = opts
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: s.reply}}, nil
}

func (s *stubClient) ChatStream(ctx context.Context, model string, messages []llm.Message, opts *llm.Options, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	return s.Chat(ctx, model, messages, opts)
}

func (s *stubClient) Ping(context.Context) error { return nil }

var testAgents = []agents.Agent{
	{ID: "agent_aaaa", Name: "Billing", Description: "Invoices and refunds"},
	{ID: "agent_bbbb", Name: "Weather", Description: "Forecasts"},
}

func newRouter(t *testing.T, c llm.Client, timeout time.Duration) *Router {
	t.Helper()
	r, err := New(c, "router-model", timeout, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestSelect_NoAgents(t *testing.T) {
	r := newRouter(t, &stubClient{}, 0)
	if _, err := r.Select(context.Background(), nil, "hi", nil); !errors.Is(err, apperr.ErrNoAgentsAvailable) {
		t.Errorf("err = %v, want ErrNoAgentsAvailable", err)
	}
}

func TestSelect_SingleAgentSkipsModel(t *testing.T) {
	c := &stubClient{}
	r := newRouter(t, c, 0)
	sel, err := r.Select(context.Background(), testAgents[:1], "hi", nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Agent.ID != "agent_aaaa" || sel.Reason != "only agent available" || sel.Fallback {
		t.Errorf("selection = %+v", sel)
	}
	if c.calls != 0 {
		t.Errorf("model called %d times, want 0", c.calls)
	}
}

func TestSelect_Classification(t *testing.T) {
	tests := []struct {
		name         string
		reply        string
		err          error
		wantAgent    string
		wantFallback bool
		wantReason   string
	}{
		{
			name:       "valid choice",
			reply:      `{"agent_id": "agent_bbbb", "reason": "asks about rain"}`,
			wantAgent:  "agent_bbbb",
			wantReason: "asks about rain",
		},
		{
			name:       "fenced json",
			reply:      "```json\n{\"agent_id\": \"agent_bbbb\", \"reason\": \" rain \"}\n```",
			wantAgent:  "agent_bbbb",
			wantReason: "rain",
		},
		{
			name:         "missing reason",
			reply:        `{"agent_id": "agent_bbbb"}`,
			wantAgent:    "agent_aaaa",
			wantFallback: true,
			wantReason:   "fallback: could not parse routing decision",
		},
		{
			name:         "blank reason",
			reply:        `{"agent_id": "agent_bbbb", "reason": "   "}`,
			wantAgent:    "agent_aaaa",
			wantFallback: true,
			wantReason:   "fallback: could not parse routing decision",
		},
		{
			name:         "unknown agent",
			reply:        `{"agent_id": "agent_zzzz", "reason": "?"}`,
			wantAgent:    "agent_aaaa",
			wantFallback: true,
			wantReason:   "fallback: router selected unknown agent",
		},
		{
			name:         "not json",
			reply:        "I think Weather",
			wantAgent:    "agent_aaaa",
			wantFallback: true,
			wantReason:   "fallback: could not parse routing decision",
		},
		{
			name:         "schema violation",
			reply:        `{"agent_id": 42}`,
			wantAgent:    "agent_aaaa",
			wantFallback: true,
			wantReason:   "fallback: could not parse routing decision",
		},
		{
			name:         "transport error",
			err:          errors.New("connection reset"),
			wantAgent:    "agent_aaaa",
			wantFallback: true,
			wantReason:   "fallback: routing error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &stubClient{reply: tt.reply, err: tt.err}
			r := newRouter(t, c, 0)
			sel, err := r.Select(context.Background(), testAgents, "will it rain?", nil)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if sel.Agent.ID != tt.wantAgent || sel.Fallback != tt.wantFallback || sel.Reason != tt.wantReason {
				t.Errorf("selection = {%s %q %v}, want {%s %q %v}",
					sel.Agent.ID, sel.Reason, sel.Fallback, tt.wantAgent, tt.wantReason, tt.wantFallback)
			}
			if c.calls != 1 {
				t.Errorf("model called %d times, want exactly 1", c.calls)
			}
		})
	}
}

func TestSelect_TimeoutFallsBack(t *testing.T) {
	c := &stubClient{block: true}
	r := newRouter(t, c, 10*time.Millisecond)
	sel, err := r.Select(context.Background(), testAgents, "hi", nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !sel.Fallback || sel.Agent.ID != "agent_aaaa" {
		t.Errorf("selection = %+v", sel)
	}
}

func TestSelect_PromptAndOptions(t *testing.T) {
	c := &stubClient{reply: `{"agent_id":"agent_aaaa","reason":"r"}`}
	r := newRouter(t, c, 0)

	long := strings.Repeat("x", 250)
	history := []llm.Message{
		{Role: "user", Content: "turn one"},
		{Role: "assistant", Content: "turn two"},
		{Role: "user", Content: "turn three"},
		{Role: "assistant", Content: long},
		{Role: "user", Content: "turn five"},
	}
	if _, err := r.Select(context.Background(), testAgents, "refund please", history); err != nil {
		t.Fatalf("Select: %v", err)
	}

	if c.opts == nil || c.opts.Temperature == nil || *c.opts.Temperature != 0.1 || c.opts.MaxTokens != 200 {
		t.Errorf("options = %+v", c.opts)
	}
	prompt := c.messages[0].Content
	for _, want := range []string{
		"- **Billing** (ID: agent_aaaa): Invoices and refunds",
		"- **Weather** (ID: agent_bbbb): Forecasts",
		`"refund please"`,
		"ASSISTANT: " + strings.Repeat("x", 200) + "...",
		"USER: turn five",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "turn one") {
		t.Error("prompt should only carry the last 4 turns")
	}
}
