package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServingClient_StreamsSSE(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frag := range []string{"Hel", "lo", " world"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", frag)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewServingClient(srv.URL, "tok", quietLogger())
	var frags []string
	resp, err := c.ChatStream(context.Background(), "my-model",
		[]Message{{Role: "user", Content: "hi"}},
		&Options{Temperature: Temperature(0.1), MaxTokens: 50},
		func(s string) { frags = append(frags, s) })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if gotPath != "/serving-endpoints/my-model/invocations" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if !gotBody.Stream || gotBody.MaxTokens != 50 || gotBody.Temperature == nil || *gotBody.Temperature != 0.1 {
		t.Errorf("request body = %+v", gotBody)
	}
	if resp.Message.Content != "Hello world" {
		t.Errorf("content = %q, want %q", resp.Message.Content, "Hello world")
	}
	if strings.Join(frags, "|") != "Hel|lo| world" {
		t.Errorf("fragments = %v", frags)
	}
	if resp.Model != "my-model" {
		t.Errorf("model = %q, want fallback to endpoint name", resp.Model)
	}
}

func TestServingClient_JSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"m","choices":[{"message":{"content":"whole answer"}}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`)
	}))
	defer srv.Close()

	c := NewServingClient(srv.URL, "tok", quietLogger())
	resp, err := c.Chat(context.Background(), "m", []Message{{Role: "user", Content: "q"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "whole answer" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 3 || resp.OutputTokens != 2 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestServingClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "endpoint scaled to zero", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewServingClient(srv.URL, "tok", quietLogger())
	_, err := c.Chat(context.Background(), "m", []Message{{Role: "user", Content: "q"}}, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusBadRequest || !strings.Contains(se.Body, "scaled to zero") {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestEndpointClient_AgentResponses(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
	}{
		{
			name:        "responses protocol output items",
			contentType: "application/json",
			body:        `{"output":[{"content":[{"type":"output_text","text":"agent says hi"}]}]}`,
			want:        "agent says hi",
		},
		{
			name:        "responses protocol delta events",
			contentType: "text/event-stream",
			body: "data: {\"type\":\"response.output_text.delta\",\"delta\":\"a\"}\n\n" +
				"data: {\"type\":\"response.output_text.delta\",\"delta\":\"b\"}\n\n" +
				"data: {\"type\":\"response.completed\"}\n\n",
			want: "ab",
		},
		{
			name:        "chat completion body",
			contentType: "application/json; charset=utf-8",
			body:        `{"choices":[{"message":{"content":"plain"}}]}`,
			want:        "plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := NewEndpointClient("tok", quietLogger())
			var streamed strings.Builder
			resp, err := c.Invoke(context.Background(), srv.URL+"/serving-endpoints/agent/invocations",
				[]Message{{Role: "user", Content: "hi"}},
				func(s string) { streamed.WriteString(s) })
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if resp.Message.Content != tt.want {
				t.Errorf("content = %q, want %q", resp.Message.Content, tt.want)
			}
			if streamed.String() != tt.want {
				t.Errorf("streamed = %q, want %q", streamed.String(), tt.want)
			}
		})
	}
}

func TestEndpointClient_UpstreamErrorChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"rate limited\"}}\n\n")
	}))
	defer srv.Close()

	c := NewEndpointClient("tok", quietLogger())
	_, err := c.Invoke(context.Background(), srv.URL, []Message{{Role: "user", Content: "hi"}}, func(string) {})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err = %v, want upstream error", err)
	}
}

func TestToWire_Attachments(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "summarize", Attachments: []Attachment{
			{Name: "a.pdf", MIMEType: "application/pdf", Data: []byte("%PDF")},
		}},
	}
	wire := toWire(msgs)

	if s, ok := wire[0].Content.(string); !ok || s != "sys" {
		t.Errorf("plain message content = %#v", wire[0].Content)
	}
	parts, ok := wire[1].Content.([]contentPart)
	if !ok || len(parts) != 2 {
		t.Fatalf("attachment message content = %#v", wire[1].Content)
	}
	if parts[0].Type != "file" || parts[0].File.Filename != "a.pdf" {
		t.Errorf("file part = %+v", parts[0])
	}
	if parts[0].File.FileData != "data:application/pdf;base64,JVBERg==" {
		t.Errorf("file data = %q", parts[0].File.FileData)
	}
	if parts[1].Type != "text" || parts[1].Text != "summarize" {
		t.Errorf("text part = %+v", parts[1])
	}
}

func TestParseSSE(t *testing.T) {
	input := ": keepalive\n" +
		"event: message\n" +
		"data: line1\n" +
		"data: line2\n" +
		"\n" +
		"data: second\n" +
		"\n" +
		"\n" +
		"data: trailing"

	var got []sseEvent
	err := parseSSE(strings.NewReader(input), func(ev sseEvent) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("parseSSE: %v", err)
	}

	want := []sseEvent{
		{Event: "message", Data: "line1\nline2"},
		{Data: "second"},
		{Data: "trailing"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseSSE_StopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := parseSSE(strings.NewReader("data: a\n\ndata: b\n\n"), func(sseEvent) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("err = %v, want stop", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
