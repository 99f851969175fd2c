// Package orchestrator selects the agent that should answer an autonomous
// turn. Selection asks a router model once and never fails once at least
// one agent is enabled: every classification problem degrades to the
// first enabled agent.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/datasciencemonkey/brickchat/internal/agents"
	"github.com/datasciencemonkey/brickchat/internal/apperr"
	"github.com/datasciencemonkey/brickchat/internal/llm"
)

const (
	historyTurns    = 4
	historyRuneCap  = 200
	routerMaxTokens = 200
	routerTemp      = 0.1

	// FallbackPrefix starts the reason of every fallback selection.
	FallbackPrefix = "fallback: "
)

const selectionSchemaURL = "brickchat://orchestrator/selection.json"

const selectionSchema = `{
  "type": "object",
  "required": ["agent_id", "reason"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1},
    "reason": {"type": "string", "pattern": "\\S"}
  }
}`

// Selection is the outcome of Select.
type Selection struct {
	Agent    agents.Agent `json:"agent"`
	Reason   string       `json:"reason"`
	Fallback bool         `json:"fallback"`
}

// Router picks agents using a classification model.
type Router struct {
	client  llm.Client
	model   string
	timeout time.Duration
	schema  *jsonschema.Schema
	logger  *slog.Logger
}

// New creates a Router that classifies with model on client. A timeout of
// zero leaves the classification call bounded only by ctx.
func New(client llm.Client, model string, timeout time.Duration, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileSelectionSchema()
	if err != nil {
		return nil, err
	}
	return &Router{
		client:  client,
		model:   model,
		timeout: timeout,
		schema:  schema,
		logger:  logger,
	}, nil
}

func compileSelectionSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(selectionSchemaURL, strings.NewReader(selectionSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(selectionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Select chooses one of candidates for message. candidates must be in
// registry order; the first one is the fallback.
func (r *Router) Select(ctx context.Context, candidates []agents.Agent, message string, history []llm.Message) (*Selection, error) {
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("select agent: %w", apperr.ErrNoAgentsAvailable)
	case 1:
		return &Selection{Agent: candidates[0], Reason: "only agent available"}, nil
	}

	fallback := func(why string, err error) *Selection {
		r.logger.Warn("agent classification fell back to first agent",
			"reason", why, "agent_id", candidates[0].ID, "error", err)
		return &Selection{Agent: candidates[0], Reason: FallbackPrefix + why, Fallback: true}
	}

	cctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	prompt := buildPrompt(candidates, message, history)
	resp, err := r.client.Chat(cctx, r.model,
		[]llm.Message{{Role: "user", Content: prompt}},
		&llm.Options{Temperature: llm.Temperature(routerTemp), MaxTokens: routerMaxTokens})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", apperr.ErrUpstreamUnavailable, err)
		}
		return fallback("routing error", err), nil
	}

	choice, err := r.parse(resp.Message.Content)
	if err != nil {
		return fallback("could not parse routing decision", err), nil
	}

	for _, a := range candidates {
		if a.ID == choice.AgentID {
			reason := strings.TrimSpace(choice.Reason)
			r.logger.Debug("agent selected", "agent_id", a.ID, "reason", reason)
			return &Selection{Agent: a, Reason: reason}, nil
		}
	}
	return fallback("router selected unknown agent", fmt.Errorf("agent %q", choice.AgentID)), nil
}

type classification struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// parse extracts the JSON object from the model's reply, tolerating code
// fences or chatter around it, and validates it.
func (r *Router) parse(text string) (*classification, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, errors.New("no JSON object in response")
	}
	raw := []byte(text[start : end+1])

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	if err := r.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate classification: %w", err)
	}

	var c classification
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	return &c, nil
}

func buildPrompt(candidates []agents.Agent, message string, history []llm.Message) string {
	var b strings.Builder
	b.WriteString("You are an intelligent router that selects the best agent to handle a user's request.\n\n")
	b.WriteString("Available Agents:\n")
	for _, a := range candidates {
		desc := a.Description
		if desc == "" {
			desc = "No description"
		}
		fmt.Fprintf(&b, "- **%s** (ID: %s): %s\n", a.Name, a.ID, desc)
	}
	fmt.Fprintf(&b, "\nUser's current message: %q\n", message)

	if len(history) > 0 {
		recent := history
		if len(recent) > historyTurns {
			recent = recent[len(recent)-historyTurns:]
		}
		b.WriteString("\nRecent conversation:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(m.Role), truncate(m.Content, historyRuneCap))
		}
	}

	b.WriteString(`
Based on the user's message and conversation context, select the SINGLE most appropriate agent.

Respond in this exact JSON format:
{"agent_id": "<selected_agent_id>", "reason": "<brief explanation of why this agent is best suited>"}

IMPORTANT:
- Only respond with the JSON, no other text
- The agent_id must be one of the IDs listed above
- Keep the reason concise (1-2 sentences)`)
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
