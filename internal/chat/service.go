// Package chat runs conversation turns: it resolves the thread, asks the
// routing engine which upstream path serves the turn, records the user
// message, and relays the upstream answer through the stream aggregator.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/datasciencemonkey/brickchat/internal/agents"
	"github.com/datasciencemonkey/brickchat/internal/apperr"
	"github.com/datasciencemonkey/brickchat/internal/documents"
	"github.com/datasciencemonkey/brickchat/internal/llm"
	"github.com/datasciencemonkey/brickchat/internal/orchestrator"
	"github.com/datasciencemonkey/brickchat/internal/routing"
	"github.com/datasciencemonkey/brickchat/internal/stream"
	"github.com/datasciencemonkey/brickchat/internal/threads"
)

// Message metadata keys written on chat turns.
const (
	MetaAutonomous      = "autonomous_mode"
	MetaRoutingReason   = "routing_reason"
	MetaSelectedAgentID = "selected_agent_id"
	MetaRoutingFallback = "routing_fallback"
	MetaDocuments       = "document_count"

	// MetaPinnedAgent on an autonomous thread bypasses classification
	// while the named agent stays enabled.
	MetaPinnedAgent = "pinned_agent"
)

// ThreadStore is the subset of the persistence gateway a turn needs.
type ThreadStore interface {
	CreateThread(ctx context.Context, owner string, mode threads.Mode, metadata map[string]any) (string, error)
	GetThread(ctx context.Context, threadID string) (*threads.Thread, error)
	AppendMessage(ctx context.Context, threadID string, role threads.Role, content, endpoint string, metadata map[string]any) (string, error)
	GetMessages(ctx context.Context, threadID string, limit, offset int) ([]threads.Message, error)
}

// AgentLister returns the agents offered to the autonomous router.
type AgentLister interface {
	ListEnabled(ctx context.Context) ([]agents.Agent, error)
}

// Selector picks the agent for an autonomous turn.
type Selector interface {
	Select(ctx context.Context, candidates []agents.Agent, message string, history []llm.Message) (*orchestrator.Selection, error)
}

// DocumentFetcher loads a thread's documents for a model call.
type DocumentFetcher interface {
	Fetch(ctx context.Context, owner, threadID string) (*documents.Bundle, error)
}

// Config names the models per path and bounds upstream calls.
type Config struct {
	DefaultModel  string
	DocumentModel string

	// UpstreamTimeout bounds one upstream call. Zero means no bound
	// beyond the aggregator's drain timeout.
	UpstreamTimeout time.Duration

	// HistoryLimit caps how many stored messages are replayed when the
	// client sends no history of its own.
	HistoryLimit int
}

// Deps are the collaborators of a Service.
type Deps struct {
	Threads    ThreadStore
	Router     *routing.Engine
	Agents     AgentLister
	Selector   Selector
	Documents  DocumentFetcher
	Models     llm.Client
	Invoker    stream.Invoker
	Aggregator *stream.Aggregator
}

// Service runs chat turns.
type Service struct {
	deps   Deps
	config Config
	logger *slog.Logger

	// bundles holds each owner's most recently loaded document thread,
	// keyed by owner. A cached bundle is reused only while the routing
	// engine reports no reload.
	mu      sync.Mutex
	bundles map[string]*cachedBundle
}

// maxCachedOwners bounds how many owners keep documents in memory.
const maxCachedOwners = 64

type cachedBundle struct {
	threadID string
	bundle   *documents.Bundle
	used     time.Time
}

// NewService creates a chat service.
func NewService(deps Deps, config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if config.DocumentModel == "" {
		config.DocumentModel = config.DefaultModel
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 20
	}
	return &Service{
		deps:    deps,
		config:  config,
		logger:  logger.With("component", "chat"),
		bundles: make(map[string]*cachedBundle),
	}
}

// SendRequest is one user turn.
type SendRequest struct {
	ThreadID string        `json:"thread_id,omitempty"`
	Message  string        `json:"message"`
	Mode     string        `json:"mode,omitempty"`
	History  []llm.Message `json:"conversation_history,omitempty"`
}

// Send starts a turn for owner and returns its event stream. Errors
// returned here happen before anything is streamed; later faults arrive
// as a terminal error event.
func (s *Service) Send(ctx context.Context, owner string, req SendRequest) (<-chan stream.Event, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, fmt.Errorf("message is empty: %w", apperr.ErrInvalidArgument)
	}
	mode, err := threads.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}

	thread, candidates, err := s.resolveThread(ctx, owner, req.ThreadID, mode, req.Mode != "")
	if err != nil {
		return nil, err
	}
	log := s.logger.With("thread_id", thread.ID, "owner", owner)

	decision, err := s.deps.Router.Route(ctx, thread)
	if err != nil {
		return nil, fmt.Errorf("route turn: %w", err)
	}

	history := req.History
	if history == nil && req.ThreadID != "" {
		history, err = s.storedHistory(ctx, thread.ID)
		if err != nil {
			return nil, err
		}
	}

	turn := stream.Turn{
		ThreadID:  thread.ID,
		Normalize: threads.NormalizeText,
	}
	userMeta := map[string]any{}
	assistantMeta := map[string]any{}
	outgoing := llm.Message{Role: string(threads.RoleUser), Content: text}
	messages := append(append([]llm.Message{}, history...), outgoing)

	switch decision.Path {
	case routing.PathAutonomous:
		if candidates == nil {
			if candidates, err = s.enabledAgents(ctx); err != nil {
				return nil, err
			}
		}
		sel, err := s.selectAgent(ctx, thread, candidates, text, history)
		if err != nil {
			return nil, err
		}
		for _, m := range []map[string]any{userMeta, assistantMeta} {
			m[MetaAutonomous] = true
			m[MetaRoutingReason] = sel.Reason
			m[MetaSelectedAgentID] = sel.Agent.ID
			if sel.Fallback {
				m[MetaRoutingFallback] = true
			}
		}
		turn.Endpoint = sel.Agent.Endpoint
		turn.Routing = &stream.Routing{
			AgentID:   sel.Agent.ID,
			AgentName: sel.Agent.Name,
			Endpoint:  sel.Agent.Endpoint,
			Reason:    sel.Reason,
			Fallback:  sel.Fallback,
		}
		turn.Source = stream.EndpointSource(s.deps.Invoker, sel.Agent.Endpoint, messages)

	case routing.PathDocument:
		bundle, err := s.documentBundle(ctx, owner, thread.ID, decision.Reload)
		if err != nil {
			return nil, err
		}
		last := &messages[len(messages)-1]
		bundle.Apply(last)
		assistantMeta[MetaDocuments] = len(bundle.Attachments) + len(bundle.Texts)
		turn.Endpoint = s.config.DocumentModel
		turn.Source = stream.ModelSource(s.deps.Models, s.config.DocumentModel, messages, nil)

	default:
		turn.Endpoint = s.config.DefaultModel
		turn.Source = stream.ModelSource(s.deps.Models, s.config.DefaultModel, messages, nil)
	}

	userID, err := s.deps.Threads.AppendMessage(ctx, thread.ID, threads.RoleUser, text, "", nilIfEmpty(userMeta))
	if err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}
	turn.UserMessageID = userID
	turn.Source = s.bounded(turn.Source)

	endpoint := turn.Endpoint
	turn.Persist = func(ctx context.Context, content string) (string, error) {
		return s.deps.Threads.AppendMessage(ctx, thread.ID, threads.RoleAssistant, content, endpoint, nilIfEmpty(assistantMeta))
	}

	start := time.Now()
	turn.Finish = func(err error) {
		s.deps.Router.RecordOutcome(decision.RequestID, time.Since(start), err == nil)
		if err != nil {
			log.Debug("turn finished without answer", "path", decision.Path, "error", err)
		}
	}

	log.Debug("turn started", "path", decision.Path, "endpoint", turn.Endpoint, "history", len(history))
	return s.deps.Aggregator.Run(ctx, turn), nil
}

// resolveThread loads or creates the turn's thread. For a new autonomous
// thread the enabled agents are listed first so that a turn with no
// agents fails before a thread exists; they are returned for reuse.
func (s *Service) resolveThread(ctx context.Context, owner, threadID string, mode threads.Mode, modeGiven bool) (*threads.Thread, []agents.Agent, error) {
	if threadID != "" {
		t, err := s.deps.Threads.GetThread(ctx, threadID)
		if err != nil {
			return nil, nil, err
		}
		if t.OwnerID != owner {
			return nil, nil, fmt.Errorf("thread %s: %w", threadID, apperr.ErrNotFound)
		}
		if modeGiven && t.Mode != mode {
			return nil, nil, fmt.Errorf("thread %s is %s, not %s: %w", threadID, t.Mode, mode, apperr.ErrInvalidArgument)
		}
		return t, nil, nil
	}

	var candidates []agents.Agent
	if mode == threads.ModeAutonomous {
		var err error
		if candidates, err = s.enabledAgents(ctx); err != nil {
			return nil, nil, err
		}
	}

	id, err := s.deps.Threads.CreateThread(ctx, owner, mode, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create thread: %w", err)
	}
	s.logger.Info("thread created", "thread_id", id, "owner", owner, "mode", mode)
	t, err := s.deps.Threads.GetThread(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return t, candidates, nil
}

func (s *Service) enabledAgents(ctx context.Context) ([]agents.Agent, error) {
	list, err := s.deps.Agents.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("autonomous turn: %w", apperr.ErrNoAgentsAvailable)
	}
	return list, nil
}

func (s *Service) selectAgent(ctx context.Context, thread *threads.Thread, candidates []agents.Agent, text string, history []llm.Message) (*orchestrator.Selection, error) {
	if pinned, _ := thread.Metadata[MetaPinnedAgent].(string); pinned != "" {
		for _, a := range candidates {
			if a.ID == pinned {
				return &orchestrator.Selection{Agent: a, Reason: "pinned by thread"}, nil
			}
		}
		s.logger.Warn("pinned agent not enabled; classifying", "thread_id", thread.ID, "agent_id", pinned)
	}
	return s.deps.Selector.Select(ctx, candidates, text, history)
}

// storedHistory replays the tail of the transcript as model messages.
func (s *Service) storedHistory(ctx context.Context, threadID string) ([]llm.Message, error) {
	msgs, err := s.deps.Threads.GetMessages(ctx, threadID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if n := len(msgs) - s.config.HistoryLimit; n > 0 {
		msgs = msgs[n:]
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == threads.RoleSystem {
			continue
		}
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out, nil
}

// documentBundle returns the thread's documents, reading the volume
// again when reload is set or the owner's cached bundle belongs to
// another thread.
func (s *Service) documentBundle(ctx context.Context, owner, threadID string, reload bool) (*documents.Bundle, error) {
	if !reload {
		s.mu.Lock()
		c, ok := s.bundles[owner]
		if ok && c.threadID == threadID {
			c.used = time.Now()
			s.mu.Unlock()
			return c.bundle, nil
		}
		s.mu.Unlock()
	}

	b, err := s.deps.Documents.Fetch(ctx, owner, threadID)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	s.mu.Lock()
	s.bundles[owner] = &cachedBundle{threadID: threadID, bundle: b, used: time.Now()}
	s.evictLocked()
	s.mu.Unlock()
	s.logger.Debug("documents loaded", "thread_id", threadID, "attachments", len(b.Attachments), "texts", len(b.Texts))
	return b, nil
}

// evictLocked drops the least recently used owners above the bound.
func (s *Service) evictLocked() {
	for len(s.bundles) > maxCachedOwners {
		var oldest string
		var at time.Time
		for owner, c := range s.bundles {
			if oldest == "" || c.used.Before(at) {
				oldest, at = owner, c.used
			}
		}
		delete(s.bundles, oldest)
	}
}

// cachedDocuments reports how many owners hold a cached bundle.
func (s *Service) cachedDocuments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bundles)
}

// ForgetDocuments drops the cached documents of a thread. Call it after
// the thread's document set changes.
func (s *Service) ForgetDocuments(owner, threadID string) {
	s.mu.Lock()
	if c, ok := s.bundles[owner]; ok && c.threadID == threadID {
		delete(s.bundles, owner)
	}
	s.mu.Unlock()
}

func (s *Service) bounded(src stream.Source) stream.Source {
	if s.config.UpstreamTimeout <= 0 {
		return src
	}
	return func(ctx context.Context, emit func(string)) error {
		ctx, cancel := context.WithTimeout(ctx, s.config.UpstreamTimeout)
		defer cancel()
		err := src(ctx, emit)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("upstream timed out after %s: %w", s.config.UpstreamTimeout, err)
		}
		return err
	}
}

func nilIfEmpty(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}
