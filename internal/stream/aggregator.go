// Package stream relays an upstream model response to a single consumer
// as an ordered sequence of events and persists the completed answer.
//
// Every run ends with exactly one terminal event (done or error) and the
// channel is closed right after it. The assistant message is written only
// once the upstream has finished successfully with non-empty text, so a
// failed or abandoned turn leaves no partial answer in the transcript.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/datasciencemonkey/brickchat/internal/apperr"
)

// EventType distinguishes stream events.
type EventType string

const (
	EventMetadata EventType = "metadata"
	EventRouting  EventType = "routing"
	EventContent  EventType = "content"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Terminal reports whether no event may follow one of this type.
func (t EventType) Terminal() bool { return t == EventDone || t == EventError }

// Routing describes the agent chosen for an autonomous turn.
type Routing struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Endpoint  string `json:"endpoint"`
	Reason    string `json:"reason"`
	Fallback  bool   `json:"fallback"`
}

// Event is one item delivered to the consumer.
type Event struct {
	Type EventType `json:"type"`

	ThreadID      string `json:"thread_id,omitempty"`
	UserMessageID string `json:"user_message_id,omitempty"`
	Endpoint      string `json:"endpoint,omitempty"`

	Routing *Routing `json:"routing,omitempty"`

	Content string `json:"content,omitempty"`

	AssistantMessageID string `json:"assistant_message_id,omitempty"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Source produces the upstream response, passing each fragment to emit.
// Batch upstreams call emit once with the whole answer.
type Source func(ctx context.Context, emit func(fragment string)) error

// Persister stores the completed answer and returns its message id.
type Persister func(ctx context.Context, content string) (string, error)

// Turn is one assistant response to relay.
type Turn struct {
	ThreadID      string
	UserMessageID string
	Endpoint      string
	Routing       *Routing

	Source  Source
	Persist Persister

	// Normalize, when set, is applied to the full text before it is
	// persisted.
	Normalize func(string) string

	// Finish, when set, is called once with the turn's outcome before
	// the event channel is closed. A nil error means done was sent.
	Finish func(err error)
}

// Config tunes an Aggregator.
type Config struct {
	// DrainTimeout bounds how long an upstream keeps running after the
	// consumer went away.
	DrainTimeout time.Duration
	// Buffer is the event channel capacity.
	Buffer int
}

// Aggregator runs turns.
type Aggregator struct {
	config Config
	logger *slog.Logger
}

// New creates an Aggregator.
func New(config Config, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 60 * time.Second
	}
	if config.Buffer <= 0 {
		config.Buffer = 64
	}
	return &Aggregator{config: config, logger: logger}
}

// errEmptyResponse is reported when the upstream finished without text.
var errEmptyResponse = errors.New("empty response from upstream")

// Run starts relaying turn and returns the event channel. ctx is the
// consumer's context: once it is done no further events are delivered,
// the upstream is allowed to finish within the drain timeout, and its
// output is discarded.
func (a *Aggregator) Run(ctx context.Context, turn Turn) <-chan Event {
	out := make(chan Event, a.config.Buffer)
	go a.run(ctx, turn, out)
	return out
}

func (a *Aggregator) run(ctx context.Context, turn Turn, out chan<- Event) {
	defer close(out)

	var outcome error
	if turn.Finish != nil {
		defer func() { turn.Finish(outcome) }()
	}

	log := a.logger.With("thread_id", turn.ThreadID)

	send := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// The upstream runs detached from the consumer so a disconnect does
	// not abort it mid-write; the drain timer bounds how long it lingers.
	srcCtx, cancelSrc := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSrc()
	stopDrain := context.AfterFunc(ctx, func() {
		time.AfterFunc(a.config.DrainTimeout, cancelSrc)
	})
	defer stopDrain()

	start := time.Now()

	send(Event{
		Type:          EventMetadata,
		ThreadID:      turn.ThreadID,
		UserMessageID: turn.UserMessageID,
		Endpoint:      turn.Endpoint,
	})
	if turn.Routing != nil {
		send(Event{Type: EventRouting, Routing: turn.Routing})
	}

	var text strings.Builder
	fragments := 0
	err := turn.Source(srcCtx, func(frag string) {
		if frag == "" {
			return
		}
		text.WriteString(frag)
		fragments++
		if ctx.Err() == nil {
			send(Event{Type: EventContent, Content: frag})
		}
	})

	if ctx.Err() != nil {
		outcome = context.Cause(ctx)
		log.Info("consumer went away; discarding response",
			"fragments", fragments, "upstream_error", err, "elapsed", time.Since(start))
		return
	}

	if err != nil {
		log.Warn("upstream failed", "error", err, "fragments", fragments, "endpoint", turn.Endpoint)
		outcome = err
		send(errorEvent(fmt.Errorf("%w: %w", apperr.ErrUpstreamUnavailable, err), "upstream request failed"))
		return
	}

	content := text.String()
	if turn.Normalize != nil {
		content = turn.Normalize(content)
	}
	if strings.TrimSpace(content) == "" {
		log.Warn("upstream returned no content", "endpoint", turn.Endpoint)
		outcome = errEmptyResponse
		send(errorEvent(fmt.Errorf("%w: %w", apperr.ErrUpstreamUnavailable, errEmptyResponse), errEmptyResponse.Error()))
		return
	}

	id, err := turn.Persist(srcCtx, content)
	if err != nil {
		log.Error("persist assistant message failed", "error", err)
		outcome = err
		send(errorEvent(err, "failed to save response"))
		return
	}

	log.Debug("turn complete",
		"assistant_message_id", id,
		"fragments", fragments,
		"chars", len(content),
		"elapsed", time.Since(start),
	)
	send(Event{Type: EventDone, ThreadID: turn.ThreadID, AssistantMessageID: id})
}

func errorEvent(err error, msg string) Event {
	return Event{Type: EventError, Error: msg, Code: apperr.Kind(err)}
}
