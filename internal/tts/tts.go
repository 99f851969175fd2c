// Package tts turns persisted assistant messages into speech.
//
// Synthesized audio is cached per message in the object store and
// recorded under the message's "tts_cache" metadata. A cached entry is
// only served for the voice it was produced with; requesting another
// voice synthesizes afresh and replaces the entry.
package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datasciencemonkey/brickchat/internal/apperr"
	"github.com/datasciencemonkey/brickchat/internal/llm"
	"github.com/datasciencemonkey/brickchat/internal/objstore"
	"github.com/datasciencemonkey/brickchat/internal/threads"
)

// MetaCache is the message metadata key holding the cache entry.
const MetaCache = "tts_cache"

// ContentType of every synthesized result.
const ContentType = "audio/mpeg"

// Cache outcomes reported in Result.Cache.
const (
	CacheHit      = "hit"
	CacheMiss     = "miss"
	CacheDisabled = "disabled"
)

// Provider synthesizes one chunk of text.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// MessageStore is the subset of the thread store the pipeline needs.
type MessageStore interface {
	GetMessage(ctx context.Context, messageID string) (*threads.Message, error)
	MergeMessageMetadata(ctx context.Context, messageID string, partial map[string]any) error
}

// Request asks for speech for one persisted message.
type Request struct {
	OwnerID   string
	ThreadID  string
	MessageID string
	Voice     string
	// CacheEnabled is false when the caller lacks the credential needed
	// to read or write the cache volume.
	CacheEnabled bool
}

// Result is synthesized or cached audio.
type Result struct {
	Audio       []byte
	ContentType string
	Provider    string
	Cache       string
}

// Config tunes a Pipeline.
type Config struct {
	CacheEnabled bool
	DefaultVoice string
	Concurrency  int

	// NormalizeModel, when set together with a normalizer client, runs
	// cleaned text through a model that rewrites it for listening.
	NormalizeModel string
}

// Pipeline serves speech requests.
type Pipeline struct {
	messages   MessageStore
	objects    objstore.Store
	primary    Provider
	secondary  Provider
	normalizer llm.Client
	config     Config
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures optional Pipeline collaborators.
type Option func(*Pipeline)

// WithSecondary sets the provider retried for chunks the primary failed.
func WithSecondary(p Provider) Option { return func(pl *Pipeline) { pl.secondary = p } }

// WithObjects sets the cache object store. Without one caching is off.
func WithObjects(s objstore.Store) Option { return func(pl *Pipeline) { pl.objects = s } }

// WithNormalizer sets the model client used for text normalization.
func WithNormalizer(c llm.Client) Option { return func(pl *Pipeline) { pl.normalizer = c } }

// NewPipeline creates a pipeline with primary as the first-choice provider.
func NewPipeline(messages MessageStore, primary Provider, config Config, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	p := &Pipeline{
		messages: messages,
		primary:  primary,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ObjectPath returns the cache key for a message's audio.
func ObjectPath(owner, threadID, messageID string) string {
	return "tts/" + owner + "/" + threadID + "/" + messageID + ".mp3"
}

// Speak returns audio for req, serving it from cache when possible.
func (p *Pipeline) Speak(ctx context.Context, req Request) (*Result, error) {
	voice := strings.TrimSpace(req.Voice)
	if voice == "" {
		voice = p.config.DefaultVoice
	}

	msg, err := p.messages.GetMessage(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.OwnerID != req.OwnerID || (req.ThreadID != "" && msg.ThreadID != req.ThreadID) {
		return nil, fmt.Errorf("message %s: %w", req.MessageID, apperr.ErrNotFound)
	}

	log := p.logger.With("message_id", msg.ID, "voice", voice)
	cacheOn := p.config.CacheEnabled && req.CacheEnabled && p.objects != nil

	if cacheOn {
		if res := p.lookup(ctx, log, msg, voice); res != nil {
			return res, nil
		}
	}

	text := Clean(msg.Content)
	text = p.normalize(ctx, log, text)
	if text == "" {
		return nil, fmt.Errorf("message %s has no speakable text: %w", msg.ID, apperr.ErrInvalidArgument)
	}

	audio, provider, err := p.synthesize(ctx, log, text, voice)
	if err != nil {
		return nil, err
	}

	res := &Result{Audio: audio, ContentType: ContentType, Provider: provider, Cache: CacheDisabled}
	if cacheOn {
		res.Cache = CacheMiss
		p.store(ctx, log, msg, voice, provider, audio)
	}
	return res, nil
}

// lookup returns the cached audio for voice, or nil on any miss.
func (p *Pipeline) lookup(ctx context.Context, log *slog.Logger, msg *threads.Message, voice string) *Result {
	entry, ok := msg.Metadata[MetaCache].(map[string]any)
	if !ok {
		return nil
	}
	if v, _ := entry["voice"].(string); v != voice {
		log.Debug("tts cache voice mismatch", "cached_voice", entry["voice"])
		return nil
	}
	path, _ := entry["object_path"].(string)
	if path == "" {
		return nil
	}
	audio, err := p.objects.Get(ctx, path)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			log.Info("tts cache entry points at missing object", "object_path", path)
		} else {
			log.Warn("tts cache read failed", "object_path", path, "error", err)
		}
		return nil
	}
	provider, _ := entry["provider"].(string)
	log.Debug("tts cache hit", "object_path", path, "bytes", len(audio))
	return &Result{Audio: audio, ContentType: ContentType, Provider: provider, Cache: CacheHit}
}

// store writes audio through to the cache. Failures are logged only.
func (p *Pipeline) store(ctx context.Context, log *slog.Logger, msg *threads.Message, voice, provider string, audio []byte) {
	path := ObjectPath(msg.OwnerID, msg.ThreadID, msg.ID)
	if err := p.objects.Put(ctx, path, audio, ContentType); err != nil {
		log.Warn("tts cache write failed", "object_path", path, "error", err)
		return
	}
	err := p.messages.MergeMessageMetadata(ctx, msg.ID, map[string]any{
		MetaCache: map[string]any{
			"voice":       voice,
			"provider":    provider,
			"object_path": path,
			"cached_at":   p.now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		log.Warn("tts cache metadata update failed", "error", err)
		return
	}
	log.Debug("tts cached", "object_path", path, "bytes", len(audio))
}

const normalizePrompt = `Act like a human who is editing this text to be optimized for listening by other humans.
Clean up and remove all footnotes, references, HTML tags, markdown formatting, and any reasoning/thinking process text.
Focus only on the actual informational content that should be spoken aloud.
Don't change the core subject or meaning, just make it natural for text-to-speech.
Return only the cleaned text without any explanation.

Text to clean:
`

// normalize optionally rewrites text with the normalizer model. Any
// failure keeps the cleaned text.
func (p *Pipeline) normalize(ctx context.Context, log *slog.Logger, text string) string {
	if text == "" || p.normalizer == nil || p.config.NormalizeModel == "" {
		return text
	}
	resp, err := p.normalizer.Chat(ctx, p.config.NormalizeModel,
		[]llm.Message{{Role: "user", Content: normalizePrompt + text}},
		&llm.Options{Temperature: llm.Temperature(0.3), MaxTokens: 2000})
	if err != nil {
		log.Warn("tts normalization failed; using cleaned text", "error", err)
		return text
	}
	out := collapse(thinkBlock.ReplaceAllString(resp.Message.Content, ""))
	if out == "" {
		return text
	}
	log.Debug("tts text normalized", "from_chars", len(text), "to_chars", len(out))
	return out
}

// synthesize renders every chunk, bounded by the configured concurrency,
// and concatenates the audio in source order. A chunk the primary fails
// is retried once on the secondary; if both fail the whole request fails.
func (p *Pipeline) synthesize(ctx context.Context, log *slog.Logger, text, voice string) ([]byte, string, error) {
	chunks := Chunk(text)
	audio := make([][]byte, len(chunks))
	used := make([]string, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			a, name, err := p.synthesizeChunk(gctx, log, chunk, voice)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			audio[i] = a
			used[i] = name
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("speech synthesis failed", "chunks", len(chunks), "error", err)
		return nil, "", fmt.Errorf("%w: %w", apperr.ErrSynthesisUnavailable, err)
	}

	log.Info("speech synthesized", "chunks", len(chunks), "chars", len(text))
	return bytes.Join(audio, nil), providerLabel(used), nil
}

func (p *Pipeline) synthesizeChunk(ctx context.Context, log *slog.Logger, chunk, voice string) ([]byte, string, error) {
	a, err := p.primary.Synthesize(ctx, chunk, voice)
	if err == nil {
		return a, p.primary.Name(), nil
	}
	if p.secondary == nil || ctx.Err() != nil {
		return nil, "", err
	}
	log.Warn("primary speech provider failed; trying secondary",
		"primary", p.primary.Name(), "secondary", p.secondary.Name(), "error", err)

	a, err2 := p.secondary.Synthesize(ctx, chunk, voice)
	if err2 != nil {
		return nil, "", errors.Join(err, err2)
	}
	return a, p.secondary.Name(), nil
}

// providerLabel names the providers that produced the audio, in order of
// first use.
func providerLabel(used []string) string {
	var names []string
	seen := map[string]bool{}
	for _, n := range used {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	return strings.Join(names, "+")
}
