package tts

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/datasciencemonkey/brickchat/internal/apperr"
	"github.com/datasciencemonkey/brickchat/internal/llm"
	"github.com/datasciencemonkey/brickchat/internal/objstore"
	"github.com/datasciencemonkey/brickchat/internal/threads"
)

// fakeProvider returns "<name>:<voice>:<text>|" for each chunk so tests
// can check ordering and attribution.
type fakeProvider struct {
	name string
	fail func(text string) bool

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Synthesize(_ context.Context, text, voice string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail != nil && f.fail(text) {
		return nil, errors.New(f.name + " unavailable")
	}
	return []byte(f.name + ":" + voice + ":" + text + "|"), nil
}

func (f *fakeProvider) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	threads *threads.Store
	objects objstore.Store
	thread  string
	message string
}

func newFixture(t *testing.T, content string) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ts, err := threads.NewStore(db)
	if err != nil {
		t.Fatalf("threads.NewStore: %v", err)
	}
	objs, err := objstore.OpenBolt(filepath.Join(t.TempDir(), "objects.db"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	t.Cleanup(func() { objs.Close() })

	ctx := context.Background()
	tid, err := ts.CreateThread(ctx, "alice", threads.ModeStandard, nil)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	mid, err := ts.AppendMessage(ctx, tid, threads.RoleAssistant, content, "model", nil)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return &fixture{threads: ts, objects: objs, thread: tid, message: mid}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func (f *fixture) pipeline(primary Provider, opts ...Option) *Pipeline {
	opts = append([]Option{WithObjects(f.objects)}, opts...)
	return NewPipeline(f.threads, primary, Config{CacheEnabled: true, DefaultVoice: "Joanna", Concurrency: 2}, quiet(), opts...)
}

func (f *fixture) request(voice string) Request {
	return Request{OwnerID: "alice", ThreadID: f.thread, MessageID: f.message, Voice: voice, CacheEnabled: true}
}

func TestSpeak_MissThenHit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "The forecast says sun. Expect a warm afternoon.")
	primary := &fakeProvider{name: "polly"}
	p := f.pipeline(primary)

	res, err := p.Speak(ctx, f.request("Joanna"))
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if res.Cache != CacheMiss || res.Provider != "polly" || res.ContentType != "audio/mpeg" {
		t.Errorf("first result = %+v", res)
	}
	want := "polly:Joanna:The forecast says sun.|polly:Joanna:Expect a warm afternoon.|"
	if string(res.Audio) != want {
		t.Errorf("audio = %q, want %q", res.Audio, want)
	}

	msg, _ := f.threads.GetMessage(ctx, f.message)
	entry, ok := msg.Metadata[MetaCache].(map[string]any)
	if !ok {
		t.Fatalf("tts_cache missing: %+v", msg.Metadata)
	}
	if entry["voice"] != "Joanna" || entry["provider"] != "polly" ||
		entry["object_path"] != ObjectPath("alice", f.thread, f.message) || entry["cached_at"] == "" {
		t.Errorf("tts_cache = %+v", entry)
	}

	calls := primary.count()
	res, err = p.Speak(ctx, f.request("Joanna"))
	if err != nil {
		t.Fatalf("second Speak: %v", err)
	}
	if res.Cache != CacheHit || string(res.Audio) != want {
		t.Errorf("second result = %+v", res)
	}
	if primary.count() != calls {
		t.Error("cache hit must not call the provider")
	}
}

func TestSpeak_VoiceChangeInvalidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "Short reply here.")
	p := f.pipeline(&fakeProvider{name: "polly"})

	if _, err := p.Speak(ctx, f.request("Joanna")); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	res, err := p.Speak(ctx, f.request("Matthew"))
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if res.Cache != CacheMiss || !strings.Contains(string(res.Audio), ":Matthew:") {
		t.Errorf("result after voice change = %+v", res)
	}

	msg, _ := f.threads.GetMessage(ctx, f.message)
	if v := msg.Metadata[MetaCache].(map[string]any)["voice"]; v != "Matthew" {
		t.Errorf("cached voice = %v, want last voice to win", v)
	}
	if res, _ := p.Speak(ctx, f.request("Matthew")); res.Cache != CacheHit {
		t.Errorf("repeat of new voice = %s, want hit", res.Cache)
	}
}

func TestSpeak_MissingObjectIsMiss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "Hello from the cache test.")
	p := f.pipeline(&fakeProvider{name: "polly"})

	if _, err := p.Speak(ctx, f.request("Joanna")); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if err := f.objects.Delete(ctx, ObjectPath("alice", f.thread, f.message)); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	res, err := p.Speak(ctx, f.request("Joanna"))
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if res.Cache != CacheMiss {
		t.Errorf("cache = %s, want miss", res.Cache)
	}
}

func TestSpeak_CacheDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "Nothing cached here.")
	p := f.pipeline(&fakeProvider{name: "polly"})

	req := f.request("Joanna")
	req.CacheEnabled = false
	res, err := p.Speak(ctx, req)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if res.Cache != CacheDisabled {
		t.Errorf("cache = %s, want disabled", res.Cache)
	}
	msg, _ := f.threads.GetMessage(ctx, f.message)
	if _, ok := msg.Metadata[MetaCache]; ok {
		t.Error("disabled cache must not write metadata")
	}
}

func TestSpeak_SecondaryFallbackPerChunk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "First sentence is fine. Second sentence fails.")
	primary := &fakeProvider{name: "polly", fail: func(s string) bool { return strings.HasPrefix(s, "Second") }}
	secondary := &fakeProvider{name: "deepgram"}
	p := f.pipeline(primary, WithSecondary(secondary))

	res, err := p.Speak(ctx, f.request("Joanna"))
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	want := "polly:Joanna:First sentence is fine.|deepgram:Joanna:Second sentence fails.|"
	if string(res.Audio) != want {
		t.Errorf("audio = %q, want %q", res.Audio, want)
	}
	if res.Provider != "polly+deepgram" {
		t.Errorf("provider = %q", res.Provider)
	}
	if secondary.count() != 1 {
		t.Errorf("secondary calls = %d, want 1", secondary.count())
	}
}

// relayProvider finishes chunks in reverse source order: each chunk
// waits until the chunk after it has been synthesized.
type relayProvider struct {
	order []string
	done  map[string]chan struct{}

	mu       sync.Mutex
	finished []string
}

func newRelayProvider(chunks ...string) *relayProvider {
	r := &relayProvider{order: chunks, done: make(map[string]chan struct{})}
	for _, c := range chunks {
		r.done[c] = make(chan struct{})
	}
	return r
}

func (r *relayProvider) Name() string { return "relay" }

func (r *relayProvider) Synthesize(ctx context.Context, text, _ string) ([]byte, error) {
	for i, c := range r.order {
		if c != text || i == len(r.order)-1 {
			continue
		}
		select {
		case <-r.done[r.order[i+1]]:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	r.finished = append(r.finished, text)
	r.mu.Unlock()
	close(r.done[text])
	return []byte(text + "|"), nil
}

func TestSpeak_OutOfOrderChunksKeepSourceOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chunks := []string{"The first sentence here.", "The second sentence here.", "The third sentence here."}
	f := newFixture(t, strings.Join(chunks, " "))
	relay := newRelayProvider(chunks...)
	p := NewPipeline(f.threads, relay, Config{CacheEnabled: true, DefaultVoice: "Joanna", Concurrency: len(chunks)}, quiet(), WithObjects(f.objects))

	res, err := p.Speak(ctx, f.request(""))
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if want := strings.Join(chunks, "|") + "|"; string(res.Audio) != want {
		t.Errorf("audio = %q, want %q", res.Audio, want)
	}
	if got := strings.Join(relay.finished, " / "); got != chunks[2]+" / "+chunks[1]+" / "+chunks[0] {
		t.Errorf("completion order = %s, want reverse source order", got)
	}
}

// failingObjects rejects every cache write.
type failingObjects struct{ objstore.Store }

func (failingObjects) Put(context.Context, string, []byte, string) error {
	return errors.New("volume is read-only")
}

// failingMetadata rejects cache entry updates.
type failingMetadata struct{ *threads.Store }

func (failingMetadata) MergeMessageMetadata(context.Context, string, map[string]any) error {
	return errors.New("database is locked")
}

func TestSpeak_CacheWriteFailureStillReturnsAudio(t *testing.T) {
	tests := []struct {
		name     string
		messages func(*fixture) MessageStore
		objects  func(*fixture) objstore.Store
	}{
		{
			name:     "object write fails",
			messages: func(f *fixture) MessageStore { return f.threads },
			objects:  func(f *fixture) objstore.Store { return failingObjects{f.objects} },
		},
		{
			name:     "metadata update fails",
			messages: func(f *fixture) MessageStore { return failingMetadata{f.threads} },
			objects:  func(f *fixture) objstore.Store { return f.objects },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, "Audio should survive a broken cache.")
			p := NewPipeline(tt.messages(f), &fakeProvider{name: "polly"},
				Config{CacheEnabled: true, DefaultVoice: "Joanna"}, quiet(), WithObjects(tt.objects(f)))

			res, err := p.Speak(ctx, f.request("Joanna"))
			if err != nil {
				t.Fatalf("Speak: %v", err)
			}
			if res.Cache != CacheMiss {
				t.Errorf("cache = %q, want miss", res.Cache)
			}
			if string(res.Audio) != "polly:Joanna:Audio should survive a broken cache.|" {
				t.Errorf("audio = %q", res.Audio)
			}
			msg, _ := f.threads.GetMessage(ctx, f.message)
			if _, ok := msg.Metadata[MetaCache]; ok {
				t.Error("failed write-through must not leave a cache entry")
			}
		})
	}
}

func TestSpeak_AllProvidersFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "Doomed sentence number one. Doomed sentence number two.")
	always := func(string) bool { return true }
	p := f.pipeline(&fakeProvider{name: "polly", fail: always}, WithSecondary(&fakeProvider{name: "deepgram", fail: always}))

	res, err := p.Speak(ctx, f.request("Joanna"))
	if !errors.Is(err, apperr.ErrSynthesisUnavailable) {
		t.Fatalf("err = %v, want ErrSynthesisUnavailable", err)
	}
	if res != nil {
		t.Error("no partial audio on failure")
	}
	msg, _ := f.threads.GetMessage(ctx, f.message)
	if _, ok := msg.Metadata[MetaCache]; ok {
		t.Error("failed synthesis must not be cached")
	}
}

func TestSpeak_Ownership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "Private message.")
	p := f.pipeline(&fakeProvider{name: "polly"})

	tests := []Request{
		{OwnerID: "mallory", ThreadID: f.thread, MessageID: f.message},
		{OwnerID: "alice", ThreadID: "other-thread", MessageID: f.message},
		{OwnerID: "alice", ThreadID: f.thread, MessageID: "missing"},
	}
	for _, req := range tests {
		if _, err := p.Speak(ctx, req); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("Speak(%+v) = %v, want ErrNotFound", req, err)
		}
	}
}

func TestSpeak_NothingSpeakable(t *testing.T) {
	f := newFixture(t, "<think>only reasoning</think>")
	p := f.pipeline(&fakeProvider{name: "polly"})
	if _, err := p.Speak(context.Background(), f.request("")); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

type normalizerStub struct {
	reply string
	err   error
}

func (n normalizerStub) Chat(context.Context, string, []llm.Message, *llm.Options) (*llm.ChatResponse, error) {
	if n.err != nil {
		return nil, n.err
	}
	return &llm.ChatResponse{Message: llm.Message{Content: n.reply}}, nil
}

func (n normalizerStub) ChatStream(ctx context.Context, m string, msgs []llm.Message, o *llm.Options, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	return n.Chat(ctx, m, msgs, o)
}

func (normalizerStub) Ping(context.Context) error { return nil }

func TestSpeak_Normalization(t *testing.T) {
	tests := []struct {
		name string
		stub normalizerStub
		want string
	}{
		{"rewritten", normalizerStub{reply: "Sunny and warm today."}, "polly:Joanna:Sunny and warm today.|"},
		{"failure keeps cleaned", normalizerStub{err: errors.New("down")}, "polly:Joanna:It is sunny.|"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "It is **sunny**.")
			p := NewPipeline(f.threads, &fakeProvider{name: "polly"},
				Config{DefaultVoice: "Joanna", NormalizeModel: "gemma"}, quiet(), WithNormalizer(tt.stub))
			res, err := p.Speak(context.Background(), f.request(""))
			if err != nil {
				t.Fatalf("Speak: %v", err)
			}
			if got := string(res.Audio); got != tt.want {
				t.Errorf("audio = %q, want %q", got, tt.want)
			}
		})
	}
}
