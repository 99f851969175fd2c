package threads

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/datasciencemonkey/brickchat/internal/apperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

// frozenClock makes every call to now return the same instant so tests
// exercise the tie-breaking in stamp.
func frozenClock(s *Store) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
}

func TestCreateThread_InvalidInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateThread(ctx, "", ModeStandard, nil); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("empty owner: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := s.CreateThread(ctx, "alice", Mode("turbo"), nil); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("bad mode: err = %v, want ErrInvalidArgument", err)
	}
}

func TestAppendMessage_TranscriptOrder(t *testing.T) {
	s := newTestStore(t)
	frozenClock(s)
	ctx := context.Background()

	tid, err := s.CreateThread(ctx, "alice", ModeStandard, nil)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	turns := []struct {
		role    Role
		content string
	}{
		{RoleUser, "hello"},
		{RoleAssistant, "hi there"},
		{RoleUser, "what is a lakehouse?"},
		{RoleAssistant, "a data architecture"},
	}
	for _, turn := range turns {
		if _, err := s.AppendMessage(ctx, tid, turn.role, turn.content, "endpoint-a", nil); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	msgs, err := s.GetMessages(ctx, tid, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != len(turns) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(turns))
	}
	for i, m := range msgs {
		if m.Role != turns[i].role || m.Content != turns[i].content {
			t.Errorf("msgs[%d] = %s/%q, want %s/%q", i, m.Role, m.Content, turns[i].role, turns[i].content)
		}
		if m.OwnerID != "alice" {
			t.Errorf("msgs[%d].OwnerID = %q, want alice", i, m.OwnerID)
		}
		if i > 0 && !m.CreatedAt.After(msgs[i-1].CreatedAt) {
			t.Errorf("msgs[%d].CreatedAt %v not after %v", i, m.CreatedAt, msgs[i-1].CreatedAt)
		}
	}

	page, err := s.GetMessages(ctx, tid, 2, 1)
	if err != nil {
		t.Fatalf("GetMessages page: %v", err)
	}
	if len(page) != 2 || page[0].Content != "hi there" || page[1].Content != "what is a lakehouse?" {
		t.Errorf("page = %+v, want messages 2 and 3", page)
	}
}

func TestAppendMessage_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendMessage(ctx, "missing", RoleUser, "x", "", nil); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing thread: err = %v, want ErrNotFound", err)
	}

	tid, _ := s.CreateThread(ctx, "alice", ModeStandard, nil)
	if _, err := s.AppendMessage(ctx, tid, Role("tool"), "x", "", nil); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("bad role: err = %v, want ErrInvalidArgument", err)
	}

	if _, err := s.GetMessages(ctx, "missing", 0, 0); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetMessages missing: err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetMessage(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetMessage missing: err = %v, want ErrNotFound", err)
	}
}

func TestAppendMessage_NormalizesContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tid, _ := s.CreateThread(ctx, "alice", ModeStandard, nil)
	mid, err := s.AppendMessage(ctx, tid, RoleAssistant, "● ﬁnal ﬂow", "", nil)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	m, err := s.GetMessage(ctx, mid)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if m.Content != "• final flow" {
		t.Errorf("Content = %q, want %q", m.Content, "• final flow")
	}
}

func TestListThreads_MostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	frozenClock(s)
	ctx := context.Background()

	first, _ := s.CreateThread(ctx, "alice", ModeStandard, nil)
	second, _ := s.CreateThread(ctx, "alice", ModeDocument, nil)
	if _, err := s.CreateThread(ctx, "bob", ModeStandard, nil); err != nil {
		t.Fatal(err)
	}

	// Appending to the older thread makes it the most recent.
	if _, err := s.AppendMessage(ctx, first, RoleUser, "bump", "", nil); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListThreads(ctx, "alice")
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d threads, want 2", len(list))
	}
	if list[0].ID != first || list[1].ID != second {
		t.Errorf("order = [%s %s], want [%s %s]", list[0].ID, list[1].ID, first, second)
	}
	if list[0].MessageCount != 1 || list[0].LastMessage != "bump" || list[0].FirstUserMessage != "bump" {
		t.Errorf("summary = %+v", list[0])
	}
	if list[1].Mode != ModeDocument {
		t.Errorf("Mode = %q, want document", list[1].Mode)
	}

	recent, ok, err := s.MostRecentThread(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("MostRecentThread: %v ok=%v", err, ok)
	}
	if recent != first {
		t.Errorf("MostRecentThread = %s, want %s", recent, first)
	}

	if _, ok, _ := s.MostRecentThread(ctx, "carol"); ok {
		t.Error("MostRecentThread for user without threads should report ok=false")
	}
}

func TestListThreads_PreviewTruncated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tid, _ := s.CreateThread(ctx, "alice", ModeStandard, nil)
	long := strings.Repeat("x", 150)
	s.AppendMessage(ctx, tid, RoleUser, long, "", nil)

	list, _ := s.ListThreads(ctx, "alice")
	if got := list[0].LastMessage; got != strings.Repeat("x", 100)+"..." {
		t.Errorf("LastMessage length = %d, want truncated preview", len(got))
	}
}

func TestUpdatedAt_NeverDecreases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tid, _ := s.CreateThread(ctx, "alice", ModeStandard, nil)
	before, _ := s.GetThread(ctx, tid)

	// A clock that jumps backwards must not move updated_at backwards.
	s.now = func() time.Time { return before.UpdatedAt.Add(-time.Hour) }
	if _, err := s.AppendMessage(ctx, tid, RoleUser, "late", "", nil); err != nil {
		t.Fatal(err)
	}

	after, _ := s.GetThread(ctx, tid)
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Errorf("updated_at %v not after %v", after.UpdatedAt, before.UpdatedAt)
	}
}

func TestUpsertFeedback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tid, _ := s.CreateThread(ctx, "alice", ModeStandard, nil)
	mid, _ := s.AppendMessage(ctx, tid, RoleAssistant, "answer", "", nil)

	feedbackOf := func() string {
		t.Helper()
		msgs, err := s.GetMessages(ctx, tid, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		return msgs[0].Feedback
	}

	if err := s.UpsertFeedback(ctx, "alice", mid, tid, FeedbackLike); err != nil {
		t.Fatalf("like: %v", err)
	}
	if got := feedbackOf(); got != FeedbackLike {
		t.Errorf("feedback = %q, want like", got)
	}

	if err := s.UpsertFeedback(ctx, "alice", mid, tid, FeedbackDislike); err != nil {
		t.Fatalf("dislike: %v", err)
	}
	if got := feedbackOf(); got != FeedbackDislike {
		t.Errorf("feedback = %q, want dislike", got)
	}

	stats, err := s.FeedbackStats(ctx, tid)
	if err != nil {
		t.Fatalf("FeedbackStats: %v", err)
	}
	if len(stats) != 1 || stats[0].Dislikes != 1 || stats[0].Likes != 0 || stats[0].Total != 1 {
		t.Errorf("stats = %+v, want a single dislike", stats)
	}

	if err := s.UpsertFeedback(ctx, "alice", mid, tid, FeedbackNone); err != nil {
		t.Fatalf("none: %v", err)
	}
	if got := feedbackOf(); got != "" {
		t.Errorf("feedback = %q, want cleared", got)
	}

	if err := s.UpsertFeedback(ctx, "alice", mid, tid, "meh"); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("invalid type: err = %v, want ErrInvalidArgument", err)
	}
	if err := s.UpsertFeedback(ctx, "alice", "missing", tid, FeedbackLike); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing message: err = %v, want ErrNotFound", err)
	}
}

func TestMergeMessageMetadata_Shallow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tid, _ := s.CreateThread(ctx, "alice", ModeAutonomous, nil)
	mid, _ := s.AppendMessage(ctx, tid, RoleAssistant, "answer", "agent-x", map[string]any{
		"routing_reason":    "best fit",
		"selected_agent_id": "agent_1",
	})

	err := s.MergeMessageMetadata(ctx, mid, map[string]any{
		"tts_cache": map[string]any{"voice": "Joanna", "provider": "polly"},
	})
	if err != nil {
		t.Fatalf("MergeMessageMetadata: %v", err)
	}

	m, _ := s.GetMessage(ctx, mid)
	if m.Metadata["routing_reason"] != "best fit" {
		t.Errorf("routing_reason lost: %+v", m.Metadata)
	}
	cache, ok := m.Metadata["tts_cache"].(map[string]any)
	if !ok || cache["voice"] != "Joanna" {
		t.Errorf("tts_cache = %+v", m.Metadata["tts_cache"])
	}
	if m.Content != "answer" {
		t.Errorf("content changed to %q", m.Content)
	}

	if err := s.MergeMessageMetadata(ctx, "missing", map[string]any{"a": 1}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing message: err = %v, want ErrNotFound", err)
	}
}

func TestMergeThreadMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tid, _ := s.CreateThread(ctx, "alice", ModeDocument, map[string]any{"source": "upload"})
	if err := s.MergeThreadMetadata(ctx, tid, map[string]any{"has_documents": true}); err != nil {
		t.Fatalf("MergeThreadMetadata: %v", err)
	}

	th, _ := s.GetThread(ctx, tid)
	if th.Metadata["source"] != "upload" || th.Metadata["has_documents"] != true {
		t.Errorf("metadata = %+v", th.Metadata)
	}
}

func TestStore_FileBacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brickchat.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	tid, _ := s.CreateThread(ctx, "alice", ModeStandard, nil)
	s.AppendMessage(ctx, tid, RoleUser, "persist me", "", nil)
	db.Close()

	db2, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	s2, err := NewStore(db2)
	if err != nil {
		t.Fatalf("NewStore after reopen: %v", err)
	}
	msgs, err := s2.GetMessages(ctx, tid, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "persist me" {
		t.Errorf("msgs = %+v", msgs)
	}
}
