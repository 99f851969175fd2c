// Package threads persists conversation threads, their messages, and
// per-message user feedback. It is the single source of truth for
// transcripts: messages are append-only, content never changes after
// insert, and only message metadata may be merged later (for example to
// record a cached speech rendition).
//
// Timestamps are stored as fixed-width UTC text so that lexical order in
// SQL equals chronological order. The store hands out strictly
// increasing timestamps, so two writes never tie and "most recent
// thread" has a single answer.
package threads

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/datasciencemonkey/brickchat/internal/apperr"
)

// Mode is a thread's execution mode. It is fixed when the thread is
// created.
type Mode string

// Execution modes.
const (
	ModeStandard   Mode = "standard"
	ModeDocument   Mode = "document"
	ModeAutonomous Mode = "autonomous"
)

// ParseMode validates s as a Mode. The empty string yields ModeStandard.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeStandard:
		return ModeStandard, nil
	case ModeDocument, ModeAutonomous:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("execution mode %q: %w", s, apperr.ErrInvalidArgument)
	}
}

// Role identifies who authored a message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Feedback values. FeedbackNone clears any existing feedback.
const (
	FeedbackLike    = "like"
	FeedbackDislike = "dislike"
	FeedbackNone    = "none"
)

// Thread is a conversation container owned by one user.
type Thread struct {
	ID        string         `json:"thread_id"`
	OwnerID   string         `json:"owner_id"`
	Mode      Mode           `json:"execution_mode"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ThreadSummary is a thread plus enough transcript detail for a list view.
type ThreadSummary struct {
	Thread
	MessageCount     int    `json:"message_count"`
	LastMessage      string `json:"last_message"`
	FirstUserMessage string `json:"first_user_message"`
}

// Message is one entry in a thread's transcript.
type Message struct {
	ID        string         `json:"message_id"`
	ThreadID  string         `json:"thread_id"`
	OwnerID   string         `json:"owner_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Endpoint  string         `json:"upstream_endpoint,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	Feedback  string         `json:"feedback,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// FeedbackStat aggregates feedback recorded against one message.
type FeedbackStat struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
	Likes     int    `json:"like_count"`
	Dislikes  int    `json:"dislike_count"`
	Total     int    `json:"total"`
}

// timeLayout is fixed width (nanoseconds always nine digits, zone always
// "Z" because values are UTC) so string comparison orders correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// previewLen bounds LastMessage and FirstUserMessage in summaries.
const previewLen = 100

// normalizer rewrites characters that render badly or break speech
// output: typographic ligatures from PDF extraction and heavy bullets.
var normalizer = strings.NewReplacer(
	"ﬁ", "fi",
	"ﬂ", "fl",
	"●", "•",
)

// NormalizeText applies write-time Unicode normalization to message
// content.
func NormalizeText(s string) string {
	return normalizer.Replace(s)
}

// Store is the SQLite-backed persistence gateway. All public methods are
// safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewStore creates a thread store using an existing database connection.
// The schema is created automatically on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate threads schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		thread_id  TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL,
		mode       TEXT NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threads_owner_updated ON threads(owner_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL UNIQUE,
		thread_id  TEXT NOT NULL REFERENCES threads(thread_id),
		owner_id   TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		endpoint   TEXT NOT NULL DEFAULT '',
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at, seq);

	CREATE TABLE IF NOT EXISTS feedback (
		user_id       TEXT NOT NULL,
		message_id    TEXT NOT NULL,
		thread_id     TEXT NOT NULL,
		feedback_type TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (user_id, message_id, thread_id)
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_thread ON feedback(thread_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// stamp returns a timestamp strictly after every timestamp it has
// returned before.
func (s *Store) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC().Round(0)
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) map[string]any {
	m := map[string]any{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}

// CreateThread creates a thread for owner in the given mode and returns
// its id.
func (s *Store) CreateThread(ctx context.Context, owner string, mode Mode, metadata map[string]any) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("create thread: owner required: %w", apperr.ErrInvalidArgument)
	}
	if _, err := ParseMode(string(mode)); err != nil || mode == "" {
		return "", fmt.Errorf("create thread: execution mode %q: %w", mode, apperr.ErrInvalidArgument)
	}

	id, err := newID()
	if err != nil {
		return "", err
	}
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return "", err
	}
	now := formatTime(s.stamp())

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (thread_id, owner_id, mode, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, owner, string(mode), meta, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return id, nil
}

// GetThread returns a thread by id.
func (s *Store) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var (
		t                Thread
		mode, meta       string
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, owner_id, mode, metadata, created_at, updated_at
		 FROM threads WHERE thread_id = ?`,
		threadID,
	).Scan(&t.ID, &t.OwnerID, &mode, &meta, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", threadID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	t.Mode = Mode(mode)
	t.Metadata = decodeMetadata(meta)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

// AppendMessage appends a message to a thread and bumps the thread's
// updated_at. The message inherits the thread's owner.
func (s *Store) AppendMessage(ctx context.Context, threadID string, role Role, content, endpoint string, metadata map[string]any) (string, error) {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return "", fmt.Errorf("append message: role %q: %w", role, apperr.ErrInvalidArgument)
	}

	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id FROM threads WHERE thread_id = ?`, threadID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("append message to thread %s: %w", threadID, apperr.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("append message to thread %s: %w", threadID, err)
	}

	id, err := newID()
	if err != nil {
		return "", err
	}
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return "", err
	}
	now := formatTime(s.stamp())

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, thread_id, owner_id, role, content, endpoint, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, threadID, owner, string(role), NormalizeText(content), endpoint, meta, now,
	)
	if err != nil {
		return "", fmt.Errorf("append message to thread %s: %w", threadID, err)
	}

	// max() keeps updated_at from moving backwards if a concurrent
	// writer already bumped it further.
	_, err = s.db.ExecContext(ctx,
		`UPDATE threads SET updated_at = max(updated_at, ?) WHERE thread_id = ?`,
		now, threadID,
	)
	if err != nil {
		return "", fmt.Errorf("touch thread %s: %w", threadID, err)
	}
	return id, nil
}

// ListThreads returns owner's threads, most recently updated first.
func (s *Store) ListThreads(ctx context.Context, owner string) ([]ThreadSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.thread_id, t.owner_id, t.mode, t.metadata, t.created_at, t.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.thread_id = t.thread_id),
		        COALESCE((SELECT m.content FROM messages m WHERE m.thread_id = t.thread_id
		                  ORDER BY m.created_at DESC, m.seq DESC LIMIT 1), ''),
		        COALESCE((SELECT m.content FROM messages m WHERE m.thread_id = t.thread_id AND m.role = 'user'
		                  ORDER BY m.created_at, m.seq LIMIT 1), '')
		 FROM threads t
		 WHERE t.owner_id = ?
		 ORDER BY t.updated_at DESC, t.thread_id DESC`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("list threads for %s: %w", owner, err)
	}
	defer rows.Close()

	out := []ThreadSummary{}
	for rows.Next() {
		var (
			ts               ThreadSummary
			mode, meta       string
			created, updated string
		)
		if err := rows.Scan(&ts.ID, &ts.OwnerID, &mode, &meta, &created, &updated,
			&ts.MessageCount, &ts.LastMessage, &ts.FirstUserMessage); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		ts.Mode = Mode(mode)
		ts.Metadata = decodeMetadata(meta)
		ts.CreatedAt = parseTime(created)
		ts.UpdatedAt = parseTime(updated)
		ts.LastMessage = preview(ts.LastMessage)
		ts.FirstUserMessage = preview(ts.FirstUserMessage)
		out = append(out, ts)
	}
	return out, rows.Err()
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewLen {
		return s
	}
	r := []rune(s)
	return string(r[:previewLen]) + "..."
}

// GetMessages returns a thread's messages in transcript order. A limit
// of zero or less returns every message after offset. Each message
// carries the thread owner's feedback, if any.
func (s *Store) GetMessages(ctx context.Context, threadID string, limit, offset int) ([]Message, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE thread_id = ?`, threadID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", threadID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get messages for %s: %w", threadID, err)
	}

	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.message_id, m.thread_id, m.owner_id, m.role, m.content, m.endpoint,
		        m.metadata, m.created_at, COALESCE(f.feedback_type, '')
		 FROM messages m
		 JOIN threads t ON t.thread_id = m.thread_id
		 LEFT JOIN feedback f
		   ON f.message_id = m.message_id AND f.thread_id = m.thread_id AND f.user_id = t.owner_id
		 WHERE m.thread_id = ?
		 ORDER BY m.created_at, m.seq
		 LIMIT ? OFFSET ?`,
		threadID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for %s: %w", threadID, err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (*Message, error) {
	var (
		m          Message
		role, meta string
		created    string
	)
	if err := sc.Scan(&m.ID, &m.ThreadID, &m.OwnerID, &role, &m.Content, &m.Endpoint,
		&meta, &created, &m.Feedback); err != nil {
		return nil, err
	}
	m.Role = Role(role)
	m.Metadata = decodeMetadata(meta)
	m.CreatedAt = parseTime(created)
	return &m, nil
}

// GetMessage returns a single message by id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT m.message_id, m.thread_id, m.owner_id, m.role, m.content, m.endpoint,
		        m.metadata, m.created_at, COALESCE(f.feedback_type, '')
		 FROM messages m
		 LEFT JOIN feedback f
		   ON f.message_id = m.message_id AND f.thread_id = m.thread_id AND f.user_id = m.owner_id
		 WHERE m.message_id = ?`,
		messageID,
	)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", messageID, err)
	}
	return m, nil
}

// UpsertFeedback records user's feedback on a message. FeedbackNone
// removes any existing feedback.
func (s *Store) UpsertFeedback(ctx context.Context, user, messageID, threadID, feedbackType string) error {
	switch feedbackType {
	case FeedbackLike, FeedbackDislike:
	case FeedbackNone:
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM feedback WHERE user_id = ? AND message_id = ? AND thread_id = ?`,
			user, messageID, threadID,
		)
		if err != nil {
			return fmt.Errorf("clear feedback on %s: %w", messageID, err)
		}
		return nil
	default:
		return fmt.Errorf("feedback type %q: %w", feedbackType, apperr.ErrInvalidArgument)
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE message_id = ? AND thread_id = ?`,
		messageID, threadID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s in thread %s: %w", messageID, threadID, apperr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("feedback on %s: %w", messageID, err)
	}

	now := formatTime(s.stamp())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feedback (user_id, message_id, thread_id, feedback_type, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, message_id, thread_id) DO UPDATE
		 SET feedback_type = excluded.feedback_type, updated_at = excluded.updated_at`,
		user, messageID, threadID, feedbackType, now, now,
	)
	if err != nil {
		return fmt.Errorf("feedback on %s: %w", messageID, err)
	}
	return nil
}

// FeedbackStats returns like and dislike counts per message. An empty
// threadID covers every thread.
func (s *Store) FeedbackStats(ctx context.Context, threadID string) ([]FeedbackStat, error) {
	query := `SELECT message_id, thread_id,
	                 SUM(CASE WHEN feedback_type = 'like' THEN 1 ELSE 0 END),
	                 SUM(CASE WHEN feedback_type = 'dislike' THEN 1 ELSE 0 END),
	                 COUNT(*)
	          FROM feedback`
	var args []any
	if threadID != "" {
		query += ` WHERE thread_id = ?`
		args = append(args, threadID)
	}
	query += ` GROUP BY message_id, thread_id ORDER BY message_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("feedback stats: %w", err)
	}
	defer rows.Close()

	out := []FeedbackStat{}
	for rows.Next() {
		var fs FeedbackStat
		if err := rows.Scan(&fs.MessageID, &fs.ThreadID, &fs.Likes, &fs.Dislikes, &fs.Total); err != nil {
			return nil, fmt.Errorf("scan feedback stat: %w", err)
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}

// MergeMessageMetadata shallow-merges partial into a message's metadata.
// Keys in partial replace existing keys; other keys are kept.
func (s *Store) MergeMessageMetadata(ctx context.Context, messageID string, partial map[string]any) error {
	return s.mergeMetadata(ctx, "messages", "message_id", messageID, partial)
}

// MergeThreadMetadata shallow-merges partial into a thread's metadata.
func (s *Store) MergeThreadMetadata(ctx context.Context, threadID string, partial map[string]any) error {
	return s.mergeMetadata(ctx, "threads", "thread_id", threadID, partial)
}

// mergeMetadata runs read-merge-write in one transaction. table and
// column are always package constants, never caller input.
func (s *Store) mergeMetadata(ctx context.Context, table, column, id string, partial map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("merge metadata %s: %w", id, err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT metadata FROM `+table+` WHERE `+column+` = ?`, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", strings.TrimSuffix(table, "s"), id, apperr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("merge metadata %s: %w", id, err)
	}

	merged := decodeMetadata(raw)
	for k, v := range partial {
		merged[k] = v
	}
	encoded, err := encodeMetadata(merged)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET metadata = ? WHERE `+column+` = ?`, encoded, id,
	); err != nil {
		return fmt.Errorf("merge metadata %s: %w", id, err)
	}
	return tx.Commit()
}

// MostRecentThread returns the id of owner's most recently updated
// thread. ok is false when owner has no threads.
func (s *Store) MostRecentThread(ctx context.Context, owner string) (threadID string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT thread_id FROM threads WHERE owner_id = ?
		 ORDER BY updated_at DESC, thread_id DESC LIMIT 1`,
		owner,
	).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("most recent thread for %s: %w", owner, err)
	}
	return threadID, true, nil
}
