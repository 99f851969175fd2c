// Package agents maintains the catalog of specialist agent endpoints.
//
// Agents enter the catalog through discovery with status "new" and only
// become routable once an administrator enables them. Rediscovery
// refreshes what the source reports about an agent but never touches its
// status or administrator-edited fields.
package agents

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/datasciencemonkey/brickchat/internal/apperr"
)

// Status is an agent's lifecycle state.
type Status string

// Agent statuses.
const (
	StatusNew      Status = "new"
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

// ParseStatus validates s as a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusNew, StatusEnabled, StatusDisabled:
		return Status(s), nil
	default:
		return "", fmt.Errorf("agent status %q (valid: new, enabled, disabled): %w", s, apperr.ErrInvalidArgument)
	}
}

// Admin metadata keys recording which descriptive fields an administrator
// has overridden. Discovery leaves overridden fields alone.
const (
	metaNameOverridden        = "name_overridden"
	metaDescriptionOverridden = "description_overridden"
)

// Agent is a catalog entry.
type Agent struct {
	ID             string         `json:"agent_id"`
	Endpoint       string         `json:"endpoint_url"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Status         Status         `json:"status"`
	SourceMetadata map[string]any `json:"source_metadata"`
	AdminMetadata  map[string]any `json:"admin_metadata"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AgentID derives the stable catalog id for an endpoint address.
func AgentID(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return "agent_" + hex.EncodeToString(sum[:])[:16]
}

// Store persists the agent catalog in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates an agent store using an existing database connection.
// The schema is created automatically on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate agents schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		agent_id        TEXT PRIMARY KEY,
		endpoint        TEXT NOT NULL UNIQUE,
		name            TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		source_metadata TEXT NOT NULL DEFAULT '{}',
		admin_metadata  TEXT NOT NULL DEFAULT '{}',
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status, name);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func encodeJSON(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeJSON(s string) map[string]any {
	m := map[string]any{}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

const agentColumns = `agent_id, endpoint, name, description, status,
	source_metadata, admin_metadata, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(sc scanner) (*Agent, error) {
	var (
		a                Agent
		status           string
		srcMeta, admMeta string
		created, updated string
	)
	if err := sc.Scan(&a.ID, &a.Endpoint, &a.Name, &a.Description, &status,
		&srcMeta, &admMeta, &created, &updated); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.SourceMetadata = decodeJSON(srcMeta)
	a.AdminMetadata = decodeJSON(admMeta)
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &a, nil
}

// Get returns an agent by id.
func (s *Store) Get(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

// List returns agents ordered by name. An empty status lists every
// agent.
func (s *Store) List(ctx context.Context, status Status) ([]Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY name, agent_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	out := []Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// insert adds a new agent with status new.
func (s *Store) insert(ctx context.Context, c Candidate) error {
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, '{}', ?, ?)`,
		AgentID(c.Endpoint), c.Endpoint, c.Name, c.Description, string(StatusNew),
		encodeJSON(c.SourceMetadata), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert agent %s: %w", c.Endpoint, err)
	}
	return nil
}

// refresh rewrites the source-reported fields of an existing agent.
// Status and admin metadata are never touched here.
func (s *Store) refresh(ctx context.Context, a *Agent) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name = ?, description = ?, source_metadata = ?, updated_at = ?
		 WHERE agent_id = ?`,
		a.Name, a.Description, encodeJSON(a.SourceMetadata), s.timestamp(), a.ID,
	)
	if err != nil {
		return fmt.Errorf("refresh agent %s: %w", a.ID, err)
	}
	return nil
}

// save writes every mutable field of a.
func (s *Store) save(ctx context.Context, a *Agent) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name = ?, description = ?, status = ?, admin_metadata = ?, updated_at = ?
		 WHERE agent_id = ?`,
		a.Name, a.Description, string(a.Status), encodeJSON(a.AdminMetadata), s.timestamp(), a.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", a.ID, apperr.ErrNotFound)
	}
	return nil
}

// Delete removes an agent from the catalog.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}
