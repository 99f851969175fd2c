// Package routing decides which upstream path serves a chat turn.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datasciencemonkey/brickchat/internal/threads"
)

// Path is the upstream family selected for a turn.
type Path string

const (
	PathStandard   Path = "standard"
	PathDocument   Path = "document"
	PathAutonomous Path = "autonomous"
)

// RecentThreads reports which thread an owner touched last.
type RecentThreads interface {
	MostRecentThread(ctx context.Context, owner string) (string, bool, error)
}

// Decision records why a path was selected.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	ThreadID string       `json:"thread_id"`
	OwnerID  string       `json:"owner_id"`
	Mode     threads.Mode `json:"mode"`

	Path   Path   `json:"path"`
	Reload bool   `json:"reload"`
	Reason string `json:"reason"`

	// Filled in by RecordOutcome.
	LatencyMs int64 `json:"latency_ms,omitempty"`
	Success   *bool `json:"success,omitempty"`
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64          `json:"total_requests"`
	PathCounts    map[Path]int64 `json:"path_counts"`
	Reloads       int64          `json:"reloads"`
	Failures      int64          `json:"failures"`
	AvgLatencyMs  map[Path]int64 `json:"avg_latency_ms"`
}

// Config holds engine configuration.
type Config struct {
	MaxAuditLog int // How many decisions to keep in memory
}

// Engine maps a thread snapshot to a routing decision and keeps an
// in-memory audit log of recent decisions.
type Engine struct {
	logger *slog.Logger
	recent RecentThreads
	config Config

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// NewEngine creates an engine. recent answers the most-recent-thread
// question for document reloads.
func NewEngine(recent RecentThreads, logger *slog.Logger, config Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	return &Engine{
		logger:   logger,
		recent:   recent,
		config:   config,
		auditLog: make([]Decision, 0, config.MaxAuditLog),
		stats: Stats{
			PathCounts:   make(map[Path]int64),
			AvgLatencyMs: make(map[Path]int64),
		},
	}
}

// Route selects the path for the next turn on thread. It must run before
// the user's message is appended, otherwise the thread is always the most
// recent one and a document reload is never requested.
func (e *Engine) Route(ctx context.Context, thread *threads.Thread) (*Decision, error) {
	d := &Decision{
		RequestID: uuid.NewString(),
		Timestamp: time.Now(),
		ThreadID:  thread.ID,
		OwnerID:   thread.OwnerID,
		Mode:      thread.Mode,
	}

	switch thread.Mode {
	case threads.ModeDocument:
		last, ok, err := e.recent.MostRecentThread(ctx, thread.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("most recent thread: %w", err)
		}
		d.Path = PathDocument
		d.Reload = !ok || last != thread.ID
		if d.Reload {
			d.Reason = "document thread is not the most recent; documents will be reloaded"
		} else {
			d.Reason = "document thread already in context"
		}
	case threads.ModeAutonomous:
		d.Path = PathAutonomous
		d.Reason = "autonomous thread; agent selection required"
	default:
		d.Path = PathStandard
		d.Reason = "standard thread"
	}

	e.recordDecision(*d)

	e.logger.Info("turn routed",
		"request_id", d.RequestID,
		"thread_id", d.ThreadID,
		"path", d.Path,
		"reload", d.Reload,
	)

	return d, nil
}

// RecordOutcome updates a decision with execution results.
func (e *Engine) RecordOutcome(requestID string, latency time.Duration, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := len(e.auditLog) - 1; i >= 0; i-- {
		if e.auditLog[i].RequestID != requestID {
			continue
		}
		ms := latency.Milliseconds()
		e.auditLog[i].LatencyMs = ms
		e.auditLog[i].Success = &success

		path := e.auditLog[i].Path
		if prev, ok := e.stats.AvgLatencyMs[path]; ok {
			e.stats.AvgLatencyMs[path] = (prev + ms) / 2
		} else {
			e.stats.AvgLatencyMs[path] = ms
		}
		if !success {
			e.stats.Failures++
		}
		return
	}
}

func (e *Engine) recordDecision(d Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.auditLog) >= e.config.MaxAuditLog {
		e.auditLog = e.auditLog[1:]
	}
	e.auditLog = append(e.auditLog, d)

	e.stats.TotalRequests++
	e.stats.PathCounts[d.Path]++
	if d.Reload {
		e.stats.Reloads++
	}
}

// AuditLog returns up to limit of the most recent decisions, oldest first.
func (e *Engine) AuditLog(limit int) []Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if limit <= 0 || limit > len(e.auditLog) {
		limit = len(e.auditLog)
	}
	start := len(e.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, e.auditLog[start:])
	return result
}

// Stats returns a copy of the routing statistics.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := Stats{
		TotalRequests: e.stats.TotalRequests,
		Reloads:       e.stats.Reloads,
		Failures:      e.stats.Failures,
		PathCounts:    make(map[Path]int64, len(e.stats.PathCounts)),
		AvgLatencyMs:  make(map[Path]int64, len(e.stats.AvgLatencyMs)),
	}
	for k, v := range e.stats.PathCounts {
		out.PathCounts[k] = v
	}
	for k, v := range e.stats.AvgLatencyMs {
		out.AvgLatencyMs[k] = v
	}
	return out
}

// Explain returns the decision with the given request id, or nil.
func (e *Engine) Explain(requestID string) *Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for i := len(e.auditLog) - 1; i >= 0; i-- {
		if e.auditLog[i].RequestID == requestID {
			d := e.auditLog[i]
			return &d
		}
	}
	return nil
}
