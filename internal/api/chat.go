package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/datasciencemonkey/brickchat/internal/apperr"
	"github.com/datasciencemonkey/brickchat/internal/chat"
	"github.com/datasciencemonkey/brickchat/internal/stream"
	"github.com/datasciencemonkey/brickchat/internal/threads"
)

// streamWriteTimeout is the write deadline granted per streamed event.
const streamWriteTimeout = 120 * time.Second

// handleSend runs one turn and streams its events as server-sent events.
// Errors found before the turn starts are returned as ordinary JSON
// errors; later faults arrive as a terminal error event.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req chat.SendRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	events, err := s.deps.Chat.Send(r.Context(), user(r).ID, req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	for ev := range events {
		s.writeSSE(w, ev)
		flusher.Flush()
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, ev stream.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the fronting proxy enforces origin and identity
	},
}

// handleChatWebSocket serves turns over a websocket. Each client frame
// is a send request; every event of the turn is written as one JSON
// frame. Turns on one connection run one at a time.
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	ctx := r.Context()
	owner := user(r).ID
	log := s.logger.With("user_id", owner)

	for {
		var req chat.SendRequest
		if err := ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", "error", err)
			}
			return
		}

		events, err := s.deps.Chat.Send(ctx, owner, req)
		if err != nil {
			s.logFailure(err)
			if werr := ws.WriteJSON(stream.Event{Type: stream.EventError, Error: apperr.Message(err), Code: apperr.Kind(err)}); werr != nil {
				return
			}
			continue
		}
		for ev := range events {
			if err := ws.WriteJSON(ev); err != nil {
				log.Debug("websocket write failed", "error", err)
				// Let the aggregator finish draining before returning.
				for range events {
				}
				return
			}
		}
	}
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Threads.ListThreads(r.Context(), user(r).ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"threads": list}, s.logger)
}

// ownThread loads a thread and hides threads of other users.
func (s *Server) ownThread(r *http.Request, threadID string) (*threads.Thread, error) {
	t, err := s.deps.Threads.GetThread(r.Context(), threadID)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != user(r).ID {
		return nil, fmt.Errorf("thread %s: %w", threadID, apperr.ErrNotFound)
	}
	return t, nil
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.ownThread(r, id); err != nil {
		s.writeError(w, err)
		return
	}
	msgs, err := s.deps.Threads.GetMessages(r.Context(), id,
		parseIntParam(r, "limit", 0), parseIntParam(r, "offset", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"thread_id": id, "messages": msgs}, s.logger)
}

type feedbackRequest struct {
	MessageID    string `json:"message_id"`
	ThreadID     string `json:"thread_id"`
	FeedbackType string `json:"feedback_type"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.MessageID == "" || req.ThreadID == "" {
		s.writeError(w, fmt.Errorf("message_id and thread_id are required: %w", apperr.ErrInvalidArgument))
		return
	}
	if _, err := s.ownThread(r, req.ThreadID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Threads.UpsertFeedback(r.Context(), user(r).ID, req.MessageID, req.ThreadID, req.FeedbackType); err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":        "ok",
		"message_id":    req.MessageID,
		"feedback_type": req.FeedbackType,
	}, s.logger)
}

func (s *Server) handleFeedbackStats(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" && !user(r).IsAdmin {
		s.writeError(w, fmt.Errorf("thread_id is required: %w", apperr.ErrInvalidArgument))
		return
	}
	if threadID != "" {
		if _, err := s.ownThread(r, threadID); err != nil {
			s.writeError(w, err)
			return
		}
	}
	stats, err := s.deps.Threads.FeedbackStats(r.Context(), threadID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"thread_id": threadID, "stats": stats}, s.logger)
}
