package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/datasciencemonkey/brickchat/internal/apperr"
	"github.com/datasciencemonkey/brickchat/internal/tts"
)

type speakRequest struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
	Voice     string `json:"voice"`
}

// handleSpeak returns audio for a stored message. The cache outcome and
// the provider that produced the audio are reported in headers.
func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	if s.deps.Speech == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, apperr.Kind(apperr.ErrSynthesisUnavailable), "speech synthesis is disabled")
		return
	}

	var req speakRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.MessageID == "" {
		s.writeError(w, fmt.Errorf("message_id is required: %w", apperr.ErrInvalidArgument))
		return
	}

	u := user(r)
	res, err := s.deps.Speech.Speak(r.Context(), tts.Request{
		OwnerID:      u.ID,
		ThreadID:     req.ThreadID,
		MessageID:    req.MessageID,
		Voice:        req.Voice,
		CacheEnabled: u.HasCredential() || u.Dev,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Audio)))
	w.Header().Set("X-TTS-Cache", res.Cache)
	w.Header().Set("X-TTS-Provider", res.Provider)
	if _, err := w.Write(res.Audio); err != nil {
		s.logger.Debug("failed to write audio", "error", err)
	}
}
