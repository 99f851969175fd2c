package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/datasciencemonkey/brickchat/internal/apperr"
	"github.com/datasciencemonkey/brickchat/internal/documents"
	"github.com/datasciencemonkey/brickchat/internal/threads"
)

// handleDocumentUpload stores the "files" parts of a multipart form on
// a document thread. Without a thread_id field a new document thread is
// created. Files are validated before anything is written.
func (s *Server) handleDocumentUpload(w http.ResponseWriter, r *http.Request) {
	limits := s.deps.Documents.Limits()
	maxBody := int64(limits.MaxFiles)*limits.MaxFileBytes + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, fmt.Errorf("upload exceeds %d bytes: %w", maxBody, apperr.ErrInvalidArgument))
			return
		}
		s.writeError(w, fmt.Errorf("invalid multipart form: %w", apperr.ErrInvalidArgument))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		s.writeError(w, fmt.Errorf("no files uploaded: %w", apperr.ErrInvalidArgument))
		return
	}
	if len(files) > limits.MaxFiles {
		s.writeError(w, fmt.Errorf("maximum %d documents per thread exceeded: %w", limits.MaxFiles, apperr.ErrInvalidArgument))
		return
	}
	for _, fh := range files {
		if err := s.deps.Documents.Validate(fh.Filename, fh.Size); err != nil {
			s.writeError(w, err)
			return
		}
	}

	ctx := r.Context()
	owner := user(r).ID
	threadID := r.FormValue("thread_id")
	created := false
	if threadID == "" {
		id, err := s.deps.Threads.CreateThread(ctx, owner, threads.ModeDocument, nil)
		if err != nil {
			s.writeError(w, err)
			return
		}
		threadID, created = id, true
	} else {
		t, err := s.ownThread(r, threadID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if t.Mode != threads.ModeDocument {
			s.writeError(w, fmt.Errorf("thread %s is %s, not document: %w", threadID, t.Mode, apperr.ErrInvalidArgument))
			return
		}
		existing, err := s.deps.Documents.List(ctx, owner, threadID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		names := map[string]bool{}
		for _, d := range existing {
			names[d.Filename] = true
		}
		for _, fh := range files {
			names[fh.Filename] = true
		}
		if len(names) > limits.MaxFiles {
			s.writeError(w, fmt.Errorf("maximum %d documents per thread exceeded: %w", limits.MaxFiles, apperr.ErrInvalidArgument))
			return
		}
	}

	saved := make([]documents.Document, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			s.writeError(w, fmt.Errorf("open upload %s: %w", fh.Filename, err))
			return
		}
		data, err := io.ReadAll(io.LimitReader(f, limits.MaxFileBytes+1))
		f.Close()
		if err != nil {
			s.writeError(w, fmt.Errorf("read upload %s: %w", fh.Filename, err))
			return
		}
		doc, err := s.deps.Documents.Save(ctx, owner, threadID, fh.Filename, data)
		if err != nil {
			s.writeError(w, err)
			return
		}
		saved = append(saved, *doc)
	}
	s.deps.Chat.ForgetDocuments(owner, threadID)

	w.Header().Set("Content-Type", "application/json")
	if created {
		w.WriteHeader(http.StatusCreated)
	}
	writeJSON(w, map[string]any{
		"thread_id":      threadID,
		"thread_created": created,
		"documents":      saved,
	}, s.logger)
}

func (s *Server) handleDocumentList(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	docs, err := s.deps.Documents.List(r.Context(), user(r).ID, threadID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"thread_id":     threadID,
		"documents":     docs,
		"has_documents": len(docs) > 0,
	}, s.logger)
}

func (s *Server) handleDocumentDelete(w http.ResponseWriter, r *http.Request) {
	owner := user(r).ID
	threadID := r.PathValue("thread_id")
	filename := r.PathValue("filename")
	if err := s.deps.Documents.Delete(r.Context(), owner, threadID, filename); err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Chat.ForgetDocuments(owner, threadID)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "deleted", "thread_id": threadID, "filename": filename}, s.logger)
}
