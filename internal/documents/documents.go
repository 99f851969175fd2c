// Package documents manages files uploaded to document-mode threads.
//
// File bytes live in the object store under
// documents/{owner}/{thread}/{filename}. The manifest (name, size, type,
// upload time) is mirrored into the thread's metadata under "documents",
// with "has_documents" alongside, so listing never touches the volume.
package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/datasciencemonkey/brickchat/internal/apperr"
	"github.com/datasciencemonkey/brickchat/internal/llm"
	"github.com/datasciencemonkey/brickchat/internal/objstore"
	"github.com/datasciencemonkey/brickchat/internal/threads"
)

// Metadata keys written on the owning thread.
const (
	MetaDocuments    = "documents"
	MetaHasDocuments = "has_documents"
)

var contentTypes = map[string]string{
	".pdf": "application/pdf",
	".txt": "text/plain",
}

// Document describes one uploaded file.
type Document struct {
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// ThreadStore is the subset of the thread store used for manifests.
type ThreadStore interface {
	GetThread(ctx context.Context, threadID string) (*threads.Thread, error)
	MergeThreadMetadata(ctx context.Context, threadID string, partial map[string]any) error
}

// Limits bound uploads.
type Limits struct {
	MaxFiles     int
	MaxFileBytes int64
}

// Store saves, lists, deletes, and fetches thread documents.
type Store struct {
	objects objstore.Store
	threads ThreadStore
	limits  Limits
	logger  *slog.Logger
	now     func() time.Time

	// mu serializes manifest read-modify-write cycles.
	mu sync.Mutex
}

// NewStore creates a document store.
func NewStore(objects objstore.Store, ts ThreadStore, limits Limits, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.MaxFiles <= 0 {
		limits.MaxFiles = 10
	}
	if limits.MaxFileBytes <= 0 {
		limits.MaxFileBytes = 10 << 20
	}
	return &Store{
		objects: objects,
		threads: ts,
		limits:  limits,
		logger:  logger,
		now:     time.Now,
	}
}

// Limits returns the configured upload limits.
func (s *Store) Limits() Limits { return s.limits }

// Validate checks a file name and size against the upload rules.
func (s *Store) Validate(filename string, size int64) error {
	if filename == "" || filename != path.Base(filename) || strings.ContainsAny(filename, `/\`) || filename == "." || filename == ".." {
		return fmt.Errorf("file name %q: %w", filename, apperr.ErrInvalidArgument)
	}
	ext := strings.ToLower(path.Ext(filename))
	if _, ok := contentTypes[ext]; !ok {
		return fmt.Errorf("file type %q not allowed (allowed: .pdf, .txt): %w", ext, apperr.ErrInvalidArgument)
	}
	if size > s.limits.MaxFileBytes {
		return fmt.Errorf("file too large (%d bytes, max %d): %w", size, s.limits.MaxFileBytes, apperr.ErrInvalidArgument)
	}
	return nil
}

func objectPath(owner, threadID, filename string) string {
	return "documents/" + owner + "/" + threadID + "/" + filename
}

// Save stores a document on a thread owned by owner. Re-uploading an
// existing file name replaces it and does not count against the limit.
func (s *Store) Save(ctx context.Context, owner, threadID, filename string, data []byte) (*Document, error) {
	if err := s.Validate(filename, int64(len(data))); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	manifest, err := s.manifest(ctx, owner, threadID)
	if err != nil {
		return nil, err
	}
	if _, exists := manifest[filename]; !exists && len(manifest) >= s.limits.MaxFiles {
		return nil, fmt.Errorf("maximum %d documents per thread exceeded: %w", s.limits.MaxFiles, apperr.ErrInvalidArgument)
	}

	doc := Document{
		Filename:    filename,
		Size:        int64(len(data)),
		ContentType: contentTypes[strings.ToLower(path.Ext(filename))],
		UploadedAt:  s.now().UTC(),
	}
	if err := s.objects.Put(ctx, objectPath(owner, threadID, filename), data, doc.ContentType); err != nil {
		return nil, fmt.Errorf("store document %s: %w", filename, err)
	}

	manifest[filename] = doc
	if err := s.writeManifest(ctx, threadID, manifest); err != nil {
		return nil, err
	}

	s.logger.Info("document saved", "owner", owner, "thread_id", threadID, "filename", filename, "size", doc.Size)
	return &doc, nil
}

// List returns the documents of a thread ordered by file name.
func (s *Store) List(ctx context.Context, owner, threadID string) ([]Document, error) {
	manifest, err := s.manifest(ctx, owner, threadID)
	if err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(manifest))
	for _, d := range manifest {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

// Delete removes one document.
func (s *Store) Delete(ctx context.Context, owner, threadID, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	manifest, err := s.manifest(ctx, owner, threadID)
	if err != nil {
		return err
	}
	if _, ok := manifest[filename]; !ok {
		return fmt.Errorf("document %s: %w", filename, apperr.ErrNotFound)
	}

	err = s.objects.Delete(ctx, objectPath(owner, threadID, filename))
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("delete document %s: %w", filename, err)
	}

	delete(manifest, filename)
	if err := s.writeManifest(ctx, threadID, manifest); err != nil {
		return err
	}
	s.logger.Info("document deleted", "owner", owner, "thread_id", threadID, "filename", filename)
	return nil
}

// Bundle is a thread's documents prepared for a model call.
type Bundle struct {
	Attachments []llm.Attachment
	// Texts holds inlined text documents, each "[Document: name]\n\n<body>".
	Texts []string
}

// Empty reports whether the bundle carries nothing.
func (b *Bundle) Empty() bool { return b == nil || (len(b.Attachments) == 0 && len(b.Texts) == 0) }

// Apply attaches the bundle to m. Inlined texts precede the message text.
func (b *Bundle) Apply(m *llm.Message) {
	if b.Empty() {
		return
	}
	m.Attachments = append(m.Attachments, b.Attachments...)
	if len(b.Texts) > 0 {
		parts := append(append([]string{}, b.Texts...), m.Content)
		m.Content = strings.Join(parts, "\n\n")
	}
}

// Fetch loads every document of a thread. PDFs become attachments; text
// files are inlined. Files listed in the manifest but missing from the
// volume are skipped with a warning.
func (s *Store) Fetch(ctx context.Context, owner, threadID string) (*Bundle, error) {
	docs, err := s.List(ctx, owner, threadID)
	if err != nil {
		return nil, err
	}

	b := &Bundle{}
	for _, d := range docs {
		data, err := s.objects.Get(ctx, objectPath(owner, threadID, d.Filename))
		if errors.Is(err, apperr.ErrNotFound) {
			s.logger.Warn("document missing from volume", "thread_id", threadID, "filename", d.Filename)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load document %s: %w", d.Filename, err)
		}
		if d.ContentType == "application/pdf" {
			b.Attachments = append(b.Attachments, llm.Attachment{
				Name:     d.Filename,
				MIMEType: d.ContentType,
				Data:     data,
			})
			continue
		}
		b.Texts = append(b.Texts, "[Document: "+d.Filename+"]\n\n"+string(data))
	}
	return b, nil
}

// manifest reads the thread's manifest, verifying ownership. Threads of
// another owner are reported as not found.
func (s *Store) manifest(ctx context.Context, owner, threadID string) (map[string]Document, error) {
	th, err := s.threads.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if th.OwnerID != owner {
		return nil, fmt.Errorf("thread %s: %w", threadID, apperr.ErrNotFound)
	}

	out := map[string]Document{}
	raw, ok := th.Metadata[MetaDocuments]
	if !ok || raw == nil {
		return out, nil
	}
	// Metadata round-trips through JSON, so re-decode into typed entries.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	for name, d := range out {
		d.Filename = name
		out[name] = d
	}
	return out, nil
}

func (s *Store) writeManifest(ctx context.Context, threadID string, manifest map[string]Document) error {
	err := s.threads.MergeThreadMetadata(ctx, threadID, map[string]any{
		MetaDocuments:    manifest,
		MetaHasDocuments: len(manifest) > 0,
	})
	if err != nil {
		return fmt.Errorf("update manifest: %w", err)
	}
	return nil
}
