// Package objstore stores opaque blobs (cached audio, uploaded documents)
// under slash-separated keys.
package objstore

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"github.com/datasciencemonkey/brickchat/internal/apperr"
)

// Object describes a stored blob.
type Object struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	StoredAt    time.Time `json:"stored_at"`
}

// Store is a flat key/blob store. Keys are slash-separated relative paths
// such as "tts/alice/t1/m1.mp3". Missing keys yield an error wrapping
// [apperr.ErrNotFound].
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	// List returns objects whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Object, error)
	Close() error
}

func checkPath(p string) error {
	if !fs.ValidPath(p) || p == "." {
		return fmt.Errorf("object path %q: %w", p, apperr.ErrInvalidArgument)
	}
	return nil
}

func notFound(p string) error {
	return fmt.Errorf("object %s: %w", p, apperr.ErrNotFound)
}

// Open returns the store for backend ("bolt" or "fs") rooted at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "bolt":
		s, err := OpenBolt(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "fs":
		s, err := OpenFS(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("object store backend %q: %w", backend, apperr.ErrInvalidArgument)
	}
}
