package objstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// FSStore keeps each object as a file under a root directory, mirroring
// a mounted volume layout.
type FSStore struct {
	root string
}

// OpenFS creates the root directory if needed.
func OpenFS(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) file(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(p))
}

// Put implements Store. Files are written to a temporary name and renamed
// so readers never observe a partial object.
func (s *FSStore) Put(_ context.Context, p string, data []byte, _ string) error {
	if err := checkPath(p); err != nil {
		return err
	}
	dst := s.file(p)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename object: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *FSStore) Get(_ context.Context, p string) ([]byte, error) {
	if err := checkPath(p); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.file(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(p)
	}
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", p, err)
	}
	return data, nil
}

// Delete implements Store.
func (s *FSStore) Delete(_ context.Context, p string) error {
	if err := checkPath(p); err != nil {
		return err
	}
	err := os.Remove(s.file(p))
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(p)
	}
	if err != nil {
		return fmt.Errorf("delete object %s: %w", p, err)
	}
	return nil
}

// List implements Store.
func (s *FSStore) List(_ context.Context, prefix string) ([]Object, error) {
	var out []Object
	err := filepath.WalkDir(s.root, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, name)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, Object{
			Path:        key,
			Size:        info.Size(),
			ContentType: mime.TypeByExtension(path.Ext(key)),
			StoredAt:    info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects %q: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Close implements Store.
func (s *FSStore) Close() error { return nil }
