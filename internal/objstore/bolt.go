package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	dataBucket = []byte("objects")
	metaBucket = []byte("objects_meta")
)

// BoltStore keeps objects in a single bbolt file. Blob bytes and their
// metadata live in separate buckets under the same key.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (creating if needed) the bbolt file at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create object store dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(dataBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Put implements Store.
func (s *BoltStore) Put(_ context.Context, path string, data []byte, contentType string) error {
	if err := checkPath(path); err != nil {
		return err
	}
	meta, err := json.Marshal(Object{
		Path:        path,
		Size:        int64(len(data)),
		ContentType: contentType,
		StoredAt:    s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode object metadata: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(dataBucket).Put([]byte(path), data); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put([]byte(path), meta)
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", path, err)
	}
	return nil
}

// Get implements Store.
func (s *BoltStore) Get(_ context.Context, path string) ([]byte, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(dataBucket).Get([]byte(path))
		if v == nil {
			return notFound(path)
		}
		// v is only valid inside the transaction.
		out = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete implements Store.
func (s *BoltStore) Delete(_ context.Context, path string) error {
	if err := checkPath(path); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(path)
		if tx.Bucket(dataBucket).Get(key) == nil {
			return notFound(path)
		}
		if err := tx.Bucket(dataBucket).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Delete(key)
	})
}

// List implements Store.
func (s *BoltStore) List(_ context.Context, prefix string) ([]Object, error) {
	var out []Object
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(metaBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var obj Object
			if err := json.Unmarshal(v, &obj); err != nil {
				// Skip malformed entries instead of failing the listing.
				continue
			}
			obj.Path = string(k)
			out = append(out, obj)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects %q: %w", prefix, err)
	}
	return out, nil
}

// Close releases the bbolt file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
