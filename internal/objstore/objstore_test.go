package objstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/datasciencemonkey/brickchat/internal/apperr"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	b, err := Open("bolt", filepath.Join(dir, "objects.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	f, err := Open("fs", filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	t.Cleanup(func() {
		b.Close()
		f.Close()
	})
	return map[string]Store{"bolt": b, "fs": f}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, "tts/alice/t1/m1.mp3", []byte("ID3audio"), "audio/mpeg"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			got, err := s.Get(ctx, "tts/alice/t1/m1.mp3")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "ID3audio" {
				t.Errorf("Get = %q", got)
			}

			// Overwrite replaces.
			if err := s.Put(ctx, "tts/alice/t1/m1.mp3", []byte("v2"), "audio/mpeg"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if got, _ := s.Get(ctx, "tts/alice/t1/m1.mp3"); string(got) != "v2" {
				t.Errorf("after overwrite Get = %q", got)
			}

			if err := s.Delete(ctx, "tts/alice/t1/m1.mp3"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := s.Get(ctx, "tts/alice/t1/m1.mp3"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("Get after delete err = %v, want ErrNotFound", err)
			}
			if err := s.Delete(ctx, "tts/alice/t1/m1.mp3"); !errors.Is(err, apperr.ErrNotFound) {
				t.Errorf("second Delete err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, p := range []string{
				"documents/alice/t1/b.txt",
				"documents/alice/t1/a.pdf",
				"documents/alice/t10/c.txt",
				"documents/bob/t1/d.txt",
			} {
				if err := s.Put(ctx, p, []byte(p), ""); err != nil {
					t.Fatalf("Put(%s): %v", p, err)
				}
			}

			objs, err := s.List(ctx, "documents/alice/t1/")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(objs) != 2 {
				t.Fatalf("List = %+v, want 2 objects", objs)
			}
			if objs[0].Path != "documents/alice/t1/a.pdf" || objs[1].Path != "documents/alice/t1/b.txt" {
				t.Errorf("order = %s, %s", objs[0].Path, objs[1].Path)
			}
			if objs[1].Size != int64(len("documents/alice/t1/b.txt")) {
				t.Errorf("size = %d", objs[1].Size)
			}

			none, err := s.List(ctx, "documents/carol/")
			if err != nil || len(none) != 0 {
				t.Errorf("List(empty prefix) = %v, %v", none, err)
			}
		})
	}
}

func TestStore_RejectsBadPaths(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, p := range []string{"", "/abs", "../escape", "a/../../b", "a//b"} {
				if err := s.Put(ctx, p, []byte("x"), ""); !errors.Is(err, apperr.ErrInvalidArgument) {
					t.Errorf("Put(%q) err = %v, want ErrInvalidArgument", p, err)
				}
			}
		})
	}
}

func TestBolt_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "objects.db")

	s, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	if err := s.Put(ctx, "k", []byte("v"), "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.Close()

	s, err = OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Errorf("Get after reopen = %q, %v", got, err)
	}
	objs, _ := s.List(ctx, "")
	if len(objs) != 1 || objs[0].ContentType != "text/plain" {
		t.Errorf("List = %+v", objs)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open("s3", t.TempDir()); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}
