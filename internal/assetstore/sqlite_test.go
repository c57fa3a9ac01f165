package assetstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/danmuck/scenecast/internal/geometry"
	"github.com/danmuck/scenecast/internal/testutil/testlog"
)

func TestPutGetDelete(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "assets", "store.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := s.Get(ctx, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Put(ctx, 3, geometry.PayloadTexture, []byte{1, 2, 3}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutAsset(3, geometry.PayloadTexture, []byte{4, 5}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	a, err := s.Get(ctx, 3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Kind != geometry.PayloadTexture || string(a.Blob) != string([]byte{4, 5}) {
		t.Fatalf("unexpected asset: %+v", a)
	}
	count, size, err := s.Stats(ctx)
	if err != nil || count != 1 || size != 2 {
		t.Fatalf("stats: count=%d size=%d err=%v", count, size, err)
	}
	if err := s.Delete(ctx, 3); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	testlog.Start(t)
	if _, err := OpenSQLite(""); !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("expected ErrEmptyPath, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	testlog.Start(t)
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.PutAsset(9, geometry.PayloadMesh, []byte("mesh")); err != nil {
		t.Fatalf("put: %v", err)
	}
	a, err := s.Get(context.Background(), 9)
	if err != nil || string(a.Blob) != "mesh" {
		t.Fatalf("get: %+v %v", a, err)
	}
}
