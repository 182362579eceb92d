package sqlite

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"catalog-editor/core"
)

func setupCache(t *testing.T, dbPath string) *cacheStorage {
	t.Helper()
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	storage, err := NewCacheStorage(db)
	if err != nil {
		t.Fatalf("NewCacheStorage() error = %v", err)
	}
	return storage
}

func TestCacheStorage_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	first := setupCache(t, dbPath)
	c, err := first.Open(ctx, "catalog-v1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	err = c.Put(ctx, &core.CachedResponse{
		Method:   http.MethodGet,
		URL:      "http://origin/index.html",
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/html"}},
		Body:     []byte("<html></html>"),
		StoredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	second := setupCache(t, dbPath)
	keys, err := second.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 1 || keys[0] != "catalog-v1" {
		t.Fatalf("Keys() = %v", keys)
	}

	reopened, _ := second.Open(ctx, "catalog-v1")
	got, err := reopened.Match(ctx, http.MethodGet, "http://origin/index.html")
	if err != nil || got == nil {
		t.Fatalf("Match() = %v, %v", got, err)
	}
	if string(got.Body) != "<html></html>" || got.Header.Get("Content-Type") != "text/html" {
		t.Errorf("Match() = %+v", got)
	}
}

func TestCacheStorage_DeleteGeneration(t *testing.T) {
	storage := setupCache(t, filepath.Join(t.TempDir(), "cache.db"))
	ctx := context.Background()

	c, _ := storage.Open(ctx, "catalog-v1")
	resp := &core.CachedResponse{Method: http.MethodGet, URL: "/a", Status: http.StatusOK, Header: http.Header{}, StoredAt: time.Now()}
	if err := c.Put(ctx, resp); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	existed, err := storage.Delete(ctx, "catalog-v1")
	if err != nil || !existed {
		t.Fatalf("Delete() = %v, %v", existed, err)
	}
	if existed, _ := storage.Delete(ctx, "catalog-v1"); existed {
		t.Error("second Delete() reported an existing generation")
	}

	if err := c.Put(ctx, resp); err == nil {
		t.Error("Put() into a deleted generation succeeded")
	}
	if got, err := c.Match(ctx, http.MethodGet, "/a"); err != nil || got != nil {
		t.Errorf("Match() after delete = %v, %v", got, err)
	}
}
