package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"catalog-editor/core"
	"catalog-editor/stores/memory"
	"catalog-editor/stores/sqlite"
)

func roundTrip(t *testing.T, rt http.RoundTripper, path string) string {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, origin+path, nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip(%s) error = %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func keys(t *testing.T, storage core.CacheStorage) []string {
	t.Helper()
	names, err := storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	return names
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sqliteStorage(t *testing.T, path string) core.CacheStorage {
	t.Helper()
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	storage, err := sqlite.NewCacheStorage(db)
	if err != nil {
		t.Fatalf("NewCacheStorage() error = %v", err)
	}
	return storage
}

func TestContainer_PassThroughWithoutWorker(t *testing.T) {
	network := newFakeNetwork()
	c := NewContainer(memory.NewCacheStorage(), network)
	defer c.Close()

	if c.Active() != nil {
		t.Fatal("Active() returned a worker before any registration")
	}
	roundTrip(t, c, "/app.js")
	roundTrip(t, c, "/app.js")
	if calls := network.callCount("/app.js"); calls != 2 {
		t.Errorf("network called %d times, want 2", calls)
	}
}

func TestContainer_RegisterActivates(t *testing.T) {
	network := newFakeNetwork()
	storage := memory.NewCacheStorage()
	c := NewContainer(storage, network)
	defer c.Close()

	if err := c.Register(context.Background(), Generation{Name: "catalog-v1", Origin: origin}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	w := c.Active()
	if w == nil || w.Generation().Name != "catalog-v1" || w.State() != Active {
		t.Fatalf("Active() = %+v", w)
	}

	network.setOffline(true)
	if body := roundTrip(t, c, "/manifest.json"); body != `{"name":"catalog"}` {
		t.Errorf("offline manifest = %q", body)
	}
}

func TestContainer_ActivateDeletesOldGenerations(t *testing.T) {
	network := newFakeNetwork()
	storage := memory.NewCacheStorage()
	ctx := context.Background()
	storage.Open(ctx, "app-cache-v0")

	c := NewContainer(storage, network)
	defer c.Close()

	if err := c.Register(ctx, Generation{Name: "catalog-v1", Origin: origin}); err != nil {
		t.Fatalf("Register(v1) error = %v", err)
	}
	v1 := c.Active()
	if got := keys(t, storage); len(got) != 1 || got[0] != "catalog-v1" {
		t.Errorf("Keys() after v1 = %v", got)
	}

	network.set("/index.html", "<html>index v2</html>")
	if err := c.Register(ctx, Generation{Name: "catalog-v2", Origin: origin}); err != nil {
		t.Fatalf("Register(v2) error = %v", err)
	}
	if got := keys(t, storage); len(got) != 1 || got[0] != "catalog-v2" {
		t.Errorf("Keys() after v2 = %v", got)
	}
	if v1.State() != Redundant {
		t.Errorf("replaced worker state = %s, want redundant", v1.State())
	}

	network.setOffline(true)
	if body := roundTrip(t, c, "/index.html"); body != "<html>index v2</html>" {
		t.Errorf("served %q from the new generation", body)
	}
}

func TestContainer_InstallFailureKeepsPrevious(t *testing.T) {
	network := newFakeNetwork()
	storage := memory.NewCacheStorage()
	ctx := context.Background()
	c := NewContainer(storage, network)
	defer c.Close()

	if err := c.Register(ctx, Generation{Name: "catalog-v1", Origin: origin}); err != nil {
		t.Fatalf("Register(v1) error = %v", err)
	}

	network.mu.Lock()
	network.status["/manifest.json"] = http.StatusServiceUnavailable
	network.mu.Unlock()

	if err := c.Register(ctx, Generation{Name: "catalog-v2", Origin: origin}); err == nil {
		t.Fatal("Register(v2) succeeded with a failing manifest entry")
	}
	if w := c.Active(); w == nil || w.Generation().Name != "catalog-v1" || w.State() != Active {
		t.Errorf("Active() after failed install = %+v", w)
	}
	if got := keys(t, storage); len(got) != 1 || got[0] != "catalog-v1" {
		t.Errorf("Keys() = %v, want only catalog-v1", got)
	}
}

func TestContainer_RegisterSameGenerationIsNoop(t *testing.T) {
	network := newFakeNetwork()
	c := NewContainer(memory.NewCacheStorage(), network)
	defer c.Close()
	ctx := context.Background()

	gen := Generation{Name: "catalog-v1", Origin: origin}
	if err := c.Register(ctx, gen); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	first := c.Active()
	if err := c.Register(ctx, gen); err != nil {
		t.Fatalf("second Register() error = %v", err)
	}
	if c.Active() != first {
		t.Error("re-registering the active generation replaced its worker")
	}
	if calls := network.callCount("/index.html"); calls != 1 {
		t.Errorf("manifest fetched %d times, want 1", calls)
	}
}

func TestContainer_CloseIsIdempotent(t *testing.T) {
	c := NewContainer(memory.NewCacheStorage(), newFakeNetwork())
	c.Close()
	c.Close()

	if err := c.Register(context.Background(), Generation{Name: "catalog-v1", Origin: origin}); err != ErrClosed {
		t.Errorf("Register() after Close() = %v, want ErrClosed", err)
	}
}

func TestContainer_RestartOfflineKeepsStoredGeneration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	gen := Generation{Name: "catalog-v1", Origin: origin}
	ctx := context.Background()

	network := newFakeNetwork()
	first := NewContainer(sqliteStorage(t, dbPath), network)
	if err := first.Register(ctx, gen); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	first.Close()

	network.setOffline(true)
	storage := sqliteStorage(t, dbPath)
	c := NewContainer(storage, network)
	defer c.Close()

	if err := c.Register(ctx, gen); err != nil {
		t.Fatalf("Register() after restart error = %v", err)
	}
	if got := keys(t, storage); len(got) != 1 || got[0] != "catalog-v1" {
		t.Errorf("Keys() = %v, want catalog-v1 kept", got)
	}
	if w := c.Active(); w == nil || w.Generation().Name != "catalog-v1" {
		t.Fatalf("Active() = %+v", w)
	}

	req, _ := http.NewRequest(http.MethodGet, origin+"/categories/7", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	resp, err := c.RoundTrip(req)
	if err != nil {
		t.Fatalf("offline navigation error = %v", err)
	}
	defer resp.Body.Close()
	if body, _ := io.ReadAll(resp.Body); string(body) != "<html>index v1</html>" {
		t.Errorf("offline navigation = %q, want the stored root document", body)
	}
}

func TestContainer_StoredGenerationServesDuringInstall(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	gen := Generation{Name: "catalog-v1", Origin: origin}
	ctx := context.Background()

	network := newFakeNetwork()
	first := NewContainer(sqliteStorage(t, dbPath), network)
	if err := first.Register(ctx, gen); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	first.Close()

	release := make(chan struct{})
	network.before = func(*http.Request) { <-release }
	c := NewContainer(sqliteStorage(t, dbPath), network)
	defer c.Close()

	registered := make(chan error, 1)
	go func() { registered <- c.Register(ctx, gen) }()

	waitFor(t, "stored generation to serve", func() bool {
		w := c.Active()
		return w != nil && w.Generation().Name == "catalog-v1"
	})
	restored := c.Active()
	if body := roundTrip(t, c, "/manifest.json"); body != `{"name":"catalog"}` {
		t.Errorf("manifest during install = %q", body)
	}

	close(release)
	if err := <-registered; err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if w := c.Active(); w == restored {
		t.Error("refreshed install did not replace the restored worker")
	}
	if restored.State() != Redundant {
		t.Errorf("restored worker state = %s, want redundant", restored.State())
	}
}

func TestContainer_SupersededSameGenerationKeepsCache(t *testing.T) {
	network := newFakeNetwork()
	storage := memory.NewCacheStorage()
	ctx := context.Background()
	c := NewContainer(storage, network)
	defer c.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	network.before = func(req *http.Request) {
		if req.URL.Host == "origin.test" {
			once.Do(func() { close(started) })
			<-release
		}
	}

	slow := make(chan error, 1)
	go func() { slow <- c.Register(ctx, Generation{Name: "catalog-v1", Origin: origin}) }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("slow install never reached the network")
	}

	const mirror = "http://mirror.test"
	if err := c.Register(ctx, Generation{Name: "catalog-v1", Origin: mirror}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	close(release)
	if err := <-slow; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("superseded Register() = %v, want ErrSuperseded", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := keys(t, storage); len(got) != 1 || got[0] != "catalog-v1" {
		t.Fatalf("Keys() = %v, want catalog-v1 kept", got)
	}
	cache, _ := storage.Open(ctx, "catalog-v1")
	if hit, _ := cache.Match(ctx, http.MethodGet, mirror+"/manifest.json"); hit == nil {
		t.Error("active generation lost its entries")
	}
}
