package offline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"catalog-editor/core"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Parallel manifest fetches during install.
const installConcurrency = 4

// cacheWriteTimeout bounds a single asynchronous cache write.
const cacheWriteTimeout = 30 * time.Second

// Worker serves intercepted requests for one cache generation.
type Worker struct {
	gen     Generation
	storage core.CacheStorage
	network http.RoundTripper
	log     *logrus.Entry

	mu     sync.RWMutex
	state  State
	cache  core.Cache
	closed bool

	writes sync.WaitGroup
}

func NewWorker(gen Generation, storage core.CacheStorage, network http.RoundTripper) *Worker {
	gen = gen.WithDefaults()
	return &Worker{
		gen:     gen,
		storage: storage,
		network: network,
		log:     logrus.WithField("generation", gen.Name),
		state:   Uninstalled,
	}
}

func (w *Worker) Generation() Generation {
	return w.gen
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	w.log.WithFields(logrus.Fields{"from": prev, "to": s}).Debug("Worker state changed")
}

// Install fetches every manifest entry and stores them under the worker's
// generation. Nothing is written unless every fetch succeeded. On failure a
// generation already held in storage is kept and served as installed;
// otherwise the partial generation is removed and the worker becomes
// redundant.
func (w *Worker) Install(ctx context.Context) error {
	if s := w.State(); s != Uninstalled {
		return fmt.Errorf("cannot install worker in state %s", s)
	}
	w.setState(Installing)

	existed, kerr := w.stored(ctx)
	entries, err := w.fetchManifest(ctx)
	if err == nil {
		err = w.store(ctx, entries)
	}
	if err == nil {
		w.setState(Installed)
		w.log.WithField("entries", len(entries)).Info("Generation installed")
		return nil
	}

	switch {
	case kerr != nil:
		w.log.WithError(kerr).Warn("Could not tell whether the generation was stored before, leaving it in place")
	case existed:
		aerr := w.adopt(context.WithoutCancel(ctx))
		if aerr == nil {
			w.log.WithError(err).Warn("Install failed, serving the stored copy of this generation")
			w.setState(Installed)
			return nil
		}
		w.log.WithError(aerr).Warn("Failed to open stored generation")
	default:
		if _, derr := w.storage.Delete(context.WithoutCancel(ctx), w.gen.Name); derr != nil {
			w.log.WithError(derr).Warn("Failed to remove partial generation")
		}
	}
	w.log.WithError(err).Error("Install failed")
	w.setState(Redundant)
	return err
}

// Restore serves the worker's generation straight from storage, as left by
// an earlier run, without fetching anything. It reports false when storage
// does not hold the generation.
func (w *Worker) Restore(ctx context.Context) (bool, error) {
	if s := w.State(); s != Uninstalled {
		return false, fmt.Errorf("cannot restore worker in state %s", s)
	}
	found, err := w.stored(ctx)
	if err != nil || !found {
		return false, err
	}
	if err := w.adopt(ctx); err != nil {
		return false, err
	}
	w.setState(Active)
	w.log.Info("Restored generation from storage")
	return true, nil
}

func (w *Worker) stored(ctx context.Context) (bool, error) {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(names, w.gen.Name), nil
}

func (w *Worker) adopt(ctx context.Context) error {
	cache, err := w.storage.Open(ctx, w.gen.Name)
	if err != nil {
		return fmt.Errorf("open generation: %w", err)
	}
	w.mu.Lock()
	w.cache = cache
	w.mu.Unlock()
	return nil
}

func (w *Worker) fetchManifest(ctx context.Context) ([]*core.CachedResponse, error) {
	entries := make([]*core.CachedResponse, len(w.gen.Manifest))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)

	origin := strings.TrimRight(w.gen.Origin, "/")
	for i, path := range w.gen.Manifest {
		i, path := i, path
		g.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+path, nil)
			if err != nil {
				return err
			}
			resp, err := w.network.RoundTrip(req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", path, err)
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				return fmt.Errorf("fetch %s: unexpected status %d", path, resp.StatusCode)
			}
			entry, err := capture(req, resp)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (w *Worker) store(ctx context.Context, entries []*core.CachedResponse) error {
	cache, err := w.storage.Open(ctx, w.gen.Name)
	if err != nil {
		return fmt.Errorf("open generation: %w", err)
	}
	for _, entry := range entries {
		if err := cache.Put(ctx, entry); err != nil {
			return fmt.Errorf("store %s: %w", entry.URL, err)
		}
	}
	w.mu.Lock()
	w.cache = cache
	w.mu.Unlock()
	return nil
}

// Activate deletes every other generation. The worker is active afterwards
// even when some deletions failed; they are retried on the next activation.
func (w *Worker) Activate(ctx context.Context) error {
	if s := w.State(); s != Installed {
		return fmt.Errorf("cannot activate worker in state %s", s)
	}
	w.setState(Activating)

	var firstErr error
	names, err := w.storage.Keys(ctx)
	if err != nil {
		firstErr = err
	}
	for _, name := range names {
		if name == w.gen.Name {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.log.WithError(err).WithField("stale", name).Warn("Failed to delete stale generation")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.log.WithField("stale", name).Info("Deleted stale generation")
	}

	w.setState(Active)
	return firstErr
}

func (w *Worker) generationCache() core.Cache {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cache
}

// Fetch answers an intercepted request.
func (w *Worker) Fetch(req *http.Request) (*http.Response, error) {
	if IsNavigation(req) {
		return w.fetchNavigation(req)
	}
	return w.fetchCacheFirst(req)
}

func (w *Worker) fetchNavigation(req *http.Request) (*http.Response, error) {
	resp, err := w.network.RoundTrip(req)
	if err == nil {
		return resp, nil
	}

	root := rootURL(req, w.gen.RootDocument)
	log := w.log.WithFields(logrus.Fields{"url": req.URL.String(), "fallback": root})
	if cached := w.match(req.Context(), http.MethodGet, root); cached != nil {
		log.WithError(err).Info("Navigation offline, serving cached root document")
		return replay(req, cached), nil
	}
	log.WithError(err).Warn("Navigation offline and root document not cached")
	return nil, err
}

func (w *Worker) fetchCacheFirst(req *http.Request) (*http.Response, error) {
	if !cacheable(req) {
		return w.network.RoundTrip(req)
	}

	url := req.URL.String()
	if cached := w.match(req.Context(), req.Method, url); cached != nil {
		return replay(req, cached), nil
	}

	resp, err := w.network.RoundTrip(req)
	if err != nil {
		// Another request may have populated the cache since the first lookup.
		if cached := w.match(req.Context(), req.Method, url); cached != nil {
			return replay(req, cached), nil
		}
		return nil, err
	}

	if resp.StatusCode == http.StatusOK && req.Method == http.MethodGet && storable(resp) {
		entry, cerr := capture(req, resp)
		if cerr != nil {
			return nil, cerr
		}
		w.storeAsync(entry)
	}
	return resp, nil
}

func (w *Worker) match(ctx context.Context, method, url string) *core.CachedResponse {
	cache := w.generationCache()
	if cache == nil {
		return nil
	}
	cached, err := cache.Match(ctx, method, url)
	if err != nil {
		w.log.WithError(err).WithField("url", url).Warn("Cache lookup failed")
		return nil
	}
	return cached
}

func (w *Worker) storeAsync(entry *core.CachedResponse) {
	w.mu.Lock()
	cache := w.cache
	if cache == nil || w.closed {
		w.mu.Unlock()
		return
	}
	w.writes.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()
		if err := cache.Put(ctx, entry); err != nil {
			w.log.WithError(err).WithField("url", entry.URL).Warn("Failed to cache response")
		}
	}()
}

// Wait blocks until every pending cache write has finished.
func (w *Worker) Wait() {
	w.writes.Wait()
}

// Close stops caching new responses and waits for pending writes. Requests
// still reaching the worker are served without being stored.
func (w *Worker) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.writes.Wait()
}
