package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"catalog-editor/core"
)

// cacheStorage keeps cache generations in memory.
type cacheStorage struct {
	mu          sync.RWMutex
	generations map[string]*cache
}

func NewCacheStorage() *cacheStorage {
	return &cacheStorage{generations: make(map[string]*cache)}
}

func (s *cacheStorage) Open(ctx context.Context, name string) (core.Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.generations[name]
	if !ok {
		c = &cache{name: name, entries: make(map[string]core.CachedResponse)}
		s.generations[name] = c
	}
	return c, nil
}

func (s *cacheStorage) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.generations))
	for name := range s.generations {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *cacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.generations[name]
	if ok {
		c.mu.Lock()
		c.deleted = true
		c.entries = nil
		c.mu.Unlock()
	}
	delete(s.generations, name)
	return ok, nil
}

type cache struct {
	name    string
	mu      sync.RWMutex
	entries map[string]core.CachedResponse
	deleted bool
}

func (c *cache) Match(ctx context.Context, method, url string) (*core.CachedResponse, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[method+" "+url]
	if !ok {
		return nil, nil
	}
	out := entry
	out.Body = append([]byte(nil), entry.Body...)
	out.Header = entry.Header.Clone()
	return &out, nil
}

func (c *cache) Put(ctx context.Context, resp *core.CachedResponse) error {
	stored := *resp
	stored.Body = append([]byte(nil), resp.Body...)
	stored.Header = resp.Header.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return fmt.Errorf("cache generation %s no longer exists", c.name)
	}
	c.entries[resp.Method+" "+resp.URL] = stored
	return nil
}
