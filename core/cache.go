package core

import (
	"context"
	"net/http"
	"time"
)

type (
	// CachedResponse is one stored response of a cache generation, keyed by
	// request method and URL.
	CachedResponse struct {
		Method   string      `json:"method"`
		URL      string      `json:"url"`
		Status   int         `json:"status"`
		Header   http.Header `json:"header"`
		Body     []byte      `json:"body"`
		StoredAt time.Time   `json:"storedAt"`
	}

	// Cache is a single named generation.
	Cache interface {
		// Match returns the stored response or (nil, nil) on a miss.
		Match(ctx context.Context, method, url string) (*CachedResponse, error)
		Put(ctx context.Context, resp *CachedResponse) error
	}

	// CacheStorage holds every generation. Generations are only ever evicted
	// as a whole.
	CacheStorage interface {
		Open(ctx context.Context, name string) (Cache, error)
		Keys(ctx context.Context) ([]string, error)
		Delete(ctx context.Context, name string) (bool, error)
	}
)
