package offline

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"catalog-editor/core"
)

// IsNavigation reports whether req loads a new top-level document.
func IsNavigation(req *http.Request) bool {
	return req.Method == http.MethodGet && strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate")
}

// cacheable reports whether responses to req may be shared through the cache.
// Requests carrying credentials are answered per caller.
func cacheable(req *http.Request) bool {
	return req.Header.Get("Authorization") == "" && req.Header.Get("Cookie") == ""
}

// storable reports whether resp allows being kept in a shared cache.
func storable(resp *http.Response) bool {
	for _, value := range resp.Header.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			if strings.EqualFold(name, "no-store") || strings.EqualFold(name, "private") {
				return false
			}
		}
	}
	return true
}

// rootURL resolves path against the origin of req.
func rootURL(req *http.Request, path string) string {
	u := url.URL{Scheme: req.URL.Scheme, Host: req.URL.Host, Path: path}
	if u.Host == "" {
		u.Host = req.Host
	}
	return u.String()
}

// capture drains resp into a cacheable copy and rewinds resp.Body so the
// caller still sees the full live response.
func capture(req *http.Request, resp *http.Response) (*core.CachedResponse, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	return &core.CachedResponse{
		Method:   req.Method,
		URL:      req.URL.String(),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}

// replay turns a cached entry back into a response for req.
func replay(req *http.Request, cached *core.CachedResponse) *http.Response {
	header := cached.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", cached.Status, http.StatusText(cached.Status)),
		StatusCode:    cached.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(cached.Body)),
		ContentLength: int64(len(cached.Body)),
		Request:       req,
	}
}
