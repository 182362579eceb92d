package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"

	"catalog-editor/core"

	"github.com/sirupsen/logrus"
)

type object struct {
	data        []byte
	contentType string
}

// objectStore keeps uploaded objects in memory and hands out URLs below
// baseURL.
type objectStore struct {
	mu      sync.RWMutex
	objects map[string]object
	baseURL string
}

// NewObjectStore creates a new in-memory object store.
func NewObjectStore(baseURL string) *objectStore {
	return &objectStore{
		objects: make(map[string]object),
		baseURL: baseURL,
	}
}

func (s *objectStore) Upload(ctx context.Context, path string, body io.Reader, contentType string) (core.ObjectRef, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return core.ObjectRef{}, fmt.Errorf("failed to read object body: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return core.ObjectRef{}, err
	}

	s.mu.Lock()
	s.objects[path] = object{data: data, contentType: contentType}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{"path": path, "size": len(data)}).Info("Object uploaded")
	return core.ObjectRef{Path: path, Size: int64(len(data)), ContentType: contentType}, nil
}

func (s *objectStore) DownloadURL(ctx context.Context, ref core.ObjectRef) (string, error) {
	s.mu.RLock()
	_, ok := s.objects[ref.Path]
	s.mu.RUnlock()
	if !ok {
		return "", core.NewNotFoundError("objects", ref.Path)
	}
	return s.baseURL + "/objects/" + (&url.URL{Path: ref.Path}).EscapedPath(), nil
}

func (s *objectStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[path]; !ok {
		return core.NewNotFoundError("objects", path)
	}
	delete(s.objects, path)
	logrus.WithField("path", path).Info("Object deleted")
	return nil
}

// Open returns the object stored at path.
func (s *objectStore) Open(ctx context.Context, path string) (io.ReadCloser, string, error) {
	s.mu.RLock()
	obj, ok := s.objects[path]
	s.mu.RUnlock()
	if !ok {
		return nil, "", core.NewNotFoundError("objects", path)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.contentType, nil
}

// Exists reports whether an object is stored at path.
func (s *objectStore) Exists(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[path]
	return ok
}
