package filesystem

import (
	"context"
	"fmt"
	"io"
	"log"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"catalog-editor/core"

	"github.com/sirupsen/logrus"
)

// fsStore keeps objects as files below basePath. Download URLs point at the
// catalog server, which serves them through Open.
type fsStore struct {
	basePath string
	baseURL  string
}

// NewObjectStore creates a new filesystem-based object store.
func NewObjectStore(basePath, baseURL string) *fsStore {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Fatalf("failed to create base directory: %v", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		log.Fatalf("failed to resolve base directory: %v", err)
	}
	return &fsStore{basePath: abs, baseURL: strings.TrimRight(baseURL, "/")}
}

// resolve maps an object path to a file below basePath.
func (s *fsStore) resolve(objectPath string) (string, error) {
	if objectPath == "" || strings.Contains(objectPath, "\\") {
		return "", fmt.Errorf("invalid object path %q", objectPath)
	}
	filePath := filepath.Join(s.basePath, filepath.FromSlash(objectPath))
	if !strings.HasPrefix(filePath, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path: access denied")
	}
	return filePath, nil
}

func (s *fsStore) Upload(ctx context.Context, objectPath string, body io.Reader, contentType string) (core.ObjectRef, error) {
	filePath, err := s.resolve(objectPath)
	if err != nil {
		return core.ObjectRef{}, err
	}
	log := logrus.WithFields(logrus.Fields{"path": objectPath, "file_path": filePath})

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		log.WithError(err).Error("Failed to create object directory")
		return core.ObjectRef{}, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".upload-*")
	if err != nil {
		log.WithError(err).Error("Failed to create object file")
		return core.ObjectRef{}, err
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: body})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.WithError(err).Error("Failed to write object")
		return core.ObjectRef{}, err
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		log.WithError(err).Error("Failed to move object into place")
		return core.ObjectRef{}, err
	}

	log.WithField("size", size).Info("Object uploaded")
	return core.ObjectRef{Path: objectPath, Size: size, ContentType: contentType}, nil
}

func (s *fsStore) DownloadURL(ctx context.Context, ref core.ObjectRef) (string, error) {
	filePath, err := s.resolve(ref.Path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return "", core.NewNotFoundError("objects", ref.Path)
		}
		return "", err
	}
	return s.baseURL + "/objects/" + (&url.URL{Path: ref.Path}).EscapedPath(), nil
}

func (s *fsStore) Delete(ctx context.Context, objectPath string) error {
	filePath, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	log := logrus.WithField("path", objectPath)

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			log.Warn("Object not found for deletion")
			return core.NewNotFoundError("objects", objectPath)
		}
		log.WithError(err).Error("Failed to delete object")
		return err
	}
	log.Info("Object deleted")
	return nil
}

// Open returns the object stored at objectPath together with its content
// type, guessed from the extension.
func (s *fsStore) Open(ctx context.Context, objectPath string) (io.ReadCloser, string, error) {
	filePath, err := s.resolve(objectPath)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", core.NewNotFoundError("objects", objectPath)
		}
		return nil, "", err
	}
	contentType := mime.TypeByExtension(filepath.Ext(filePath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return f, contentType, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
