package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	authsvc "catalog-editor/auth"
	"catalog-editor/catalog"
	"catalog-editor/core"
	"catalog-editor/stores/memory"
)

func newTestRouter(t *testing.T) (http.Handler, core.ObjectStore) {
	t.Helper()
	t.Setenv("OIDC_ISSUER_URL", "")
	t.Setenv("GITHUB_CLIENT_ID", "")
	docs := memory.NewDocumentStore()
	objects := memory.NewObjectStore("http://localhost:3002")
	engine := catalog.NewEngine(docs, objects)
	svc := authsvc.NewService(docs, []byte("secret"))
	return setupRouter(engine, svc, objects), objects
}

func get(r http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandleUI(t *testing.T) {
	r, _ := newTestRouter(t)

	tests := []struct {
		path        string
		status      int
		contentType string
	}{
		{"/", http.StatusOK, "text/html"},
		{"/index.html", http.StatusOK, "text/html"},
		{"/manifest.json", http.StatusOK, "application/json"},
		{"/categories/abc", http.StatusOK, "text/html"},
		{"/missing.js", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(r, tt.path)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.contentType != "" && !strings.HasPrefix(rec.Header().Get("Content-Type"), tt.contentType) {
				t.Errorf("Content-Type = %q, want %q", rec.Header().Get("Content-Type"), tt.contentType)
			}
		})
	}
}

func TestHandleObjects(t *testing.T) {
	r, objects := newTestRouter(t)

	ref, err := objects.Upload(context.Background(), "users/u1/categories/c1/1_tea.png", bytes.NewReader([]byte("png-bytes")), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	u, err := objects.DownloadURL(context.Background(), ref)
	if err != nil {
		t.Fatal(err)
	}

	rec := get(r, strings.TrimPrefix(u, "http://localhost:3002"))
	if rec.Code != http.StatusOK || rec.Body.String() != "png-bytes" {
		t.Fatalf("object = %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}

	if rec := get(r, "/objects/users/u1/missing.png"); rec.Code != http.StatusNotFound {
		t.Errorf("missing object status = %d, want 404", rec.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	r, _ := newTestRouter(t)
	if rec := get(r, "/api/v2/categories"); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
