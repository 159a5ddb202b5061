package handlers

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newFilesRouter(h *FileHandler) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/api/files/{stage}/{batchID}/{filename}", h)
	return r
}

func TestFileContent(t *testing.T) {
	store, _ := newTestStore(t)
	info := createTestBatch(t, store, "alpha", "a.eml")

	outDir := store.ProcessedDir(info.BatchID)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "a.md"), []byte("# Email - a.eml\n\nbody"), 0644); err != nil {
		t.Fatalf("failed to write markdown: %v", err)
	}

	router := newFilesRouter(NewFileHandler(store))
	req := httptest.NewRequest(http.MethodGet, "/api/files/processed/"+info.BatchID+"/a.md", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("Content-Type = %q", got)
	}
	if !strings.Contains(w.Body.String(), "# Email - a.eml") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestFileRenderedHTML(t *testing.T) {
	store, _ := newTestStore(t)
	info := createTestBatch(t, store, "alpha", "a.eml")

	outDir := store.FinalDir(info.BatchID)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "a.md"), []byte("# Heading\n\n**bold**"), 0644); err != nil {
		t.Fatalf("failed to write markdown: %v", err)
	}

	router := newFilesRouter(NewFileHandler(store))
	req := httptest.NewRequest(http.MethodGet, "/api/files/final/"+info.BatchID+"/a.md?render=html", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
		t.Errorf("Content-Type = %q", got)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<h1") || !strings.Contains(body, "<strong>bold</strong>") {
		t.Errorf("rendered body missing markdown conversion: %q", body)
	}
}

func TestFileNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	info := createTestBatch(t, store, "alpha", "a.eml")

	router := newFilesRouter(NewFileHandler(store))
	req := httptest.NewRequest(http.MethodGet, "/api/files/processed/"+info.BatchID+"/missing.md", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestFileUnknownStage(t *testing.T) {
	store, _ := newTestStore(t)
	info := createTestBatch(t, store, "alpha", "a.eml")

	router := newFilesRouter(NewFileHandler(store))
	req := httptest.NewRequest(http.MethodGet, "/api/files/secrets/"+info.BatchID+"/a.md", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHealth(t *testing.T) {
	store, _ := newTestStore(t)
	handler := NewHealthHandler(store.UploadsRoot())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	broken := NewHealthHandler(filepath.Join(store.UploadsRoot(), "does-not-exist"))
	w = httptest.NewRecorder()
	broken.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
