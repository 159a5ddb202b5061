package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
)

func multipartUpload(t *testing.T, label string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if label != "" {
		if err := mw.WriteField("label", label); err != nil {
			t.Fatalf("WriteField() error = %v", err)
		}
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		if _, err := io.WriteString(fw, content); err != nil {
			t.Fatalf("WriteString() error = %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	store, _ := newTestStore(t)
	handler := NewUploadHandler(store)

	body, contentType := multipartUpload(t, "march-support", map[string]string{
		"one.eml":    "From: a@b.c\n\nhello",
		"two.eml":    "From: a@b.c\n\nworld",
		"notes.txt":  "not an email",
		"../bad.eml": "From: a@b.c\n\nescape attempt",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp UploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success {
		t.Error("expected success")
	}
	// "../bad.eml" sanitizes to bad.eml and is stored; only the txt is skipped.
	if resp.Saved != 3 {
		t.Errorf("Saved = %d, want 3", resp.Saved)
	}
	if len(resp.Skipped) != 1 || resp.Skipped[0].Filename != "notes.txt" {
		t.Errorf("Skipped = %+v", resp.Skipped)
	}

	info, err := store.Load(resp.BatchID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if info.CustomLabel != "march-support" {
		t.Errorf("CustomLabel = %q", info.CustomLabel)
	}
	if !info.Status.Uploaded || info.Status.Cleaned {
		t.Errorf("Status = %+v", info.Status)
	}
}

func TestUploadRequiresLabel(t *testing.T) {
	store, _ := newTestStore(t)
	handler := NewUploadHandler(store)

	body, contentType := multipartUpload(t, "", map[string]string{"one.eml": "x"})
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestUploadSkipsCrossBatchDuplicates(t *testing.T) {
	store, _ := newTestStore(t)
	existing := createTestBatch(t, store, "first", "shared.eml")
	handler := NewUploadHandler(store)

	body, contentType := multipartUpload(t, "second", map[string]string{
		"shared.eml": "From: a@b.c\n\nagain",
		"fresh.eml":  "From: a@b.c\n\nnew",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp UploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Saved != 1 {
		t.Errorf("Saved = %d, want 1", resp.Saved)
	}
	if len(resp.Skipped) != 1 || resp.Skipped[0].BatchID != existing.BatchID {
		t.Errorf("Skipped = %+v, want shared.eml owned by %s", resp.Skipped, existing.BatchID)
	}
}

func TestUploadNothingUsable(t *testing.T) {
	store, _ := newTestStore(t)
	handler := NewUploadHandler(store)

	body, contentType := multipartUpload(t, "empty", map[string]string{"readme.txt": "x"})
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	// No empty batch directory left behind.
	summaries, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(summaries) != 0 {
		t.Errorf("found %d batches, want 0", len(summaries))
	}
}
