package handlers

import (
	"bytes"
	"errors"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	ghhtml "github.com/yuin/goldmark/renderer/html"

	"mailkb/internal/batch"
	"mailkb/internal/contextutil"
)

// FileHandler serves generated batch output files, optionally rendered as
// HTML for browser preview.
type FileHandler struct {
	batches  *batch.Store
	parser   goldmark.Markdown
	template *template.Template
}

// filePageData holds template data for rendered markdown pages.
type filePageData struct {
	Title   string
	BatchID string
	Content template.HTML
}

// NewFileHandler creates a new handler for serving batch output files.
func NewFileHandler(batches *batch.Store) *FileHandler {
	tmpl := template.Must(template.New("file").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Title}}</title>
  <style>
    body {
      font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
      margin: 0 auto;
      padding: 2rem;
      max-width: 800px;
      line-height: 1.6;
    }
    h1, h2, h3 {
      color: #1a202c;
    }
    code {
      background: #edf2f7;
      padding: 2px 5px;
      border-radius: 4px;
    }
    .meta {
      color: #718096;
      font-size: 0.9rem;
      border-bottom: 1px solid #e2e8f0;
      padding-bottom: 1rem;
      margin-bottom: 1.5rem;
    }
  </style>
</head>
<body>
  <p class="meta">Batch: {{.BatchID}}</p>
  <article>{{.Content}}</article>
</body>
</html>`))

	return &FileHandler{
		batches: batches,
		parser: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(ghhtml.WithUnsafe()),
		),
		template: tmpl,
	}
}

// ServeHTTP returns one batch output file. The stage path segment selects
// the directory: "processed" for cleaned markdown, "final" for refined
// markdown, "uploads" for the raw email source.
func (h *FileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	stage := chi.URLParam(r, "stage")
	batchID := chi.URLParam(r, "batchID")
	rawName, err := url.PathUnescape(chi.URLParam(r, "filename"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid filename encoding")
		return
	}
	name := batch.SanitizeFilename(rawName)
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "invalid filename")
		return
	}

	var dir string
	switch stage {
	case "uploads":
		dir = h.batches.UploadDir(batchID)
	case "processed":
		dir = h.batches.ProcessedDir(batchID)
	case "final":
		dir = h.batches.FinalDir(batchID)
	default:
		writeError(w, r, http.StatusBadRequest, "unknown stage")
		return
	}

	content, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, r, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "failed to read output file", "stage", stage, "file", name, "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to read file")
		return
	}

	if r.URL.Query().Get("render") == "html" && filepath.Ext(name) == ".md" {
		var buf bytes.Buffer
		if err := h.parser.Convert(content, &buf); err != nil {
			logger.ErrorContext(ctx, "failed to render markdown", "file", name, "error", err)
			writeError(w, r, http.StatusInternalServerError, "failed to render markdown")
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := h.template.Execute(w, filePageData{
			Title:   name,
			BatchID: batchID,
			Content: template.HTML(buf.String()),
		}); err != nil {
			logger.ErrorContext(ctx, "failed to render page", "file", name, "error", err)
		}
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(content)
}
