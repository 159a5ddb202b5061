// Package http wires the chi router and request middleware for the API.
package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mailkb/internal/batch"
	"mailkb/internal/handlers"
	"mailkb/internal/ledger"
	"mailkb/internal/pipeline"
)

// Deps holds dependencies for the HTTP router.
type Deps struct {
	Batches  *batch.Store
	Ledger   ledger.Store
	Runner   handlers.StageRunner
	Progress *pipeline.Tracker
	Stop     *pipeline.StopController
}

// NewRouter creates the API router with the provided dependencies.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(CORS)
	r.Use(LoggerMiddleware)
	r.Use(RequestLogger)

	uploadHandler := handlers.NewUploadHandler(deps.Batches)
	batchHandler := handlers.NewBatchHandler(deps.Batches, deps.Ledger)
	autoHandler := handlers.NewAutoHandler(deps.Runner, deps.Batches, deps.Progress, deps.Stop)
	fileHandler := handlers.NewFileHandler(deps.Batches)
	healthHandler := handlers.NewHealthHandler(deps.Batches.UploadsRoot())

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodPost, "/upload", uploadHandler)

		r.Get("/batches", batchHandler.List)
		r.Route("/batches/{batchID}", func(r chi.Router) {
			r.Get("/", batchHandler.Detail)
			r.Put("/label", batchHandler.UpdateLabel)
			r.Put("/kb-label", batchHandler.LabelKB)
			r.Post("/reset", batchHandler.Reset)
			r.Delete("/", batchHandler.Delete)
		})

		r.Route("/auto", func(r chi.Router) {
			r.Post("/clean", autoHandler.Clean)
			r.Post("/llm-process", autoHandler.LLMProcess)
			r.Post("/upload-kb", autoHandler.UploadKB)
			r.Post("/stop", autoHandler.Stop)
			r.Get("/progress", autoHandler.Progress)
		})

		r.Method(http.MethodGet, "/files/{stage}/{batchID}/{filename}", fileHandler)
		r.Method(http.MethodGet, "/health", healthHandler)
	})

	return r
}
