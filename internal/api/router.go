// Package api serves the localhost API used by the UI shell: capture,
// hybrid reads, manual sync, status, connectivity signals and a WebSocket
// event stream.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/evalsync/internal/logging"
	"github.com/kimhsiao/evalsync/internal/store"
	syncpkg "github.com/kimhsiao/evalsync/internal/sync"
	"github.com/kimhsiao/evalsync/internal/sync/connectivity"
	"github.com/kimhsiao/evalsync/internal/sync/queue"
	"github.com/kimhsiao/evalsync/internal/sync/reconcile"
	"github.com/kimhsiao/evalsync/internal/sync/scheduler"
)

// Deps are the components the API fronts.
type Deps struct {
	Secure      *store.Secure
	Queue       *queue.EvaluationQueue
	Engine      *syncpkg.SyncEngine
	Monitor     *connectivity.Monitor
	Scheduler   *scheduler.Scheduler
	Evaluations *reconcile.Service
	Hub         *Hub
}

// Handler holds the API endpoints.
type Handler struct {
	secure      *store.Secure
	queue       *queue.EvaluationQueue
	engine      *syncpkg.SyncEngine
	monitor     *connectivity.Monitor
	scheduler   *scheduler.Scheduler
	evaluations *reconcile.Service
	hub         *Hub
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		secure:      d.Secure,
		queue:       d.Queue,
		engine:      d.Engine,
		monitor:     d.Monitor,
		scheduler:   d.Scheduler,
		evaluations: d.Evaluations,
		hub:         d.Hub,
	}
}

// NewRouter builds the chi router for h.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Post("/evaluations", h.CreateEvaluation)
		r.Get("/evaluations", h.ListEvaluations)

		r.Post("/sync", h.SyncNow)
		r.Get("/status", h.Status)
		r.Post("/connectivity", h.SetConnectivity)
		r.Delete("/data", h.ClearData)

		r.Get("/events", h.Events)
	})
	return r
}

// requestLogger logs each request through the structured logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		logging.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}
