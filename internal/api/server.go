// Package api exposes the read-only HTTP surface of the ingestion
// pipeline: health probes, a JSON view of the dashboard snapshot, and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ingestpipe/mediaingest/internal/metrics"
	"github.com/ingestpipe/mediaingest/internal/pipeline"
)

// SnapshotSource is the slice of the orchestrator the status endpoint reads.
type SnapshotSource interface {
	Snapshot() pipeline.Snapshot
}

// CountStore is the slice of the persistence contract backing the status
// endpoint's totals.
type CountStore interface {
	CountUndownloaded(ctx context.Context) (int, error)
	CountPendingUploads(ctx context.Context) (int, error)
	CountDownloads(ctx context.Context) (int, error)
	CountUploads(ctx context.Context) (int, error)
}

// Server wires HTTP handlers to the orchestrator and store.
type Server struct {
	router   chi.Router
	snapshot SnapshotSource
	counts   CountStore
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(snapshot SnapshotSource, counts CountStore, logger *zap.Logger) *Server {
	s := &Server{
		snapshot: snapshot,
		counts:   counts,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/status", s.status)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready only when the store answers a trivial count query.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, err := s.counts.CountDownloads(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse mirrors the dashboard's text render as structured JSON.
type statusResponse struct {
	Status            string `json:"status"`
	DownloadQueueLen  int    `json:"download_queue_len"`
	UploadQueueLen    int    `json:"upload_queue_len"`
	ActiveDownloads   int    `json:"active_downloads"`
	ActiveUploads     int    `json:"active_uploads"`
	CompletedDownload int    `json:"completed_downloads"`
	CompletedUpload   int    `json:"completed_uploads"`
	DownloadWorkers   int    `json:"download_workers"`
	UploadWorkers     int    `json:"upload_workers"`
	PendingDownloads  int    `json:"pending_downloads"`
	PendingUploads    int    `json:"pending_uploads"`
	TotalDownloaded   int    `json:"total_downloaded"`
	TotalUploaded     int    `json:"total_uploaded"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot.Snapshot()
	resp := statusResponse{
		Status:            snap.Status,
		DownloadQueueLen:  snap.DownloadQueueLen,
		UploadQueueLen:    snap.UploadQueueLen,
		ActiveDownloads:   len(snap.Downloads),
		ActiveUploads:     len(snap.Uploads),
		CompletedDownload: snap.CompletedDownload,
		CompletedUpload:   snap.CompletedUpload,
		DownloadWorkers:   snap.DownloadWorkers,
		UploadWorkers:     snap.UploadWorkers,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if n, err := s.counts.CountUndownloaded(ctx); err == nil {
		resp.PendingDownloads = n
	}
	if n, err := s.counts.CountPendingUploads(ctx); err == nil {
		resp.PendingUploads = n
	}
	if n, err := s.counts.CountDownloads(ctx); err == nil {
		resp.TotalDownloaded = n
	}
	if n, err := s.counts.CountUploads(ctx); err == nil {
		resp.TotalUploaded = n
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
