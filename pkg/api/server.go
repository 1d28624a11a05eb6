package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/veilworks/veil/pkg/events"
	"github.com/veilworks/veil/pkg/health"
	"github.com/veilworks/veil/pkg/log"
	"github.com/veilworks/veil/pkg/metrics"
	"github.com/veilworks/veil/pkg/pipeline"
	"github.com/veilworks/veil/pkg/storage"
	"github.com/veilworks/veil/pkg/types"
)

// Principal identifies the caller of an API request. Authentication (token
// minting, session handling) lives outside this service; the gateway passes
// the resolved identity in headers.
type Principal struct {
	UserID string
	Role   string
}

// Guard authorizes one action for a principal. Role-to-action policy comes
// from configuration, not from handler metadata.
type Guard func(p Principal, action string) bool

// AllowAll is the development guard.
func AllowAll(Principal, string) bool { return true }

// RoleGuard builds a Guard from a role-to-actions table. An empty table
// denies everything except callers with the admin role.
func RoleGuard(roles map[string][]string) Guard {
	return func(p Principal, action string) bool {
		if p.Role == "admin" {
			return true
		}
		for _, allowed := range roles[p.Role] {
			if allowed == action || allowed == "*" {
				return true
			}
		}
		return false
	}
}

// Server is the HTTP surface: the inbound enqueue contract, read paths for
// jobs/datasets/findings, and the SSE event stream.
type Server struct {
	pipeline   *pipeline.Pipeline
	store      storage.Store
	broker     *events.Broker
	checks     *health.Registry
	guard      Guard
	sseEnabled bool
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer creates the API server.
func NewServer(p *pipeline.Pipeline, store storage.Store, broker *events.Broker, checks *health.Registry, guard Guard, sseEnabled bool) *Server {
	if guard == nil {
		guard = AllowAll
	}
	return &Server{
		pipeline:   p,
		store:      store,
		broker:     broker,
		checks:     checks,
		guard:      guard,
		sseEnabled: sseEnabled,
		logger:     log.WithComponent("api"),
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.requireAction("jobs.write", s.handleEnqueue))
		r.Get("/jobs/{id}", s.requireAction("jobs.read", s.handleGetJob))
		r.Post("/jobs/{id}/cancel", s.requireAction("jobs.write", s.handleCancel))
		r.Post("/jobs/{id}/retry", s.requireAction("jobs.write", s.handleRetry))
		r.Get("/datasets/{id}", s.requireAction("datasets.read", s.handleGetDataset))
		r.Get("/datasets/{id}/findings", s.requireAction("findings.read", s.handleListFindings))
		r.Get("/datasets/{id}/jobs", s.requireAction("jobs.read", s.handleListDatasetJobs))
		r.Get("/notifications", s.requireAction("notifications.read", s.handleListNotifications))
		if s.sseEnabled {
			r.Get("/events", s.requireAction("events.read", s.handleEvents))
		}
	})

	return r
}

// Start serves until the listener fails.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API listening")
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// principalFrom resolves the caller identity from gateway headers.
func principalFrom(r *http.Request) Principal {
	return Principal{
		UserID: r.Header.Get("X-User-ID"),
		Role:   r.Header.Get("X-User-Role"),
	}
}

// requireAction wraps a handler with the authorization guard.
func (s *Server) requireAction(action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r)
		if p.UserID == "" {
			writeError(w, http.StatusUnauthorized, "missing identity")
			return
		}
		if !s.guard(p, action) {
			writeError(w, http.StatusForbidden, "not allowed")
			return
		}
		next(w, r)
	}
}

// observe records request metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req types.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DatasetID == "" || req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "datasetId and filePath are required")
		return
	}
	if req.UserID == "" {
		req.UserID = principalFrom(r).UserID
	}

	// The dataset record is created here so the pipeline always finds one.
	if _, err := s.store.GetDataset(req.DatasetID); err != nil {
		ds := &types.Dataset{
			ID:         req.DatasetID,
			FileName:   req.FileName,
			FileType:   fileTypeOf(req.FileName),
			MimeType:   req.MimeType,
			SizeBytes:  req.FileSize,
			Status:     types.DatasetStatusPending,
			SourcePath: req.FilePath,
			ProjectID:  req.ProjectID,
			UserID:     req.UserID,
			PolicyID:   req.PolicyID,
			CreatedAt:  time.Now(),
			UpdatedAt:  time.Now(),
		}
		if err := s.store.CreateDataset(ds); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create dataset")
			return
		}
	}

	job, err := s.pipeline.EnqueueFileProcessing(r.Context(), req)
	if err != nil {
		if types.KindOf(err) == types.KindQueueFull {
			writeError(w, http.StatusServiceUnavailable, "queue at capacity, retry later")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pipeline.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.pipeline.Retry(r.Context(), id)
	if err != nil {
		if types.KindOf(err) == types.KindQueueFull {
			writeError(w, http.StatusServiceUnavailable, "queue at capacity, retry later")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	ds, err := s.store.GetDataset(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "dataset not found")
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	findings, err := s.store.ListFindings(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	summary, err := s.store.FindingsSummary(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"findings": findings,
		"summary":  summary,
	})
}

func (s *Server) handleListDatasetJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobsByDataset(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	notifications, err := s.store.ListNotificationsByUser(principalFrom(r).UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	results := s.checks.CheckAll(r.Context())

	checks := make(map[string]string, len(results))
	for name, res := range results {
		if res.Healthy {
			checks[name] = "ok"
		} else {
			checks[name] = res.Message
		}
	}

	status := http.StatusOK
	state := "ready"
	if !health.Healthy(results) {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":    state,
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func fileTypeOf(fileName string) string {
	for i := len(fileName) - 1; i >= 0; i-- {
		if fileName[i] == '.' {
			return fileName[i+1:]
		}
	}
	return ""
}
