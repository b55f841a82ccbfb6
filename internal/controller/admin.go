package controller

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/angariumd/gridq/internal/models"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

// AdminRoutes serves the operator API. metrics may be nil.
func (s *Server) AdminRoutes(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/jobs", s.handleJobs)
		r.Get("/workers", s.handleWorkers)
		r.Get("/history", s.handleHistory)
		r.Get("/events", s.handleEvents)
		r.Post("/shutdown", s.handleShutdown)
	})
	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start).String(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.queue.Closed() {
		status = "shutting_down"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	alive, total := s.workers.Counts()
	writeJSON(w, http.StatusOK, models.StatsResponse{
		Queue:        s.queue.Stats(),
		WorkersAlive: alive,
		WorkersTotal: total,
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	resp := models.JobsResponse{
		Pending: s.queue.Pending(),
		Running: s.queue.Running(),
	}
	if resp.Pending == nil {
		resp.Pending = []models.Job{}
	}
	if resp.Running == nil {
		resp.Running = []models.Job{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.workers.List()
	if workers == nil {
		workers = []models.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "history is not recorded", http.StatusNotFound)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	stats, err := s.store.GetJobStats()
	if err != nil {
		s.logger.Error("history stats", "error", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	recent, err := s.store.RecentJobs(limit)
	if err != nil {
		s.logger.Error("recent jobs", "error", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, models.HistoryResponse{RunID: s.store.RunID(), Stats: stats, Recent: recent})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "events are not recorded", http.StatusNotFound)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	evts, err := s.store.ListEvents(limit)
	if err != nil {
		s.logger.Error("list events", "error", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, evts)
}

// handleShutdown only asks the process to stop; the caller of
// StopRequested performs the graceful shutdown.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("shutdown requested over admin API", "remote", r.RemoteAddr)
	s.requestStop()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return min(n, maxListLimit), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
