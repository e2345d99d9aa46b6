// Package api exposes the admin HTTP surface: schedule definition CRUD
// and job inspection/control.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"crawl-scheduler/internal/config"
	"crawl-scheduler/internal/models"
	"crawl-scheduler/internal/queue"
	"crawl-scheduler/internal/ratelimit"
	"crawl-scheduler/internal/schedule"
	"crawl-scheduler/internal/telemetry"
)

// Server wires HTTP handlers for the scheduler admin API.
type Server struct {
	cfg       config.Config
	schedules *schedule.Service
	queue     *queue.Queue
	limiter   *ratelimit.TokenBucket
	log       *zap.Logger
}

// New constructs the API server. limiter may be nil in tests.
func New(cfg config.Config, schedules *schedule.Service, q *queue.Queue, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		schedules: schedules,
		queue:     q,
		limiter:   limiter,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/schedules", func(r chi.Router) {
		r.Post("/", s.handleCreateSchedule)
		r.Get("/", s.handleListSchedules)
		r.Get("/{id}", s.handleGetSchedule)
		r.Patch("/{id}", s.handleUpdateSchedule)
		r.Post("/{id}/pause", s.handlePauseSchedule)
		r.Post("/{id}/resume", s.handleResumeSchedule)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleEnqueueJob)
		r.Get("/due", s.handleDueJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
	})

	return r
}

// allow applies the per-operator rate limit to mutating endpoints.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), operatorFromRequest(r))
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	var def models.ScheduleDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	created, err := s.schedules.Create(r.Context(), def, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	defs, err := s.schedules.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": defs})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	def, err := s.schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleUpdateSchedule merges the request body over the stored
// definition; fields absent from the body keep their current values.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	def, err := s.schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status(w, err)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	updated, err := s.schedules.Update(r.Context(), def, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	def, err := s.schedules.Pause(r.Context(), chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		status(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	def, err := s.schedules.Resume(r.Context(), chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		status(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

type enqueueRequest struct {
	JobType      string          `json:"job_type"`
	ScheduledAt  *time.Time      `json:"scheduled_at"`
	DelaySeconds int             `json:"delay_seconds"`
	Options      json.RawMessage `json:"options"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.JobType == "" {
		http.Error(w, "job_type is required", http.StatusBadRequest)
		return
	}
	scheduledAt := time.Now().UTC()
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}
	if req.DelaySeconds > 0 {
		scheduledAt = time.Now().UTC().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	job, err := s.queue.FindOrCreate(r.Context(), req.JobType, scheduledAt, req.Options)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		status(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDueJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.Due(r.Context(), time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrClaimed) {
			http.Error(w, "job already claimed or finished", http.StatusConflict)
			return
		}
		status(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func operatorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Operator-ID"); v != "" {
		return v
	}
	return "default"
}

func status(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, models.ErrScheduleNotFound) || errors.Is(err, models.ErrJobNotFound) {
		code = http.StatusNotFound
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
