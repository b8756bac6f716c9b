package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"clip-orchestrator/internal/health"
	"clip-orchestrator/internal/models"
	"clip-orchestrator/internal/orchestrator"
	"clip-orchestrator/internal/telemetry"
)

// Observer is the read and submit surface of the orchestrator.
type Observer interface {
	Status(ctx context.Context) (orchestrator.StatusReport, error)
	Health() health.Snapshot
	Submit(ctx context.Context, sourceRef string, priority int) (string, bool, error)
	Job(ctx context.Context, id string) (models.Job, error)
}

// Limiter throttles manual submissions per client.
type Limiter interface {
	Allow(ctx context.Context, client string) (bool, float64, error)
}

// Server wires HTTP handlers for the observer API.
type Server struct {
	obs     Observer
	limiter Limiter
	logger  *log.Logger
}

// New constructs the API server. A nil limiter disables submission throttling.
func New(obs Observer, limiter Limiter, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{obs: obs, limiter: limiter, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	return r
}

type submitRequest struct {
	SourceRef string `json:"source_ref"`
	Priority  int    `json:"priority"`
}

type submitResponse struct {
	JobID   string `json:"job_id"`
	Created bool   `json:"created"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, remaining, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			s.logger.Printf("[api] rate limiter: %v", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(remaining)))
		if !allowed {
			telemetry.SubmitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	id, created, err := s.obs.Submit(r.Context(), req.SourceRef, req.Priority)
	if err != nil {
		if models.KindOf(err) == models.KindValidation {
			http.Error(w, models.Describe(err), http.StatusBadRequest)
			return
		}
		s.logger.Printf("[api] submit %q: %v", req.SourceRef, err)
		http.Error(w, "submit failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: id, Created: created})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.obs.Job(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.obs.Status(r.Context())
	if err != nil {
		s.logger.Printf("[api] status: %v", err)
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleHealth serves the latest snapshot; critical maps to 503 for load balancers.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.obs.Health()
	code := http.StatusOK
	if snap.Status == health.Critical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, snap)
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
