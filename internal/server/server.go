package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/richinsley/comfy2go-worker/internal/handler"
)

type JobStatus string

const (
	StatusInQueue    JobStatus = "IN_QUEUE"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// JobResponse is the envelope returned for every job request
type JobResponse struct {
	ID            string          `json:"id"`
	Status        JobStatus       `json:"status"`
	Output        *handler.Result `json:"output,omitempty"`
	RefreshWorker bool            `json:"refresh_worker,omitempty"`
}

// Runner executes a single job
type Runner interface {
	Handle(ctx context.Context, job handler.Job) *handler.Result
}

// Server exposes a Runner over the same /run, /runsync and /status routes the
// serverless platform offers, for local testing. Jobs execute one at a time.
type Server struct {
	runner        Runner
	refreshWorker bool
	queue         chan handler.Job

	busy sync.Mutex // held while a job executes

	mu   sync.Mutex
	jobs map[string]JobResponse
}

func New(runner Runner, refreshWorker bool, queueSize int) *Server {
	return &Server{
		runner:        runner,
		refreshWorker: refreshWorker,
		queue:         make(chan handler.Job, queueSize),
		jobs:          make(map[string]JobResponse),
	}
}

// Start consumes jobs submitted through /run until ctx is cancelled
func (s *Server) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-s.queue:
				s.execute(ctx, job)
			}
		}
	}()
}

func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	s.Routes(r)
	return r
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.Health)
	r.Post("/run", s.Run)
	r.Post("/runsync", s.RunSync)
	r.Get("/status/{id}", s.Status)
}

func (s *Server) setStatus(resp JobResponse) {
	s.mu.Lock()
	s.jobs[resp.ID] = resp
	s.mu.Unlock()
}

func (s *Server) execute(ctx context.Context, job handler.Job) JobResponse {
	s.busy.Lock()
	defer s.busy.Unlock()

	s.setStatus(JobResponse{ID: job.ID, Status: StatusInProgress})

	start := time.Now()
	slog.Info("job started", "job_id", job.ID)
	result := s.runner.Handle(ctx, job)

	resp := JobResponse{
		ID:            job.ID,
		Status:        StatusCompleted,
		Output:        result,
		RefreshWorker: s.refreshWorker,
	}
	if result.Failed() {
		resp.Status = StatusFailed
	}
	slog.Info("job finished", "job_id", job.ID, "status", resp.Status, "duration", time.Since(start).String())

	s.setStatus(resp)
	return resp
}

func decodeJob(r *http.Request) (handler.Job, error) {
	var job handler.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		return job, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return job, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) RunSync(w http.ResponseWriter, r *http.Request) {
	job, err := decodeJob(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, s.execute(r.Context(), job))
}

func (s *Server) Run(w http.ResponseWriter, r *http.Request) {
	job, err := decodeJob(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp := JobResponse{ID: job.ID, Status: StatusInQueue}
	s.setStatus(resp)
	select {
	case s.queue <- job:
	default:
		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "job queue is full")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	resp, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
