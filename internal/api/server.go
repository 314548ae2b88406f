package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"nudge/internal/domain"
	"nudge/internal/scheduler"
)

type Jobs interface {
	Entries(now time.Time) []scheduler.EntryInfo
	RunNow(ctx context.Context, id string) error
}

type Ledger interface {
	RecentDeliveries(ctx context.Context, limit int) ([]domain.Delivery, error)
	RecentJobRuns(ctx context.Context, jobID string, limit int) ([]domain.JobRun, error)
}

type Tasks interface {
	MarkComplete(ctx context.Context, id string, done bool) bool
	CreateTask(ctx context.Context, title string, due time.Time) (string, error)
}

type DateParser interface {
	ParseRelativeDate(text string, ref time.Time) (time.Time, bool)
}

type Activity interface {
	Touch(t time.Time)
}

// Deps are the collaborators behind the ops routes. Metrics may be nil, in
// which case /metrics is not mounted.
type Deps struct {
	Jobs     Jobs
	Ledger   Ledger
	Tasks    Tasks
	Parser   DateParser
	Activity Activity
	Metrics  http.Handler
	Now      func() time.Time
}

type Server struct {
	r *chi.Mux
	Deps
}

func NewServer(d Deps) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, Deps: d}

	r.Get("/health", s.health)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}
	r.Get("/api/jobs", s.listJobs)
	r.Post("/api/jobs/{id}/run", s.runJob)
	r.Get("/api/jobs/{id}/runs", s.jobRuns)
	r.Get("/api/deliveries", s.deliveries)
	r.Post("/api/activity", s.touch)
	r.Post("/api/tasks", s.createTask)
	r.Post("/api/tasks/{id}/done", s.markDone)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Jobs.Entries(s.Now()))
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.Jobs.RunNow(r.Context(), id)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, scheduler.ErrJobRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, scheduler.ErrSchedulerClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		// The run itself failed; it is already logged and recorded.
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "ok": false, "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "ok": true})
	}
}

type jobRunResp struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

func (s *Server) jobRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.Ledger.RecentJobRuns(r.Context(), chi.URLParam(r, "id"), limitParam(r))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]jobRunResp, len(runs))
	for i, run := range runs {
		out[i] = jobRunResp{ID: run.ID, JobID: run.JobID, StartedAt: run.StartedAt, FinishedAt: run.FinishedAt, Error: run.Error}
	}
	writeJSON(w, http.StatusOK, out)
}

type deliveryResp struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) deliveries(w http.ResponseWriter, r *http.Request) {
	ds, err := s.Ledger.RecentDeliveries(r.Context(), limitParam(r))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]deliveryResp, len(ds))
	for i, d := range ds {
		out[i] = deliveryResp{ID: d.ID, Kind: string(d.Kind), Subject: d.Subject, Status: d.Status, Error: d.Error, CreatedAt: d.CreatedAt}
	}
	writeJSON(w, http.StatusOK, out)
}

// touch is called by the message-ingestion path whenever the user writes.
func (s *Server) touch(w http.ResponseWriter, r *http.Request) {
	now := s.Now()
	s.Activity.Touch(now)
	writeJSON(w, http.StatusOK, map[string]any{"last_active": now.Format(time.RFC3339)})
}

type createTaskReq struct {
	Title string `json:"title"`
	When  string `json:"when"`
}

type createTaskResp struct {
	ID  string `json:"id"`
	Due string `json:"due"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		http.Error(w, "title is required", 400)
		return
	}
	due, ok := s.Parser.ParseRelativeDate(req.When, s.Now())
	if !ok {
		// The caller is expected to ask the user to rephrase.
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "unparseable date", "when": req.When})
		return
	}
	id, err := s.Tasks.CreateTask(r.Context(), req.Title, due)
	if err != nil {
		log.Error().Err(err).Str("title", req.Title).Msg("create task failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, createTaskResp{ID: id, Due: due.Format(time.RFC3339)})
}

// markDone backs the "mark done" button attached to reminders. Repeating it
// is harmless.
func (s *Server) markDone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Tasks.MarkComplete(r.Context(), id, true) {
		http.Error(w, "could not update task", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "done": true})
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 500 {
		return 50
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
