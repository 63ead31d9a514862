// Package api is the HTTP control surface: job creation, inspection and
// the manual operations of the scheduler.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pewcast/internal/job"
	"pewcast/internal/task/scheduler"
	logx "pewcast/pkg/logx"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodyBytes     = 1 << 20
)

// Scheduler is the part of the scheduler the API drives.
type Scheduler interface {
	CreateJob(ctx context.Context, j job.Job) (job.Job, error)
	RunNow(ctx context.Context, jobID string) (scheduler.Report, error)
	SetEnabled(ctx context.Context, jobID string, enabled bool) (job.Job, error)
	CloneAsOnce(ctx context.Context, jobID, runAt, tz string) (job.Job, error)
	Snapshot() scheduler.Snapshot
}

// Store is the read side of persistence the API exposes.
type Store interface {
	GetJob(ctx context.Context, jobID string) (job.Job, error)
	ListJobs(ctx context.Context, limit int) ([]job.Job, error)
	ListDeliveries(ctx context.Context, jobID string, limit int) ([]job.Delivery, error)
	ListExecutions(ctx context.Context, jobID string, limit int) ([]job.Execution, error)
	ListTargets(ctx context.Context, activeOnly bool) ([]job.Target, error)
	Ping(ctx context.Context) error
}

type handler struct {
	sched Scheduler
	store Store
	log   logx.Logger
}

// NewHandler builds the router. A non-empty token requires
// "Authorization: Bearer <token>" on every route except /healthz.
func NewHandler(sched Scheduler, store Store, log logx.Logger, token string, withPprof bool) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{sched: sched, store: store, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLog(log), middleware.Recoverer)
	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))
		r.Get("/status", h.status)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.listJobs)
			r.Post("/", h.createJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getJob)
				r.Get("/deliveries", h.listDeliveries)
				r.Get("/executions", h.listExecutions)
				r.Post("/run", h.runNow)
				r.Post("/enabled", h.setEnabled)
				r.Post("/clone", h.clone)
			})
		})
		r.Get("/targets", h.listTargets)
		if withPprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Snapshot())
}

// createJobReq is the job input. run_at and end_at accept RFC 3339 or a
// naive local datetime read in timezone.
type createJobReq struct {
	Title          string        `json:"title"`
	Body           string        `json:"body"`
	ImageURLs      []string      `json:"image_urls"`
	ParseMode      job.ParseMode `json:"parse_mode"`
	DisablePreview bool          `json:"disable_preview"`

	TargetsMode job.TargetsMode `json:"targets_mode"`
	TargetIDs   []int64         `json:"target_ids"`

	Type     job.ScheduleType `json:"schedule_type"`
	RunAt    string           `json:"run_at"`
	Cron     string           `json:"cron"`
	Timezone string           `json:"timezone"`
	EndAt    string           `json:"end_at"`

	// Enabled defaults to true.
	Enabled *bool `json:"enabled"`
}

func (req createJobReq) toJob() (job.Job, error) {
	j := job.Job{
		Title:          req.Title,
		Body:           req.Body,
		ImageURLs:      req.ImageURLs,
		ParseMode:      req.ParseMode,
		DisablePreview: req.DisablePreview,
		TargetsMode:    req.TargetsMode,
		TargetIDs:      req.TargetIDs,
		Type:           req.Type,
		Cron:           req.Cron,
		Timezone:       req.Timezone,
		Enabled:        req.Enabled == nil || *req.Enabled,
	}
	tz := req.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = job.DefaultTimezone
	}
	if strings.TrimSpace(req.RunAt) != "" {
		t, err := job.ParseLocalTime(req.RunAt, tz)
		if err != nil {
			return job.Job{}, err
		}
		j.RunAt = &t
	}
	if strings.TrimSpace(req.EndAt) != "" {
		t, err := job.ParseLocalTime(req.EndAt, tz)
		if err != nil {
			return job.Job{}, err
		}
		j.EndAt = &t
	}
	return j, nil
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobReq
	if !decodeBody(w, r, &req) {
		return
	}
	j, err := req.toJob()
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	created, err := h.sched.CreateJob(r.Context(), j)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListJobs(r.Context(), limitOf(r))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(jobs))
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetJob(r.Context(), id); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	ds, err := h.store.ListDeliveries(r.Context(), id, limitOf(r))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(ds))
}

func (h *handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetJob(r.Context(), id); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	es, err := h.store.ListExecutions(r.Context(), id, limitOf(r))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(es))
}

func (h *handler) runNow(w http.ResponseWriter, r *http.Request) {
	rep, err := h.sched.RunNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type enabledReq struct {
	Enabled *bool `json:"enabled"`
}

func (h *handler) setEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledReq
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errMissing("enabled"))
		return
	}
	j, err := h.sched.SetEnabled(r.Context(), chi.URLParam(r, "id"), *req.Enabled)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type cloneReq struct {
	RunAt    string `json:"run_at"`
	Timezone string `json:"timezone"`
}

func (h *handler) clone(w http.ResponseWriter, r *http.Request) {
	var req cloneReq
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RunAt) == "" {
		writeError(w, http.StatusBadRequest, errMissing("run_at"))
		return
	}
	j, err := h.sched.CloneAsOnce(r.Context(), chi.URLParam(r, "id"), req.RunAt, req.Timezone)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (h *handler) listTargets(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	ts, err := h.store.ListTargets(r.Context(), activeOnly)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(ts))
}

func limitOf(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("dur", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			}
			if ww.Status() >= http.StatusInternalServerError {
				log.Warn("request failed", fields...)
				return
			}
			log.Debug("request ok", fields...)
		})
	}
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		})
	}
}
