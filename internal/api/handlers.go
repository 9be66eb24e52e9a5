// Package api implements the orchestrator's REST surface: job
// submission, status, listing, cancellation, artifact download, and the
// system/health endpoints. Handlers translate each call into store and
// queue operations; they hold no job state of their own.
package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/videoforge/internal/gpuregistry"
	"github.com/psantana5/videoforge/internal/metrics"
	"github.com/psantana5/videoforge/internal/models"
	"github.com/psantana5/videoforge/internal/store"
)

// Handler serves every job and system route.
type Handler struct {
	store     store.Store
	gpus      *gpuregistry.Registry
	outputDir string
	metrics   *metrics.Collector
	log       zerolog.Logger
}

// Config bundles construction-time settings for the HTTP surface.
type Config struct {
	APIKey         string
	RateLimitRPS   float64
	RateLimitBurst int
	OutputDir      string
}

// NewRouter builds the full mux.Router with auth and rate-limit
// middleware applied to the write endpoints.
func NewRouter(st store.Store, gpus *gpuregistry.Registry, cfg Config, m *metrics.Collector, log zerolog.Logger) *mux.Router {
	h := &Handler{store: st, gpus: gpus, outputDir: cfg.OutputDir, metrics: m, log: log}

	lim := newLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	auth := authMiddleware(cfg.APIKey)
	rateLimited := rateLimitMiddleware(lim)

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.Handle("/jobs/submit", rateLimited(auth(http.HandlerFunc(h.SubmitJob)))).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/status", h.JobStatus).Methods(http.MethodGet)
	api.HandleFunc("/jobs/list", h.ListJobs).Methods(http.MethodGet)
	api.Handle("/jobs/{id}", rateLimited(auth(http.HandlerFunc(h.CancelJob)))).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}/download", h.DownloadArtifact).Methods(http.MethodGet)
	api.HandleFunc("/system/status", h.SystemStatus).Methods(http.MethodGet)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	return r
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type errorResponse struct {
	ErrorKind string   `json:"error_kind"`
	Detail    string   `json:"detail"`
	Fields    []string `json:"fields,omitempty"`
}

// SubmitJob implements POST /api/jobs/submit: decode, validate
// (accumulating every violation), persist, and enqueue.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, models.ErrorKindValidation, err.Error(), nil)
		return
	}

	params, err := models.DecodeSubmitRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, models.ErrorKindValidation, err.Error(), nil)
		return
	}

	if violations := params.Validate(); len(violations) > 0 {
		fields := make([]string, len(violations))
		for i, v := range violations {
			fields[i] = v.Error()
		}
		writeError(w, http.StatusBadRequest, models.ErrorKindValidation, "generation parameters failed validation", fields)
		return
	}

	now := time.Now()
	job := &models.Job{
		ID:            newJobID(),
		Status:        models.StatusPending,
		Params:        params,
		SubmittedAt:   now,
		Priority:      params.Priority,
		SchemaVersion: models.CurrentSchemaVersion,
	}

	if err := h.store.Create(r.Context(), job); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := h.store.Enqueue(r.Context(), job.ID, job.Priority, job.SubmittedAt); err != nil {
		writeStoreError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.JobsSubmittedTotal.Inc()
	}
	writeJSON(w, http.StatusCreated, submitResponse{JobID: job.ID, Status: string(models.StatusPending)})
}

// JobStatus implements GET /api/jobs/{id}/status.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type listResponse struct {
	Jobs       []*models.Job `json:"jobs"`
	Page       int           `json:"page"`
	TotalPages int           `json:"total_pages"`
	Total      int           `json:"total"`
}

// ListJobs implements GET /api/jobs/list?page&page_size&status_filter.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parseIntDefault(q.Get("page"), 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, models.ErrorKindValidation, "page must be a positive integer", nil)
		return
	}
	pageSize, err := parseIntDefault(q.Get("page_size"), 10)
	if err != nil || pageSize < 1 || pageSize > 100 {
		writeError(w, http.StatusBadRequest, models.ErrorKindValidation, "page_size must be between 1 and 100", nil)
		return
	}

	filter := store.ListFilter{}
	if sf := q.Get("status_filter"); sf != "" {
		filter.Status = models.Status(sf)
	}

	result, err := h.store.List(r.Context(), filter, page, pageSize)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listResponse{
		Jobs: result.Jobs, Page: result.Page, TotalPages: result.TotalPages, Total: result.Total,
	})
}

type cancelResponse struct {
	Status string `json:"status"`
}

// cancelRetryLimit bounds how many times CancelJob chases a status that
// keeps changing under it before giving up with a conflict.
const cancelRetryLimit = 3

// CancelJob implements DELETE /api/jobs/{id}: a pending job is cancelled
// directly (no executor is watching it yet), a processing job gets
// cancel_requested set for the executor to observe at its next
// checkpoint. A dispatcher claim can win the pending->processing CAS
// between the read and the write here; on that conflict the handler
// re-reads the record and retries against the new status, so the
// cancellation is never silently dropped.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for attempt := 0; ; attempt++ {
		job, err := h.store.Get(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		switch job.Status {
		case models.StatusPending:
			now := time.Now()
			kind := models.ErrorKindCancelled
			detail := "cancelled while pending"
			updated, err := h.store.Patch(r.Context(), id, models.StatusPending, store.PatchFields{
				Status:      statusPtr(models.StatusCancelled),
				ErrorKind:   &kind,
				ErrorDetail: &detail,
				CompletedAt: &now,
			})
			if errors.Is(err, store.ErrConflict) && attempt < cancelRetryLimit {
				continue // a claim won the race; retry against the new status
			}
			if err != nil {
				writeStoreError(w, err)
				return
			}
			_ = h.store.RemoveFromQueue(r.Context(), id)
			writeJSON(w, http.StatusOK, cancelResponse{Status: string(updated.Status)})
			return
		case models.StatusProcessing:
			flag := true
			updated, err := h.store.Patch(r.Context(), id, models.StatusProcessing, store.PatchFields{
				CancelRequested: &flag,
			})
			if errors.Is(err, store.ErrConflict) && attempt < cancelRetryLimit {
				continue // the executor reached a terminal state concurrently
			}
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, cancelResponse{Status: string(updated.Status)})
			return
		default:
			writeError(w, http.StatusConflict, models.ErrorKindNone, "job already in a terminal state", nil)
			return
		}
	}
}

// DownloadArtifact implements GET /api/jobs/{id}/download.
func (h *Handler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job.Status != models.StatusCompleted {
		writeError(w, http.StatusConflict, models.ErrorKindNone, "job is not completed: "+string(job.Status), nil)
		return
	}

	f, err := os.Open(job.ArtifactPath)
	if err != nil {
		writeError(w, http.StatusNotFound, models.ErrorKindNone, "artifact not found", nil)
		return
	}
	defer f.Close()

	modTime := time.Now()
	if job.CompletedAt != nil {
		modTime = job.CompletedAt.UTC()
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, job.ID+".mp4", modTime, f)
}

type systemStatusResponse struct {
	ActiveJobs    int             `json:"active_jobs"`
	QueueLength   int             `json:"queue_length"`
	AvailableGPUs int             `json:"available_gpus"`
	SystemLoad    systemLoadStats `json:"system_load"`
}

type systemLoadStats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	Load1       float64 `json:"load1"`
}

// SystemStatus implements GET /api/system/status. GPU occupancy comes
// from the local registry; queue length from the shared store; host load
// from gopsutil.
func (h *Handler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.gpus.Snapshot()
	queueLen, _ := h.store.QueueLength(r.Context())

	resp := systemStatusResponse{
		ActiveJobs:    snap.Allocated,
		QueueLength:   queueLen,
		AvailableGPUs: snap.Available,
		SystemLoad:    collectSystemLoad(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func collectSystemLoad() systemLoadStats {
	var s systemLoadStats
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		s.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemPercent = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		s.Load1 = avg.Load1
	}
	return s
}

type healthResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Health implements GET /health: liveness plus a store round-trip, so
// the response names which dependency failed rather than a bare boolean.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Detail: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy"})
}

func statusPtr(s models.Status) *models.Status { return &s }

func parseIntDefault(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
