// Package server wires the HTTP surface: job control, the production
// matrix, health, and the live progress stream.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/mux"

	"github.com/moldline/mesmon/pkg/httpx"
	"github.com/moldline/mesmon/pkg/jobstatus"
	"github.com/moldline/mesmon/pkg/logging"
	"github.com/moldline/mesmon/pkg/matrix"
	"github.com/moldline/mesmon/pkg/runner"
	"github.com/moldline/mesmon/pkg/storage"
)

var startTime = time.Now()

// Handler carries the dependencies of every route.
type Handler struct {
	runner *runner.Runner
	jobs   jobstatus.Store
	matrix *matrix.Builder
	store  storage.Store
	log    logging.Logger
}

// NewHandler wires a request handler.
func NewHandler(r *runner.Runner, jobs jobstatus.Store, builder *matrix.Builder, store storage.Store, log logging.Logger) *Handler {
	return &Handler{runner: r, jobs: jobs, matrix: builder, store: store, log: log}
}

type updateRequest struct {
	Mode  string `json:"mode"`
	Hours int    `json:"hours"`
}

type updateAccepted struct {
	JobID      string `json:"job_id"`
	TotalSteps int    `json:"total_steps"`
}

// HandleUpdate starts an on-demand snapshot job and returns 202 immediately.
// mode "latest" (default) writes the current slot; mode "recent" back-fills
// the last N hours.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	req := updateRequest{Mode: "latest", Hours: 1}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
	}
	// Query parameters win over the body for simple curl use.
	if mode := r.URL.Query().Get("mode"); mode != "" {
		req.Mode = mode
	}
	if hours := r.URL.Query().Get("hours"); hours != "" {
		n, err := strconv.Atoi(hours)
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, "hours must be an integer")
			return
		}
		req.Hours = n
	}

	var (
		st  *jobstatus.Status
		err error
	)
	switch req.Mode {
	case "latest":
		st, err = h.runner.RunLatest(r.Context())
	case "recent":
		st, err = h.runner.RunRecent(r.Context(), req.Hours)
	default:
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q, want latest or recent", req.Mode))
		return
	}
	if err != nil {
		if errors.Is(err, runner.ErrQueueFull) {
			httpx.RespondError(w, http.StatusTooManyRequests, err)
			return
		}
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	httpx.RespondJSON(w, http.StatusAccepted, updateAccepted{
		JobID:      st.JobID,
		TotalSteps: st.TotalSteps,
	})
}

// HandleJobStatus returns the status of one job. Unknown or expired job ids
// report idle rather than an error: the dashboard polls long after TTL.
func (h *Handler) HandleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	st, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if st == nil {
		httpx.RespondJSON(w, http.StatusOK, jobstatus.Status{JobID: jobID, State: jobstatus.StateIdle})
		return
	}
	httpx.RespondJSON(w, http.StatusOK, st)
}

// HandleLatestJob returns the status of the most recently started job, or
// idle when no job ever ran (or the record expired).
func (h *Handler) HandleLatestJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := h.jobs.GetLatest(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if jobID == "" {
		httpx.RespondJSON(w, http.StatusOK, jobstatus.Status{State: jobstatus.StateIdle})
		return
	}
	st, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if st == nil {
		httpx.RespondJSON(w, http.StatusOK, jobstatus.Status{JobID: jobID, State: jobstatus.StateIdle})
		return
	}
	httpx.RespondJSON(w, http.StatusOK, st)
}

// HandleMatrix renders the production grid. Responses carry a content ETag;
// dashboards polling every few seconds mostly get 304s.
func (h *Handler) HandleMatrix(w http.ResponseWriter, r *http.Request) {
	interval := matrix.Interval10Min
	if s := r.URL.Query().Get("interval"); s != "" {
		interval = matrix.Interval(s)
	}
	columns := 0
	if s := r.URL.Query().Get("columns"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, "columns must be an integer")
			return
		}
		columns = n
	}

	resp, err := h.matrix.Matrix(r.Context(), interval, columns)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	// The generation timestamp changes every call; hash everything else so
	// identical grids dedupe.
	ts := resp.Timestamp
	resp.Timestamp = ""
	body, err := json.Marshal(resp)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	resp.Timestamp = ts

	etag := fmt.Sprintf("%q", strconv.FormatUint(xxhash.Sum64(body), 16))
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// HealthResponse reports service liveness plus store and job state.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Store     *storage.Stats    `json:"store,omitempty"`
	LatestJob *jobstatus.Status `json:"latest_job,omitempty"`
}

// HandleHealth returns service health with store statistics.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: "1.0.0",
		Uptime:  time.Since(startTime).String(),
	}

	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.log.Warnf("health: store stats failed: %v", err)
		resp.Status = "degraded"
	} else {
		resp.Store = stats
	}

	if jobID, err := h.jobs.GetLatest(r.Context()); err == nil && jobID != "" {
		if st, err := h.jobs.Get(r.Context(), jobID); err == nil && st != nil {
			resp.LatestJob = st
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	httpx.RespondJSON(w, status, resp)
}
