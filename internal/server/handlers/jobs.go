package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kryahq/kryad/internal/errors"
	"github.com/kryahq/kryad/pkg/jobs"
	"github.com/kryahq/kryad/pkg/jobstore"
)

const maxRequestBody = 1 << 20

// JobService is the slice of the job service the HTTP layer needs.
type JobService interface {
	Start(prompt string, maxRetries int) (string, error)
	Stop(jobID string) error
	Status(jobID string) (jobs.Snapshot, error)
	List() []jobs.Snapshot
}

// JobsHandler serves the job lifecycle endpoints.
type JobsHandler struct {
	service JobService
	store   *jobstore.Store
}

func NewJobsHandler(service JobService, store *jobstore.Store) *JobsHandler {
	return &JobsHandler{service: service, store: store}
}

type runRequest struct {
	Prompt     string `json:"prompt"`
	MaxRetries *int   `json:"max_retries,omitempty"`
}

type runResponse struct {
	JobID string `json:"job_id"`
}

type stopRequest struct {
	JobID string `json:"job_id"`
}

type stopResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

type listResponse struct {
	Jobs   []jobs.Snapshot `json:"jobs"`
	Counts map[string]int  `json:"counts"`
}

// Run starts a new job from a natural language prompt.
func (h *JobsHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeBody(w, r, &req) {
		return
	}

	maxRetries := jobs.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	jobID, err := h.service.Start(req.Prompt, maxRetries)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{JobID: jobID})
}

// Stop requests cancellation of a running job.
func (h *JobsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.JobID == "" {
		writeErrorCode(w, apperrors.CodeInvalidInput, "job_id is required")
		return
	}

	if err := h.service.Stop(req.JobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{JobID: req.JobID, Cancelled: true})
}

// List returns every live job, newest first, with per-state counts.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	snaps := h.service.List()
	counts := make(map[string]int, 5)
	for _, snap := range snaps {
		counts[string(snap.State)]++
	}
	writeJSON(w, http.StatusOK, listResponse{Jobs: snaps, Counts: counts})
}

// Status returns the current snapshot of one live job, falling back to the
// archive for reclaimed jobs.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	snap, err := h.service.Status(jobID)
	if err == nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if h.store != nil {
		if archived, _, serr := h.store.Get(r.Context(), jobID); serr == nil {
			writeJSON(w, http.StatusOK, archived)
			return
		}
	}
	writeError(w, err)
}

// Archived lists archived jobs, newest first.
func (h *JobsHandler) Archived(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusOK, listResponse{Jobs: []jobs.Snapshot{}, Counts: map[string]int{}})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeErrorCode(w, apperrors.CodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	snaps, err := h.store.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	counts := make(map[string]int, 3)
	for _, snap := range snaps {
		counts[string(snap.State)]++
	}
	writeJSON(w, http.StatusOK, listResponse{Jobs: snaps, Counts: counts})
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		writeErrorCode(w, apperrors.CodeInvalidInput, "invalid request body: "+err.Error())
		return false
	}
	return true
}
