package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kryahq/kryad/pkg/gen"
	"github.com/kryahq/kryad/pkg/joblog"
	"github.com/kryahq/kryad/pkg/jobs"
	"github.com/kryahq/kryad/pkg/runner"
)

type fakeJobService struct {
	startPrompt  string
	startRetries int
	startID      string
	startErr     error

	stopped []string
	stopErr error

	snapshots map[string]jobs.Snapshot
	list      []jobs.Snapshot
}

func (f *fakeJobService) Start(prompt string, maxRetries int) (string, error) {
	f.startPrompt = prompt
	f.startRetries = maxRetries
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.startID, nil
}

func (f *fakeJobService) Stop(jobID string) error {
	f.stopped = append(f.stopped, jobID)
	return f.stopErr
}

func (f *fakeJobService) Status(jobID string) (jobs.Snapshot, error) {
	snap, ok := f.snapshots[jobID]
	if !ok {
		return jobs.Snapshot{}, jobs.ErrNotFound
	}
	return snap, nil
}

func (f *fakeJobService) List() []jobs.Snapshot {
	return f.list
}

func newJobsRouter(svc JobService) http.Handler {
	h := NewJobsHandler(svc, nil)
	r := chi.NewRouter()
	r.Post("/run", h.Run)
	r.Post("/stop", h.Stop)
	r.Get("/jobs", h.List)
	r.Get("/jobs/{jobID}", h.Status)
	return r
}

func TestRunStartsJob(t *testing.T) {
	svc := &fakeJobService{startID: "job-abc"}
	router := newJobsRouter(svc)

	body := strings.NewReader(`{"prompt": "open a terminal", "max_retries": 2}`)
	req := httptest.NewRequest(http.MethodPost, "/run", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-abc", resp.JobID)
	assert.Equal(t, "open a terminal", svc.startPrompt)
	assert.Equal(t, 2, svc.startRetries)
}

func TestRunDefaultsMaxRetries(t *testing.T) {
	svc := &fakeJobService{startID: "job-abc"}
	router := newJobsRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(`{"prompt": "ls"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, jobs.DefaultMaxRetries, svc.startRetries)
}

func TestRunRejectsEmptyPrompt(t *testing.T) {
	svc := &fakeJobService{startErr: jobs.ErrInvalidInput}
	router := newJobsRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(`{"prompt": ""}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_INPUT")
}

func TestRunMapsCooldownToRateLimited(t *testing.T) {
	svc := &fakeJobService{startErr: jobs.ErrPromptCooldown}
	router := newJobsRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(`{"prompt": "again"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestRunRejectsMalformedBody(t *testing.T) {
	svc := &fakeJobService{startID: "job-abc"}
	router := newJobsRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(`{"prompt": `))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.startPrompt)
}

func TestStopAcknowledges(t *testing.T) {
	svc := &fakeJobService{}
	router := newJobsRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/stop", strings.NewReader(`{"job_id": "job-1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp stopResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Cancelled)
	assert.Equal(t, []string{"job-1"}, svc.stopped)
}

// Stop on a job that already reached a terminal state must still ack.
func TestStopFinishedJobAcks(t *testing.T) {
	b := joblog.New(joblog.DefaultConfig())
	defer b.Close()

	reg := jobs.NewRegistry(jobs.CooldownConfig{})
	generator := gen.NewClient(gen.Settings{BaseURL: "http://127.0.0.1:1", Model: "m"}, time.Second, nil)
	executor := runner.New(runner.Config{Interpreter: "true"}, nil)
	ctrl := jobs.NewController(generator, executor, b, time.Minute, nil)
	svc := jobs.NewService(reg, ctrl, b, nil)
	defer func() { _ = svc.Shutdown(context.Background()) }()

	jobID, err := svc.Start("prompt for an unreachable backend", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := svc.Status(jobID)
		return err == nil && snap.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	router := newJobsRouter(svc)
	req := httptest.NewRequest(http.MethodPost, "/stop", strings.NewReader(`{"job_id": "`+jobID+`"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp stopResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Cancelled)

	snap, err := svc.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, snap.State)
}

func TestStopUnknownJobIsNotFound(t *testing.T) {
	svc := &fakeJobService{stopErr: jobs.ErrNotFound}
	router := newJobsRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/stop", strings.NewReader(`{"job_id": "ghost"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestStopRequiresJobID(t *testing.T) {
	svc := &fakeJobService{}
	router := newJobsRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/stop", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.stopped)
}

func TestListReturnsCounts(t *testing.T) {
	svc := &fakeJobService{
		list: []jobs.Snapshot{
			{ID: "a", State: jobs.StateExecuting},
			{ID: "b", State: jobs.StateSuccess},
			{ID: "c", State: jobs.StateSuccess},
		},
	}
	router := newJobsRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 3)
	assert.Equal(t, 2, resp.Counts["SUCCESS"])
	assert.Equal(t, 1, resp.Counts["EXECUTING"])
}

func TestStatusReturnsSnapshot(t *testing.T) {
	svc := &fakeJobService{
		snapshots: map[string]jobs.Snapshot{
			"job-1": {
				ID:           "job-1",
				Prompt:       "ls",
				State:        jobs.StateExecuting,
				AttemptCount: 1,
				CreatedAt:    time.Now().UTC(),
			},
		},
	}
	router := newJobsRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap jobs.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, jobs.StateExecuting, snap.State)
	assert.Equal(t, 1, snap.AttemptCount)
}

func TestStatusUnknownJobIsNotFound(t *testing.T) {
	svc := &fakeJobService{}
	router := newJobsRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/jobs/ghost", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
