package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/eventmill/eventmill/internal/errors"
	"github.com/eventmill/eventmill/pkg/importjob"
	"github.com/eventmill/eventmill/pkg/jobstore"
)

// JobsHandler serves the job management endpoints under /api/v1/jobs.
type JobsHandler struct {
	store *jobstore.Store
	log   *zap.Logger
	now   func() time.Time
}

// NewJobsHandler returns a handler backed by the given store.
func NewJobsHandler(store *jobstore.Store, log *zap.Logger) *JobsHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &JobsHandler{store: store, log: log, now: time.Now}
}

// Routes registers the job endpoints on a chi router.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Route("/{jobID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/pause", h.Pause)
		r.Post("/resume", h.Resume)
		r.Post("/cancel", h.Cancel)
	})
}

type jobListResponse struct {
	Jobs  []*importjob.Job `json:"jobs"`
	Count int              `json:"count"`
}

// leaseView is the wire form of a worker lease.
type leaseView struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Expired    bool      `json:"expired"`
}

type jobDetailResponse struct {
	Job             *importjob.Job        `json:"job"`
	Progress        importjob.Progress    `json:"progress"`
	Checkpoint      *importjob.Checkpoint `json:"checkpoint,omitempty"`
	CheckpointError string                `json:"checkpoint_error,omitempty"`
	Lease           *leaseView            `json:"lease,omitempty"`
}

type jobActionResponse struct {
	Job *importjob.Job `json:"job"`
}

// List serves GET /api/v1/jobs with optional team_id, status, and limit
// query filters.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := jobstore.ListOptions{TeamID: q.Get("team_id")}

	if s := q.Get("status"); s != "" {
		status := importjob.Status(s)
		if !status.Valid() {
			apperrors.WriteError(w, r, http.StatusBadRequest,
				apperrors.NewEnvelope(apperrors.CodeValidation, fmt.Sprintf("unknown status %q", s)).
					WithDetails(map[string]any{"parameter": "status"}))
			return
		}
		opts.Status = status
	}

	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			apperrors.WriteError(w, r, http.StatusBadRequest,
				apperrors.NewEnvelope(apperrors.CodeValidation, "limit must be a non-negative integer").
					WithDetails(map[string]any{"parameter": "limit"}))
			return
		}
		opts.Limit = n
	}

	jobs, err := h.store.ListJobs(r.Context(), opts)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*importjob.Job{}
	}
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: jobs, Count: len(jobs)})
}

// Get serves GET /api/v1/jobs/{jobID} with the job row, its progress
// snapshot, checkpoint, and lease.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobID")

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	resp := jobDetailResponse{Job: job}

	cp, err := h.store.LoadCheckpoint(ctx, jobID)
	switch {
	case jobstore.IsCheckpointCorrupt(err):
		// The job must stay inspectable when its checkpoint is not.
		resp.CheckpointError = err.Error()
	case err != nil:
		respondWithError(w, r, err)
		return
	default:
		resp.Checkpoint = cp
	}
	resp.Progress = importjob.NewProgress(job, cp)

	lease, err := h.store.GetLease(ctx, jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if lease != nil {
		resp.Lease = &leaseView{
			Owner:      lease.Owner,
			AcquiredAt: lease.AcquiredAt,
			ExpiresAt:  lease.ExpiresAt,
			Expired:    lease.ExpiresAt.Before(h.now()),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// Pause serves POST /api/v1/jobs/{jobID}/pause. The running worker
// observes the status at the next batch boundary and stops.
func (h *JobsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.store.Pause(r.Context(), jobID, "paused by operator")
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	h.log.Info("job paused", zap.String("job_id", jobID))
	writeJSON(w, http.StatusOK, jobActionResponse{Job: job})
}

// Resume serves POST /api/v1/jobs/{jobID}/resume. Only paused jobs may
// resume; the job returns to running and a worker reclaims it.
func (h *JobsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobID")

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if job.Status != importjob.StatusPaused {
		// Start would also admit pending jobs; resume is paused-only.
		respondWithError(w, r, &importjob.TransitionError{
			JobID: jobID,
			From:  job.Status,
			To:    importjob.StatusRunning,
		})
		return
	}

	job, err = h.store.Start(ctx, jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	h.log.Info("job resumed", zap.String("job_id", jobID))
	writeJSON(w, http.StatusOK, jobActionResponse{Job: job})
}

// Cancel serves POST /api/v1/jobs/{jobID}/cancel. Cancellation is a
// terminal failure with an operator message; the checkpoint is preserved.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.store.Fail(r.Context(), jobID, "import cancelled by operator")
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	h.log.Info("job cancelled", zap.String("job_id", jobID))
	writeJSON(w, http.StatusOK, jobActionResponse{Job: job})
}
