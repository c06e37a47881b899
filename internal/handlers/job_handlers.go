package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"blueprintr/extraction-service/internal/broker"
	"blueprintr/extraction-service/internal/jobstore"
	"blueprintr/extraction-service/internal/model"
	"blueprintr/extraction-service/internal/utils"
)

// CreateJobRequest defines the expected request body for submitting an
// extraction job. Exactly one of InputRef and InputRefs must be set.
type CreateJobRequest struct {
	TaskKind   string          `json:"task_kind" validate:"required"`
	InputRef   string          `json:"input_ref" validate:"required_without=InputRefs,excluded_with=InputRefs"`
	InputRefs  []string        `json:"input_refs" validate:"omitempty,min=1,dive,required"`
	Options    json.RawMessage `json:"options,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty" validate:"omitempty,min=0,max=10"`
}

// CreateJob accepts a new extraction job, persists it as PENDING and
// publishes a task for the worker fleet.
// POST /api/v1/jobs
func (h *ApplicationHandler) CreateJob(c *fiber.Ctx) error {
	req := new(CreateJobRequest)
	if err := c.BodyParser(req); err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, fmt.Sprintf("Cannot parse job JSON: %v", err))
	}

	if err := h.Validate.Struct(req); err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest,
			strings.Join(utils.FormatValidationErrors(err), "; "))
	}
	if !h.knownKind(req.TaskKind) {
		return utils.RespondWithError(c, fiber.StatusBadRequest,
			fmt.Sprintf("Unknown task kind '%s'", req.TaskKind))
	}

	maxRetries := model.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	job := &model.Job{
		ID:         uuid.New(),
		Status:     model.StatusPending,
		TaskKind:   req.TaskKind,
		InputRef:   strings.TrimSpace(req.InputRef),
		InputRefs:  req.InputRefs,
		Options:    req.Options,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}

	if err := h.Store.Create(c.Context(), job); err != nil {
		h.Logger.WithError(err).Error("Failed to persist job")
		return utils.RespondWithError(c, fiber.StatusInternalServerError, "Could not create job")
	}

	// Publish after the job is durable. A failed publish is not fatal: the
	// job stays PENDING and the dispatcher re-publishes it on its next pass.
	if err := h.Broker.Publish(c.Context(), broker.NewDelivery(job.ID, job.TaskKind)); err != nil {
		h.Logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to publish task, dispatcher will recover")
	}

	h.Logger.WithFields(map[string]interface{}{
		"job_id":    job.ID,
		"task_kind": job.TaskKind,
	}).Info("Job created")
	return utils.RespondWithJSON(c, fiber.StatusCreated, job)
}

// GetJob retrieves a single job by ID.
// GET /api/v1/jobs/:jobId
func (h *ApplicationHandler) GetJob(c *fiber.Ctx) error {
	jobID, err := uuid.Parse(c.Params("jobId"))
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Invalid job ID format")
	}

	job, err := h.Store.Get(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return utils.RespondWithError(c, fiber.StatusNotFound, "Job not found")
		}
		h.Logger.WithError(err).WithField("job_id", jobID).Error("Failed to fetch job")
		return utils.RespondWithError(c, fiber.StatusInternalServerError, "Could not retrieve job")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, job)
}

// ListJobs returns a page of jobs, optionally filtered by status.
// GET /api/v1/jobs?status=&page=&page_size=
func (h *ApplicationHandler) ListJobs(c *fiber.Ctx) error {
	filter := model.ListFilter{
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("page_size", 20),
	}
	if raw := c.Query("status"); raw != "" {
		status := model.JobStatus(strings.ToUpper(raw))
		if !status.Valid() {
			return utils.RespondWithError(c, fiber.StatusBadRequest,
				fmt.Sprintf("Unknown status '%s'", raw))
		}
		filter.Status = status
	}
	filter = filter.Normalize()

	jobs, total, err := h.Store.List(c.Context(), filter)
	if err != nil {
		h.Logger.WithError(err).Error("Failed to list jobs")
		return utils.RespondWithError(c, fiber.StatusInternalServerError, "Could not list jobs")
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	return utils.RespondWithList(c, jobs, filter.Page, filter.PageSize, total)
}

// CancelJob cancels a job that has not started processing yet. Jobs in any
// other state report a conflict naming the current status.
// DELETE /api/v1/jobs/:jobId
func (h *ApplicationHandler) CancelJob(c *fiber.Ctx) error {
	jobID, err := uuid.Parse(c.Params("jobId"))
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Invalid job ID format")
	}

	job, err := h.Store.Cancel(c.Context(), jobID)
	if err != nil {
		var conflict *jobstore.StatusConflictError
		switch {
		case errors.Is(err, jobstore.ErrNotFound):
			return utils.RespondWithError(c, fiber.StatusNotFound, "Job not found")
		case errors.As(err, &conflict):
			return utils.RespondWithError(c, fiber.StatusConflict,
				fmt.Sprintf("Cannot cancel job in status %s", conflict.Current))
		default:
			h.Logger.WithError(err).WithField("job_id", jobID).Error("Failed to cancel job")
			return utils.RespondWithError(c, fiber.StatusInternalServerError, "Could not cancel job")
		}
	}

	h.Logger.WithField("job_id", jobID).Info("Job cancelled")
	return utils.RespondWithJSON(c, fiber.StatusOK, job)
}

// RetryJob resubmits a FAILED job with a fresh retry budget and publishes a
// new task for it. Jobs in any other state report a conflict.
// POST /api/v1/jobs/:jobId/retry
func (h *ApplicationHandler) RetryJob(c *fiber.Ctx) error {
	jobID, err := uuid.Parse(c.Params("jobId"))
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Invalid job ID format")
	}

	job, err := h.Store.ResetForRetry(c.Context(), jobID)
	if err != nil {
		var conflict *jobstore.StatusConflictError
		switch {
		case errors.Is(err, jobstore.ErrNotFound):
			return utils.RespondWithError(c, fiber.StatusNotFound, "Job not found")
		case errors.As(err, &conflict):
			return utils.RespondWithError(c, fiber.StatusConflict,
				fmt.Sprintf("Cannot retry job in status %s, only FAILED jobs can be retried", conflict.Current))
		default:
			h.Logger.WithError(err).WithField("job_id", jobID).Error("Failed to reset job for retry")
			return utils.RespondWithError(c, fiber.StatusInternalServerError, "Could not retry job")
		}
	}

	if err := h.Broker.Publish(c.Context(), broker.NewDelivery(job.ID, job.TaskKind)); err != nil {
		h.Logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to publish retry task, dispatcher will recover")
	}

	h.Logger.WithField("job_id", jobID).Info("Job resubmitted for retry")
	return utils.RespondWithJSON(c, fiber.StatusOK, job)
}
