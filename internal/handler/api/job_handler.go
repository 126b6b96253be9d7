package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"orderjobs/internal/middleware"
	"orderjobs/internal/models"
	"orderjobs/internal/processor"
	"orderjobs/internal/repository"
)

// BatchRunner runs a bounded worker batch on demand.
type BatchRunner interface {
	RunBatch(ctx context.Context, limit int) (int, error)
	Running() bool
}

// JobHandler exposes the job store over HTTP.
type JobHandler struct {
	repo     *repository.JobRepository
	registry *processor.Registry
	worker   BatchRunner
	validate *validator.Validate
	logger   *zap.Logger
}

func NewJobHandler(repo *repository.JobRepository, registry *processor.Registry, worker BatchRunner, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{
		repo:     repo,
		registry: registry,
		worker:   worker,
		validate: validator.New(),
		logger:   logger,
	}
}

// Create handles POST /api/jobs.
func (h *JobHandler) Create(c echo.Context) error {
	owner, _ := middleware.OwnerFrom(c)

	var req models.CreateJobRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body", nil)
	}
	if err := h.validate.Struct(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "Validation failed", validationErrors(err))
	}
	if err := h.registry.Validate(req.Type, req.Payload); err != nil {
		if errors.Is(err, processor.ErrUnknownJobType) || errors.Is(err, processor.ErrInvalidPayload) {
			return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
		}
		h.logger.Error("Payload validation failed", zap.Error(err))
		return internalError(c)
	}

	job, err := h.repo.CreateJob(c.Request().Context(), repository.CreateJobParams{
		Owner:       owner,
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		if errors.Is(err, repository.ErrOwnerRequired) || errors.Is(err, repository.ErrInvalidJob) {
			return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
		}
		h.logger.Error("Failed to create job", zap.String("user_id", owner.UserID), zap.Error(err))
		return internalError(c)
	}

	h.logger.Info("Job submitted",
		zap.String("job_id", job.JobID),
		zap.String("type", job.Type),
		zap.String("user_id", owner.UserID),
		zap.Int("queue_position", job.QueuePosition))
	return successResponse(c, http.StatusCreated, "Job queued", job)
}

// Get handles GET /api/jobs/:id.
func (h *JobHandler) Get(c echo.Context) error {
	owner, _ := middleware.OwnerFrom(c)

	job, err := h.repo.GetJob(c.Request().Context(), c.Param("id"), &owner)
	if err != nil {
		return h.lookupError(c, err)
	}
	return successResponse(c, http.StatusOK, "Successful", job)
}

// List handles GET /api/jobs.
func (h *JobHandler) List(c echo.Context) error {
	owner, _ := middleware.OwnerFrom(c)

	filter := repository.JobFilter{
		Status: models.JobStatus(strings.TrimSpace(c.QueryParam("status"))),
		Type:   strings.TrimSpace(c.QueryParam("type")),
		Limit:  queryInt(c, "limit", 50),
		Offset: queryInt(c, "offset", 0),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return errorResponse(c, http.StatusBadRequest, "Unknown status", nil)
	}
	for key, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := c.QueryParam(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return errorResponse(c, http.StatusBadRequest, "Invalid "+key+" date, expected RFC3339", nil)
		}
		*dst = &t
	}

	jobs, err := h.repo.ListJobs(c.Request().Context(), owner, filter)
	if err != nil {
		if errors.Is(err, repository.ErrOwnerRequired) {
			return errorResponse(c, http.StatusBadRequest, err.Error(), nil)
		}
		h.logger.Error("Failed to list jobs", zap.String("user_id", owner.UserID), zap.Error(err))
		return internalError(c)
	}
	limit, offset := filter.Window()
	return successResponse(c, http.StatusOK, "Successful", models.JobListResponse{
		Jobs:   jobs,
		Limit:  limit,
		Offset: offset,
	})
}

// Cancel handles POST /api/jobs/:id/cancel.
func (h *JobHandler) Cancel(c echo.Context) error {
	owner, _ := middleware.OwnerFrom(c)
	id := c.Param("id")

	ok, err := h.repo.CancelJob(c.Request().Context(), id, owner)
	if err != nil {
		return h.lookupError(c, err)
	}
	if !ok {
		return errorResponse(c, http.StatusConflict, "Job has already finished", nil)
	}
	h.logger.Info("Job cancelled", zap.String("job_id", id), zap.String("user_id", owner.UserID))
	return successResponse(c, http.StatusOK, "Job cancelled", map[string]string{"job_id": id})
}

// Logs handles GET /api/jobs/:id/logs.
func (h *JobHandler) Logs(c echo.Context) error {
	owner, _ := middleware.OwnerFrom(c)

	logs, err := h.repo.GetJobLogs(c.Request().Context(), c.Param("id"), &owner)
	if err != nil {
		return h.lookupError(c, err)
	}
	return successResponse(c, http.StatusOK, "Successful", logs)
}

// RunWorker handles POST /api/worker/run, a bounded batch for external schedulers.
func (h *JobHandler) RunWorker(c echo.Context) error {
	if h.worker == nil {
		return errorResponse(c, http.StatusServiceUnavailable, "Worker is not available", nil)
	}
	// A caller hanging up must not interrupt jobs the batch already claimed.
	ctx := context.WithoutCancel(c.Request().Context())
	processed, err := h.worker.RunBatch(ctx, queryInt(c, "max", 0))
	if err != nil {
		h.logger.Error("On-demand worker batch failed", zap.Int("processed", processed), zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "Worker batch failed", map[string]int{"processed": processed})
	}
	return successResponse(c, http.StatusOK, "Batch finished", map[string]int{"processed": processed})
}

// Health handles GET /health.
func (h *JobHandler) Health(c echo.Context) error {
	stats, err := h.repo.Stats(c.Request().Context())
	if err != nil {
		h.logger.Warn("Health check could not read queue stats", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{"status": "degraded"})
	}
	body := map[string]interface{}{
		"status": "ok",
		"jobs":   stats,
	}
	if h.worker != nil {
		body["worker_running"] = h.worker.Running()
	}
	return c.JSON(http.StatusOK, body)
}

func (h *JobHandler) lookupError(c echo.Context, err error) error {
	if errors.Is(err, repository.ErrJobNotFound) {
		return errorResponse(c, http.StatusNotFound, "Job not found", nil)
	}
	h.logger.Error("Job lookup failed", zap.String("job_id", c.Param("id")), zap.Error(err))
	return internalError(c)
}
