package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/stt-worker/internal/api/dto"
	"github.com/cuongbtq/stt-worker/internal/domain"
	"github.com/gin-gonic/gin"
)

// List limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Health handles GET /health
func (h *JobHandler) Health(c *gin.Context) {
	if err := h.store.HealthCheck(c.Request.Context()); err != nil {
		h.logger.Error("Health check failed", slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "service": h.service})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": h.service})
}

// GetJob handles GET /api/v1/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("id")

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.fail(c, "Failed to get job", jobID, err)
		return
	}

	c.JSON(http.StatusOK, dto.JobResponse{
		ID:          job.ID,
		Status:      job.StatusName,
		ResultText:  job.ResultText,
		ErrorDetail: job.ErrorDetail,
	})
}

// ListJobs handles GET /api/v1/jobs?status=&limit=
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "status must be one of pending, processing, done, failed and limit must be positive",
		})
		return
	}

	limit := req.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	code, _ := h.store.Codes().Code(req.Status)
	ids, err := h.store.ListByStatus(c.Request.Context(), code, limit)
	if err != nil {
		h.fail(c, "Failed to list jobs", "", err)
		return
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Status: req.Status,
		IDs:    ids,
		Count:  len(ids),
		Limit:  limit,
	})
}

// ResetJob handles POST /api/v1/jobs/:id/reset
// Moves a processing or failed job back to pending so a worker picks it up again.
func (h *JobHandler) ResetJob(c *gin.Context) {
	jobID := c.Param("id")

	if err := h.store.Reset(c.Request.Context(), jobID); err != nil {
		h.fail(c, "Failed to reset job", jobID, err)
		return
	}

	h.logger.Info("Job reset by operator",
		slog.String("job_id", jobID),
		slog.String("ip", c.ClientIP()),
	)

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.fail(c, "Failed to get job", jobID, err)
		return
	}
	c.JSON(http.StatusOK, dto.JobResponse{ID: job.ID, Status: job.StatusName})
}

// ListStaleJobs handles GET /api/v1/jobs/stale
func (h *JobHandler) ListStaleJobs(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusNotImplemented, dto.ErrorResponse{Error: "worker presence tracking is not enabled"})
		return
	}

	processing, err := h.store.ListByStatus(c.Request.Context(), h.store.Codes().Processing, MaxListLimit)
	if err != nil {
		h.fail(c, "Failed to list processing jobs", "", err)
		return
	}

	stale, err := h.presence.Stale(c.Request.Context(), processing)
	if err != nil {
		h.logger.Error("Failed to read worker presence", slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "worker presence unavailable"})
		return
	}

	c.JSON(http.StatusOK, dto.StaleJobsResponse{IDs: stale, Count: len(stale)})
}

// fail maps store errors to HTTP responses.
func (h *JobHandler) fail(c *gin.Context, msg, jobID string, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job not found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "only processing or failed jobs can be reset"})
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.logger.Error(msg, slog.String("job_id", jobID), slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "job store unavailable"})
	default:
		h.logger.Error(msg, slog.String("job_id", jobID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal error"})
	}
}
