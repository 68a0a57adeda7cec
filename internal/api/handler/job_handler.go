package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/dispatch-core/internal/api/dto"
	"github.com/cuongbtq/dispatch-core/internal/ioqueue"
)

// JobHandler handles task submission and job status requests
type JobHandler struct {
	logger    *slog.Logger
	submitter *ioqueue.Submitter
	storage   *ioqueue.Storage
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		submitter: deps.Submitter,
		storage:   deps.Storage,
	}
}

// SubmitJob handles POST /api/v1/jobs
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	opts := &ioqueue.SubmitOptions{
		Durable:    req.Durable,
		MaxRetries: req.MaxRetries,
		Dedupe:     req.Dedupe,
	}

	result, err := h.submitter.Submit(c.Request.Context(), req.TaskName, req.Args, req.Kwargs, opts)
	if err != nil {
		switch {
		case errors.Is(err, ioqueue.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Unknown task: " + req.TaskName,
			})
		case errors.Is(err, ioqueue.ErrNotSerializable):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Task arguments must be JSON-serializable",
			})
		default:
			h.logger.Error("Failed to submit job",
				slog.String("task_name", req.TaskName),
				slog.Any("error", err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to submit job",
			})
		}
		return
	}

	status := http.StatusAccepted
	if result.Deduped {
		status = http.StatusOK
	}

	c.JSON(status, dto.SubmitJobResponse{
		JobID:   result.JobID,
		Durable: result.Durable,
		Deduped: result.Deduped,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id is required",
		})
		return
	}

	job, err := h.storage.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, ioqueue.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	resp := dto.JobStatusResponse{
		JobID:    job.ID,
		TaskName: job.TaskName,
		Status:   string(job.Status),
		Attempts: job.Attempts,
		Result:   job.Result,
	}
	if job.LastError.Valid {
		resp.LastError = job.LastError.String
	}

	c.JSON(http.StatusOK, resp)
}
