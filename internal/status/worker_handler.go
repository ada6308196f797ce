package status

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// GetWorker handles GET /api/v1/worker
// Returns the worker's current lifecycle snapshot
func (h *WorkerHandler) GetWorker(c *gin.Context) {
	c.JSON(http.StatusOK, h.worker.Report())
}

// StopRequest is the body for POST /api/v1/worker/stop
type StopRequest struct {
	Force bool `json:"force"`
}

// StopWorker handles POST /api/v1/worker/stop
// Takes the worker out of service; with force the current build is aborted
func (h *WorkerHandler) StopWorker(c *gin.Context) {
	var req StopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.logger.Error("Invalid request body", slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
	}

	h.logger.Info("Stop requested via API",
		slog.Bool("force", req.Force),
	)

	if err := h.worker.Stop(c.Request.Context(), req.Force); err != nil {
		h.logger.Error("Failed to stop worker", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to stop worker",
		})
		return
	}

	c.JSON(http.StatusOK, h.worker.Report())
}

// KillWorker handles POST /api/v1/worker/kill
// Forcibly stops the worker, terminating the build shell mid-job
func (h *WorkerHandler) KillWorker(c *gin.Context) {
	h.logger.Info("Kill requested via API")

	if err := h.worker.Kill(c.Request.Context()); err != nil {
		h.logger.Error("Failed to kill worker", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to kill worker",
		})
		return
	}

	c.JSON(http.StatusOK, h.worker.Report())
}

// ListAttempts handles GET /api/v1/worker/jobs
// Returns this worker's recent processing attempts from the journal
func (h *WorkerHandler) ListAttempts(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job journal is not enabled",
		})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "limit must be an integer",
			})
			return
		}
		limit = parsed
	}

	attempts, err := h.journal.RecentAttempts(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list attempts", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list attempts",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"attempts": attempts,
	})
}
