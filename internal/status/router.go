package status

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "build-worker",
		})
	})

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	workerHandler := NewWorkerHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		worker := v1.Group("/worker")
		{
			// GET /api/v1/worker - Current lifecycle snapshot
			worker.GET("", workerHandler.GetWorker)

			// POST /api/v1/worker/stop - Graceful or forced stop
			worker.POST("/stop", workerHandler.StopWorker)

			// POST /api/v1/worker/kill - Forced stop, aborts the current build
			worker.POST("/kill", workerHandler.KillWorker)

			// GET /api/v1/worker/jobs - Recent processing attempts
			worker.GET("/jobs", workerHandler.ListAttempts)
		}
	}

	return r
}
