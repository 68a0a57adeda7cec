package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/dispatch-core/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if err := deps.DBClient.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
		if err := deps.Redis.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "dispatch-api-service",
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jobHandler := handler.NewJobHandler(deps)
	bridgeHandler := handler.NewBridgeHandler(deps)
	wsHandler := handler.NewWSHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a task
			jobs.POST("", jobHandler.SubmitJob)

			// GET /api/v1/jobs/:job_id - Get job status and result
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		// POST /api/v1/calls/:fn - Awaitable cross-process call
		v1.POST("/calls/:fn", bridgeHandler.Call)
	}

	// Process-to-process surface; not exposed beyond the service mesh
	internal := r.Group("/internal")
	{
		internal.POST("/resolve", bridgeHandler.Resolve)
		internal.GET("/futures", bridgeHandler.Futures)
	}

	// WebSocket progress subscriptions
	r.GET("/ws", wsHandler.Serve)

	return r
}
