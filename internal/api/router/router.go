package router

import (
	"github.com/cuongbtq/stt-worker/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	jobHandler := handler.NewJobHandler(deps)

	r.GET("/health", jobHandler.Health)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.GET("", jobHandler.ListJobs)

			// registered before /:id so "stale" is not taken as a job id
			jobs.GET("/stale", jobHandler.ListStaleJobs)

			jobs.GET("/:id", jobHandler.GetJob)

			jobs.POST("/:id/reset", jobHandler.ResetJob)
		}
	}

	return r
}
