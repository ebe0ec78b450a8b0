package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"iaboard-pipeline/internal/handlers"
)

func SetupRoutes(
	router *gin.Engine,
	workflowHandler *handlers.WorkflowHandler,
	catalogHandler *handlers.CatalogHandler,
	healthHandler *handlers.HealthHandler,
	metricsHandler *handlers.MetricsHandler,
) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "iaboard-pipeline",
			"version": "1.0.0",
			"status":  "running",
		})
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/generate", workflowHandler.Generate)
		v1.GET("/providers", catalogHandler.GetProviders)
		v1.GET("/presets", catalogHandler.GetPresets)

		workflows := v1.Group("/workflows")
		{
			workflows.POST("", workflowHandler.StartWorkflow)
			workflows.GET("/active", workflowHandler.GetActiveWorkflows)
			workflows.GET("/:id", workflowHandler.GetWorkflow)
			workflows.GET("/:id/progress", workflowHandler.GetProgress)
			workflows.DELETE("/:id", workflowHandler.CancelWorkflow)

			steps := workflows.Group("/:id/steps/:stepId")
			{
				steps.PATCH("/progress", workflowHandler.UpdateStepProgress)
				steps.POST("/complete", workflowHandler.CompleteStep)
				steps.POST("/fail", workflowHandler.FailStep)
				steps.POST("/retry", workflowHandler.RetryStep)
			}
		}

		health := v1.Group("/health")
		{
			health.GET("", healthHandler.HealthCheck)
			health.GET("/live", healthHandler.LivenessProbe)
			health.GET("/ready", healthHandler.ReadinessProbe)
		}

		v1.GET("/metrics", metricsHandler.GetMetrics)
	}
}
