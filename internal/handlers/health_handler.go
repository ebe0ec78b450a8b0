package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"
	"iaboard-pipeline/internal/services"
)

const (
	healthCheckTimeout = 5 * time.Second
	maxActiveWorkflows = 100
)

type HealthHandler struct {
	orchestrator *services.Orchestrator
	logger       *logger.Logger
	startTime    time.Time
}

func NewHealthHandler(orchestrator *services.Orchestrator, logger *logger.Logger) *HealthHandler {
	return &HealthHandler{
		orchestrator: orchestrator,
		logger:       logger,
		startTime:    time.Now(),
	}
}

func (healthHandler *HealthHandler) HealthCheck(ctx *gin.Context) {
	startTime := time.Now()

	newCtx, cancel := context.WithTimeout(ctx.Request.Context(), healthCheckTimeout)
	defer cancel()

	services := healthHandler.orchestrator.ServiceHealth(newCtx)
	err := healthHandler.orchestrator.HealthCheck(newCtx)

	status := "healthy"
	statusCode := http.StatusOK
	if err != nil {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
		healthHandler.logger.WithError(err).Error("Health Check failed")
	} else {
		healthHandler.logger.WithFields(logger.Fields{
			"duration_ms": time.Since(startTime).Milliseconds(),
		}).Debug("Health Check succeeded")
	}

	ctx.JSON(statusCode, models.HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Services:  services,
		Uptime:    time.Since(healthHandler.startTime).Seconds(),
	})
}

func (healthHandler *HealthHandler) LivenessProbe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
		"uptime":    time.Since(healthHandler.startTime).Seconds(),
	})
}

func (healthHandler *HealthHandler) ReadinessProbe(c *gin.Context) {
	activeWorkflows := healthHandler.orchestrator.GetActiveWorkflowsCount()

	newCtx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()
	storeErr := healthHandler.orchestrator.HealthCheck(newCtx)

	ready := activeWorkflows < maxActiveWorkflows && storeErr == nil
	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":           status,
		"ready":            ready,
		"active_workflows": activeWorkflows,
		"timestamp":        time.Now(),
	})
}
