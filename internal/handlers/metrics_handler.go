package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"
	"iaboard-pipeline/internal/services"
)

type MetricsHandler struct {
	orchestrator *services.Orchestrator
	logger       *logger.Logger
}

func NewMetricsHandler(orchestrator *services.Orchestrator, logger *logger.Logger) *MetricsHandler {
	return &MetricsHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	response := models.MetricsResponse{
		Service:         "iaboard-pipeline",
		Timestamp:       time.Now(),
		Orchestrator:    h.orchestrator.GetStats(),
		Providers:       h.orchestrator.Providers(),
		ActiveWorkflows: h.orchestrator.GetActiveWorkflowsCount(),
		SystemResources: systemResources(),
	}

	c.JSON(http.StatusOK, response)
}

func systemResources() models.SystemResourcesInfo {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return models.SystemResourcesInfo{
		GoroutineCount: runtime.NumGoroutine(),
		HeapAllocBytes: memStats.HeapAlloc,
		NumGC:          memStats.NumGC,
	}
}
