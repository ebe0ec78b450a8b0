package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"
	"iaboard-pipeline/internal/services"
)

// CatalogHandler lists what the pipeline can run with: providers and presets.
type CatalogHandler struct {
	orchestrator *services.Orchestrator
	logger       *logger.Logger
}

func NewCatalogHandler(orchestrator *services.Orchestrator, logger *logger.Logger) *CatalogHandler {
	return &CatalogHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

func (h *CatalogHandler) GetProviders(c *gin.Context) {
	providers := h.orchestrator.Providers()
	respondOK(c, http.StatusOK, "Providers retrieved", gin.H{
		"providers":     providers,
		"count":         len(providers),
		"request_types": models.RequestTypes(),
	})
}

func (h *CatalogHandler) GetPresets(c *gin.Context) {
	presets := h.orchestrator.Presets()
	respondOK(c, http.StatusOK, "Presets retrieved", gin.H{
		"presets": presets,
		"count":   len(presets),
	})
}
