package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"
	"iaboard-pipeline/internal/services"
)

const generateTimeout = 3 * time.Minute

type WorkflowHandler struct {
	orchestrator *services.Orchestrator
	logger       *logger.Logger
	validator    *validator.Validate
}

func NewWorkflowHandler(orchestrator *services.Orchestrator, logger *logger.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		orchestrator: orchestrator,
		logger:       logger,
		validator:    validator.New(),
	}
}

func (workflowHandler *WorkflowHandler) Generate(ctx *gin.Context) {
	var req models.GenerateRequest
	if err := bindAndValidate(ctx, workflowHandler.validator, &req); err != nil {
		respondError(ctx, workflowHandler.logger, "Invalid generation request", err)
		return
	}

	newCtx, cancel := context.WithTimeout(ctx.Request.Context(), generateTimeout)
	defer cancel()

	result, err := workflowHandler.orchestrator.Generate(newCtx, req)
	if err != nil {
		respondError(ctx, workflowHandler.logger, "Invalid generation request", err)
		return
	}

	message := "Content generated"
	if result.IsFallback() {
		message = "Content generated from offline templates"
	}
	respondOK(ctx, http.StatusOK, message, result)
}

func (workflowHandler *WorkflowHandler) StartWorkflow(ctx *gin.Context) {
	var req models.StartWorkflowRequest
	if err := bindAndValidate(ctx, workflowHandler.validator, &req); err != nil {
		respondError(ctx, workflowHandler.logger, "Invalid workflow request", err)
		return
	}

	started, err := workflowHandler.orchestrator.StartWorkflow(req)
	if err != nil {
		respondError(ctx, workflowHandler.logger, "Failed to start workflow", err)
		return
	}

	workflowHandler.logger.WithFields(logger.Fields{
		"workflow_id": started.WorkflowID,
		"preset":      req.Preset,
		"total_steps": started.TotalSteps,
	}).Info("Workflow started")

	respondOK(ctx, http.StatusAccepted, "Workflow started", started)
}

func (workflowHandler *WorkflowHandler) GetWorkflow(ctx *gin.Context) {
	workflow, err := workflowHandler.orchestrator.GetWorkflow(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		respondError(ctx, workflowHandler.logger, "Workflow not found", err)
		return
	}
	respondOK(ctx, http.StatusOK, "Workflow retrieved", workflow)
}

func (workflowHandler *WorkflowHandler) GetProgress(ctx *gin.Context) {
	progress, err := workflowHandler.orchestrator.GetProgress(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		respondError(ctx, workflowHandler.logger, "Workflow not found", err)
		return
	}
	respondOK(ctx, http.StatusOK, "Workflow progress retrieved", progress)
}

func (workflowHandler *WorkflowHandler) GetActiveWorkflows(ctx *gin.Context) {
	workflows := workflowHandler.orchestrator.ListActive()
	respondOK(ctx, http.StatusOK, "Active workflows retrieved", gin.H{
		"active_count": len(workflows),
		"workflows":    workflows,
		"timestamp":    time.Now(),
	})
}

func (workflowHandler *WorkflowHandler) UpdateStepProgress(ctx *gin.Context) {
	var req models.StepProgressRequest
	if err := bindAndValidate(ctx, workflowHandler.validator, &req); err != nil {
		respondError(ctx, workflowHandler.logger, "Invalid progress update", err)
		return
	}

	applied, err := workflowHandler.orchestrator.UpdateStepProgress(ctx.Param("id"), ctx.Param("stepId"), req.Percent)
	if err != nil {
		respondError(ctx, workflowHandler.logger, "Failed to update step progress", err)
		return
	}

	message := "Step progress updated"
	if !applied {
		message = "Step is not processing, update ignored"
	}
	respondOK(ctx, http.StatusOK, message, gin.H{"applied": applied})
}

func (workflowHandler *WorkflowHandler) CompleteStep(ctx *gin.Context) {
	var req models.CompleteStepRequest
	if ctx.Request.ContentLength != 0 {
		if err := bindAndValidate(ctx, workflowHandler.validator, &req); err != nil {
			respondError(ctx, workflowHandler.logger, "Invalid step completion", err)
			return
		}
	}

	workflowID, stepID := ctx.Param("id"), ctx.Param("stepId")
	if err := workflowHandler.orchestrator.CompleteStep(workflowID, stepID, req); err != nil {
		respondError(ctx, workflowHandler.logger, "Failed to complete step", err)
		return
	}
	respondOK(ctx, http.StatusOK, "Step completed", gin.H{"workflow_id": workflowID, "step_id": stepID})
}

func (workflowHandler *WorkflowHandler) FailStep(ctx *gin.Context) {
	var req models.FailStepRequest
	if err := bindAndValidate(ctx, workflowHandler.validator, &req); err != nil {
		respondError(ctx, workflowHandler.logger, "Invalid step failure", err)
		return
	}

	workflowID, stepID := ctx.Param("id"), ctx.Param("stepId")
	if err := workflowHandler.orchestrator.FailStep(workflowID, stepID, req.Message); err != nil {
		respondError(ctx, workflowHandler.logger, "Failed to mark step as failed", err)
		return
	}
	respondOK(ctx, http.StatusOK, "Step marked as failed", gin.H{"workflow_id": workflowID, "step_id": stepID})
}

func (workflowHandler *WorkflowHandler) RetryStep(ctx *gin.Context) {
	newCtx, cancel := context.WithTimeout(ctx.Request.Context(), generateTimeout)
	defer cancel()

	result, err := workflowHandler.orchestrator.RetryStep(newCtx, ctx.Param("id"), ctx.Param("stepId"))
	if err != nil {
		respondError(ctx, workflowHandler.logger, "Failed to retry step", err)
		return
	}
	respondOK(ctx, http.StatusOK, "Step retried", result)
}

func (workflowHandler *WorkflowHandler) CancelWorkflow(ctx *gin.Context) {
	workflowID := ctx.Param("id")
	if err := workflowHandler.orchestrator.CancelWorkflow(workflowID); err != nil {
		respondError(ctx, workflowHandler.logger, "Workflow cannot be cancelled", err)
		return
	}

	workflowHandler.logger.WithWorkflowID(workflowID).Info("Workflow cancelled")
	respondOK(ctx, http.StatusOK, "Workflow cancelled successfully", gin.H{
		"workflow_id": workflowID,
		"status":      models.WorkflowStatusCancelled,
	})
}
