package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"
)

func respondOK(ctx *gin.Context, status int, message string, data interface{}) {
	ctx.JSON(status, models.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// respondError maps AppErrors onto their HTTP status. Anything else is a 500.
func respondError(ctx *gin.Context, log *logger.Logger, message string, err error) {
	appErr := models.AsAppError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	entry := log.WithFields(logger.Fields{
		"path":       ctx.FullPath(),
		"error_type": appErr.Type,
		"error_code": appErr.Code,
		"status":     status,
	})
	if status >= http.StatusInternalServerError {
		entry.WithError(err).Error(message)
	} else {
		entry.Debug(message)
	}

	ctx.JSON(status, models.APIResponse{
		Success: false,
		Message: message,
		Data:    appErr,
		Error:   appErr.Error(),
	})
}

// bindAndValidate decodes the JSON body and runs struct validation on it.
func bindAndValidate(ctx *gin.Context, v *validator.Validate, req interface{}) error {
	if err := ctx.ShouldBindJSON(req); err != nil {
		return models.NewValidationError("INVALID_REQUEST_FORMAT", "Invalid Request Format", err.Error())
	}
	if err := v.Struct(req); err != nil {
		return models.NewValidationError("VALIDATION_FAILED", "Request validation failed", err.Error())
	}
	return nil
}
