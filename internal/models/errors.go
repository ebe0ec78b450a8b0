package models

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeInvalidState ErrorType = "invalid_state"
	ErrorTypeInternal     ErrorType = "internal"

	ErrorTypeProviderUnavailable       ErrorType = "provider_unavailable"
	ErrorTypeProviderTimeout           ErrorType = "provider_timeout"
	ErrorTypeProviderAuthRejected      ErrorType = "provider_auth_rejected"
	ErrorTypeProviderQuotaRejected     ErrorType = "provider_quota_rejected"
	ErrorTypeProviderMalformedResponse ErrorType = "provider_malformed_response"
	ErrorTypeAllProvidersExhausted     ErrorType = "all_providers_exhausted"

	ErrorTypeStepNotRetryable  ErrorType = "step_not_retryable"
	ErrorTypeWorkflowCancelled ErrorType = "workflow_cancelled"
)

type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	StepID     string                 `json:"step_id,omitempty"`
	Provider   string                 `json:"provider,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	StatusCode int                    `json:"status_code"`
	Retryable  bool                   `json:"retryable"`
	RetryAfter *time.Duration         `json:"retry_after,omitempty"`
	Cause      error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithProvider(provider string) *AppError {
	e.Provider = provider
	return e
}

func (e *AppError) WithStep(workflowID, stepID string) *AppError {
	e.WorkflowID = workflowID
	e.StepID = stepID
	return e
}

func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func (e *AppError) WithRetryAfter(duration time.Duration) *AppError {
	e.RetryAfter = &duration
	return e
}

func newError(t ErrorType, code, message string, status int, retryable bool) *AppError {
	return &AppError{
		Type:       t,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now(),
		StatusCode: status,
		Retryable:  retryable,
	}
}

// Error constructors
func NewValidationError(code, message, details string) *AppError {
	e := newError(ErrorTypeValidation, code, message, http.StatusBadRequest, false)
	e.Details = details
	return e
}

func NewNotFoundError(code, message string) *AppError {
	return newError(ErrorTypeNotFound, code, message, http.StatusNotFound, false)
}

func NewInvalidStateError(code, message string) *AppError {
	return newError(ErrorTypeInvalidState, code, message, http.StatusConflict, false)
}

func NewInternalError(code, message string) *AppError {
	return newError(ErrorTypeInternal, code, message, http.StatusInternalServerError, false)
}

func NewProviderUnavailableError(provider, message string) *AppError {
	return newError(ErrorTypeProviderUnavailable, "PROVIDER_UNAVAILABLE", message, http.StatusServiceUnavailable, true).
		WithProvider(provider)
}

func NewProviderTimeoutError(provider string, timeout time.Duration) *AppError {
	return newError(ErrorTypeProviderTimeout, "PROVIDER_TIMEOUT",
		fmt.Sprintf("provider %s did not answer within %s", provider, timeout), http.StatusGatewayTimeout, true).
		WithProvider(provider)
}

func NewProviderAuthError(provider, message string) *AppError {
	return newError(ErrorTypeProviderAuthRejected, "PROVIDER_AUTH_REJECTED", message, http.StatusBadGateway, false).
		WithProvider(provider)
}

func NewProviderQuotaError(provider, message string) *AppError {
	return newError(ErrorTypeProviderQuotaRejected, "PROVIDER_QUOTA_REJECTED", message, http.StatusTooManyRequests, true).
		WithProvider(provider)
}

func NewMalformedResponseError(provider, message string) *AppError {
	return newError(ErrorTypeProviderMalformedResponse, "PROVIDER_MALFORMED_RESPONSE", message, http.StatusBadGateway, true).
		WithProvider(provider)
}

func NewAllProvidersExhaustedError(attempts int) *AppError {
	return newError(ErrorTypeAllProvidersExhausted, "ALL_PROVIDERS_EXHAUSTED",
		fmt.Sprintf("all %d eligible providers failed", attempts), http.StatusServiceUnavailable, true)
}

func NewStepNotRetryableError(stepID string, status StepStatus) *AppError {
	return newError(ErrorTypeStepNotRetryable, "STEP_NOT_RETRYABLE",
		fmt.Sprintf("step %s is %s, only failed steps can be retried", stepID, status), http.StatusConflict, false)
}

func NewWorkflowCancelledError(workflowID string) *AppError {
	e := newError(ErrorTypeWorkflowCancelled, "WORKFLOW_CANCELLED", "workflow was cancelled", http.StatusGone, false)
	e.WorkflowID = workflowID
	return e
}

func NewStepNotFoundError(stepID string) *AppError {
	return NewNotFoundError("STEP_NOT_FOUND", fmt.Sprintf("step %s not found", stepID))
}

func NewWorkflowNotFoundError(workflowID string) *AppError {
	e := NewNotFoundError("WORKFLOW_NOT_FOUND", "Workflow not found")
	e.WorkflowID = workflowID
	return e
}

// IsErrorType reports whether err wraps an AppError of the given type.
func IsErrorType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// AsAppError converts any error into an AppError, wrapping unknown errors as internal.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternalError("INTERNAL_ERROR", "Internal server error").WithCause(err)
}

func WrapProviderError(provider string, err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Provider == "" {
			appErr.Provider = provider
		}
		return appErr
	}
	return NewProviderUnavailableError(provider, fmt.Sprintf("%s request failed", provider)).WithCause(err)
}
