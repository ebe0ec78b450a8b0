package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type RequestType string

const (
	RequestTypeCopy        RequestType = "copy"
	RequestTypeVideo       RequestType = "video"
	RequestTypeProduct     RequestType = "product"
	RequestTypeTraffic     RequestType = "traffic"
	RequestTypeAnalytics   RequestType = "analytics"
	RequestTypeStrategy    RequestType = "strategy"
	RequestTypeEmail       RequestType = "email"
	RequestTypeLandingPage RequestType = "landing_page"
	RequestTypeCustom      RequestType = "custom"
)

var requestTypes = []RequestType{
	RequestTypeCopy,
	RequestTypeVideo,
	RequestTypeProduct,
	RequestTypeTraffic,
	RequestTypeAnalytics,
	RequestTypeStrategy,
	RequestTypeEmail,
	RequestTypeLandingPage,
	RequestTypeCustom,
}

func RequestTypes() []RequestType {
	out := make([]RequestType, len(requestTypes))
	copy(out, requestTypes)
	return out
}

func (t RequestType) Valid() bool {
	for _, known := range requestTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseRequestType accepts the canonical names plus a few spellings seen in
// client payloads ("landing-page", "Video").
func ParseRequestType(raw string) (RequestType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	if normalized == "" {
		return RequestTypeCustom, nil
	}
	t := RequestType(normalized)
	if !t.Valid() {
		return "", NewValidationError("INVALID_REQUEST_TYPE", "Unknown request type", fmt.Sprintf("type %q is not supported", raw))
	}
	return t, nil
}

// Well-known parameter keys.
const (
	ParamReferenceURL = "reference_url"
	ParamAudience     = "audience"
	ParamTone         = "tone"
	ParamLanguage     = "language"
)

type GenerationRequest struct {
	ID         string            `json:"id"`
	Type       RequestType       `json:"type"`
	Prompt     string            `json:"prompt"`
	Parameters map[string]string `json:"parameters,omitempty"`
	// Context is extra material appended to the prompt: output of the previous
	// workflow step or text pulled from a reference page.
	Context   string    `json:"context,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func NewGenerationRequest(requestType RequestType, prompt string, params map[string]string) *GenerationRequest {
	if params == nil {
		params = make(map[string]string)
	}
	return &GenerationRequest{
		ID:         uuid.New().String(),
		Type:       requestType,
		Prompt:     prompt,
		Parameters: params,
		CreatedAt:  time.Now(),
	}
}

func (r *GenerationRequest) Param(key string) string {
	if r.Parameters == nil {
		return ""
	}
	return strings.TrimSpace(r.Parameters[key])
}

type ResultKind string

const (
	ResultKindLive     ResultKind = "live"
	ResultKindFallback ResultKind = "fallback"
)

const FallbackProviderName = "fallback"

type GeneratedFile struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ProviderAttempt describes one failed or skipped backend attempt made while
// serving a request.
type ProviderAttempt struct {
	Provider   string    `json:"provider"`
	ErrorType  ErrorType `json:"error_type"`
	Message    string    `json:"message"`
	DurationMs int64     `json:"duration_ms"`
}

type GenerationResult struct {
	RequestID        string            `json:"request_id"`
	Kind             ResultKind        `json:"kind"`
	Success          bool              `json:"success"`
	Content          string            `json:"content"`
	ProviderUsed     string            `json:"provider_used"`
	TokensConsumed   int               `json:"tokens_consumed"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
	ConfidenceScore  float64           `json:"confidence_score"`
	GeneratedFiles   []GeneratedFile   `json:"generated_files"`
	Attempts         []ProviderAttempt `json:"attempts,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

func (r *GenerationResult) IsFallback() bool {
	return r.Kind == ResultKindFallback
}
