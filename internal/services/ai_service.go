package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"iaboard-pipeline/internal/config"
	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"

	"google.golang.org/genai"
)

const GeminiProviderName = "gemini"

// GenerationBackend is one externally reachable generation endpoint. The
// router owns timeouts, quotas and fallback; a backend makes a single call.
type GenerationBackend interface {
	Name() string
	Generate(ctx context.Context, req *PromptRequest) (*GenerationResponse, error)
	Close() error
}

type PromptRequest struct {
	RequestID   string
	Prompt      string
	SystemRole  string
	Context     string
	MaxTokens   int32
	Temperature *float32
}

type GenerationResponse struct {
	Content        string
	TokensUsed     int
	FinishReason   string
	ProcessingTime time.Duration
}

type GeminiService struct {
	client *genai.Client
	config config.GeminiConfig
	logger *logger.Logger
}

func NewGeminiService(config config.GeminiConfig, log *logger.Logger) (*GeminiService, error) {
	return newGeminiService(config, log, nil)
}

func newGeminiService(config config.GeminiConfig, log *logger.Logger, httpOptions *genai.HTTPOptions) (*GeminiService, error) {
	if config.APIKey == "" {
		return nil, errors.New("Gemini API key required")
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if httpOptions != nil {
		clientConfig.HTTPOptions = *httpOptions
	}

	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	log.WithFields(logger.Fields{
		"model":       config.Model,
		"max_tokens":  config.MaxTokens,
		"temperature": config.Temperature,
	}).Info("AI service initialized - Gemini API")

	return &GeminiService{
		client: client,
		config: config,
		logger: log,
	}, nil
}

func (service *GeminiService) Name() string {
	return GeminiProviderName
}

func (service *GeminiService) Generate(ctx context.Context, req *PromptRequest) (*GenerationResponse, error) {
	startTime := time.Now()

	genConfig := &genai.GenerateContentConfig{}

	if req.SystemRole != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(req.SystemRole, genai.RoleUser)
	}

	if req.Temperature != nil {
		genConfig.Temperature = req.Temperature
	} else {
		temp := float32(service.config.Temperature)
		genConfig.Temperature = &temp
	}

	if req.MaxTokens != 0 {
		genConfig.MaxOutputTokens = req.MaxTokens
	} else {
		genConfig.MaxOutputTokens = int32(service.config.MaxTokens)
	}

	var content []*genai.Content
	if req.Context != "" {
		parts := []*genai.Part{
			genai.NewPartFromText(fmt.Sprintf("Context : %s\n\n", req.Context)),
			genai.NewPartFromText(req.Prompt),
		}
		content = []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	} else {
		content = genai.Text(req.Prompt)
	}

	result, err := service.client.Models.GenerateContent(ctx, service.config.Model, content, genConfig)
	if err != nil {
		return nil, service.classifyError(ctx, err)
	}

	if len(result.Candidates) == 0 {
		return nil, models.NewMalformedResponseError(GeminiProviderName, "no response candidates generated")
	}

	candidate := result.Candidates[0]

	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			text.WriteString(part.Text)
		}
	}

	tokensUsed := len(req.Prompt)/4 + text.Len()/4
	if result.UsageMetadata != nil && result.UsageMetadata.TotalTokenCount > 0 {
		tokensUsed = int(result.UsageMetadata.TotalTokenCount)
	}

	response := &GenerationResponse{
		Content:        text.String(),
		TokensUsed:     tokensUsed,
		FinishReason:   string(candidate.FinishReason),
		ProcessingTime: time.Since(startTime),
	}

	service.logger.LogService("gemini", "generate_content", response.ProcessingTime, map[string]interface{}{
		"request_id":      req.RequestID,
		"prompt_length":   len(req.Prompt),
		"response_length": len(response.Content),
		"tokens_used":     response.TokensUsed,
		"finish_reason":   response.FinishReason,
	}, nil)

	return response, nil
}

func (service *GeminiService) classifyError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return models.NewProviderTimeoutError(GeminiProviderName, service.config.Timeout).WithCause(err)
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(GeminiProviderName, apiErr.Code, apiErr.Message).WithCause(err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return classifyStatus(GeminiProviderName, apiErrPtr.Code, apiErrPtr.Message).WithCause(err)
	}

	return models.WrapProviderError(GeminiProviderName, err)
}

func (service *GeminiService) Close() error {
	// request/response client, nothing to release
	service.logger.Info("Gemini client closed")
	return nil
}
