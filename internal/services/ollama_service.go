package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"iaboard-pipeline/internal/config"
	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"
)

const OllamaProviderName = "ollama"

type OllamaService struct {
	client    *http.Client
	config    *config.OllamaConfig
	logger    *logger.Logger
	semaphore chan struct{}
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type ModelInfo struct {
	Name       string    `json:"name"`
	Size       float64   `json:"size"`
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modified_at"`
}

type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

func NewOllamaService(config config.OllamaConfig, log *logger.Logger) (*OllamaService, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("Ollama Base URL is required")
	}

	if config.Model == "" {
		return nil, fmt.Errorf("Ollama model is required")
	}

	concurrency := config.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	client := &http.Client{
		Timeout: 2 * config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			MaxIdleConnsPerHost: concurrency,
		},
	}

	service := &OllamaService{
		client:    client,
		config:    &config,
		logger:    log,
		semaphore: make(chan struct{}, concurrency),
	}

	log.WithFields(logger.Fields{
		"base_url": config.BaseURL,
		"model":    config.Model,
		"timeout":  config.Timeout.String(),
	}).Info("Ollama service initialized successfully")

	return service, nil
}

func (service *OllamaService) Name() string {
	return OllamaProviderName
}

func (service *OllamaService) Generate(ctx context.Context, req *PromptRequest) (*GenerationResponse, error) {
	select {
	case service.semaphore <- struct{}{}:
		defer func() { <-service.semaphore }()
	case <-ctx.Done():
		return nil, models.NewProviderTimeoutError(OllamaProviderName, service.config.Timeout).WithCause(ctx.Err())
	}

	startTime := time.Now()

	prompt := req.Prompt
	if req.Context != "" {
		prompt = fmt.Sprintf("Context : %s\n\n%s", req.Context, req.Prompt)
	}

	request := ollamaGenerateRequest{
		Model:  service.config.Model,
		Prompt: prompt,
		System: req.SystemRole,
		Stream: false,
	}
	options := map[string]interface{}{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) > 0 {
		request.Options = options
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, models.NewMalformedResponseError(OllamaProviderName, "failed to marshal generate request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, service.config.BaseURL+"/api/generate", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, models.WrapProviderError(OllamaProviderName, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := service.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.NewProviderTimeoutError(OllamaProviderName, service.config.Timeout).WithCause(err)
		}
		return nil, models.WrapProviderError(OllamaProviderName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(OllamaProviderName, resp.StatusCode, readErrorBody(resp.Body))
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, models.NewMalformedResponseError(OllamaProviderName, "failed to decode generate response").WithCause(err)
	}

	text := strings.TrimSpace(out.Response)
	tokens := out.PromptEvalCount + out.EvalCount
	if tokens == 0 {
		tokens = len(prompt)/4 + len(text)/4
	}

	response := &GenerationResponse{
		Content:        text,
		TokensUsed:     tokens,
		FinishReason:   out.DoneReason,
		ProcessingTime: time.Since(startTime),
	}

	service.logger.LogService("ollama", "generate", response.ProcessingTime, map[string]interface{}{
		"request_id":      req.RequestID,
		"model":           service.config.Model,
		"response_length": len(text),
		"tokens_used":     tokens,
	}, nil)

	return response, nil
}

func (service *OllamaService) GetAvailableModels(ctx context.Context) ([]ModelInfo, error) {
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, service.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create get models request: %w", err)
	}

	resp, err := service.client.Do(req)
	if err != nil {
		service.logger.LogService("ollama", "get_available_models", time.Since(startTime), nil, err)
		return nil, models.WrapProviderError(OllamaProviderName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		appErr := classifyStatus(OllamaProviderName, resp.StatusCode, "")
		service.logger.LogService("ollama", "get_available_models", time.Since(startTime), nil, appErr)
		return nil, appErr
	}

	var result ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return result.Models, nil
}

// HealthCheck confirms the server answers and the configured model is pulled.
func (service *OllamaService) HealthCheck(ctx context.Context) error {
	available, err := service.GetAvailableModels(ctx)
	if err != nil {
		return fmt.Errorf("ollama health check failed: %w", err)
	}

	for _, model := range available {
		if model.Name == service.config.Model {
			return nil
		}
	}

	return fmt.Errorf("model %s not found", service.config.Model)
}

func (service *OllamaService) Close() error {
	service.client.CloseIdleConnections()
	service.logger.Info("Ollama service closed successfully")
	return nil
}
