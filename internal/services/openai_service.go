package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"iaboard-pipeline/internal/config"
	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"
)

const OpenAIProviderName = "openai"

type OpenAIService struct {
	config     config.OpenAIConfig
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int32           `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func NewOpenAIService(config config.OpenAIConfig, httpClient *http.Client, log *logger.Logger) (*OpenAIService, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}

	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	// the router enforces the attempt deadline; this is only a backstop
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * config.Timeout}
	}

	log.WithFields(logger.Fields{
		"model":    config.Model,
		"base_url": baseURL,
	}).Info("AI service initialized - OpenAI compatible API")

	return &OpenAIService{
		config:     config,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     log,
	}, nil
}

func (service *OpenAIService) Name() string {
	return OpenAIProviderName
}

func (service *OpenAIService) Generate(ctx context.Context, req *PromptRequest) (*GenerationResponse, error) {
	startTime := time.Now()

	payload := openAIChatRequest{
		Model:       service.config.Model,
		Temperature: service.config.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.Temperature != nil {
		payload.Temperature = float64(*req.Temperature)
	}
	if req.SystemRole != "" {
		payload.Messages = append(payload.Messages, openAIMessage{Role: "system", Content: req.SystemRole})
	}
	userContent := req.Prompt
	if req.Context != "" {
		userContent = fmt.Sprintf("Context : %s\n\n%s", req.Context, req.Prompt)
	}
	payload.Messages = append(payload.Messages, openAIMessage{Role: "user", Content: userContent})

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, models.NewMalformedResponseError(OpenAIProviderName, "failed to encode request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, service.baseURL+"/chat/completions", &buf)
	if err != nil {
		return nil, models.WrapProviderError(OpenAIProviderName, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+service.config.APIKey)

	resp, err := service.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.NewProviderTimeoutError(OpenAIProviderName, service.config.Timeout).WithCause(err)
		}
		return nil, models.WrapProviderError(OpenAIProviderName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, classifyStatus(OpenAIProviderName, resp.StatusCode, readErrorBody(resp.Body))
	}

	var out openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, models.NewMalformedResponseError(OpenAIProviderName, "failed to decode response").WithCause(err)
	}
	if len(out.Choices) == 0 {
		return nil, models.NewMalformedResponseError(OpenAIProviderName, "no choices in response")
	}

	text := strings.TrimSpace(out.Choices[0].Message.Content)
	tokens := out.Usage.TotalTokens
	if tokens == 0 {
		tokens = len(req.Prompt)/4 + len(text)/4
	}

	response := &GenerationResponse{
		Content:        text,
		TokensUsed:     tokens,
		FinishReason:   out.Choices[0].FinishReason,
		ProcessingTime: time.Since(startTime),
	}

	service.logger.LogService("openai", "chat_completion", response.ProcessingTime, map[string]interface{}{
		"request_id":      req.RequestID,
		"response_length": len(text),
		"tokens_used":     tokens,
	}, nil)

	return response, nil
}

func (service *OpenAIService) Close() error {
	service.httpClient.CloseIdleConnections()
	return nil
}

// classifyStatus maps an HTTP status from a backend onto the provider error taxonomy.
func classifyStatus(provider string, status int, detail string) *models.AppError {
	message := fmt.Sprintf("%s returned status %d", provider, status)
	if detail != "" {
		message = fmt.Sprintf("%s: %s", message, detail)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.NewProviderAuthError(provider, message)
	case status == http.StatusTooManyRequests:
		return models.NewProviderQuotaError(provider, message)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return models.NewProviderTimeoutError(provider, 0).WithMetadata("status", status)
	default:
		return models.NewProviderUnavailableError(provider, message).WithMetadata("status", status)
	}
}

func readErrorBody(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
