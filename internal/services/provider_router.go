package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"iaboard-pipeline/internal/config"
	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"
)

const DefaultLiveConfidence = 0.92

// Generator is what the workflow layer needs from the router.
type Generator interface {
	Generate(ctx context.Context, req *models.GenerationRequest) models.GenerationResult
}

type ProviderRouter struct {
	registry       *ProviderRegistry
	synthesizer    *FallbackSynthesizer
	defaultTimeout time.Duration
	liveConfidence float64
	logger         *logger.Logger

	liveResults     atomic.Int64
	fallbackResults atomic.Int64
	failedAttempts  atomic.Int64
}

type attemptResult struct {
	response *GenerationResponse
	err      error
}

func NewProviderRouter(registry *ProviderRegistry, synthesizer *FallbackSynthesizer, cfg config.RouterConfig, log *logger.Logger) (*ProviderRouter, error) {
	if registry == nil || synthesizer == nil {
		return nil, fmt.Errorf("router requires a registry and a synthesizer")
	}

	liveConfidence := cfg.LiveConfidence
	if liveConfidence <= 0 {
		liveConfidence = DefaultLiveConfidence
	}
	if synthesizer.Confidence() >= liveConfidence {
		return nil, fmt.Errorf("fallback confidence %.2f must be below live confidence %.2f", synthesizer.Confidence(), liveConfidence)
	}

	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &ProviderRouter{
		registry:       registry,
		synthesizer:    synthesizer,
		defaultTimeout: timeout,
		liveConfidence: liveConfidence,
		logger:         log,
	}, nil
}

// Generate always returns a successful result. Provider failures cascade to the
// next eligible provider and finally to the fallback synthesizer.
func (r *ProviderRouter) Generate(ctx context.Context, req *models.GenerationRequest) (result models.GenerationResult) {
	start := time.Now()
	var attempts []models.ProviderAttempt

	defer func() {
		if p := recover(); p != nil {
			r.logger.WithFields(logger.Fields{
				"request_id": req.ID,
				"panic":      fmt.Sprint(p),
			}).Error("Router recovered from panic, using fallback")
			result = r.fallback(req, attempts, start)
		}
	}()

	r.registry.ResetIfExpired()
	eligible := r.registry.EligibleProvidersSorted()
	if len(eligible) == 0 {
		attempts = append(attempts, models.ProviderAttempt{
			ErrorType: models.ErrorTypeProviderUnavailable,
			Message:   "no eligible providers",
		})
		return r.fallback(req, attempts, start)
	}

	prompt := BuildPrompt(req)

	for _, provider := range eligible {
		if ctx.Err() != nil {
			break
		}

		if !r.registry.Reserve(provider.Name) {
			attempts = append(attempts, models.ProviderAttempt{
				Provider:  provider.Name,
				ErrorType: models.ErrorTypeProviderUnavailable,
				Message:   "provider became ineligible before dispatch",
			})
			continue
		}

		attemptStart := time.Now()
		response, err := r.attempt(ctx, provider, prompt)
		duration := time.Since(attemptStart)

		if err == nil {
			if recordErr := r.registry.RecordSuccess(provider.Name); recordErr != nil {
				r.logger.WithError(recordErr).Warn("Failed to record provider success")
			}
			r.logger.LogProvider(provider.Name, req.ID, "success", duration, nil)
			r.liveResults.Add(1)
			return r.liveResult(req, provider.Name, response, attempts, start)
		}

		// the caller gave up; not the provider's fault
		if ctx.Err() != nil {
			r.registry.Release(provider.Name)
			r.logger.LogProvider(provider.Name, req.ID, "abandoned", duration, ctx.Err())
			break
		}

		appErr := models.WrapProviderError(provider.Name, err)
		disabled, recordErr := r.registry.RecordFailure(provider.Name)
		if recordErr != nil {
			r.logger.WithError(recordErr).Warn("Failed to record provider failure")
		}
		r.failedAttempts.Add(1)
		r.logger.LogProvider(provider.Name, req.ID, string(appErr.Type), duration, appErr)

		attempt := models.ProviderAttempt{
			Provider:   provider.Name,
			ErrorType:  appErr.Type,
			Message:    appErr.Error(),
			DurationMs: duration.Milliseconds(),
		}
		if disabled {
			attempt.Message += " (provider disabled)"
		}
		attempts = append(attempts, attempt)
	}

	exhausted := models.NewAllProvidersExhaustedError(len(attempts))
	r.logger.WithFields(logger.Fields{
		"request_id": req.ID,
		"attempts":   len(attempts),
	}).WithError(exhausted).Warn("Falling back to offline synthesizer")

	return r.fallback(req, attempts, start)
}

func (r *ProviderRouter) attempt(ctx context.Context, provider models.Provider, prompt *PromptRequest) (*GenerationResponse, error) {
	backend, limiter, ok := r.registry.backend(provider.Name)
	if !ok {
		return nil, models.NewProviderUnavailableError(provider.Name, "provider not registered")
	}

	timeout := provider.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if limiter != nil {
		if err := limiter.Wait(attemptCtx); err != nil {
			return nil, models.NewProviderTimeoutError(provider.Name, timeout).
				WithMetadata("reason", "rate_limited").WithCause(err)
		}
	}

	// buffered so the goroutine can finish after we stop listening
	done := make(chan attemptResult, 1)
	promptCopy := *prompt

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- attemptResult{err: models.NewMalformedResponseError(provider.Name, fmt.Sprintf("backend panic: %v", p))}
			}
		}()
		response, err := backend.Generate(attemptCtx, &promptCopy)
		done <- attemptResult{response: response, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			var appErr *models.AppError
			if !errors.As(res.err, &appErr) && attemptCtx.Err() != nil {
				return nil, models.NewProviderTimeoutError(provider.Name, timeout).WithCause(res.err)
			}
			return nil, res.err
		}
		if res.response == nil || strings.TrimSpace(res.response.Content) == "" {
			return nil, models.NewMalformedResponseError(provider.Name, "empty response content")
		}
		return res.response, nil
	case <-attemptCtx.Done():
		return nil, models.NewProviderTimeoutError(provider.Name, timeout).WithCause(attemptCtx.Err())
	}
}

func (r *ProviderRouter) liveResult(req *models.GenerationRequest, provider string, response *GenerationResponse, attempts []models.ProviderAttempt, start time.Time) models.GenerationResult {
	content := strings.TrimSpace(response.Content)
	tokens := response.TokensUsed
	if tokens <= 0 {
		tokens = len(req.Prompt)/4 + len(content)/4
	}

	return models.GenerationResult{
		RequestID:        req.ID,
		Kind:             models.ResultKindLive,
		Success:          true,
		Content:          content,
		ProviderUsed:     provider,
		TokensConsumed:   tokens,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		ConfidenceScore:  r.liveConfidence,
		GeneratedFiles:   GenerateFiles(req, content),
		Attempts:         attempts,
		CreatedAt:        time.Now(),
	}
}

func (r *ProviderRouter) fallback(req *models.GenerationRequest, attempts []models.ProviderAttempt, start time.Time) models.GenerationResult {
	r.fallbackResults.Add(1)
	result := r.synthesizer.Synthesize(req)
	result.Attempts = attempts
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	return result
}

func (r *ProviderRouter) Registry() *ProviderRegistry {
	return r.registry
}

func (r *ProviderRouter) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"live_results":        r.liveResults.Load(),
		"fallback_results":    r.fallbackResults.Load(),
		"failed_attempts":     r.failedAttempts.Load(),
		"live_confidence":     r.liveConfidence,
		"fallback_confidence": r.synthesizer.Confidence(),
		"providers":           r.registry.Count(),
	}
}
