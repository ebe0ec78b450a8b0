package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"iaboard-pipeline/internal/config"
	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"
)

func newTestRouter(t *testing.T, registry *ProviderRegistry) *ProviderRouter {
	t.Helper()
	router, err := NewProviderRouter(registry, NewFallbackSynthesizer(DefaultFallbackConfidence), config.RouterConfig{
		AttemptTimeout: time.Second,
		LiveConfidence: DefaultLiveConfidence,
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewProviderRouter() error = %v", err)
	}
	return router
}

func TestRouterUsesHighestPriorityProvider(t *testing.T) {
	registry := newTestRegistry(t, nil)
	primary := newFakeBackend("primary")
	secondary := newFakeBackend("secondary")
	mustRegister(t, registry, secondary, 2, 10)
	mustRegister(t, registry, primary, 1, 10)

	router := newTestRouter(t, registry)
	result := router.Generate(context.Background(), models.NewGenerationRequest(models.RequestTypeCopy, "Curso de yoga", nil))

	if result.Kind != models.ResultKindLive || result.ProviderUsed != "primary" {
		t.Fatalf("result kind = %s provider = %s, want live from primary", result.Kind, result.ProviderUsed)
	}
	if result.ConfidenceScore != DefaultLiveConfidence {
		t.Fatalf("confidence = %v, want %v", result.ConfidenceScore, DefaultLiveConfidence)
	}
	if result.TokensConsumed != 42 {
		t.Fatalf("tokens = %d, want 42", result.TokensConsumed)
	}
	if secondary.Calls() != 0 {
		t.Fatalf("secondary called %d times", secondary.Calls())
	}
	if len(result.GeneratedFiles) == 0 || result.GeneratedFiles[0].Name != "sales-copy.md" {
		t.Fatalf("unexpected files: %+v", result.GeneratedFiles)
	}

	p, _ := registry.Get("primary")
	if p.UsedToday != 1 || p.InFlight != 0 {
		t.Fatalf("primary usedToday = %d inFlight = %d", p.UsedToday, p.InFlight)
	}
}

func TestRouterCascadesToNextProvider(t *testing.T) {
	registry := newTestRegistry(t, nil)
	broken := newFakeBackend("broken")
	broken.generate = failingWith(models.NewProviderQuotaError("broken", "rate limited"))
	healthy := newFakeBackend("healthy")
	mustRegister(t, registry, broken, 1, 10)
	mustRegister(t, registry, healthy, 2, 10)

	router := newTestRouter(t, registry)
	result := router.Generate(context.Background(), models.NewGenerationRequest(models.RequestTypeVideo, "Roteiro", nil))

	if result.ProviderUsed != "healthy" {
		t.Fatalf("provider = %s, want healthy", result.ProviderUsed)
	}
	if len(result.Attempts) != 1 || result.Attempts[0].ErrorType != models.ErrorTypeProviderQuotaRejected {
		t.Fatalf("attempts = %+v", result.Attempts)
	}

	p, _ := registry.Get("broken")
	if p.UsedToday != 0 || p.ConsecutiveFailures != 1 {
		t.Fatalf("broken usedToday = %d failures = %d, want 0 and 1", p.UsedToday, p.ConsecutiveFailures)
	}
}

func TestRouterFallsBackWhenAllProvidersFail(t *testing.T) {
	registry := newTestRegistry(t, nil)
	for _, name := range []string{"a", "b"} {
		backend := newFakeBackend(name)
		backend.generate = failingWith(errors.New("connection refused"))
		mustRegister(t, registry, backend, 1, 10)
	}

	router := newTestRouter(t, registry)
	req := models.NewGenerationRequest(models.RequestTypeCopy, "Curso de yoga online", nil)
	result := router.Generate(context.Background(), req)

	if !result.Success {
		t.Fatal("fallback result must be successful")
	}
	if result.Kind != models.ResultKindFallback || result.ProviderUsed != models.FallbackProviderName {
		t.Fatalf("kind = %s provider = %s, want fallback", result.Kind, result.ProviderUsed)
	}
	if result.ConfidenceScore >= DefaultLiveConfidence {
		t.Fatalf("fallback confidence %v must be below live", result.ConfidenceScore)
	}

	wantContent, wantFiles := RenderFallback(CategoryCopy, "Curso de yoga online")
	if result.Content != wantContent {
		t.Fatalf("fallback content does not match the copy template")
	}
	if len(result.GeneratedFiles) != len(wantFiles) {
		t.Fatalf("files = %d, want %d", len(result.GeneratedFiles), len(wantFiles))
	}
	if len(result.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(result.Attempts))
	}
	for _, attempt := range result.Attempts {
		if attempt.ErrorType != models.ErrorTypeProviderUnavailable {
			t.Fatalf("attempt error type = %s, want provider_unavailable", attempt.ErrorType)
		}
	}

	for _, p := range registry.Snapshot() {
		if p.UsedToday != 0 {
			t.Fatalf("%s usedToday = %d, failures must not consume quota", p.Name, p.UsedToday)
		}
	}
}

func TestRouterFallsBackWithNoProviders(t *testing.T) {
	router := newTestRouter(t, newTestRegistry(t, nil))
	result := router.Generate(context.Background(), models.NewGenerationRequest(models.RequestTypeCustom, "Quero um roteiro de vídeo", nil))

	if !result.IsFallback() {
		t.Fatal("expected fallback result")
	}
	want, _ := RenderFallback(CategoryVideo, "Quero um roteiro de vídeo")
	if result.Content != want {
		t.Fatalf("custom request should be classified as video")
	}
}

func TestRouterTimesOutStalledProvider(t *testing.T) {
	registry := newTestRegistry(t, nil)
	stalled := newFakeBackend("stalled")
	release := make(chan struct{})
	defer close(release)
	stalled.generate = func(ctx context.Context, _ *PromptRequest) (*GenerationResponse, error) {
		<-release
		return &GenerationResponse{Content: "too late"}, nil
	}
	if err := registry.Register(stalled, ProviderSettings{Priority: 1, DailyQuota: 10, Timeout: 50 * time.Millisecond}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	router := newTestRouter(t, registry)
	start := time.Now()
	result := router.Generate(context.Background(), models.NewGenerationRequest(models.RequestTypeStrategy, "Plano", nil))

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("router waited %s for a stalled backend", elapsed)
	}
	if !result.IsFallback() {
		t.Fatal("expected fallback after timeout")
	}
	if len(result.Attempts) != 1 || result.Attempts[0].ErrorType != models.ErrorTypeProviderTimeout {
		t.Fatalf("attempts = %+v, want one provider_timeout", result.Attempts)
	}
}

func TestRouterRecoversBackendPanic(t *testing.T) {
	registry := newTestRegistry(t, nil)
	panicking := newFakeBackend("panicking")
	panicking.generate = func(context.Context, *PromptRequest) (*GenerationResponse, error) {
		panic("boom")
	}
	mustRegister(t, registry, panicking, 1, 10)

	result := newTestRouter(t, registry).Generate(context.Background(), models.NewGenerationRequest(models.RequestTypeCopy, "x", nil))

	if !result.IsFallback() {
		t.Fatal("expected fallback after panic")
	}
	if result.Attempts[0].ErrorType != models.ErrorTypeProviderMalformedResponse {
		t.Fatalf("attempt error type = %s", result.Attempts[0].ErrorType)
	}
}

func TestRouterTreatsEmptyContentAsMalformed(t *testing.T) {
	registry := newTestRegistry(t, nil)
	empty := newFakeBackend("empty")
	empty.generate = func(context.Context, *PromptRequest) (*GenerationResponse, error) {
		return &GenerationResponse{Content: "   "}, nil
	}
	mustRegister(t, registry, empty, 1, 10)

	result := newTestRouter(t, registry).Generate(context.Background(), models.NewGenerationRequest(models.RequestTypeCopy, "x", nil))

	if !result.IsFallback() || result.Attempts[0].ErrorType != models.ErrorTypeProviderMalformedResponse {
		t.Fatalf("result = %+v", result)
	}
}

func TestRouterDisablesProviderAfterThreshold(t *testing.T) {
	registry := newTestRegistry(t, nil)
	flaky := newFakeBackend("flaky")
	flaky.generate = failingWith(models.NewProviderAuthError("flaky", "bad key"))
	mustRegister(t, registry, flaky, 1, 10)

	router := newTestRouter(t, registry)
	for i := 0; i < 4; i++ {
		router.Generate(context.Background(), models.NewGenerationRequest(models.RequestTypeCopy, "x", nil))
	}

	if flaky.Calls() != 3 {
		t.Fatalf("flaky called %d times, want 3 before being disabled", flaky.Calls())
	}
	p, _ := registry.Get("flaky")
	if p.Enabled {
		t.Fatal("provider should be disabled")
	}
}

func TestRouterDoesNotChargeCancelledCaller(t *testing.T) {
	registry := newTestRegistry(t, nil)
	slow := newFakeBackend("slow")
	ctx, cancel := context.WithCancel(context.Background())
	slow.generate = func(attemptCtx context.Context, _ *PromptRequest) (*GenerationResponse, error) {
		cancel()
		<-attemptCtx.Done()
		return nil, attemptCtx.Err()
	}
	mustRegister(t, registry, slow, 1, 10)

	result := newTestRouter(t, registry).Generate(ctx, models.NewGenerationRequest(models.RequestTypeCopy, "x", nil))

	if !result.IsFallback() {
		t.Fatal("expected fallback for cancelled caller")
	}
	p, _ := registry.Get("slow")
	if p.ConsecutiveFailures != 0 || p.InFlight != 0 || p.UsedToday != 0 {
		t.Fatalf("cancelled call changed provider state: %+v", p)
	}
}

func TestNewProviderRouterRejectsConfidenceInversion(t *testing.T) {
	_, err := NewProviderRouter(newTestRegistry(t, nil), NewFallbackSynthesizer(0.95), config.RouterConfig{LiveConfidence: 0.9}, logger.NewNop())
	if err == nil {
		t.Fatal("expected error when fallback confidence is not below live")
	}
}

func TestRouterPassesContextToPrompt(t *testing.T) {
	registry := newTestRegistry(t, nil)
	backend := newFakeBackend("a")
	mustRegister(t, registry, backend, 1, 10)

	req := models.NewGenerationRequest(models.RequestTypeTraffic, "Campanha", map[string]string{models.ParamAudience: "mães"})
	req.Context = "previous step output"
	newTestRouter(t, registry).Generate(context.Background(), req)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	prompt := backend.prompts[0]
	if prompt.Context != "previous step output" {
		t.Fatalf("context = %q", prompt.Context)
	}
	if !strings.Contains(prompt.Prompt, "Target audience: mães") {
		t.Fatalf("prompt missing audience: %q", prompt.Prompt)
	}
}

func TestRouterConcurrentCallersShareQuota(t *testing.T) {
	const (
		callers = 200
		quota   = 50
	)
	registry := newTestRegistry(t, nil)
	shared := newFakeBackend("shared")
	shared.generate = func(ctx context.Context, req *PromptRequest) (*GenerationResponse, error) {
		time.Sleep(time.Millisecond)
		return &GenerationResponse{Content: "ok", TokensUsed: 1}, nil
	}
	mustRegister(t, registry, shared, 1, quota)
	router := newTestRouter(t, registry)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		live int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := router.Generate(context.Background(), models.NewGenerationRequest(models.RequestTypeCopy, "Curso de yoga", nil))
			if result.Kind == models.ResultKindLive {
				mu.Lock()
				live++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	p, _ := registry.Get("shared")
	if live != quota || p.UsedToday != live {
		t.Fatalf("live = %d usedToday = %d, want both %d", live, p.UsedToday, quota)
	}
	if p.InFlight != 0 {
		t.Fatalf("inFlight = %d, want 0", p.InFlight)
	}
	if shared.Calls() != quota {
		t.Fatalf("backend calls = %d, want %d", shared.Calls(), quota)
	}
}
