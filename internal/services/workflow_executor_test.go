package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"
)

type generatorFunc func(ctx context.Context, req *models.GenerationRequest) models.GenerationResult

func (f generatorFunc) Generate(ctx context.Context, req *models.GenerationRequest) models.GenerationResult {
	return f(ctx, req)
}

func liveResult(req *models.GenerationRequest, content string) models.GenerationResult {
	return models.GenerationResult{
		RequestID:       req.ID,
		Kind:            models.ResultKindLive,
		Success:         true,
		Content:         content,
		ProviderUsed:    "fake",
		TokensConsumed:  10,
		ConfidenceScore: DefaultLiveConfidence,
	}
}

func echoGenerator() Generator {
	return generatorFunc(func(_ context.Context, req *models.GenerationRequest) models.GenerationResult {
		return liveResult(req, "output for "+req.Prompt)
	})
}

func threeSteps() []models.StepDefinition {
	return []models.StepDefinition{
		{Title: "Strategy", Type: models.RequestTypeStrategy, Prompt: "plan"},
		{Title: "Copy", Type: models.RequestTypeCopy, Prompt: "copy"},
		{Title: "Video", Type: models.RequestTypeVideo, Prompt: "video"},
	}
}

func newTestExecutor(t *testing.T, cfg models.WorkflowConfig, generator Generator) *WorkflowExecutor {
	t.Helper()
	workflow := models.NewWorkflow(cfg)
	observer := NewProgressObserver(workflow.ID, 0, 0, nil, logger.NewNop())
	return NewWorkflowExecutor(workflow, generator, observer, ExecutorOptions{}, logger.NewNop())
}

func TestExecutorManualLifecycle(t *testing.T) {
	exec := newTestExecutor(t, models.WorkflowConfig{}, echoGenerator())
	if err := exec.Start(threeSteps()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	assertProgress := func(want int) {
		t.Helper()
		if got := exec.OverallProgress(); got != want {
			t.Fatalf("overall progress = %d, want %d", got, want)
		}
	}

	assertProgress(0)
	if applied, err := exec.UpdateProgress("step-1", 150); err != nil || !applied {
		t.Fatalf("UpdateProgress() = %v, %v", applied, err)
	}
	if w := exec.Snapshot(); w.Steps[0].ProgressPercent != 100 {
		t.Fatalf("percent = %d, want clamped to 100", w.Steps[0].ProgressPercent)
	}
	assertProgress(0)

	if err := exec.Complete("step-1", models.StepMetadata{Provider: "manual", TokensUsed: 5}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	assertProgress(33)
	if err := exec.Advance(); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	if err := exec.Fail("step-2", "network"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	assertProgress(33)

	result, err := exec.Retry(context.Background(), "step-2")
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if result.Content != "output for copy" {
		t.Fatalf("retry content = %q", result.Content)
	}
	if err := exec.Complete("step-2", models.StepMetadata{}); err != nil {
		t.Fatalf("Complete() after retry error = %v", err)
	}
	assertProgress(66)

	w := exec.Snapshot()
	if w.Steps[1].Attempts != 2 || w.Steps[1].Metadata.Provider != "fake" {
		t.Fatalf("step-2 attempts = %d provider = %s", w.Steps[1].Attempts, w.Steps[1].Metadata.Provider)
	}

	if err := exec.Advance(); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if err := exec.Complete("step-3", models.StepMetadata{}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := exec.Advance(); err != nil {
		t.Fatalf("final Advance() error = %v", err)
	}
	assertProgress(100)

	if exec.Status() != models.WorkflowStatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status())
	}
	if exec.Observer().Running() {
		t.Fatal("observer clock should stop when the workflow completes")
	}
}

func TestExecutorStartValidation(t *testing.T) {
	tests := []struct {
		name  string
		steps []models.StepDefinition
	}{
		{"no steps", nil},
		{"bad type", []models.StepDefinition{{Title: "x", Type: "podcast", Prompt: "p"}}},
		{"duplicate ids", []models.StepDefinition{
			{ID: "a", Title: "x", Type: models.RequestTypeCopy, Prompt: "p"},
			{ID: "a", Title: "y", Type: models.RequestTypeCopy, Prompt: "p"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newTestExecutor(t, models.WorkflowConfig{}, echoGenerator())
			err := exec.Start(tt.steps)
			if !models.IsErrorType(err, models.ErrorTypeValidation) {
				t.Fatalf("Start() error = %v, want validation error", err)
			}
			if exec.Status() != models.WorkflowStatusIdle {
				t.Fatalf("status = %s, want idle", exec.Status())
			}
		})
	}
}

func TestExecutorStartTwice(t *testing.T) {
	exec := newTestExecutor(t, models.WorkflowConfig{}, echoGenerator())
	if err := exec.Start(threeSteps()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := exec.Start(threeSteps()); !models.IsErrorType(err, models.ErrorTypeInvalidState) {
		t.Fatalf("second Start() error = %v, want invalid state", err)
	}
}

func TestExecutorRetryRequiresFailedStep(t *testing.T) {
	exec := newTestExecutor(t, models.WorkflowConfig{}, echoGenerator())
	if err := exec.Start(threeSteps()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, err := exec.Retry(context.Background(), "step-1")
	if !models.IsErrorType(err, models.ErrorTypeStepNotRetryable) {
		t.Fatalf("Retry() error = %v, want step_not_retryable", err)
	}
	_, err = exec.Retry(context.Background(), "missing")
	if !models.IsErrorType(err, models.ErrorTypeNotFound) {
		t.Fatalf("Retry() error = %v, want not_found", err)
	}
}

func TestExecutorIgnoresProgressForIdleStep(t *testing.T) {
	exec := newTestExecutor(t, models.WorkflowConfig{}, echoGenerator())
	if err := exec.Start(threeSteps()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	applied, err := exec.UpdateProgress("step-3", 50)
	if err != nil || applied {
		t.Fatalf("UpdateProgress() = %v, %v, want ignored", applied, err)
	}
}

func TestExecutorCompleteOnlyProcessingStep(t *testing.T) {
	exec := newTestExecutor(t, models.WorkflowConfig{}, echoGenerator())
	if err := exec.Start(threeSteps()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := exec.Complete("step-2", models.StepMetadata{}); !models.IsErrorType(err, models.ErrorTypeInvalidState) {
		t.Fatalf("Complete() on pending step error = %v", err)
	}
	if err := exec.Advance(); !models.IsErrorType(err, models.ErrorTypeInvalidState) {
		t.Fatalf("Advance() with a processing step error = %v", err)
	}
}

func TestExecutorRunCompletesWorkflow(t *testing.T) {
	var exec *WorkflowExecutor
	var mu sync.Mutex
	maxProcessing := 0

	generator := generatorFunc(func(_ context.Context, req *models.GenerationRequest) models.GenerationResult {
		if n := exec.Snapshot().ProcessingCount(); n > 0 {
			mu.Lock()
			if n > maxProcessing {
				maxProcessing = n
			}
			mu.Unlock()
		}
		return liveResult(req, "output for "+req.Prompt)
	})
	exec = newTestExecutor(t, models.WorkflowConfig{}, generator)

	if err := exec.Start(threeSteps()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := exec.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if maxProcessing != 1 {
		t.Fatalf("max processing steps = %d, want 1", maxProcessing)
	}
	w := exec.Snapshot()
	if w.OverallStatus != models.WorkflowStatusCompleted || w.EndedAt == nil {
		t.Fatalf("workflow status = %s", w.OverallStatus)
	}
	for _, step := range w.Steps {
		if step.Status != models.StepStatusCompleted || step.Result == nil {
			t.Fatalf("step %s status = %s", step.ID, step.Status)
		}
	}

	entries := exec.Observer().Entries()
	last := entries[len(entries)-1]
	if last.Type != models.UpdateTypeWorkflowCompleted || last.Progress != 100 {
		t.Fatalf("last entry = %+v", last)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Sequence <= entries[i-1].Sequence {
			t.Fatal("entry sequence must increase")
		}
	}
	if exec.Running() {
		t.Fatal("executor should not be running after Run returns")
	}
}

func TestExecutorRunHaltsOnRejectedFallback(t *testing.T) {
	generator := generatorFunc(func(_ context.Context, req *models.GenerationRequest) models.GenerationResult {
		result := liveResult(req, "template")
		result.Kind = models.ResultKindFallback
		result.ProviderUsed = models.FallbackProviderName
		return result
	})
	exec := newTestExecutor(t, models.WorkflowConfig{FailOnFallback: true}, generator)

	if err := exec.Start(threeSteps()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := exec.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	w := exec.Snapshot()
	if w.OverallStatus != models.WorkflowStatusActive {
		t.Fatalf("status = %s, want active", w.OverallStatus)
	}
	if w.Steps[0].Status != models.StepStatusError || w.Steps[1].Status != models.StepStatusPending {
		t.Fatalf("step statuses = %s, %s", w.Steps[0].Status, w.Steps[1].Status)
	}
	if w.Steps[0].Result == nil || !w.Steps[0].Result.IsFallback() {
		t.Fatal("rejected fallback result should stay on the step")
	}
}

func TestExecutorAcceptsFallbackByDefault(t *testing.T) {
	generator := generatorFunc(func(_ context.Context, req *models.GenerationRequest) models.GenerationResult {
		result := liveResult(req, "template")
		result.Kind = models.ResultKindFallback
		return result
	})
	exec := newTestExecutor(t, models.WorkflowConfig{}, generator)

	if err := exec.Start(threeSteps()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := exec.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if exec.Status() != models.WorkflowStatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status())
	}
}

func TestExecutorChainsPreviousOutput(t *testing.T) {
	var mu sync.Mutex
	contexts := map[string]string{}
	generator := generatorFunc(func(_ context.Context, req *models.GenerationRequest) models.GenerationResult {
		mu.Lock()
		contexts[req.Prompt] = req.Context
		mu.Unlock()
		return liveResult(req, strings.Repeat("x", chainContextLimit+10))
	})
	exec := newTestExecutor(t, models.WorkflowConfig{ChainContext: true}, generator)

	if err := exec.Start(threeSteps()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := exec.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if contexts["plan"] != "" {
		t.Fatalf("first step context = %q, want empty", contexts["plan"])
	}
	if got := len(contexts["copy"]); got != chainContextLimit {
		t.Fatalf("second step context length = %d, want %d", got, chainContextLimit)
	}
}

func TestExecutorCancelDropsInFlightResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	generator := generatorFunc(func(_ context.Context, req *models.GenerationRequest) models.GenerationResult {
		close(started)
		<-release
		return liveResult(req, "late")
	})
	exec := newTestExecutor(t, models.WorkflowConfig{}, generator)

	if err := exec.Start(threeSteps()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- exec.Run(context.Background()) }()

	<-started
	if err := exec.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(release)

	select {
	case err := <-done:
		if !models.IsErrorType(err, models.ErrorTypeWorkflowCancelled) {
			t.Fatalf("Run() error = %v, want workflow_cancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	w := exec.Snapshot()
	if w.Steps[0].Result != nil {
		t.Fatal("result delivered after cancellation must be dropped")
	}
	if err := exec.Cancel(); err != nil {
		t.Fatalf("second Cancel() error = %v, want nil", err)
	}
	if _, err := exec.UpdateProgress("step-1", 10); !models.IsErrorType(err, models.ErrorTypeWorkflowCancelled) {
		t.Fatalf("UpdateProgress() after cancel error = %v", err)
	}
}

func TestExecutorDropsResultOfSupersededDispatch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	var mu sync.Mutex
	generator := generatorFunc(func(_ context.Context, req *models.GenerationRequest) models.GenerationResult {
		mu.Lock()
		calls++
		call := calls
		mu.Unlock()
		if call == 1 {
			close(started)
			<-release
			return liveResult(req, "first dispatch")
		}
		return liveResult(req, "retried output")
	})
	exec := newTestExecutor(t, models.WorkflowConfig{}, generator)
	if err := exec.Start(threeSteps()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- exec.Run(context.Background()) }()
	<-started

	if err := exec.Fail("step-1", "operator stopped it"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	result, err := exec.Retry(context.Background(), "step-1")
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if result.Content != "retried output" {
		t.Fatalf("retry content = %q", result.Content)
	}
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	step := exec.Snapshot().Steps[0]
	if step.Status != models.StepStatusProcessing || step.Result == nil || step.Result.Content != "retried output" {
		t.Fatalf("step after stale result = %s %+v", step.Status, step.Result)
	}
	mu.Lock()
	if calls != 2 {
		t.Fatalf("generator calls = %d, want 2", calls)
	}
	mu.Unlock()

	if err := exec.Complete("step-1", models.StepMetadata{}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got := exec.Snapshot().Steps[0].Result.Content; got != "retried output" {
		t.Fatalf("completed content = %q, want retried output", got)
	}
}

func TestExecutorCancelCompletedWorkflow(t *testing.T) {
	exec := newTestExecutor(t, models.WorkflowConfig{}, echoGenerator())
	if err := exec.Start(threeSteps()[:1]); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := exec.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := exec.Cancel(); !models.IsErrorType(err, models.ErrorTypeInvalidState) {
		t.Fatalf("Cancel() error = %v, want invalid state", err)
	}
}

func TestExecutorRunWhileRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	generator := generatorFunc(func(_ context.Context, req *models.GenerationRequest) models.GenerationResult {
		once.Do(func() {
			close(started)
			<-release
		})
		return liveResult(req, "ok")
	})
	exec := newTestExecutor(t, models.WorkflowConfig{}, generator)
	if err := exec.Start(threeSteps()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- exec.Run(context.Background()) }()
	<-started

	if err := exec.Run(context.Background()); !models.IsErrorType(err, models.ErrorTypeInvalidState) {
		t.Fatalf("concurrent Run() error = %v, want invalid state", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if exec.Status() != models.WorkflowStatusCompleted {
		t.Fatalf("status = %s", exec.Status())
	}
}

type recordingStore struct {
	mu        sync.Mutex
	snapshots []*models.Workflow
}

func (s *recordingStore) StoreWorkflowSnapshot(_ context.Context, w *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, w)
	return nil
}

func TestExecutorPersistsSnapshots(t *testing.T) {
	store := &recordingStore{}
	workflow := models.NewWorkflow(models.WorkflowConfig{})
	observer := NewProgressObserver(workflow.ID, 0, 0, nil, logger.NewNop())
	exec := NewWorkflowExecutor(workflow, echoGenerator(), observer, ExecutorOptions{Store: store}, logger.NewNop())

	if err := exec.Start(threeSteps()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := exec.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.snapshots) == 0 {
		t.Fatal("no snapshots stored")
	}
	if last := store.snapshots[len(store.snapshots)-1]; last.OverallStatus != models.WorkflowStatusCompleted {
		t.Fatalf("last stored status = %s", last.OverallStatus)
	}
}
