package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"iaboard-pipeline/internal/config"
	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"
	"iaboard-pipeline/internal/presets"
)

// SnapshotStore is the durable side of the orchestrator: a progress feed plus
// the last known state of every workflow.
type SnapshotStore interface {
	ProgressPublisher
	WorkflowStore
	GetWorkflowSnapshot(ctx context.Context, workflowID string) (*models.Workflow, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// HealthChecker is implemented by backends that can report reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
	healthStatusDisabled  = "disabled"
)

type Orchestrator struct {
	router   *ProviderRouter
	store    SnapshotStore
	enricher RequestEnricher
	presets  *presets.Catalog
	config   config.WorkflowConfig
	logger   *logger.Logger

	activeWorkflows sync.Map
	wg              sync.WaitGroup
	launchMu        sync.Mutex
	closing         bool
	startTime       time.Time

	workflowsStarted   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsCancelled atomic.Int64
}

// NewOrchestrator wires the router to the workflow layer. store and enricher
// are optional.
func NewOrchestrator(
	router *ProviderRouter,
	store SnapshotStore,
	enricher RequestEnricher,
	catalog *presets.Catalog,
	cfg config.WorkflowConfig,
	log *logger.Logger) *Orchestrator {

	if catalog == nil {
		catalog = presets.Default()
	}

	orchestrator := &Orchestrator{
		router:    router,
		store:     store,
		enricher:  enricher,
		presets:   catalog,
		config:    cfg,
		logger:    log,
		startTime: time.Now(),
	}

	log.WithFields(logger.Fields{
		"providers":        router.Registry().Count(),
		"presets":          len(catalog.List()),
		"persistence":      store != nil,
		"reference_lookup": enricher != nil,
		"fail_on_fallback": cfg.FailOnFallback,
		"chain_context":    cfg.ChainContext,
	}).Info("Orchestrator Initialized Successfully")

	return orchestrator
}

// Generate runs a single request through the router. It never fails for
// provider reasons; only invalid input is rejected.
func (orchestrator *Orchestrator) Generate(ctx context.Context, req models.GenerateRequest) (models.GenerationResult, error) {
	requestType, err := models.ParseRequestType(req.Type)
	if err != nil {
		return models.GenerationResult{}, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return models.GenerationResult{}, models.NewValidationError("EMPTY_PROMPT", "Prompt is required", "prompt must not be blank")
	}

	genReq := models.NewGenerationRequest(requestType, req.Prompt, req.Parameters)
	if orchestrator.enricher != nil && genReq.Param(models.ParamReferenceURL) != "" {
		if err := orchestrator.enricher.Enrich(ctx, genReq); err != nil {
			orchestrator.logger.WithRequestID(genReq.ID).WithError(err).Warn("Reference enrichment failed, continuing without it")
		}
	}

	return orchestrator.router.Generate(ctx, genReq), nil
}

func (orchestrator *Orchestrator) StartWorkflow(req models.StartWorkflowRequest) (*models.WorkflowStartedResponse, error) {
	if orchestrator.isClosing() {
		return nil, errShuttingDown()
	}

	steps, err := orchestrator.resolveSteps(req)
	if err != nil {
		return nil, err
	}

	wfConfig := models.WorkflowConfig{
		Name:           req.Name,
		Preset:         req.Preset,
		FailOnFallback: orchestrator.config.FailOnFallback,
		ChainContext:   orchestrator.config.ChainContext,
	}
	if req.FailOnFallback != nil {
		wfConfig.FailOnFallback = *req.FailOnFallback
	}
	if req.ChainContext != nil {
		wfConfig.ChainContext = *req.ChainContext
	}
	if wfConfig.Name == "" {
		wfConfig.Name = req.Preset
	}

	workflow := models.NewWorkflow(wfConfig)
	observer := NewProgressObserver(workflow.ID, orchestrator.config.MaxLogEntries, orchestrator.config.DefaultStepTime, orchestrator.publisher(), orchestrator.logger)
	executor := NewWorkflowExecutor(workflow, orchestrator.router, observer, ExecutorOptions{
		StepDelay: orchestrator.config.StepDelay,
		Enricher:  orchestrator.enricher,
		Store:     orchestrator.workflowStore(),
	}, orchestrator.logger)

	orchestrator.activeWorkflows.Store(workflow.ID, executor)
	if err := executor.Start(steps); err != nil {
		orchestrator.activeWorkflows.Delete(workflow.ID)
		return nil, err
	}

	if !orchestrator.launch(executor) {
		executor.Cancel()
		orchestrator.activeWorkflows.Delete(workflow.ID)
		return nil, errShuttingDown()
	}
	orchestrator.workflowsStarted.Add(1)
	orchestrator.logger.LogWorkflow(workflow.ID, "workflow_started", 0, nil)

	return &models.WorkflowStartedResponse{
		WorkflowID: workflow.ID,
		Status:     models.WorkflowStatusActive,
		TotalSteps: len(steps),
		Timestamp:  time.Now(),
	}, nil
}

func (orchestrator *Orchestrator) resolveSteps(req models.StartWorkflowRequest) ([]models.StepDefinition, error) {
	switch {
	case req.Preset != "":
		preset, ok := orchestrator.presets.Get(req.Preset)
		if !ok {
			return nil, models.NewNotFoundError("PRESET_NOT_FOUND", fmt.Sprintf("preset %s not found", req.Preset))
		}
		topic := strings.TrimSpace(req.Topic)
		if topic == "" {
			return nil, models.NewValidationError("TOPIC_REQUIRED", "Topic is required", "presets need a topic to fill their prompts")
		}
		return preset.Build(topic, req.Parameters), nil

	case len(req.Steps) > 0:
		steps := make([]models.StepDefinition, len(req.Steps))
		for i, def := range req.Steps {
			if len(req.Parameters) > 0 {
				merged := make(map[string]string, len(req.Parameters)+len(def.Parameters))
				for k, v := range req.Parameters {
					merged[k] = v
				}
				for k, v := range def.Parameters {
					merged[k] = v
				}
				def.Parameters = merged
			}
			steps[i] = def
		}
		return steps, nil

	default:
		return nil, models.NewValidationError("NO_STEPS", "Workflow has no steps", "provide a preset or at least one step")
	}
}

// launch starts the driver loop unless Close has begun. The closing flag and
// wg.Add share one lock so Close never waits on a group that is still growing.
func (orchestrator *Orchestrator) launch(executor *WorkflowExecutor) bool {
	orchestrator.launchMu.Lock()
	if orchestrator.closing {
		orchestrator.launchMu.Unlock()
		return false
	}
	orchestrator.wg.Add(1)
	orchestrator.launchMu.Unlock()

	go func() {
		defer orchestrator.wg.Done()
		start := time.Now()

		err := executor.Run(context.Background())
		if err != nil && !models.IsErrorType(err, models.ErrorTypeWorkflowCancelled) && !isRunInProgress(err) {
			orchestrator.logger.LogWorkflow(executor.ID(), "run_stopped", time.Since(start), err)
		}
		orchestrator.settle(executor)
	}()
	return true
}

func (orchestrator *Orchestrator) isClosing() bool {
	orchestrator.launchMu.Lock()
	defer orchestrator.launchMu.Unlock()
	return orchestrator.closing
}

func errShuttingDown() error {
	return models.NewInvalidStateError("SHUTTING_DOWN", "orchestrator is shutting down")
}

// resume restarts the driver loop after a step was completed or retried from
// outside. A loop that is already running picks the change up by itself.
func (orchestrator *Orchestrator) resume(executor *WorkflowExecutor) {
	if executor.Status() != models.WorkflowStatusActive {
		return
	}
	orchestrator.launch(executor)
}

// settle drops a finished workflow from the active set. Its last snapshot is
// already in the store by the time the terminal event was emitted.
func (orchestrator *Orchestrator) settle(executor *WorkflowExecutor) {
	status := executor.Status()
	if !status.Terminal() {
		return
	}
	if _, loaded := orchestrator.activeWorkflows.LoadAndDelete(executor.ID()); !loaded {
		return
	}

	executor.Observer().Close()
	switch status {
	case models.WorkflowStatusCompleted:
		orchestrator.workflowsCompleted.Add(1)
	case models.WorkflowStatusCancelled:
		orchestrator.workflowsCancelled.Add(1)
	}
	orchestrator.logger.LogWorkflow(executor.ID(), "workflow_"+string(status), executor.Snapshot().GetDuration(), nil)
}

func isRunInProgress(err error) bool {
	appErr := models.AsAppError(err)
	return appErr != nil && appErr.Code == "RUN_IN_PROGRESS"
}

func (orchestrator *Orchestrator) executor(workflowID string) (*WorkflowExecutor, error) {
	if value, ok := orchestrator.activeWorkflows.Load(workflowID); ok {
		return value.(*WorkflowExecutor), nil
	}
	return nil, models.NewWorkflowNotFoundError(workflowID)
}

// GetWorkflow returns the live workflow, or the stored snapshot once it has
// left the active set.
func (orchestrator *Orchestrator) GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	if executor, err := orchestrator.executor(workflowID); err == nil {
		return executor.Snapshot(), nil
	}
	if orchestrator.store == nil {
		return nil, models.NewWorkflowNotFoundError(workflowID)
	}
	return orchestrator.store.GetWorkflowSnapshot(ctx, workflowID)
}

func (orchestrator *Orchestrator) GetProgress(ctx context.Context, workflowID string) (models.ProgressSnapshot, error) {
	if executor, err := orchestrator.executor(workflowID); err == nil {
		return executor.Progress(), nil
	}

	workflow, err := orchestrator.GetWorkflow(ctx, workflowID)
	if err != nil {
		return models.ProgressSnapshot{}, err
	}
	return storedProgress(workflow), nil
}

// storedProgress rebuilds the timing figures of a finished workflow from its
// snapshot. The entry log is not kept past the active set.
func storedProgress(workflow *models.Workflow) models.ProgressSnapshot {
	completed := workflow.CompletedSteps()
	total := len(workflow.Steps)
	elapsed := workflow.GetDuration()

	average := DefaultStepTime
	if completed > 0 {
		average = elapsed / time.Duration(completed)
	}
	remaining := time.Duration(0)
	if !workflow.OverallStatus.Terminal() && total > completed {
		remaining = time.Duration(total-completed) * average
	}

	return models.ProgressSnapshot{
		WorkflowID:             workflow.ID,
		OverallStatus:          workflow.OverallStatus,
		OverallProgress:        workflow.OverallProgress(),
		CompletedSteps:         completed,
		TotalSteps:             total,
		ElapsedTime:            elapsed,
		AverageStepTime:        average,
		EstimatedTimeRemaining: remaining,
		Entries:                []models.ProgressEntry{},
	}
}

func (orchestrator *Orchestrator) UpdateStepProgress(workflowID, stepID string, percent int) (bool, error) {
	executor, err := orchestrator.executor(workflowID)
	if err != nil {
		return false, err
	}
	return executor.UpdateProgress(stepID, percent)
}

func (orchestrator *Orchestrator) CompleteStep(workflowID, stepID string, req models.CompleteStepRequest) error {
	executor, err := orchestrator.executor(workflowID)
	if err != nil {
		return err
	}
	if err := executor.Complete(stepID, models.StepMetadata{Provider: req.Provider, TokensUsed: req.TokensUsed}); err != nil {
		// RetryStep already settles the step, so a follow-up complete is a no-op
		if executor.StepStatus(stepID) == models.StepStatusCompleted {
			return nil
		}
		return err
	}
	orchestrator.resume(executor)
	return nil
}

func (orchestrator *Orchestrator) FailStep(workflowID, stepID, message string) error {
	executor, err := orchestrator.executor(workflowID)
	if err != nil {
		return err
	}
	return executor.Fail(stepID, message)
}

// RetryStep re-runs an errored step, settles it with the new result and lets
// the driver loop continue from there. The router call is detached from the
// caller so a dropped connection cannot decide the step's outcome.
func (orchestrator *Orchestrator) RetryStep(ctx context.Context, workflowID, stepID string) (*models.GenerationResult, error) {
	executor, err := orchestrator.executor(workflowID)
	if err != nil {
		return nil, err
	}

	retryCtx := context.WithoutCancel(ctx)
	if orchestrator.config.RetryTimeout > 0 {
		var cancel context.CancelFunc
		retryCtx, cancel = context.WithTimeout(retryCtx, orchestrator.config.RetryTimeout)
		defer cancel()
	}

	result, err := executor.Retry(retryCtx, stepID)
	if err != nil {
		return nil, err
	}

	if result.IsFallback() && executor.Snapshot().Config.FailOnFallback {
		err = executor.Fail(stepID, "live providers unavailable, fallback content not accepted")
	} else {
		err = executor.Complete(stepID, models.StepMetadata{})
	}
	if err != nil {
		return nil, err
	}

	orchestrator.resume(executor)
	return result, nil
}

func (orchestrator *Orchestrator) CancelWorkflow(workflowID string) error {
	executor, err := orchestrator.executor(workflowID)
	if err != nil {
		return err
	}
	if err := executor.Cancel(); err != nil {
		return err
	}
	orchestrator.settle(executor)
	return nil
}

// ListActive returns snapshots of every workflow still in memory, oldest first.
func (orchestrator *Orchestrator) ListActive() []*models.Workflow {
	var workflows []*models.Workflow
	orchestrator.activeWorkflows.Range(func(_, value interface{}) bool {
		workflows = append(workflows, value.(*WorkflowExecutor).Snapshot())
		return true
	})
	sort.Slice(workflows, func(i, j int) bool {
		a, b := workflows[i].StartedAt, workflows[j].StartedAt
		if a == nil || b == nil {
			return workflows[i].ID < workflows[j].ID
		}
		return a.Before(*b)
	})
	return workflows
}

func (orchestrator *Orchestrator) GetActiveWorkflowsCount() int {
	count := 0
	orchestrator.activeWorkflows.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func (orchestrator *Orchestrator) Providers() []models.Provider {
	return orchestrator.router.Registry().Snapshot()
}

func (orchestrator *Orchestrator) Presets() []presets.Preset {
	return orchestrator.presets.List()
}

// ServiceHealth reports each dependency. Live providers being down is not an
// outage since the fallback synthesizer always answers.
func (orchestrator *Orchestrator) ServiceHealth(ctx context.Context) map[string]string {
	services := map[string]string{
		"fallback": healthStatusHealthy,
		"redis":    healthStatusDisabled,
	}
	if orchestrator.store != nil {
		if err := orchestrator.store.HealthCheck(ctx); err != nil {
			services["redis"] = healthStatusUnhealthy
		} else {
			services["redis"] = healthStatusHealthy
		}
	}

	registry := orchestrator.router.Registry()
	for _, provider := range registry.Snapshot() {
		status := healthStatusHealthy
		if !provider.Enabled {
			status = healthStatusDisabled
		} else if backend, _, ok := registry.backend(provider.Name); ok {
			if checker, ok := backend.(HealthChecker); ok {
				if err := checker.HealthCheck(ctx); err != nil {
					status = healthStatusUnhealthy
				}
			}
		}
		services[provider.Name] = status
	}
	return services
}

// HealthCheck fails only when persistence is configured and unreachable.
func (orchestrator *Orchestrator) HealthCheck(ctx context.Context) error {
	if orchestrator.store != nil {
		if err := orchestrator.store.HealthCheck(ctx); err != nil {
			return fmt.Errorf("service redis health check failed: %w", err)
		}
	}
	return nil
}

func (orchestrator *Orchestrator) Uptime() time.Duration {
	return time.Since(orchestrator.startTime)
}

func (orchestrator *Orchestrator) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds":      orchestrator.Uptime().Seconds(),
		"active_workflows":    orchestrator.GetActiveWorkflowsCount(),
		"workflows_started":   orchestrator.workflowsStarted.Load(),
		"workflows_completed": orchestrator.workflowsCompleted.Load(),
		"workflows_cancelled": orchestrator.workflowsCancelled.Load(),
		"router":              orchestrator.router.GetStats(),
		"presets":             len(orchestrator.presets.List()),
	}
}

// Close waits for running driver loops, bounded by ctx, then closes backends
// and the store. Nothing in flight is cancelled.
func (orchestrator *Orchestrator) Close(ctx context.Context) error {
	orchestrator.launchMu.Lock()
	orchestrator.closing = true
	orchestrator.launchMu.Unlock()
	orchestrator.logger.Info("Orchestrator shutting down")

	done := make(chan struct{})
	go func() {
		orchestrator.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		orchestrator.logger.Info("All workflow loops exited")
	case <-ctx.Done():
		orchestrator.logger.WithFields(logger.Fields{
			"active_workflows": orchestrator.GetActiveWorkflowsCount(),
		}).Warn("Timeout waiting for workflow loops to exit")
	}

	var errs []error
	if err := orchestrator.router.Registry().Close(); err != nil {
		errs = append(errs, err)
	}
	if orchestrator.store != nil {
		if err := orchestrator.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("error closing orchestrator: %v", errs)
	}
	return nil
}

func (orchestrator *Orchestrator) publisher() ProgressPublisher {
	if orchestrator.store == nil {
		return nil
	}
	return orchestrator.store
}

func (orchestrator *Orchestrator) workflowStore() WorkflowStore {
	if orchestrator.store == nil {
		return nil
	}
	return orchestrator.store
}
