package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"
)

const chainContextLimit = 2000

// RequestEnricher adds context to a request before it is routed.
type RequestEnricher interface {
	Enrich(ctx context.Context, req *models.GenerationRequest) error
}

// WorkflowStore persists workflow snapshots.
type WorkflowStore interface {
	StoreWorkflowSnapshot(ctx context.Context, workflow *models.Workflow) error
}

type ExecutorOptions struct {
	StepDelay time.Duration
	Enricher  RequestEnricher
	Store     WorkflowStore
}

type progressEvent struct {
	updateType models.UpdateType
	step       string
	progress   int
	message    string
	data       map[string]interface{}
}

type nextAction int

const (
	actionDispatch nextAction = iota
	actionAdvance
	actionHalt
	actionDone
	actionCancelled
)

// WorkflowExecutor drives one workflow through its steps, strictly one at a time.
type WorkflowExecutor struct {
	mu          sync.Mutex
	workflow    *models.Workflow
	generator   Generator
	observer    *ProgressObserver
	options     ExecutorOptions
	now         func() time.Time
	running     bool
	rerun       bool
	dispatching dispatchToken
	logger      *logger.Logger
}

// dispatchToken ties a router call to the step attempt that issued it. A
// result whose attempt no longer matches the step is stale and dropped.
type dispatchToken struct {
	step    string
	attempt int
}

func (t dispatchToken) idle() bool {
	return t.step == ""
}

func NewWorkflowExecutor(workflow *models.Workflow, generator Generator, observer *ProgressObserver, options ExecutorOptions, log *logger.Logger) *WorkflowExecutor {
	return &WorkflowExecutor{
		workflow:  workflow,
		generator: generator,
		observer:  observer,
		options:   options,
		now:       time.Now,
		logger:    log,
	}
}

func (e *WorkflowExecutor) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
	e.observer.SetClock(now)
}

func (e *WorkflowExecutor) ID() string {
	return e.workflow.ID
}

func (e *WorkflowExecutor) Observer() *ProgressObserver {
	return e.observer
}

func (e *WorkflowExecutor) Start(steps []models.StepDefinition) error {
	e.mu.Lock()

	w := e.workflow
	if w.OverallStatus != models.WorkflowStatusIdle {
		e.mu.Unlock()
		return models.NewInvalidStateError("WORKFLOW_ALREADY_STARTED", fmt.Sprintf("workflow is %s", w.OverallStatus))
	}
	if len(steps) == 0 {
		e.mu.Unlock()
		return models.NewValidationError("NO_STEPS", "Workflow has no steps", "at least one step is required")
	}

	built := make([]models.WorkflowStep, 0, len(steps))
	seen := make(map[string]bool, len(steps))
	for i, def := range steps {
		if !def.Type.Valid() {
			e.mu.Unlock()
			return models.NewValidationError("INVALID_REQUEST_TYPE", "Unknown request type", fmt.Sprintf("step %d has type %q", i+1, def.Type))
		}
		step := models.NewWorkflowStep(def, i)
		if seen[step.ID] {
			e.mu.Unlock()
			return models.NewValidationError("DUPLICATE_STEP_ID", "Duplicate step id", step.ID)
		}
		seen[step.ID] = true
		built = append(built, step)
	}

	now := e.now()
	built[0].Status = models.StepStatusProcessing
	built[0].Metadata.StartedAt = &now
	built[0].Attempts = 1

	w.Steps = built
	w.CurrentIndex = 0
	w.OverallStatus = models.WorkflowStatusActive
	w.StartedAt = &now
	first := built[0]
	total := len(built)
	e.mu.Unlock()

	e.observer.Start()
	e.emit([]progressEvent{
		{updateType: models.UpdateTypeWorkflowStarted, message: fmt.Sprintf("Workflow started with %d steps", total), data: map[string]interface{}{"total_steps": total}},
		{updateType: models.UpdateTypeStepStarted, step: first.ID, message: fmt.Sprintf("Started %s", first.Title)},
	})
	return nil
}

// UpdateProgress reports whether the update was applied. Updates to steps that
// are not processing are ignored.
func (e *WorkflowExecutor) UpdateProgress(stepID string, percent int) (bool, error) {
	e.mu.Lock()

	if err := e.checkActiveLocked(); err != nil {
		e.mu.Unlock()
		return false, err
	}
	step, err := e.stepLocked(stepID)
	if err != nil {
		e.mu.Unlock()
		return false, err
	}
	if step.Status != models.StepStatusProcessing {
		e.mu.Unlock()
		return false, nil
	}

	step.ProgressPercent = clampPercent(percent)
	applied := step.ProgressPercent
	e.mu.Unlock()

	e.emit([]progressEvent{{updateType: models.UpdateTypeStepProgress, step: stepID, progress: applied, message: fmt.Sprintf("%d%%", applied)}})
	return true, nil
}

func (e *WorkflowExecutor) Complete(stepID string, metadata models.StepMetadata) error {
	return e.complete(stepID, metadata, nil)
}

func (e *WorkflowExecutor) complete(stepID string, metadata models.StepMetadata, result *models.GenerationResult) error {
	e.mu.Lock()

	if err := e.checkActiveLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	step, err := e.stepLocked(stepID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if step.Status != models.StepStatusProcessing {
		e.mu.Unlock()
		return e.invalidStepState(step, "completed")
	}

	e.completeLocked(step, metadata, result)
	event := progressEvent{
		updateType: models.UpdateTypeStepCompleted,
		step:       step.ID,
		progress:   e.workflow.OverallProgress(),
		message:    fmt.Sprintf("Completed %s", step.Title),
		data: map[string]interface{}{
			"provider":    step.Metadata.Provider,
			"tokens_used": step.Metadata.TokensUsed,
			"duration_ms": step.Duration.Milliseconds(),
		},
	}
	e.mu.Unlock()

	e.emit([]progressEvent{event})
	return nil
}

func (e *WorkflowExecutor) completeLocked(step *models.WorkflowStep, metadata models.StepMetadata, result *models.GenerationResult) {
	now := e.now()
	step.Status = models.StepStatusCompleted
	step.ProgressPercent = 100
	step.Metadata.EndedAt = &now
	step.Metadata.ErrorMessage = ""

	// a retry leaves its result on the step for the caller to accept
	if result == nil {
		result = step.Result
	}
	if result != nil {
		step.Result = result
		step.Metadata.Provider = result.ProviderUsed
		step.Metadata.TokensUsed = result.TokensConsumed
		step.Metadata.Confidence = result.ConfidenceScore
	}
	if metadata.Provider != "" {
		step.Metadata.Provider = metadata.Provider
	}
	if metadata.TokensUsed > 0 {
		step.Metadata.TokensUsed = metadata.TokensUsed
	}
	if metadata.Confidence > 0 {
		step.Metadata.Confidence = metadata.Confidence
	}

	if step.Duration == nil {
		duration := time.Duration(0)
		if step.Metadata.StartedAt != nil {
			duration = now.Sub(*step.Metadata.StartedAt)
		}
		step.Duration = &duration
	}
}

func (e *WorkflowExecutor) Fail(stepID, message string) error {
	e.mu.Lock()

	if err := e.checkActiveLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	step, err := e.stepLocked(stepID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if step.Status != models.StepStatusProcessing {
		e.mu.Unlock()
		return e.invalidStepState(step, "failed")
	}

	e.failLocked(step, message)
	event := progressEvent{
		updateType: models.UpdateTypeStepFailed,
		step:       step.ID,
		progress:   e.workflow.OverallProgress(),
		message:    step.Metadata.ErrorMessage,
	}
	e.mu.Unlock()

	e.emit([]progressEvent{event})
	return nil
}

func (e *WorkflowExecutor) failLocked(step *models.WorkflowStep, message string) {
	now := e.now()
	if message == "" {
		message = "step failed"
	}
	step.Status = models.StepStatusError
	step.Metadata.EndedAt = &now
	step.Metadata.ErrorMessage = message
}

// Advance moves to the next step, or completes the workflow after the last one.
func (e *WorkflowExecutor) Advance() error {
	e.mu.Lock()

	if err := e.checkActiveLocked(); err != nil {
		e.mu.Unlock()
		return err
	}

	w := e.workflow
	if w.ProcessingCount() > 0 {
		e.mu.Unlock()
		return models.NewInvalidStateError("STEP_IN_PROGRESS", "a step is still processing").WithStep(w.ID, w.Steps[w.CurrentIndex].ID)
	}

	var events []progressEvent
	finished := false
	now := e.now()

	if w.CurrentIndex+1 < len(w.Steps) {
		w.CurrentIndex++
		next := &w.Steps[w.CurrentIndex]
		next.Status = models.StepStatusProcessing
		next.Metadata.StartedAt = &now
		next.Attempts++
		events = append(events, progressEvent{
			updateType: models.UpdateTypeStepStarted,
			step:       next.ID,
			progress:   w.OverallProgress(),
			message:    fmt.Sprintf("Started %s", next.Title),
		})
	} else {
		w.OverallStatus = models.WorkflowStatusCompleted
		w.EndedAt = &now
		finished = true
		events = append(events, progressEvent{
			updateType: models.UpdateTypeWorkflowCompleted,
			progress:   w.OverallProgress(),
			message:    "Workflow completed",
			data:       map[string]interface{}{"completed_steps": w.CompletedSteps(), "total_steps": len(w.Steps)},
		})
	}
	e.mu.Unlock()

	if finished {
		e.observer.Stop()
	}
	e.emit(events)
	return nil
}

// Retry re-runs a failed step through the router. It leaves currentIndex and
// every other step untouched; the caller completes or fails the step afterwards.
func (e *WorkflowExecutor) Retry(ctx context.Context, stepID string) (*models.GenerationResult, error) {
	e.mu.Lock()

	if err := e.checkActiveLocked(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	step, err := e.stepLocked(stepID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if step.Status != models.StepStatusError {
		e.mu.Unlock()
		return nil, models.NewStepNotRetryableError(stepID, step.Status).WithStep(e.workflow.ID, stepID)
	}
	if e.workflow.ProcessingCount() > 0 {
		e.mu.Unlock()
		return nil, models.NewInvalidStateError("STEP_IN_PROGRESS", "another step is processing").WithStep(e.workflow.ID, stepID)
	}

	now := e.now()
	step.Status = models.StepStatusProcessing
	step.ProgressPercent = 0
	step.Metadata.ErrorMessage = ""
	step.Metadata.StartedAt = &now
	step.Metadata.EndedAt = nil
	step.Duration = nil
	step.Result = nil
	step.Attempts++
	token := dispatchToken{step: step.ID, attempt: step.Attempts}
	e.dispatching = token
	req := e.requestLocked(e.workflow.StepIndex(stepID))
	attempt := step.Attempts
	e.mu.Unlock()

	e.emit([]progressEvent{{
		updateType: models.UpdateTypeStepRetrying,
		step:       stepID,
		message:    fmt.Sprintf("Retrying (attempt %d)", attempt),
		data:       map[string]interface{}{"attempt": attempt},
	}})

	e.enrich(ctx, req)
	result := e.generator.Generate(ctx, req)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.releaseLocked(token)
	if e.workflow.OverallStatus == models.WorkflowStatusCancelled {
		return nil, models.NewWorkflowCancelledError(e.workflow.ID)
	}
	step, err = e.stepLocked(stepID)
	if err != nil {
		return nil, err
	}
	if step.Status != models.StepStatusProcessing || step.Attempts != token.attempt {
		return nil, e.invalidStepState(step, "updated with a retry result")
	}
	step.Result = &result
	return &result, nil
}

// Cancel stops the workflow. A router call already in flight finishes, but its
// result is dropped.
func (e *WorkflowExecutor) Cancel() error {
	e.mu.Lock()

	w := e.workflow
	switch w.OverallStatus {
	case models.WorkflowStatusCancelled:
		e.mu.Unlock()
		return nil
	case models.WorkflowStatusCompleted:
		e.mu.Unlock()
		return models.NewInvalidStateError("WORKFLOW_COMPLETED", "workflow already completed")
	}

	now := e.now()
	w.OverallStatus = models.WorkflowStatusCancelled
	w.EndedAt = &now
	progress := w.OverallProgress()
	e.mu.Unlock()

	e.observer.Stop()
	e.emit([]progressEvent{{updateType: models.UpdateTypeWorkflowCancelled, progress: progress, message: "Workflow cancelled"}})
	return nil
}

// Run dispatches steps until the workflow completes, a step fails, or the
// workflow is cancelled. A failed step halts the loop without error; Run can
// be called again after the step is retried and completed. A Run call that
// arrives while the loop is busy is folded into the running loop.
func (e *WorkflowExecutor) Run(ctx context.Context) error {
	if !e.beginRun() {
		return models.NewInvalidStateError("RUN_IN_PROGRESS", "workflow is already running")
	}
	for {
		err := e.drive(ctx)
		if e.finishRun(ctx.Err() == nil) {
			continue
		}
		return err
	}
}

func (e *WorkflowExecutor) drive(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		action, token, req, err := e.next()
		switch action {
		case actionDone:
			return nil
		case actionHalt:
			return err
		case actionCancelled:
			return models.NewWorkflowCancelledError(e.workflow.ID)
		case actionAdvance:
			if err := e.Advance(); err != nil {
				return err
			}
			if e.hasProcessingStep() && !e.pace(ctx) {
				return ctx.Err()
			}
			continue
		}

		e.enrich(ctx, req)
		result := e.generator.Generate(ctx, req)
		if err := e.applyResult(token, result); err != nil {
			return err
		}
	}
}

func (e *WorkflowExecutor) beginRun() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.rerun = true
		return false
	}
	e.running = true
	return true
}

// finishRun reports whether the loop should go around again because Run was
// requested while it was busy.
func (e *WorkflowExecutor) finishRun(allowRerun bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rerun && allowRerun {
		e.rerun = false
		return true
	}
	e.rerun = false
	e.running = false
	return false
}

func (e *WorkflowExecutor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *WorkflowExecutor) next() (nextAction, dispatchToken, *models.GenerationRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w := e.workflow
	switch w.OverallStatus {
	case models.WorkflowStatusCancelled:
		return actionCancelled, dispatchToken{}, nil, nil
	case models.WorkflowStatusCompleted:
		return actionDone, dispatchToken{}, nil, nil
	case models.WorkflowStatusIdle:
		return actionHalt, dispatchToken{}, nil, models.NewInvalidStateError("WORKFLOW_NOT_STARTED", "workflow has not been started")
	}

	current := &w.Steps[w.CurrentIndex]
	switch current.Status {
	case models.StepStatusProcessing:
		// a retried step holds its result until the caller settles it
		if !e.dispatching.idle() || current.Result != nil {
			return actionHalt, dispatchToken{}, nil, nil
		}
		e.dispatching = dispatchToken{step: current.ID, attempt: current.Attempts}
		return actionDispatch, e.dispatching, e.requestLocked(w.CurrentIndex), nil
	case models.StepStatusCompleted:
		return actionAdvance, dispatchToken{}, nil, nil
	default:
		return actionHalt, dispatchToken{}, nil, nil
	}
}

// releaseLocked clears the in-flight marker if it still belongs to token.
func (e *WorkflowExecutor) releaseLocked(token dispatchToken) {
	if e.dispatching == token {
		e.dispatching = dispatchToken{}
	}
}

func (e *WorkflowExecutor) applyResult(token dispatchToken, result models.GenerationResult) error {
	stepID := token.step
	e.mu.Lock()

	e.releaseLocked(token)
	if e.workflow.OverallStatus == models.WorkflowStatusCancelled {
		e.mu.Unlock()
		e.logger.LogStep(e.workflow.ID, stepID, "discarded", "Result dropped after cancellation", nil)
		return models.NewWorkflowCancelledError(e.workflow.ID)
	}

	step, err := e.stepLocked(stepID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if step.Status != models.StepStatusProcessing || step.Attempts != token.attempt {
		// settled or retried by an external call while the router was busy
		e.mu.Unlock()
		e.logger.LogStep(e.workflow.ID, stepID, string(step.Status), "Result dropped, step changed while generating",
			map[string]interface{}{"dispatched_attempt": token.attempt})
		return nil
	}

	var event progressEvent
	if result.IsFallback() && e.workflow.Config.FailOnFallback {
		step.Result = &result
		e.failLocked(step, "live providers unavailable, fallback content not accepted")
		event = progressEvent{
			updateType: models.UpdateTypeStepFailed,
			step:       step.ID,
			progress:   e.workflow.OverallProgress(),
			message:    step.Metadata.ErrorMessage,
			data:       map[string]interface{}{"attempts": len(result.Attempts)},
		}
	} else {
		e.completeLocked(step, models.StepMetadata{}, &result)
		event = progressEvent{
			updateType: models.UpdateTypeStepCompleted,
			step:       step.ID,
			progress:   e.workflow.OverallProgress(),
			message:    fmt.Sprintf("Completed %s", step.Title),
			data: map[string]interface{}{
				"provider":    result.ProviderUsed,
				"kind":        string(result.Kind),
				"tokens_used": result.TokensConsumed,
				"duration_ms": step.Duration.Milliseconds(),
			},
		}
	}
	e.mu.Unlock()

	e.emit([]progressEvent{event})
	return nil
}

func (e *WorkflowExecutor) hasProcessingStep() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workflow.OverallStatus == models.WorkflowStatusActive && e.workflow.ProcessingCount() > 0
}

func (e *WorkflowExecutor) pace(ctx context.Context) bool {
	if e.options.StepDelay <= 0 {
		return true
	}
	timer := time.NewTimer(e.options.StepDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// requestLocked builds the request for the step at index, carrying the output
// of the closest earlier completed step when chaining is on.
func (e *WorkflowExecutor) requestLocked(index int) *models.GenerationRequest {
	step := &e.workflow.Steps[index]
	req := step.Request()

	if e.workflow.Config.ChainContext {
		for i := index - 1; i >= 0; i-- {
			prev := e.workflow.Steps[i]
			if prev.Status == models.StepStatusCompleted && prev.Result != nil {
				req.Context = truncate(prev.Result.Content, chainContextLimit)
				break
			}
		}
	}
	return req
}

func (e *WorkflowExecutor) enrich(ctx context.Context, req *models.GenerationRequest) {
	if e.options.Enricher == nil || req.Param(models.ParamReferenceURL) == "" {
		return
	}
	if err := e.options.Enricher.Enrich(ctx, req); err != nil {
		e.logger.WithWorkflowID(e.workflow.ID).WithError(err).Warn("Reference enrichment failed, continuing without it")
	}
}

func (e *WorkflowExecutor) checkActiveLocked() error {
	switch e.workflow.OverallStatus {
	case models.WorkflowStatusActive:
		return nil
	case models.WorkflowStatusCancelled:
		return models.NewWorkflowCancelledError(e.workflow.ID)
	default:
		return models.NewInvalidStateError("WORKFLOW_NOT_ACTIVE", fmt.Sprintf("workflow is %s", e.workflow.OverallStatus))
	}
}

func (e *WorkflowExecutor) stepLocked(stepID string) (*models.WorkflowStep, error) {
	idx := e.workflow.StepIndex(stepID)
	if idx < 0 {
		return nil, models.NewStepNotFoundError(stepID).WithStep(e.workflow.ID, stepID)
	}
	return &e.workflow.Steps[idx], nil
}

func (e *WorkflowExecutor) invalidStepState(step *models.WorkflowStep, verb string) error {
	return models.NewInvalidStateError("INVALID_STEP_STATE",
		fmt.Sprintf("step %s is %s and cannot be %s", step.ID, step.Status, verb)).WithStep(e.workflow.ID, step.ID)
}

// Snapshot returns a deep copy of the workflow.
func (e *WorkflowExecutor) Snapshot() *models.Workflow {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workflow.Clone()
}

func (e *WorkflowExecutor) Status() models.WorkflowStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workflow.OverallStatus
}

// StepStatus returns the step's status, or "" for an unknown step.
func (e *WorkflowExecutor) StepStatus(stepID string) models.StepStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	step, err := e.stepLocked(stepID)
	if err != nil {
		return ""
	}
	return step.Status
}

func (e *WorkflowExecutor) OverallProgress() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workflow.OverallProgress()
}

func (e *WorkflowExecutor) Progress() models.ProgressSnapshot {
	e.mu.Lock()
	completed := e.workflow.CompletedSteps()
	total := len(e.workflow.Steps)
	status := e.workflow.OverallStatus
	current := ""
	if total > 0 && status == models.WorkflowStatusActive {
		current = e.workflow.Steps[e.workflow.CurrentIndex].ID
	}
	e.mu.Unlock()

	snapshot := e.observer.Snapshot(completed, total)
	snapshot.OverallStatus = status
	snapshot.CurrentStep = current
	return snapshot
}

func (e *WorkflowExecutor) emit(events []progressEvent) {
	for _, ev := range events {
		e.observer.Record(ev.updateType, ev.step, ev.progress, ev.message, ev.data)
		e.logger.LogStep(e.workflow.ID, ev.step, string(ev.updateType), ev.message, ev.data)
	}
	e.persist()
}

func (e *WorkflowExecutor) persist() {
	if e.options.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := e.options.Store.StoreWorkflowSnapshot(ctx, e.Snapshot()); err != nil {
		e.logger.WithWorkflowID(e.workflow.ID).WithError(err).Warn("Failed to store workflow snapshot")
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
