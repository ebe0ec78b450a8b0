package models

import "time"

type UpdateType string

const (
	UpdateTypeWorkflowStarted   UpdateType = "workflow_started"
	UpdateTypeStepStarted       UpdateType = "step_started"
	UpdateTypeStepProgress      UpdateType = "step_progress"
	UpdateTypeStepCompleted     UpdateType = "step_completed"
	UpdateTypeStepFailed        UpdateType = "step_failed"
	UpdateTypeStepRetrying      UpdateType = "step_retrying"
	UpdateTypeWorkflowCompleted UpdateType = "workflow_completed"
	UpdateTypeWorkflowCancelled UpdateType = "workflow_cancelled"
)

// ProgressEntry is one line of the append-only feed consumers render.
type ProgressEntry struct {
	Sequence   int64                  `json:"sequence"`
	WorkflowID string                 `json:"workflow_id"`
	Type       UpdateType             `json:"type"`
	Step       string                 `json:"step"`
	Progress   int                    `json:"progress"`
	Message    string                 `json:"message"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

func NewProgressEntry(workflowID string, updateType UpdateType, step string, progress int, message string, at time.Time) ProgressEntry {
	return ProgressEntry{
		WorkflowID: workflowID,
		Type:       updateType,
		Step:       step,
		Progress:   progress,
		Message:    message,
		Timestamp:  at,
	}
}

func (pe ProgressEntry) WithData(data map[string]interface{}) ProgressEntry {
	pe.Data = data
	return pe
}

type ProgressSnapshot struct {
	WorkflowID             string          `json:"workflow_id"`
	OverallStatus          WorkflowStatus  `json:"overall_status"`
	OverallProgress        int             `json:"overall_progress"`
	CompletedSteps         int             `json:"completed_steps"`
	TotalSteps             int             `json:"total_steps"`
	CurrentStep            string          `json:"current_step,omitempty"`
	ElapsedTime            time.Duration   `json:"elapsed_time"`
	AverageStepTime        time.Duration   `json:"average_step_time"`
	EstimatedTimeRemaining time.Duration   `json:"estimated_time_remaining"`
	Entries                []ProgressEntry `json:"entries"`
}
