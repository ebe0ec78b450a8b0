package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusProcessing StepStatus = "processing"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusError      StepStatus = "error"
)

type WorkflowStatus string

const (
	WorkflowStatusIdle      WorkflowStatus = "idle"
	WorkflowStatusActive    WorkflowStatus = "active"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusCancelled
}

// StepDefinition is what a caller submits; the executor turns it into a WorkflowStep.
type StepDefinition struct {
	ID          string            `json:"id,omitempty" yaml:"id"`
	Title       string            `json:"title" yaml:"title" validate:"required,max=200"`
	Description string            `json:"description,omitempty" yaml:"description"`
	Type        RequestType       `json:"type" yaml:"type" validate:"required"`
	Prompt      string            `json:"prompt" yaml:"prompt" validate:"required,max=8000"`
	Parameters  map[string]string `json:"parameters,omitempty" yaml:"parameters"`
}

type StepMetadata struct {
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	TokensUsed   int        `json:"tokens_used,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Confidence   float64    `json:"confidence,omitempty"`
}

type WorkflowStep struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Type            RequestType       `json:"type"`
	Prompt          string            `json:"prompt"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	Status          StepStatus        `json:"status"`
	ProgressPercent int               `json:"progress_percent"`
	Metadata        StepMetadata      `json:"metadata"`
	Duration        *time.Duration    `json:"duration,omitempty"`
	Attempts        int               `json:"attempts"`
	Result          *GenerationResult `json:"result,omitempty"`
}

func NewWorkflowStep(def StepDefinition, index int) WorkflowStep {
	id := def.ID
	if id == "" {
		id = stepID(index)
	}
	return WorkflowStep{
		ID:          id,
		Title:       def.Title,
		Description: def.Description,
		Type:        def.Type,
		Prompt:      def.Prompt,
		Parameters:  def.Parameters,
		Status:      StepStatusPending,
	}
}

func stepID(index int) string {
	return "step-" + strconv.Itoa(index+1)
}

// Request builds the generation request for this step.
func (s *WorkflowStep) Request() *GenerationRequest {
	params := make(map[string]string, len(s.Parameters))
	for k, v := range s.Parameters {
		params[k] = v
	}
	return NewGenerationRequest(s.Type, s.Prompt, params)
}

type WorkflowConfig struct {
	Name           string `json:"name,omitempty"`
	Preset         string `json:"preset,omitempty"`
	FailOnFallback bool   `json:"fail_on_fallback"`
	ChainContext   bool   `json:"chain_context"`
}

type Workflow struct {
	ID            string         `json:"id"`
	Config        WorkflowConfig `json:"config"`
	Steps         []WorkflowStep `json:"steps"`
	CurrentIndex  int            `json:"current_index"`
	OverallStatus WorkflowStatus `json:"overall_status"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

func NewWorkflow(config WorkflowConfig) *Workflow {
	return &Workflow{
		ID:            uuid.New().String(),
		Config:        config,
		OverallStatus: WorkflowStatusIdle,
	}
}

func (w *Workflow) CompletedSteps() int {
	n := 0
	for _, s := range w.Steps {
		if s.Status == StepStatusCompleted {
			n++
		}
	}
	return n
}

// OverallProgress ignores partial progress of the in-flight step.
func (w *Workflow) OverallProgress() int {
	if len(w.Steps) == 0 {
		return 0
	}
	return w.CompletedSteps() * 100 / len(w.Steps)
}

func (w *Workflow) StepIndex(stepID string) int {
	for i := range w.Steps {
		if w.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

func (w *Workflow) ProcessingCount() int {
	n := 0
	for _, s := range w.Steps {
		if s.Status == StepStatusProcessing {
			n++
		}
	}
	return n
}

func (w *Workflow) GetDuration() time.Duration {
	if w.StartedAt == nil {
		return 0
	}
	if w.EndedAt != nil {
		return w.EndedAt.Sub(*w.StartedAt)
	}
	return time.Since(*w.StartedAt)
}

// Clone returns a deep copy safe to hand out of the executor lock.
func (w *Workflow) Clone() *Workflow {
	out := *w
	out.Steps = make([]WorkflowStep, len(w.Steps))
	for i, s := range w.Steps {
		if s.Parameters != nil {
			params := make(map[string]string, len(s.Parameters))
			for k, v := range s.Parameters {
				params[k] = v
			}
			s.Parameters = params
		}
		if s.Result != nil {
			res := *s.Result
			res.GeneratedFiles = append([]GeneratedFile(nil), s.Result.GeneratedFiles...)
			res.Attempts = append([]ProviderAttempt(nil), s.Result.Attempts...)
			s.Result = &res
		}
		out.Steps[i] = s
	}
	return &out
}
