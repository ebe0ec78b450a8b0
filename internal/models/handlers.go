package models

import (
	"time"
)

type GenerateRequest struct {
	Type       string            `json:"type" validate:"omitempty,max=32"`
	Prompt     string            `json:"prompt" validate:"required,min=1,max=8000"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type StartWorkflowRequest struct {
	Name           string            `json:"name,omitempty" validate:"max=120"`
	Preset         string            `json:"preset,omitempty" validate:"max=64"`
	Topic          string            `json:"topic,omitempty" validate:"max=500"`
	Steps          []StepDefinition  `json:"steps,omitempty" validate:"omitempty,max=20,dive"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	FailOnFallback *bool             `json:"fail_on_fallback,omitempty"`
	ChainContext   *bool             `json:"chain_context,omitempty"`
}

type StepProgressRequest struct {
	Percent int `json:"percent"`
}

type CompleteStepRequest struct {
	Provider   string `json:"provider,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty" validate:"min=0"`
}

type FailStepRequest struct {
	Message string `json:"message" validate:"required,max=1000"`
}

type WorkflowStartedResponse struct {
	WorkflowID string         `json:"workflow_id"`
	Status     WorkflowStatus `json:"status"`
	TotalSteps int            `json:"total_steps"`
	Timestamp  time.Time      `json:"timestamp"`
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Uptime    float64           `json:"uptime_seconds"`
}

type MetricsResponse struct {
	Service         string                 `json:"service"`
	Timestamp       time.Time              `json:"timestamp"`
	Orchestrator    map[string]interface{} `json:"orchestrator"`
	Providers       []Provider             `json:"providers"`
	ActiveWorkflows int                    `json:"active_workflows"`
	SystemResources SystemResourcesInfo    `json:"system_resources"`
}

type SystemResourcesInfo struct {
	GoroutineCount int    `json:"goroutine_count"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	NumGC          uint32 `json:"num_gc"`
}
