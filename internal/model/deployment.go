package model

import "time"

// Rollout strategy names. The set is closed; strategy selection is data-driven
// from the pipeline definition.
const (
	StrategyDirect      = "direct"
	StrategyCanary      = "canary"
	StrategyProgressive = "progressive"
	StrategyRolling     = "rolling"
	StrategyBlueGreen   = "blue-green"
)

// Stage status values.
const (
	StagePending            = "pending"
	StageRunning            = "running"
	StageSucceeded          = "succeeded"
	StagePartiallySucceeded = "partially_succeeded"
	StageFailed             = "failed"
	StageRolledBack         = "rolled_back"
)

// Pipeline status values. Succeeded, Failed and RolledBack are terminal;
// re-deploying is always a new execution ID.
const (
	PipelineCreated    = "created"
	PipelineRunning    = "running"
	PipelineSucceeded  = "succeeded"
	PipelineFailed     = "failed"
	PipelineRolledBack = "rolled_back"
)

// DeploymentRequest is created once per API call and immutable afterwards.
type DeploymentRequest struct {
	ExecutionID     string            `json:"execution_id" db:"execution_id"`
	Module          ModuleDescriptor  `json:"module" db:"module"`
	Environments    []Environment     `json:"environments" db:"environments"`
	RequesterEmail  string            `json:"requester_email" db:"requester_email"`
	RequireApproval bool              `json:"require_approval" db:"require_approval"`
	Metadata        map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
}

// StageResult records one environment's traversal within a pipeline.
type StageResult struct {
	StageName     Environment   `json:"stage_name" db:"stage_name"`
	Status        string        `json:"status" db:"status"`
	Strategy      string        `json:"strategy" db:"strategy"`
	StartedAt     time.Time     `json:"started_at" db:"started_at"`
	Duration      time.Duration `json:"duration_ns" db:"duration_ns"`
	NodesDeployed int           `json:"nodes_deployed" db:"nodes_deployed"`
	NodesFailed   int           `json:"nodes_failed" db:"nodes_failed"`
	Message       string        `json:"message,omitempty" db:"message"`
}

// PipelineExecution is the authoritative record of what happened for one
// deployment request. Appended to per stage, finalized at pipeline end.
type PipelineExecution struct {
	ExecutionID string           `json:"execution_id" db:"execution_id"`
	Module      ModuleDescriptor `json:"module" db:"module"`
	Status      string           `json:"status" db:"status"`
	Success     bool             `json:"success" db:"success"`
	StartedAt   time.Time        `json:"started_at" db:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	Stages      []StageResult    `json:"stages" db:"stages"`
	TraceID     string           `json:"trace_id" db:"trace_id"`
}

// Terminal reports whether the execution has reached a final state.
func (p *PipelineExecution) Terminal() bool {
	switch p.Status {
	case PipelineSucceeded, PipelineFailed, PipelineRolledBack:
		return true
	}
	return false
}
