// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

// PipelineState represents the lifecycle state of a pipeline.
type PipelineState string

const (
	PipelineStateRequirementsInput PipelineState = "requirements_input"
	PipelineStatePlanGeneration    PipelineState = "plan_generation"
	// PipelineStateHumanReview is retained only for records created before
	// plan_generation flowed directly to adversarial_review.
	PipelineStateHumanReview       PipelineState = "human_review"
	PipelineStateAdversarialReview PipelineState = "adversarial_review"
	PipelineStateContextPrep       PipelineState = "context_prep"
	PipelineStateParallelExecution PipelineState = "parallel_execution"
	PipelineStateTesting           PipelineState = "testing"
	PipelineStateCodeReview        PipelineState = "code_review"
	PipelineStateGitIntegration    PipelineState = "git_integration"
	PipelineStateEvolutionCapture  PipelineState = "evolution_capture"
	PipelineStateClaudeMdEvolution PipelineState = "claude_md_evolution"
	PipelineStateCompleted         PipelineState = "completed"
	PipelineStatePaused            PipelineState = "paused"
	PipelineStateFailed            PipelineState = "failed"
	PipelineStateCancelled         PipelineState = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s PipelineState) IsTerminal() bool {
	return s == PipelineStateCompleted || s == PipelineStateFailed || s == PipelineStateCancelled
}

// StageType identifies one vertex in the pipeline state machine.
type StageType string

const (
	StageRequirementsInput StageType = "requirements_input"
	StagePlanGeneration    StageType = "plan_generation"
	StageHumanReview       StageType = "human_review"
	StageAdversarialReview StageType = "adversarial_review"
	StageContextPrep       StageType = "context_prep"
	StageParallelExecution StageType = "parallel_execution"
	StageTesting           StageType = "testing"
	StageCodeReview        StageType = "code_review"
	StageGitIntegration    StageType = "git_integration"
	StageEvolutionCapture  StageType = "evolution_capture"
	StageClaudeMdEvolution StageType = "claude_md_evolution"
)

// StageState represents the execution state of a stage record.
type StageState string

const (
	StageStatePending StageState = "pending"
	StageStateRunning StageState = "running"
	StageStatePassed  StageState = "passed"
	StageStateFailed  StageState = "failed"
	StageStateSkipped StageState = "skipped"
)

// TaskState represents the execution state of a parallel-execution task.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateQueued    TaskState = "queued"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// InterventionStatus represents the lifecycle of an intervention or consultation row.
type InterventionStatus string

const (
	InterventionStatusPending  InterventionStatus = "pending"
	InterventionStatusResolved InterventionStatus = "resolved"
	InterventionStatusExpired  InterventionStatus = "expired"
)

// Complexity buckets a task for model-tier resolution.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// ParseComplexity maps arbitrary planner output to a known bucket,
// defaulting to medium.
func ParseComplexity(s string) Complexity {
	switch Complexity(s) {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return Complexity(s)
	default:
		return ComplexityMedium
	}
}

// MemoryScope distinguishes pipeline-scoped (L1) from project-scoped (L2) memories.
type MemoryScope string

const (
	MemoryScopeL1 MemoryScope = "l1"
	MemoryScopeL2 MemoryScope = "l2"
)
