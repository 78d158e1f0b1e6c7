// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package collab defines the collaborator surfaces the pipeline engine calls
// out to (skills, memory, evolution, tool forge, quality gates) together
// with store-backed default implementations.
package collab

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/models"
)

var (
	collabLog     *zerolog.Logger
	collabLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	collabLogOnce.Do(func() {
		l := logger.GetEngineLogger().With().Str("component", "collab").Logger()
		collabLog = &l
	})
	return collabLog
}

// SkillPack is the bundle handed to an agent invocation.
type SkillPack struct {
	Skills           []string `json:"skills"`
	PluginDirs       []string `json:"plugin_dirs"`
	ClaudeMdSnippets []string `json:"claude_md_snippets"`
}

// Empty reports whether the pack carries nothing usable.
func (p *SkillPack) Empty() bool {
	return len(p.Skills) == 0 && len(p.PluginDirs) == 0
}

// TaskTypeForRole maps an agent role to the skill distributor's task type.
func TaskTypeForRole(role string) string {
	switch role {
	case "executor", "implementer":
		return "implement"
	case "tester":
		return "test"
	case "code-reviewer", "adversarial-reviewer":
		return "review"
	case "planner":
		return "plan"
	default:
		return "implement"
	}
}

// SkillDistributor furnishes skill packs for tasks.
type SkillDistributor interface {
	// PackFor returns the skill pack for a task type ("implement", "test",
	// "review", "plan"). domain narrows the pack to a problem area named by
	// the planner ("backend", "frontend", ...); empty means type-level
	// skills only.
	PackFor(ctx context.Context, taskType, domain string) (*SkillPack, error)
}

// MemoryStore gives agents cross-task and cross-pipeline memory.
type MemoryStore interface {
	// ContextFor assembles the memory context string injected into a task
	// prompt.
	ContextFor(ctx context.Context, pipelineID, projectID string) (string, error)
	// RecordTaskOutput stores a task's result summary as L1 memory.
	RecordTaskOutput(ctx context.Context, pipelineID, taskID, content string) error
	// PromoteL1ToL2 condenses a pipeline's L1 memories into a project-level
	// L2 record.
	PromoteL1ToL2(ctx context.Context, pipelineID, projectID string) error
	// Available reports whether memory context exists for a pipeline.
	Available(ctx context.Context, pipelineID string) (bool, error)
}

// EvolutionEngine ingests pipeline metrics and recommends models.
type EvolutionEngine interface {
	// CaptureMetrics writes one metric row for a finished (or finishing)
	// pipeline.
	CaptureMetrics(ctx context.Context, pipelineID, projectID string, payload map[string]any) error
	// SelectModel suggests a model for a task, or "" when it has no
	// history to go on.
	SelectModel(ctx context.Context, projectID string, complexity models.Complexity) (string, error)
	// RecordOutcome feeds a task result back into model routing.
	RecordOutcome(ctx context.Context, projectID, model string, success bool) error
	// AnalyzeAndRecommend inspects accumulated metrics and returns
	// free-form recommendations.
	AnalyzeAndRecommend(ctx context.Context, projectID string) (string, error)
}

// ToolForge synthesizes project-specific tools for tasks with no skills.
type ToolForge interface {
	// Synthesize creates a tool for a task and returns the plugin dir to
	// mount, or "" when nothing was generated.
	Synthesize(ctx context.Context, pipelineID, taskID, description string) (string, error)
	// CleanupForPipeline removes everything forged for a pipeline.
	CleanupForPipeline(ctx context.Context, pipelineID string) error
}

// GateResult is the contract for external quality-gate callbacks.
type GateResult struct {
	OK     bool   `json:"ok"`
	Checks string `json:"checks,omitempty"`
	Err    string `json:"error,omitempty"`
}

// QualityGates runs the three gate checks around the pipeline.
type QualityGates interface {
	// Preflight validates the plan before splitting it into tasks.
	Preflight(ctx context.Context, workDir string) *GateResult
	// FastGate runs the quick check before the tester agent.
	FastGate(ctx context.Context, workDir string) *GateResult
	// Smoke runs the post-merge smoke check.
	Smoke(ctx context.Context, workDir string) *GateResult
}
