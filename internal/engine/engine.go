// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine drives pipelines through their stage machine: the FSM,
// the stage runner, the parallel task dispatcher and the crash reconciler.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pipewright/pipewright/internal/bus"
	"github.com/pipewright/pipewright/internal/collab"
	"github.com/pipewright/pipewright/internal/config"
	"github.com/pipewright/pipewright/internal/costs"
	"github.com/pipewright/pipewright/internal/healer"
	"github.com/pipewright/pipewright/internal/intervene"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/models"
	"github.com/pipewright/pipewright/internal/protocol"
	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/internal/workspace"

	agentpkg "github.com/pipewright/pipewright/internal/agent"
)

var (
	engineLog     *zerolog.Logger
	engineLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	engineLogOnce.Do(func() {
		l := logger.GetEngineLogger()
		engineLog = &l
	})
	return engineLog
}

// Outcome is a stage runner verdict.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeWaiting Outcome = "waiting"
	OutcomeReplan  Outcome = "replan"
	OutcomeCancel  Outcome = "cancel"
)

// StageResult is what a stage handler returns to the run loop.
type StageResult struct {
	Outcome Outcome
	Err     error
}

func pass() *StageResult {
	return &StageResult{Outcome: OutcomePass}
}

func fail(err error) *StageResult {
	return &StageResult{Outcome: OutcomeFail, Err: err}
}

func failf(format string, args ...any) *StageResult {
	return fail(fmt.Errorf(format, args...))
}

type stageFunc func(ctx context.Context, pl *models.Pipeline, stage *models.Stage) *StageResult

// Engine is the pipeline kernel. All per-pipeline ephemeral state (locks,
// generations, stage cancels) lives here and is rebuilt from the database by
// the crash reconciler.
type Engine struct {
	cfg       *config.AppConfig
	db        *store.GormDB
	bus       *bus.Bus
	runner    *agentpkg.Runner
	ws        *workspace.Provider
	healer    *healer.Healer
	costs     *costs.Tracker
	gate      *intervene.Gate
	skills    collab.SkillDistributor
	memory    collab.MemoryStore
	evolution collab.EvolutionEngine
	forge     collab.ToolForge
	gates     collab.QualityGates

	stages map[models.StageType]stageFunc

	// locks serializes FSM steps per pipeline.
	locks sync.Map // pipelineID -> *sync.Mutex

	mu          sync.Mutex
	generations map[string]int                // pipelineID -> preemption generation
	cancels     map[string]context.CancelFunc // pipelineID -> active stage cancel
}

// Deps bundles the engine's collaborators for construction.
type Deps struct {
	Config    *config.AppConfig
	DB        *store.GormDB
	Bus       *bus.Bus
	Runner    *agentpkg.Runner
	Workspace *workspace.Provider
	Healer    *healer.Healer
	Costs     *costs.Tracker
	Gate      *intervene.Gate
	Skills    collab.SkillDistributor
	Memory    collab.MemoryStore
	Evolution collab.EvolutionEngine
	Forge     collab.ToolForge
	Gates     collab.QualityGates
}

// New constructs the engine and its stage registry. A stage type without a
// handler is a construction error, so it panics rather than surfacing at
// runtime mid-pipeline.
func New(d Deps) *Engine {
	e := &Engine{
		cfg:         d.Config,
		db:          d.DB,
		bus:         d.Bus,
		runner:      d.Runner,
		ws:          d.Workspace,
		healer:      d.Healer,
		costs:       d.Costs,
		gate:        d.Gate,
		skills:      d.Skills,
		memory:      d.Memory,
		evolution:   d.Evolution,
		forge:       d.Forge,
		gates:       d.Gates,
		generations: make(map[string]int),
		cancels:     make(map[string]context.CancelFunc),
	}

	e.stages = map[models.StageType]stageFunc{
		models.StageRequirementsInput: e.stageRequirementsInput,
		models.StagePlanGeneration:    e.stagePlanGeneration,
		models.StageHumanReview:       e.stageHumanReview,
		models.StageAdversarialReview: e.stageAdversarialReview,
		models.StageContextPrep:       e.stageContextPrep,
		models.StageParallelExecution: e.stageParallelExecution,
		models.StageTesting:           e.stageTesting,
		models.StageCodeReview:        e.stageCodeReview,
		models.StageGitIntegration:    e.stageGitIntegration,
		models.StageEvolutionCapture:  e.stageEvolutionCapture,
		models.StageClaudeMdEvolution: e.stageClaudeMdEvolution,
	}

	for _, st := range allStageTypes {
		if e.stages[st] == nil {
			panic(fmt.Sprintf("engine: no handler registered for stage type %q", st))
		}
	}

	return e
}

var allStageTypes = []models.StageType{
	models.StageRequirementsInput,
	models.StagePlanGeneration,
	models.StageHumanReview,
	models.StageAdversarialReview,
	models.StageContextPrep,
	models.StageParallelExecution,
	models.StageTesting,
	models.StageCodeReview,
	models.StageGitIntegration,
	models.StageEvolutionCapture,
	models.StageClaudeMdEvolution,
}

// pipelineLock returns the mutex serializing FSM steps for a pipeline.
func (e *Engine) pipelineLock(pipelineID string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(pipelineID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// generationOf returns the current preemption generation for a pipeline.
func (e *Engine) generationOf(pipelineID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generations[pipelineID]
}

// preempt invalidates the pipeline's in-flight stage: any run loop holding an
// older generation discards its result, and the stage context is cancelled.
func (e *Engine) preempt(pipelineID string) {
	e.mu.Lock()
	e.generations[pipelineID]++
	cancel := e.cancels[pipelineID]
	delete(e.cancels, pipelineID)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (e *Engine) setActiveCancel(pipelineID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[pipelineID] = cancel
	e.mu.Unlock()
}

func (e *Engine) clearActiveCancel(pipelineID string) {
	e.mu.Lock()
	delete(e.cancels, pipelineID)
	e.mu.Unlock()
}

// forgetPipeline drops all ephemeral state for a terminal pipeline.
func (e *Engine) forgetPipeline(pipelineID string) {
	e.mu.Lock()
	delete(e.generations, pipelineID)
	delete(e.cancels, pipelineID)
	e.mu.Unlock()
	e.healer.Clear(pipelineID)
}

// broadcastPipeline publishes the current pipeline row.
func (e *Engine) broadcastPipeline(ctx context.Context, pipelineID string) {
	pl, err := e.db.GetPipeline(ctx, pipelineID)
	if err != nil {
		getLog().Warn().Err(err).Str("pipeline_id", pipelineID).Msg("Failed to load pipeline for broadcast")
		return
	}
	e.bus.Publish(protocol.PipelineUpdatedEvent{
		Metadata:  protocol.NewMetadata(pipelineID),
		ProjectID: pl.ProjectID,
		Pipeline:  pl,
	})
}

// notify publishes a human-readable notification.
func (e *Engine) notify(pipelineID, level, title, message string) {
	e.bus.Publish(protocol.NotificationEvent{
		Metadata: protocol.NewMetadata(pipelineID),
		Level:    level,
		Title:    title,
		Message:  message,
	})
}

// workRoot resolves where a pipeline's stage-level agents run: the self-repo
// staging worktree when present, the project checkout otherwise.
func (e *Engine) workRoot(pl *models.Pipeline, project *models.Project) string {
	if project.IsSelfRepo && pl.SelfWorktreePath != "" {
		return pl.SelfWorktreePath
	}
	return project.RepoPath
}

// modelForComplexity maps a complexity bucket to the configured model tier.
func (e *Engine) modelForComplexity(c models.Complexity) string {
	switch c {
	case models.ComplexityLow:
		return e.cfg.Agent.Models.Low
	case models.ComplexityHigh:
		return e.cfg.Agent.Models.High
	default:
		return e.cfg.Agent.Models.Medium
	}
}

// defaultModel resolves the fallback model chain for stage-level agents.
func (e *Engine) defaultModel(pl *models.Pipeline, project *models.Project) string {
	if pl.CurrentModel != "" {
		return pl.CurrentModel
	}
	if project.DefaultModel != "" {
		return project.DefaultModel
	}
	return e.cfg.Agent.DefaultModel
}
