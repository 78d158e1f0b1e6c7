// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pipewright/pipewright/internal/healer"
	"github.com/pipewright/pipewright/internal/intervene"
	"github.com/pipewright/pipewright/internal/models"
	"github.com/pipewright/pipewright/internal/protocol"
)

// defaultNext is the stage machine's happy path. plan_generation flows
// directly to adversarial_review; human_review survives only for pipelines
// created before that change and is settled through HandlePlanReview.
var defaultNext = map[models.StageType]models.StageType{
	models.StageRequirementsInput: models.StagePlanGeneration,
	models.StagePlanGeneration:    models.StageAdversarialReview,
	models.StageHumanReview:       models.StageAdversarialReview,
	models.StageAdversarialReview: models.StageContextPrep,
	models.StageContextPrep:       models.StageParallelExecution,
	models.StageParallelExecution: models.StageTesting,
	models.StageTesting:           models.StageCodeReview,
	models.StageCodeReview:        models.StageGitIntegration,
	models.StageGitIntegration:    models.StageEvolutionCapture,
	models.StageEvolutionCapture:  models.StageClaudeMdEvolution,
}

// nextStage returns the stage following st, or done=true after the last one.
func nextStage(st models.StageType) (models.StageType, bool) {
	next, ok := defaultNext[st]
	if !ok {
		return "", true
	}
	return next, false
}

// Start begins execution of a pipeline sitting in requirements_input.
func (e *Engine) Start(ctx context.Context, pipelineID string) error {
	lock := e.pipelineLock(pipelineID)
	lock.Lock()
	defer lock.Unlock()

	pl, err := e.db.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if pl.State != models.PipelineStateRequirementsInput {
		return fmt.Errorf("pipeline %s cannot start from state %s", pipelineID, pl.State)
	}

	project, err := e.db.GetProject(ctx, pl.ProjectID)
	if err != nil {
		return err
	}

	// Self-repo pipelines run against a staging worktree so agents never
	// touch the live checkout of the server's own code.
	if project.IsSelfRepo {
		path, err := e.ws.CreateWorkspace(ctx, project.RepoPath, e.ws.SelfBranch(pl.ID))
		if err != nil {
			return fmt.Errorf("failed to create staging worktree: %w", err)
		}
		pl.SelfWorktreePath = path
	}

	now := time.Now()
	pl.StartedAt = &now
	if err := e.db.SavePipeline(ctx, pl); err != nil {
		return err
	}
	e.broadcastPipeline(ctx, pipelineID)

	getLog().Info().Str("pipeline_id", pipelineID).Msg("Pipeline started")
	go e.runLoop(pipelineID)
	return nil
}

// Advance moves a pipeline past its current stage along the default edge and
// resumes the run loop. Used when an intervention is resolved after a restart
// and no goroutine is parked on the answer anymore.
func (e *Engine) Advance(ctx context.Context, pipelineID string) error {
	lock := e.pipelineLock(pipelineID)
	lock.Lock()
	defer lock.Unlock()

	pl, err := e.db.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if pl.IsTerminal() {
		return fmt.Errorf("pipeline %s is in terminal state %s", pipelineID, pl.State)
	}
	if pl.State == models.PipelineStatePaused {
		return fmt.Errorf("pipeline %s is paused", pipelineID)
	}

	next, done := nextStage(models.StageType(pl.State))
	if done {
		e.completePipeline(ctx, pl)
		return nil
	}
	pl.State = models.PipelineState(next)
	if err := e.db.SavePipeline(ctx, pl); err != nil {
		return err
	}
	e.broadcastPipeline(ctx, pipelineID)

	getLog().Info().
		Str("pipeline_id", pipelineID).
		Str("state", string(pl.State)).
		Msg("Pipeline advanced")
	go e.runLoop(pipelineID)
	return nil
}

// runLoop drives a pipeline stage by stage until it parks, terminates or is
// preempted by a control operation. One loop instance runs at a time per
// pipeline; the generation counter retires stale instances.
func (e *Engine) runLoop(pipelineID string) {
	ctx := context.Background()

	for {
		lock := e.pipelineLock(pipelineID)
		lock.Lock()

		pl, err := e.db.GetPipeline(ctx, pipelineID)
		if err != nil {
			getLog().Error().Err(err).Str("pipeline_id", pipelineID).Msg("Run loop lost its pipeline")
			lock.Unlock()
			return
		}
		if pl.IsTerminal() || pl.State == models.PipelineStatePaused {
			lock.Unlock()
			return
		}

		stageType := models.StageType(pl.State)
		if _, ok := e.stages[stageType]; !ok {
			getLog().Error().
				Str("pipeline_id", pipelineID).
				Str("state", string(pl.State)).
				Msg("No stage handler for pipeline state")
			e.failPipeline(ctx, pl, fmt.Sprintf("unknown pipeline state %s", pl.State))
			lock.Unlock()
			return
		}

		gen := e.generationOf(pipelineID)
		stageCtx, cancel := context.WithCancel(ctx)
		e.setActiveCancel(pipelineID, cancel)

		var timedOut atomic.Bool
		if d := e.cfg.Pipeline.StageTimeout; d > 0 {
			e.healer.StartTimeout(pipelineID, d, func() {
				timedOut.Store(true)
				cancel()
			})
		}

		res := e.runStage(stageCtx, pl, stageType)

		e.healer.ClearTimeout(pipelineID)
		e.clearActiveCancel(pipelineID)
		cancel()

		// A control operation moved the pipeline while this stage ran;
		// its result no longer applies.
		if e.generationOf(pipelineID) != gen {
			lock.Unlock()
			return
		}

		if timedOut.Load() {
			res = failf("stage %s timed out after %s", stageType, e.cfg.Pipeline.StageTimeout)
		}

		// Spend accrues whether the stage passed or failed; a blown budget
		// ends the pipeline before any retry or advance.
		if reason, over := e.overBudget(ctx, pl); over {
			e.failPipeline(ctx, pl, reason)
			lock.Unlock()
			return
		}

		switch res.Outcome {
		case OutcomePass:
			next, done := nextStage(stageType)
			if done {
				e.completePipeline(ctx, pl)
				lock.Unlock()
				return
			}
			pl.State = models.PipelineState(next)
			if err := e.db.SavePipeline(ctx, pl); err != nil {
				getLog().Error().Err(err).Str("pipeline_id", pipelineID).Msg("Failed to advance pipeline state")
				lock.Unlock()
				return
			}
			e.broadcastPipeline(ctx, pipelineID)
			lock.Unlock()

		case OutcomeWaiting:
			lock.Unlock()
			return

		case OutcomeReplan:
			lock.Unlock()
			if err := e.Replan(ctx, pipelineID, "replan requested"); err != nil {
				getLog().Error().Err(err).Str("pipeline_id", pipelineID).Msg("Replan failed")
			}
			return

		case OutcomeCancel:
			lock.Unlock()
			if err := e.Cancel(ctx, pipelineID, "cancel requested"); err != nil {
				getLog().Error().Err(err).Str("pipeline_id", pipelineID).Msg("Cancel failed")
			}
			return

		case OutcomeFail:
			msg := ""
			if res.Err != nil {
				msg = res.Err.Error()
			}

			if intervene.IsReplanResponse(msg) {
				lock.Unlock()
				if err := e.Replan(ctx, pipelineID, strings.TrimSpace(strings.TrimPrefix(msg, intervene.ReplanSentinel))); err != nil {
					getLog().Error().Err(err).Str("pipeline_id", pipelineID).Msg("Replan failed")
				}
				return
			}
			if intervene.IsCancelResponse(msg) {
				lock.Unlock()
				if err := e.Cancel(ctx, pipelineID, strings.TrimSpace(strings.TrimPrefix(msg, intervene.CancelSentinel))); err != nil {
					getLog().Error().Err(err).Str("pipeline_id", pipelineID).Msg("Cancel failed")
				}
				return
			}

			// Planner output failures are deterministic: the same prompt
			// reproduces the same parse error, so retrying is pointless.
			if errors.Is(res.Err, ErrPlanParse) {
				e.failPipeline(ctx, pl, msg)
				lock.Unlock()
				return
			}

			action := e.healer.HandleFailure(pipelineID, stageType, msg)
			switch action {
			case healer.ActionRetry:
				lock.Unlock()
				if backoff := e.cfg.Pipeline.RetryBackoff; backoff > 0 {
					time.Sleep(backoff)
				}
			case healer.ActionReplan:
				lock.Unlock()
				if err := e.Replan(ctx, pipelineID, msg); err != nil {
					getLog().Error().Err(err).Str("pipeline_id", pipelineID).Msg("Replan failed")
				}
				return
			default:
				e.failPipeline(ctx, pl, msg)
				lock.Unlock()
				return
			}
		}
	}
}

// overBudget checks the pipeline's spend against its budget.
func (e *Engine) overBudget(ctx context.Context, pl *models.Pipeline) (string, bool) {
	summary, err := e.costs.GetSummary(ctx, pl.ID)
	if err != nil {
		getLog().Warn().Err(err).Str("pipeline_id", pl.ID).Msg("Budget check failed")
		return "", false
	}
	if summary.WithinBudget {
		return "", false
	}
	return fmt.Sprintf("Budget limit exceeded: $%.2f spent of $%.2f", summary.TotalCost, summary.MaxBudget), true
}

// Replan sends the pipeline back to plan generation: kills agents, expires
// parked questions, cancels open tasks and fails open stages.
func (e *Engine) Replan(ctx context.Context, pipelineID, reason string) error {
	e.preempt(pipelineID)

	lock := e.pipelineLock(pipelineID)
	lock.Lock()
	defer lock.Unlock()

	pl, err := e.db.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if pl.IsTerminal() {
		return fmt.Errorf("pipeline %s is in terminal state %s", pipelineID, pl.State)
	}

	pl.ReentryCount++
	if pl.ReentryCount > e.cfg.Pipeline.ReplanLimit {
		msg := "Replan limit exceeded"
		if last := e.healer.LastError(pipelineID); last != "" {
			msg += ": " + last
		}
		e.failPipeline(ctx, pl, msg)
		return nil
	}

	killed := e.runner.KillByPipeline(pipelineID)
	if err := e.gate.ExpireForPipeline(ctx, pipelineID, reason); err != nil {
		getLog().Warn().Err(err).Str("pipeline_id", pipelineID).Msg("Failed to expire interventions")
	}
	if err := e.db.CancelOpenTasksForPipeline(ctx, pipelineID); err != nil {
		return err
	}
	if err := e.db.FailOpenStagesForPipeline(ctx, pipelineID, "Superseded by replan"); err != nil {
		return err
	}

	pl.State = models.PipelineStatePlanGeneration
	if err := e.db.SavePipeline(ctx, pl); err != nil {
		return err
	}
	e.broadcastPipeline(ctx, pipelineID)
	e.notify(pipelineID, "warn", "Replanning", reason)

	getLog().Info().
		Str("pipeline_id", pipelineID).
		Int("reentry", pl.ReentryCount).
		Int("killed_agents", killed).
		Str("reason", reason).
		Msg("Pipeline replanning")

	go e.runLoop(pipelineID)
	return nil
}

// Cancel terminates a pipeline. Cancelling a terminal pipeline is a no-op.
func (e *Engine) Cancel(ctx context.Context, pipelineID, reason string) error {
	e.preempt(pipelineID)

	lock := e.pipelineLock(pipelineID)
	lock.Lock()
	defer lock.Unlock()

	pl, err := e.db.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if pl.IsTerminal() {
		return nil
	}

	e.runner.KillByPipeline(pipelineID)
	if err := e.gate.ExpireForPipeline(ctx, pipelineID, reason); err != nil {
		getLog().Warn().Err(err).Str("pipeline_id", pipelineID).Msg("Failed to expire interventions")
	}
	if err := e.db.CancelOpenTasksForPipeline(ctx, pipelineID); err != nil {
		return err
	}
	if err := e.db.FailOpenStagesForPipeline(ctx, pipelineID, "Pipeline cancelled"); err != nil {
		return err
	}
	if err := e.forge.CleanupForPipeline(ctx, pipelineID); err != nil {
		getLog().Warn().Err(err).Str("pipeline_id", pipelineID).Msg("Tool cleanup failed")
	}
	e.removeWorktrees(ctx, pl)

	now := time.Now()
	pl.State = models.PipelineStateCancelled
	pl.ErrorMessage = reason
	pl.CompletedAt = &now
	if err := e.db.SavePipeline(ctx, pl); err != nil {
		return err
	}
	// Capture spend from sessions killed mid-flight before the record
	// freezes.
	if err := e.costs.AggregateAndUpdate(ctx, pipelineID); err != nil {
		getLog().Warn().Err(err).Str("pipeline_id", pipelineID).Msg("Cost aggregation failed")
	}
	e.forgetPipeline(pipelineID)
	e.broadcastPipeline(ctx, pipelineID)
	e.notify(pipelineID, "warn", "Pipeline cancelled", reason)

	getLog().Info().Str("pipeline_id", pipelineID).Str("reason", reason).Msg("Pipeline cancelled")
	return nil
}

// removeWorktrees tears down every worktree a pipeline still owns: one per
// unfinished task plus the staging worktree of a self-repo pipeline. Removal
// failures are logged, never fatal.
func (e *Engine) removeWorktrees(ctx context.Context, pl *models.Pipeline) {
	project, err := e.db.GetProject(ctx, pl.ProjectID)
	if err != nil {
		getLog().Warn().Err(err).Str("pipeline_id", pl.ID).Msg("Worktree cleanup skipped, project lookup failed")
		return
	}

	tasks, err := e.db.GetTasksByPipeline(ctx, pl.ID)
	if err != nil {
		getLog().Warn().Err(err).Str("pipeline_id", pl.ID).Msg("Worktree cleanup skipped, task lookup failed")
		tasks = nil
	}
	for _, t := range tasks {
		if t.WorktreePath == "" {
			continue
		}
		if err := e.ws.RemoveWorkspace(ctx, project.RepoPath, t.WorktreePath); err != nil {
			getLog().Warn().Err(err).Str("task_id", t.ID).Msg("Failed to remove task worktree")
		}
	}

	if pl.SelfWorktreePath != "" {
		if err := e.ws.RemoveWorkspace(ctx, project.RepoPath, pl.SelfWorktreePath); err != nil {
			getLog().Warn().Err(err).Str("pipeline_id", pl.ID).Msg("Failed to remove staging worktree")
		}
	}
}

// Pause stops a pipeline so it can be resumed later. Running work is killed;
// running tasks go back to pending.
func (e *Engine) Pause(ctx context.Context, pipelineID string) error {
	e.preempt(pipelineID)

	lock := e.pipelineLock(pipelineID)
	lock.Lock()
	defer lock.Unlock()

	pl, err := e.db.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if pl.IsTerminal() {
		return fmt.Errorf("pipeline %s is in terminal state %s", pipelineID, pl.State)
	}
	if pl.State == models.PipelineStatePaused {
		return nil
	}

	e.runner.KillByPipeline(pipelineID)
	if err := e.db.ResetRunningTasksForPipeline(ctx, pipelineID); err != nil {
		return err
	}
	e.healer.ClearTimeout(pipelineID)

	pl.PausedFromState = pl.State
	pl.State = models.PipelineStatePaused
	if err := e.db.SavePipeline(ctx, pl); err != nil {
		return err
	}
	e.broadcastPipeline(ctx, pipelineID)
	e.notify(pipelineID, "info", "Pipeline paused", "")

	getLog().Info().
		Str("pipeline_id", pipelineID).
		Str("paused_from", string(pl.PausedFromState)).
		Msg("Pipeline paused")
	return nil
}

// ResumePaused restarts a paused pipeline from the state it was paused in.
func (e *Engine) ResumePaused(ctx context.Context, pipelineID string) error {
	lock := e.pipelineLock(pipelineID)
	lock.Lock()
	defer lock.Unlock()
	return e.resumePausedLocked(ctx, pipelineID)
}

func (e *Engine) resumePausedLocked(ctx context.Context, pipelineID string) error {
	pl, err := e.db.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if pl.State != models.PipelineStatePaused {
		return fmt.Errorf("pipeline %s is not paused (state %s)", pipelineID, pl.State)
	}

	from := pl.PausedFromState
	if from == "" || from == models.PipelineStatePaused {
		from = models.PipelineStatePlanGeneration
	}
	pl.State = from
	pl.PausedFromState = ""
	if err := e.db.SavePipeline(ctx, pl); err != nil {
		return err
	}
	e.broadcastPipeline(ctx, pipelineID)

	getLog().Info().
		Str("pipeline_id", pipelineID).
		Str("state", string(pl.State)).
		Msg("Pipeline resumed from pause")
	go e.runLoop(pipelineID)
	return nil
}

// legacyStates maps pipeline states from before context_prep absorbed the
// separate skill and memory stages.
var legacyStates = map[models.PipelineState]models.PipelineState{
	"skill_distribution": models.PipelineStateContextPrep,
	"memory_injection":   models.PipelineStateContextPrep,
}

// Resume picks a pipeline back up after a server restart. Pipelines parked on
// interventions get their questions re-parked instead of re-running the stage.
func (e *Engine) Resume(ctx context.Context, pipelineID string) error {
	lock := e.pipelineLock(pipelineID)
	lock.Lock()
	defer lock.Unlock()

	pl, err := e.db.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if pl.IsTerminal() {
		return fmt.Errorf("pipeline %s is in terminal state %s", pipelineID, pl.State)
	}

	if migrated, ok := legacyStates[pl.State]; ok {
		pl.State = migrated
		if err := e.db.SavePipeline(ctx, pl); err != nil {
			return err
		}
	}

	if pl.State == models.PipelineStatePaused {
		// Paused pipelines stay paused across restarts.
		getLog().Info().Str("pipeline_id", pipelineID).Msg("Pipeline still paused, not resuming")
		return nil
	}

	// A crash can take the staging worktree directory with it.
	if pl.SelfWorktreePath != "" {
		if _, statErr := os.Stat(pl.SelfWorktreePath); os.IsNotExist(statErr) {
			project, err := e.db.GetProject(ctx, pl.ProjectID)
			if err != nil {
				return err
			}
			path, err := e.ws.CreateWorkspace(ctx, project.RepoPath, e.ws.SelfBranch(pl.ID))
			if err != nil {
				return fmt.Errorf("failed to recreate staging worktree: %w", err)
			}
			pl.SelfWorktreePath = path
			if err := e.db.SavePipeline(ctx, pl); err != nil {
				return err
			}
		}
	}

	pending, err := e.db.GetPendingInterventionsByPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		// The pipeline was waiting on a human when the server died. Re-park
		// the question; resolving it re-enters the engine via Advance.
		if err := e.gate.ReParkIntervention(ctx, pipelineID, models.StageType(pl.State), pending[0].Question); err != nil {
			return err
		}
		getLog().Info().
			Str("pipeline_id", pipelineID).
			Str("state", string(pl.State)).
			Msg("Pipeline resumed into parked intervention")
		return nil
	}

	if pl.State == models.PipelineStateHumanReview {
		e.notify(pipelineID, "info", "Plan ready for review", "A plan is still waiting for human review.")
		return nil
	}

	getLog().Info().
		Str("pipeline_id", pipelineID).
		Str("state", string(pl.State)).
		Msg("Pipeline resumed")
	go e.runLoop(pipelineID)
	return nil
}

// HandlePlanReview settles a legacy human_review stage: approve continues to
// adversarial review, edit regenerates the plan with feedback, reject cancels.
func (e *Engine) HandlePlanReview(ctx context.Context, pipelineID, decision, feedback string) error {
	lock := e.pipelineLock(pipelineID)
	lock.Lock()

	pl, err := e.db.GetPipeline(ctx, pipelineID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if pl.State != models.PipelineStateHumanReview {
		lock.Unlock()
		return fmt.Errorf("pipeline %s is not waiting for plan review (state %s)", pipelineID, pl.State)
	}

	e.settleWaitingStage(ctx, pipelineID, models.StageHumanReview, decision)

	switch decision {
	case "approve":
		pl.State = models.PipelineStateAdversarialReview
		if err := e.db.SavePipeline(ctx, pl); err != nil {
			lock.Unlock()
			return err
		}
		e.broadcastPipeline(ctx, pipelineID)
		lock.Unlock()
		go e.runLoop(pipelineID)
		return nil

	case "edit":
		pl.ReentryCount++
		if pl.ReentryCount > e.cfg.Pipeline.ReplanLimit {
			e.failPipeline(ctx, pl, "Replan limit exceeded")
			lock.Unlock()
			return nil
		}
		plan, err := e.db.GetLatestPlan(ctx, pipelineID)
		if err != nil {
			lock.Unlock()
			return err
		}
		if plan != nil {
			plan.HumanFeedback = feedback
			if err := e.db.SavePlan(ctx, plan); err != nil {
				lock.Unlock()
				return err
			}
			e.bus.Publish(protocol.PlanUpdatedEvent{
				Metadata: protocol.NewMetadata(pipelineID),
				Plan:     plan,
			})
		}
		pl.State = models.PipelineStatePlanGeneration
		if err := e.db.SavePipeline(ctx, pl); err != nil {
			lock.Unlock()
			return err
		}
		e.broadcastPipeline(ctx, pipelineID)
		lock.Unlock()
		go e.runLoop(pipelineID)
		return nil

	case "reject":
		lock.Unlock()
		return e.Cancel(ctx, pipelineID, "Plan rejected by reviewer")

	default:
		lock.Unlock()
		return fmt.Errorf("unknown plan review decision %q", decision)
	}
}

// settleWaitingStage completes the running stage record a waiting outcome
// left behind.
func (e *Engine) settleWaitingStage(ctx context.Context, pipelineID string, stageType models.StageType, result string) {
	stages, err := e.db.GetStagesByPipeline(ctx, pipelineID)
	if err != nil {
		return
	}
	for i := len(stages) - 1; i >= 0; i-- {
		st := stages[i]
		if st.Type != stageType || st.State != models.StageStateRunning {
			continue
		}
		now := time.Now()
		st.State = models.StageStatePassed
		st.QualityGateResult = result
		st.CompletedAt = &now
		if err := e.db.SaveStage(ctx, st); err != nil {
			getLog().Warn().Err(err).Str("stage_id", st.ID).Msg("Failed to settle waiting stage")
		}
		e.broadcastStage(pipelineID, st)
		return
	}
}

// failPipeline moves a pipeline to failed. Caller holds the pipeline lock.
func (e *Engine) failPipeline(ctx context.Context, pl *models.Pipeline, reason string) {
	e.runner.KillByPipeline(pl.ID)

	now := time.Now()
	pl.State = models.PipelineStateFailed
	pl.ErrorMessage = reason
	pl.CompletedAt = &now
	if err := e.db.SavePipeline(ctx, pl); err != nil {
		getLog().Error().Err(err).Str("pipeline_id", pl.ID).Msg("Failed to persist pipeline failure")
	}
	e.forgetPipeline(pl.ID)
	e.broadcastPipeline(ctx, pl.ID)
	e.notify(pl.ID, "error", "Pipeline failed", reason)

	getLog().Error().Str("pipeline_id", pl.ID).Str("reason", reason).Msg("Pipeline failed")
}

// completePipeline moves a pipeline to completed. Caller holds the pipeline
// lock.
func (e *Engine) completePipeline(ctx context.Context, pl *models.Pipeline) {
	now := time.Now()
	pl.State = models.PipelineStateCompleted
	pl.CompletedAt = &now
	if err := e.db.SavePipeline(ctx, pl); err != nil {
		getLog().Error().Err(err).Str("pipeline_id", pl.ID).Msg("Failed to persist pipeline completion")
	}
	e.forgetPipeline(pl.ID)
	e.broadcastPipeline(ctx, pl.ID)
	e.notify(pl.ID, "info", "Pipeline completed", "")

	getLog().Info().Str("pipeline_id", pl.ID).Msg("Pipeline completed")
}
