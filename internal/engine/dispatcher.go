// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	agentpkg "github.com/pipewright/pipewright/internal/agent"
	"github.com/pipewright/pipewright/internal/collab"
	"github.com/pipewright/pipewright/internal/intervene"
	"github.com/pipewright/pipewright/internal/models"
)

// taskResult is what one task goroutine reports back to the scheduler.
type taskResult struct {
	taskID string
	ok     bool
	err    error
}

func (e *Engine) stageParallelExecution(ctx context.Context, pl *models.Pipeline, stage *models.Stage) *StageResult {
	project, err := e.db.GetProject(ctx, pl.ProjectID)
	if err != nil {
		return fail(err)
	}

	all, err := e.db.GetTasksByStage(ctx, stage.ID)
	if err != nil {
		return fail(err)
	}
	pending := lo.Filter(all, func(t *models.Task, _ int) bool {
		return t.State == models.TaskStatePending
	})
	if len(pending) == 0 {
		getLog().Info().Str("pipeline_id", pl.ID).Msg("No tasks to execute")
		return pass()
	}

	plan, err := e.db.GetLatestPlan(ctx, pl.ID)
	if err != nil {
		return fail(err)
	}
	planContent := ""
	if plan != nil {
		planContent = plan.Content
	}

	// The scheduler below owns all task state. Tasks launch in creation
	// order as their dependencies complete, capped at MaxConcurrentTasks.
	maxConcurrent := e.cfg.Pipeline.MaxConcurrentTasks
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	waiting := make(map[string]*models.Task, len(pending))
	for _, t := range pending {
		waiting[t.ID] = t
	}
	order := lo.Map(pending, func(t *models.Task, _ int) string { return t.ID })

	completed := make(map[string]bool)
	failed := make(map[string]bool)
	var completionOrder []string
	var sentinelErr error

	results := make(chan taskResult, len(pending))
	running := 0

	depsSatisfied := func(t *models.Task) bool {
		for _, dep := range t.DependsOn {
			if !completed[dep] {
				return false
			}
		}
		return true
	}
	depFailed := func(t *models.Task) bool {
		for _, dep := range t.DependsOn {
			if failed[dep] {
				return true
			}
		}
		return false
	}

	launchReady := func() {
		for _, id := range order {
			if running >= maxConcurrent {
				return
			}
			t, ok := waiting[id]
			if !ok {
				continue
			}
			if depFailed(t) {
				delete(waiting, id)
				failed[id] = true
				e.settleTask(ctx, pl, t, models.TaskStateFailed, "dependency failed")
				continue
			}
			if !depsSatisfied(t) {
				continue
			}
			delete(waiting, id)
			running++
			task := t
			go func() {
				ok, err := e.executeOneTask(ctx, pl, project, task, planContent)
				results <- taskResult{taskID: task.ID, ok: ok, err: err}
			}()
		}
	}

	launchReady()
	for running > 0 {
		res := <-results
		running--
		if res.ok {
			completed[res.taskID] = true
			completionOrder = append(completionOrder, res.taskID)
		} else {
			failed[res.taskID] = true
			if res.err != nil && sentinelErr == nil {
				msg := res.err.Error()
				if intervene.IsCancelResponse(msg) || intervene.IsReplanResponse(msg) {
					sentinelErr = res.err
				}
			}
		}
		if ctx.Err() == nil {
			launchReady()
		}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if sentinelErr != nil {
		return fail(sentinelErr)
	}

	// Anything still waiting at this point is unreachable (its dependency
	// chain failed).
	for _, id := range order {
		if t, ok := waiting[id]; ok {
			failed[id] = true
			e.settleTask(ctx, pl, t, models.TaskStateFailed, "dependency failed")
		}
	}

	if len(failed) > 0 {
		return failf("%d/%d tasks failed", len(failed), len(pending))
	}

	target := e.workRoot(pl, project)
	merge, err := e.ws.MergeTaskBranches(ctx, target, completionOrder)
	if err != nil {
		return fail(err)
	}
	if !merge.AllMerged {
		return failf("merge conflicts in tasks: %s", strings.Join(merge.Conflicts, ", "))
	}

	for _, id := range completionOrder {
		if t, err := e.db.GetTask(ctx, id); err == nil && t.WorktreePath != "" {
			if err := e.ws.RemoveWorkspace(ctx, project.RepoPath, t.WorktreePath); err != nil {
				getLog().Warn().Err(err).Str("task_id", id).Msg("Failed to remove task worktree")
			}
		}
	}
	return pass()
}

// settleTask moves a task to a terminal state and broadcasts it.
func (e *Engine) settleTask(ctx context.Context, pl *models.Pipeline, task *models.Task, state models.TaskState, summary string) {
	now := time.Now()
	task.State = state
	task.CompletedAt = &now
	if summary != "" {
		task.ResultSummary = truncate(summary, resultSummaryLimit)
	}
	if err := e.db.SaveTask(ctx, task); err != nil {
		getLog().Warn().Err(err).Str("task_id", task.ID).Msg("Failed to settle task")
	}
	e.broadcastTask(pl.ID, task)
}

// executeOneTask runs a single parallel task in its own worktree.
func (e *Engine) executeOneTask(ctx context.Context, pl *models.Pipeline, project *models.Project, task *models.Task, planContent string) (bool, error) {
	task.State = models.TaskStateQueued
	if err := e.db.SaveTask(ctx, task); err != nil {
		return false, err
	}
	e.broadcastTask(pl.ID, task)

	worktree, err := e.ws.CreateWorkspace(ctx, project.RepoPath, e.ws.TaskBranch(task.ID))
	if err != nil {
		e.settleTask(ctx, pl, task, models.TaskStateFailed, fmt.Sprintf("workspace setup failed: %v", err))
		return false, err
	}

	now := time.Now()
	task.State = models.TaskStateRunning
	task.StartedAt = &now
	task.WorktreePath = worktree
	if err := e.db.SaveTask(ctx, task); err != nil {
		return false, err
	}
	e.broadcastTask(pl.ID, task)

	model := e.taskModel(ctx, pl, project, task)

	memoryCtx, err := e.memory.ContextFor(ctx, pl.ID, pl.ProjectID)
	if err != nil {
		getLog().Warn().Err(err).Str("task_id", task.ID).Msg("Memory context lookup failed")
	}

	pack, err := e.skills.PackFor(ctx, collab.TaskTypeForRole(task.AgentRole), task.Domain)
	if err != nil {
		getLog().Warn().Err(err).Str("task_id", task.ID).Msg("Skill pack lookup failed")
		pack = &collab.SkillPack{}
	}
	pluginDirs := pack.PluginDirs
	if pack.Empty() {
		// No skills cover this task; forge a throwaway tool for it.
		dir, err := e.forge.Synthesize(ctx, pl.ID, task.ID, task.Prompt)
		if err != nil {
			getLog().Warn().Err(err).Str("task_id", task.ID).Msg("Tool synthesis failed")
		} else if dir != "" {
			pluginDirs = append(pluginDirs, dir)
		}
	}

	prompt := buildTaskPrompt(pl, task, planContent, memoryCtx, pack)

	outcome, err := e.runSession(ctx, pl, task, agentpkg.SpawnOptions{
		Prompt:         prompt,
		WorkingDir:     worktree,
		Model:          model,
		PermissionMode: e.cfg.Agent.PermissionMode,
		MaxTurns:       e.cfg.Agent.MaxTurns,
		PluginDirs:     pluginDirs,
	})
	if err != nil {
		e.settleTask(ctx, pl, task, models.TaskStateFailed, fmt.Sprintf("agent spawn failed: %v", err))
		_ = e.evolution.RecordOutcome(ctx, pl.ProjectID, model, false)
		return false, err
	}

	if err := e.costs.AggregateAndUpdate(ctx, pl.ID); err != nil {
		getLog().Warn().Err(err).Str("pipeline_id", pl.ID).Msg("Cost aggregation failed")
	}

	if _, err := e.processMarkers(ctx, pl, task.ID, models.StageParallelExecution, outcome.Output); err != nil {
		e.settleTask(ctx, pl, task, models.TaskStateFailed, err.Error())
		_ = e.evolution.RecordOutcome(ctx, pl.ProjectID, model, false)
		return false, err
	}

	if outcome.ExitCode != 0 {
		e.settleTask(ctx, pl, task, models.TaskStateFailed,
			fmt.Sprintf("agent exited with code %d\n%s", outcome.ExitCode, truncate(outcome.Output, resultSummaryLimit)))
		_ = e.evolution.RecordOutcome(ctx, pl.ProjectID, model, false)
		return false, nil
	}

	summary := extractSummary(outcome.Output)
	e.settleTask(ctx, pl, task, models.TaskStateCompleted, summary)
	if err := e.memory.RecordTaskOutput(ctx, pl.ID, task.ID, truncate(summary, resultSummaryLimit)); err != nil {
		getLog().Warn().Err(err).Str("task_id", task.ID).Msg("Failed to record task memory")
	}
	_ = e.evolution.RecordOutcome(ctx, pl.ProjectID, model, true)
	return true, nil
}

// taskModel resolves which model a task runs with: outcome history first,
// then the complexity tier, then the pipeline default.
func (e *Engine) taskModel(ctx context.Context, pl *models.Pipeline, project *models.Project, task *models.Task) string {
	if m, err := e.evolution.SelectModel(ctx, pl.ProjectID, task.Complexity); err == nil && m != "" {
		return m
	}
	if m := e.modelForComplexity(task.Complexity); m != "" {
		return m
	}
	return e.defaultModel(pl, project)
}

func buildTaskPrompt(pl *models.Pipeline, task *models.Task, planContent, memoryCtx string, pack *collab.SkillPack) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s agent for one task of an automated software-change pipeline. Work only in the current directory; commit nothing, the pipeline merges your branch.\n\n", task.AgentRole)
	fmt.Fprintf(&b, "Overall requirements:\n%s\n\n", pl.Requirements)
	if planContent != "" {
		fmt.Fprintf(&b, "Plan:\n%s\n\n", planContent)
	}
	fmt.Fprintf(&b, "Your task:\n%s\n", task.Prompt)
	if memoryCtx != "" {
		fmt.Fprintf(&b, "\nContext from earlier work:\n%s\n", memoryCtx)
	}
	if len(pack.ClaudeMdSnippets) > 0 {
		fmt.Fprintf(&b, "\nGuidance:\n%s\n", strings.Join(pack.ClaudeMdSnippets, "\n\n"))
	}
	return b.String()
}
