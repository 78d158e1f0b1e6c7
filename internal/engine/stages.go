// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/pipewright/pipewright/internal/collab"
	"github.com/pipewright/pipewright/internal/intervene"
	"github.com/pipewright/pipewright/internal/models"
	"github.com/pipewright/pipewright/internal/protocol"
)

// askDecision parks the pipeline on a proceed/replan/abort question and maps
// the answer. It returns ("", result) when the answer (or a sentinel) decides
// the stage, and (decision, nil) when the caller should act on it.
func (e *Engine) askDecision(ctx context.Context, pl *models.Pipeline, taskID string, stageType models.StageType, question, contextJSON string) (string, *StageResult) {
	response, err := e.gate.RequestIntervention(ctx, pl.ID, taskID, stageType, question, contextJSON)
	if err != nil {
		return "", fail(err)
	}
	if intervene.IsCancelResponse(response) {
		return "", &StageResult{Outcome: OutcomeCancel}
	}
	if intervene.IsReplanResponse(response) {
		return "", &StageResult{Outcome: OutcomeReplan}
	}

	switch strings.ToLower(strings.TrimSpace(response)) {
	case "replan":
		return "", &StageResult{Outcome: OutcomeReplan}
	case "abort", "cancel":
		return "", &StageResult{Outcome: OutcomeCancel}
	default:
		// Anything else is treated as proceed, with the raw response kept
		// for handlers that read it as feedback.
		return response, nil
	}
}

func (e *Engine) stageRequirementsInput(ctx context.Context, pl *models.Pipeline, stage *models.Stage) *StageResult {
	// Requirements arrived with the pipeline row.
	return pass()
}

func (e *Engine) stagePlanGeneration(ctx context.Context, pl *models.Pipeline, stage *models.Stage) *StageResult {
	project, err := e.db.GetProject(ctx, pl.ProjectID)
	if err != nil {
		return fail(err)
	}
	workDir := e.workRoot(pl, project)

	if gate := e.gates.Preflight(ctx, workDir); !gate.OK {
		question := fmt.Sprintf("Preflight check failed: %s. Proceed anyway, replan, or abort?", gate.Err)
		contextJSON, _ := json.Marshal(gate)
		if _, res := e.askDecision(ctx, pl, "", stage.Type, question, string(contextJSON)); res != nil {
			return res
		}
	}

	prompt := e.buildPlannerPrompt(ctx, pl, project)
	outcome, err := e.spawnAgentAndWait(ctx, pl, stage, "planner", prompt, e.defaultModel(pl, project), workDir)
	if err != nil {
		return fail(err)
	}
	if outcome.ExitCode != 0 {
		return failf("planner exited with code %d", outcome.ExitCode)
	}

	parsed, err := parsePlanOutput(outcome.Output)
	if err != nil {
		return fail(err)
	}

	version, err := e.db.MaxPlanVersion(ctx, pl.ID)
	if err != nil {
		return fail(err)
	}
	plan := &models.Plan{
		ID:            uuid.NewString(),
		PipelineID:    pl.ID,
		Version:       version + 1,
		Content:       parsed.Content,
		TaskBreakdown: parsed.TaskBreakdown,
	}
	if err := e.db.CreatePlan(ctx, plan); err != nil {
		return fail(err)
	}
	e.bus.Publish(protocol.PlanCreatedEvent{
		Metadata: protocol.NewMetadata(pl.ID),
		Plan:     plan,
	})

	if err := e.splitPlanIntoTasks(ctx, pl, plan); err != nil {
		return fail(err)
	}
	return pass()
}

// buildPlannerPrompt assembles the planning prompt, feeding back review
// feedback from the previous plan version on replans.
func (e *Engine) buildPlannerPrompt(ctx context.Context, pl *models.Pipeline, project *models.Project) string {
	var b strings.Builder
	b.WriteString("You are the planner for an automated software-change pipeline.\n\n")
	fmt.Fprintf(&b, "Repository: %s\n\n", project.RepoPath)
	fmt.Fprintf(&b, "Requirements:\n%s\n\n", pl.Requirements)

	if prev, err := e.db.GetLatestPlan(ctx, pl.ID); err == nil && prev != nil {
		if prev.AdversarialFeedback != "" {
			fmt.Fprintf(&b, "The previous plan (version %d) was rejected with this feedback:\n%s\n\n", prev.Version, prev.AdversarialFeedback)
		}
		if prev.HumanFeedback != "" {
			fmt.Fprintf(&b, "Human feedback on the previous plan:\n%s\n\n", prev.HumanFeedback)
		}
	}

	b.WriteString(`Respond with a single JSON object (no prose):
{"content": "<the plan as markdown>", "taskBreakdown": [{"title": "...", "description": "...", "agentRole": "executor", "domain": "...", "dependsOn": [], "canParallelize": true, "complexity": "low|medium|high"}]}
dependsOn entries reference other tasks by title.`)
	return b.String()
}

// splitPlanIntoTasks pre-creates the parallel_execution stage and its task
// rows. dependsOn title references resolve to task IDs; unresolved titles are
// dropped, cycles are a deterministic plan failure.
func (e *Engine) splitPlanIntoTasks(ctx context.Context, pl *models.Pipeline, plan *models.Plan) error {
	if len(plan.TaskBreakdown) == 0 {
		return nil
	}

	stage := &models.Stage{
		ID:         uuid.NewString(),
		PipelineID: pl.ID,
		Type:       models.StageParallelExecution,
		State:      models.StageStatePending,
	}
	if err := e.db.CreateStage(ctx, stage); err != nil {
		return err
	}
	e.broadcastStage(pl.ID, stage)

	idByTitle := make(map[string]string, len(plan.TaskBreakdown))
	ids := make([]string, len(plan.TaskBreakdown))
	for i, item := range plan.TaskBreakdown {
		ids[i] = uuid.NewString()
		idByTitle[item.Title] = ids[i]
	}

	depsByID := make(map[string][]string, len(plan.TaskBreakdown))
	for i, item := range plan.TaskBreakdown {
		var deps []string
		for _, title := range item.DependsOn {
			depID, ok := idByTitle[title]
			if !ok {
				// Unknown titles are dropped rather than failing the plan.
				getLog().Warn().
					Str("pipeline_id", pl.ID).
					Str("task", item.Title).
					Str("depends_on", title).
					Msg("Dropping unresolved dependency reference")
				continue
			}
			if depID == ids[i] {
				continue
			}
			deps = append(deps, depID)
		}
		depsByID[ids[i]] = deps
	}

	if hasCycle(ids, depsByID) {
		return fmt.Errorf("%w: task dependencies form a cycle", ErrPlanParse)
	}

	for i, item := range plan.TaskBreakdown {
		task := &models.Task{
			ID:         ids[i],
			PipelineID: pl.ID,
			StageID:    stage.ID,
			AgentRole:  item.AgentRole,
			Domain:     item.Domain,
			Prompt:     item.Description,
			State:      models.TaskStatePending,
			DependsOn:  depsByID[ids[i]],
			Complexity: item.Complexity,
		}
		if task.AgentRole == "" {
			task.AgentRole = "executor"
		}
		if err := e.db.CreateTask(ctx, task); err != nil {
			return err
		}
		e.broadcastTask(pl.ID, task)
	}
	return nil
}

// hasCycle runs a three-color DFS over the dependency graph.
func hasCycle(ids []string, deps map[string][]string) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(ids))

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && visit(id) {
			return true
		}
	}
	return false
}

func (e *Engine) stageHumanReview(ctx context.Context, pl *models.Pipeline, stage *models.Stage) *StageResult {
	e.notify(pl.ID, "info", "Plan ready for review", "A plan is waiting for human review.")
	return &StageResult{Outcome: OutcomeWaiting}
}

func (e *Engine) stageAdversarialReview(ctx context.Context, pl *models.Pipeline, stage *models.Stage) *StageResult {
	project, err := e.db.GetProject(ctx, pl.ProjectID)
	if err != nil {
		return fail(err)
	}
	plan, err := e.db.GetLatestPlan(ctx, pl.ID)
	if err != nil {
		return fail(err)
	}
	if plan == nil {
		return failf("no plan to review")
	}

	prompt := fmt.Sprintf(`You are an adversarial reviewer. Attack this plan: find missing error handling, underspecified tasks, risky ordering.

Requirements:
%s

Plan (version %d):
%s

Respond with a single JSON object: {"verdict": "pass"|"reject", "summary": "...", "findings": ["..."]}`,
		pl.Requirements, plan.Version, plan.Content)

	outcome, err := e.spawnAgentAndWait(ctx, pl, stage, "adversarial-reviewer", prompt, e.defaultModel(pl, project), e.workRoot(pl, project))
	if err != nil {
		return fail(err)
	}
	if outcome.ExitCode != 0 {
		return failf("adversarial reviewer exited with code %d", outcome.ExitCode)
	}

	verdict, err := parseReviewVerdict(outcome.Output)
	if err != nil {
		// Unparseable review is advisory only: keep the raw feedback and
		// let the pipeline continue.
		plan.AdversarialFeedback = truncate(outcome.Output, resultSummaryLimit)
		if saveErr := e.db.SavePlan(ctx, plan); saveErr != nil {
			getLog().Warn().Err(saveErr).Str("plan_id", plan.ID).Msg("Failed to store adversarial feedback")
		}
		return pass()
	}

	if verdict.Verdict != "reject" {
		return pass()
	}

	plan.AdversarialFeedback = verdict.Summary
	if err := e.db.SavePlan(ctx, plan); err != nil {
		getLog().Warn().Err(err).Str("plan_id", plan.ID).Msg("Failed to store adversarial feedback")
	}
	e.bus.Publish(protocol.PlanUpdatedEvent{
		Metadata: protocol.NewMetadata(pl.ID),
		Plan:     plan,
	})

	question := fmt.Sprintf("Adversarial review rejected the plan: %s. Proceed anyway or replan?", verdict.Summary)
	contextJSON, _ := json.Marshal(verdict)
	decision, res := e.askDecision(ctx, pl, "", stage.Type, question, string(contextJSON))
	if res != nil {
		return res
	}
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "fail", "reject":
		return failf("plan rejected by adversarial review: %s", verdict.Summary)
	}
	return pass()
}

func (e *Engine) stageContextPrep(ctx context.Context, pl *models.Pipeline, stage *models.Stage) *StageResult {
	tasks, err := e.db.GetPendingTasksByPipeline(ctx, pl.ID)
	if err != nil {
		return fail(err)
	}

	for _, task := range tasks {
		pack, err := e.skills.PackFor(ctx, collab.TaskTypeForRole(task.AgentRole), task.Domain)
		if err != nil {
			return fail(err)
		}
		task.AssignedSkills = pack.Skills
		if err := e.db.SaveTask(ctx, task); err != nil {
			return fail(err)
		}
		e.broadcastTask(pl.ID, task)
	}

	available, err := e.memory.Available(ctx, pl.ID)
	if err != nil {
		return fail(err)
	}
	getLog().Debug().
		Str("pipeline_id", pl.ID).
		Int("tasks", len(tasks)).
		Bool("memory_available", available).
		Msg("Context prep complete")
	return pass()
}

func (e *Engine) stageTesting(ctx context.Context, pl *models.Pipeline, stage *models.Stage) *StageResult {
	project, err := e.db.GetProject(ctx, pl.ProjectID)
	if err != nil {
		return fail(err)
	}
	workDir := e.workRoot(pl, project)

	if gate := e.gates.FastGate(ctx, workDir); !gate.OK {
		question := fmt.Sprintf("Fast quality gate failed: %s. Proceed anyway, replan, or abort?", gate.Err)
		contextJSON, _ := json.Marshal(gate)
		if _, res := e.askDecision(ctx, pl, "", stage.Type, question, string(contextJSON)); res != nil {
			return res
		}
	}

	prompt := fmt.Sprintf(`You are the tester for an automated software-change pipeline. Run the test suite in this repository, fix flaky harness problems if trivial, and exit nonzero if tests fail.

Requirements under test:
%s`, pl.Requirements)

	outcome, err := e.spawnAgentAndWait(ctx, pl, stage, "tester", prompt, e.defaultModel(pl, project), workDir)
	if err != nil {
		return fail(err)
	}
	if outcome.ExitCode != 0 {
		question := fmt.Sprintf("Tester exited with code %d. Proceed anyway, replan, or abort?", outcome.ExitCode)
		if _, res := e.askDecision(ctx, pl, outcome.TaskID, stage.Type, question, ""); res != nil {
			return res
		}
	}
	return pass()
}

func (e *Engine) stageCodeReview(ctx context.Context, pl *models.Pipeline, stage *models.Stage) *StageResult {
	project, err := e.db.GetProject(ctx, pl.ProjectID)
	if err != nil {
		return fail(err)
	}

	prompt := fmt.Sprintf(`You are the code reviewer. Review the changes made for these requirements, paying attention to churn (patch-style fixes, duplicated code).

Requirements:
%s

Respond with a single JSON object: {"verdict": "pass"|"reject", "summary": "...", "severity": "...", "findings": ["..."], "churnMetrics": {"verdict": "clean"|"warning"|"critical", "churnScore": 0}}`,
		pl.Requirements)

	outcome, err := e.spawnAgentAndWait(ctx, pl, stage, "code-reviewer", prompt, e.defaultModel(pl, project), e.workRoot(pl, project))
	if err != nil {
		return fail(err)
	}
	if outcome.ExitCode != 0 {
		return failf("code reviewer exited with code %d", outcome.ExitCode)
	}

	verdict, err := parseReviewVerdict(outcome.Output)
	if err != nil {
		stage.QualityGateResult = truncate(outcome.Output, resultSummaryLimit)
		return pass()
	}

	verdictJSON, _ := json.Marshal(verdict)
	stage.QualityGateResult = string(verdictJSON)

	if verdict.ChurnMetrics != nil && verdict.ChurnMetrics.Verdict == "critical" {
		if _, err := e.gate.RequestConsultation(ctx, pl.ID, outcome.TaskID, stage.Type,
			fmt.Sprintf("Code churn is critical (score %.1f)", verdict.ChurnMetrics.ChurnScore)); err != nil {
			getLog().Warn().Err(err).Msg("Failed to register churn consultation")
		}
		question := "Code churn metrics are critical. Force proceed or replan?"
		if _, res := e.askDecision(ctx, pl, outcome.TaskID, stage.Type, question, string(verdictJSON)); res != nil {
			return res
		}
	}

	if verdict.Verdict == "reject" {
		question := fmt.Sprintf("Code review rejected the changes: %s. Proceed anyway, replan, or abort?", verdict.Summary)
		if _, res := e.askDecision(ctx, pl, outcome.TaskID, stage.Type, question, string(verdictJSON)); res != nil {
			return res
		}
	}
	return pass()
}

func (e *Engine) stageGitIntegration(ctx context.Context, pl *models.Pipeline, stage *models.Stage) *StageResult {
	project, err := e.db.GetProject(ctx, pl.ProjectID)
	if err != nil {
		return fail(err)
	}

	commitMsg := fmt.Sprintf("Pipeline %s: %s", shortID(pl.ID), truncate(pl.Requirements, 72))

	if project.IsSelfRepo && pl.SelfWorktreePath != "" {
		// The staging worktree already sits on its dedicated branch.
		hasChanges, err := e.ws.HasChanges(ctx, pl.SelfWorktreePath)
		if err != nil {
			return fail(err)
		}
		if hasChanges {
			if err := e.ws.Commit(ctx, pl.SelfWorktreePath, commitMsg); err != nil {
				return fail(err)
			}
		}
		return e.runSmoke(ctx, pl, stage, pl.SelfWorktreePath)
	}

	hasChanges, err := e.ws.HasChanges(ctx, project.RepoPath)
	if err != nil {
		return fail(err)
	}
	if !hasChanges {
		getLog().Info().Str("pipeline_id", pl.ID).Msg("No changes to integrate")
		return pass()
	}

	branch := e.ws.PipelineBranch(pl.ID)
	exists, err := e.ws.BranchExists(ctx, project.RepoPath, branch)
	if err != nil {
		return fail(err)
	}
	if !exists {
		if err := e.ws.CreateBranch(ctx, project.RepoPath, branch); err != nil {
			return fail(err)
		}
	}
	if err := e.ws.Checkout(ctx, project.RepoPath, branch); err != nil {
		return fail(err)
	}
	if err := e.ws.Commit(ctx, project.RepoPath, commitMsg); err != nil {
		return fail(err)
	}
	return e.runSmoke(ctx, pl, stage, project.RepoPath)
}

func (e *Engine) runSmoke(ctx context.Context, pl *models.Pipeline, stage *models.Stage, workDir string) *StageResult {
	gate := e.gates.Smoke(ctx, workDir)
	if gate.OK {
		return pass()
	}
	question := fmt.Sprintf("Post-merge smoke check failed: %s. Proceed anyway, replan, or abort?", gate.Err)
	contextJSON, _ := json.Marshal(gate)
	if _, res := e.askDecision(ctx, pl, "", stage.Type, question, string(contextJSON)); res != nil {
		return res
	}
	return pass()
}

func (e *Engine) stageEvolutionCapture(ctx context.Context, pl *models.Pipeline, stage *models.Stage) *StageResult {
	tasks, err := e.db.GetTasksByPipeline(ctx, pl.ID)
	if err != nil {
		return fail(err)
	}

	completed := lo.CountBy(tasks, func(t *models.Task) bool { return t.State == models.TaskStateCompleted })
	failed := lo.CountBy(tasks, func(t *models.Task) bool { return t.State == models.TaskStateFailed })

	payload := map[string]any{
		"reentry_count":       pl.ReentryCount,
		"total_cost":          pl.TotalCost,
		"total_input_tokens":  pl.TotalInputTokens,
		"total_output_tokens": pl.TotalOutputTokens,
		"tasks_completed":     completed,
		"tasks_failed":        failed,
	}
	if err := e.evolution.CaptureMetrics(ctx, pl.ID, pl.ProjectID, payload); err != nil {
		// Metrics are advisory; losing one row must not fail the pipeline.
		getLog().Warn().Err(err).Str("pipeline_id", pl.ID).Msg("Failed to capture evolution metrics")
	}
	return pass()
}

func (e *Engine) stageClaudeMdEvolution(ctx context.Context, pl *models.Pipeline, stage *models.Stage) *StageResult {
	if err := e.memory.PromoteL1ToL2(ctx, pl.ID, pl.ProjectID); err != nil {
		getLog().Warn().Err(err).Str("pipeline_id", pl.ID).Msg("Failed to promote memories")
	}
	recommendations, err := e.evolution.AnalyzeAndRecommend(ctx, pl.ProjectID)
	if err != nil {
		getLog().Warn().Err(err).Str("pipeline_id", pl.ID).Msg("Evolution analysis failed")
	} else if recommendations != "" {
		getLog().Info().
			Str("pipeline_id", pl.ID).
			Str("recommendations", recommendations).
			Msg("Evolution recommendations")
	}
	return pass()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
