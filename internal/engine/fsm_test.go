// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/models"
)

func initGitRepo(t *testing.T) string {
	t.Helper()
	repoPath := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(repoPath, 0o755))

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	run("config", "user.name", "Test User")
	run("config", "user.email", "test@example.com")

	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("hello\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "Initial commit")

	return repoPath
}

func TestNextStageChain(t *testing.T) {
	want := []models.StageType{
		models.StageRequirementsInput,
		models.StagePlanGeneration,
		models.StageAdversarialReview,
		models.StageContextPrep,
		models.StageParallelExecution,
		models.StageTesting,
		models.StageCodeReview,
		models.StageGitIntegration,
		models.StageEvolutionCapture,
		models.StageClaudeMdEvolution,
	}

	st := want[0]
	for i := 1; i < len(want); i++ {
		next, done := nextStage(st)
		require.False(t, done, "chain ended early at %s", st)
		assert.Equal(t, want[i], next)
		st = next
	}

	_, done := nextStage(st)
	assert.True(t, done)

	// Legacy human_review feeds back into the default chain.
	next, done := nextStage(models.StageHumanReview)
	require.False(t, done)
	assert.Equal(t, models.StageAdversarialReview, next)
}

func TestStartRequiresRequirementsInput(t *testing.T) {
	eng, db := newTestEngine(t)
	pl := seedTestPipeline(t, db, models.PipelineStateTesting)

	err := eng.Start(context.Background(), pl.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot start")
}

func TestCancelIsIdempotentOnTerminal(t *testing.T) {
	eng, db := newTestEngine(t)
	ctx := context.Background()
	pl := seedTestPipeline(t, db, models.PipelineStateCompleted)

	require.NoError(t, eng.Cancel(ctx, pl.ID, "too late"))

	saved, err := db.GetPipeline(ctx, pl.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStateCompleted, saved.State)
	assert.Empty(t, saved.ErrorMessage)
}

func TestCancelTearsDownOpenWork(t *testing.T) {
	eng, db := newTestEngine(t)
	ctx := context.Background()
	pl := seedTestPipeline(t, db, models.PipelineStateParallelExecution)

	task := &models.Task{ID: uuid.NewString(), PipelineID: pl.ID, State: models.TaskStateRunning}
	require.NoError(t, db.CreateTask(ctx, task))
	stage := &models.Stage{
		ID: uuid.NewString(), PipelineID: pl.ID,
		Type: models.StageParallelExecution, State: models.StageStateRunning,
	}
	require.NoError(t, db.CreateStage(ctx, stage))

	require.NoError(t, eng.Cancel(ctx, pl.ID, "user asked"))

	saved, err := db.GetPipeline(ctx, pl.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStateCancelled, saved.State)
	assert.Equal(t, "user asked", saved.ErrorMessage)
	assert.NotNil(t, saved.CompletedAt)

	cancelled, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCancelled, cancelled.State)

	failed, err := db.GetStage(ctx, stage.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageStateFailed, failed.State)
	assert.Equal(t, "Pipeline cancelled", failed.ErrorMessage)
}

func TestCancelRemovesWorktreesAndAggregatesCosts(t *testing.T) {
	eng, db := newTestEngine(t)
	ctx := context.Background()

	repo := initGitRepo(t)
	project := &models.Project{ID: uuid.NewString(), Name: "proj", RepoPath: repo}
	require.NoError(t, db.CreateProject(ctx, project))

	pl := &models.Pipeline{
		ID:           uuid.NewString(),
		ProjectID:    project.ID,
		Requirements: "do things",
		State:        models.PipelineStateParallelExecution,
	}
	require.NoError(t, db.CreatePipeline(ctx, pl))

	task := &models.Task{ID: uuid.NewString(), PipelineID: pl.ID, State: models.TaskStateRunning}
	require.NoError(t, db.CreateTask(ctx, task))

	taskTree, err := eng.ws.CreateWorkspace(ctx, repo, eng.ws.TaskBranch(task.ID))
	require.NoError(t, err)
	task.WorktreePath = taskTree
	require.NoError(t, db.SaveTask(ctx, task))

	selfTree, err := eng.ws.CreateWorkspace(ctx, repo, eng.ws.SelfBranch(pl.ID))
	require.NoError(t, err)
	pl.SelfWorktreePath = selfTree
	require.NoError(t, db.SavePipeline(ctx, pl))

	session := &models.AgentSession{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		PipelineID: pl.ID,
		CostUSD:    1.25,
	}
	require.NoError(t, db.CreateSession(ctx, session))

	require.NoError(t, eng.Cancel(ctx, pl.ID, "user asked"))

	_, err = os.Stat(taskTree)
	assert.True(t, os.IsNotExist(err), "task worktree still exists at %s", taskTree)
	_, err = os.Stat(selfTree)
	assert.True(t, os.IsNotExist(err), "staging worktree still exists at %s", selfTree)

	saved, err := db.GetPipeline(ctx, pl.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStateCancelled, saved.State)
	assert.InDelta(t, 1.25, saved.TotalCost, 0.001)
}

func TestBlownBudgetEndsPipelineOnFailedStage(t *testing.T) {
	eng, db := newTestEngine(t)
	ctx := context.Background()

	project := &models.Project{ID: uuid.NewString(), Name: "proj", RepoPath: "/tmp/repo", MaxBudget: 1}
	require.NoError(t, db.CreateProject(ctx, project))

	pl := &models.Pipeline{
		ID:           uuid.NewString(),
		ProjectID:    project.ID,
		Requirements: "do things",
		State:        models.PipelineStateAdversarialReview,
	}
	require.NoError(t, db.CreatePipeline(ctx, pl))
	require.NoError(t, db.UpdatePipelineFields(ctx, pl.ID, map[string]any{"total_cost": 2.5}))

	// The review stage fails immediately (no plan exists). The blown budget
	// must end the pipeline instead of letting the failure retry.
	eng.runLoop(pl.ID)

	saved, err := db.GetPipeline(ctx, pl.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStateFailed, saved.State)
	assert.Contains(t, saved.ErrorMessage, "Budget limit exceeded")
}

func TestPauseRoundTrip(t *testing.T) {
	eng, db := newTestEngine(t)
	ctx := context.Background()
	pl := seedTestPipeline(t, db, models.PipelineStateTesting)

	running := &models.Task{ID: uuid.NewString(), PipelineID: pl.ID, State: models.TaskStateRunning}
	require.NoError(t, db.CreateTask(ctx, running))

	require.NoError(t, eng.Pause(ctx, pl.ID))

	saved, err := db.GetPipeline(ctx, pl.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStatePaused, saved.State)
	assert.Equal(t, models.PipelineStateTesting, saved.PausedFromState)

	reset, err := db.GetTask(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatePending, reset.State)

	// Pausing again is a no-op.
	require.NoError(t, eng.Pause(ctx, pl.ID))
}

func TestPauseRejectsTerminal(t *testing.T) {
	eng, db := newTestEngine(t)
	pl := seedTestPipeline(t, db, models.PipelineStateFailed)

	err := eng.Pause(context.Background(), pl.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal state")
}

func TestResumePausedRejectsNonPaused(t *testing.T) {
	eng, db := newTestEngine(t)
	pl := seedTestPipeline(t, db, models.PipelineStateTesting)

	err := eng.ResumePaused(context.Background(), pl.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not paused")
}

func TestReplanLimitFailsPipeline(t *testing.T) {
	eng, db := newTestEngine(t)
	ctx := context.Background()
	pl := seedTestPipeline(t, db, models.PipelineStateTesting)

	// Replan budget already spent.
	require.NoError(t, db.UpdatePipelineFields(ctx, pl.ID, map[string]any{
		"reentry_count": eng.cfg.Pipeline.ReplanLimit,
	}))

	require.NoError(t, eng.Replan(ctx, pl.ID, "tests keep failing"))

	saved, err := db.GetPipeline(ctx, pl.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStateFailed, saved.State)
	assert.Contains(t, saved.ErrorMessage, "Replan limit exceeded")
}

func TestAdvanceGuards(t *testing.T) {
	eng, db := newTestEngine(t)
	ctx := context.Background()

	terminal := seedTestPipeline(t, db, models.PipelineStateCancelled)
	err := eng.Advance(ctx, terminal.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal state")

	paused := seedTestPipeline(t, db, models.PipelineStatePaused)
	err = eng.Advance(ctx, paused.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paused")
}

func TestAdvanceCompletesFinalStage(t *testing.T) {
	eng, db := newTestEngine(t)
	ctx := context.Background()
	pl := seedTestPipeline(t, db, models.PipelineStateClaudeMdEvolution)

	require.NoError(t, eng.Advance(ctx, pl.ID))

	saved, err := db.GetPipeline(ctx, pl.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineStateCompleted, saved.State)
	assert.NotNil(t, saved.CompletedAt)
}

func TestHandlePlanReviewRequiresHumanReviewState(t *testing.T) {
	eng, db := newTestEngine(t)
	pl := seedTestPipeline(t, db, models.PipelineStateTesting)

	err := eng.HandlePlanReview(context.Background(), pl.ID, "approve", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not waiting for plan review")
}
