// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/config"
	"github.com/pipewright/pipewright/internal/models"
)

func newTestDB(t *testing.T) *GormDB {
	t.Helper()
	db, err := NewGormDB(&config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func seedPipeline(t *testing.T, db *GormDB, state models.PipelineState) *models.Pipeline {
	t.Helper()
	ctx := context.Background()
	project := &models.Project{ID: uuid.NewString(), Name: "proj", RepoPath: "/tmp/repo"}
	require.NoError(t, db.CreateProject(ctx, project))

	pipeline := &models.Pipeline{
		ID:           uuid.NewString(),
		ProjectID:    project.ID,
		Requirements: "do things",
		State:        state,
	}
	require.NoError(t, db.CreatePipeline(ctx, pipeline))
	return pipeline
}

func TestFindPendingStageOrdering(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	pl := seedPipeline(t, db, models.PipelineStatePlanGeneration)

	// No pending stage yet.
	stage, err := db.FindPendingStage(ctx, pl.ID, models.StageParallelExecution)
	require.NoError(t, err)
	assert.Nil(t, stage)

	first := &models.Stage{ID: uuid.NewString(), PipelineID: pl.ID, Type: models.StageParallelExecution, State: models.StageStatePending}
	require.NoError(t, db.CreateStage(ctx, first))

	stage, err = db.FindPendingStage(ctx, pl.ID, models.StageParallelExecution)
	require.NoError(t, err)
	require.NotNil(t, stage)
	assert.Equal(t, first.ID, stage.ID)

	// Stages of other types or states are not returned.
	stage, err = db.FindPendingStage(ctx, pl.ID, models.StageTesting)
	require.NoError(t, err)
	assert.Nil(t, stage)
}

func TestPlanVersioning(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	pl := seedPipeline(t, db, models.PipelineStatePlanGeneration)

	version, err := db.MaxPlanVersion(ctx, pl.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	latest, err := db.GetLatestPlan(ctx, pl.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	for v := 1; v <= 3; v++ {
		require.NoError(t, db.CreatePlan(ctx, &models.Plan{
			ID:         uuid.NewString(),
			PipelineID: pl.ID,
			Version:    v,
			Content:    "plan",
		}))
	}

	version, err = db.MaxPlanVersion(ctx, pl.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	latest, err = db.GetLatestPlan(ctx, pl.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 3, latest.Version)
}

func TestCancelOpenTasksForPipeline(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	pl := seedPipeline(t, db, models.PipelineStateParallelExecution)

	states := []models.TaskState{
		models.TaskStatePending,
		models.TaskStateQueued,
		models.TaskStateRunning,
		models.TaskStateCompleted,
	}
	ids := make([]string, len(states))
	for i, state := range states {
		task := &models.Task{ID: uuid.NewString(), PipelineID: pl.ID, State: state}
		require.NoError(t, db.CreateTask(ctx, task))
		ids[i] = task.ID
	}

	require.NoError(t, db.CancelOpenTasksForPipeline(ctx, pl.ID))

	for i, id := range ids[:3] {
		task, err := db.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStateCancelled, task.State, "task %d", i)
		assert.NotNil(t, task.CompletedAt)
	}
	done, err := db.GetTask(ctx, ids[3])
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCompleted, done.State)
}

func TestGetLatestSessionsPerTask(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	pl := seedPipeline(t, db, models.PipelineStateParallelExecution)

	task := &models.Task{ID: uuid.NewString(), PipelineID: pl.ID, State: models.TaskStateRunning}
	require.NoError(t, db.CreateTask(ctx, task))

	old := &models.AgentSession{ID: uuid.NewString(), TaskID: task.ID, PipelineID: pl.ID, CostUSD: 1.0}
	require.NoError(t, db.CreateSession(ctx, old))
	require.NoError(t, db.UpdateSessionFields(ctx, old.ID, map[string]any{
		"started_at": time.Now().Add(-time.Hour),
	}))

	fresh := &models.AgentSession{ID: uuid.NewString(), TaskID: task.ID, PipelineID: pl.ID, CostUSD: 2.0}
	require.NoError(t, db.CreateSession(ctx, fresh))

	sessions, err := db.GetLatestSessionsPerTask(ctx, pl.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, fresh.ID, sessions[0].ID)
}

func TestDeletePipelineCascade(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	pl := seedPipeline(t, db, models.PipelineStateCompleted)

	task := &models.Task{ID: uuid.NewString(), PipelineID: pl.ID, State: models.TaskStateCompleted}
	require.NoError(t, db.CreateTask(ctx, task))
	require.NoError(t, db.CreateStage(ctx, &models.Stage{
		ID: uuid.NewString(), PipelineID: pl.ID, Type: models.StageTesting, State: models.StageStatePassed,
	}))
	require.NoError(t, db.CreateSession(ctx, &models.AgentSession{
		ID: uuid.NewString(), TaskID: task.ID, PipelineID: pl.ID,
	}))
	require.NoError(t, db.CreatePlan(ctx, &models.Plan{
		ID: uuid.NewString(), PipelineID: pl.ID, Version: 1,
	}))
	require.NoError(t, db.CreateIntervention(ctx, &models.Intervention{
		ID: uuid.NewString(), PipelineID: pl.ID, Status: models.InterventionStatusResolved,
	}))

	require.NoError(t, db.DeletePipelineCascade(ctx, pl.ID))

	_, err := db.GetPipeline(ctx, pl.ID)
	assert.Error(t, err)
	tasks, err := db.GetTasksByPipeline(ctx, pl.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	stages, err := db.GetStagesByPipeline(ctx, pl.ID)
	require.NoError(t, err)
	assert.Empty(t, stages)
}

func TestDeletePipelineCascadeRejectsNonTerminal(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	pl := seedPipeline(t, db, models.PipelineStateTesting)

	err := db.DeletePipelineCascade(ctx, pl.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in a terminal state")

	// Still there.
	_, err = db.GetPipeline(ctx, pl.ID)
	assert.NoError(t, err)
}

func TestResetRunningTasksForPipeline(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	pl := seedPipeline(t, db, models.PipelineStateParallelExecution)

	running := &models.Task{ID: uuid.NewString(), PipelineID: pl.ID, State: models.TaskStateRunning}
	queued := &models.Task{ID: uuid.NewString(), PipelineID: pl.ID, State: models.TaskStateQueued}
	done := &models.Task{ID: uuid.NewString(), PipelineID: pl.ID, State: models.TaskStateCompleted}
	for _, task := range []*models.Task{running, queued, done} {
		require.NoError(t, db.CreateTask(ctx, task))
	}

	require.NoError(t, db.ResetRunningTasksForPipeline(ctx, pl.ID))

	for _, id := range []string{running.ID, queued.ID} {
		task, err := db.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatePending, task.State)
	}
	task, err := db.GetTask(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCompleted, task.State)
}
