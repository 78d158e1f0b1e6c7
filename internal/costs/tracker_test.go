// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package costs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/bus"
	"github.com/pipewright/pipewright/internal/config"
	"github.com/pipewright/pipewright/internal/models"
	"github.com/pipewright/pipewright/internal/store"
)

func newTestDB(t *testing.T) *store.GormDB {
	t.Helper()
	db, err := store.NewGormDB(&config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func seed(t *testing.T, db *store.GormDB, maxBudget float64) *models.Pipeline {
	t.Helper()
	ctx := context.Background()
	project := &models.Project{ID: uuid.NewString(), Name: "proj", RepoPath: "/tmp/repo", MaxBudget: maxBudget}
	require.NoError(t, db.CreateProject(ctx, project))
	pipeline := &models.Pipeline{ID: uuid.NewString(), ProjectID: project.ID, State: models.PipelineStateTesting}
	require.NoError(t, db.CreatePipeline(ctx, pipeline))
	return pipeline
}

func TestAggregateCountsLatestSessionPerTask(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	pl := seed(t, db, 0)
	tracker := NewTracker(db, bus.New(), 0)

	task := &models.Task{ID: uuid.NewString(), PipelineID: pl.ID, State: models.TaskStateRunning}
	require.NoError(t, db.CreateTask(ctx, task))

	// Two sessions for the same task: only the newest counts.
	first := &models.AgentSession{
		ID: uuid.NewString(), TaskID: task.ID, PipelineID: pl.ID,
		Model: "claude-sonnet-4-5", CostUSD: 1.50, InputTokens: 100, OutputTokens: 50,
	}
	require.NoError(t, db.CreateSession(ctx, first))
	require.NoError(t, db.UpdateSessionFields(ctx, first.ID, map[string]any{
		"started_at": first.StartedAt.Add(-time.Hour),
	}))
	retry := &models.AgentSession{
		ID: uuid.NewString(), TaskID: task.ID, PipelineID: pl.ID,
		Model: "claude-opus-4-5", CostUSD: 2.25, InputTokens: 200, OutputTokens: 80,
	}
	require.NoError(t, db.CreateSession(ctx, retry))

	require.NoError(t, tracker.AggregateAndUpdate(ctx, pl.ID))

	updated, err := db.GetPipeline(ctx, pl.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2.25, updated.TotalCost, 1e-9)
	assert.Equal(t, int64(200), updated.TotalInputTokens)
	assert.Equal(t, int64(80), updated.TotalOutputTokens)
	assert.Equal(t, int64(280), updated.TokenBreakdown["high"])
}

func TestGetSummaryBudgets(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Project budget enforced.
	over := seed(t, db, 1.00)
	require.NoError(t, db.UpdatePipelineFields(ctx, over.ID, map[string]any{"total_cost": 1.50}))
	tracker := NewTracker(db, bus.New(), 0)

	summary, err := tracker.GetSummary(ctx, over.ID)
	require.NoError(t, err)
	assert.False(t, summary.WithinBudget)
	assert.InDelta(t, 1.00, summary.MaxBudget, 1e-9)

	// No project budget, no default: unlimited.
	free := seed(t, db, 0)
	require.NoError(t, db.UpdatePipelineFields(ctx, free.ID, map[string]any{"total_cost": 99.0}))
	summary, err = tracker.GetSummary(ctx, free.ID)
	require.NoError(t, err)
	assert.True(t, summary.WithinBudget)

	// No project budget, default applies.
	defaulted := NewTracker(db, bus.New(), 10.0)
	summary, err = defaulted.GetSummary(ctx, free.ID)
	require.NoError(t, err)
	assert.False(t, summary.WithinBudget)
	assert.InDelta(t, 10.0, summary.MaxBudget, 1e-9)
}

func TestTierOf(t *testing.T) {
	assert.Equal(t, "low", tierOf("claude-haiku-4-5"))
	assert.Equal(t, "medium", tierOf("claude-sonnet-4-5"))
	assert.Equal(t, "high", tierOf("claude-opus-4-5"))
	assert.Equal(t, "medium", tierOf("unknown-model"))
}
