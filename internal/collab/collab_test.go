// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package collab

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestTaskTypeForRole(t *testing.T) {
	assert.Equal(t, "implement", TaskTypeForRole("executor"))
	assert.Equal(t, "test", TaskTypeForRole("tester"))
	assert.Equal(t, "review", TaskTypeForRole("adversarial-reviewer"))
	assert.Equal(t, "plan", TaskTypeForRole("planner"))
	assert.Equal(t, "implement", TaskTypeForRole("something-else"))
}

func TestDirSkillDistributor(t *testing.T) {
	root := t.TempDir()
	skillDir := filepath.Join(root, "implement", "go-style")
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte("# Go style\nUse gofmt."), 0o644))
	// A stray file at the task-type level is not a skill.
	require.NoError(t, os.WriteFile(filepath.Join(root, "implement", "notes.txt"), []byte("x"), 0o644))

	d := NewDirSkillDistributor(root)
	ctx := context.Background()

	pack, err := d.PackFor(ctx, "implement", "")
	require.NoError(t, err)
	assert.False(t, pack.Empty())
	assert.Equal(t, []string{"go-style"}, pack.Skills)
	require.Len(t, pack.PluginDirs, 1)
	assert.Equal(t, skillDir, pack.PluginDirs[0])
	require.Len(t, pack.ClaudeMdSnippets, 1)
	assert.Contains(t, pack.ClaudeMdSnippets[0], "gofmt")

	// Unknown task type: empty pack, no error.
	pack, err = d.PackFor(ctx, "test", "")
	require.NoError(t, err)
	assert.True(t, pack.Empty())

	// Unconfigured distributor always hands out empty packs.
	empty := NewDirSkillDistributor("")
	pack, err = empty.PackFor(ctx, "implement", "")
	require.NoError(t, err)
	assert.True(t, pack.Empty())
}

func TestDirSkillDistributorDomainSkills(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "implement", "go-style"), 0o755))
	domainDir := filepath.Join(root, "domains", "backend", "sql-migrations")
	require.NoError(t, os.MkdirAll(domainDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(domainDir, "SKILL.md"), []byte("Use migration files."), 0o644))

	d := NewDirSkillDistributor(root)
	ctx := context.Background()

	pack, err := d.PackFor(ctx, "implement", "backend")
	require.NoError(t, err)
	assert.Equal(t, []string{"go-style", "sql-migrations"}, pack.Skills)
	assert.Contains(t, pack.PluginDirs, domainDir)
	require.Len(t, pack.ClaudeMdSnippets, 1)
	assert.Contains(t, pack.ClaudeMdSnippets[0], "migration")

	// An unknown domain adds nothing.
	pack, err = d.PackFor(ctx, "implement", "mobile")
	require.NoError(t, err)
	assert.Equal(t, []string{"go-style"}, pack.Skills)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	db := newTestDB(t)
	m := NewDBMemoryStore(db)
	ctx := context.Background()

	pipelineID := uuid.NewString()
	projectID := uuid.NewString()

	available, err := m.Available(ctx, pipelineID)
	require.NoError(t, err)
	assert.False(t, available)

	require.NoError(t, m.RecordTaskOutput(ctx, pipelineID, "task-1", "parser lives in internal/parse"))
	require.NoError(t, m.RecordTaskOutput(ctx, pipelineID, "task-2", "tests use golden files"))
	// Empty content is silently skipped.
	require.NoError(t, m.RecordTaskOutput(ctx, pipelineID, "task-3", ""))

	available, err = m.Available(ctx, pipelineID)
	require.NoError(t, err)
	assert.True(t, available)

	context1, err := m.ContextFor(ctx, pipelineID, projectID)
	require.NoError(t, err)
	assert.Contains(t, context1, "parser lives in internal/parse")
	assert.Contains(t, context1, "tests use golden files")
}

func TestMemoryPromoteL1ToL2(t *testing.T) {
	db := newTestDB(t)
	m := NewDBMemoryStore(db)
	ctx := context.Background()

	pipelineID := uuid.NewString()
	projectID := uuid.NewString()

	// Nothing to promote is fine.
	require.NoError(t, m.PromoteL1ToL2(ctx, pipelineID, projectID))

	require.NoError(t, m.RecordTaskOutput(ctx, pipelineID, "task-1", "learned a thing"))
	require.NoError(t, m.PromoteL1ToL2(ctx, pipelineID, projectID))

	// A later pipeline in the same project sees the promoted learning.
	other, err := m.ContextFor(ctx, uuid.NewString(), projectID)
	require.NoError(t, err)
	assert.Contains(t, other, "learned a thing")
}

func TestEvolutionSelectModelNeedsSignal(t *testing.T) {
	db := newTestDB(t)
	e := NewDBEvolutionEngine(db)
	ctx := context.Background()
	projectID := uuid.NewString()

	// No history: defer to the complexity tier.
	model, err := e.SelectModel(ctx, projectID, models.ComplexityMedium)
	require.NoError(t, err)
	assert.Empty(t, model)

	// Two outcomes are below the signal threshold.
	require.NoError(t, e.RecordOutcome(ctx, projectID, "claude-sonnet-4-5", true))
	require.NoError(t, e.RecordOutcome(ctx, projectID, "claude-sonnet-4-5", true))
	model, err = e.SelectModel(ctx, projectID, models.ComplexityMedium)
	require.NoError(t, err)
	assert.Empty(t, model)

	require.NoError(t, e.RecordOutcome(ctx, projectID, "claude-sonnet-4-5", true))
	for i := 0; i < 3; i++ {
		require.NoError(t, e.RecordOutcome(ctx, projectID, "claude-haiku-4-5", i == 0))
	}

	model, err = e.SelectModel(ctx, projectID, models.ComplexityMedium)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", model)

	// Outcomes are scoped per project.
	model, err = e.SelectModel(ctx, uuid.NewString(), models.ComplexityMedium)
	require.NoError(t, err)
	assert.Empty(t, model)
}

func TestEvolutionAnalyzeAndRecommend(t *testing.T) {
	db := newTestDB(t)
	e := NewDBEvolutionEngine(db)
	ctx := context.Background()
	projectID := uuid.NewString()

	require.NoError(t, e.CaptureMetrics(ctx, uuid.NewString(), projectID, map[string]any{"total_cost": 1.25}))
	require.NoError(t, e.RecordOutcome(ctx, projectID, "claude-sonnet-4-5", true))

	summary, err := e.AnalyzeAndRecommend(ctx, projectID)
	require.NoError(t, err)
	assert.Contains(t, summary, "1 pipeline metric rows")
	assert.Contains(t, summary, "1 task outcomes")
}

func TestCommandQualityGates(t *testing.T) {
	workDir := t.TempDir()
	ctx := context.Background()

	g := NewCommandQualityGates(&config.GatesConfig{
		PreflightCommand: "true",
		FastCommand:      "echo checking && false",
	})

	res := g.Preflight(ctx, workDir)
	assert.True(t, res.OK)

	res = g.FastGate(ctx, workDir)
	assert.False(t, res.OK)
	assert.Contains(t, res.Checks, "checking")
	assert.NotEmpty(t, res.Err)

	// Unconfigured commands pass.
	res = g.Smoke(ctx, workDir)
	assert.True(t, res.OK)
	assert.Contains(t, res.Checks, "skipped")
}

func TestToolForgeSynthesizeAndCleanup(t *testing.T) {
	db := newTestDB(t)
	forge := NewFSToolForge(db, filepath.Join(t.TempDir(), "tools"))
	ctx := context.Background()
	pipelineID := uuid.NewString()

	// No description, no tool.
	dir, err := forge.Synthesize(ctx, pipelineID, "task-1", "")
	require.NoError(t, err)
	assert.Empty(t, dir)

	dir, err = forge.Synthesize(ctx, pipelineID, "task-1", "Parse the CSV export format")
	require.NoError(t, err)
	require.NotEmpty(t, dir)

	skill, err := os.ReadFile(filepath.Join(dir, "SKILL.md"))
	require.NoError(t, err)
	assert.Contains(t, string(skill), "Parse the CSV export format")

	tools, err := db.GetGeneratedToolsByPipeline(ctx, pipelineID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, dir, tools[0].PluginDir)

	require.NoError(t, forge.CleanupForPipeline(ctx, pipelineID))

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	tools, err = db.GetGeneratedToolsByPipeline(ctx, pipelineID)
	require.NoError(t, err)
	assert.Empty(t, tools)
}
