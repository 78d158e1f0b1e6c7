// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package collab

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/pipewright/pipewright/internal/models"
	"github.com/pipewright/pipewright/internal/store"
)

// FSToolForge synthesizes minimal plugin dirs on disk and tracks them in the
// database so cancel can clean them up.
type FSToolForge struct {
	db      *store.GormDB
	baseDir string
}

// NewFSToolForge creates a forge writing under baseDir.
func NewFSToolForge(db *store.GormDB, baseDir string) *FSToolForge {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "pipewright-tools")
	}
	return &FSToolForge{db: db, baseDir: baseDir}
}

// Synthesize implements ToolForge. The generated plugin is a SKILL.md
// distilled from the task description; enough for the agent to pick up as
// working instructions.
func (f *FSToolForge) Synthesize(ctx context.Context, pipelineID, taskID, description string) (string, error) {
	if description == "" {
		return "", nil
	}

	name := "forged-" + uuid.NewString()[:8]
	pluginDir := filepath.Join(f.baseDir, pipelineID, name)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create plugin dir: %w", err)
	}

	content := fmt.Sprintf("# %s\n\nGenerated tool instructions for this task:\n\n%s\n", name, description)
	if err := os.WriteFile(filepath.Join(pluginDir, "SKILL.md"), []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write tool skill: %w", err)
	}

	err := f.db.CreateGeneratedTool(ctx, &models.GeneratedTool{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		TaskID:     taskID,
		Name:       name,
		PluginDir:  pluginDir,
	})
	if err != nil {
		return "", err
	}

	getLog().Info().
		Str("pipeline_id", pipelineID).
		Str("task_id", taskID).
		Str("plugin_dir", pluginDir).
		Msg("Synthesized tool")
	return pluginDir, nil
}

// CleanupForPipeline implements ToolForge.
func (f *FSToolForge) CleanupForPipeline(ctx context.Context, pipelineID string) error {
	tools, err := f.db.GetGeneratedToolsByPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	for _, tool := range tools {
		if tool.PluginDir == "" {
			continue
		}
		if err := os.RemoveAll(tool.PluginDir); err != nil {
			getLog().Warn().Err(err).Str("plugin_dir", tool.PluginDir).Msg("Failed to remove forged tool dir")
		}
	}
	// Remove the pipeline's container dir too, tolerating absence.
	_ = os.RemoveAll(filepath.Join(f.baseDir, pipelineID))
	return f.db.DeleteGeneratedToolsByPipeline(ctx, pipelineID)
}
