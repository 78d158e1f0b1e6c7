// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"time"

	"github.com/pipewright/pipewright/internal/models"
)

// Reconcile repairs database state after an unclean shutdown: agent
// sessions left open are closed, running tasks go back to pending and
// running stages are failed. It returns the pipelines that should be
// resumed; paused pipelines stay paused.
func (e *Engine) Reconcile(ctx context.Context) ([]*models.Pipeline, error) {
	now := time.Now()

	sessions, err := e.db.GetOpenSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, session := range sessions {
		if err := e.db.UpdateSessionFields(ctx, session.ID, map[string]any{
			"exit_code":    -1,
			"completed_at": &now,
		}); err != nil {
			getLog().Warn().Err(err).Str("session_id", session.ID).Msg("Failed to close orphaned session")
		}
	}

	tasks, err := e.db.GetRunningTasks(ctx)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if err := e.db.UpdateTaskFields(ctx, task.ID, map[string]any{
			"state":      models.TaskStatePending,
			"started_at": nil,
		}); err != nil {
			getLog().Warn().Err(err).Str("task_id", task.ID).Msg("Failed to reset orphaned task")
		}
	}

	stages, err := e.db.GetRunningStages(ctx)
	if err != nil {
		return nil, err
	}
	for _, stage := range stages {
		stage.State = models.StageStateFailed
		stage.ErrorMessage = "Server crashed during execution"
		stage.CompletedAt = &now
		if err := e.db.SaveStage(ctx, stage); err != nil {
			getLog().Warn().Err(err).Str("stage_id", stage.ID).Msg("Failed to fail orphaned stage")
		}
	}

	pipelines, err := e.db.GetNonTerminalPipelines(ctx)
	if err != nil {
		return nil, err
	}
	var resumable []*models.Pipeline
	for _, pl := range pipelines {
		if pl.State == models.PipelineStatePaused {
			continue
		}
		resumable = append(resumable, pl)
	}

	if len(sessions) > 0 || len(tasks) > 0 || len(stages) > 0 || len(resumable) > 0 {
		getLog().Info().
			Int("orphaned_sessions", len(sessions)).
			Int("orphaned_tasks", len(tasks)).
			Int("orphaned_stages", len(stages)).
			Int("resumable_pipelines", len(resumable)).
			Msg("Crash reconciliation complete")
	}

	return resumable, nil
}
