// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"

	"github.com/pipewright/pipewright/internal/models"
)

// CreateSession creates a new agent session record
func (db *GormDB) CreateSession(ctx context.Context, session *models.AgentSession) error {
	return db.db.WithContext(ctx).Create(session).Error
}

// UpdateSessionFields updates selected session columns
func (db *GormDB) UpdateSessionFields(ctx context.Context, sessionID string, fields map[string]any) error {
	return db.db.WithContext(ctx).
		Model(&models.AgentSession{}).
		Where("id = ?", sessionID).
		Updates(fields).Error
}

// GetSessionsByPipeline retrieves all agent sessions of a pipeline, newest first
func (db *GormDB) GetSessionsByPipeline(ctx context.Context, pipelineID string) ([]*models.AgentSession, error) {
	var sessions []*models.AgentSession
	err := db.db.WithContext(ctx).
		Where("pipeline_id = ?", pipelineID).
		Order("started_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetLatestSessionsPerTask returns, for each task of the pipeline, its most
// recent session. Sessions without a task (stage-level agents) are each
// included. The cost tracker sums these so a retried task only counts once.
func (db *GormDB) GetLatestSessionsPerTask(ctx context.Context, pipelineID string) ([]*models.AgentSession, error) {
	sessions, err := db.GetSessionsByPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	var result []*models.AgentSession
	seen := make(map[string]bool)
	for _, s := range sessions {
		if s.TaskID == "" {
			result = append(result, s)
			continue
		}
		if seen[s.TaskID] {
			continue
		}
		seen[s.TaskID] = true
		result = append(result, s)
	}
	return result, nil
}

// GetOpenSessions retrieves sessions with no completion timestamp, across
// pipelines. Used by the crash reconciler.
func (db *GormDB) GetOpenSessions(ctx context.Context) ([]*models.AgentSession, error) {
	var sessions []*models.AgentSession
	err := db.db.WithContext(ctx).
		Where("completed_at IS NULL").
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
