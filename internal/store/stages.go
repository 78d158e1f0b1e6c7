// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/pipewright/pipewright/internal/models"
)

// CreateStage creates a new stage record
func (db *GormDB) CreateStage(ctx context.Context, stage *models.Stage) error {
	return db.db.WithContext(ctx).Create(stage).Error
}

// GetStage retrieves a stage by ID
func (db *GormDB) GetStage(ctx context.Context, stageID string) (*models.Stage, error) {
	var stage models.Stage
	err := db.db.WithContext(ctx).First(&stage, "id = ?", stageID).Error
	if err != nil {
		return nil, err
	}
	return &stage, nil
}

// FindPendingStage returns an existing pending stage of the given type for a
// pipeline, or nil when none exists. The stage runner reuses it instead of
// creating a duplicate.
func (db *GormDB) FindPendingStage(ctx context.Context, pipelineID string, stageType models.StageType) (*models.Stage, error) {
	var stage models.Stage
	err := db.db.WithContext(ctx).
		Where("pipeline_id = ? AND type = ? AND state = ?", pipelineID, stageType, models.StageStatePending).
		Order("created_at ASC").
		First(&stage).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &stage, nil
}

// GetStagesByPipeline retrieves all stages for a pipeline in creation order
func (db *GormDB) GetStagesByPipeline(ctx context.Context, pipelineID string) ([]*models.Stage, error) {
	var stages []*models.Stage
	err := db.db.WithContext(ctx).
		Where("pipeline_id = ?", pipelineID).
		Order("created_at ASC").
		Find(&stages).Error
	if err != nil {
		return nil, err
	}
	return stages, nil
}

// GetRunningStages retrieves all stages in running state, across pipelines.
// Used by the crash reconciler.
func (db *GormDB) GetRunningStages(ctx context.Context) ([]*models.Stage, error) {
	var stages []*models.Stage
	err := db.db.WithContext(ctx).
		Where("state = ?", models.StageStateRunning).
		Find(&stages).Error
	if err != nil {
		return nil, err
	}
	return stages, nil
}

// SaveStage persists all fields of a stage
func (db *GormDB) SaveStage(ctx context.Context, stage *models.Stage) error {
	return db.db.WithContext(ctx).Save(stage).Error
}

// FailOpenStagesForPipeline marks running stages failed and pending stages
// skipped for a pipeline. Used by cancel and replan.
func (db *GormDB) FailOpenStagesForPipeline(ctx context.Context, pipelineID string, reason string) error {
	now := time.Now()
	if err := db.db.WithContext(ctx).
		Model(&models.Stage{}).
		Where("pipeline_id = ? AND state = ?", pipelineID, models.StageStateRunning).
		Updates(map[string]any{
			"state":         models.StageStateFailed,
			"error_message": reason,
			"completed_at":  &now,
		}).Error; err != nil {
		return err
	}
	return db.db.WithContext(ctx).
		Model(&models.Stage{}).
		Where("pipeline_id = ? AND state = ?", pipelineID, models.StageStatePending).
		Updates(map[string]any{
			"state":        models.StageStateSkipped,
			"completed_at": &now,
		}).Error
}
