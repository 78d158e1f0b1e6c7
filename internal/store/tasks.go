// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/pipewright/pipewright/internal/models"
)

// CreateTask creates a new task record
func (db *GormDB) CreateTask(ctx context.Context, task *models.Task) error {
	return db.db.WithContext(ctx).Create(task).Error
}

// GetTask retrieves a task by ID
func (db *GormDB) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	err := db.db.WithContext(ctx).First(&task, "id = ?", taskID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("task not found: %s", taskID)
		}
		return nil, err
	}
	return &task, nil
}

// SaveTask persists all fields of a task
func (db *GormDB) SaveTask(ctx context.Context, task *models.Task) error {
	return db.db.WithContext(ctx).Save(task).Error
}

// UpdateTaskFields updates selected task columns
func (db *GormDB) UpdateTaskFields(ctx context.Context, taskID string, fields map[string]any) error {
	return db.db.WithContext(ctx).
		Model(&models.Task{}).
		Where("id = ?", taskID).
		Updates(fields).Error
}

// GetTasksByPipeline retrieves all tasks for a pipeline in creation order
func (db *GormDB) GetTasksByPipeline(ctx context.Context, pipelineID string) ([]*models.Task, error) {
	var tasks []*models.Task
	err := db.db.WithContext(ctx).
		Where("pipeline_id = ?", pipelineID).
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTasksByStage retrieves all tasks attached to a stage in creation order
func (db *GormDB) GetTasksByStage(ctx context.Context, stageID string) ([]*models.Task, error) {
	var tasks []*models.Task
	err := db.db.WithContext(ctx).
		Where("stage_id = ?", stageID).
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetPendingTasksByPipeline retrieves pending tasks for a pipeline in creation order
func (db *GormDB) GetPendingTasksByPipeline(ctx context.Context, pipelineID string) ([]*models.Task, error) {
	var tasks []*models.Task
	err := db.db.WithContext(ctx).
		Where("pipeline_id = ? AND state = ?", pipelineID, models.TaskStatePending).
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetRunningTasks retrieves all running tasks across pipelines. Used by the
// crash reconciler.
func (db *GormDB) GetRunningTasks(ctx context.Context) ([]*models.Task, error) {
	var tasks []*models.Task
	err := db.db.WithContext(ctx).
		Where("state = ?", models.TaskStateRunning).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ResetRunningTasksForPipeline flips a pipeline's running tasks back to pending.
// Used by pause.
func (db *GormDB) ResetRunningTasksForPipeline(ctx context.Context, pipelineID string) error {
	return db.db.WithContext(ctx).
		Model(&models.Task{}).
		Where("pipeline_id = ? AND state IN ?", pipelineID,
			[]models.TaskState{models.TaskStateRunning, models.TaskStateQueued}).
		Update("state", models.TaskStatePending).Error
}

// CancelOpenTasksForPipeline marks every non-terminal task of a pipeline
// cancelled. Used by cancel and replan.
func (db *GormDB) CancelOpenTasksForPipeline(ctx context.Context, pipelineID string) error {
	now := time.Now()
	return db.db.WithContext(ctx).
		Model(&models.Task{}).
		Where("pipeline_id = ? AND state IN ?", pipelineID, []models.TaskState{
			models.TaskStatePending,
			models.TaskStateQueued,
			models.TaskStateRunning,
		}).
		Updates(map[string]any{
			"state":        models.TaskStateCancelled,
			"completed_at": &now,
		}).Error
}
