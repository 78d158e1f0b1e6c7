// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/pipewright/pipewright/internal/models"
)

// GetProject retrieves a single project by ID
func (db *GormDB) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	var project models.Project
	err := db.db.WithContext(ctx).First(&project, "id = ?", projectID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("project not found: %s", projectID)
		}
		return nil, err
	}
	return &project, nil
}

// GetProjects retrieves all projects
func (db *GormDB) GetProjects(ctx context.Context) ([]*models.Project, error) {
	var projects []*models.Project
	err := db.db.WithContext(ctx).Order("created_at ASC").Find(&projects).Error
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// CreateProject creates a new project
func (db *GormDB) CreateProject(ctx context.Context, project *models.Project) error {
	return db.db.WithContext(ctx).Create(project).Error
}

// CreatePipeline creates a new pipeline
func (db *GormDB) CreatePipeline(ctx context.Context, pipeline *models.Pipeline) error {
	return db.db.WithContext(ctx).Create(pipeline).Error
}

// GetPipeline retrieves a pipeline by ID
func (db *GormDB) GetPipeline(ctx context.Context, pipelineID string) (*models.Pipeline, error) {
	var pipeline models.Pipeline
	err := db.db.WithContext(ctx).First(&pipeline, "id = ?", pipelineID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("pipeline not found: %s", pipelineID)
		}
		return nil, err
	}
	return &pipeline, nil
}

// GetPipelinesByProject retrieves all pipelines for a project
func (db *GormDB) GetPipelinesByProject(ctx context.Context, projectID string) ([]*models.Pipeline, error) {
	var pipelines []*models.Pipeline
	err := db.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&pipelines).Error
	if err != nil {
		return nil, err
	}
	return pipelines, nil
}

// GetNonTerminalPipelines retrieves all pipelines not in a terminal state.
// Used by the crash reconciler at startup.
func (db *GormDB) GetNonTerminalPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	var pipelines []*models.Pipeline
	err := db.db.WithContext(ctx).
		Where("state NOT IN ?", []models.PipelineState{
			models.PipelineStateCompleted,
			models.PipelineStateFailed,
			models.PipelineStateCancelled,
		}).
		Order("created_at ASC").
		Find(&pipelines).Error
	if err != nil {
		return nil, err
	}
	return pipelines, nil
}

// SavePipeline persists all fields of a pipeline
func (db *GormDB) SavePipeline(ctx context.Context, pipeline *models.Pipeline) error {
	return db.db.WithContext(ctx).Save(pipeline).Error
}

// UpdatePipelineFields updates selected pipeline columns
func (db *GormDB) UpdatePipelineFields(ctx context.Context, pipelineID string, fields map[string]any) error {
	return db.db.WithContext(ctx).
		Model(&models.Pipeline{}).
		Where("id = ?", pipelineID).
		Updates(fields).Error
}
