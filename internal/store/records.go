// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"

	"github.com/pipewright/pipewright/internal/models"
)

// CreateGeneratedTool records a synthesized tool
func (db *GormDB) CreateGeneratedTool(ctx context.Context, tool *models.GeneratedTool) error {
	return db.db.WithContext(ctx).Create(tool).Error
}

// GetGeneratedToolsByPipeline retrieves the tools synthesized during a pipeline
func (db *GormDB) GetGeneratedToolsByPipeline(ctx context.Context, pipelineID string) ([]*models.GeneratedTool, error) {
	var tools []*models.GeneratedTool
	err := db.db.WithContext(ctx).
		Where("pipeline_id = ?", pipelineID).
		Order("created_at ASC").
		Find(&tools).Error
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// DeleteGeneratedToolsByPipeline removes tool records after their plugin dirs
// are cleaned up
func (db *GormDB) DeleteGeneratedToolsByPipeline(ctx context.Context, pipelineID string) error {
	return db.db.WithContext(ctx).
		Where("pipeline_id = ?", pipelineID).
		Delete(&models.GeneratedTool{}).Error
}

// CreateMemoryRecord stores a memory entry
func (db *GormDB) CreateMemoryRecord(ctx context.Context, record *models.MemoryRecord) error {
	return db.db.WithContext(ctx).Create(record).Error
}

// GetMemoryRecords retrieves memory entries for a scope. L1 queries filter by
// pipeline, L2 by project.
func (db *GormDB) GetMemoryRecords(ctx context.Context, scope models.MemoryScope, ownerID string) ([]*models.MemoryRecord, error) {
	q := db.db.WithContext(ctx).Where("scope = ?", scope)
	switch scope {
	case models.MemoryScopeL1:
		q = q.Where("pipeline_id = ?", ownerID)
	case models.MemoryScopeL2:
		q = q.Where("project_id = ?", ownerID)
	}

	var records []*models.MemoryRecord
	err := q.Order("created_at ASC").Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CreateEvolutionLog appends a metric row
func (db *GormDB) CreateEvolutionLog(ctx context.Context, log *models.EvolutionLog) error {
	return db.db.WithContext(ctx).Create(log).Error
}

// GetEvolutionLogsByProject retrieves metric rows for a project, newest first
func (db *GormDB) GetEvolutionLogsByProject(ctx context.Context, projectID string) ([]*models.EvolutionLog, error) {
	var logs []*models.EvolutionLog
	err := db.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
