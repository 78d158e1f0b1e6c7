// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/pipewright/pipewright/internal/models"
)

// CreatePlan creates a new plan version for a pipeline
func (db *GormDB) CreatePlan(ctx context.Context, plan *models.Plan) error {
	return db.db.WithContext(ctx).Create(plan).Error
}

// SavePlan persists all fields of a plan
func (db *GormDB) SavePlan(ctx context.Context, plan *models.Plan) error {
	return db.db.WithContext(ctx).Save(plan).Error
}

// GetLatestPlan returns the highest-version plan for a pipeline, or nil when
// no plan has been generated yet.
func (db *GormDB) GetLatestPlan(ctx context.Context, pipelineID string) (*models.Plan, error) {
	var plan models.Plan
	err := db.db.WithContext(ctx).
		Where("pipeline_id = ?", pipelineID).
		Order("version DESC").
		First(&plan).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

// MaxPlanVersion returns the highest plan version recorded for a pipeline,
// zero when there is none.
func (db *GormDB) MaxPlanVersion(ctx context.Context, pipelineID string) (int, error) {
	var version *int
	err := db.db.WithContext(ctx).
		Model(&models.Plan{}).
		Where("pipeline_id = ?", pipelineID).
		Select("MAX(version)").
		Scan(&version).Error
	if err != nil {
		return 0, err
	}
	if version == nil {
		return 0, nil
	}
	return *version, nil
}
