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

// CreateIntervention creates a new intervention request
func (db *GormDB) CreateIntervention(ctx context.Context, intervention *models.Intervention) error {
	return db.db.WithContext(ctx).Create(intervention).Error
}

// GetIntervention retrieves an intervention by ID
func (db *GormDB) GetIntervention(ctx context.Context, interventionID string) (*models.Intervention, error) {
	var intervention models.Intervention
	err := db.db.WithContext(ctx).First(&intervention, "id = ?", interventionID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("intervention not found: %s", interventionID)
		}
		return nil, err
	}
	return &intervention, nil
}

// SaveIntervention persists all fields of an intervention
func (db *GormDB) SaveIntervention(ctx context.Context, intervention *models.Intervention) error {
	return db.db.WithContext(ctx).Save(intervention).Error
}

// FindPendingIntervention returns the pending intervention matching a pipeline
// and task, or nil when none exists. taskID may be empty for stage-level
// interventions.
func (db *GormDB) FindPendingIntervention(ctx context.Context, pipelineID, taskID string) (*models.Intervention, error) {
	var intervention models.Intervention
	err := db.db.WithContext(ctx).
		Where("pipeline_id = ? AND task_id = ? AND status = ?", pipelineID, taskID, models.InterventionStatusPending).
		Order("created_at DESC").
		First(&intervention).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &intervention, nil
}

// GetPendingInterventionsByPipeline retrieves all pending interventions of a pipeline
func (db *GormDB) GetPendingInterventionsByPipeline(ctx context.Context, pipelineID string) ([]*models.Intervention, error) {
	var interventions []*models.Intervention
	err := db.db.WithContext(ctx).
		Where("pipeline_id = ? AND status = ?", pipelineID, models.InterventionStatusPending).
		Order("created_at ASC").
		Find(&interventions).Error
	if err != nil {
		return nil, err
	}
	return interventions, nil
}

// ExpirePendingInterventions marks every pending intervention of a pipeline
// expired. Used by cancel and replan.
func (db *GormDB) ExpirePendingInterventions(ctx context.Context, pipelineID string) error {
	now := time.Now()
	return db.db.WithContext(ctx).
		Model(&models.Intervention{}).
		Where("pipeline_id = ? AND status = ?", pipelineID, models.InterventionStatusPending).
		Updates(map[string]any{
			"status":      models.InterventionStatusExpired,
			"resolved_at": &now,
		}).Error
}

// CreateConsultation creates a new consultation record
func (db *GormDB) CreateConsultation(ctx context.Context, consultation *models.Consultation) error {
	return db.db.WithContext(ctx).Create(consultation).Error
}

// GetConsultation retrieves a consultation by ID
func (db *GormDB) GetConsultation(ctx context.Context, consultationID string) (*models.Consultation, error) {
	var consultation models.Consultation
	err := db.db.WithContext(ctx).First(&consultation, "id = ?", consultationID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("consultation not found: %s", consultationID)
		}
		return nil, err
	}
	return &consultation, nil
}

// SaveConsultation persists all fields of a consultation
func (db *GormDB) SaveConsultation(ctx context.Context, consultation *models.Consultation) error {
	return db.db.WithContext(ctx).Save(consultation).Error
}

// FindPendingBlockingConsultation returns the pending blocking consultation of
// a pipeline and task, or nil when none exists. At most one pending blocking
// consultation exists per (pipeline, task) pair.
func (db *GormDB) FindPendingBlockingConsultation(ctx context.Context, pipelineID, taskID string) (*models.Consultation, error) {
	var consultation models.Consultation
	err := db.db.WithContext(ctx).
		Where("pipeline_id = ? AND task_id = ? AND blocking = 1 AND status = ?", pipelineID, taskID, models.InterventionStatusPending).
		Order("created_at DESC").
		First(&consultation).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &consultation, nil
}

// GetPendingConsultationsByPipeline retrieves all pending consultations of a pipeline
func (db *GormDB) GetPendingConsultationsByPipeline(ctx context.Context, pipelineID string) ([]*models.Consultation, error) {
	var consultations []*models.Consultation
	err := db.db.WithContext(ctx).
		Where("pipeline_id = ? AND status = ?", pipelineID, models.InterventionStatusPending).
		Order("created_at ASC").
		Find(&consultations).Error
	if err != nil {
		return nil, err
	}
	return consultations, nil
}

// ExpirePendingConsultations marks every pending consultation of a pipeline
// expired.
func (db *GormDB) ExpirePendingConsultations(ctx context.Context, pipelineID string) error {
	now := time.Now()
	return db.db.WithContext(ctx).
		Model(&models.Consultation{}).
		Where("pipeline_id = ? AND status = ?", pipelineID, models.InterventionStatusPending).
		Updates(map[string]any{
			"status":      models.InterventionStatusExpired,
			"resolved_at": &now,
		}).Error
}
