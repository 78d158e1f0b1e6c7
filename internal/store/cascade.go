// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/pipewright/pipewright/internal/models"
)

// DeletePipelineCascade removes a terminal pipeline and everything hanging off
// it in one transaction. Children go first so a partial failure never orphans
// rows.
func (db *GormDB) DeletePipelineCascade(ctx context.Context, pipelineID string) error {
	pipeline, err := db.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if !pipeline.IsTerminal() {
		return fmt.Errorf("pipeline %s is not in a terminal state (%s)", pipelineID, pipeline.State)
	}

	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		where := "pipeline_id = ?"
		for _, target := range []any{
			&models.AgentSession{},
			&models.GeneratedTool{},
			&models.Intervention{},
			&models.Consultation{},
			&models.Task{},
			&models.Stage{},
			&models.Plan{},
			&models.MemoryRecord{},
			&models.EvolutionLog{},
		} {
			if err := tx.Where(where, pipelineID).Delete(target).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&models.Pipeline{}, "id = ?", pipelineID).Error
	})
}
