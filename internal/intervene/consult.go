// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package intervene

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pipewright/pipewright/internal/models"
	"github.com/pipewright/pipewright/internal/protocol"
)

// RequestConsultation records a non-blocking [CONSULT] question raised by a
// task. The task keeps running; the answer lands in the consultation row for
// later context.
func (g *Gate) RequestConsultation(ctx context.Context, pipelineID, taskID string, stageType models.StageType, question string) (*models.Consultation, error) {
	consultation := &models.Consultation{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		TaskID:     taskID,
		StageType:  stageType,
		Question:   question,
		Status:     models.InterventionStatusPending,
		Blocking:   0,
	}
	if err := g.db.CreateConsultation(ctx, consultation); err != nil {
		return nil, fmt.Errorf("failed to create consultation: %w", err)
	}

	g.bus.Publish(protocol.ConsultationEvent{
		Metadata:     protocol.NewMetadata(pipelineID),
		Consultation: consultation,
	})

	getLog().Info().
		Str("pipeline_id", pipelineID).
		Str("task_id", taskID).
		Msg("Recorded consultation")
	return consultation, nil
}

// RequestBlock records a [BLOCK] question and parks the caller until a human
// responds, like RequestIntervention but attributed to the raising task. A
// pending blocking row left by an earlier run of the same task is reused, so
// replays never stack duplicate questions.
func (g *Gate) RequestBlock(ctx context.Context, pipelineID, taskID string, stageType models.StageType, question string) (string, error) {
	g.healer.ClearTimeout(pipelineID)

	consultation, err := g.db.FindPendingBlockingConsultation(ctx, pipelineID, taskID)
	if err != nil {
		return "", err
	}
	if consultation == nil {
		consultation = &models.Consultation{
			ID:         uuid.NewString(),
			PipelineID: pipelineID,
			TaskID:     taskID,
			StageType:  stageType,
			Question:   question,
			Status:     models.InterventionStatusPending,
			Blocking:   1,
		}
		if err := g.db.CreateConsultation(ctx, consultation); err != nil {
			return "", fmt.Errorf("failed to create consultation: %w", err)
		}
	}

	entry := &parkedEntry{
		ch:         make(chan string, 1),
		pipelineID: pipelineID,
	}
	g.mu.Lock()
	g.parked[consultation.ID] = entry
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.parked, consultation.ID)
		g.mu.Unlock()
	}()

	getLog().Info().
		Str("pipeline_id", pipelineID).
		Str("task_id", taskID).
		Str("consultation_id", consultation.ID).
		Msg("Task parked on blocking consultation")

	g.bus.Publish(protocol.ConsultationEvent{
		Metadata:     protocol.NewMetadata(pipelineID),
		Consultation: consultation,
	})

	select {
	case response := <-entry.ch:
		return response, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RespondToConsultation records a human answer. A blocking consultation's
// parked waiter is woken with the response.
func (g *Gate) RespondToConsultation(ctx context.Context, consultationID, response string) error {
	consultation, err := g.db.GetConsultation(ctx, consultationID)
	if err != nil {
		return err
	}
	if consultation.Status != models.InterventionStatusPending {
		return nil
	}

	now := time.Now()
	consultation.Status = models.InterventionStatusResolved
	consultation.Response = response
	consultation.ResolvedAt = &now
	if err := g.db.SaveConsultation(ctx, consultation); err != nil {
		return fmt.Errorf("failed to save consultation: %w", err)
	}

	g.bus.Publish(protocol.ConsultationEvent{
		Metadata:     protocol.NewMetadata(consultation.PipelineID),
		Consultation: consultation,
	})

	g.mu.Lock()
	entry, ok := g.parked[consultationID]
	g.mu.Unlock()
	if ok {
		entry.ch <- response
	}
	return nil
}
