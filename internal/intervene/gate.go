// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package intervene parks pipelines on human questions and wakes them up
// when answers arrive. Parking is in-memory; rows in the interventions table
// survive restarts and are re-parked by the resume path.
package intervene

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pipewright/pipewright/internal/bus"
	"github.com/pipewright/pipewright/internal/healer"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/models"
	"github.com/pipewright/pipewright/internal/protocol"
	"github.com/pipewright/pipewright/internal/store"
)

var (
	gateLog     *zerolog.Logger
	gateLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	gateLogOnce.Do(func() {
		l := logger.GetInterveneLogger()
		gateLog = &l
	})
	return gateLog
}

// Response sentinels. A parked caller receiving one of these treats it as a
// control signal instead of an answer.
const (
	// CancelSentinel prefixes responses that abort the waiting stage.
	CancelSentinel = "CANCEL_REQUESTED:"
	// ReplanSentinel prefixes responses that send the pipeline back to
	// planning.
	ReplanSentinel = "REPLAN_REQUESTED:"
)

// IsCancelResponse reports whether a parked response is a cancel signal.
func IsCancelResponse(response string) bool {
	return strings.HasPrefix(response, CancelSentinel)
}

// IsReplanResponse reports whether a parked response is a replan signal.
func IsReplanResponse(response string) bool {
	return strings.HasPrefix(response, ReplanSentinel)
}

type parkedEntry struct {
	ch         chan string
	pipelineID string
}

// AdvanceFunc re-enters the pipeline engine for an intervention resolved
// after a restart, when no goroutine is parked anymore.
type AdvanceFunc func(ctx context.Context, pipelineID string) error

// Gate is the human-in-the-loop coordination point.
type Gate struct {
	db     *store.GormDB
	bus    *bus.Bus
	healer *healer.Healer

	// Advance is injected after engine construction to break the
	// dependency cycle between gate and engine.
	Advance AdvanceFunc

	mu     sync.Mutex
	parked map[string]*parkedEntry // interventionID -> waiting goroutine
}

// NewGate creates an intervention gate.
func NewGate(db *store.GormDB, b *bus.Bus, h *healer.Healer) *Gate {
	return &Gate{
		db:     db,
		bus:    b,
		healer: h,
		parked: make(map[string]*parkedEntry),
	}
}

// RequestIntervention creates (or reuses) a pending intervention row, pauses
// the stage timeout, broadcasts the request, and blocks until a human
// responds or ctx is cancelled. The returned string is the human's response,
// possibly a control sentinel.
func (g *Gate) RequestIntervention(ctx context.Context, pipelineID, taskID string, stageType models.StageType, question, contextJSON string) (string, error) {
	// Human thinking time must not count against the stage timeout.
	g.healer.ClearTimeout(pipelineID)

	intervention, err := g.db.FindPendingIntervention(ctx, pipelineID, taskID)
	if err != nil {
		return "", err
	}
	if intervention == nil {
		intervention = &models.Intervention{
			ID:         uuid.NewString(),
			PipelineID: pipelineID,
			TaskID:     taskID,
			StageType:  stageType,
			Question:   question,
			Context:    contextJSON,
			Status:     models.InterventionStatusPending,
		}
		if err := g.db.CreateIntervention(ctx, intervention); err != nil {
			return "", fmt.Errorf("failed to create intervention: %w", err)
		}
	}

	entry := &parkedEntry{
		ch:         make(chan string, 1),
		pipelineID: pipelineID,
	}
	g.mu.Lock()
	g.parked[intervention.ID] = entry
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.parked, intervention.ID)
		g.mu.Unlock()
	}()

	getLog().Info().
		Str("pipeline_id", pipelineID).
		Str("intervention_id", intervention.ID).
		Str("stage_type", string(stageType)).
		Msg("Pipeline parked on intervention")

	g.bus.Publish(protocol.InterventionRequestedEvent{
		Metadata:     protocol.NewMetadata(pipelineID),
		Intervention: intervention,
	})

	select {
	case response := <-entry.ch:
		return response, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ResolveIntervention records a human response and wakes the parked caller.
// Resolving an already-resolved intervention is a no-op. When no caller is
// parked (server restarted while waiting) and the row was re-created by
// resume, the engine is re-entered instead.
func (g *Gate) ResolveIntervention(ctx context.Context, interventionID, response string) error {
	intervention, err := g.db.GetIntervention(ctx, interventionID)
	if err != nil {
		return err
	}
	if intervention.Status != models.InterventionStatusPending {
		getLog().Debug().Str("intervention_id", interventionID).Msg("Intervention already resolved, ignoring")
		return nil
	}

	now := time.Now()
	intervention.Status = models.InterventionStatusResolved
	intervention.Response = response
	intervention.ResolvedAt = &now
	if err := g.db.SaveIntervention(ctx, intervention); err != nil {
		return fmt.Errorf("failed to save intervention: %w", err)
	}

	g.bus.Publish(protocol.InterventionResolvedEvent{
		Metadata:     protocol.NewMetadata(intervention.PipelineID),
		Intervention: intervention,
	})

	g.mu.Lock()
	entry, ok := g.parked[interventionID]
	g.mu.Unlock()

	if ok {
		entry.ch <- response
		return nil
	}

	// No parked goroutine: the server restarted while this question was
	// open. Re-enter the engine so the pipeline moves again.
	if intervention.PostRestart && g.Advance != nil {
		getLog().Info().
			Str("pipeline_id", intervention.PipelineID).
			Msg("Resolved post-restart intervention, re-entering engine")
		go func() {
			if err := g.Advance(context.Background(), intervention.PipelineID); err != nil {
				getLog().Error().Err(err).
					Str("pipeline_id", intervention.PipelineID).
					Msg("Failed to re-enter engine after intervention")
			}
		}()
		return nil
	}

	getLog().Warn().
		Str("intervention_id", interventionID).
		Msg("Resolved intervention had no parked caller")
	return nil
}

// ReParkIntervention re-creates the pending intervention row for a pipeline
// resumed after a crash, marked so its resolution re-enters the engine.
func (g *Gate) ReParkIntervention(ctx context.Context, pipelineID string, stageType models.StageType, question string) error {
	intervention, err := g.db.FindPendingIntervention(ctx, pipelineID, "")
	if err != nil {
		return err
	}
	if intervention == nil {
		intervention = &models.Intervention{
			ID:          uuid.NewString(),
			PipelineID:  pipelineID,
			StageType:   stageType,
			Question:    question,
			Status:      models.InterventionStatusPending,
			PostRestart: true,
		}
		if err := g.db.CreateIntervention(ctx, intervention); err != nil {
			return err
		}
	} else if !intervention.PostRestart {
		intervention.PostRestart = true
		if err := g.db.SaveIntervention(ctx, intervention); err != nil {
			return err
		}
	}

	g.bus.Publish(protocol.InterventionRequestedEvent{
		Metadata:     protocol.NewMetadata(pipelineID),
		Intervention: intervention,
	})
	return nil
}

// ExpireForPipeline expires every open intervention and consultation of a
// pipeline and unparks their waiters with a cancel sentinel. Used by cancel
// and replan.
func (g *Gate) ExpireForPipeline(ctx context.Context, pipelineID, reason string) error {
	if err := g.db.ExpirePendingInterventions(ctx, pipelineID); err != nil {
		return err
	}
	if err := g.db.ExpirePendingConsultations(ctx, pipelineID); err != nil {
		return err
	}

	g.mu.Lock()
	var entries []*parkedEntry
	for id, entry := range g.parked {
		if entry.pipelineID == pipelineID {
			entries = append(entries, entry)
			delete(g.parked, id)
		}
	}
	g.mu.Unlock()

	for _, entry := range entries {
		select {
		case entry.ch <- CancelSentinel + " " + reason:
		default:
		}
	}

	if len(entries) > 0 {
		getLog().Info().
			Str("pipeline_id", pipelineID).
			Int("count", len(entries)).
			Str("reason", reason).
			Msg("Expired parked interventions")
	}
	return nil
}

// ParkedCount returns how many goroutines are currently parked for a
// pipeline.
func (g *Gate) ParkedCount(pipelineID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for _, entry := range g.parked {
		if entry.pipelineID == pipelineID {
			count++
		}
	}
	return count
}
