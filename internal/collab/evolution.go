// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/pipewright/pipewright/internal/models"
	"github.com/pipewright/pipewright/internal/store"
)

// DBEvolutionEngine logs metrics to the database and does simple in-memory
// model routing from observed outcomes.
type DBEvolutionEngine struct {
	db *store.GormDB

	mu       sync.Mutex
	outcomes map[string]*modelStats // "projectID/model" -> stats
}

type modelStats struct {
	successes int
	failures  int
}

// NewDBEvolutionEngine creates a store-backed evolution collaborator.
func NewDBEvolutionEngine(db *store.GormDB) *DBEvolutionEngine {
	return &DBEvolutionEngine{
		db:       db,
		outcomes: make(map[string]*modelStats),
	}
}

// CaptureMetrics implements EvolutionEngine.
func (e *DBEvolutionEngine) CaptureMetrics(ctx context.Context, pipelineID, projectID string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal metric payload: %w", err)
	}
	return e.db.CreateEvolutionLog(ctx, &models.EvolutionLog{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		ProjectID:  projectID,
		Kind:       "pipeline_metrics",
		Payload:    string(data),
	})
}

// SelectModel implements EvolutionEngine. With no outcome history it returns
// "" and the caller falls back to the complexity tier default.
func (e *DBEvolutionEngine) SelectModel(ctx context.Context, projectID string, complexity models.Complexity) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	type candidate struct {
		model string
		rate  float64
		total int
	}
	var candidates []candidate
	for key, stats := range e.outcomes {
		pid, model, ok := splitOutcomeKey(key)
		if !ok || pid != projectID {
			continue
		}
		total := stats.successes + stats.failures
		if total < 3 {
			// Not enough signal yet.
			continue
		}
		candidates = append(candidates, candidate{
			model: model,
			rate:  float64(stats.successes) / float64(total),
			total: total,
		})
	}
	if len(candidates) == 0 {
		return "", nil
	}

	best := lo.MaxBy(candidates, func(a, b candidate) bool {
		return a.rate > b.rate
	})
	return best.model, nil
}

// RecordOutcome implements EvolutionEngine.
func (e *DBEvolutionEngine) RecordOutcome(ctx context.Context, projectID, model string, success bool) error {
	if model == "" {
		return nil
	}
	e.mu.Lock()
	key := outcomeKey(projectID, model)
	stats := e.outcomes[key]
	if stats == nil {
		stats = &modelStats{}
		e.outcomes[key] = stats
	}
	if success {
		stats.successes++
	} else {
		stats.failures++
	}
	successes, failures := stats.successes, stats.failures
	e.mu.Unlock()

	payload, _ := json.Marshal(map[string]any{
		"model":     model,
		"success":   success,
		"successes": successes,
		"failures":  failures,
	})
	return e.db.CreateEvolutionLog(ctx, &models.EvolutionLog{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Kind:      "task_outcome",
		Payload:   string(payload),
	})
}

// AnalyzeAndRecommend implements EvolutionEngine.
func (e *DBEvolutionEngine) AnalyzeAndRecommend(ctx context.Context, projectID string) (string, error) {
	logs, err := e.db.GetEvolutionLogsByProject(ctx, projectID)
	if err != nil {
		return "", err
	}

	metrics := lo.CountBy(logs, func(l *models.EvolutionLog) bool {
		return l.Kind == "pipeline_metrics"
	})
	outcomes := lo.CountBy(logs, func(l *models.EvolutionLog) bool {
		return l.Kind == "task_outcome"
	})

	return fmt.Sprintf("observed %d pipeline metric rows and %d task outcomes", metrics, outcomes), nil
}

func outcomeKey(projectID, model string) string {
	return projectID + "/" + model
}

func splitOutcomeKey(key string) (projectID, model string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
